// Package selector resolves a requested model name to a backend base URL,
// gated by the model's lifecycle state and a per-upstream circuit breaker.
// The round-robin machinery is kept for future backend pools; with the
// one-model-one-container mapping it degenerates to identity.
package selector

import (
	"context"
	"sync"

	"github.com/cortexgw/cortex/internal/container"
	"github.com/cortexgw/cortex/internal/registry"
	"github.com/cortexgw/cortex/pkg/apierror"
	"github.com/cortexgw/cortex/pkg/models"
)

// Upstream is a resolved routing target.
type Upstream struct {
	Model   *models.Model
	BaseURL string
	// Probe marks this request as the breaker's single half-open probe.
	Probe bool
}

// Selector picks upstream URLs for inference requests.
type Selector struct {
	registry *registry.Registry
	breaker  *Breaker

	mu sync.Mutex
	rr map[string]int // next round-robin index per served name
}

// New creates a selector.
func New(reg *registry.Registry, breaker *Breaker) *Selector {
	return &Selector{registry: reg, breaker: breaker, rr: make(map[string]int)}
}

// Breaker exposes the underlying circuit breaker for feedback and
// observability.
func (s *Selector) Breaker() *Breaker { return s.breaker }

// Select resolves servedName to a healthy upstream. Failures map to
// model_not_found, model_not_ready, or upstream_unavailable.
func (s *Selector) Select(ctx context.Context, servedName string) (*Upstream, error) {
	m, err := s.registry.GetByServedName(ctx, servedName)
	if err != nil {
		return nil, err
	}
	if m.State != models.StateRunning {
		return nil, apierror.Newf(apierror.ModelNotReady, "%s", m.State)
	}

	candidates := []string{container.BaseURL(m)}
	baseURL := candidates[s.nextIndex(servedName, len(candidates))]

	allowed, probe := s.breaker.Allow(baseURL)
	if !allowed {
		return nil, apierror.New(apierror.UpstreamUnavailable, "upstream circuit open")
	}
	return &Upstream{Model: m, BaseURL: baseURL, Probe: probe}, nil
}

// Report feeds a proxy outcome back into the breaker. Connection errors
// and upstream 5xx count as failures; everything else is a success.
func (s *Selector) Report(baseURL string, success bool) {
	if success {
		s.breaker.RecordSuccess(baseURL)
	} else {
		s.breaker.RecordFailure(baseURL)
	}
}

func (s *Selector) nextIndex(servedName string, n int) int {
	if n <= 1 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.rr[servedName] % n
	s.rr[servedName]++
	return idx
}

package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/sync/errgroup"

	"github.com/cortexgw/cortex/internal/container"
	"github.com/cortexgw/cortex/internal/registry"
	"github.com/cortexgw/cortex/internal/store"
	"github.com/cortexgw/cortex/pkg/models"
)

// EngineStats is the normalized view of one running backend's own
// Prometheus endpoint.
type EngineStats struct {
	ServedName            string            `json:"served_name"`
	Engine                models.EngineKind `json:"engine"`
	BaseURL               string            `json:"base_url"`
	RequestsRunning       float64           `json:"requests_running"`
	RequestsWaiting       float64           `json:"requests_waiting"`
	RequestsSwapped       float64           `json:"requests_swapped"`
	PromptTokensTotal     float64           `json:"prompt_tokens_total"`
	GenerationTokensTotal float64           `json:"generation_tokens_total"`
	TTFTSeconds           float64           `json:"ttft_seconds"`
	KVCacheUtilization    float64           `json:"kv_cache_utilization"`
	Error                 string            `json:"error,omitempty"`
}

// EngineScraper aggregates engine metrics across every running model.
type EngineScraper struct {
	registry *registry.Registry
	httpc    *http.Client
}

// NewEngineScraper builds a scraper over the model registry.
func NewEngineScraper(reg *registry.Registry) *EngineScraper {
	return &EngineScraper{
		registry: reg,
		httpc:    &http.Client{Timeout: 3 * time.Second},
	}
}

// Collect scrapes every running backend concurrently. A backend that
// fails to scrape contributes an entry with Error set; it never fails
// the whole collection.
func (s *EngineScraper) Collect(ctx context.Context) ([]EngineStats, error) {
	list, err := s.registry.List(ctx, store.ModelFilter{State: models.StateRunning})
	if err != nil {
		return nil, err
	}

	stats := make([]EngineStats, len(list))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range list {
		i, m := i, list[i]
		g.Go(func() error {
			st := s.scrapeOne(gctx, &m)
			mu.Lock()
			stats[i] = st
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *EngineScraper) scrapeOne(ctx context.Context, m *models.Model) EngineStats {
	st := EngineStats{
		ServedName: m.ServedName,
		Engine:     m.Engine,
		BaseURL:    container.BaseURL(m),
	}
	families, err := s.fetch(ctx, st.BaseURL+"/metrics")
	if err != nil {
		st.Error = err.Error()
		return st
	}
	normalize(&st, families)
	return st
}

func (s *EngineScraper) fetch(ctx context.Context, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metrics endpoint returned %d", resp.StatusCode)
	}
	var parser expfmt.TextParser
	return parser.TextToMetricFamilies(resp.Body)
}

// Metric name mapping per engine family. vLLM exposes vllm:* series;
// llama.cpp's server exposes llamacpp:* series.
func normalize(st *EngineStats, fams map[string]*dto.MetricFamily) {
	switch st.Engine {
	case models.EngineTransformers:
		st.RequestsRunning = gaugeValue(fams, "vllm:num_requests_running")
		st.RequestsWaiting = gaugeValue(fams, "vllm:num_requests_waiting")
		st.RequestsSwapped = gaugeValue(fams, "vllm:num_requests_swapped")
		st.PromptTokensTotal = counterValue(fams, "vllm:prompt_tokens_total")
		st.GenerationTokensTotal = counterValue(fams, "vllm:generation_tokens_total")
		st.TTFTSeconds = histogramMean(fams, "vllm:time_to_first_token_seconds")
		st.KVCacheUtilization = gaugeValue(fams, "vllm:gpu_cache_usage_perc")
	case models.EngineGGUF:
		st.RequestsRunning = gaugeValue(fams, "llamacpp:requests_processing")
		st.RequestsWaiting = gaugeValue(fams, "llamacpp:requests_deferred")
		st.PromptTokensTotal = counterValue(fams, "llamacpp:prompt_tokens_total")
		st.GenerationTokensTotal = counterValue(fams, "llamacpp:tokens_predicted_total")
		st.KVCacheUtilization = gaugeValue(fams, "llamacpp:kv_cache_usage_ratio")
	}
}

func gaugeValue(fams map[string]*dto.MetricFamily, name string) float64 {
	fam, ok := fams[name]
	if !ok || len(fam.Metric) == 0 {
		return 0
	}
	m := fam.Metric[0]
	if g := m.GetGauge(); g != nil && g.Value != nil {
		return g.GetValue()
	}
	// Some engines export gauges as untyped.
	return m.GetUntyped().GetValue()
}

func counterValue(fams map[string]*dto.MetricFamily, name string) float64 {
	fam, ok := fams[name]
	if !ok {
		return 0
	}
	var total float64
	for _, m := range fam.Metric {
		if c := m.GetCounter(); c != nil && c.Value != nil {
			total += c.GetValue()
		} else {
			total += m.GetUntyped().GetValue()
		}
	}
	return total
}

func histogramMean(fams map[string]*dto.MetricFamily, name string) float64 {
	fam, ok := fams[name]
	if !ok || len(fam.Metric) == 0 {
		return 0
	}
	h := fam.Metric[0].GetHistogram()
	if h == nil || h.GetSampleCount() == 0 {
		return 0
	}
	return h.GetSampleSum() / float64(h.GetSampleCount())
}

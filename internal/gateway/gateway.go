// Package gateway implements the OpenAI-compatible inference surface:
// request parsing, upstream forwarding (JSON and SSE), the retry policy,
// and per-request usage accounting.
//
//	client ──► /v1/* ──► selector ──► backend container
//	                        │
//	                   breaker + health
package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cortexgw/cortex/internal/api/middleware"
	"github.com/cortexgw/cortex/internal/api/render"
	"github.com/cortexgw/cortex/internal/auth"
	"github.com/cortexgw/cortex/internal/metrics"
	"github.com/cortexgw/cortex/internal/registry"
	"github.com/cortexgw/cortex/internal/selector"
	"github.com/cortexgw/cortex/internal/store"
	"github.com/cortexgw/cortex/internal/tokenizer"
	"github.com/cortexgw/cortex/internal/usage"
	"github.com/cortexgw/cortex/pkg/apierror"
	"github.com/cortexgw/cortex/pkg/models"
)

// Config tunes the proxy's timeouts and upstream credentials.
type Config struct {
	// RequestTimeout bounds non-streaming upstream calls end to end.
	RequestTimeout time.Duration
	// StreamIdleTimeout bounds the gap between bytes on a stream.
	StreamIdleTimeout time.Duration
	// InternalBackendToken, when set, replaces the client's credentials
	// on the proxied request.
	InternalBackendToken string
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 120 * time.Second
	}
	if c.StreamIdleTimeout <= 0 {
		c.StreamIdleTimeout = 90 * time.Second
	}
}

// Gateway is the inference request router.
type Gateway struct {
	registry *registry.Registry
	selector *selector.Selector
	limiter  *middleware.Limiter
	recorder *usage.Recorder
	metrics  *metrics.Metrics
	counter  tokenizer.Counter
	cfg      Config
	httpc    *http.Client
}

// New wires the router. The HTTP client carries no global timeout;
// streaming requests are bounded by the idle watchdog instead.
func New(reg *registry.Registry, sel *selector.Selector, lim *middleware.Limiter,
	rec *usage.Recorder, met *metrics.Metrics, cfg Config) *Gateway {
	cfg.applyDefaults()
	return &Gateway{
		registry: reg,
		selector: sel,
		limiter:  lim,
		recorder: rec,
		metrics:  met,
		counter:  tokenizer.New(),
		cfg:      cfg,
		httpc: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Routes mounts the /v1 surface onto a router.
func (g *Gateway) Routes(r chi.Router) {
	r.Post("/chat/completions", g.handleInference(models.TaskChat))
	r.Post("/completions", g.handleInference(models.TaskCompletion))
	r.Post("/embeddings", g.handleInference(models.TaskEmbedding))
	r.Get("/models", g.handleListModels)
	r.Get("/models/running", g.handleRunningModels)
	r.Get("/models/{name}/constraints", g.handleConstraints)
}

// ── model listing ───────────────────────────────────────────

// openAI list-shape wrappers.
type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
	State   string `json:"state"`
}

// allowedModel applies key scoping to the listing. Keys may carry
// "model:<served_name>" scopes; a key with none sees every model.
func allowedModel(id *auth.Identity, servedName string) bool {
	scoped := false
	for _, s := range id.Scopes {
		if len(s) > 6 && s[:6] == "model:" {
			scoped = true
			if s[6:] == servedName {
				return true
			}
		}
	}
	return !scoped
}

func (g *Gateway) listModels(w http.ResponseWriter, r *http.Request, filter store.ModelFilter) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		render.Error(w, r, apierror.New(apierror.AuthMissing, "missing bearer token"))
		return
	}
	filter.EnabledOnly = true
	list, err := g.registry.List(r.Context(), filter)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	out := modelList{Object: "list", Data: []modelEntry{}}
	for _, m := range list {
		if !allowedModel(id, m.ServedName) {
			continue
		}
		out.Data = append(out.Data, modelEntry{
			ID:      m.ServedName,
			Object:  "model",
			Created: m.CreatedAt.Unix(),
			OwnedBy: "cortex",
			State:   string(m.State),
		})
	}
	render.JSON(w, http.StatusOK, out)
}

func (g *Gateway) handleListModels(w http.ResponseWriter, r *http.Request) {
	g.listModels(w, r, store.ModelFilter{})
}

func (g *Gateway) handleRunningModels(w http.ResponseWriter, r *http.Request) {
	g.listModels(w, r, store.ModelFilter{State: models.StateRunning})
}

// constraints is the model's advertised limits.
type constraints struct {
	ServedName        string `json:"served_name"`
	Engine            string `json:"engine"`
	ContextLength     int    `json:"context_length"`
	MaxNumSeqs        int    `json:"max_num_seqs,omitempty"`
	SupportsStreaming bool   `json:"supports_streaming"`
	SupportsEmbedding bool   `json:"supports_embeddings"`
	State             string `json:"state"`
}

func (g *Gateway) handleConstraints(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	m, err := g.registry.GetByServedName(r.Context(), name)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	ctxLen := m.Config.ContextLength
	if ctxLen == 0 {
		ctxLen = 4096
	}
	render.JSON(w, http.StatusOK, constraints{
		ServedName:        m.ServedName,
		Engine:            string(m.Engine),
		ContextLength:     ctxLen,
		MaxNumSeqs:        m.Config.MaxNumSeqs,
		SupportsStreaming: true,
		SupportsEmbedding: m.Engine == models.EngineTransformers,
		State:             string(m.State),
	})
}

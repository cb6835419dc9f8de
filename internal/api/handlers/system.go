package handlers

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/cortexgw/cortex/internal/api/render"
	"github.com/cortexgw/cortex/internal/store"
	"github.com/cortexgw/cortex/pkg/models"
)

// Capabilities describes what this host can run: engine image tags,
// GPU inventory, and operating mode.
func (h *Handlers) Capabilities(w http.ResponseWriter, r *http.Request) {
	devices, err := h.GPU.Devices(r.Context())
	if err != nil {
		render.Error(w, r, err)
		return
	}
	flash := false
	for _, d := range devices {
		if d.FlashAttentionSupported {
			flash = true
			break
		}
	}
	render.JSON(w, http.StatusOK, map[string]any{
		"version":                   h.Version,
		"offline_mode":              h.Config.OfflineMode,
		"transformers_server_image": h.Config.Engines.VLLMVersion,
		"gguf_server_image":         h.Config.Engines.LlamaCppTag,
		"gpu_count":                 len(devices),
		"flash_attention_supported": flash,
		"os":                        runtime.GOOS,
		"arch":                      runtime.GOARCH,
	})
}

// GPUs returns the per-device inventory.
func (h *Handlers) GPUs(w http.ResponseWriter, r *http.Request) {
	devices, err := h.GPU.Devices(r.Context())
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusOK, map[string]any{"gpus": devices})
}

// Throughput rolls usage records over a trailing window into a
// tokens-per-second view. Window defaults to one hour.
func (h *Handlers) Throughput(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if m := r.URL.Query().Get("window_minutes"); m != "" {
		if n, err := strconv.Atoi(m); err == nil && n > 0 {
			window = time.Duration(n) * time.Minute
		}
	}
	since := time.Now().UTC().Add(-window)
	agg, err := h.Store.AggregateUsage(r.Context(), store.UsageFilter{Since: &since})
	if err != nil {
		render.Error(w, r, err)
		return
	}
	secs := window.Seconds()
	render.JSON(w, http.StatusOK, map[string]any{
		"window_seconds":      int64(secs),
		"requests":            agg.Requests,
		"requests_per_second": float64(agg.Requests) / secs,
		"prompt_tokens":       agg.PromptTokens,
		"completion_tokens":   agg.CompletionTokens,
		"total_tokens":        agg.TotalTokens,
		"tokens_per_second":   float64(agg.TotalTokens) / secs,
		"avg_latency_ms":      agg.AvgLatencyMS,
		"error_count":         agg.ErrorCount,
	})
}

// HostSummary is the console's dashboard header: model fleet counts,
// backend health, GPU load.
func (h *Handlers) HostSummary(w http.ResponseWriter, r *http.Request) {
	list, err := h.Registry.List(r.Context(), store.ModelFilter{IncludeArchived: true})
	if err != nil {
		render.Error(w, r, err)
		return
	}
	counts := map[models.ModelState]int{}
	for _, m := range list {
		counts[m.State]++
	}
	snaps := h.Health.Snapshots()
	healthy := 0
	for _, s := range snaps {
		if s.Healthy {
			healthy++
		}
	}
	devices, err := h.GPU.Devices(r.Context())
	if err != nil {
		render.Error(w, r, err)
		return
	}
	var memTotal, memUsed int64
	for _, d := range devices {
		memTotal += d.MemoryTotalMiB
		memUsed += d.MemoryUsedMiB
	}
	render.JSON(w, http.StatusOK, map[string]any{
		"version":              h.Version,
		"models_total":         len(list),
		"models_by_state":      counts,
		"backends_probed":      len(snaps),
		"backends_healthy":     healthy,
		"gpu_count":            len(devices),
		"gpu_memory_total_mib": memTotal,
		"gpu_memory_used_mib":  memUsed,
	})
}

// HostTrends buckets the trailing window of usage into fixed intervals
// for the dashboard sparklines.
func (h *Handlers) HostTrends(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 24*7 {
			hours = n
		}
	}
	now := time.Now().UTC().Truncate(time.Hour)
	since := now.Add(-time.Duration(hours) * time.Hour)
	records, err := h.Store.ListUsage(r.Context(), store.UsageFilter{Since: &since})
	if err != nil {
		render.Error(w, r, err)
		return
	}

	type bucket struct {
		Start       time.Time `json:"start"`
		Requests    int64     `json:"requests"`
		TotalTokens int64     `json:"total_tokens"`
		Errors      int64     `json:"errors"`
	}
	buckets := make([]bucket, hours+1)
	for i := range buckets {
		buckets[i].Start = since.Add(time.Duration(i) * time.Hour)
	}
	for _, rec := range records {
		i := int(rec.CreatedAt.Sub(since) / time.Hour)
		if i < 0 || i >= len(buckets) {
			continue
		}
		buckets[i].Requests++
		buckets[i].TotalTokens += int64(rec.TotalTokens)
		if rec.Status >= 400 {
			buckets[i].Errors++
		}
	}
	render.JSON(w, http.StatusOK, map[string]any{
		"since":   since,
		"hours":   hours,
		"buckets": buckets,
	})
}

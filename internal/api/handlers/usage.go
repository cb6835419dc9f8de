package handlers

import (
	"encoding/csv"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/cortexgw/cortex/internal/api/render"
	"github.com/cortexgw/cortex/internal/store"
	"github.com/cortexgw/cortex/pkg/apierror"
	"github.com/cortexgw/cortex/pkg/models"
)

const usageExportLimit = 100_000

// usageFilter builds a store filter from the shared query parameters:
// key_id, served_name, since, until, limit (RFC 3339 timestamps).
func usageFilter(r *http.Request) (store.UsageFilter, error) {
	var f store.UsageFilter
	q := r.URL.Query()
	if v := q.Get("key_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, apierror.Validation(map[string]string{"key_id": "must be an integer"})
		}
		f.KeyID = id
	}
	f.ServedName = q.Get("served_name")
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, apierror.Validation(map[string]string{"since": "must be RFC 3339"})
		}
		f.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, apierror.Validation(map[string]string{"until": "must be RFC 3339"})
		}
		f.Until = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, apierror.Validation(map[string]string{"limit": "must be a positive integer"})
		}
		f.Limit = n
	}
	return f, nil
}

// ListUsage returns raw usage records, newest first.
func (h *Handlers) ListUsage(w http.ResponseWriter, r *http.Request) {
	f, err := usageFilter(r)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	if f.Limit == 0 {
		f.Limit = 500
	}
	records, err := h.Store.ListUsage(r.Context(), f)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusOK, map[string]any{"records": records})
}

// AggregateUsage is the rollup over a filtered set of records.
func (h *Handlers) AggregateUsage(w http.ResponseWriter, r *http.Request) {
	f, err := usageFilter(r)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	agg, err := h.Store.AggregateUsage(r.Context(), f)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	render.JSON(w, http.StatusOK, agg)
}

// UsageSeries buckets records into fixed intervals for charting.
// interval_minutes defaults to 60.
func (h *Handlers) UsageSeries(w http.ResponseWriter, r *http.Request) {
	f, err := usageFilter(r)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	interval := time.Hour
	if v := r.URL.Query().Get("interval_minutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			render.Error(w, r, apierror.Validation(map[string]string{"interval_minutes": "must be a positive integer"}))
			return
		}
		interval = time.Duration(n) * time.Minute
	}
	if f.Since == nil {
		since := time.Now().UTC().Add(-24 * time.Hour)
		f.Since = &since
	}
	records, err := h.Store.ListUsage(r.Context(), f)
	if err != nil {
		render.Error(w, r, err)
		return
	}

	type point struct {
		Start            time.Time `json:"start"`
		Requests         int64     `json:"requests"`
		PromptTokens     int64     `json:"prompt_tokens"`
		CompletionTokens int64     `json:"completion_tokens"`
		TotalTokens      int64     `json:"total_tokens"`
		Errors           int64     `json:"errors"`
	}
	byStart := map[time.Time]*point{}
	for _, rec := range records {
		start := rec.CreatedAt.Truncate(interval)
		p, found := byStart[start]
		if !found {
			p = &point{Start: start}
			byStart[start] = p
		}
		p.Requests++
		p.PromptTokens += int64(rec.PromptTokens)
		p.CompletionTokens += int64(rec.CompletionTokens)
		p.TotalTokens += int64(rec.TotalTokens)
		if rec.Status >= 400 {
			p.Errors++
		}
	}
	series := make([]point, 0, len(byStart))
	for _, p := range byStart {
		series = append(series, *p)
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Start.Before(series[j].Start) })
	render.JSON(w, http.StatusOK, map[string]any{
		"interval_minutes": int(interval.Minutes()),
		"series":           series,
	})
}

// UsageLatency reports latency percentiles over the filtered records.
func (h *Handlers) UsageLatency(w http.ResponseWriter, r *http.Request) {
	h.percentiles(w, r, func(rec *models.UsageRecord) (int64, bool) {
		return rec.LatencyMS, true
	})
}

// UsageTTFT reports time-to-first-token percentiles. Records without a
// TTFT sample (non-streaming requests) are excluded.
func (h *Handlers) UsageTTFT(w http.ResponseWriter, r *http.Request) {
	h.percentiles(w, r, func(rec *models.UsageRecord) (int64, bool) {
		return rec.TTFTMS, rec.TTFTMS > 0
	})
}

func (h *Handlers) percentiles(w http.ResponseWriter, r *http.Request, sample func(*models.UsageRecord) (int64, bool)) {
	f, err := usageFilter(r)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	records, err := h.Store.ListUsage(r.Context(), f)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	values := make([]int64, 0, len(records))
	for i := range records {
		if v, include := sample(&records[i]); include {
			values = append(values, v)
		}
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	render.JSON(w, http.StatusOK, map[string]any{
		"samples": len(values),
		"p50_ms":  percentile(values, 0.50),
		"p90_ms":  percentile(values, 0.90),
		"p95_ms":  percentile(values, 0.95),
		"p99_ms":  percentile(values, 0.99),
	})
}

// percentile takes the nearest-rank percentile of a sorted slice.
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// ExportUsage streams the filtered records as CSV.
func (h *Handlers) ExportUsage(w http.ResponseWriter, r *http.Request) {
	f, err := usageFilter(r)
	if err != nil {
		render.Error(w, r, err)
		return
	}
	if f.Limit == 0 || f.Limit > usageExportLimit {
		f.Limit = usageExportLimit
	}
	records, err := h.Store.ListUsage(r.Context(), f)
	if err != nil {
		render.Error(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="usage.csv"`)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{
		"created_at", "request_id", "key_id", "served_name", "task",
		"prompt_tokens", "completion_tokens", "total_tokens",
		"latency_ms", "ttft_ms", "status",
	})
	for _, rec := range records {
		_ = cw.Write([]string{
			rec.CreatedAt.Format(time.RFC3339),
			rec.RequestID,
			strconv.FormatInt(rec.KeyID, 10),
			rec.ServedName,
			string(rec.Task),
			strconv.Itoa(rec.PromptTokens),
			strconv.Itoa(rec.CompletionTokens),
			strconv.Itoa(rec.TotalTokens),
			strconv.FormatInt(rec.LatencyMS, 10),
			strconv.FormatInt(rec.TTFTMS, 10),
			strconv.Itoa(rec.Status),
		})
	}
	cw.Flush()
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cortexgw/cortex/internal/api/render"
	"github.com/cortexgw/cortex/internal/api/reqid"
	"github.com/cortexgw/cortex/internal/auth"
	"github.com/cortexgw/cortex/internal/selector"
	"github.com/cortexgw/cortex/pkg/apierror"
	"github.com/cortexgw/cortex/pkg/models"
)

// maxRequestBody bounds inference request bodies.
const maxRequestBody = 10 << 20

// warningsHeader carries non-fatal compatibility notes to the client.
const warningsHeader = "X-Cortex-Warnings"

// inferenceRequest is the subset of the OpenAI request body the proxy
// inspects. Everything else passes through untouched.
type inferenceRequest struct {
	Model     string                     `json:"model"`
	Stream    bool                       `json:"stream"`
	BestOf    *int                       `json:"best_of"`
	LogitBias map[string]json.RawMessage `json:"logit_bias"`
	Messages  []struct {
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
	Prompt json.RawMessage `json:"prompt"`
	Input  json.RawMessage `json:"input"`
}

// promptText reassembles the textual prompt for token estimation.
func (req *inferenceRequest) promptText() string {
	var sb strings.Builder
	appendRaw := func(raw json.RawMessage) {
		if len(raw) == 0 {
			return
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			sb.WriteString(s)
			return
		}
		var list []string
		if err := json.Unmarshal(raw, &list); err == nil {
			for _, s := range list {
				sb.WriteString(s)
			}
			return
		}
		sb.Write(raw)
	}
	for _, m := range req.Messages {
		appendRaw(m.Content)
	}
	appendRaw(req.Prompt)
	appendRaw(req.Input)
	return sb.String()
}

// accounting guarantees exactly one usage record per admitted request.
type accounting struct {
	g        *Gateway
	rec      models.UsageRecord
	start    time.Time
	route    string
	finished bool
}

func (a *accounting) finish(status int) {
	if a.finished {
		return
	}
	a.finished = true
	a.rec.Status = status
	a.rec.LatencyMS = time.Since(a.start).Milliseconds()
	if a.rec.TotalTokens == 0 {
		a.rec.TotalTokens = a.rec.PromptTokens + a.rec.CompletionTokens
	}
	a.g.recorder.Record(a.rec)
	a.g.metrics.RequestsTotal.WithLabelValues(a.route, strconv.Itoa(status)).Inc()
	a.g.metrics.RequestLatency.WithLabelValues(a.route).Observe(time.Since(a.start).Seconds())
}

// fail renders err and accounts the request with the mapped status.
func (a *accounting) fail(w http.ResponseWriter, r *http.Request, err error) {
	ae := apierror.From(err)
	render.Error(w, r, ae)
	a.finish(ae.Status())
}

func (g *Gateway) handleInference(task models.TaskKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok {
			render.Error(w, r, apierror.New(apierror.AuthMissing, "missing bearer token"))
			return
		}

		acct := &accounting{
			g:     g,
			start: time.Now(),
			route: r.URL.Path,
			rec: models.UsageRecord{
				KeyID:     id.KeyID,
				Task:      task,
				RequestID: reqid.FromContext(r.Context()),
			},
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			acct.fail(w, r, apierror.New(apierror.ValidationError, "could not read request body"))
			return
		}
		var req inferenceRequest
		if err := json.Unmarshal(body, &req); err != nil {
			acct.fail(w, r, apierror.New(apierror.ValidationError, "request body is not valid JSON"))
			return
		}
		if req.Model == "" {
			acct.fail(w, r, apierror.Validation(map[string]string{"model": "is required"}))
			return
		}
		acct.rec.ServedName = req.Model

		up, err := g.selector.Select(r.Context(), req.Model)
		if err != nil {
			acct.fail(w, r, err)
			return
		}
		g.metrics.UpstreamSelected.WithLabelValues(acct.route, up.BaseURL).Inc()

		if warnings := v1Warnings(up.Model, &req); len(warnings) > 0 {
			w.Header().Set(warningsHeader, strings.Join(warnings, "; "))
		}

		if prompt := req.promptText(); prompt != "" {
			if n, err := g.counter.Count(prompt); err == nil {
				acct.rec.PromptTokens = n
			}
		}

		if req.Stream {
			release, err := g.limiter.AcquireStream(r.Context(), id.RateKey())
			if err != nil {
				acct.fail(w, r, err)
				return
			}
			defer release()
			g.streamUpstream(w, r, up, body, acct)
			return
		}
		g.forwardUpstream(w, r, up, body, acct)
	}
}

// v1Warnings flags request parameters the V1 engine dropped.
func v1Warnings(m *models.Model, req *inferenceRequest) []string {
	if m.Engine != models.EngineTransformers || !m.Config.VLLMV1Enabled {
		return nil
	}
	var warnings []string
	if req.BestOf != nil {
		warnings = append(warnings, "best_of is not supported by the V1 engine and will be ignored")
	}
	if len(req.LogitBias) > 0 {
		warnings = append(warnings, "logit_bias has limited support under the V1 engine")
	}
	return warnings
}

// ── upstream calls ──────────────────────────────────────────

// hopByHopHeaders are stripped in both directions.
var hopByHopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func (g *Gateway) buildUpstreamRequest(ctx context.Context, r *http.Request, baseURL string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+r.URL.Path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = r.Header.Clone()
	for _, h := range hopByHopHeaders {
		req.Header.Del(h)
	}
	// The client's gateway key never reaches the backend.
	req.Header.Del("Authorization")
	req.Header.Del("Cookie")
	if g.cfg.InternalBackendToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.InternalBackendToken)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(reqid.Header, reqid.FromContext(r.Context()))
	req.ContentLength = int64(len(body))
	return req, nil
}

// doUpstream performs the call with the retry policy: at most one retry,
// only on a connection-level failure, which by construction happens
// before any response byte has arrived. Upstream status codes are never
// retried.
func (g *Gateway) doUpstream(ctx context.Context, r *http.Request, baseURL string, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		req, err := g.buildUpstreamRequest(ctx, r, baseURL, body)
		if err != nil {
			return nil, err
		}
		resp, err := g.httpc.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		log.Warn().Err(err).Str("base_url", baseURL).Int("attempt", attempt+1).
			Msg("Upstream connection failed")
	}
	return nil, lastErr
}

// mapUpstreamErr classifies a transport failure against the client's
// and the call's contexts.
func mapUpstreamErr(err error, clientCtx, callCtx context.Context) *apierror.Error {
	switch {
	case clientCtx.Err() != nil:
		return apierror.New(apierror.RequestCancelled, "client closed the connection")
	case callCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
		return apierror.New(apierror.UpstreamTimeout, "upstream did not respond in time")
	default:
		return apierror.Wrap(apierror.UpstreamUnavailable, "could not reach upstream", err)
	}
}

// forwardUpstream handles the non-streaming path: buffer the upstream
// response, pass it through verbatim, and account tokens.
func (g *Gateway) forwardUpstream(w http.ResponseWriter, r *http.Request, up *selector.Upstream, body []byte, acct *accounting) {
	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.RequestTimeout)
	defer cancel()

	upstreamStart := time.Now()
	resp, err := g.doUpstream(ctx, r, up.BaseURL, body)
	if err != nil {
		g.selector.Report(up.BaseURL, false)
		acct.fail(w, r, mapUpstreamErr(err, r.Context(), ctx))
		return
	}
	defer resp.Body.Close()
	g.observeUpstream(acct.route, up.BaseURL, upstreamStart)
	g.selector.Report(up.BaseURL, resp.StatusCode < http.StatusInternalServerError)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		acct.fail(w, r, apierror.Wrap(apierror.UpstreamError, "reading upstream response", err))
		return
	}

	g.accountTokens(acct, resp.StatusCode, respBody)

	copySanitizedHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(respBody); err != nil {
		log.Debug().Err(err).Msg("Client went away during response write")
	}
	acct.finish(resp.StatusCode)
}

// accountTokens prefers the upstream's usage block and falls back to the
// character estimate.
func (g *Gateway) accountTokens(acct *accounting, status int, respBody []byte) {
	if status < 200 || status >= 300 {
		return
	}
	var parsed struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &parsed); err == nil && parsed.Usage.TotalTokens > 0 {
		acct.rec.PromptTokens = parsed.Usage.PromptTokens
		acct.rec.CompletionTokens = parsed.Usage.CompletionTokens
		acct.rec.TotalTokens = parsed.Usage.TotalTokens
		return
	}
	if n, err := g.counter.Count(string(respBody)); err == nil {
		acct.rec.CompletionTokens = n
	}
}

func (g *Gateway) observeUpstream(route, baseURL string, start time.Time) {
	elapsed := time.Since(start).Seconds()
	g.metrics.UpstreamLatency.WithLabelValues(route).Observe(elapsed)
	g.metrics.UpstreamLatencyByUpstream.WithLabelValues(route, baseURL).Observe(elapsed)
}

func copySanitizedHeaders(dst, src http.Header) {
	for k, vals := range src {
		skip := false
		for _, h := range hopByHopHeaders {
			if http.CanonicalHeaderKey(h) == http.CanonicalHeaderKey(k) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

package gateway

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cortexgw/cortex/internal/selector"
	"github.com/cortexgw/cortex/pkg/apierror"
)

// streamBufSize is the forwarding chunk size. Frames are piped at the
// byte level; the proxy never parses or re-frames SSE events.
const streamBufSize = 32 * 1024

// streamUpstream pipes an SSE response through verbatim. TTFT is taken
// at the first data frame; an idle watchdog bounds the gap between
// upstream bytes; client disconnect cancels the upstream promptly.
func (g *Gateway) streamUpstream(w http.ResponseWriter, r *http.Request, up *selector.Upstream, body []byte, acct *accounting) {
	ctx, cancel := context.WithCancel(r.Context())
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

	// Upstream refused to stream: surface its response verbatim.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		copySanitizedHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		pipe(w, resp, nil)
		acct.finish(resp.StatusCode)
		return
	}

	copySanitizedHeaders(w.Header(), resp.Header)
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/event-stream")
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)

	// Watchdog: if the upstream goes quiet past the idle timeout, the
	// read below fails via context cancellation.
	idle := time.AfterFunc(g.cfg.StreamIdleTimeout, cancel)
	defer idle.Stop()

	buf := make([]byte, streamBufSize)
	sawFirstFrame := false
	var streamedBytes int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			idle.Reset(g.cfg.StreamIdleTimeout)
			chunk := buf[:n]
			if !sawFirstFrame && hasDataFrame(chunk) {
				sawFirstFrame = true
				ttft := time.Since(acct.start)
				acct.rec.TTFTMS = ttft.Milliseconds()
				g.metrics.StreamTTFT.WithLabelValues(acct.route).Observe(ttft.Seconds())
			}
			if _, err := w.Write(chunk); err != nil {
				// Client went away; stop reading the upstream.
				cancel()
				g.estimateStreamTokens(acct, streamedBytes)
				acct.finish(apierror.New(apierror.RequestCancelled, "").Status())
				return
			}
			streamedBytes += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			break
		}
	}

	g.estimateStreamTokens(acct, streamedBytes)
	switch {
	case r.Context().Err() != nil:
		acct.finish(apierror.New(apierror.RequestCancelled, "").Status())
	case ctx.Err() != nil:
		// The watchdog fired: the upstream stalled mid-stream.
		log.Warn().Str("base_url", up.BaseURL).Msg("Stream idle timeout")
		acct.finish(http.StatusGatewayTimeout)
	default:
		acct.finish(resp.StatusCode)
	}
}

// estimateStreamTokens approximates completion tokens from the streamed
// byte count when the upstream sent no usage block.
func (g *Gateway) estimateStreamTokens(acct *accounting, streamedBytes int64) {
	if acct.rec.CompletionTokens == 0 && streamedBytes > 0 {
		acct.rec.CompletionTokens = int(streamedBytes / 4)
	}
}

// hasDataFrame reports whether the chunk contains an SSE data line with
// a non-empty payload. Keepalive comments (": ...") and bare newlines do
// not count.
func hasDataFrame(chunk []byte) bool {
	for len(chunk) > 0 {
		idx := bytes.Index(chunk, []byte("data:"))
		if idx < 0 {
			return false
		}
		rest := chunk[idx+len("data:"):]
		end := bytes.IndexByte(rest, '\n')
		if end < 0 {
			end = len(rest)
		}
		if len(bytes.TrimSpace(rest[:end])) > 0 {
			return true
		}
		chunk = rest
	}
	return false
}

// pipe copies resp to w without inspection, flushing as it goes.
func pipe(w http.ResponseWriter, resp *http.Response, flusher http.Flusher) (int64, error) {
	buf := make([]byte, streamBufSize)
	var total int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return total, err
			}
			total += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			return total, nil
		}
	}
}

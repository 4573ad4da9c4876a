// Package proxy implements the per-route forwarding pipeline: plugin chain,
// circuit-breaker gate, upstream selection, the forward itself with retries
// and bounded backoff, and response streaming.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/waygate/internal/breaker"
	"github.com/songzhibin97/waygate/internal/loadbalancer"
	"github.com/songzhibin97/waygate/internal/metrics"
	"github.com/songzhibin97/waygate/internal/retry"
	"github.com/songzhibin97/waygate/internal/router"
)

// perAttemptBackoff is the pipeline's own, shorter backoff schedule: retries
// inside one request budget wait min(100ms*2^n, 1s) with a ±20% jitter.
// This is intentionally narrower than the general retry policy.
var perAttemptBackoff = &retry.Policy{
	InitialDelay: 100 * time.Millisecond,
	Factor:       2,
	MaxDelay:     time.Second,
}

// Pipeline forwards requests for matched routes.
type Pipeline struct {
	breakers  *breaker.Registry
	picker    *loadbalancer.Picker
	transport http.RoundTripper
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewPipeline wires the pipeline to its collaborators.
func NewPipeline(breakers *breaker.Registry, picker *loadbalancer.Picker, transport http.RoundTripper, collector *metrics.Collector, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		breakers:  breakers,
		picker:    picker,
		transport: transport,
		collector: collector,
		logger:    logger,
	}
}

// Serve runs the route's plugin chain and, unless a plugin short-circuits,
// forwards the request to an upstream.
func (p *Pipeline) Serve(w http.ResponseWriter, r *http.Request, route *router.Route) {
	handler := http.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.forward(w, r, route)
	}))
	for i := len(route.Chain) - 1; i >= 0; i-- {
		handler = route.Chain[i](handler)
	}
	handler.ServeHTTP(w, r)
}

// forward drives the attempt loop: select an upstream (skipping open
// breakers and the previously failed candidate), forward under the breaker,
// and on retryable failure back off and try again until the retry budget or
// the route's request timeout runs out.
func (p *Pipeline) forward(w http.ResponseWriter, r *http.Request, route *router.Route) {
	ctx, cancel := context.WithTimeout(r.Context(), route.RequestTimeout)
	defer cancel()

	// The body is buffered so every retry attempt replays it from the
	// start. The frontend's body-limit middleware bounds its size.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			WriteError(w, http.StatusRequestEntityTooLarge, "Payload Too Large",
				"request body exceeds the configured limit")
			return
		}
		WriteError(w, http.StatusBadRequest, "Bad Request", "failed to read request body")
		return
	}

	attempts := 1
	if route.RetryEnabled {
		attempts += route.MaxRetries
	}

	var lastErr error
	var lastFailed string
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if !p.wait(ctx, attempt-1, route, lastErr) {
				lastErr = ctx.Err()
				break
			}
		}

		target, err := p.selectUpstream(route, lastFailed)
		if err != nil {
			lastErr = err
			break
		}

		resp, err := p.attempt(ctx, r, route, target, body)
		if err == nil {
			p.relay(w, r, resp, target)
			return
		}

		lastErr = err
		lastFailed = target

		if errors.Is(err, context.Canceled) {
			// Client disconnected; nothing left to answer.
			return
		}
		if ctx.Err() != nil {
			break
		}

		var statusErr *breaker.UpstreamStatusError
		if errors.As(err, &statusErr) {
			// Upstream 5xx: retry if budget remains, otherwise the
			// response passes through to the client unchanged.
			if attempt == attempts-1 {
				p.relay(w, r, resp, target)
				return
			}
			drain(resp)
			continue
		}

		if !errors.Is(err, breaker.ErrCircuitOpen) && !breaker.IsTransportError(err) {
			break
		}
	}

	p.writeFailure(w, r, route, lastErr)
}

// selectUpstream picks a candidate, excluding upstreams whose breaker is
// open and (when possible) the upstream that failed the previous attempt.
// If filtering empties the set, selection falls back to the full candidate
// list; the breaker still gates the forward itself.
func (p *Pipeline) selectUpstream(route *router.Route, lastFailed string) (string, error) {
	candidates := make([]string, 0, len(route.Upstreams))
	for _, u := range route.Upstreams {
		if u == lastFailed || p.breakers.IsOpen(u) {
			continue
		}
		candidates = append(candidates, u)
	}
	if len(candidates) == 0 {
		candidates = route.Upstreams
	}

	return p.picker.Select(route.LBStrategy, route.PathPrefix, candidates, route.Cursor())
}

// attempt forwards the request to one upstream under its breaker. When the
// error is an UpstreamStatusError the response is still returned so the
// final attempt can pass a 5xx through to the client.
func (p *Pipeline) attempt(ctx context.Context, r *http.Request, route *router.Route, target string, body []byte) (*http.Response, error) {
	var resp *http.Response
	start := time.Now()

	err := p.breakers.Execute(ctx, target, func(callCtx context.Context) error {
		targetURL, err := buildUpstreamURL(target, route.PathPrefix, r.URL)
		if err != nil {
			return err
		}

		out, err := http.NewRequestWithContext(callCtx, r.Method, targetURL.String(), bytes.NewReader(body))
		if err != nil {
			return err
		}
		prepareHeaders(out, r)
		out.Host = targetURL.Host
		out.ContentLength = int64(len(body))

		resp, err = p.transport.RoundTrip(out)
		if err != nil {
			return err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return &breaker.UpstreamStatusError{StatusCode: resp.StatusCode}
		}
		return nil
	})

	status := "error"
	if resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	p.collector.ObserveUpstream(target, status, time.Since(start))

	if err != nil {
		var statusErr *breaker.UpstreamStatusError
		if !errors.As(err, &statusErr) {
			p.logger.Warn("upstream attempt failed",
				zap.String("upstream", target),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Error(err))
		}
	}
	return resp, err
}

// wait sleeps the per-attempt backoff with jitter, honoring cancellation.
func (p *Pipeline) wait(ctx context.Context, n int, route *router.Route, cause error) bool {
	delay := jitter(perAttemptBackoff.Delay(n))

	p.logger.Debug("retrying upstream attempt",
		zap.String("route", route.PathPrefix),
		zap.Int("attempt", n+1),
		zap.Duration("delay", delay),
		zap.Error(cause))

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// relay streams the upstream response to the client. Once the first byte is
// written no further upstream attempt is possible; a failure while copying
// the body aborts the client connection instead of silently truncating.
func (p *Pipeline) relay(w http.ResponseWriter, r *http.Request, resp *http.Response, target string) {
	defer resp.Body.Close()

	stripHopHeaders(resp.Header)
	header := w.Header()
	for name, values := range resp.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if err := flushCopy(w, resp.Body); err != nil {
		if r.Context().Err() == nil {
			p.logger.Error("upstream body read failed mid-response, closing client connection",
				zap.String("upstream", target),
				zap.String("path", r.URL.Path),
				zap.Error(err))
			panic(http.ErrAbortHandler)
		}
	}
}

// writeFailure maps the final error of an exhausted attempt loop onto the
// client response.
func (p *Pipeline) writeFailure(w http.ResponseWriter, r *http.Request, route *router.Route, err error) {
	p.logger.Error("all upstream attempts failed",
		zap.String("route", route.PathPrefix),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err))

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		WriteError(w, http.StatusGatewayTimeout, "Gateway Timeout",
			"upstream did not respond within the request timeout")
	case errors.Is(err, breaker.ErrCircuitOpen):
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable",
			"circuit breaker open for all available upstreams")
	case errors.Is(err, loadbalancer.ErrNoCandidates):
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable",
			"no upstream available")
	case errors.Is(err, context.Canceled):
		// Client is gone; any write would be discarded.
	default:
		WriteError(w, http.StatusBadGateway, "Bad Gateway",
			"upstream request failed")
	}
}

// flushCopy copies the body to the client, flushing after every chunk so
// streamed upstream responses are not buffered.
func flushCopy(w http.ResponseWriter, src io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// drain discards an abandoned upstream response so its connection returns to
// the pool.
func drain(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

// jitter applies a ±20% uniform spread to a backoff delay.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := float64(d) * 0.2
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}

// Package relay forwards upstream responses downstream, either as a single
// buffered JSON body or as an incrementally flushed event stream.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"openai-proxy-go/internal/metrics"
	"openai-proxy-go/internal/model"
)

// ErrMalformedResponse is returned when a successful upstream body is not valid JSON.
var ErrMalformedResponse = errors.New("malformed upstream response")

// completionPrefixes are the endpoints whose requests may ask for an event stream.
var completionPrefixes = []string{"/v1/completions", "/v1/chat/completions"}

// forwardableResponseHeaders are upstream response headers relayed to the client
// in addition to the ones the relay sets itself.
var forwardableResponseHeaders = map[string]bool{
	"X-Request-Id":         true,
	"Openai-Model":         true,
	"Openai-Organization":  true,
	"Openai-Processing-Ms": true,
	"Openai-Version":       true,
	"Retry-After":          true,
}

// Upstream performs one outbound call.
type Upstream interface {
	Do(ctx context.Context, ur *model.UpstreamRequest) (*model.ProxyResponse, error)
}

// Relay runs upstream calls and writes their responses downstream.
type Relay struct {
	upstream Upstream
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// New creates a Relay. The metrics parameter is optional.
func New(up Upstream, logger *slog.Logger, m *metrics.Metrics) *Relay {
	return &Relay{
		upstream: up,
		logger:   logger.With("component", "relay"),
		metrics:  m,
	}
}

// IsCompletionPath reports whether path addresses a completion endpoint.
func IsCompletionPath(path string) bool {
	for _, prefix := range completionPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// WantsStream reports whether a request must be relayed as an event stream:
// the path is a completion endpoint and the JSON body sets "stream" to a true
// value. Bodies that are not valid JSON never stream.
func WantsStream(path string, body []byte) bool {
	if !IsCompletionPath(path) || !gjson.ValidBytes(body) {
		return false
	}
	return gjson.GetBytes(body, "stream").Bool()
}

// Stream performs the call and relays a successful response as an event
// stream. Response headers are flushed before the first upstream event is
// read; after that point errors can only end the stream.
func (r *Relay) Stream(ctx context.Context, w http.ResponseWriter, ur *model.UpstreamRequest) error {
	resp, err := r.upstream.Do(ctx, ur)
	if err != nil {
		return err
	}
	src, err := NewChunkSource(resp.Body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if !resp.OK() {
		return r.passThrough(w, resp)
	}

	h := w.Header()
	copyResponseHeaders(h, resp.Header)
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flush(w)

	if r.metrics != nil {
		r.metrics.StreamsActive.Inc()
		defer r.metrics.StreamsActive.Dec()
	}

	var (
		writeErr error
		events   int
	)
	parser := NewParser(func(ev Event) {
		if writeErr != nil {
			return
		}
		if writeErr = WriteEvent(w, ev); writeErr != nil {
			return
		}
		flush(w)
		events++
		if r.metrics != nil {
			r.metrics.StreamEvents.Inc()
		}
	})
	defer parser.Reset()

	for {
		chunk, err := src.Next()
		if len(chunk) > 0 {
			parser.Feed(chunk)
		}
		if writeErr != nil {
			return fmt.Errorf("write downstream event: %w", writeErr)
		}
		if errors.Is(err, io.EOF) {
			r.logger.Debug("stream complete", "url", ur.URL, "events", events)
			return nil
		}
		if err != nil {
			return fmt.Errorf("read upstream stream after %d events: %w", events, err)
		}
	}
}

// Buffered performs the call, waits for the full body and writes it
// downstream as one JSON response with the upstream status.
func (r *Relay) Buffered(ctx context.Context, w http.ResponseWriter, ur *model.UpstreamRequest) error {
	resp, err := r.upstream.Do(ctx, ur)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if !resp.OK() {
		return r.passThrough(w, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read upstream body: %w", err)
	}

	if len(body) > 0 && !gjson.ValidBytes(body) {
		return fmt.Errorf("%w: body of %d bytes is not JSON", ErrMalformedResponse, len(body))
	}

	copyResponseHeaders(w.Header(), resp.Header)
	if len(body) == 0 {
		w.WriteHeader(resp.StatusCode)
		return nil
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write downstream body: %w", err)
	}
	return nil
}

// passThrough relays a non-success upstream response verbatim.
func (r *Relay) passThrough(w http.ResponseWriter, resp *model.ProxyResponse) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read upstream error body: %w", err)
	}

	r.logger.Debug("upstream error response", "status", resp.StatusCode, "bytes", len(body))

	h := w.Header()
	copyResponseHeaders(h, resp.Header)
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		h.Set("Content-Type", ct)
	} else {
		h.Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write downstream error body: %w", err)
	}
	return nil
}

func copyResponseHeaders(dst, src http.Header) {
	for key, vals := range src {
		canonical := http.CanonicalHeaderKey(key)
		if forwardableResponseHeaders[canonical] || strings.HasPrefix(canonical, "X-Ratelimit-") {
			dst[canonical] = append([]string(nil), vals...)
		}
	}
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

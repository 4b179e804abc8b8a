// Package client provides the timed upstream HTTP client.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"openai-proxy-go/internal/config"
	"openai-proxy-go/internal/metrics"
	"openai-proxy-go/internal/model"
)

// ErrUpstreamTimeout is the cancellation cause used when the per-request deadline elapses.
var ErrUpstreamTimeout = errors.New("upstream request timed out")

const defaultTimeout = 120 * time.Second

// UpstreamClient sends requests to the upstream completion API.
//
// Every call gets its own deadline timer and cancellation cause. The timer
// aborts the underlying connection when it fires; it is stopped once response
// headers arrive for streaming calls, and once the body is drained or closed
// for buffered calls. The caller's context can abort the call at any time.
type UpstreamClient struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	timeout := cfg.Upstream.Timeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &UpstreamClient{
		// No client-wide Timeout: it would also cut off streamed bodies.
		httpClient: &http.Client{Transport: transport},
		timeout:    timeout,
		logger:     logger.With("component", "upstream_client"),
		metrics:    m,
	}
}

// Do executes an outbound request and returns the upstream response.
// The caller is responsible for closing the response body; closing it also
// releases the call's deadline timer and context.
func (c *UpstreamClient) Do(ctx context.Context, ur *model.UpstreamRequest) (*model.ProxyResponse, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	deadline := time.AfterFunc(c.timeout, func() { cancel(ErrUpstreamTimeout) })

	var body io.Reader
	if len(ur.Body) > 0 {
		body = bytes.NewReader(ur.Body)
	}
	req, err := http.NewRequestWithContext(ctx, ur.Method, ur.URL, body)
	if err != nil {
		deadline.Stop()
		cancel(nil)
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = ur.Header.Clone()

	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
		"stream", ur.Stream,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)
	host := req.URL.Host

	if err != nil {
		deadline.Stop()
		timedOut := errors.Is(context.Cause(ctx), ErrUpstreamTimeout)
		cancel(nil)
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method, host).Observe(duration)
		}
		if timedOut {
			c.recordTimeout()
			return nil, fmt.Errorf("upstream request: %w after %s", ErrUpstreamTimeout, c.timeout)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if ur.Stream {
		deadline.Stop()
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method, host).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, host, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body: &deadlineBody{
			ReadCloser: resp.Body,
			ctx:        ctx,
			cancel:     cancel,
			deadline:   deadline,
			onTimeout:  c.recordTimeout,
		},
	}, nil
}

// Timeout returns the per-request deadline.
func (c *UpstreamClient) Timeout() time.Duration {
	return c.timeout
}

func (c *UpstreamClient) recordTimeout() {
	if c.metrics != nil {
		c.metrics.UpstreamTimeouts.Inc()
	}
}

// deadlineBody ties the response body to the call's timer and context.
type deadlineBody struct {
	io.ReadCloser
	ctx       context.Context
	cancel    context.CancelCauseFunc
	deadline  *time.Timer
	onTimeout func()
	timedOut  bool
}

func (b *deadlineBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err == nil {
		return n, nil
	}
	if errors.Is(context.Cause(b.ctx), ErrUpstreamTimeout) {
		if !b.timedOut {
			b.timedOut = true
			b.onTimeout()
		}
		return n, fmt.Errorf("read upstream body: %w", ErrUpstreamTimeout)
	}
	if err == io.EOF {
		b.deadline.Stop()
	}
	return n, err
}

func (b *deadlineBody) Close() error {
	b.deadline.Stop()
	err := b.ReadCloser.Close()
	b.cancel(context.Canceled)
	return err
}

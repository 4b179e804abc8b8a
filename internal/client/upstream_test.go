package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"openai-proxy-go/internal/config"
	"openai-proxy-go/internal/metrics"
	"openai-proxy-go/internal/model"
)

func newTestClient(timeoutMillis int, m *metrics.Metrics) *UpstreamClient {
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutMillis:   timeoutMillis,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewUpstreamClient(cfg, logger, m)
}

func TestUpstreamClient_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer sk-test")
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"model":"x"}` {
			t.Errorf("body = %q", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	m := metrics.New()
	c := newTestClient(10_000, m)

	resp, err := c.Do(context.Background(), &model.UpstreamRequest{
		Method: http.MethodPost,
		URL:    srv.URL + "/v1/chat/completions",
		Header: http.Header{"Authorization": {"Bearer sk-test"}},
		Body:   []byte(`{"model":"x"}`),
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body = %q, want %q", string(body), `{"status":"ok"}`)
	}

	host := mustHost(t, srv.URL)
	if v := testutil.ToFloat64(m.UpstreamResponses.WithLabelValues("POST", host, "200")); v != 1 {
		t.Errorf("upstream responses = %v, want 1", v)
	}
}

func TestUpstreamClient_Do_Error(t *testing.T) {
	c := newTestClient(1000, nil)

	_, err := c.Do(context.Background(), &model.UpstreamRequest{
		Method: http.MethodGet,
		URL:    "http://127.0.0.1:1/nonexistent",
		Header: http.Header{},
	})
	if err == nil {
		t.Fatal("Do() expected error for unreachable host, got nil")
	}
	if errors.Is(err, ErrUpstreamTimeout) {
		t.Errorf("Do() error = %v, should not be a timeout", err)
	}
}

func TestUpstreamClient_Do_Timeout(t *testing.T) {
	aborted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Never respond; wait for the client to abort the connection.
		<-r.Context().Done()
		close(aborted)
	}))
	defer srv.Close()

	m := metrics.New()
	c := newTestClient(50, m)

	start := time.Now()
	_, err := c.Do(context.Background(), &model.UpstreamRequest{
		Method: http.MethodGet,
		URL:    srv.URL + "/slow",
		Header: http.Header{},
	})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("Do() error = %v, want ErrUpstreamTimeout", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Do() took %v, want roughly 50ms", elapsed)
	}

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream connection was not aborted")
	}

	if v := testutil.ToFloat64(m.UpstreamTimeouts); v != 1 {
		t.Errorf("upstream timeouts = %v, want 1", v)
	}
}

func TestUpstreamClient_Do_CanceledContext(t *testing.T) {
	aborted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		close(aborted)
	}))
	defer srv.Close()

	c := newTestClient(30_000, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := c.Do(ctx, &model.UpstreamRequest{
		Method: http.MethodGet,
		URL:    srv.URL + "/slow",
		Header: http.Header{},
	})
	if err == nil {
		t.Fatal("Do() expected error for canceled context, got nil")
	}
	if errors.Is(err, ErrUpstreamTimeout) {
		t.Errorf("Do() error = %v, caller cancellation must not look like a timeout", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream connection was not aborted")
	}
}

// slowBodyServer sends headers immediately and the body after delay.
func slowBodyServer(delay time.Duration) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte("data: late\n\n"))
	}))
}

func TestUpstreamClient_StreamDeadlineStopsAtHeaders(t *testing.T) {
	srv := slowBodyServer(200 * time.Millisecond)
	defer srv.Close()

	c := newTestClient(50, nil)

	resp, err := c.Do(context.Background(), &model.UpstreamRequest{
		Method: http.MethodPost,
		URL:    srv.URL + "/v1/chat/completions",
		Header: http.Header{},
		Stream: true,
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll() error = %v; stream body must outlive the deadline", err)
	}
	if string(body) != "data: late\n\n" {
		t.Errorf("body = %q", body)
	}
}

func TestUpstreamClient_BufferedDeadlineCoversBody(t *testing.T) {
	srv := slowBodyServer(2 * time.Second)
	defer srv.Close()

	c := newTestClient(50, nil)

	resp, err := c.Do(context.Background(), &model.UpstreamRequest{
		Method: http.MethodGet,
		URL:    srv.URL + "/v1/models",
		Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	_, err = io.ReadAll(resp.Body)
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("ReadAll() error = %v, want ErrUpstreamTimeout", err)
	}
}

func TestNewUpstreamClient_DefaultTimeout(t *testing.T) {
	c := newTestClient(0, nil)
	if c.Timeout() != 120*time.Second {
		t.Errorf("Timeout() = %v, want %v", c.Timeout(), 120*time.Second)
	}
}

func mustHost(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u.Host
}

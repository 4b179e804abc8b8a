// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/tidwall/sjson"

	"openai-proxy-go/internal/credential"
	"openai-proxy-go/internal/metrics"
	"openai-proxy-go/internal/model"
	"openai-proxy-go/internal/relay"
	"openai-proxy-go/internal/route"
)

var (
	// ErrFileUpload is returned for multipart bodies that carry file parts; only text fields are accepted.
	ErrFileUpload = errors.New("multipart file parts are not accepted")
	// ErrFieldTooLarge is returned when a multipart field exceeds maxFieldBytes.
	ErrFieldTooLarge = errors.New("multipart field too large")
)

// maxFieldBytes caps a single multipart text field.
const maxFieldBytes = 10 << 20

// forwardableRequestHeaders are the inbound headers forwarded upstream as-is.
// Authorization and Content-Type are always set by the proxy itself.
var forwardableRequestHeaders = []string{
	"Accept",
	"OpenAI-Organization",
	"OpenAI-Project",
	"OpenAI-Beta",
}

const (
	userAgent       = "openai-proxy-go/1.0"
	jsonContentType = "application/json; charset=utf-8"
)

// ProxyService turns inbound requests into upstream calls and relays the answers.
type ProxyService struct {
	resolver *credential.Resolver
	selector *route.Selector
	relay    *relay.Relay
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(
	resolver *credential.Resolver,
	selector *route.Selector,
	rl *relay.Relay,
	logger *slog.Logger,
	m *metrics.Metrics,
) *ProxyService {
	return &ProxyService{
		resolver: resolver,
		selector: selector,
		relay:    rl,
		logger:   logger.With("component", "proxy_service"),
		metrics:  m,
	}
}

// Forward dispatches one request. Credential failures are returned before any
// upstream call is made. Once Forward has written response headers, a returned
// error can only be logged; the caller must not write anything further.
func (s *ProxyService) Forward(ctx context.Context, w http.ResponseWriter, pr *model.ProxyRequest) error {
	ur, err := s.Prepare(pr)
	if err != nil {
		s.countRejection(err)
		return err
	}

	s.logger.Debug("forwarding request",
		"method", ur.Method,
		"url", ur.URL,
		"stream", ur.Stream,
	)

	if ur.Stream {
		return s.relay.Stream(ctx, w, ur)
	}
	return s.relay.Buffered(ctx, w, ur)
}

// Prepare resolves the credential and upstream target of pr and builds the
// outbound request. It performs no I/O.
func (s *ProxyService) Prepare(pr *model.ProxyRequest) (*model.UpstreamRequest, error) {
	cred, err := s.resolver.Resolve(pr.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}
	target := s.selector.Target(cred.UpstreamKey, pr.RequestURI)

	body, err := encodeBody(pr)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}

	header := filterRequestHeaders(pr.Header)
	header.Set("Authorization", "Bearer "+cred.UpstreamKey)
	header.Set("Content-Type", jsonContentType)

	return &model.UpstreamRequest{
		Method: pr.Method,
		URL:    target.URL(),
		Header: header,
		Body:   body,
		Stream: relay.WantsStream(pr.Path(), body),
	}, nil
}

func (s *ProxyService) countRejection(err error) {
	if s.metrics == nil {
		return
	}
	switch {
	case errors.Is(err, credential.ErrForbidden):
		s.metrics.AuthRejections.WithLabelValues("forbidden").Inc()
	case errors.Is(err, credential.ErrUnauthenticated):
		s.metrics.AuthRejections.WithLabelValues("unauthenticated").Inc()
	}
}

func filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = append([]string(nil), vals...)
		}
	}
	dst.Set("User-Agent", userAgent)
	return dst
}

// encodeBody returns the outbound body. Only POST requests carry one. Form
// and multipart bodies become a JSON object; anything else is sent as received.
func encodeBody(pr *model.ProxyRequest) ([]byte, error) {
	if pr.Method != http.MethodPost || len(pr.Body) == 0 {
		return nil, nil
	}

	mediaType, params, err := mime.ParseMediaType(pr.Header.Get("Content-Type"))
	if err != nil {
		return pr.Body, nil
	}

	switch mediaType {
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(pr.Body))
		if err != nil {
			return nil, fmt.Errorf("parse form: %w", err)
		}
		return fieldsToJSON(values)
	case "multipart/form-data":
		values, err := readMultipartFields(pr.Body, params["boundary"])
		if err != nil {
			return nil, err
		}
		return fieldsToJSON(values)
	default:
		return pr.Body, nil
	}
}

func readMultipartFields(body []byte, boundary string) (url.Values, error) {
	if boundary == "" {
		return nil, fmt.Errorf("parse multipart: %w", http.ErrMissingBoundary)
	}

	values := make(url.Values)
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return values, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parse multipart: %w", err)
		}

		if part.FileName() != "" {
			_ = part.Close()
			return nil, fmt.Errorf("%w: field %q", ErrFileUpload, part.FormName())
		}

		data, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
		_ = part.Close()
		if err != nil {
			return nil, fmt.Errorf("read multipart field %q: %w", part.FormName(), err)
		}
		if len(data) > maxFieldBytes {
			return nil, fmt.Errorf("%w: field %q", ErrFieldTooLarge, part.FormName())
		}
		values.Add(part.FormName(), string(data))
	}
}

// fieldsToJSON renders form fields as a JSON object with keys in sorted
// order. A single value becomes a string and a repeated key an array of
// strings. Fields without a name are dropped.
func fieldsToJSON(values url.Values) ([]byte, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k != "" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	doc := []byte("{}")
	for _, k := range keys {
		var (
			v   any = values[k]
			err error
		)
		if len(values[k]) == 1 {
			v = values[k][0]
		}
		if doc, err = sjson.SetBytes(doc, escapePath(k), v); err != nil {
			return nil, fmt.Errorf("set field %q: %w", k, err)
		}
	}
	return doc, nil
}

// escapePath makes a form key usable as a literal single-level sjson path.
func escapePath(key string) string {
	var b strings.Builder
	for _, r := range key {
		if strings.ContainsRune(`\.*?|#@:`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

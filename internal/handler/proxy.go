package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"openai-proxy-go/internal/credential"
	"openai-proxy-go/internal/model"
	"openai-proxy-go/internal/service"
)

// secretPatterns match credentials that can end up in error messages.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer\s+)[^\s",]+`),
	regexp.MustCompile(`\b((?:sk|fk)-)[A-Za-z0-9_\-]+`),
}

// ProxyHandler relays every non-reserved request to the upstream API.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle reads the inbound request and hands it to the proxy service, which
// writes the response itself.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return h.mapError(c, fmt.Errorf("read request body: %w", err))
	}

	uri := req.RequestURI
	if uri == "" {
		uri = req.URL.RequestURI()
	}

	pr := &model.ProxyRequest{
		Method:     req.Method,
		RequestURI: uri,
		Header:     req.Header,
		Body:       body,
	}

	if err := h.service.Forward(req.Context(), c.Response(), pr); err != nil {
		return h.mapError(c, err)
	}
	return nil
}

// mapError turns a dispatch failure into a response. Nothing is written once
// the response has been committed; the failure is only logged and the
// connection ends with whatever was already sent.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	if c.Response().Committed {
		h.logger.Error("relay failed after response was committed",
			"err", sanitizeError(err),
			"path", path,
		)
		return nil
	}

	if errors.Is(err, credential.ErrUnauthenticated) || errors.Is(err, credential.ErrForbidden) {
		h.logger.Warn("request rejected", "reason", err.Error(), "path", path)
		return c.String(http.StatusForbidden, "Forbidden")
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	msg := sanitizeError(err)
	h.logger.Error("proxy error", "err", msg, "path", path)
	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": msg,
	})
}

// sanitizeError redacts bearer tokens and API keys from error messages.
func sanitizeError(err error) string {
	s := err.Error()
	for _, p := range secretPatterns {
		s = p.ReplaceAllString(s, "${1}[REDACTED]")
	}
	return s
}

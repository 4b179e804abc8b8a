package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"openai-proxy-go/internal/config"
)

// Version is the build version injected by fx.
type Version string

// StatusResponse is the body of GET /proxy/status. Keys are never included.
type StatusResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	UpstreamURL      string `json:"upstream_url"`
	AlternateURL     string `json:"alternate_url"`
	TimeoutMillis    int    `json:"timeout_ms"`
	ProxyKeyRequired bool   `json:"proxy_key_required"`
}

// HealthHandler serves the endpoints the proxy answers itself.
type HealthHandler struct {
	status StatusResponse
}

func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{status: StatusResponse{
		Status:           "ok",
		Version:          string(v),
		UpstreamURL:      cfg.Upstream.BaseURL,
		AlternateURL:     cfg.Upstream.AlternateBaseURL,
		TimeoutMillis:    cfg.Upstream.TimeoutMillis,
		ProxyKeyRequired: cfg.Credentials.ProxyKey != "",
	}}
}

// Healthz is the liveness probe.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Status reports the build version and where requests are relayed.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, h.status)
}

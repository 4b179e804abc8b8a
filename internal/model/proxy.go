// Package model defines shared types for the proxy.
package model

import (
	"io"
	"net/http"
	"strings"
)

// ProxyRequest is an inbound request as handed over by the HTTP front end.
// It is read-only once constructed.
type ProxyRequest struct {
	Method string
	// RequestURI is the path plus raw query, forwarded verbatim.
	RequestURI string
	Header     http.Header
	Body       []byte
}

// Path returns RequestURI without its query string.
func (r *ProxyRequest) Path() string {
	path, _, _ := strings.Cut(r.RequestURI, "?")
	return path
}

// Credential is the pair of keys carried by a compound bearer token.
type Credential struct {
	UpstreamKey string
	ProxyKey    string
}

// UpstreamTarget is the resolved upstream authority plus the original request URI.
type UpstreamTarget struct {
	Base       string // scheme://host[:port], no trailing slash
	RequestURI string
}

// URL returns the final outbound URL.
func (t UpstreamTarget) URL() string {
	return t.Base + t.RequestURI
}

// UpstreamRequest is a fully-formed outbound call.
type UpstreamRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// Stream marks event-stream relays: the deadline then stops at response
	// headers instead of covering the whole body.
	Stream bool
}

// ProxyResponse represents the upstream response to be relayed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// OK reports whether the upstream status indicates success.
func (r *ProxyResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

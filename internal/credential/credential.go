// Package credential resolves compound bearer tokens into upstream and proxy keys.
//
// A token has the form
//
//	token := upstreamKey (':' proxyKey)?
//
// Only the first ':' separates the two parts; any later ':' belongs to the proxy key.
package credential

import (
	"errors"
	"strings"

	"openai-proxy-go/internal/config"
	"openai-proxy-go/internal/model"
)

// Delimiter separates the upstream key from the proxy key.
const Delimiter = ":"

var (
	// ErrUnauthenticated is returned when no usable upstream key can be derived.
	ErrUnauthenticated = errors.New("missing bearer token or upstream key")
	// ErrForbidden is returned when the proxy key does not match the configured one.
	ErrForbidden = errors.New("proxy key mismatch")
)

// Resolver turns an Authorization header into a Credential. It holds only
// read-only configuration and is safe for concurrent use.
type Resolver struct {
	overrideKey string
	proxyKey    string
}

// NewResolver creates a Resolver from the credentials section of the config.
func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{
		overrideKey: cfg.Credentials.OverrideKey,
		proxyKey:    cfg.Credentials.ProxyKey,
	}
}

// Resolve extracts and validates the credential carried by an Authorization header value.
func (r *Resolver) Resolve(authorization string) (model.Credential, error) {
	token := BearerToken(authorization)
	if token == "" {
		return model.Credential{}, ErrUnauthenticated
	}

	cred := Parse(token)
	if r.overrideKey != "" {
		cred.UpstreamKey = r.overrideKey
	}
	if cred.UpstreamKey == "" {
		return model.Credential{}, ErrUnauthenticated
	}

	if r.proxyKey != "" && cred.ProxyKey != r.proxyKey {
		return model.Credential{}, ErrForbidden
	}
	return cred, nil
}

// BearerToken returns the text after the first space of an Authorization
// header value, or "" when there is none.
func BearerToken(authorization string) string {
	_, token, ok := strings.Cut(authorization, " ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// Parse splits a token into its upstream and proxy keys. A token without the
// delimiter is taken whole as the upstream key.
func Parse(token string) model.Credential {
	upstream, proxy, _ := strings.Cut(token, Delimiter)
	return model.Credential{UpstreamKey: upstream, ProxyKey: proxy}
}

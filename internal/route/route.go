// Package route selects the upstream authority for a resolved upstream key.
package route

import (
	"fmt"
	"net/url"
	"strings"

	"openai-proxy-go/internal/config"
	"openai-proxy-go/internal/model"
)

// Selector maps upstream keys to upstream authorities. Keys starting with the
// alternate prefix go to the alternate provider; every other key goes to the
// primary one.
type Selector struct {
	primary   string
	alternate string
	prefix    string
}

// NewSelector creates a Selector from the upstream config section.
func NewSelector(cfg *config.Config) (*Selector, error) {
	primary, err := authority(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	alternate, err := authority(cfg.Upstream.AlternateBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream alternate_base_url: %w", err)
	}

	return &Selector{
		primary:   primary,
		alternate: alternate,
		prefix:    cfg.Upstream.AlternateKeyPrefix,
	}, nil
}

// Authority returns the base URL for the given upstream key.
func (s *Selector) Authority(upstreamKey string) string {
	if s.prefix != "" && strings.HasPrefix(upstreamKey, s.prefix) {
		return s.alternate
	}
	return s.primary
}

// Target combines the selected authority with the original request URI.
func (s *Selector) Target(upstreamKey, requestURI string) model.UpstreamTarget {
	return model.UpstreamTarget{
		Base:       s.Authority(upstreamKey),
		RequestURI: requestURI,
	}
}

// authority normalises a base URL to scheme://host[:port].
func authority(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%q is not an absolute URL", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}

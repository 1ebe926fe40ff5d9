package connection

import (
	"fmt"
	"net/url"
	"strings"
)

// Endpoint is an immutable channel target: either a same-origin path or an
// absolute ws:// / wss:// address.
type Endpoint struct {
	raw  string
	path bool
}

// ParseEndpoint validates s as a path beginning with "/" or an absolute
// WebSocket address.
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Endpoint{}, fmt.Errorf("%w: empty", ErrInvalidEndpoint)
	}

	if strings.HasPrefix(s, "/") {
		return Endpoint{raw: s, path: true}, nil
	}

	u, err := url.Parse(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, s, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return Endpoint{}, fmt.Errorf("%w: %q: scheme must be ws or wss", ErrInvalidEndpoint, s)
	}
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("%w: %q: missing host", ErrInvalidEndpoint, s)
	}

	return Endpoint{raw: s}, nil
}

// IsPath reports whether the endpoint resolves against an origin.
func (e Endpoint) IsPath() bool {
	return e.path
}

func (e Endpoint) String() string {
	return e.raw
}

// Resolve returns the effective wire address.
//
// A path endpoint becomes {ws|wss}://{origin host without port}{path}, using
// wss iff the origin is secure. The port is dropped so the address stays
// correct behind a reverse proxy that terminates it. Absolute endpoints are
// returned unchanged.
func (e Endpoint) Resolve(origin *url.URL) (string, error) {
	if !e.path {
		return e.raw, nil
	}
	if origin == nil || origin.Host == "" {
		return "", ErrNoOrigin
	}

	scheme := "ws"
	switch strings.ToLower(origin.Scheme) {
	case "https", "wss":
		scheme = "wss"
	}

	host := origin.Hostname()
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	return scheme + "://" + host + e.raw, nil
}

// ParseOrigin parses the origin path endpoints resolve against.
// An empty string yields a nil origin.
func ParseOrigin(s string) (*url.URL, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse origin %q: %w", s, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("origin %q: unsupported scheme %q", s, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("origin %q: missing host", s)
	}

	return u, nil
}

// Package transport turns endpoint strings such as tcp://*:2222 into listeners and
// connections. Two schemes are supported: tcp, a plain TCP byte stream, and ws, the same
// byte stream tunnelled through a WebSocket so it can cross HTTP-only infrastructure.
package transport

import (
	"fmt"
	"net"
	"net/url"
)

const (
	SchemeTCP = "tcp"
	SchemeWS  = "ws"
)

// Endpoint is a parsed endpoint address.
type Endpoint struct {
	Scheme string
	Host   string
	Port   string
	// Path is the HTTP path of ws endpoints.
	Path string
}

// ParseEndpoint parses scheme://host:port[/path]. A host of "*" or "" means all
// interfaces when listening and localhost when dialing.
func ParseEndpoint(s string) (Endpoint, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parsing endpoint %q: %w", s, err)
	}
	e := Endpoint{Scheme: u.Scheme, Host: u.Hostname(), Port: u.Port(), Path: u.Path}
	switch e.Scheme {
	case SchemeTCP:
		if e.Path != "" {
			return Endpoint{}, fmt.Errorf("endpoint %q: tcp endpoints have no path", s)
		}
	case SchemeWS:
		if e.Path == "" {
			e.Path = "/"
		}
	default:
		return Endpoint{}, fmt.Errorf("endpoint %q: unsupported scheme %q", s, u.Scheme)
	}
	if e.Port == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q: missing port", s)
	}
	return e, nil
}

func (e Endpoint) wildcard() bool { return e.Host == "" || e.Host == "*" }

// ListenAddr is the host:port to bind.
func (e Endpoint) ListenAddr() string {
	if e.wildcard() {
		return net.JoinHostPort("", e.Port)
	}
	return net.JoinHostPort(e.Host, e.Port)
}

// DialAddr is the host:port to connect to.
func (e Endpoint) DialAddr() string {
	if e.wildcard() {
		return net.JoinHostPort("localhost", e.Port)
	}
	return net.JoinHostPort(e.Host, e.Port)
}

// WithAddr returns a copy of e bound to the host and port of addr, typically the
// address a listener actually got when e asked for port 0.
func (e Endpoint) WithAddr(addr net.Addr) Endpoint {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return e
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsUnspecified() {
		e.Host = host
	}
	e.Port = port
	return e
}

func (e Endpoint) String() string {
	host := e.Host
	if e.wildcard() {
		host = "*"
	}
	s := e.Scheme + "://" + net.JoinHostPort(host, e.Port)
	if e.Scheme == SchemeWS {
		s += e.Path
	}
	return s
}

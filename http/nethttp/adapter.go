package nethttp

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// RequestAdapter adapts *http.Request to x402http.HTTPAdapter
type RequestAdapter struct {
	req      *http.Request
	identity string
}

// NewRequestAdapter wraps req. identity keys rate limiting; when empty the
// host part of RemoteAddr is used.
func NewRequestAdapter(req *http.Request, identity string) *RequestAdapter {
	if identity == "" {
		identity = remoteHost(req.RemoteAddr)
	}
	return &RequestAdapter{req: req, identity: identity}
}

func (a *RequestAdapter) GetHeader(name string) string {
	return a.req.Header.Get(name)
}

func (a *RequestAdapter) GetMethod() string {
	return a.req.Method
}

func (a *RequestAdapter) GetPath() string {
	return a.req.URL.Path
}

// GetURL reconstructs the absolute URL the client requested
func (a *RequestAdapter) GetURL() string {
	scheme := "http"
	if a.req.TLS != nil {
		scheme = "https"
	}
	host := a.req.Host
	if host == "" {
		host = a.req.URL.Host
	}
	return scheme + "://" + host + a.req.URL.RequestURI()
}

func (a *RequestAdapter) GetQuery() url.Values {
	return a.req.URL.Query()
}

func (a *RequestAdapter) GetAcceptHeader() string {
	return a.req.Header.Get("Accept")
}

func (a *RequestAdapter) GetUserAgent() string {
	return a.req.Header.Get("User-Agent")
}

func (a *RequestAdapter) ClientIdentity() string {
	return a.identity
}

// ForwardedFor returns the first address of X-Forwarded-For, or "".
// Only meaningful behind a proxy that overwrites the header.
func ForwardedFor(req *http.Request) string {
	xff := req.Header.Get("X-Forwarded-For")
	if xff == "" {
		return ""
	}
	first, _, _ := strings.Cut(xff, ",")
	return strings.TrimSpace(first)
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

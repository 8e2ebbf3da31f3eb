// Package forward owns the outbound transports shared by all proxy rules.
package forward

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	ProtoHTTP1    = "http1"    // HTTP/1.1 only
	ProtoAuto     = "auto"     // h2 via ALPN when the target offers it
	ProtoInsecure = "insecure" // auto without certificate checks
)

// Options size the pooled transports. Zero durations disable the matching
// timeout, except where http.Transport has its own default.
type Options struct {
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	RootCAs               *x509.CertPool // nil uses the system pool
}

// DefaultOptions suit a handful of local or staging backends.
func DefaultOptions() Options {
	return Options{
		DialTimeout:         5 * time.Second,
		KeepAlive:           60 * time.Second,
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
}

// Factory hands out transports by name.
type Factory interface {
	Get(name string) http.RoundTripper
	Register(name string, rt http.RoundTripper)
	CloseIdle()
}

// NameFor picks the transport for a target scheme. Rules with secure=false
// always get ProtoInsecure.
func NameFor(scheme string, secure bool) string {
	if !secure {
		return ProtoInsecure
	}
	if scheme == "https" {
		return ProtoAuto
	}
	return ProtoHTTP1
}

type Registry struct {
	mu    sync.RWMutex
	store map[string]http.RoundTripper
}

func NewDefaultRegistry() *Registry { return NewRegistry(DefaultOptions()) }

// NewRegistry pre-registers ProtoHTTP1, ProtoAuto and ProtoInsecure.
func NewRegistry(opts Options) *Registry {
	flavours := []struct {
		name     string
		h2       bool
		insecure bool
	}{
		{ProtoHTTP1, false, false},
		{ProtoAuto, true, false},
		{ProtoInsecure, true, true},
	}
	r := &Registry{store: make(map[string]http.RoundTripper, len(flavours))}
	for _, f := range flavours {
		tc := &tls.Config{RootCAs: opts.RootCAs, InsecureSkipVerify: f.insecure} //nolint:gosec // opt-in per rule
		if !f.h2 {
			tc.NextProtos = []string{"http/1.1"}
		}
		r.store[f.name] = buildTransport(opts, f.h2, tc)
	}
	return r
}

// Get returns the named transport, or the HTTP/1.1 one for unknown names.
func (r *Registry) Get(name string) http.RoundTripper {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rt := r.store[name]; rt != nil {
		return rt
	}
	return r.store[ProtoHTTP1]
}

// Register adds or replaces a transport. Empty names and nil transports are ignored.
func (r *Registry) Register(name string, rt http.RoundTripper) {
	if name == "" || rt == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store[name] = rt
}

// CloseIdle drops pooled keep-alive connections, e.g. after the targets change.
func (r *Registry) CloseIdle() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.store {
		if c, ok := rt.(interface{ CloseIdleConnections() }); ok {
			c.CloseIdleConnections()
		}
	}
}

func buildTransport(o Options, h2 bool, tc *tls.Config) *http.Transport {
	d := &net.Dialer{Timeout: o.DialTimeout, KeepAlive: o.KeepAlive}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		ForceAttemptHTTP2:     h2,
		TLSClientConfig:       tc,
		MaxIdleConns:          o.MaxIdleConns,
		MaxIdleConnsPerHost:   o.MaxIdleConnsPerHost,
		IdleConnTimeout:       o.IdleConnTimeout,
		TLSHandshakeTimeout:   o.TLSHandshakeTimeout,
		ResponseHeaderTimeout: o.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
	}
}

// Package proxy forwards requests claimed by one proxy rule to its target.
// It is a small hand-rolled HTTP/1.1 forwarder (no httputil.ReverseProxy).
package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fabian4/devgate/internal/config"
	"github.com/fabian4/devgate/internal/forward"
)

// ErrorHeader carries a short reason on responses devgate generates itself.
const ErrorHeader = "X-Devgate-Error"

// Handler forwards requests for a single rule.
type Handler struct {
	Rule      config.ProxyRule
	Transport http.RoundTripper
	Timeout   time.Duration // 0 = no per-request deadline
	Log       zerolog.Logger

	target    *url.URL
	targetErr error
}

var _ http.Handler = (*Handler)(nil)

// New prepares a handler for rule. An empty or malformed target does not
// fail here; such handlers answer 502 at request time.
func New(rule config.ProxyRule, f forward.Factory, timeout time.Duration, log zerolog.Logger) *Handler {
	h := &Handler{Rule: rule, Timeout: timeout, Log: log.With().Str("prefix", rule.PathPrefix).Logger()}
	h.target, h.targetErr = rule.TargetURL()
	scheme := ""
	if h.target != nil {
		scheme = h.target.Scheme
	}
	h.Transport = f.Get(forward.NameFor(scheme, rule.Secure))
	return h
}

// TargetErr reports why the target is unusable, nil when it is fine.
func (p *Handler) TargetErr() error { return p.targetErr }

// UpstreamURL is the URL r would be sent to, or nil when the target is unusable.
// The path is built on the escaped form so encoded characters such as %2F
// reach the target unchanged.
func (p *Handler) UpstreamURL(r *http.Request) *url.URL {
	if p.target == nil {
		return nil
	}
	up := new(url.URL)
	*up = *p.target
	raw := joinSlash(p.target.EscapedPath(), p.rewrite(r.URL.EscapedPath()))
	if dec, err := url.PathUnescape(raw); err == nil {
		up.Path, up.RawPath = dec, raw
	} else {
		up.Path, up.RawPath = raw, ""
	}
	up.RawQuery = r.URL.RawQuery
	up.Fragment = ""
	return up
}

func (p *Handler) rewrite(path string) string {
	rw := p.Rule.Rewrite
	if rw == nil || !strings.HasPrefix(path, rw.From) {
		return path
	}
	out := rw.To + path[len(rw.From):]
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	return out
}

func (p *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.targetErr != nil {
		reason := "target-invalid"
		if errors.Is(p.targetErr, config.ErrMissingTarget) {
			reason = "target-not-configured"
		}
		p.Log.Warn().Err(p.targetErr).Str("path", r.URL.Path).Msg("proxy rule has no usable target")
		w.Header().Set(ErrorHeader, reason)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	up := p.UpstreamURL(r)

	hdr := outboundHeader(r)
	for k, v := range p.Rule.Headers {
		hdr.Set(k, v)
	}

	ctx := r.Context()
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	reqUp, err := http.NewRequestWithContext(ctx, r.Method, up.String(), r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	reqUp.Header = hdr
	reqUp.ContentLength = r.ContentLength
	if p.Rule.ChangeOrigin {
		reqUp.Host = p.target.Host
	} else {
		reqUp.Host = r.Host
	}

	resUp, err := p.Transport.RoundTrip(reqUp)
	if err != nil {
		status, reason := http.StatusBadGateway, "upstream-unreachable"
		if errors.Is(err, context.DeadlineExceeded) {
			status, reason = http.StatusGatewayTimeout, "upstream-timeout"
		}
		p.Log.Error().Err(err).Str("upstream", up.String()).Msg("upstream error")
		w.Header().Set(ErrorHeader, reason)
		http.Error(w, http.StatusText(status), status)
		return
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			p.Log.Debug().Err(err).Msg("closing upstream body")
		}
	}(resUp.Body)

	stripHop(resUp.Header)
	replaceHeaders(w.Header(), resUp.Header)

	if len(resUp.Trailer) > 0 {
		keys := make([]string, 0, len(resUp.Trailer))
		for k := range resUp.Trailer {
			keys = append(keys, k)
		}
		w.Header().Set("Trailer", strings.Join(keys, ","))
	}

	w.WriteHeader(resUp.StatusCode)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	_, _ = io.Copy(flushWriter{w}, resUp.Body)

	for k, vv := range resUp.Trailer {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
}

// flushWriter flushes after every chunk so streamed completions reach the
// browser as they arrive.
type flushWriter struct{ w http.ResponseWriter }

func (fw flushWriter) Write(b []byte) (int, error) {
	n, err := fw.w.Write(b)
	if f, ok := fw.w.(http.Flusher); ok {
		f.Flush()
	}
	return n, err
}

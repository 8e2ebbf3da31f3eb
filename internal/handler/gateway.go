package handler

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fabian4/devgate/internal/config"
	fwd "github.com/fabian4/devgate/internal/forward"
	"github.com/fabian4/devgate/internal/metrics"
	"github.com/fabian4/devgate/internal/plugin"
	"github.com/fabian4/devgate/internal/proxy"
	"github.com/fabian4/devgate/internal/ratelimit"
	"github.com/fabian4/devgate/internal/router"
)

// InternalPrefix is reserved for devgate's own endpoints.
const InternalPrefix = "/__devgate/"

// RequestIDHeader is kept when the client sends one, generated otherwise,
// and echoed on the response.
const RequestIDHeader = "X-Request-Id"

const uiRule = "ui"

// GatewayState is everything derived from one resolved config.
type GatewayState struct {
	Config  *config.Config
	Routes  *router.Table
	proxies map[string]*proxy.Handler // by path prefix
	UI      http.Handler
}

// NewState builds proxies for every rule and the plugin chain for the UI.
func NewState(c *config.Config, f fwd.Factory, log zerolog.Logger) (*GatewayState, error) {
	ui, err := plugin.Build(c.Plugins, plugin.Options{Dir: c.Static.Dir, SPAFallback: c.Static.SPAFallback})
	if err != nil {
		return nil, fmt.Errorf("plugins: %w", err)
	}
	rules := c.Rules()
	proxies := make(map[string]*proxy.Handler, len(rules))
	for _, r := range rules {
		if strings.HasPrefix(r.PathPrefix, InternalPrefix) {
			return nil, fmt.Errorf("proxy %s: %s is reserved", r.PathPrefix, InternalPrefix)
		}
		proxies[r.PathPrefix] = proxy.New(r, f, c.Server.Timeouts.Upstream, log)
	}
	return &GatewayState{
		Config:  c,
		Routes:  router.New(rules),
		proxies: proxies,
		UI:      ui,
	}, nil
}

type Gateway struct {
	stateMu    sync.RWMutex
	state      *GatewayState
	Transports fwd.Factory
	Log        zerolog.Logger
	AccessLog  zerolog.Logger
	Metrics    *metrics.Registry
	Limiter    *ratelimit.Limiter
}

func NewGateway(c *config.Config, f fwd.Factory, log, access zerolog.Logger, m *metrics.Registry) (*Gateway, error) {
	state, err := NewState(c, f, log)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.NewRegistry()
	}
	return &Gateway{
		state:      state,
		Transports: f,
		Log:        log,
		AccessLog:  access,
		Metrics:    m,
		Limiter:    ratelimit.NewLimiter(),
	}, nil
}

// Reload swaps in a new config. On error the current state stays active.
func (g *Gateway) Reload(c *config.Config) error {
	state, err := NewState(c, g.Transports, g.Log)
	if err != nil {
		g.Metrics.IncReload(false)
		return err
	}
	g.UpdateState(state)
	g.Metrics.IncReload(true)
	return nil
}

func (g *Gateway) UpdateState(s *GatewayState) {
	g.stateMu.Lock()
	g.state = s
	g.stateMu.Unlock()
	// drop keep-alive conns to targets that may no longer be configured
	g.Transports.CloseIdle()
}

// Config returns the active configuration.
func (g *Gateway) Config() *config.Config {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()
	return g.state.Config
}

var _ http.Handler = (*Gateway)(nil)

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.stateMu.RLock()
	state := g.state
	g.stateMu.RUnlock()

	if strings.HasPrefix(r.URL.Path, InternalPrefix) {
		g.serveInternal(w, r, state)
		return
	}

	start := time.Now()
	reqID := r.Header.Get(RequestIDHeader)
	if reqID == "" {
		reqID = uuid.NewString()
		r.Header.Set(RequestIDHeader, reqID)
	}
	w.Header().Set(RequestIDHeader, reqID)
	lw := &loggingResponseWriter{ResponseWriter: w}
	ruleName, upstream := uiRule, ""
	defer func() {
		status := lw.statusCode
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		g.logAccess(state.Config.AccessLog, accessEntry{
			Time:         start,
			RequestID:    reqID,
			Method:       r.Method,
			Path:         r.URL.Path,
			Protocol:     r.Proto,
			Status:       status,
			Duration:     duration.Milliseconds(),
			RemoteIP:     r.RemoteAddr,
			UserAgent:    r.UserAgent(),
			Referer:      r.Referer(),
			Rule:         ruleName,
			Upstream:     upstream,
			BytesWritten: lw.bytes,
		})
		g.Metrics.IncRequest(ruleName, r.Method, strconv.Itoa(status))
		if ruleName != uiRule {
			g.Metrics.ObserveLatency(ruleName, duration)
		}
	}()

	rule := state.Routes.Match(r.URL.Path)
	if rule == nil {
		state.UI.ServeHTTP(lw, r)
		return
	}
	ruleName = rule.PathPrefix

	if rl := rule.RateLimit; rl != nil {
		key := ratelimit.Key(rule.PathPrefix, clientIP(r.RemoteAddr), rl.PerClient)
		if !g.Limiter.Allow(key, rl.RequestsPerSecond, rl.Burst) {
			g.Metrics.IncRateLimited(ruleName)
			lw.Header().Set("Retry-After", "1")
			http.Error(lw, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
	}

	p := state.proxies[rule.PathPrefix]
	if u := p.UpstreamURL(r); u != nil {
		upstream = u.String()
	}
	g.Metrics.IncInFlight(ruleName)
	defer g.Metrics.DecInFlight(ruleName)
	p.ServeHTTP(lw, r)
}

func (g *Gateway) serveInternal(w http.ResponseWriter, r *http.Request, state *GatewayState) {
	switch strings.TrimPrefix(r.URL.Path, InternalPrefix) {
	case "healthz":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	case "metrics":
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		g.Metrics.WritePrometheus(w)
	case "config":
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(state.Config); err != nil {
			g.Log.Error().Err(err).Msg("encode config")
		}
	default:
		http.NotFound(w, r)
	}
}

type accessEntry struct {
	Time         time.Time
	RequestID    string
	Method       string
	Path         string
	Protocol     string
	Status       int
	Duration     int64
	RemoteIP     string
	UserAgent    string
	Referer      string
	Rule         string
	Upstream     string
	BytesWritten int64
}

func (g *Gateway) logAccess(cfg config.AccessLogConfig, e accessEntry) {
	if cfg.Disabled {
		return
	}
	if cfg.Sampling < 1.0 && rand.Float64() >= cfg.Sampling {
		return
	}
	allowed := func(string) bool { return true }
	if len(cfg.Fields) > 0 {
		set := make(map[string]bool, len(cfg.Fields))
		for _, f := range cfg.Fields {
			set[f] = true
		}
		allowed = func(f string) bool { return set[f] }
	}

	ev := g.AccessLog.Log()
	if allowed("time") {
		ev = ev.Time("time", e.Time)
	}
	if allowed("request_id") {
		ev = ev.Str("request_id", e.RequestID)
	}
	if allowed("method") {
		ev = ev.Str("method", e.Method)
	}
	if allowed("path") {
		ev = ev.Str("path", e.Path)
	}
	if allowed("protocol") {
		ev = ev.Str("protocol", e.Protocol)
	}
	if allowed("status") {
		ev = ev.Int("status", e.Status)
	}
	if allowed("duration_ms") {
		ev = ev.Int64("duration_ms", e.Duration)
	}
	if allowed("remote_ip") {
		ev = ev.Str("remote_ip", e.RemoteIP)
	}
	if allowed("user_agent") {
		ev = ev.Str("user_agent", e.UserAgent)
	}
	if allowed("referer") {
		ev = ev.Str("referer", e.Referer)
	}
	if allowed("rule") {
		ev = ev.Str("rule", e.Rule)
	}
	if allowed("upstream") && e.Upstream != "" {
		ev = ev.Str("upstream", e.Upstream)
	}
	if allowed("bytes_written") {
		ev = ev.Int64("bytes_written", e.BytesWritten)
	}
	ev.Send()
}

func clientIP(remoteAddr string) string {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return ip
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

var help = map[string]string{
	"devgate_requests_total":           "Requests served, by rule (\"ui\" for the static app)",
	"devgate_rate_limited_total":       "Requests rejected by a rule rate limit",
	"devgate_config_reloads_total":     "Configuration reloads by result",
	"devgate_in_flight_requests":       "Requests currently being proxied",
	"devgate_upstream_latency_seconds": "Proxied request latency in seconds",
}

var latencyBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// Registry holds metrics. Keys are "name|labels".
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]uint64
	gauges     map[string]int64
	histograms map[string]*Histogram
}

type Histogram struct {
	Count   uint64
	Sum     float64
	Buckets []float64
	Counts  []uint64
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]uint64),
		gauges:     make(map[string]int64),
		histograms: make(map[string]*Histogram),
	}
}

func (r *Registry) IncRequest(rule, method, status string) {
	r.inc(fmt.Sprintf("devgate_requests_total|rule=%q,method=%q,status=%q", rule, method, status))
}

func (r *Registry) IncRateLimited(rule string) {
	r.inc(fmt.Sprintf("devgate_rate_limited_total|rule=%q", rule))
}

func (r *Registry) IncReload(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	r.inc(fmt.Sprintf("devgate_config_reloads_total|result=%q", result))
}

func (r *Registry) IncInFlight(rule string) { r.addGauge(rule, 1) }
func (r *Registry) DecInFlight(rule string) { r.addGauge(rule, -1) }

func (r *Registry) ObserveLatency(rule string, duration time.Duration) {
	key := fmt.Sprintf("devgate_upstream_latency_seconds|rule=%q", rule)
	val := duration.Seconds()

	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.histograms[key]
	if !ok {
		h = &Histogram{Buckets: latencyBuckets, Counts: make([]uint64, len(latencyBuckets))}
		r.histograms[key] = h
	}
	h.Count++
	h.Sum += val
	for i, b := range h.Buckets {
		if val <= b {
			h.Counts[i]++
		}
	}
}

func (r *Registry) inc(key string) {
	r.mu.Lock()
	r.counters[key]++
	r.mu.Unlock()
}

func (r *Registry) addGauge(rule string, d int64) {
	key := fmt.Sprintf("devgate_in_flight_requests|rule=%q", rule)
	r.mu.Lock()
	r.gauges[key] += d
	r.mu.Unlock()
}

// WritePrometheus renders all metrics in the text exposition format.
func (r *Registry) WritePrometheus(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	writeFamilies(w, "counter", r.counters, func(name, labels string, v uint64) {
		_, _ = fmt.Fprintf(w, "%s{%s} %d\n", name, labels, v)
	})
	writeFamilies(w, "gauge", r.gauges, func(name, labels string, v int64) {
		_, _ = fmt.Fprintf(w, "%s{%s} %d\n", name, labels, v)
	})
	writeFamilies(w, "histogram", r.histograms, func(name, labels string, h *Histogram) {
		for i, b := range h.Buckets {
			_, _ = fmt.Fprintf(w, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, b, h.Counts[i])
		}
		_, _ = fmt.Fprintf(w, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.Count)
		_, _ = fmt.Fprintf(w, "%s_sum{%s} %g\n", name, labels, h.Sum)
		_, _ = fmt.Fprintf(w, "%s_count{%s} %d\n", name, labels, h.Count)
	})
}

// writeFamilies prints HELP/TYPE once per metric name, series sorted by key.
func writeFamilies[V any](w io.Writer, typ string, m map[string]V, line func(name, labels string, v V)) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	last := ""
	for _, k := range keys {
		name, labels, ok := strings.Cut(k, "|")
		if !ok {
			continue
		}
		if name != last {
			_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help[name])
			_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, typ)
			last = name
		}
		line(name, labels, m[k])
	}
}

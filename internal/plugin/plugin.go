// Package plugin maps UI framework plugin names to the handler that answers
// every request no proxy rule claims.
package plugin

import (
	"fmt"
	"net/http"
	"sort"
)

// Options are shared by every plugin.
type Options struct {
	Dir         string // built UI directory; empty serves nothing
	SPAFallback bool   // answer unknown page routes with index.html
}

// Plugin wraps next with framework-specific serving.
type Plugin func(next http.Handler, opts Options) http.Handler

var registry = map[string]Plugin{
	"vue": Vue,
}

// Known reports whether name is a registered plugin.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

// Names lists registered plugins in sorted order.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Build chains the named plugins in order; the first one sees the request
// first. Requests nobody serves end in a 404.
func Build(names []string, opts Options) (http.Handler, error) {
	var h http.Handler = http.NotFoundHandler()
	for i := len(names) - 1; i >= 0; i-- {
		p, ok := registry[names[i]]
		if !ok {
			return nil, fmt.Errorf("unknown plugin %q (known: %v)", names[i], Names())
		}
		h = p(h, opts)
	}
	return h, nil
}

package router

import (
	"sort"
	"strings"

	"github.com/fabian4/devgate/internal/config"
)

// Table holds proxy rules sorted by prefix length, longest first.
type Table struct {
	rules []config.ProxyRule
}

func New(rules []config.ProxyRule) *Table {
	t := &Table{rules: append([]config.ProxyRule(nil), rules...)}
	sort.SliceStable(t.rules, func(i, j int) bool {
		return len(t.rules[i].PathPrefix) > len(t.rules[j].PathPrefix)
	})
	return t
}

// Match returns the rule owning path, or nil when the request belongs to the UI.
func (t *Table) Match(path string) *config.ProxyRule {
	for i := range t.rules {
		if pathPrefixMatch(path, t.rules[i].PathPrefix) {
			return &t.rules[i]
		}
	}
	return nil
}

// Rules returns a copy of the table in match order.
func (t *Table) Rules() []config.ProxyRule {
	return append([]config.ProxyRule(nil), t.rules...)
}

// pathPrefixMatch is a plain string prefix test, the way dev-server proxy
// contexts match: "/ai-api" claims "/ai-api", "/ai-api/chat" and "/ai-apiv2".
func pathPrefixMatch(path, prefix string) bool {
	return strings.HasPrefix(path, prefix)
}

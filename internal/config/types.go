package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"
)

var (
	ErrMissingTarget = errors.New("proxy target is not configured")
	ErrInvalidTarget = errors.New("proxy target must be an absolute http(s) URL")
)

// Config is the resolved result for one mode and working directory.
// It is built once and treated as read-only afterwards.
type Config struct {
	Mode      string            `json:"mode" yaml:"mode"`
	Root      string            `json:"root" yaml:"root"`
	Plugins   []string          `json:"plugins" yaml:"plugins"`
	Server    Server            `json:"server" yaml:"server"`
	Static    Static            `json:"static" yaml:"static"`
	AccessLog AccessLogConfig   `json:"accessLog" yaml:"access_log"`
	Env       map[string]string `json:"-" yaml:"env,omitempty"`
	// File is the gateway file that contributed to this config, if any.
	File string `json:"file,omitempty" yaml:"file,omitempty"`
}

type Server struct {
	Listen   string               `json:"listen" yaml:"listen"`
	Proxy    map[string]ProxyRule `json:"proxy" yaml:"proxy"`
	Timeouts Timeouts             `json:"timeouts" yaml:"timeouts"`
	TLS      TLSConfig            `json:"tls" yaml:"tls"`
}

type Timeouts struct {
	Read     time.Duration `json:"read" yaml:"read"`
	Write    time.Duration `json:"write" yaml:"write"`
	Upstream time.Duration `json:"upstream" yaml:"upstream"`
}

type TLSConfig struct {
	CertFile string `json:"certFile,omitempty" yaml:"cert_file,omitempty"`
	KeyFile  string `json:"keyFile,omitempty" yaml:"key_file,omitempty"`
}

func (t TLSConfig) Enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

// Static is where the built UI lives and how unknown paths are answered.
type Static struct {
	Dir         string `json:"dir" yaml:"dir"`
	SPAFallback bool   `json:"spaFallback" yaml:"spa_fallback"`
}

type AccessLogConfig struct {
	Disabled bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Sampling float64  `json:"sampling" yaml:"sampling"` // 0..1, 1 logs everything
	Fields   []string `json:"fields,omitempty" yaml:"fields,omitempty"`
	// Path, when set, also writes access lines to a rotated file.
	Path       string `json:"path,omitempty" yaml:"path,omitempty"`
	MaxSizeMB  int    `json:"maxSizeMB,omitempty" yaml:"max_size_mb,omitempty"`
	MaxBackups int    `json:"maxBackups,omitempty" yaml:"max_backups,omitempty"`
	MaxAgeDays int    `json:"maxAgeDays,omitempty" yaml:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty" yaml:"compress,omitempty"`
}

// ProxyRule forwards requests under PathPrefix to Target.
type ProxyRule struct {
	PathPrefix string `json:"pathPrefix" yaml:"path_prefix"`
	Target     string `json:"target" yaml:"target"`
	// ChangeOrigin rewrites the outbound Host header to the target's host.
	ChangeOrigin bool              `json:"changeOrigin" yaml:"change_origin"`
	Secure       bool              `json:"secure" yaml:"secure"`       // verify upstream TLS
	Headers      map[string]string `json:"-" yaml:"headers,omitempty"` // may carry credentials
	Rewrite      *PathRewrite      `json:"rewrite,omitempty" yaml:"rewrite,omitempty"`
	RateLimit    *RateLimitConfig  `json:"rateLimit,omitempty" yaml:"rate_limit,omitempty"`
}

// PathRewrite replaces a leading From with To before forwarding.
type PathRewrite struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requestsPerSecond" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
	// PerClient keys buckets by client IP instead of sharing one per rule.
	PerClient bool `json:"perClient,omitempty" yaml:"per_client,omitempty"`
}

// TargetURL parses Target. It fails for empty or non-http(s) targets and for
// targets without a hostname such as "http://:8080".
func (r ProxyRule) TargetURL() (*url.URL, error) {
	if r.Target == "" {
		return nil, ErrMissingTarget
	}
	u, err := url.Parse(r.Target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTarget, r.Target)
	}
	return u, nil
}

func (r ProxyRule) Validate() error {
	if _, err := r.TargetURL(); err != nil {
		return fmt.Errorf("proxy %s: %w", r.PathPrefix, err)
	}
	return nil
}

// Rules returns the proxy rules longest prefix first, ties broken lexically.
func (c *Config) Rules() []ProxyRule {
	out := make([]ProxyRule, 0, len(c.Server.Proxy))
	for _, r := range c.Server.Proxy {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].PathPrefix) != len(out[j].PathPrefix) {
			return len(out[i].PathPrefix) > len(out[j].PathPrefix)
		}
		return out[i].PathPrefix < out[j].PathPrefix
	})
	return out
}

// Validate checks every rule target and joins the failures.
func (c *Config) Validate() error {
	var errs []error
	for _, r := range c.Rules() {
		if err := r.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

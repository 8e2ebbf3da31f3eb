package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fabian4/devgate/internal/env"
	"github.com/fabian4/devgate/internal/plugin"
)

const (
	// DefaultProxyPrefix is the path forwarded to the backend origin.
	DefaultProxyPrefix = "/ai-api"
	// TargetEnvKey names the variable holding the backend origin.
	TargetEnvKey = "VITE_SERVER_URL"
	// DefaultFile is looked up in the working directory when no file is given.
	DefaultFile = "devgate.yaml"
	// DefaultListen stays on loopback; rule headers may carry credentials.
	DefaultListen = "localhost:5173"
)

// DefaultPlugins returns the plugin list used when the gateway file names none.
func DefaultPlugins() []string { return []string{"vue"} }

type rawConfig struct {
	Listen  string   `yaml:"listen"`
	Plugins []string `yaml:"plugins"`
	Static  struct {
		Dir         string `yaml:"dir"`
		SPAFallback *bool  `yaml:"spa_fallback"`
	} `yaml:"static"`
	Proxy []struct {
		PathPrefix   string            `yaml:"path_prefix"`
		Target       string            `yaml:"target"`
		ChangeOrigin bool              `yaml:"change_origin"`
		Secure       *bool             `yaml:"secure"`
		Headers      map[string]string `yaml:"headers"`
		Rewrite      *PathRewrite      `yaml:"rewrite"`
		RateLimit    *RateLimitConfig  `yaml:"rate_limit"`
	} `yaml:"proxy"`
	Timeouts struct {
		Read     string `yaml:"read"`
		Write    string `yaml:"write"`
		Upstream string `yaml:"upstream"`
	} `yaml:"timeouts"`
	TLS       TLSConfig `yaml:"tls"`
	AccessLog struct {
		Disabled   bool     `yaml:"disabled"`
		Sampling   *float64 `yaml:"sampling"`
		Fields     []string `yaml:"fields"`
		Path       string   `yaml:"path"`
		MaxSizeMB  int      `yaml:"max_size_mb"`
		MaxBackups int      `yaml:"max_backups"`
		MaxAgeDays int      `yaml:"max_age_days"`
		Compress   bool     `yaml:"compress"`
	} `yaml:"access_log"`
}

// Options adjust Resolve. The zero value looks for DefaultFile in the
// working directory and exposes only VITE_ variables.
type Options struct {
	File     string   // explicit gateway file; must exist when set
	Prefixes []string // env prefixes, default env.DefaultPrefix
}

// Resolve builds the configuration for mode from the env files in dir and
// the given process environment. The built-in rule forwards
// DefaultProxyPrefix to TargetEnvKey with ChangeOrigin set. A missing
// variable leaves the target empty; it is not an error here.
func Resolve(mode, dir string, environ env.Environ) (*Config, error) {
	return ResolveWithOptions(mode, dir, environ, Options{})
}

func ResolveWithOptions(mode, dir string, environ env.Environ, opts Options) (*Config, error) {
	mode = strings.TrimSpace(mode)
	vars, err := env.Load(mode, dir, environ, opts.Prefixes...)
	if err != nil {
		return nil, fmt.Errorf("env: %w", err)
	}

	c := &Config{
		Mode:    mode,
		Root:    dir,
		Plugins: DefaultPlugins(),
		Server: Server{
			Listen: DefaultListen,
			Proxy: map[string]ProxyRule{
				DefaultProxyPrefix: {
					PathPrefix:   DefaultProxyPrefix,
					Target:       vars[TargetEnvKey],
					ChangeOrigin: true,
					Secure:       true,
				},
			},
		},
		Static:    Static{Dir: filepath.Join(dir, "dist"), SPAFallback: true},
		AccessLog: AccessLogConfig{Sampling: 1},
		Env:       vars,
	}

	path, err := gatewayFile(dir, opts.File)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := applyFile(c, path, vars); err != nil {
			return nil, err
		}
		c.File = path
	}
	return c, nil
}

// Sources lists every file that can affect ResolveWithOptions for mode,
// whether or not it currently exists.
func Sources(mode, dir string, opts Options) []string {
	var out []string
	for _, name := range env.Files(strings.TrimSpace(mode)) {
		out = append(out, filepath.Join(dir, name))
	}
	gf := opts.File
	switch {
	case gf == "":
		gf = filepath.Join(dir, DefaultFile)
	case !filepath.IsAbs(gf):
		gf = filepath.Join(dir, gf)
	}
	return append(out, gf)
}

func gatewayFile(dir, explicit string) (string, error) {
	if explicit != "" {
		if !filepath.IsAbs(explicit) {
			explicit = filepath.Join(dir, explicit)
		}
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("read config: %w", err)
		}
		return explicit, nil
	}
	fp := filepath.Join(dir, DefaultFile)
	if _, err := os.Stat(fp); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read config: %w", err)
	}
	return fp, nil
}

func applyFile(c *Config, path string, vars map[string]string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return fmt.Errorf("yaml: %w", err)
	}
	expand := func(s string) string {
		return os.Expand(s, func(k string) string { return vars[k] })
	}

	if l := strings.TrimSpace(rc.Listen); l != "" {
		c.Server.Listen = l
	}

	if len(rc.Plugins) > 0 {
		c.Plugins = nil
		for i, p := range rc.Plugins {
			p = strings.ToLower(strings.TrimSpace(p))
			if !plugin.Known(p) {
				return fmt.Errorf("plugins[%d]: unknown plugin %q", i, p)
			}
			c.Plugins = append(c.Plugins, p)
		}
	}

	if d := strings.TrimSpace(rc.Static.Dir); d != "" {
		if !filepath.IsAbs(d) {
			d = filepath.Join(c.Root, d)
		}
		c.Static.Dir = d
	}
	if rc.Static.SPAFallback != nil {
		c.Static.SPAFallback = *rc.Static.SPAFallback
	}

	seen := make(map[string]bool)
	for i, r := range rc.Proxy {
		pfx := strings.TrimSpace(r.PathPrefix)
		if !strings.HasPrefix(pfx, "/") {
			return fmt.Errorf("proxy[%d]: path_prefix must start with '/'", i)
		}
		if seen[pfx] {
			return fmt.Errorf("proxy[%d]: duplicate path_prefix %q", i, pfx)
		}
		seen[pfx] = true

		if r.RateLimit != nil && (r.RateLimit.RequestsPerSecond <= 0 || r.RateLimit.Burst < 1) {
			return fmt.Errorf("proxy[%d]: rate_limit needs requests_per_second > 0 and burst >= 1", i)
		}

		headers := make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			headers[k] = expand(v)
		}
		if len(headers) == 0 {
			headers = nil
		}
		secure := true
		if r.Secure != nil {
			secure = *r.Secure
		}

		if pfx == DefaultProxyPrefix {
			// target and change_origin of the built-in rule are fixed
			if strings.TrimSpace(r.Target) != "" {
				return fmt.Errorf("proxy[%d]: target for %s comes from %s", i, pfx, TargetEnvKey)
			}
			rule := c.Server.Proxy[pfx]
			rule.Secure = secure
			rule.Headers = headers
			rule.Rewrite = r.Rewrite
			rule.RateLimit = r.RateLimit
			c.Server.Proxy[pfx] = rule
			continue
		}

		c.Server.Proxy[pfx] = ProxyRule{
			PathPrefix:   pfx,
			Target:       strings.TrimSpace(expand(r.Target)),
			ChangeOrigin: r.ChangeOrigin,
			Secure:       secure,
			Headers:      headers,
			Rewrite:      r.Rewrite,
			RateLimit:    r.RateLimit,
		}
	}

	// timeouts
	if c.Server.Timeouts.Read, err = parseDuration(rc.Timeouts.Read); err != nil {
		return fmt.Errorf("timeouts.read: %v", err)
	}
	if c.Server.Timeouts.Write, err = parseDuration(rc.Timeouts.Write); err != nil {
		return fmt.Errorf("timeouts.write: %v", err)
	}
	if c.Server.Timeouts.Upstream, err = parseDuration(rc.Timeouts.Upstream); err != nil {
		return fmt.Errorf("timeouts.upstream: %v", err)
	}

	if (rc.TLS.CertFile == "") != (rc.TLS.KeyFile == "") {
		return fmt.Errorf("tls: cert_file and key_file must be set together")
	}
	c.Server.TLS = rc.TLS

	al := rc.AccessLog
	c.AccessLog.Disabled = al.Disabled
	if al.Sampling != nil {
		if *al.Sampling < 0 || *al.Sampling > 1 {
			return fmt.Errorf("access_log.sampling: must be within [0,1]")
		}
		c.AccessLog.Sampling = *al.Sampling
	}
	c.AccessLog.Fields = al.Fields
	c.AccessLog.Path = al.Path
	c.AccessLog.MaxSizeMB = al.MaxSizeMB
	c.AccessLog.MaxBackups = al.MaxBackups
	c.AccessLog.MaxAgeDays = al.MaxAgeDays
	c.AccessLog.Compress = al.Compress
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

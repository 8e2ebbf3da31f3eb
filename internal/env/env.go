// Package env loads the mode-scoped variables a UI dev server exposes to its
// configuration: .env, .env.local, .env.<mode> and .env.<mode>.local, with
// process variables layered on top.
package env

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultPrefix is the only prefix exposed when none is given.
const DefaultPrefix = "VITE_"

// ErrLocalMode is returned for mode "local", which would collide with the
// ".local" suffix of the override files.
var ErrLocalMode = errors.New(`"local" cannot be used as a mode name`)

// Environ is a snapshot of process variables. It is passed in explicitly so
// resolution never depends on ambient state.
type Environ map[string]string

// FromPairs builds an Environ from KEY=VALUE pairs as returned by os.Environ.
// Entries without '=' are ignored; later duplicates win.
func FromPairs(pairs []string) Environ {
	e := make(Environ, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			continue
		}
		e[k] = v
	}
	return e
}

// FromOS snapshots the current process environment.
func FromOS() Environ { return FromPairs(os.Environ()) }

// Files returns the candidate env file names for mode, lowest priority first.
func Files(mode string) []string {
	return []string{
		".env",
		".env.local",
		".env." + mode,
		".env." + mode + ".local",
	}
}

// Load reads the env files for mode from dir and returns every variable
// whose name starts with one of prefixes. Values from later files override
// earlier ones, and matching variables in environ override all files.
// Missing files are skipped.
func Load(mode, dir string, environ Environ, prefixes ...string) (map[string]string, error) {
	if mode == "local" {
		return nil, ErrLocalMode
	}
	if strings.TrimSpace(mode) == "" {
		return nil, fmt.Errorf("mode is required")
	}
	if len(prefixes) == 0 {
		prefixes = []string{DefaultPrefix}
	}
	for _, p := range prefixes {
		if p == "" {
			return nil, fmt.Errorf("empty prefix would expose every variable")
		}
	}

	// One parse over seed + files, lowest priority first, so later keys win
	// and ${VAR} sees earlier files and the injected environment.
	var buf bytes.Buffer
	writeSeed(&buf, environ)
	for _, name := range Files(mode) {
		fp := filepath.Join(dir, name)
		st, err := os.Stat(fp)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", name, err)
		}
		if st.IsDir() {
			continue
		}
		b, err := os.ReadFile(fp)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := godotenv.UnmarshalBytes(b); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		buf.Write(b)
		if len(b) > 0 && b[len(b)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	merged, err := godotenv.UnmarshalBytes(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("parse env files: %w", err)
	}

	out := make(map[string]string)
	for k, v := range merged {
		if hasPrefix(k, prefixes) {
			out[k] = v
		}
	}
	for k, v := range environ {
		if hasPrefix(k, prefixes) {
			out[k] = v
		}
	}
	return out, nil
}

// Keys returns the keys of m in sorted order.
func Keys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// refName matches the names a ${VAR} reference can spell.
var refName = regexp.MustCompile(`^[A-Z0-9_]+$`)

// writeSeed renders environ as single-quoted assignments so file values can
// reference process variables. Single quotes are taken verbatim; values
// containing one cannot be written that way and are left out.
func writeSeed(buf *bytes.Buffer, environ Environ) {
	keys := make([]string, 0, len(environ))
	for k := range environ {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := environ[k]
		if !refName.MatchString(k) || strings.ContainsRune(v, '\'') {
			continue
		}
		fmt.Fprintf(buf, "%s='%s'\n", k, v)
	}
}

func hasPrefix(k string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(k, p) {
			return true
		}
	}
	return false
}

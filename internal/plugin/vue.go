package plugin

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Vue serves a built Vue app from opts.Dir. With SPAFallback, extension-less
// GET/HEAD paths that do not exist on disk get index.html so history-mode
// routes survive a reload.
func Vue(next http.Handler, opts Options) http.Handler {
	if opts.Dir == "" {
		return next
	}
	files := http.FileServer(http.Dir(opts.Dir))
	index := filepath.Join(opts.Dir, "index.html")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clean := path.Clean("/" + r.URL.Path)
		if exists(opts.Dir, clean) {
			if clean == "/" || strings.HasSuffix(clean, "/index.html") {
				w.Header().Set("Cache-Control", "no-cache")
			}
			files.ServeHTTP(w, r)
			return
		}
		if opts.SPAFallback && isPageRequest(r, clean) && fileExists(index) {
			w.Header().Set("Cache-Control", "no-cache")
			http.ServeFile(w, r, index)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isPageRequest(r *http.Request, clean string) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	return path.Ext(clean) == ""
}

// exists treats a directory as present only when it has an index.html.
func exists(dir, clean string) bool {
	fp := filepath.Join(dir, filepath.FromSlash(clean))
	st, err := os.Stat(fp)
	if err != nil {
		return false
	}
	if st.IsDir() {
		return fileExists(filepath.Join(fp, "index.html"))
	}
	return true
}

func fileExists(fp string) bool {
	st, err := os.Stat(fp)
	return err == nil && !st.IsDir()
}

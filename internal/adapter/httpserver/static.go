package httpserver

import (
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/fairyhunter13/ai-code-evaluator/web"
)

// StaticHandler serves the single-page UI. Assets resolve against the
// configured filesystem directories first (local development with a live
// build), then the embedded bundle. Unknown non-asset paths fall back to
// index.html so client-side routing works on deep links.
func StaticHandler(searchDirs []string) http.HandlerFunc {
	embedded, _ := fs.Sub(web.DistFS, "dist")
	return func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(filepath.Clean(r.URL.Path), "/")
		if name == "" || name == "." {
			name = "index.html"
		}
		for _, dir := range searchDirs {
			p := filepath.Join(dir, name)
			if st, err := os.Stat(p); err == nil && !st.IsDir() {
				http.ServeFile(w, r, p)
				return
			}
		}
		if embedded != nil {
			if f, err := embedded.Open(name); err == nil {
				_ = f.Close()
				http.StripPrefix("/", http.FileServer(http.FS(embedded))).ServeHTTP(w, r)
				return
			}
		}
		serveIndex(w, r, searchDirs, embedded)
	}
}

func serveIndex(w http.ResponseWriter, r *http.Request, searchDirs []string, embedded fs.FS) {
	for _, dir := range searchDirs {
		p := filepath.Join(dir, "index.html")
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			http.ServeFile(w, r, p)
			return
		}
	}
	if embedded != nil {
		if b, err := fs.ReadFile(embedded, "index.html"); err == nil {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write(b)
			return
		}
	}
	http.NotFound(w, r)
}

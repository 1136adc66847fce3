// Package static serves the static file service type: a rooted file
// tree with a directory index and optional SPA fallback.
package static

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/AssetsArt/nylon/internal/config"
)

// Handler serves files below a root directory.
type Handler struct {
	root  string
	index string
	spa   bool
}

// NewHandler builds a handler from the service's static config.
func NewHandler(cfg *config.StaticConfig) *Handler {
	index := cfg.Index
	if index == "" {
		index = "index.html"
	}
	return &Handler{root: cfg.Root, index: index, spa: cfg.SPA}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clean := path.Clean("/" + r.URL.Path)
	target := filepath.Join(h.root, filepath.FromSlash(clean))

	// Keep traversal inside the root.
	if !strings.HasPrefix(target, filepath.Clean(h.root)) {
		http.NotFound(w, r)
		return
	}

	info, err := os.Stat(target)
	if err == nil && info.IsDir() {
		target = filepath.Join(target, h.index)
		_, err = os.Stat(target)
	}
	if err != nil {
		if h.spa {
			http.ServeFile(w, r, filepath.Join(h.root, h.index))
			return
		}
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, target)
}

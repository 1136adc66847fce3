// Package route compiles the proxy configuration into a host/header
// dispatch index plus one path trie per route, and resolves requests
// against the active generation.
package route

import (
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/AssetsArt/nylon/internal/config"
	"github.com/AssetsArt/nylon/internal/errors"
	"github.com/AssetsArt/nylon/internal/template"
)

// Middleware is one compiled chain entry: group references are already
// expanded and the payload is serialized JSON, templated leaves included.
type Middleware struct {
	Plugin  string
	Entry   string
	Payload []byte
}

// Route is the compiled unit a request resolves to: the target service,
// the middleware stack and the pre-parsed payload templates.
type Route struct {
	Service         string
	ServiceType     config.ServiceType
	Algorithm       config.Algorithm
	Rewrite         string
	TLS             *config.TlsRoute
	RouteMiddleware []Middleware
	PathMiddleware  []Middleware
	PayloadAST      template.PayloadAST
}

// Middleware returns the effective chain: route-level items first, then
// path-level items, in declared order.
func (r *Route) Middleware() []Middleware {
	if len(r.PathMiddleware) == 0 {
		return r.RouteMiddleware
	}
	chain := make([]Middleware, 0, len(r.RouteMiddleware)+len(r.PathMiddleware))
	chain = append(chain, r.RouteMiddleware...)
	chain = append(chain, r.PathMiddleware...)
	return chain
}

// PathTrie is one route's compiled path matcher. Patterns carry the HTTP
// method inside the path when the config restricts methods, so the trie
// itself is method-free and every pattern registers under one verb.
type PathTrie struct {
	tree *httprouter.Router
}

func newPathTrie() *PathTrie {
	tree := httprouter.New()
	tree.RedirectTrailingSlash = false
	tree.RedirectFixedPath = false
	tree.HandleMethodNotAllowed = false
	return &PathTrie{tree: tree}
}

// captureRoute extracts the matched route from trie dispatch without an
// actual HTTP exchange.
type captureRoute struct {
	route  *Route
	header http.Header
}

func (c *captureRoute) Header() http.Header       { return c.header }
func (c *captureRoute) Write([]byte) (int, error) { return 0, nil }
func (c *captureRoute) WriteHeader(int)           {}

// insert registers a pattern. httprouter panics on conflicting patterns;
// the panic is converted into a ConfigError so a bad config rejects the
// whole compile.
func (t *PathTrie) insert(pattern string, route *Route) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Config("failed to register route pattern %q: %v", pattern, r)
		}
	}()
	t.tree.Handle(http.MethodGet, pattern,
		func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
			if c, ok := w.(*captureRoute); ok {
				c.route = route
			}
		})
	return nil
}

// At matches a concrete path and returns the route plus captured params.
func (t *PathTrie) At(path string) (*Route, map[string]string, bool) {
	handle, params, _ := t.tree.Lookup(http.MethodGet, path)
	if handle == nil {
		return nil, nil, false
	}
	c := &captureRoute{}
	handle(c, nil, nil)
	if c.route == nil {
		return nil, nil, false
	}
	captured := make(map[string]string, len(params))
	for _, p := range params {
		captured[p.Key] = strings.TrimPrefix(p.Value, "/")
	}
	return c.route, captured, true
}

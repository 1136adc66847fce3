package route

import (
	"net/http"
	"strings"

	"github.com/AssetsArt/nylon/internal/errors"
)

// RequestInfo is the (path, host, method) triple plus the header access
// FindRoute needs; it decouples matching from the HTTP server types.
type RequestInfo struct {
	Path   string
	Host   string
	Method string
	// Header returns a request header value, "" when absent.
	Header func(name string) string
}

// InfoFromRequest extracts dispatch inputs from an http.Request. Under
// HTTP/2 the authority travels in r.Host as well; the port is stripped in
// both cases.
func InfoFromRequest(r *http.Request) RequestInfo {
	host := r.Host
	if idx := strings.LastIndexByte(host, ':'); idx != -1 && !strings.HasSuffix(host, "]") {
		host = host[:idx]
	}
	return RequestInfo{
		Path:   r.URL.Path,
		Host:   host,
		Method: r.Method,
		Header: r.Header.Get,
	}
}

// FindRoute resolves a request against this table: the header selector is
// consulted first, then the host index; within the chosen route's trie
// the bare path is probed before the method-qualified form.
func (t *Table) FindRoute(info RequestInfo) (*Route, map[string]string, error) {
	if t.HeaderSelector != "" && info.Header != nil {
		if value := info.Header(t.HeaderSelector); value != "" {
			if name, ok := t.Dispatch["header-"+value]; ok {
				return t.findIn(name, info)
			}
		}
	}

	if name, ok := t.Dispatch["host-"+info.Host]; ok {
		return t.findIn(name, info)
	}

	return nil, nil, errors.RouteNotFound("no route matched for host: %s, method: %s, path: %s",
		info.Host, info.Method, info.Path)
}

func (t *Table) findIn(name string, info RequestInfo) (*Route, map[string]string, error) {
	trie, ok := t.Tries[name]
	if !ok {
		return nil, nil, errors.RouteNotFound("route table missing for %q", name)
	}

	if route, params, ok := trie.At(info.Path); ok {
		return route, params, nil
	}
	if route, params, ok := trie.At("/" + info.Method + info.Path); ok {
		return route, params, nil
	}

	return nil, nil, errors.RouteNotFound("no route matched for method: %s, path: %s",
		info.Method, info.Path)
}

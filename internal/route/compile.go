package route

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/AssetsArt/nylon/internal/config"
	"github.com/AssetsArt/nylon/internal/errors"
	"github.com/AssetsArt/nylon/internal/logging"
	"github.com/AssetsArt/nylon/internal/store"
	"github.com/AssetsArt/nylon/internal/template"
)

// Table is one compiled generation of the routing state.
type Table struct {
	// Dispatch maps "host-<h>" / "header-<v>" keys to route names.
	Dispatch map[string]string
	// Tries maps route names to their path tries.
	Tries map[string]*PathTrie
	// HeaderSelector names the request header consulted before host
	// dispatch.
	HeaderSelector string
}

// Compile builds a routing table from the merged proxy config. Duplicate
// dispatch entries or conflicting path patterns reject the whole compile.
func Compile(cfg *config.ProxyConfig) (*Table, error) {
	table := &Table{
		Dispatch:       make(map[string]string),
		Tries:          make(map[string]*PathTrie, len(cfg.Routes)),
		HeaderSelector: cfg.HeaderSelector,
	}

	serviceTypes := make(map[string]*config.ServiceItem, len(cfg.Services))
	for i := range cfg.Services {
		serviceTypes[cfg.Services[i].Name] = &cfg.Services[i]
	}

	for i := range cfg.Routes {
		rc := &cfg.Routes[i]
		if err := table.addDispatch(rc); err != nil {
			return nil, err
		}

		routeMiddleware, routeAST, err := expandMiddleware(rc.Middleware, cfg.MiddlewareGroups)
		if err != nil {
			return nil, errors.Config("route %q: %v", rc.Name, err)
		}

		trie := newPathTrie()
		for pi := range rc.Paths {
			pc := &rc.Paths[pi]
			svc, ok := serviceTypes[pc.Service.Name]
			if !ok {
				return nil, errors.Config("route %q: service %q not found", rc.Name, pc.Service.Name)
			}

			pathMiddleware, pathAST, err := expandMiddleware(pc.Middleware, cfg.MiddlewareGroups)
			if err != nil {
				return nil, errors.Config("route %q path %q: %v", rc.Name, pc.Path, err)
			}

			ast := mergeAST(routeAST, pathAST)
			route := &Route{
				Service:         pc.Service.Name,
				ServiceType:     svc.ServiceType,
				Algorithm:       svc.Algorithm,
				Rewrite:         pc.Service.Rewrite,
				TLS:             rc.TLS,
				RouteMiddleware: routeMiddleware,
				PathMiddleware:  pathMiddleware,
				PayloadAST:      ast,
			}

			for _, pattern := range patterns(pc) {
				if err := trie.insert(pattern, route); err != nil {
					return nil, err
				}
				logging.Debug("route pattern registered",
					zap.String("route", rc.Name),
					zap.String("pattern", pattern))
			}
		}
		table.Tries[rc.Name] = trie
	}

	return table, nil
}

func (t *Table) addDispatch(rc *config.RouteConfig) error {
	add := func(key string) error {
		if existing, ok := t.Dispatch[key]; ok {
			return errors.Config("route %q: dispatch key %q already used by route %q", rc.Name, key, existing)
		}
		t.Dispatch[key] = rc.Name
		return nil
	}

	switch rc.Route.Kind {
	case "host":
		for _, host := range strings.Split(rc.Route.Value, "|") {
			if err := add("host-" + host); err != nil {
				return err
			}
		}
	case "header":
		if err := add("header-" + rc.Route.Value); err != nil {
			return err
		}
	default:
		return errors.Config("route %q: invalid matcher type %q", rc.Name, rc.Route.Kind)
	}
	return nil
}

// patterns expands one path config into concrete trie patterns. Prefix
// paths become `<path>/*rest`; method-restricted paths are registered
// only under `/<METHOD><path>`, one pattern per method.
func patterns(pc *config.PathConfig) []string {
	base := pc.Path
	if pc.IsPrefix() {
		if base == "/" {
			base = "/*rest"
		} else {
			base = strings.TrimSuffix(base, "/") + "/*rest"
		}
	}

	if len(pc.Methods) == 0 {
		if pc.Path == "/" && pc.IsPrefix() {
			return []string{base}
		}
		return []string{convertCaptures(base)}
	}

	out := make([]string, 0, len(pc.Methods)*2)
	for _, method := range pc.Methods {
		m := strings.ToUpper(method)
		if pc.Path == "/" && pc.IsPrefix() {
			out = append(out, "/"+m+"/*rest")
			continue
		}
		out = append(out, convertCaptures("/"+m+base))
	}
	return out
}

// convertCaptures rewrites `{name}` captures into the trie's `:name`
// parameter syntax.
func convertCaptures(pattern string) string {
	if !strings.Contains(pattern, "{") {
		return pattern
	}
	var sb strings.Builder
	i := 0
	for i < len(pattern) {
		c := pattern[i]
		if c != '{' {
			sb.WriteByte(c)
			i++
			continue
		}
		end := strings.IndexByte(pattern[i:], '}')
		if end < 0 {
			sb.WriteByte(c)
			i++
			continue
		}
		name := pattern[i+1 : i+end]
		if strings.HasPrefix(name, "*") {
			sb.WriteByte('*')
			sb.WriteString(name[1:])
		} else {
			sb.WriteByte(':')
			sb.WriteString(name)
		}
		i += end + 1
	}
	return sb.String()
}

// expandMiddleware flattens group references, serializes payloads to
// JSON and compiles every payload template into a merged AST.
func expandMiddleware(items []config.MiddlewareItem, groups map[string][]config.MiddlewareItem) ([]Middleware, template.PayloadAST, error) {
	if len(items) == 0 {
		return nil, nil, nil
	}
	var flat []Middleware
	ast := template.PayloadAST{}
	for _, item := range items {
		expanded := []config.MiddlewareItem{item}
		if item.Group != "" {
			group, ok := groups[item.Group]
			if !ok {
				return nil, nil, errors.Config("middleware group %q not found", item.Group)
			}
			expanded = group
		}
		for _, m := range expanded {
			payload, err := MarshalPayload(m.Payload)
			if err != nil {
				return nil, nil, errors.Config("middleware %q: %v", m.Plugin, err)
			}
			if itemAST := template.CompilePayload(payload); itemAST != nil {
				for path, exprs := range itemAST {
					ast[path] = exprs
				}
			}
			flat = append(flat, Middleware{Plugin: m.Plugin, Entry: m.Entry, Payload: payload})
		}
	}
	if len(ast) == 0 {
		return flat, nil, nil
	}
	return flat, ast, nil
}

// MarshalPayload serializes a config payload (decoded YAML) to JSON
// bytes; nil payloads stay nil.
func MarshalPayload(payload any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	return json.Marshal(payload)
}

func mergeAST(route, path template.PayloadAST) template.PayloadAST {
	if len(route) == 0 {
		return path
	}
	merged := template.PayloadAST{}
	for k, v := range route {
		merged[k] = v
	}
	for k, v := range path {
		merged[k] = v
	}
	return merged
}

// StoreTable swaps the compiled table into the global store. The tries,
// the dispatch index and the header selector travel as one value so a
// request taking a snapshot observes a consistent generation.
func StoreTable(table *Table) {
	store.Insert(store.KeyRouteMatcher, table)
}

// ActiveTable returns the installed routing table.
func ActiveTable() (*Table, error) {
	table, ok := store.Get[*Table](store.KeyRouteMatcher)
	if !ok {
		return nil, errors.Internal("route matcher not found in store")
	}
	return table, nil
}

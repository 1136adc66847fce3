package proxy

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/AssetsArt/nylon/internal/errors"
	"github.com/AssetsArt/nylon/internal/plugin"
	"github.com/AssetsArt/nylon/internal/template"
)

// headerModifierPayload is the builtin header-modifier payload shape.
type headerModifierPayload struct {
	Set    []headerPair `json:"set"`
	Remove []string     `json:"remove"`
}

type headerPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// isBuiltin reports whether a middleware plugin name resolves to a
// builtin instead of the plugin transport.
func isBuiltin(name string) bool {
	return name == plugin.BuiltinRequestHeaderModifier || name == plugin.BuiltinResponseHeaderModifier
}

// runBuiltin applies a builtin middleware for the given phase. Builtins
// bypass the plugin transport entirely: the request modifier mutates the
// request header map during the request filter, the response modifier
// accumulates overrides during the response filter.
func runBuiltin(name string, phase plugin.Phase, ctx *Context, r *http.Request, payload []byte, ast template.PayloadAST) error {
	switch {
	case name == plugin.BuiltinRequestHeaderModifier && phase == plugin.PhaseRequestFilter:
		decoded, err := decodeHeaderModifierPayload(ctx, r, payload, ast)
		if err != nil {
			return err
		}
		for _, h := range decoded.Set {
			r.Header.Set(strings.ToLower(h.Name), h.Value)
		}
		for _, name := range decoded.Remove {
			r.Header.Del(name)
		}

	case name == plugin.BuiltinResponseHeaderModifier && phase == plugin.PhaseResponseFilter:
		decoded, err := decodeHeaderModifierPayload(ctx, r, payload, ast)
		if err != nil {
			return err
		}
		for _, h := range decoded.Set {
			ctx.AddResponseHeaders[h.Name] = h.Value
		}
		ctx.RemoveResponseHeaders = append(ctx.RemoveResponseHeaders, decoded.Remove...)
	}
	return nil
}

func decodeHeaderModifierPayload(ctx *Context, r *http.Request, payload []byte, ast template.PayloadAST) (*headerModifierPayload, error) {
	decoded := &headerModifierPayload{}
	if len(payload) == 0 {
		return decoded, nil
	}
	rendered := payload
	if ast != nil {
		rendered = template.ApplyPayloadAST(payload, ast, ctx.TemplateContext(r))
	}
	if err := json.Unmarshal(rendered, decoded); err != nil {
		return nil, errors.Wrap(errors.KindConfig, "header modifier payload", err)
	}
	return decoded, nil
}

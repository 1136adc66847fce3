package template

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func testCtx() *Context {
	return &Context{
		ClientIP:  "10.0.0.1",
		RequestID: "0192aef2-0000-7000-8000-000000000001",
		Header: func(name string) string {
			switch strings.ToLower(name) {
			case "x-tenant":
				return "acme"
			case "user-agent":
				return "test-agent"
			}
			return ""
		},
	}
}

func TestParseExpression(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"client_ip", "10.0.0.1"},
		{"request_id", "0192aef2-0000-7000-8000-000000000001"},
		{"'literal'", "literal"},
		{`"double"`, "double"},
		{"header(x-tenant)", "acme"},
		{"var(client_ip)", "10.0.0.1"},
		{"or(header(missing), 'fallback')", "fallback"},
		{"or(header(x-tenant), 'fallback')", "acme"},
		{"unknown_var", ""},
		{"nope(client_ip)", ""},
		{" or ( '' , 'b' ) ", "b"},
	}

	for _, tt := range tests {
		expr, ok := ParseExpression(tt.input)
		if !ok {
			t.Errorf("%q: parse failed", tt.input)
			continue
		}
		if got := Eval(expr, testCtx()); got != tt.want {
			t.Errorf("%q: expected %q, got %q", tt.input, tt.want, got)
		}
	}
}

func TestEnvFunction(t *testing.T) {
	t.Setenv("NYLON_TPL_TEST", "from-env")
	expr, _ := ParseExpression("env(NYLON_TPL_TEST)")
	if got := Eval(expr, testCtx()); got != "from-env" {
		t.Errorf("expected from-env, got %q", got)
	}
}

func TestExtractAndParseReassembles(t *testing.T) {
	exprs := ExtractAndParse("ip=${client_ip}; tenant=${header(x-tenant)}!")
	if exprs == nil {
		t.Fatal("expected template fragments")
	}
	if got := Render(exprs, testCtx()); got != "ip=10.0.0.1; tenant=acme!" {
		t.Errorf("unexpected render: %q", got)
	}
}

func TestExtractAndParseNoTemplate(t *testing.T) {
	if exprs := ExtractAndParse("plain text"); exprs != nil {
		t.Errorf("expected nil for non-template input, got %v", exprs)
	}
}

func TestCompileAndApplyPayload(t *testing.T) {
	payload := []byte(`{"set":[{"name":"x-req-id","value":"${request_id}"},{"name":"x-static","value":"fixed"}],"nested":{"ip":"${client_ip}"}}`)

	ast := CompilePayload(payload)
	if ast == nil {
		t.Fatal("expected payload AST")
	}
	if _, ok := ast["set.0.value"]; !ok {
		t.Errorf("missing templated leaf set.0.value, got paths %v", astPaths(ast))
	}
	if _, ok := ast["set.1.value"]; ok {
		t.Error("non-templated leaf should not be in AST")
	}

	out := ApplyPayloadAST(payload, ast, testCtx())
	if got := gjson.GetBytes(out, "set.0.value").String(); got != testCtx().RequestID {
		t.Errorf("set.0.value: got %q", got)
	}
	if got := gjson.GetBytes(out, "nested.ip").String(); got != "10.0.0.1" {
		t.Errorf("nested.ip: got %q", got)
	}
	if got := gjson.GetBytes(out, "set.1.value").String(); got != "fixed" {
		t.Errorf("untouched leaf changed: %q", got)
	}
}

// After applying the AST, no string leaf should still carry a template.
func TestApplyIsIdempotent(t *testing.T) {
	payload := []byte(`{"a":"${client_ip}","b":["${request_id}","x"]}`)
	out := ApplyPayloadAST(payload, CompilePayload(payload), testCtx())

	if again := CompilePayload(out); again != nil {
		t.Errorf("rendered payload still contains templates: %v", astPaths(again))
	}
}

func TestCompilePayloadEmpty(t *testing.T) {
	if CompilePayload(nil) != nil {
		t.Error("nil payload should produce nil AST")
	}
	if CompilePayload([]byte(`{"a":"plain"}`)) != nil {
		t.Error("template-free payload should produce nil AST")
	}
}

func astPaths(ast PayloadAST) []string {
	paths := make([]string, 0, len(ast))
	for p := range ast {
		paths = append(paths, p)
	}
	return paths
}

// Package template implements the ${expr} payload templating used by
// middleware payloads. Parsing happens once at route compile; evaluation
// happens per request, so the hot path never touches the parser.
package template

import (
	"os"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ExprKind discriminates expression nodes.
type ExprKind int

const (
	ExprLiteral ExprKind = iota
	ExprVar
	ExprFunc
)

// Expr is one node of a parsed template expression.
type Expr struct {
	Kind ExprKind
	// Value holds the literal text or the variable/function name.
	Value string
	Args  []Expr
}

// Context supplies evaluation inputs for one request.
type Context struct {
	ClientIP  string
	RequestID string
	// Header looks up a request header; nil means no headers available.
	Header func(name string) string
}

func (c *Context) variable(name string) string {
	switch name {
	case "client_ip":
		return c.ClientIP
	case "request_id":
		return c.RequestID
	}
	return ""
}

// ParseExpression parses a single expression (the text between ${ and })
// with a recursive-descent pass over the characters. Returns false when
// the input is not a recognizable expression.
func ParseExpression(input string) (Expr, bool) {
	p := &parser{input: input}
	expr, ok := p.parseExpr()
	return expr, ok
}

type parser struct {
	input string
	pos   int
}

func (p *parser) peek() (byte, bool) {
	if p.pos >= len(p.input) {
		return 0, false
	}
	return p.input[p.pos], true
}

func (p *parser) skipWhitespace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) parseExpr() (Expr, bool) {
	p.skipWhitespace()
	c, ok := p.peek()
	if !ok {
		return Expr{}, false
	}
	switch {
	case c == '\'' || c == '"':
		return p.parseLiteral()
	case isIdentStart(c):
		return p.parseFuncOrVar()
	}
	return Expr{}, false
}

func (p *parser) parseLiteral() (Expr, bool) {
	quote := p.input[p.pos]
	p.pos++
	var sb strings.Builder
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		p.pos++
		if c == quote {
			return Expr{Kind: ExprLiteral, Value: sb.String()}, true
		}
		sb.WriteByte(c)
	}
	// Unterminated literal: accept what we have, matching the permissive
	// evaluate-to-empty posture of the engine.
	return Expr{Kind: ExprLiteral, Value: sb.String()}, true
}

func (p *parser) parseFuncOrVar() (Expr, bool) {
	start := p.pos
	for p.pos < len(p.input) && isIdentChar(p.input[p.pos]) {
		p.pos++
	}
	name := p.input[start:p.pos]

	p.skipWhitespace()
	if c, ok := p.peek(); !ok || c != '(' {
		return Expr{Kind: ExprVar, Value: name}, true
	}
	p.pos++ // consume '('

	var args []Expr
	for {
		p.skipWhitespace()
		if c, ok := p.peek(); ok && c == ')' {
			p.pos++
			break
		} else if !ok {
			break
		}
		if arg, ok := p.parseExpr(); ok {
			args = append(args, arg)
		} else {
			// Skip a malformed argument character to guarantee progress.
			p.pos++
			continue
		}
		p.skipWhitespace()
		if c, ok := p.peek(); ok && c == ',' {
			p.pos++
		}
	}
	return Expr{Kind: ExprFunc, Value: name, Args: args}, true
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '-'
}

// ExtractAndParse splits input into an ordered sequence of literal and
// expression fragments that reassemble to input when evaluated. Returns
// nil when input carries no ${...} template.
func ExtractAndParse(input string) []Expr {
	if !strings.Contains(input, "${") {
		return nil
	}
	var result []Expr
	rest := input
	found := false
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			break
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			break
		}
		end += start
		if start > 0 {
			result = append(result, Expr{Kind: ExprLiteral, Value: rest[:start]})
		}
		if expr, ok := ParseExpression(rest[start+2 : end]); ok {
			result = append(result, expr)
			found = true
		}
		rest = rest[end+1:]
	}
	if !found {
		return nil
	}
	if rest != "" {
		result = append(result, Expr{Kind: ExprLiteral, Value: rest})
	}
	return result
}

// Eval evaluates one expression. Unknown identifiers and functions
// evaluate to the empty string; evaluation never fails.
func Eval(expr Expr, ctx *Context) string {
	switch expr.Kind {
	case ExprLiteral:
		return expr.Value
	case ExprVar:
		return ctx.variable(expr.Value)
	case ExprFunc:
		switch expr.Value {
		case "header":
			if len(expr.Args) > 0 && expr.Args[0].Kind != ExprFunc && ctx.Header != nil {
				return ctx.Header(expr.Args[0].Value)
			}
		case "var":
			if len(expr.Args) > 0 && expr.Args[0].Kind != ExprFunc {
				return ctx.variable(expr.Args[0].Value)
			}
		case "or":
			for _, arg := range expr.Args {
				if v := Eval(arg, ctx); v != "" {
					return v
				}
			}
		case "env":
			if len(expr.Args) > 0 && expr.Args[0].Kind != ExprFunc {
				return os.Getenv(expr.Args[0].Value)
			}
		}
	}
	return ""
}

// Render evaluates an expression sequence and concatenates the results.
func Render(exprs []Expr, ctx *Context) string {
	var sb strings.Builder
	for _, expr := range exprs {
		sb.WriteString(Eval(expr, ctx))
	}
	return sb.String()
}

// PayloadAST maps a JSON leaf path (gjson syntax) to its parsed
// expression sequence.
type PayloadAST map[string][]Expr

// CompilePayload walks the JSON tree and parses every string leaf that
// carries a ${...} template, keyed by its path. Returns nil when no leaf
// is templated.
func CompilePayload(payload []byte) PayloadAST {
	if len(payload) == 0 {
		return nil
	}
	ast := PayloadAST{}
	walkJSON(gjson.ParseBytes(payload), "", func(path string, value gjson.Result) {
		if value.Type != gjson.String {
			return
		}
		if exprs := ExtractAndParse(value.String()); exprs != nil {
			ast[path] = exprs
		}
	})
	if len(ast) == 0 {
		return nil
	}
	return ast
}

func walkJSON(value gjson.Result, path string, visit func(string, gjson.Result)) {
	if value.IsObject() || value.IsArray() {
		value.ForEach(func(key, child gjson.Result) bool {
			childPath := key.String()
			if path != "" {
				childPath = path + "." + childPath
			}
			walkJSON(child, childPath, visit)
			return true
		})
		return
	}
	visit(path, value)
}

// ApplyPayloadAST renders every templated leaf of the AST into payload
// and returns the rewritten JSON.
func ApplyPayloadAST(payload []byte, ast PayloadAST, ctx *Context) []byte {
	out := payload
	for path, exprs := range ast {
		rewritten, err := sjson.SetBytes(out, path, Render(exprs, ctx))
		if err != nil {
			continue
		}
		out = rewritten
	}
	return out
}

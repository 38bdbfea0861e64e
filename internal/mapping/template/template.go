// Package template implements the small expression-template language used
// by mapping documents to build JSON/text payloads from a rewrite context:
// {{ expr }} substitutions, {% if %}/{% endif %} conditionals, {% for %}/
// {% endfor %} loops, and function calls resolved against a caller-supplied
// table of built-in and plugin functions.
package template

import (
	"fmt"
	"strconv"
	"strings"
)

// Func is a callable registered into a FuncTable, invoked from a template
// expression as name(arg1, arg2, ...).
type Func func(args []any) (any, error)

// FuncTable resolves function names used inside template expressions.
type FuncTable map[string]Func

// Context is the variable namespace a template renders against.
type Context map[string]any

// Template is a parsed template, ready to Render repeatedly against
// different contexts.
type Template struct {
	nodes []node
}

// Parse compiles src into a Template.
func Parse(src string) (*Template, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	nodes, err := p.parseNodes("")
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("template: unexpected trailing %s", p.toks[p.pos].kind)
	}
	return &Template{nodes: nodes}, nil
}

// Render evaluates the template against ctx and funcs, concatenating text
// output and the string form of every {{ expr }} result.
func (t *Template) Render(ctx Context, funcs FuncTable) (string, error) {
	var sb strings.Builder
	if err := renderNodes(t.nodes, ctx, funcs, &sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func renderNodes(nodes []node, ctx Context, funcs FuncTable, sb *strings.Builder) error {
	for _, n := range nodes {
		switch v := n.(type) {
		case textNode:
			sb.WriteString(string(v))
		case exprNode:
			val, err := v.expr.eval(ctx, funcs)
			if err != nil {
				return err
			}
			sb.WriteString(ToString(val))
		case ifNode:
			cond, err := v.cond.eval(ctx, funcs)
			if err != nil {
				return err
			}
			if Truthy(cond) {
				if err := renderNodes(v.body, ctx, funcs, sb); err != nil {
					return err
				}
			} else if v.elseBody != nil {
				if err := renderNodes(v.elseBody, ctx, funcs, sb); err != nil {
					return err
				}
			}
		case forNode:
			list, err := v.list.eval(ctx, funcs)
			if err != nil {
				return err
			}
			items, err := toSlice(list)
			if err != nil {
				return err
			}
			for _, item := range items {
				child := make(Context, len(ctx)+1)
				for k, val := range ctx {
					child[k] = val
				}
				child[v.varName] = item
				if err := renderNodes(v.body, child, funcs, sb); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func toSlice(v any) ([]any, error) {
	switch s := v.(type) {
	case []any:
		return s, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("template: cannot iterate over %T", v)
	}
}

// Truthy applies the language's boolean-coercion rule: nil, false, zero
// numbers, empty strings, and empty lists are false; everything else is
// true.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	case []any:
		return len(x) > 0
	default:
		return true
	}
}

// ToString renders a value the way a substituted expression appears in
// template output.
func ToString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case int:
		return strconv.Itoa(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

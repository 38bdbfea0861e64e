package template

import (
	"fmt"
	"strings"
)

type node any

type textNode string

type exprNode struct{ expr expr }

type ifNode struct {
	cond     expr
	body     []node
	elseBody []node
}

type forNode struct {
	varName string
	list    expr
	body    []node
}

type parser struct {
	toks []token
	pos  int
}

// parseNodes consumes tokens until EOF or a tokElse/tokEndif/tokEndfor,
// which it leaves unconsumed for the caller to inspect.
func (p *parser) parseNodes(context string) ([]node, error) {
	var out []node
	for p.pos < len(p.toks) {
		tok := p.toks[p.pos]
		switch tok.kind {
		case tokText:
			out = append(out, textNode(tok.text))
			p.pos++
		case tokExpr:
			e, err := parseExpr(tok.text)
			if err != nil {
				return nil, err
			}
			out = append(out, exprNode{expr: e})
			p.pos++
		case tokIf:
			p.pos++
			cond, err := parseExpr(tok.text)
			if err != nil {
				return nil, err
			}
			body, err := p.parseNodes("if")
			if err != nil {
				return nil, err
			}
			var elseBody []node
			if p.peekKind() == tokElse {
				p.pos++
				elseBody, err = p.parseNodes("if")
				if err != nil {
					return nil, err
				}
			}
			if p.peekKind() != tokEndif {
				return nil, fmt.Errorf("template: missing {%% endif %%}")
			}
			p.pos++
			out = append(out, ifNode{cond: cond, body: body, elseBody: elseBody})
		case tokFor:
			p.pos++
			parts := strings.SplitN(tok.text, "\x00", 2)
			varName, listSrc := parts[0], parts[1]
			listExpr, err := parseExpr(listSrc)
			if err != nil {
				return nil, err
			}
			body, err := p.parseNodes("for")
			if err != nil {
				return nil, err
			}
			if p.peekKind() != tokEndfor {
				return nil, fmt.Errorf("template: missing {%% endfor %%}")
			}
			p.pos++
			out = append(out, forNode{varName: varName, list: listExpr, body: body})
		case tokElse, tokEndif, tokEndfor:
			return out, nil
		}
	}
	return out, nil
}

func (p *parser) peekKind() tokenKind {
	if p.pos >= len(p.toks) {
		return tokText
	}
	return p.toks[p.pos].kind
}

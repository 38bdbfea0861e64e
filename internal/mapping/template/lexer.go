package template

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokText tokenKind = iota
	tokExpr
	tokIf
	tokElse
	tokEndif
	tokFor
	tokEndfor
)

func (k tokenKind) String() string {
	switch k {
	case tokText:
		return "text"
	case tokExpr:
		return "expr"
	case tokIf:
		return "if"
	case tokElse:
		return "else"
	case tokEndif:
		return "endif"
	case tokFor:
		return "for"
	case tokEndfor:
		return "endfor"
	default:
		return "unknown"
	}
}

type token struct {
	kind tokenKind
	text string // expression source for tokExpr/tokIf/tokFor
}

// tokenize splits src into text runs and {{ expr }} / {% stmt %} tags.
func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		exprAt := strings.Index(src[i:], "{{")
		stmtAt := strings.Index(src[i:], "{%")

		next := -1
		isExpr := false
		switch {
		case exprAt == -1 && stmtAt == -1:
			toks = append(toks, token{kind: tokText, text: src[i:]})
			i = len(src)
			continue
		case exprAt == -1:
			next, isExpr = stmtAt, false
		case stmtAt == -1:
			next, isExpr = exprAt, true
		case exprAt < stmtAt:
			next, isExpr = exprAt, true
		default:
			next, isExpr = stmtAt, false
		}

		if next > 0 {
			toks = append(toks, token{kind: tokText, text: src[i : i+next]})
		}
		i += next

		if isExpr {
			end := strings.Index(src[i:], "}}")
			if end == -1 {
				return nil, fmt.Errorf("template: unterminated {{ expression")
			}
			content := strings.TrimSpace(src[i+2 : i+end])
			toks = append(toks, token{kind: tokExpr, text: content})
			i += end + 2
		} else {
			end := strings.Index(src[i:], "%}")
			if end == -1 {
				return nil, fmt.Errorf("template: unterminated {%% statement")
			}
			content := strings.TrimSpace(src[i+2 : i+end])
			tok, err := parseStmtTag(content)
			if err != nil {
				return nil, err
			}
			toks = append(toks, tok)
			i += end + 2
		}
	}
	return toks, nil
}

func parseStmtTag(content string) (token, error) {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return token{}, fmt.Errorf("template: empty {%% %%} statement")
	}
	switch fields[0] {
	case "if":
		return token{kind: tokIf, text: strings.TrimSpace(strings.TrimPrefix(content, "if"))}, nil
	case "else":
		return token{kind: tokElse}, nil
	case "endif":
		return token{kind: tokEndif}, nil
	case "for":
		rest := strings.TrimSpace(strings.TrimPrefix(content, "for"))
		parts := strings.SplitN(rest, " in ", 2)
		if len(parts) != 2 {
			return token{}, fmt.Errorf("template: malformed for statement %q, want \"for x in list\"", content)
		}
		return token{kind: tokFor, text: strings.TrimSpace(parts[0]) + "\x00" + strings.TrimSpace(parts[1])}, nil
	case "endfor":
		return token{kind: tokEndfor}, nil
	default:
		return token{}, fmt.Errorf("template: unknown statement %q", fields[0])
	}
}

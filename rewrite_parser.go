package rebac

import (
	"fmt"
	"strings"
)

// ParseRewrite parses the textual rewrite form used by config files and the
// DSL into the native Rewrite AST. The grammar is the closed rule set and
// nothing more:
//
//	this
//	computed(<relation>)
//	ttu(<tupleset>, <relation>)
//	union(<expr>, <expr>, ...)
//	intersection(<expr>, <expr>, ...)
//	exclusion(<base expr>, <subtract expr>)
//
// Parsing is deliberately strict: unknown heads, arity mismatches and
// unbalanced parentheses are reported rather than guessed at.
func ParseRewrite(s string) (*Rewrite, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty rewrite expression")
	}
	if s == "this" {
		return This(), nil
	}

	head, body, err := splitCall(s)
	if err != nil {
		return nil, err
	}
	args := splitTopLevel(body)

	switch head {
	case "computed":
		if len(args) != 1 {
			return nil, fmt.Errorf("computed takes one relation, got %d in %q", len(args), s)
		}
		rel := strings.TrimSpace(args[0])
		if err := validRelationName(rel); err != nil {
			return nil, err
		}
		return ComputedUserset(rel), nil
	case "ttu":
		if len(args) != 2 {
			return nil, fmt.Errorf("ttu takes a tupleset and a relation, got %d args in %q", len(args), s)
		}
		tupleset := strings.TrimSpace(args[0])
		computed := strings.TrimSpace(args[1])
		if err := validRelationName(tupleset); err != nil {
			return nil, err
		}
		if err := validRelationName(computed); err != nil {
			return nil, err
		}
		return TupleToUserset(tupleset, computed), nil
	case "union", "intersection":
		if len(args) == 0 {
			return nil, fmt.Errorf("%s needs at least one operand in %q", head, s)
		}
		children := make([]*Rewrite, 0, len(args))
		for _, a := range args {
			c, err := ParseRewrite(a)
			if err != nil {
				return nil, err
			}
			children = append(children, c)
		}
		if head == "union" {
			return Union(children...), nil
		}
		return Intersection(children...), nil
	case "exclusion":
		if len(args) != 2 {
			return nil, fmt.Errorf("exclusion takes a base and a subtract, got %d args in %q", len(args), s)
		}
		base, err := ParseRewrite(args[0])
		if err != nil {
			return nil, err
		}
		subtract, err := ParseRewrite(args[1])
		if err != nil {
			return nil, err
		}
		return Exclusion(base, subtract), nil
	}
	return nil, fmt.Errorf("unsupported rewrite syntax: %s", s)
}

// splitCall splits "head(body)" and checks the parentheses balance out.
func splitCall(s string) (head, body string, err error) {
	open := strings.IndexByte(s, '(')
	if open <= 0 || !strings.HasSuffix(s, ")") {
		return "", "", fmt.Errorf("unsupported rewrite syntax: %s", s)
	}
	head = strings.TrimSpace(s[:open])
	body = s[open+1 : len(s)-1]
	depth := 0
	for _, r := range body {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return "", "", fmt.Errorf("unbalanced parentheses in %q", s)
			}
		}
	}
	if depth != 0 {
		return "", "", fmt.Errorf("unbalanced parentheses in %q", s)
	}
	return head, body, nil
}

// splitTopLevel splits comma-separated operands, ignoring commas inside
// nested calls. Empty operands are dropped.
func splitTopLevel(s string) []string {
	out := make([]string, 0, 4)
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				if part := strings.TrimSpace(s[start:i]); part != "" {
					out = append(out, part)
				}
				start = i + 1
			}
		}
	}
	if part := strings.TrimSpace(s[start:]); part != "" {
		out = append(out, part)
	}
	return out
}

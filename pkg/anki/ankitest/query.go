package ankitest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Predicate reports whether a card (and its note) matches a search.
type Predicate func(n *Note, c *Card) bool

// Parse compiles the subset of the Anki search language used by this module: implicit AND,
// OR, parentheses, "-" negation, is:new, is:learn, is:review, is:suspended, prop:ivl and
// prop:s comparisons, cid:, nid:, deck:, rated:1, edited:1 and "Field:pattern" with * and _
// wildcards.
func Parse(query string) (Predicate, error) {
	toks, err := lex(query)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	if len(toks) == 0 {
		return func(*Note, *Card) bool { return true }, nil
	}
	pred, err := p.or()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("unexpected %q in query %q", p.toks[p.pos].text, query)
	}
	return pred, nil
}

type tokKind int

const (
	tokTerm tokKind = iota
	tokOpen
	tokClose
	tokNeg
	tokOr
)

type tok struct {
	kind tokKind
	text string
}

func lex(q string) ([]tok, error) {
	var out []tok
	rs := []rune(q)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case r == ' ' || r == '\t' || r == '\n':
			i++
		case r == '(':
			out = append(out, tok{kind: tokOpen})
			i++
		case r == ')':
			out = append(out, tok{kind: tokClose})
			i++
		case r == '-' && i+1 < len(rs) && rs[i+1] != ' ':
			out = append(out, tok{kind: tokNeg})
			i++
		default:
			var b strings.Builder
			quoted := false
			for i < len(rs) {
				r = rs[i]
				if !quoted && (r == ' ' || r == '(' || r == ')') {
					break
				}
				if r == '\\' && i+1 < len(rs) {
					b.WriteRune(r)
					b.WriteRune(rs[i+1])
					i += 2
					continue
				}
				if r == '"' {
					quoted = !quoted
					i++
					continue
				}
				b.WriteRune(r)
				i++
			}
			if quoted {
				return nil, fmt.Errorf("unterminated quote in query %q", q)
			}
			text := b.String()
			if text == "OR" || text == "or" {
				out = append(out, tok{kind: tokOr})
			} else {
				out = append(out, tok{kind: tokTerm, text: text})
			}
		}
	}
	return out, nil
}

type parser struct {
	toks []tok
	pos  int
}

func (p *parser) peek() (tok, bool) {
	if p.pos >= len(p.toks) {
		return tok{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) or() (Predicate, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	preds := []Predicate{left}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOr {
			break
		}
		p.pos++
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		preds = append(preds, right)
	}
	if len(preds) == 1 {
		return left, nil
	}
	return func(n *Note, c *Card) bool {
		for _, pr := range preds {
			if pr(n, c) {
				return true
			}
		}
		return false
	}, nil
}

func (p *parser) and() (Predicate, error) {
	var preds []Predicate
	for {
		t, ok := p.peek()
		if !ok || t.kind == tokOr || t.kind == tokClose {
			break
		}
		pr, err := p.unary()
		if err != nil {
			return nil, err
		}
		preds = append(preds, pr)
	}
	if len(preds) == 0 {
		return nil, fmt.Errorf("empty search group")
	}
	return func(n *Note, c *Card) bool {
		for _, pr := range preds {
			if !pr(n, c) {
				return false
			}
		}
		return true
	}, nil
}

func (p *parser) unary() (Predicate, error) {
	t, _ := p.peek()
	p.pos++
	switch t.kind {
	case tokNeg:
		inner, err := p.unary()
		if err != nil {
			return nil, err
		}
		return func(n *Note, c *Card) bool { return !inner(n, c) }, nil
	case tokOpen:
		inner, err := p.or()
		if err != nil {
			return nil, err
		}
		if t, ok := p.peek(); !ok || t.kind != tokClose {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	case tokTerm:
		return term(t.text)
	}
	return nil, fmt.Errorf("unexpected token in search")
}

var propRe = regexp.MustCompile(`^prop:(ivl|s)(>=|<=|!=|>|<|=)([0-9.]+)$`)

func term(text string) (Predicate, error) {
	lower := strings.ToLower(text)
	switch lower {
	case "is:new":
		return func(_ *Note, c *Card) bool { return c.Type == New }, nil
	case "is:learn":
		return func(_ *Note, c *Card) bool { return c.Type == Learning }, nil
	case "is:review":
		return func(_ *Note, c *Card) bool { return c.Type == Review }, nil
	case "is:suspended":
		return func(_ *Note, c *Card) bool { return c.Suspended }, nil
	case "rated:1":
		return func(_ *Note, c *Card) bool { return c.Rated }, nil
	case "edited:1":
		return func(n *Note, _ *Card) bool { return n.Edited }, nil
	}
	if m := propRe.FindStringSubmatch(lower); m != nil {
		v, err := strconv.ParseFloat(m[3], 64)
		if err != nil {
			return nil, err
		}
		cmp := compare(m[2], v)
		if m[1] == "ivl" {
			return func(_ *Note, c *Card) bool { return c.Type == Review && cmp(float64(c.Interval)) }, nil
		}
		return func(_ *Note, c *Card) bool { return c.Stability != nil && cmp(*c.Stability) }, nil
	}
	if strings.HasPrefix(lower, "cid:") || strings.HasPrefix(lower, "nid:") {
		ids := make(map[int64]bool)
		for _, part := range strings.Split(text[4:], ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad id list %q: %w", text, err)
			}
			ids[id] = true
		}
		if lower[0] == 'c' {
			return func(_ *Note, c *Card) bool { return ids[c.ID] }, nil
		}
		return func(n *Note, _ *Card) bool { return ids[n.ID] }, nil
	}
	if strings.HasPrefix(lower, "deck:") {
		deck := strings.ToLower(unescape(text[5:]))
		return func(_ *Note, c *Card) bool {
			d := strings.ToLower(c.Deck)
			return d == deck || strings.HasPrefix(d, deck+"::")
		}, nil
	}
	if i := indexUnescaped(text, ':'); i > 0 {
		field := strings.ToLower(unescape(text[:i]))
		re, err := wildcard(text[i+1:])
		if err != nil {
			return nil, err
		}
		return func(n *Note, _ *Card) bool {
			for name, v := range n.Fields {
				if strings.ToLower(name) == field && re.MatchString(v) {
					return true
				}
			}
			return false
		}, nil
	}
	re, err := wildcard("*" + text + "*")
	if err != nil {
		return nil, err
	}
	return func(n *Note, _ *Card) bool {
		for _, v := range n.Fields {
			if re.MatchString(v) {
				return true
			}
		}
		return false
	}, nil
}

func compare(op string, v float64) func(float64) bool {
	switch op {
	case ">=":
		return func(x float64) bool { return x >= v }
	case "<=":
		return func(x float64) bool { return x <= v }
	case ">":
		return func(x float64) bool { return x > v }
	case "<":
		return func(x float64) bool { return x < v }
	case "!=":
		return func(x float64) bool { return x != v }
	}
	return func(x float64) bool { return x == v }
}

// wildcard compiles an Anki field pattern. * matches any run, _ one character, and a
// backslash escapes the next character.
func wildcard(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString(`(?is)^`)
	rs := []rune(pattern)
	for i := 0; i < len(rs); i++ {
		switch r := rs[i]; {
		case r == '\\' && i+1 < len(rs):
			i++
			b.WriteString(regexp.QuoteMeta(string(rs[i])))
		case r == '*':
			b.WriteString(`.*`)
		case r == '_':
			b.WriteString(`.`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString(`$`)
	return regexp.Compile(b.String())
}

func indexUnescaped(s string, sep byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' {
			i++
			continue
		}
		if s[i] == sep {
			return i
		}
	}
	return -1
}

func unescape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

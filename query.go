package archivist

import (
	"fmt"
	"strings"
	"unicode"
)

// Searchable index fields.
const (
	FieldName    = "name"
	FieldCreator = "creator"
	FieldParody  = "parody"
	FieldTag     = "tag"
)

// AllFields lists every searchable field in index column order.
var AllFields = []string{FieldName, FieldCreator, FieldParody, FieldTag}

func isField(name string) bool {
	for _, f := range AllFields {
		if f == name {
			return true
		}
	}
	return false
}

type occur int

const (
	occurShould occur = iota
	occurMust
	occurMustNot
)

// queryNode is either a term (field/text/prefix) or a group of clauses.
type queryNode struct {
	field  string
	text   string
	prefix bool
	group  []queryClause
}

type queryClause struct {
	occur occur
	node  *queryNode
}

type queryToken struct {
	kind string // "word", "phrase", "(", ")", "+", "-", ":", "*"
	text string
	pos  int
}

func tokenizeQuery(s string) ([]queryToken, error) {
	var toks []queryToken
	rs := []rune(s)
	for i, r := range rs {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return nil, fmt.Errorf("%w: control character %U at %d", ErrInvalidQuery, r, i)
		}
	}
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(' || r == ')' || r == ':' || r == '*':
			toks = append(toks, queryToken{kind: string(r), pos: i})
			i++
		case (r == '+' || r == '-') && (len(toks) == 0 || i == 0 || unicode.IsSpace(rs[i-1]) || rs[i-1] == '('):
			toks = append(toks, queryToken{kind: string(r), pos: i})
			i++
		case r == '"':
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < len(rs) {
				if rs[i] == '"' {
					closed = true
					i++
					break
				}
				sb.WriteRune(rs[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("%w: unterminated phrase at %d", ErrInvalidQuery, start)
			}
			toks = append(toks, queryToken{kind: "phrase", text: sb.String(), pos: start})
		default:
			start := i
			var sb strings.Builder
			for i < len(rs) && !unicode.IsSpace(rs[i]) && !strings.ContainsRune(`()":*`, rs[i]) {
				sb.WriteRune(rs[i])
				i++
			}
			toks = append(toks, queryToken{kind: "word", text: sb.String(), pos: start})
		}
	}
	return toks, nil
}

type queryParser struct {
	toks []queryToken
	pos  int
}

// parseQuery parses the user query syntax into a clause tree.
func parseQuery(s string) ([]queryClause, error) {
	toks, err := tokenizeQuery(s)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidQuery)
	}
	p := &queryParser{toks: toks}
	clauses, err := p.parseClauses(0)
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.toks) {
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrInvalidQuery, p.toks[p.pos].kind, p.toks[p.pos].pos)
	}
	return clauses, nil
}

func (p *queryParser) peek() *queryToken {
	if p.pos < len(p.toks) {
		return &p.toks[p.pos]
	}
	return nil
}

func (p *queryParser) parseClauses(depth int) ([]queryClause, error) {
	var clauses []queryClause
	pendingAnd := false
	for {
		t := p.peek()
		if t == nil {
			break
		}
		if t.kind == ")" {
			if depth == 0 {
				return nil, fmt.Errorf("%w: unbalanced ')' at %d", ErrInvalidQuery, t.pos)
			}
			break
		}
		if t.kind == "word" && (t.text == "AND" || t.text == "OR") {
			if len(clauses) == 0 {
				return nil, fmt.Errorf("%w: %s without left operand", ErrInvalidQuery, t.text)
			}
			p.pos++
			if t.text == "AND" {
				if clauses[len(clauses)-1].occur == occurShould {
					clauses[len(clauses)-1].occur = occurMust
				}
				pendingAnd = true
			}
			next := p.peek()
			if next == nil || next.kind == ")" {
				return nil, fmt.Errorf("%w: %s without right operand", ErrInvalidQuery, t.text)
			}
			if next.kind == "word" && (next.text == "AND" || next.text == "OR") {
				return nil, fmt.Errorf("%w: %s followed by %s at %d", ErrInvalidQuery, t.text, next.text, next.pos)
			}
			continue
		}

		c, err := p.parseClause(depth)
		if err != nil {
			return nil, err
		}
		if pendingAnd && c.occur == occurShould {
			c.occur = occurMust
		}
		pendingAnd = false
		clauses = append(clauses, c)
	}
	if len(clauses) == 0 {
		return nil, fmt.Errorf("%w: empty group", ErrInvalidQuery)
	}
	return clauses, nil
}

func (p *queryParser) parseClause(depth int) (queryClause, error) {
	c := queryClause{occur: occurShould}
	t := p.peek()
	switch t.kind {
	case "+":
		c.occur = occurMust
		p.pos++
	case "-":
		c.occur = occurMustNot
		p.pos++
	}
	t = p.peek()
	if t == nil {
		return c, fmt.Errorf("%w: dangling operator at end of query", ErrInvalidQuery)
	}

	if t.kind == "(" {
		p.pos++
		group, err := p.parseClauses(depth + 1)
		if err != nil {
			return c, err
		}
		if end := p.peek(); end == nil || end.kind != ")" {
			return c, fmt.Errorf("%w: unbalanced '(' at %d", ErrInvalidQuery, t.pos)
		}
		p.pos++
		c.node = &queryNode{group: group}
		return c, nil
	}

	node, err := p.parseAtom()
	if err != nil {
		return c, err
	}
	c.node = node
	return c, nil
}

func (p *queryParser) parseAtom() (*queryNode, error) {
	t := p.peek()
	node := &queryNode{}
	switch t.kind {
	case "word":
		p.pos++
		if next := p.peek(); next != nil && next.kind == ":" {
			field := strings.ToLower(t.text)
			if !isField(field) {
				return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidQuery, t.text)
			}
			p.pos++
			val := p.peek()
			if val == nil || (val.kind != "word" && val.kind != "phrase") {
				return nil, fmt.Errorf("%w: field %q needs a term", ErrInvalidQuery, field)
			}
			p.pos++
			node.field = field
			node.text = val.text
		} else {
			node.text = t.text
		}
	case "phrase":
		p.pos++
		node.text = t.text
	default:
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrInvalidQuery, t.kind, t.pos)
	}
	if next := p.peek(); next != nil && next.kind == "*" {
		p.pos++
		node.prefix = true
	}
	if strings.TrimSpace(node.text) == "" {
		return nil, fmt.Errorf("%w: empty term", ErrInvalidQuery)
	}
	return node, nil
}

// compileMatch turns a parsed query into an FTS5 MATCH expression.
// Unqualified terms are restricted to defaultFields.
func compileMatch(clauses []queryClause, defaultFields []string) (string, error) {
	for _, f := range defaultFields {
		if !isField(f) {
			return "", fmt.Errorf("%w: unknown default field %q", ErrInvalidQuery, f)
		}
	}
	if len(defaultFields) == 0 {
		defaultFields = AllFields
	}
	return compileGroup(clauses, defaultFields)
}

func compileGroup(clauses []queryClause, defaultFields []string) (string, error) {
	var must, should, mustNot []string
	for _, c := range clauses {
		expr, err := compileNode(c.node, defaultFields)
		if err != nil {
			return "", err
		}
		switch c.occur {
		case occurMust:
			must = append(must, expr)
		case occurMustNot:
			mustNot = append(mustNot, expr)
		default:
			should = append(should, expr)
		}
	}

	var positive string
	switch {
	case len(must) > 0:
		// Optional clauses do not widen a match set that has required ones.
		positive = strings.Join(must, " AND ")
	case len(should) > 0:
		positive = strings.Join(should, " OR ")
	default:
		return "", fmt.Errorf("%w: query needs at least one positive term", ErrInvalidQuery)
	}

	expr := "(" + positive + ")"
	for _, n := range mustNot {
		expr += " NOT " + n
	}
	return "(" + expr + ")", nil
}

func compileNode(n *queryNode, defaultFields []string) (string, error) {
	if n.group != nil {
		return compileGroup(n.group, defaultFields)
	}
	phrase := ftsString(n.text)
	if n.prefix {
		phrase += " *"
	}
	if n.field != "" {
		return n.field + " : " + phrase, nil
	}
	return "{" + strings.Join(defaultFields, " ") + "} : " + phrase, nil
}

// ftsString quotes s as an FTS5 string, doubling embedded quotes.
func ftsString(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

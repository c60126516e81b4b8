// Package filter compiles and evaluates the wire-level filter language
// (spec §6.2) against entity documents, and applies $select-style
// projections. Field access goes through tidwall/gjson against a
// merged JSON view of the entity (core fields + payload), rather than
// a hand-rolled map walker, so dotted/array paths work for free.
package filter

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"encoding/json"

	"github.com/dot-do/parquedb/internal/types"
)

// Op is a comparison operator recognized inside a field predicate.
type Op string

const (
	OpEq     Op = "$eq"
	OpNe     Op = "$ne"
	OpGt     Op = "$gt"
	OpGte    Op = "$gte"
	OpLt     Op = "$lt"
	OpLte    Op = "$lte"
	OpIn     Op = "$in"
	OpNin    Op = "$nin"
	OpRegex  Op = "$regex"
	OpExists Op = "$exists"
)

// Node is one compiled filter term.
type Node interface {
	// Eval evaluates the node against a merged entity document.
	Eval(doc []byte) (bool, error)
	// Fields returns the field paths this node reads, for column
	// pruning (spec §4.8 columnPruning.filterColumns).
	Fields() []string
	// Pushable reports whether this node can be pushed down to
	// row-group-statistics pruning (spec §4.8 pushdown rules).
	Pushable() bool
}

// Predicate is a single field/operator/value term.
type Predicate struct {
	Path  string
	Op    Op
	Value any
	re    *regexp.Regexp
}

func (p *Predicate) Fields() []string { return []string{p.Path} }

func (p *Predicate) Pushable() bool {
	switch p.Op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpNin:
		return true
	default:
		return false
	}
}

func (p *Predicate) Eval(doc []byte) (bool, error) {
	res := gjson.GetBytes(doc, p.Path)
	switch p.Op {
	case OpExists:
		want, _ := p.Value.(bool)
		return res.Exists() == want, nil
	case OpEq:
		return res.Exists() && valuesEqual(res, p.Value), nil
	case OpNe:
		return !(res.Exists() && valuesEqual(res, p.Value)), nil
	case OpGt, OpGte, OpLt, OpLte:
		if !res.Exists() {
			return false, nil
		}
		cmp, ok := compareOrdered(res, p.Value)
		if !ok {
			return false, nil
		}
		switch p.Op {
		case OpGt:
			return cmp > 0, nil
		case OpGte:
			return cmp >= 0, nil
		case OpLt:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case OpIn:
		values, _ := p.Value.([]any)
		if !res.Exists() {
			return false, nil
		}
		for _, v := range values {
			if valuesEqual(res, v) {
				return true, nil
			}
		}
		return false, nil
	case OpNin:
		values, _ := p.Value.([]any)
		if !res.Exists() {
			return true, nil
		}
		for _, v := range values {
			if valuesEqual(res, v) {
				return false, nil
			}
		}
		return true, nil
	case OpRegex:
		if !res.Exists() || p.re == nil {
			return false, nil
		}
		return p.re.MatchString(res.String()), nil
	default:
		return false, fmt.Errorf("filter: unsupported operator %q", p.Op)
	}
}

// And is a conjunction; pushable only if every child is.
type And struct{ Children []Node }

func (a *And) Fields() []string { return collectFields(a.Children) }
func (a *And) Pushable() bool {
	for _, c := range a.Children {
		if !c.Pushable() {
			return false
		}
	}
	return true
}
func (a *And) Eval(doc []byte) (bool, error) {
	for _, c := range a.Children {
		ok, err := c.Eval(doc)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Or is a disjunction. Never pushable down to row-group stats (spec
// §4.8: "$or ... remain in remainingFilter").
type Or struct{ Children []Node }

func (o *Or) Fields() []string { return collectFields(o.Children) }
func (o *Or) Pushable() bool   { return false }
func (o *Or) Eval(doc []byte) (bool, error) {
	for _, c := range o.Children {
		ok, err := c.Eval(doc)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Not negates a single child. Never pushable (spec §4.8).
type Not struct{ Child Node }

func (n *Not) Fields() []string { return n.Child.Fields() }
func (n *Not) Pushable() bool   { return false }
func (n *Not) Eval(doc []byte) (bool, error) {
	ok, err := n.Child.Eval(doc)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// TextPredicate is the `{$text: {$search: "..."}}` root form. Never
// pushable to row-group stats; full-text matching is delegated to the
// IndexManager's FTS index when available, this Eval is the
// unindexed-tail fallback (substring, case-insensitive).
type TextPredicate struct {
	Fields_ []string
	Search  string
}

func (t *TextPredicate) Fields() []string { return t.Fields_ }
func (t *TextPredicate) Pushable() bool   { return false }
func (t *TextPredicate) Eval(doc []byte) (bool, error) {
	needle := []byte(normalizeForSearch(t.Search))
	if len(t.Fields_) == 0 {
		return containsFold(doc, needle), nil
	}
	for _, f := range t.Fields_ {
		res := gjson.GetBytes(doc, f)
		if res.Exists() && containsFold([]byte(res.String()), needle) {
			return true, nil
		}
	}
	return false, nil
}

// VectorPredicate is the `{$vector: {...}}` root form. Ranking by
// similarity and topK selection happens in the IndexManager/
// QueryExecutor; at the per-row boolean-eval layer every row matches,
// since vector search filters by ranking, not exclusion.
type VectorPredicate struct {
	Field string
	Query []float64
	TopK  int
}

func (v *VectorPredicate) Fields() []string { return []string{v.Field} }
func (v *VectorPredicate) Pushable() bool   { return false }
func (v *VectorPredicate) Eval(doc []byte) (bool, error) { return true, nil }

func collectFields(nodes []Node) []string {
	seen := map[string]bool{}
	var out []string
	for _, n := range nodes {
		for _, f := range n.Fields() {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Compile parses a wire-level Filter (spec §6.2) into a Node tree.
func Compile(f types.Filter) (Node, error) {
	return compileMap(f)
}

func compileMap(m map[string]any) (Node, error) {
	var terms []Node
	for key, value := range m {
		switch key {
		case "$and":
			items, ok := value.([]any)
			if !ok {
				return nil, fmt.Errorf("filter: $and requires an array")
			}
			var children []Node
			for _, it := range items {
				sub, ok := it.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("filter: $and element must be a filter object")
				}
				n, err := compileMap(sub)
				if err != nil {
					return nil, err
				}
				children = append(children, n)
			}
			terms = append(terms, &And{Children: children})
		case "$or":
			items, ok := value.([]any)
			if !ok {
				return nil, fmt.Errorf("filter: $or requires an array")
			}
			var children []Node
			for _, it := range items {
				sub, ok := it.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("filter: $or element must be a filter object")
				}
				n, err := compileMap(sub)
				if err != nil {
					return nil, err
				}
				children = append(children, n)
			}
			terms = append(terms, &Or{Children: children})
		case "$not":
			sub, ok := value.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("filter: $not requires a filter object")
			}
			n, err := compileMap(sub)
			if err != nil {
				return nil, err
			}
			terms = append(terms, &Not{Child: n})
		case "$text":
			sub, ok := value.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("filter: $text requires an object")
			}
			search, _ := sub["$search"].(string)
			var fields []string
			if rawFields, ok := sub["fields"].([]any); ok {
				for _, rf := range rawFields {
					if s, ok := rf.(string); ok {
						fields = append(fields, s)
					}
				}
			}
			terms = append(terms, &TextPredicate{Fields_: fields, Search: search})
		case "$vector":
			sub, ok := value.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("filter: $vector requires an object")
			}
			field, _ := sub["field"].(string)
			topK := 10
			if tk, ok := sub["topK"].(float64); ok {
				topK = int(tk)
			}
			var query []float64
			if rawQuery, ok := sub["query"].([]any); ok {
				for _, v := range rawQuery {
					if f, ok := v.(float64); ok {
						query = append(query, f)
					}
				}
			}
			terms = append(terms, &VectorPredicate{Field: field, Query: query, TopK: topK})
		default:
			node, err := compileField(key, value)
			if err != nil {
				return nil, err
			}
			terms = append(terms, node)
		}
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return &And{Children: terms}, nil
}

func compileField(path string, value any) (Node, error) {
	opMap, ok := value.(map[string]any)
	if !ok {
		return &Predicate{Path: path, Op: OpEq, Value: value}, nil
	}
	var preds []Node
	for k, v := range opMap {
		op := Op(k)
		p := &Predicate{Path: path, Op: op, Value: v}
		if op == OpRegex {
			pattern, _ := v.(string)
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("filter: invalid $regex on %s: %w", path, err)
			}
			p.re = re
		}
		preds = append(preds, p)
	}
	if len(preds) == 1 {
		return preds[0], nil
	}
	return &And{Children: preds}, nil
}

// valuesEqual compares a gjson.Result against a decoded wire value,
// coercing numeric types (wire values decode as float64).
func valuesEqual(res gjson.Result, want any) bool {
	switch w := want.(type) {
	case float64:
		return res.Type == gjson.Number && res.Float() == w
	case string:
		return res.Type == gjson.String && res.String() == w
	case bool:
		return (res.Type == gjson.True || res.Type == gjson.False) && res.Bool() == w
	case nil:
		return res.Type == gjson.Null
	default:
		return fmt.Sprint(res.Value()) == fmt.Sprint(w)
	}
}

// compareOrdered returns (-1|0|1, true) if res and want are both
// numeric or both strings; (_, false) if they're not ordered-comparable.
func compareOrdered(res gjson.Result, want any) (int, bool) {
	switch w := want.(type) {
	case float64:
		if res.Type != gjson.Number {
			return 0, false
		}
		rv := res.Float()
		switch {
		case rv < w:
			return -1, true
		case rv > w:
			return 1, true
		default:
			return 0, true
		}
	case string:
		if res.Type != gjson.String {
			return 0, false
		}
		rv := res.String()
		switch {
		case rv < w:
			return -1, true
		case rv > w:
			return 1, true
		default:
			return 0, true
		}
	default:
		return 0, false
	}
}

func normalizeForSearch(s string) string { return s }

func containsFold(haystack, needle []byte) bool {
	if len(needle) == 0 {
		return true
	}
	hs, ns := toLowerASCII(haystack), toLowerASCII(needle)
	return indexOf(hs, ns) >= 0
}

func toLowerASCII(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return out
}

func indexOf(haystack, needle []byte) int {
	n, m := len(haystack), len(needle)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		if string(haystack[i:i+m]) == string(needle) {
			return i
		}
	}
	return -1
}

// ToDocument returns the entity's flat JSON document (core fields and
// payload as siblings, via Entity's own MarshalJSON) for gjson/sjson-based
// field access.
func ToDocument(e *types.Entity) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("filter: marshal entity document: %w", err)
	}
	return data, nil
}

// Matches compiles-and-evaluates filter f against e in one call,
// convenient for the unindexed event-tail scan path.
func Matches(f types.Filter, e *types.Entity) (bool, error) {
	node, err := Compile(f)
	if err != nil {
		return false, err
	}
	doc, err := ToDocument(e)
	if err != nil {
		return false, err
	}
	return node.Eval(doc)
}

// Project applies a $select-style projection (spec §6.2 "project": map
// of field -> 1/0) to an entity document, returning the trimmed JSON.
// Core fields are always retained regardless of projection (spec §3
// "core fields are always present in projections").
func Project(e *types.Entity, proj types.Projection) ([]byte, error) {
	doc, err := ToDocument(e)
	if err != nil {
		return nil, err
	}
	if len(proj) == 0 {
		return doc, nil
	}
	include := false
	for _, v := range proj {
		if v == 1 {
			include = true
			break
		}
	}
	if include {
		out := []byte("{}")
		for _, core := range types.CoreFields {
			res := gjson.GetBytes(doc, core)
			if res.Exists() {
				out, err = sjson.SetBytes(out, core, res.Value())
				if err != nil {
					return nil, err
				}
			}
		}
		for field, mode := range proj {
			if mode != 1 {
				continue
			}
			res := gjson.GetBytes(doc, field)
			if res.Exists() {
				out, err = sjson.SetBytes(out, field, res.Value())
				if err != nil {
					return nil, err
				}
			}
		}
		return out, nil
	}
	out := doc
	for field, mode := range proj {
		if mode != 0 {
			continue
		}
		if containsCoreField(field) {
			continue
		}
		out, err = sjson.DeleteBytes(out, field)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func containsCoreField(field string) bool {
	for _, c := range types.CoreFields {
		if c == field {
			return true
		}
	}
	return false
}

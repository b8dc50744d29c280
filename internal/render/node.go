package render

import (
	"bytes"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	json "github.com/goccy/go-json"
)

// Node is the display tree produced by Render.
type Node interface {
	node()
}

// NotAvailable marks a null or missing value.
type NotAvailable struct{}

// Empty marks an empty list.
type Empty struct{}

// Scalar is a stringified string, number or boolean.
type Scalar struct {
	Value string
}

// List is an itemized list of scalars.
type List struct {
	Items []Node
}

// Table renders a list of objects. Columns are the first row's keys.
type Table struct {
	Columns []string
	Rows    [][]Node
}

// Raw is an indented JSON dump of a value no other node fits.
type Raw struct {
	JSON string
}

// Block is one object key and its rendered value. Label is the raw key.
type Block struct {
	Label string
	Body  Node
}

// Group holds the blocks of one object, in key order.
type Group struct {
	Blocks []Block
}

func (NotAvailable) node() {}
func (Empty) node()        {}
func (Scalar) node()       {}
func (List) node()         {}
func (Table) node()        {}
func (Raw) node()          {}
func (Block) node()        {}
func (Group) node()        {}

// Render builds the display tree for v. It accepts any value and never fails.
func Render(v Value) Node {
	switch Classify(v) {
	case KindNull:
		return NotAvailable{}
	case KindScalar:
		return Scalar{Value: scalarText(v)}
	case KindEmptyList:
		return Empty{}
	case KindScalarList:
		list := v.([]Value)
		items := make([]Node, len(list))
		for i, item := range list {
			items[i] = Render(item)
		}
		return List{Items: items}
	case KindObjectList:
		return renderTable(v.([]Value))
	case KindObject:
		obj := v.(Object)
		g := Group{Blocks: make([]Block, len(obj))}
		for i, m := range obj {
			g.Blocks[i] = Block{Label: m.Key, Body: Render(m.Value)}
		}
		return g
	}
	return Raw{JSON: dump(v)}
}

func renderTable(list []Value) Table {
	t := Table{Columns: list[0].(Object).Keys()}
	t.Rows = make([][]Node, len(list))
	for i, item := range list {
		row := make([]Node, len(t.Columns))
		obj, _ := item.(Object)
		for j, col := range t.Columns {
			cell, _ := obj.Get(col)
			row[j] = Render(cell)
		}
		t.Rows[i] = row
	}
	return t
}

func scalarText(v Value) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case Number:
		if f, err := strconv.ParseFloat(string(t), 64); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		return string(t)
	}
	return ""
}

func dump(v Value) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "<unprintable value>"
	}
	return strings.TrimRight(buf.String(), "\n")
}

// Humanize turns a result key into a display label: underscores become
// spaces and every word starts with a capital letter.
func Humanize(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	start := true
	for len(key) > 0 {
		r, size := utf8.DecodeRuneInString(key)
		key = key[size:]
		if r == '_' {
			r = ' '
		}
		if start {
			r = unicode.ToUpper(r)
		}
		start = unicode.IsSpace(r)
		b.WriteRune(r)
	}
	return b.String()
}

package render

import (
	"io"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTML writes n as an HTML fragment wrapped in <div class="result">.
func HTML(w io.Writer, n Node) error {
	root := element(atom.Div, "result")
	root.AppendChild(htmlNode(n))
	return html.Render(w, root)
}

func htmlNode(n Node) *html.Node {
	switch t := n.(type) {
	case NotAvailable:
		return withText(element(atom.Span, "na"), notAvailableText)
	case Empty:
		return withText(element(atom.Span, "empty"), emptyListText)
	case Scalar:
		return &html.Node{Type: html.TextNode, Data: t.Value}
	case List:
		ul := element(atom.Ul, "")
		for _, item := range t.Items {
			li := element(atom.Li, "")
			li.AppendChild(htmlNode(item))
			ul.AppendChild(li)
		}
		return ul
	case Table:
		return htmlTable(t)
	case Raw:
		pre := element(atom.Pre, "")
		pre.AppendChild(withText(element(atom.Code, ""), t.JSON))
		return pre
	case Block:
		return htmlBlock(t)
	case Group:
		div := element(atom.Div, "group")
		for _, b := range t.Blocks {
			div.AppendChild(htmlBlock(b))
		}
		return div
	}
	return withText(element(atom.Span, "na"), notAvailableText)
}

func htmlBlock(b Block) *html.Node {
	div := element(atom.Div, "block")
	div.AppendChild(withText(element(atom.Strong, ""), Humanize(b.Label)+":"))
	body := element(atom.Div, "value")
	body.AppendChild(htmlNode(b.Body))
	div.AppendChild(body)
	return div
}

func htmlTable(t Table) *html.Node {
	tbl := element(atom.Table, "")
	head := element(atom.Thead, "")
	tr := element(atom.Tr, "")
	for _, c := range t.Columns {
		tr.AppendChild(withText(element(atom.Th, ""), Humanize(c)))
	}
	head.AppendChild(tr)
	tbl.AppendChild(head)

	body := element(atom.Tbody, "")
	for _, row := range t.Rows {
		tr := element(atom.Tr, "")
		for _, cell := range row {
			td := element(atom.Td, "")
			td.AppendChild(htmlNode(cell))
			tr.AppendChild(td)
		}
		body.AppendChild(tr)
	}
	tbl.AppendChild(body)
	return tbl
}

func element(a atom.Atom, class string) *html.Node {
	n := &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String()}
	if class != "" {
		n.Attr = []html.Attribute{{Key: "class", Val: class}}
	}
	return n
}

func withText(n *html.Node, text string) *html.Node {
	n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	return n
}

package render

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

const (
	notAvailableText = "N/A"
	emptyListText    = "Empty list"
)

var (
	labelStyle  = lipgloss.NewStyle().Bold(true)
	markerStyle = lipgloss.NewStyle().Faint(true).Italic(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// Text draws n for a terminal.
func Text(n Node) string {
	switch t := n.(type) {
	case NotAvailable:
		return markerStyle.Render(notAvailableText)
	case Empty:
		return markerStyle.Render(emptyListText)
	case Scalar:
		return t.Value
	case List:
		lines := make([]string, len(t.Items))
		for i, item := range t.Items {
			lines[i] = "• " + indent(Text(item), "  ")
		}
		return strings.Join(lines, "\n")
	case Table:
		return textTable(t)
	case Raw:
		return t.JSON
	case Block:
		return textBlock(t)
	case Group:
		parts := make([]string, len(t.Blocks))
		for i, b := range t.Blocks {
			parts[i] = textBlock(b)
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func textBlock(b Block) string {
	label := labelStyle.Render(Humanize(b.Label) + ":")
	body := Text(b.Body)
	if inline(b.Body) && !strings.Contains(body, "\n") {
		return label + " " + body
	}
	return label + "\n" + "  " + indent(body, "  ")
}

func inline(n Node) bool {
	switch n.(type) {
	case NotAvailable, Empty, Scalar:
		return true
	}
	return false
}

func textTable(t Table) string {
	headers := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		headers[i] = Humanize(c)
	}
	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, row := range t.Rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = Text(cell)
		}
		tbl.Row(cells...)
	}
	return tbl.String()
}

// indent prefixes every line after the first.
func indent(s, prefix string) string {
	return strings.ReplaceAll(s, "\n", "\n"+prefix)
}

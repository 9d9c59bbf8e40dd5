package output

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// TableFormatter renders reports as bordered tables for terminals.
type TableFormatter struct {
	title lipgloss.Style
	key   lipgloss.Style
	cell  lipgloss.Style
	rule  lipgloss.Style
}

// NewTableFormatter creates a TableFormatter.
func NewTableFormatter() *TableFormatter {
	return &TableFormatter{
		title: lipgloss.NewStyle().Bold(true),
		key:   lipgloss.NewStyle().Faint(true).Width(16),
		cell:  lipgloss.NewStyle().PaddingRight(2),
		rule:  lipgloss.NewStyle().Faint(true),
	}
}

func (f *TableFormatter) Format(r Report) []byte {
	var buf bytes.Buffer

	if r.Title != "" {
		buf.WriteString(f.title.Render(r.Title))
		buf.WriteByte('\n')
		buf.WriteString(f.rule.Render(strings.Repeat("-", 46)))
		buf.WriteByte('\n')
	}
	for _, row := range r.Rows {
		fmt.Fprintf(&buf, "%s| %s\n", f.key.Render(row.Key), row.Value)
	}

	for _, s := range r.Sections {
		buf.WriteByte('\n')
		if s.Title != "" {
			buf.WriteString(f.title.Render(s.Title))
			buf.WriteByte('\n')
		}
		widths := make([]int, len(s.Columns))
		for i, c := range s.Columns {
			widths[i] = len(c)
		}
		for _, rec := range s.Records {
			for i, v := range rec {
				if i < len(widths) && len(v) > widths[i] {
					widths[i] = len(v)
				}
			}
		}
		writeRec := func(rec []string) {
			for i, v := range rec {
				w := 0
				if i < len(widths) {
					w = widths[i]
				}
				fmt.Fprintf(&buf, "%-*s", w+2, v)
			}
			buf.WriteByte('\n')
		}
		writeRec(s.Columns)
		total := 0
		for _, w := range widths {
			total += w + 2
		}
		buf.WriteString(f.rule.Render(strings.Repeat("-", total)))
		buf.WriteByte('\n')
		for _, rec := range s.Records {
			writeRec(rec)
		}
	}
	return buf.Bytes()
}

// Ensure TableFormatter implements Formatter.
var _ Formatter = (*TableFormatter)(nil)

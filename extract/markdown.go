package extract

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// mergeMarkdown renders the extracted blocks of all pages into one
// markdown document, in reading order.
func mergeMarkdown(pages []PageResult) string {
	var sb strings.Builder

	for i, page := range pages {
		if i > 0 {
			sb.WriteString("\n---\n\n")
		}

		for _, block := range page.Blocks {
			switch block.Category {
			case CategoryPageNumber:
				// Running page numbers add noise to merged output.
				continue
			case CategoryTitle:
				level := 2
				if page.PageNumber == 1 && sb.Len() == 0 {
					level = 1
				}
				sb.WriteString(strings.Repeat("#", level))
				sb.WriteByte(' ')
				sb.WriteString(block.Text)
				sb.WriteString("\n\n")
			case CategoryFormula:
				sb.WriteString("$$\n")
				sb.WriteString(block.Text)
				sb.WriteString("\n$$\n\n")
			case CategoryTable:
				sb.WriteString(tableToMarkdown(block.Text))
				sb.WriteString("\n")
			case CategoryFigure:
				fmt.Fprintf(&sb, "![figure](page-%d-figure)\n\n", page.PageNumber)
			default:
				if block.Text != "" {
					sb.WriteString(block.Text)
					sb.WriteString("\n\n")
				}
			}
		}
	}

	return strings.TrimSpace(sb.String()) + "\n"
}

// tableToMarkdown converts whitespace-separated rows into a pipe table.
// Single-row "tables" degrade gracefully to a one-row table.
func tableToMarkdown(raw string) string {
	rows := strings.Split(raw, "\n")
	var cells [][]string
	maxCols := 0
	for _, row := range rows {
		row = strings.TrimSpace(row)
		if row == "" {
			continue
		}
		cols := splitColumns(row)
		if len(cols) > maxCols {
			maxCols = len(cols)
		}
		cells = append(cells, cols)
	}
	if len(cells) == 0 || maxCols == 0 {
		return raw + "\n"
	}

	var sb strings.Builder
	for i, row := range cells {
		sb.WriteString("| ")
		for c := 0; c < maxCols; c++ {
			if c < len(row) {
				sb.WriteString(row[c])
			}
			sb.WriteString(" | ")
		}
		sb.WriteString("\n")
		if i == 0 {
			sb.WriteString("|")
			sb.WriteString(strings.Repeat(" --- |", maxCols))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func splitColumns(row string) []string {
	if strings.Contains(row, "\t") {
		return strings.FieldsFunc(row, func(r rune) bool { return r == '\t' })
	}
	parts := strings.Split(row, "  ")
	var cols []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			cols = append(cols, p)
		}
	}
	return cols
}

// buildOutline parses the merged markdown and returns its heading tree.
func buildOutline(markdown string) []OutlineEntry {
	source := []byte(markdown)
	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(source))

	var outline []OutlineEntry
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		heading, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}

		var title strings.Builder
		for c := heading.FirstChild(); c != nil; c = c.NextSibling() {
			if t, ok := c.(*ast.Text); ok {
				title.Write(t.Segment.Value(source))
			}
		}
		outline = append(outline, OutlineEntry{
			Level: heading.Level,
			Title: title.String(),
		})
		return ast.WalkSkipChildren, nil
	})

	return outline
}

package extract

import (
	"regexp"
	"strings"
)

// Page layout constants for synthesised block geometry. Text-stream
// extraction yields no glyph coordinates, so blocks are laid out top-down
// in reading order with heights proportional to their text volume.
const (
	pageMarginPt  = 36.0
	lineHeightPt  = 14.0
	charsPerLine  = 90
	blockGapPt    = 8.0
)

var (
	pageNumberRe = regexp.MustCompile(`^(page\s+)?\d{1,4}(\s*/\s*\d{1,4})?$`)
	tableRowRe   = regexp.MustCompile(`\S(\t+|\s{3,})\S`)
)

// segmentBlocks splits page text into classified layout blocks.
func segmentBlocks(pageText string, pageNr int, width, height float64, hasImages bool) []Block {
	paragraphs := splitParagraphs(pageText)

	var blocks []Block
	y := pageMarginPt

	for i, para := range paragraphs {
		category, score := classify(para, i, pageNr)

		lines := float64(len(para)/charsPerLine + 1)
		blockHeight := lines * lineHeightPt
		if y+blockHeight > height-pageMarginPt {
			blockHeight = height - pageMarginPt - y
			if blockHeight < lineHeightPt {
				blockHeight = lineHeightPt
			}
		}

		blocks = append(blocks, Block{
			Category: category,
			BBox:     [4]float64{pageMarginPt, y, width - pageMarginPt, y + blockHeight},
			Text:     para,
			Score:    score,
		})

		y += blockHeight + blockGapPt
		if y > height-pageMarginPt {
			y = height - pageMarginPt
		}
	}

	// Pages with image XObjects get a figure block covering the free area.
	if hasImages {
		top := y
		if top >= height-pageMarginPt-lineHeightPt {
			top = pageMarginPt
		}
		blocks = append(blocks, Block{
			Category: CategoryFigure,
			BBox:     [4]float64{pageMarginPt, top, width - pageMarginPt, height - pageMarginPt},
			Score:    0.5,
		})
	}

	return blocks
}

// splitParagraphs splits text on blank lines, falling back to single lines
// when the content stream yields no blank-line structure.
func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var result []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		// Merge wrapped lines inside a paragraph, but keep very short
		// lines (headings, table rows) separate.
		var buf strings.Builder
		flush := func() {
			if s := strings.TrimSpace(buf.String()); s != "" {
				result = append(result, s)
			}
			buf.Reset()
		}
		for _, line := range strings.Split(p, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				flush()
				continue
			}
			if len(line) < 60 && looksStandalone(line) {
				flush()
				result = append(result, line)
				continue
			}
			if buf.Len() > 0 {
				buf.WriteByte(' ')
			}
			buf.WriteString(line)
		}
		flush()
	}
	return result
}

// looksStandalone reports whether a short line should stay its own block
// (headings, page numbers, table rows) rather than merge with neighbours.
func looksStandalone(line string) bool {
	lower := strings.ToLower(line)
	if pageNumberRe.MatchString(lower) {
		return true
	}
	if tableRowRe.MatchString(line) {
		return true
	}
	// Title-cased or numbered heading without terminal punctuation.
	if !strings.ContainsAny(string(line[len(line)-1]), ".,;:") && startsHeadinglike(line) {
		return true
	}
	return false
}

var headingNumberRe = regexp.MustCompile(`^\d+(\.\d+)*\.?\s+\S`)

func startsHeadinglike(line string) bool {
	if headingNumberRe.MatchString(line) {
		return true
	}
	r := []rune(line)
	return len(r) > 0 && r[0] >= 'A' && r[0] <= 'Z' && len(strings.Fields(line)) <= 12
}

// formulaChars are characters whose density marks a block as formula-like.
const formulaChars = "=+−-×÷∑∫√≤≥≠∞∂∇±^_{}\\"

// classify assigns a layout category and confidence to one paragraph.
// Stands in for the upstream layout-detection model: scores reflect
// heuristic certainty, not model logits.
func classify(para string, index, pageNr int) (Category, float64) {
	trimmed := strings.TrimSpace(para)
	lower := strings.ToLower(trimmed)

	if pageNumberRe.MatchString(lower) {
		return CategoryPageNumber, 0.9
	}

	if tableRowRe.MatchString(trimmed) && strings.Count(trimmed, " ") > 2 {
		return CategoryTable, 0.6
	}

	if formulaDensity(trimmed) > 0.15 && len(trimmed) < 200 {
		return CategoryFormula, 0.6
	}

	if index == 0 && pageNr == 1 && len(trimmed) < 120 {
		return CategoryTitle, 0.85
	}
	if len(trimmed) < 80 && startsHeadinglike(trimmed) && !strings.HasSuffix(trimmed, ".") {
		return CategoryTitle, 0.65
	}

	return CategoryPlainText, 0.8
}

func formulaDensity(s string) float64 {
	if s == "" {
		return 0
	}
	count := 0
	total := 0
	for _, r := range s {
		if r == ' ' {
			continue
		}
		total++
		if strings.ContainsRune(formulaChars, r) {
			count++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(count) / float64(total)
}

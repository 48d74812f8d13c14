package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// Default page geometry when the PDF does not declare a MediaBox.
const (
	defaultPageWidth  = 612.0
	defaultPageHeight = 792.0
)

// extractPDF parses a PDF and produces per-page layout records.
func (p *Pipeline) extractPDF(ctx context.Context, path string) ([]PageResult, *Quality, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadValidateAndOptimize(f, conf)
	if err != nil {
		return nil, nil, fmt.Errorf("pdfcpu read: %w", err)
	}

	pageCount := pdfCtx.PageCount
	if p.cfg.MaxPages > 0 && pageCount > p.cfg.MaxPages {
		pageCount = p.cfg.MaxPages
	}

	dims := pageDimensions(pdfCtx)
	hasImages := detectImageStreams(pdfCtx)

	var pages []PageResult
	var allText strings.Builder
	totalChars := 0

	for pageNr := 1; pageNr <= pageCount; pageNr++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		width, height := defaultPageWidth, defaultPageHeight
		if pageNr-1 < len(dims) {
			width, height = dims[pageNr-1].Width, dims[pageNr-1].Height
		}

		pageText := extractPageText(pdfCtx, pageNr)
		pageHasImages := len(pdfcpu.ImageObjNrs(pdfCtx, pageNr)) > 0

		blocks := segmentBlocks(pageText, pageNr, width, height, pageHasImages)
		if len(blocks) == 0 && !pageHasImages {
			continue
		}

		totalChars += len([]rune(pageText))
		if allText.Len() > 0 {
			allText.WriteByte('\n')
		}
		allText.WriteString(pageText)

		pages = append(pages, PageResult{
			PageNumber: pageNr,
			Width:      width,
			Height:     height,
			Blocks:     blocks,
		})
	}

	if len(pages) == 0 {
		return nil, nil, fmt.Errorf("no extractable content found in PDF")
	}

	fullText := allText.String()
	var charsPerPage float64
	if pdfCtx.PageCount > 0 {
		charsPerPage = float64(totalChars) / float64(pdfCtx.PageCount)
	}

	quality := &Quality{
		PageCount:       pdfCtx.PageCount,
		CharsPerPage:    charsPerPage,
		PrintableRatio:  computePrintableRatio(fullText),
		WordlikeRatio:   computeWordlikeRatio(fullText),
		HasImageStreams: hasImages,
	}

	return pages, quality, nil
}

// pageDimensions reads MediaBox dimensions for every page. Missing or
// unreadable dimensions fall back to US Letter.
func pageDimensions(ctx *model.Context) []types.Dim {
	dims, err := ctx.PageDims()
	if err != nil {
		return nil
	}
	return dims
}

// extractPageText extracts text from a single page's content stream.
func extractPageText(ctx *model.Context, pageNr int) string {
	r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
	if err != nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return ""
	}
	return extractTextFromStream(data)
}

// detectImageStreams checks whether the PDF contains image XObjects.
func detectImageStreams(ctx *model.Context) bool {
	if ctx.Optimize != nil {
		for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
			if len(pdfcpu.ImageObjNrs(ctx, pageNr)) > 0 {
				return true
			}
		}
	}
	for _, entry := range ctx.Table {
		if entry == nil || entry.Free || entry.Compressed {
			continue
		}
		sd, ok := entry.Object.(types.StreamDict)
		if !ok {
			continue
		}
		if subtype, found := sd.Find("Subtype"); found {
			if name, isName := subtype.(types.Name); isName && name == "Image" {
				return true
			}
		}
	}
	return false
}

// pdfStringRe matches PDF string literals in parentheses: (text here)
var pdfStringRe = regexp.MustCompile(`\(([^)]*)\)`)

// extractTextFromStream parses PDF content stream operators for text.
// Line breaks from T*/TD operators are preserved so the segmenter can
// split paragraphs.
func extractTextFromStream(data []byte) string {
	var sb strings.Builder

	lines := bytes.Split(data, []byte{'\n'})
	for _, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		switch {
		// Tj / TJ show-text operators.
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				if text := decodePDFString(m[1]); text != "" {
					sb.WriteString(text)
				}
			}

		// ' operator: next line, then show text.
		case bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				if text := decodePDFString(m[1]); text != "" {
					sb.WriteByte('\n')
					sb.WriteString(text)
				}
			}

		// Text positioning: new line of output.
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")), bytes.Equal(line, []byte("T*")):
			sb.WriteByte('\n')
		}
	}

	return normalizePDFText(sb.String())
}

// decodePDFString handles basic PDF escape sequences.
func decodePDFString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] == '\\' && i+1 < len(raw) {
			i++
			switch raw[i] {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case '\\':
				sb.WriteByte('\\')
			case '(':
				sb.WriteByte('(')
			case ')':
				sb.WriteByte(')')
			default:
				// Octal escape, e.g. \040 for space.
				if raw[i] >= '0' && raw[i] <= '7' {
					val := int(raw[i] - '0')
					if i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7' {
						i++
						val = val*8 + int(raw[i]-'0')
						if i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7' {
							i++
							val = val*8 + int(raw[i]-'0')
						}
					}
					sb.WriteByte(byte(val))
				} else {
					sb.WriteByte(raw[i])
				}
			}
		} else {
			sb.WriteByte(raw[i])
		}
	}
	return sb.String()
}

// normalizePDFText collapses horizontal whitespace per line while keeping
// line structure intact.
func normalizePDFText(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		var sb strings.Builder
		prevSpace := false
		for _, r := range line {
			if unicode.IsSpace(r) {
				if !prevSpace && sb.Len() > 0 {
					sb.WriteByte(' ')
					prevSpace = true
				}
			} else if unicode.IsPrint(r) {
				sb.WriteRune(r)
				prevSpace = false
			}
		}
		out = append(out, strings.TrimRight(sb.String(), " "))
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

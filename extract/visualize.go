package extract

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Visualization colors per layout category, approximating the upstream
// toolkit's palette.
var categoryColors = map[Category]color.RGBA{
	CategoryTitle:      {R: 204, G: 0, B: 0, A: 255},
	CategoryPlainText:  {R: 0, G: 102, B: 204, A: 255},
	CategoryTable:      {R: 0, G: 153, B: 51, A: 255},
	CategoryFigure:     {R: 204, G: 102, B: 0, A: 255},
	CategoryFormula:    {R: 153, G: 0, B: 153, A: 255},
	CategoryPageNumber: {R: 128, G: 128, B: 128, A: 255},
}

const visPageGap = 12

// renderVisualization draws every page's layout boxes onto a vertical
// contact sheet and returns it as base64-encoded PNG.
func (p *Pipeline) renderVisualization(pages []PageResult) (string, error) {
	if len(pages) == 0 {
		return "", fmt.Errorf("no pages to visualize")
	}

	scale := float64(p.cfg.VisualizeDPI) / 72.0

	sheetWidth := 0
	sheetHeight := visPageGap
	for _, page := range pages {
		w := int(page.Width * scale)
		if w > sheetWidth {
			sheetWidth = w
		}
		sheetHeight += int(page.Height*scale) + visPageGap
	}
	if sheetWidth <= 0 || sheetHeight <= 0 {
		return "", fmt.Errorf("degenerate page geometry")
	}

	sheet := image.NewRGBA(image.Rect(0, 0, sheetWidth, sheetHeight))
	draw.Draw(sheet, sheet.Bounds(), &image.Uniform{color.RGBA{R: 230, G: 230, B: 230, A: 255}}, image.Point{}, draw.Src)

	y := visPageGap
	for _, page := range pages {
		pw := int(page.Width * scale)
		ph := int(page.Height * scale)
		pageRect := image.Rect(0, y, pw, y+ph)

		draw.Draw(sheet, pageRect, &image.Uniform{color.White}, image.Point{}, draw.Src)
		strokeRect(sheet, pageRect, color.RGBA{A: 255}, 1)

		for _, block := range page.Blocks {
			col, ok := categoryColors[block.Category]
			if !ok {
				col = color.RGBA{R: 100, G: 100, B: 100, A: 255}
			}
			r := image.Rect(
				int(block.BBox[0]*scale),
				y+int(block.BBox[1]*scale),
				int(block.BBox[2]*scale),
				y+int(block.BBox[3]*scale),
			).Intersect(pageRect)
			if r.Empty() {
				continue
			}
			strokeRect(sheet, r, col, 2)
			drawLabel(sheet, r.Min.X+3, r.Min.Y+12, string(block.Category), col)
		}

		y += ph + visPageGap
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, sheet); err != nil {
		return "", fmt.Errorf("encode visualization: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// strokeRect draws a rectangle outline with the given stroke width.
func strokeRect(img *image.RGBA, r image.Rectangle, col color.RGBA, width int) {
	for w := 0; w < width; w++ {
		inner := r.Inset(w)
		if inner.Empty() {
			return
		}
		for x := inner.Min.X; x < inner.Max.X; x++ {
			img.SetRGBA(x, inner.Min.Y, col)
			img.SetRGBA(x, inner.Max.Y-1, col)
		}
		for yy := inner.Min.Y; yy < inner.Max.Y; yy++ {
			img.SetRGBA(inner.Min.X, yy, col)
			img.SetRGBA(inner.Max.X-1, yy, col)
		}
	}
}

// drawLabel renders a small category label at the top-left of a box.
func drawLabel(img *image.RGBA, x, y int, label string, col color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{col},
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(label)
}

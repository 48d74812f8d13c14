package extract

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExtractPDF_TextDocument(t *testing.T) {
	// WHAT: A PDF with a text content stream yields a page of classified
	// blocks plus quality metrics.
	// WHY: PDF parsing through pdfcpu is the pipeline's core path.
	path := filepath.Join(t.TempDir(), "text.pdf")
	raw := buildTextPDF("Hello World from layout extraction")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	p := testPipeline(Config{})
	pages, quality, err := p.extractPDF(context.Background(), path)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	if len(pages) != 1 {
		t.Fatalf("pages: got %d", len(pages))
	}
	if pages[0].Width != 612 || pages[0].Height != 792 {
		t.Fatalf("media box: got %gx%g", pages[0].Width, pages[0].Height)
	}
	var joined strings.Builder
	for _, b := range pages[0].Blocks {
		joined.WriteString(b.Text)
	}
	if !strings.Contains(joined.String(), "Hello World") {
		t.Fatalf("extracted text: got %q", joined.String())
	}

	if quality == nil {
		t.Fatal("quality metrics missing")
	}
	if quality.PageCount != 1 {
		t.Fatalf("page count: got %d", quality.PageCount)
	}
	if quality.PrintableRatio < 0.95 {
		t.Fatalf("printable ratio: got %f", quality.PrintableRatio)
	}
	if quality.HasImageStreams {
		t.Fatal("text-only PDF should not report image streams")
	}
	if quality.NeedsOCR() {
		t.Fatal("clean text layer should not need OCR")
	}
}

func TestExtractPDF_ImageOnly(t *testing.T) {
	// WHAT: A PDF whose only content is an image XObject yields a figure
	// block and is flagged for OCR.
	// WHY: Scanned documents have no text layer; the quality signal is how
	// callers know the output is incomplete.
	path := filepath.Join(t.TempDir(), "image.pdf")
	if err := os.WriteFile(path, buildImageOnlyPDF(), 0o644); err != nil {
		t.Fatal(err)
	}

	p := testPipeline(Config{})
	pages, quality, err := p.extractPDF(context.Background(), path)
	if err != nil {
		// Hand-built minimal PDFs can trip pdfcpu validation; anything
		// else is a real failure.
		if !strings.Contains(err.Error(), "pdfcpu") {
			t.Fatalf("unexpected error: %v", err)
		}
		t.Skipf("pdfcpu rejected minimal image PDF: %v", err)
	}

	if len(pages) != 1 {
		t.Fatalf("pages: got %d", len(pages))
	}
	var figures int
	for _, b := range pages[0].Blocks {
		if b.Category == CategoryFigure {
			figures++
		}
	}
	if figures != 1 {
		t.Fatalf("figure blocks: got %d", figures)
	}
	if !quality.HasImageStreams {
		t.Fatal("image streams not detected")
	}
	if !quality.NeedsOCR() {
		t.Fatal("image-only PDF should need OCR")
	}
}

func TestExtractPDF_NoContent(t *testing.T) {
	// WHAT: A PDF with neither text nor images is an error, not an empty
	// success.
	path := filepath.Join(t.TempDir(), "empty.pdf")
	if err := os.WriteFile(path, buildTextPDF(""), 0o644); err != nil {
		t.Fatal(err)
	}

	p := testPipeline(Config{})
	_, _, err := p.extractPDF(context.Background(), path)
	if err == nil {
		t.Fatal("expected error for content-free PDF")
	}
	if !strings.Contains(err.Error(), "no extractable content") {
		t.Fatalf("error: got %q", err.Error())
	}
}

func TestExtractPDF_MaxPages(t *testing.T) {
	// WHAT: MaxPages caps processing while PageCount still reports the
	// document's real size.
	path := filepath.Join(t.TempDir(), "multi.pdf")
	if err := os.WriteFile(path, buildTwoPageTextPDF("First page body text", "Second page body text"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := testPipeline(Config{MaxPages: 1})
	pages, quality, err := p.extractPDF(context.Background(), path)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("pages: got %d", len(pages))
	}
	if quality.PageCount != 2 {
		t.Fatalf("page count: got %d", quality.PageCount)
	}
}

func TestProcess_PDFBase64(t *testing.T) {
	// WHAT: Full pipeline run for an inline base64 PDF produces markdown
	// carrying the document text.
	// WHY: Exercises staging, pdfcpu parsing, segmentation and merging
	// together, the way the job handler drives them.
	encoded := base64.StdEncoding.EncodeToString(buildTextPDF("Quarterly Report Summary"))

	p := testPipeline(Config{})
	out, err := p.Process(context.Background(), &Request{FileBase64: encoded})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Success {
		t.Fatal("success flag not set")
	}
	if !strings.Contains(out.Markdown, "Quarterly Report Summary") {
		t.Fatalf("markdown: got %q", out.Markdown)
	}
	if out.Quality == nil || out.Quality.PageCount != 1 {
		t.Fatalf("quality: got %+v", out.Quality)
	}
}

// --- content stream parsing ---

func TestExtractTextFromStream(t *testing.T) {
	stream := "BT\n/F1 12 Tf\n72 720 Td\n(First line) Tj\nT*\n(Second line) Tj\nET"
	got := extractTextFromStream([]byte(stream))
	if got != "First line\nSecond line" {
		t.Fatalf("got %q", got)
	}
}

func TestDecodePDFString(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`plain`, "plain"},
		{`with \(parens\)`, "with (parens)"},
		{`tab\there`, "tab\there"},
		{`back\\slash`, `back\slash`},
		{`octal\040space`, "octal space"},
	}
	for _, tc := range cases {
		if got := decodePDFString([]byte(tc.raw)); got != tc.want {
			t.Errorf("decodePDFString(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestNormalizePDFText(t *testing.T) {
	got := normalizePDFText("  spaced   out \n\nnext  line  ")
	if got != "spaced out\n\nnext line" {
		t.Fatalf("got %q", got)
	}
}

// --- PDF builders ---

// buildTextPDF assembles a single-page PDF with one text content stream
// and correct xref offsets, so pdfcpu accepts it without fixture files.
func buildTextPDF(text string) []byte {
	escaped := strings.NewReplacer(`\`, `\\`, "(", `\(`, ")", `\)`).Replace(text)
	stream := "BT\n/F1 12 Tf\n72 720 Td\n(" + escaped + ") Tj\nET"

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	}
	return assemblePDF(objects)
}

// buildTwoPageTextPDF assembles a two-page PDF, one text stream per page.
func buildTwoPageTextPDF(first, second string) []byte {
	esc := strings.NewReplacer(`\`, `\\`, "(", `\(`, ")", `\)`)
	s1 := "BT\n/F1 12 Tf\n72 720 Td\n(" + esc.Replace(first) + ") Tj\nET"
	s2 := "BT\n/F1 12 Tf\n72 720 Td\n(" + esc.Replace(second) + ") Tj\nET"

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R 4 0 R] /Count 2 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 5 0 R /Resources << /Font << /F1 7 0 R >> >> >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 6 0 R /Resources << /Font << /F1 7 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(s1), s1),
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(s2), s2),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	}
	return assemblePDF(objects)
}

// buildImageOnlyPDF assembles a single-page PDF whose content is one
// image XObject draw, with no text operators.
func buildImageOnlyPDF() []byte {
	imgData := "\xff\xd8\xff\xe0"
	drawStream := "q 100 0 0 100 72 692 cm /Im1 Do Q"

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /XObject << /Im1 4 0 R >> >> /Contents 5 0 R >>",
		fmt.Sprintf("<< /Type /XObject /Subtype /Image /Width 1 /Height 1 /ColorSpace /DeviceRGB /BitsPerComponent 8 /Length %d >>\nstream\n%s\nendstream", len(imgData), imgData),
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(drawStream), drawStream),
	}
	return assemblePDF(objects)
}

// assemblePDF serialises numbered objects with a valid xref table and
// trailer. Object 1 must be the catalog.
func assemblePDF(objects []string) []byte {
	var b strings.Builder
	b.WriteString("%PDF-1.4\n")

	offsets := make([]int, len(objects)+1)
	for i, obj := range objects {
		offsets[i+1] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}

	xrefOffset := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n", len(objects)+1)
	b.WriteString("0000000000 65535 f \n")
	for i := 1; i <= len(objects); i++ {
		fmt.Fprintf(&b, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xrefOffset)

	return []byte(b.String())
}

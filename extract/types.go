package extract

// Category labels a layout block in extraction results.
type Category string

const (
	CategoryTitle      Category = "title"
	CategoryPlainText  Category = "plain_text"
	CategoryTable      Category = "table"
	CategoryFigure     Category = "figure"
	CategoryFormula    Category = "isolate_formula"
	CategoryPageNumber Category = "page_number"
)

// Block is one detected layout region on a page.
type Block struct {
	Category Category   `json:"category"`
	BBox     [4]float64 `json:"bbox"` // x0, y0, x1, y1 in page points
	Text     string     `json:"text,omitempty"`
	Score    float64    `json:"score"`
}

// PageResult is the extraction record for one page.
type PageResult struct {
	PageNumber int     `json:"page_number"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Blocks     []Block `json:"blocks"`
}

// OutlineEntry is one heading in the merged markdown document.
type OutlineEntry struct {
	Level int    `json:"level"`
	Title string `json:"title"`
}

// Output is the handler response body placed in the job envelope.
type Output struct {
	Success       bool            `json:"success"`
	Results       []PageResult    `json:"results"`
	Markdown      string          `json:"markdown,omitempty"`
	Outline       []OutlineEntry  `json:"outline,omitempty"`
	Visualization string          `json:"visualization,omitempty"` // base64 PNG
	Quality       *Quality        `json:"quality,omitempty"`
}

// Request is the "input" object of the job envelope. Exactly one of URL or
// FileBase64 must be set.
type Request struct {
	URL            string `json:"url,omitempty"`
	FileBase64     string `json:"file_base64,omitempty"`
	Visualize      bool   `json:"visualize,omitempty"`
	Merge2Markdown *bool  `json:"merge2markdown,omitempty"` // default true
}

// Validate enforces the input contract: exactly one source field.
func (r *Request) Validate() error {
	if r.URL == "" && r.FileBase64 == "" {
		return ErrNoSource
	}
	if r.URL != "" && r.FileBase64 != "" {
		return ErrAmbiguousSource
	}
	return nil
}

// MergeMarkdownEnabled resolves the Merge2Markdown default.
func (r *Request) MergeMarkdownEnabled() bool {
	if r.Merge2Markdown == nil {
		return true
	}
	return *r.Merge2Markdown
}

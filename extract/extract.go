// Package extract implements the PDF extraction pipeline behind the
// serverless endpoint: source staging (remote URL or inline base64),
// layout-block extraction, markdown merging, and layout visualization.
//
// Usage:
//
//	pipe := extract.New(extract.Config{})
//	out, err := pipe.Process(ctx, &extract.Request{URL: "https://…/paper.pdf"})
//	fmt.Println(out.Markdown)
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// Pipeline is the extraction engine. Safe for concurrent use.
type Pipeline struct {
	cfg        Config
	logger     *slog.Logger
	httpClient *http.Client
}

// New creates a Pipeline with the given configuration.
func New(cfg Config) *Pipeline {
	cfg.defaults()
	return &Pipeline{
		cfg:    cfg,
		logger: cfg.Logger,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: cfg.FetchTimeout,
		},
	}
}

// Process runs the full pipeline for one request. The staging directory
// is removed before returning.
func (p *Pipeline) Process(ctx context.Context, req *Request) (*Output, error) {
	start := time.Now()

	dir, err := os.MkdirTemp("", "pekserve-*")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(dir)

	src, err := p.resolveSource(ctx, req, dir)
	if err != nil {
		return nil, err
	}

	var pages []PageResult
	var quality *Quality
	switch src.Kind {
	case SourceImage:
		pages, quality, err = p.extractImage(src.Path)
	default:
		pages, quality, err = p.extractPDF(ctx, src.Path)
	}
	if err != nil {
		return nil, err
	}

	out := &Output{
		Success: true,
		Results: pages,
		Quality: quality,
	}

	if req.MergeMarkdownEnabled() {
		out.Markdown = mergeMarkdown(pages)
		out.Outline = buildOutline(out.Markdown)
	}

	if req.Visualize {
		vis, err := p.renderVisualization(pages)
		if err != nil {
			return nil, fmt.Errorf("visualize: %w", err)
		}
		out.Visualization = vis
	}

	p.logger.Info("extraction complete",
		"kind", string(src.Kind),
		"pages", len(pages),
		"markdown", req.MergeMarkdownEnabled(),
		"visualize", req.Visualize,
		"duration", time.Since(start))

	return out, nil
}

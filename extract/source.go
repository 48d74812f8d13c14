package extract

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Input contract errors, reported to the caller at submit time.
var (
	ErrNoSource        = errors.New("either file_base64 or url must be provided")
	ErrAmbiguousSource = errors.New("url and file_base64 are mutually exclusive")
	ErrFileTooLarge    = errors.New("source file exceeds size limit")
)

// SourceKind is the detected type of a resolved source file.
type SourceKind string

const (
	SourcePDF   SourceKind = "pdf"
	SourceImage SourceKind = "image"
)

// Source is a staged local copy of the job input.
type Source struct {
	Path string
	Kind SourceKind
}

// resolveSource stages the request input into dir and returns the local
// file. URL inputs are fetched with the configured timeout; base64 inputs
// are decoded as-is.
func (p *Pipeline) resolveSource(ctx context.Context, req *Request, dir string) (*Source, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if req.FileBase64 != "" {
		return p.stageBase64(req.FileBase64, dir)
	}
	return p.fetchURL(ctx, req.URL, dir)
}

// stageBase64 decodes an inline payload to dir/input.pdf.
func (p *Pipeline) stageBase64(encoded string, dir string) (*Source, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid file_base64: %w", err)
	}
	if int64(len(data)) > p.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, len(data), p.cfg.MaxFileSize)
	}

	dst := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return nil, fmt.Errorf("stage base64 input: %w", err)
	}

	kind := SourcePDF
	if k := sniffKind(data); k != "" {
		kind = k
	}
	return &Source{Path: dst, Kind: kind}, nil
}

// fetchURL downloads a remote document. The file extension is derived from
// the Content-Type header, falling back to the URL path, then to .pdf.
func (p *Pipeline) fetchURL(ctx context.Context, url string, dir string) (*Source, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("Failed to download file from URL: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Failed to download file from URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("Failed to download file from URL: status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	ext := extensionFor(contentType, url)

	dst := filepath.Join(dir, "downloaded"+ext)
	f, err := os.Create(dst)
	if err != nil {
		return nil, fmt.Errorf("stage download: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(resp.Body, p.cfg.MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("Failed to download file from URL: %w", err)
	}
	if n > p.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: max %d bytes", ErrFileTooLarge, p.cfg.MaxFileSize)
	}

	kind := SourcePDF
	if ext != ".pdf" {
		kind = SourceImage
	}
	return &Source{Path: dst, Kind: kind}, nil
}

// extensionFor maps a Content-Type header to a file extension, falling
// back to the URL path, then defaulting to .pdf.
func extensionFor(contentType, url string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "pdf"):
		return ".pdf"
	case strings.Contains(ct, "image"):
		return ".png"
	}

	if ext := strings.ToLower(path.Ext(strippedURLPath(url))); ext != "" {
		switch ext {
		case ".pdf", ".png", ".jpg", ".jpeg":
			return ext
		}
	}
	return ".pdf"
}

func strippedURLPath(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	return url
}

// sniffKind inspects magic bytes. Returns "" when unrecognised.
func sniffKind(data []byte) SourceKind {
	switch {
	case len(data) >= 5 && string(data[:5]) == "%PDF-":
		return SourcePDF
	case len(data) >= 8 && string(data[:8]) == "\x89PNG\r\n\x1a\n":
		return SourceImage
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return SourceImage
	}
	return ""
}

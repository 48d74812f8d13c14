package extract

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ExtractInput is the input schema for the pek_extract MCP tool.
type ExtractInput struct {
	URL            string `json:"url,omitempty" jsonschema:"URL of a remote PDF or image to extract"`
	FileBase64     string `json:"file_base64,omitempty" jsonschema:"base64-encoded PDF bytes (mutually exclusive with url)"`
	Visualize      bool   `json:"visualize,omitempty" jsonschema:"render a layout visualization PNG"`
	Merge2Markdown *bool  `json:"merge2markdown,omitempty" jsonschema:"merge extracted blocks into markdown (default true)"`
}

// CategoriesOutput is the output schema for the pek_categories MCP tool.
type CategoriesOutput struct {
	Categories []string `json:"categories"`
}

// RegisterMCP registers the pipeline's tools on an MCP server.
func (p *Pipeline) RegisterMCP(srv *mcp.Server) {
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "pek_extract",
		Description: "Extract layout blocks, markdown and optional visualization from a PDF or image.",
	}, p.handleExtractTool)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "pek_categories",
		Description: "List the layout block categories produced by extraction.",
	}, p.handleCategoriesTool)
}

func (p *Pipeline) handleExtractTool(ctx context.Context, _ *mcp.CallToolRequest, input ExtractInput) (*mcp.CallToolResult, *Output, error) {
	req := &Request{
		URL:            input.URL,
		FileBase64:     input.FileBase64,
		Visualize:      input.Visualize,
		Merge2Markdown: input.Merge2Markdown,
	}
	out, err := p.Process(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return nil, out, nil
}

func (p *Pipeline) handleCategoriesTool(_ context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, CategoriesOutput, error) {
	return nil, CategoriesOutput{
		Categories: []string{
			string(CategoryTitle),
			string(CategoryPlainText),
			string(CategoryTable),
			string(CategoryFigure),
			string(CategoryFormula),
			string(CategoryPageNumber),
		},
	}, nil
}

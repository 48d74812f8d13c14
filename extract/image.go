package extract

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
)

// extractImage turns a standalone image source into a single synthetic
// page holding one figure block. Image inputs always need OCR since there
// is no text layer to read.
func (p *Pipeline) extractImage(path string) ([]PageResult, *Quality, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil, nil, fmt.Errorf("decode image: %w", err)
	}

	page := PageResult{
		PageNumber: 1,
		Width:      float64(cfg.Width),
		Height:     float64(cfg.Height),
		Blocks: []Block{{
			Category: CategoryFigure,
			BBox:     [4]float64{0, 0, float64(cfg.Width), float64(cfg.Height)},
			Score:    1.0,
		}},
	}

	quality := &Quality{
		PageCount:       1,
		HasImageStreams: true,
	}

	return []PageResult{page}, quality, nil
}

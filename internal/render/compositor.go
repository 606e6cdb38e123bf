package render

import (
	"context"
	"fmt"
	"image"

	"github.com/taleforge/api/internal/book"
	"github.com/taleforge/api/pkg/imageutil"
)

// FontSource reads font files by storage URI or key.
type FontSource interface {
	GetURI(ctx context.Context, uri string) ([]byte, error)
}

// Compositor draws text layers over a background, one layer at a time.
type Compositor struct {
	raster Rasterizer
	fonts  FontSource
}

func NewCompositor(raster Rasterizer, fonts FontSource) *Compositor {
	return &Compositor{raster: raster, fonts: fonts}
}

// Composite applies layers in order. Each layer is rendered over the output
// of the previous one and the result is exactly size x size.
func (c *Compositor) Composite(ctx context.Context, bg image.Image, layers []book.TextLayer, vars map[string]string, size int) (image.Image, error) {
	if len(layers) == 0 {
		return bg, nil
	}

	fontCache := make(map[string]string)
	cur := bg
	for i, layer := range layers {
		text, err := RenderTemplate(layer, vars)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		style := MergeStyle(layer.Style, size)

		bgPNG, err := imageutil.EncodePNG(imageutil.ResizeSquare(cur, size), 0)
		if err != nil {
			return nil, err
		}

		fontURI := layer.FontURI
		if fontURI == "" {
			fontURI = style.String("font_uri")
		}
		var fontData string
		if fontURI != "" {
			if cached, ok := fontCache[fontURI]; ok {
				fontData = cached
			} else {
				raw, err := c.fonts.GetURI(ctx, fontURI)
				if err != nil {
					return nil, fmt.Errorf("layer %d: load font: %w", i, err)
				}
				fontData = FontDataURI(fontURI, raw)
				fontCache[fontURI] = fontData
			}
		}

		doc, err := BuildDocument(imageutil.DataURI("image/png", bgPNG), fontData, text, style)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}

		shot, err := c.raster.Rasterize(ctx, doc, size)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		img, err := imageutil.Decode(shot)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		cur = img
	}

	if b := cur.Bounds(); b.Dx() != size || b.Dy() != size {
		cur = imageutil.ResizeSquare(cur, size)
	}
	return cur, nil
}

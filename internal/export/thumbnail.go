package export

import (
	"context"
	"encoding/base64"
)

// DefaultThumbnailWidth is the preview width in pixels.
const DefaultThumbnailWidth = 240

// Thumbnailer renders small PNG previews as data URLs for autosave.
type Thumbnailer struct {
	Rasterizer WidthRasterizer
	Width      int
}

// Thumbnail rasterizes svg scaled down to the thumbnail width.
func (t Thumbnailer) Thumbnail(ctx context.Context, svg string) (string, error) {
	width := t.Width
	if width <= 0 {
		width = DefaultThumbnailWidth
	}
	r := t.Rasterizer
	if r == nil {
		r = SVGRasterizer{}
	}
	raster, err := r.RasterizeWidth(ctx, svg, width)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(raster.PNG), nil
}

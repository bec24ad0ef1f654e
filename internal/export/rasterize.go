package export

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"strings"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"

	sheeterr "sheetcore/internal/errors"
)

// MaxRasterSide caps either raster dimension, in pixels.
const MaxRasterSide = 8192

// Raster is an encoded PNG with its pixel size.
type Raster struct {
	PNG    []byte
	Width  int
	Height int
}

// Rasterizer turns a vector snapshot into a bitmap. scale multiplies the
// snapshot's natural size.
type Rasterizer interface {
	Rasterize(ctx context.Context, svg string, scale float64) (Raster, error)
}

// WidthRasterizer renders a vector snapshot bounded by a pixel width.
type WidthRasterizer interface {
	RasterizeWidth(ctx context.Context, svg string, width int) (Raster, error)
}

// SVGRasterizer renders SVG shapes onto a white background. Text elements
// are skipped.
type SVGRasterizer struct{}

// Rasterize implements Rasterizer.
func (SVGRasterizer) Rasterize(ctx context.Context, svg string, scale float64) (Raster, error) {
	icon, err := parseSVG(ctx, svg)
	if err != nil {
		return Raster{}, err
	}
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		scale = 1
	}
	return render(icon, scale)
}

// RasterizeWidth renders svg no wider than width pixels. Narrower drawings
// keep their natural size.
func (SVGRasterizer) RasterizeWidth(ctx context.Context, svg string, width int) (Raster, error) {
	icon, err := parseSVG(ctx, svg)
	if err != nil {
		return Raster{}, err
	}
	scale := 1.0
	if width > 0 && icon.ViewBox.W > float64(width) {
		scale = float64(width) / icon.ViewBox.W
	}
	return render(icon, scale)
}

func parseSVG(ctx context.Context, svg string) (*oksvg.SvgIcon, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(svg) == "" {
		return nil, sheeterr.NewRenderError("rasterize", "", sheeterr.New("empty vector snapshot"))
	}
	icon, err := oksvg.ReadIconStream(strings.NewReader(svg), oksvg.IgnoreErrorMode)
	if err != nil {
		return nil, sheeterr.NewRenderError("rasterize", "", fmt.Errorf("parse svg: %w", err))
	}
	return icon, nil
}

func render(icon *oksvg.SvgIcon, scale float64) (Raster, error) {
	w := int(math.Ceil(icon.ViewBox.W * scale))
	h := int(math.Ceil(icon.ViewBox.H * scale))
	if w <= 0 || h <= 0 {
		return Raster{}, sheeterr.NewRenderError("rasterize", "", fmt.Errorf("svg has no drawable area (%gx%g)", icon.ViewBox.W, icon.ViewBox.H))
	}
	if w > MaxRasterSide || h > MaxRasterSide {
		return Raster{}, sheeterr.NewRenderError("rasterize", "", fmt.Errorf("raster %dx%d exceeds %d pixels", w, h, MaxRasterSide))
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	icon.SetTarget(0, 0, float64(w), float64(h))
	scanner := rasterx.NewScannerGV(w, h, img, img.Bounds())
	icon.Draw(rasterx.NewDasher(w, h, scanner), 1.0)

	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		return Raster{}, sheeterr.NewRenderError("rasterize", "", fmt.Errorf("encode png: %w", err))
	}
	return Raster{PNG: buf.Bytes(), Width: w, Height: h}, nil
}

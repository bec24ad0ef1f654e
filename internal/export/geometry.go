package export

import "math"

// pixelsPerMM converts CSS pixels (96 per inch) to millimetres.
const pixelsPerMM = 96.0 / 25.4

// Default page geometry: portrait A4 with a 10mm margin.
const (
	DefaultPageWidthMM  = 210.0
	DefaultPageHeightMM = 297.0
	DefaultMarginMM     = 10.0
	DefaultHeaderMM     = 12.0
)

// PageGeometry is the fixed layout of one export page, in millimetres.
type PageGeometry struct {
	WidthMM  float64
	HeightMM float64
	MarginMM float64
	// HeaderMM is reserved above the image for the diagram name and title.
	HeaderMM float64
}

// A4 returns the default geometry.
func A4() PageGeometry {
	return PageGeometry{
		WidthMM:  DefaultPageWidthMM,
		HeightMM: DefaultPageHeightMM,
		MarginMM: DefaultMarginMM,
		HeaderMM: DefaultHeaderMM,
	}
}

func (g PageGeometry) withDefaults() PageGeometry {
	d := A4()
	if g.WidthMM <= 0 {
		g.WidthMM = d.WidthMM
	}
	if g.HeightMM <= 0 {
		g.HeightMM = d.HeightMM
	}
	if g.MarginMM < 0 {
		g.MarginMM = 0
	}
	if g.HeaderMM <= 0 {
		g.HeaderMM = d.HeaderMM
	}
	return g
}

// ContentBox returns the area available to the image below the header.
func (g PageGeometry) ContentBox() (x, y, w, h float64) {
	x = g.MarginMM
	y = g.MarginMM + g.HeaderMM
	w = math.Max(0, g.WidthMM-2*g.MarginMM)
	h = math.Max(0, g.HeightMM-2*g.MarginMM-g.HeaderMM)
	return x, y, w, h
}

// Placement positions an image on a page, in millimetres.
type Placement struct {
	X, Y          float64
	Width, Height float64
	// Scale is the factor applied to the image's natural size; never above 1.
	Scale float64
}

// PixelsToMM converts a pixel length at 96 DPI.
func PixelsToMM(px float64) float64 { return px / pixelsPerMM }

// Fit scales an image of widthPx by heightPx down to the content box and
// centres it there. Images that already fit keep their natural size.
func (g PageGeometry) Fit(widthPx, heightPx int) Placement {
	bx, by, bw, bh := g.ContentBox()
	w := PixelsToMM(float64(widthPx))
	h := PixelsToMM(float64(heightPx))
	scale := 1.0
	if w > 0 && h > 0 {
		scale = math.Min(1, math.Min(bw/w, bh/h))
	}
	w *= scale
	h *= scale
	return Placement{
		X:      bx + (bw-w)/2,
		Y:      by + (bh-h)/2,
		Width:  w,
		Height: h,
		Scale:  scale,
	}
}

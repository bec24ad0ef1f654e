package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"

	sheeterr "sheetcore/internal/errors"
)

// Page is one rendered diagram ready for assembly.
type Page struct {
	DiagramID string
	Name      string
	Raster    Raster
	Placement Placement
}

// Document is an ordered set of pages with an optional document title.
type Document struct {
	Title     string
	Pages     []Page
	CreatedAt time.Time
}

// Assemble writes doc as a PDF with one page per entry. Each page carries a
// header with the diagram name, and the title when set, above the image.
func Assemble(doc Document, geometry PageGeometry) ([]byte, error) {
	if len(doc.Pages) == 0 {
		return nil, sheeterr.NewRenderError("document", "", sheeterr.ErrEmptyExport)
	}
	g := geometry.withDefaults()
	orientation := "P"
	if g.WidthMM > g.HeightMM {
		orientation = "L"
	}
	pdf := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: orientation,
		UnitStr:        "mm",
		Size:           fpdf.SizeType{Wd: g.WidthMM, Ht: g.HeightMM},
	})
	pdf.SetMargins(g.MarginMM, g.MarginMM, g.MarginMM)
	pdf.SetAutoPageBreak(false, g.MarginMM)
	pdf.SetCreator("sheets", true)
	if doc.Title != "" {
		pdf.SetTitle(doc.Title, true)
	}
	if !doc.CreatedAt.IsZero() {
		pdf.SetCreationDate(doc.CreatedAt)
		pdf.SetModificationDate(doc.CreatedAt)
	}
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	_, _, contentW, _ := g.ContentBox()

	for i, page := range doc.Pages {
		pdf.AddPage()
		header := page.Name
		if doc.Title != "" {
			header = doc.Title + " / " + page.Name
		}
		pdf.SetFont("Helvetica", "B", 13)
		pdf.SetXY(g.MarginMM, g.MarginMM)
		pdf.CellFormat(contentW, g.HeaderMM*0.6, tr(header), "", 1, "L", false, 0, "")
		pdf.SetDrawColor(200, 200, 200)
		pdf.Line(g.MarginMM, g.MarginMM+g.HeaderMM-2, g.WidthMM-g.MarginMM, g.MarginMM+g.HeaderMM-2)

		name := fmt.Sprintf("page-%d", i)
		opts := fpdf.ImageOptions{ImageType: "PNG", ReadDpi: false}
		pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(page.Raster.PNG))
		p := page.Placement
		pdf.ImageOptions(name, p.X, p.Y, p.Width, p.Height, false, opts, 0, "")
		if err := pdf.Error(); err != nil {
			return nil, sheeterr.NewRenderError("page", page.DiagramID, err)
		}
	}

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, sheeterr.NewRenderError("document", "", err)
	}
	return buf.Bytes(), nil
}

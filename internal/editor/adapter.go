// Package editor defines the capability surface the session core consumes
// from a diagram editor, plus a headless implementation used by the CLI and
// tests. Only the session package drives an Adapter.
package editor

import "context"

// Element is a lookup result for a diagram element.
type Element struct {
	ID    string
	Type  string
	Label string
}

// Adapter is a single loaded diagram surface.
type Adapter interface {
	// ImportContent replaces the loaded diagram. Malformed content yields a
	// *errors.RenderError and leaves the previous diagram loaded.
	ImportContent(ctx context.Context, xml string) error
	ExportXMLSnapshot(ctx context.Context) (string, error)
	// ExportVectorSnapshot returns SVG markup of the loaded diagram.
	ExportVectorSnapshot(ctx context.Context) (string, error)
	CurrentZoom() float64
	SetZoom(zoom float64)
	FitToViewport()
	Selection() []string
	SetSelection(ids []string)
	LookupElement(id string) (Element, bool)
	// OnChanged registers fn for edit notifications and returns its
	// unsubscribe function.
	OnChanged(fn func()) (unsubscribe func())
	Destroy()
}

// BlankDiagram is the content of a freshly created diagram.
const BlankDiagram = `<?xml version="1.0" encoding="UTF-8"?>
<definitions id="definitions"><process id="process"></process></definitions>`

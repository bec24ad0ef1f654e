package editor

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"math"
	"slices"
	"strings"
	"sync"

	sheeterr "sheetcore/internal/errors"
)

// Layout constants for the headless vector rendering, in user units.
const (
	cellWidth   = 160.0
	cellHeight  = 80.0
	cellPadding = 20.0
	columns     = 4
)

// Zoom bounds.
const (
	MinZoom = 0.1
	MaxZoom = 4.0
)

// ErrDestroyed is returned by a Surface after Destroy.
var ErrDestroyed = errors.New("editor surface destroyed")

var _ Adapter = (*Surface)(nil)

// Surface is a headless Adapter. It validates XML on import, indexes every
// element carrying an id attribute and renders labelled elements as a grid
// of boxes.
type Surface struct {
	mu        sync.Mutex
	xml       string
	elements  []Element
	index     map[string]int
	zoom      float64
	selection []string
	viewportW float64
	viewportH float64
	listeners map[int]func()
	nextID    int
	destroyed bool
}

// NewSurface returns an empty surface with the given viewport size in pixels.
func NewSurface(viewportW, viewportH float64) *Surface {
	if viewportW <= 0 {
		viewportW = 1280
	}
	if viewportH <= 0 {
		viewportH = 800
	}
	return &Surface{
		zoom:      1,
		viewportW: viewportW,
		viewportH: viewportH,
		index:     map[string]int{},
		listeners: map[int]func(){},
	}
}

// ParseElements checks that content is well-formed XML with a root element
// and returns the elements that carry an id attribute, in document order.
func ParseElements(content string) ([]Element, error) {
	dec := xml.NewDecoder(strings.NewReader(content))
	var out []Element
	depth, roots := 0, 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
			}
			depth++
			el := Element{Type: t.Name.Local}
			for _, a := range t.Attr {
				switch a.Name.Local {
				case "id":
					el.ID = a.Value
				case "name", "label":
					el.Label = a.Value
				}
			}
			if el.ID != "" {
				out = append(out, el)
			}
		case xml.EndElement:
			depth--
		case xml.CharData:
			if depth == 0 && strings.TrimSpace(string(t)) != "" {
				return nil, errors.New("text outside root element")
			}
		}
	}
	if roots != 1 {
		return nil, fmt.Errorf("expected one root element, found %d", roots)
	}
	return out, nil
}

func (s *Surface) ImportContent(_ context.Context, content string) error {
	elements, err := ParseElements(content)
	if err != nil {
		return sheeterr.NewRenderError("import", "", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return sheeterr.NewRenderError("import", "", ErrDestroyed)
	}
	s.load(content, elements)
	s.selection = nil
	return nil
}

func (s *Surface) load(content string, elements []Element) {
	s.xml = content
	s.elements = elements
	s.index = make(map[string]int, len(elements))
	for i, el := range elements {
		s.index[el.ID] = i
	}
}

// Edit replaces the content as a user edit would and notifies listeners.
func (s *Surface) Edit(content string) error {
	elements, err := ParseElements(content)
	if err != nil {
		return sheeterr.NewRenderError("edit", "", err)
	}
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	s.load(content, elements)
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return nil
}

func (s *Surface) ExportXMLSnapshot(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return "", sheeterr.NewRenderError("snapshot", "", ErrDestroyed)
	}
	return s.xml, nil
}

func (s *Surface) labelled() []Element {
	out := make([]Element, 0, len(s.elements))
	for _, el := range s.elements {
		if el.Label != "" {
			out = append(out, el)
		}
	}
	return out
}

func contentSize(n int) (float64, float64) {
	if n == 0 {
		return cellWidth + 2*cellPadding, cellHeight + 2*cellPadding
	}
	cols := min(n, columns)
	rows := (n + columns - 1) / columns
	return float64(cols)*(cellWidth+cellPadding) + cellPadding, float64(rows)*(cellHeight+cellPadding) + cellPadding
}

func (s *Surface) ExportVectorSnapshot(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return "", sheeterr.NewRenderError("snapshot", "", ErrDestroyed)
	}
	shapes := s.labelled()
	w, h := contentSize(len(shapes))
	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%g" height="%g" viewBox="0 0 %g %g">`, w, h, w, h)
	fmt.Fprintf(&b, `<rect x="0" y="0" width="%g" height="%g" fill="#ffffff"/>`, w, h)
	for i, el := range shapes {
		x := cellPadding + float64(i%columns)*(cellWidth+cellPadding)
		y := cellPadding + float64(i/columns)*(cellHeight+cellPadding)
		fmt.Fprintf(&b, `<rect x="%g" y="%g" width="%g" height="%g" rx="10" fill="#f5f7fa" stroke="#22242a" stroke-width="2"/>`,
			x, y, cellWidth, cellHeight)
		fmt.Fprintf(&b, `<text x="%g" y="%g" text-anchor="middle" font-size="14">%s</text>`,
			x+cellWidth/2, y+cellHeight/2, html.EscapeString(el.Label))
	}
	b.WriteString(`</svg>`)
	return b.String(), nil
}

func (s *Surface) CurrentZoom() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zoom
}

func (s *Surface) SetZoom(zoom float64) {
	if math.IsNaN(zoom) || zoom <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zoom = math.Max(MinZoom, math.Min(MaxZoom, zoom))
}

// FitToViewport zooms so the whole diagram is visible, never above 1.
func (s *Surface) FitToViewport() {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, h := contentSize(len(s.labelled()))
	s.zoom = math.Max(MinZoom, math.Min(1, math.Min(s.viewportW/w, s.viewportH/h)))
}

func (s *Surface) Selection() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.selection)
}

// SetSelection selects the known ids among ids.
func (s *Surface) SetSelection(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection = s.selection[:0]
	for _, id := range ids {
		if _, ok := s.index[id]; ok {
			s.selection = append(s.selection, id)
		}
	}
}

func (s *Surface) LookupElement(id string) (Element, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return Element{}, false
	}
	return s.elements[i], true
}

func (s *Surface) OnChanged(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Listeners returns the number of registered change listeners.
func (s *Surface) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

func (s *Surface) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	s.listeners = map[int]func(){}
	s.elements = nil
	s.index = map[string]int{}
	s.selection = nil
}

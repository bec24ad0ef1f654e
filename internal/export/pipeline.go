// Package export renders diagrams into paginated PDF documents.
//
// A page goes through snapshot, rasterize, layout and page stages; pages are
// then assembled into one document. Single export fails as a whole on any
// stage error. Batch export walks the requested diagrams through the session,
// records per-diagram failures and keeps going, and always restores the
// diagram that was active when it started.
package export

import (
	"context"
	"time"

	"sheetcore/internal/clock"
	sheeterr "sheetcore/internal/errors"
	"sheetcore/internal/logging"
	"sheetcore/internal/metrics"
	"sheetcore/internal/session"
)

// DefaultSettle is the pause after switching diagrams in a batch.
const DefaultSettle = 300 * time.Millisecond

// Session is the part of the session store the pipeline drives.
type Session interface {
	Active() string
	Order() []string
	SwitchActive(ctx context.Context, id string) error
	CaptureActive(ctx context.Context) (session.Capture, error)
}

// Status of one diagram in an export.
type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// PageResult reports the outcome for one requested diagram.
type PageResult struct {
	DiagramID string
	Name      string
	Status    Status
	Err       error
}

// Result is an assembled document and the per-diagram outcomes, in request
// order. Failed diagrams have no page in the document.
type Result struct {
	PDF     []byte
	Pages   []PageResult
	Created time.Time
}

// Succeeded returns the number of pages in the document.
func (r *Result) Succeeded() int {
	n := 0
	for _, p := range r.Pages {
		if p.Status == StatusOK {
			n++
		}
	}
	return n
}

// Options configures a Pipeline.
type Options struct {
	Geometry PageGeometry
	// Title is printed in every page header when set.
	Title string
	// Scale multiplies the captured zoom when rasterizing.
	Scale      float64
	Settle     time.Duration
	Clock      clock.Clock
	Rasterizer Rasterizer
	Logger     *logging.Logger
	Metrics    metrics.Recorder
}

// Pipeline exports diagrams of one session.
type Pipeline struct {
	session Session
	opts    Options
	log     *logging.Logger
	metrics metrics.Recorder
}

// New returns a pipeline over sess.
func New(sess Session, opts Options) *Pipeline {
	opts.Geometry = opts.Geometry.withDefaults()
	if opts.Scale <= 0 {
		opts.Scale = 1
	}
	if opts.Settle < 0 {
		opts.Settle = 0
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Rasterizer == nil {
		opts.Rasterizer = SVGRasterizer{}
	}
	return &Pipeline{
		session: sess,
		opts:    opts,
		log:     logging.OrNop(opts.Logger).WithComponent("export"),
		metrics: metrics.OrNop(opts.Metrics),
	}
}

// ExportSingle renders the active diagram as a one-page document.
func (p *Pipeline) ExportSingle(ctx context.Context) (res *Result, err error) {
	defer metrics.Since(ctx, p.metrics, metrics.OpExportDocument, time.Now(), &err)
	page, err := p.renderActive(ctx)
	if err != nil {
		return nil, err
	}
	return p.assemble([]Page{page}, []PageResult{{DiagramID: page.DiagramID, Name: page.Name, Status: StatusOK}})
}

// ExportBatch renders ids in order, one page each. A diagram that fails to
// switch or render is reported as failed and left out of the document. The
// diagram active at the start is active again when ExportBatch returns.
func (p *Pipeline) ExportBatch(ctx context.Context, ids []string) (res *Result, err error) {
	defer metrics.Since(ctx, p.metrics, metrics.OpExportDocument, time.Now(), &err)
	if len(ids) == 0 {
		return nil, sheeterr.NewValidationError("export", "diagrams", sheeterr.ErrEmptyExport)
	}

	original := p.session.Active()
	defer func() {
		if original == "" {
			return
		}
		// Restore even when ctx was cancelled mid-batch.
		rctx := context.WithoutCancel(ctx)
		if rerr := p.session.SwitchActive(rctx, original); rerr != nil {
			p.log.WithDiagram(original).Error("restoring active diagram failed", "error", rerr)
			if err == nil {
				err = rerr
			}
		}
	}()

	pages := make([]Page, 0, len(ids))
	results := make([]PageResult, 0, len(ids))
	for _, id := range ids {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		page, perr := p.renderDiagram(ctx, id)
		if perr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.log.WithDiagram(id).Warn("diagram export failed", "error", perr)
			results = append(results, PageResult{DiagramID: id, Status: StatusFailed, Err: perr})
			continue
		}
		pages = append(pages, page)
		results = append(results, PageResult{DiagramID: id, Name: page.Name, Status: StatusOK})
	}
	if len(pages) == 0 {
		return &Result{Pages: results}, sheeterr.NewRenderError("export", "", sheeterr.ErrEmptyExport)
	}
	return p.assemble(pages, results)
}

func (p *Pipeline) renderDiagram(ctx context.Context, id string) (Page, error) {
	if err := p.session.SwitchActive(session.WithoutAlerts(ctx), id); err != nil {
		return Page{}, err
	}
	if err := p.opts.Clock.Sleep(ctx, p.opts.Settle); err != nil {
		return Page{}, err
	}
	page, err := p.renderActive(ctx)
	if err != nil {
		return Page{}, err
	}
	if page.DiagramID != id {
		return Page{}, sheeterr.NewRenderError("snapshot", id, sheeterr.New("loaded diagram changed during export"))
	}
	return page, nil
}

func (p *Pipeline) renderActive(ctx context.Context) (page Page, err error) {
	defer metrics.Since(ctx, p.metrics, metrics.OpExportPage, time.Now(), &err)
	capture, err := p.session.CaptureActive(ctx)
	if err != nil {
		return Page{}, err
	}
	zoom := capture.Zoom
	if zoom <= 0 {
		zoom = 1
	}
	raster, err := p.opts.Rasterizer.Rasterize(ctx, capture.SVG, zoom*p.opts.Scale)
	if err != nil {
		var re *sheeterr.RenderError
		if sheeterr.As(err, &re) && re.DiagramID == "" {
			re.DiagramID = capture.DiagramID
		}
		return Page{}, err
	}
	return Page{
		DiagramID: capture.DiagramID,
		Name:      capture.Name,
		Raster:    raster,
		Placement: p.opts.Geometry.Fit(raster.Width, raster.Height),
	}, nil
}

func (p *Pipeline) assemble(pages []Page, results []PageResult) (*Result, error) {
	created := p.opts.Clock.Now()
	pdf, err := Assemble(Document{Title: p.opts.Title, Pages: pages, CreatedAt: created}, p.opts.Geometry)
	if err != nil {
		return nil, err
	}
	p.log.Info("document assembled", "pages", len(pages), "requested", len(results), "bytes", len(pdf))
	return &Result{PDF: pdf, Pages: results, Created: created}, nil
}

// Package session owns the ordered diagram collection of one user session
// and the single active diagram loaded in the editor.
//
// Every operation that touches the editor adapter runs on the session's
// operation queue, one at a time and in arrival order. Before the active
// diagram changes its pending edits are flushed through the autosave
// scheduler.
package session

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"sheetcore/internal/autosave"
	"sheetcore/internal/clock"
	"sheetcore/internal/editor"
	sheeterr "sheetcore/internal/errors"
	"sheetcore/internal/logging"
	"sheetcore/internal/metrics"
	"sheetcore/pkg/domain"
)

// Gateway is the persistence surface the session needs.
type Gateway interface {
	Get(ctx context.Context, id string) (*domain.Diagram, error)
	List(ctx context.Context) ([]domain.Diagram, error)
	Save(ctx context.Context, d domain.Diagram) (domain.Diagram, error)
	Update(ctx context.Context, id string, patch domain.Patch) (*domain.Diagram, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// Options configures a Store.
type Options struct {
	Owner       string
	Debounce    time.Duration
	Clock       clock.Clock
	Thumbnailer autosave.Thumbnailer
	Alerter     Alerter
	Logger      *logging.Logger
	Metrics     metrics.Recorder
	// QueueSize bounds the number of waiting operations.
	QueueSize int
}

// NewDiagram describes a diagram to create.
type NewDiagram struct {
	Name       string
	XMLContent string
	SVGContent string
	// Activate switches to the new diagram. The first diagram is always
	// activated.
	Activate bool
}

// View is a diagram as listed in the session.
type View struct {
	ID        string
	Name      string
	Active    bool
	Dirty     bool
	UpdatedAt time.Time
}

// Capture is a vector snapshot of the loaded diagram.
type Capture struct {
	DiagramID string
	Name      string
	Zoom      float64
	SVG       string
}

// Store is the session's diagram collection.
type Store struct {
	owner   string
	gw      Gateway
	adapter editor.Adapter
	sched   *autosave.Scheduler
	queue   *queue
	alerter Alerter
	log     *logging.Logger
	metrics metrics.Recorder

	mu          sync.RWMutex
	order       []string
	active      string
	cache       map[string]domain.Diagram
	initialized bool
	creating    atomic.Bool
}

// New builds a session over gw and adapter and starts its operation queue.
func New(gw Gateway, adapter editor.Adapter, opts Options) *Store {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	log := logging.OrNop(opts.Logger).WithSession(opts.Owner)
	s := &Store{
		owner:   opts.Owner,
		gw:      gw,
		adapter: adapter,
		queue:   newQueue(opts.QueueSize),
		alerter: opts.Alerter,
		log:     log,
		metrics: metrics.OrNop(opts.Metrics),
		cache:   make(map[string]domain.Diagram),
	}
	if s.alerter == nil {
		s.alerter = LogAlerter{Logger: log}
	}
	s.sched = autosave.New(autosave.SaverFunc(s.update), autosave.Options{
		Debounce:    opts.Debounce,
		Clock:       opts.Clock,
		Dispatch:    s.queue.do,
		Thumbnailer: opts.Thumbnailer,
		OnSaved:     s.onSaved,
		OnError:     func(_ string, err error) { s.alert(context.Background(), err) },
		Logger:      log,
		Metrics:     opts.Metrics,
	})
	s.queue.start()
	return s
}

// Scheduler exposes the session's autosave scheduler.
func (s *Store) Scheduler() *autosave.Scheduler { return s.sched }

// Owner returns the session owner.
func (s *Store) Owner() string { return s.owner }

func (s *Store) alert(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if !sheeterr.IsUserFacing(err) || alertsSuppressed(ctx) {
		s.log.Debug("suppressed error", "error", err)
		return
	}
	s.alerter.Alert(ctx, err)
}

// fail alerts on err and returns it.
func (s *Store) fail(ctx context.Context, err error) error {
	s.alert(ctx, err)
	return err
}

func (s *Store) onSaved(d domain.Diagram) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache[d.ID]; ok {
		s.cache[d.ID] = d
	}
}

// update applies patch to id. Once the gateway serves from its fallback store
// a record that only ever existed on the primary is written there in full
// from the session copy.
func (s *Store) update(ctx context.Context, id string, patch domain.Patch) (*domain.Diagram, error) {
	updated, err := s.gw.Update(ctx, id, patch)
	if err != nil || updated != nil {
		return updated, err
	}
	if t, ok := s.gw.(interface{ Tripped() bool }); !ok || !t.Tripped() {
		return nil, nil
	}
	s.mu.RLock()
	d, ok := s.cache[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	patch.Apply(&d)
	saved, err := s.gw.Save(ctx, d)
	if err != nil {
		return nil, err
	}
	s.log.WithDiagram(id).Info("diagram copied to fallback store")
	return &saved, nil
}

// Init loads the persisted diagrams, freshest first, and activates the first
// one the editor accepts. Rejected diagrams stay listed. An empty store, or
// one where no diagram loads, gets a default diagram.
func (s *Store) Init(ctx context.Context) error {
	err := s.queue.do(ctx, func(ctx context.Context) error {
		s.mu.RLock()
		done := s.initialized
		s.mu.RUnlock()
		if done {
			return nil
		}
		records, err := s.gw.List(ctx)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			d, err := s.gw.Save(ctx, domain.Diagram{ID: uuid.NewString(), Name: "Sheet 1", XMLContent: editor.BlankDiagram})
			if err != nil {
				return err
			}
			records = []domain.Diagram{d}
		}
		s.mu.Lock()
		s.order = s.order[:0]
		for _, d := range records {
			s.order = append(s.order, d.ID)
			s.cache[d.ID] = d
		}
		s.initialized = true
		s.mu.Unlock()
		s.sched.Attach(s.adapter)
		for _, d := range records {
			err := s.switchLocked(ctx, d.ID)
			var re *sheeterr.RenderError
			if err == nil || !sheeterr.As(err, &re) {
				return err
			}
			s.log.WithDiagram(d.ID).Warn("skipping diagram the editor rejected", "error", err)
		}
		_, err = s.createLocked(ctx, NewDiagram{Activate: true})
		return err
	})
	if err != nil {
		return s.fail(ctx, err)
	}
	s.log.Info("session initialized", "diagrams", len(s.Diagrams()), "active", s.Active())
	return nil
}

// Teardown flushes the active diagram, stops the queue and destroys the
// adapter. The session is unusable afterwards.
func (s *Store) Teardown(ctx context.Context) error {
	var flushErr error
	err := s.queue.do(ctx, func(ctx context.Context) error {
		if active := s.Active(); active != "" {
			flushErr = s.sched.Flush(ctx, active)
		}
		s.sched.Close()
		s.adapter.Destroy()
		s.queue.stop()
		return nil
	})
	if err != nil {
		return err
	}
	if flushErr != nil {
		return s.fail(ctx, flushErr)
	}
	return nil
}

// Active returns the active diagram id.
func (s *Store) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Order returns the diagram ids in display order.
func (s *Store) Order() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order)
}

// Get returns the session's copy of a diagram record.
func (s *Store) Get(id string) (domain.Diagram, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.cache[id]
	return d.Clone(), ok
}

// Diagrams returns the ordered session view.
func (s *Store) Diagrams() []View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]View, 0, len(s.order))
	for _, id := range s.order {
		d := s.cache[id]
		out = append(out, View{ID: id, Name: d.Name, Active: id == s.active, Dirty: s.sched.Dirty(id), UpdatedAt: d.UpdatedAt})
	}
	return out
}

func (s *Store) contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.order, id)
}

func (s *Store) nextDefaultName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	taken := make(map[string]bool, len(s.cache))
	for _, d := range s.cache {
		taken[d.Name] = true
	}
	for n := len(s.order) + 1; ; n++ {
		name := fmt.Sprintf("Sheet %d", n)
		if !taken[name] {
			return name
		}
	}
}

// CreateDiagram persists a new diagram and appends it to the order.
func (s *Store) CreateDiagram(ctx context.Context, nd NewDiagram) (domain.Diagram, error) {
	if !s.creating.CompareAndSwap(false, true) {
		return domain.Diagram{}, s.fail(ctx, sheeterr.NewValidationError("create", "", sheeterr.ErrCreateInProgress))
	}
	defer s.creating.Store(false)

	var created domain.Diagram
	err := s.queue.do(ctx, func(ctx context.Context) error {
		var err error
		created, err = s.createLocked(ctx, nd)
		return err
	})
	if err != nil {
		return created, s.fail(ctx, err)
	}
	return created, nil
}

func (s *Store) createLocked(ctx context.Context, nd NewDiagram) (domain.Diagram, error) {
	name := domain.NormalizeName(nd.Name)
	if name == "" {
		name = s.nextDefaultName()
	}
	content := nd.XMLContent
	if content == "" {
		content = editor.BlankDiagram
	}
	d, err := s.gw.Save(ctx, domain.Diagram{ID: uuid.NewString(), Name: name, XMLContent: content, SVGContent: nd.SVGContent})
	if err != nil {
		return domain.Diagram{}, err
	}
	s.mu.Lock()
	s.order = append(s.order, d.ID)
	s.cache[d.ID] = d
	first := s.active == ""
	s.mu.Unlock()
	s.log.WithDiagram(d.ID).Info("diagram created", "name", d.Name)
	if first || nd.Activate {
		return d, s.switchLocked(ctx, d.ID)
	}
	return d, nil
}

// SwitchActive makes id the active diagram. The current diagram is flushed
// first; a failed flush is alerted and its content retained for a later save.
func (s *Store) SwitchActive(ctx context.Context, id string) error {
	err := s.queue.do(ctx, func(ctx context.Context) error { return s.switchLocked(ctx, id) })
	if err != nil {
		return s.fail(ctx, err)
	}
	return nil
}

func (s *Store) switchLocked(ctx context.Context, id string) (err error) {
	current := s.Active()
	if id == current {
		return nil
	}
	if !s.contains(id) {
		return sheeterr.NewValidationError("switch", "id", sheeterr.ErrNotFound)
	}
	defer metrics.Since(ctx, s.metrics, metrics.OpSessionSwitch, time.Now(), &err)

	if current != "" {
		if ferr := s.sched.Flush(ctx, current); ferr != nil {
			s.log.WithDiagram(current).Warn("flush before switch failed", "error", ferr)
			// Save failures are alerted even when the switch itself is quiet.
			s.alert(context.Background(), ferr)
		}
	}
	content, err := s.contentFor(ctx, id)
	if err != nil {
		return err
	}
	s.sched.Track(ctx, id)
	if err := s.adapter.ImportContent(ctx, content); err != nil {
		s.sched.Track(ctx, current)
		var re *sheeterr.RenderError
		if sheeterr.As(err, &re) && re.DiagramID == "" {
			re.DiagramID = id
		}
		return err
	}
	s.mu.Lock()
	s.active = id
	s.mu.Unlock()
	s.adapter.FitToViewport()
	s.log.WithDiagram(id).Debug("diagram activated", "previous", current)
	return nil
}

// contentFor returns the freshest content of id: unsaved edits first, then the
// session copy, then the store.
func (s *Store) contentFor(ctx context.Context, id string) (string, error) {
	if snap, ok := s.sched.Unsaved(id); ok {
		return snap.XML, nil
	}
	s.mu.RLock()
	d, ok := s.cache[id]
	s.mu.RUnlock()
	if ok && d.XMLContent != "" {
		return d.XMLContent, nil
	}
	rec, err := s.gw.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", sheeterr.NewValidationError("switch", "id", sheeterr.ErrNotFound)
	}
	s.mu.Lock()
	s.cache[id] = *rec
	s.mu.Unlock()
	return rec.XMLContent, nil
}

// DeleteDiagram removes id. The last remaining diagram cannot be deleted.
func (s *Store) DeleteDiagram(ctx context.Context, id string) error {
	err := s.queue.do(ctx, func(ctx context.Context) error { return s.deleteLocked(ctx, id) })
	if err != nil {
		return s.fail(ctx, err)
	}
	return nil
}

func (s *Store) deleteLocked(ctx context.Context, id string) error {
	if !s.contains(id) {
		return sheeterr.NewValidationError("delete", "id", sheeterr.ErrNotFound)
	}
	if len(s.Order()) <= 1 {
		return sheeterr.NewValidationError("delete", "", sheeterr.ErrLastDiagram)
	}
	if _, err := s.gw.Delete(ctx, id); err != nil {
		return err
	}
	s.sched.Invalidate(id)
	s.mu.Lock()
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	delete(s.cache, id)
	wasActive := s.active == id
	if wasActive {
		s.active = ""
	}
	next := s.order[0]
	s.mu.Unlock()
	s.log.WithDiagram(id).Info("diagram deleted", "was_active", wasActive)
	if wasActive {
		return s.switchLocked(ctx, next)
	}
	return nil
}

// RenameDiagram persists a new display name.
func (s *Store) RenameDiagram(ctx context.Context, id, name string) error {
	name = domain.NormalizeName(name)
	if name == "" {
		return s.fail(ctx, sheeterr.NewValidationError("rename", "name", sheeterr.ErrEmptyName))
	}
	err := s.queue.do(ctx, func(ctx context.Context) error {
		s.mu.RLock()
		d, ok := s.cache[id]
		s.mu.RUnlock()
		if !ok {
			return sheeterr.NewValidationError("rename", "id", sheeterr.ErrNotFound)
		}
		if d.Name == name {
			return sheeterr.NewValidationError("rename", "name", sheeterr.ErrNameUnchanged)
		}
		updated, err := s.update(ctx, id, domain.Patch{Name: &name})
		if err != nil {
			return err
		}
		if updated == nil {
			return sheeterr.NewValidationError("rename", "id", sheeterr.ErrNotFound)
		}
		s.mu.Lock()
		d.Name = updated.Name
		d.UpdatedAt = updated.UpdatedAt
		s.cache[id] = d
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		return s.fail(ctx, err)
	}
	return nil
}

// ReorderDiagrams moves fromID into toID's position. The order is not
// persisted.
func (s *Store) ReorderDiagrams(fromID, toID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := slices.Index(s.order, fromID)
	to := slices.Index(s.order, toID)
	if from < 0 || to < 0 {
		return sheeterr.NewValidationError("reorder", "id", sheeterr.ErrNotFound)
	}
	if from == to {
		return nil
	}
	s.order = slices.Delete(s.order, from, from+1)
	s.order = slices.Insert(s.order, to, fromID)
	return nil
}

// CaptureActive snapshots the loaded diagram for export.
func (s *Store) CaptureActive(ctx context.Context) (Capture, error) {
	var c Capture
	err := s.queue.do(ctx, func(ctx context.Context) error {
		id := s.Active()
		if id == "" {
			return sheeterr.NewRenderError("snapshot", "", sheeterr.ErrNotFound)
		}
		svg, err := s.adapter.ExportVectorSnapshot(ctx)
		if err != nil {
			var re *sheeterr.RenderError
			if !sheeterr.As(err, &re) {
				err = sheeterr.NewRenderError("snapshot", id, err)
			}
			return err
		}
		s.mu.RLock()
		name := s.cache[id].Name
		s.mu.RUnlock()
		c = Capture{DiagramID: id, Name: name, Zoom: s.adapter.CurrentZoom(), SVG: svg}
		return nil
	})
	return c, err
}

// Package autosave debounces editor change notifications into diagram saves.
//
// Each diagram has at most one save in flight. Notifications inside the
// debounce window coalesce into a single pending save. Every diagram carries
// a generation counter; a save that completes after its diagram was
// invalidated is discarded.
package autosave

import (
	"context"
	"sync"
	"time"

	"sheetcore/internal/clock"
	sheeterr "sheetcore/internal/errors"
	"sheetcore/internal/logging"
	"sheetcore/internal/metrics"
	"sheetcore/pkg/domain"
)

// DefaultDebounce is the quiet period before a pending save fires.
const DefaultDebounce = time.Second

// Saver persists diagram patches.
type Saver interface {
	Update(ctx context.Context, id string, patch domain.Patch) (*domain.Diagram, error)
}

// SaverFunc adapts a function to Saver.
type SaverFunc func(ctx context.Context, id string, patch domain.Patch) (*domain.Diagram, error)

// Update calls f.
func (f SaverFunc) Update(ctx context.Context, id string, patch domain.Patch) (*domain.Diagram, error) {
	return f(ctx, id, patch)
}

// Source is the loaded editor surface the scheduler snapshots.
type Source interface {
	ExportXMLSnapshot(ctx context.Context) (string, error)
	ExportVectorSnapshot(ctx context.Context) (string, error)
	OnChanged(fn func()) (unsubscribe func())
}

// Thumbnailer renders a preview from a vector snapshot.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, svg string) (string, error)
}

// Dispatch runs fn on the caller's serialized execution context and waits
// for it. The session passes its operation queue here.
type Dispatch func(ctx context.Context, fn func(ctx context.Context) error) error

// Snapshot is captured surface content.
type Snapshot struct {
	XML       string
	SVG       string
	Thumbnail *string
}

// State of a diagram's most recent save task.
type State string

const (
	StatePending  State = "pending"
	StateInFlight State = "in-flight"
	StateDone     State = "done"
	StateStale    State = "stale"
	StateFailed   State = "failed"
)

// SaveTask describes the save state of one diagram.
type SaveTask struct {
	DiagramID   string
	Generation  uint64
	ScheduledAt time.Time
	State       State
	Err         error
}

// Options configures a Scheduler.
type Options struct {
	Debounce    time.Duration
	Clock       clock.Clock
	Dispatch    Dispatch
	Thumbnailer Thumbnailer
	// OnSaved observes every persisted record.
	OnSaved func(domain.Diagram)
	// OnError observes failures of timer-driven saves.
	OnError func(id string, err error)
	Logger  *logging.Logger
	Metrics metrics.Recorder
}

type entry struct {
	generation  uint64
	dirty       bool
	scheduledAt time.Time
	timer       clock.Timer
	inflight    chan struct{}
	retained    *Snapshot
	state       State
	err         error
}

// Scheduler owns the save tasks of one session.
type Scheduler struct {
	saver   Saver
	opts    Options
	log     *logging.Logger
	metrics metrics.Recorder

	mu          sync.Mutex
	entries     map[string]*entry
	tracked     string
	source      Source
	unsubscribe func()
	closed      bool
}

// New returns a scheduler writing through saver.
func New(saver Saver, opts Options) *Scheduler {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Dispatch == nil {
		opts.Dispatch = func(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) }
	}
	return &Scheduler{
		saver:   saver,
		opts:    opts,
		log:     logging.OrNop(opts.Logger).WithComponent("autosave"),
		metrics: metrics.OrNop(opts.Metrics),
		entries: make(map[string]*entry),
	}
}

func (s *Scheduler) entryLocked(id string) *entry {
	e, ok := s.entries[id]
	if !ok {
		e = &entry{state: StateDone}
		s.entries[id] = e
	}
	return e
}

// Attach subscribes to change notifications of src. Each notification
// schedules a save of the tracked diagram.
func (s *Scheduler) Attach(src Source) {
	s.mu.Lock()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.source = src
	s.mu.Unlock()
	unsub := src.OnChanged(func() {
		if id := s.Tracked(); id != "" {
			s.Schedule(id)
		}
	})
	s.mu.Lock()
	s.unsubscribe = unsub
	s.mu.Unlock()
}

// Track marks id as the diagram currently loaded in the source. If the
// previously tracked diagram still has unsaved changes, its content is
// captured first so it can be saved or reloaded later. Track must run on the
// same serialized context as the source.
func (s *Scheduler) Track(ctx context.Context, id string) {
	s.mu.Lock()
	prev := s.tracked
	src := s.source
	var needCapture bool
	if prev != "" && prev != id {
		if e, ok := s.entries[prev]; ok && e.dirty {
			needCapture = true
		}
	}
	s.mu.Unlock()

	if needCapture && src != nil {
		snap, err := s.capture(ctx, src)
		if err != nil {
			s.log.WithDiagram(prev).Warn("capture of unsaved diagram failed", "error", err)
		} else {
			s.mu.Lock()
			if e, ok := s.entries[prev]; ok && e.dirty {
				e.retained = &snap
			}
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	s.tracked = id
	s.mu.Unlock()
}

// Tracked returns the diagram currently loaded in the source.
func (s *Scheduler) Tracked() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracked
}

// Schedule (re)starts the debounce timer for id.
func (s *Scheduler) Schedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	e := s.entryLocked(id)
	e.dirty = true
	e.state = StatePending
	e.scheduledAt = s.opts.Clock.Now()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = s.opts.Clock.AfterFunc(s.opts.Debounce, func() { s.fire(id) })
}

func (s *Scheduler) fire(id string) {
	ctx := context.Background()
	err := s.opts.Dispatch(ctx, func(ctx context.Context) error { return s.save(ctx, id) })
	if err == nil || sheeterr.Is(err, sheeterr.ErrClosed) {
		return
	}
	s.log.WithDiagram(id).Error("autosave failed", "error", err)
	if s.opts.OnError != nil {
		s.opts.OnError(id, err)
	}
}

// Flush saves pending changes of id now. If a save is already in flight it
// waits for that save instead of issuing a concurrent one. Flush must run on
// the same serialized context as the source.
func (s *Scheduler) Flush(ctx context.Context, id string) error {
	return s.save(ctx, id)
}

// Cancel drops the pending save of id without writing it.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return
	}
	s.clearLocked(e)
}

// Invalidate cancels pending work for id and bumps its generation so that an
// in-flight save is discarded on completion.
func (s *Scheduler) Invalidate(id string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryLocked(id)
	s.clearLocked(e)
	e.generation++
	return e.generation
}

func (s *Scheduler) clearLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.dirty = false
	e.retained = nil
	if e.inflight == nil {
		e.state = StateDone
	}
}

// Dirty reports whether id has unsaved changes.
func (s *Scheduler) Dirty(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return ok && (e.dirty || e.inflight != nil)
}

// Unsaved returns retained content of id that has not been persisted yet.
func (s *Scheduler) Unsaved(id string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.retained == nil {
		return Snapshot{}, false
	}
	return *e.retained, true
}

// Task reports the save state of id.
func (s *Scheduler) Task(id string) (SaveTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return SaveTask{}, false
	}
	return SaveTask{DiagramID: id, Generation: e.generation, ScheduledAt: e.scheduledAt, State: e.state, Err: e.err}, true
}

func (s *Scheduler) save(ctx context.Context, id string) (err error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	for e.inflight != nil {
		ch := e.inflight
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	if !e.dirty {
		s.mu.Unlock()
		return nil
	}
	gen := e.generation
	e.dirty = false
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	done := make(chan struct{})
	e.inflight = done
	e.state = StateInFlight
	retained := e.retained
	src := s.source
	live := s.tracked == id && src != nil
	s.mu.Unlock()

	started := time.Now()
	var snap Snapshot
	var saved *domain.Diagram
	switch {
	case live:
		snap, err = s.capture(ctx, src)
	case retained != nil:
		snap = *retained
	default:
		err = sheeterr.NewRenderError("snapshot", id, sheeterr.New("diagram is not loaded and has no retained content"))
	}
	if err == nil {
		saved, err = s.saver.Update(ctx, id, domain.Patch{XMLContent: &snap.XML, SVGContent: &snap.SVG, Thumbnail: snap.Thumbnail})
		if err == nil && saved == nil {
			err = sheeterr.NewValidationError("autosave", "id", sheeterr.ErrNotFound)
		}
	}

	s.mu.Lock()
	e.inflight = nil
	close(done)
	if gen != e.generation {
		e.state = StateStale
		s.mu.Unlock()
		cerr := &sheeterr.ConcurrencyError{DiagramID: id, Generation: gen, Current: e.generation}
		s.log.WithDiagram(id).Debug("discarding stale save", "error", cerr)
		s.metrics.Observe(ctx, metrics.OpAutosaveStale, true, time.Since(started))
		return nil
	}
	if err != nil {
		e.dirty = true
		e.state = StateFailed
		e.err = err
		if live && snap.XML != "" {
			e.retained = &snap
		}
		s.mu.Unlock()
		s.metrics.Observe(ctx, metrics.OpAutosave, false, time.Since(started))
		return err
	}
	if retained != nil && e.retained == retained {
		e.retained = nil
	}
	if !e.dirty {
		e.state = StateDone
	}
	e.err = nil
	s.mu.Unlock()
	s.metrics.Observe(ctx, metrics.OpAutosave, true, time.Since(started))
	s.log.WithDiagram(id).Debug("diagram saved", "generation", gen)
	if s.opts.OnSaved != nil {
		s.opts.OnSaved(*saved)
	}
	return nil
}

func (s *Scheduler) capture(ctx context.Context, src Source) (Snapshot, error) {
	xml, err := src.ExportXMLSnapshot(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	svg, err := src.ExportVectorSnapshot(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{XML: xml, SVG: svg}
	if s.opts.Thumbnailer != nil {
		thumb, err := s.opts.Thumbnailer.Thumbnail(ctx, svg)
		if err != nil {
			s.log.Warn("thumbnail failed", "error", err)
		} else {
			snap.Thumbnail = &thumb
		}
	}
	return snap, nil
}

// Close stops all timers and the change subscription. Pending saves are not
// written; callers flush first.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.source = nil
}

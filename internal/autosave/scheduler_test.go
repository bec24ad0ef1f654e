package autosave

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sheetcore/internal/clock"
	sheeterr "sheetcore/internal/errors"
	"sheetcore/pkg/domain"
)

type fakeSource struct {
	mu        sync.Mutex
	xml       string
	listeners []func()
}

func (f *fakeSource) set(xml string) {
	f.mu.Lock()
	f.xml = xml
	fns := append([]func(){}, f.listeners...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (f *fakeSource) ExportXMLSnapshot(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.xml, nil
}

func (f *fakeSource) ExportVectorSnapshot(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return "<svg>" + f.xml + "</svg>", nil
}

func (f *fakeSource) OnChanged(fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
	idx := len(f.listeners) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.listeners[idx] = func() {}
	}
}

type update struct {
	id    string
	patch domain.Patch
}

type recordingSaver struct {
	mu      sync.Mutex
	updates []update
	err     error
	block   chan struct{}
	started chan struct{}
}

func (r *recordingSaver) Update(_ context.Context, id string, p domain.Patch) (*domain.Diagram, error) {
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update{id: id, patch: p})
	if r.err != nil {
		return nil, r.err
	}
	return &domain.Diagram{ID: id, XMLContent: *p.XMLContent}, nil
}

func (r *recordingSaver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *recordingSaver) last() update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[len(r.updates)-1]
}

func newTestScheduler(saver Saver, opts Options) (*Scheduler, *clock.Fake, *fakeSource) {
	fc := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	opts.Clock = fc
	s := New(saver, opts)
	src := &fakeSource{xml: "<a/>"}
	s.Attach(src)
	s.Track(context.Background(), "d1")
	return s, fc, src
}

func TestDebounceCoalescesNotifications(t *testing.T) {
	saver := &recordingSaver{}
	s, fc, src := newTestScheduler(saver, Options{})
	for i := 0; i < 5; i++ {
		src.set("<a v='" + string(rune('0'+i)) + "'/>")
		fc.Advance(200 * time.Millisecond)
	}
	if saver.count() != 0 {
		t.Fatalf("saved before the window elapsed: %d", saver.count())
	}
	fc.Advance(time.Second)
	if saver.count() != 1 {
		t.Fatalf("expected 1 coalesced save, got %d", saver.count())
	}
	if got := *saver.last().patch.XMLContent; got != "<a v='4'/>" {
		t.Fatalf("expected latest content saved, got %s", got)
	}
	if task, _ := s.Task("d1"); task.State != StateDone {
		t.Fatalf("unexpected task state %+v", task)
	}
	fc.Advance(5 * time.Second)
	if saver.count() != 1 {
		t.Fatal("no further saves expected")
	}
}

func TestFlushSavesImmediately(t *testing.T) {
	saver := &recordingSaver{}
	var saved []string
	s, fc, src := newTestScheduler(saver, Options{OnSaved: func(d domain.Diagram) { saved = append(saved, d.ID) }})
	src.set("<edited/>")
	if !s.Dirty("d1") {
		t.Fatal("expected dirty after change")
	}
	if err := s.Flush(context.Background(), "d1"); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if saver.count() != 1 || s.Dirty("d1") || len(saved) != 1 {
		t.Fatalf("flush did not save: count=%d saved=%v", saver.count(), saved)
	}
	fc.Advance(2 * time.Second)
	if saver.count() != 1 {
		t.Fatal("flushed timer must not fire again")
	}
	if err := s.Flush(context.Background(), "d1"); err != nil || saver.count() != 1 {
		t.Fatalf("clean flush should be a no-op: %v %d", err, saver.count())
	}
	if err := s.Flush(context.Background(), "unknown"); err != nil {
		t.Fatalf("flush of unknown diagram: %v", err)
	}
}

func TestFlushWaitsForInFlightSave(t *testing.T) {
	saver := &recordingSaver{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s, _, src := newTestScheduler(saver, Options{})
	src.set("<x/>")

	first := make(chan error, 1)
	go func() { first <- s.Flush(context.Background(), "d1") }()
	<-saver.started
	if task, _ := s.Task("d1"); task.State != StateInFlight {
		t.Fatalf("expected in-flight, got %+v", task)
	}

	second := make(chan error, 1)
	go func() { second <- s.Flush(context.Background(), "d1") }()
	close(saver.block)
	if err := <-first; err != nil {
		t.Fatalf("first flush: %v", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if saver.count() != 1 {
		t.Fatalf("expected a single write, got %d", saver.count())
	}
}

func TestInvalidateDiscardsInFlightSave(t *testing.T) {
	saver := &recordingSaver{block: make(chan struct{}), started: make(chan struct{}, 1)}
	var saved int
	s, _, src := newTestScheduler(saver, Options{OnSaved: func(domain.Diagram) { saved++ }})
	src.set("<x/>")

	done := make(chan error, 1)
	go func() { done <- s.Flush(context.Background(), "d1") }()
	<-saver.started
	if gen := s.Invalidate("d1"); gen != 1 {
		t.Fatalf("expected generation 1, got %d", gen)
	}
	close(saver.block)
	if err := <-done; err != nil {
		t.Fatalf("stale save should be silent, got %v", err)
	}
	task, _ := s.Task("d1")
	if task.State != StateStale || saved != 0 {
		t.Fatalf("expected stale discard, task=%+v saved=%d", task, saved)
	}
}

func TestFailedSaveRetainsContent(t *testing.T) {
	saver := &recordingSaver{err: sheeterr.NewPersistenceError("postgres", "update", sheeterr.Transient, errors.New("timeout"))}
	s, _, src := newTestScheduler(saver, Options{})
	src.set("<unsaved/>")
	if err := s.Flush(context.Background(), "d1"); err == nil {
		t.Fatal("expected flush error")
	}
	if !s.Dirty("d1") {
		t.Fatal("failed save must leave diagram dirty")
	}
	if task, _ := s.Task("d1"); task.State != StateFailed || task.Err == nil {
		t.Fatalf("unexpected task %+v", task)
	}

	s.Track(context.Background(), "d2")
	src.set("<other/>")
	snap, ok := s.Unsaved("d1")
	if !ok || snap.XML != "<unsaved/>" {
		t.Fatalf("retained snapshot lost: %+v %v", snap, ok)
	}

	saver.mu.Lock()
	saver.err = nil
	saver.mu.Unlock()
	if err := s.Flush(context.Background(), "d1"); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	if got := saver.last(); got.id != "d1" || *got.patch.XMLContent != "<unsaved/>" {
		t.Fatalf("expected retained content written, got %+v", got)
	}
	if _, ok := s.Unsaved("d1"); ok {
		t.Fatal("retained snapshot should be released after save")
	}
}

func TestTimerFailureReported(t *testing.T) {
	saver := &recordingSaver{err: sheeterr.NewPersistenceError("postgres", "update", sheeterr.Transient, errors.New("down"))}
	var reported []string
	s, fc, src := newTestScheduler(saver, Options{OnError: func(id string, err error) { reported = append(reported, id) }})
	src.set("<x/>")
	fc.Advance(time.Second)
	if len(reported) != 1 || reported[0] != "d1" {
		t.Fatalf("expected error report for d1, got %v", reported)
	}
	if !s.Dirty("d1") {
		t.Fatal("diagram should stay dirty")
	}
}

func TestMissingRecordIsNotRetryable(t *testing.T) {
	var calls int
	saver := SaverFunc(func(context.Context, string, domain.Patch) (*domain.Diagram, error) {
		calls++
		return nil, nil
	})
	s, _, src := newTestScheduler(saver, Options{})
	src.set("<x/>")
	err := s.Flush(context.Background(), "d1")
	var ve *sheeterr.ValidationError
	if !errors.As(err, &ve) || !errors.Is(err, sheeterr.ErrNotFound) {
		t.Fatalf("expected not found validation error, got %v", err)
	}
	if sheeterr.IsRetryable(err) || calls != 1 {
		t.Fatalf("missing record must not be retried: retryable=%v calls=%d", sheeterr.IsRetryable(err), calls)
	}
	if snap, ok := s.Unsaved("d1"); !ok || snap.XML != "<x/>" {
		t.Fatal("content must be retained after a failed save")
	}
}

type stubThumbnailer struct{}

func (stubThumbnailer) Thumbnail(_ context.Context, svg string) (string, error) {
	return "data:image/png;base64,AAAA", nil
}

func TestThumbnailAttached(t *testing.T) {
	saver := &recordingSaver{}
	s, _, src := newTestScheduler(saver, Options{Thumbnailer: stubThumbnailer{}})
	src.set("<x/>")
	if err := s.Flush(context.Background(), "d1"); err != nil {
		t.Fatalf("flush: %v", err)
	}
	p := saver.last().patch
	if p.Thumbnail == nil || *p.Thumbnail != "data:image/png;base64,AAAA" || *p.SVGContent != "<svg><x/></svg>" {
		t.Fatalf("unexpected patch %+v", p)
	}
}

func TestDispatchUsedForTimerSaves(t *testing.T) {
	saver := &recordingSaver{}
	dispatched := 0
	dispatch := func(ctx context.Context, fn func(context.Context) error) error {
		dispatched++
		return fn(ctx)
	}
	_, fc, src := newTestScheduler(saver, Options{Dispatch: dispatch, Debounce: 300 * time.Millisecond})
	src.set("<x/>")
	fc.Advance(300 * time.Millisecond)
	if dispatched != 1 || saver.count() != 1 {
		t.Fatalf("expected one dispatched save, dispatched=%d saves=%d", dispatched, saver.count())
	}
}

func TestCancelAndClose(t *testing.T) {
	saver := &recordingSaver{}
	s, fc, src := newTestScheduler(saver, Options{})
	src.set("<x/>")
	s.Cancel("d1")
	fc.Advance(2 * time.Second)
	if saver.count() != 0 || s.Dirty("d1") {
		t.Fatal("cancelled save must not be written")
	}

	src.set("<y/>")
	s.Close()
	fc.Advance(2 * time.Second)
	if saver.count() != 0 {
		t.Fatal("closed scheduler must not save")
	}
	src.set("<z/>")
	if fc.Pending() != 0 {
		t.Fatal("closed scheduler must not arm timers")
	}
}

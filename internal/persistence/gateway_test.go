package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"sheetcore/internal/config"
	sheeterr "sheetcore/internal/errors"
	"sheetcore/internal/infra/persistence/memory"
	"sheetcore/internal/metrics"
	"sheetcore/pkg/domain"
)

// scriptedStore wraps a memory store and fails calls according to a script of
// errors consumed in order. Once the script is exhausted, failAll (if set) is
// returned forever.
type scriptedStore struct {
	*memory.Store
	name    string
	script  []error
	failAll error
	calls   int
}

func newScripted(name string, script ...error) *scriptedStore {
	return &scriptedStore{Store: memory.NewStore("alice"), name: name, script: script}
}

func (s *scriptedStore) Name() string { return s.name }

func (s *scriptedStore) next() error {
	s.calls++
	if len(s.script) > 0 {
		err := s.script[0]
		s.script = s.script[1:]
		return err
	}
	return s.failAll
}

func (s *scriptedStore) Get(ctx context.Context, id string) (*domain.Diagram, error) {
	if err := s.next(); err != nil {
		return nil, err
	}
	return s.Store.Get(ctx, id)
}

func (s *scriptedStore) List(ctx context.Context) ([]domain.Diagram, error) {
	if err := s.next(); err != nil {
		return nil, err
	}
	return s.Store.List(ctx)
}

func (s *scriptedStore) Save(ctx context.Context, d domain.Diagram) (domain.Diagram, error) {
	if err := s.next(); err != nil {
		return domain.Diagram{}, err
	}
	return s.Store.Save(ctx, d)
}

func (s *scriptedStore) Update(ctx context.Context, id string, p domain.Patch) (*domain.Diagram, error) {
	if err := s.next(); err != nil {
		return nil, err
	}
	return s.Store.Update(ctx, id, p)
}

func (s *scriptedStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := s.next(); err != nil {
		return false, err
	}
	return s.Store.Delete(ctx, id)
}

func fatal(class sheeterr.Class) error {
	return sheeterr.NewPersistenceError("primary", "op", class, errors.New("boom"))
}

func transient() error {
	return sheeterr.NewPersistenceError("primary", "op", sheeterr.Transient, errors.New("connection reset"))
}

func fastRetry(n uint64) Options {
	return Options{Retry: RetryPolicy{MaxRetries: n, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}}
}

type captureRecorder struct{ ops []string }

func (c *captureRecorder) Observe(_ context.Context, op string, _ bool, _ time.Duration) {
	c.ops = append(c.ops, op)
}

func (c *captureRecorder) count(op string) int {
	n := 0
	for _, o := range c.ops {
		if o == op {
			n++
		}
	}
	return n
}

func TestGatewayBreakerIsSticky(t *testing.T) {
	ctx := context.Background()
	primary := newScripted("postgres", fatal(sheeterr.FatalSchema))
	fallback := newScripted("sqlite")
	rec := &captureRecorder{}
	opts := fastRetry(3)
	opts.Metrics = rec
	gw := New(primary, fallback, opts)

	saved, err := gw.Save(ctx, domain.Diagram{Name: "Sheet 1"})
	if err != nil {
		t.Fatalf("save should be served by fallback: %v", err)
	}
	if !gw.Tripped() || gw.Backend() != "sqlite" {
		t.Fatalf("expected breaker tripped onto sqlite, backend=%s", gw.Backend())
	}
	if !sheeterr.IsFatal(gw.TripCause()) {
		t.Fatalf("expected fatal trip cause, got %v", gw.TripCause())
	}

	for i := 0; i < 5; i++ {
		if _, err := gw.Get(ctx, saved.ID); err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
	}
	if primary.calls != 1 {
		t.Fatalf("primary must not be re-probed, calls=%d", primary.calls)
	}
	if fallback.calls != 6 {
		t.Fatalf("expected 6 fallback calls, got %d", fallback.calls)
	}
	if rec.count(metrics.OpBreakerTrip) != 1 {
		t.Fatalf("expected one trip observation, got %v", rec.ops)
	}
}

func TestGatewayTripsOnAuthErrors(t *testing.T) {
	primary := newScripted("redis", fatal(sheeterr.FatalAuth))
	fallback := newScripted("memory")
	gw := New(primary, fallback, fastRetry(3))
	if _, err := gw.List(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !gw.Tripped() {
		t.Fatal("auth failure should trip breaker")
	}
}

func TestGatewayRetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	primary := newScripted("postgres", transient(), transient())
	fallback := newScripted("sqlite")
	rec := &captureRecorder{}
	opts := fastRetry(3)
	opts.Metrics = rec
	gw := New(primary, fallback, opts)

	if _, err := gw.Save(ctx, domain.Diagram{Name: "Sheet 1"}); err != nil {
		t.Fatalf("save should succeed after retries: %v", err)
	}
	if primary.calls != 3 || fallback.calls != 0 {
		t.Fatalf("expected 3 primary attempts and no fallback, got %d/%d", primary.calls, fallback.calls)
	}
	if gw.Tripped() {
		t.Fatal("transient errors must not trip the breaker")
	}
	if rec.count(metrics.OpGatewayRetry) != 2 {
		t.Fatalf("expected 2 retry observations, got %v", rec.ops)
	}
}

func TestGatewaySurfacesExhaustedTransient(t *testing.T) {
	primary := newScripted("postgres")
	primary.failAll = transient()
	fallback := newScripted("sqlite")
	gw := New(primary, fallback, fastRetry(2))

	_, err := gw.Update(context.Background(), "x", domain.Patch{})
	if !sheeterr.IsRetryable(err) {
		t.Fatalf("expected transient error surfaced, got %v", err)
	}
	if primary.calls != 3 {
		t.Fatalf("expected 1 attempt + 2 retries, got %d", primary.calls)
	}
	if gw.Tripped() || fallback.calls != 0 {
		t.Fatal("exhausted transient retries must not touch the fallback")
	}
}

func TestGatewayDoesNotRetryUnclassified(t *testing.T) {
	primary := newScripted("postgres", errors.New("logic"))
	gw := New(primary, newScripted("sqlite"), fastRetry(3))
	if _, err := gw.Delete(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
	if primary.calls != 1 {
		t.Fatalf("unclassified errors are not retried, calls=%d", primary.calls)
	}
}

func TestGatewayUpdateMissingReturnsNil(t *testing.T) {
	gw := New(nil, newScripted("memory"), fastRetry(0))
	if !gw.Tripped() {
		t.Fatal("gateway without primary should start on fallback")
	}
	d, err := gw.Update(context.Background(), "missing", domain.Patch{})
	if err != nil || d != nil {
		t.Fatalf("expected nil record without error, got %v %v", d, err)
	}
}

func TestGatewayHonoursContext(t *testing.T) {
	primary := newScripted("postgres")
	primary.failAll = transient()
	gw := New(primary, newScripted("sqlite"), Options{Retry: RetryPolicy{MaxRetries: 50, InitialInterval: time.Hour, MaxInterval: time.Hour}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := gw.List(ctx); err == nil {
		t.Fatal("expected error with cancelled context")
	}
	if primary.calls > 1 {
		t.Fatalf("cancelled context should stop retries, calls=%d", primary.calls)
	}
}

func TestOpenFromConfig(t *testing.T) {
	cfg := config.Default().Storage
	cfg.Fallback.SQLitePath = filepath.Join(t.TempDir(), "sheets.db")
	cfg.Primary.Driver = "memory"

	gw, err := Open(context.Background(), cfg, "alice", Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer gw.Close()
	if gw.Tripped() || gw.Backend() != "memory" {
		t.Fatalf("expected memory primary, backend=%s", gw.Backend())
	}

	cfg.Primary.Driver = "redis"
	cfg.Primary.RedisURL = "not a url"
	gw2, err := Open(context.Background(), cfg, "alice", Options{})
	if err != nil {
		t.Fatalf("Open with broken primary: %v", err)
	}
	defer gw2.Close()
	if !gw2.Tripped() || gw2.Backend() != "sqlite" {
		t.Fatalf("expected fallback when primary cannot open, backend=%s", gw2.Backend())
	}

	cfg.Fallback.Driver = "tape"
	if _, err := Open(context.Background(), cfg, "alice", Options{}); err == nil {
		t.Fatal("expected error for unknown fallback driver")
	}
}

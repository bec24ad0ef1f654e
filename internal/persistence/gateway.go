// Package persistence fronts the diagram stores with a single CRUD gateway.
//
// The gateway talks to a primary store until the primary reports a fatal
// classified error (missing schema, permission denied, no principal). From
// then on every call goes to the fallback store for the rest of the
// gateway's lifetime. Transient primary errors are retried with exponential
// backoff and then surfaced unchanged.
package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	sheeterr "sheetcore/internal/errors"
	"sheetcore/internal/logging"
	"sheetcore/internal/metrics"
	"sheetcore/pkg/domain"
)

// RetryPolicy bounds transient retries.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy mirrors the configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialInterval: 200 * time.Millisecond, MaxInterval: 2 * time.Second}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, p.MaxRetries), ctx)
}

// Options configures a Gateway.
type Options struct {
	Retry   RetryPolicy
	Logger  *logging.Logger
	Metrics metrics.Recorder
}

// Gateway routes diagram CRUD to the primary or fallback store.
type Gateway struct {
	mu       sync.RWMutex
	primary  domain.DiagramStore
	fallback domain.DiagramStore
	tripped  bool
	tripErr  error

	retry   RetryPolicy
	log     *logging.Logger
	metrics metrics.Recorder
}

// New builds a gateway. A nil primary starts the gateway on the fallback.
func New(primary, fallback domain.DiagramStore, opts Options) *Gateway {
	g := &Gateway{
		primary:  primary,
		fallback: fallback,
		tripped:  primary == nil,
		retry:    opts.Retry,
		log:      logging.OrNop(opts.Logger).WithComponent("gateway"),
		metrics:  metrics.OrNop(opts.Metrics),
	}
	return g
}

// Tripped reports whether calls are being served by the fallback.
func (g *Gateway) Tripped() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tripped
}

// TripCause returns the error that tripped the breaker, if any.
func (g *Gateway) TripCause() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tripErr
}

// Backend names the store currently serving calls.
func (g *Gateway) Backend() string {
	s, _ := g.current()
	return s.Name()
}

func (g *Gateway) current() (domain.DiagramStore, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.tripped {
		return g.fallback, false
	}
	return g.primary, true
}

func (g *Gateway) trip(ctx context.Context, op string, cause error) {
	g.mu.Lock()
	already := g.tripped
	g.tripped = true
	if !already {
		g.tripErr = cause
	}
	g.mu.Unlock()
	if already {
		return
	}
	class, _ := sheeterr.ClassOf(cause)
	g.log.Warn("primary store disabled, using fallback",
		"op", op, "class", class.String(), "primary", g.primary.Name(), "fallback", g.fallback.Name(), "error", cause)
	g.metrics.Observe(ctx, metrics.OpBreakerTrip, true, 0)
}

// run executes fn against the serving store. A fatal primary failure trips
// the breaker and the same call is replayed on the fallback.
func (g *Gateway) run(ctx context.Context, op, metric string, fn func(domain.DiagramStore) error) (err error) {
	defer metrics.Since(ctx, g.metrics, metric, time.Now(), &err)
	store, primary := g.current()
	err = g.withRetry(ctx, op, store, fn)
	if err == nil || !primary || !sheeterr.IsFatal(err) {
		return err
	}
	g.trip(ctx, op, err)
	return g.withRetry(ctx, op, g.fallback, fn)
}

func (g *Gateway) withRetry(ctx context.Context, op string, store domain.DiagramStore, fn func(domain.DiagramStore) error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			g.metrics.Observe(ctx, metrics.OpGatewayRetry, true, 0)
		}
		err := fn(store)
		if err == nil {
			return nil
		}
		if sheeterr.IsRetryable(err) {
			g.log.Debug("transient store error", "op", op, "backend", store.Name(), "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, g.retry.backOff(ctx))
}

// Get returns the diagram or nil when it does not exist.
func (g *Gateway) Get(ctx context.Context, id string) (*domain.Diagram, error) {
	var out *domain.Diagram
	err := g.run(ctx, "get", metrics.OpGatewayGet, func(s domain.DiagramStore) error {
		d, err := s.Get(ctx, id)
		out = d
		return err
	})
	return out, err
}

// List returns every diagram, most recently updated first.
func (g *Gateway) List(ctx context.Context) ([]domain.Diagram, error) {
	var out []domain.Diagram
	err := g.run(ctx, "list", metrics.OpGatewayList, func(s domain.DiagramStore) error {
		ds, err := s.List(ctx)
		out = ds
		return err
	})
	return out, err
}

// Save inserts d and returns the stored record.
func (g *Gateway) Save(ctx context.Context, d domain.Diagram) (domain.Diagram, error) {
	var out domain.Diagram
	err := g.run(ctx, "save", metrics.OpGatewaySave, func(s domain.DiagramStore) error {
		saved, err := s.Save(ctx, d)
		out = saved
		return err
	})
	return out, err
}

// Update applies patch and returns the record, or nil when id is unknown.
func (g *Gateway) Update(ctx context.Context, id string, patch domain.Patch) (*domain.Diagram, error) {
	var out *domain.Diagram
	err := g.run(ctx, "update", metrics.OpGatewayUpdate, func(s domain.DiagramStore) error {
		d, err := s.Update(ctx, id, patch)
		out = d
		return err
	})
	if err == nil && out == nil {
		g.log.WithDiagram(id).Warn("update of unknown diagram")
	}
	return out, err
}

// Delete removes id and reports whether it existed.
func (g *Gateway) Delete(ctx context.Context, id string) (bool, error) {
	var out bool
	err := g.run(ctx, "delete", metrics.OpGatewayDelete, func(s domain.DiagramStore) error {
		ok, err := s.Delete(ctx, id)
		out = ok
		return err
	})
	return out, err
}

// Close closes both stores.
func (g *Gateway) Close() error {
	var errs []error
	if g.primary != nil {
		errs = append(errs, g.primary.Close())
	}
	if g.fallback != nil {
		errs = append(errs, g.fallback.Close())
	}
	return sheeterr.Join(errs...)
}

package session

import (
	"context"

	"sheetcore/internal/logging"
)

type quietKey struct{}

// WithoutAlerts marks ctx so that failures of operations run with it are
// returned to the caller but not alerted. Batch export uses it for per-diagram
// switches whose failures are reported in the export result instead.
func WithoutAlerts(ctx context.Context) context.Context {
	return context.WithValue(ctx, quietKey{}, true)
}

func alertsSuppressed(ctx context.Context) bool {
	quiet, _ := ctx.Value(quietKey{}).(bool)
	return quiet
}

// Alerter surfaces user-facing failures.
type Alerter interface {
	Alert(ctx context.Context, err error)
}

// AlerterFunc adapts a function to Alerter.
type AlerterFunc func(ctx context.Context, err error)

// Alert calls f.
func (f AlerterFunc) Alert(ctx context.Context, err error) { f(ctx, err) }

// LogAlerter writes alerts to a logger. It is the default when no Alerter is
// configured.
type LogAlerter struct {
	Logger *logging.Logger
}

// Alert implements Alerter.
func (a LogAlerter) Alert(_ context.Context, err error) {
	logging.OrNop(a.Logger).Error("session alert", "error", err)
}

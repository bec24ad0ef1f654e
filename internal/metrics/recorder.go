// Package metrics records operation outcomes for the gateway, autosave and
// export components. Recorders are keyed by operation name and capture success
// and duration.
package metrics

import (
	"context"
	"time"
)

// Operation names shared by the instrumented components.
const (
	OpGatewayGet      = "gateway.get"
	OpGatewayList     = "gateway.list"
	OpGatewaySave     = "gateway.save"
	OpGatewayUpdate   = "gateway.update"
	OpGatewayDelete   = "gateway.delete"
	OpGatewayRetry    = "gateway.retry"
	OpBreakerTrip     = "gateway.breaker_trip"
	OpAutosave        = "autosave.save"
	OpAutosaveStale   = "autosave.stale"
	OpExportPage      = "export.page"
	OpExportDocument  = "export.document"
	OpSessionSwitch   = "session.switch"
	OpArtifactPublish = "export.publish"
)

// Recorder observes operation outcomes.
type Recorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Nop discards observations.
type Nop struct{}

// Observe implements Recorder.
func (Nop) Observe(context.Context, string, bool, time.Duration) {}

// OrNop returns r or a Nop recorder when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

// Since is a helper for deferred observations:
//
//	defer metrics.Since(ctx, rec, metrics.OpGatewayGet, time.Now(), &err)
func Since(ctx context.Context, r Recorder, operation string, started time.Time, errp *error) {
	success := errp == nil || *errp == nil
	OrNop(r).Observe(ctx, operation, success, time.Since(started))
}

// Fanout forwards observations to several recorders.
type Fanout []Recorder

// Observe implements Recorder.
func (f Fanout) Observe(ctx context.Context, operation string, success bool, duration time.Duration) {
	for _, r := range f {
		if r != nil {
			r.Observe(ctx, operation, success, duration)
		}
	}
}

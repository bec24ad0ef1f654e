// Package errors defines the error taxonomy shared by the sheet session core.
//
// Four kinds of failure flow through the system:
//
//   - ValidationError: the caller asked for something the session refuses
//     (deleting the last diagram, an empty rename, a concurrent create). No
//     state changes and the caller is expected to alert the user.
//   - PersistenceError: a backend call failed. The Class decides what happens
//     next: FatalSchema and FatalAuth trip the gateway's circuit breaker,
//     Transient is retried with backoff and finally surfaced.
//   - RenderError: the editor surface could not import content or produce a
//     snapshot.
//   - ConcurrencyError: a stale save or superseded request. These are dropped
//     silently.
//
// The standard library helpers are re-exported so callers need a single import.
package errors

import (
	"errors"
	"fmt"
)

var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Sentinel errors.
var (
	ErrLastDiagram      = errors.New("cannot delete the last diagram")
	ErrEmptyName        = errors.New("diagram name must not be empty")
	ErrNameUnchanged    = errors.New("diagram name unchanged")
	ErrCreateInProgress = errors.New("diagram creation already in progress")
	ErrNotFound         = errors.New("diagram not found")
	ErrClosed           = errors.New("session closed")
	ErrStale            = errors.New("stale operation discarded")
	ErrNoPrincipal      = errors.New("no authenticated principal")
	ErrEmptyExport      = errors.New("nothing to export")
	ErrEmptyContent     = errors.New("diagram content must not be empty")
)

// ValidationError reports a rejected request.
type ValidationError struct {
	Op     string
	Field  string
	Reason error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: invalid %s: %v", e.Op, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Reason }

// NewValidationError builds a ValidationError for op.
func NewValidationError(op, field string, reason error) *ValidationError {
	return &ValidationError{Op: op, Field: field, Reason: reason}
}

// Class classifies persistence failures at the backend boundary.
type Class int

const (
	// Transient failures may succeed on retry (network, timeouts, busy).
	Transient Class = iota
	// FatalSchema means the backing table or keyspace does not exist.
	FatalSchema
	// FatalAuth covers permission denied and missing principals.
	FatalAuth
	// Corrupt means one stored record could not be decoded. It is neither
	// retried nor treated as a backend outage.
	Corrupt
)

func (c Class) String() string {
	switch c {
	case FatalSchema:
		return "fatal_schema"
	case FatalAuth:
		return "fatal_auth"
	case Corrupt:
		return "corrupt"
	default:
		return "transient"
	}
}

// Fatal reports whether the class trips the circuit breaker.
func (c Class) Fatal() bool { return c == FatalSchema || c == FatalAuth }

// PersistenceError wraps a backend failure with its classification.
type PersistenceError struct {
	Backend string
	Op      string
	Class   Class
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Backend, e.Op, e.Class, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewPersistenceError builds a classified persistence error.
func NewPersistenceError(backend, op string, class Class, err error) *PersistenceError {
	return &PersistenceError{Backend: backend, Op: op, Class: class, Err: err}
}

// RenderError reports an editor surface failure.
type RenderError struct {
	Stage     string
	DiagramID string
	Err       error
}

func (e *RenderError) Error() string {
	if e.DiagramID != "" {
		return fmt.Sprintf("render %s for diagram %s: %v", e.Stage, e.DiagramID, e.Err)
	}
	return fmt.Sprintf("render %s: %v", e.Stage, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// NewRenderError builds a RenderError.
func NewRenderError(stage, diagramID string, err error) *RenderError {
	return &RenderError{Stage: stage, DiagramID: diagramID, Err: err}
}

// ConcurrencyError marks work discarded because it was superseded.
type ConcurrencyError struct {
	DiagramID  string
	Generation uint64
	Current    uint64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("diagram %s: generation %d superseded by %d", e.DiagramID, e.Generation, e.Current)
}

func (e *ConcurrencyError) Unwrap() error { return ErrStale }

// ClassOf returns the persistence class of err and whether err carried one.
func ClassOf(err error) (Class, bool) {
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return pe.Class, true
	}
	return Transient, false
}

// IsFatal reports whether err is a fatal-class persistence error.
func IsFatal(err error) bool {
	class, ok := ClassOf(err)
	return ok && class.Fatal()
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	class, ok := ClassOf(err)
	return ok && class == Transient
}

// IsUserFacing reports whether err should reach the user as an alert.
// Concurrency errors never do.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConcurrencyError
	if errors.As(err, &ce) || errors.Is(err, ErrStale) {
		return false
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return !pe.Class.Fatal()
	}
	var re *RenderError
	return errors.As(err, &re)
}

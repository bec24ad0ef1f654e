// Package memory implements an in-process diagram store. It backs tests and
// the "memory" fallback driver.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sheetcore/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.DiagramStore = (*Store)(nil)

// Store keeps diagrams in a map guarded by a RWMutex. Records are cloned on
// the way in and out.
type Store struct {
	mu       sync.RWMutex
	owner    string
	diagrams map[string]domain.Diagram
	nowFn    func() time.Time
}

// NewStore returns an empty store scoped to owner.
func NewStore(owner string) *Store {
	return &Store{
		owner:    owner,
		diagrams: make(map[string]domain.Diagram),
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the timestamp source.
func (s *Store) SetNow(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

// Name implements domain.DiagramStore.
func (s *Store) Name() string { return "memory" }

// Get implements domain.DiagramStore.
func (s *Store) Get(_ context.Context, id string) (*domain.Diagram, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.diagrams[id]
	if !ok {
		return nil, nil
	}
	cp := d.Clone()
	return &cp, nil
}

// List implements domain.DiagramStore.
func (s *Store) List(_ context.Context) ([]domain.Diagram, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Diagram, 0, len(s.diagrams))
	for _, d := range s.diagrams {
		out = append(out, d.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Save implements domain.DiagramStore. An empty ID is assigned.
func (s *Store) Save(_ context.Context, d domain.Diagram) (domain.Diagram, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := s.nowFn()
	d.OwnerID = s.owner
	d.CreatedAt = now
	d.UpdatedAt = now
	s.diagrams[d.ID] = d.Clone()
	return d.Clone(), nil
}

// Update implements domain.DiagramStore.
func (s *Store) Update(_ context.Context, id string, patch domain.Patch) (*domain.Diagram, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.diagrams[id]
	if !ok {
		return nil, nil
	}
	patch.Apply(&d)
	d.UpdatedAt = s.nowFn()
	s.diagrams[id] = d
	cp := d.Clone()
	return &cp, nil
}

// Delete implements domain.DiagramStore.
func (s *Store) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.diagrams[id]; !ok {
		return false, nil
	}
	delete(s.diagrams, id)
	return true, nil
}

// Close implements domain.DiagramStore.
func (s *Store) Close() error { return nil }

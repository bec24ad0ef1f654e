package session

import (
	"context"

	sheeterr "sheetcore/internal/errors"
	"sheetcore/pkg/domain"
)

// Suggestion is one finding of an external review service.
type Suggestion struct {
	RuleID          string
	Severity        string
	Issue           string
	Suggestion      string
	TargetElementID string
	Fix             *Fix
}

// Fix is a proposed correction attached to a Suggestion.
type Fix struct {
	NewLabel string
}

// Generation is the output of an external diagram generator.
type Generation struct {
	DiagramContent string
	GuideSteps     []string
	LaneNames      []string
}

// ApplyGeneration stores generated content as a new diagram and activates
// it. When the editor rejects the content the new diagram is removed again.
func (s *Store) ApplyGeneration(ctx context.Context, name string, g Generation) (domain.Diagram, error) {
	if g.DiagramContent == "" {
		return domain.Diagram{}, s.fail(ctx, sheeterr.NewValidationError("generate", "content", sheeterr.ErrEmptyContent))
	}
	if !s.creating.CompareAndSwap(false, true) {
		return domain.Diagram{}, s.fail(ctx, sheeterr.NewValidationError("generate", "", sheeterr.ErrCreateInProgress))
	}
	defer s.creating.Store(false)

	var created domain.Diagram
	err := s.queue.do(ctx, func(ctx context.Context) error {
		d, err := s.createLocked(ctx, NewDiagram{Name: name, XMLContent: g.DiagramContent})
		if err != nil {
			return err
		}
		if err := s.switchLocked(ctx, d.ID); err != nil {
			if derr := s.deleteLocked(ctx, d.ID); derr != nil {
				s.log.WithDiagram(d.ID).Warn("rollback of generated diagram failed", "error", derr)
			}
			return err
		}
		created = d
		return nil
	})
	if err != nil {
		return domain.Diagram{}, s.fail(ctx, err)
	}
	return created, nil
}

// FocusSuggestion selects the element a suggestion points at. It reports
// false when the suggestion has no target or the target is not in the active
// diagram.
func (s *Store) FocusSuggestion(ctx context.Context, sg Suggestion) (bool, error) {
	if sg.TargetElementID == "" {
		return false, nil
	}
	var found bool
	err := s.queue.do(ctx, func(context.Context) error {
		if _, ok := s.adapter.LookupElement(sg.TargetElementID); !ok {
			return nil
		}
		s.adapter.SetSelection([]string{sg.TargetElementID})
		found = true
		return nil
	})
	return found, err
}

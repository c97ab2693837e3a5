package agent

import (
	"sync"

	"github.com/whatisup223/outreachbridge/pkg/domain"
	"github.com/whatisup223/outreachbridge/pkg/domain/dispatch"
)

// Surface models the human-facing confirmation UI:
// no_draft → draft_shown → action_taken → confirmed, or
// draft_shown → dismissed. Confirmation stays locked until at least one
// action-taken event fires, so a human cannot confirm an action they
// never performed.
type Surface struct {
	mu      sync.Mutex
	state   domain.SurfaceState
	draft   dispatch.PendingDraft
	actions []domain.ActionKind
}

// NewSurface creates an empty surface.
func NewSurface() *Surface {
	return &Surface{state: domain.SurfaceNoDraft}
}

// Show renders the surface from a draft, live or recovered.
func (s *Surface) Show(draft dispatch.PendingDraft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.SurfaceNoDraft {
		return ErrSurfaceBusy
	}
	s.state = domain.SurfaceDraftShown
	s.draft = draft
	s.actions = nil
	return nil
}

// TakeAction records a human action on the supplied content. The first
// action unlocks the confirmation control.
func (s *Surface) TakeAction(kind domain.ActionKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case domain.SurfaceDraftShown, domain.SurfaceActionTaken:
		s.state = domain.SurfaceActionTaken
		s.actions = append(s.actions, kind)
		return nil
	default:
		return ErrNoSurface
	}
}

// ConfirmEnabled reports whether the confirmation control is unlocked.
func (s *Surface) ConfirmEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == domain.SurfaceActionTaken
}

// Confirm moves the surface to its terminal confirmed state.
func (s *Surface) Confirm() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.SurfaceActionTaken {
		return ErrActionRequired
	}
	s.state = domain.SurfaceConfirmed
	return nil
}

// Dismiss moves the surface to its terminal dismissed state.
func (s *Surface) Dismiss() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case domain.SurfaceDraftShown, domain.SurfaceActionTaken:
		s.state = domain.SurfaceDismissed
		return nil
	default:
		return ErrNoSurface
	}
}

// Reset clears the surface after terminal removal.
func (s *Surface) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = domain.SurfaceNoDraft
	s.draft = dispatch.PendingDraft{}
	s.actions = nil
}

// State returns the current surface state.
func (s *Surface) State() domain.SurfaceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Draft returns the draft currently rendered, valid outside no_draft.
func (s *Surface) Draft() dispatch.PendingDraft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// Actions returns the human actions recorded so far.
func (s *Surface) Actions() []domain.ActionKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ActionKind, len(s.actions))
	copy(out, s.actions)
	return out
}

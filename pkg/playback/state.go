package playback

import (
	"fmt"
	"time"
)

// Phase is the lifecycle phase of one video's playback resource.
type Phase int

const (
	PhaseNotLoaded Phase = iota
	PhaseLoading
	PhaseReady
	PhaseFailed
	PhasePermanentlyFailed
	PhaseDisposed
)

func (p Phase) String() string {
	switch p {
	case PhaseNotLoaded:
		return "not_loaded"
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	case PhaseFailed:
		return "failed"
	case PhasePermanentlyFailed:
		return "permanently_failed"
	case PhaseDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition may leave p.
func (p Phase) Terminal() bool {
	return p == PhasePermanentlyFailed || p == PhaseDisposed
}

// VideoState is the lifecycle record for one descriptor id. The manager
// owns the live record exclusively; callers only ever receive copies.
type VideoState struct {
	Descriptor   VideoDescriptor
	Phase        Phase
	LastError    string
	Retries      int
	TransitionAt time.Time
}

// CanRetry reports whether the scheduler may still re-attempt this video
// automatically. The UI uses it to decide between a retry affordance and
// a terminal error treatment.
func (s *VideoState) CanRetry(maxRetries int) bool {
	return s.Phase == PhaseFailed && s.Retries < maxRetries
}

// toLoading begins a load attempt. Legal from NotLoaded (first load),
// Failed (retry) and Ready (explicit reload). Clears the previous error.
func (s *VideoState) toLoading() error {
	switch s.Phase {
	case PhaseNotLoaded, PhaseFailed, PhaseReady:
		s.Phase = PhaseLoading
		s.LastError = ""
		s.TransitionAt = time.Now()
		return nil
	default:
		return transitionError(s.Phase, PhaseLoading)
	}
}

// toReady completes a load. The retry counter is cleared: a successful
// load forgives earlier transient failures.
func (s *VideoState) toReady() error {
	if s.Phase != PhaseLoading {
		return transitionError(s.Phase, PhaseReady)
	}
	s.Phase = PhaseReady
	s.Retries = 0
	s.TransitionAt = time.Now()
	return nil
}

// toFailed records a failed load attempt. The retry counter increments,
// and once it exceeds maxRetries the record is redirected to
// PermanentlyFailed with the same error message retained.
func (s *VideoState) toFailed(msg string, maxRetries int) error {
	if s.Phase != PhaseLoading {
		return transitionError(s.Phase, PhaseFailed)
	}
	s.Retries++
	s.LastError = msg
	if s.Retries > maxRetries {
		s.Phase = PhasePermanentlyFailed
	} else {
		s.Phase = PhaseFailed
	}
	s.TransitionAt = time.Now()
	return nil
}

// toNotLoaded releases the record back to the unloaded pool after its
// resource was reclaimed (window exit, ceiling eviction, memory pressure).
// Distinct from Disposed: a released video is eligible for reload.
func (s *VideoState) toNotLoaded() error {
	switch s.Phase {
	case PhaseReady, PhaseLoading:
		s.Phase = PhaseNotLoaded
		s.TransitionAt = time.Now()
		return nil
	default:
		return transitionError(s.Phase, PhaseNotLoaded)
	}
}

// toDisposed tears the record down for good. Legal from any non-terminal
// phase.
func (s *VideoState) toDisposed() error {
	if s.Phase.Terminal() {
		return transitionError(s.Phase, PhaseDisposed)
	}
	s.Phase = PhaseDisposed
	s.TransitionAt = time.Now()
	return nil
}

func transitionError(from, to Phase) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

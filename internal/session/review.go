package session

import (
	"fmt"

	"go.uber.org/zap"
)

// Action is the explicit user decision required once a blocking review's
// retry budget is exhausted.
type Action string

const (
	// ActionRetry resets the attempt counter and re-arms the review.
	ActionRetry Action = "retry"

	// ActionSkip clears the review and advances past the gated step.
	ActionSkip Action = "skip"

	// ActionAbort clears the review and retires the run.
	ActionAbort Action = "abort"
)

// Valid reports whether a is a known review action.
func (a Action) Valid() bool {
	switch a {
	case ActionRetry, ActionSkip, ActionAbort:
		return true
	}
	return false
}

// SetPendingReview installs the session's pending gate review. A session
// holds at most one review at a time; installing over an existing one
// replaces it.
func (s *Store) SetPendingReview(sessionID string, review *PendingGateReview) error {
	if review == nil {
		return fmt.Errorf("pending review is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if sess.PendingReview != nil {
		s.logger.Warn("replacing existing pending gate review",
			zap.String("session_id", sessionID))
	}

	next, err := sess.clone()
	if err != nil {
		return err
	}
	next.PendingReview = review
	return s.commit(next)
}

// ClearPendingReview drops the pending review, if any. Clearing when none is
// pending is a no-op.
func (s *Store) ClearPendingReview(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if sess.PendingReview == nil {
		return nil
	}

	next, err := sess.clone()
	if err != nil {
		return err
	}
	next.PendingReview = nil
	return s.commit(next)
}

// RecordFailedAttempt increments the pending review's attempt counter and,
// once attempts reach the resolved budget, marks the review exhausted. The
// updated review is returned; the session stays on its current step.
func (s *Store) RecordFailedAttempt(sessionID string) (*PendingGateReview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if sess.PendingReview == nil {
		return nil, fmt.Errorf("%w: session %s", ErrNoPendingReview, sessionID)
	}

	next, err := sess.clone()
	if err != nil {
		return nil, err
	}
	review := next.PendingReview
	review.AttemptCount++
	if review.MaxAttempts > 0 && review.AttemptCount >= review.MaxAttempts {
		review.RetryLimitExceeded = true
	}
	if err := s.commit(next); err != nil {
		return nil, err
	}

	out := *review
	return &out, nil
}

// ApplyReviewAction resolves an exhausted (or outstanding) review with an
// explicit user decision and returns the updated session.
func (s *Store) ApplyReviewAction(sessionID string, action Action) (*ChainSession, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("unknown gate action %q", action)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if sess.PendingReview == nil {
		return nil, fmt.Errorf("%w: session %s", ErrNoPendingReview, sessionID)
	}

	next, err := sess.clone()
	if err != nil {
		return nil, err
	}

	switch action {
	case ActionRetry:
		next.PendingReview.AttemptCount = 0
		next.PendingReview.RetryLimitExceeded = false
	case ActionSkip:
		next.PendingReview = nil
		next.State.CurrentStep++
	case ActionAbort:
		next.PendingReview = nil
		next.Aborted = true
	}

	if err := s.commit(next); err != nil {
		return nil, err
	}

	s.logger.Info("applied gate review action",
		zap.String("session_id", sessionID),
		zap.String("action", string(action)))
	return next.clone()
}

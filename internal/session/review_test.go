package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReviewSession(t *testing.T, maxAttempts int) *Store {
	t.Helper()
	store := newTestStore(t)
	_, err := store.CreateSession("s1", "c#1", 3, nil, nil)
	require.NoError(t, err)
	require.NoError(t, store.SetPendingReview("s1", &PendingGateReview{
		GateIDs:      []string{"g1"},
		Instructions: "review the step output",
		MaxAttempts:  maxAttempts,
	}))
	return store
}

func TestStore_RecordFailedAttempt_ExhaustsBudget(t *testing.T) {
	store := newReviewSession(t, 2)

	review, err := store.RecordFailedAttempt("s1")
	require.NoError(t, err)
	assert.Equal(t, 1, review.AttemptCount)
	assert.False(t, review.RetryLimitExceeded)

	review, err = store.RecordFailedAttempt("s1")
	require.NoError(t, err)
	assert.Equal(t, 2, review.AttemptCount)
	assert.True(t, review.RetryLimitExceeded)

	// The session stays on its step until an explicit action.
	sess, err := store.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.State.CurrentStep)
	require.NotNil(t, sess.PendingReview)
	assert.True(t, sess.PendingReview.RetryLimitExceeded)
}

func TestStore_RecordFailedAttempt_NoReview(t *testing.T) {
	store := newTestStore(t)
	_, err := store.CreateSession("s1", "c#1", 1, nil, nil)
	require.NoError(t, err)

	_, err = store.RecordFailedAttempt("s1")
	assert.ErrorIs(t, err, ErrNoPendingReview)
}

func TestStore_ApplyReviewAction_Retry(t *testing.T) {
	store := newReviewSession(t, 1)
	_, err := store.RecordFailedAttempt("s1")
	require.NoError(t, err)

	sess, err := store.ApplyReviewAction("s1", ActionRetry)
	require.NoError(t, err)

	require.NotNil(t, sess.PendingReview)
	assert.Equal(t, 0, sess.PendingReview.AttemptCount)
	assert.False(t, sess.PendingReview.RetryLimitExceeded)
	assert.Equal(t, 1, sess.State.CurrentStep)
}

func TestStore_ApplyReviewAction_Skip(t *testing.T) {
	store := newReviewSession(t, 1)

	sess, err := store.ApplyReviewAction("s1", ActionSkip)
	require.NoError(t, err)

	assert.Nil(t, sess.PendingReview)
	assert.Equal(t, 2, sess.State.CurrentStep)
	assert.False(t, sess.Aborted)
}

func TestStore_ApplyReviewAction_Abort(t *testing.T) {
	store := newReviewSession(t, 1)

	sess, err := store.ApplyReviewAction("s1", ActionAbort)
	require.NoError(t, err)

	assert.Nil(t, sess.PendingReview)
	assert.True(t, sess.Aborted)
	assert.True(t, sess.Dormant())
}

func TestStore_ApplyReviewAction_Validation(t *testing.T) {
	store := newReviewSession(t, 1)

	_, err := store.ApplyReviewAction("s1", Action("escalate"))
	assert.Error(t, err)

	_, err = store.ApplyReviewAction("ghost", ActionSkip)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ClearPendingReview_Idempotent(t *testing.T) {
	store := newReviewSession(t, 1)

	require.NoError(t, store.ClearPendingReview("s1"))
	require.NoError(t, store.ClearPendingReview("s1"))

	sess, err := store.GetSession("s1")
	require.NoError(t, err)
	assert.Nil(t, sess.PendingReview)
}

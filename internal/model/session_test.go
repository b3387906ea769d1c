package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionState_Terminal(t *testing.T) {
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateAbandoned.Terminal())
	assert.False(t, StateUninitialized.Terminal())
	assert.False(t, StateInProgress.Terminal())
	assert.False(t, StateRestarting.Terminal())
	assert.False(t, StateSubmitting.Terminal())
}

func TestNewSession_AnchorsDeadlineToLocalClock(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	grant := &AttemptGrant{
		AttemptID:     "attempt-1",
		QuestionOrder: []string{"q2", "q1"},
		TimeLimitSec:  600,
		StartedAt:     now.Add(-2 * time.Second), // server clock skew is irrelevant
		RestartCount:  1,
	}

	sess := NewSession("quiz-1", grant, now)

	assert.Equal(t, "attempt-1", sess.AttemptID)
	assert.Equal(t, 0, sess.CurrentIndex)
	assert.Equal(t, now.Add(10*time.Minute), sess.Deadline)
	assert.Equal(t, 1, sess.RestartCount)
	require.NotNil(t, sess.Answers)
	assert.Empty(t, sess.Answers)

	// The order is copied, not aliased.
	grant.QuestionOrder[0] = "mutated"
	assert.Equal(t, "q2", sess.QuestionOrder[0])
}

func TestSession_Remaining(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	sess := &Session{Deadline: now.Add(90 * time.Second)}

	assert.Equal(t, 90*time.Second, sess.Remaining(now))
	assert.Equal(t, time.Duration(0), sess.Remaining(now.Add(2*time.Minute)))

	var nilSess *Session
	assert.Equal(t, time.Duration(0), nilSess.Remaining(now))
}

func TestSession_CurrentQuestionID(t *testing.T) {
	sess := &Session{QuestionOrder: []string{"q3", "q1", "q2"}}

	assert.Equal(t, "q3", sess.CurrentQuestionID())
	sess.CurrentIndex = 2
	assert.Equal(t, "q2", sess.CurrentQuestionID())
	sess.CurrentIndex = 3
	assert.Equal(t, "", sess.CurrentQuestionID())

	assert.True(t, sess.HasQuestion("q1"))
	assert.False(t, sess.HasQuestion("q9"))
}

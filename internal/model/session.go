package model

import (
	"time"
)

// SessionState enumerates the lifecycle states of a quiz attempt.
type SessionState string

const (
	StateUninitialized        SessionState = "UNINITIALIZED"
	StateAcquiringEnvironment SessionState = "ACQUIRING_ENVIRONMENT"
	StateInProgress           SessionState = "IN_PROGRESS"
	StateRestarting           SessionState = "RESTARTING"
	StateSubmitting           SessionState = "SUBMITTING"
	StateCompleted            SessionState = "COMPLETED"
	StateAbandoned            SessionState = "ABANDONED"
)

// Terminal reports whether the state accepts no further transitions.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateAbandoned
}

// Session represents one quiz attempt in progress. It is replaced
// wholesale on restart: a restart never patches an existing Session.
type Session struct {
	AttemptID     string         `json:"attempt_id"`
	QuizID        string         `json:"quiz_id"`
	QuestionOrder []string       `json:"question_order"`
	CurrentIndex  int            `json:"current_index"`
	Answers       map[string][]int `json:"answers"`
	TimeLimitSec  int            `json:"time_limit_sec"`
	StartedAt     time.Time      `json:"started_at"`
	// Deadline is the absolute wall-clock submission cutoff. Remaining
	// time is always derived from it, never from a decremented counter,
	// so throttled timers cannot drift the session clock.
	Deadline     time.Time `json:"deadline"`
	RestartCount int       `json:"restart_count"`
}

// Remaining returns the time left until the deadline, floored at zero.
func (s *Session) Remaining(now time.Time) time.Duration {
	if s == nil {
		return 0
	}
	rem := s.Deadline.Sub(now)
	if rem < 0 {
		return 0
	}
	return rem
}

// CurrentQuestionID returns the question id at the current index.
func (s *Session) CurrentQuestionID() string {
	if s == nil || s.CurrentIndex < 0 || s.CurrentIndex >= len(s.QuestionOrder) {
		return ""
	}
	return s.QuestionOrder[s.CurrentIndex]
}

// HasQuestion reports whether id belongs to this attempt's order.
func (s *Session) HasQuestion(id string) bool {
	for _, qid := range s.QuestionOrder {
		if qid == id {
			return true
		}
	}
	return false
}

// NewSession builds a Session from an attempt grant. The deadline is
// anchored to the local clock at the moment the grant is applied.
func NewSession(quizID string, grant *AttemptGrant, now time.Time) *Session {
	order := make([]string, len(grant.QuestionOrder))
	copy(order, grant.QuestionOrder)

	return &Session{
		AttemptID:     grant.AttemptID,
		QuizID:        quizID,
		QuestionOrder: order,
		CurrentIndex:  0,
		Answers:       make(map[string][]int),
		TimeLimitSec:  grant.TimeLimitSec,
		StartedAt:     grant.StartedAt,
		Deadline:      now.Add(time.Duration(grant.TimeLimitSec) * time.Second),
		RestartCount:  grant.RestartCount,
	}
}

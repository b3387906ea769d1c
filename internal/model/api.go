package model

import (
	"time"
)

// DeviceDescriptor identifies the examinee's device at attempt start.
type DeviceDescriptor struct {
	Platform     string `json:"platform" binding:"required" validate:"required"`
	UserAgent    string `json:"user_agent,omitempty"`
	ScreenWidth  int    `json:"screen_width,omitempty"`
	ScreenHeight int    `json:"screen_height,omitempty"`
}

// AttemptGrant is the server's response to a start or restart call.
// It is a full replacement: fresh attempt id, fresh shuffle, fresh
// timer. The client never merges a grant into an existing session.
type AttemptGrant struct {
	AttemptID     string    `json:"attempt_id"`
	QuestionOrder []string  `json:"question_order"`
	TimeLimitSec  int       `json:"time_limit_sec"`
	StartedAt     time.Time `json:"started_at"`
	RestartCount  int       `json:"restart_count"`
}

// StartAttemptRequest begins a fresh attempt for a quiz.
type StartAttemptRequest struct {
	QuizID string           `json:"quiz_id" binding:"required" validate:"required"`
	Device DeviceDescriptor `json:"device" binding:"required" validate:"required"`
}

// RestartAttemptRequest supersedes an attempt after a hard violation.
type RestartAttemptRequest struct {
	Reason string `json:"reason" binding:"required,max=100" validate:"required,max=100"`
}

// UpsertAnswerRequest autosaves the selection set for one question.
// Seq is a per-question monotonic sequence number: the server ignores
// any upsert whose Seq is not greater than the last accepted one, so
// two in-flight autosaves completing out of order cannot let a stale
// selection overwrite a newer one.
type UpsertAnswerRequest struct {
	QuestionID      string `json:"question_id" binding:"required" validate:"required"`
	SelectedIndices []int  `json:"selected_indices" binding:"required" validate:"required"`
	TimeSpentMs     int64  `json:"time_spent_ms" binding:"min=0" validate:"min=0"`
	Seq             int64  `json:"seq" binding:"min=1" validate:"min=1"`
}

// UpsertAnswerResponse reports whether the upsert was applied or
// rejected as stale.
type UpsertAnswerResponse struct {
	Accepted bool `json:"accepted"`
}

// LogEventsRequest delivers a batch of queued events in order.
type LogEventsRequest struct {
	Events []IntegrityEvent `json:"events" binding:"required" validate:"required,dive"`
}

// LogEventsResponse acknowledges a batch delivery.
type LogEventsResponse struct {
	Accepted int `json:"accepted"`
}

// LoginRequest authenticates an examinee.
type LoginRequest struct {
	Username string `json:"username" binding:"required" validate:"required"`
	Password string `json:"password" binding:"required" validate:"required"`
}

// LoginResponse carries the bearer token for subsequent calls.
type LoginResponse struct {
	Token string `json:"token"`
}

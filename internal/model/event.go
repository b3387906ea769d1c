package model

import (
	"time"
)

// EventType enumerates integrity and interaction event kinds.
type EventType string

const (
	// Session lifecycle.
	EventSessionStart EventType = "session_start"
	EventQuestionView EventType = "question_view"
	EventRestart      EventType = "restart"
	EventSubmit       EventType = "session_submit"

	// Hard violations — each forces a restart.
	EventFullscreenExit     EventType = "fullscreen_exit"
	EventTabHidden          EventType = "tab_hidden"
	EventWindowBlur         EventType = "window_blur"
	EventPrevConfirmRestart EventType = "prev_confirm_restart"

	// Soft violations — logged and suppressed.
	EventCopy           EventType = "copy"
	EventPaste          EventType = "paste"
	EventCut            EventType = "cut"
	EventContextMenu    EventType = "context_menu"
	EventSelectionStart EventType = "selection_start"
	EventKeyCombo       EventType = "key_combo"
	EventBackButton     EventType = "back_button"
)

// IntegrityEvent is a single telemetry record. Events are immutable
// after creation and owned by the telemetry queue until a confirmed
// flush destroys them.
//
// EventID plus the per-attempt Seq form an idempotency key: delivery
// is at-least-once, so server-side ingestion dedups on EventID.
type IntegrityEvent struct {
	EventID   string         `json:"event_id"`
	Seq       int64          `json:"seq"`
	EventType EventType      `json:"event_type"`
	EventAt   time.Time      `json:"event_at"`
	Payload   map[string]any `json:"payload,omitempty"`
}

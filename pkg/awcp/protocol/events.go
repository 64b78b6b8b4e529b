package protocol

import "time"

// TaskEventType identifies a task-event stream entry.
type TaskEventType string

const (
	TaskEventStatus TaskEventType = "status"
	TaskEventDone   TaskEventType = "done"
	TaskEventError  TaskEventType = "error"
)

// TaskEvent is one entry on a delegation's event stream. Status events
// carry Status/Message/Progress; done events carry Summary and optionally
// the inline result; error events carry the taxonomy code.
type TaskEvent struct {
	DelegationID string        `json:"delegationId"`
	Timestamp    time.Time     `json:"timestamp"`
	Type         TaskEventType `json:"type"`

	Status   string `json:"status,omitempty"` // running, progress
	Message  string `json:"message,omitempty"`
	Progress int    `json:"progress,omitempty"`

	Summary      string   `json:"summary,omitempty"`
	Highlights   []string `json:"highlights,omitempty"`
	ResultBase64 string   `json:"resultBase64,omitempty"`

	Code string `json:"code,omitempty"`
	Hint string `json:"hint,omitempty"`
}

// Terminal reports whether the event closes the stream.
func (e *TaskEvent) Terminal() bool {
	return e.Type == TaskEventDone || e.Type == TaskEventError
}

// NewStatusEvent builds a status event stamped now.
func NewStatusEvent(delegationID, status, message string) *TaskEvent {
	return &TaskEvent{
		DelegationID: delegationID,
		Timestamp:    time.Now().UTC(),
		Type:         TaskEventStatus,
		Status:       status,
		Message:      message,
	}
}

// NewDoneEvent builds a terminal done event stamped now.
func NewDoneEvent(delegationID, summary string, highlights []string) *TaskEvent {
	return &TaskEvent{
		DelegationID: delegationID,
		Timestamp:    time.Now().UTC(),
		Type:         TaskEventDone,
		Summary:      summary,
		Highlights:   highlights,
	}
}

// NewErrorEvent builds a terminal error event stamped now.
func NewErrorEvent(delegationID, code, message, hint string) *TaskEvent {
	return &TaskEvent{
		DelegationID: delegationID,
		Timestamp:    time.Now().UTC(),
		Type:         TaskEventError,
		Code:         code,
		Message:      message,
		Hint:         hint,
	}
}

package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Phase represents the lifecycle phase of a call session
type Phase string

const (
	PhaseCreated          Phase = "created"
	PhaseAnswering        Phase = "answering"
	PhaseConnected        Phase = "connected"
	PhaseActionInProgress Phase = "action-in-progress"
	PhaseAwaitingOutcome  Phase = "awaiting-outcome"
	PhaseCompleted        Phase = "completed"
	PhaseTerminated       Phase = "terminated"
)

func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseTerminated:
		return true
	case PhaseCreated, PhaseAnswering, PhaseConnected, PhaseActionInProgress, PhaseAwaitingOutcome, PhaseCompleted:
		return false
	default:
		panic(fmt.Sprintf("unknown phase: %s", p))
	}
}

// KeySpace identifies which identifier space a correlation key belongs to
type KeySpace string

const (
	KeyServerCall        KeySpace = "server-call-id"
	KeyConnection        KeySpace = "connection-id"
	KeyMediaSubscription KeySpace = "media-subscription-id"
	KeyCorrelation       KeySpace = "correlation-id"
)

// Session represents one live call end-to-end. It is created when an
// incoming-call notification is accepted for handling and removed when the
// terminal disconnect notification arrives. Only the session's own runner
// mutates it, through the registry's Update.
type Session struct {
	ServerCallID        string `json:"server_call_id"`
	ConnectionID        string `json:"connection_id,omitempty"`
	MediaSubscriptionID string `json:"media_subscription_id,omitempty"`
	CorrelationID       string `json:"correlation_id,omitempty"`
	RecordingID         string `json:"recording_id"`

	CallerID string `json:"caller_id"`
	Target   string `json:"target"`

	Phase Phase `json:"phase"`

	CreatedAt   time.Time  `json:"created_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`

	// Stopwatches for the measured phase boundaries. A nil start means the
	// phase is not being measured.
	RecordStartIssuedAt *time.Time `json:"-"`
	RecordStopIssuedAt  *time.Time `json:"-"`

	RecordingWithAnswer bool `json:"recording_with_answer"`
	TransferAttempts    int  `json:"transfer_attempts"`

	Timeline []Event `json:"timeline"`
}

// Event represents a timeline entry for a session
type Event struct {
	Time   time.Time      `json:"time"`
	Type   string         `json:"type"` // "answer.issued", "transfer.retry", "play.timeout", ...
	Detail map[string]any `json:"detail"`
}

// NewEvent creates a timeline event
func NewEvent(t time.Time, eventType string, detail map[string]any) Event {
	return Event{Time: t, Type: eventType, Detail: detail}
}

// NewRecordingID generates a recording identifier for a session
func NewRecordingID() string {
	return uuid.NewString()
}

// NewOperationContext generates a correlation token attached to an action
// request and echoed back in its outcome notification
func NewOperationContext() string {
	return uuid.NewString()
}

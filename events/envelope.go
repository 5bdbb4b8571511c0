package events

// Kind identifies the normalized type of an inbound provider notification
type Kind string

const (
	KindSubscriptionValidation Kind = "subscription.validation"
	KindIncomingCall           Kind = "call.incoming"
	KindCallConnected          Kind = "call.connected"
	KindCallDisconnected       Kind = "call.disconnected"
	KindPlayResult             Kind = "play.result"
	KindParticipantsUpdated    Kind = "participants.updated"
	KindRecordingStateChanged  Kind = "recording.state"
	KindMediaStreamingStopped  Kind = "streaming.stopped"
	KindMediaStreamingFailed   Kind = "streaming.failed"
	KindRecordingFileUpdated   Kind = "recording.file"
)

// Envelope is the normalized representation of one inbound provider event.
// Key is the correlation key appropriate to the kind: connection id for
// connection-state events, operation context for action outcomes, server
// call id for disconnects.
type Envelope struct {
	Kind    Kind
	Key     string
	Payload Payload
}

// Payload is the closed set of typed event payloads
type Payload interface {
	payload()
}

// SubscriptionValidation is the provider's one-time endpoint handshake
type SubscriptionValidation struct {
	ValidationCode string
}

// IncomingCall announces a new inbound call offered to the service
type IncomingCall struct {
	IncomingCallContext string
	From                string
	To                  string
	ServerCallID        string
	CorrelationID       string
}

// CallConnected reports that an answered call reached the connected state
type CallConnected struct {
	ConnectionID  string
	ServerCallID  string
	CorrelationID string
}

// CallDisconnected is the terminal notification for a call
type CallDisconnected struct {
	ConnectionID string
	ServerCallID string
}

// PlayResult is the deferred outcome of a play action
type PlayResult struct {
	ConnectionID     string
	OperationContext string
	Succeeded        bool
	ResultDetails    string
}

// ParticipantsUpdated is the deferred outcome of an add/transfer action.
// A transfer succeeded when the event carries a connection id.
type ParticipantsUpdated struct {
	ConnectionID     string
	OperationContext string
}

// RecordingStateChanged reports recording lifecycle progress
type RecordingStateChanged struct {
	ConnectionID string
	RecordingID  string
	State        string // "active", "inactive"
}

// MediaStreaming reports a media subscription stopping or failing
type MediaStreaming struct {
	ConnectionID string
}

// RecordingFileUpdated carries the location of a finished recording chunk
type RecordingFileUpdated struct {
	ContentLocation string
	DocumentID      string
}

func (SubscriptionValidation) payload() {}
func (IncomingCall) payload()           {}
func (CallConnected) payload()          {}
func (CallDisconnected) payload()       {}
func (PlayResult) payload()             {}
func (ParticipantsUpdated) payload()    {}
func (RecordingStateChanged) payload()  {}
func (MediaStreaming) payload()         {}
func (RecordingFileUpdated) payload()   {}

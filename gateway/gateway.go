// Package gateway is the only channel through which call actions are issued
// to the telephony provider. Calls return the provider's immediate
// accepted/rejected acknowledgement; final outcomes arrive later as webhook
// notifications.
package gateway

import (
	"context"
	"errors"
)

// ErrRejected is the provider's synchronous rejection of an action. It is
// an expected operational failure handled by the caller's retry policy.
var ErrRejected = errors.New("action rejected by provider")

// AnswerResult carries the identifiers returned by a successful answer
type AnswerResult struct {
	ConnectionID        string
	CorrelationID       string
	MediaSubscriptionID string
}

// AnswerOptions configures how an incoming call is answered
type AnswerOptions struct {
	// CallbackURI is where the provider delivers this call's notifications.
	CallbackURI string
	// RecordOnAnswer asks the provider to begin recording with the answer.
	RecordOnAnswer bool
	// PauseOnStart creates the recording paused.
	PauseOnStart bool
}

// Gateway issues call actions to the telephony provider
type Gateway interface {
	Answer(ctx context.Context, incomingCallContext string, opts AnswerOptions) (AnswerResult, error)
	TransferToParticipant(ctx context.Context, connectionID, target, transfereeCallerID, operationContext string) error
	Play(ctx context.Context, connectionID, sourceURI, operationContext string) error
	StartRecording(ctx context.Context, connectionID string) error
	StopRecording(ctx context.Context, connectionID string) error
	Hangup(ctx context.Context, connectionID string) error
}

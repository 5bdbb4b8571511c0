package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Provider event type tags as they appear on the wire.
const (
	typeSubscriptionValidation = "Microsoft.EventGrid.SubscriptionValidationEvent"
	typeIncomingCall           = "Microsoft.Communication.IncomingCall"
	typeCallConnected          = "Microsoft.Communication.CallConnected"
	typeCallDisconnected       = "Microsoft.Communication.CallDisconnected"
	typePlayCompleted          = "Microsoft.Communication.PlayCompleted"
	typePlayFailed             = "Microsoft.Communication.PlayFailed"
	typeParticipantsUpdated    = "Microsoft.Communication.ParticipantsUpdated"
	typeRecordingStateChanged  = "Microsoft.Communication.RecordingStateChanged"
	typeMediaStreamingStopped  = "Microsoft.Communication.MediaStreamingStopped"
	typeMediaStreamingFailed   = "Microsoft.Communication.MediaStreamingFailed"
	typeRecordingFileUpdated   = "Microsoft.Communication.RecordingFileStatusUpdated"
)

// ErrMalformedNotification indicates a payload that could not be decoded.
// Such payloads are dropped by callers, never surfaced to the provider.
var ErrMalformedNotification = errors.New("malformed notification")

// rawEvent covers both EventGrid events ("eventType") and cloud events
// ("type"); callbacks arrive in the latter shape, grid deliveries in the
// former.
type rawEvent struct {
	EventType string          `json:"eventType"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
}

func (r rawEvent) typeTag() string {
	if r.EventType != "" {
		return r.EventType
	}
	return r.Type
}

type identifier struct {
	RawID string `json:"rawId"`
}

type incomingCallData struct {
	IncomingCallContext string     `json:"incomingCallContext"`
	From                identifier `json:"from"`
	To                  identifier `json:"to"`
	ServerCallID        string     `json:"serverCallId"`
	CorrelationID       string     `json:"correlationId"`
}

type callStateData struct {
	CallConnectionID string `json:"callConnectionId"`
	ServerCallID     string `json:"serverCallId"`
	CorrelationID    string `json:"correlationId"`
}

type operationData struct {
	CallConnectionID  string `json:"callConnectionId"`
	OperationContext  string `json:"operationContext"`
	ResultInformation struct {
		Message string `json:"message"`
	} `json:"resultInformation"`
}

type recordingStateData struct {
	CallConnectionID string `json:"callConnectionId"`
	RecordingID      string `json:"recordingId"`
	State            string `json:"state"`
}

type validationData struct {
	ValidationCode string `json:"validationCode"`
}

type recordingFileData struct {
	RecordingStorageInfo struct {
		RecordingChunks []struct {
			ContentLocation string `json:"contentLocation"`
			DocumentID      string `json:"documentId"`
		} `json:"recordingChunks"`
	} `json:"recordingStorageInfo"`
}

// DecodeBatch parses a webhook body containing a batch of provider events
// and normalizes each recognized one into an Envelope. Unrecognized event
// types are skipped; an undecodable body or event yields
// ErrMalformedNotification.
func DecodeBatch(body []byte) ([]Envelope, error) {
	var raws []rawEvent
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}

	envelopes := make([]Envelope, 0, len(raws))
	for _, raw := range raws {
		env, ok, err := decodeOne(raw)
		if err != nil {
			return nil, err
		}
		if ok {
			envelopes = append(envelopes, env)
		}
	}
	return envelopes, nil
}

func decodeOne(raw rawEvent) (Envelope, bool, error) {
	tag := raw.typeTag()
	switch tag {
	case typeSubscriptionValidation:
		var d validationData
		if err := unmarshal(raw.Data, &d); err != nil {
			return Envelope{}, false, err
		}
		return Envelope{
			Kind:    KindSubscriptionValidation,
			Payload: SubscriptionValidation{ValidationCode: d.ValidationCode},
		}, true, nil

	case typeIncomingCall:
		var d incomingCallData
		if err := unmarshal(raw.Data, &d); err != nil {
			return Envelope{}, false, err
		}
		return Envelope{
			Kind: KindIncomingCall,
			Key:  d.ServerCallID,
			Payload: IncomingCall{
				IncomingCallContext: d.IncomingCallContext,
				From:                d.From.RawID,
				To:                  d.To.RawID,
				ServerCallID:        d.ServerCallID,
				CorrelationID:       d.CorrelationID,
			},
		}, true, nil

	case typeCallConnected:
		var d callStateData
		if err := unmarshal(raw.Data, &d); err != nil {
			return Envelope{}, false, err
		}
		return Envelope{
			Kind: KindCallConnected,
			Key:  d.CallConnectionID,
			Payload: CallConnected{
				ConnectionID:  d.CallConnectionID,
				ServerCallID:  d.ServerCallID,
				CorrelationID: d.CorrelationID,
			},
		}, true, nil

	case typeCallDisconnected:
		var d callStateData
		if err := unmarshal(raw.Data, &d); err != nil {
			return Envelope{}, false, err
		}
		return Envelope{
			Kind: KindCallDisconnected,
			Key:  d.ServerCallID,
			Payload: CallDisconnected{
				ConnectionID: d.CallConnectionID,
				ServerCallID: d.ServerCallID,
			},
		}, true, nil

	case typePlayCompleted, typePlayFailed:
		var d operationData
		if err := unmarshal(raw.Data, &d); err != nil {
			return Envelope{}, false, err
		}
		return Envelope{
			Kind: KindPlayResult,
			Key:  d.OperationContext,
			Payload: PlayResult{
				ConnectionID:     d.CallConnectionID,
				OperationContext: d.OperationContext,
				Succeeded:        tag == typePlayCompleted,
				ResultDetails:    d.ResultInformation.Message,
			},
		}, true, nil

	case typeParticipantsUpdated:
		var d operationData
		if err := unmarshal(raw.Data, &d); err != nil {
			return Envelope{}, false, err
		}
		return Envelope{
			Kind: KindParticipantsUpdated,
			Key:  d.OperationContext,
			Payload: ParticipantsUpdated{
				ConnectionID:     d.CallConnectionID,
				OperationContext: d.OperationContext,
			},
		}, true, nil

	case typeRecordingStateChanged:
		var d recordingStateData
		if err := unmarshal(raw.Data, &d); err != nil {
			return Envelope{}, false, err
		}
		return Envelope{
			Kind: KindRecordingStateChanged,
			Key:  d.CallConnectionID,
			Payload: RecordingStateChanged{
				ConnectionID: d.CallConnectionID,
				RecordingID:  d.RecordingID,
				State:        d.State,
			},
		}, true, nil

	case typeMediaStreamingStopped, typeMediaStreamingFailed:
		var d operationData
		if err := unmarshal(raw.Data, &d); err != nil {
			return Envelope{}, false, err
		}
		kind := KindMediaStreamingStopped
		if tag == typeMediaStreamingFailed {
			kind = KindMediaStreamingFailed
		}
		return Envelope{
			Kind:    kind,
			Key:     d.CallConnectionID,
			Payload: MediaStreaming{ConnectionID: d.CallConnectionID},
		}, true, nil

	case typeRecordingFileUpdated:
		var d recordingFileData
		if err := unmarshal(raw.Data, &d); err != nil {
			return Envelope{}, false, err
		}
		if len(d.RecordingStorageInfo.RecordingChunks) == 0 {
			return Envelope{}, false, fmt.Errorf("%w: recording event without chunks", ErrMalformedNotification)
		}
		chunk := d.RecordingStorageInfo.RecordingChunks[0]
		return Envelope{
			Kind: KindRecordingFileUpdated,
			Key:  chunk.DocumentID,
			Payload: RecordingFileUpdated{
				ContentLocation: chunk.ContentLocation,
				DocumentID:      chunk.DocumentID,
			},
		}, true, nil
	}

	// Not every provider event has an interested party here.
	return Envelope{}, false, nil
}

func unmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing event data", ErrMalformedNotification)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedNotification, err)
	}
	return nil
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const apiVersion = "2023-10-15"

// RESTGateway talks to the provider's call-automation REST API
type RESTGateway struct {
	endpoint  string
	accessKey string
	client    *http.Client
	log       *logrus.Entry
}

// NewRESTGateway creates a gateway for the provider endpoint. The access
// key is sent on every request.
func NewRESTGateway(endpoint, accessKey string, log *logrus.Entry) *RESTGateway {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RESTGateway{
		endpoint:  endpoint,
		accessKey: accessKey,
		client:    &http.Client{Timeout: 10 * time.Second},
		log:       log,
	}
}

type answerRequest struct {
	IncomingCallContext string            `json:"incomingCallContext"`
	CallbackURI         string            `json:"callbackUri"`
	RecordingOptions    *recordingOptions `json:"recordingOptions,omitempty"`
}

type recordingOptions struct {
	PauseOnStart bool `json:"pauseOnStart"`
}

type answerResponse struct {
	CallConnectionID    string `json:"callConnectionId"`
	CorrelationID       string `json:"correlationId"`
	MediaSubscriptionID string `json:"mediaSubscriptionId"`
}

// Answer accepts the incoming call and returns its connection identifiers
func (g *RESTGateway) Answer(ctx context.Context, incomingCallContext string, opts AnswerOptions) (AnswerResult, error) {
	req := answerRequest{
		IncomingCallContext: incomingCallContext,
		CallbackURI:         opts.CallbackURI,
	}
	if opts.RecordOnAnswer || opts.PauseOnStart {
		req.RecordingOptions = &recordingOptions{PauseOnStart: opts.PauseOnStart}
	}

	body, err := g.post(ctx, "/calling/callConnections:answer", req)
	if err != nil {
		return AnswerResult{}, fmt.Errorf("answer: %w", err)
	}

	var resp answerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return AnswerResult{}, fmt.Errorf("answer: decoding response: %w", err)
	}
	return AnswerResult{
		ConnectionID:        resp.CallConnectionID,
		CorrelationID:       resp.CorrelationID,
		MediaSubscriptionID: resp.MediaSubscriptionID,
	}, nil
}

// TransferToParticipant asks the provider to move the call to target
func (g *RESTGateway) TransferToParticipant(ctx context.Context, connectionID, target, transfereeCallerID, operationContext string) error {
	req := map[string]any{
		"targetParticipant": map[string]string{"rawId": target},
		"operationContext":  operationContext,
	}
	if transfereeCallerID != "" {
		req["transfereeCallerId"] = map[string]string{"rawId": transfereeCallerID}
	}

	path := fmt.Sprintf("/calling/callConnections/%s:transferToParticipant", connectionID)
	if _, err := g.post(ctx, path, req); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	return nil
}

// Play asks the provider to play an audio source into the call
func (g *RESTGateway) Play(ctx context.Context, connectionID, sourceURI, operationContext string) error {
	req := map[string]any{
		"playSources":      []map[string]any{{"kind": "file", "file": map[string]string{"uri": sourceURI}}},
		"operationContext": operationContext,
	}

	path := fmt.Sprintf("/calling/callConnections/%s:play", connectionID)
	if _, err := g.post(ctx, path, req); err != nil {
		return fmt.Errorf("play: %w", err)
	}
	return nil
}

func (g *RESTGateway) StartRecording(ctx context.Context, connectionID string) error {
	path := fmt.Sprintf("/calling/callConnections/%s:startRecording", connectionID)
	if _, err := g.post(ctx, path, struct{}{}); err != nil {
		return fmt.Errorf("start recording: %w", err)
	}
	return nil
}

func (g *RESTGateway) StopRecording(ctx context.Context, connectionID string) error {
	path := fmt.Sprintf("/calling/callConnections/%s:stopRecording", connectionID)
	if _, err := g.post(ctx, path, struct{}{}); err != nil {
		return fmt.Errorf("stop recording: %w", err)
	}
	return nil
}

// Hangup terminates the call leg
func (g *RESTGateway) Hangup(ctx context.Context, connectionID string) error {
	path := fmt.Sprintf("/calling/callConnections/%s:hangup", connectionID)
	if _, err := g.post(ctx, path, struct{}{}); err != nil {
		return fmt.Errorf("hangup: %w", err)
	}
	return nil
}

func (g *RESTGateway) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	url := g.endpoint + path + "?api-version=" + apiVersion
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.accessKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		g.log.WithFields(logrus.Fields{
			"path":   path,
			"status": resp.StatusCode,
		}).Warn("provider rejected action")
		return nil, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
	return body, nil
}

// Package webhook is the inbound HTTP surface: it receives provider event
// batches, echoes subscription-validation handshakes, and hands decoded
// notifications to the dispatcher. The endpoints always acknowledge receipt
// so the provider never enters a redelivery storm over an internal failure.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"callrouter/engine"
	"callrouter/events"
	"callrouter/storage"
	"callrouter/telemetry"
)

// Server wires the webhook endpoints to the engine and dispatcher
type Server struct {
	engine     *engine.Engine
	dispatcher *events.Dispatcher
	store      storage.Store
	secret     string
	log        *logrus.Entry
	httpSrv    *http.Server
}

// NewServer builds the webhook server listening on addr
func NewServer(addr string, eng *engine.Engine, dispatcher *events.Dispatcher, store storage.Store, secret, audioDir string, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	s := &Server{
		engine:     eng,
		dispatcher: dispatcher,
		store:      store,
		secret:     secret,
		log:        log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/incomingCall", s.handleIncomingCall)
	mux.HandleFunc("POST /api/calls/{recordingID}", s.handleCallbacks)
	mux.HandleFunc("POST /api/calls/{callID}/startRecording", s.handleStartRecording)
	mux.HandleFunc("POST /api/calls/{callID}/stopRecording", s.handleStopRecording)
	mux.HandleFunc("POST /api/recordingDone", s.handleRecordingDone)
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	mux.Handle("GET /audio/", http.StripPrefix("/audio/", http.FileServer(http.Dir(audioDir))))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route table for tests
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// ListenAndServe runs the server until Shutdown
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.httpSrv.Addr).Info("webhook server listening")
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// handleIncomingCall receives the provider's call-offer events. The
// subscription-validation handshake is echoed synchronously; everything
// else is acknowledged regardless of the internal outcome.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	envelopes, ok := s.decodeBody(w, r, "incomingCall")
	if !ok {
		return
	}

	for _, env := range envelopes {
		switch payload := env.Payload.(type) {
		case events.SubscriptionValidation:
			s.writeValidation(w, payload.ValidationCode, "incomingCall")
			return
		case events.IncomingCall:
			accepted := s.engine.HandleIncomingCall(payload)
			s.log.WithFields(logrus.Fields{
				"server_call_id": payload.ServerCallID,
				"to":             payload.To,
				"accepted":       accepted,
			}).Info("incoming call")
		}
	}

	telemetry.WebhookRequests.WithLabelValues("incomingCall", "ok").Inc()
	w.WriteHeader(http.StatusOK)
}

// handleCallbacks receives the per-call action-outcome notifications and
// routes each to the dispatcher. A wrong shared secret is the only
// non-success response this endpoint produces.
func (s *Server) handleCallbacks(w http.ResponseWriter, r *http.Request) {
	if s.secret != "" && r.URL.Query().Get("secret") != s.secret {
		telemetry.WebhookRequests.WithLabelValues("callbacks", "unauthorized").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	envelopes, ok := s.decodeBody(w, r, "callbacks")
	if !ok {
		return
	}

	for _, env := range envelopes {
		if payload, isValidation := env.Payload.(events.SubscriptionValidation); isValidation {
			s.writeValidation(w, payload.ValidationCode, "callbacks")
			return
		}
		matched := s.dispatcher.Dispatch(env)
		telemetry.EventsDispatched.WithLabelValues(string(env.Kind), boolLabel(matched)).Inc()
	}

	telemetry.WebhookRequests.WithLabelValues("callbacks", "ok").Inc()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	s.handleRecordingCommand(w, r, s.engine.StartRecording, "startRecording")
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	s.handleRecordingCommand(w, r, s.engine.StopRecording, "stopRecording")
}

func (s *Server) handleRecordingCommand(w http.ResponseWriter, r *http.Request, command func(string) error, endpoint string) {
	callID := r.PathValue("callID")
	if err := command(callID); err != nil {
		telemetry.WebhookRequests.WithLabelValues(endpoint, "not_found").Inc()
		s.log.WithError(err).WithField("call_id", callID).Warn("recording command refused")
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	telemetry.WebhookRequests.WithLabelValues(endpoint, "ok").Inc()
	w.WriteHeader(http.StatusOK)
}

// handleRecordingDone downloads finished recording chunks to the store
func (s *Server) handleRecordingDone(w http.ResponseWriter, r *http.Request) {
	envelopes, ok := s.decodeBody(w, r, "recordingDone")
	if !ok {
		return
	}

	for _, env := range envelopes {
		switch payload := env.Payload.(type) {
		case events.SubscriptionValidation:
			s.writeValidation(w, payload.ValidationCode, "recordingDone")
			return
		case events.RecordingFileUpdated:
			name := payload.DocumentID
			if name == "" {
				name = "recording"
			}
			if _, err := s.store.DownloadTo(r.Context(), payload.ContentLocation, name+".wav"); err != nil {
				s.log.WithError(err).Warn("storing recording failed")
			}
		}
	}

	telemetry.WebhookRequests.WithLabelValues("recordingDone", "ok").Inc()
	w.WriteHeader(http.StatusOK)
}

// decodeBody reads and decodes a batch body. Malformed payloads are dropped
// with a warning but still acknowledged, so the reported ok=false only
// means the caller should not continue processing.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, endpoint string) ([]events.Envelope, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.log.WithError(err).Warn("reading webhook body")
		telemetry.WebhookRequests.WithLabelValues(endpoint, "malformed").Inc()
		w.WriteHeader(http.StatusOK)
		return nil, false
	}

	envelopes, err := events.DecodeBatch(body)
	if err != nil {
		s.log.WithError(err).WithField("endpoint", endpoint).Warn("dropping malformed notification")
		telemetry.WebhookRequests.WithLabelValues(endpoint, "malformed").Inc()
		w.WriteHeader(http.StatusOK)
		return nil, false
	}
	return envelopes, true
}

func (s *Server) writeValidation(w http.ResponseWriter, code, endpoint string) {
	telemetry.WebhookRequests.WithLabelValues(endpoint, "validation").Inc()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"validationResponse": code}); err != nil {
		s.log.WithError(err).Warn("writing validation response")
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

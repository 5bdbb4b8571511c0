// Package engine drives call sessions end to end: it answers accepted
// incoming calls, issues provider actions, and advances each session as the
// correlated outcome notifications arrive.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"callrouter/events"
	"callrouter/gateway"
	"callrouter/model"
	"callrouter/registry"
	"callrouter/telemetry"
)

// ErrNoSession is returned when a recording command references a call that
// is not active.
var ErrNoSession = errors.New("no active session for call")

// Config holds the call-handling policy
type Config struct {
	// CallbackBaseURL is where the provider posts this service's
	// per-call notifications.
	CallbackBaseURL string
	// SharedSecret authorizes callback deliveries.
	SharedSecret string
	// TargetParticipant receives the transfer after the call connects.
	TargetParticipant string
	// AcceptedRoutes lists inbound routing identifiers handled by this
	// service; "*" accepts any.
	AcceptedRoutes []string
	// AudioFileURI, when set, is played as a prompt once connected.
	AudioFileURI string
	// PauseOnStart creates the recording paused instead of recording
	// from the answer.
	PauseOnStart bool
	// HangupWhenDone ends the call once the scripted sequence finishes.
	HangupWhenDone bool

	// PlayTimeout bounds the wait for a play outcome.
	PlayTimeout time.Duration
	// OutcomeTimeout bounds the wait for transfer and recording outcomes.
	OutcomeTimeout time.Duration
	// MaxTransferAttempts bounds sequential transfer attempts.
	MaxTransferAttempts int
}

func (c *Config) applyDefaults() {
	if c.PlayTimeout == 0 {
		c.PlayTimeout = 30 * time.Second
	}
	if c.OutcomeTimeout == 0 {
		c.OutcomeTimeout = 30 * time.Second
	}
	if c.MaxTransferAttempts == 0 {
		c.MaxTransferAttempts = 3
	}
}

func (c Config) routeAccepted(route string) bool {
	for _, r := range c.AcceptedRoutes {
		if r == "*" || r == route {
			return true
		}
	}
	return false
}

// Engine owns the active session runners and the collaborators they share
type Engine struct {
	cfg        Config
	dispatcher *events.Dispatcher
	registry   *registry.Registry
	gw         gateway.Gateway
	tel        telemetry.Sink
	clock      Clock
	log        *logrus.Entry

	mu      sync.Mutex
	runners map[string]*SessionRunner

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures the engine
type Option func(*Engine)

// WithClock sets a specific clock implementation
func WithClock(clock Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithTelemetry sets the latency sink
func WithTelemetry(tel telemetry.Sink) Option {
	return func(e *Engine) {
		e.tel = tel
	}
}

// WithLogger sets the engine logger
func WithLogger(log *logrus.Entry) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// New creates an engine around the shared dispatcher and registry
func New(cfg Config, dispatcher *events.Dispatcher, reg *registry.Registry, gw gateway.Gateway, opts ...Option) *Engine {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:        cfg,
		dispatcher: dispatcher,
		registry:   reg,
		gw:         gw,
		tel:        telemetry.NopSink{},
		clock:      NewAutoClock(),
		log:        logrus.NewEntry(logrus.StandardLogger()),
		runners:    make(map[string]*SessionRunner),
		ctx:        ctx,
		cancel:     cancel,
	}

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleIncomingCall decides whether an offered call is ours to handle and,
// if so, creates its session and starts its runner. It reports whether the
// call was accepted.
func (e *Engine) HandleIncomingCall(call events.IncomingCall) bool {
	if !e.cfg.routeAccepted(call.To) || call.To == e.cfg.TargetParticipant {
		e.log.WithFields(logrus.Fields{
			"to":   call.To,
			"from": call.From,
		}).Debug("ignoring call for unhandled route")
		return false
	}

	now := e.clock.Now()
	session := &model.Session{
		ServerCallID:        call.ServerCallID,
		CorrelationID:       call.CorrelationID,
		RecordingID:         model.NewRecordingID(),
		CallerID:            call.From,
		Target:              e.cfg.TargetParticipant,
		Phase:               model.PhaseCreated,
		CreatedAt:           now,
		RecordingWithAnswer: !e.cfg.PauseOnStart,
		Timeline: []model.Event{
			model.NewEvent(now, "call.offered", map[string]any{
				"from": call.From,
				"to":   call.To,
			}),
		},
	}

	if err := e.registry.Create(session); err != nil {
		e.log.WithError(err).WithField("server_call_id", call.ServerCallID).
			Warn("refusing duplicate incoming call")
		return false
	}
	telemetry.SessionsActive.Inc()

	runner := newSessionRunner(e, call, session.RecordingID)

	e.mu.Lock()
	e.runners[call.ServerCallID] = runner
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		runner.Run(e.ctx)
	}()

	return true
}

// StartRecording queues a start-recording action on the session known by
// callID (the provider correlation id used in the recording control API).
func (e *Engine) StartRecording(callID string) error {
	return e.enqueue(callID, cmdStartRecording)
}

// StopRecording queues a stop-recording action
func (e *Engine) StopRecording(callID string) error {
	return e.enqueue(callID, cmdStopRecording)
}

func (e *Engine) enqueue(callID string, cmd sessionCommand) error {
	session, err := e.registry.Lookup(model.KeyCorrelation, callID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNoSession, callID)
	}

	e.mu.Lock()
	runner := e.runners[session.ServerCallID]
	e.mu.Unlock()

	if runner == nil {
		return fmt.Errorf("%w: %s", ErrNoSession, callID)
	}
	return runner.enqueue(cmd)
}

// Close cancels every session and waits for their runners to exit
func (e *Engine) Close() error {
	e.cancel()
	e.wg.Wait()
	return nil
}

func (e *Engine) removeRunner(serverCallID string) {
	e.mu.Lock()
	delete(e.runners, serverCallID)
	e.mu.Unlock()
}

// callbackURI builds the per-call notification URL the provider posts to
func (e *Engine) callbackURI(recordingID, callerID string) string {
	base := strings.TrimSuffix(e.cfg.CallbackBaseURL, "/")
	uri := fmt.Sprintf("%s/api/calls/%s?callerId=%s", base, recordingID, url.QueryEscape(callerID))
	if e.cfg.SharedSecret != "" {
		uri += "&secret=" + url.QueryEscape(e.cfg.SharedSecret)
	}
	return uri
}

func (e *Engine) scenario() string {
	if e.cfg.PauseOnStart {
		return "RecordingMidCall"
	}
	return "RecordingWithAnswer"
}

package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"callrouter/events"
	"callrouter/gateway"
	"callrouter/model"
	"callrouter/telemetry"
)

// ErrOutcomeTimeout indicates no correlated outcome notification arrived
// within the step's budget. Expected operational failure, handled locally.
var ErrOutcomeTimeout = errors.New("no outcome notification within budget")

type sessionCommand int

const (
	cmdStartRecording sessionCommand = iota
	cmdStopRecording
)

// SessionRunner sequences one call's lifecycle: answer, await connected,
// play, transfer, then serve queued recording commands until the terminal
// disconnect. Progression within a session is strictly sequential; no two
// actions for the same session are ever in flight at once.
type SessionRunner struct {
	eng *Engine

	serverCallID        string
	incomingCallContext string
	callerID            string
	routeID             string
	recordingID         string
	connectionID        string
	correlationID       string
	createdAt           time.Time

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan sessionCommand
	log    *logrus.Entry
}

func newSessionRunner(eng *Engine, call events.IncomingCall, recordingID string) *SessionRunner {
	return &SessionRunner{
		eng:                 eng,
		serverCallID:        call.ServerCallID,
		incomingCallContext: call.IncomingCallContext,
		callerID:            call.From,
		routeID:             call.To,
		recordingID:         recordingID,
		correlationID:       call.CorrelationID,
		cmds:                make(chan sessionCommand, 4),
		log: eng.log.WithFields(logrus.Fields{
			"server_call_id": call.ServerCallID,
		}),
	}
}

// Run executes the session lifecycle until disconnect or engine shutdown
func (r *SessionRunner) Run(parent context.Context) {
	r.ctx, r.cancel = context.WithCancel(parent)
	r.createdAt = r.eng.clock.Now()
	defer r.finish()

	// The terminal disconnect is keyed by server-call id and can arrive
	// in any phase; it cancels every pending await of this session.
	err := r.eng.dispatcher.Subscribe(events.KindCallDisconnected, r.serverCallID, func(events.Envelope) {
		r.log.Info("call disconnected")
		r.cancel()
	})
	if err != nil {
		r.log.WithError(err).Error("disconnect subscription failed")
		return
	}

	if !r.answer() {
		return
	}
	if !r.awaitConnected() {
		return
	}

	if r.eng.cfg.AudioFileURI != "" {
		r.playPrompt()
	}
	if r.ctx.Err() == nil && r.eng.cfg.TargetParticipant != "" {
		r.transferWithRetry()
	}
	if r.ctx.Err() != nil {
		return
	}

	r.setPhase(model.PhaseCompleted)

	if r.eng.cfg.HangupWhenDone {
		if err := r.eng.gw.Hangup(r.ctx, r.connectionID); err != nil {
			r.log.WithError(err).Warn("hangup failed")
		}
		// Disconnect notification still drives removal.
	}

	for {
		select {
		case <-r.ctx.Done():
			return
		case cmd := <-r.cmds:
			r.runCommand(cmd)
		}
	}
}

func (r *SessionRunner) answer() bool {
	r.setPhase(model.PhaseAnswering)
	r.addEvent("answer.issued", nil)

	res, err := r.eng.gw.Answer(r.ctx, r.incomingCallContext, gateway.AnswerOptions{
		CallbackURI:    r.eng.callbackURI(r.recordingID, r.callerID),
		RecordOnAnswer: !r.eng.cfg.PauseOnStart,
		PauseOnStart:   r.eng.cfg.PauseOnStart,
	})
	if err != nil {
		r.log.WithError(err).Error("answer failed")
		telemetry.ActionOutcomes.WithLabelValues("answer", "rejected").Inc()
		return false
	}

	r.connectionID = res.ConnectionID
	if res.CorrelationID != "" {
		r.correlationID = res.CorrelationID
	}

	r.bind(model.KeyConnection, res.ConnectionID)
	r.bind(model.KeyCorrelation, r.correlationID)
	r.bind(model.KeyMediaSubscription, res.MediaSubscriptionID)

	r.update(func(s *model.Session) {
		s.ConnectionID = res.ConnectionID
		s.CorrelationID = r.correlationID
		s.MediaSubscriptionID = res.MediaSubscriptionID
	})
	telemetry.ActionOutcomes.WithLabelValues("answer", "accepted").Inc()
	return true
}

func (r *SessionRunner) awaitConnected() bool {
	// Keyed by the connection id returned by the answer acknowledgement.
	// No wall-clock bound here; a disconnect cancels the wait.
	_, err := r.await(events.KindCallConnected, r.connectionID, 0)
	if err != nil {
		return false
	}

	now := r.eng.clock.Now()
	elapsed := now.Sub(r.createdAt)
	r.update(func(s *model.Session) {
		s.Phase = model.PhaseConnected
		s.ConnectedAt = &now
	})
	r.addEvent("call.connected", map[string]any{"elapsed_ms": elapsed.Milliseconds()})
	r.log.WithField("elapsed", elapsed).Info("call connected")

	r.eng.tel.LogLatencies([]telemetry.LatencyRecord{{
		ActionType: "CallConnected",
		Value:      elapsed.Milliseconds(),
		CallID:     r.correlationID,
		Scenario:   r.eng.scenario(),
	}})

	if !r.eng.cfg.PauseOnStart {
		r.awaitRecordingActive("StartRecordingWithAnswerEvent", r.createdAt)
	}
	return true
}

// playPrompt is a best-effort step: rejection, failure, and timeout all log
// and move on. A notification arriving after the timeout finds no
// subscriber and is dropped.
func (r *SessionRunner) playPrompt() {
	opCtx := model.NewOperationContext()

	ch, err := r.subscribe(events.KindPlayResult, opCtx)
	if err != nil {
		r.log.WithError(err).Error("play subscription failed")
		return
	}

	r.setPhase(model.PhaseActionInProgress)
	r.addEvent("play.issued", map[string]any{"source": r.eng.cfg.AudioFileURI})

	if err := r.eng.gw.Play(r.ctx, r.connectionID, r.eng.cfg.AudioFileURI, opCtx); err != nil {
		r.eng.dispatcher.Unsubscribe(events.KindPlayResult, opCtx)
		telemetry.ActionOutcomes.WithLabelValues("play", "rejected").Inc()
		r.log.WithError(err).Warn("play rejected, skipping prompt")
		return
	}

	r.setPhase(model.PhaseAwaitingOutcome)
	env, err := r.wait(ch, events.KindPlayResult, opCtx, r.eng.cfg.PlayTimeout)
	switch {
	case errors.Is(err, ErrOutcomeTimeout):
		telemetry.ActionOutcomes.WithLabelValues("play", "timeout").Inc()
		r.addEvent("play.timeout", nil)
		r.log.Warn("no play outcome within budget, proceeding")
	case err != nil:
		// cancelled
	default:
		result := env.Payload.(events.PlayResult)
		if result.Succeeded {
			telemetry.ActionOutcomes.WithLabelValues("play", "completed").Inc()
			r.addEvent("play.completed", nil)
		} else {
			telemetry.ActionOutcomes.WithLabelValues("play", "failed").Inc()
			r.addEvent("play.failed", map[string]any{"details": result.ResultDetails})
			r.log.WithField("details", result.ResultDetails).Warn("play failed, proceeding")
		}
	}
}

// transferWithRetry makes up to MaxTransferAttempts sequential attempts,
// each with a fresh operation context and a fresh one-shot subscription.
// Exhausting the attempts is not fatal to the call.
func (r *SessionRunner) transferWithRetry() {
	for attempt := 1; attempt <= r.eng.cfg.MaxTransferAttempts; attempt++ {
		if r.ctx.Err() != nil {
			return
		}
		if attempt > 1 {
			telemetry.TransferRetries.Inc()
			r.log.WithField("attempt", attempt).Info("retrying transfer")
		}
		r.update(func(s *model.Session) { s.TransferAttempts = attempt })

		if r.transferOnce(attempt) {
			telemetry.ActionOutcomes.WithLabelValues("transfer", "completed").Inc()
			r.addEvent("transfer.completed", map[string]any{"attempt": attempt})
			r.log.WithField("attempt", attempt).Info("transfer completed")
			return
		}
	}

	telemetry.ActionOutcomes.WithLabelValues("transfer", "abandoned").Inc()
	r.addEvent("transfer.abandoned", map[string]any{"attempts": r.eng.cfg.MaxTransferAttempts})
	r.log.WithField("attempts", r.eng.cfg.MaxTransferAttempts).Warn("transfer abandoned, proceeding")
}

func (r *SessionRunner) transferOnce(attempt int) bool {
	opCtx := model.NewOperationContext()

	ch, err := r.subscribe(events.KindParticipantsUpdated, opCtx)
	if err != nil {
		r.log.WithError(err).Error("transfer subscription failed")
		return false
	}

	r.setPhase(model.PhaseActionInProgress)
	r.addEvent("transfer.issued", map[string]any{"attempt": attempt, "target": r.eng.cfg.TargetParticipant})

	err = r.eng.gw.TransferToParticipant(r.ctx, r.connectionID, r.eng.cfg.TargetParticipant, r.routeID, opCtx)
	if err != nil {
		// Synchronous rejection: straight to the retry decision.
		r.eng.dispatcher.Unsubscribe(events.KindParticipantsUpdated, opCtx)
		telemetry.ActionOutcomes.WithLabelValues("transfer", "rejected").Inc()
		r.log.WithError(err).WithField("attempt", attempt).Warn("transfer rejected")
		return false
	}

	r.setPhase(model.PhaseAwaitingOutcome)
	env, err := r.wait(ch, events.KindParticipantsUpdated, opCtx, r.eng.cfg.OutcomeTimeout)
	if err != nil {
		if !errors.Is(err, ErrOutcomeTimeout) {
			return false
		}
		telemetry.ActionOutcomes.WithLabelValues("transfer", "timeout").Inc()
		r.log.WithField("attempt", attempt).Warn("no transfer outcome within budget")
		return false
	}

	updated := env.Payload.(events.ParticipantsUpdated)
	if updated.ConnectionID == "" {
		telemetry.ActionOutcomes.WithLabelValues("transfer", "failed").Inc()
		r.log.WithField("attempt", attempt).Warn("transfer attempt failed")
		return false
	}
	return true
}

func (r *SessionRunner) runCommand(cmd sessionCommand) {
	switch cmd {
	case cmdStartRecording:
		r.setPhase(model.PhaseActionInProgress)
		r.addEvent("recording.start.issued", nil)
		issued := r.eng.clock.Now()
		r.update(func(s *model.Session) { s.RecordStartIssuedAt = &issued })

		if err := r.eng.gw.StartRecording(r.ctx, r.connectionID); err != nil {
			telemetry.ActionOutcomes.WithLabelValues("start_recording", "rejected").Inc()
			r.log.WithError(err).Warn("start recording rejected")
		} else {
			r.setPhase(model.PhaseAwaitingOutcome)
			r.awaitRecordingActive("StartRecordingEvent", issued)
		}
		r.setPhase(model.PhaseCompleted)

	case cmdStopRecording:
		r.setPhase(model.PhaseActionInProgress)
		r.addEvent("recording.stop.issued", nil)
		issued := r.eng.clock.Now()
		r.update(func(s *model.Session) { s.RecordStopIssuedAt = &issued })

		if err := r.eng.gw.StopRecording(r.ctx, r.connectionID); err != nil {
			telemetry.ActionOutcomes.WithLabelValues("stop_recording", "rejected").Inc()
			r.log.WithError(err).Warn("stop recording rejected")
		} else {
			r.setPhase(model.PhaseAwaitingOutcome)
			_, err := r.await(events.KindMediaStreamingStopped, r.connectionID, r.eng.cfg.OutcomeTimeout)
			if err == nil {
				elapsed := r.eng.clock.Now().Sub(issued)
				r.addEvent("recording.stopped", map[string]any{"elapsed_ms": elapsed.Milliseconds()})
				r.eng.tel.LogLatencies([]telemetry.LatencyRecord{{
					ActionType: "StopRecordingEvent",
					Value:      elapsed.Milliseconds(),
					CallID:     r.correlationID,
					Scenario:   r.eng.scenario(),
				}})
			} else if errors.Is(err, ErrOutcomeTimeout) {
				r.log.Warn("no recording-stopped event within budget")
			}
		}
		r.setPhase(model.PhaseCompleted)
	}
}

// awaitRecordingActive waits for the recording to report active and emits
// the latency from since. Best-effort; timeout just logs.
func (r *SessionRunner) awaitRecordingActive(actionType string, since time.Time) {
	env, err := r.await(events.KindRecordingStateChanged, r.connectionID, r.eng.cfg.OutcomeTimeout)
	if err != nil {
		if errors.Is(err, ErrOutcomeTimeout) {
			r.log.Warn("no recording-state event within budget")
		}
		return
	}

	state := env.Payload.(events.RecordingStateChanged)
	if state.State != "active" {
		r.log.WithField("state", state.State).Warn("unexpected recording state")
		return
	}

	elapsed := r.eng.clock.Now().Sub(since)
	r.addEvent("recording.active", map[string]any{"elapsed_ms": elapsed.Milliseconds()})
	r.eng.tel.LogLatencies([]telemetry.LatencyRecord{{
		ActionType: actionType,
		Value:      elapsed.Milliseconds(),
		CallID:     r.correlationID,
		Scenario:   r.eng.scenario(),
	}})
}

// subscribe registers a one-shot waiter and returns the channel its
// notification will arrive on. Subscribing before issuing the action keeps
// the outcome from racing the waiter registration.
func (r *SessionRunner) subscribe(kind events.Kind, key string) (<-chan events.Envelope, error) {
	ch := make(chan events.Envelope, 1)
	err := r.eng.dispatcher.Subscribe(kind, key, func(env events.Envelope) {
		select {
		case ch <- env:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// wait blocks on the subscribed channel, bounded by timeout (if non-zero)
// and by the session's cancellation. On timeout or cancellation the stale
// subscription is removed so a late notification is a no-op.
func (r *SessionRunner) wait(ch <-chan events.Envelope, kind events.Kind, key string, timeout time.Duration) (events.Envelope, error) {
	var timeoutC <-chan time.Time
	if timeout > 0 {
		timeoutC = r.eng.clock.After(timeout)
	}

	select {
	case env := <-ch:
		return env, nil
	case <-timeoutC:
		r.eng.dispatcher.Unsubscribe(kind, key)
		return events.Envelope{}, ErrOutcomeTimeout
	case <-r.ctx.Done():
		r.eng.dispatcher.Unsubscribe(kind, key)
		return events.Envelope{}, r.ctx.Err()
	}
}

func (r *SessionRunner) await(kind events.Kind, key string, timeout time.Duration) (events.Envelope, error) {
	ch, err := r.subscribe(kind, key)
	if err != nil {
		return events.Envelope{}, err
	}
	return r.wait(ch, kind, key, timeout)
}

func (r *SessionRunner) enqueue(cmd sessionCommand) error {
	select {
	case r.cmds <- cmd:
		return nil
	default:
		return errors.New("session command queue full")
	}
}

func (r *SessionRunner) bind(space model.KeySpace, value string) {
	if value == "" {
		return
	}
	if err := r.eng.registry.Bind(r.serverCallID, space, value); err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"space": space,
			"value": value,
		}).Error("binding secondary key failed")
	}
}

func (r *SessionRunner) update(mutate func(*model.Session)) {
	if err := r.eng.registry.Update(r.serverCallID, mutate); err != nil {
		r.log.WithError(err).Warn("session update on removed session")
	}
}

func (r *SessionRunner) setPhase(phase model.Phase) {
	r.update(func(s *model.Session) { s.Phase = phase })
}

func (r *SessionRunner) addEvent(eventType string, detail map[string]any) {
	now := r.eng.clock.Now()
	r.update(func(s *model.Session) {
		s.Timeline = append(s.Timeline, model.NewEvent(now, eventType, detail))
	})
}

// finish tears the session down: outstanding subscriptions are dropped, the
// registry forgets every key, and the runner unregisters itself.
func (r *SessionRunner) finish() {
	r.cancel()
	r.eng.dispatcher.Unsubscribe(events.KindCallDisconnected, r.serverCallID)

	now := r.eng.clock.Now()
	r.update(func(s *model.Session) {
		s.Phase = model.PhaseTerminated
		s.EndedAt = &now
	})
	r.eng.registry.Remove(r.serverCallID)
	r.eng.removeRunner(r.serverCallID)
	telemetry.SessionsActive.Dec()
	r.log.Info("session removed")
}

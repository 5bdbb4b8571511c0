package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"callrouter/events"
	"callrouter/gateway"
	"callrouter/model"
	"callrouter/registry"
	"callrouter/telemetry"
)

// fakeGateway records issued actions and answers with canned results
type fakeGateway struct {
	mu sync.Mutex

	answerErr   error
	playErr     error
	transferErr error

	answers      int
	callbackURIs []string
	playOps      []string
	transferOps  []string
	startRecs    int
	stopRecs     int
	hangups      int
}

func (g *fakeGateway) Answer(_ context.Context, _ string, opts gateway.AnswerOptions) (gateway.AnswerResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.answerErr != nil {
		return gateway.AnswerResult{}, g.answerErr
	}
	g.answers++
	g.callbackURIs = append(g.callbackURIs, opts.CallbackURI)
	return gateway.AnswerResult{ConnectionID: "conn-1", MediaSubscriptionID: "media-1"}, nil
}

func (g *fakeGateway) TransferToParticipant(_ context.Context, _, _, _, operationContext string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.transferErr != nil {
		return g.transferErr
	}
	g.transferOps = append(g.transferOps, operationContext)
	return nil
}

func (g *fakeGateway) Play(_ context.Context, _, _, operationContext string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.playErr != nil {
		return g.playErr
	}
	g.playOps = append(g.playOps, operationContext)
	return nil
}

func (g *fakeGateway) StartRecording(context.Context, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.startRecs++
	return nil
}

func (g *fakeGateway) StopRecording(context.Context, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopRecs++
	return nil
}

func (g *fakeGateway) Hangup(context.Context, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hangups++
	return nil
}

func (g *fakeGateway) snapshot() fakeGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fakeGateway{
		answers:      g.answers,
		callbackURIs: append([]string{}, g.callbackURIs...),
		playOps:      append([]string{}, g.playOps...),
		transferOps:  append([]string{}, g.transferOps...),
		startRecs:    g.startRecs,
		stopRecs:     g.stopRecs,
		hangups:      g.hangups,
	}
}

func (g *fakeGateway) rejectTransfers(reject bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if reject {
		g.transferErr = gateway.ErrRejected
	} else {
		g.transferErr = nil
	}
}

// captureSink collects emitted latency records
type captureSink struct {
	mu      sync.Mutex
	records []telemetry.LatencyRecord
}

func (c *captureSink) LogLatencies(records []telemetry.LatencyRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, records...)
}

func (c *captureSink) actionTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, 0, len(c.records))
	for _, rec := range c.records {
		types = append(types, rec.ActionType)
	}
	return types
}

func newTestEngine(t *testing.T, cfg Config, gw gateway.Gateway, opts ...Option) (*Engine, *events.Dispatcher, *registry.Registry) {
	t.Helper()
	disp := events.NewDispatcher(nil)
	reg := registry.New(nil)
	eng := New(cfg, disp, reg, gw, opts...)
	t.Cleanup(func() { _ = eng.Close() })
	return eng, disp, reg
}

func offer(serverCallID string) events.IncomingCall {
	return events.IncomingCall{
		IncomingCallContext: "ictx-" + serverCallID,
		From:                "4:+15550199",
		To:                  "4:+15550100",
		ServerCallID:        serverCallID,
		CorrelationID:       "corr-" + serverCallID,
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func phaseOf(t *testing.T, reg *registry.Registry, serverCallID string) model.Phase {
	t.Helper()
	session, err := reg.Lookup(model.KeyServerCall, serverCallID)
	if err != nil {
		t.Fatalf("lookup %s: %v", serverCallID, err)
	}
	return session.Phase
}

func TestCallLifecycle(t *testing.T) {
	gw := &fakeGateway{}
	sink := &captureSink{}
	eng, disp, reg := newTestEngine(t, Config{
		CallbackBaseURL:   "https://callrouter.test",
		SharedSecret:      "s3cret",
		TargetParticipant: "8:agent",
		AcceptedRoutes:    []string{"4:+15550100"},
		PauseOnStart:      true,
	}, gw, WithTelemetry(sink))

	if !eng.HandleIncomingCall(offer("server-1")) {
		t.Fatal("expected the call to be accepted")
	}
	waitUntil(t, "answer issued", func() bool { return gw.snapshot().answers == 1 })

	// One waiter for the disconnect, one for the connected event.
	waitUntil(t, "connected waiter registered", func() bool { return disp.Pending() == 2 })

	if _, err := reg.Lookup(model.KeyConnection, "conn-1"); err != nil {
		t.Fatalf("connection alias not bound: %v", err)
	}
	if _, err := reg.Lookup(model.KeyCorrelation, "corr-server-1"); err != nil {
		t.Fatalf("correlation alias not bound: %v", err)
	}
	if _, err := reg.Lookup(model.KeyMediaSubscription, "media-1"); err != nil {
		t.Fatalf("media subscription alias not bound: %v", err)
	}

	if !disp.Dispatch(events.Envelope{
		Kind:    events.KindCallConnected,
		Key:     "conn-1",
		Payload: events.CallConnected{ConnectionID: "conn-1", ServerCallID: "server-1"},
	}) {
		t.Fatal("connected event found no waiter")
	}

	waitUntil(t, "transfer issued", func() bool { return len(gw.snapshot().transferOps) == 1 })
	opCtx := gw.snapshot().transferOps[0]
	if !disp.Dispatch(events.Envelope{
		Kind:    events.KindParticipantsUpdated,
		Key:     opCtx,
		Payload: events.ParticipantsUpdated{ConnectionID: "conn-1", OperationContext: opCtx},
	}) {
		t.Fatal("transfer outcome found no waiter")
	}

	waitUntil(t, "sequence completed", func() bool {
		return phaseOf(t, reg, "server-1") == model.PhaseCompleted
	})

	session, err := reg.Lookup(model.KeyServerCall, "server-1")
	if err != nil {
		t.Fatal(err)
	}
	if session.TransferAttempts != 1 {
		t.Fatalf("TransferAttempts = %d, want 1", session.TransferAttempts)
	}
	if session.ConnectedAt == nil {
		t.Fatal("ConnectedAt not set")
	}

	if !disp.Dispatch(events.Envelope{
		Kind:    events.KindCallDisconnected,
		Key:     "server-1",
		Payload: events.CallDisconnected{ServerCallID: "server-1"},
	}) {
		t.Fatal("disconnect found no waiter")
	}

	waitUntil(t, "session removed", func() bool { return reg.Active() == 0 })
	for _, lookup := range []struct {
		space model.KeySpace
		value string
	}{
		{model.KeyServerCall, "server-1"},
		{model.KeyConnection, "conn-1"},
		{model.KeyCorrelation, "corr-server-1"},
		{model.KeyMediaSubscription, "media-1"},
	} {
		if _, err := reg.Lookup(lookup.space, lookup.value); !errors.Is(err, registry.ErrNotFound) {
			t.Fatalf("lookup in space %s after removal: err = %v, want ErrNotFound", lookup.space, err)
		}
	}
	waitUntil(t, "subscriptions cleared", func() bool { return disp.Pending() == 0 })

	got := gw.snapshot()
	if got.hangups != 0 {
		t.Fatalf("hangups = %d, want 0", got.hangups)
	}
	types := sink.actionTypes()
	if len(types) != 1 || types[0] != "CallConnected" {
		t.Fatalf("latency records = %v, want [CallConnected]", types)
	}
}

func TestIgnoresUnhandledRoute(t *testing.T) {
	gw := &fakeGateway{}
	eng, _, reg := newTestEngine(t, Config{
		CallbackBaseURL:   "https://callrouter.test",
		TargetParticipant: "8:agent",
		AcceptedRoutes:    []string{"4:+15550100"},
	}, gw)

	call := offer("server-1")
	call.To = "4:+15559999"
	if eng.HandleIncomingCall(call) {
		t.Fatal("call for an unhandled route was accepted")
	}
	if reg.Active() != 0 {
		t.Fatalf("active sessions = %d, want 0", reg.Active())
	}
	if gw.snapshot().answers != 0 {
		t.Fatal("answer issued for an ignored call")
	}
}

func TestIgnoresCallFromTarget(t *testing.T) {
	// A transfer target's own leg comes back as an incoming call offer;
	// answering it would loop the call through the service.
	gw := &fakeGateway{}
	eng, _, reg := newTestEngine(t, Config{
		CallbackBaseURL:   "https://callrouter.test",
		TargetParticipant: "8:agent",
		AcceptedRoutes:    []string{"*"},
	}, gw)

	call := offer("server-1")
	call.To = "8:agent"
	if eng.HandleIncomingCall(call) {
		t.Fatal("call addressed to the transfer target was accepted")
	}
	if reg.Active() != 0 {
		t.Fatalf("active sessions = %d, want 0", reg.Active())
	}
}

func TestDuplicateOfferRefused(t *testing.T) {
	gw := &fakeGateway{}
	eng, _, reg := newTestEngine(t, Config{
		CallbackBaseURL:   "https://callrouter.test",
		TargetParticipant: "8:agent",
		AcceptedRoutes:    []string{"*"},
		PauseOnStart:      true,
	}, gw)

	if !eng.HandleIncomingCall(offer("server-1")) {
		t.Fatal("first offer refused")
	}
	waitUntil(t, "answer issued", func() bool { return gw.snapshot().answers == 1 })

	if eng.HandleIncomingCall(offer("server-1")) {
		t.Fatal("redelivered offer accepted")
	}
	if reg.Active() != 1 {
		t.Fatalf("active sessions = %d, want 1", reg.Active())
	}
	if gw.snapshot().answers != 1 {
		t.Fatal("redelivered offer was answered")
	}
}

func TestTransferRetriesExhausted(t *testing.T) {
	gw := &fakeGateway{}
	gw.rejectTransfers(true)
	eng, disp, reg := newTestEngine(t, Config{
		CallbackBaseURL:   "https://callrouter.test",
		TargetParticipant: "8:agent",
		AcceptedRoutes:    []string{"*"},
		PauseOnStart:      true,
	}, gw)

	if !eng.HandleIncomingCall(offer("server-1")) {
		t.Fatal("offer refused")
	}
	waitUntil(t, "connected waiter registered", func() bool { return disp.Pending() == 2 })
	disp.Dispatch(events.Envelope{
		Kind:    events.KindCallConnected,
		Key:     "conn-1",
		Payload: events.CallConnected{ConnectionID: "conn-1"},
	})

	// Every attempt is rejected synchronously; the sequence still completes.
	waitUntil(t, "transfer abandoned", func() bool {
		return phaseOf(t, reg, "server-1") == model.PhaseCompleted
	})

	session, err := reg.Lookup(model.KeyServerCall, "server-1")
	if err != nil {
		t.Fatal(err)
	}
	if session.TransferAttempts != 3 {
		t.Fatalf("TransferAttempts = %d, want 3", session.TransferAttempts)
	}
	if reg.Active() != 1 {
		t.Fatal("abandoned transfer must not end the session")
	}
	// No stale outcome subscriptions: only the disconnect waiter remains.
	if disp.Pending() != 1 {
		t.Fatalf("pending subscriptions = %d, want 1", disp.Pending())
	}
}

func TestTransferRetriesAfterFailedOutcome(t *testing.T) {
	gw := &fakeGateway{}
	eng, disp, reg := newTestEngine(t, Config{
		CallbackBaseURL:   "https://callrouter.test",
		TargetParticipant: "8:agent",
		AcceptedRoutes:    []string{"*"},
		PauseOnStart:      true,
	}, gw)

	if !eng.HandleIncomingCall(offer("server-1")) {
		t.Fatal("offer refused")
	}
	waitUntil(t, "connected waiter registered", func() bool { return disp.Pending() == 2 })
	disp.Dispatch(events.Envelope{
		Kind:    events.KindCallConnected,
		Key:     "conn-1",
		Payload: events.CallConnected{ConnectionID: "conn-1"},
	})

	waitUntil(t, "first transfer issued", func() bool { return len(gw.snapshot().transferOps) == 1 })
	firstOp := gw.snapshot().transferOps[0]

	// An outcome without a connection id means the attempt failed.
	if !disp.Dispatch(events.Envelope{
		Kind:    events.KindParticipantsUpdated,
		Key:     firstOp,
		Payload: events.ParticipantsUpdated{OperationContext: firstOp},
	}) {
		t.Fatal("first outcome found no waiter")
	}

	waitUntil(t, "second transfer issued", func() bool { return len(gw.snapshot().transferOps) == 2 })
	secondOp := gw.snapshot().transferOps[1]
	if secondOp == firstOp {
		t.Fatal("retry reused the previous operation context")
	}

	if !disp.Dispatch(events.Envelope{
		Kind:    events.KindParticipantsUpdated,
		Key:     secondOp,
		Payload: events.ParticipantsUpdated{ConnectionID: "conn-1", OperationContext: secondOp},
	}) {
		t.Fatal("second outcome found no waiter")
	}

	waitUntil(t, "sequence completed", func() bool {
		return phaseOf(t, reg, "server-1") == model.PhaseCompleted
	})
	session, _ := reg.Lookup(model.KeyServerCall, "server-1")
	if session.TransferAttempts != 2 {
		t.Fatalf("TransferAttempts = %d, want 2", session.TransferAttempts)
	}
	if len(gw.snapshot().transferOps) != 2 {
		t.Fatalf("transfer attempts = %d, want 2", len(gw.snapshot().transferOps))
	}
}

func TestPlayTimeoutProceeds(t *testing.T) {
	gw := &fakeGateway{}
	clock := NewManualClock(time.Time{})
	eng, disp, reg := newTestEngine(t, Config{
		CallbackBaseURL: "https://callrouter.test",
		AcceptedRoutes:  []string{"*"},
		AudioFileURI:    "https://callrouter.test/audio/prompt.wav",
		PauseOnStart:    true,
		PlayTimeout:     30 * time.Second,
	}, gw, WithClock(clock))

	if !eng.HandleIncomingCall(offer("server-1")) {
		t.Fatal("offer refused")
	}
	waitUntil(t, "connected waiter registered", func() bool { return disp.Pending() == 2 })
	disp.Dispatch(events.Envelope{
		Kind:    events.KindCallConnected,
		Key:     "conn-1",
		Payload: events.CallConnected{ConnectionID: "conn-1"},
	})

	waitUntil(t, "play issued", func() bool { return len(gw.snapshot().playOps) == 1 })
	waitUntil(t, "play waiter parked", func() bool { return clock.Timers() == 1 })

	clock.Advance(31 * time.Second)

	// The timeout is best-effort: the sequence moves on without the outcome.
	waitUntil(t, "sequence completed", func() bool {
		return phaseOf(t, reg, "server-1") == model.PhaseCompleted
	})

	// The late outcome finds its subscription already removed.
	opCtx := gw.snapshot().playOps[0]
	if disp.Dispatch(events.Envelope{
		Kind:    events.KindPlayResult,
		Key:     opCtx,
		Payload: events.PlayResult{OperationContext: opCtx, Succeeded: true},
	}) {
		t.Fatal("late play outcome found a waiter")
	}
	if reg.Active() != 1 {
		t.Fatal("play timeout must not end the session")
	}
}

func TestPlayRejectedSkipsPrompt(t *testing.T) {
	gw := &fakeGateway{}
	gw.playErr = gateway.ErrRejected
	eng, disp, reg := newTestEngine(t, Config{
		CallbackBaseURL: "https://callrouter.test",
		AcceptedRoutes:  []string{"*"},
		AudioFileURI:    "https://callrouter.test/audio/prompt.wav",
		PauseOnStart:    true,
	}, gw)

	if !eng.HandleIncomingCall(offer("server-1")) {
		t.Fatal("offer refused")
	}
	waitUntil(t, "connected waiter registered", func() bool { return disp.Pending() == 2 })
	disp.Dispatch(events.Envelope{
		Kind:    events.KindCallConnected,
		Key:     "conn-1",
		Payload: events.CallConnected{ConnectionID: "conn-1"},
	})

	waitUntil(t, "sequence completed", func() bool {
		return phaseOf(t, reg, "server-1") == model.PhaseCompleted
	})
	if disp.Pending() != 1 {
		t.Fatalf("pending subscriptions = %d, want 1 (disconnect only)", disp.Pending())
	}
}

func TestRecordingCommands(t *testing.T) {
	gw := &fakeGateway{}
	sink := &captureSink{}
	eng, disp, reg := newTestEngine(t, Config{
		CallbackBaseURL: "https://callrouter.test",
		AcceptedRoutes:  []string{"*"},
		PauseOnStart:    true,
	}, gw, WithTelemetry(sink))

	if err := eng.StartRecording("corr-server-1"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("start on absent session: err = %v, want ErrNoSession", err)
	}

	if !eng.HandleIncomingCall(offer("server-1")) {
		t.Fatal("offer refused")
	}
	waitUntil(t, "connected waiter registered", func() bool { return disp.Pending() == 2 })
	disp.Dispatch(events.Envelope{
		Kind:    events.KindCallConnected,
		Key:     "conn-1",
		Payload: events.CallConnected{ConnectionID: "conn-1"},
	})
	waitUntil(t, "sequence completed", func() bool {
		return phaseOf(t, reg, "server-1") == model.PhaseCompleted
	})

	// Commands address the session by the provider correlation id.
	if err := eng.StartRecording("corr-server-1"); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "recording started", func() bool { return gw.snapshot().startRecs == 1 })
	waitUntil(t, "recording-state waiter registered", func() bool { return disp.Pending() == 2 })
	disp.Dispatch(events.Envelope{
		Kind:    events.KindRecordingStateChanged,
		Key:     "conn-1",
		Payload: events.RecordingStateChanged{ConnectionID: "conn-1", State: "active"},
	})
	waitUntil(t, "start latency recorded", func() bool {
		for _, typ := range sink.actionTypes() {
			if typ == "StartRecordingEvent" {
				return true
			}
		}
		return false
	})

	if err := eng.StopRecording("corr-server-1"); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "recording stopped", func() bool { return gw.snapshot().stopRecs == 1 })
	waitUntil(t, "streaming-stopped waiter registered", func() bool { return disp.Pending() == 2 })
	disp.Dispatch(events.Envelope{
		Kind:    events.KindMediaStreamingStopped,
		Key:     "conn-1",
		Payload: events.MediaStreaming{ConnectionID: "conn-1"},
	})
	waitUntil(t, "stop latency recorded", func() bool {
		for _, typ := range sink.actionTypes() {
			if typ == "StopRecordingEvent" {
				return true
			}
		}
		return false
	})
}

func TestHangupWhenDone(t *testing.T) {
	gw := &fakeGateway{}
	eng, disp, _ := newTestEngine(t, Config{
		CallbackBaseURL: "https://callrouter.test",
		AcceptedRoutes:  []string{"*"},
		PauseOnStart:    true,
		HangupWhenDone:  true,
	}, gw)

	if !eng.HandleIncomingCall(offer("server-1")) {
		t.Fatal("offer refused")
	}
	waitUntil(t, "connected waiter registered", func() bool { return disp.Pending() == 2 })
	disp.Dispatch(events.Envelope{
		Kind:    events.KindCallConnected,
		Key:     "conn-1",
		Payload: events.CallConnected{ConnectionID: "conn-1"},
	})

	waitUntil(t, "hangup issued", func() bool { return gw.snapshot().hangups == 1 })
}

func TestDisconnectDuringAnswerWait(t *testing.T) {
	gw := &fakeGateway{}
	eng, disp, reg := newTestEngine(t, Config{
		CallbackBaseURL:   "https://callrouter.test",
		TargetParticipant: "8:agent",
		AcceptedRoutes:    []string{"*"},
		PauseOnStart:      true,
	}, gw)

	if !eng.HandleIncomingCall(offer("server-1")) {
		t.Fatal("offer refused")
	}
	waitUntil(t, "connected waiter registered", func() bool { return disp.Pending() == 2 })

	// The caller hangs up before the connected event ever arrives.
	disp.Dispatch(events.Envelope{
		Kind:    events.KindCallDisconnected,
		Key:     "server-1",
		Payload: events.CallDisconnected{ServerCallID: "server-1"},
	})

	waitUntil(t, "session removed", func() bool { return reg.Active() == 0 })
	waitUntil(t, "subscriptions cleared", func() bool { return disp.Pending() == 0 })
	if len(gw.snapshot().transferOps) != 0 {
		t.Fatal("transfer issued after disconnect")
	}
}

func TestCallbackURICarriesSecret(t *testing.T) {
	gw := &fakeGateway{}
	eng, _, _ := newTestEngine(t, Config{
		CallbackBaseURL: "https://callrouter.test/",
		SharedSecret:    "s3cret",
		AcceptedRoutes:  []string{"*"},
		PauseOnStart:    true,
	}, gw)

	if !eng.HandleIncomingCall(offer("server-1")) {
		t.Fatal("offer refused")
	}
	waitUntil(t, "answer issued", func() bool { return gw.snapshot().answers == 1 })

	uri := gw.snapshot().callbackURIs[0]
	session, err := eng.registry.Lookup(model.KeyServerCall, "server-1")
	if err != nil {
		t.Fatal(err)
	}
	want := "https://callrouter.test/api/calls/" + session.RecordingID +
		"?callerId=4%3A%2B15550199&secret=s3cret"
	if uri != want {
		t.Fatalf("callback URI = %q, want %q", uri, want)
	}
}

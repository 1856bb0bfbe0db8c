package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aixgo-dev/stagecraft/internal/llm/provider"
	"github.com/aixgo-dev/stagecraft/pkg/memory"
	"github.com/aixgo-dev/stagecraft/pkg/protocol"
	"github.com/aixgo-dev/stagecraft/pkg/scenario"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const drill = `
id: drill
title: Drill
opening:
  - {speaker: Narrator, text: Lights flicker.}
  - {speaker: AI, text: Hello.}
variables:
  hull: {type: number, initial: 5, min: 0, max: 10}
  sealed: {type: bool}
conditions:
  - {id: safe, when: sealed, outcome: won, ending: Sealed in.}
  - {id: breach, when: "hull <= 0", outcome: lost, ending: The hull gives way.}
phases:
  - name: start
    actions: [seal, patch]
actions:
  seal: {label: Seal the door, set: {sealed: true}, max_uses: 1}
  patch: {label: Patch the hull, effects: {hull: 1}, max_uses: 1}
recovery_lines: ["Say again?"]
characters:
  - {id: ai, name: AI, persona: A calm ship computer.}
`

type recordingSink struct {
	mu     sync.Mutex
	msgs   []protocol.Outbound
	failAt int
}

func (r *recordingSink) Send(_ context.Context, msg protocol.Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAt > 0 && len(r.msgs)+1 >= r.failAt {
		return errors.New("broken pipe")
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingSink) all() []protocol.Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Outbound(nil), r.msgs...)
}

func (r *recordingSink) ofType(typ string) []protocol.Outbound {
	var out []protocol.Outbound
	for _, m := range r.all() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (r *recordingSink) waitFor(t *testing.T, typ string, n int) []protocol.Outbound {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.ofType(typ)) >= n }, 2*time.Second, 5*time.Millisecond,
		"waiting for %d %q frames, have %v", n, typ, r.all())
	return r.ofType(typ)
}

func loadDrill(t *testing.T, mutate func(*scenario.Scenario)) *scenario.Scenario {
	t.Helper()
	sc, err := scenario.Load([]byte(drill))
	require.NoError(t, err)
	if mutate != nil {
		mutate(sc)
	}
	return sc
}

type harness struct {
	s    *Session
	sink *recordingSink
	llm  *provider.MockProvider
	mem  *memory.MemoryStore
	errc chan error
}

func start(t *testing.T, sc *scenario.Scenario, llm *provider.MockProvider, sink *recordingSink, opts ...func(*Config)) *harness {
	t.Helper()
	if sink == nil {
		sink = &recordingSink{}
	}
	mem := memory.NewMemoryStore()
	cfg := Config{
		Scenario:          sc,
		UserID:            "player-1",
		Sink:              sink,
		Provider:          llm,
		Memory:            mem,
		Gap:               time.Millisecond,
		TickInterval:      -1,
		DirectorInterval:  -1,
		GenerationTimeout: time.Second,
	}
	for _, o := range opts {
		o(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{s: s, sink: sink, llm: llm, mem: mem, errc: make(chan error, 1)}
	go func() { h.errc <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	return h
}

func (h *harness) ready(t *testing.T) {
	t.Helper()
	h.sink.waitFor(t, protocol.TypeInputEnabled, 1)
}

// do runs fn on the session goroutine and waits for it.
func (h *harness) do(t *testing.T, fn func(s *Session)) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, h.s.submit(context.Background(), func() {
		fn(h.s)
		close(done)
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session goroutine did not run the task")
	}
}

func (r *recordingSink) texts() []string {
	var out []string
	for _, m := range r.ofType(protocol.TypeDialogue) {
		out = append(out, m.Text)
	}
	return out
}

func (r *recordingSink) line(t *testing.T, text string) protocol.Outbound {
	t.Helper()
	var found protocol.Outbound
	require.Eventually(t, func() bool {
		for _, m := range r.ofType(protocol.TypeDialogue) {
			if m.Text == text {
				found = m
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "waiting for line %q, have %v", text, r.texts())
	return found
}

func TestSession_OpeningThenInput(t *testing.T) {
	h := start(t, loadDrill(t, nil), provider.NewMockProvider("Copy that."), nil)
	h.ready(t)
	h.sink.waitFor(t, protocol.TypeActions, 1)

	var types []string
	var lines []string
	for _, m := range h.sink.all() {
		types = append(types, m.Type)
		if m.Type == protocol.TypeDialogue {
			lines = append(lines, m.Text)
		}
	}
	assert.Equal(t, protocol.TypeWelcome, types[0])
	assert.Equal(t, protocol.TypeInputDisabled, types[1])
	assert.Equal(t, []string{"Lights flicker.", "Hello."}, lines)

	welcome := h.sink.ofType(protocol.TypeWelcome)[0]
	assert.Equal(t, "drill", welcome.Scenario)
	assert.Equal(t, "AI", welcome.Character)
	assert.Equal(t, "start", welcome.Phase)

	actions := h.sink.ofType(protocol.TypeActions)[0]
	require.Len(t, actions.Actions, 2)
}

func TestSession_RejectsDuringOpening(t *testing.T) {
	sc := loadDrill(t, func(sc *scenario.Scenario) { sc.Opening[1].Pause = time.Hour })
	h := start(t, sc, provider.NewMockProvider("Copy that."), nil)
	h.sink.waitFor(t, protocol.TypeDialogue, 1)

	require.NoError(t, h.s.OnUserMessage(context.Background(), "hello?"))
	rejected := h.sink.waitFor(t, protocol.TypeRejected, 1)
	assert.Equal(t, protocol.ReasonOpening, rejected[0].Reason)
	assert.Empty(t, h.llm.Requests())
}

func TestSession_MessageRoundTrip(t *testing.T) {
	h := start(t, loadDrill(t, nil), provider.NewMockProvider("The door is jammed."), nil)
	h.ready(t)

	require.NoError(t, h.s.OnUserMessage(context.Background(), "  open the door  "))
	h.sink.waitFor(t, protocol.TypeThinking, 1)
	lines := h.sink.waitFor(t, protocol.TypeDialogue, 3)
	assert.Equal(t, "The door is jammed.", lines[2].Text)
	assert.Equal(t, "AI", lines[2].Speaker)
	assert.Equal(t, "normal", lines[2].Priority)

	reqs := h.llm.Requests()
	require.Len(t, reqs, 1)
	last := reqs[0].Messages[len(reqs[0].Messages)-1]
	assert.Equal(t, provider.RoleUser, last.Role)
	assert.Contains(t, last.Content, "open the door")
}

func TestSession_SingleWriter(t *testing.T) {
	llm := provider.NewMockProvider("Working on it.")
	llm.Delay = 200 * time.Millisecond
	h := start(t, loadDrill(t, nil), llm, nil)
	h.ready(t)

	ctx := context.Background()
	require.NoError(t, h.s.OnUserMessage(ctx, "first"))
	require.NoError(t, h.s.OnUserMessage(ctx, "second"))
	require.NoError(t, h.s.OnUserAction(ctx, "patch"))

	rejected := h.sink.waitFor(t, protocol.TypeRejected, 2)
	for _, r := range rejected {
		assert.Equal(t, protocol.ReasonInFlight, r.Reason)
	}
	h.sink.waitFor(t, protocol.TypeDialogue, 3)
	assert.Len(t, llm.Requests(), 1)

	snap, err := h.s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5.0, snap.Number("hull"), "rejected action must not apply")
}

func TestSession_IgnoredActions(t *testing.T) {
	h := start(t, loadDrill(t, nil), provider.NewMockProvider("Patched."), nil)
	h.ready(t)
	ctx := context.Background()

	require.NoError(t, h.s.OnUserAction(ctx, "patch"))
	lines := h.sink.waitFor(t, protocol.TypeDialogue, 3)
	assert.Equal(t, "urgent", lines[2].Priority)

	require.NoError(t, h.s.OnUserAction(ctx, "patch"))
	require.NoError(t, h.s.OnUserAction(ctx, "fly"))
	ignored := h.sink.waitFor(t, protocol.TypeIgnored, 2)
	assert.Equal(t, "patch", ignored[0].ID)
	assert.Equal(t, "exhausted", ignored[0].Reason)
	assert.Equal(t, "fly", ignored[1].ID)
	assert.Equal(t, "unknown", ignored[1].Reason)

	snap, err := h.s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6.0, snap.Number("hull"))
	assert.Len(t, h.llm.Requests(), 1)
}

func TestSession_OutcomeEndsSession(t *testing.T) {
	h := start(t, loadDrill(t, nil), provider.NewMockProvider("Sealing."), nil)
	h.ready(t)
	ctx := context.Background()

	require.NoError(t, h.s.OnUserAction(ctx, "seal"))
	h.sink.waitFor(t, protocol.TypeDialogue, 3)
	require.NoError(t, h.s.OnTick(ctx, 1))

	select {
	case err := <-h.errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}

	outcome := h.sink.ofType(protocol.TypeOutcome)
	require.Len(t, outcome, 1)
	assert.Equal(t, "won", outcome[0].Outcome)

	lines := h.sink.ofType(protocol.TypeDialogue)
	ending := lines[len(lines)-1]
	assert.Equal(t, "Sealed in.", ending.Text)
	assert.Equal(t, "critical", ending.Priority)

	p, err := h.mem.Load(ctx, "player-1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.SessionsPlayed)
	assert.Equal(t, 1, p.Outcomes["won"])
	assert.Equal(t, 1, p.ActionsTaken)
	assert.Equal(t, "drill", p.LastScenario)

	assert.ErrorIs(t, h.s.OnUserMessage(ctx, "hello?"), ErrSessionClosed)
}

func TestSession_RecoveryOnProviderError(t *testing.T) {
	llm := provider.NewMockProvider()
	llm.Err = provider.NewProviderError("mock", provider.ErrorCodeServerError, "upstream down", nil)
	h := start(t, loadDrill(t, nil), llm, nil)
	h.ready(t)

	require.NoError(t, h.s.OnUserMessage(context.Background(), "status?"))
	lines := h.sink.waitFor(t, protocol.TypeDialogue, 3)
	assert.Equal(t, "Say again?", lines[2].Text)
	assert.Equal(t, "urgent", lines[2].Priority)

	// The gate is free again after a failure.
	require.NoError(t, h.s.OnUserMessage(context.Background(), "status?"))
	h.sink.waitFor(t, protocol.TypeDialogue, 4)
	assert.Empty(t, h.sink.ofType(protocol.TypeRejected))
}

func TestSession_ChannelFailureTearsDown(t *testing.T) {
	sink := &recordingSink{failAt: 3}
	h := start(t, loadDrill(t, nil), provider.NewMockProvider("x"), sink)

	select {
	case err := <-h.errc:
		require.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
	<-h.s.Done()
	assert.ErrorIs(t, h.s.OnUserMessage(context.Background(), "hi"), ErrSessionClosed)
}

func TestSession_RunOnce(t *testing.T) {
	h := start(t, loadDrill(t, nil), provider.NewMockProvider("x"), nil)
	h.ready(t)
	assert.ErrorIs(t, h.s.Run(context.Background()), ErrAlreadyRunning)
}

func TestNew_Validation(t *testing.T) {
	sc := loadDrill(t, nil)
	_, err := New(Config{Scenario: sc, Provider: provider.NewMockProvider()})
	assert.Error(t, err)

	_, err = New(Config{Scenario: sc, Sink: &recordingSink{}, Provider: provider.NewMockProvider(), Character: "ghost"})
	assert.ErrorIs(t, err, ErrUnknownCharacter)
}

package gate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/stagecraft/internal/queue"
	"github.com/aixgo-dev/stagecraft/pkg/protocol"
)

type harness struct {
	gate        *Gate
	queue       *queue.Queue
	completions chan Completion
	signals     []string
	enabled     int
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	h := &harness{
		queue:       queue.New(queue.Config{}),
		completions: make(chan Completion, 8),
	}
	h.gate = New(Config{
		Queue:   h.queue,
		Timeout: timeout,
		Post: func(ctx context.Context, c Completion) bool {
			select {
			case h.completions <- c:
				return true
			case <-ctx.Done():
				return false
			}
		},
		Signal:         func(m protocol.Outbound) { h.signals = append(h.signals, m.Type) },
		Recovery:       func() string { return "Say again?" },
		OnInputEnabled: func() { h.enabled++ },
		Logf:           t.Logf,
	})
	return h
}

func (h *harness) wait(t *testing.T) Completion {
	t.Helper()
	select {
	case c := <-h.completions:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no completion posted")
		return Completion{}
	}
}

func reply(text string) func() (Job, error) {
	return func() (Job, error) {
		return func(context.Context) (Result, error) { return Result{Text: text}, nil }, nil
	}
}

func TestGate_SecondEventRejectedWhileInFlight(t *testing.T) {
	h := newHarness(t, time.Second)
	release := make(chan struct{})
	var started atomic.Int32

	prepare := func() (Job, error) {
		return func(ctx context.Context) (Result, error) {
			started.Add(1)
			<-release
			return Result{Text: "hello"}, nil
		}, nil
	}

	require.Equal(t, Admitted, h.gate.Admit(context.Background(), prepare))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, RejectedInFlight, h.gate.Admit(context.Background(), prepare))

	close(release)
	c := h.wait(t)
	assert.EqualValues(t, 1, started.Load(), "only one generation request started")
	assert.True(t, h.gate.OnComplete(c))
	assert.False(t, h.gate.InFlight())
	assert.Equal(t, 1, h.queue.Len())
}

func TestGate_RapidFireSingleWriter(t *testing.T) {
	h := newHarness(t, time.Second)
	var prepared int
	release := make(chan struct{})
	prepare := func() (Job, error) {
		prepared++
		return func(context.Context) (Result, error) {
			<-release
			return Result{Text: "ok"}, nil
		}, nil
	}

	admitted := 0
	for i := 0; i < 50; i++ {
		if h.gate.Admit(context.Background(), prepare) == Admitted {
			admitted++
		}
	}
	assert.Equal(t, 1, admitted)
	assert.Equal(t, 1, prepared)

	close(release)
	h.gate.OnComplete(h.wait(t))
	assert.Equal(t, Admitted, h.gate.Admit(context.Background(), reply("again")))
	h.gate.OnComplete(h.wait(t))
}

func TestGate_AdmissionSignalsAndClearsBackground(t *testing.T) {
	h := newHarness(t, time.Second)
	h.queue.Enqueue(&queue.Item{ID: "hint", Priority: queue.Background, SupersedeKey: "hint"})
	h.queue.Enqueue(&queue.Item{ID: "event", Priority: queue.Normal})
	h.queue.Enqueue(&queue.Item{ID: "alarm", Priority: queue.Urgent})

	require.Equal(t, Admitted, h.gate.Admit(context.Background(), reply("hi")))
	assert.Equal(t, []string{protocol.TypeThinking}, h.signals)

	pending := h.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "alarm", pending[0].ID)
	h.gate.OnComplete(h.wait(t))
}

func TestGate_TimeoutEnqueuesRecovery(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	prepare := func() (Job, error) {
		return func(ctx context.Context) (Result, error) {
			<-ctx.Done()
			return Result{}, ctx.Err()
		}, nil
	}
	require.Equal(t, Admitted, h.gate.Admit(context.Background(), prepare))

	c := h.wait(t)
	assert.True(t, c.TimedOut)
	require.True(t, h.gate.OnComplete(c))

	pending := h.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, queue.Urgent, pending[0].Priority)
	assert.Equal(t, "Say again?", pending[0].Text)
	assert.False(t, h.gate.InFlight())
}

func TestGate_JobIgnoringContextStillTimesOut(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	block := make(chan struct{})
	defer close(block)
	prepare := func() (Job, error) {
		return func(context.Context) (Result, error) {
			<-block
			return Result{Text: "late"}, nil
		}, nil
	}
	h.gate.Admit(context.Background(), prepare)
	c := h.wait(t)
	assert.True(t, c.TimedOut)
	assert.ErrorIs(t, c.Err, context.DeadlineExceeded)
}

func TestGate_PanicIsRecovered(t *testing.T) {
	h := newHarness(t, time.Second)
	prepare := func() (Job, error) {
		return func(context.Context) (Result, error) { panic("boom") }, nil
	}
	h.gate.Admit(context.Background(), prepare)
	c := h.wait(t)
	assert.ErrorIs(t, c.Err, ErrPanic)
	h.gate.OnComplete(c)
	assert.False(t, h.gate.InFlight())
	assert.Equal(t, 1, h.queue.Len())
}

func TestGate_PrepareErrorIsAFailure(t *testing.T) {
	h := newHarness(t, time.Second)
	h.gate.Admit(context.Background(), func() (Job, error) { return nil, errors.New("no character") })
	c := h.wait(t)
	require.Error(t, c.Err)
	h.gate.OnComplete(c)
	assert.Equal(t, "Say again?", h.queue.Pending()[0].Text)
}

func TestGate_EmptyTextIsAFailure(t *testing.T) {
	h := newHarness(t, time.Second)
	h.gate.Admit(context.Background(), reply("   "))
	h.gate.OnComplete(h.wait(t))
	assert.Equal(t, queue.Urgent, h.queue.Pending()[0].Priority)
}

func TestGate_UrgentResult(t *testing.T) {
	h := newHarness(t, time.Second)
	h.gate.Admit(context.Background(), func() (Job, error) {
		return func(context.Context) (Result, error) { return Result{Text: "Run!", Urgent: true}, nil }, nil
	})
	h.gate.OnComplete(h.wait(t))
	assert.Equal(t, queue.Urgent, h.queue.Pending()[0].Priority)
	assert.Equal(t, queue.SourceDialogue, h.queue.Pending()[0].Source)
}

func TestGate_StaleCompletionIgnored(t *testing.T) {
	h := newHarness(t, time.Second)
	h.gate.Admit(context.Background(), reply("one"))
	c := h.wait(t)
	require.True(t, h.gate.OnComplete(c))
	assert.False(t, h.gate.OnComplete(c), "duplicate completion")
	assert.Equal(t, 1, h.queue.Len())
}

func TestGate_OpeningSequence(t *testing.T) {
	h := newHarness(t, time.Second)
	h.gate.BeginOpening([]string{"a", "b"})
	assert.True(t, h.gate.Opening())
	assert.Equal(t, RejectedOpening, h.gate.Admit(context.Background(), reply("x")))

	h.gate.Settled("a")
	h.gate.Settled("unrelated")
	assert.True(t, h.gate.Opening())
	assert.Zero(t, h.enabled)

	h.gate.Settled("b")
	assert.False(t, h.gate.Opening())
	assert.Equal(t, 1, h.enabled)
	assert.Equal(t, []string{protocol.TypeInputDisabled, protocol.TypeInputEnabled}, h.signals)

	assert.Equal(t, Admitted, h.gate.Admit(context.Background(), reply("x")))
	h.gate.OnComplete(h.wait(t))
}

func TestGate_EmptyOpeningEnablesAtOnce(t *testing.T) {
	h := newHarness(t, time.Second)
	h.gate.BeginOpening(nil)
	assert.False(t, h.gate.Opening())
	assert.Equal(t, 1, h.enabled)
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "admitted", Admitted.String())
	assert.Equal(t, protocol.ReasonInFlight, RejectedInFlight.String())
	assert.Equal(t, protocol.ReasonOpening, RejectedOpening.String())
}

func TestGate_OnLineSeesQueuedReply(t *testing.T) {
	h := newHarness(t, time.Second)
	var lines []*queue.Item
	h.gate.cfg.OnLine = func(it *queue.Item) { lines = append(lines, it) }

	require.Equal(t, Admitted, h.gate.Admit(context.Background(), reply("Copy that.")))
	h.gate.OnComplete(h.wait(t))
	require.Len(t, lines, 1)
	assert.Equal(t, "Copy that.", lines[0].Text)
	assert.NotEmpty(t, lines[0].ID)
	assert.Equal(t, lines[0].ID, h.queue.Pending()[0].ID)

	failing := func() (Job, error) { return nil, errors.New("boom") }
	require.Equal(t, Admitted, h.gate.Admit(context.Background(), failing))
	h.gate.OnComplete(h.wait(t))
	assert.Len(t, lines, 1, "recovery lines are not reported")
}

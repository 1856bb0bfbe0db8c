// Package gate enforces the single-writer rule for generation requests and
// holds user input back while the opening sequence plays.
//
// A Gate is owned by its session goroutine: Admit, OnComplete and the
// opening methods must all be called from it. Only the generation job runs
// elsewhere, and it reports back by posting a Completion.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aixgo-dev/stagecraft/internal/queue"
	"github.com/aixgo-dev/stagecraft/pkg/observability"
	"github.com/aixgo-dev/stagecraft/pkg/protocol"
	"github.com/aixgo-dev/stagecraft/pkg/security"
)

// DefaultTimeout bounds one generation request.
const DefaultTimeout = 20 * time.Second

// ErrPanic wraps a panic recovered from a generation job.
var ErrPanic = errors.New("generation job panicked")

// Status is the result of offering an event to the gate.
type Status int

const (
	Admitted Status = iota
	RejectedInFlight
	RejectedOpening
)

func (s Status) String() string {
	switch s {
	case Admitted:
		return "admitted"
	case RejectedInFlight:
		return protocol.ReasonInFlight
	case RejectedOpening:
		return protocol.ReasonOpening
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the output of a successful generation.
type Result struct {
	Speaker string
	Text    string
	// Urgent delivers the line ahead of Normal items, for time-critical
	// narrative beats.
	Urgent bool
}

// Job performs one generation request. It must honour ctx.
type Job func(ctx context.Context) (Result, error)

// Completion is posted back to the session when a job finishes, fails,
// times out or panics.
type Completion struct {
	Flight   uint64
	Result   Result
	Err      error
	TimedOut bool
	Elapsed  time.Duration
}

// Config wires a Gate to its session.
type Config struct {
	Queue   *queue.Queue
	Timeout time.Duration

	// Post hands a completion to the session goroutine. It must not block
	// past ctx and returns false if the session is gone.
	Post func(ctx context.Context, c Completion) bool
	// Signal writes a status message straight to the outbound channel.
	Signal func(msg protocol.Outbound)
	// Recovery returns the in-character line used when generation fails.
	Recovery func() string
	// OnInputEnabled runs once the opening sequence has fully played.
	OnInputEnabled func()
	// OnLine runs for each generated line once it is queued.
	OnLine func(it *queue.Item)

	Provider string
	Logf     func(format string, args ...any)
}

// Gate admits at most one generation at a time.
type Gate struct {
	cfg      Config
	inFlight bool
	flight   uint64
	started  time.Time

	opening bool
	pending map[string]struct{}
}

// New creates a gate. Queue and Post are required.
func New(cfg Config) *Gate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Signal == nil {
		cfg.Signal = func(protocol.Outbound) {}
	}
	if cfg.Recovery == nil {
		cfg.Recovery = func() string { return "..." }
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	if cfg.Provider == "" {
		cfg.Provider = "unknown"
	}
	return &Gate{cfg: cfg, pending: make(map[string]struct{})}
}

// InFlight reports whether a generation request is outstanding.
func (g *Gate) InFlight() bool { return g.inFlight }

// Opening reports whether the opening sequence is still playing.
func (g *Gate) Opening() bool { return g.opening }

// Admit offers an event. If nothing is in flight and the opening sequence
// is over, it evicts Normal and Background items, marks the session busy,
// signals thinking and starts the job built by prepare. prepare runs on the
// caller's goroutine so it can read session state safely. Rejected events
// are not queued.
func (g *Gate) Admit(ctx context.Context, prepare func() (Job, error)) Status {
	status := g.check()
	observability.RecordAdmission(status.String())
	if status != Admitted {
		return status
	}

	g.cfg.Queue.ClearBackground(queue.Normal)
	g.inFlight = true
	g.flight++
	g.started = time.Now()
	g.cfg.Signal(protocol.Thinking())

	job, err := prepare()
	if err != nil {
		prepErr := err
		job = func(context.Context) (Result, error) { return Result{}, prepErr }
	}
	go g.run(ctx, g.flight, job)
	return Admitted
}

func (g *Gate) check() Status {
	switch {
	case g.opening:
		return RejectedOpening
	case g.inFlight:
		return RejectedInFlight
	default:
		return Admitted
	}
}

// run executes job under the timeout and always posts exactly one
// completion.
func (g *Gate) run(ctx context.Context, flight uint64, job Job) {
	start := time.Now()
	c := Completion{Flight: flight}
	defer func() {
		c.Elapsed = time.Since(start)
		g.cfg.Post(ctx, c)
	}()

	jctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
		}()
		res, err := job(jctx)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		c.Result, c.Err = o.res, o.err
	case <-jctx.Done():
		c.Err = fmt.Errorf("generation: %w", jctx.Err())
	}
	if c.Err != nil && errors.Is(c.Err, context.DeadlineExceeded) {
		c.TimedOut = true
	}
}

// OnComplete clears the busy mark and queues the result, or a recovery line
// at Urgent on failure. Completions from an earlier flight are ignored. It
// reports whether c was accepted.
func (g *Gate) OnComplete(c Completion) bool {
	if !g.inFlight || c.Flight != g.flight {
		g.cfg.Logf("[gate] dropping stale completion for flight %d (current %d)", c.Flight, g.flight)
		return false
	}
	g.inFlight = false

	result := "ok"
	switch {
	case c.TimedOut:
		result = "timeout"
	case c.Err != nil:
		result = "error"
	}
	observability.RecordGeneration(g.cfg.Provider, result, c.Elapsed)

	text := strings.TrimSpace(c.Result.Text)
	if c.Err == nil && text != "" {
		prio := queue.Normal
		if c.Result.Urgent {
			prio = queue.Urgent
		}
		it := &queue.Item{
			Speaker:  c.Result.Speaker,
			Text:     text,
			Priority: prio,
			Source:   queue.SourceDialogue,
		}
		if g.cfg.Queue.Enqueue(it) && g.cfg.OnLine != nil {
			g.cfg.OnLine(it)
		}
		return true
	}

	if c.Err == nil {
		c.Err = errors.New("empty generation")
	}
	g.cfg.Logf("[gate] generation failed after %s: %s", c.Elapsed.Round(time.Millisecond), security.RedactError(c.Err))
	g.cfg.Queue.Enqueue(&queue.Item{
		Speaker:  c.Result.Speaker,
		Text:     g.cfg.Recovery(),
		Priority: queue.Urgent,
		Source:   queue.SourceDialogue,
	})
	return true
}

// BeginOpening blocks admission until every item id has been delivered or
// cancelled. With no ids, input is enabled at once.
func (g *Gate) BeginOpening(ids []string) {
	g.opening = true
	for _, id := range ids {
		g.pending[id] = struct{}{}
	}
	g.cfg.Signal(protocol.InputDisabled())
	g.maybeEnable()
}

// Settled tells the gate that an item left the queue, delivered or not.
func (g *Gate) Settled(id string) {
	if !g.opening {
		return
	}
	if _, ok := g.pending[id]; !ok {
		return
	}
	delete(g.pending, id)
	g.maybeEnable()
}

func (g *Gate) maybeEnable() {
	if len(g.pending) > 0 {
		return
	}
	g.opening = false
	g.cfg.Signal(protocol.InputEnabled())
	if g.cfg.OnInputEnabled != nil {
		g.cfg.OnInputEnabled()
	}
}

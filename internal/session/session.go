// Package session runs one user's play-through of one scenario as a single
// actor. User events, the tick timer, director decisions, scheduled tasks
// and generation completions are all funnelled into one goroutine, which is
// the only code that touches the state engine, the response queue and the
// gate.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aixgo-dev/stagecraft/internal/director"
	"github.com/aixgo-dev/stagecraft/internal/gate"
	"github.com/aixgo-dev/stagecraft/internal/llm/prompt"
	"github.com/aixgo-dev/stagecraft/internal/llm/provider"
	"github.com/aixgo-dev/stagecraft/internal/queue"
	"github.com/aixgo-dev/stagecraft/internal/speech"
	"github.com/aixgo-dev/stagecraft/internal/state"
	"github.com/aixgo-dev/stagecraft/pkg/memory"
	"github.com/aixgo-dev/stagecraft/pkg/protocol"
	"github.com/aixgo-dev/stagecraft/pkg/scenario"
	"github.com/aixgo-dev/stagecraft/pkg/security"
	"github.com/aixgo-dev/stagecraft/pkg/transcript"
	"github.com/google/uuid"
)

// Defaults for zero Config fields.
const (
	DefaultTickInterval     = time.Second
	DefaultDirectorInterval = 5 * time.Second
	DefaultSpeechTimeout    = 8 * time.Second
	DefaultInboxSize        = 64
	DefaultEnding           = "The scene is over."
)

var (
	// ErrSessionClosed is returned by entry points once the session has
	// stopped.
	ErrSessionClosed = errors.New("session closed")
	// ErrChannelClosed wraps an outbound channel failure.
	ErrChannelClosed = errors.New("outbound channel failed")
	// ErrUnknownCharacter is returned by New for a character the scenario
	// does not define.
	ErrUnknownCharacter = errors.New("unknown character")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("session already running")
)

// Config wires a session to its collaborators. Scenario, Sink and Provider
// are required.
type Config struct {
	ID        string
	Scenario  *scenario.Scenario
	Character string
	UserID    string

	Sink       protocol.Sink
	Provider   provider.Provider
	Speech     speech.Synthesizer
	Memory     memory.Store
	Transcript transcript.Recorder
	Classifier director.Classifier
	Screen     *security.InputScreen
	Prompt     prompt.Builder

	// TickInterval is the state cadence. Negative disables the ticker so
	// callers drive OnTick themselves.
	TickInterval time.Duration
	// DirectorInterval overrides the scenario's director cadence. Negative
	// disables periodic evaluation; evaluation after user actions remains.
	DirectorInterval  time.Duration
	Gap               time.Duration
	GenerationTimeout time.Duration
	SpeechTimeout     time.Duration
	ClassifyTimeout   time.Duration

	Model       string
	Temperature float64
	MaxTokens   int

	InboxSize int
	Clock     func() time.Time
}

// Session is one live play-through.
type Session struct {
	cfg  Config
	id   string
	sc   *scenario.Scenario
	char scenario.Character

	engine  *state.Engine
	queue   *queue.Queue
	gate    *gate.Gate
	arbiter *director.Arbiter
	sched   *scheduler
	screen  *security.InputScreen
	speech  speech.Synthesizer
	tx      transcript.Recorder

	inbox   chan func()
	done    chan struct{}
	running bool
	runMu   sync.Mutex

	// Everything below is owned by the Run goroutine.
	ctx          context.Context
	history      []prompt.Turn
	tone         string
	profile      memory.Profile
	prior        *director.Prior
	recoveryNext int
	actionFlight bool
	evaluating   bool
	voicing      map[string]struct{}
	playing      bool
	ending       bool
	endingID     string
	finished     bool
	err          error
	startedAt    time.Time
}

// New builds a session. Nothing runs until Run.
func New(cfg Config) (*Session, error) {
	if cfg.Scenario == nil || cfg.Sink == nil || cfg.Provider == nil {
		return nil, errors.New("session: scenario, sink and provider are required")
	}
	sc := cfg.Scenario
	char := sc.Characters[0]
	if cfg.Character != "" {
		c, ok := sc.Character(cfg.Character)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCharacter, cfg.Character)
		}
		char = c
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.DirectorInterval == 0 {
		cfg.DirectorInterval = sc.Director.Interval
		if cfg.DirectorInterval <= 0 {
			cfg.DirectorInterval = DefaultDirectorInterval
		}
	}
	if cfg.SpeechTimeout <= 0 {
		cfg.SpeechTimeout = DefaultSpeechTimeout
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Prompt.HistoryWindow == 0 && cfg.Prompt.MaxFacts == 0 {
		cfg.Prompt = prompt.NewBuilder()
	}

	s := &Session{
		cfg:    cfg,
		id:     cfg.ID,
		sc:     sc,
		char:   char,
		engine: state.New(sc, state.WithClock(cfg.Clock)),
		screen: cfg.Screen,
		speech: cfg.Speech,
		tx:     cfg.Transcript,
		inbox:  make(chan func(), cfg.InboxSize),
		done:   make(chan struct{}),

		voicing: make(map[string]struct{}),
	}
	if s.screen == nil {
		s.screen = security.NewInputScreen()
	}
	if s.speech == nil {
		s.speech = speech.Noop{}
	}
	if s.tx == nil {
		s.tx = transcript.Discard{}
	}

	s.queue = queue.New(queue.Config{
		Gap:         cfg.Gap,
		Clock:       cfg.Clock,
		OnDelivered: s.onDelivered,
		OnCancelled: s.onCancelled,
	})
	s.gate = gate.New(gate.Config{
		Queue:          s.queue,
		Timeout:        cfg.GenerationTimeout,
		Post:           s.postCompletion,
		Signal:         s.signal,
		Recovery:       s.recoveryLine,
		OnInputEnabled: s.startPlay,
		OnLine:         s.voice,
		Provider:       cfg.Provider.Name(),
		Logf:           s.logf,
	})

	opts := []director.Option{director.WithClock(cfg.Clock)}
	if cfg.Classifier != nil {
		opts = append(opts, director.WithClassifier(cfg.Classifier, cfg.ClassifyTimeout))
	}
	s.arbiter = director.New(sc.Director, opts...)
	s.sched = newScheduler(s.post)
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Scenario returns the scenario being played.
func (s *Session) Scenario() *scenario.Scenario { return s.sc }

// Character returns the character the user talks to.
func (s *Session) Character() scenario.Character { return s.char }

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) logf(format string, args ...any) {
	log.Printf("[session %s] "+format, append([]any{shortID(s.id)}, args...)...)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// post queues fn for the session goroutine. It returns false once the
// session has stopped.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

// submit is post for callers that hold a context.
func (s *Session) submit(ctx context.Context, fn func()) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.inbox <- fn:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnUserMessage offers a typed message. A rejection is reported to the
// client, not returned.
func (s *Session) OnUserMessage(ctx context.Context, text string) error {
	return s.submit(ctx, func() { s.handleMessage(text) })
}

// OnUserAction offers a button action.
func (s *Session) OnUserAction(ctx context.Context, actionID string) error {
	return s.submit(ctx, func() { s.handleAction(actionID) })
}

// OnTick advances the state by dt seconds. The session ticker calls it
// internally; it is exported for callers that disable the ticker.
func (s *Session) OnTick(ctx context.Context, dt float64) error {
	return s.submit(ctx, func() { s.handleTick(dt) })
}

// Handle dispatches a decoded inbound frame.
func (s *Session) Handle(ctx context.Context, in protocol.Inbound) error {
	switch in.Type {
	case protocol.TypeMessage:
		return s.OnUserMessage(ctx, in.Text)
	case protocol.TypeAction:
		return s.OnUserAction(ctx, in.Action)
	default:
		return fmt.Errorf("session: unsupported inbound type %q", in.Type)
	}
}

// Snapshot returns the current state, read on the session goroutine.
func (s *Session) Snapshot(ctx context.Context) (state.Snapshot, error) {
	ch := make(chan state.Snapshot, 1)
	if err := s.submit(ctx, func() { ch <- s.engine.Snapshot() }); err != nil {
		return state.Snapshot{}, err
	}
	select {
	case snap := <-ch:
		return snap, nil
	case <-s.done:
		return state.Snapshot{}, ErrSessionClosed
	case <-ctx.Done():
		return state.Snapshot{}, ctx.Err()
	}
}

func (s *Session) postCompletion(_ context.Context, c gate.Completion) bool {
	return s.post(func() { s.handleCompletion(c) })
}

// Run drives the session until it reaches an outcome, its outbound channel
// fails or ctx ends. It returns nil after a normal outcome.
func (s *Session) Run(ctx context.Context) error {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.runMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx
	s.startedAt = s.cfg.Clock()
	defer func() {
		cancel()
		s.teardown()
	}()

	s.loadProfile()
	s.signal(protocol.Outbound{
		Type:            protocol.TypeWelcome,
		SessionID:       s.id,
		ProtocolVersion: protocol.Version,
		Scenario:        s.sc.ID,
		Character:       s.char.Name,
		Phase:           s.engine.Snapshot().PhaseName,
	})
	s.beginOpening()

	var tickC, directorC <-chan time.Time
	if s.cfg.TickInterval > 0 {
		t := time.NewTicker(s.cfg.TickInterval)
		defer t.Stop()
		tickC = t.C
	}
	if s.cfg.DirectorInterval > 0 {
		t := time.NewTicker(s.cfg.DirectorInterval)
		defer t.Stop()
		directorC = t.C
	}
	pacing := time.NewTimer(time.Hour)
	pacing.Stop()
	defer pacing.Stop()

	dt := s.cfg.TickInterval.Seconds()
	for !s.finished {
		s.pump()
		if s.finished {
			break
		}
		if wait, ok := s.queue.NextDispatchIn(); ok {
			pacing.Reset(wait)
		}

		select {
		case <-ctx.Done():
			s.logf("stopping: %v", context.Cause(ctx))
			return ctx.Err()
		case fn := <-s.inbox:
			fn()
		case <-tickC:
			s.handleTick(dt)
		case <-directorC:
			s.evaluateDirector()
		case <-pacing.C:
		}
		if !pacing.Stop() {
			select {
			case <-pacing.C:
			default:
			}
		}
	}
	return s.err
}

// pump dispatches every item whose gap has elapsed.
func (s *Session) pump() {
	for !s.finished {
		it, err := s.queue.TryDispatch(s.ctx, s.deliver)
		if err != nil {
			s.fail(err)
			return
		}
		if it == nil {
			return
		}
	}
}

func (s *Session) deliver(ctx context.Context, it *queue.Item) error {
	return s.cfg.Sink.Send(ctx, protocol.Outbound{
		Type:        protocol.TypeDialogue,
		ID:          it.ID,
		Speaker:     it.Speaker,
		Text:        it.Text,
		Audio:       it.Audio,
		AudioFormat: it.AudioFormat,
		Priority:    it.Priority.String(),
		Source:      it.Source.String(),
	})
}

// signal writes a status frame. A failed write tears the session down.
func (s *Session) signal(msg protocol.Outbound) {
	if s.finished {
		return
	}
	if err := s.cfg.Sink.Send(s.ctx, msg); err != nil {
		s.fail(err)
	}
}

func (s *Session) fail(err error) {
	if s.finished {
		return
	}
	s.logf("outbound channel failed, tearing down: %s", security.RedactError(err))
	s.err = fmt.Errorf("%w: %w", ErrChannelClosed, err)
	s.finished = true
}

func (s *Session) teardown() {
	pending := s.sched.StopAll()
	s.queue.Close()
	if err := s.tx.Close(); err != nil {
		s.logf("closing transcript: %v", err)
	}
	s.logf("closed (tasks cancelled: %d, ticks: %d)", pending, s.engine.Snapshot().Ticks)
	close(s.done)
}

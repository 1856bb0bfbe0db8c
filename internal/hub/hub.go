// Package hub owns the live sessions of a server: it builds them from the
// scenario catalog, runs each one on its own goroutine, forgets them when
// they end and reports how many are live.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/aixgo-dev/stagecraft/internal/director"
	"github.com/aixgo-dev/stagecraft/internal/llm/provider"
	"github.com/aixgo-dev/stagecraft/internal/session"
	"github.com/aixgo-dev/stagecraft/internal/speech"
	"github.com/aixgo-dev/stagecraft/pkg/memory"
	"github.com/aixgo-dev/stagecraft/pkg/observability"
	"github.com/aixgo-dev/stagecraft/pkg/protocol"
	"github.com/aixgo-dev/stagecraft/pkg/scenario"
	"github.com/aixgo-dev/stagecraft/pkg/transcript"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// DefaultJanitorSpec is the cron spec of the housekeeping job.
const DefaultJanitorSpec = "@every 1m"

var (
	ErrHubClosed       = errors.New("hub closed")
	ErrTooManySessions = errors.New("session limit reached")
	ErrSessionNotFound = errors.New("session not found")
)

// Config wires a hub. Scenarios and Provider are required. Template carries
// the per-session tuning (timeouts, gap, model); its Scenario, Sink,
// Provider, Speech, Memory, Transcript and Classifier fields are ignored.
type Config struct {
	Scenarios     *scenario.Catalog
	Provider      provider.Provider
	Speech        speech.Synthesizer
	Memory        memory.Store
	Classifier    director.Classifier
	TranscriptDir string
	Template      session.Config

	MaxSessions int
	JanitorSpec string
	// OnEnded is called once a session's Run has returned. Optional.
	OnEnded func(info Info)
}

// StartOptions selects what a new session plays.
type StartOptions struct {
	Scenario  string
	Character string
	UserID    string
	Sink      protocol.Sink
}

// Info describes one live session.
type Info struct {
	ID        string
	Scenario  string
	Character string
	UserID    string
	StartedAt time.Time
}

type entry struct {
	info   Info
	s      *session.Session
	cancel context.CancelFunc
	err    error
	ended  bool
}

// Hub is safe for concurrent use.
type Hub struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*entry
	closed   bool
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	cron   *cron.Cron
}

// New creates a hub. Call Close to stop every session.
func New(cfg Config) (*Hub, error) {
	if cfg.Scenarios == nil || cfg.Provider == nil {
		return nil, errors.New("hub: scenarios and provider are required")
	}
	if cfg.JanitorSpec == "" {
		cfg.JanitorSpec = DefaultJanitorSpec
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:      cfg,
		sessions: make(map[string]*entry),
		ctx:      ctx,
		cancel:   cancel,
		cron:     cron.New(),
	}
	if _, err := h.cron.AddFunc(cfg.JanitorSpec, h.Sweep); err != nil {
		cancel()
		return nil, fmt.Errorf("hub: janitor schedule %q: %w", cfg.JanitorSpec, err)
	}
	h.cron.Start()
	return h, nil
}

// Start creates a session and runs it until it ends, its sink fails, Stop
// is called or the hub closes.
func (h *Hub) Start(opts StartOptions) (*session.Session, error) {
	sc, err := h.cfg.Scenarios.Get(opts.Scenario)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if h.cfg.MaxSessions > 0 && h.liveLocked() >= h.cfg.MaxSessions {
		return nil, ErrTooManySessions
	}

	id := uuid.NewString()
	started := time.Now()
	cfg := h.cfg.Template
	cfg.ID = id
	cfg.Scenario = sc
	cfg.Character = opts.Character
	cfg.UserID = opts.UserID
	cfg.Sink = opts.Sink
	cfg.Provider = h.cfg.Provider
	cfg.Speech = h.cfg.Speech
	cfg.Memory = h.cfg.Memory
	cfg.Classifier = h.cfg.Classifier
	cfg.Transcript = nil

	var w *transcript.Writer
	if h.cfg.TranscriptDir != "" {
		w, err = transcript.Create(transcript.Path(h.cfg.TranscriptDir, sc.ID, id, started))
		if err != nil {
			return nil, fmt.Errorf("hub: %w", err)
		}
		cfg.Transcript = w
	}

	s, err := session.New(cfg)
	if err != nil {
		if w != nil {
			_ = w.Close()
		}
		return nil, err
	}

	ctx, cancel := context.WithCancel(h.ctx)
	e := &entry{
		info: Info{
			ID:        id,
			Scenario:  sc.ID,
			Character: s.Character().Name,
			UserID:    opts.UserID,
			StartedAt: started,
		},
		s:      s,
		cancel: cancel,
	}
	h.sessions[id] = e
	observability.SetActiveSessions(h.liveLocked())

	h.wg.Add(1)
	go h.run(ctx, e)
	log.Printf("[hub] started session %s (%s as %s)", id, sc.ID, e.info.Character)
	return s, nil
}

func (h *Hub) run(ctx context.Context, e *entry) {
	defer h.wg.Done()
	err := e.s.Run(ctx)
	e.cancel()

	h.mu.Lock()
	e.err, e.ended = err, true
	observability.SetActiveSessions(h.liveLocked())
	h.mu.Unlock()

	switch {
	case err == nil:
		log.Printf("[hub] session %s finished", e.info.ID)
	case errors.Is(err, context.Canceled):
		log.Printf("[hub] session %s stopped", e.info.ID)
	default:
		log.Printf("[hub] session %s ended: %v", e.info.ID, err)
	}
	if h.cfg.OnEnded != nil {
		h.cfg.OnEnded(e.info)
	}
}

func (h *Hub) liveLocked() int {
	n := 0
	for _, e := range h.sessions {
		if !e.ended {
			n++
		}
	}
	return n
}

// Get returns a live session.
func (h *Hub) Get(id string) (*session.Session, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.sessions[id]
	if !ok || e.ended {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e.s, nil
}

// Stop cancels a session. It returns once the session has torn down.
func (h *Hub) Stop(id string) error {
	h.mu.RLock()
	e, ok := h.sessions[id]
	h.mu.RUnlock()
	if !ok || e.ended {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	e.cancel()
	<-e.s.Done()
	return nil
}

// List returns the live sessions ordered by start time.
func (h *Hub) List() []Info {
	h.mu.RLock()
	out := make([]Info, 0, len(h.sessions))
	for _, e := range h.sessions {
		if !e.ended {
			out = append(out, e.info)
		}
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Len returns the number of live sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.liveLocked()
}

// Ended reports how an ended session's Run returned. ok is false for live
// sessions and for ended ones the janitor has already reaped.
func (h *Hub) Ended(id string) (err error, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, found := h.sessions[id]
	if !found || !e.ended {
		return nil, false
	}
	return e.err, true
}

// Sweep reaps ended sessions and refreshes the runtime gauges. The janitor
// runs it on its schedule.
func (h *Hub) Sweep() {
	h.mu.Lock()
	reaped := 0
	for id, e := range h.sessions {
		if e.ended {
			delete(h.sessions, id)
			reaped++
		}
	}
	live := h.liveLocked()
	h.mu.Unlock()

	observability.SetActiveSessions(live)
	observability.UpdateRuntimeGauges()
	if reaped > 0 {
		log.Printf("[hub] janitor reaped %d sessions, %d live", reaped, live)
	}
}

// Close stops the janitor, cancels every session and waits for them to
// tear down or for ctx to end.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	n := h.liveLocked()
	h.mu.Unlock()

	<-h.cron.Stop().Done()
	h.cancel()
	log.Printf("[hub] closing, stopping %d sessions", n)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		observability.SetActiveSessions(0)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("hub: waiting for sessions: %w", ctx.Err())
	}
}

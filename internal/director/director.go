// Package director decides, on a slow cadence, whether to leave a scene
// alone or nudge it with one bounded intervention.
package director

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aixgo-dev/stagecraft/internal/state"
	"github.com/aixgo-dev/stagecraft/pkg/observability"
	"github.com/aixgo-dev/stagecraft/pkg/scenario"
)

// DefaultClassifyTimeout bounds a classifier call.
const DefaultClassifyTimeout = 1500 * time.Millisecond

// Action is the category of a decision. Each non-continue action has its
// own cooldown.
type Action string

const (
	Continue   Action = "continue"
	SpawnEvent Action = "spawn_event"
	AdjustTone Action = "adjust_tone"
	GiveHint   Action = "give_hint"
)

// Difficulty is a coarse reading of how the player is doing.
type Difficulty string

const (
	Struggling Difficulty = "struggling"
	Steady     Difficulty = "steady"
	Cruising   Difficulty = "cruising"
)

// Prior is what long-term memory knows about the player, used when the
// session has too few actions of its own.
type Prior struct {
	SuccessRate float64
	Samples     int
}

// Input is everything one evaluation looks at. It holds copies only.
type Input struct {
	Snapshot state.Snapshot
	Recent   []state.ActionRecord
	History  []string
	Prior    *Prior
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Action        Action
	Difficulty    Difficulty
	Reason        string
	SuccessRate   float64
	Samples       int
	Event         *scenario.DirectorEvent
	Tone          string
	Hint          string
	CooldownUntil time.Time
	At            time.Time
}

// Classifier reads ambiguous situations, typically by asking a model.
type Classifier interface {
	Classify(ctx context.Context, in Input) (Difficulty, error)
}

// Arbiter is safe for concurrent use; a session runs Evaluate off its own
// goroutine and applies the returned Decision itself.
type Arbiter struct {
	cfg             scenario.Director
	classifier      Classifier
	classifyTimeout time.Duration
	now             func() time.Time

	mu         sync.Mutex
	readyAt    map[Action]time.Time
	eventFires map[string]int
	hintFires  map[int]int
	lastTone   string
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithClassifier consults c when neither the session nor the profile has
// enough samples.
func WithClassifier(c Classifier, timeout time.Duration) Option {
	return func(a *Arbiter) {
		a.classifier = c
		if timeout > 0 {
			a.classifyTimeout = timeout
		}
	}
}

// WithClock sets the time source for cooldowns.
func WithClock(now func() time.Time) Option {
	return func(a *Arbiter) { a.now = now }
}

// New creates an arbiter for one session.
func New(cfg scenario.Director, opts ...Option) *Arbiter {
	a := &Arbiter{
		cfg:             cfg,
		classifyTimeout: DefaultClassifyTimeout,
		now:             time.Now,
		readyAt:         make(map[Action]time.Time),
		eventFires:      make(map[string]int),
		hintFires:       make(map[int]int),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Evaluate classifies the player and picks exactly one action. A failing
// or slow classifier yields Continue. The chosen category's cooldown starts
// immediately.
func (a *Arbiter) Evaluate(ctx context.Context, in Input) Decision {
	d, ok := a.classify(ctx, in)
	if !ok {
		observability.RecordDirectorDecision(string(Continue))
		return d
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	d.At = a.now()
	a.choose(&d, in.Snapshot)
	if d.Action == "" {
		d.Action = Continue
	}
	if d.Action != Continue {
		d.CooldownUntil = d.At.Add(a.cooldown(d.Action))
		a.readyAt[d.Action] = d.CooldownUntil
	}
	observability.RecordDirectorDecision(string(d.Action))
	return d
}

// choose applies the preference order for the reading in d: help a
// struggling player with a hint, then a helpful event; challenge a cruising
// one with an adverse event; otherwise only the tone may move.
func (a *Arbiter) choose(d *Decision, snap state.Snapshot) {
	switch d.Difficulty {
	case Struggling:
		if a.tryHint(d, snap) || a.tryEvent(d, scenario.EventHelpful, snap) {
			return
		}
		a.tryTone(d, a.cfg.Tones.Struggling)
	case Cruising:
		if a.tryEvent(d, scenario.EventAdverse, snap) {
			return
		}
		a.tryTone(d, a.cfg.Tones.Cruising)
	default:
		a.tryTone(d, a.cfg.Tones.Steady)
	}
}

// classify fills Difficulty and the evidence fields. ok is false when the
// classifier failed and d is already a finished Continue decision.
func (a *Arbiter) classify(ctx context.Context, in Input) (d Decision, ok bool) {
	d = Decision{Difficulty: Steady}

	recent := in.Recent
	if n := a.cfg.Window; n > 0 && len(recent) > n {
		recent = recent[len(recent)-n:]
	}
	if len(recent) > 0 && len(recent) >= a.cfg.MinSamples {
		wins := 0
		for _, r := range recent {
			if r.Success {
				wins++
			}
		}
		d.SuccessRate = float64(wins) / float64(len(recent))
		d.Samples = len(recent)
		d.Difficulty = a.band(d.SuccessRate)
		d.Reason = fmt.Sprintf("success rate %.2f over %d actions", d.SuccessRate, d.Samples)
		return d, true
	}

	if p := in.Prior; p != nil && p.Samples > 0 {
		d.SuccessRate, d.Samples = p.SuccessRate, p.Samples
		d.Difficulty = a.band(p.SuccessRate)
		d.Reason = fmt.Sprintf("profile success rate %.2f over %d actions", p.SuccessRate, p.Samples)
		return d, true
	}

	if a.classifier != nil {
		cctx, cancel := context.WithTimeout(ctx, a.classifyTimeout)
		defer cancel()
		diff, err := a.classifier.Classify(cctx, in)
		if err != nil {
			log.Printf("[director] classifier failed, continuing: %v", err)
			return Decision{Action: Continue, Difficulty: Steady, Reason: "classifier unavailable", At: a.now()}, false
		}
		d.Difficulty = diff
		d.Reason = "classifier"
		return d, true
	}

	d.Reason = "not enough samples"
	return d, true
}

func (a *Arbiter) band(rate float64) Difficulty {
	switch {
	case rate < a.cfg.StrugglingBelow:
		return Struggling
	case rate > a.cfg.CruisingAbove:
		return Cruising
	default:
		return Steady
	}
}

func (a *Arbiter) cooldown(act Action) time.Duration {
	switch act {
	case SpawnEvent:
		return a.cfg.Cooldowns.SpawnEvent
	case AdjustTone:
		return a.cfg.Cooldowns.AdjustTone
	case GiveHint:
		return a.cfg.Cooldowns.GiveHint
	}
	return 0
}

func (a *Arbiter) ready(act Action, now time.Time) bool {
	return !now.Before(a.readyAt[act])
}

func (a *Arbiter) tryHint(d *Decision, snap state.Snapshot) bool {
	if !a.ready(GiveHint, d.At) {
		return false
	}
	best := -1
	for i, h := range a.cfg.Hints {
		if !h.Active(snap) {
			continue
		}
		if best < 0 || a.hintFires[i] < a.hintFires[best] {
			best = i
		}
	}
	if best < 0 {
		return false
	}
	a.hintFires[best]++
	d.Action, d.Hint = GiveHint, a.cfg.Hints[best].Text
	return true
}

func (a *Arbiter) tryEvent(d *Decision, kind scenario.EventKind, snap state.Snapshot) bool {
	if !a.ready(SpawnEvent, d.At) {
		return false
	}
	var best *scenario.DirectorEvent
	for i := range a.cfg.Events {
		ev := &a.cfg.Events[i]
		if ev.Kind != kind || (ev.When != nil && !ev.When.Eval(snap)) {
			continue
		}
		if best == nil || a.eventFires[ev.ID] < a.eventFires[best.ID] {
			best = ev
		}
	}
	if best == nil {
		return false
	}
	a.eventFires[best.ID]++
	d.Action, d.Event = SpawnEvent, best
	return true
}

// tryTone picks a tone unless it is empty or already the active one.
func (a *Arbiter) tryTone(d *Decision, tone string) bool {
	if tone == "" || tone == a.lastTone || !a.ready(AdjustTone, d.At) {
		return false
	}
	a.lastTone = tone
	d.Action, d.Tone = AdjustTone, tone
	return true
}

// ReadyAt returns when act may next fire.
func (a *Arbiter) ReadyAt(act Action) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.readyAt[act]
}

// Package state owns a session's variable vector: tick advancement,
// clamped mutation, action cooldowns, phases and condition evaluation.
package state

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aixgo-dev/stagecraft/internal/expr"
	"github.com/aixgo-dev/stagecraft/pkg/scenario"
)

// EndedPhase is the name reported once a terminal condition has fired.
const EndedPhase = "ended"

const historyLimit = 64

var (
	ErrUnknownVariable = errors.New("unknown variable")
	ErrTypeMismatch    = errors.New("variable type mismatch")
	ErrLatched         = errors.New("latched variable cannot be reset")
)

// IgnoreReason explains why an action was not applied.
type IgnoreReason string

const (
	ReasonCooldown  IgnoreReason = "cooldown"
	ReasonExhausted IgnoreReason = "exhausted"
	ReasonPhase     IgnoreReason = "phase"
	ReasonUnknown   IgnoreReason = "unknown"
	ReasonEnded     IgnoreReason = "ended"
)

// ActionResult is the outcome of ApplyAction. An ignored action is a
// normal result, not an error.
type ActionResult struct {
	Action   string
	Applied  bool
	Reason   IgnoreReason
	RetryIn  time.Duration
	Success  bool
	Snapshot Snapshot
}

// ActionRecord is one applied action, kept for the director.
type ActionRecord struct {
	Action  string
	At      time.Time
	Success bool
}

// TickResult reports what a tick changed beyond the values themselves.
type TickResult struct {
	Advanced     bool
	PhaseChanged bool
	From, To     int
	Terminal     *scenario.Condition
}

// Engine is not safe for concurrent use; the owning session serializes
// access.
type Engine struct {
	sc       *scenario.Scenario
	values   []float64
	updated  []time.Time
	phase    int
	ended    bool
	outcome  *scenario.Condition
	ticks    uint64
	uses     map[string]int
	lastUsed map[string]time.Time
	history  []ActionRecord
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source used for cooldowns and timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine at the scenario's initial state.
func New(sc *scenario.Scenario, opts ...Option) *Engine {
	e := &Engine{
		sc:       sc,
		values:   make([]float64, len(sc.Variables)),
		updated:  make([]time.Time, len(sc.Variables)),
		uses:     make(map[string]int),
		lastUsed: make(map[string]time.Time),
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	start := e.now()
	for _, v := range sc.Variables {
		e.values[v.Index] = v.Initial
		e.updated[v.Index] = start
	}
	return e
}

// Tick advances every variable by delta*dt, clamped to its bounds. A
// terminal condition already true ends the engine before anything moves;
// after advancing, terminal conditions are checked before phase
// transitions. Ticks after the end are no-ops.
func (e *Engine) Tick(dt float64) TickResult {
	if e.ended {
		return TickResult{}
	}
	from := e.phase
	if t := e.CheckTerminal(); t != nil {
		return TickResult{Terminal: t, PhaseChanged: true, From: from, To: e.phase}
	}
	if dt > 0 {
		now := e.now()
		for _, v := range e.sc.Variables {
			if v.Delta == 0 || v.Type != expr.TypeNumber {
				continue
			}
			e.set(v, e.values[v.Index]+v.Delta*dt, now)
		}
		e.ticks++
	}
	res := TickResult{Advanced: dt > 0}
	if t := e.CheckTerminal(); t != nil {
		res.Terminal = t
		res.PhaseChanged, res.From, res.To = true, from, e.phase
		return res
	}
	if to, ok := e.nextPhase(); ok {
		e.phase = to
		res.PhaseChanged, res.From, res.To = true, from, to
	}
	return res
}

func (e *Engine) set(v scenario.Variable, x float64, now time.Time) {
	x = v.Clamp(x)
	if x != e.values[v.Index] {
		e.values[v.Index] = x
		e.updated[v.Index] = now
	}
}

// CheckTerminal ends the engine if a terminal condition holds and returns
// the winning condition. It returns the recorded outcome if already ended.
func (e *Engine) CheckTerminal() *scenario.Condition {
	if e.ended {
		return e.outcome
	}
	for _, c := range e.EvaluateConditions() {
		if c.Terminal() {
			e.ended = true
			e.outcome = c
			e.phase = len(e.sc.Phases)
			return c
		}
	}
	return nil
}

func (e *Engine) nextPhase() (int, bool) {
	if e.phase >= len(e.sc.Phases) {
		return 0, false
	}
	env := e.Snapshot()
	for _, tr := range e.sc.Phases[e.phase].Transitions {
		if tr.To > e.phase && tr.On.When.Eval(env) {
			return tr.To, true
		}
	}
	return 0, false
}

// EvaluateConditions returns the conditions that currently hold, highest
// priority first, declaration order within a priority.
func (e *Engine) EvaluateConditions() []*scenario.Condition {
	env := e.Snapshot()
	var out []*scenario.Condition
	for i := range e.sc.Conditions {
		c := &e.sc.Conditions[i]
		if c.When.Eval(env) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority > out[b].Priority
		}
		return out[a].Order < out[b].Order
	})
	return out
}

// CanApply reports whether ApplyAction would apply id right now.
func (e *Engine) CanApply(id string) (IgnoreReason, time.Duration, bool) {
	if e.ended {
		return ReasonEnded, 0, false
	}
	a, ok := e.sc.Actions[id]
	if !ok {
		return ReasonUnknown, 0, false
	}
	if !e.sc.Phases[e.phase].Actions[id] {
		return ReasonPhase, 0, false
	}
	if a.MaxUses > 0 && e.uses[id] >= a.MaxUses {
		return ReasonExhausted, 0, false
	}
	if last, used := e.lastUsed[id]; used && a.Cooldown > 0 {
		if wait := a.Cooldown - e.now().Sub(last); wait > 0 {
			return ReasonCooldown, wait, false
		}
	}
	return "", 0, true
}

// ApplyAction applies the configured effects of id. An action outside its
// phase, past its use limit or inside its cooldown is ignored.
func (e *Engine) ApplyAction(id string) ActionResult {
	if reason, wait, ok := e.CanApply(id); !ok {
		return ActionResult{Action: id, Reason: reason, RetryIn: wait, Snapshot: e.Snapshot()}
	}
	a := e.sc.Actions[id]
	now := e.now()
	e.apply(a.Effects, a.Sets, now)
	e.uses[id]++
	e.lastUsed[id] = now

	snap := e.Snapshot()
	success := a.Success == nil || a.Success.Eval(snap)
	e.history = append(e.history, ActionRecord{Action: id, At: now, Success: success})
	if len(e.history) > historyLimit {
		e.history = e.history[len(e.history)-historyLimit:]
	}
	return ActionResult{Action: id, Applied: true, Success: success, Snapshot: snap}
}

// ApplyEffects applies event effects outside the action rules. It is used
// by timeline and director events and does nothing once ended.
func (e *Engine) ApplyEffects(effects []scenario.Effect, sets []scenario.Assign) Snapshot {
	if !e.ended {
		e.apply(effects, sets, e.now())
	}
	return e.Snapshot()
}

func (e *Engine) apply(effects []scenario.Effect, sets []scenario.Assign, now time.Time) {
	for _, ef := range effects {
		v := e.sc.Variables[ef.Var]
		e.set(v, e.values[v.Index]+ef.Delta, now)
	}
	for _, as := range sets {
		v := e.sc.Variables[as.Var]
		if v.Latch && e.values[v.Index] != 0 && !as.Value {
			continue
		}
		e.set(v, b2f(as.Value), now)
	}
}

// SetValue sets a variable by name. Numbers are clamped; a latched boolean
// that is already true cannot be cleared.
func (e *Engine) SetValue(name string, value float64) error {
	i, ok := e.sc.VarIndex(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownVariable, name)
	}
	v := e.sc.Variables[i]
	if v.Type == expr.TypeBool {
		if value != 0 && value != 1 {
			return fmt.Errorf("%w: %q is bool", ErrTypeMismatch, name)
		}
		if v.Latch && e.values[i] != 0 && value == 0 {
			return fmt.Errorf("%w: %q", ErrLatched, name)
		}
	}
	e.set(v, value, e.now())
	return nil
}

// ApplyDelta adds delta to a numeric variable, clamped.
func (e *Engine) ApplyDelta(name string, delta float64) error {
	i, ok := e.sc.VarIndex(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownVariable, name)
	}
	v := e.sc.Variables[i]
	if v.Type != expr.TypeNumber {
		return fmt.Errorf("%w: %q is bool", ErrTypeMismatch, name)
	}
	e.set(v, e.values[i]+delta, e.now())
	return nil
}

// Latch sets a boolean variable true for the rest of the session.
func (e *Engine) Latch(name string) error {
	i, ok := e.sc.VarIndex(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownVariable, name)
	}
	if e.sc.Variables[i].Type != expr.TypeBool {
		return fmt.Errorf("%w: %q is number", ErrTypeMismatch, name)
	}
	e.set(e.sc.Variables[i], 1, e.now())
	return nil
}

// Snapshot returns an immutable copy of the current state.
func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{
		sc:      e.sc,
		values:  append([]float64(nil), e.values...),
		updated: append([]time.Time(nil), e.updated...),
		Phase:   e.phase,
		Ended:   e.ended,
		Ticks:   e.ticks,
		At:      e.now(),
	}
	if e.phase < len(e.sc.Phases) {
		s.PhaseName = e.sc.Phases[e.phase].Name
	} else {
		s.PhaseName = EndedPhase
	}
	if e.outcome != nil {
		s.Outcome = e.outcome.Outcome
	}
	return s
}

// AvailableActions lists the actions callable in the current phase that
// have uses left, in scenario order.
func (e *Engine) AvailableActions() []*scenario.Action {
	if e.ended {
		return nil
	}
	var out []*scenario.Action
	phase := e.sc.Phases[e.phase]
	for _, id := range e.sc.ActionOrder {
		if !phase.Actions[id] {
			continue
		}
		a := e.sc.Actions[id]
		if a.MaxUses > 0 && e.uses[id] >= a.MaxUses {
			continue
		}
		out = append(out, a)
	}
	return out
}

// RecentActions returns up to n of the most recent applied actions, oldest
// first.
func (e *Engine) RecentActions(n int) []ActionRecord {
	if n <= 0 || len(e.history) == 0 {
		return nil
	}
	if n > len(e.history) {
		n = len(e.history)
	}
	return append([]ActionRecord(nil), e.history[len(e.history)-n:]...)
}

// Phase returns the current phase index. It equals len(phases) once ended.
func (e *Engine) Phase() int { return e.phase }

// Ended reports whether a terminal condition has fired.
func (e *Engine) Ended() bool { return e.ended }

// Outcome returns the terminal condition, or nil.
func (e *Engine) Outcome() *scenario.Condition { return e.outcome }

// Scenario returns the engine's scenario.
func (e *Engine) Scenario() *scenario.Scenario { return e.sc }

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

package scenario

import (
	"time"

	"github.com/aixgo-dev/stagecraft/internal/expr"
)

// Scenario is a compiled, immutable scenario. One value is shared by every
// session playing it; nothing in a session writes to it.
type Scenario struct {
	ID            string
	Title         string
	Opening       []OpeningLine
	Variables     []Variable
	Conditions    []Condition
	Phases        []Phase
	Actions       map[string]*Action
	ActionOrder   []string
	Timeline      []TimelineEvent
	Facts         []GuardedText
	IdlePrompt    *IdlePrompt
	Director      Director
	RecoveryLines []string
	Characters    []Character

	varIndex map[string]int
	condByID map[string]int
}

// Variable is one declared state variable. Index is its slot in the state
// vector.
type Variable struct {
	Index   int
	Name    string
	Type    expr.Type
	Initial float64
	Min     float64
	Max     float64
	Delta   float64
	Latch   bool
}

// Clamp bounds v to the variable's range.
func (v Variable) Clamp(x float64) float64 {
	if x < v.Min {
		return v.Min
	}
	if x > v.Max {
		return v.Max
	}
	return x
}

// Condition is a named boolean expression. A non-empty Outcome marks it
// terminal.
type Condition struct {
	ID       string
	When     *expr.Expr
	Priority int
	Outcome  string
	Ending   string
	Order    int
}

// Terminal reports whether the condition ends the session.
func (c *Condition) Terminal() bool { return c.Outcome != "" }

// Phase is one step of the scenario. Phases only move forward.
type Phase struct {
	Index       int
	Name        string
	Transitions []Transition
	Actions     map[string]bool
}

// Transition moves the session to phase To when condition On holds. Within
// a phase, transitions are ordered by condition priority, then declaration.
type Transition struct {
	On *Condition
	To int
}

// Effect adds Delta to the variable at slot Var.
type Effect struct {
	Var   int
	Delta float64
}

// Assign sets the boolean variable at slot Var.
type Assign struct {
	Var   int
	Value bool
}

// Action is a compiled button action.
type Action struct {
	ID        string
	Label     string
	Effects   []Effect
	Sets      []Assign
	Cooldown  time.Duration
	MaxUses   int // 0 means unlimited
	Success   *expr.Expr
	Narration string
}

// OpeningLine is a scripted line played before input is enabled.
type OpeningLine struct {
	Speaker string
	Text    string
	Pause   time.Duration
}

// TimelineEvent fires At after input is enabled when When holds.
type TimelineEvent struct {
	ID           string
	At           time.Duration
	When         *expr.Expr
	Effects      []Effect
	Sets         []Assign
	Text         string
	Priority     string
	SupersedeKey string
}

// GuardedText is a line that applies only while When holds. A nil When
// always holds.
type GuardedText struct {
	When *expr.Expr
	Text string
}

// Active reports whether the text applies to env.
func (g GuardedText) Active(env expr.Env) bool {
	return g.When == nil || g.When.Eval(env)
}

// IdlePrompt nudges a player who has been quiet for After.
type IdlePrompt struct {
	After time.Duration
	Text  string
}

// Director holds the arbiter's tuning for one scenario.
type Director struct {
	Interval        time.Duration
	Window          int
	MinSamples      int
	StrugglingBelow float64
	CruisingAbove   float64
	Cooldowns       DirectorCooldowns
	Events          []DirectorEvent
	Tones           Tones
	Hints           []GuardedText
}

// EventKind says whether a director event hurts or helps the player.
type EventKind string

const (
	EventAdverse EventKind = "adverse"
	EventHelpful EventKind = "helpful"
)

// DirectorEvent is a compiled director intervention.
type DirectorEvent struct {
	ID      string
	Kind    EventKind
	When    *expr.Expr
	Effects []Effect
	Sets    []Assign
	Text    string
}

// Character is someone the player can talk to.
type Character struct {
	ID      string
	Name    string
	Voice   string
	Persona string
	Facts   []string
}

// VarIndex returns the slot of the named variable.
func (s *Scenario) VarIndex(name string) (int, bool) {
	i, ok := s.varIndex[name]
	return i, ok
}

// TypeOf implements expr.Resolver over the scenario's variables.
func (s *Scenario) TypeOf(name string) (expr.Type, bool) {
	i, ok := s.varIndex[name]
	if !ok {
		return 0, false
	}
	return s.Variables[i].Type, true
}

// Condition returns the condition with the given id.
func (s *Scenario) Condition(id string) (*Condition, bool) {
	i, ok := s.condByID[id]
	if !ok {
		return nil, false
	}
	return &s.Conditions[i], true
}

// Character returns the character with the given id.
func (s *Scenario) Character(id string) (Character, bool) {
	for _, c := range s.Characters {
		if c.ID == id {
			return c, true
		}
	}
	return Character{}, false
}

// PhaseByName returns the index of the named phase.
func (s *Scenario) PhaseByName(name string) (int, bool) {
	for _, p := range s.Phases {
		if p.Name == name {
			return p.Index, true
		}
	}
	return 0, false
}

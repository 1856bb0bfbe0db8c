package scenario

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aixgo-dev/stagecraft/internal/expr"
)

// ErrInvalid wraps every configuration error reported by Compile and Load.
var ErrInvalid = errors.New("invalid scenario")

// Director defaults used when the scenario leaves a field unset.
const (
	DefaultWindow          = 6
	DefaultMinSamples      = 3
	DefaultStrugglingBelow = 0.34
	DefaultCruisingAbove   = 0.8
	DefaultEventCooldown   = 45 * time.Second
	DefaultToneCooldown    = 30 * time.Second
	DefaultHintCooldown    = 60 * time.Second
)

const defaultRecoveryLine = "Sorry, I lost my train of thought for a moment. Say that again?"

type compiler struct {
	f  *File
	sc *Scenario
}

func (c *compiler) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalid, c.f.ID, fmt.Sprintf(format, args...))
}

// Compile validates f and builds the immutable Scenario. Every expression is
// type-checked against the declared variables, so a bad condition fails here
// rather than mid-session.
func Compile(f *File) (*Scenario, error) {
	if f == nil || f.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalid)
	}
	c := &compiler{f: f, sc: &Scenario{
		ID:       f.ID,
		Title:    f.Title,
		Actions:  make(map[string]*Action, len(f.Actions)),
		varIndex: make(map[string]int, len(f.Variables)),
		condByID: make(map[string]int, len(f.Conditions)),
	}}
	steps := []func() error{
		c.variables,
		c.conditions,
		c.actions,
		c.phases,
		c.timeline,
		c.texts,
		c.director,
		c.characters,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	return c.sc, nil
}

func (c *compiler) variables() error {
	if len(c.f.Variables) == 0 {
		return c.errorf("no variables declared")
	}
	names := make([]string, 0, len(c.f.Variables))
	for name := range c.f.Variables {
		names = append(names, name)
	}
	sort.Strings(names)

	for i, name := range names {
		vf := c.f.Variables[name]
		v := Variable{Index: i, Name: name, Delta: vf.Delta, Latch: vf.Latch}
		switch vf.Type {
		case "number":
			if vf.Latch {
				return c.errorf("variable %q: only bool variables can latch", name)
			}
			if vf.Min == nil || vf.Max == nil {
				return c.errorf("variable %q: number variables need min and max", name)
			}
			v.Type, v.Min, v.Max = expr.TypeNumber, *vf.Min, *vf.Max
			if v.Min > v.Max {
				return c.errorf("variable %q: min %g above max %g", name, v.Min, v.Max)
			}
			init, err := numberValue(vf.Initial)
			if err != nil {
				return c.errorf("variable %q: %v", name, err)
			}
			if init < v.Min || init > v.Max {
				return c.errorf("variable %q: initial %g outside [%g, %g]", name, init, v.Min, v.Max)
			}
			v.Initial = init
		case "bool":
			if vf.Delta != 0 {
				return c.errorf("variable %q: bool variables cannot have a delta", name)
			}
			if vf.Min != nil || vf.Max != nil {
				return c.errorf("variable %q: bool variables have no bounds", name)
			}
			v.Type, v.Min, v.Max = expr.TypeBool, 0, 1
			switch init := vf.Initial.(type) {
			case nil:
			case bool:
				if init {
					v.Initial = 1
				}
			default:
				return c.errorf("variable %q: initial must be true or false", name)
			}
		default:
			return c.errorf("variable %q: unknown type %q", name, vf.Type)
		}
		c.sc.Variables = append(c.sc.Variables, v)
		c.sc.varIndex[name] = i
	}
	return nil
}

func numberValue(v any) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("initial must be a number, got %T", v)
	}
}

func (c *compiler) compile(where, src string) (*expr.Expr, error) {
	if src == "" {
		return nil, nil
	}
	e, err := expr.Compile(src, c.sc)
	if err != nil {
		return nil, c.errorf("%s: %v", where, err)
	}
	return e, nil
}

func (c *compiler) conditions() error {
	for i, cf := range c.f.Conditions {
		if _, dup := c.sc.condByID[cf.ID]; dup {
			return c.errorf("duplicate condition %q", cf.ID)
		}
		when, err := c.compile("condition "+cf.ID, cf.When)
		if err != nil {
			return err
		}
		if when == nil {
			return c.errorf("condition %q: empty expression", cf.ID)
		}
		if cf.Ending != "" && cf.Outcome == "" {
			return c.errorf("condition %q: ending without outcome", cf.ID)
		}
		c.sc.Conditions = append(c.sc.Conditions, Condition{
			ID:       cf.ID,
			When:     when,
			Priority: cf.Priority,
			Outcome:  cf.Outcome,
			Ending:   cf.Ending,
			Order:    i,
		})
		c.sc.condByID[cf.ID] = i
	}
	return nil
}

func (c *compiler) effects(where string, deltas map[string]float64, sets map[string]bool) ([]Effect, []Assign, error) {
	var effects []Effect
	for _, name := range sortedKeys(deltas) {
		i, ok := c.sc.varIndex[name]
		if !ok {
			return nil, nil, c.errorf("%s: unknown variable %q", where, name)
		}
		if c.sc.Variables[i].Type != expr.TypeNumber {
			return nil, nil, c.errorf("%s: effect on bool variable %q, use set", where, name)
		}
		effects = append(effects, Effect{Var: i, Delta: deltas[name]})
	}
	var assigns []Assign
	for _, name := range sortedKeys(sets) {
		i, ok := c.sc.varIndex[name]
		if !ok {
			return nil, nil, c.errorf("%s: unknown variable %q", where, name)
		}
		v := c.sc.Variables[i]
		if v.Type != expr.TypeBool {
			return nil, nil, c.errorf("%s: set on number variable %q, use effects", where, name)
		}
		if v.Latch && !sets[name] {
			return nil, nil, c.errorf("%s: latch variable %q cannot be reset", where, name)
		}
		assigns = append(assigns, Assign{Var: i, Value: sets[name]})
	}
	return effects, assigns, nil
}

func (c *compiler) actions() error {
	for _, id := range sortedKeys(c.f.Actions) {
		af := c.f.Actions[id]
		if af.MaxUses < 0 {
			return c.errorf("action %q: negative max_uses", id)
		}
		effects, sets, err := c.effects("action "+id, af.Effects, af.Set)
		if err != nil {
			return err
		}
		success, err := c.compile("action "+id+" success", af.Success)
		if err != nil {
			return err
		}
		label := af.Label
		if label == "" {
			label = id
		}
		c.sc.Actions[id] = &Action{
			ID:        id,
			Label:     label,
			Effects:   effects,
			Sets:      sets,
			Cooldown:  af.Cooldown,
			MaxUses:   af.MaxUses,
			Success:   success,
			Narration: af.Narration,
		}
		c.sc.ActionOrder = append(c.sc.ActionOrder, id)
	}
	return nil
}

func (c *compiler) phases() error {
	if len(c.f.Phases) == 0 {
		return c.errorf("no phases declared")
	}
	index := make(map[string]int, len(c.f.Phases))
	for i, pf := range c.f.Phases {
		if _, dup := index[pf.Name]; dup {
			return c.errorf("duplicate phase %q", pf.Name)
		}
		index[pf.Name] = i
	}

	for i, pf := range c.f.Phases {
		p := Phase{Index: i, Name: pf.Name, Actions: make(map[string]bool, len(pf.Actions))}
		for _, id := range pf.Actions {
			if _, ok := c.sc.Actions[id]; !ok {
				return c.errorf("phase %q: unknown action %q", pf.Name, id)
			}
			p.Actions[id] = true
		}
		for _, tf := range pf.Transitions {
			cond, ok := c.sc.Condition(tf.On)
			if !ok {
				return c.errorf("phase %q: unknown condition %q", pf.Name, tf.On)
			}
			to, ok := index[tf.To]
			if !ok {
				return c.errorf("phase %q: unknown target phase %q", pf.Name, tf.To)
			}
			if to <= i {
				return c.errorf("phase %q: transition to %q does not move forward", pf.Name, tf.To)
			}
			p.Transitions = append(p.Transitions, Transition{On: cond, To: to})
		}
		sort.SliceStable(p.Transitions, func(a, b int) bool {
			return p.Transitions[a].On.Priority > p.Transitions[b].On.Priority
		})
		c.sc.Phases = append(c.sc.Phases, p)
	}
	return nil
}

func (c *compiler) timeline() error {
	seen := make(map[string]bool, len(c.f.Timeline))
	for _, tf := range c.f.Timeline {
		if seen[tf.ID] {
			return c.errorf("duplicate timeline event %q", tf.ID)
		}
		seen[tf.ID] = true
		if tf.At < 0 {
			return c.errorf("timeline %q: negative offset", tf.ID)
		}
		effects, sets, err := c.effects("timeline "+tf.ID, tf.Effects, tf.Set)
		if err != nil {
			return err
		}
		when, err := c.compile("timeline "+tf.ID, tf.When)
		if err != nil {
			return err
		}
		prio := tf.Priority
		if prio == "" {
			prio = "normal"
		}
		c.sc.Timeline = append(c.sc.Timeline, TimelineEvent{
			ID:           tf.ID,
			At:           tf.At,
			When:         when,
			Effects:      effects,
			Sets:         sets,
			Text:         tf.Text,
			Priority:     prio,
			SupersedeKey: tf.SupersedeKey,
		})
	}
	sort.SliceStable(c.sc.Timeline, func(a, b int) bool {
		return c.sc.Timeline[a].At < c.sc.Timeline[b].At
	})
	return nil
}

func (c *compiler) guarded(where string, in []GuardedTextFile) ([]GuardedText, error) {
	out := make([]GuardedText, 0, len(in))
	for i, g := range in {
		when, err := c.compile(fmt.Sprintf("%s[%d]", where, i), g.When)
		if err != nil {
			return nil, err
		}
		out = append(out, GuardedText{When: when, Text: g.Text})
	}
	return out, nil
}

func (c *compiler) texts() error {
	for _, line := range c.f.Opening {
		c.sc.Opening = append(c.sc.Opening, OpeningLine(line))
	}
	facts, err := c.guarded("facts", c.f.Facts)
	if err != nil {
		return err
	}
	c.sc.Facts = facts
	if ip := c.f.IdlePrompt; ip != nil {
		if ip.After <= 0 {
			return c.errorf("idle_prompt: after must be positive")
		}
		c.sc.IdlePrompt = &IdlePrompt{After: ip.After, Text: ip.Text}
	}
	c.sc.RecoveryLines = append([]string(nil), c.f.RecoveryLines...)
	if len(c.sc.RecoveryLines) == 0 {
		c.sc.RecoveryLines = []string{defaultRecoveryLine}
	}
	return nil
}

func (c *compiler) director() error {
	df := c.f.Director
	d := Director{
		Interval:        df.Interval,
		Window:          df.Window,
		MinSamples:      DefaultMinSamples,
		StrugglingBelow: DefaultStrugglingBelow,
		CruisingAbove:   DefaultCruisingAbove,
		Cooldowns:       df.Cooldowns,
		Tones:           df.Tones,
	}
	if d.Window == 0 {
		d.Window = DefaultWindow
	}
	if df.MinSamples != nil {
		d.MinSamples = *df.MinSamples
	}
	if df.StrugglingBelow != nil {
		d.StrugglingBelow = *df.StrugglingBelow
	}
	if df.CruisingAbove != nil {
		d.CruisingAbove = *df.CruisingAbove
	}
	if d.StrugglingBelow >= d.CruisingAbove {
		return c.errorf("director: struggling_below %g must be under cruising_above %g", d.StrugglingBelow, d.CruisingAbove)
	}
	if d.Cooldowns.SpawnEvent == 0 {
		d.Cooldowns.SpawnEvent = DefaultEventCooldown
	}
	if d.Cooldowns.AdjustTone == 0 {
		d.Cooldowns.AdjustTone = DefaultToneCooldown
	}
	if d.Cooldowns.GiveHint == 0 {
		d.Cooldowns.GiveHint = DefaultHintCooldown
	}

	seen := make(map[string]bool, len(df.Events))
	for _, ef := range df.Events {
		if seen[ef.ID] {
			return c.errorf("duplicate director event %q", ef.ID)
		}
		seen[ef.ID] = true
		effects, sets, err := c.effects("director event "+ef.ID, ef.Effects, ef.Set)
		if err != nil {
			return err
		}
		when, err := c.compile("director event "+ef.ID, ef.When)
		if err != nil {
			return err
		}
		kind := EventKind(ef.Kind)
		if kind != EventAdverse && kind != EventHelpful {
			return c.errorf("director event %q: unknown kind %q", ef.ID, ef.Kind)
		}
		d.Events = append(d.Events, DirectorEvent{
			ID: ef.ID, Kind: kind, When: when, Effects: effects, Sets: sets, Text: ef.Text,
		})
	}
	hints, err := c.guarded("director hints", df.Hints)
	if err != nil {
		return err
	}
	d.Hints = hints
	c.sc.Director = d
	return nil
}

func (c *compiler) characters() error {
	if len(c.f.Characters) == 0 {
		return c.errorf("no characters declared")
	}
	seen := make(map[string]bool, len(c.f.Characters))
	for _, cf := range c.f.Characters {
		if seen[cf.ID] {
			return c.errorf("duplicate character %q", cf.ID)
		}
		seen[cf.ID] = true
		c.sc.Characters = append(c.sc.Characters, Character{
			ID:      cf.ID,
			Name:    cf.Name,
			Voice:   cf.Voice,
			Persona: cf.Persona,
			Facts:   append([]string(nil), cf.Facts...),
		})
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

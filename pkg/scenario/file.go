package scenario

import "time"

// File is the on-disk YAML form of a scenario. It is validated against the
// embedded JSON schema and then compiled into a Scenario.
type File struct {
	ID            string                  `yaml:"id"`
	Title         string                  `yaml:"title"`
	Opening       []OpeningLineFile       `yaml:"opening"`
	Variables     map[string]VariableFile `yaml:"variables"`
	Conditions    []ConditionFile         `yaml:"conditions"`
	Phases        []PhaseFile             `yaml:"phases"`
	Actions       map[string]ActionFile   `yaml:"actions"`
	Timeline      []TimelineFile          `yaml:"timeline"`
	Facts         []GuardedTextFile       `yaml:"facts"`
	IdlePrompt    *IdlePromptFile         `yaml:"idle_prompt"`
	Director      DirectorFile            `yaml:"director"`
	RecoveryLines []string                `yaml:"recovery_lines"`
	Characters    []CharacterFile         `yaml:"characters"`
}

// OpeningLineFile is one scripted line played before input is enabled.
type OpeningLineFile struct {
	Speaker string        `yaml:"speaker"`
	Text    string        `yaml:"text"`
	Pause   time.Duration `yaml:"pause"`
}

// VariableFile declares a state variable. Min and Max are required for numbers.
type VariableFile struct {
	Type    string   `yaml:"type"`
	Initial any      `yaml:"initial"`
	Min     *float64 `yaml:"min"`
	Max     *float64 `yaml:"max"`
	Delta   float64  `yaml:"delta"`
	Latch   bool     `yaml:"latch"`
}

// ConditionFile is a named expression. An outcome makes it terminal.
type ConditionFile struct {
	ID       string `yaml:"id"`
	When     string `yaml:"when"`
	Priority int    `yaml:"priority"`
	Outcome  string `yaml:"outcome"`
	Ending   string `yaml:"ending"`
}

// PhaseFile lists a phase's exits and the actions offered in it.
type PhaseFile struct {
	Name        string           `yaml:"name"`
	Transitions []TransitionFile `yaml:"transitions"`
	Actions     []string         `yaml:"actions"`
}

// TransitionFile moves to phase To once condition On holds.
type TransitionFile struct {
	On string `yaml:"condition"`
	To string `yaml:"to"`
}

// ActionFile is a button action and its effects on the state.
type ActionFile struct {
	Label     string             `yaml:"label"`
	Effects   map[string]float64 `yaml:"effects"`
	Set       map[string]bool    `yaml:"set"`
	Cooldown  time.Duration      `yaml:"cooldown"`
	MaxUses   int                `yaml:"max_uses"`
	Success   string             `yaml:"success"`
	Narration string             `yaml:"narration"`
}

// TimelineFile is an event fired At after input is enabled.
type TimelineFile struct {
	ID           string             `yaml:"id"`
	At           time.Duration      `yaml:"at"`
	When         string             `yaml:"when"`
	Effects      map[string]float64 `yaml:"effects"`
	Set          map[string]bool    `yaml:"set"`
	Text         string             `yaml:"text"`
	Priority     string             `yaml:"priority"`
	SupersedeKey string             `yaml:"supersede_key"`
}

// GuardedTextFile is a text shown only while When holds.
type GuardedTextFile struct {
	When string `yaml:"when"`
	Text string `yaml:"text"`
}

// IdlePromptFile is the nudge sent after the player has been quiet for After.
type IdlePromptFile struct {
	After time.Duration `yaml:"after"`
	Text  string        `yaml:"text"`
}

// DirectorFile tunes the director. Nil pointers take defaults.
type DirectorFile struct {
	Interval        time.Duration       `yaml:"interval"`
	Window          int                 `yaml:"window"`
	MinSamples      *int                `yaml:"min_samples"`
	StrugglingBelow *float64            `yaml:"struggling_below"`
	CruisingAbove   *float64            `yaml:"cruising_above"`
	Cooldowns       DirectorCooldowns   `yaml:"cooldowns"`
	Events          []DirectorEventFile `yaml:"events"`
	Tones           Tones               `yaml:"tones"`
	Hints           []GuardedTextFile   `yaml:"hints"`
}

// DirectorCooldowns spaces out each kind of intervention.
type DirectorCooldowns struct {
	SpawnEvent time.Duration `yaml:"spawn_event"`
	AdjustTone time.Duration `yaml:"adjust_tone"`
	GiveHint   time.Duration `yaml:"give_hint"`
}

// DirectorEventFile is an intervention the director may spawn.
type DirectorEventFile struct {
	ID      string             `yaml:"id"`
	Kind    string             `yaml:"kind"`
	When    string             `yaml:"when"`
	Effects map[string]float64 `yaml:"effects"`
	Set     map[string]bool    `yaml:"set"`
	Text    string             `yaml:"text"`
}

// Tones maps a difficulty reading to the tonal hint handed to the next
// generation request.
type Tones struct {
	Struggling string `yaml:"struggling"`
	Steady     string `yaml:"steady"`
	Cruising   string `yaml:"cruising"`
}

// CharacterFile is a character the player can talk to.
type CharacterFile struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Voice   string   `yaml:"voice"`
	Persona string   `yaml:"persona"`
	Facts   []string `yaml:"facts"`
}

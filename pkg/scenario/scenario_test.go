package scenario

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/stagecraft/internal/expr"
)

const minimal = `
id: tiny
variables:
  oxygen: {type: number, initial: 10, min: 0, max: 10, delta: -1}
  door: {type: bool}
conditions:
  - {id: dead, when: "oxygen <= 0", outcome: lost, ending: Gone.}
  - {id: open, when: door}
phases:
  - name: start
    actions: [open_door]
    transitions: [{condition: open, to: outside}]
  - name: outside
actions:
  open_door: {set: {door: true}, max_uses: 1}
characters:
  - {id: ai, name: AI, persona: A calm ship computer.}
`

func TestLoad_Minimal(t *testing.T) {
	sc, err := Load([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "tiny", sc.ID)
	require.Len(t, sc.Variables, 2)
	i, ok := sc.VarIndex("oxygen")
	require.True(t, ok)
	assert.Equal(t, expr.TypeNumber, sc.Variables[i].Type)
	assert.Equal(t, -1.0, sc.Variables[i].Delta)

	dead, ok := sc.Condition("dead")
	require.True(t, ok)
	assert.True(t, dead.Terminal())

	require.Len(t, sc.Phases, 2)
	assert.Equal(t, 1, sc.Phases[0].Transitions[0].To)
	assert.True(t, sc.Phases[0].Actions["open_door"])

	assert.Equal(t, DefaultWindow, sc.Director.Window)
	assert.Equal(t, DefaultHintCooldown, sc.Director.Cooldowns.GiveHint)
	assert.NotEmpty(t, sc.RecoveryLines)

	_, ok = sc.Character("ai")
	assert.True(t, ok)
}

func TestLoad_SampleScenario(t *testing.T) {
	sc, err := LoadFile(filepath.Join("..", "..", "scenarios", "derelict.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "derelict", sc.ID)
	assert.Len(t, sc.Opening, 2)
	assert.Equal(t, 2*time.Second, sc.Opening[0].Pause)
	require.NotNil(t, sc.IdlePrompt)
	assert.Equal(t, 40*time.Second, sc.IdlePrompt.After)

	// Timeline is ordered by offset.
	for i := 1; i < len(sc.Timeline); i++ {
		assert.LessOrEqual(t, sc.Timeline[i-1].At, sc.Timeline[i].At)
	}
	assert.Equal(t, "normal", sc.Timeline[1].Priority)

	idx, ok := sc.PhaseByName("escape")
	require.True(t, ok)
	assert.Equal(t, 2, idx)
	assert.Len(t, sc.Director.Events, 2)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"schema: missing characters", `
id: x
variables: {a: {type: number, min: 0, max: 1}}
phases: [{name: p}]
`},
		{"schema: unknown top-level key", minimal + "\nweather: rain\n"},
		{"unknown variable in condition", `
id: x
variables: {a: {type: number, min: 0, max: 1}}
conditions: [{id: c, when: "b > 0"}]
phases: [{name: p}]
characters: [{id: c, name: C, persona: p}]
`},
		{"number condition", `
id: x
variables: {a: {type: number, min: 0, max: 1}}
conditions: [{id: c, when: "a + 1"}]
phases: [{name: p}]
characters: [{id: c, name: C, persona: p}]
`},
		{"backwards transition", `
id: x
variables: {a: {type: number, min: 0, max: 1}}
conditions: [{id: c, when: "a > 0"}]
phases:
  - {name: one}
  - {name: two, transitions: [{condition: c, to: one}]}
characters: [{id: c, name: C, persona: p}]
`},
		{"bool with delta", `
id: x
variables: {a: {type: bool, delta: 1}}
phases: [{name: p}]
characters: [{id: c, name: C, persona: p}]
`},
		{"initial out of range", `
id: x
variables: {a: {type: number, initial: 5, min: 0, max: 1}}
phases: [{name: p}]
characters: [{id: c, name: C, persona: p}]
`},
		{"effect on unknown variable", `
id: x
variables: {a: {type: number, min: 0, max: 1}}
actions: {go: {effects: {b: 1}}}
phases: [{name: p}]
characters: [{id: c, name: C, persona: p}]
`},
		{"latch reset", `
id: x
variables: {a: {type: bool, latch: true}}
actions: {undo: {set: {a: false}}}
phases: [{name: p}]
characters: [{id: c, name: C, persona: p}]
`},
		{"phase lists unknown action", `
id: x
variables: {a: {type: number, min: 0, max: 1}}
phases: [{name: p, actions: [fly]}]
characters: [{id: c, name: C, persona: p}]
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestCatalog(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tiny.yaml"), []byte(minimal), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	cat, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"tiny"}, cat.IDs())
	assert.Equal(t, 1, cat.Len())

	_, err = cat.Get("tiny")
	require.NoError(t, err)
	_, err = cat.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownScenario)

	sc, _ := cat.Get("tiny")
	_, err = NewCatalog(sc, sc)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestGuardedText_Active(t *testing.T) {
	sc, err := Load([]byte(minimal))
	require.NoError(t, err)

	g := GuardedText{Text: "always"}
	assert.True(t, g.Active(nil))

	g.When = expr.MustCompile("door", sc)
	assert.False(t, g.Active(fakeEnv{}))
	assert.True(t, g.Active(fakeEnv{"door": true}))
}

type fakeEnv map[string]bool

func (f fakeEnv) Number(string) float64 { return 0 }
func (f fakeEnv) Bool(name string) bool { return f[name] }

func TestVariable_Clamp(t *testing.T) {
	v := Variable{Min: 0, Max: 10}
	assert.Equal(t, 0.0, v.Clamp(-3))
	assert.Equal(t, 10.0, v.Clamp(11))
	assert.Equal(t, 4.5, v.Clamp(4.5))
}

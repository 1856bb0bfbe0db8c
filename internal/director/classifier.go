package director

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnclassified is returned when a model reply names no difficulty.
var ErrUnclassified = errors.New("director: unrecognised classification")

// Completer sends one short prompt to a model and returns its reply.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

const classifierSystem = `You watch a player in an interactive radio drama.
Reply with exactly one word: struggling, steady or cruising.`

// ModelClassifier asks a language model to read the scene.
type ModelClassifier struct {
	llm Completer
}

// NewModelClassifier wraps c as a Classifier.
func NewModelClassifier(c Completer) *ModelClassifier {
	return &ModelClassifier{llm: c}
}

// Classify implements Classifier.
func (m *ModelClassifier) Classify(ctx context.Context, in Input) (Difficulty, error) {
	reply, err := m.llm.Complete(ctx, classifierSystem, classifierPrompt(in))
	if err != nil {
		return "", fmt.Errorf("director: classify: %w", err)
	}
	return parseDifficulty(reply)
}

func classifierPrompt(in Input) string {
	var b strings.Builder
	b.WriteString("State:\n")
	vals := in.Snapshot.Values()
	names := make([]string, 0, len(vals))
	for name := range vals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "- %s = %g\n", name, vals[name])
	}
	if len(in.History) > 0 {
		b.WriteString("Recent dialogue:\n")
		h := in.History
		if len(h) > 6 {
			h = h[len(h)-6:]
		}
		for _, line := range h {
			b.WriteString("> ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	b.WriteString("How is the player doing?")
	return b.String()
}

func parseDifficulty(reply string) (Difficulty, error) {
	r := strings.ToLower(reply)
	for _, d := range []Difficulty{Struggling, Cruising, Steady} {
		if strings.Contains(r, string(d)) {
			return d, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnclassified, reply)
}

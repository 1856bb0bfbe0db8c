// Package console plays one session in a terminal.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aixgo-dev/stagecraft/internal/session"
	"github.com/aixgo-dev/stagecraft/pkg/protocol"
	"github.com/peterh/liner"
)

// Prompter reads one line of input. *liner.State satisfies it.
type Prompter interface {
	Prompt(prompt string) (string, error)
}

// Sink renders frames as plain text.
type Sink struct {
	mu      sync.Mutex
	w       io.Writer
	actions []protocol.ActionRef
	Verbose bool
}

// NewSink renders frames to w.
func NewSink(w io.Writer) *Sink {
	return &Sink{w: w}
}

func (s *Sink) Send(_ context.Context, msg protocol.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	switch msg.Type {
	case protocol.TypeWelcome:
		_, err = fmt.Fprintf(s.w, "== %s, talking to %s. Type /help for commands. ==\n", msg.Scenario, msg.Character)
	case protocol.TypeDialogue:
		_, err = fmt.Fprintf(s.w, "%s: %s\n", msg.Speaker, msg.Text)
	case protocol.TypeThinking:
		_, err = fmt.Fprintln(s.w, "...")
	case protocol.TypePhase:
		_, err = fmt.Fprintf(s.w, "-- %s --\n", msg.Phase)
	case protocol.TypeActions:
		s.actions = append(s.actions[:0], msg.Actions...)
		if len(msg.Actions) > 0 {
			_, err = fmt.Fprintf(s.w, "[actions] %s\n", formatActions(msg.Actions))
		}
	case protocol.TypeRejected:
		_, err = fmt.Fprintf(s.w, "(not now: %s)\n", msg.Reason)
	case protocol.TypeIgnored:
		text := msg.Reason
		if msg.Text != "" {
			text = msg.Text
		}
		_, err = fmt.Fprintf(s.w, "(%s: %s)\n", msg.ID, text)
	case protocol.TypeOutcome:
		_, err = fmt.Fprintf(s.w, "== outcome: %s ==\n", msg.Outcome)
	case protocol.TypeError:
		_, err = fmt.Fprintf(s.w, "(error %s: %s)\n", msg.Code, msg.Text)
	default:
		if s.Verbose {
			_, err = fmt.Fprintf(s.w, "(%s %s %s)\n", msg.Type, msg.ID, msg.Reason)
		}
	}
	return err
}

// Actions returns the action ids last offered.
func (s *Sink) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.actions))
	for i, a := range s.actions {
		ids[i] = a.ID
	}
	return ids
}

func formatActions(refs []protocol.ActionRef) string {
	parts := make([]string, len(refs))
	for i, a := range refs {
		parts[i] = fmt.Sprintf("/do %s (%s)", a.ID, a.Label)
	}
	return strings.Join(parts, ", ")
}

// NewLiner opens the terminal with history and completion of commands and
// the action ids sink last saw. Close it when done.
func NewLiner(sink *Sink) *liner.State {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(in string) []string {
		var out []string
		cands := []string{"/help", "/quit", "/do "}
		for _, id := range sink.Actions() {
			cands = append(cands, "/do "+id)
		}
		sort.Strings(cands)
		for _, c := range cands {
			if strings.HasPrefix(c, in) {
				out = append(out, c)
			}
		}
		return out
	})
	return line
}

// Play reads lines from p and feeds them to sess until the session ends,
// input ends or the user quits. Lines starting with /do are actions;
// anything else is said to the character.
func Play(ctx context.Context, sess *session.Session, p Prompter, w io.Writer) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		for {
			line, err := p.Prompt("> ")
			if err != nil {
				errc <- err
				return
			}
			if h, ok := p.(interface{ AppendHistory(string) }); ok && strings.TrimSpace(line) != "" {
				h.AppendHistory(line)
			}
			select {
			case lines <- line:
			case <-sess.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sess.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				err := <-errc
				if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
					return nil
				}
				return fmt.Errorf("console: %w", err)
			}
			quit, err := handle(ctx, sess, strings.TrimSpace(line), w)
			if err != nil {
				if errors.Is(err, session.ErrSessionClosed) {
					return nil
				}
				return err
			}
			if quit {
				return nil
			}
		}
	}
}

func handle(ctx context.Context, sess *session.Session, line string, w io.Writer) (quit bool, err error) {
	switch {
	case line == "":
		return false, nil
	case line == "/quit" || line == "/exit":
		return true, nil
	case line == "/help":
		_, err = fmt.Fprintln(w, "say anything to talk, /do <action> to act, /quit to leave")
		return false, err
	case strings.HasPrefix(line, "/do "):
		return false, sess.OnUserAction(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/do ")))
	case strings.HasPrefix(line, "/"):
		_, err = fmt.Fprintf(w, "unknown command %s, try /help\n", strings.Fields(line)[0])
		return false, err
	default:
		return false, sess.OnUserMessage(ctx, line)
	}
}

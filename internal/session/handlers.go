package session

import (
	"context"
	"fmt"
	"time"

	"github.com/aixgo-dev/stagecraft/internal/director"
	"github.com/aixgo-dev/stagecraft/internal/gate"
	"github.com/aixgo-dev/stagecraft/internal/llm/prompt"
	"github.com/aixgo-dev/stagecraft/internal/llm/provider"
	"github.com/aixgo-dev/stagecraft/internal/queue"
	"github.com/aixgo-dev/stagecraft/internal/speech"
	"github.com/aixgo-dev/stagecraft/internal/state"
	"github.com/aixgo-dev/stagecraft/pkg/memory"
	"github.com/aixgo-dev/stagecraft/pkg/observability"
	"github.com/aixgo-dev/stagecraft/pkg/protocol"
	"github.com/aixgo-dev/stagecraft/pkg/scenario"
	"github.com/aixgo-dev/stagecraft/pkg/security"
	"github.com/aixgo-dev/stagecraft/pkg/transcript"
	"github.com/google/uuid"
)

const (
	profileTimeout = 3 * time.Second
	idleTask       = "idle"
	idleKey        = "idle"
	hintKey        = "hint"
	eventKey       = "director-event"
)

func (s *Session) loadProfile() {
	if s.cfg.Memory == nil || s.cfg.UserID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, profileTimeout)
	defer cancel()
	p, err := memory.LoadOrNew(ctx, s.cfg.Memory, s.cfg.UserID)
	if err != nil {
		s.logf("loading profile failed, playing without it: %v", err)
		return
	}
	s.profile = p
	if p.ActionsTaken > 0 {
		s.prior = &director.Prior{SuccessRate: p.SuccessRate(), Samples: p.ActionsTaken}
	}
}

// beginOpening schedules the opening lines and holds input until every one
// of them has left the queue.
func (s *Session) beginOpening() {
	ids := make([]string, len(s.sc.Opening))
	var at time.Duration
	for i, line := range s.sc.Opening {
		at += line.Pause
		it := &queue.Item{
			ID:       uuid.NewString(),
			Speaker:  line.Speaker,
			Text:     line.Text,
			Priority: queue.Urgent,
			Source:   queue.SourceEvent,
		}
		ids[i] = it.ID
		if at <= 0 {
			s.queue.Enqueue(it)
			continue
		}
		s.sched.Schedule(fmt.Sprintf("opening:%d", i), at, func() { s.queue.Enqueue(it) })
	}
	s.gate.BeginOpening(ids)
}

// startPlay runs once input is enabled.
func (s *Session) startPlay() {
	if s.playing || s.ending {
		return
	}
	s.playing = true
	for i := range s.sc.Timeline {
		ev := &s.sc.Timeline[i]
		s.sched.Schedule("timeline:"+ev.ID, ev.At, func() { s.fireTimeline(ev) })
	}
	s.armIdle()
	s.sendActions()
}

func (s *Session) handleMessage(text string) {
	if s.rejectIfEnded() {
		return
	}
	s.armIdle()
	v := s.screen.Screen(text)
	if v.Cleaned == "" {
		s.signal(protocol.Error(protocol.ErrBadRequest, "empty message"))
		return
	}
	if v.Flagged {
		s.logf("flagged input (%s: %v), passing it on quoted", v.Category, v.Matched)
	}

	status := s.gate.Admit(s.ctx, func() (gate.Job, error) {
		s.actionFlight = false
		return s.generation(prompt.UserLine(v.Cleaned, v.Flagged), false), nil
	})
	if status != gate.Admitted {
		s.signal(protocol.Rejected(status.String()))
		return
	}
	s.history = append(s.history, prompt.Turn{Text: v.Cleaned, User: true})
	s.record(transcript.Entry{Kind: transcript.KindLine, Speaker: "user", Text: v.Cleaned, Source: "user"})
}

func (s *Session) handleAction(id string) {
	if s.rejectIfEnded() {
		return
	}
	s.armIdle()
	if !s.gate.InFlight() && !s.gate.Opening() {
		if reason, wait, ok := s.engine.CanApply(id); !ok {
			s.ignore(id, reason, wait)
			return
		}
	}

	var res state.ActionResult
	status := s.gate.Admit(s.ctx, func() (gate.Job, error) {
		res = s.engine.ApplyAction(id)
		s.actionFlight = true
		a := s.sc.Actions[id]
		return s.generation(prompt.ActionLine(a.Label, res.Success, a.Narration), true), nil
	})
	if status != gate.Admitted {
		s.signal(protocol.Rejected(status.String()))
		return
	}
	s.record(transcript.Entry{Kind: transcript.KindAction, Text: id, Detail: fmt.Sprintf("success=%t", res.Success)})
	s.sendActions()
}

func (s *Session) ignore(id string, reason state.IgnoreReason, wait time.Duration) {
	observability.RecordIgnoredAction(string(reason))
	msg := protocol.Ignored(id, string(reason))
	if wait > 0 {
		msg.Text = fmt.Sprintf("too soon, try again in %s", wait.Round(time.Second))
	}
	s.signal(msg)
}

func (s *Session) rejectIfEnded() bool {
	if s.ending {
		s.signal(protocol.Rejected(protocol.ReasonEnded))
		return true
	}
	return false
}

// generation builds the job for one turn. It reads session state now, on
// the session goroutine, so the job itself touches nothing shared.
func (s *Session) generation(event string, urgent bool) gate.Job {
	snap := s.engine.Snapshot()
	var labels []string
	for _, a := range s.engine.AvailableActions() {
		labels = append(labels, a.Label)
	}
	msgs := s.cfg.Prompt.Build(prompt.Input{
		Scenario:  s.sc,
		Character: s.char,
		Snapshot:  snap,
		History:   append([]prompt.Turn(nil), s.history...),
		Actions:   labels,
		Tone:      s.tone,
		Profile:   s.profile.Summary(),
		Event:     event,
	})
	s.tone = ""

	req := provider.CompletionRequest{
		Messages:    msgs,
		Model:       s.cfg.Model,
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	}
	p, speaker := s.cfg.Provider, s.char.Name

	return func(ctx context.Context) (gate.Result, error) {
		resp, err := p.CreateCompletion(ctx, req)
		if err != nil {
			return gate.Result{Speaker: speaker}, err
		}
		return gate.Result{Speaker: speaker, Text: resp.Content, Urgent: urgent}, nil
	}
}

// voice synthesizes a generated line off the session goroutine, on its own
// deadline. The text never waits for it: audio that arrives while the line
// is still queued rides along with it, later audio follows in its own frame.
func (s *Session) voice(it *queue.Item) {
	if _, ok := s.speech.(speech.Noop); ok {
		observability.RecordSpeech("skipped")
		return
	}
	id, text := it.ID, it.Text
	s.voicing[id] = struct{}{}
	synth, voice, timeout, ctx := s.speech, s.char.Voice, s.cfg.SpeechTimeout, s.ctx
	go func() {
		sctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		audio, err := synth.Synthesize(sctx, text, voice)
		s.post(func() { s.applyAudio(id, audio, err) })
	}()
}

func (s *Session) applyAudio(id string, audio speech.Audio, err error) {
	if _, ok := s.voicing[id]; !ok {
		return
	}
	delete(s.voicing, id)
	switch {
	case err != nil:
		observability.RecordSpeech("error")
		s.logf("speech failed, line %s stays text-only: %s", shortID(id), security.RedactError(err))
		return
	case len(audio.Data) == 0:
		observability.RecordSpeech("skipped")
		return
	}
	observability.RecordSpeech("ok")
	if s.queue.Attach(id, audio.Data, audio.Format) {
		return
	}
	s.signal(protocol.Speech(id, audio.Data, audio.Format))
}

func (s *Session) handleCompletion(c gate.Completion) {
	if !s.gate.OnComplete(c) {
		return
	}
	if c.Err != nil {
		s.record(transcript.Entry{Kind: transcript.KindCancelled, Detail: "generation failed: " + security.RedactError(c.Err)})
	}
	if s.actionFlight {
		s.actionFlight = false
		s.evaluateDirector()
	}
}

func (s *Session) recoveryLine() string {
	lines := s.sc.RecoveryLines
	line := lines[s.recoveryNext%len(lines)]
	s.recoveryNext++
	return line
}

func (s *Session) handleTick(dt float64) {
	if s.ending {
		return
	}
	res := s.engine.Tick(dt)
	if res.Terminal != nil {
		s.end(res.Terminal)
		return
	}
	if res.PhaseChanged {
		name := s.sc.Phases[res.To].Name
		s.logf("phase %s -> %s", s.sc.Phases[res.From].Name, name)
		s.record(transcript.Entry{Kind: transcript.KindPhase, Detail: name})
		s.signal(protocol.Outbound{Type: protocol.TypePhase, Phase: name})
		s.sendActions()
	}
}

func (s *Session) sendActions() {
	if !s.playing || s.ending {
		return
	}
	avail := s.engine.AvailableActions()
	refs := make([]protocol.ActionRef, 0, len(avail))
	for _, a := range avail {
		refs = append(refs, protocol.ActionRef{ID: a.ID, Label: a.Label})
	}
	s.signal(protocol.Outbound{Type: protocol.TypeActions, Phase: s.engine.Snapshot().PhaseName, Actions: refs})
}

func (s *Session) fireTimeline(ev *scenario.TimelineEvent) {
	if s.ending {
		return
	}
	if ev.When != nil && !ev.When.Eval(s.engine.Snapshot()) {
		return
	}
	s.engine.ApplyEffects(ev.Effects, ev.Sets)
	if ev.Text == "" {
		return
	}
	prio, err := queue.ParsePriority(ev.Priority)
	if err != nil {
		prio = queue.Normal
	}
	s.queue.Enqueue(&queue.Item{
		Speaker:      s.sc.Title,
		Text:         ev.Text,
		Priority:     prio,
		Source:       queue.SourceEvent,
		SupersedeKey: ev.SupersedeKey,
	})
}

// armIdle restarts the idle prompt countdown. A countdown that runs out
// while a reply is being generated starts over.
func (s *Session) armIdle() {
	ip := s.sc.IdlePrompt
	if ip == nil || ip.After <= 0 || !s.playing || s.ending {
		return
	}
	s.sched.Schedule(idleTask, ip.After, func() {
		if s.ending {
			return
		}
		if s.gate.InFlight() {
			s.armIdle()
			return
		}
		s.queue.Enqueue(&queue.Item{
			Speaker:      s.char.Name,
			Text:         ip.Text,
			Priority:     queue.Background,
			Source:       queue.SourceEvent,
			SupersedeKey: idleKey,
		})
	})
}

// evaluateDirector runs the arbiter off the session goroutine, since it may
// consult a model, and applies its decision back on it. At most one
// evaluation runs at a time.
func (s *Session) evaluateDirector() {
	if s.ending || s.evaluating || !s.playing {
		return
	}
	s.evaluating = true
	in := director.Input{
		Snapshot: s.engine.Snapshot(),
		Recent:   s.engine.RecentActions(max(s.sc.Director.Window, 1)),
		History:  s.historyLines(8),
		Prior:    s.prior,
	}
	ctx := s.ctx
	go func() {
		d := s.arbiter.Evaluate(ctx, in)
		s.post(func() {
			s.evaluating = false
			s.applyDecision(d)
		})
	}()
}

func (s *Session) historyLines(n int) []string {
	h := s.history
	if len(h) > n {
		h = h[len(h)-n:]
	}
	out := make([]string, len(h))
	for i, t := range h {
		speaker := t.Speaker
		if t.User {
			speaker = "Player"
		}
		out[i] = speaker + ": " + t.Text
	}
	return out
}

func (s *Session) applyDecision(d director.Decision) {
	if s.ending || d.Action == director.Continue {
		return
	}
	s.logf("director: %s (%s, %s)", d.Action, d.Difficulty, d.Reason)
	s.record(transcript.Entry{Kind: transcript.KindDirector, Detail: fmt.Sprintf("%s: %s", d.Action, d.Reason)})

	switch d.Action {
	case director.SpawnEvent:
		if d.Event == nil {
			return
		}
		s.engine.ApplyEffects(d.Event.Effects, d.Event.Sets)
		if d.Event.Text != "" {
			s.queue.Enqueue(&queue.Item{
				Speaker:      s.sc.Title,
				Text:         d.Event.Text,
				Priority:     queue.Normal,
				Source:       queue.SourceDirector,
				SupersedeKey: eventKey,
			})
		}
	case director.AdjustTone:
		s.tone = d.Tone
	case director.GiveHint:
		s.queue.Enqueue(&queue.Item{
			Speaker:      s.char.Name,
			Text:         d.Hint,
			Priority:     queue.Background,
			Source:       queue.SourceDirector,
			SupersedeKey: hintKey,
		})
	}
}

// end starts the terminal sequence: everything but Critical items is
// dropped and the ending line is queued ahead of anything else. The
// session finishes once that line is delivered.
func (s *Session) end(c *scenario.Condition) {
	if s.ending {
		return
	}
	s.ending = true
	s.sched.Cancel(idleTask)
	s.queue.ClearBackground(queue.Urgent)

	text := c.Ending
	if text == "" {
		text = DefaultEnding
	}
	it := &queue.Item{
		ID:       uuid.NewString(),
		Speaker:  s.sc.Title,
		Text:     text,
		Priority: queue.Critical,
		Source:   queue.SourceEvent,
	}
	s.endingID = it.ID
	s.logf("outcome %s (condition %s)", c.Outcome, c.ID)
	s.queue.Enqueue(it)
}

func (s *Session) finish() {
	outcome := s.engine.Outcome()
	if outcome == nil {
		return
	}
	observability.RecordOutcome(s.sc.ID, outcome.Outcome)
	s.record(transcript.Entry{Kind: transcript.KindOutcome, Detail: outcome.Outcome})
	s.signal(protocol.Outbound{Type: protocol.TypeOutcome, Outcome: outcome.Outcome, Text: outcome.Ending})
	s.saveProfile(outcome.Outcome)
	s.finished = true
}

func (s *Session) saveProfile(outcome string) {
	if s.cfg.Memory == nil || s.cfg.UserID == "" {
		return
	}
	actions := s.engine.RecentActions(1 << 30)
	wins := 0
	for _, a := range actions {
		if a.Success {
			wins++
		}
	}
	p := s.profile
	if p.UserID == "" {
		p = memory.NewProfile(s.cfg.UserID)
	}
	p.Record(memory.SessionResult{
		Scenario:  s.sc.ID,
		Outcome:   outcome,
		Actions:   len(actions),
		Successes: wins,
		At:        s.cfg.Clock().UTC(),
	})

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), profileTimeout)
	defer cancel()
	if err := s.cfg.Memory.Save(ctx, p); err != nil {
		s.logf("saving profile failed: %v", err)
		return
	}
	s.profile = p
}

func (s *Session) onDelivered(it *queue.Item) {
	observability.RecordItemDelivered(it.Priority.String(), it.Source.String())
	s.history = append(s.history, prompt.Turn{Speaker: it.Speaker, Text: it.Text})
	s.record(transcript.Entry{
		Kind:     transcript.KindLine,
		Speaker:  it.Speaker,
		Text:     it.Text,
		Priority: it.Priority.String(),
		Source:   it.Source.String(),
	})
	s.gate.Settled(it.ID)
	if it.ID == s.endingID {
		s.finish()
	}
}

func (s *Session) onCancelled(it *queue.Item, reason string) {
	delete(s.voicing, it.ID)
	observability.RecordItemCancelled(it.Priority.String(), reason)
	s.logf("cancelled %s item %s: %s", it.Priority, shortID(it.ID), reason)
	s.record(transcript.Entry{
		Kind:     transcript.KindCancelled,
		Speaker:  it.Speaker,
		Text:     it.Text,
		Priority: it.Priority.String(),
		Source:   it.Source.String(),
		Detail:   reason,
	})
	if reason != queue.ReasonClosed {
		s.gate.Settled(it.ID)
		s.signal(protocol.Cancelled(it.ID, reason))
	}
}

func (s *Session) record(e transcript.Entry) {
	if e.At.IsZero() {
		e.At = s.cfg.Clock().UTC()
	}
	if err := s.tx.Record(e); err != nil {
		s.logf("transcript write failed: %v", err)
	}
}

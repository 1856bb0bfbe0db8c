// Package memory keeps a small behavioural profile per player across
// sessions. The session reads it at start and writes it back once a
// session reaches an outcome.
package memory

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Profile is what is remembered about one player.
type Profile struct {
	UserID           string         `json:"user_id" firestore:"user_id"`
	SessionsPlayed   int            `json:"sessions_played" firestore:"sessions_played"`
	Outcomes         map[string]int `json:"outcomes,omitempty" firestore:"outcomes,omitempty"`
	ActionsTaken     int            `json:"actions_taken" firestore:"actions_taken"`
	ActionsSucceeded int            `json:"actions_succeeded" firestore:"actions_succeeded"`
	LastScenario     string         `json:"last_scenario,omitempty" firestore:"last_scenario,omitempty"`
	LastOutcome      string         `json:"last_outcome,omitempty" firestore:"last_outcome,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at" firestore:"updated_at"`
}

// SessionResult summarises one finished session.
type SessionResult struct {
	Scenario  string
	Outcome   string
	Actions   int
	Successes int
	At        time.Time
}

// NewProfile returns an empty profile for userID.
func NewProfile(userID string) Profile {
	return Profile{UserID: userID, Outcomes: map[string]int{}}
}

// SuccessRate is the share of actions that succeeded, or 0 with no actions.
func (p Profile) SuccessRate() float64 {
	if p.ActionsTaken == 0 {
		return 0
	}
	return float64(p.ActionsSucceeded) / float64(p.ActionsTaken)
}

// Record folds r into the profile.
func (p *Profile) Record(r SessionResult) {
	if p.Outcomes == nil {
		p.Outcomes = map[string]int{}
	}
	p.SessionsPlayed++
	if r.Outcome != "" {
		p.Outcomes[r.Outcome]++
		p.LastOutcome = r.Outcome
	}
	p.LastScenario = r.Scenario
	p.ActionsTaken += r.Actions
	p.ActionsSucceeded += min(r.Successes, r.Actions)
	p.UpdatedAt = r.At
}

// Summary renders the profile as one line for a prompt. An empty profile
// yields "".
func (p Profile) Summary() string {
	if p.SessionsPlayed == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "played %d session", p.SessionsPlayed)
	if p.SessionsPlayed != 1 {
		b.WriteByte('s')
	}
	if len(p.Outcomes) > 0 {
		labels := make([]string, 0, len(p.Outcomes))
		for k := range p.Outcomes {
			labels = append(labels, k)
		}
		sort.Strings(labels)
		parts := make([]string, len(labels))
		for i, k := range labels {
			parts[i] = fmt.Sprintf("%s %d", k, p.Outcomes[k])
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	if p.LastOutcome != "" {
		fmt.Fprintf(&b, ", last result %s", p.LastOutcome)
	}
	if p.ActionsTaken > 0 {
		fmt.Fprintf(&b, ", %.0f%% of actions succeed", p.SuccessRate()*100)
	}
	return b.String()
}

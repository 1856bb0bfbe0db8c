// Package protocol defines the messages exchanged with a client over the
// per-session outbound channel, and the Sink that carries them.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const Version = "1.0"

// Inbound message types (client -> server).
const (
	TypeMessage = "message"
	TypeAction  = "action"
)

// Outbound message types (server -> client).
const (
	TypeWelcome       = "welcome"
	TypeDialogue      = "dialogue"
	TypeAudio         = "audio"
	TypeThinking      = "thinking"
	TypeInputEnabled  = "input_enabled"
	TypeInputDisabled = "input_disabled"
	TypeCancelled     = "cancelled"
	TypeRejected      = "rejected"
	TypeIgnored       = "ignored"
	TypePhase         = "phase"
	TypeActions       = "actions"
	TypeOutcome       = "outcome"
	TypeError         = "error"
)

// Rejection reasons carried by TypeRejected.
const (
	ReasonInFlight    = "in_flight"
	ReasonOpening     = "opening"
	ReasonRateLimited = "rate_limited"
	ReasonEnded       = "ended"
)

// Error codes carried by TypeError.
const (
	ErrBadRequest = "E_BAD_REQUEST"
	ErrNotFound   = "E_NOT_FOUND"
	ErrInternal   = "E_INTERNAL"
)

// Inbound is a user event.
type Inbound struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Action string `json:"action,omitempty"`
}

// Validate checks that the event is well formed.
func (in Inbound) Validate() error {
	switch in.Type {
	case TypeMessage:
		if strings.TrimSpace(in.Text) == "" {
			return fmt.Errorf("message: empty text")
		}
	case TypeAction:
		if in.Action == "" {
			return fmt.Errorf("action: missing id")
		}
	default:
		return fmt.Errorf("unknown type %q", in.Type)
	}
	return nil
}

// DecodeInbound parses and validates one inbound frame.
func DecodeInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("decode inbound: %w", err)
	}
	if err := in.Validate(); err != nil {
		return Inbound{}, err
	}
	return in, nil
}

// ActionRef describes an action the user may currently take.
type ActionRef struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Outbound is every server -> client frame. Fields are populated per Type.
type Outbound struct {
	Type string `json:"type"`

	SessionID       string `json:"session_id,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	Scenario        string `json:"scenario,omitempty"`
	Character       string `json:"character,omitempty"`

	ID          string `json:"id,omitempty"`
	Speaker     string `json:"speaker,omitempty"`
	Text        string `json:"text,omitempty"`
	Audio       []byte `json:"audio,omitempty"`
	AudioFormat string `json:"audio_format,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Source      string `json:"source,omitempty"`

	Phase   string      `json:"phase,omitempty"`
	Actions []ActionRef `json:"actions,omitempty"`
	Outcome string      `json:"outcome,omitempty"`
	Reason  string      `json:"reason,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// Sink is an ordered, reliable per-session outbound channel. An error from
// Send means the channel is gone.
type Sink interface {
	Send(ctx context.Context, msg Outbound) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, msg Outbound) error

// Send implements Sink.
func (f SinkFunc) Send(ctx context.Context, msg Outbound) error { return f(ctx, msg) }

func Thinking() Outbound      { return Outbound{Type: TypeThinking} }
func InputEnabled() Outbound  { return Outbound{Type: TypeInputEnabled} }
func InputDisabled() Outbound { return Outbound{Type: TypeInputDisabled} }

func Rejected(reason string) Outbound { return Outbound{Type: TypeRejected, Reason: reason} }

func Ignored(action, reason string) Outbound {
	return Outbound{Type: TypeIgnored, ID: action, Reason: reason}
}

func Cancelled(id, reason string) Outbound {
	return Outbound{Type: TypeCancelled, ID: id, Reason: reason}
}

// Speech carries audio for a dialogue line that was sent without it.
func Speech(id string, data []byte, format string) Outbound {
	return Outbound{Type: TypeAudio, ID: id, Audio: data, AudioFormat: format}
}

func Error(code, text string) Outbound {
	return Outbound{Type: TypeError, Code: code, Text: text}
}

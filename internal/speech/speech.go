// Package speech turns finished dialogue lines into audio. Synthesis is
// best effort: callers deliver the text whether or not audio comes back.
package speech

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"
)

// MaxAudioBytes caps one synthesized clip.
const MaxAudioBytes = 4 << 20

// ErrTooLarge is returned when a clip exceeds MaxAudioBytes.
var ErrTooLarge = errors.New("speech: audio exceeds size limit")

// Audio is one synthesized clip.
type Audio struct {
	Data   []byte
	Format string
}

// Synthesizer converts text to speech in the given voice.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (Audio, error)
}

// Noop never produces audio.
type Noop struct{}

// Synthesize returns an empty clip.
func (Noop) Synthesize(context.Context, string, string) (Audio, error) {
	return Audio{}, nil
}

// OpenAI synthesizes with the audio/speech endpoint.
type OpenAI struct {
	client       *openai.Client
	model        openai.SpeechModel
	defaultVoice string
}

// NewOpenAI creates a synthesizer. An empty baseURL uses the public API and
// an empty model uses tts-1.
func NewOpenAI(apiKey, baseURL, model, defaultVoice string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = string(openai.TTSModel1)
	}
	if defaultVoice == "" {
		defaultVoice = string(openai.VoiceAlloy)
	}
	return &OpenAI{
		client:       openai.NewClientWithConfig(cfg),
		model:        openai.SpeechModel(model),
		defaultVoice: defaultVoice,
	}
}

// Synthesize returns an mp3 clip of text.
func (o *OpenAI) Synthesize(ctx context.Context, text, voice string) (Audio, error) {
	if voice == "" {
		voice = o.defaultVoice
	}
	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          o.model,
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return Audio{}, fmt.Errorf("speech: %w", err)
	}
	defer resp.Close()

	data, err := io.ReadAll(io.LimitReader(resp, MaxAudioBytes+1))
	if err != nil {
		return Audio{}, fmt.Errorf("speech: read audio: %w", err)
	}
	if len(data) > MaxAudioBytes {
		return Audio{}, ErrTooLarge
	}
	return Audio{Data: data, Format: "mp3"}, nil
}

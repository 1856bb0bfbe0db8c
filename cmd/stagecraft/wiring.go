package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/aixgo-dev/stagecraft/internal/director"
	"github.com/aixgo-dev/stagecraft/internal/llm/prompt"
	"github.com/aixgo-dev/stagecraft/internal/llm/provider"
	tracing "github.com/aixgo-dev/stagecraft/internal/observability"
	"github.com/aixgo-dev/stagecraft/internal/session"
	"github.com/aixgo-dev/stagecraft/internal/speech"
	"github.com/aixgo-dev/stagecraft/pkg/config"
	"github.com/aixgo-dev/stagecraft/pkg/memory"
	"github.com/aixgo-dev/stagecraft/pkg/observability"
	"github.com/aixgo-dev/stagecraft/pkg/scenario"
)

// deps is everything a session needs beyond its scenario.
type deps struct {
	cfg        *config.Config
	catalog    *scenario.Catalog
	provider   provider.Provider
	speech     speech.Synthesizer
	store      memory.Store
	classifier director.Classifier
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func buildDeps(ctx context.Context, cfg *config.Config) (*deps, error) {
	observability.InitMetrics()
	if err := tracing.Init(tracing.Config{
		ServiceName: cfg.Observability.ServiceName,
		Exporter:    cfg.Observability.Tracing,
		Endpoint:    cfg.Observability.OTLPEndpoint,
		Headers:     cfg.Observability.OTLPHeaders,
		Insecure:    cfg.Observability.OTLPInsecure,
	}); err != nil {
		return nil, err
	}

	catalog, err := scenario.LoadDir(cfg.Scenarios)
	if err != nil {
		return nil, err
	}
	if catalog.Len() == 0 {
		return nil, fmt.Errorf("no scenarios in %s", cfg.Scenarios)
	}
	log.Printf("Loaded %d scenarios from %s: %v", catalog.Len(), cfg.Scenarios, catalog.IDs())

	p, err := buildProvider(cfg.Generation)
	if err != nil {
		return nil, err
	}

	store, err := memory.Open(ctx, cfg.Memory.Store())
	if err != nil {
		return nil, fmt.Errorf("open profile store: %w", err)
	}

	d := &deps{
		cfg:      cfg,
		catalog:  catalog,
		provider: p,
		speech:   buildSpeech(cfg.Speech),
		store:    store,
	}
	if cfg.Session.Classifier {
		d.classifier = director.NewModelClassifier(provider.TextCompleter{
			Provider:  p,
			Model:     cfg.Generation.Model,
			MaxTokens: 8,
		})
	}
	return d, nil
}

func (d *deps) close(ctx context.Context) {
	if err := d.store.Close(); err != nil {
		log.Printf("Profile store close error: %v", err)
	}
	if err := tracing.Shutdown(ctx); err != nil {
		log.Printf("Tracing shutdown error: %v", err)
	}
}

func buildProvider(g config.GenerationConfig) (provider.Provider, error) {
	settings := map[string]any{}
	set := func(key, value string) {
		if value != "" {
			settings[key] = value
		}
	}
	set("api_key", g.APIKey)
	set("model", g.Model)
	set("base_url", g.BaseURL)
	set("region", g.Region)
	set("project_id", g.Project)
	set("location", g.Location)

	p, err := provider.Create(g.Provider, settings)
	if err != nil {
		return nil, fmt.Errorf("create provider %q: %w", g.Provider, err)
	}
	return provider.NewInstrumentedProvider(p), nil
}

func buildSpeech(s config.SpeechConfig) speech.Synthesizer {
	if !s.Enabled {
		return speech.Noop{}
	}
	key := s.APIKey
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	return speech.NewOpenAI(key, s.BaseURL, s.Model, s.Voice)
}

// sessionTemplate maps the session and generation sections onto a session
// config. The hub fills in the per-session fields.
func (d *deps) sessionTemplate() session.Config {
	s, g := d.cfg.Session, d.cfg.Generation
	return session.Config{
		TickInterval:      s.TickInterval,
		DirectorInterval:  s.DirectorInterval,
		Gap:               s.Gap,
		GenerationTimeout: s.GenerationTimeout,
		SpeechTimeout:     s.SpeechTimeout,
		ClassifyTimeout:   s.ClassifyTimeout,
		Prompt:            prompt.Builder{HistoryWindow: s.HistoryWindow, MaxFacts: s.MaxFacts},
		Model:             g.Model,
		Temperature:       g.Temperature,
		MaxTokens:         g.MaxTokens,
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aixgo-dev/stagecraft/internal/session"
	"github.com/aixgo-dev/stagecraft/internal/transport/console"
	"github.com/aixgo-dev/stagecraft/pkg/transcript"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newPlayCmd(configFile *string) *cobra.Command {
	var character, user string
	cmd := &cobra.Command{
		Use:   "play <scenario>",
		Short: "Play a scenario in the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			d, err := buildDeps(ctx, cfg)
			if err != nil {
				return err
			}
			defer d.close(context.WithoutCancel(ctx))
			return play(ctx, d, args[0], character, user)
		},
	}
	cmd.Flags().StringVar(&character, "character", "", "character to talk to (default: the scenario's first)")
	cmd.Flags().StringVar(&user, "user", os.Getenv("USER"), "profile id in long-term memory")
	return cmd
}

func play(ctx context.Context, d *deps, scenarioID, character, user string) error {
	sc, err := d.catalog.Get(scenarioID)
	if err != nil {
		return err
	}
	sink := console.NewSink(os.Stdout)

	cfg := d.sessionTemplate()
	cfg.ID = uuid.NewString()
	cfg.Scenario = sc
	cfg.Character = character
	cfg.UserID = user
	cfg.Sink = sink
	cfg.Provider = d.provider
	cfg.Speech = d.speech
	cfg.Memory = d.store
	cfg.Classifier = d.classifier
	if dir := d.cfg.Transcript.Dir; dir != "" {
		w, err := transcript.Create(transcript.Path(dir, sc.ID, cfg.ID, time.Now()))
		if err != nil {
			return err
		}
		cfg.Transcript = w
	}
	s, err := session.New(cfg)
	if err != nil {
		if cfg.Transcript != nil {
			_ = cfg.Transcript.Close()
		}
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	line := console.NewLiner(sink)
	err = console.Play(ctx, s, line, os.Stdout)
	line.Close()
	cancel()

	if rerr := <-runErr; rerr != nil && !errors.Is(rerr, context.Canceled) && err == nil {
		err = fmt.Errorf("session: %w", rerr)
	}
	return err
}

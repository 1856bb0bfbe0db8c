package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aixgo-dev/stagecraft/pkg/config"
	"github.com/aixgo-dev/stagecraft/pkg/scenario"
	"github.com/spf13/cobra"
)

func newValidateCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file or dir ...]",
		Short: "Load and compile scenario files",
		Long:  "Load and compile scenario files. With no arguments the configured scenarios directory is checked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				cfg, err := config.LoadConfig(*configFile)
				if err != nil {
					return err
				}
				args = []string{cfg.Scenarios}
			}
			files, err := scenarioFiles(args)
			if err != nil {
				return err
			}
			bad := 0
			for _, f := range files {
				sc, err := scenario.LoadFile(f)
				if err != nil {
					bad++
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", f, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok   %s (%s: %d phases, %d actions, %d characters)\n",
					f, sc.ID, len(sc.Phases), len(sc.Actions), len(sc.Characters))
			}
			if bad > 0 {
				return fmt.Errorf("%d of %d scenario files failed", bad, len(files))
			}
			return nil
		},
	}
}

func scenarioFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
				files = append(files, filepath.Join(p, e.Name()))
			}
		}
	}
	return files, nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command modelgraph edits, validates and optimizes a model graph kept in a
// local badger archive.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/AleutianAI/modelgraph/services/modelgraph/config"
	"github.com/AleutianAI/modelgraph/services/modelgraph/session"
	"github.com/spf13/cobra"
)

// defaultArchivePath is used when neither the config nor --archive names
// one.
const defaultArchivePath = ".modelgraph"

var (
	configPath  string
	archivePath string
	jsonOutput  bool
)

var rootCmd = &cobra.Command{
	Use:   "modelgraph",
	Short: "Edit, validate and optimize a systems-engineering model graph",
	Long: `modelgraph keeps a versioned model graph in a local archive.

Every command restores the archive, runs, and saves the result back, so
uncommitted changes survive between invocations until 'commit'.

Examples:
  modelgraph import model.json
  modelgraph apply changes.yaml
  modelgraph status
  modelgraph detect --json
  modelgraph optimize --max-iterations 20 --promote 1
  modelgraph commit`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&archivePath, "archive", "",
		"Archive directory (overrides archive.path)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output as JSON for scripting")

	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(optimizeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig resolves the configuration for one invocation.
//
// Background validation is turned off: a command runs detection itself
// when it needs it.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if archivePath != "" {
		cfg.Archive.Path = archivePath
		cfg.Archive.InMemory = false
	}
	if cfg.Archive.Path == "" && !cfg.Archive.InMemory {
		cfg.Archive.Path = defaultArchivePath
	}
	cfg.Validation.Enabled = false
	cfg.Detect.Watch = false
	return cfg, nil
}

// withSession opens the archive, restores it, runs fn and closes the
// session. When save is set the state is written back after fn succeeds.
// tweaks adjust the configuration before the session opens.
func withSession(cmd *cobra.Command, save bool, fn func(ctx context.Context, s *session.Session) error, tweaks ...func(*config.Config)) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	for _, tweak := range tweaks {
		tweak(&cfg)
	}
	logger := cfg.Log.NewLogger(cmd.ErrOrStderr())

	s, err := session.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if cerr := s.Close(context.Background()); cerr != nil {
			logger.Warn("close session failed", slog.String("error", cerr.Error()))
		}
	}()

	if _, err := s.Restore(ctx); err != nil {
		return err
	}
	if err := fn(ctx, s); err != nil {
		return err
	}
	if save {
		return s.Save(ctx)
	}
	return nil
}

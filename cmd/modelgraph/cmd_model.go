// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/AleutianAI/modelgraph/services/modelgraph/changes"
	"github.com/AleutianAI/modelgraph/services/modelgraph/config"
	"github.com/AleutianAI/modelgraph/services/modelgraph/detect"
	"github.com/AleutianAI/modelgraph/services/modelgraph/mutation"
	"github.com/AleutianAI/modelgraph/services/modelgraph/optimize"
	"github.com/AleutianAI/modelgraph/services/modelgraph/persist"
	"github.com/AleutianAI/modelgraph/services/modelgraph/session"
	"github.com/spf13/cobra"
)

// errViolationsFound is returned by detect --fail-on-violations.
var errViolationsFound = errors.New("violations found")

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	// Detect-specific
	detectFailOnViolations bool

	// Optimize-specific
	optimizeMaxIterations int
	optimizeMaxCandidates int
	optimizeTimeLimit     time.Duration
	optimizePromote       int
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

// importCmd replaces the archived graph with a rows file.
var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Replace the graph with an exported rows file",
	Long: `Replace the archived graph with the nodes and edges of a rows file
and commit the result. Use "-" to read from stdin.

Examples:
  modelgraph import model.json
  modelgraph export | modelgraph import --archive other -`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

// exportCmd writes the current graph as a rows file.
var exportCmd = &cobra.Command{
	Use:   "export [FILE]",
	Short: "Write the current graph as a rows file",
	Long: `Write the current graph, committed or not, as JSON rows. Without FILE
the rows go to stdout.

Examples:
  modelgraph export
  modelgraph export model.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExport,
}

// applyCmd applies a mutation document.
var applyCmd = &cobra.Command{
	Use:   "apply FILE",
	Short: "Apply a mutation document",
	Long: `Apply a JSON mutation document atomically. Either every op is
applied or none is. Use "-" to read from stdin.

Examples:
  modelgraph apply changes.json
  cat changes.json | modelgraph apply -`,
	Args: cobra.ExactArgs(1),
	RunE: runApply,
}

// statusCmd reports uncommitted changes.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show changes since the last commit",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

// commitCmd commits the current state.
var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Make the current state the baseline",
	Args:  cobra.NoArgs,
	RunE:  runCommit,
}

// detectCmd validates the graph.
var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Validate the graph against the rule catalog",
	Long: `Run every enabled rule of the configured catalog against the current
graph and list the violations.

Examples:
  modelgraph detect --config modelgraph.yaml
  modelgraph detect --json
  modelgraph detect --fail-on-violations`,
	Args: cobra.NoArgs,
	RunE: runDetect,
}

// optimizeCmd searches for better variants.
var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Search for variants that fix violations",
	Long: `Run the optimizer over the current graph and print the Pareto front.
With --promote N the Nth front member (1-based) is applied to the graph
and saved as uncommitted changes.

Examples:
  modelgraph optimize --max-iterations 20
  modelgraph optimize --time-limit 30s --promote 1`,
	Args: cobra.NoArgs,
	RunE: runOptimize,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	detectCmd.Flags().BoolVar(&detectFailOnViolations, "fail-on-violations", false,
		"Exit with error if any violation is found")

	optimizeCmd.Flags().IntVar(&optimizeMaxIterations, "max-iterations", 0,
		"Maximum search iterations (0 = config)")
	optimizeCmd.Flags().IntVar(&optimizeMaxCandidates, "max-candidates", 0,
		"Maximum evaluated candidates (0 = config)")
	optimizeCmd.Flags().DurationVar(&optimizeTimeLimit, "time-limit", 0,
		"Wall-clock limit (0 = config)")
	optimizeCmd.Flags().IntVar(&optimizePromote, "promote", 0,
		"Promote the Nth front member (1-based, 0 = none)")
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func runImport(cmd *cobra.Command, args []string) error {
	r, closeFn, err := openInput(cmd, args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	rows, err := persist.ReadJSON(r)
	if err != nil {
		return err
	}
	return withSession(cmd, true, func(ctx context.Context, s *session.Session) error {
		if err := s.Import(ctx, rows); err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), map[string]int{"nodes": len(rows.Nodes), "edges": len(rows.Edges)})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d nodes and %d edges\n", len(rows.Nodes), len(rows.Edges))
		return nil
	})
}

func runExport(cmd *cobra.Command, args []string) error {
	return withSession(cmd, false, func(_ context.Context, s *session.Session) error {
		rows := s.Export()
		if len(args) == 0 || args[0] == "-" {
			return persist.WriteJSON(cmd.OutOrStdout(), rows)
		}
		f, err := os.Create(args[0])
		if err != nil {
			return fmt.Errorf("create %s: %w", args[0], err)
		}
		if err := persist.WriteJSON(f, rows); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
}

func runApply(cmd *cobra.Command, args []string) error {
	r, closeFn, err := openInput(cmd, args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	doc, err := mutation.Decode(r)
	if err != nil {
		return err
	}
	return withSession(cmd, true, func(ctx context.Context, s *session.Session) error {
		res, err := s.Apply(ctx, doc)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"ops":          len(res.Results),
				"from_version": res.FromVersion,
				"to_version":   res.ToVersion,
			})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Applied %d ops (version %d -> %d)\n",
			len(res.Results), res.FromVersion, res.ToVersion)
		return nil
	})
}

func runStatus(cmd *cobra.Command, _ []string) error {
	return withSession(cmd, false, func(_ context.Context, s *session.Session) error {
		summary := s.Status()
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), summary)
		}
		outputStatusText(cmd.OutOrStdout(), summary)
		return nil
	})
}

func runCommit(cmd *cobra.Command, _ []string) error {
	return withSession(cmd, true, func(_ context.Context, s *session.Session) error {
		changed := s.Status().Total()
		version := s.Commit()
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), map[string]any{"version": version, "changes": changed})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Committed %d changes at version %d\n", changed, version)
		return nil
	})
}

func runDetect(cmd *cobra.Command, _ []string) error {
	return withSession(cmd, false, func(ctx context.Context, s *session.Session) error {
		violations, err := s.Detect(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			if err := writeJSON(cmd.OutOrStdout(), violations); err != nil {
				return err
			}
		} else {
			outputViolationsText(cmd.OutOrStdout(), violations)
		}
		if detectFailOnViolations && len(violations) > 0 {
			return fmt.Errorf("%w: %d", errViolationsFound, len(violations))
		}
		return nil
	})
}

func runOptimize(cmd *cobra.Command, _ []string) error {
	budget := func(cfg *config.Config) {
		if optimizeMaxIterations > 0 {
			cfg.Optimizer.Budget.MaxIterations = optimizeMaxIterations
		}
		if optimizeMaxCandidates > 0 {
			cfg.Optimizer.Budget.MaxCandidates = optimizeMaxCandidates
		}
		if optimizeTimeLimit > 0 {
			cfg.Optimizer.Budget.TimeLimit = optimizeTimeLimit
		}
	}
	if optimizePromote < 0 {
		return errors.New("--promote must not be negative")
	}

	return withSession(cmd, optimizePromote > 0, func(ctx context.Context, s *session.Session) error {
		res, err := s.Optimize(ctx, nil)
		if err != nil {
			return err
		}
		ids := res.VariantIDs()
		defer s.Discard(context.Background(), ids...)

		if optimizePromote > len(res.Front) {
			return fmt.Errorf("--promote %d: front has %d members", optimizePromote, len(res.Front))
		}
		if optimizePromote > 0 {
			chosen := res.Front[optimizePromote-1]
			if _, err := s.Promote(ctx, chosen.VariantID); err != nil {
				return fmt.Errorf("promote variant %s: %w", chosen.VariantID, err)
			}
		}

		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), res)
		}
		outputOptimizeText(cmd.OutOrStdout(), res, optimizePromote)
		return nil
	}, budget)
}

// =============================================================================
// OUTPUT HELPERS
// =============================================================================

// openInput opens path for reading; "-" is stdin.
func openInput(cmd *cobra.Command, path string) (io.Reader, func(), error) {
	if path == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, func() { f.Close() }, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func outputStatusText(w io.Writer, summary changes.Summary) {
	if summary.Empty() {
		fmt.Fprintln(w, "No uncommitted changes")
		return
	}
	groups := []struct {
		label   string
		entries []changes.Entry
	}{
		{"added", summary.Added},
		{"modified", summary.Modified},
		{"deleted", summary.Deleted},
	}
	for _, g := range groups {
		for _, e := range g.entries {
			name := e.SemanticID
			if name == "" {
				name = e.ID
			}
			fmt.Fprintf(w, "%-9s %-5s %-24s %s\n", g.label, e.Kind, name, e.Type)
		}
	}
	fmt.Fprintf(w, "\n%d added, %d modified, %d deleted\n",
		len(summary.Added), len(summary.Modified), len(summary.Deleted))
}

func outputViolationsText(w io.Writer, violations []detect.Violation) {
	if len(violations) == 0 {
		fmt.Fprintln(w, "No violations")
		return
	}
	for _, v := range violations {
		line := fmt.Sprintf("%-8s %-24s score=%.2f %v", v.Severity, v.RuleID, v.Score, v.AffectedElementIDs)
		if v.SuggestedOperator != "" {
			line += " suggest=" + string(v.SuggestedOperator)
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "\n%d violations (weighted %.2f)\n", len(violations), detect.WeightedCount(violations))
}

func outputOptimizeText(w io.Writer, res *optimize.Result, promoted int) {
	fmt.Fprintf(w, "Stopped: %s after %d iterations, %d candidates evaluated in %s\n",
		res.Reason, res.Iterations, res.Evaluated, res.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Accepted %d, rejected %d, invalid %d\n\n", res.Accepted, res.Rejected, res.Invalid)
	for i, c := range res.Front {
		marker := " "
		if i+1 == promoted {
			marker = "*"
		}
		fmt.Fprintf(w, "%s%2d  %s  moves=%d\n", marker, i+1, c.Score, len(c.Moves))
		for _, m := range c.Moves {
			fmt.Fprintf(w, "      %s\n", m)
		}
	}
	if promoted > 0 {
		fmt.Fprintf(w, "\nPromoted front member %d\n", promoted)
	}
}

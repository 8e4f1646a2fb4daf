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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/modelgraph/services/modelgraph/changes"
	"github.com/AleutianAI/modelgraph/services/modelgraph/persist"
)

const testCatalog = `version: 1
rules:
  - id: func_merge_candidate
    severity: warning
    weight: 1.0
    operator: MERGE
    matcher:
      kind: embedding_threshold
      node_type: FUNC
      merge_threshold: 0.70
      duplicate_threshold: 0.85
`

const testDoc = `{
  "workspace": "acme",
  "system": "drone",
  "ops": [
    {"op": "add_node", "node": {"semantic_id": "A.FN.001", "type": "FUNC", "name": "process customer data"}},
    {"op": "add_node", "node": {"semantic_id": "B.FN.001", "type": "FUNC", "name": "Process customer-data"}},
    {"op": "add_node", "node": {"semantic_id": "C.CMP.001", "type": "COMP", "name": "flight computer"}},
    {"op": "add_edge", "edge": {"source": {"semantic_id": "A.FN.001"}, "target": {"semantic_id": "C.CMP.001"}, "type": "allocate"}},
    {"op": "add_edge", "edge": {"source": {"semantic_id": "B.FN.001"}, "target": {"semantic_id": "C.CMP.001"}, "type": "flow"}}
  ]
}`

// cliEnv holds the files of one test workspace.
type cliEnv struct {
	dir     string
	config  string
	archive string
}

func newCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(testCatalog), 0o644))

	configPath := filepath.Join(dir, "modelgraph.yaml")
	cfg := "detect:\n  catalog: " + catalogPath + "\nlog:\n  level: warn\n"
	require.NoError(t, os.WriteFile(configPath, []byte(cfg), 0o644))

	return cliEnv{dir: dir, config: configPath, archive: filepath.Join(dir, "archive")}
}

func (e cliEnv) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// run executes one command line against the environment's archive.
func (e cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(append(args, "--config", e.config, "--archive", e.archive))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func resetFlags() {
	configPath = ""
	archivePath = ""
	jsonOutput = false
	detectFailOnViolations = false
	optimizeMaxIterations = 0
	optimizeMaxCandidates = 0
	optimizeTimeLimit = 0
	optimizePromote = 0
}

func statusOf(t *testing.T, e cliEnv) changes.Summary {
	t.Helper()
	out, err := e.run(t, "status", "--json")
	require.NoError(t, err)
	var summary changes.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	return summary
}

func TestCLI_Workflow(t *testing.T) {
	env := newCLIEnv(t)
	docPath := env.write(t, "seed.json", testDoc)

	out, err := env.run(t, "apply", docPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Applied 5 ops")

	t.Run("uncommitted changes survive between invocations", func(t *testing.T) {
		assert.Len(t, statusOf(t, env).Added, 5)
	})

	t.Run("detect reports the merge candidate", func(t *testing.T) {
		out, err := env.run(t, "detect", "--fail-on-violations")
		require.ErrorIs(t, err, errViolationsFound)
		assert.Contains(t, out, "func_merge_candidate")
		assert.Contains(t, out, "suggest=MERGE")
	})

	out, err = env.run(t, "commit")
	require.NoError(t, err)
	assert.Contains(t, out, "Committed 5 changes")
	assert.True(t, statusOf(t, env).Empty())

	t.Run("promote out of range", func(t *testing.T) {
		_, err := env.run(t, "optimize", "--max-iterations", "5", "--promote", "9")
		require.Error(t, err)
		assert.True(t, statusOf(t, env).Empty(), "nothing saved")
	})

	out, err = env.run(t, "optimize", "--max-iterations", "5", "--promote", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Promoted front member 1")
	assert.Contains(t, out, "MERGE")

	status := statusOf(t, env)
	assert.Len(t, status.Added, 1, "merged node")
	assert.Len(t, status.Deleted, 2, "originals")

	out, err = env.run(t, "detect", "--fail-on-violations")
	require.NoError(t, err)
	assert.Contains(t, out, "No violations")
}

func TestCLI_ExportImport(t *testing.T) {
	src := newCLIEnv(t)
	_, err := src.run(t, "apply", src.write(t, "seed.json", testDoc))
	require.NoError(t, err)

	rowsPath := filepath.Join(src.dir, "rows.json")
	_, err = src.run(t, "export", rowsPath)
	require.NoError(t, err)

	f, err := os.Open(rowsPath)
	require.NoError(t, err)
	rows, err := persist.ReadJSON(f)
	f.Close()
	require.NoError(t, err)
	assert.Len(t, rows.Nodes, 3)
	assert.Len(t, rows.Edges, 2)

	dst := newCLIEnv(t)
	out, err := dst.run(t, "import", rowsPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 3 nodes and 2 edges")
	assert.True(t, statusOf(t, dst).Empty(), "import commits")

	out, err = dst.run(t, "export")
	require.NoError(t, err)
	exported, err := persist.ReadJSON(strings.NewReader(out))
	require.NoError(t, err)
	assert.ElementsMatch(t, semanticIDs(rows), semanticIDs(exported))
}

func semanticIDs(rows persist.Rows) []string {
	ids := make([]string, len(rows.Nodes))
	for i, n := range rows.Nodes {
		ids[i] = n.SemanticID
	}
	return ids
}

func TestCLI_Errors(t *testing.T) {
	env := newCLIEnv(t)

	t.Run("missing file", func(t *testing.T) {
		_, err := env.run(t, "apply", filepath.Join(env.dir, "nope.json"))
		require.Error(t, err)
	})

	t.Run("invalid document", func(t *testing.T) {
		_, err := env.run(t, "apply", env.write(t, "bad.json", `{"workspace": "acme", "ops": []}`))
		require.Error(t, err)
	})

	t.Run("rejected batch leaves archive empty", func(t *testing.T) {
		doc := `{"workspace": "acme", "system": "drone", "ops": [
		  {"op": "add_node", "node": {"semantic_id": "A.FN.001", "type": "FUNC", "name": "a"}},
		  {"op": "add_node", "node": {"semantic_id": "A.FN.001", "type": "FUNC", "name": "b"}}
		]}`
		_, err := env.run(t, "apply", env.write(t, "dup.json", doc))
		require.Error(t, err)
		assert.True(t, statusOf(t, env).Empty())
	})

	t.Run("empty archive status", func(t *testing.T) {
		out, err := env.run(t, "status")
		require.NoError(t, err)
		assert.Contains(t, out, "No uncommitted changes")
	})
}

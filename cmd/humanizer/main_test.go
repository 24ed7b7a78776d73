package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/humanizer/internal/aggression"
	"github.com/fyrsmithlabs/humanizer/internal/config"
	"github.com/fyrsmithlabs/humanizer/internal/logging"
	"github.com/fyrsmithlabs/humanizer/internal/stage"
	"github.com/fyrsmithlabs/humanizer/internal/state"
)

// stageBackend serves the three required stages with fixed answers.
func stageBackend(t *testing.T, detection float64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(v))
	}
	mux.HandleFunc("/paraphrase", func(w http.ResponseWriter, r *http.Request) {
		var req stage.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		reply(w, map[string]any{
			"output":      map[string]any{"processed_text": "humanized " + req.Text},
			"token_usage": map[string]int{"total_tokens": 12},
		})
	})
	mux.HandleFunc("/detect", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, map[string]any{"detection_score": detection, "originality_score": 100 - detection})
	})
	mux.HandleFunc("/validate", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, map[string]any{"quality_score": 9.0, "semantic_similarity": 0.93})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type env struct {
	dir    string
	config string
	output string
}

// newEnv writes a config file pointing at backendURL. Required stages
// listed in skip get no endpoint.
func newEnv(t *testing.T, backendURL string, skip ...string) *env {
	t.Helper()
	dir := t.TempDir()
	endpoints := map[string]string{
		"paraphrase":      backendURL + "/paraphrase",
		"detection_score": backendURL + "/detect",
		"validate":        backendURL + "/validate",
	}
	for _, s := range skip {
		delete(endpoints, s)
	}
	var eps strings.Builder
	for name, u := range endpoints {
		fmt.Fprintf(&eps, "    %s: %s\n", name, u)
	}
	yaml := fmt.Sprintf(`loop:
  max_iterations: 3
retry:
  max_retries: 1
  retry_delay: 0s
storage:
  checkpoint_dir: %[1]s/checkpoints
  backup_dir: %[1]s/checkpoints/backups
  lock_timeout: 1s
stages:
  requests_per_second: 1000
  burst: 10
  endpoints:
%[2]sinjection:
  enabled: false
logging:
  level: error
`, dir, eps.String())
	path := filepath.Join(dir, "humanizer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return &env{dir: dir, config: path, output: filepath.Join(dir, "out")}
}

func (e *env) input(t *testing.T, name, text string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(text), 0o600))
	return path
}

func (e *env) store(t *testing.T) *state.Store {
	t.Helper()
	st, err := state.NewStore(state.Options{
		CheckpointDir: filepath.Join(e.dir, "checkpoints"),
		BackupDir:     filepath.Join(e.dir, "checkpoints", "backups"),
		Locker:        state.NopLocker{},
	})
	require.NoError(t, err)
	return st
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVersion(t *testing.T) {
	code, out, _ := run(t, "version")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "Version:    dev")
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"run", "list", "status", "delete", "restore", "serve", "watch", "mcp", "version"} {
		assert.Contains(t, names, want)
	}
}

func TestRunWorkflowEndToEnd(t *testing.T) {
	e := newEnv(t, stageBackend(t, 15).URL)
	input := e.input(t, "fox.txt", "The quick brown fox jumps over the lazy dog.")

	code, out, stderr := run(t, "run", "--config", e.config, "--input", input,
		"--output", e.output, "--workflow-id", "wf-cli")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, out, "Status:      completed")
	assert.Contains(t, out, "Exit reason: quality_gate")
	assert.Contains(t, out, "Final score: 15.0")
	assert.Contains(t, stderr, "detection_score completed")

	text, err := os.ReadFile(filepath.Join(e.output, "wf-cli.txt"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(text), "humanized "), string(text))

	data, err := os.ReadFile(filepath.Join(e.output, "wf-cli_report.json"))
	require.NoError(t, err)
	var report struct {
		Result struct {
			ExitReason string `json:"exit_reason"`
			Iterations int    `json:"iterations"`
		} `json:"result"`
		Summary struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"summary"`
		Log []json.RawMessage `json:"processing_log"`
	}
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, "quality_gate", report.Result.ExitReason)
	assert.Equal(t, 1, report.Result.Iterations)
	assert.Equal(t, 12, report.Summary.TotalTokens)
	assert.Len(t, report.Log, 1)

	code, out, _ = run(t, "list", "--config", e.config)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "wf-cli")
	assert.Contains(t, out, "1/3")

	code, out, _ = run(t, "status", "--config", e.config, "wf-cli")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "Latest score: 15.0")

	code, out, _ = run(t, "restore", "--config", e.config, "wf-cli")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "wf-cli_")

	code, out, _ = run(t, "watch", "--config", e.config, "--once", "wf-cli")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "COMPLETED")
	assert.Contains(t, out, "1/3")

	// Resuming a finished workflow reruns nothing.
	code, out, stderr = run(t, "run", "--config", e.config, "--resume", "wf-cli", "--output", e.output)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, out, "Iterations:  1")

	code, _, _ = run(t, "delete", "--config", e.config, "--backups", "wf-cli")
	assert.Equal(t, exitOK, code)
	code, _, stderr = run(t, "status", "--config", e.config, "wf-cli")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "not found")
}

func TestRunInputErrors(t *testing.T) {
	e := newEnv(t, stageBackend(t, 15).URL)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no input", []string{"run", "--config", e.config}, "--input is required"},
		{"missing file", []string{"run", "--config", e.config, "--input", filepath.Join(e.dir, "nope.txt")}, "read input"},
		{"empty text", []string{"run", "--config", e.config, "--input", e.input(t, "blank.txt", "   "), "--output", e.output}, "invalid text"},
		{"bad workflow id", []string{"run", "--config", e.config, "--input", e.input(t, "input.txt", "text"), "--workflow-id", "../escape"}, "invalid"},
		{"unknown resume", []string{"run", "--config", e.config, "--resume", "ghost"}, "not found"},
		{"input and resume", []string{"run", "--config", e.config, "--input", "a", "--resume", "b"}, "none of the others"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := run(t, tt.args...)
			assert.Equal(t, exitError, code)
			assert.Contains(t, stderr, tt.want)
		})
	}
}

func TestRunMissingRequiredStage(t *testing.T) {
	e := newEnv(t, stageBackend(t, 15).URL, "validate")
	code, _, stderr := run(t, "run", "--config", e.config, "--input", e.input(t, "input.txt", "text"), "--output", e.output)
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "required stages: validate")
}

func TestRunStopsAtMaxIterations(t *testing.T) {
	// Scores that never reach the target but keep improving by more than 2%.
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/paraphrase", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"processed_text":"rewritten"}`))
	})
	mux.HandleFunc("/detect", func(w http.ResponseWriter, _ *http.Request) {
		n := calls.Add(1)
		fmt.Fprintf(w, `{"detection_score":%d}`, 80-n*10)
	})
	mux.HandleFunc("/validate", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"quality_score":9}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	e := newEnv(t, srv.URL)
	code, out, stderr := run(t, "run", "--config", e.config, "--input", e.input(t, "input.txt", "text"),
		"--output", e.output, "--workflow-id", "wf-max")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, out, "Exit reason: max_iterations")
	assert.Contains(t, out, "Iterations:  3")
	assert.Equal(t, int32(3), calls.Load())
}

func TestStatusExitsTwoWhenCompletedWithErrors(t *testing.T) {
	e := newEnv(t, stageBackend(t, 15).URL)
	ctx := context.Background()
	store := e.store(t)

	_, err := store.CreateWorkflow(ctx, "wf-warn", "text", 20, 3)
	require.NoError(t, err)
	_, err = store.StartIteration(ctx, 1, aggression.Moderate)
	require.NoError(t, err)
	require.NoError(t, store.UpdateIteration(ctx, state.IterationUpdate{
		Component: string(stage.Perplexity),
		Error:     "perplexity backend unavailable",
	}))
	require.NoError(t, store.UpdateIteration(ctx, state.IterationUpdate{
		Component: string(stage.DetectionScore),
		Scores:    map[string]float64{state.ScoreDetection: 10},
	}))
	require.NoError(t, store.CompleteIteration(ctx, "done"))
	require.NoError(t, store.CompleteWorkflow(ctx, map[string]float64{state.FinalWeighted: 10}, state.StatusCompleted, "quality_gate"))

	code, out, _ := run(t, "status", "--config", e.config, "--json", "wf-warn")
	assert.Equal(t, exitWarnings, code)
	var sum state.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, 1, sum.ErrorCount)
}

func TestBuildStages(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	cfg.Stages.Endpoints = map[string]string{
		"paraphrase":      "http://localhost:1/p",
		"detection_score": "http://localhost:1/d",
		"validate":        "http://localhost:1/v",
	}
	cfg.Loop.ReferenceStyle = true

	logger := logging.NewTestLogger()
	set, err := buildStages(ctx, cfg, logger.Logger)
	require.NoError(t, err)
	assert.Empty(t, set.Missing(stage.Pipeline(true)))

	resp, err := set[stage.FingerprintRemove].Run(ctx, stage.Request{Text: "unchanged"})
	require.NoError(t, err)
	assert.Equal(t, "unchanged", resp.Text(""))
	assert.Equal(t, 6, logger.Count(zapcore.WarnLevel, "passing text through"))

	cfg.Stages.Endpoints["bogus"] = "http://localhost:1/b"
	_, err = buildStages(ctx, cfg, logging.NewNop())
	assert.ErrorContains(t, err, "bogus")

	cfg = config.Default()
	cfg.Stages.LLM.Enabled = true
	_, err = buildStages(ctx, cfg, logging.NewNop())
	assert.ErrorContains(t, err, "api key required")
}

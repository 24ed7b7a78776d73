package mcp

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/humanizer/internal/aggression"
	"github.com/fyrsmithlabs/humanizer/internal/orchestrator"
	"github.com/fyrsmithlabs/humanizer/internal/state"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Run(ctx context.Context, req orchestrator.RunRequest) (*orchestrator.Result, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*orchestrator.Result)
	return res, args.Error(1)
}

// newTestStore returns a store holding a completed workflow "done" and an
// in-progress workflow "running", created in that order.
func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store, err := state.NewStore(state.Options{
		CheckpointDir: dir,
		BackupDir:     filepath.Join(dir, "backups"),
		Locker:        state.NopLocker{},
		Clock: func() time.Time {
			now = now.Add(time.Second)
			return now
		},
	})
	require.NoError(t, err)

	_, err = store.CreateWorkflow(ctx, "done", "text", 20, 3)
	require.NoError(t, err)
	_, err = store.StartIteration(ctx, 1, aggression.Moderate)
	require.NoError(t, err)
	require.NoError(t, store.UpdateIteration(ctx, state.IterationUpdate{
		Component: "detection_score",
		Scores:    map[string]float64{state.ScoreDetection: 14},
	}))
	require.NoError(t, store.CompleteIteration(ctx, "rewritten"))
	require.NoError(t, store.CompleteWorkflow(ctx, map[string]float64{state.FinalWeighted: 14}, state.StatusCompleted, "quality_gate"))

	_, err = store.CreateWorkflow(ctx, "running", "text", 20, 3)
	require.NoError(t, err)
	return store
}

func TestNewServer(t *testing.T) {
	store := newTestStore(t)

	t.Run("nil config uses defaults", func(t *testing.T) {
		s, err := NewServer(nil, store, nil)
		require.NoError(t, err)
		assert.NotNil(t, s.mcp)
		assert.NotNil(t, s.metrics)
		assert.Nil(t, s.runner)
	})

	t.Run("store required", func(t *testing.T) {
		_, err := NewServer(DefaultConfig(), nil, nil)
		assert.ErrorContains(t, err, "store is required")
	})

	t.Run("runner needs id generator", func(t *testing.T) {
		_, err := NewServer(DefaultConfig(), store, &mockRunner{})
		assert.ErrorContains(t, err, "id generator")
	})

	t.Run("with runner", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.NewID = func() string { return "generated" }
		s, err := NewServer(cfg, store, &mockRunner{})
		require.NoError(t, err)
		assert.NotNil(t, s.runner)
	})
}

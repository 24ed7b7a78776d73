package state

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/humanizer/internal/aggression"
	"github.com/fyrsmithlabs/humanizer/internal/logging"
	"github.com/fyrsmithlabs/humanizer/internal/telemetry"
)

// recordingLocker records lock calls and delegates to a FileLocker.
type recordingLocker struct {
	mu     sync.Mutex
	calls  []string
	inner  Locker
	failOn string
}

func (r *recordingLocker) record(kind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, kind)
	if r.failOn == kind {
		return ErrLockTimeout
	}
	return nil
}

func (r *recordingLocker) Lock(ctx context.Context, path string) (Unlock, error) {
	if err := r.record("lock"); err != nil {
		return nil, err
	}
	return r.inner.Lock(ctx, path)
}

func (r *recordingLocker) RLock(ctx context.Context, path string) (Unlock, error) {
	if err := r.record("rlock"); err != nil {
		return nil, err
	}
	return r.inner.RLock(ctx, path)
}

func (r *recordingLocker) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// fakeClock advances one millisecond per call.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newTestStore(t *testing.T, mutate ...func(*Options)) *Store {
	t.Helper()
	dir := t.TempDir()
	opts := Options{
		CheckpointDir: filepath.Join(dir, "checkpoints"),
		BackupDir:     filepath.Join(dir, "backups"),
		LockTimeout:   time.Second,
		Clock:         newFakeClock().Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	s, err := NewStore(opts)
	require.NoError(t, err)
	return s
}

func TestCreateWorkflow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	st, err := s.CreateWorkflow(ctx, "wf-1", "some text", 20, 3)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, st.SchemaVersion)
	assert.Equal(t, "some text", st.OriginalText)
	assert.Equal(t, "some text", st.CurrentText)
	assert.Equal(t, StatusInProgress, st.Status)
	assert.Equal(t, 0, st.CurrentIteration)
	assert.Empty(t, st.Iterations)
	assert.Nil(t, st.CompletedAt)

	_, err = os.Stat(s.CheckpointPath("wf-1"))
	require.NoError(t, err)

	t.Run("duplicate", func(t *testing.T) {
		_, err := s.CreateWorkflow(ctx, "wf-1", "other", 20, 3)
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("invalid id", func(t *testing.T) {
		for _, id := range []string{"", "../escape", "has space", "a/b"} {
			_, err := s.CreateWorkflow(ctx, id, "x", 20, 3)
			assert.ErrorIs(t, err, ErrInvalidID, id)
		}
	})

	t.Run("invalid max iterations", func(t *testing.T) {
		_, err := s.CreateWorkflow(ctx, "wf-2", "x", 20, 0)
		assert.Error(t, err)
	})
}

func TestLoadWorkflowRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.CreateWorkflow(ctx, "wf", "text", 20, 3)
	require.NoError(t, err)
	_, err = s.StartIteration(ctx, 1, aggression.Moderate)
	require.NoError(t, err)
	require.NoError(t, s.UpdateIteration(ctx, IterationUpdate{
		Component:  "paraphrase",
		Output:     map[string]string{"processed_text": "new text"},
		TokenUsage: TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}))
	require.NoError(t, s.UpdateIteration(ctx, IterationUpdate{
		Component: "detection_score",
		Scores:    map[string]float64{ScoreDetection: 50, ScoreOriginality: 52, "perplexity": 31.5},
	}))
	require.NoError(t, s.CompleteIteration(ctx, "new text"))

	other := newTestStore(t, func(o *Options) {
		o.CheckpointDir = s.dir
		o.BackupDir = s.backupDir
	})
	st, err := other.LoadWorkflow(ctx, "wf")
	require.NoError(t, err)

	assert.Equal(t, "new text", st.CurrentText)
	require.Len(t, st.Iterations, 1)
	it := st.Iterations[0]
	assert.Equal(t, aggression.Moderate, it.AggressionLevel)
	assert.True(t, it.Completed)
	assert.Equal(t, IterationCompleted, it.Status)
	assert.Equal(t, 50.0, it.DetectionScore)
	assert.Equal(t, 52.0, it.OriginalityScore)
	assert.Equal(t, 31.5, it.Metrics["perplexity"])
	assert.Equal(t, []string{"paraphrase", "detection_score"}, it.ComponentsExecuted)
	assert.JSONEq(t, `{"processed_text":"new text"}`, string(it.ComponentOutputs["paraphrase"]))
	assert.Equal(t, 15, st.TotalTokenUsage[TotalTokens])
	assert.Equal(t, 15, it.TokenUsage[TotalTokens])

	t.Run("aggression level stored by name", func(t *testing.T) {
		data, err := os.ReadFile(s.CheckpointPath("wf"))
		require.NoError(t, err)
		assert.Contains(t, string(data), `"aggression_level": "moderate"`)
	})
}

func TestLoadWorkflowErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t.Run("not found", func(t *testing.T) {
		_, err := s.LoadWorkflow(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	write := func(t *testing.T, id, body string) {
		t.Helper()
		require.NoError(t, os.WriteFile(s.CheckpointPath(id), []byte(body), 0o600))
	}

	t.Run("garbage", func(t *testing.T) {
		write(t, "garbage", "{not json")
		_, err := s.LoadWorkflow(ctx, "garbage")
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("missing version", func(t *testing.T) {
		write(t, "noversion", `{"workflow_id":"noversion"}`)
		_, err := s.LoadWorkflow(ctx, "noversion")
		assert.ErrorIs(t, err, ErrIncompatibleSchema)
	})

	t.Run("future version", func(t *testing.T) {
		write(t, "future", `{"schema_version":2,"workflow_id":"future"}`)
		_, err := s.LoadWorkflow(ctx, "future")
		assert.ErrorIs(t, err, ErrIncompatibleSchema)
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := s.CreateWorkflow(ctx, "extra", "x", 20, 3)
		require.NoError(t, err)
		data, err := os.ReadFile(s.CheckpointPath("extra"))
		require.NoError(t, err)
		var doc map[string]any
		require.NoError(t, json.Unmarshal(data, &doc))
		doc["surprise"] = true
		data, err = json.Marshal(doc)
		require.NoError(t, err)
		write(t, "extra", string(data))

		_, err = s.LoadWorkflow(ctx, "extra")
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("id mismatch", func(t *testing.T) {
		_, err := s.CreateWorkflow(ctx, "source", "x", 20, 3)
		require.NoError(t, err)
		data, err := os.ReadFile(s.CheckpointPath("source"))
		require.NoError(t, err)
		write(t, "copy", string(data))

		_, err = s.LoadWorkflow(ctx, "copy")
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}

func TestIterationOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.StartIteration(ctx, 1, aggression.Moderate)
	assert.ErrorIs(t, err, ErrNoActiveWorkflow)

	_, err = s.CreateWorkflow(ctx, "wf", "text", 20, 5)
	require.NoError(t, err)

	_, err = s.StartIteration(ctx, 2, aggression.Moderate)
	assert.ErrorIs(t, err, ErrIterationOrder, "must start at 1")

	_, err = s.StartIteration(ctx, 1, aggression.Level(9))
	assert.Error(t, err)

	err = s.UpdateIteration(ctx, IterationUpdate{Component: "paraphrase"})
	assert.ErrorIs(t, err, ErrNoActiveIteration)

	_, err = s.StartIteration(ctx, 1, aggression.Moderate)
	require.NoError(t, err)

	_, err = s.StartIteration(ctx, 2, aggression.Moderate)
	assert.ErrorIs(t, err, ErrIterationOrder, "iteration 1 still open")

	require.NoError(t, s.CompleteIteration(ctx, "t1"))
	assert.ErrorIs(t, s.CompleteIteration(ctx, "again"), ErrNoActiveIteration)

	_, err = s.StartIteration(ctx, 1, aggression.Moderate)
	assert.ErrorIs(t, err, ErrIterationOrder, "iteration 1 already completed")

	it, err := s.StartIteration(ctx, 2, aggression.Aggressive)
	require.NoError(t, err)
	assert.Equal(t, 2, it.Iteration)
	assert.Equal(t, 2, s.Current().CurrentIteration)
}

func TestFailedIterationCanBeRerun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.CreateWorkflow(ctx, "wf", "text", 20, 5)
	require.NoError(t, err)
	_, err = s.StartIteration(ctx, 1, aggression.Moderate)
	require.NoError(t, err)
	require.NoError(t, s.FailIteration(ctx, "paraphrase exploded"))

	_, err = s.StartIteration(ctx, 1, aggression.Moderate)
	require.NoError(t, err)
	require.NoError(t, s.CompleteIteration(ctx, "done"))

	st, err := s.LoadWorkflow(ctx, "wf")
	require.NoError(t, err)
	require.Len(t, st.Iterations, 2)
	assert.Equal(t, IterationFailed, st.Iterations[0].Status)
	assert.False(t, st.Iterations[0].Completed)
	assert.Contains(t, st.Iterations[0].Errors, "paraphrase exploded")
	assert.True(t, st.Iterations[1].Completed)
	assert.Equal(t, 2, st.NextIteration())
}

func TestApplyHumanInput(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.CreateWorkflow(ctx, "wf", "text", 20, 5)
	require.NoError(t, err)
	_, err = s.StartIteration(ctx, 1, aggression.Moderate)
	require.NoError(t, err)

	assert.ErrorIs(t, s.ApplyHumanInput(ctx, 1, "mine", "text\n\nmine"), ErrIterationOrder)

	require.NoError(t, s.CompleteIteration(ctx, "text"))
	require.NoError(t, s.ApplyHumanInput(ctx, 1, "mine", "text\n\nmine"))

	st, err := s.LoadWorkflow(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, "text\n\nmine", st.CurrentText)
	assert.Equal(t, "mine", st.HumanInputs[1])
}

func TestCompleteWorkflow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.CreateWorkflow(ctx, "wf", "text", 20, 3)
	require.NoError(t, err)

	assert.Error(t, s.CompleteWorkflow(ctx, nil, StatusInProgress, ""), "non-terminal status")

	scores := map[string]float64{FinalOriginality: 18, FinalWeighted: 18}
	require.NoError(t, s.CompleteWorkflow(ctx, scores, StatusCompleted, "quality_gate"))

	st := s.Current()
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, "quality_gate", st.ExitReason)
	require.NotNil(t, st.CompletedAt)
	assert.Equal(t, 18.0, st.FinalScores[FinalWeighted])

	assert.ErrorIs(t, s.CompleteWorkflow(ctx, scores, StatusFailed, "failed"), ErrTerminal)
	_, err = s.StartIteration(ctx, 1, aggression.Moderate)
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestPrepareResume(t *testing.T) {
	ctx := context.Background()

	t.Run("after completed iteration", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.CreateWorkflow(ctx, "wf", "text", 20, 5)
		require.NoError(t, err)
		_, err = s.StartIteration(ctx, 1, aggression.Moderate)
		require.NoError(t, err)
		require.NoError(t, s.CompleteIteration(ctx, "t1"))

		_, next, err := s.PrepareResume(ctx, "wf")
		require.NoError(t, err)
		assert.Equal(t, 2, next)
	})

	t.Run("interrupted iteration is abandoned", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.CreateWorkflow(ctx, "wf", "text", 20, 5)
		require.NoError(t, err)
		_, err = s.StartIteration(ctx, 1, aggression.Moderate)
		require.NoError(t, err)
		require.NoError(t, s.CompleteIteration(ctx, "t1"))
		_, err = s.StartIteration(ctx, 2, aggression.Aggressive)
		require.NoError(t, err)
		require.NoError(t, s.UpdateIteration(ctx, IterationUpdate{Component: "term_protect"}))

		// Simulate a fresh process.
		fresh := newTestStore(t, func(o *Options) {
			o.CheckpointDir = s.dir
			o.BackupDir = s.backupDir
		})
		st, next, err := fresh.PrepareResume(ctx, "wf")
		require.NoError(t, err)
		assert.Equal(t, 2, next)
		assert.Equal(t, "t1", st.CurrentText)
		last := st.LastIteration()
		assert.Equal(t, IterationFailed, last.Status)
		assert.Contains(t, last.Errors, "abandoned after interruption")
		assert.False(t, last.Completed)
		assert.Len(t, st.Iterations, 2)
		assert.Len(t, st.CompletedIterations(), 1)

		_, err = fresh.StartIteration(ctx, 2, aggression.Aggressive)
		require.NoError(t, err)
	})

	t.Run("terminal workflow untouched", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.CreateWorkflow(ctx, "wf", "text", 20, 5)
		require.NoError(t, err)
		require.NoError(t, s.CompleteWorkflow(ctx, nil, StatusPaused, "cancelled"))

		st, _, err := s.PrepareResume(ctx, "wf")
		require.NoError(t, err)
		assert.Equal(t, StatusPaused, st.Status)
	})
}

func TestAtomicWriteSurvivesCrash(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.CreateWorkflow(ctx, "wf", "text", 20, 3)
	require.NoError(t, err)
	before, err := os.ReadFile(s.CheckpointPath("wf"))
	require.NoError(t, err)

	crash := errors.New("simulated crash")
	s.beforeRename = func() error { return crash }

	_, err = s.StartIteration(ctx, 1, aggression.Moderate)
	require.ErrorIs(t, err, crash)

	after, err := os.ReadFile(s.CheckpointPath("wf"))
	require.NoError(t, err)
	assert.Equal(t, before, after, "live checkpoint must be unchanged")
	assert.Empty(t, s.Current().Iterations, "in-memory state must not advance")

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "temp file left behind")
	}

	s.beforeRename = nil
	_, err = s.StartIteration(ctx, 1, aggression.Moderate)
	require.NoError(t, err)
}

func TestLocking(t *testing.T) {
	ctx := context.Background()
	locker := &recordingLocker{inner: NopLocker{}}
	s := newTestStore(t, func(o *Options) { o.Locker = locker })

	_, err := s.CreateWorkflow(ctx, "wf", "text", 20, 3)
	require.NoError(t, err)
	_, err = s.Snapshot(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, []string{"lock", "rlock"}, locker.Calls())

	locker.failOn = "lock"
	_, err = s.StartIteration(ctx, 1, aggression.Moderate)
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestLookupsOfUnknownIDsLeaveNoLockFiles(t *testing.T) {
	ctx := context.Background()
	locker := &recordingLocker{inner: NewFileLocker(time.Second)}
	s := newTestStore(t, func(o *Options) { o.Locker = locker })

	_, err := s.Snapshot(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.LoadWorkflow(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	backups, err := s.ListBackups(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, backups)
	assert.Empty(t, locker.Calls())

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, ".lock", filepath.Ext(e.Name()), e.Name())
	}
}

func TestFileLockerExcludesWriters(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wf.json")

	holder := NewFileLocker(time.Second)
	unlock, err := holder.Lock(ctx, path)
	require.NoError(t, err)

	contender := NewFileLocker(50 * time.Millisecond)
	_, err = contender.Lock(ctx, path)
	assert.ErrorIs(t, err, ErrLockTimeout)
	_, err = contender.RLock(ctx, path)
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, unlock())

	unlockR1, err := contender.RLock(ctx, path)
	require.NoError(t, err)
	unlockR2, err := NewFileLocker(50*time.Millisecond).RLock(ctx, path)
	require.NoError(t, err, "shared locks must not exclude each other")
	require.NoError(t, unlockR1())
	require.NoError(t, unlockR2())
}

func TestStoreTelemetry(t *testing.T) {
	ctx := context.Background()
	tel := telemetry.NewTestTelemetry()
	logger := logging.NewTestLogger()
	s := newTestStore(t, func(o *Options) {
		o.Metrics = tel.Metrics
		o.Logger = logger.Logger
	})

	_, err := s.CreateWorkflow(ctx, "wf", "text", 20, 3)
	require.NoError(t, err)
	_, err = s.StartIteration(ctx, 1, aggression.Moderate)
	require.NoError(t, err)
	require.NoError(t, s.CompleteIteration(ctx, "t"))

	assert.Equal(t, int64(2), tel.CounterValue(t, "humanizer.checkpoint.writes", attribute.String("kind", "plain")))
	assert.Equal(t, int64(1), tel.CounterValue(t, "humanizer.checkpoint.writes", attribute.String("kind", "backup")))
	logger.AssertLogged(t, zapcore.InfoLevel, "workflow created")
	logger.AssertField(t, "workflow created", "workflow_id", "wf")
}

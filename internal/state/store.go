package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/humanizer/internal/aggression"
	"github.com/fyrsmithlabs/humanizer/internal/logging"
	"github.com/fyrsmithlabs/humanizer/internal/telemetry"
)

// DefaultBackupRetention is the number of backups kept per workflow.
const DefaultBackupRetention = 10

// Options configures a Store.
type Options struct {
	CheckpointDir   string
	BackupDir       string
	BackupRetention int
	LockTimeout     time.Duration

	// Locker defaults to a FileLocker using LockTimeout.
	Locker  Locker
	Logger  *logging.Logger
	Metrics *telemetry.Metrics
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Store persists workflow checkpoints and tracks the active workflow.
type Store struct {
	dir       string
	backupDir string
	retention int
	locker    Locker
	logger    *logging.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time

	mu      sync.Mutex
	current *WorkflowState

	// beforeRename runs after the temp file is synced and before it replaces
	// the live checkpoint. Tests use it to simulate a crash mid-write.
	beforeRename func() error
}

// NewStore creates the checkpoint and backup directories and returns a Store.
func NewStore(opts Options) (*Store, error) {
	if opts.CheckpointDir == "" {
		return nil, errors.New("checkpoint directory is required")
	}
	if opts.BackupDir == "" {
		opts.BackupDir = filepath.Join(opts.CheckpointDir, "backups")
	}
	if opts.BackupRetention <= 0 {
		opts.BackupRetention = DefaultBackupRetention
	}
	if opts.Locker == nil {
		opts.Locker = NewFileLocker(opts.LockTimeout)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNopMetrics()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	for _, dir := range []string{opts.CheckpointDir, opts.BackupDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Store{
		dir:       opts.CheckpointDir,
		backupDir: opts.BackupDir,
		retention: opts.BackupRetention,
		locker:    opts.Locker,
		logger:    opts.Logger.Named("state"),
		metrics:   opts.Metrics,
		now:       opts.Clock,
	}, nil
}

// CheckpointPath returns the live checkpoint path for id.
func (s *Store) CheckpointPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Current returns a copy of the active workflow, or nil.
func (s *Store) Current() *WorkflowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.Clone()
}

// CreateWorkflow starts a new workflow and writes its first checkpoint. It
// fails with ErrAlreadyExists if a checkpoint for id exists.
func (s *Store) CreateWorkflow(ctx context.Context, id, text string, threshold float64, maxIterations int) (*WorkflowState, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if maxIterations < 1 {
		return nil, fmt.Errorf("max iterations must be at least 1, got %d", maxIterations)
	}

	path := s.CheckpointPath(id)
	unlock, err := s.locker.Lock(ctx, path)
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, unlock, path)

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat checkpoint: %w", err)
	}

	st := &WorkflowState{
		SchemaVersion:   SchemaVersion,
		WorkflowID:      id,
		OriginalText:    text,
		CurrentText:     text,
		TargetThreshold: threshold,
		MaxIterations:   maxIterations,
		StartedAt:       s.now().UTC(),
		Status:          StatusInProgress,
	}
	st.normalize()

	if err := s.write(ctx, st, false); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.current = st
	s.mu.Unlock()

	s.logger.Info(ctx, "workflow created",
		zap.String("workflow_id", id),
		zap.Int("text_len", len(text)),
		zap.Float64("threshold", threshold),
		zap.Int("max_iterations", maxIterations))
	return st.Clone(), nil
}

// LoadWorkflow reads the checkpoint for id and makes it the active workflow.
func (s *Store) LoadWorkflow(ctx context.Context, id string) (*WorkflowState, error) {
	st, err := s.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.current = st.Clone()
	s.mu.Unlock()
	s.logger.Info(ctx, "workflow loaded",
		zap.String("workflow_id", id),
		zap.String("status", string(st.Status)),
		zap.Int("iterations", len(st.Iterations)))
	return st, nil
}

// Snapshot reads the checkpoint for id under a shared lock without changing
// the active workflow.
func (s *Store) Snapshot(ctx context.Context, id string) (*WorkflowState, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	path := s.CheckpointPath(id)
	unlock, err := s.rlockExisting(ctx, path)
	if err != nil {
		return nil, err
	}
	if unlock == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	defer s.release(ctx, unlock, path)
	return readCheckpoint(path, id)
}

// rlockExisting takes a shared lock on path only if a checkpoint is there,
// returning a nil Unlock otherwise. Lookups of unknown ids must not leave
// lock files behind.
func (s *Store) rlockExisting(ctx context.Context, path string) (Unlock, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return s.locker.RLock(ctx, path)
}

func readCheckpoint(path, id string) (*WorkflowState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	st, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	if st.WorkflowID != id {
		return nil, fmt.Errorf("load %s: %w: file holds workflow %q", id, ErrCorrupt, st.WorkflowID)
	}
	return st, nil
}

// Save writes st as the live checkpoint for st.WorkflowID. When backup is
// true the previous checkpoint is copied to the backup directory first.
func (s *Store) Save(ctx context.Context, st *WorkflowState, backup bool) error {
	if st == nil {
		return ErrNoActiveWorkflow
	}
	if err := ValidateID(st.WorkflowID); err != nil {
		return err
	}
	path := s.CheckpointPath(st.WorkflowID)
	unlock, err := s.locker.Lock(ctx, path)
	if err != nil {
		return err
	}
	defer s.release(ctx, unlock, path)
	return s.write(ctx, st, backup)
}

// SaveCheckpoint persists the active workflow.
func (s *Store) SaveCheckpoint(ctx context.Context, backup bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ErrNoActiveWorkflow
	}
	return s.Save(ctx, s.current, backup)
}

// write must be called with the checkpoint lock held.
func (s *Store) write(ctx context.Context, st *WorkflowState, backup bool) (err error) {
	kind := "plain"
	if backup {
		kind = "backup"
	}
	defer func() { s.metrics.RecordCheckpoint(ctx, kind, err) }()

	st.SchemaVersion = SchemaVersion
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	path := s.CheckpointPath(st.WorkflowID)
	if backup {
		if err := s.backup(ctx, st.WorkflowID, path); err != nil {
			return err
		}
	}
	if err := s.atomicWrite(path, data); err != nil {
		return err
	}
	s.logger.Debug(ctx, "checkpoint written",
		zap.String("workflow_id", st.WorkflowID),
		zap.Bool("backup", backup),
		zap.Int("bytes", len(data)))
	return nil
}

// atomicWrite writes data to a synced temp file in the same directory and
// renames it over path. On any failure the temp file is removed and the
// previous checkpoint is left untouched.
func (s *Store) atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if s.beforeRename != nil {
		if err := s.beforeRename(); err != nil {
			cleanup()
			return err
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	syncDir(dir)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func (s *Store) release(ctx context.Context, unlock Unlock, path string) {
	if err := unlock(); err != nil {
		s.logger.Warn(ctx, "failed to release checkpoint lock",
			zap.String("path", path), zap.Error(err))
	}
}

// mutate applies fn to the active workflow and persists the result. The
// in-memory state only changes if the write succeeds.
func (s *Store) mutate(ctx context.Context, backup bool, fn func(st *WorkflowState) error) (*WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, ErrNoActiveWorkflow
	}
	next := s.current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := s.Save(ctx, next, backup); err != nil {
		return nil, err
	}
	s.current = next
	return next.Clone(), nil
}

// StartIteration opens iteration n. n must be one past the last completed
// iteration and no other iteration may be open.
func (s *Store) StartIteration(ctx context.Context, n int, level aggression.Level) (*IterationState, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("invalid aggression level %d", level)
	}
	st, err := s.mutate(ctx, false, func(st *WorkflowState) error {
		if st.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrTerminal, st.Status)
		}
		if open := st.openIteration(); open != nil {
			return fmt.Errorf("%w: iteration %d is still open", ErrIterationOrder, open.Iteration)
		}
		if want := st.NextIteration(); n != want {
			return fmt.Errorf("%w: got %d, want %d", ErrIterationOrder, n, want)
		}
		st.Iterations = append(st.Iterations, &IterationState{
			Iteration:          n,
			Timestamp:          s.now().UTC(),
			AggressionLevel:    level,
			Metrics:            map[string]float64{},
			ComponentsExecuted: []string{},
			ComponentOutputs:   map[string]json.RawMessage{},
			TokenUsage:         TokenUsage{},
			Errors:             []string{},
			Status:             IterationInProgress,
		})
		st.CurrentIteration = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st.LastIteration(), nil
}

// IterationUpdate carries the outcome of one stage execution.
type IterationUpdate struct {
	Component  string
	Output     any
	Scores     map[string]float64
	TokenUsage TokenUsage
	Error      string
}

// UpdateIteration records a stage result against the open iteration.
func (s *Store) UpdateIteration(ctx context.Context, u IterationUpdate) error {
	var raw json.RawMessage
	if u.Output != nil {
		data, err := json.Marshal(u.Output)
		if err != nil {
			return fmt.Errorf("marshal %s output: %w", u.Component, err)
		}
		raw = data
	}
	_, err := s.mutate(ctx, false, func(st *WorkflowState) error {
		it := st.openIteration()
		if it == nil {
			return ErrNoActiveIteration
		}
		if u.Component != "" {
			it.ComponentsExecuted = append(it.ComponentsExecuted, u.Component)
			if raw != nil {
				it.ComponentOutputs[u.Component] = raw
			}
		}
		for k, v := range u.Scores {
			switch k {
			case ScoreDetection:
				it.DetectionScore = v
			case ScoreOriginality:
				it.OriginalityScore = v
			case ScoreGPTZero:
				it.GPTZeroScore = v
			default:
				it.Metrics[k] = v
			}
		}
		it.TokenUsage.Merge(u.TokenUsage)
		st.TotalTokenUsage.Merge(u.TokenUsage)
		if u.Error != "" {
			it.Errors = append(it.Errors, u.Error)
		}
		return nil
	})
	return err
}

// CompleteIteration closes the open iteration, sets the workflow's current
// text and writes a backed-up checkpoint.
func (s *Store) CompleteIteration(ctx context.Context, text string) error {
	_, err := s.mutate(ctx, true, func(st *WorkflowState) error {
		it := st.openIteration()
		if it == nil {
			return ErrNoActiveIteration
		}
		it.Completed = true
		it.Status = IterationCompleted
		st.CurrentText = text
		return nil
	})
	return err
}

// FailIteration marks the open iteration failed with reason. Failed
// iterations never count as completed and are rerun on resume.
func (s *Store) FailIteration(ctx context.Context, reason string) error {
	_, err := s.mutate(ctx, false, func(st *WorkflowState) error {
		it := st.openIteration()
		if it == nil {
			return ErrNoActiveIteration
		}
		it.Status = IterationFailed
		if reason != "" {
			it.Errors = append(it.Errors, reason)
		}
		return nil
	})
	return err
}

// CompleteWorkflow records final scores and a terminal status.
func (s *Store) CompleteWorkflow(ctx context.Context, scores map[string]float64, status Status, reason string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	st, err := s.mutate(ctx, true, func(st *WorkflowState) error {
		if st.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrTerminal, st.Status)
		}
		now := s.now().UTC()
		st.Status = status
		st.ExitReason = reason
		st.CompletedAt = &now
		for k, v := range scores {
			st.FinalScores[k] = v
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info(ctx, "workflow finished",
		zap.String("workflow_id", st.WorkflowID),
		zap.String("status", string(status)),
		zap.String("exit_reason", reason),
		zap.Int("iterations", len(st.CompletedIterations())))
	return nil
}

// PrepareResume loads id and readies it for the control loop. An iteration
// left open by an interrupted run is marked failed so that its ordinal can
// be rerun. It returns the iteration number to run next.
func (s *Store) PrepareResume(ctx context.Context, id string) (*WorkflowState, int, error) {
	if _, err := s.LoadWorkflow(ctx, id); err != nil {
		return nil, 0, err
	}
	st, err := s.mutate(ctx, false, func(st *WorkflowState) error {
		if st.Status.Terminal() {
			return nil
		}
		if open := st.openIteration(); open != nil {
			open.Status = IterationFailed
			open.Errors = append(open.Errors, "abandoned after interruption")
			s.logger.Warn(ctx, "abandoning interrupted iteration",
				zap.String("workflow_id", st.WorkflowID),
				zap.Int("iteration", open.Iteration))
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return st, st.NextIteration(), nil
}

// AddInjectionPoint records a point where human input was requested.
func (s *Store) AddInjectionPoint(ctx context.Context, p InjectionPoint) error {
	_, err := s.mutate(ctx, false, func(st *WorkflowState) error {
		if p.RecordedAt.IsZero() {
			p.RecordedAt = s.now().UTC()
		}
		st.InjectionPoints = append(st.InjectionPoints, p)
		return nil
	})
	return err
}

// RecordHumanInput stores human-provided text for iteration n.
func (s *Store) RecordHumanInput(ctx context.Context, n int, input string) error {
	_, err := s.mutate(ctx, false, func(st *WorkflowState) error {
		st.HumanInputs[n] = input
		return nil
	})
	return err
}

// ApplyHumanInput stores input for iteration n and replaces the current
// text with text, the document after the input was merged in. It writes a
// backed-up checkpoint since the text the next iteration starts from changes.
func (s *Store) ApplyHumanInput(ctx context.Context, n int, input, text string) error {
	_, err := s.mutate(ctx, true, func(st *WorkflowState) error {
		if st.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrTerminal, st.Status)
		}
		if st.openIteration() != nil {
			return fmt.Errorf("%w: iteration %d is still open", ErrIterationOrder, st.CurrentIteration)
		}
		st.HumanInputs[n] = input
		st.CurrentText = text
		return nil
	})
	return err
}

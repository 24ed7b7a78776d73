package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/humanizer/internal/aggression"
)

// LogEntry is one line of a workflow's processing log.
type LogEntry struct {
	Iteration          int                `json:"iteration"`
	Timestamp          time.Time          `json:"timestamp"`
	AggressionLevel    aggression.Level   `json:"aggression_level"`
	Status             IterationStatus    `json:"status"`
	DetectionScore     float64            `json:"detection_score"`
	OriginalityScore   float64            `json:"originality_score"`
	ComponentsExecuted []string           `json:"components_executed"`
	Metrics            map[string]float64 `json:"metrics,omitempty"`
	TokenUsage         TokenUsage         `json:"token_usage,omitempty"`
	Errors             []string           `json:"errors,omitempty"`
}

// ProcessingLog flattens the iteration history of st.
func ProcessingLog(st *WorkflowState) []LogEntry {
	out := make([]LogEntry, 0, len(st.Iterations))
	for _, it := range st.Iterations {
		out = append(out, LogEntry{
			Iteration:          it.Iteration,
			Timestamp:          it.Timestamp,
			AggressionLevel:    it.AggressionLevel,
			Status:             it.Status,
			DetectionScore:     it.DetectionScore,
			OriginalityScore:   it.OriginalityScore,
			ComponentsExecuted: append([]string(nil), it.ComponentsExecuted...),
			Metrics:            it.Metrics,
			TokenUsage:         it.TokenUsage,
			Errors:             append([]string(nil), it.Errors...),
		})
	}
	return out
}

// Summary is a compact view of a workflow used by listings and the status API.
type Summary struct {
	WorkflowID          string             `json:"workflow_id"`
	Status              Status             `json:"status"`
	ExitReason          string             `json:"exit_reason,omitempty"`
	CurrentIteration    int                `json:"current_iteration"`
	CompletedIterations int                `json:"completed_iterations"`
	MaxIterations       int                `json:"max_iterations"`
	TargetThreshold     float64            `json:"target_threshold"`
	LatestScore         *float64           `json:"latest_detection_score,omitempty"`
	FinalScores         map[string]float64 `json:"final_scores,omitempty"`
	TotalTokens         int                `json:"total_tokens"`
	ErrorCount          int                `json:"error_count"`
	StartedAt           time.Time          `json:"started_at"`
	CompletedAt         *time.Time         `json:"completed_at,omitempty"`
	Duration            time.Duration      `json:"duration_ns"`
}

// Summarize builds a Summary. now is used for the duration of unfinished
// workflows.
func Summarize(st *WorkflowState, now time.Time) Summary {
	sum := Summary{
		WorkflowID:       st.WorkflowID,
		Status:           st.Status,
		ExitReason:       st.ExitReason,
		CurrentIteration: st.CurrentIteration,
		MaxIterations:    st.MaxIterations,
		TargetThreshold:  st.TargetThreshold,
		FinalScores:      st.FinalScores,
		TotalTokens:      st.TotalTokenUsage[TotalTokens],
		StartedAt:        st.StartedAt,
		CompletedAt:      st.CompletedAt,
	}
	done := st.CompletedIterations()
	sum.CompletedIterations = len(done)
	if len(done) > 0 {
		score := done[len(done)-1].DetectionScore
		sum.LatestScore = &score
	}
	for _, it := range st.Iterations {
		sum.ErrorCount += len(it.Errors)
	}
	end := now
	if st.CompletedAt != nil {
		end = *st.CompletedAt
	}
	sum.Duration = end.Sub(st.StartedAt)
	return sum
}

// Summary returns the summary of the active workflow.
func (s *Store) Summary() (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Summary{}, ErrNoActiveWorkflow
	}
	return Summarize(s.current, s.now()), nil
}

// ProcessingLog returns the processing log of the active workflow.
func (s *Store) ProcessingLog() ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, ErrNoActiveWorkflow
	}
	return ProcessingLog(s.current), nil
}

// ListWorkflows summarizes every readable checkpoint, newest first.
// Unreadable checkpoints are logged and skipped.
func (s *Store) ListWorkflows(ctx context.Context) ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}
	now := s.now()
	var out []Summary
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if ValidateID(id) != nil {
			continue
		}
		st, err := s.Snapshot(ctx, id)
		if err != nil {
			s.logger.Warn(ctx, "skipping unreadable checkpoint", zap.String("workflow_id", id), zap.Error(err))
			continue
		}
		out = append(out, Summarize(st, now))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// DeleteWorkflow removes the checkpoint for id and, when includeBackups is
// set, every backup of it.
func (s *Store) DeleteWorkflow(ctx context.Context, id string, includeBackups bool) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	path := s.CheckpointPath(id)
	unlock, err := s.locker.Lock(ctx, path)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		_ = unlock()
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	var removed int
	if includeBackups {
		backups, err := s.listBackups(id)
		if err != nil {
			_ = unlock()
			return fmt.Errorf("list backups: %w", err)
		}
		for _, b := range backups {
			if err := os.Remove(b.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				_ = unlock()
				return fmt.Errorf("remove backup %s: %w", b.Name, err)
			}
			removed++
		}
	}
	s.release(ctx, unlock, path)
	_ = os.Remove(path + ".lock")

	s.mu.Lock()
	if s.current != nil && s.current.WorkflowID == id {
		s.current = nil
	}
	s.mu.Unlock()

	s.logger.Info(ctx, "workflow deleted", zap.String("workflow_id", id), zap.Int("backups_removed", removed))
	return nil
}

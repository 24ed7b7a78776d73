package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/humanizer/internal/aggression"
	"github.com/fyrsmithlabs/humanizer/internal/state"
)

type fakeSource struct {
	workflows map[string]*state.WorkflowState
	summaries []state.Summary
	err       error
}

func (f *fakeSource) Snapshot(_ context.Context, id string) (*state.WorkflowState, error) {
	if f.err != nil {
		return nil, f.err
	}
	st, ok := f.workflows[id]
	if !ok {
		return nil, state.ErrNotFound
	}
	return st, nil
}

func (f *fakeSource) ListWorkflows(context.Context) ([]state.Summary, error) {
	return f.summaries, f.err
}

func sampleWorkflow() *state.WorkflowState {
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	done := started.Add(95 * time.Second)
	return &state.WorkflowState{
		WorkflowID:       "wf-1",
		Status:           state.StatusCompleted,
		ExitReason:       "quality_gate",
		CurrentIteration: 3,
		MaxIterations:    7,
		TargetThreshold:  20,
		StartedAt:        started,
		CompletedAt:      &done,
		TotalTokenUsage:  state.TokenUsage{state.TotalTokens: 1500},
		HumanInputs:      map[int]string{2: "context"},
		Iterations: []*state.IterationState{
			{Iteration: 1, AggressionLevel: aggression.Moderate, DetectionScore: 50, OriginalityScore: 50, Completed: true, Status: state.IterationCompleted},
			{Iteration: 2, AggressionLevel: aggression.Aggressive, DetectionScore: 46, OriginalityScore: 54, Completed: true, Status: state.IterationCompleted, Errors: []string{"perplexity: backend unavailable"}},
			{Iteration: 3, AggressionLevel: aggression.Intensive, DetectionScore: 18, OriginalityScore: 82, Completed: true, Status: state.IterationCompleted},
		},
	}
}

func TestSnapshot(t *testing.T) {
	s := Snapshot(sampleWorkflow(), time.Now())

	assert.Equal(t, "wf-1", s.WorkflowID)
	assert.Equal(t, 3, s.Completed)
	assert.Equal(t, []float64{50, 46, 18}, s.ScoreHistory)
	require.NotNil(t, s.LatestScore)
	assert.Equal(t, 18.0, *s.LatestScore)
	assert.Equal(t, 82.0, s.Originality)
	assert.Equal(t, aggression.Intensive.String(), s.Aggression)
	assert.Equal(t, 1500, s.Tokens)
	assert.Equal(t, 1, s.Errors)
	assert.Equal(t, "perplexity: backend unavailable", s.LastError)
	assert.Equal(t, 95*time.Second, s.Elapsed)
	assert.Equal(t, 1, s.HumanInputs)
}

func TestLoadResolvesEmptyID(t *testing.T) {
	running := sampleWorkflow()
	running.WorkflowID = "wf-running"
	running.Status = state.StatusInProgress
	src := &fakeSource{
		workflows: map[string]*state.WorkflowState{"wf-1": sampleWorkflow(), "wf-running": running},
		summaries: []state.Summary{
			{WorkflowID: "wf-1", Status: state.StatusCompleted},
			{WorkflowID: "wf-running", Status: state.StatusInProgress},
		},
	}

	s, err := Load(context.Background(), src, "")
	require.NoError(t, err)
	assert.Equal(t, "wf-running", s.WorkflowID)

	src.summaries = src.summaries[:1]
	s, err = Load(context.Background(), src, "")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", s.WorkflowID)

	_, err = Load(context.Background(), &fakeSource{}, "")
	assert.ErrorIs(t, err, ErrNoWorkflows)

	_, err = Load(context.Background(), src, "ghost")
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestModel_Init(t *testing.T) {
	model := NewModel(&fakeSource{}, "wf-1", 2*time.Second)
	assert.NotNil(t, model.Init())
	assert.Contains(t, model.View(), "loading")
}

func TestModel_Update_QuitKey(t *testing.T) {
	model := NewModel(&fakeSource{}, "wf-1", time.Second)
	updated, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})

	m := updated.(Model)
	assert.True(t, m.quitting)
	assert.NotNil(t, cmd)
	assert.Empty(t, m.View())
}

func TestModel_Update_RefreshFetches(t *testing.T) {
	src := &fakeSource{workflows: map[string]*state.WorkflowState{"wf-1": sampleWorkflow()}}
	model := NewModel(src, "wf-1", time.Second)

	_, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	require.NotNil(t, cmd)
	msg := cmd()
	snap, ok := msg.(snapshotMsg)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "wf-1", snap.WorkflowID)
}

func TestModel_Update_Snapshot(t *testing.T) {
	model := NewModel(&fakeSource{}, "", time.Second)
	updated, cmd := model.Update(snapshotMsg(Snapshot(sampleWorkflow(), time.Now())))
	assert.Nil(t, cmd)

	m := updated.(Model)
	assert.Equal(t, "wf-1", m.workflowID)
	assert.False(t, m.lastUpdate.IsZero())

	view := m.View()
	assert.Contains(t, view, "wf-1")
	assert.Contains(t, view, "COMPLETED")
	assert.Contains(t, view, "quality_gate")
	assert.Contains(t, view, "18.0")
	assert.Contains(t, view, "3/7")
	assert.Contains(t, view, "1.5K")
	assert.Contains(t, view, "perplexity: backend unavailable")
}

func TestModel_Update_Error(t *testing.T) {
	model := NewModel(&fakeSource{}, "wf-1", time.Second)
	updated, _ := model.Update(errMsg(errors.New("checkpoint corrupt")))

	view := updated.View()
	assert.Contains(t, view, "Cannot read workflow")
	assert.Contains(t, view, "checkpoint corrupt")

	// A later snapshot clears the error.
	updated, _ = updated.Update(snapshotMsg(Snapshot(sampleWorkflow(), time.Now())))
	assert.NotContains(t, updated.View(), "Cannot read workflow")
}

func TestModel_Update_TickSchedulesFetch(t *testing.T) {
	model := NewModel(&fakeSource{}, "wf-1", time.Second)
	_, cmd := model.Update(tickMsg(time.Now()))
	assert.NotNil(t, cmd)
}

func TestScoreBadge(t *testing.T) {
	score := func(v float64) *float64 { return &v }
	assert.Contains(t, scoreBadge(nil, 20), "-")
	assert.Contains(t, scoreBadge(score(20), 20), "✓")
	assert.Contains(t, scoreBadge(score(35), 20), "⚠")
	assert.Contains(t, scoreBadge(score(41), 20), "✗")
}

func TestRenderWithoutHistory(t *testing.T) {
	st := &state.WorkflowState{WorkflowID: "wf-new", Status: state.StatusInProgress, MaxIterations: 5, TargetThreshold: 20, StartedAt: time.Now()}
	view := Render(Snapshot(st, time.Now()), time.Time{}, 0, NewProgressBar())
	assert.Contains(t, view, "RUNNING")
	assert.Contains(t, view, "no data")
	assert.Contains(t, view, "Never")
	assert.NotContains(t, view, "Auto:")
}

package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/humanizer/internal/state"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	fetchTimeout    = 5 * time.Second
)

// ErrNoWorkflows is returned when there is nothing to watch.
var ErrNoWorkflows = errors.New("no workflows to watch")

// Source reads workflow checkpoints. *state.Store satisfies it.
type Source interface {
	Snapshot(ctx context.Context, id string) (*state.WorkflowState, error)
	ListWorkflows(ctx context.Context) ([]state.Summary, error)
}

// Model is the BubbleTea model of the workflow dashboard.
type Model struct {
	source     Source
	workflowID string
	interval   time.Duration
	lastUpdate time.Time
	snapshot   WorkflowSnapshot
	loaded     bool
	err        error
	quitting   bool

	iterations progress.Model
}

// WorkflowSnapshot is the dashboard's view of one checkpoint.
type WorkflowSnapshot struct {
	WorkflowID   string
	Status       state.Status
	ExitReason   string
	Iteration    int
	Completed    int
	Max          int
	Target       float64
	Aggression   string
	LatestScore  *float64
	Originality  float64
	ScoreHistory []float64
	Tokens       int
	Errors       int
	LastError    string
	Elapsed      time.Duration
	HumanInputs  int
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard for workflowID. An empty id watches the
// newest in-progress workflow, or the newest workflow when none is running.
func NewModel(source Source, workflowID string, interval time.Duration) Model {
	return Model{
		source:     source,
		workflowID: workflowID,
		interval:   interval,
		iterations: progress.New(
			progress.WithGradient("#00ffff", "#ff00ff"),
			progress.WithWidth(40),
		),
	}
}

// Snapshot reduces a checkpoint to what the dashboard shows.
func Snapshot(st *state.WorkflowState, now time.Time) WorkflowSnapshot {
	sum := state.Summarize(st, now)
	s := WorkflowSnapshot{
		WorkflowID:  st.WorkflowID,
		Status:      st.Status,
		ExitReason:  st.ExitReason,
		Iteration:   st.CurrentIteration,
		Completed:   sum.CompletedIterations,
		Max:         st.MaxIterations,
		Target:      st.TargetThreshold,
		LatestScore: sum.LatestScore,
		Tokens:      sum.TotalTokens,
		Errors:      sum.ErrorCount,
		Elapsed:     sum.Duration,
		HumanInputs: len(st.HumanInputs),
	}
	for _, it := range st.CompletedIterations() {
		s.ScoreHistory = append(s.ScoreHistory, it.DetectionScore)
		s.Originality = it.OriginalityScore
	}
	if last := st.LastIteration(); last != nil {
		s.Aggression = last.AggressionLevel.String()
	}
	for _, it := range st.Iterations {
		if n := len(it.Errors); n > 0 {
			s.LastError = it.Errors[n-1]
		}
	}
	return s
}

// scoreBadge colors score against the target: at or under is healthy, up
// to twice the target is a warning.
func scoreBadge(score *float64, target float64) string {
	switch {
	case score == nil:
		return dimStyle.Render("[-]")
	case *score <= target:
		return healthyStyle.Render("[✓]")
	case *score <= 2*target:
		return warningStyle.Render("[⚠]")
	}
	return errorStyle.Render("[✗]")
}

func statusBadge(s state.Status) string {
	switch s {
	case state.StatusCompleted:
		return healthyStyle.Render("✓ COMPLETED")
	case state.StatusFailed:
		return errorStyle.Render("✗ FAILED")
	case state.StatusPaused:
		return warningStyle.Render("⏸ PAUSED")
	}
	return warningStyle.Render("● RUNNING")
}

func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}
	spark := sparkline.New(sparklineWidth, sparklineHeight)
	spark.PushAll(data)
	spark.Draw()
	return sparklineStyle.Render(spark.View())
}

type tickMsg time.Time
type snapshotMsg WorkflowSnapshot
type errMsg error

// Init starts polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(m.interval), fetch(m.source, m.workflowID))
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetch reads the checkpoint once.
func fetch(source Source, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		snap, err := Load(ctx, source, id)
		if err != nil {
			return errMsg(err)
		}
		return snapshotMsg(snap)
	}
}

// Load reads the snapshot for id, resolving an empty id as NewModel does.
func Load(ctx context.Context, source Source, id string) (WorkflowSnapshot, error) {
	if id == "" {
		summaries, err := source.ListWorkflows(ctx)
		if err != nil {
			return WorkflowSnapshot{}, err
		}
		if len(summaries) == 0 {
			return WorkflowSnapshot{}, ErrNoWorkflows
		}
		id = summaries[0].WorkflowID
		for _, s := range summaries {
			if s.Status == state.StatusInProgress {
				id = s.WorkflowID
				break
			}
		}
	}
	st, err := source.Snapshot(ctx, id)
	if err != nil {
		return WorkflowSnapshot{}, err
	}
	return Snapshot(st, time.Now()), nil
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetch(m.source, m.workflowID)
		}

	case tickMsg:
		return m, tea.Batch(tick(m.interval), fetch(m.source, m.workflowID))

	case snapshotMsg:
		m.snapshot = WorkflowSnapshot(msg)
		// Stay on the same workflow once one has been resolved.
		m.workflowID = m.snapshot.WorkflowID
		m.loaded = true
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}
	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	if !m.loaded {
		return containerStyle.Render(headerStyle.Render(" humanizer ") + "\n" + dimStyle.Render("loading..."))
	}
	return Render(m.snapshot, m.lastUpdate, m.interval, m.iterations)
}

func (m Model) renderError() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(" humanizer ") + "\n\n")
	b.WriteString(errorStyle.Render("⚠ Cannot read workflow") + "\n\n")
	if m.workflowID != "" {
		b.WriteString(dimStyle.Render("Workflow: ") + valueStyle.Render(m.workflowID) + "\n")
	}
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(footerStyle.Render("[q] quit  [r] retry"))
	return containerStyle.Render(b.String())
}

// Render draws s. A zero interval omits the refresh hint.
func Render(s WorkflowSnapshot, updated time.Time, interval time.Duration, bar progress.Model) string {
	var b strings.Builder

	lastUpdate := "Never"
	if !updated.IsZero() {
		lastUpdate = updated.Format("3:04:05 PM")
	}
	b.WriteString(headerStyle.Render(" humanizer "+s.WorkflowID+" ") + "\n")
	b.WriteString(fmt.Sprintf("%s   %s %s   %s\n",
		statusBadge(s.Status),
		dimStyle.Render("Elapsed:"),
		valueStyle.Render(FormatDuration(s.Elapsed)),
		dimStyle.Render(lastUpdate)))
	if s.ExitReason != "" {
		b.WriteString(labelStyle.Render("  Exit: ") + valueStyle.Render(s.ExitReason) + "\n")
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Detection") + "\n")
	b.WriteString(labelStyle.Render("  Score: ") +
		valueStyle.Render(FormatScore(s.LatestScore)) +
		dimStyle.Render(fmt.Sprintf(" / target %.1f ", s.Target)) +
		scoreBadge(s.LatestScore, s.Target) + "\n")
	b.WriteString("  " + createSparkline(s.ScoreHistory) + "\n")
	if s.Completed > 0 {
		b.WriteString(labelStyle.Render("  Originality: ") + valueStyle.Render(fmt.Sprintf("%.1f", s.Originality)) + "\n")
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Iterations") + "\n")
	ratio := 0.0
	if s.Max > 0 {
		ratio = min(1.0, float64(s.Completed)/float64(s.Max))
	}
	b.WriteString(labelStyle.Render("  Progress: ") + bar.ViewAs(ratio) + " " +
		dimStyle.Render(fmt.Sprintf("%d/%d", s.Completed, s.Max)) + "\n")
	if s.Aggression != "" {
		b.WriteString(labelStyle.Render("  Aggression: ") + valueStyle.Render(s.Aggression) + "\n")
	}
	b.WriteString(labelStyle.Render("  Tokens: ") + valueStyle.Render(FormatTokens(s.Tokens)) +
		"  " + labelStyle.Render("Human inputs: ") + valueStyle.Render(fmt.Sprint(s.HumanInputs)) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Errors") + "\n")
	b.WriteString(labelStyle.Render("  Count: ") + valueStyle.Render(fmt.Sprint(s.Errors)) + "\n")
	if s.LastError != "" {
		b.WriteString(labelStyle.Render("  Last: ") + errorStyle.Render(Truncate(s.LastError, 60)) + "\n")
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh")
	if interval > 0 {
		footer += footerStyle.Render(fmt.Sprintf("  Auto: %v", interval))
	}
	b.WriteString("\n" + footer)

	return containerStyle.Render(b.String())
}

// NewProgressBar returns the bar Render expects outside a running Model.
func NewProgressBar() progress.Model {
	return progress.New(progress.WithGradient("#00ffff", "#ff00ff"), progress.WithWidth(40))
}

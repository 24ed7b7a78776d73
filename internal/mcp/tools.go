package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/humanizer/internal/orchestrator"
	"github.com/fyrsmithlabs/humanizer/internal/state"
)

const defaultListLimit = 20

type workflowListInput struct {
	Status string `json:"status,omitempty" jsonschema:"Only return workflows with this status (in_progress, completed, failed, paused)"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Maximum results to return (default: 20)"`
}

type workflowListOutput struct {
	Workflows []state.Summary `json:"workflows" jsonschema:"Workflow summaries, newest first"`
	Count     int             `json:"count" jsonschema:"Number of workflows returned"`
}

type workflowInput struct {
	WorkflowID string `json:"workflow_id" jsonschema:"Workflow ID"`
}

type workflowLogOutput struct {
	WorkflowID string           `json:"workflow_id" jsonschema:"Workflow ID"`
	Entries    []state.LogEntry `json:"entries" jsonschema:"One entry per iteration"`
}

type workflowBackupsOutput struct {
	WorkflowID string         `json:"workflow_id" jsonschema:"Workflow ID"`
	Backups    []state.Backup `json:"backups" jsonschema:"Backups, newest first"`
}

type humanizeInput struct {
	Text       string `json:"text,omitempty" jsonschema:"Text to humanize; required unless resume is set"`
	WorkflowID string `json:"workflow_id,omitempty" jsonschema:"Workflow ID; generated when empty"`
	Resume     bool   `json:"resume,omitempty" jsonschema:"Resume workflow_id from its checkpoint instead of starting"`
}

type humanizeOutput struct {
	WorkflowID  string             `json:"workflow_id" jsonschema:"Workflow ID"`
	Status      string             `json:"status" jsonschema:"Final workflow status"`
	ExitReason  string             `json:"exit_reason" jsonschema:"Why the loop stopped"`
	Iterations  int                `json:"iterations" jsonschema:"Completed iterations"`
	FinalScores map[string]float64 `json:"final_scores" jsonschema:"Scores of the last completed iteration"`
	FinalText   string             `json:"final_text" jsonschema:"Humanized text"`
	Errors      int                `json:"errors" jsonschema:"Recorded stage errors"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "workflow_list",
		Description: "List humanizer workflows with status and latest detection score",
	}, s.handleList)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "workflow_status",
		Description: "Get the summary of one humanizer workflow",
	}, s.handleStatus)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "workflow_log",
		Description: "Get the per-iteration processing log of a workflow",
	}, s.handleLog)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "workflow_backups",
		Description: "List checkpoint backups of a workflow, newest first",
	}, s.handleBackups)

	if s.runner != nil {
		mcp.AddTool(s.mcp, &mcp.Tool{
			Name:        "humanize",
			Description: "Rewrite text until its AI-detection score meets the configured target, or resume a workflow",
		}, s.handleHumanize)
	}
}

func (s *Server) handleList(ctx context.Context, _ *mcp.CallToolRequest, args workflowListInput) (res *mcp.CallToolResult, out workflowListOutput, err error) {
	done := s.metrics.track(ctx, "workflow_list")
	defer func() { done(err) }()

	summaries, err := s.store.ListWorkflows(ctx)
	if err != nil {
		return nil, workflowListOutput{}, fmt.Errorf("list workflows: %w", err)
	}
	limit := args.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	out.Workflows = []state.Summary{}
	for _, sum := range summaries {
		if args.Status != "" && string(sum.Status) != args.Status {
			continue
		}
		if len(out.Workflows) == limit {
			break
		}
		out.Workflows = append(out.Workflows, sum)
	}
	out.Count = len(out.Workflows)
	return textResult(fmt.Sprintf("Found %d workflows", out.Count)), out, nil
}

func (s *Server) handleStatus(ctx context.Context, _ *mcp.CallToolRequest, args workflowInput) (res *mcp.CallToolResult, out state.Summary, err error) {
	done := s.metrics.track(ctx, "workflow_status")
	defer func() { done(err) }()

	st, err := s.store.Snapshot(ctx, args.WorkflowID)
	if err != nil {
		return nil, state.Summary{}, err
	}
	out = state.Summarize(st, time.Now())
	msg := fmt.Sprintf("Workflow %s is %s after %d/%d iterations", out.WorkflowID, out.Status, out.CompletedIterations, out.MaxIterations)
	if out.LatestScore != nil {
		msg += fmt.Sprintf(", latest detection score %.1f", *out.LatestScore)
	}
	return textResult(msg), out, nil
}

func (s *Server) handleLog(ctx context.Context, _ *mcp.CallToolRequest, args workflowInput) (res *mcp.CallToolResult, out workflowLogOutput, err error) {
	done := s.metrics.track(ctx, "workflow_log")
	defer func() { done(err) }()

	st, err := s.store.Snapshot(ctx, args.WorkflowID)
	if err != nil {
		return nil, workflowLogOutput{}, err
	}
	out = workflowLogOutput{WorkflowID: st.WorkflowID, Entries: state.ProcessingLog(st)}
	return textResult(fmt.Sprintf("%d iterations logged", len(out.Entries))), out, nil
}

func (s *Server) handleBackups(ctx context.Context, _ *mcp.CallToolRequest, args workflowInput) (res *mcp.CallToolResult, out workflowBackupsOutput, err error) {
	done := s.metrics.track(ctx, "workflow_backups")
	defer func() { done(err) }()

	backups, err := s.store.ListBackups(ctx, args.WorkflowID)
	if err != nil {
		return nil, workflowBackupsOutput{}, err
	}
	if backups == nil {
		backups = []state.Backup{}
	}
	out = workflowBackupsOutput{WorkflowID: args.WorkflowID, Backups: backups}
	return textResult(fmt.Sprintf("Found %d backups", len(backups))), out, nil
}

func (s *Server) handleHumanize(ctx context.Context, _ *mcp.CallToolRequest, args humanizeInput) (res *mcp.CallToolResult, out humanizeOutput, err error) {
	done := s.metrics.track(ctx, "humanize")
	defer func() { done(err) }()

	req := orchestrator.RunRequest{WorkflowID: args.WorkflowID, Text: args.Text, Resume: args.Resume}
	switch {
	case req.Resume && req.WorkflowID == "":
		return nil, humanizeOutput{}, errors.New("workflow_id is required to resume")
	case req.WorkflowID == "":
		req.WorkflowID = s.newID()
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	result, err := s.runner.Run(ctx, req)
	if err != nil {
		s.logger.Warn(ctx, "humanize failed", zap.String("workflow_id", req.WorkflowID), zap.Error(err))
		return nil, humanizeOutput{}, err
	}
	out = humanizeOutput{
		WorkflowID:  result.WorkflowID,
		Status:      string(result.Status),
		ExitReason:  string(result.ExitReason),
		Iterations:  result.Iterations,
		FinalScores: result.FinalScores,
		FinalText:   result.FinalText,
		Errors:      len(result.History),
	}
	return textResult(fmt.Sprintf("Workflow %s %s (%s) after %d iterations",
		out.WorkflowID, out.Status, out.ExitReason, out.Iterations)), out, nil
}

func textResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}

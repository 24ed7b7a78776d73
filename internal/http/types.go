package http

import "github.com/fyrsmithlabs/humanizer/internal/state"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WorkflowsResponse is the response body for GET /api/v1/workflows.
type WorkflowsResponse struct {
	Workflows []state.Summary      `json:"workflows"`
	Counts    map[state.Status]int `json:"counts"`
}

// LogResponse is the response body for GET /api/v1/workflows/:id/log.
type LogResponse struct {
	WorkflowID string           `json:"workflow_id"`
	Entries    []state.LogEntry `json:"entries"`
}

// BackupsResponse is the response body for GET /api/v1/workflows/:id/backups.
type BackupsResponse struct {
	WorkflowID string         `json:"workflow_id"`
	Backups    []state.Backup `json:"backups"`
}

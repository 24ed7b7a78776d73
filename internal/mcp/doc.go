// Package mcp exposes humanizer workflows as MCP tools.
//
// The server uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// over the stdio transport and calls the checkpoint store and control loop
// directly. Tools:
//
//   - workflow_list: summaries of every workflow with counts by status
//   - workflow_status: summary of one workflow
//   - workflow_log: per-iteration processing log
//   - workflow_backups: checkpoint backups, newest first
//   - humanize: run or resume a workflow (registered only with a Runner)
//
// Workflow text never appears in tool results except the final text
// returned by humanize.
package mcp

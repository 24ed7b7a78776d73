package mcp

import (
	"context"
	"fmt"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/fyrsmithlabs/humanizer/internal/logging"
	"github.com/fyrsmithlabs/humanizer/internal/orchestrator"
	"github.com/fyrsmithlabs/humanizer/internal/state"
)

// Store is the checkpoint access the tools need. *state.Store satisfies it.
type Store interface {
	ListWorkflows(ctx context.Context) ([]state.Summary, error)
	Snapshot(ctx context.Context, id string) (*state.WorkflowState, error)
	ListBackups(ctx context.Context, id string) ([]state.Backup, error)
}

// Runner executes workflows. *orchestrator.Loop satisfies it.
type Runner interface {
	Run(ctx context.Context, req orchestrator.RunRequest) (*orchestrator.Result, error)
}

// Server serves humanizer tools over MCP.
type Server struct {
	mcp     *mcp.Server
	store   Store
	runner  Runner
	metrics *Metrics
	logger  *logging.Logger
	newID   func() string

	// runMu serializes humanize calls; a Runner drives one workflow at a time.
	runMu sync.Mutex
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "humanizer")
	Name string
	// Version is the server version (default: "dev")
	Version string
	// Logger defaults to a no-op logger.
	Logger *logging.Logger
	// Metrics defaults to no-op instruments.
	Metrics *Metrics
	// NewID generates ids for humanize calls that do not name one.
	NewID func() string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "humanizer",
		Version: "dev",
	}
}

// NewServer creates a server over store. runner may be nil, in which case
// the humanize tool is not offered.
func NewServer(cfg *Config, store Store, runner Runner) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if runner != nil && cfg.NewID == nil {
		return nil, fmt.Errorf("id generator is required with a runner")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(noop.NewMeterProvider().Meter("mcp"), logger)
	}
	name, version := cfg.Name, cfg.Version
	if name == "" {
		name = "humanizer"
	}
	if version == "" {
		version = "dev"
	}

	s := &Server{
		mcp:     mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil),
		store:   store,
		runner:  runner,
		metrics: metrics,
		logger:  logger.Named("mcp"),
		newID:   cfg.NewID,
	}
	s.registerTools()
	return s, nil
}

// Run serves on stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

package injection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/humanizer/internal/logging"
)

var (
	// ErrNoInput is returned when no input arrived before the wait timeout.
	ErrNoInput = errors.New("no human input received")
	// ErrWatcherFailed indicates the filesystem watcher could not start.
	ErrWatcherFailed = errors.New("failed to initialize inbox watcher")
)

// Request asks for input on the points of one iteration.
type Request struct {
	WorkflowID string
	Iteration  int
	Points     []Point
}

// Source supplies human input.
type Source interface {
	Collect(ctx context.Context, req Request) (string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, req Request) (string, error)

func (f SourceFunc) Collect(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

// Inbox collects input from files dropped into a directory. For iteration
// n of workflow id it writes the prompt to "{id}_{n}.prompt.txt" and waits
// for "{id}_{n}.txt". Replies should be written atomically (write then
// rename) since the first non-empty read is taken.
type Inbox struct {
	dir     string
	timeout time.Duration
	logger  *logging.Logger
}

// NewInbox creates dir if needed and returns an Inbox.
func NewInbox(dir string, timeout time.Duration, logger *logging.Logger) (*Inbox, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create inbox %s: %w", dir, err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Inbox{dir: dir, timeout: timeout, logger: logger.Named("inbox")}, nil
}

// ReplyPath returns the file the reply for req is read from.
func (in *Inbox) ReplyPath(workflowID string, iteration int) string {
	return filepath.Join(in.dir, fmt.Sprintf("%s_%d.txt", workflowID, iteration))
}

// PromptPath returns the file the prompt for req is written to.
func (in *Inbox) PromptPath(workflowID string, iteration int) string {
	return filepath.Join(in.dir, fmt.Sprintf("%s_%d.prompt.txt", workflowID, iteration))
}

// Collect writes the prompt and waits for the reply file.
func (in *Inbox) Collect(ctx context.Context, req Request) (string, error) {
	reply := in.ReplyPath(req.WorkflowID, req.Iteration)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(in.dir); err != nil {
		return "", fmt.Errorf("%w: watch %s: %v", ErrWatcherFailed, in.dir, err)
	}

	if err := in.writePrompt(req); err != nil {
		return "", err
	}
	in.logger.Info(ctx, "waiting for human input",
		zap.String("reply_path", reply),
		zap.Int("points", len(req.Points)),
		zap.Duration("timeout", in.timeout))

	// The reply may already be there.
	if text, ok := readReply(reply); ok {
		return text, nil
	}

	var timeout <-chan time.Time
	if in.timeout > 0 {
		t := time.NewTimer(in.timeout)
		defer t.Stop()
		timeout = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timeout:
			return "", fmt.Errorf("%w after %s", ErrNoInput, in.timeout)
		case event, ok := <-watcher.Events:
			if !ok {
				return "", fmt.Errorf("%w: watcher closed", ErrNoInput)
			}
			if filepath.Clean(event.Name) != filepath.Clean(reply) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if text, ok := readReply(reply); ok {
				return text, nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return "", fmt.Errorf("%w: watcher closed", ErrNoInput)
			}
			in.logger.Warn(ctx, "inbox watcher error", zap.Error(err))
		}
	}
}

func (in *Inbox) writePrompt(req Request) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow %s, iteration %d\n", req.WorkflowID, req.Iteration)
	fmt.Fprintf(&b, "Write your reply to %s\n\n", filepath.Base(in.ReplyPath(req.WorkflowID, req.Iteration)))
	for _, p := range req.Points {
		b.WriteString(Format(p))
		b.WriteString("\n")
	}
	if err := os.WriteFile(in.PromptPath(req.WorkflowID, req.Iteration), []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write prompt: %w", err)
	}
	return nil
}

func readReply(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	text := strings.TrimSpace(string(data))
	return text, text != ""
}

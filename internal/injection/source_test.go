package injection

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboxExistingReply(t *testing.T) {
	in, err := NewInbox(t.TempDir(), time.Second, nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(in.ReplyPath("wf", 3), []byte("  ready answer \n"), 0o600))

	got, err := in.Collect(context.Background(), Request{WorkflowID: "wf", Iteration: 3})
	require.NoError(t, err)
	assert.Equal(t, "ready answer", got)
}

func TestInboxWaitsForReply(t *testing.T) {
	dir := t.TempDir()
	in, err := NewInbox(dir, 5*time.Second, nil)
	require.NoError(t, err)

	points := []Point{{Section: SectionResults, Priority: 5, Guidance: "g"}}
	go func() {
		// Wait for the prompt so the watcher is running.
		for i := 0; i < 200; i++ {
			if _, err := os.Stat(in.PromptPath("wf", 4)); err == nil {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		tmp := filepath.Join(dir, "reply.tmp")
		_ = os.WriteFile(tmp, []byte("dropped answer"), 0o600)
		_ = os.Rename(tmp, in.ReplyPath("wf", 4))
	}()

	got, err := in.Collect(context.Background(), Request{WorkflowID: "wf", Iteration: 4, Points: points})
	require.NoError(t, err)
	assert.Equal(t, "dropped answer", got)

	prompt, err := os.ReadFile(in.PromptPath("wf", 4))
	require.NoError(t, err)
	assert.Contains(t, string(prompt), "wf_4.txt")
	assert.Contains(t, string(prompt), "RESULTS")
}

func TestInboxTimeout(t *testing.T) {
	in, err := NewInbox(t.TempDir(), 30*time.Millisecond, nil)
	require.NoError(t, err)

	_, err = in.Collect(context.Background(), Request{WorkflowID: "wf", Iteration: 1})
	assert.ErrorIs(t, err, ErrNoInput)
}

func TestInboxCancelled(t *testing.T) {
	in, err := NewInbox(t.TempDir(), 0, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = in.Collect(ctx, Request{WorkflowID: "wf", Iteration: 1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "humanizer.wf-1.iteration.completed", Subject("humanizer", "wf-1", KindIterationCompleted))
	assert.Equal(t, "custom.wf.failed", NewNATSPublisher(nil, "custom", nil).Subject(Event{WorkflowID: "wf", Kind: KindFailed}))
	assert.Equal(t, "humanizer.wf.started", NewNATSPublisher(nil, "", nil).Subject(Event{WorkflowID: "wf", Kind: KindStarted}))
}

func TestNATSPublisher(t *testing.T) {
	server := startTestNATSServer(t)

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	ch := make(chan *nats.Msg, 4)
	s, err := sub.ChanSubscribe("humanizer.wf-1.>", ch)
	require.NoError(t, err)
	defer func() { _ = s.Unsubscribe() }()
	require.NoError(t, sub.Flush())

	pub, err := Connect(server.ClientURL(), "humanizer", nil)
	require.NoError(t, err)

	score := 18.0
	require.NoError(t, pub.Publish(context.Background(), Event{
		Kind:           KindIterationCompleted,
		WorkflowID:     "wf-1",
		Iteration:      3,
		Aggression:     "intensive",
		DetectionScore: &score,
	}))
	require.NoError(t, pub.Publish(context.Background(), Event{
		Kind:        KindCompleted,
		WorkflowID:  "wf-1",
		Status:      "completed",
		ExitReason:  "quality_gate",
		FinalScores: map[string]float64{"originality": 18},
	}))
	require.NoError(t, pub.Close())

	receive := func() (*nats.Msg, Event) {
		t.Helper()
		select {
		case msg := <-ch:
			var e Event
			require.NoError(t, json.Unmarshal(msg.Data, &e))
			return msg, e
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for event")
		}
		return nil, Event{}
	}

	msg, e := receive()
	assert.Equal(t, "humanizer.wf-1.iteration.completed", msg.Subject)
	assert.Equal(t, 3, e.Iteration)
	require.NotNil(t, e.DetectionScore)
	assert.Equal(t, 18.0, *e.DetectionScore)
	assert.False(t, e.Timestamp.IsZero())

	msg, e = receive()
	assert.Equal(t, "humanizer.wf-1.completed", msg.Subject)
	assert.Equal(t, "quality_gate", e.ExitReason)
	assert.Equal(t, 18.0, e.FinalScores["originality"])
}

func TestConnectFailure(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1", "humanizer", nil)
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), Event{}))
	assert.NoError(t, p.Close())
}

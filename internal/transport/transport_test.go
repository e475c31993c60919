package transport

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"groundwork/sync/internal/project"
)

func TestLoopbackFanOut(t *testing.T) {
	bus := NewLoopbackBus()
	alice := bus.Attach("proj-1", "alice")
	bob := bus.Attach("proj-1", "bob")
	carol := bus.Attach("proj-2", "carol")

	var bobGot, carolGot []Message
	bob.Subscribe(func(msg Message) { bobGot = append(bobGot, msg) })
	carol.Subscribe(func(msg Message) { carolGot = append(carolGot, msg) })
	alice.Subscribe(func(msg Message) {
		t.Errorf("sender received its own message: %+v", msg)
	})

	err := alice.Send(context.Background(), Message{
		Type:       KindTextOp,
		DocumentID: "doc-1",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(bobGot) != 1 {
		t.Fatalf("bob received %d messages, want 1", len(bobGot))
	}
	if bobGot[0].SenderID != "alice" || bobGot[0].ProjectID != "proj-1" {
		t.Fatalf("envelope not stamped: %+v", bobGot[0])
	}
	if len(carolGot) != 0 {
		t.Fatalf("other project received %d messages, want 0", len(carolGot))
	}
}

func TestLoopbackClosedEndpointReceivesNothing(t *testing.T) {
	bus := NewLoopbackBus()
	alice := bus.Attach("proj-1", "alice")
	bob := bus.Attach("proj-1", "bob")

	got := 0
	bob.Subscribe(func(Message) { got++ })
	if err := bob.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	_ = alice.Send(context.Background(), Message{Type: KindCursorClear, UserID: "alice"})
	if got != 0 {
		t.Fatalf("closed endpoint received %d messages", got)
	}
}

func newRedisPair(t *testing.T) (*RedisTransport, *RedisTransport) {
	t.Helper()
	mr := miniredis.RunT(t)
	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		clientA.Close()
		clientB.Close()
	})

	a := NewRedisTransportWithClient(clientA, "proj-1", "alice")
	b := NewRedisTransportWithClient(clientB, "proj-1", "bob")
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func waitFor(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return Message{}
	}
}

func TestRedisRelayDelivers(t *testing.T) {
	a, b := newRedisPair(t)

	received := make(chan Message, 4)
	b.Subscribe(func(msg Message) { received <- msg })

	snap := &project.Snapshot{TheoryNarrativeHTML: "<p>emerging theory</p>", UpdatedAt: 42}
	err := a.Send(context.Background(), Message{
		Type:       KindProjectUpdate,
		ProjectRaw: snap,
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msg := waitFor(t, received)
	if msg.Type != KindProjectUpdate {
		t.Fatalf("message type = %q, want %q", msg.Type, KindProjectUpdate)
	}
	if msg.SenderID != "alice" || msg.ProjectID != "proj-1" {
		t.Fatalf("envelope not stamped: sender=%q project=%q", msg.SenderID, msg.ProjectID)
	}
	if msg.ProjectRaw == nil || msg.ProjectRaw.UpdatedAt != 42 {
		t.Fatalf("snapshot payload lost: %+v", msg.ProjectRaw)
	}
}

func TestRedisRelaySuppressesOwnEcho(t *testing.T) {
	a, b := newRedisPair(t)

	aReceived := make(chan Message, 4)
	bReceived := make(chan Message, 4)
	a.Subscribe(func(msg Message) { aReceived <- msg })
	b.Subscribe(func(msg Message) { bReceived <- msg })

	if err := a.Send(context.Background(), Message{Type: KindTextSync, DocumentID: "doc-1"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	// bob sees it; alice must not see her own message come back.
	waitFor(t, bReceived)
	select {
	case msg := <-aReceived:
		t.Fatalf("sender received its own echo: %+v", msg)
	case <-time.After(200 * time.Millisecond):
	}
}

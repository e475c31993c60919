package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"groundwork/sync/internal/config"
	"groundwork/sync/internal/project"
	"groundwork/sync/internal/store"
	"groundwork/sync/internal/transport"
)

// fakeStore is an in-memory Store with a controllable load latency.
type fakeStore struct {
	loadDelay time.Duration

	mu        sync.Mutex
	persisted *project.Snapshot
	saves     []*project.Snapshot
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) LoadProject(_ context.Context, _ string) (*project.Snapshot, error) {
	if f.loadDelay > 0 {
		time.Sleep(f.loadDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.persisted == nil {
		return nil, store.ErrNotFound
	}
	return f.persisted.Clone(), nil
}

func (f *fakeStore) SaveProject(_ context.Context, _ string, snap *project.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, snap.Clone())
	return nil
}

func (f *fakeStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func TestWelcomeWaitsForHydration(t *testing.T) {
	fs := &fakeStore{
		loadDelay: 100 * time.Millisecond,
		persisted: &project.Snapshot{
			Documents: []project.Document{{ID: "doc-1", Title: "Interview 1", Text: "transcribed text"}},
			UpdatedAt: 1111,
		},
	}
	svc := New(config.Config{}, fs, nil, nil, nil, nil)

	// The first joiner races the slow load; it must still get the persisted
	// project, never the empty replica the room starts from.
	msgs := svc.welcome("proj-1")
	if len(msgs) < 2 {
		t.Fatalf("welcome batch = %d messages, want snapshot plus text sync", len(msgs))
	}
	first := msgs[0]
	if first.Type != transport.KindProjectUpdate {
		t.Fatalf("first message type = %q, want %q", first.Type, transport.KindProjectUpdate)
	}
	if first.ProjectRaw == nil || len(first.ProjectRaw.Documents) != 1 {
		t.Fatalf("welcome snapshot = %+v, want the persisted project", first.ProjectRaw)
	}
	if first.ProjectRaw.Documents[0].ID != "doc-1" {
		t.Fatalf("welcome document = %q, want %q", first.ProjectRaw.Documents[0].ID, "doc-1")
	}

	foundSync := false
	for _, m := range msgs[1:] {
		if m.Type == transport.KindTextSync && m.DocumentID == "doc-1" {
			foundSync = true
		}
	}
	if !foundSync {
		t.Fatal("welcome batch missing the text sync for doc-1")
	}
}

func TestHydrationDoesNotWriteBack(t *testing.T) {
	fs := &fakeStore{
		persisted: &project.Snapshot{
			Documents: []project.Document{{ID: "doc-1", Title: "Interview 1", Text: "kept"}},
			UpdatedAt: 1111,
		},
	}
	svc := New(config.Config{AutosaveIdle: time.Millisecond}, fs, nil, nil, nil, nil)

	// Cold room start: loading the persisted snapshot must not schedule a
	// write of the same snapshot straight back out.
	svc.welcome("proj-1")
	time.Sleep(50 * time.Millisecond)
	if n := fs.saveCount(); n != 0 {
		t.Fatalf("hydration scheduled %d writes, want 0", n)
	}

	// A genuinely newer client snapshot still reaches the store.
	svc.onClientMessage("proj-1", transport.Message{
		Type: transport.KindProjectUpdate,
		ProjectRaw: &project.Snapshot{
			Documents: []project.Document{{ID: "doc-1", Title: "Interview 1", Text: "kept and extended"}},
			UpdatedAt: time.Now().UnixMilli() + 60_000,
		},
	})
	deadline := time.Now().Add(2 * time.Second)
	for fs.saveCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := fs.saveCount(); n != 1 {
		t.Fatalf("saves after client update = %d, want 1", n)
	}
}

package binding

import (
	"context"
	"sync"
	"testing"
	"time"

	"groundwork/sync/internal/replica"
	"groundwork/sync/internal/seedlock"
)

// manualTimer is armed but only fires when the test says so.
type manualTimer struct {
	mu      sync.Mutex
	fn      func()
	stopped bool
}

func (m *manualTimer) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.stopped
	m.stopped = true
	return !was
}

func (m *manualTimer) fire() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	fn := m.fn
	m.mu.Unlock()
	fn()
}

type timerLog struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (l *timerLog) factory(_ time.Duration, fn func()) Timer {
	timer := &manualTimer{fn: fn}
	l.mu.Lock()
	l.timers = append(l.timers, timer)
	l.mu.Unlock()
	return timer
}

func (l *timerLog) last() *manualTimer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.timers) == 0 {
		return nil
	}
	return l.timers[len(l.timers)-1]
}

type opRecorder struct {
	mu      sync.Mutex
	batches [][]replica.Op
}

func (r *opRecorder) record(_ string, ops []replica.Op) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, ops)
}

func (r *opRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func newTestBinding(t *testing.T, holderID string, body *replica.Text, locker seedlock.Locker, timers *timerLog, rec *opRecorder) *Binding {
	t.Helper()
	return New(Options{
		DocumentID: "doc-1",
		HolderID:   holderID,
		LegacyHTML: "<p>Hello</p>",
		Body:       body,
		Locker:     locker,
		NewTimer:   timers.factory,
		OnOps:      rec.record,
	})
}

func TestSeedsAfterWinningLock(t *testing.T) {
	body := replica.NewText("alice")
	locker := seedlock.NewMemoryLocker(0)
	timers := &timerLog{}
	rec := &opRecorder{}
	b := newTestBinding(t, "alice", body, locker, timers, rec)

	b.Start(context.Background())
	if b.State() != AwaitingFirstSync {
		t.Fatalf("State() = %q, want %q", b.State(), AwaitingFirstSync)
	}

	body.MarkSynced()

	if b.State() != Seeded {
		t.Fatalf("State() = %q, want %q", b.State(), Seeded)
	}
	if got := body.String(); got != "Hello" {
		t.Fatalf("body = %q, want %q", got, "Hello")
	}
	if rec.count() != 1 {
		t.Fatalf("op batches = %d, want 1", rec.count())
	}
}

func TestNeverSeedsBeforeFirstSync(t *testing.T) {
	body := replica.NewText("alice")
	timers := &timerLog{}
	rec := &opRecorder{}
	b := newTestBinding(t, "alice", body, seedlock.NewMemoryLocker(0), timers, rec)

	b.Start(context.Background())

	if !body.Empty() {
		t.Fatal("body written before the first-sync signal")
	}
	if b.State() != AwaitingFirstSync {
		t.Fatalf("State() = %q, want %q", b.State(), AwaitingFirstSync)
	}
}

func TestLockLoserArmsFallbackAndSeeds(t *testing.T) {
	locker := seedlock.NewMemoryLocker(0)
	ctx := context.Background()

	// Someone else already holds the lock.
	if ok, _ := locker.TryAcquire(ctx, "doc-1", "bob"); !ok {
		t.Fatal("pre-acquire failed")
	}

	body := replica.NewText("alice")
	timers := &timerLog{}
	rec := &opRecorder{}
	b := newTestBinding(t, "alice", body, locker, timers, rec)
	b.Start(ctx)
	body.MarkSynced()

	if b.State() != Deciding {
		t.Fatalf("State() = %q, want %q", b.State(), Deciding)
	}
	fallback := timers.last()
	if fallback == nil {
		t.Fatal("fallback timer not armed")
	}

	// The holder died without writing: fallback seeds anyway.
	fallback.fire()
	if b.State() != Seeded {
		t.Fatalf("State() = %q, want %q", b.State(), Seeded)
	}
	if body.String() != "Hello" {
		t.Fatalf("body = %q, want %q", body.String(), "Hello")
	}
}

func TestFallbackCancelledByRemoteOp(t *testing.T) {
	locker := seedlock.NewMemoryLocker(0)
	ctx := context.Background()
	if ok, _ := locker.TryAcquire(ctx, "doc-1", "bob"); !ok {
		t.Fatal("pre-acquire failed")
	}

	body := replica.NewText("alice")
	timers := &timerLog{}
	rec := &opRecorder{}
	b := newTestBinding(t, "alice", body, locker, timers, rec)
	b.Start(ctx)
	body.MarkSynced()

	// The lock winner's seed arrives.
	seeder := replica.NewText("bob")
	for _, op := range seeder.InsertStringAt(0, "Hello") {
		if _, err := body.Apply(op); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
	}
	b.ObserveRemoteOp()

	if b.State() != Skipped {
		t.Fatalf("State() = %q, want %q", b.State(), Skipped)
	}

	// A straggling fallback fire must not double the content.
	if fallback := timers.last(); fallback != nil {
		fallback.fire()
	}
	if body.String() != "Hello" {
		t.Fatalf("body = %q, want %q", body.String(), "Hello")
	}
	if rec.count() != 0 {
		t.Fatalf("op batches = %d, want 0", rec.count())
	}
}

func TestSeedsExactlyOnceAcrossTwoClients(t *testing.T) {
	locker := seedlock.NewMemoryLocker(0)
	ctx := context.Background()

	bodyA := replica.NewText("alice")
	bodyB := replica.NewText("bob")
	timersA, timersB := &timerLog{}, &timerLog{}

	var mu sync.Mutex
	relayAtoB := func(_ string, ops []replica.Op) {
		mu.Lock()
		defer mu.Unlock()
		for _, op := range ops {
			if _, err := bodyB.Apply(op); err != nil {
				t.Errorf("Apply() error = %v", err)
			}
		}
	}
	relayBtoA := func(_ string, ops []replica.Op) {
		mu.Lock()
		defer mu.Unlock()
		for _, op := range ops {
			if _, err := bodyA.Apply(op); err != nil {
				t.Errorf("Apply() error = %v", err)
			}
		}
	}

	bindA := New(Options{
		DocumentID: "doc-1", HolderID: "alice", LegacyHTML: "<p>Hello</p>",
		Body: bodyA, Locker: locker, NewTimer: timersA.factory, OnOps: relayAtoB,
	})
	bindB := New(Options{
		DocumentID: "doc-1", HolderID: "bob", LegacyHTML: "<p>Hello</p>",
		Body: bodyB, Locker: locker, NewTimer: timersB.factory, OnOps: relayBtoA,
	})

	bindA.Start(ctx)
	bindB.Start(ctx)

	// Both receive the first-sync signal; one wins the lock.
	bodyA.MarkSynced()
	bodyB.MarkSynced()
	bindB.ObserveRemoteOp()

	// Any armed fallback fires late.
	if timer := timersA.last(); timer != nil {
		timer.fire()
	}
	if timer := timersB.last(); timer != nil {
		timer.fire()
	}

	if bodyA.String() != "Hello" || bodyB.String() != "Hello" {
		t.Fatalf("bodies = %q / %q, want %q once each", bodyA.String(), bodyB.String(), "Hello")
	}
	seeded := 0
	for _, b := range []*Binding{bindA, bindB} {
		if b.State() == Seeded {
			seeded++
		}
	}
	if seeded != 1 {
		t.Fatalf("%d bindings seeded, want exactly 1", seeded)
	}
}

func TestFallbackRaceBoundsDuplicateSeeds(t *testing.T) {
	locker := seedlock.NewMemoryLocker(0)
	ctx := context.Background()

	bodyA := replica.NewText("alice")
	bodyB := replica.NewText("bob")
	timersA, timersB := &timerLog{}, &timerLog{}

	// Ops are held back instead of relayed, modeling a delivery path that
	// stalls past the fallback window.
	var heldA, heldB []replica.Op
	bindA := New(Options{
		DocumentID: "doc-1", HolderID: "alice", LegacyHTML: "<p>Hello</p>",
		Body: bodyA, Locker: locker, NewTimer: timersA.factory,
		OnOps: func(_ string, ops []replica.Op) { heldA = append(heldA, ops...) },
	})
	bindB := New(Options{
		DocumentID: "doc-1", HolderID: "bob", LegacyHTML: "<p>Hello</p>",
		Body: bodyB, Locker: locker, NewTimer: timersB.factory,
		OnOps: func(_ string, ops []replica.Op) { heldB = append(heldB, ops...) },
	})

	bindA.Start(ctx)
	bindB.Start(ctx)
	bodyA.MarkSynced()
	bodyB.MarkSynced()

	// The winner's ops never arrived, so the loser's fallback seeds too.
	fallback := timersB.last()
	if fallback == nil {
		t.Fatal("fallback timer not armed on the lock loser")
	}
	fallback.fire()

	if bindA.State() != Seeded || bindB.State() != Seeded {
		t.Fatalf("states = %q/%q, want both %q in the double-seed race", bindA.State(), bindB.State(), Seeded)
	}

	// Delivery resumes: the merge must converge with the seed text
	// duplicated at most once, never multiplied further.
	for _, op := range heldA {
		if _, err := bodyB.Apply(op); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
	}
	for _, op := range heldB {
		if _, err := bodyA.Apply(op); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
	}

	if bodyA.String() != bodyB.String() {
		t.Fatalf("replicas diverged: %q vs %q", bodyA.String(), bodyB.String())
	}
	if got := bodyA.String(); got != "HelloHello" {
		t.Fatalf("merged body = %q, want the seed text exactly twice", got)
	}
}

func TestEditorContentSkipsSeed(t *testing.T) {
	body := replica.NewText("alice")
	timers := &timerLog{}
	rec := &opRecorder{}
	b := newTestBinding(t, "alice", body, seedlock.NewMemoryLocker(0), timers, rec)
	b.Start(context.Background())

	b.ObserveEditorContent(true)
	body.MarkSynced()

	if b.State() != Skipped {
		t.Fatalf("State() = %q, want %q", b.State(), Skipped)
	}
	if !body.Empty() {
		t.Fatal("seed written despite editor content")
	}
}

func TestLocalEditSurfacesOpsAndSkips(t *testing.T) {
	body := replica.NewText("alice")
	timers := &timerLog{}
	rec := &opRecorder{}
	b := newTestBinding(t, "alice", body, seedlock.NewMemoryLocker(0), timers, rec)
	b.Start(context.Background())

	b.LocalInsert(0, "typed")
	if b.State() != Skipped {
		t.Fatalf("State() = %q, want %q", b.State(), Skipped)
	}
	if body.String() != "typed" {
		t.Fatalf("body = %q, want %q", body.String(), "typed")
	}
	if rec.count() != 1 {
		t.Fatalf("op batches = %d, want 1", rec.count())
	}

	b.LocalDelete(0, 2)
	if body.String() != "ped" {
		t.Fatalf("body = %q, want %q", body.String(), "ped")
	}

	// First sync arriving later must not seed on top.
	body.MarkSynced()
	if body.String() != "ped" {
		t.Fatalf("body = %q after sync, want %q", body.String(), "ped")
	}
}

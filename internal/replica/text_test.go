package replica

import (
	"math/rand"
	"testing"
)

func TestLocalInsertDelete(t *testing.T) {
	text := NewText("a")

	ops := text.InsertStringAt(0, "hello")
	if len(ops) != 5 {
		t.Fatalf("InsertStringAt() returned %d ops, want 5", len(ops))
	}
	if got := text.String(); got != "hello" {
		t.Fatalf("String() = %q, want %q", got, "hello")
	}

	text.InsertStringAt(5, " world")
	if got := text.String(); got != "hello world" {
		t.Fatalf("String() = %q, want %q", got, "hello world")
	}

	op, ok := text.DeleteAt(0)
	if !ok {
		t.Fatal("DeleteAt(0) reported out of range")
	}
	if op.Kind != OpDelete {
		t.Fatalf("DeleteAt() op kind = %q, want %q", op.Kind, OpDelete)
	}
	if got := text.String(); got != "ello world" {
		t.Fatalf("String() after delete = %q, want %q", got, "ello world")
	}
	if text.Len() != 10 {
		t.Fatalf("Len() = %d, want 10", text.Len())
	}

	if _, ok := text.DeleteAt(99); ok {
		t.Fatal("DeleteAt(99) succeeded out of range")
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	a := NewText("a")
	b := NewText("b")

	ops := a.InsertStringAt(0, "abc")
	for _, op := range ops {
		if _, err := b.Apply(op); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
	}
	// Redeliver the whole batch.
	for _, op := range ops {
		changed, err := b.Apply(op)
		if err != nil {
			t.Fatalf("Apply() redelivery error = %v", err)
		}
		if changed {
			t.Fatalf("Apply() redelivery of %s changed state", op.ID)
		}
	}
	if b.String() != "abc" {
		t.Fatalf("String() = %q, want %q", b.String(), "abc")
	}
}

func TestConcurrentInsertsConverge(t *testing.T) {
	a := NewText("a")
	b := NewText("b")

	base := a.InsertStringAt(0, "xy")
	for _, op := range base {
		if _, err := b.Apply(op); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
	}

	// Both sites insert at offset 1 without seeing each other.
	opA := a.InsertAt(1, 'A')
	opB := b.InsertAt(1, 'B')

	if _, err := a.Apply(opB); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if _, err := b.Apply(opA); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if a.String() != b.String() {
		t.Fatalf("replicas diverged: %q vs %q", a.String(), b.String())
	}
}

func TestConvergenceUnderReordering(t *testing.T) {
	a := NewText("a")
	b := NewText("b")

	var ops []Op
	ops = append(ops, a.InsertStringAt(0, "the quick brown fox")...)
	for i := 0; i < 4; i++ {
		if op, ok := a.DeleteAt(i * 2); ok {
			ops = append(ops, op)
		}
	}
	ops = append(ops, a.InsertStringAt(3, "ZZ")...)

	// Deliver to b in a shuffled order, some ops twice.
	r := rand.New(rand.NewSource(7))
	shuffled := append([]Op(nil), ops...)
	shuffled = append(shuffled, ops[len(ops)/2], ops[0])
	r.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	for _, op := range shuffled {
		if _, err := b.Apply(op); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
	}

	if a.String() != b.String() {
		t.Fatalf("replicas diverged: %q vs %q", a.String(), b.String())
	}
}

func TestRemoteOpsCounter(t *testing.T) {
	a := NewText("a")
	b := NewText("b")

	if b.RemoteOps() != 0 {
		t.Fatalf("RemoteOps() = %d, want 0", b.RemoteOps())
	}
	for _, op := range a.InsertStringAt(0, "hi") {
		if _, err := b.Apply(op); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
	}
	if b.RemoteOps() != 2 {
		t.Fatalf("RemoteOps() = %d, want 2", b.RemoteOps())
	}
	// Applying our own echoed ops must not count as remote.
	ownOps := b.InsertStringAt(0, "z")
	for _, op := range ownOps {
		if _, err := b.Apply(op); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
	}
	if b.RemoteOps() != 2 {
		t.Fatalf("RemoteOps() after own echo = %d, want 2", b.RemoteOps())
	}
}

func TestFirstSyncSignal(t *testing.T) {
	text := NewText("a")
	fired := 0
	text.OnFirstSync(func() { fired++ })

	if text.Synced() {
		t.Fatal("Synced() true before MarkSynced")
	}
	text.MarkSynced()
	text.MarkSynced()
	if fired != 1 {
		t.Fatalf("callback fired %d times, want 1", fired)
	}
	if !text.Synced() {
		t.Fatal("Synced() false after MarkSynced")
	}

	// Late registration runs immediately.
	late := 0
	text.OnFirstSync(func() { late++ })
	if late != 1 {
		t.Fatalf("late callback fired %d times, want 1", late)
	}
}

func TestExportOpsTransfersState(t *testing.T) {
	a := NewText("a")
	a.InsertStringAt(0, "grounded")
	a.DeleteAt(0)
	a.InsertStringAt(0, "un")

	joiner := NewText("b")
	for _, op := range a.ExportOps() {
		if _, err := joiner.Apply(op); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
	}
	if joiner.String() != a.String() {
		t.Fatalf("joiner state %q, want %q", joiner.String(), a.String())
	}

	// Replaying the export into a replica that already has it is a no-op.
	for _, op := range a.ExportOps() {
		changed, err := joiner.Apply(op)
		if err != nil {
			t.Fatalf("Apply() replay error = %v", err)
		}
		if changed && op.Kind == OpInsert {
			t.Fatalf("replay of %s changed state", op.ID)
		}
	}
	if joiner.String() != a.String() {
		t.Fatalf("joiner state after replay %q, want %q", joiner.String(), a.String())
	}
}

func TestIDAtAndOffsetOf(t *testing.T) {
	text := NewText("a")
	text.InsertStringAt(0, "abcd")

	id, ok := text.IDAt(2)
	if !ok {
		t.Fatal("IDAt(2) not found")
	}
	offset, ok := text.OffsetOf(id)
	if !ok || offset != 2 {
		t.Fatalf("OffsetOf() = %d, %v, want 2, true", offset, ok)
	}

	// A deletion before the position shifts the visible offset.
	text.DeleteAt(0)
	offset, ok = text.OffsetOf(id)
	if !ok || offset != 1 {
		t.Fatalf("OffsetOf() after delete = %d, %v, want 1, true", offset, ok)
	}

	// Tombstoned elements resolve to nothing.
	text.DeleteAt(offset)
	if _, ok := text.OffsetOf(id); ok {
		t.Fatal("OffsetOf() resolved a tombstoned element")
	}
	if _, ok := text.IDAt(99); ok {
		t.Fatal("IDAt(99) resolved out of range")
	}
}

func TestParseElemID(t *testing.T) {
	id := ElemID{Site: "user_1:extra", Seq: 42}
	parsed, err := ParseElemID(id.String())
	if err != nil {
		t.Fatalf("ParseElemID() error = %v", err)
	}
	if parsed != id {
		t.Fatalf("ParseElemID() = %+v, want %+v", parsed, id)
	}

	if _, err := ParseElemID("no-separator"); err == nil {
		t.Fatal("ParseElemID() accepted malformed input")
	}
	if _, err := ParseElemID("site:notanumber"); err == nil {
		t.Fatal("ParseElemID() accepted non-numeric seq")
	}
}

func TestStoreLazyBodies(t *testing.T) {
	store := NewStore("site-1")
	if store.Has("doc-1") {
		t.Fatal("Has() true before first access")
	}
	body := store.Body("doc-1")
	if body == nil {
		t.Fatal("Body() returned nil")
	}
	if !store.Has("doc-1") {
		t.Fatal("Has() false after access")
	}
	if store.Body("doc-1") != body {
		t.Fatal("Body() did not return the same instance")
	}
	if keys := store.Keys(); len(keys) != 1 || keys[0] != "doc-1" {
		t.Fatalf("Keys() = %v, want [doc-1]", keys)
	}
}

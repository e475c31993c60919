// Package binding glues one document's editor surface to its replicated
// body. Its single delicate job is the seed decision: injecting the legacy
// HTML snapshot into the replicated structure exactly once, on at most one
// client, and never on top of content that already exists anywhere.
package binding

import (
	"context"
	"log"
	"sync"
	"time"

	"groundwork/sync/internal/project"
	"groundwork/sync/internal/replica"
	"groundwork/sync/internal/seedlock"
)

// State is the per-session seed lifecycle of one document.
type State string

const (
	// Unsynced - binding created, first-sync handshake not yet observed.
	Unsynced State = "unsynced"
	// AwaitingFirstSync - started, watching for the first-sync signal.
	AwaitingFirstSync State = "awaiting_first_sync"
	// Deciding - first sync arrived, lock acquisition or fallback pending.
	Deciding State = "deciding"
	// Seeded - this session wrote the legacy snapshot. Terminal.
	Seeded State = "seeded"
	// Skipped - something else supplied content. Terminal.
	Skipped State = "skipped"
)

// DefaultFallbackWait is how long a client that lost the seed lock waits
// before seeding anyway. The fallback covers a lock holder that died without
// writing; it is cancelled the instant content or a remote op appears.
const DefaultFallbackWait = 1200 * time.Millisecond

// Timer is an armed one-shot callback.
type Timer interface {
	Stop() bool
}

// TimerFactory arms a one-shot timer. Tests substitute a manual trigger.
type TimerFactory func(d time.Duration, fn func()) Timer

type stdTimer struct{ t *time.Timer }

func (s stdTimer) Stop() bool { return s.t.Stop() }

func realTimer(d time.Duration, fn func()) Timer {
	return stdTimer{t: time.AfterFunc(d, fn)}
}

// Binding drives the seed decision for one document and surfaces local edits
// as outgoing operations.
type Binding struct {
	documentID string
	holderID   string
	legacyHTML string

	body   *replica.Text
	locker seedlock.Locker

	fallbackWait time.Duration
	newTimer     TimerFactory

	// onOps receives every outgoing operation batch: seeds and local edits.
	// Called outside the binding's lock.
	onOps func(documentID string, ops []replica.Op)

	mu            sync.Mutex
	state         State
	editorContent bool
	fallback      Timer
}

// Options configures a Binding.
type Options struct {
	DocumentID   string
	HolderID     string
	LegacyHTML   string
	Body         *replica.Text
	Locker       seedlock.Locker
	FallbackWait time.Duration
	NewTimer     TimerFactory
	OnOps        func(documentID string, ops []replica.Op)
}

// New creates a binding in the Unsynced state. Call Start to begin watching
// for the first-sync signal.
func New(opts Options) *Binding {
	b := &Binding{
		documentID:   opts.DocumentID,
		holderID:     opts.HolderID,
		legacyHTML:   opts.LegacyHTML,
		body:         opts.Body,
		locker:       opts.Locker,
		fallbackWait: opts.FallbackWait,
		newTimer:     opts.NewTimer,
		onOps:        opts.OnOps,
		state:        Unsynced,
	}
	if b.fallbackWait <= 0 {
		b.fallbackWait = DefaultFallbackWait
	}
	if b.newTimer == nil {
		b.newTimer = realTimer
	}
	if b.onOps == nil {
		b.onOps = func(string, []replica.Op) {}
	}
	return b
}

// State returns the current lifecycle state.
func (b *Binding) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Start begins watching for the first-sync signal. Before the signal
// arrives the legacy HTML is never written: doing so risks the structure
// later merging with itself and duplicating content.
func (b *Binding) Start(ctx context.Context) {
	b.mu.Lock()
	if b.state != Unsynced {
		b.mu.Unlock()
		return
	}
	b.state = AwaitingFirstSync
	b.mu.Unlock()

	b.body.OnFirstSync(func() {
		b.handleFirstSync(ctx)
	})
}

// ObserveEditorContent tells the binding whether the local editor currently
// shows non-empty content. Non-empty content before the seed decision means
// something else already supplied content: skip.
func (b *Binding) ObserveEditorContent(nonEmpty bool) {
	b.mu.Lock()
	b.editorContent = nonEmpty
	b.mu.Unlock()
	if nonEmpty {
		b.skip("local editor has content")
	}
}

// ObserveRemoteOp tells the binding a remote operation reached the body.
// Any remote op before the seed decision is final: skip.
func (b *Binding) ObserveRemoteOp() {
	b.skip("remote operation observed")
}

func (b *Binding) skip(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.skipLocked(reason)
}

func (b *Binding) skipLocked(reason string) {
	switch b.state {
	case Seeded, Skipped:
		return
	}
	if b.fallback != nil {
		b.fallback.Stop()
		b.fallback = nil
	}
	b.state = Skipped
	log.Printf("binding: document %s skip seed: %s", b.documentID, reason)
}

func (b *Binding) handleFirstSync(ctx context.Context) {
	b.mu.Lock()
	switch b.state {
	case Seeded, Skipped:
		b.mu.Unlock()
		return
	}
	b.state = Deciding
	if !b.seedStillPossibleLocked() {
		b.skipLocked("content present at first sync")
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	acquired, err := b.locker.TryAcquire(ctx, b.documentID, b.holderID)
	if err != nil {
		log.Printf("binding: document %s seed lock error, arming fallback: %v", b.documentID, err)
		acquired = false
	}

	b.mu.Lock()
	if b.state != Deciding {
		b.mu.Unlock()
		return
	}
	if acquired {
		b.seedLocked("lock")
		return // seedLocked unlocks
	}

	// Another client holds the lock. Arm the safety net in case the holder
	// died before writing.
	b.fallback = b.newTimer(b.fallbackWait, b.fallbackFired)
	b.mu.Unlock()
}

func (b *Binding) fallbackFired() {
	b.mu.Lock()
	if b.state != Deciding {
		b.mu.Unlock()
		return
	}
	if !b.seedStillPossibleLocked() {
		b.skipLocked("content arrived before fallback")
		b.mu.Unlock()
		return
	}
	b.seedLocked("fallback")
}

// seedStillPossibleLocked re-checks every condition that makes seeding
// unsafe: editor content, replicated content, or any observed remote op.
func (b *Binding) seedStillPossibleLocked() bool {
	return !b.editorContent && b.body.Empty() && b.body.RemoteOps() == 0
}

// seedLocked writes the legacy snapshot once and releases the lock before
// invoking the op callback.
func (b *Binding) seedLocked(how string) {
	text := project.HTMLToText(b.legacyHTML)
	if b.fallback != nil {
		b.fallback.Stop()
		b.fallback = nil
	}
	b.state = Seeded
	b.mu.Unlock()

	ops := b.body.InsertStringAt(0, text)
	log.Printf("binding: document %s seeded via %s (%d runes)", b.documentID, how, len(ops))
	if len(ops) > 0 {
		b.onOps(b.documentID, ops)
	}
}

// LocalInsert applies an editor insertion to the body and surfaces the ops.
func (b *Binding) LocalInsert(offset int, s string) {
	if s == "" {
		return
	}
	b.mu.Lock()
	b.editorContent = true
	b.skipLocked("local edit supplied content")
	b.mu.Unlock()

	ops := b.body.InsertStringAt(offset, s)
	b.onOps(b.documentID, ops)
}

// LocalDelete applies an editor deletion of n runes at offset and surfaces
// the ops.
func (b *Binding) LocalDelete(offset, n int) {
	ops := make([]replica.Op, 0, n)
	for i := 0; i < n; i++ {
		op, ok := b.body.DeleteAt(offset)
		if !ok {
			break
		}
		ops = append(ops, op)
	}
	if len(ops) > 0 {
		b.onOps(b.documentID, ops)
	}
}

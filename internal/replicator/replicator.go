// Package replicator maintains the non-text project state as a single
// versioned snapshot. Incoming snapshots pass a heuristic acceptance test
// (last writer wins on a wall-clock stamp, with escape hatches for sentinel
// resets, dirty local edits, suspected content wipes and clock skew);
// accepted ones replace local state wholesale. Outgoing snapshots are
// change-detected against the last sent form and debounced.
//
// There is no causal ordering guarantee here - adversarial clock skew can
// misorder writers. That is a documented property of the protocol, not a
// bug to fix in this package.
package replicator

import (
	"context"
	"log"
	"sync"
	"time"

	"groundwork/sync/internal/project"
	"groundwork/sync/internal/transport"
)

// Defaults for the session context knobs.
const (
	DefaultDebounceIdle   = 1200 * time.Millisecond
	DefaultClockSkewMax   = 30 * time.Second
	DefaultSuppressWindow = 300 * time.Millisecond
)

// Decision says what ApplyRemote did with an incoming snapshot.
type Decision string

const (
	// AcceptedSentinel - local version was the project-switch sentinel; the
	// incoming snapshot fully replaced local state unconditionally.
	AcceptedSentinel Decision = "accepted_sentinel"
	// AcceptedEmpty - local state was empty with no unsynced local edit.
	AcceptedEmpty Decision = "accepted_empty"
	// AcceptedSkew - the version delta exceeded the skew threshold in the
	// direction that marks the local clock unreliable.
	AcceptedSkew Decision = "accepted_skew"
	// AcceptedNewer - plain last-writer-wins acceptance.
	AcceptedNewer Decision = "accepted_newer"
	// RejectedWipe - incoming listed documents but carried zero aggregate
	// text while local state has text; suspected content wipe.
	RejectedWipe Decision = "rejected_wipe"
	// RejectedDirty - an uncommitted local change is not yet reflected in
	// our own outgoing snapshot; remote state must not clobber it.
	RejectedDirty Decision = "rejected_dirty"
	// RejectedStale - incoming version not newer than local.
	RejectedStale Decision = "rejected_stale"
	// RejectedEcho - identical to the snapshot accepted moments ago; dropped
	// inside the feedback-suppression window.
	RejectedEcho Decision = "rejected_echo"
)

// Accepted reports whether the decision replaced local state.
func (d Decision) Accepted() bool {
	switch d {
	case AcceptedSentinel, AcceptedEmpty, AcceptedSkew, AcceptedNewer:
		return true
	}
	return false
}

// Stats counts acceptance outcomes. Stale and wipe rejections are counted,
// not surfaced.
type Stats struct {
	Accepted     int
	StaleDropped int
	WipeRejected int
	DirtyBlocked int
}

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

// Saver receives the debounced snapshot for durable persistence.
type Saver interface {
	Schedule(snap *project.Snapshot)
}

// Replicator is the per-session snapshot replica with its synchronization
// context made explicit: clock, dirty flag, last-sent form and pending
// timer are fields, not ambient state.
type Replicator struct {
	projectID string

	now      func() time.Time
	idle     time.Duration
	skewMax  time.Duration
	suppress time.Duration
	newTimer TimerFactory

	transport transport.Transport
	saver     Saver

	// onApply observes every accepted snapshot (search indexing, UI).
	// Called outside the lock.
	onApply func(snap *project.Snapshot)

	mu            sync.Mutex
	local         *project.Snapshot
	dirty         bool
	lastSent      string
	lastApplied   string
	suppressUntil time.Time
	debounce      Timer
	stats         Stats
}

// Options configures a Replicator.
type Options struct {
	ProjectID    string
	Transport    transport.Transport
	Saver        Saver
	Now          func() time.Time
	DebounceIdle time.Duration
	ClockSkewMax time.Duration
	Suppress     time.Duration
	NewTimer     TimerFactory
	OnApply      func(snap *project.Snapshot)
}

// New creates a replicator holding an empty snapshot at the reset sentinel,
// so the first incoming snapshot for the project fully replaces it.
func New(opts Options) *Replicator {
	r := &Replicator{
		projectID: opts.ProjectID,
		now:       opts.Now,
		idle:      opts.DebounceIdle,
		skewMax:   opts.ClockSkewMax,
		suppress:  opts.Suppress,
		newTimer:  opts.NewTimer,
		transport: opts.Transport,
		saver:     opts.Saver,
		onApply:   opts.OnApply,
		local:     &project.Snapshot{UpdatedAt: project.UpdatedAtReset},
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.idle <= 0 {
		r.idle = DefaultDebounceIdle
	}
	if r.skewMax <= 0 {
		r.skewMax = DefaultClockSkewMax
	}
	if r.suppress <= 0 {
		r.suppress = DefaultSuppressWindow
	}
	if r.newTimer == nil {
		r.newTimer = realTimer
	}
	return r
}

// Snapshot returns a deep copy of the local replica.
func (r *Replicator) Snapshot() *project.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.local.Clone()
}

// Dirty reports whether an uncommitted local change exists.
func (r *Replicator) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

// Stats returns the acceptance counters.
func (r *Replicator) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// SwitchProject points the replica at a different project identity. The
// version resets to the sentinel: the next incoming snapshot, even an empty
// one, must fully replace whatever residue is held here.
func (r *Replicator) SwitchProject(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projectID = projectID
	r.local = &project.Snapshot{UpdatedAt: project.UpdatedAtReset}
	r.dirty = false
	r.lastSent = ""
	r.lastApplied = ""
	r.suppressUntil = time.Time{}
	if r.debounce != nil {
		r.debounce.Stop()
		r.debounce = nil
	}
}

// ApplyRemote runs the acceptance test against an incoming snapshot and
// replaces local state when it passes. The rules run in order; the first
// match decides.
func (r *Replicator) ApplyRemote(incoming *project.Snapshot) Decision {
	r.mu.Lock()

	decision := r.decideLocked(incoming)
	if !decision.Accepted() {
		switch decision {
		case RejectedStale, RejectedEcho:
			r.stats.StaleDropped++
		case RejectedWipe:
			r.stats.WipeRejected++
		case RejectedDirty:
			r.stats.DirtyBlocked++
		}
		r.mu.Unlock()
		if decision == RejectedWipe {
			log.Printf("replicator: WARNING project %s rejected snapshot with %d documents and zero aggregate text (content wipe suspected)", r.projectID, len(incoming.Documents))
		}
		return decision
	}

	accepted := incoming.Clone()
	nowMs := r.now().UnixMilli()
	if accepted.UpdatedAt < nowMs {
		accepted.UpdatedAt = nowMs
	}
	r.local = accepted
	r.dirty = false
	serialized := accepted.Serialize()
	r.lastSent = serialized
	r.lastApplied = serialized
	r.suppressUntil = r.now().Add(r.suppress)
	r.stats.Accepted++
	onApply := r.onApply
	clone := accepted.Clone()
	r.mu.Unlock()

	if onApply != nil {
		onApply(clone)
	}
	return decision
}

func (r *Replicator) decideLocked(incoming *project.Snapshot) Decision {
	// 1. Project-switch sentinel: full replace, no questions asked.
	if r.local.UpdatedAt == project.UpdatedAtReset {
		return AcceptedSentinel
	}

	// Feedback suppression: the snapshot we just accepted can bounce back
	// through the relay; drop the identical echo inside the window.
	if r.now().Before(r.suppressUntil) && incoming.Serialize() == r.lastApplied {
		return RejectedEcho
	}

	// 2. Nothing local worth protecting.
	if r.local.Empty() && !r.dirty {
		return AcceptedEmpty
	}

	// 3. Content-wipe guard: a writer that failed to capture live editor
	// text before snapshotting lists documents with no text.
	if len(incoming.Documents) > 0 && incoming.TextLength() == 0 && r.local.TextLength() > 0 {
		return RejectedWipe
	}

	// 4. In-flight local edits must not be clobbered.
	if r.dirty {
		return RejectedDirty
	}

	// 5. Clock-skew recovery: local stamped implausibly far ahead of the
	// incoming writer means the local clock is the suspect one.
	if r.local.UpdatedAt-incoming.UpdatedAt > r.skewMax.Milliseconds() {
		return AcceptedSkew
	}

	// 6. Plain last writer wins.
	if incoming.UpdatedAt > r.local.UpdatedAt {
		return AcceptedNewer
	}
	return RejectedStale
}

// Mutate applies a local mutation to the snapshot, marks the session dirty
// and re-arms the trailing debounce. The mutation sees the live snapshot.
func (r *Replicator) Mutate(fn func(snap *project.Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.local)
	r.dirty = true
	if r.debounce != nil {
		r.debounce.Stop()
	}
	r.debounce = r.newTimer(r.idle, r.flush)
}

// flush runs when the debounce window closes: diff against the last sent
// form, stamp, broadcast, persist.
func (r *Replicator) flush() {
	r.mu.Lock()
	r.debounce = nil
	serialized := r.local.Serialize()
	if serialized == r.lastSent {
		r.dirty = false
		r.mu.Unlock()
		return
	}

	// Stamp strictly greater than the previous version even if the wall
	// clock has not advanced a full millisecond.
	nowMs := r.now().UnixMilli()
	if nowMs <= r.local.UpdatedAt {
		nowMs = r.local.UpdatedAt + 1
	}
	r.local.UpdatedAt = nowMs
	r.lastSent = serialized
	r.dirty = false
	outgoing := r.local.Clone()
	r.mu.Unlock()

	if r.transport != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.transport.Send(ctx, transport.Message{
			Type:       transport.KindProjectUpdate,
			ProjectRaw: outgoing,
		}); err != nil {
			// Transport loss degrades to local-only; never crash the session.
			log.Printf("replicator: project %s broadcast failed: %v", r.projectID, err)
		}
		cancel()
	}
	if r.saver != nil {
		r.saver.Schedule(outgoing)
	}
}

// FlushNow forces the pending debounce to run immediately. Shutdown hook.
func (r *Replicator) FlushNow() {
	r.mu.Lock()
	pending := r.debounce != nil || r.dirty
	if r.debounce != nil {
		r.debounce.Stop()
		r.debounce = nil
	}
	r.mu.Unlock()
	if pending {
		r.flush()
	}
}

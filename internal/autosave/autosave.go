// Package autosave persists the latest accepted snapshot after a quiet
// period. Writes coalesce: any number of schedules inside the idle window
// produce one write of the final state. A failed write is not retried; the
// next mutation's debounce cycle supersedes it with fresher data, so a
// machine that goes idle forever after a failed write loses that write. The
// last result is exposed for a save-status indicator.
package autosave

import (
	"context"
	"log"
	"sync"
	"time"

	"groundwork/sync/internal/project"
)

// DefaultIdle is the quiet period before a pending snapshot is written.
const DefaultIdle = 1200 * time.Millisecond

const writeTimeout = 10 * time.Second

// Persister is the durable sink for full project snapshots.
type Persister interface {
	SaveProject(ctx context.Context, projectID string, snap *project.Snapshot) error
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

// Status is the scheduler's last known persistence outcome.
type Status struct {
	LastSavedAt time.Time
	LastErr     error
}

// Scheduler debounces snapshot writes into a single pending slot.
type Scheduler struct {
	projectID string
	persister Persister
	idle      time.Duration
	newTimer  TimerFactory

	mu      sync.Mutex
	pending *project.Snapshot
	timer   Timer
	status  Status

	// onSaved, if set, observes each successful write. Used to chain the
	// archive and history sinks onto the persistence path.
	onSaved func(snap *project.Snapshot)
}

// Options configures a Scheduler.
type Options struct {
	ProjectID string
	Persister Persister
	Idle      time.Duration
	NewTimer  TimerFactory
	OnSaved   func(snap *project.Snapshot)
}

// New creates a scheduler.
func New(opts Options) *Scheduler {
	s := &Scheduler{
		projectID: opts.ProjectID,
		persister: opts.Persister,
		idle:      opts.Idle,
		newTimer:  opts.NewTimer,
		onSaved:   opts.OnSaved,
	}
	if s.idle <= 0 {
		s.idle = DefaultIdle
	}
	if s.newTimer == nil {
		s.newTimer = realTimer
	}
	return s
}

// Schedule stores the snapshot in the pending slot and re-arms the idle
// timer. Earlier pending snapshots are discarded unsaved.
func (s *Scheduler) Schedule(snap *project.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = snap.Clone()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.newTimer(s.idle, s.fire)
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	snap := s.pending
	s.pending = nil
	s.timer = nil
	s.mu.Unlock()
	if snap == nil {
		return
	}
	s.write(snap)
}

// Flush writes any pending snapshot immediately. Used at shutdown.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	snap := s.pending
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	if snap == nil {
		return
	}
	s.write(snap)
}

func (s *Scheduler) write(snap *project.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err := s.persister.SaveProject(ctx, s.projectID, snap)

	s.mu.Lock()
	s.status.LastErr = err
	if err == nil {
		s.status.LastSavedAt = time.Now()
	}
	s.mu.Unlock()

	if err != nil {
		log.Printf("autosave: project %s write failed (superseded by next cycle): %v", s.projectID, err)
		return
	}
	if s.onSaved != nil {
		s.onSaved(snap)
	}
}

// Status returns the last known persistence outcome.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

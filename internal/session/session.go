// Package session composes the synchronization core for one participant:
// the shared text store, per-document seed bindings, the snapshot
// replicator, the presence render set and the transport. All the state that
// drives the protocol - dirty flags, timers, last-sent payloads - lives in
// explicit fields of these components, never in package-level variables.
package session

import (
	"context"
	"log"
	"sync"
	"time"

	"groundwork/sync/internal/binding"
	"groundwork/sync/internal/presence"
	"groundwork/sync/internal/project"
	"groundwork/sync/internal/replica"
	"groundwork/sync/internal/replicator"
	"groundwork/sync/internal/seedlock"
	"groundwork/sync/internal/transport"
)

// Options configures a Session.
type Options struct {
	UserID    string
	ProjectID string
	Transport transport.Transport
	Locker    seedlock.Locker
	Saver     replicator.Saver

	// Tuning; zero values take the component defaults.
	SeedFallbackWait time.Duration
	DebounceIdle     time.Duration
	ClockSkewMax     time.Duration

	// Test hooks.
	Now             func() time.Time
	NewBindingTimer binding.TimerFactory
	NewDebounce     replicator.TimerFactory
}

// Session is one participant's synchronization context for one project.
type Session struct {
	userID    string
	projectID string

	transport transport.Transport
	locker    seedlock.Locker

	Bodies     *replica.Store
	Replicator *replicator.Replicator
	Tracker    *presence.Tracker
	Resolver   *presence.Resolver

	fallbackWait time.Duration
	newBindTimer binding.TimerFactory
	now          func() time.Time

	mu       sync.Mutex
	bindings map[string]*binding.Binding
}

// New creates a session and subscribes it to the transport.
func New(opts Options) *Session {
	bodies := replica.NewStore(opts.UserID)
	s := &Session{
		userID:       opts.UserID,
		projectID:    opts.ProjectID,
		transport:    opts.Transport,
		locker:       opts.Locker,
		Bodies:       bodies,
		Tracker:      presence.NewTracker(),
		Resolver:     presence.NewResolver(bodies),
		fallbackWait: opts.SeedFallbackWait,
		newBindTimer: opts.NewBindingTimer,
		now:          opts.Now,
		bindings:     make(map[string]*binding.Binding),
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.Replicator = replicator.New(replicator.Options{
		ProjectID:    opts.ProjectID,
		Transport:    opts.Transport,
		Saver:        opts.Saver,
		Now:          opts.Now,
		DebounceIdle: opts.DebounceIdle,
		ClockSkewMax: opts.ClockSkewMax,
		NewTimer:     opts.NewDebounce,
	})
	if opts.Transport != nil {
		opts.Transport.Subscribe(s.handleMessage)
	}
	return s
}

// UserID returns the owning participant.
func (s *Session) UserID() string {
	return s.userID
}

// OpenDocument binds a document body for collaborative editing. legacyHTML
// is the cached projection that seeds the body if this session wins the
// one-time seed decision.
func (s *Session) OpenDocument(ctx context.Context, documentID, legacyHTML string) *binding.Binding {
	s.mu.Lock()
	if b, ok := s.bindings[documentID]; ok {
		s.mu.Unlock()
		return b
	}
	body := s.Bodies.Body(documentID)
	b := binding.New(binding.Options{
		DocumentID:   documentID,
		HolderID:     s.userID,
		LegacyHTML:   legacyHTML,
		Body:         body,
		Locker:       s.locker,
		FallbackWait: s.fallbackWait,
		NewTimer:     s.newBindTimer,
		OnOps:        s.sendOps,
	})
	s.bindings[documentID] = b
	s.mu.Unlock()

	b.Start(ctx)
	return b
}

// Binding returns the binding for an open document, or nil.
func (s *Session) Binding(documentID string) *binding.Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindings[documentID]
}

func (s *Session) sendOps(documentID string, ops []replica.Op) {
	if s.transport == nil || len(ops) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.transport.Send(ctx, transport.Message{
		Type:       transport.KindTextOp,
		DocumentID: documentID,
		Ops:        ops,
	}); err != nil {
		log.Printf("session: %s broadcast %d ops for %s failed: %v", s.userID, len(ops), documentID, err)
	}
}

// Mutate applies a local change to the project snapshot; replication and
// persistence follow on the debounce.
func (s *Session) Mutate(fn func(snap *project.Snapshot)) {
	s.Replicator.Mutate(fn)
}

// handleMessage is the transport receive path. Every message is treated as
// idempotent and re-validated against local state; arrival order carries no
// meaning.
func (s *Session) handleMessage(msg transport.Message) {
	switch msg.Type {
	case transport.KindProjectUpdate:
		if msg.ProjectRaw != nil {
			s.Replicator.ApplyRemote(msg.ProjectRaw)
		}
	case transport.KindTextOp, transport.KindTextSync:
		s.applyTextOps(msg)
	case transport.KindCursorUpdate:
		if msg.Cursor != nil {
			s.Tracker.ApplyCursor(*msg.Cursor)
		}
	case transport.KindCursorClear:
		s.Tracker.ClearCursor(clearTarget(msg))
	case transport.KindSelectionUpdate:
		if msg.Selection != nil {
			s.Tracker.ApplySelection(*msg.Selection)
		}
	case transport.KindSelectionClear:
		s.Tracker.ClearSelection(clearTarget(msg))
	}
}

func clearTarget(msg transport.Message) string {
	if msg.UserID != "" {
		return msg.UserID
	}
	return msg.SenderID
}

func (s *Session) applyTextOps(msg transport.Message) {
	if msg.DocumentID == "" {
		return
	}
	body := s.Bodies.Body(msg.DocumentID)

	ops := msg.Ops
	if msg.Op != nil {
		ops = append(ops, *msg.Op)
	}
	changed := false
	for _, op := range ops {
		applied, err := body.Apply(op)
		if err != nil {
			log.Printf("session: %s bad op for %s: %v", s.userID, msg.DocumentID, err)
			continue
		}
		changed = changed || applied
	}

	if changed {
		if b := s.Binding(msg.DocumentID); b != nil {
			b.ObserveRemoteOp()
		}
	}

	// A text:sync batch completes the first full sync handshake for the
	// document, even when it carries no ops.
	if msg.Type == transport.KindTextSync {
		body.MarkSynced()
	}
}

// DropPeer removes a disconnected participant's presence from the render
// set.
func (s *Session) DropPeer(userID string) {
	s.Tracker.DropUser(userID)
}

// EmitCursor broadcasts the local caret exactly as given. Carets inside a
// replicated body go through EmitCursorAt, which resolves a durable docPos;
// this path carries the raw coordinates for everything else, and the X/Y
// values are never reinterpreted as text offsets.
func (s *Session) EmitCursor(ctx context.Context, c presence.Cursor) error {
	c.UserID = s.userID
	c.UpdatedAt = s.now().UnixMilli()
	return s.send(ctx, transport.Message{Type: transport.KindCursorUpdate, Cursor: &c})
}

// EmitCursorAt broadcasts a caret at a visible offset inside a document.
func (s *Session) EmitCursorAt(ctx context.Context, documentID string, offset int, caretHeight float64) error {
	c := presence.Cursor{
		UserID:      s.userID,
		DocumentID:  documentID,
		CaretHeight: caretHeight,
		UpdatedAt:   s.now().UnixMilli(),
	}
	if id, ok := s.Bodies.Body(documentID).IDAt(offset); ok {
		c.DocPos = id.String()
	}
	return s.send(ctx, transport.Message{Type: transport.KindCursorUpdate, Cursor: &c})
}

// EmitSelection broadcasts a span selection. From/To offsets resolve to
// replica positions when possible; otherwise the caller's rects are all the
// receivers get.
func (s *Session) EmitSelection(ctx context.Context, documentID string, from, to int, rects []presence.Rect) error {
	sel := presence.Selection{
		UserID:     s.userID,
		DocumentID: documentID,
		Rects:      rects,
		UpdatedAt:  s.now().UnixMilli(),
	}
	body := s.Bodies.Body(documentID)
	if fromID, ok := body.IDAt(from); ok {
		if toID, ok := body.IDAt(to); ok {
			sel.From = fromID.String()
			sel.To = toID.String()
		}
	}
	return s.send(ctx, transport.Message{Type: transport.KindSelectionUpdate, Selection: &sel})
}

// ClearPresence broadcasts removal of this session's cursor and selection.
func (s *Session) ClearPresence(ctx context.Context) {
	_ = s.send(ctx, transport.Message{Type: transport.KindCursorClear, UserID: s.userID})
	_ = s.send(ctx, transport.Message{Type: transport.KindSelectionClear, UserID: s.userID})
}

func (s *Session) send(ctx context.Context, msg transport.Message) error {
	if s.transport == nil {
		return nil
	}
	if err := s.transport.Send(ctx, msg); err != nil {
		// Presence is best-effort; log and keep editing.
		log.Printf("session: %s send %s failed: %v", s.userID, msg.Type, err)
		return err
	}
	return nil
}

// Close flushes pending replication and leaves the transport.
func (s *Session) Close() error {
	s.Replicator.FlushNow()
	if s.transport == nil {
		return nil
	}
	return s.transport.Close()
}

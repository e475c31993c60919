// Package app is the server-side composition of the synchronization core:
// one authoritative room per project holding the snapshot replica, the text
// bodies, the autosave scheduler and the optional Redis bridge, fronted by
// the websocket hub and a small HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"groundwork/sync/internal/archive"
	"groundwork/sync/internal/autosave"
	"groundwork/sync/internal/config"
	"groundwork/sync/internal/history"
	"groundwork/sync/internal/project"
	"groundwork/sync/internal/relay"
	"groundwork/sync/internal/replica"
	"groundwork/sync/internal/replicator"
	"groundwork/sync/internal/search"
	"groundwork/sync/internal/store"
	"groundwork/sync/internal/transport"
	"groundwork/sync/internal/util"
)

// Store is the snapshot persistence the service depends on.
type Store interface {
	SaveProject(ctx context.Context, projectID string, snap *project.Snapshot) error
	LoadProject(ctx context.Context, projectID string) (*project.Snapshot, error)
	Ping(ctx context.Context) error
}

// room is the server's authoritative state for one project: the snapshot
// replica runs the same acceptance rules as every client, so the server
// converges with its room instead of trusting any single writer.
type room struct {
	projectID  string
	bodies     *replica.Store
	replicator *replicator.Replicator
	saver      *autosave.Scheduler

	// ready closes once hydration from the persisted snapshot has finished.
	// Reads of the room's authoritative state must wait on it: welcoming a
	// client with the pre-hydration sentinel would hand it an empty project
	// whose next edit overwrites the persisted one.
	ready     chan struct{}
	hydrating atomic.Bool

	// bridge relays room traffic to sibling server instances. Nil when the
	// relay runs on a single instance or Redis is disabled.
	bridge *transport.RedisTransport
}

// Service owns the rooms and the shared sinks.
type Service struct {
	cfg        config.Config
	instanceID string

	store    Store
	search   *search.Service
	archiver *archive.Archiver
	history  *history.Service
	redis    *redis.Client

	hub *relay.Hub

	mu    sync.Mutex
	rooms map[string]*room
}

// New wires the service. archiver, historyService and redisClient may be nil
// when the corresponding sink is not configured.
func New(cfg config.Config, st Store, searchService *search.Service, archiver *archive.Archiver, historyService *history.Service, redisClient *redis.Client) *Service {
	s := &Service{
		cfg:        cfg,
		instanceID: util.NewID("relay"),
		store:      st,
		search:     searchService,
		archiver:   archiver,
		history:    historyService,
		redis:      redisClient,
		rooms:      make(map[string]*room),
	}
	s.hub = relay.NewHub(relay.Options{
		Welcome:   s.welcome,
		OnMessage: s.onClientMessage,
		OnLeave: func(projectID, userID string) {
			log.Printf("app: %s left project %s", userID, projectID)
		},
	})
	return s
}

// Hub exposes the websocket hub for the HTTP layer.
func (s *Service) Hub() *relay.Hub {
	return s.hub
}

// Ping checks database connectivity.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingRedis checks relay connectivity. Nil when Redis is not configured.
func (s *Service) PingRedis(ctx context.Context) error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Ping(ctx).Err()
}

// roomFor returns the project's room, creating and hydrating it on first
// access.
func (s *Service) roomFor(projectID string) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm, ok := s.rooms[projectID]; ok {
		return rm
	}

	rm := &room{
		projectID: projectID,
		bodies:    replica.NewStore(s.instanceID),
		ready:     make(chan struct{}),
	}
	rm.saver = autosave.New(autosave.Options{
		ProjectID: projectID,
		Persister: s.store,
		Idle:      s.cfg.AutosaveIdle,
		OnSaved:   s.afterSave(projectID),
	})
	rm.replicator = replicator.New(replicator.Options{
		ProjectID:    projectID,
		Saver:        rm.saver,
		ClockSkewMax: s.cfg.ClockSkewMax,
		DebounceIdle: s.cfg.DebounceIdle,
		OnApply: func(snap *project.Snapshot) {
			// The hydration apply is the persisted snapshot coming back in;
			// writing it straight out again would be a pointless round trip.
			if rm.hydrating.Load() {
				return
			}
			rm.saver.Schedule(snap)
			if s.search != nil {
				s.search.IndexSnapshot(projectID, snap)
			}
		},
	})
	if s.redis != nil {
		rm.bridge = transport.NewRedisTransportWithClient(s.redis, projectID, s.instanceID)
		rm.bridge.Subscribe(func(msg transport.Message) {
			s.onBridgeMessage(rm, msg)
		})
	}
	s.rooms[projectID] = rm

	// Hydrate from the last persisted snapshot; the replica sits at the
	// sentinel so the load is a plain full replace.
	go func() {
		defer close(rm.ready)
		s.hydrate(rm)
	}()
	return rm
}

func (s *Service) hydrate(rm *room) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := s.store.LoadProject(ctx, rm.projectID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("app: hydrate project %s: %v", rm.projectID, err)
		}
		return
	}
	rm.hydrating.Store(true)
	decision := rm.replicator.ApplyRemote(snap)
	rm.hydrating.Store(false)
	log.Printf("app: hydrated project %s (decision %s)", rm.projectID, decision)
}

// afterSave chains the archive and history sinks onto successful writes.
func (s *Service) afterSave(projectID string) func(snap *project.Snapshot) {
	return func(snap *project.Snapshot) {
		if s.archiver != nil {
			s.archiver.ArchiveAsync(projectID, snap)
		}
		if s.history != nil {
			clone := snap.Clone()
			go func() {
				if _, err := s.history.Record(projectID, clone); err != nil {
					log.Printf("app: history record for %s: %v", projectID, err)
				}
			}()
		}
	}
}

// welcome builds the join batch: the authoritative snapshot first, then a
// full text sync per known document so the joiner's first-sync handshake
// completes even for bodies that are still empty. Blocks until the room is
// hydrated; a joiner must never see the pre-hydration sentinel.
func (s *Service) welcome(projectID string) []transport.Message {
	rm := s.roomFor(projectID)
	<-rm.ready
	snap := rm.replicator.Snapshot()

	msgs := []transport.Message{{
		Type:       transport.KindProjectUpdate,
		ProjectID:  projectID,
		SenderID:   s.instanceID,
		ProjectRaw: snap,
	}}
	for _, d := range snap.Documents {
		rm.bodies.Body(d.ID)
	}
	for _, key := range rm.bodies.Keys() {
		msgs = append(msgs, transport.Message{
			Type:       transport.KindTextSync,
			ProjectID:  projectID,
			SenderID:   s.instanceID,
			DocumentID: key,
			Ops:        rm.bodies.Body(key).ExportOps(),
		})
	}
	return msgs
}

// onClientMessage ingests a local websocket client's message after the hub
// has fanned it out, and forwards it to sibling instances.
func (s *Service) onClientMessage(projectID string, msg transport.Message) {
	rm := s.roomFor(projectID)
	if rm.bridge != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rm.bridge.Send(ctx, msg); err != nil {
			log.Printf("app: bridge publish %s for %s: %v", msg.Type, projectID, err)
		}
		cancel()
	}
	s.ingest(rm, msg)
}

// onBridgeMessage delivers a sibling instance's traffic to local clients and
// into the room state.
func (s *Service) onBridgeMessage(rm *room, msg transport.Message) {
	s.hub.Broadcast(rm.projectID, msg)
	s.ingest(rm, msg)
}

// ingest applies a message to the room's authoritative state. Presence
// messages are ephemeral and pass through untouched.
func (s *Service) ingest(rm *room, msg transport.Message) {
	switch msg.Type {
	case transport.KindProjectUpdate:
		if msg.ProjectRaw != nil {
			rm.replicator.ApplyRemote(msg.ProjectRaw)
		}
	case transport.KindTextOp, transport.KindTextSync:
		if msg.DocumentID == "" {
			return
		}
		body := rm.bodies.Body(msg.DocumentID)
		ops := msg.Ops
		if msg.Op != nil {
			ops = append(ops, *msg.Op)
		}
		for _, op := range ops {
			if _, err := body.Apply(op); err != nil {
				log.Printf("app: bad op for %s/%s: %v", rm.projectID, msg.DocumentID, err)
			}
		}
	}
}

// ImportProject replaces the project with an uploaded snapshot and
// broadcasts it as authoritative to every connected client.
func (s *Service) ImportProject(ctx context.Context, projectID string, snap *project.Snapshot) (*project.Snapshot, error) {
	rm := s.roomFor(projectID)
	<-rm.ready

	// Imports always win: stamp strictly ahead of the room's version.
	current := rm.replicator.Snapshot()
	stamp := time.Now().UnixMilli()
	if stamp <= current.UpdatedAt {
		stamp = current.UpdatedAt + 1
	}
	accepted := snap.Clone()
	accepted.UpdatedAt = stamp

	decision := rm.replicator.ApplyRemote(accepted)
	if !decision.Accepted() {
		return nil, fmt.Errorf("import rejected (%s)", decision)
	}

	out := rm.replicator.Snapshot()
	msg := transport.Message{
		Type:       transport.KindProjectUpdate,
		ProjectID:  projectID,
		SenderID:   s.instanceID,
		ProjectRaw: out,
	}
	s.hub.Broadcast(projectID, msg)
	if rm.bridge != nil {
		if err := rm.bridge.Send(ctx, msg); err != nil {
			log.Printf("app: bridge publish import for %s: %v", projectID, err)
		}
	}
	return out, nil
}

// ExportProject returns the current authoritative snapshot, falling back to
// the persisted one when no room is live.
func (s *Service) ExportProject(ctx context.Context, projectID string) (*project.Snapshot, error) {
	s.mu.Lock()
	rm, ok := s.rooms[projectID]
	s.mu.Unlock()
	if ok {
		<-rm.ready
		return rm.replicator.Snapshot(), nil
	}
	return s.store.LoadProject(ctx, projectID)
}

// SaveStatus reports the last autosave outcome for a project room.
func (s *Service) SaveStatus(projectID string) (autosave.Status, bool) {
	s.mu.Lock()
	rm, ok := s.rooms[projectID]
	s.mu.Unlock()
	if !ok {
		return autosave.Status{}, false
	}
	return rm.saver.Status(), true
}

// History lists recorded snapshot versions, newest first.
func (s *Service) History(projectID string, limit int) ([]history.CommitInfo, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.List(projectID, limit)
}

// HistorySnapshot fetches the snapshot recorded at a commit hash.
func (s *Service) HistorySnapshot(projectID, hash string) (*project.Snapshot, error) {
	if s.history == nil {
		return nil, errors.New("history not configured")
	}
	return s.history.Get(projectID, hash)
}

// Search runs a full-text query.
func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// Shutdown flushes every room and disconnects clients.
func (s *Service) Shutdown() {
	s.hub.CloseAll()

	s.mu.Lock()
	rooms := make([]*room, 0, len(s.rooms))
	for _, rm := range s.rooms {
		rooms = append(rooms, rm)
	}
	s.mu.Unlock()

	for _, rm := range rooms {
		rm.replicator.FlushNow()
		rm.saver.Flush()
		if rm.bridge != nil {
			if err := rm.bridge.Close(); err != nil {
				log.Printf("app: close bridge for %s: %v", rm.projectID, err)
			}
		}
	}
}

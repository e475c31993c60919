package transport

import (
	"context"
	"sync"
)

// LoopbackBus is the same-device fallback channel, used only when the relay
// is explicitly disabled. Participants attached to the same bus exchange
// messages in-process with the exact wire shapes of relay mode.
type LoopbackBus struct {
	mu    sync.Mutex
	peers map[*Loopback]struct{}
}

// NewLoopbackBus creates an empty bus.
func NewLoopbackBus() *LoopbackBus {
	return &LoopbackBus{peers: make(map[*Loopback]struct{})}
}

// Attach joins a participant to the bus.
func (b *LoopbackBus) Attach(projectID, senderID string) *Loopback {
	l := &Loopback{bus: b, projectID: projectID, senderID: senderID}
	b.mu.Lock()
	b.peers[l] = struct{}{}
	b.mu.Unlock()
	return l
}

func (b *LoopbackBus) broadcast(from *Loopback, msg Message) {
	b.mu.Lock()
	peers := make([]*Loopback, 0, len(b.peers))
	for p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.Unlock()

	for _, p := range peers {
		if p == from || p.projectID != from.projectID {
			continue
		}
		p.deliver(msg)
	}
}

func (b *LoopbackBus) detach(l *Loopback) {
	b.mu.Lock()
	delete(b.peers, l)
	b.mu.Unlock()
}

// Loopback is one participant's endpoint on a LoopbackBus.
type Loopback struct {
	bus       *LoopbackBus
	projectID string
	senderID  string

	mu       sync.Mutex
	handlers []Handler
	closed   bool
}

// Send delivers the message synchronously to every other attached
// participant of the same project.
func (l *Loopback) Send(_ context.Context, msg Message) error {
	msg.SenderID = l.senderID
	msg.ProjectID = l.projectID
	l.bus.broadcast(l, msg)
	return nil
}

// Subscribe registers a handler for incoming messages.
func (l *Loopback) Subscribe(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

func (l *Loopback) deliver(msg Message) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	handlers := append([]Handler(nil), l.handlers...)
	l.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

// Close detaches from the bus.
func (l *Loopback) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.bus.detach(l)
	return nil
}

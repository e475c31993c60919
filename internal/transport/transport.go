package transport

import "context"

// Handler consumes an incoming message. Handlers run on the transport's
// receive path and must not block.
type Handler func(Message)

// Transport sends messages to the other participants of a project and
// delivers theirs. Two interchangeable implementations exist: the Redis
// relay and the in-process loopback used when the relay is disabled.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	Subscribe(h Handler)
	Close() error
}

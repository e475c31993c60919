package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "groundwork:project:"

// RedisTransport relays messages through a Redis pub/sub channel per
// project. Messages published by this sender are suppressed on receipt, so
// a participant never echoes its own traffic back into its handlers.
type RedisTransport struct {
	client    *redis.Client
	ownClient bool
	senderID  string
	projectID string

	mu       sync.Mutex
	handlers []Handler

	sub    *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisTransport connects to Redis and joins the project channel.
func NewRedisTransport(redisURL, projectID, senderID string) (*RedisTransport, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	t := newRedisTransport(client, projectID, senderID)
	t.ownClient = true
	return t, nil
}

// NewRedisTransportWithClient joins the project channel on an existing
// client. The caller keeps ownership of the client.
func NewRedisTransportWithClient(client *redis.Client, projectID, senderID string) *RedisTransport {
	return newRedisTransport(client, projectID, senderID)
}

func newRedisTransport(client *redis.Client, projectID, senderID string) *RedisTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &RedisTransport{
		client:    client,
		senderID:  senderID,
		projectID: projectID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	t.sub = client.Subscribe(ctx, channelPrefix+projectID)
	go t.receiveLoop(ctx)
	return t
}

// Send publishes the message to every other participant of the project.
func (t *RedisTransport) Send(ctx context.Context, msg Message) error {
	msg.SenderID = t.senderID
	msg.ProjectID = t.projectID
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := t.client.Publish(ctx, channelPrefix+t.projectID, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Type, err)
	}
	return nil
}

// Subscribe registers a handler for incoming messages.
func (t *RedisTransport) Subscribe(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, h)
}

func (t *RedisTransport) receiveLoop(ctx context.Context) {
	defer close(t.done)
	ch := t.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				log.Printf("transport: dropping malformed message: %v", err)
				continue
			}
			if msg.SenderID == t.senderID {
				continue
			}
			t.mu.Lock()
			handlers := append([]Handler(nil), t.handlers...)
			t.mu.Unlock()
			for _, h := range handlers {
				h(msg)
			}
		}
	}
}

// Close leaves the channel and stops the receive loop.
func (t *RedisTransport) Close() error {
	t.cancel()
	err := t.sub.Close()
	<-t.done
	if t.ownClient {
		if cerr := t.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

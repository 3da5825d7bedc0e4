// Package messaging provides a NATS client wrapper for fanning chat events
// out across server instances. Room traffic and per-user direct traffic each
// get their own subject space so a server can subscribe to exactly what its
// connected users need.
package messaging

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns.
const (
	SubjectRoom     = "room"     // + .<room_id>
	SubjectUser     = "user"     // + .<user_id>
	SubjectPresence = "presence" // global presence events
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "parley",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishRoom publishes data to the room.<roomID> subject.
func (c *NATSClient) PublishRoom(roomID string, data []byte) error {
	return c.Publish(SubjectRoom+"."+roomID, data)
}

// PublishUser publishes data to the user.<userID> subject.
func (c *NATSClient) PublishUser(userID string, data []byte) error {
	return c.Publish(SubjectUser+"."+userID, data)
}

// PublishPresence publishes a presence event for all servers.
func (c *NATSClient) PublishPresence(data []byte) error {
	return c.Publish(SubjectPresence, data)
}

// SubscribeRoomEvents subscribes to all room traffic. The handler receives
// the room id extracted from the subject plus the raw payload.
func (c *NATSClient) SubscribeRoomEvents(handler func(roomID string, data []byte)) error {
	return c.Subscribe(SubjectRoom+".*", func(msg *nats.Msg) {
		roomID := strings.TrimPrefix(msg.Subject, SubjectRoom+".")
		handler(roomID, msg.Data)
	})
}

// SubscribeUserEvents subscribes to all direct-message traffic. The handler
// receives the target user id extracted from the subject.
func (c *NATSClient) SubscribeUserEvents(handler func(userID string, data []byte)) error {
	return c.Subscribe(SubjectUser+".*", func(msg *nats.Msg) {
		userID := strings.TrimPrefix(msg.Subject, SubjectUser+".")
		handler(userID, msg.Data)
	})
}

// SubscribePresence subscribes to global presence events.
func (c *NATSClient) SubscribePresence(handler func(data []byte)) error {
	return c.Subscribe(SubjectPresence, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

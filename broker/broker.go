// Package broker defines the port to the underlying message broker: a
// connection that carves out transacted sessions, map-style messages with
// named byte and string payloads, and queue/topic destinations. Each backend
// (inmem, amqp, ...) lives in its own sub-package and registers itself with
// the broker registry.
//
// Required backend capabilities: transactional send+receive on queues,
// publish/subscribe on topics, a per-message persistent/non-persistent flag,
// a per-message priority, and string headers.
package broker

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
)

// Destination names a queue or a topic on the broker.
type Destination struct {
	Name  string
	Topic bool
}

// Queue returns a queue destination.
func Queue(name string) Destination { return Destination{Name: name} }

// Topic returns a topic destination.
func Topic(name string) Destination { return Destination{Name: name, Topic: true} }

// Message is the map-style message the runtime exchanges with the broker:
// named byte payloads, named string payloads, and string headers. The
// envelope travels in Bytes under the configured trace key; its serializer
// meta and the side-channel payloads are further keys.
type Message struct {
	// SystemID is the broker-level message id.
	SystemID string

	Headers map[string]string
	Bytes   map[string][]byte
	Strings map[string]string

	// Priority is a broker hint; higher is sooner. The runtime uses 9 for
	// interactive flows and 4 otherwise.
	Priority uint8

	// NonPersistent asks the broker to skip the durable write.
	NonPersistent bool

	// DeliveryCount is how many times this message has been delivered,
	// 1 for the first delivery. Maintained by backends that can.
	DeliveryCount int
}

// NewMessage returns an empty map-message.
func NewMessage() *Message {
	return &Message{
		Headers: map[string]string{},
		Bytes:   map[string][]byte{},
		Strings: map[string]string{},
	}
}

// Consumer receives messages from one destination within a session.
type Consumer interface {
	// Receive blocks until a message arrives, the context is done, or the
	// consumer (or its session) is closed. A closed consumer returns
	// (nil, nil), which the caller uses to re-check its run state.
	Receive(ctx context.Context) (*Message, error)
	Close() error
}

// Session is a transacted unit of work against the broker. Receives and
// sends performed on it take effect only on Commit; Rollback requeues the
// received messages for redelivery and discards the staged sends. A session
// is owned by exactly one goroutine at a time.
type Session interface {
	Consume(dest Destination) (Consumer, error)
	Send(dest Destination, msg *Message) error
	Commit() error
	Rollback() error
	Close() error
}

// Connection is a physical broker connection from which sessions are carved.
type Connection interface {
	CreateSession() (Session, error)
	Close() error
}

// ConnectionFactory produces physical connections. Implementations are
// long-lived and shared by the session pool.
type ConnectionFactory interface {
	NewConnection(ctx context.Context) (Connection, error)
}

// Config is the narrow view of the factory configuration that backends need.
type Config interface {
	GetBroker() string
	GetAMQPURL() string
}

// Builder is the constructor signature backends register with the registry.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (ConnectionFactory, error)

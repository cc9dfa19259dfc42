// Package amqp provides a broker backend on AMQP 0-9-1 (RabbitMQ) using
// transacted channels: publishes and acks are staged on the channel and take
// effect on tx.commit, which gives the transactional send+receive the
// runtime requires. Queues map to durable AMQP queues with priority support;
// topics map to fanout exchanges with an exclusive queue per subscriber.
package amqp

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/stageflow/broker"
)

// BrokerName is the name used to register this backend.
const BrokerName = "amqp"

// maxPriority is the x-max-priority declared on every queue, so the broker
// honors the interactive hint.
const maxPriority = 9

func init() {
	broker.Register(BrokerName, Build)
}

// Build creates a connection factory for the AMQP URL in the config.
func Build(ctx context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (broker.ConnectionFactory, error) {
	url := cfg.GetAMQPURL()
	if url == "" {
		return nil, fmt.Errorf("amqp broker requires an AMQP URL")
	}
	return &ConnectionFactory{url: url, logger: logger}, nil
}

// ConnectionFactory dials new AMQP connections on demand.
type ConnectionFactory struct {
	url    string
	logger watermill.LoggerAdapter
}

func (f *ConnectionFactory) NewConnection(ctx context.Context) (broker.Connection, error) {
	conn, err := amqp091.Dial(f.url)
	if err != nil {
		return nil, fmt.Errorf("dialing amqp broker: %w", err)
	}
	return &connection{conn: conn, logger: f.logger}, nil
}

type connection struct {
	conn   *amqp091.Connection
	logger watermill.LoggerAdapter
}

func (c *connection) CreateSession() (broker.Session, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}
	if err := ch.Tx(); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("putting amqp channel in tx mode: %w", err)
	}
	return &session{
		ch:             ch,
		logger:         c.logger,
		declaredQueues: make(map[string]bool),
		closing:        make(chan struct{}),
	}, nil
}

func (c *connection) Close() error {
	return c.conn.Close()
}

type session struct {
	ch     *amqp091.Channel
	logger watermill.LoggerAdapter

	mu             sync.Mutex
	declaredQueues map[string]bool
	pendingTags    []uint64
	closing        chan struct{}
	closed         bool
}

func (s *session) declareQueue(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.declaredQueues[name] {
		return nil
	}
	_, err := s.ch.QueueDeclare(name, true, false, false, false, amqp091.Table{
		"x-max-priority": int32(maxPriority),
	})
	if err != nil {
		return fmt.Errorf("declaring queue %q: %w", name, err)
	}
	s.declaredQueues[name] = true
	return nil
}

func (s *session) Consume(dest broker.Destination) (broker.Consumer, error) {
	var queueName string
	if dest.Topic {
		if err := s.ch.ExchangeDeclare(dest.Name, "fanout", false, true, false, false, nil); err != nil {
			return nil, fmt.Errorf("declaring exchange %q: %w", dest.Name, err)
		}
		q, err := s.ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			return nil, fmt.Errorf("declaring subscriber queue for %q: %w", dest.Name, err)
		}
		if err := s.ch.QueueBind(q.Name, "", dest.Name, false, nil); err != nil {
			return nil, fmt.Errorf("binding subscriber queue for %q: %w", dest.Name, err)
		}
		queueName = q.Name
	} else {
		if err := s.declareQueue(dest.Name); err != nil {
			return nil, err
		}
		queueName = dest.Name
	}

	deliveries, err := s.ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consuming %q: %w", queueName, err)
	}
	return &consumer{sess: s, deliveries: deliveries}, nil
}

func (s *session) Send(dest broker.Destination, msg *broker.Message) error {
	exchange, key := "", dest.Name
	if dest.Topic {
		if err := s.ch.ExchangeDeclare(dest.Name, "fanout", false, true, false, false, nil); err != nil {
			return fmt.Errorf("declaring exchange %q: %w", dest.Name, err)
		}
		exchange, key = dest.Name, ""
	} else if err := s.declareQueue(dest.Name); err != nil {
		return err
	}

	// Staged on the transacted channel; nothing leaves before TxCommit.
	return s.ch.PublishWithContext(context.Background(), exchange, key, false, false, toPublishing(msg))
}

func (s *session) Commit() error {
	s.mu.Lock()
	tags := s.pendingTags
	s.pendingTags = nil
	s.mu.Unlock()

	for _, tag := range tags {
		if err := s.ch.Ack(tag, false); err != nil {
			return fmt.Errorf("acking delivery: %w", err)
		}
	}
	if err := s.ch.TxCommit(); err != nil {
		return fmt.Errorf("committing amqp tx: %w", err)
	}
	return nil
}

func (s *session) Rollback() error {
	s.mu.Lock()
	tags := s.pendingTags
	s.pendingTags = nil
	s.mu.Unlock()

	if err := s.ch.TxRollback(); err != nil {
		return fmt.Errorf("rolling back amqp tx: %w", err)
	}
	// The rollback discarded staged publishes and acks; push explicit
	// requeue-nacks through so the broker redelivers right away.
	for _, tag := range tags {
		if err := s.ch.Nack(tag, false, true); err != nil {
			return fmt.Errorf("nacking delivery: %w", err)
		}
	}
	if len(tags) > 0 {
		if err := s.ch.TxCommit(); err != nil {
			return fmt.Errorf("committing requeue-nacks: %w", err)
		}
	}
	return nil
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closing)
	s.mu.Unlock()
	return s.ch.Close()
}

func (s *session) notePending(tag uint64) {
	s.mu.Lock()
	s.pendingTags = append(s.pendingTags, tag)
	s.mu.Unlock()
}

type consumer struct {
	sess       *session
	deliveries <-chan amqp091.Delivery
}

func (c *consumer) Receive(ctx context.Context) (*broker.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.sess.closing:
		return nil, nil
	case delivery, ok := <-c.deliveries:
		if !ok {
			return nil, nil
		}
		c.sess.notePending(delivery.DeliveryTag)
		return fromDelivery(delivery), nil
	}
}

func (c *consumer) Close() error {
	// The channel-level close tears down all consumers of the session; a
	// per-consumer cancel is not needed for the runtime's usage pattern.
	return nil
}

// Header table keys for the three maps of the map-message.
const (
	headersKey = "sf-headers"
	bytesKey   = "sf-bytes"
	stringsKey = "sf-strings"
)

func toPublishing(msg *broker.Message) amqp091.Publishing {
	headers := amqp091.Table{}
	strs := amqp091.Table{}
	byts := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	for k, v := range msg.Strings {
		strs[k] = v
	}
	for k, v := range msg.Bytes {
		byts[k] = v
	}
	deliveryMode := amqp091.Persistent
	if msg.NonPersistent {
		deliveryMode = amqp091.Transient
	}
	return amqp091.Publishing{
		MessageId:    msg.SystemID,
		DeliveryMode: deliveryMode,
		Priority:     msg.Priority,
		Headers: amqp091.Table{
			headersKey: headers,
			bytesKey:   byts,
			stringsKey: strs,
		},
	}
}

func fromDelivery(delivery amqp091.Delivery) *broker.Message {
	msg := broker.NewMessage()
	msg.SystemID = delivery.MessageId
	msg.Priority = delivery.Priority
	msg.NonPersistent = delivery.DeliveryMode != amqp091.Persistent
	if delivery.Redelivered {
		msg.DeliveryCount = 2
	} else {
		msg.DeliveryCount = 1
	}
	if headers, ok := delivery.Headers[headersKey].(amqp091.Table); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				msg.Headers[k] = s
			}
		}
	}
	if strs, ok := delivery.Headers[stringsKey].(amqp091.Table); ok {
		for k, v := range strs {
			if s, ok := v.(string); ok {
				msg.Strings[k] = s
			}
		}
	}
	if byts, ok := delivery.Headers[bytesKey].(amqp091.Table); ok {
		for k, v := range byts {
			if b, ok := v.([]byte); ok {
				msg.Bytes[k] = b
			}
		}
	}
	return msg
}

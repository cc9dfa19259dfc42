// Package inmem provides an in-process broker backend with fully transacted
// sessions: queues with competing consumers and priority ordering, topics
// with fan-out to the subscribers that are live at publish time, and
// redelivery (front of queue, delivery count maintained) on rollback.
//
// It is the backend used for testing and local development; it also carries
// the commit failure injection hook that the transaction coordinator tests
// need.
package inmem

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/stageflow/broker"
)

// BrokerName is the name used to register this backend.
const BrokerName = "inmem"

func init() {
	broker.Register(BrokerName, Build)
}

// Build creates a fresh in-memory broker. Every factory built from config
// gets its own; tests that span several "nodes" share a Broker directly.
func Build(ctx context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (broker.ConnectionFactory, error) {
	return New(), nil
}

// Broker is the in-process message broker. It implements
// broker.ConnectionFactory so it can be handed straight to a factory.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*queue
	topics map[string]*topic
	closed bool

	commitFailure error
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		queues: make(map[string]*queue),
		topics: make(map[string]*topic),
	}
}

// NewConnection hands out a connection. All connections of one Broker see
// the same destinations.
func (b *Broker) NewConnection(ctx context.Context) (broker.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, context.Canceled
	}
	return &connection{broker: b}, nil
}

// InjectCommitFailure makes the next session Commit on this broker fail with
// the given error, with rollback semantics for its received messages. Used
// to exercise the best-effort 1PC failure window.
func (b *Broker) InjectCommitFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commitFailure = err
}

func (b *Broker) takeCommitFailure() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.commitFailure
	b.commitFailure = nil
	return err
}

// QueueDepth reports how many committed messages sit in the named queue.
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	q, ok := b.queues[name]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return q.depth()
}

// Close shuts the broker down; blocked receives return closed.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	queues := make([]*queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, q := range queues {
		q.close()
	}
	for _, t := range topics {
		t.close()
	}
}

func (b *Broker) queue(name string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name}
		b.queues[name] = q
	}
	return q
}

func (b *Broker) topic(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{name: name, subs: make(map[*consumer]*queue)}
		b.topics[name] = t
	}
	return t
}

// waiter is a parked Receive call.
type waiter struct {
	ch    chan *broker.Message
	owner *consumer
}

// queue is a priority-ordered buffer with blocking consumers. It backs both
// shared queues (competing consumers) and per-subscriber topic deliveries.
type queue struct {
	name string

	mu      sync.Mutex
	buf     []*broker.Message
	waiters []*waiter
	closed  bool
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// push appends a message, honoring priority ordering (higher first, FIFO
// within a priority). A parked waiter gets it directly.
func (q *queue) push(msg *broker.Message) {
	q.deliver(msg, false)
}

// pushFront requeues a message ahead of its priority peers, for redelivery.
func (q *queue) pushFront(msg *broker.Message) {
	q.deliver(msg, true)
}

func (q *queue) deliver(msg *broker.Message, front bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		q.mu.Unlock()
		w.ch <- msg
		return
	}
	idx := len(q.buf)
	for i, queued := range q.buf {
		if queued.Priority < msg.Priority || (front && queued.Priority == msg.Priority) {
			idx = i
			break
		}
	}
	q.buf = append(q.buf, nil)
	copy(q.buf[idx+1:], q.buf[idx:])
	q.buf[idx] = msg
	q.mu.Unlock()
}

// pop blocks until a message is available, the context is done, or the
// consumer or queue is closed (nil, nil).
func (q *queue) pop(ctx context.Context, c *consumer) (*broker.Message, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, nil
		}
		select {
		case <-c.done:
			q.mu.Unlock()
			return nil, nil
		default:
		}
		if len(q.buf) > 0 {
			msg := q.buf[0]
			q.buf = q.buf[1:]
			q.mu.Unlock()
			msg.DeliveryCount++
			return msg, nil
		}
		w := &waiter{ch: make(chan *broker.Message, 1), owner: c}
		q.waiters = append(q.waiters, w)
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			q.cancelWaiter(w)
			return nil, ctx.Err()
		case <-c.done:
			q.cancelWaiter(w)
			return nil, nil
		case msg, ok := <-w.ch:
			if !ok {
				return nil, nil
			}
			msg.DeliveryCount++
			return msg, nil
		}
	}
}

// cancelWaiter removes a parked waiter; a message that raced into its
// channel goes back to the front of the queue.
func (q *queue) cancelWaiter(w *waiter) {
	q.mu.Lock()
	for i, parked := range q.waiters {
		if parked == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			q.mu.Unlock()
			return
		}
	}
	q.mu.Unlock()

	select {
	case msg, ok := <-w.ch:
		if ok && msg != nil {
			q.pushFront(msg)
		}
	default:
	}
}

func (q *queue) removeConsumerWaiters(c *consumer) {
	q.mu.Lock()
	var rescued []*broker.Message
	kept := q.waiters[:0]
	for _, w := range q.waiters {
		if w.owner != c {
			kept = append(kept, w)
			continue
		}
		select {
		case msg, ok := <-w.ch:
			if ok && msg != nil {
				rescued = append(rescued, msg)
			}
		default:
		}
	}
	q.waiters = kept
	q.mu.Unlock()
	for i := len(rescued) - 1; i >= 0; i-- {
		q.pushFront(rescued[i])
	}
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	waiters := q.waiters
	q.waiters = nil
	q.buf = nil
	q.mu.Unlock()
	for _, w := range waiters {
		close(w.ch)
	}
}

// topic fans published messages out to the subscribers live at publish time.
// A subscriber arriving later receives nothing of what came before.
type topic struct {
	name string

	mu   sync.Mutex
	subs map[*consumer]*queue
}

func (t *topic) publish(msg *broker.Message) {
	t.mu.Lock()
	targets := make([]*queue, 0, len(t.subs))
	for _, q := range t.subs {
		targets = append(targets, q)
	}
	t.mu.Unlock()
	for _, q := range targets {
		q.push(copyMessage(msg))
	}
}

func (t *topic) subscribe(c *consumer) *queue {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := &queue{name: t.name}
	t.subs[c] = q
	return q
}

func (t *topic) unsubscribe(c *consumer) {
	t.mu.Lock()
	q, ok := t.subs[c]
	delete(t.subs, c)
	t.mu.Unlock()
	if ok {
		q.close()
	}
}

func (t *topic) close() {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[*consumer]*queue)
	t.mu.Unlock()
	for _, q := range subs {
		q.close()
	}
}

func copyMessage(msg *broker.Message) *broker.Message {
	cp := broker.NewMessage()
	cp.SystemID = msg.SystemID
	cp.Priority = msg.Priority
	cp.NonPersistent = msg.NonPersistent
	cp.DeliveryCount = msg.DeliveryCount
	for k, v := range msg.Headers {
		cp.Headers[k] = v
	}
	for k, v := range msg.Bytes {
		b := make([]byte, len(v))
		copy(b, v)
		cp.Bytes[k] = b
	}
	for k, v := range msg.Strings {
		cp.Strings[k] = v
	}
	return cp
}

type connection struct {
	broker *Broker

	mu       sync.Mutex
	sessions []*session
	closed   bool
}

func (c *connection) CreateSession() (broker.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, context.Canceled
	}
	s := &session{conn: c}
	c.sessions = append(c.sessions, s)
	return s, nil
}

func (c *connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := c.sessions
	c.sessions = nil
	c.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
	return nil
}

type stagedSend struct {
	dest broker.Destination
	msg  *broker.Message
}

type receivedMsg struct {
	q   *queue
	msg *broker.Message
}

// session implements the transacted unit of work: sends are staged until
// Commit, received messages requeue to the front on Rollback.
type session struct {
	conn *connection

	mu        sync.Mutex
	staged    []stagedSend
	received  []receivedMsg
	consumers []*consumer
	closed    bool
}

func (s *session) Consume(dest broker.Destination) (broker.Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, context.Canceled
	}
	c := &consumer{sess: s, done: make(chan struct{})}
	if dest.Topic {
		t := s.conn.broker.topic(dest.Name)
		c.top = t
		c.q = t.subscribe(c)
	} else {
		c.q = s.conn.broker.queue(dest.Name)
	}
	s.consumers = append(s.consumers, c)
	return c, nil
}

func (s *session) Send(dest broker.Destination, msg *broker.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return context.Canceled
	}
	s.staged = append(s.staged, stagedSend{dest: dest, msg: msg})
	return nil
}

func (s *session) Commit() error {
	s.mu.Lock()
	staged := s.staged
	received := s.received
	s.staged = nil
	s.received = nil
	s.mu.Unlock()

	if err := s.conn.broker.takeCommitFailure(); err != nil {
		// The commit did nothing: staged sends are gone, received
		// messages go back for redelivery.
		requeue(received)
		return err
	}

	for _, out := range staged {
		if out.dest.Topic {
			s.conn.broker.topic(out.dest.Name).publish(out.msg)
		} else {
			s.conn.broker.queue(out.dest.Name).push(out.msg)
		}
	}
	return nil
}

func (s *session) Rollback() error {
	s.mu.Lock()
	received := s.received
	s.staged = nil
	s.received = nil
	s.mu.Unlock()

	requeue(received)
	return nil
}

func requeue(received []receivedMsg) {
	for i := len(received) - 1; i >= 0; i-- {
		received[i].q.pushFront(received[i].msg)
	}
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	consumers := s.consumers
	s.consumers = nil
	s.mu.Unlock()

	// Unfinished work rolls back, as if the owner crashed.
	_ = s.Rollback()
	for _, c := range consumers {
		_ = c.Close()
	}
	return nil
}

func (s *session) noteReceived(q *queue, msg *broker.Message) {
	s.mu.Lock()
	s.received = append(s.received, receivedMsg{q: q, msg: msg})
	s.mu.Unlock()
}

type consumer struct {
	sess *session
	q    *queue
	top  *topic

	done     chan struct{}
	doneOnce sync.Once
}

func (c *consumer) Receive(ctx context.Context) (*broker.Message, error) {
	msg, err := c.q.pop(ctx, c)
	if msg == nil || err != nil {
		return nil, err
	}
	c.sess.noteReceived(c.q, msg)
	return msg, nil
}

func (c *consumer) Close() error {
	c.doneOnce.Do(func() {
		close(c.done)
		if c.top != nil {
			c.top.unsubscribe(c)
		} else {
			c.q.removeConsumerWaiters(c)
		}
	})
	return nil
}

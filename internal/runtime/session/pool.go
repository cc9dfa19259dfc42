// Package session pools physical broker connections and carves per-goroutine
// sessions off them. Sessions sharing one connection form a group: when any
// member crashes, the whole group is revoked and the connection is replaced.
//
// Two acquisition modes exist. An initiator checks a session out for one
// initiation and releases it back for reuse. A stage processor holds its
// session for the lifetime of its consumer loop and closes it physically.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/drblury/stageflow/broker"
	errspkg "github.com/drblury/stageflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/stageflow/internal/runtime/logging"
)

// Pool hands out session Holders backed by pooled connections.
type Pool struct {
	factory               broker.ConnectionFactory
	logger                loggingpkg.ServiceLogger
	sessionsPerConnection int

	mu          sync.Mutex
	connections []*pooledConnection
	closed      bool
}

// NewPool creates a pool on the given connection factory.
func NewPool(factory broker.ConnectionFactory, logger loggingpkg.ServiceLogger, sessionsPerConnection int) *Pool {
	if sessionsPerConnection <= 0 {
		sessionsPerConnection = 8
	}
	return &Pool{
		factory:               factory,
		logger:                logger,
		sessionsPerConnection: sessionsPerConnection,
	}
}

// ForInitiator checks out a session for the duration of one initiation; it
// must come back via Release (or Crashed).
func (p *Pool) ForInitiator(ctx context.Context) (*Holder, error) {
	return p.acquire(ctx, true)
}

// ForProcessor acquires a session for the lifetime of a consumer loop; it
// must come back via Close (or Crashed).
func (p *Pool) ForProcessor(ctx context.Context) (*Holder, error) {
	return p.acquire(ctx, false)
}

func (p *Pool) acquire(ctx context.Context, pooled bool) (*Holder, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &errspkg.BackendUnavailableError{Err: errspkg.ErrFactoryStopped}
	}

	// Reuse a released initiator session when one is parked.
	if pooled {
		for _, pc := range p.connections {
			if holder := pc.takeAvailable(); holder != nil {
				p.mu.Unlock()
				return holder, nil
			}
		}
	}

	// Find a healthy connection with lease capacity.
	for _, pc := range p.connections {
		if holder := pc.tryLease(p.sessionsPerConnection); holder != nil {
			p.mu.Unlock()
			return holder, nil
		}
	}
	p.mu.Unlock()

	// Open a new physical connection.
	conn, err := p.factory.NewConnection(ctx)
	if err != nil {
		return nil, &errspkg.BackendUnavailableError{Err: err}
	}
	pc := &pooledConnection{pool: p, conn: conn, leases: make(map[*Holder]bool)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return nil, &errspkg.BackendUnavailableError{Err: errspkg.ErrFactoryStopped}
	}
	p.connections = append(p.connections, pc)
	p.mu.Unlock()

	holder := pc.tryLease(p.sessionsPerConnection)
	if holder == nil {
		return nil, &errspkg.BackendUnavailableError{Err: context.Canceled}
	}
	return holder, nil
}

// OpenConnections reports how many physical connections the pool holds.
func (p *Pool) OpenConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connections)
}

// Close closes every pooled connection. Outstanding holders observe
// IsStillActive == false and come home on their own.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	connections := p.connections
	p.connections = nil
	p.mu.Unlock()

	for _, pc := range connections {
		pc.closePhysical()
	}
}

// NewReacquireBackoff returns the bounded exponential backoff (with jitter)
// a processor must observe before acquiring a fresh session after a crash.
func NewReacquireBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (p *Pool) dropConnection(pc *pooledConnection) {
	p.mu.Lock()
	for i, candidate := range p.connections {
		if candidate == pc {
			p.connections = append(p.connections[:i], p.connections[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

// pooledConnection is one physical connection plus its lease group.
type pooledConnection struct {
	pool *Pool
	conn broker.Connection

	mu        sync.Mutex
	leases    map[*Holder]bool
	available []*Holder
	broken    bool
	closed    bool
}

func (pc *pooledConnection) takeAvailable() *Holder {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.broken || len(pc.available) == 0 {
		return nil
	}
	holder := pc.available[len(pc.available)-1]
	pc.available = pc.available[:len(pc.available)-1]
	pc.leases[holder] = true
	return holder
}

func (pc *pooledConnection) tryLease(maxLeases int) *Holder {
	pc.mu.Lock()
	if pc.broken || pc.closed || len(pc.leases)+len(pc.available) >= maxLeases {
		pc.mu.Unlock()
		return nil
	}
	pc.mu.Unlock()

	sess, err := pc.conn.CreateSession()
	if err != nil {
		// The connection cannot produce sessions: treat as broken.
		pc.markBroken()
		pc.maybeCloseWhenEmpty()
		return nil
	}

	holder := &Holder{pc: pc, sess: sess}
	pc.mu.Lock()
	if pc.broken || pc.closed {
		pc.mu.Unlock()
		_ = sess.Close()
		return nil
	}
	pc.leases[holder] = true
	pc.mu.Unlock()
	return holder
}

func (pc *pooledConnection) markBroken() {
	pc.mu.Lock()
	if pc.broken {
		pc.mu.Unlock()
		return
	}
	pc.broken = true
	// Revoke the siblings: they will observe IsStillActive == false and
	// come home via close-or-crash.
	for holder := range pc.leases {
		holder.revoke()
	}
	for _, holder := range pc.available {
		_ = holder.sess.Close()
	}
	pc.available = nil
	pc.mu.Unlock()

	pc.pool.dropConnection(pc)
}

func (pc *pooledConnection) checkIn(holder *Holder) {
	pc.mu.Lock()
	delete(pc.leases, holder)
	pc.mu.Unlock()
	pc.maybeCloseWhenEmpty()
}

func (pc *pooledConnection) park(holder *Holder) {
	pc.mu.Lock()
	if pc.broken || pc.closed {
		pc.mu.Unlock()
		_ = holder.sess.Close()
		pc.maybeCloseWhenEmpty()
		return
	}
	delete(pc.leases, holder)
	pc.available = append(pc.available, holder)
	pc.mu.Unlock()
}

func (pc *pooledConnection) maybeCloseWhenEmpty() {
	pc.mu.Lock()
	shouldClose := pc.broken && !pc.closed && len(pc.leases) == 0
	if shouldClose {
		pc.closed = true
	}
	pc.mu.Unlock()
	if shouldClose {
		_ = pc.conn.Close()
	}
}

func (pc *pooledConnection) closePhysical() {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return
	}
	pc.closed = true
	pc.broken = true
	for holder := range pc.leases {
		holder.revoke()
	}
	available := pc.available
	pc.available = nil
	pc.mu.Unlock()

	for _, holder := range available {
		_ = holder.sess.Close()
	}
	_ = pc.conn.Close()
}

// Holder is the sidecar for one leased session.
type Holder struct {
	pc   *pooledConnection
	sess broker.Session

	mu      sync.Mutex
	revoked bool
	home    bool
}

// Session returns the leased broker session; the same instance every time.
func (h *Holder) Session() broker.Session {
	return h.sess
}

// IsStillActive is the pre-commit liveness probe. False demands
// rollback-then-reacquire: a sibling session crashed, or the pool is
// replacing the underlying connection.
func (h *Holder) IsStillActive() bool {
	h.mu.Lock()
	revoked, home := h.revoked, h.home
	h.mu.Unlock()
	if revoked || home {
		return false
	}
	h.pc.mu.Lock()
	broken := h.pc.broken || h.pc.closed
	h.pc.mu.Unlock()
	return !broken
}

// Release returns an initiator session to the pool for reuse.
func (h *Holder) Release() {
	h.mu.Lock()
	if h.home {
		h.mu.Unlock()
		return
	}
	revoked := h.revoked
	if revoked {
		h.home = true
	}
	h.mu.Unlock()

	if revoked {
		_ = h.sess.Close()
		h.pc.checkIn(h)
		return
	}
	h.pc.park(h)
}

// Close physically closes the session and removes it from the group. When a
// broken connection's last session comes home, the connection is closed.
func (h *Holder) Close() {
	h.mu.Lock()
	if h.home {
		h.mu.Unlock()
		return
	}
	h.home = true
	h.mu.Unlock()

	_ = h.sess.Close()
	h.pc.checkIn(h)
}

// Crashed reports that the session (or a downstream consumer or producer)
// raised an error. The session is ditched, the connection is marked broken,
// and every sibling is revoked. A holder that was already revoked comes home
// as agreed, whatever state it is in.
func (h *Holder) Crashed(err error) {
	h.mu.Lock()
	alreadyRevoked := h.revoked
	h.home = true
	h.mu.Unlock()

	if h.pc.pool.logger != nil && !alreadyRevoked {
		h.pc.pool.logger.Info("Broker session crashed, replacing the underlying connection",
			loggingpkg.LogFields{"error": err})
	}

	_ = h.sess.Close()
	if !alreadyRevoked {
		h.pc.markBroken()
	}
	h.pc.checkIn(h)
}

func (h *Holder) revoke() {
	h.mu.Lock()
	h.revoked = true
	h.mu.Unlock()
}

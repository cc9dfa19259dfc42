package runtime

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/stageflow/broker"
	errspkg "github.com/drblury/stageflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/stageflow/internal/runtime/logging"
	"github.com/drblury/stageflow/internal/runtime/serial"
	sessionpkg "github.com/drblury/stageflow/internal/runtime/session"
)

// stageProcessor is one consumer slot of a stage: it owns one pooled session
// for the lifetime of its consume loop, processes messages one at a time,
// and replaces its session (after a backoff with jitter) when it crashes.
type stageProcessor struct {
	stage  *Stage
	slot   int
	logger loggingpkg.ServiceLogger

	running atomic.Bool

	// receiveCtx is cancelled on stop so a blocked Receive returns; the
	// processing bracket runs on its own context, in-flight lambdas are
	// never interrupted.
	receiveCtx  context.Context
	stopReceive context.CancelFunc

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
}

func newStageProcessor(stage *Stage, slot int, logger loggingpkg.ServiceLogger) *stageProcessor {
	receiveCtx, stopReceive := context.WithCancel(context.Background())
	p := &stageProcessor{
		stage:       stage,
		slot:        slot,
		logger:      logger.With(loggingpkg.LogFields{"slot": slot}),
		receiveCtx:  receiveCtx,
		stopReceive: stopReceive,
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
	}
	p.running.Store(true)
	return p
}

func (p *stageProcessor) factory() *Factory {
	return p.stage.endpoint.factory
}

func (p *stageProcessor) requestStop() {
	p.running.Store(false)
	p.stopReceive()
}

func (p *stageProcessor) awaitStopped(deadline time.Time) bool {
	select {
	case <-p.done:
		return true
	case <-time.After(time.Until(deadline)):
		return false
	}
}

func (p *stageProcessor) waitForReady(deadline time.Time) bool {
	select {
	case <-p.ready:
		return true
	case <-time.After(time.Until(deadline)):
		return false
	}
}

func (p *stageProcessor) signalReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}

// sleep waits out a backoff period; false means the processor was stopped.
func (p *stageProcessor) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return p.running.Load()
	case <-p.receiveCtx.Done():
		return false
	}
}

func (p *stageProcessor) run() {
	defer close(p.done)
	reacquire := sessionpkg.NewReacquireBackoff()

	for p.running.Load() {
		holder, err := p.factory().pool.ForProcessor(p.receiveCtx)
		if err != nil {
			if !p.running.Load() {
				return
			}
			p.logger.Error("Could not acquire broker session, backing off", err, nil)
			if !p.sleep(reacquire.NextBackOff()) {
				return
			}
			continue
		}

		consumer, err := holder.Session().Consume(p.stage.destination())
		if err != nil {
			holder.Crashed(err)
			if !p.sleep(reacquire.NextBackOff()) {
				return
			}
			continue
		}

		p.signalReady()
		reacquire.Reset()

		if crashed := p.consumeLoop(holder, consumer); crashed {
			if !p.sleep(reacquire.NextBackOff()) {
				return
			}
		}
	}
}

// consumeLoop runs until the processor stops (false) or the session must be
// replaced (true).
func (p *stageProcessor) consumeLoop(holder *sessionpkg.Holder, consumer broker.Consumer) bool {
	for p.running.Load() {
		msg, err := consumer.Receive(p.receiveCtx)
		if err != nil {
			if p.receiveCtx.Err() != nil || !p.running.Load() {
				holder.Close()
				return false
			}
			holder.Crashed(err)
			return true
		}
		if msg == nil {
			// The consumer or session was closed under us: during shutdown
			// that is the clean exit, otherwise the session was revoked and
			// a fresh one is needed.
			holder.Close()
			return p.running.Load()
		}

		started := time.Now()
		err = p.factory().coordinator.Within(context.Background(), holder, func(ctx context.Context) error {
			return p.process(ctx, holder, msg)
		})

		stageLabel := p.stage.ID()
		metrics := p.factory().metrics
		switch {
		case err == nil:
			metrics.processed.WithLabelValues(stageLabel).Inc()
			metrics.processSeconds.WithLabelValues(stageLabel).Observe(time.Since(started).Seconds())
		case errspkg.IsMessageSend(err):
			p.logger.Error("Broker commit failed after the external resource commit; outbound messages may be lost", err,
				loggingpkg.LogFields{"messageId": msg.SystemID})
			holder.Crashed(err)
			return true
		default:
			metrics.rollbacks.WithLabelValues(stageLabel).Inc()
			p.logger.Error("Stage processing rolled back, broker will redeliver", err,
				loggingpkg.LogFields{"messageId": msg.SystemID, "deliveryCount": msg.DeliveryCount})
			if !holder.IsStillActive() {
				holder.Close()
				return true
			}
		}
	}
	holder.Close()
	return false
}

// process is the work inside the transaction bracket: parse the envelope,
// materialize the incoming DTO and the current state, run the lambda, then
// stage its outbound messages on the session.
func (p *stageProcessor) process(ctx context.Context, holder *sessionpkg.Holder, msg *broker.Message) error {
	f := p.factory()

	envelopeBytes, ok := msg.Bytes[f.conf.TraceKey]
	if !ok {
		return fmt.Errorf("message %s on %s carries no envelope under key %q",
			msg.SystemID, p.stage.ID(), f.conf.TraceKey)
	}
	meta := msg.Strings[f.conf.TraceKey+serial.MetaKeyPostfix]
	deserialized, err := f.serializer.DeserializeTrace(envelopeBytes, meta)
	if err != nil {
		return err
	}
	tr := deserialized.Trace

	var incoming any
	if p.stage.incomingType != nil {
		incoming = f.newInstancePtr(p.stage.incomingType)
		if err := f.serializer.DeserializeObject(tr.CurrentCall().Data, incoming); err != nil {
			return err
		}
	}

	var state any
	if stateType := p.stage.endpoint.stateType; stateType != nil {
		state = f.newInstancePtr(stateType)
		if serializedState := tr.CurrentState(); serializedState != "" {
			if err := f.serializer.DeserializeObject(serializedState, state); err != nil {
				return err
			}
		}
	}

	pc := &ProcessContext{
		ctx:     ctx,
		factory: f,
		stage:   p.stage,
		holder:  holder,
		tr:      tr,
		msg:     msg,
		state:   state,
	}
	if err := p.stage.lambda(pc, state, incoming); err != nil {
		return err
	}
	return pc.flushOutbound()
}

// newInstancePtr materializes an empty *T for the given type through the
// serializer, which owns empty-object construction.
func (f *Factory) newInstancePtr(t reflect.Type) any {
	if t.Kind() != reflect.Pointer {
		t = reflect.PointerTo(t)
	}
	return f.serializer.NewInstance(t)
}

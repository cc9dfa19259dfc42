package runtime

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/stageflow/broker"
	configpkg "github.com/drblury/stageflow/internal/runtime/config"
	errspkg "github.com/drblury/stageflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/stageflow/internal/runtime/logging"
	"github.com/drblury/stageflow/internal/runtime/serial"
	sessionpkg "github.com/drblury/stageflow/internal/runtime/session"
	txpkg "github.com/drblury/stageflow/internal/runtime/tx"
)

// DefaultInitiatorName is the name of the initiator returned by
// DefaultInitiator.
const DefaultInitiatorName = "default"

// ProcessSingleLambda is the user logic of a single-stage endpoint: it gets
// the incoming DTO and returns the reply.
type ProcessSingleLambda func(pc *ProcessContext, incoming any) (any, error)

// ProcessTerminatorLambda is the user logic of a terminator: it gets the
// reply-state set up at initiation and the incoming DTO, and replies to
// no-one.
type ProcessTerminatorLambda func(pc *ProcessContext, state any, incoming any) error

// FactoryDependencies holds the optional collaborators of a Factory. Leave
// fields nil for the defaults.
type FactoryDependencies struct {
	// ConnectionFactory overrides broker selection by config; handy for
	// sharing one in-memory broker across several factories in tests.
	ConnectionFactory broker.ConnectionFactory

	// Registry resolves the config's Broker name; DefaultRegistry if nil.
	Registry *broker.Registry

	// Serializer overrides the default JSON serializer.
	Serializer serial.Serializer

	// Resources bridges an external transactional resource (e.g. a
	// database) into every stage and initiation bracket.
	Resources txpkg.ResourceManager

	// Registerer receives the factory's metrics; a private registry if nil.
	Registerer prometheus.Registerer
}

// Factory is the start point of all stageflow interaction: it holds the
// endpoint registry, the initiators, the session pool, and the transaction
// coordinator. Registries are per-factory; there are no process-wide
// singletons.
type Factory struct {
	conf        configpkg.Config
	logger      loggingpkg.ServiceLogger
	serializer  serial.Serializer
	pool        *sessionpkg.Pool
	coordinator *txpkg.Coordinator
	metrics     *Metrics

	mu         sync.Mutex
	endpoints  map[string]*Endpoint
	order      []string
	initiators map[string]*Initiator
	hold       bool
	started    bool
	stopped    bool
}

// NewFactory constructs a Factory for the supplied configuration. Register
// endpoints on it, then Start it.
func NewFactory(ctx context.Context, conf configpkg.Config, logger loggingpkg.ServiceLogger, deps FactoryDependencies) (*Factory, error) {
	conf = conf.ApplyDefaults()
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}

	serializer := deps.Serializer
	if serializer == nil {
		serializer = serial.NewJSONSerializer(conf.CompressionThreshold)
	}

	connectionFactory := deps.ConnectionFactory
	if connectionFactory == nil {
		registry := deps.Registry
		if registry == nil {
			registry = broker.DefaultRegistry
		}
		var err error
		connectionFactory, err = registry.Build(ctx, &conf, loggingpkg.NewWatermillAdapter(logger))
		if err != nil {
			return nil, err
		}
	}

	logger.Info("Creating stageflow factory", loggingpkg.LogFields{
		"name":   conf.Name,
		"broker": conf.Broker,
		"config": conf,
	})

	return &Factory{
		conf:        conf,
		logger:      logger,
		serializer:  serializer,
		pool:        sessionpkg.NewPool(connectionFactory, logger, conf.SessionsPerConnection),
		coordinator: txpkg.NewCoordinator(deps.Resources, logger),
		metrics:     newMetrics(deps.Registerer, conf.Name),
		endpoints:   make(map[string]*Endpoint),
		initiators:  make(map[string]*Initiator),
	}, nil
}

// Config returns the factory's effective configuration.
func (f *Factory) Config() configpkg.Config { return f.conf }

// Metrics returns the factory's instrumentation.
func (f *Factory) Metrics() *Metrics { return f.metrics }

// Staged creates an endpoint on which stages are added in order; seal it
// with FinishSetup. replyType may be nil for terminators, stateType may be
// nil for stateless endpoints.
func (f *Factory) Staged(endpointID string, replyType, stateType reflect.Type) (*Endpoint, error) {
	return f.newEndpoint(endpointID, replyType, stateType, false)
}

// Single creates a one-stage endpoint whose lambda's return value is the
// reply. Sugar over Staged.
func (f *Factory) Single(endpointID string, replyType, incomingType reflect.Type, lambda ProcessSingleLambda) (*Endpoint, error) {
	if lambda == nil {
		return nil, errspkg.ErrLambdaRequired
	}
	ep, err := f.Staged(endpointID, replyType, nil)
	if err != nil {
		return nil, err
	}
	_, err = ep.LastStage(incomingType, func(pc *ProcessContext, state, incoming any) error {
		reply, err := lambda(pc, incoming)
		if err != nil {
			return err
		}
		return pc.Reply(reply)
	})
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// Terminator creates a one-stage endpoint that ends flows: it receives the
// final reply along with the state supplied at initiation. Sugar over
// Staged.
func (f *Factory) Terminator(endpointID string, stateType, incomingType reflect.Type, lambda ProcessTerminatorLambda) (*Endpoint, error) {
	return f.newTerminator(endpointID, stateType, incomingType, lambda, false)
}

// SubscriptionTerminator creates a terminator bound to a topic instead of a
// queue. Its concurrency is pinned to 1, and messages published while it is
// down are lost - that is the subscription semantic.
func (f *Factory) SubscriptionTerminator(endpointID string, stateType, incomingType reflect.Type, lambda ProcessTerminatorLambda) (*Endpoint, error) {
	return f.newTerminator(endpointID, stateType, incomingType, lambda, true)
}

func (f *Factory) newTerminator(endpointID string, stateType, incomingType reflect.Type, lambda ProcessTerminatorLambda, topic bool) (*Endpoint, error) {
	if lambda == nil {
		return nil, errspkg.ErrLambdaRequired
	}
	ep, err := f.newEndpoint(endpointID, nil, stateType, topic)
	if err != nil {
		return nil, err
	}
	_, err = ep.LastStage(incomingType, func(pc *ProcessContext, state, incoming any) error {
		return lambda(pc, state, incoming)
	})
	if err != nil {
		return nil, err
	}
	return ep, nil
}

func (f *Factory) newEndpoint(endpointID string, replyType, stateType reflect.Type, topic bool) (*Endpoint, error) {
	if endpointID == "" {
		return nil, errspkg.ErrEndpointIDRequired
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return nil, &errspkg.LifecycleError{Component: "factory " + f.conf.Name, Op: "create endpoint " + endpointID, Err: errspkg.ErrFactoryStopped}
	}
	if _, exists := f.endpoints[endpointID]; exists {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrDuplicateEndpoint, endpointID)
	}
	ep := &Endpoint{
		factory:   f,
		id:        endpointID,
		replyType: replyType,
		stateType: stateType,
		topic:     topic,
	}
	f.endpoints[endpointID] = ep
	f.order = append(f.order, endpointID)
	return ep, nil
}

// GetEndpoint returns the endpoint registered under the id, if present.
func (f *Factory) GetEndpoint(endpointID string) (*Endpoint, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ep, ok := f.endpoints[endpointID]
	return ep, ok
}

// Endpoints returns all endpoints, in registration order.
func (f *Factory) Endpoints() []*Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	eps := make([]*Endpoint, 0, len(f.order))
	for _, id := range f.order {
		eps = append(eps, f.endpoints[id])
	}
	return eps
}

// HoldEndpointsUntilFactoryIsStarted keeps sealed endpoints inert until
// Start is invoked on the factory, so the registry can be fully populated
// before the surrounding application is ready to process messages.
func (f *Factory) HoldEndpointsUntilFactoryIsStarted() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = true
}

func (f *Factory) holdingEndpoints() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hold && !f.started
}

// Start starts the processors of every sealed endpoint.
func (f *Factory) Start() error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return &errspkg.LifecycleError{Component: "factory " + f.conf.Name, Op: "start", Err: errspkg.ErrFactoryStopped}
	}
	f.started = true
	f.mu.Unlock()

	f.logger.Info("Starting stageflow factory", loggingpkg.LogFields{"name": f.conf.Name})
	for _, ep := range f.Endpoints() {
		ep.mu.Lock()
		sealed := ep.sealed
		ep.mu.Unlock()
		if !sealed {
			continue
		}
		if err := ep.start(); err != nil {
			return err
		}
	}
	return nil
}

// WaitForStarted blocks until every processor of every endpoint has acquired
// a session and entered its consume loop, or the timeout passes.
func (f *Factory) WaitForStarted(timeout time.Duration) bool {
	var g errgroup.Group
	for _, ep := range f.Endpoints() {
		g.Go(func() error {
			if !ep.WaitForStarted(timeout) {
				return fmt.Errorf("endpoint %s did not start within %s", ep.ID(), timeout)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		f.logger.Error("Not all endpoints came up", err, nil)
		return false
	}
	return true
}

// DefaultInitiator returns the initiator named "default".
func (f *Factory) DefaultInitiator() *Initiator {
	return f.GetOrCreateInitiator(DefaultInitiatorName)
}

// GetOrCreateInitiator returns the named initiator, creating it on first
// use. Initiators are thread-safe and meant for reuse.
func (f *Factory) GetOrCreateInitiator(name string) *Initiator {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.initiators[name]; ok {
		return existing
	}
	initiator := &Initiator{factory: f, name: name}
	if f.stopped {
		initiator.Close()
	}
	f.initiators[name] = initiator
	return initiator
}

// Stop closes the initiators, asks every processor to drain, waits up to
// graceful, then force-closes the session pool. A non-clean shutdown is
// reported as an error; the stragglers complete or roll back on their own.
func (f *Factory) Stop(graceful time.Duration) error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	initiators := make([]*Initiator, 0, len(f.initiators))
	for _, initiator := range f.initiators {
		initiators = append(initiators, initiator)
	}
	f.mu.Unlock()

	f.logger.Info("Stopping stageflow factory", loggingpkg.LogFields{"name": f.conf.Name, "graceful": graceful.String()})
	for _, initiator := range initiators {
		initiator.Close()
	}

	endpoints := f.Endpoints()
	for _, ep := range endpoints {
		ep.requestStop()
	}

	deadline := time.Now().Add(graceful)
	var stragglers []string
	for _, ep := range endpoints {
		stragglers = append(stragglers, ep.awaitStopped(deadline)...)
	}

	f.pool.Close()

	if len(stragglers) > 0 {
		// Sessions are closed now; give the loops one more moment.
		retryDeadline := time.Now().Add(time.Second)
		var remaining []string
		for _, ep := range endpoints {
			remaining = append(remaining, ep.awaitStopped(retryDeadline)...)
		}
		if len(remaining) > 0 {
			return fmt.Errorf("stageflow: non-clean shutdown, processors still running: %v", remaining)
		}
	}
	return nil
}

package runtime

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/drblury/stageflow/broker"
	errspkg "github.com/drblury/stageflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/stageflow/internal/runtime/logging"
)

// ProcessLambda is the user logic of one stage. state and incoming are
// pointers to freshly deserialized instances of the stage's state and
// incoming types; mutations to state are carried on outbound Request and
// Next calls.
type ProcessLambda func(pc *ProcessContext, state any, incoming any) error

// Endpoint is a logical named service: an ordered chain of stages, each an
// independent consumer. Lifecycle: created, stages added, sealed via
// FinishSetup, started, stopped.
type Endpoint struct {
	factory *Factory
	id      string

	replyType reflect.Type
	stateType reflect.Type

	// topic marks a subscription terminator: the sole stage consumes from a
	// topic, and concurrency is pinned to 1.
	topic bool

	mu          sync.Mutex
	stages      []*Stage
	concurrency int
	sealed      bool
	started     bool
}

// ID returns the endpoint id.
func (e *Endpoint) ID() string { return e.id }

// ReplyType returns the type this endpoint replies with, or nil for
// terminators.
func (e *Endpoint) ReplyType() reflect.Type { return e.replyType }

// StateType returns the state type carried between the endpoint's stages.
func (e *Endpoint) StateType() reflect.Type { return e.stateType }

// IsSubscription reports whether this endpoint consumes from a topic.
func (e *Endpoint) IsSubscription() bool { return e.topic }

// SetConcurrency overrides the factory-wide processor slot count for every
// stage of this endpoint. Ignored for subscription terminators.
func (e *Endpoint) SetConcurrency(n int) *Endpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.concurrency = n
	return e
}

// Stage appends a stage to the endpoint. Stages must be added in processing
// order, before FinishSetup.
func (e *Endpoint) Stage(incomingType reflect.Type, lambda ProcessLambda) (*Stage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sealed {
		return nil, &errspkg.LifecycleError{Component: "endpoint " + e.id, Op: "add a stage", Err: errspkg.ErrEndpointSealed}
	}
	if lambda == nil {
		return nil, errspkg.ErrLambdaRequired
	}
	stage := &Stage{
		endpoint:     e,
		index:        len(e.stages),
		incomingType: incomingType,
		lambda:       lambda,
	}
	if len(e.stages) > 0 {
		e.stages[len(e.stages)-1].nextStageID = stage.ID()
	}
	e.stages = append(e.stages, stage)
	return stage, nil
}

// LastStage appends the final stage and seals the endpoint. When the factory
// is not holding endpoints, the endpoint starts immediately.
func (e *Endpoint) LastStage(incomingType reflect.Type, lambda ProcessLambda) (*Stage, error) {
	stage, err := e.Stage(incomingType, lambda)
	if err != nil {
		return nil, err
	}
	if err := e.FinishSetup(); err != nil {
		return nil, err
	}
	return stage, nil
}

// FinishSetup seals the endpoint. Unless the factory holds endpoints until
// its own start, the endpoint's processors start right away.
func (e *Endpoint) FinishSetup() error {
	e.mu.Lock()
	if e.sealed {
		e.mu.Unlock()
		return nil
	}
	if len(e.stages) == 0 {
		e.mu.Unlock()
		return &errspkg.LifecycleError{Component: "endpoint " + e.id, Op: "finish setup without stages", Err: errspkg.ErrLambdaRequired}
	}
	e.sealed = true
	e.mu.Unlock()

	if !e.factory.holdingEndpoints() {
		return e.start()
	}
	return nil
}

// Stages returns the endpoint's stages in order.
func (e *Endpoint) Stages() []*Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Stage(nil), e.stages...)
}

func (e *Endpoint) stageConcurrency(s *Stage) int {
	if e.topic {
		return 1
	}
	if s.concurrency > 0 {
		return s.concurrency
	}
	e.mu.Lock()
	override := e.concurrency
	e.mu.Unlock()
	if override > 0 {
		return override
	}
	return e.factory.conf.Concurrency
}

func (e *Endpoint) start() error {
	e.mu.Lock()
	if !e.sealed {
		e.mu.Unlock()
		return &errspkg.LifecycleError{Component: "endpoint " + e.id, Op: "start", Err: errspkg.ErrEndpointNotSealed}
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	stages := append([]*Stage(nil), e.stages...)
	e.mu.Unlock()

	for _, stage := range stages {
		stage.start(e.stageConcurrency(stage))
	}
	return nil
}

func (e *Endpoint) requestStop() {
	for _, stage := range e.Stages() {
		stage.requestStop()
	}
}

func (e *Endpoint) awaitStopped(deadline time.Time) []string {
	var stragglers []string
	for _, stage := range e.Stages() {
		stragglers = append(stragglers, stage.awaitStopped(deadline)...)
	}
	return stragglers
}

// WaitForStarted blocks until every processor of every stage has acquired a
// session and entered its consume loop, or the timeout passes.
func (e *Endpoint) WaitForStarted(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for _, stage := range e.Stages() {
		if !stage.waitForStarted(deadline) {
			return false
		}
	}
	return true
}

// Stage is one message consumer in an endpoint's chain.
type Stage struct {
	endpoint *Endpoint
	index    int

	incomingType reflect.Type
	lambda       ProcessLambda
	concurrency  int
	nextStageID  string

	mu         sync.Mutex
	processors []*stageProcessor
}

// ID returns the stage id: the endpoint id for stage 0, endpointId.stage<i>
// for the ones after it, so that the destination name is always the
// configured prefix plus the stage id.
func (s *Stage) ID() string {
	if s.index == 0 {
		return s.endpoint.id
	}
	return fmt.Sprintf("%s.stage%d", s.endpoint.id, s.index)
}

// Index returns the position of this stage in its endpoint.
func (s *Stage) Index() int { return s.index }

// NextStageID returns the sibling stage receiving this stage's Next calls,
// or "" for the terminal stage.
func (s *Stage) NextStageID() string { return s.nextStageID }

// IncomingType returns the DTO type this stage consumes.
func (s *Stage) IncomingType() reflect.Type { return s.incomingType }

// SetConcurrency overrides the processor slot count for this stage alone.
func (s *Stage) SetConcurrency(n int) *Stage {
	s.concurrency = n
	return s
}

func (s *Stage) destination() broker.Destination {
	name := s.endpoint.factory.conf.DestinationPrefix + s.ID()
	if s.endpoint.topic {
		return broker.Topic(name)
	}
	return broker.Queue(name)
}

func (s *Stage) start(concurrency int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.processors) > 0 {
		return
	}
	logger := s.endpoint.factory.logger.With(loggingpkg.LogFields{"stage": s.ID()})
	for slot := range concurrency {
		p := newStageProcessor(s, slot, logger)
		s.processors = append(s.processors, p)
		go p.run()
	}
}

func (s *Stage) requestStop() {
	s.mu.Lock()
	processors := append([]*stageProcessor(nil), s.processors...)
	s.mu.Unlock()
	for _, p := range processors {
		p.requestStop()
	}
}

func (s *Stage) awaitStopped(deadline time.Time) []string {
	s.mu.Lock()
	processors := append([]*stageProcessor(nil), s.processors...)
	s.mu.Unlock()

	var stragglers []string
	for _, p := range processors {
		if !p.awaitStopped(deadline) {
			stragglers = append(stragglers, fmt.Sprintf("%s#%d", s.ID(), p.slot))
		}
	}
	return stragglers
}

func (s *Stage) waitForStarted(deadline time.Time) bool {
	s.mu.Lock()
	processors := append([]*stageProcessor(nil), s.processors...)
	s.mu.Unlock()

	for _, p := range processors {
		if !p.waitForReady(deadline) {
			return false
		}
	}
	return true
}

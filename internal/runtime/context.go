package runtime

import (
	"context"

	"github.com/drblury/stageflow/broker"
	errspkg "github.com/drblury/stageflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/stageflow/internal/runtime/logging"
	sessionpkg "github.com/drblury/stageflow/internal/runtime/session"
	"github.com/drblury/stageflow/internal/runtime/trace"
)

// ProcessContext is handed to a stage's process lambda: it exposes the
// incoming message's trace and side-channel payloads, and collects the
// outbound actions (reply, request, next, publish, initiate). Outbound
// envelopes are clones; the envelope the lambda is looking at is never
// altered by them.
type ProcessContext struct {
	ctx     context.Context
	factory *Factory
	stage   *Stage
	holder  *sessionpkg.Holder
	tr      *trace.Trace
	msg     *broker.Message
	state   any

	outBytes   map[string][]byte
	outStrings map[string]string
	emissions  []emission
}

type emission struct {
	tr   *trace.Trace
	kind string
}

// Context returns the bracket context; when a SQL resource bridge is
// configured, the current *sql.Tx rides on it.
func (pc *ProcessContext) Context() context.Context { return pc.ctx }

// TraceID returns the flow's correlation id.
func (pc *ProcessContext) TraceID() string { return pc.tr.TraceID }

// EndpointID returns the id of the endpoint this stage belongs to.
func (pc *ProcessContext) EndpointID() string { return pc.stage.endpoint.id }

// StageID returns the id of the executing stage.
func (pc *ProcessContext) StageID() string { return pc.stage.ID() }

// DeliveryCount returns how many times the incoming message was delivered,
// 1 on the first attempt. Use it for idempotent-consumer logic.
func (pc *ProcessContext) DeliveryCount() int { return pc.msg.DeliveryCount }

// Trace returns the incoming envelope, for debugging and introspection.
func (pc *ProcessContext) Trace() *trace.Trace { return pc.tr }

// GetBytes reads a named binary side-channel payload from the incoming
// message.
func (pc *ProcessContext) GetBytes(key string) []byte { return pc.msg.Bytes[key] }

// GetString reads a named string side-channel payload from the incoming
// message.
func (pc *ProcessContext) GetString(key string) string { return pc.msg.Strings[key] }

// AddBytes attaches a named binary payload to every outgoing message of this
// stage execution.
func (pc *ProcessContext) AddBytes(key string, payload []byte) {
	if pc.outBytes == nil {
		pc.outBytes = map[string][]byte{}
	}
	pc.outBytes[key] = payload
}

// AddString attaches a named string payload to every outgoing message of
// this stage execution.
func (pc *ProcessContext) AddString(key, payload string) {
	if pc.outStrings == nil {
		pc.outStrings = map[string]string{}
	}
	pc.outStrings[key] = payload
}

// SetTraceProperty sets a flow-sticky property, visible to every later stage
// of this flow.
func (pc *ProcessContext) SetTraceProperty(name, value string) {
	pc.tr.SetTraceProperty(name, value)
}

// TraceProperty reads a flow-sticky property.
func (pc *ProcessContext) TraceProperty(name string) string {
	return pc.tr.TraceProperty(name)
}

// Reply sends the reply to whoever the stack says is waiting. On an empty
// stack the reply is silently dropped - that is the ordinary way a flow
// ends when the caller did not care for a reply - with an observable
// counter tick.
func (pc *ProcessContext) Reply(replyDto any) error {
	if pc.tr.CurrentCall().StackHeight() == 0 {
		pc.factory.metrics.droppedReplies.Inc()
		pc.factory.logger.Info("Stage invoked Reply, but there are no elements on the stack, hence no one to reply to. Dropping message.",
			loggingpkg.LogFields{"stage": pc.stage.ID(), "traceId": pc.tr.TraceID})
		return nil
	}
	data, err := pc.factory.serializer.SerializeObject(replyDto)
	if err != nil {
		return err
	}
	next, err := pc.tr.AddReplyCall(pc.stage.ID(), data)
	if err != nil {
		return err
	}
	pc.queue(next, "REPLY")
	return nil
}

// Request sends a request to another endpoint, pushing this stage's next
// stage onto the stack as the reply address. The current state object is
// carried as the reply state, so the next stage finds it again.
func (pc *ProcessContext) Request(endpointID string, requestDto any) error {
	return pc.RequestWithInitialState(endpointID, requestDto, nil)
}

// RequestWithInitialState is Request with a seed state for the callee's
// first stage.
func (pc *ProcessContext) RequestWithInitialState(endpointID string, requestDto, initialTargetState any) error {
	if pc.stage.nextStageID == "" {
		return &errspkg.LifecycleError{Component: "stage " + pc.stage.ID(), Op: "request without a next stage to reply to", Err: errspkg.ErrNoNextStage}
	}
	data, err := pc.factory.serializer.SerializeObject(requestDto)
	if err != nil {
		return err
	}
	replyState, err := pc.factory.serializer.SerializeObject(pc.state)
	if err != nil {
		return err
	}
	initialState, err := pc.factory.serializer.SerializeObject(initialTargetState)
	if err != nil {
		return err
	}
	next := pc.tr.AddRequestCall(pc.stage.ID(), trace.QueueChannel(endpointID),
		trace.QueueChannel(pc.stage.nextStageID), data, replyState, initialState)
	pc.queue(next, "REQUEST")
	return nil
}

// Next passes the flow sideways to this endpoint's next stage, carrying the
// current state at the unchanged stack height.
func (pc *ProcessContext) Next(incomingDto any) error {
	if pc.stage.nextStageID == "" {
		return &errspkg.LifecycleError{Component: "stage " + pc.stage.ID(), Op: "invoke next", Err: errspkg.ErrNoNextStage}
	}
	data, err := pc.factory.serializer.SerializeObject(incomingDto)
	if err != nil {
		return err
	}
	state, err := pc.factory.serializer.SerializeObject(pc.state)
	if err != nil {
		return err
	}
	next := pc.tr.AddNextCall(pc.stage.ID(), trace.QueueChannel(pc.stage.nextStageID), data, state)
	pc.queue(next, "NEXT")
	return nil
}

// Publish sends to a topic; the stack is unchanged, subscribers get a copy
// each.
func (pc *ProcessContext) Publish(endpointID string, messageDto any) error {
	data, err := pc.factory.serializer.SerializeObject(messageDto)
	if err != nil {
		return err
	}
	next := pc.tr.AddSendCall(pc.stage.ID(), trace.TopicChannel(endpointID), data, "")
	pc.queue(next, "PUBLISH")
	return nil
}

// Initiate starts a fresh nested flow from within this stage, inside the
// same transaction. The new flow's trace id is the current one with the
// supplied id appended after a "|".
func (pc *ProcessContext) Initiate(fn func(ic *InitiateContext) error) error {
	ic := newInitiateContext(pc.factory, pc.holder, pc.tr.TraceID, pc.stage.ID())
	return fn(ic)
}

func (pc *ProcessContext) queue(tr *trace.Trace, kind string) {
	now := nowMillis()
	tr.CurrentCall().SetDebugInfo(pc.factory.conf.AppName, pc.factory.conf.AppVersion,
		pc.factory.conf.Nodename, now, "")
	pc.emissions = append(pc.emissions, emission{tr: tr, kind: kind})
}

// flushOutbound stages every queued emission on the session; the transaction
// coordinator commits them together with the receive.
func (pc *ProcessContext) flushOutbound() error {
	for _, em := range pc.emissions {
		if err := pc.factory.sendTrace(pc.holder, em.tr, em.kind, pc.outBytes, pc.outStrings); err != nil {
			return err
		}
	}
	return nil
}

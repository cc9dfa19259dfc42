package runtime

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"time"

	"github.com/drblury/stageflow/broker"
	errspkg "github.com/drblury/stageflow/internal/runtime/errors"
	idspkg "github.com/drblury/stageflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/stageflow/internal/runtime/logging"
	"github.com/drblury/stageflow/internal/runtime/serial"
	sessionpkg "github.com/drblury/stageflow/internal/runtime/session"
	"github.com/drblury/stageflow/internal/runtime/trace"
)

// HeaderTraceID is the broker message header carrying the flow's trace id,
// mirroring the id inside the envelope.
const HeaderTraceID = "traceId"

// Message priorities for the broker's interactive hint.
const (
	priorityDefault     = 4
	priorityInteractive = 9
)

// Initiator is the entry point into stageflow from non-stage code. It is
// thread-safe and meant to live as long as the factory; each initiation
// checks a session out of the pool and returns it when done.
type Initiator struct {
	factory *Factory
	name    string
	closed  atomic.Bool
}

// Name returns the initiator's name.
func (i *Initiator) Name() string { return i.name }

// Initiate runs the supplied function against a one-shot initiation builder,
// inside the full transaction bracket. The terminal builder operations
// (Request, Send, Publish) stage messages that are committed when the
// function returns nil.
func (i *Initiator) Initiate(ctx context.Context, fn func(ic *InitiateContext) error) error {
	if i.closed.Load() {
		return &errspkg.LifecycleError{Component: "initiator " + i.name, Op: "initiate", Err: errspkg.ErrInitiatorClosed}
	}

	holder, err := i.factory.pool.ForInitiator(ctx)
	if err != nil {
		return err
	}

	i.factory.metrics.initiations.WithLabelValues(i.name).Inc()

	err = i.factory.coordinator.Within(ctx, holder, func(ctx context.Context) error {
		return fn(newInitiateContext(i.factory, holder, "", i.name))
	})
	if err != nil {
		if errspkg.IsMessageSend(err) {
			// The session is in an undefined state; ditch it.
			holder.Crashed(err)
			return err
		}
		holder.Release()
		// The bracket wraps work failures as retryable, but for an
		// initiation the rollback is final: hand the cause to the caller.
		var retry *errspkg.StageRetryError
		if stderrors.As(err, &retry) {
			return retry.Err
		}
		return err
	}
	holder.Release()
	return nil
}

// Close makes further initiations fail; in-flight ones complete.
func (i *Initiator) Close() {
	i.closed.Store(true)
}

// InitiateContext is the one-shot builder for a single initiation.
type InitiateContext struct {
	factory *Factory
	holder  *sessionpkg.Holder

	// existingTraceID is set for initiations nested inside a stage; the new
	// trace id is appended to it after a "|".
	existingTraceID string

	traceID       string
	keep          trace.KeepTrace
	nonPersistent bool
	interactive   bool
	from          string
	to            string
	replyTo       string
	replyState    any

	props      []trace.TraceProperty
	outBytes   map[string][]byte
	outStrings map[string]string
}

func newInitiateContext(f *Factory, holder *sessionpkg.Holder, existingTraceID, from string) *InitiateContext {
	return &InitiateContext{
		factory:         f,
		holder:          holder,
		existingTraceID: existingTraceID,
		from:            from,
		keep:            trace.KeepTraceCompact,
	}
}

// TraceID sets the flow's correlation id. Required. From within a stage the
// id becomes "<outer>|<id>".
func (ic *InitiateContext) TraceID(traceID string) *InitiateContext {
	if ic.existingTraceID != "" {
		ic.traceID = ic.existingTraceID + "|" + traceID
	} else {
		ic.traceID = traceID
	}
	return ic
}

// KeepTrace sets the envelope retention policy; the default is COMPACT.
func (ic *InitiateContext) KeepTrace(keep trace.KeepTrace) *InitiateContext {
	ic.keep = keep
	return ic
}

// NonPersistent asks the broker to skip the durable write, on every hop of
// the flow.
func (ic *InitiateContext) NonPersistent() *InitiateContext {
	ic.nonPersistent = true
	return ic
}

// Interactive marks the flow as prioritized: a human is waiting.
func (ic *InitiateContext) Interactive() *InitiateContext {
	ic.interactive = true
	return ic
}

// From sets the logical origin label. Required.
func (ic *InitiateContext) From(initiatorID string) *InitiateContext {
	ic.from = initiatorID
	return ic
}

// To sets the target endpoint. Required.
func (ic *InitiateContext) To(endpointID string) *InitiateContext {
	ic.to = endpointID
	return ic
}

// ReplyTo sets the terminator endpoint that receives the flow's final reply,
// along with the state object it should wake up with. Required for Request.
func (ic *InitiateContext) ReplyTo(endpointID string, replyState any) *InitiateContext {
	ic.replyTo = endpointID
	ic.replyState = replyState
	return ic
}

// SetTraceProperty sets a flow-sticky property on the new flow.
func (ic *InitiateContext) SetTraceProperty(name, value string) *InitiateContext {
	for i := range ic.props {
		if ic.props[i].Name == name {
			ic.props[i].Value = value
			return ic
		}
	}
	ic.props = append(ic.props, trace.TraceProperty{Name: name, Value: value})
	return ic
}

// AddBytes attaches a named binary side-channel payload to the outgoing
// message.
func (ic *InitiateContext) AddBytes(key string, payload []byte) *InitiateContext {
	if ic.outBytes == nil {
		ic.outBytes = map[string][]byte{}
	}
	ic.outBytes[key] = payload
	return ic
}

// AddString attaches a named string side-channel payload to the outgoing
// message.
func (ic *InitiateContext) AddString(key, payload string) *InitiateContext {
	if ic.outStrings == nil {
		ic.outStrings = map[string]string{}
	}
	ic.outStrings[key] = payload
	return ic
}

// Request sends a request to the target endpoint; the eventual reply goes to
// the ReplyTo terminator.
func (ic *InitiateContext) Request(requestDto any) error {
	return ic.RequestWithInitialState(requestDto, nil)
}

// RequestWithInitialState is Request with a seed state for the target's
// first stage.
func (ic *InitiateContext) RequestWithInitialState(requestDto, initialTargetState any) error {
	if err := ic.validate("request", true); err != nil {
		return err
	}
	ser := ic.factory.serializer
	data, err := ser.SerializeObject(requestDto)
	if err != nil {
		return err
	}
	replyState, err := ser.SerializeObject(ic.replyState)
	if err != nil {
		return err
	}
	initialState, err := ser.SerializeObject(initialTargetState)
	if err != nil {
		return err
	}
	tr := ic.newTrace().AddRequestCall(ic.from, trace.QueueChannel(ic.to),
		trace.QueueChannel(ic.replyTo), data, replyState, initialState)
	return ic.dispatch(tr, "new REQUEST")
}

// Send fires a message at the target endpoint with no reply expected.
func (ic *InitiateContext) Send(messageDto any) error {
	return ic.SendWithInitialState(messageDto, nil)
}

// SendWithInitialState is Send with a seed state for the target's first
// stage.
func (ic *InitiateContext) SendWithInitialState(messageDto, initialTargetState any) error {
	if err := ic.validate("send", false); err != nil {
		return err
	}
	tr, err := ic.sendTraceFor(messageDto, initialTargetState, false)
	if err != nil {
		return err
	}
	return ic.dispatch(tr, "new SEND")
}

// Publish sends to the target topic; every live subscription terminator gets
// a copy.
func (ic *InitiateContext) Publish(messageDto any) error {
	return ic.PublishWithInitialState(messageDto, nil)
}

// PublishWithInitialState is Publish with a seed state for the subscribers'
// stage.
func (ic *InitiateContext) PublishWithInitialState(messageDto, initialTargetState any) error {
	if err := ic.validate("publish", false); err != nil {
		return err
	}
	tr, err := ic.sendTraceFor(messageDto, initialTargetState, true)
	if err != nil {
		return err
	}
	return ic.dispatch(tr, "new PUBLISH")
}

func (ic *InitiateContext) sendTraceFor(messageDto, initialTargetState any, topic bool) (*trace.Trace, error) {
	ser := ic.factory.serializer
	data, err := ser.SerializeObject(messageDto)
	if err != nil {
		return nil, err
	}
	initialState, err := ser.SerializeObject(initialTargetState)
	if err != nil {
		return nil, err
	}
	to := trace.QueueChannel(ic.to)
	if topic {
		to = trace.TopicChannel(ic.to)
	}
	return ic.newTrace().AddSendCall(ic.from, to, data, initialState), nil
}

// validate checks the required fields; nothing is sent when it fails.
func (ic *InitiateContext) validate(operation string, needReplyTo bool) error {
	var missing []string
	if ic.traceID == "" {
		missing = append(missing, "traceId")
	}
	if ic.from == "" {
		missing = append(missing, "from")
	}
	if ic.to == "" {
		missing = append(missing, "to")
	}
	if needReplyTo && ic.replyTo == "" {
		missing = append(missing, "replyTo")
	}
	if len(missing) > 0 {
		return &errspkg.ValidationError{Operation: operation, Missing: missing}
	}
	return nil
}

func (ic *InitiateContext) newTrace() *trace.Trace {
	conf := ic.factory.conf
	tr := ic.factory.serializer.NewTrace(ic.traceID, ic.keep, ic.nonPersistent, ic.interactive).
		SetDebugInfo(conf.AppName, conf.AppVersion, conf.Nodename, ic.from, nowMillis(), "")
	for _, p := range ic.props {
		tr.SetTraceProperty(p.Name, p.Value)
	}
	return tr
}

func (ic *InitiateContext) dispatch(tr *trace.Trace, kind string) error {
	tr.CurrentCall().SetDebugInfo(ic.factory.conf.AppName, ic.factory.conf.AppVersion,
		ic.factory.conf.Nodename, nowMillis(), "")
	return ic.factory.sendTrace(ic.holder, tr, kind, ic.outBytes, ic.outStrings)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// sendTrace serializes the envelope, builds the broker map-message with the
// side channels, and stages it on the holder's session. It leaves with the
// session transaction, at commit.
func (f *Factory) sendTrace(holder *sessionpkg.Holder, tr *trace.Trace, kind string,
	outBytes map[string][]byte, outStrings map[string]string) error {

	serialized, err := f.serializer.SerializeTrace(tr)
	if err != nil {
		return err
	}

	msg := broker.NewMessage()
	msg.SystemID = idspkg.CreateULID()
	msg.Bytes[f.conf.TraceKey] = serialized.Bytes
	msg.Strings[f.conf.TraceKey+serial.MetaKeyPostfix] = serialized.Meta
	msg.Headers[HeaderTraceID] = tr.TraceID
	msg.NonPersistent = tr.NonPersistent
	if tr.Interactive {
		msg.Priority = priorityInteractive
	} else {
		msg.Priority = priorityDefault
	}
	for key, payload := range outBytes {
		msg.Bytes[key] = payload
	}
	for key, payload := range outStrings {
		msg.Strings[key] = payload
	}

	to := tr.CurrentCall().To
	dest := broker.Destination{Name: f.conf.DestinationPrefix + to.ID, Topic: to.Model == trace.ModelTopic}

	f.logger.Debug("Sending message", loggingpkg.LogFields{
		"kind":        kind,
		"to":          dest.Name,
		"traceId":     tr.TraceID,
		"messageId":   msg.SystemID,
		"sizeOnWire":  len(serialized.Bytes),
		"sizePlain":   serialized.SizeUncompressed,
		"environment": f.conf.Name,
	})
	return holder.Session().Send(dest, msg)
}

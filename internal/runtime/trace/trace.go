// Package trace holds the wire envelope that stages communicate with: the
// per-flow call history, the stack of return addresses, and the state frames
// that travel alongside it. The envelope is serialized into a JSON structure
// which constitutes the entire protocol, apart from the named binary and
// string side-channels that ride on the broker message itself.
//
// The envelope is designed to carry all previous calls in a flow, which helps
// debugging enormously: every earlier call with data and stack frames is
// right there in the message. For executing any single stage, however, only
// the current (last) call plus the stack frames at or below its height are
// needed. KeepTrace selects how much of the rest is retained.
package trace

import (
	"fmt"
	"strings"
	"time"

	errspkg "github.com/drblury/stageflow/internal/runtime/errors"
)

// KeepTrace is the debug-retention policy for an envelope.
type KeepTrace string

const (
	// KeepTraceFull retains every call with data and every state frame.
	KeepTraceFull KeepTrace = "FULL"
	// KeepTraceCompact retains every call but nulls the data of all
	// non-current ones, and prunes unreachable state frames.
	KeepTraceCompact KeepTrace = "COMPACT"
	// KeepTraceMinimal retains only the current call and the reachable
	// state frames.
	KeepTraceMinimal KeepTrace = "MINIMAL"
)

// CallType discriminates the four flow transitions.
type CallType string

const (
	CallTypeRequest CallType = "REQUEST"
	CallTypeSend    CallType = "SEND"
	CallTypeNext    CallType = "NEXT"
	CallTypeReply   CallType = "REPLY"
)

// MessagingModel is the destination kind of a channel.
type MessagingModel string

const (
	ModelQueue MessagingModel = "QUEUE"
	ModelTopic MessagingModel = "TOPIC"
)

// Channel is a destination: an id plus whether it is a queue or a topic.
type Channel struct {
	ID    string         `json:"i"`
	Model MessagingModel `json:"m"`
}

func (c Channel) String() string {
	model := string(c.Model)
	switch c.Model {
	case ModelQueue:
		model = "Q"
	case ModelTopic:
		model = "T"
	}
	return "[" + model + "]" + c.ID
}

// QueueChannel returns a Channel addressing a queue.
func QueueChannel(id string) Channel { return Channel{ID: id, Model: ModelQueue} }

// TopicChannel returns a Channel addressing a topic.
func TopicChannel(id string) Channel { return Channel{ID: id, Model: ModelTopic} }

// Call is one hop in the flow. The JSON field names are deliberately terse:
// they are repeated for every hop of every live flow on the wire.
type Call struct {
	Type CallType `json:"t"`
	From string   `json:"f,omitempty"`
	To   Channel  `json:"to"`
	Data string   `json:"d,omitempty"`

	// Stack holds the return addresses, deepest first. It is nulled on
	// non-current calls, in which case NulledStackHeight records its size.
	Stack             []Channel `json:"s,omitempty"`
	NulledStackHeight *int      `json:"ss,omitempty"`

	// Call-site metadata.
	CallingAppName    string `json:"an,omitempty"`
	CallingAppVersion string `json:"av,omitempty"`
	CallingHost       string `json:"h,omitempty"`
	CalledTimestamp   int64  `json:"ts,omitempty"`
	DebugInfo         string `json:"x,omitempty"`
}

// StackHeight is the number of return addresses below this call, whether or
// not the stack itself has been nulled away.
func (c *Call) StackHeight() int {
	if c.Stack != nil {
		return len(c.Stack)
	}
	if c.NulledStackHeight != nil {
		return *c.NulledStackHeight
	}
	return 0
}

// CopyOfStack returns a fresh copy of the stack, so callers can never reach
// into the envelope's own storage.
func (c *Call) CopyOfStack() []Channel {
	if c.Stack == nil {
		return []Channel{}
	}
	cp := make([]Channel, len(c.Stack))
	copy(cp, c.Stack)
	return cp
}

// SetDebugInfo stamps the call-site metadata onto the call.
func (c *Call) SetDebugInfo(appName, appVersion, host string, timestamp int64, debugInfo string) *Call {
	c.CallingAppName = appName
	c.CallingAppVersion = appVersion
	c.CallingHost = host
	c.CalledTimestamp = timestamp
	c.DebugInfo = debugInfo
	return c
}

// dropFromAndStack nulls the from and stack fields, recording the height.
func (c *Call) dropFromAndStack() {
	height := len(c.Stack)
	c.From = ""
	c.NulledStackHeight = &height
	c.Stack = nil
}

func (c *Call) dropData() {
	c.Data = ""
}

// StackState is a (height, state) frame. The most recent frame at a given
// height is the state visible to a stage executing at that height.
type StackState struct {
	Height int    `json:"h"`
	State  string `json:"s,omitempty"`
}

func (s StackState) String() string {
	return fmt.Sprintf("height=%d, state=%s", s.Height, s.State)
}

// TraceProperty is one entry of the ordered, flow-sticky property mapping.
type TraceProperty struct {
	Name  string `json:"n"`
	Value string `json:"v"`
}

// Trace is the envelope: one per live flow.
type Trace struct {
	TraceID string `json:"tid"`

	Keep          KeepTrace `json:"kt"`
	NonPersistent bool      `json:"np,omitempty"`
	Interactive   bool      `json:"ia,omitempty"`

	// Initiator metadata.
	InitializingAppName    string `json:"an,omitempty"`
	InitializingAppVersion string `json:"av,omitempty"`
	InitializingHost       string `json:"h,omitempty"`
	InitiatorID            string `json:"iid,omitempty"`
	InitializedTimestamp   int64  `json:"ts,omitempty"`
	DebugInfo              string `json:"x,omitempty"`

	Calls       []*Call         `json:"c"`
	StackStates []StackState    `json:"ss,omitempty"`
	Properties  []TraceProperty `json:"tp,omitempty"`
}

// New creates an envelope for a fresh flow.
func New(traceID string, keep KeepTrace, nonPersistent, interactive bool) *Trace {
	if keep == "" {
		keep = KeepTraceCompact
	}
	return &Trace{
		TraceID: traceID,
		Keep:    keep,

		NonPersistent: nonPersistent,
		Interactive:   interactive,
	}
}

// SetDebugInfo stamps the initiation-site metadata onto the envelope.
func (t *Trace) SetDebugInfo(appName, appVersion, host, initiatorID string, timestamp int64, debugInfo string) *Trace {
	t.InitializingAppName = appName
	t.InitializingAppVersion = appVersion
	t.InitializingHost = host
	t.InitiatorID = initiatorID
	t.InitializedTimestamp = timestamp
	t.DebugInfo = debugInfo
	return t
}

// SetTraceProperty sets a flow-sticky property. A property set once keeps its
// position in the ordering; setting it again overwrites the value in place.
func (t *Trace) SetTraceProperty(name, value string) {
	for i := range t.Properties {
		if t.Properties[i].Name == name {
			t.Properties[i].Value = value
			return
		}
	}
	t.Properties = append(t.Properties, TraceProperty{Name: name, Value: value})
}

// TraceProperty returns the value of a flow-sticky property, or "" if unset.
func (t *Trace) TraceProperty(name string) string {
	for _, p := range t.Properties {
		if p.Name == name {
			return p.Value
		}
	}
	return ""
}

// TraceProperties returns a copy of the ordered property mapping.
func (t *Trace) TraceProperties() []TraceProperty {
	cp := make([]TraceProperty, len(t.Properties))
	copy(cp, t.Properties)
	return cp
}

// CurrentCall returns the call being processed, i.e. the last one, or nil on
// a virgin envelope.
func (t *Trace) CurrentCall() *Call {
	if len(t.Calls) == 0 {
		return nil
	}
	return t.Calls[len(t.Calls)-1]
}

// CallFlow returns a copy of the call history.
func (t *Trace) CallFlow() []*Call {
	cp := make([]*Call, len(t.Calls))
	copy(cp, t.Calls)
	return cp
}

// StateFlow returns a copy of the state-frame history.
func (t *Trace) StateFlow() []StackState {
	cp := make([]StackState, len(t.StackStates))
	copy(cp, t.StackStates)
	return cp
}

// StateStack returns the live state stack: the state flow pruned down to the
// frames reachable from the current call's height.
func (t *Trace) StateStack() []StackState {
	cp := t.StateFlow()
	if current := t.CurrentCall(); current != nil {
		cp = pruneStackStates(cp, current.StackHeight())
	}
	return cp
}

// CurrentState returns the state visible at the current call's stack height,
// or "" if no frame has been placed for it on this branch.
func (t *Trace) CurrentState() string {
	current := t.CurrentCall()
	if current == nil {
		return ""
	}
	return t.stateForHeight(current.StackHeight())
}

// stateForHeight searches the state flow from the back (most recent) for the
// first frame at the wanted height. Encountering a more shallow frame first
// means no frame was placed for this height on this branch, and the search
// terminates empty.
func (t *Trace) stateForHeight(height int) string {
	for i := len(t.StackStates) - 1; i >= 0; i-- {
		frame := t.StackStates[i]
		if height > frame.Height {
			break
		}
		if height == frame.Height {
			return frame.State
		}
	}
	return ""
}

// AddRequestCall produces the envelope for a REQUEST: push the replyTo
// channel onto the stack and aim the new call at the callee. replyState is
// the frame restored when the reply comes back one level below the new top;
// initialState, if non-empty, seeds the callee's first stage.
//
// The receiver is never modified: all four transitions clone first, so the
// envelope a stage is looking at stays structurally unchanged no matter what
// outbound calls it makes.
func (t *Trace) AddRequestCall(from string, to, replyTo Channel, data, replyState, initialState string) *Trace {
	replyStack := t.currentStack()
	clone := t.cloneForNewCall()
	// The replyState frame goes in BEFORE the push: it is targeted at the
	// stack frame below the new top.
	clone.StackStates = append(clone.StackStates, StackState{Height: len(replyStack), State: replyState})
	replyStack = append(replyStack, replyTo)
	clone.dropValuesOnCurrent()
	clone.Calls = append(clone.Calls, &Call{Type: CallTypeRequest, From: from, To: to, Data: data, Stack: replyStack})
	if initialState != "" {
		// The stack is now one higher, since replyTo was pushed onto it.
		clone.StackStates = append(clone.StackStates, StackState{Height: len(replyStack), State: initialState})
	}
	clone.pruneStackStatesForKeep()
	return clone
}

// AddSendCall produces the envelope for a SEND (or PUBLISH, when the target
// channel is a topic): the stack is unchanged.
func (t *Trace) AddSendCall(from string, to Channel, data, initialState string) *Trace {
	stack := t.currentStack()
	clone := t.cloneForNewCall()
	clone.dropValuesOnCurrent()
	clone.Calls = append(clone.Calls, &Call{Type: CallTypeSend, From: from, To: to, Data: data, Stack: stack})
	if initialState != "" {
		clone.StackStates = append(clone.StackStates, StackState{Height: len(stack), State: initialState})
	}
	clone.pruneStackStatesForKeep()
	return clone
}

// AddNextCall produces the envelope for a NEXT: a sideways call to the same
// endpoint's next stage, carrying the given state at the unchanged height.
func (t *Trace) AddNextCall(from string, to Channel, data, state string) *Trace {
	stack := t.currentStack()
	clone := t.cloneForNewCall()
	clone.dropValuesOnCurrent()
	clone.Calls = append(clone.Calls, &Call{Type: CallTypeNext, From: from, To: to, Data: data, Stack: stack})
	clone.StackStates = append(clone.StackStates, StackState{Height: len(stack), State: state})
	clone.pruneStackStatesForKeep()
	return clone
}

// AddReplyCall produces the envelope for a REPLY: pop the top of the stack
// and aim the new call there. Callers must check CurrentCall().StackHeight()
// first; replying on an empty stack is an error here, which the runtime
// translates into a silent, counted drop.
func (t *Trace) AddReplyCall(from, data string) (*Trace, error) {
	stack := t.currentStack()
	if len(stack) == 0 {
		return nil, errspkg.ErrEmptyStackReply
	}
	clone := t.cloneForNewCall()
	clone.dropValuesOnCurrent()
	to := stack[len(stack)-1]
	stack = stack[:len(stack)-1]
	clone.Calls = append(clone.Calls, &Call{Type: CallTypeReply, From: from, To: to, Data: data, Stack: stack})
	clone.pruneStackStatesForKeep()
	return clone, nil
}

// currentStack returns a copy of the current call's stack, or an empty stack
// on a virgin envelope.
func (t *Trace) currentStack() []Channel {
	if current := t.CurrentCall(); current != nil {
		return current.CopyOfStack()
	}
	return []Channel{}
}

// cloneForNewCall copies the envelope so a new call can be appended without
// touching the original. The call being demoted from "current" is copied by
// value, since dropValuesOnCurrent will mutate it; settled history calls are
// shared, they are never written to again.
func (t *Trace) cloneForNewCall() *Trace {
	clone := *t
	if t.Keep == KeepTraceMinimal {
		clone.Calls = nil
	} else {
		clone.Calls = make([]*Call, len(t.Calls))
		copy(clone.Calls, t.Calls)
		if n := len(clone.Calls); n > 0 {
			demoted := *clone.Calls[n-1]
			demoted.Stack = clone.Calls[n-1].CopyOfStack()
			clone.Calls[n-1] = &demoted
		}
	}
	clone.StackStates = make([]StackState, len(t.StackStates))
	copy(clone.StackStates, t.StackStates)
	clone.Properties = make([]TraceProperty, len(t.Properties))
	copy(clone.Properties, t.Properties)
	return &clone
}

// dropValuesOnCurrent cleans out the from and stack on the call that is about
// to become the previous one, and its data too when on COMPACT. (MINIMAL
// drops the whole call list in cloneForNewCall, so it needs no data drop
// here.) This runs on the clone, after the receiving stage has had full
// visibility of the data.
func (t *Trace) dropValuesOnCurrent() {
	if current := t.CurrentCall(); current != nil {
		current.dropFromAndStack()
		if t.Keep == KeepTraceCompact {
			current.dropData()
		}
	}
}

// pruneStackStatesForKeep drops the state frames that can never be read
// again: frames above the current height, and all but the most recent frame
// at each remaining height. FULL mode keeps everything for debugging.
func (t *Trace) pruneStackStatesForKeep() {
	if t.Keep != KeepTraceMinimal && t.Keep != KeepTraceCompact {
		return
	}
	t.StackStates = pruneStackStates(t.StackStates, t.CurrentCall().StackHeight())
}

func pruneStackStates(frames []StackState, currentHeight int) []StackState {
	seen := make(map[int]bool)
	kept := make([]StackState, 0, len(frames))
	// Walk from the most recent (last) to the earliest, keeping the first
	// frame met at each height at or below the current one.
	for i := len(frames) - 1; i >= 0; i-- {
		frame := frames[i]
		if frame.Height > currentHeight {
			continue
		}
		if seen[frame.Height] {
			continue
		}
		seen[frame.Height] = true
		kept = append(kept, frame)
	}
	// Restore original (oldest-first) ordering.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

func (t *Trace) String() string {
	var buf strings.Builder
	current := t.CurrentCall()
	buf.WriteString("Trace : ")
	if current != nil {
		fmt.Fprintf(&buf, "%s #to:%s  ", current.Type, current.To)
	}
	fmt.Fprintf(&buf, "[traceId=%s]  KeepTrace:%s  NonPersistent:%v  Interactive:%v\n",
		t.TraceID, t.Keep, t.NonPersistent, t.Interactive)
	buf.WriteString(" call#:\n")
	buf.WriteString("    0    --- [Initiator]")
	if t.InitializingAppName != "" {
		buf.WriteString(" @" + t.InitializingAppName)
	}
	if t.InitializingAppVersion != "" {
		buf.WriteString("[" + t.InitializingAppVersion + "]")
	}
	if t.InitializingHost != "" {
		buf.WriteString(" @" + t.InitializingHost)
	}
	if t.InitializedTimestamp != 0 {
		buf.WriteString(" @" + time.UnixMilli(t.InitializedTimestamp).Format(time.RFC3339))
	}
	if t.InitiatorID != "" {
		buf.WriteString(" #initiatorId:" + t.InitiatorID)
	}
	buf.WriteByte('\n')
	for i, call := range t.Calls {
		indent := strings.Repeat(": ", call.StackHeight())
		from := call.From
		if from == "" {
			from = "-nulled-"
		}
		fmt.Fprintf(&buf, "   %2d %s%s #to:%s #from:%s", i+1, indent, call.Type, call.To, from)
		if call.Data != "" {
			buf.WriteString(", #data:" + call.Data)
		}
		buf.WriteByte('\n')
	}
	buf.WriteString(" states:\n")
	for i, frame := range t.StackStates {
		fmt.Fprintf(&buf, "   %2d %s", i, frame)
		if i < len(t.StackStates)-1 {
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

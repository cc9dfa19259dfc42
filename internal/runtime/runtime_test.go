package runtime

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/stageflow/broker/inmem"
	configpkg "github.com/drblury/stageflow/internal/runtime/config"
	errspkg "github.com/drblury/stageflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/stageflow/internal/runtime/logging"
	"github.com/drblury/stageflow/internal/runtime/trace"
	txpkg "github.com/drblury/stageflow/internal/runtime/tx"
)

type numberDTO struct {
	Value int `json:"value"`
}

type seenState struct {
	Seen int `json:"seen"`
}

type accState struct {
	Acc int `json:"acc"`
}

type eventDTO struct {
	ID int `json:"id"`
}

type terminatorResult struct {
	incoming numberDTO
	state    seenState
	traceID  string
	trace    *trace.Trace
}

func newTestFactory(t *testing.T, b *inmem.Broker, name string, deps FactoryDependencies) *Factory {
	t.Helper()
	deps.ConnectionFactory = b
	f, err := NewFactory(context.Background(), configpkg.Config{
		Name:       name,
		AppName:    "stageflow-test",
		AppVersion: "0.0.1",
		Nodename:   "testnode",
	}, loggingpkg.NewNopLogger(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Stop(2 * time.Second) })
	return f
}

func addCapturingTerminator(t *testing.T, f *Factory, id string) chan terminatorResult {
	t.Helper()
	results := make(chan terminatorResult, 16)
	_, err := f.Terminator(id, reflect.TypeOf(seenState{}), reflect.TypeOf(numberDTO{}),
		func(pc *ProcessContext, state, incoming any) error {
			results <- terminatorResult{
				incoming: *incoming.(*numberDTO),
				state:    *state.(*seenState),
				traceID:  pc.TraceID(),
				trace:    pc.Trace(),
			}
			return nil
		})
	require.NoError(t, err)
	return results
}

func awaitResult(t *testing.T, results chan terminatorResult) terminatorResult {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the terminator")
		return terminatorResult{}
	}
}

func startAndWait(t *testing.T, f *Factory) {
	t.Helper()
	require.NoError(t, f.Start())
	require.True(t, f.WaitForStarted(5*time.Second))
}

func TestSingleStageEcho(t *testing.T) {
	b := inmem.New()
	f := newTestFactory(t, b, "echo", FactoryDependencies{})

	_, err := f.Single("svc.double", reflect.TypeOf(numberDTO{}), reflect.TypeOf(numberDTO{}),
		func(pc *ProcessContext, incoming any) (any, error) {
			in := incoming.(*numberDTO)
			return numberDTO{Value: in.Value * 2}, nil
		})
	require.NoError(t, err)
	results := addCapturingTerminator(t, f, "T")
	startAndWait(t, f)

	err = f.DefaultInitiator().Initiate(context.Background(), func(ic *InitiateContext) error {
		return ic.TraceID("t1").From("caller").To("svc.double").
			ReplyTo("T", seenState{Seen: 7}).
			Request(numberDTO{Value: 21})
	})
	require.NoError(t, err)

	r := awaitResult(t, results)
	assert.Equal(t, 42, r.incoming.Value)
	assert.Equal(t, 7, r.state.Seen)
	assert.Equal(t, "t1", r.traceID)
}

func TestTwoStageEndpointWithState(t *testing.T) {
	b := inmem.New()
	f := newTestFactory(t, b, "twostage", FactoryDependencies{})

	// B squares its input.
	_, err := f.Single("B", reflect.TypeOf(numberDTO{}), reflect.TypeOf(numberDTO{}),
		func(pc *ProcessContext, incoming any) (any, error) {
			in := incoming.(*numberDTO)
			return numberDTO{Value: in.Value * in.Value}, nil
		})
	require.NoError(t, err)

	// A remembers its input, requests B with n+1, and adds them up when the
	// reply comes back.
	a, err := f.Staged("A", reflect.TypeOf(numberDTO{}), reflect.TypeOf(seenState{}))
	require.NoError(t, err)
	_, err = a.Stage(reflect.TypeOf(numberDTO{}), func(pc *ProcessContext, state, incoming any) error {
		in := incoming.(*numberDTO)
		st := state.(*seenState)
		st.Seen = in.Value
		return pc.Request("B", numberDTO{Value: in.Value + 1})
	})
	require.NoError(t, err)
	_, err = a.LastStage(reflect.TypeOf(numberDTO{}), func(pc *ProcessContext, state, incoming any) error {
		in := incoming.(*numberDTO)
		st := state.(*seenState)
		return pc.Reply(numberDTO{Value: in.Value + st.Seen})
	})
	require.NoError(t, err)

	results := addCapturingTerminator(t, f, "T")
	startAndWait(t, f)

	err = f.DefaultInitiator().Initiate(context.Background(), func(ic *InitiateContext) error {
		return ic.TraceID("two").From("caller").To("A").
			ReplyTo("T", seenState{}).
			Request(numberDTO{Value: 10})
	})
	require.NoError(t, err)

	r := awaitResult(t, results)
	assert.Equal(t, 131, r.incoming.Value, "11*11 + 10")
	assert.Equal(t, "two", r.traceID)
}

func TestNextPassesStateWithoutReply(t *testing.T) {
	b := inmem.New()
	f := newTestFactory(t, b, "next", FactoryDependencies{})

	p, err := f.Staged("P", reflect.TypeOf(numberDTO{}), reflect.TypeOf(accState{}))
	require.NoError(t, err)
	_, err = p.Stage(reflect.TypeOf(numberDTO{}), func(pc *ProcessContext, state, incoming any) error {
		st := state.(*accState)
		st.Acc = 3
		return pc.Next(numberDTO{Value: 4})
	})
	require.NoError(t, err)
	_, err = p.LastStage(reflect.TypeOf(numberDTO{}), func(pc *ProcessContext, state, incoming any) error {
		in := incoming.(*numberDTO)
		st := state.(*accState)
		return pc.Reply(numberDTO{Value: in.Value + st.Acc})
	})
	require.NoError(t, err)

	results := addCapturingTerminator(t, f, "T")
	startAndWait(t, f)

	err = f.DefaultInitiator().Initiate(context.Background(), func(ic *InitiateContext) error {
		return ic.TraceID("nxt").From("caller").To("P").
			ReplyTo("T", seenState{}).
			Request(numberDTO{Value: 0})
	})
	require.NoError(t, err)

	r := awaitResult(t, results)
	assert.Equal(t, 7, r.incoming.Value)
}

func TestPublishSubscribeFanOutAndLateSubscriberMiss(t *testing.T) {
	b := inmem.New()

	received := func(f *Factory) chan eventDTO {
		ch := make(chan eventDTO, 4)
		_, err := f.SubscriptionTerminator("evt.x", nil, reflect.TypeOf(eventDTO{}),
			func(pc *ProcessContext, state, incoming any) error {
				ch <- *incoming.(*eventDTO)
				return nil
			})
		require.NoError(t, err)
		return ch
	}

	nodeOne := newTestFactory(t, b, "node1", FactoryDependencies{})
	nodeTwo := newTestFactory(t, b, "node2", FactoryDependencies{})
	chOne := received(nodeOne)
	chTwo := received(nodeTwo)
	startAndWait(t, nodeOne)
	startAndWait(t, nodeTwo)

	err := nodeOne.DefaultInitiator().Initiate(context.Background(), func(ic *InitiateContext) error {
		return ic.TraceID("pub").From("publisher").To("evt.x").Publish(eventDTO{ID: 1})
	})
	require.NoError(t, err)

	for _, ch := range []chan eventDTO{chOne, chTwo} {
		select {
		case evt := <-ch:
			assert.Equal(t, 1, evt.ID)
		case <-time.After(5 * time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}

	// A node started after the publish receives nothing.
	nodeThree := newTestFactory(t, b, "node3", FactoryDependencies{})
	chThree := received(nodeThree)
	startAndWait(t, nodeThree)
	select {
	case evt := <-chThree:
		t.Fatalf("late subscriber unexpectedly received %+v", evt)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSubscriptionTerminatorConcurrencyPinnedToOne(t *testing.T) {
	b := inmem.New()
	f := newTestFactory(t, b, "pinned", FactoryDependencies{})

	ep, err := f.SubscriptionTerminator("evt.pin", nil, reflect.TypeOf(eventDTO{}),
		func(pc *ProcessContext, state, incoming any) error { return nil })
	require.NoError(t, err)
	ep.SetConcurrency(16)
	startAndWait(t, f)

	stage := ep.Stages()[0]
	stage.mu.Lock()
	slots := len(stage.processors)
	stage.mu.Unlock()
	assert.Equal(t, 1, slots)
}

type journalResourceManager struct {
	commits   atomic.Int32
	rollbacks atomic.Int32
}

func (m *journalResourceManager) Begin(ctx context.Context) (txpkg.ResourceTx, error) {
	return &journalResourceTx{m: m}, nil
}

type journalResourceTx struct {
	m *journalResourceManager
}

func (t *journalResourceTx) Commit() error {
	t.m.commits.Add(1)
	return nil
}

func (t *journalResourceTx) Rollback() error {
	t.m.rollbacks.Add(1)
	return nil
}

func TestBestEffort1PCFailureWindow(t *testing.T) {
	b := inmem.New()
	resources := &journalResourceManager{}
	f := newTestFactory(t, b, "onepc", FactoryDependencies{Resources: resources})

	b.InjectCommitFailure(errors.New("broker connection lost at commit"))

	err := f.DefaultInitiator().Initiate(context.Background(), func(ic *InitiateContext) error {
		return ic.TraceID("pc1").From("caller").To("svc").Send(numberDTO{Value: 1})
	})
	require.Error(t, err)
	assert.True(t, errspkg.IsMessageSend(err), "the inter-commit window must be distinguishable")
	assert.False(t, errspkg.IsBackendUnavailable(err))

	// The external resource committed, yet the broker holds nothing for the
	// intended flow.
	assert.Equal(t, int32(1), resources.commits.Load())
	assert.Equal(t, 0, b.QueueDepth("mats.svc"))
}

func TestCompactTracePruningAtTerminator(t *testing.T) {
	b := inmem.New()
	f := newTestFactory(t, b, "prune", FactoryDependencies{})

	_, err := f.Single("B", reflect.TypeOf(numberDTO{}), reflect.TypeOf(numberDTO{}),
		func(pc *ProcessContext, incoming any) (any, error) {
			return numberDTO{Value: incoming.(*numberDTO).Value}, nil
		})
	require.NoError(t, err)

	a, err := f.Staged("A", reflect.TypeOf(numberDTO{}), reflect.TypeOf(seenState{}))
	require.NoError(t, err)
	_, err = a.Stage(reflect.TypeOf(numberDTO{}), func(pc *ProcessContext, state, incoming any) error {
		return pc.Request("B", numberDTO{Value: 1})
	})
	require.NoError(t, err)
	_, err = a.LastStage(reflect.TypeOf(numberDTO{}), func(pc *ProcessContext, state, incoming any) error {
		return pc.Reply(numberDTO{Value: 2})
	})
	require.NoError(t, err)

	results := addCapturingTerminator(t, f, "T")
	startAndWait(t, f)

	// Four hops: REQUEST to A, REQUEST to B, REPLY to A.stage1, REPLY to T.
	err = f.DefaultInitiator().Initiate(context.Background(), func(ic *InitiateContext) error {
		return ic.TraceID("prune").From("caller").To("A").
			KeepTrace(trace.KeepTraceCompact).
			ReplyTo("T", seenState{}).
			Request(numberDTO{Value: 1})
	})
	require.NoError(t, err)

	r := awaitResult(t, results)
	calls := r.trace.CallFlow()
	require.Len(t, calls, 4)
	for _, call := range calls[:3] {
		assert.Empty(t, call.Data)
	}
	assert.NotEmpty(t, calls[3].Data)

	currentHeight := r.trace.CurrentCall().StackHeight()
	heights := map[int]int{}
	for _, frame := range r.trace.StateFlow() {
		assert.LessOrEqual(t, frame.Height, currentHeight)
		heights[frame.Height]++
	}
	for height, count := range heights {
		assert.Equal(t, 1, count, "height %d", height)
	}
}

func TestValidationFailureHasNoBrokerSideEffects(t *testing.T) {
	b := inmem.New()
	f := newTestFactory(t, b, "validate", FactoryDependencies{})

	err := f.DefaultInitiator().Initiate(context.Background(), func(ic *InitiateContext) error {
		// replyTo missing.
		return ic.TraceID("v1").From("caller").To("svc").Request(numberDTO{Value: 1})
	})
	require.Error(t, err)
	assert.True(t, errspkg.IsValidation(err))
	assert.ErrorContains(t, err, "replyTo")
	assert.Equal(t, 0, b.QueueDepth("mats.svc"))

	err = f.DefaultInitiator().Initiate(context.Background(), func(ic *InitiateContext) error {
		return ic.From("caller").To("svc").Send(numberDTO{Value: 1})
	})
	assert.True(t, errspkg.IsValidation(err))
	assert.ErrorContains(t, err, "traceId")
}

func TestNonPersistentAndInteractivePropagateEveryHop(t *testing.T) {
	b := inmem.New()
	f := newTestFactory(t, b, "flags", FactoryDependencies{})

	_, err := f.Single("svc.flags", reflect.TypeOf(numberDTO{}), reflect.TypeOf(numberDTO{}),
		func(pc *ProcessContext, incoming any) (any, error) {
			return numberDTO{Value: 1}, nil
		})
	require.NoError(t, err)
	results := addCapturingTerminator(t, f, "T")
	startAndWait(t, f)

	err = f.DefaultInitiator().Initiate(context.Background(), func(ic *InitiateContext) error {
		return ic.TraceID("np").From("caller").To("svc.flags").
			NonPersistent().Interactive().
			ReplyTo("T", seenState{}).
			Request(numberDTO{Value: 1})
	})
	require.NoError(t, err)

	r := awaitResult(t, results)
	assert.True(t, r.trace.NonPersistent)
	assert.True(t, r.trace.Interactive)
}

func TestNestedInitiationConcatenatesTraceID(t *testing.T) {
	b := inmem.New()
	f := newTestFactory(t, b, "nested", FactoryDependencies{})

	traceIDs := make(chan string, 4)
	_, err := f.Terminator("inner.sink", nil, reflect.TypeOf(numberDTO{}),
		func(pc *ProcessContext, state, incoming any) error {
			traceIDs <- pc.TraceID()
			return nil
		})
	require.NoError(t, err)

	_, err = f.Single("svc.nest", reflect.TypeOf(numberDTO{}), reflect.TypeOf(numberDTO{}),
		func(pc *ProcessContext, incoming any) (any, error) {
			err := pc.Initiate(func(ic *InitiateContext) error {
				return ic.TraceID("inner").To("inner.sink").Send(numberDTO{Value: 9})
			})
			if err != nil {
				return nil, err
			}
			return numberDTO{Value: 1}, nil
		})
	require.NoError(t, err)

	results := addCapturingTerminator(t, f, "T")
	startAndWait(t, f)

	err = f.DefaultInitiator().Initiate(context.Background(), func(ic *InitiateContext) error {
		return ic.TraceID("outer").From("caller").To("svc.nest").
			ReplyTo("T", seenState{}).
			Request(numberDTO{Value: 1})
	})
	require.NoError(t, err)

	_ = awaitResult(t, results)
	select {
	case id := <-traceIDs:
		assert.Equal(t, "outer|inner", id)
	case <-time.After(5 * time.Second):
		t.Fatal("nested initiation never arrived")
	}
}

func TestReplyOnEmptyStackIsCountedDrop(t *testing.T) {
	b := inmem.New()
	f := newTestFactory(t, b, "drop", FactoryDependencies{})

	processed := make(chan struct{}, 1)
	_, err := f.Terminator("end", nil, reflect.TypeOf(numberDTO{}),
		func(pc *ProcessContext, state, incoming any) error {
			// A terminator replying is like ignoring a return value: fine.
			if err := pc.Reply(numberDTO{Value: 1}); err != nil {
				return err
			}
			processed <- struct{}{}
			return nil
		})
	require.NoError(t, err)
	startAndWait(t, f)

	err = f.DefaultInitiator().Initiate(context.Background(), func(ic *InitiateContext) error {
		return ic.TraceID("d1").From("caller").To("end").Send(numberDTO{Value: 1})
	})
	require.NoError(t, err)

	select {
	case <-processed:
	case <-time.After(5 * time.Second):
		t.Fatal("terminator never ran")
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(f.Metrics().DroppedReplies()))
}

func TestFailingStageIsRolledBackAndRedelivered(t *testing.T) {
	b := inmem.New()
	f := newTestFactory(t, b, "retry", FactoryDependencies{})

	attempts := make(chan int, 8)
	_, err := f.Terminator("flaky", nil, reflect.TypeOf(numberDTO{}),
		func(pc *ProcessContext, state, incoming any) error {
			attempts <- pc.DeliveryCount()
			if pc.DeliveryCount() == 1 {
				return fmt.Errorf("transient failure")
			}
			return nil
		})
	require.NoError(t, err)
	startAndWait(t, f)

	err = f.DefaultInitiator().Initiate(context.Background(), func(ic *InitiateContext) error {
		return ic.TraceID("r1").From("caller").To("flaky").Send(numberDTO{Value: 1})
	})
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	var seen []int
	for len(seen) < 2 {
		select {
		case n := <-attempts:
			seen = append(seen, n)
		case <-deadline:
			t.Fatalf("expected redelivery, saw attempts %v", seen)
		}
	}
	assert.Equal(t, []int{1, 2}, seen)
	assert.Equal(t, 0, b.QueueDepth("mats.flaky"))
}

func TestInitiatorValidationAndLifecycle(t *testing.T) {
	b := inmem.New()
	f := newTestFactory(t, b, "lifecycle", FactoryDependencies{})

	initiator := f.GetOrCreateInitiator("batch")
	assert.Same(t, initiator, f.GetOrCreateInitiator("batch"))
	assert.Equal(t, "batch", initiator.Name())

	initiator.Close()
	err := initiator.Initiate(context.Background(), func(ic *InitiateContext) error {
		return ic.TraceID("x").From("a").To("b").Send(numberDTO{})
	})
	var lcErr *errspkg.LifecycleError
	assert.ErrorAs(t, err, &lcErr)
}

func TestHoldEndpointsUntilFactoryIsStarted(t *testing.T) {
	b := inmem.New()
	f := newTestFactory(t, b, "hold", FactoryDependencies{})
	f.HoldEndpointsUntilFactoryIsStarted()

	hits := make(chan struct{}, 1)
	_, err := f.Terminator("held", nil, reflect.TypeOf(numberDTO{}),
		func(pc *ProcessContext, state, incoming any) error {
			hits <- struct{}{}
			return nil
		})
	require.NoError(t, err)

	ep, ok := f.GetEndpoint("held")
	require.True(t, ok)
	ep.mu.Lock()
	startedBefore := ep.started
	ep.mu.Unlock()
	assert.False(t, startedBefore, "sealed endpoint must stay inert while held")

	// The message waits in the queue until the factory starts.
	err = f.DefaultInitiator().Initiate(context.Background(), func(ic *InitiateContext) error {
		return ic.TraceID("h1").From("caller").To("held").Send(numberDTO{Value: 1})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, b.QueueDepth("mats.held"))

	startAndWait(t, f)
	select {
	case <-hits:
	case <-time.After(5 * time.Second):
		t.Fatal("held endpoint never processed after start")
	}
}

func TestStopIsGracefulAndIdempotent(t *testing.T) {
	b := inmem.New()
	f := newTestFactory(t, b, "stop", FactoryDependencies{})

	_, err := f.Terminator("quiet", nil, reflect.TypeOf(numberDTO{}),
		func(pc *ProcessContext, state, incoming any) error { return nil })
	require.NoError(t, err)
	startAndWait(t, f)

	require.NoError(t, f.Stop(2*time.Second))
	require.NoError(t, f.Stop(2*time.Second))

	// A stopped factory refuses new endpoints and initiations.
	_, err = f.Single("late", nil, reflect.TypeOf(numberDTO{}), func(pc *ProcessContext, incoming any) (any, error) {
		return nil, nil
	})
	var lcErr *errspkg.LifecycleError
	assert.ErrorAs(t, err, &lcErr)
}

func TestTracePropertiesStickAcrossTheFlow(t *testing.T) {
	b := inmem.New()
	f := newTestFactory(t, b, "props", FactoryDependencies{})

	_, err := f.Single("svc.props", reflect.TypeOf(numberDTO{}), reflect.TypeOf(numberDTO{}),
		func(pc *ProcessContext, incoming any) (any, error) {
			pc.SetTraceProperty("hop", "svc")
			return numberDTO{Value: 1}, nil
		})
	require.NoError(t, err)
	results := addCapturingTerminator(t, f, "T")
	startAndWait(t, f)

	err = f.DefaultInitiator().Initiate(context.Background(), func(ic *InitiateContext) error {
		return ic.TraceID("p1").From("caller").To("svc.props").
			SetTraceProperty("tenant", "acme").
			ReplyTo("T", seenState{}).
			Request(numberDTO{Value: 1})
	})
	require.NoError(t, err)

	r := awaitResult(t, results)
	assert.Equal(t, "acme", r.trace.TraceProperty("tenant"))
	assert.Equal(t, "svc", r.trace.TraceProperty("hop"))
}

func TestSideChannelPayloadsRideOutsideTheEnvelope(t *testing.T) {
	b := inmem.New()
	f := newTestFactory(t, b, "sidechannel", FactoryDependencies{})

	type captured struct {
		blob []byte
		note string
	}
	got := make(chan captured, 1)
	_, err := f.Terminator("sink", nil, reflect.TypeOf(numberDTO{}),
		func(pc *ProcessContext, state, incoming any) error {
			got <- captured{blob: pc.GetBytes("attachment"), note: pc.GetString("note")}
			return nil
		})
	require.NoError(t, err)
	startAndWait(t, f)

	err = f.DefaultInitiator().Initiate(context.Background(), func(ic *InitiateContext) error {
		return ic.TraceID("s1").From("caller").To("sink").
			AddBytes("attachment", []byte{0xCA, 0xFE}).
			AddString("note", "hello").
			Send(numberDTO{Value: 1})
	})
	require.NoError(t, err)

	select {
	case c := <-got:
		assert.Equal(t, []byte{0xCA, 0xFE}, c.blob)
		assert.Equal(t, "hello", c.note)
	case <-time.After(5 * time.Second):
		t.Fatal("sink never ran")
	}
}

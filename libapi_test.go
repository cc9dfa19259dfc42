package stageflow_test

import (
	"context"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stageflow "github.com/drblury/stageflow"
	_ "github.com/drblury/stageflow/broker/inmem"
)

type addRequest struct {
	A int `json:"a"`
	B int `json:"b"`
}

type addReply struct {
	Sum int `json:"sum"`
}

type callerState struct {
	Tag string `json:"tag"`
}

func newFacadeFactory(t *testing.T) *stageflow.Factory {
	t.Helper()
	logger := stageflow.NewSlogServiceLogger(slog.New(slog.DiscardHandler))
	f, err := stageflow.NewFactory(context.Background(), stageflow.Config{
		Name:    "facade",
		AppName: "facade-test",
		Broker:  "inmem",
	}, logger, stageflow.FactoryDependencies{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Stop(2 * time.Second) })
	return f
}

func TestTypedFacadeEndToEnd(t *testing.T) {
	f := newFacadeFactory(t)

	_, err := stageflow.Single(f, "calc.add", func(pc *stageflow.ProcessContext, in *addRequest) (addReply, error) {
		return addReply{Sum: in.A + in.B}, nil
	})
	require.NoError(t, err)

	type result struct {
		reply addReply
		state callerState
	}
	results := make(chan result, 1)
	_, err = stageflow.Terminator(f, "calc.done", func(pc *stageflow.ProcessContext, state *callerState, in *addReply) error {
		results <- result{reply: *in, state: *state}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.Start())
	require.True(t, f.WaitForStarted(5*time.Second))

	err = f.DefaultInitiator().Initiate(context.Background(), func(ic *stageflow.InitiateContext) error {
		return ic.TraceID("facade-1").From("test").To("calc.add").
			ReplyTo("calc.done", callerState{Tag: "sum"}).
			Request(addRequest{A: 40, B: 2})
	})
	require.NoError(t, err)

	select {
	case r := <-results:
		assert.Equal(t, 42, r.reply.Sum)
		assert.Equal(t, "sum", r.state.Tag)
	case <-time.After(5 * time.Second):
		t.Fatal("terminator never ran")
	}
}

func TestStagedFacadeTypes(t *testing.T) {
	f := newFacadeFactory(t)

	ep, err := stageflow.Staged[addReply, callerState](f, "calc.multi")
	require.NoError(t, err)
	assert.Equal(t, reflect.TypeOf(addReply{}), ep.ReplyType())
	assert.Equal(t, reflect.TypeOf(callerState{}), ep.StateType())

	stage0, err := stageflow.AddStage(ep, func(pc *stageflow.ProcessContext, state *callerState, in *addRequest) error {
		return pc.Next(addRequest{A: in.A, B: in.B})
	})
	require.NoError(t, err)
	stage1, err := stageflow.AddLastStage(ep, func(pc *stageflow.ProcessContext, state *callerState, in *addRequest) error {
		return pc.Reply(addReply{Sum: in.A + in.B})
	})
	require.NoError(t, err)

	assert.Equal(t, "calc.multi", stage0.ID())
	assert.Equal(t, "calc.multi.stage1", stage1.ID())
	assert.Equal(t, "calc.multi.stage1", stage0.NextStageID())
	assert.Empty(t, stage1.NextStageID())
}

func TestValidateConfigSurfacesEveryProblem(t *testing.T) {
	err := stageflow.ValidateConfig(stageflow.Config{Broker: "amqp", Concurrency: -1})
	var cfgErr *stageflow.ConfigValidationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Len(t, cfgErr.Problems, 2)
}

type countingSerializer struct {
	stageflow.SerializerWrapper
	serialized int
}

func (c *countingSerializer) SerializeTrace(tr *stageflow.Trace) (stageflow.SerializedTrace, error) {
	c.serialized++
	return c.SerializerWrapper.SerializeTrace(tr)
}

func TestSerializerWrapperAndUnwrap(t *testing.T) {
	inner := stageflow.NewJSONSerializer(0)
	wrapped := &countingSerializer{SerializerWrapper: stageflow.SerializerWrapper{Wrapped: inner}}

	var asPort stageflow.Serializer = wrapped
	assert.Same(t, inner, stageflow.UnwrapFully(asPort))

	tr := wrapped.NewTrace("w1", stageflow.KeepTraceCompact, false, false)
	_, err := wrapped.SerializeTrace(tr)
	require.NoError(t, err)
	assert.Equal(t, 1, wrapped.serialized)
}

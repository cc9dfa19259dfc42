package broker

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFactory struct{}

func (stubFactory) NewConnection(ctx context.Context) (Connection, error) { return nil, nil }

type stubConfig struct {
	name string
}

func (s *stubConfig) GetBroker() string  { return s.name }
func (s *stubConfig) GetAMQPURL() string { return "" }

func TestRegistryBuildDispatchesOnName(t *testing.T) {
	registry := NewRegistry()
	registry.Register("stub", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (ConnectionFactory, error) {
		return stubFactory{}, nil
	})

	factory, err := registry.Build(context.Background(), &stubConfig{name: "stub"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, stubFactory{}, factory)
}

func TestRegistryBuildUnknownName(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Build(context.Background(), &stubConfig{name: "nope"}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "unknown broker")
}

func TestRegistryBuildNilConfig(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Build(context.Background(), nil, watermill.NopLogger{})
	assert.Error(t, err)
}

func TestRegistryNamesAndHas(t *testing.T) {
	registry := NewRegistry()
	builder := func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (ConnectionFactory, error) {
		return stubFactory{}, nil
	}
	registry.Register("b", builder)
	registry.Register("a", builder)

	assert.Equal(t, []string{"a", "b"}, registry.Names())
	assert.True(t, registry.Has("a"))
	assert.False(t, registry.Has("c"))
}

func TestNewMessageIsEmptyButUsable(t *testing.T) {
	msg := NewMessage()
	msg.Headers["k"] = "v"
	msg.Bytes["b"] = []byte{1}
	msg.Strings["s"] = "x"
	assert.Equal(t, "v", msg.Headers["k"])
}

func TestDestinationHelpers(t *testing.T) {
	assert.Equal(t, Destination{Name: "q"}, Queue("q"))
	assert.Equal(t, Destination{Name: "t", Topic: true}, Topic("t"))
}

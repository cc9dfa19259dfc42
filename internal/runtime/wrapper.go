package runtime

import (
	"context"
	"reflect"

	"github.com/drblury/stageflow/broker"
	"github.com/drblury/stageflow/internal/runtime/serial"
	"github.com/drblury/stageflow/internal/runtime/trace"
)

// Wrapper is implemented by components that wrap another instance of the
// same contract to interpose cross-cutting concerns. UnwrapFully digs to the
// innermost instance.
type Wrapper[T any] interface {
	Unwrap() T
}

// UnwrapFully peels every Wrapper layer off the given value and returns the
// innermost instance.
func UnwrapFully[T any](v T) T {
	for {
		w, ok := any(v).(Wrapper[T])
		if !ok {
			return v
		}
		v = w.Unwrap()
	}
}

// ConnectionFactoryWrapper is a ready-made delegation base for wrapping the
// broker port: embed it and override the methods to interpose.
type ConnectionFactoryWrapper struct {
	Wrapped broker.ConnectionFactory
}

func (w *ConnectionFactoryWrapper) Unwrap() broker.ConnectionFactory { return w.Wrapped }

func (w *ConnectionFactoryWrapper) NewConnection(ctx context.Context) (broker.Connection, error) {
	return w.Wrapped.NewConnection(ctx)
}

// SerializerWrapper is a ready-made delegation base for wrapping the
// serializer port.
type SerializerWrapper struct {
	Wrapped serial.Serializer
}

func (w *SerializerWrapper) Unwrap() serial.Serializer { return w.Wrapped }

func (w *SerializerWrapper) NewTrace(traceID string, keep trace.KeepTrace, nonPersistent, interactive bool) *trace.Trace {
	return w.Wrapped.NewTrace(traceID, keep, nonPersistent, interactive)
}

func (w *SerializerWrapper) SerializeTrace(t *trace.Trace) (serial.SerializedTrace, error) {
	return w.Wrapped.SerializeTrace(t)
}

func (w *SerializerWrapper) DeserializeTrace(data []byte, meta string) (serial.DeserializedTrace, error) {
	return w.Wrapped.DeserializeTrace(data, meta)
}

func (w *SerializerWrapper) SerializeObject(v any) (string, error) {
	return w.Wrapped.SerializeObject(v)
}

func (w *SerializerWrapper) DeserializeObject(serialized string, target any) error {
	return w.Wrapped.DeserializeObject(serialized, target)
}

func (w *SerializerWrapper) NewInstance(t reflect.Type) any {
	return w.Wrapped.NewInstance(t)
}

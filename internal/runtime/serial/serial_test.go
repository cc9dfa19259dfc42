package serial

import (
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/stageflow/internal/runtime/errors"
	"github.com/drblury/stageflow/internal/runtime/trace"
)

func buildTrace(t *testing.T, padding int) *trace.Trace {
	t.Helper()
	tr := trace.New("t1", trace.KeepTraceFull, false, true)
	tr.SetDebugInfo("app", "0.1.0", "host1", "init", 1700000000000, "")
	tr.SetTraceProperty("tenant", "acme")
	data := `{"pad":"` + strings.Repeat("x", padding) + `"}`
	next := tr.AddRequestCall("caller", trace.QueueChannel("svc"), trace.QueueChannel("T"), data, `{"seen":1}`, "")
	return next
}

func TestRoundTripPlain(t *testing.T) {
	ser := NewJSONSerializer(0)
	original := buildTrace(t, 0)

	serialized, err := ser.SerializeTrace(original)
	require.NoError(t, err)
	assert.Equal(t, MetaPlain, serialized.Meta)
	assert.Equal(t, len(serialized.Bytes), serialized.SizeUncompressed)

	reconstituted, err := ser.DeserializeTrace(serialized.Bytes, serialized.Meta)
	require.NoError(t, err)

	assert.Equal(t, original.TraceID, reconstituted.Trace.TraceID)
	assert.Equal(t, original.CurrentCall().Data, reconstituted.Trace.CurrentCall().Data)
	assert.Equal(t, original.CurrentCall().CopyOfStack(), reconstituted.Trace.CurrentCall().CopyOfStack())
	assert.Equal(t, original.CurrentState(), reconstituted.Trace.CurrentState())
	assert.Equal(t, "acme", reconstituted.Trace.TraceProperty("tenant"))
	assert.True(t, reconstituted.Trace.Interactive)
}

func TestRoundTripCompressed(t *testing.T) {
	ser := NewJSONSerializer(0)
	original := buildTrace(t, 4096)

	serialized, err := ser.SerializeTrace(original)
	require.NoError(t, err)
	assert.Equal(t, MetaGzip, serialized.Meta)
	assert.Less(t, len(serialized.Bytes), serialized.SizeUncompressed)

	reconstituted, err := ser.DeserializeTrace(serialized.Bytes, serialized.Meta)
	require.NoError(t, err)
	assert.Equal(t, serialized.SizeUncompressed, reconstituted.SizeDecompressed)
	assert.Equal(t, original.CurrentCall().Data, reconstituted.Trace.CurrentCall().Data)
	assert.Equal(t, original.CurrentState(), reconstituted.Trace.CurrentState())
}

func TestCompressionThresholdIsConfigurable(t *testing.T) {
	ser := NewJSONSerializer(1 << 20)
	serialized, err := ser.SerializeTrace(buildTrace(t, 4096))
	require.NoError(t, err)
	assert.Equal(t, MetaPlain, serialized.Meta)
}

func TestUnknownMetaIsSerializationError(t *testing.T) {
	ser := NewJSONSerializer(0)
	_, err := ser.DeserializeTrace([]byte(`{}`), "deflate")
	var serr *errspkg.SerializationError
	assert.ErrorAs(t, err, &serr)
}

func TestGarbageEnvelopeIsSerializationError(t *testing.T) {
	ser := NewJSONSerializer(0)
	_, err := ser.DeserializeTrace([]byte(`{"tid":`), MetaPlain)
	var serr *errspkg.SerializationError
	assert.ErrorAs(t, err, &serr)
}

type testState struct {
	Seen int    `json:"seen"`
	Name string `json:"name"`
}

func TestSerializeObjectNilIsEmpty(t *testing.T) {
	ser := NewJSONSerializer(0)
	out, err := ser.SerializeObject(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestObjectRoundTrip(t *testing.T) {
	ser := NewJSONSerializer(0)
	out, err := ser.SerializeObject(testState{Seen: 10, Name: "a"})
	require.NoError(t, err)

	var back testState
	require.NoError(t, ser.DeserializeObject(out, &back))
	assert.Equal(t, testState{Seen: 10, Name: "a"}, back)
}

func TestDeserializeObjectEmptyLeavesTarget(t *testing.T) {
	ser := NewJSONSerializer(0)
	target := testState{Seen: 7}
	require.NoError(t, ser.DeserializeObject("", &target))
	assert.Equal(t, 7, target.Seen)
}

func TestNewInstance(t *testing.T) {
	ser := NewJSONSerializer(0)

	byValue := ser.NewInstance(reflect.TypeOf(testState{}))
	assert.Equal(t, testState{}, byValue)

	byPointer := ser.NewInstance(reflect.TypeOf(&testState{}))
	require.IsType(t, &testState{}, byPointer)
	assert.Equal(t, testState{}, *byPointer.(*testState))

	assert.Nil(t, ser.NewInstance(nil))
}

// Package serial defines the operations needed to serialize and deserialize
// envelopes to and from byte arrays, and user DTOs/state objects to and from
// the envelope's string representation. It is separated from the broker side
// of the runtime because it is an independent aspect: every communicating
// party must use the same serializer, as it constitutes the wire
// representation of the protocol.
package serial

import (
	"bytes"
	"fmt"
	"io"
	"reflect"

	"github.com/klauspost/compress/gzip"

	errspkg "github.com/drblury/stageflow/internal/runtime/errors"
	"github.com/drblury/stageflow/internal/runtime/jsoncodec"
	"github.com/drblury/stageflow/internal/runtime/trace"
)

// MetaKeyPostfix is appended to the trace key to form the map-message key
// holding the serializer meta. The meta must be echoed back on deserialize.
const MetaKeyPostfix = ":meta"

// Meta values describing how the envelope bytes are encoded.
const (
	MetaPlain = "plain"
	MetaGzip  = "gzip"
)

// DefaultCompressionThreshold is the envelope size at or above which the
// default serializer compresses.
const DefaultCompressionThreshold = 900

// SerializedTrace is the result of serializing an envelope.
type SerializedTrace struct {
	// Bytes is the wire form, possibly compressed.
	Bytes []byte
	// Meta describes the encoding; it must be supplied back on deserialize.
	Meta string
	// SizeUncompressed is the byte size before compression.
	SizeUncompressed int
}

// DeserializedTrace is the result of reconstituting an envelope.
type DeserializedTrace struct {
	Trace *trace.Trace
	// SizeDecompressed is the byte size after decompression, before parsing.
	SizeDecompressed int
}

// Serializer turns envelopes into bytes and user objects into the envelope's
// opaque string representation. NewInstance exists because materializing an
// "empty object" for a state type is a property of the object serializer in
// use.
type Serializer interface {
	NewTrace(traceID string, keep trace.KeepTrace, nonPersistent, interactive bool) *trace.Trace

	SerializeTrace(t *trace.Trace) (SerializedTrace, error)
	DeserializeTrace(data []byte, meta string) (DeserializedTrace, error)

	// SerializeObject returns "" for a nil object; DeserializeObject leaves
	// the target untouched for an empty input.
	SerializeObject(v any) (string, error)
	DeserializeObject(serialized string, target any) error

	// NewInstance returns a freshly constructed value of the given type. For
	// a pointer type the pointee is allocated.
	NewInstance(t reflect.Type) any
}

// JSONSerializer is the default Serializer: UTF-8 JSON through the module's
// codec, gzipped above the threshold.
type JSONSerializer struct {
	compressionThreshold int
}

// NewJSONSerializer returns the default serializer. A non-positive threshold
// selects DefaultCompressionThreshold.
func NewJSONSerializer(compressionThreshold int) *JSONSerializer {
	if compressionThreshold <= 0 {
		compressionThreshold = DefaultCompressionThreshold
	}
	return &JSONSerializer{compressionThreshold: compressionThreshold}
}

func (s *JSONSerializer) NewTrace(traceID string, keep trace.KeepTrace, nonPersistent, interactive bool) *trace.Trace {
	return trace.New(traceID, keep, nonPersistent, interactive)
}

func (s *JSONSerializer) SerializeTrace(t *trace.Trace) (SerializedTrace, error) {
	plain, err := jsoncodec.Marshal(t)
	if err != nil {
		return SerializedTrace{}, &errspkg.SerializationError{What: "envelope", Err: err}
	}
	if len(plain) < s.compressionThreshold {
		return SerializedTrace{Bytes: plain, Meta: MetaPlain, SizeUncompressed: len(plain)}, nil
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(plain); err != nil {
		return SerializedTrace{}, &errspkg.SerializationError{What: "envelope", Err: err}
	}
	if err := gz.Close(); err != nil {
		return SerializedTrace{}, &errspkg.SerializationError{What: "envelope", Err: err}
	}
	return SerializedTrace{Bytes: buf.Bytes(), Meta: MetaGzip, SizeUncompressed: len(plain)}, nil
}

func (s *JSONSerializer) DeserializeTrace(data []byte, meta string) (DeserializedTrace, error) {
	plain := data
	switch meta {
	case MetaPlain:
		// As-is.
	case MetaGzip:
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return DeserializedTrace{}, &errspkg.SerializationError{What: "envelope", Err: err}
		}
		plain, err = io.ReadAll(gz)
		if err != nil {
			return DeserializedTrace{}, &errspkg.SerializationError{What: "envelope", Err: err}
		}
		if err := gz.Close(); err != nil {
			return DeserializedTrace{}, &errspkg.SerializationError{What: "envelope", Err: err}
		}
	default:
		return DeserializedTrace{}, &errspkg.SerializationError{
			What: "envelope", Err: fmt.Errorf("unknown serialization meta %q", meta)}
	}
	reconstituted := &trace.Trace{}
	if err := jsoncodec.Unmarshal(plain, reconstituted); err != nil {
		return DeserializedTrace{}, &errspkg.SerializationError{What: "envelope", Err: err}
	}
	return DeserializedTrace{Trace: reconstituted, SizeDecompressed: len(plain)}, nil
}

func (s *JSONSerializer) SerializeObject(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := jsoncodec.Marshal(v)
	if err != nil {
		return "", &errspkg.SerializationError{What: fmt.Sprintf("%T", v), Err: err}
	}
	return string(data), nil
}

func (s *JSONSerializer) DeserializeObject(serialized string, target any) error {
	if serialized == "" {
		return nil
	}
	if err := jsoncodec.Unmarshal([]byte(serialized), target); err != nil {
		return &errspkg.SerializationError{What: fmt.Sprintf("%T", target), Err: err}
	}
	return nil
}

func (s *JSONSerializer) NewInstance(t reflect.Type) any {
	if t == nil {
		return nil
	}
	if t.Kind() == reflect.Pointer {
		return reflect.New(t.Elem()).Interface()
	}
	return reflect.New(t).Elem().Interface()
}

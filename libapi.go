package stageflow

import (
	"reflect"

	brokerpkg "github.com/drblury/stageflow/broker"
	runtimepkg "github.com/drblury/stageflow/internal/runtime"
	configpkg "github.com/drblury/stageflow/internal/runtime/config"
	errspkg "github.com/drblury/stageflow/internal/runtime/errors"
	idspkg "github.com/drblury/stageflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/stageflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/stageflow/internal/runtime/logging"
	serialpkg "github.com/drblury/stageflow/internal/runtime/serial"
	tracepkg "github.com/drblury/stageflow/internal/runtime/trace"
	txpkg "github.com/drblury/stageflow/internal/runtime/tx"
)

type (
	Config              = configpkg.Config
	Factory             = runtimepkg.Factory
	FactoryDependencies = runtimepkg.FactoryDependencies
	Endpoint            = runtimepkg.Endpoint
	Stage               = runtimepkg.Stage
	Initiator           = runtimepkg.Initiator
	InitiateContext     = runtimepkg.InitiateContext
	ProcessContext      = runtimepkg.ProcessContext
	Metrics             = runtimepkg.Metrics

	ProcessLambda           = runtimepkg.ProcessLambda
	ProcessSingleLambda     = runtimepkg.ProcessSingleLambda
	ProcessTerminatorLambda = runtimepkg.ProcessTerminatorLambda

	// The wire envelope and its parts, for introspection and debugging.
	Trace          = tracepkg.Trace
	Call           = tracepkg.Call
	Channel        = tracepkg.Channel
	StackState     = tracepkg.StackState
	TraceProperty  = tracepkg.TraceProperty
	KeepTrace      = tracepkg.KeepTrace
	CallType       = tracepkg.CallType
	MessagingModel = tracepkg.MessagingModel

	// Serializer port.
	Serializer        = serialpkg.Serializer
	SerializedTrace   = serialpkg.SerializedTrace
	DeserializedTrace = serialpkg.DeserializedTrace
	JSONSerializer    = serialpkg.JSONSerializer
	SerializerWrapper = runtimepkg.SerializerWrapper

	// External resource bridge.
	ResourceManager    = txpkg.ResourceManager
	ResourceTx         = txpkg.ResourceTx
	SQLResourceManager = txpkg.SQLResourceManager

	// Broker port.
	BrokerConfig             = brokerpkg.Config
	BrokerMessage            = brokerpkg.Message
	BrokerDestination        = brokerpkg.Destination
	BrokerConnection         = brokerpkg.Connection
	BrokerSession            = brokerpkg.Session
	BrokerConsumer           = brokerpkg.Consumer
	BrokerConnectionFactory  = brokerpkg.ConnectionFactory
	BrokerBuilder            = brokerpkg.Builder
	BrokerRegistry           = brokerpkg.Registry
	ConnectionFactoryWrapper = runtimepkg.ConnectionFactoryWrapper

	// Logging.
	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Errors.
	ValidationError         = errspkg.ValidationError
	BackendUnavailableError = errspkg.BackendUnavailableError
	MessageSendError        = errspkg.MessageSendError
	StageRetryError         = errspkg.StageRetryError
	SerializationError      = errspkg.SerializationError
	LifecycleError          = errspkg.LifecycleError
	ConfigValidationError   = errspkg.ConfigValidationError
)

var (
	NewFactory     = runtimepkg.NewFactory
	ValidateConfig = configpkg.ValidateConfig

	NewJSONSerializer = serialpkg.NewJSONSerializer

	NewSQLResourceManager = txpkg.NewSQLResourceManager
	SQLTxFromContext      = txpkg.SQLTxFromContext
	ResourceTxFromContext = txpkg.ResourceTxFromContext

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopLogger              = loggingpkg.NewNopLogger

	// Broker backend registration; backends call these from init, and the
	// default registry resolves Config.Broker.
	DefaultBrokerRegistry = brokerpkg.DefaultRegistry
	RegisterBroker        = brokerpkg.Register
	BuildBroker           = brokerpkg.Build

	// Error classification.
	IsValidation         = errspkg.IsValidation
	IsBackendUnavailable = errspkg.IsBackendUnavailable
	IsMessageSend        = errspkg.IsMessageSend
	IsStageRetry         = errspkg.IsStageRetry

	CreateULID = idspkg.CreateULID

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
)

// Envelope retention policies.
const (
	KeepTraceFull    = tracepkg.KeepTraceFull
	KeepTraceCompact = tracepkg.KeepTraceCompact
	KeepTraceMinimal = tracepkg.KeepTraceMinimal
)

// Wire and naming defaults.
const (
	DefaultDestinationPrefix = configpkg.DefaultDestinationPrefix
	DefaultTraceKey          = configpkg.DefaultTraceKey
	HeaderTraceID            = runtimepkg.HeaderTraceID
	SerializerMetaKeyPostfix = serialpkg.MetaKeyPostfix
)

// Single registers a one-stage endpoint: the lambda's return value is the
// reply. Typed sugar over Factory.Single.
func Single[I any, R any](f *Factory, endpointID string, lambda func(pc *ProcessContext, incoming *I) (R, error)) (*Endpoint, error) {
	return f.Single(endpointID,
		reflect.TypeOf((*R)(nil)).Elem(),
		reflect.TypeOf((*I)(nil)).Elem(),
		func(pc *ProcessContext, incoming any) (any, error) {
			return lambda(pc, incoming.(*I))
		})
}

// Terminator registers a flow-ending endpoint: it receives the final reply
// along with the reply-state supplied at initiation. Typed sugar over
// Factory.Terminator.
func Terminator[S any, I any](f *Factory, endpointID string, lambda func(pc *ProcessContext, state *S, incoming *I) error) (*Endpoint, error) {
	return f.Terminator(endpointID,
		reflect.TypeOf((*S)(nil)).Elem(),
		reflect.TypeOf((*I)(nil)).Elem(),
		func(pc *ProcessContext, state, incoming any) error {
			return lambda(pc, asTyped[S](state), incoming.(*I))
		})
}

// SubscriptionTerminator registers a terminator bound to a topic; its
// concurrency is pinned to 1. Typed sugar over
// Factory.SubscriptionTerminator.
func SubscriptionTerminator[S any, I any](f *Factory, endpointID string, lambda func(pc *ProcessContext, state *S, incoming *I) error) (*Endpoint, error) {
	return f.SubscriptionTerminator(endpointID,
		reflect.TypeOf((*S)(nil)).Elem(),
		reflect.TypeOf((*I)(nil)).Elem(),
		func(pc *ProcessContext, state, incoming any) error {
			return lambda(pc, asTyped[S](state), incoming.(*I))
		})
}

// Staged creates a multi-stage endpoint with reply type R and state type S;
// add stages with AddStage/AddLastStage, in order.
func Staged[R any, S any](f *Factory, endpointID string) (*Endpoint, error) {
	return f.Staged(endpointID,
		reflect.TypeOf((*R)(nil)).Elem(),
		reflect.TypeOf((*S)(nil)).Elem())
}

// AddStage appends a typed stage to a staged endpoint.
func AddStage[S any, I any](ep *Endpoint, lambda func(pc *ProcessContext, state *S, incoming *I) error) (*Stage, error) {
	return ep.Stage(reflect.TypeOf((*I)(nil)).Elem(),
		func(pc *ProcessContext, state, incoming any) error {
			return lambda(pc, asTyped[S](state), incoming.(*I))
		})
}

// AddLastStage appends the final typed stage and seals the endpoint.
func AddLastStage[S any, I any](ep *Endpoint, lambda func(pc *ProcessContext, state *S, incoming *I) error) (*Stage, error) {
	return ep.LastStage(reflect.TypeOf((*I)(nil)).Elem(),
		func(pc *ProcessContext, state, incoming any) error {
			return lambda(pc, asTyped[S](state), incoming.(*I))
		})
}

// UnwrapFully peels every wrapper layer off the given component and returns
// the innermost instance.
func UnwrapFully[T any](v T) T {
	return runtimepkg.UnwrapFully(v)
}

func asTyped[S any](state any) *S {
	if state == nil {
		return nil
	}
	return state.(*S)
}

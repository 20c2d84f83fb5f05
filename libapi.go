package flowadapter

import (
	"github.com/drblury/flowadapter/internal/runtime/adapter"
	configpkg "github.com/drblury/flowadapter/internal/runtime/config"
	connpkg "github.com/drblury/flowadapter/internal/runtime/connection"
	"github.com/drblury/flowadapter/internal/runtime/errorhandler"
	errspkg "github.com/drblury/flowadapter/internal/runtime/errors"
	eventpkg "github.com/drblury/flowadapter/internal/runtime/event"
	idspkg "github.com/drblury/flowadapter/internal/runtime/ids"
	"github.com/drblury/flowadapter/internal/runtime/jsoncodec"
	"github.com/drblury/flowadapter/internal/runtime/lifecycle"
	loggingpkg "github.com/drblury/flowadapter/internal/runtime/logging"
	messagepkg "github.com/drblury/flowadapter/internal/runtime/message"
	metadatapkg "github.com/drblury/flowadapter/internal/runtime/metadata"
	metricspkg "github.com/drblury/flowadapter/internal/runtime/metrics"
	resolverpkg "github.com/drblury/flowadapter/internal/runtime/resolver"
	servicepkg "github.com/drblury/flowadapter/internal/runtime/service"
	workflowpkg "github.com/drblury/flowadapter/internal/runtime/workflow"
	"github.com/drblury/flowadapter/transport"

	// Built-in transports register themselves with the default registry.
	_ "github.com/drblury/flowadapter/transport/aws"
	_ "github.com/drblury/flowadapter/transport/channel"
	_ "github.com/drblury/flowadapter/transport/http"
	_ "github.com/drblury/flowadapter/transport/io"
	_ "github.com/drblury/flowadapter/transport/jetstream"
	_ "github.com/drblury/flowadapter/transport/kafka"
	_ "github.com/drblury/flowadapter/transport/nats"
	_ "github.com/drblury/flowadapter/transport/rabbitmq"
)

type (
	Config = configpkg.Config

	Adapter        = adapter.Adapter
	AdapterOptions = adapter.Options
	Channel        = adapter.Channel
	ChannelOptions = adapter.ChannelOptions

	Component       = lifecycle.Component
	State           = lifecycle.State
	Hooks           = lifecycle.Hooks
	Machine         = lifecycle.Machine
	Strategy        = lifecycle.Strategy
	SyncStrategy    = lifecycle.SyncStrategy
	TimeoutStrategy = lifecycle.TimeoutStrategy

	Message  = messagepkg.Message
	Marker   = messagepkg.Marker
	Metadata = metadatapkg.Metadata
	Resolver = resolverpkg.Resolver

	Service          = servicepkg.Service
	Chain            = servicepkg.Chain
	Sequence         = servicepkg.Sequence
	Branching        = servicepkg.Branching
	Cloning          = servicepkg.Cloning
	StopProcessing   = servicepkg.StopProcessing
	BranchCase       = servicepkg.BranchCase
	ExpressionBranch = servicepkg.ExpressionBranch

	Workflow          = workflowpkg.Workflow
	WorkflowOptions   = workflowpkg.Options
	Consumer          = workflowpkg.Consumer
	Producer          = workflowpkg.Producer
	Listener          = workflowpkg.Listener
	ErrorHandler      = workflowpkg.ErrorHandler
	Interceptor       = workflowpkg.Interceptor
	OutOfStateHandler = workflowpkg.OutOfStateHandler
	FailOutOfState    = workflowpkg.FailOutOfState
	WaitOutOfState    = workflowpkg.WaitOutOfState
	Callbacks         = workflowpkg.Callbacks
	Job               = workflowpkg.Job
	ChainFactory      = workflowpkg.ChainFactory

	MetricsInterceptor    = workflowpkg.MetricsInterceptor
	TracingInterceptor    = workflowpkg.TracingInterceptor
	LoggingInterceptor    = workflowpkg.LoggingInterceptor
	ThrottlingInterceptor = workflowpkg.ThrottlingInterceptor

	DeadLetterOptions = errorhandler.Options
	DeadLetterHandler = errorhandler.Standard
	RetryOptions      = errorhandler.RetryOptions
	RetryHandler      = errorhandler.Retry
	RetryLimit        = errorhandler.RetryLimit
	RestartComponents = errorhandler.RestartComponents
	RestartChannel    = errorhandler.RestartChannel

	Connection                 = connpkg.Connection
	ConnectionException        = connpkg.Exception
	ConnectionExceptionHandler = connpkg.ExceptionHandler
	TransportConnection        = connpkg.TransportConnection
	TransportConsumer          = connpkg.Consumer
	TransportProducer          = connpkg.Producer

	Event            = eventpkg.Event
	EventKind        = eventpkg.Kind
	EventSink        = eventpkg.Sink
	EventRegistry    = eventpkg.Registry
	EventHandlerFunc = eventpkg.HandlerFunc
	Metrics          = metricspkg.Metrics
	LogFields        = loggingpkg.LogFields
	ServiceLogger    = loggingpkg.ServiceLogger

	LifecycleError     = errspkg.LifecycleError
	PipelineError      = errspkg.PipelineError
	ConfigurationError = errspkg.ConfigurationError
	ResolutionError    = errspkg.ResolutionError

	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

// Lifecycle states.
const (
	Closed      = lifecycle.Closed
	Initialised = lifecycle.Initialised
	Started     = lifecycle.Started
	Stopped     = lifecycle.Stopped
)

// Event kinds.
const (
	KindAdapterStart     = eventpkg.KindAdapterStart
	KindAdapterStop      = eventpkg.KindAdapterStop
	KindChannelRestart   = eventpkg.KindChannelRestart
	KindMessageLifecycle = eventpkg.KindMessageLifecycle
	KindRetryExhausted   = eventpkg.KindRetryExhausted
)

// Metadata keys shared between components.
const (
	MetadataKeyWorkflowID      = messagepkg.KeyWorkflowID
	MetadataKeyConsumeLocation = messagepkg.KeyConsumeLocation
	MetadataKeyRetryCount      = messagepkg.KeyRetryCount
	MetadataKeyStopProcessing  = messagepkg.KeyStopProcessing
)

var (
	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	ParseConfig    = configpkg.Parse
	ValidateConfig = configpkg.ValidateConfig

	NewAdapter = adapter.New
	NewChannel = adapter.NewChannel

	NewMachine = lifecycle.NewMachine
	Restart    = lifecycle.Restart

	NewMessage       = messagepkg.New
	NewStringMessage = messagepkg.NewString
	WithID           = messagepkg.WithID
	WithMetadata     = messagepkg.WithMetadata
	NewMetadata      = metadatapkg.New
	NewResolver      = resolverpkg.New

	NewSequence         = servicepkg.NewSequence
	NewBranching        = servicepkg.NewBranching
	NewCloning          = servicepkg.NewCloning
	NewFuncService      = servicepkg.NewFunc
	NewAddMetadata      = servicepkg.NewAddMetadata
	NewCopyMetadata     = servicepkg.NewCopyMetadata
	NewExpressionBranch = servicepkg.NewExpressionBranch
	NewLogMessage       = servicepkg.NewLogMessage
	WithChainLogger     = servicepkg.WithLogger
	WithChainResolver   = servicepkg.WithResolver

	NewStandardWorkflow      = workflowpkg.NewStandard
	NewPooledWorkflow        = workflowpkg.NewPooled
	NewMultiProducerWorkflow = workflowpkg.NewMultiProducer
	NewThrottlingInterceptor = workflowpkg.NewThrottlingInterceptor
	LoggingCallbacks         = workflowpkg.LoggingCallbacks

	NewDeadLetterHandler = errorhandler.NewStandard
	NewRetryHandler      = errorhandler.NewRetry
	Bounded              = errorhandler.Bounded
	Unbounded            = errorhandler.Unbounded

	NewConnection          = connpkg.New
	NewTransportConnection = connpkg.NewTransportConnection
	NewTransportConsumer   = connpkg.NewConsumer
	NewTransportProducer   = connpkg.NewProducer
	WithConnectionLogger   = connpkg.WithLogger
	WithConnectionRegistry = connpkg.WithRegistry
	WithExceptionHandlers  = connpkg.WithExceptionHandlers

	NewEvent         = eventpkg.New
	NewEventRegistry = eventpkg.NewRegistry
	NewMetrics       = metricspkg.New
	NewEventID       = idspkg.New
	NewJSONCodec     = jsoncodec.New

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopServiceLogger  = loggingpkg.NewNopServiceLogger

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.RegisterWithCapabilities
	BuildTransport           = transport.Build

	ErrNotStarted         = errspkg.ErrNotStarted
	ErrDuplicateID        = errspkg.ErrDuplicateID
	ErrNilComponent       = errspkg.ErrNilComponent
	ErrUnknownService     = errspkg.ErrUnknownService
	ErrPoolExhausted      = errspkg.ErrPoolExhausted
	ErrChannelUnavailable = errspkg.ErrChannelUnavailable
	ErrRetryExhausted     = errspkg.ErrRetryExhausted
	ErrStopped            = errspkg.ErrStopped
	ErrTimeout            = errspkg.ErrTimeout
)

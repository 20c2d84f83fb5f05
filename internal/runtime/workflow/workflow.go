// Package workflow moves a consumed message through a service chain into one
// or more producers. Standard processes on the delivering goroutine,
// MultiProducer fans out to extra producers and Pooled spreads messages over
// a bounded set of workers, each owning its own chain.
package workflow

import (
	"context"

	"github.com/drblury/flowadapter/internal/runtime/config"
	"github.com/drblury/flowadapter/internal/runtime/event"
	"github.com/drblury/flowadapter/internal/runtime/lifecycle"
	"github.com/drblury/flowadapter/internal/runtime/logging"
	"github.com/drblury/flowadapter/internal/runtime/message"
	"github.com/drblury/flowadapter/internal/runtime/metrics"
	"github.com/drblury/flowadapter/internal/runtime/resolver"
	"github.com/drblury/flowadapter/internal/runtime/service"
)

// Listener receives consumed messages.
type Listener interface {
	OnMessage(ctx context.Context, msg *message.Message)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, msg *message.Message)

func (f ListenerFunc) OnMessage(ctx context.Context, msg *message.Message) { f(ctx, msg) }

// Consumer delivers messages to its listener asynchronously.
type Consumer interface {
	lifecycle.Component
	SetListener(l Listener)
	// ConsumeLocationKey names the metadata key holding the consume location.
	// Empty means the consumer does not declare one.
	ConsumeLocationKey() string
}

// Producer sends a message to an endpoint. Destination may contain
// %message{} and %payload{} references, resolved per message.
type Producer interface {
	lifecycle.Component
	Produce(ctx context.Context, msg *message.Message, endpoint string) error
	Destination() string
}

// ErrorHandler receives messages whose processing failed. The failure and the
// failing component are stored as object metadata on the message.
type ErrorHandler interface {
	HandleError(ctx context.Context, msg *message.Message)
}

// ErrorHandlerFunc adapts a function to ErrorHandler.
type ErrorHandlerFunc func(ctx context.Context, msg *message.Message)

func (f ErrorHandlerFunc) HandleError(ctx context.Context, msg *message.Message) { f(ctx, msg) }

// Workflow is the unit of message processing owned by a channel.
type Workflow interface {
	lifecycle.Component
	Listener
	// Prepare wires the workflow to its channel. It runs once before Init.
	Prepare(pc PrepareContext) error
	// Reprocess runs the chain and producers again without error routing.
	Reprocess(ctx context.Context, msg *message.Message) error
	Consumer() Consumer
	Producer() Producer
}

// Preparer is implemented by consumers and producers that need the channel's
// context before Init.
type Preparer interface {
	Prepare(pc PrepareContext) error
}

// PrepareContext carries what a channel shares with its workflows.
type PrepareContext struct {
	ChannelID string
	// ErrorHandler is used unless the workflow has its own.
	ErrorHandler ErrorHandler
	// Available reports whether the channel can currently process messages.
	Available func() bool
	Sink      event.Sink
	Logger    logging.ServiceLogger
}

// Options configures a workflow. Consumer is required; Chain defaults to an
// empty sequence.
type Options struct {
	Consumer     Consumer
	Chain        service.Chain
	Producer     Producer
	ErrorHandler ErrorHandler
	Interceptors []Interceptor
	OutOfState   OutOfStateHandler
	Callbacks    Callbacks
	Config       config.Workflow
	Strategy     lifecycle.Strategy
	Resolver     *resolver.Resolver
	Metrics      *metrics.Metrics
	Logger       logging.ServiceLogger
}

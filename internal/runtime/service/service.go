// Package service defines message-transforming steps and the chains that run
// them: a sequential chain with forward search, a branching chain driven by
// next-service ids and a cloning chain that isolates side effects on a copy.
package service

import (
	"context"
	stderrors "errors"

	"github.com/drblury/flowadapter/internal/runtime/errors"
	"github.com/drblury/flowadapter/internal/runtime/lifecycle"
	"github.com/drblury/flowadapter/internal/runtime/logging"
	"github.com/drblury/flowadapter/internal/runtime/message"
	"github.com/drblury/flowadapter/internal/runtime/resolver"
)

// Service transforms a message in place. A service may set the message's
// next-service id to steer the enclosing chain.
type Service interface {
	UniqueID() string
	Apply(ctx context.Context, msg *message.Message) error
}

// Chain is a Service composed of other services with its own lifecycle.
// Services that implement lifecycle.Component follow the chain's lifecycle.
type Chain interface {
	Service
	lifecycle.Component
}

type options struct {
	logger          logging.ServiceLogger
	strategy        lifecycle.Strategy
	resolver        *resolver.Resolver
	tolerateUnknown bool
}

// Option configures a chain.
type Option func(*options)

// WithLogger sets the chain logger.
func WithLogger(l logging.ServiceLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithStrategy sets how lifecycle requests reach the chain's services.
func WithStrategy(s lifecycle.Strategy) Option {
	return func(o *options) { o.strategy = s }
}

// WithResolver shares a resolver across chains.
func WithResolver(r *resolver.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// TolerateUnknownBranch makes a branching chain finish quietly when a service
// names a next id it does not contain.
func TolerateUnknownBranch() Option {
	return func(o *options) { o.tolerateUnknown = true }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logging.OrNop(o.logger)
	if o.resolver == nil {
		o.resolver = resolver.New(nil)
	}
	return o
}

// Name identifies svc in errors and markers: its id, or its type name.
func Name(svc Service) string {
	if id := svc.UniqueID(); id != "" {
		return id
	}
	return message.SimpleName(svc)
}

// applyService runs svc, appends its marker and wraps failures. Failures
// already wrapped by a nested chain keep their innermost component.
func applyService(ctx context.Context, svc Service, msg *message.Message) error {
	err := svc.Apply(ctx, msg)
	msg.AddMarker(message.SimpleName(svc), svc.UniqueID(), err == nil)
	if err == nil {
		return nil
	}
	var pe *errors.PipelineError
	if stderrors.As(err, &pe) {
		return err
	}
	msg.RecordFailure(svc, err)
	return &errors.PipelineError{Component: Name(svc), MessageID: msg.UniqueID(), Err: err}
}

// container holds the lifecycle plumbing shared by every chain.
type container struct {
	cascade  *lifecycle.Cascade
	children func() []lifecycle.Component
}

func (c container) hooks() lifecycle.Hooks {
	return lifecycle.Hooks{
		Init: func(ctx context.Context) error {
			return c.cascade.Init(ctx, c.children()...)
		},
		Start: func(ctx context.Context) error {
			return c.cascade.Start(ctx, c.children()...)
		},
		Stop: func(ctx context.Context) error {
			c.cascade.Stop(ctx, c.children()...)
			return nil
		},
		Close: func(ctx context.Context) error {
			c.cascade.Close(ctx, c.children()...)
			return nil
		},
	}
}

func validateServices(services []Service) error {
	_, err := lifecycle.NewCollection(services...)
	return err
}

// Package adapter holds the top of the component tree. A Channel owns the
// connections and workflows that belong together; an Adapter owns channels,
// connections shared between them and the event sink every component reports
// to.
package adapter

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/drblury/flowadapter/internal/runtime/connection"
	"github.com/drblury/flowadapter/internal/runtime/errorhandler"
	"github.com/drblury/flowadapter/internal/runtime/event"
	"github.com/drblury/flowadapter/internal/runtime/lifecycle"
	"github.com/drblury/flowadapter/internal/runtime/logging"
	"github.com/drblury/flowadapter/internal/runtime/metrics"
	"github.com/drblury/flowadapter/internal/runtime/workflow"
)

// ChannelOptions configures a Channel.
type ChannelOptions struct {
	Connections []lifecycle.Component
	Workflows   []workflow.Workflow
	// ErrorHandler is shared by every workflow that has none of its own.
	ErrorHandler workflow.ErrorHandler
	// Disabled channels are skipped when their adapter starts.
	Disabled bool
	// RestartOnConnectionError restarts the whole channel when one of its
	// connections raises an exception.
	RestartOnConnectionError bool
	Strategy                 lifecycle.Strategy
	Metrics                  *metrics.Metrics
	Logger                   logging.ServiceLogger
}

// Channel groups connections and the workflows using them. Children start in
// order: error handler, connections, workflows; they stop in reverse. The
// channel is available to its workflows only while Started.
type Channel struct {
	*lifecycle.Machine

	connections  *lifecycle.Collection[lifecycle.Component]
	workflows    *lifecycle.Collection[workflow.Workflow]
	errorHandler workflow.ErrorHandler
	autoStart    bool
	cascade      *lifecycle.Cascade
	logger       logging.ServiceLogger

	available atomic.Bool
	restartMu sync.Mutex

	mu   sync.RWMutex
	sink event.Sink
}

// NewChannel returns a Closed channel. Duplicate connection or workflow ids
// are rejected.
func NewChannel(id string, opts ChannelOptions) (*Channel, error) {
	connections, err := lifecycle.NewCollection(opts.Connections...)
	if err != nil {
		return nil, err
	}
	workflows, err := lifecycle.NewCollection(opts.Workflows...)
	if err != nil {
		return nil, err
	}
	c := &Channel{
		connections:  connections,
		workflows:    workflows,
		errorHandler: opts.ErrorHandler,
		autoStart:    !opts.Disabled,
		logger:       logging.ForComponent(opts.Logger, "channel", id),
	}
	c.cascade = lifecycle.NewCascade(opts.Strategy, c.logger)
	c.Machine = lifecycle.NewMachine(id, lifecycle.Hooks{
		Init:  c.onInit,
		Start: c.onStart,
		Stop:  c.onStop,
		Close: c.onClose,
	})

	if opts.RestartOnConnectionError {
		for _, conn := range connections.Items() {
			if raiser, ok := conn.(exceptionRaiser); ok {
				raiser.AddExceptionHandler(errorhandler.RestartChannel{Channel: c, Metrics: opts.Metrics})
			}
		}
	}
	return c, nil
}

type exceptionRaiser interface {
	AddExceptionHandler(h connection.ExceptionHandler)
}

// AutoStart reports whether the owning adapter brings this channel up.
func (c *Channel) AutoStart() bool { return c.autoStart }

// Available reports whether workflows may process messages. It is false
// while the channel is down or restarting.
func (c *Channel) Available() bool { return c.available.Load() }

func (c *Channel) Workflows() []workflow.Workflow { return c.workflows.Items() }

func (c *Channel) Workflow(id string) (workflow.Workflow, bool) { return c.workflows.Get(id) }

func (c *Channel) Connections() []lifecycle.Component { return c.connections.Items() }

func (c *Channel) ErrorHandler() workflow.ErrorHandler { return c.errorHandler }

func (c *Channel) setSink(s event.Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = s
}

func (c *Channel) eventSink() event.Sink {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return event.OrNop(c.sink)
}

// Restart brings a Started channel down and up again: stop, close, init,
// start. Workflows see the channel as unavailable until it is back. Channels
// in any other state are left alone.
func (c *Channel) Restart(ctx context.Context) error {
	c.restartMu.Lock()
	defer c.restartMu.Unlock()

	if c.State() != lifecycle.Started {
		c.logger.Debug("Skipping restart of channel that is not started", logging.LogFields{
			logging.FieldState: c.State().String(),
		})
		return nil
	}
	c.available.Store(false)
	c.logger.Info("Restarting channel", nil)
	c.eventSink().Send(ctx, event.New(event.KindChannelRestart, c.UniqueID(), map[string]any{
		"channel": c.UniqueID(),
	}))
	err := lifecycle.Restart(ctx, c)
	if err != nil {
		c.logger.Error("Channel restart failed", err, nil)
	}
	return err
}

// children lists the channel's components in start order.
func (c *Channel) children() []lifecycle.Component {
	children := lifecycle.Components([]workflow.ErrorHandler{c.errorHandler})
	children = append(children, c.connections.Items()...)
	return append(children, lifecycle.Components(c.workflows.Items())...)
}

func (c *Channel) prepare() error {
	pc := workflow.PrepareContext{
		ChannelID:    c.UniqueID(),
		ErrorHandler: c.errorHandler,
		Available:    c.Available,
		Sink:         c.eventSink(),
		Logger:       c.logger,
	}
	for _, wf := range c.workflows.Items() {
		if err := wf.Prepare(pc); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) onInit(ctx context.Context) error {
	if err := c.prepare(); err != nil {
		return err
	}
	return c.cascade.Init(ctx, c.children()...)
}

func (c *Channel) onStart(ctx context.Context) error {
	if err := c.cascade.Start(ctx, c.children()...); err != nil {
		return err
	}
	c.available.Store(true)
	return nil
}

func (c *Channel) onStop(ctx context.Context) error {
	c.available.Store(false)
	c.cascade.Stop(ctx, reversed(c.children())...)
	return nil
}

func (c *Channel) onClose(ctx context.Context) error {
	c.available.Store(false)
	c.cascade.Close(ctx, reversed(c.children())...)
	return nil
}

func reversed(in []lifecycle.Component) []lifecycle.Component {
	out := make([]lifecycle.Component, len(in))
	for i, item := range in {
		out[len(in)-1-i] = item
	}
	return out
}

// Package errorhandler decides what happens to messages that failed in a
// workflow: a dead-letter chain run once, a retrying handler that restarts
// and recovers before giving up, and connection handlers that restart
// components when a transport fails.
package errorhandler

import (
	"context"

	"github.com/drblury/flowadapter/internal/runtime/event"
	"github.com/drblury/flowadapter/internal/runtime/lifecycle"
	"github.com/drblury/flowadapter/internal/runtime/logging"
	"github.com/drblury/flowadapter/internal/runtime/message"
	"github.com/drblury/flowadapter/internal/runtime/metrics"
	"github.com/drblury/flowadapter/internal/runtime/service"
)

// Options configures a handler.
type Options struct {
	// DeadLetter receives failed messages. Without one they are only logged.
	DeadLetter service.Chain
	// AlwaysHandle processes messages already marked as handled.
	AlwaysHandle bool
	// RestartFailed restarts the failing component when it is Started.
	RestartFailed bool
	Metrics       *metrics.Metrics
	Sink          event.Sink
	Strategy      lifecycle.Strategy
	Logger        logging.ServiceLogger
}

// Standard runs its dead-letter chain once for every failed message.
type Standard struct {
	*lifecycle.Machine

	opts    Options
	cascade *lifecycle.Cascade
	logger  logging.ServiceLogger
}

// NewStandard builds a Closed handler.
func NewStandard(id string, opts Options) *Standard {
	s := &Standard{
		opts:   opts,
		logger: logging.ForComponent(opts.Logger, "error_handler", id),
	}
	s.cascade = lifecycle.NewCascade(opts.Strategy, s.logger)
	s.Machine = lifecycle.NewMachine(id, s.hooks())
	return s
}

func (s *Standard) hooks() lifecycle.Hooks {
	children := func() []lifecycle.Component { return lifecycle.Components([]service.Chain{s.opts.DeadLetter}) }
	return lifecycle.Hooks{
		Init:  func(ctx context.Context) error { return s.cascade.Init(ctx, children()...) },
		Start: func(ctx context.Context) error { return s.cascade.Start(ctx, children()...) },
		Stop: func(ctx context.Context) error {
			s.cascade.Stop(ctx, children()...)
			return nil
		},
		Close: func(ctx context.Context) error {
			s.cascade.Close(ctx, children()...)
			return nil
		},
	}
}

// AlwaysHandle reports whether already handled messages are processed again.
func (s *Standard) AlwaysHandle() bool { return s.opts.AlwaysHandle }

func (s *Standard) HandleError(ctx context.Context, msg *message.Message) {
	if !s.claim(msg) {
		return
	}
	s.restartFailed(ctx, msg)
	s.deadLetter(ctx, msg)
}

// claim marks msg as handled. It reports false when another handler got
// there first and this one does not always handle.
func (s *Standard) claim(msg *message.Message) bool {
	handled, _ := msg.Object(message.ObjectErrorHandled)
	if !s.opts.AlwaysHandle && handled == true {
		s.logger.Debug("Message already handled", logging.LogFields{logging.FieldMessageID: msg.UniqueID()})
		return false
	}
	msg.SetObject(message.ObjectErrorHandled, true)
	return true
}

func (s *Standard) restartFailed(ctx context.Context, msg *message.Message) {
	if !s.opts.RestartFailed {
		return
	}
	failed, _ := msg.FailedComponent()
	comp, ok := failed.(lifecycle.Component)
	if !ok || comp.State() != lifecycle.Started {
		return
	}
	s.logger.Info("Restarting failed component", logging.LogFields{"failed_component": comp.UniqueID()})
	if err := lifecycle.Restart(ctx, comp); err != nil {
		s.logger.Error("Restart failed", err, logging.LogFields{"failed_component": comp.UniqueID()})
		return
	}
	s.opts.Metrics.RecordRestart(comp.UniqueID())
}

// deadLetter runs the dead-letter chain. Its own failures are logged.
func (s *Standard) deadLetter(ctx context.Context, msg *message.Message) {
	_, name := msg.FailedComponent()
	fields := logging.LogFields{
		logging.FieldMessageID: msg.UniqueID(),
		logging.FieldWorkflow:  msg.MetadataValue(message.KeyWorkflowID),
		"failed_component":     name,
	}
	s.logger.Error("Message processing failed", msg.Failure(), fields)
	s.opts.Metrics.RecordDeadLetter(msg.MetadataValue(message.KeyWorkflowID), s.UniqueID(), msg.RetryCount())

	if s.opts.DeadLetter == nil {
		return
	}
	if err := s.opts.DeadLetter.Apply(ctx, msg); err != nil {
		s.logger.Error("Dead-letter chain failed", err, fields)
	}
}

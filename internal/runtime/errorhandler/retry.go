package errorhandler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/flowadapter/internal/runtime/config"
	"github.com/drblury/flowadapter/internal/runtime/errors"
	"github.com/drblury/flowadapter/internal/runtime/event"
	"github.com/drblury/flowadapter/internal/runtime/lifecycle"
	"github.com/drblury/flowadapter/internal/runtime/logging"
	"github.com/drblury/flowadapter/internal/runtime/message"
	"github.com/drblury/flowadapter/internal/runtime/service"
	"github.com/drblury/flowadapter/internal/runtime/workflow"
)

// RetryOptions configures a retrying handler.
type RetryOptions struct {
	Options

	Config config.Retry
	// Limit overrides Config.Limit when set.
	Limit RetryLimit
	// Recovery is applied on every attempt. It defaults to reprocessing the
	// message through the workflow it failed in.
	Recovery service.Service
}

// Retry recovers failed messages in the background. Each attempt waits for
// the next backoff interval, optionally restarts the workflow's producer and
// applies the recovery service. Messages that run out of attempts, or whose
// retry is interrupted by Stop, go to the dead-letter chain.
type Retry struct {
	*Standard

	cfg      config.Retry
	limit    RetryLimit
	recovery service.Service

	mu      sync.Mutex
	run     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup
}

// NewRetry builds a Closed retrying handler.
func NewRetry(id string, opts RetryOptions) *Retry {
	r := &Retry{
		cfg:      opts.Config,
		limit:    opts.Limit,
		recovery: opts.Recovery,
	}
	if !r.limit.IsSet() {
		r.limit = LimitFromConfig(opts.Config.Limit)
	}
	if r.recovery == nil {
		r.recovery = WorkflowRecovery{}
	}

	r.Standard = &Standard{
		opts:   opts.Options,
		logger: logging.ForComponent(opts.Logger, "retry_error_handler", id),
	}
	r.Standard.cascade = lifecycle.NewCascade(opts.Strategy, r.logger)

	hooks := r.Standard.hooks()
	children := func() []lifecycle.Component { return lifecycle.Components([]service.Service{r.recovery}) }
	initHook, startHook, stopHook, closeHook := hooks.Init, hooks.Start, hooks.Stop, hooks.Close
	hooks.Init = func(ctx context.Context) error {
		if err := initHook(ctx); err != nil {
			return err
		}
		return r.cascade.Init(ctx, children()...)
	}
	hooks.Start = func(ctx context.Context) error {
		if err := startHook(ctx); err != nil {
			return err
		}
		if err := r.cascade.Start(ctx, children()...); err != nil {
			return err
		}
		r.mu.Lock()
		r.run, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
		r.mu.Unlock()
		return nil
	}
	hooks.Stop = func(ctx context.Context) error {
		r.mu.Lock()
		cancel := r.cancel
		r.cancel = nil
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		r.pending.Wait()
		r.cascade.Stop(ctx, children()...)
		return stopHook(ctx)
	}
	hooks.Close = func(ctx context.Context) error {
		r.cascade.Close(ctx, children()...)
		return closeHook(ctx)
	}
	r.Standard.Machine = lifecycle.NewMachine(id, hooks)
	return r
}

// Limit is the effective retry limit.
func (r *Retry) Limit() RetryLimit { return r.limit }

// HandleError schedules recovery of a copy of msg and returns immediately;
// the caller keeps ownership of msg. A handler that is not Started
// dead-letters the message straight away.
func (r *Retry) HandleError(ctx context.Context, msg *message.Message) {
	if !r.claim(msg) {
		return
	}

	r.mu.Lock()
	run := r.run
	started := r.cancel != nil
	if started {
		r.pending.Add(1)
	}
	r.mu.Unlock()

	if !started {
		r.logger.Info("Retry handler not started, dead-lettering", logging.LogFields{logging.FieldMessageID: msg.UniqueID()})
		r.deadLetter(ctx, msg)
		return
	}
	work := msg.Clone()
	go func() {
		defer r.pending.Done()
		r.retry(run, work)
	}()
}

func (r *Retry) newBackOff() backoff.BackOff {
	if r.cfg.Backoff == config.BackoffExponential {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.cfg.Interval
		b.RandomizationFactor = 0
		if r.cfg.Multiplier > 0 {
			b.Multiplier = r.cfg.Multiplier
		}
		if r.cfg.MaxInterval > 0 {
			b.MaxInterval = r.cfg.MaxInterval
		}
		b.Reset()
		return b
	}
	return backoff.NewConstantBackOff(r.cfg.Interval)
}

func (r *Retry) retry(ctx context.Context, msg *message.Message) {
	schedule := r.newBackOff()
	attempts := 0
	for {
		if r.limit.Exhausted(attempts) {
			r.exhausted(ctx, msg, attempts)
			return
		}
		wait := schedule.NextBackOff()
		if wait == backoff.Stop {
			r.exhausted(ctx, msg, attempts)
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("Retry interrupted, dead-lettering", logging.LogFields{
				logging.FieldMessageID: msg.UniqueID(),
				logging.FieldAttempt:   attempts,
			})
			r.deadLetter(context.WithoutCancel(ctx), msg)
			return
		case <-timer.C:
		}

		if wf, ok := workflowOf(msg); ok && wf.State() != lifecycle.Started {
			r.logger.Info("Origin workflow no longer started, dead-lettering", logging.LogFields{
				logging.FieldMessageID: msg.UniqueID(),
				logging.FieldAttempt:   attempts,
				"workflow":             wf.UniqueID(),
				"state":                wf.State().String(),
			})
			r.deadLetter(ctx, msg)
			return
		}

		attempts++
		msg.IncrementRetryCount()
		r.opts.Metrics.RecordRetryAttempt(r.UniqueID())
		err := r.attempt(ctx, msg)
		if err == nil {
			r.logger.Info("Message recovered", logging.LogFields{
				logging.FieldMessageID: msg.UniqueID(),
				logging.FieldAttempt:   attempts,
			})
			return
		}
		r.logger.Debug("Recovery attempt failed", logging.LogFields{
			logging.FieldMessageID: msg.UniqueID(),
			logging.FieldAttempt:   attempts,
			"error":                err.Error(),
		})
	}
}

func (r *Retry) attempt(ctx context.Context, msg *message.Message) error {
	if r.cfg.RestartProducer {
		r.restartProducer(ctx, msg)
	}
	failed, _ := msg.FailedComponent()
	msg.RemoveObject(message.ObjectException)
	msg.RemoveObject(message.ObjectFailedComponent)
	msg.RemoveObject(message.ObjectFailedComponentName)

	err := r.recovery.Apply(ctx, msg)
	if err == nil {
		return nil
	}
	if msg.Failure() == nil {
		if failed == nil {
			failed = r.recovery
		}
		msg.RecordFailure(failed, err)
	}
	return err
}

func (r *Retry) restartProducer(ctx context.Context, msg *message.Message) {
	wf, ok := workflowOf(msg)
	if !ok || wf.Producer() == nil {
		return
	}
	producer := wf.Producer()
	if err := lifecycle.Restart(ctx, producer); err != nil {
		r.logger.Error("Producer restart failed", err, logging.LogFields{"producer": producer.UniqueID()})
		return
	}
	r.opts.Metrics.RecordRestart(producer.UniqueID())
}

func (r *Retry) exhausted(ctx context.Context, msg *message.Message, attempts int) {
	err := fmt.Errorf("%w after %d attempts", errors.ErrRetryExhausted, attempts)
	if cause := msg.Failure(); cause != nil {
		err = fmt.Errorf("%w: %w", err, cause)
	}
	failed, _ := msg.FailedComponent()
	msg.RecordFailure(failed, err)
	event.OrNop(r.opts.Sink).Send(ctx, event.RetryExhausted(r.UniqueID(), msg, attempts))
	r.deadLetter(ctx, msg)
}

func workflowOf(msg *message.Message) (workflow.Workflow, bool) {
	obj, ok := msg.Object(message.ObjectWorkflow)
	if !ok {
		return nil, false
	}
	wf, ok := obj.(workflow.Workflow)
	return wf, ok && wf != nil
}

// WorkflowRecovery reprocesses a message through the workflow it failed in.
type WorkflowRecovery struct{}

func (WorkflowRecovery) UniqueID() string { return "" }

func (WorkflowRecovery) Apply(ctx context.Context, msg *message.Message) error {
	wf, ok := workflowOf(msg)
	if !ok {
		return errors.ErrRecoveryRequired
	}
	return wf.Reprocess(ctx, msg)
}

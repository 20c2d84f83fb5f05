package workflow

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/drblury/flowadapter/internal/runtime/config"
	"github.com/drblury/flowadapter/internal/runtime/errors"
	"github.com/drblury/flowadapter/internal/runtime/event"
	"github.com/drblury/flowadapter/internal/runtime/lifecycle"
	"github.com/drblury/flowadapter/internal/runtime/logging"
	"github.com/drblury/flowadapter/internal/runtime/message"
	"github.com/drblury/flowadapter/internal/runtime/resolver"
	"github.com/drblury/flowadapter/internal/runtime/service"
)

// base carries what every workflow variant shares: its collaborators, the
// message boundary and the bookkeeping needed for a bounded shutdown.
type base struct {
	*lifecycle.Machine

	self         Workflow
	kind         string
	consumer     Consumer
	chain        service.Chain
	producer     Producer
	errorHandler ErrorHandler
	interceptors []Interceptor
	outOfState   OutOfStateHandler
	callbacks    Callbacks
	opts         Options
	resolver     *resolver.Resolver
	cascade      *lifecycle.Cascade
	logger       logging.ServiceLogger

	mu       sync.RWMutex
	prepared PrepareContext

	runMu     sync.Mutex
	runCtx    context.Context
	cancelRun context.CancelFunc
	inflight  tracker
}

func newBase(id, kind string, opts Options) (*base, error) {
	if opts.Consumer == nil {
		return nil, errors.ErrConsumerRequired
	}
	opts.Config = withWaitDefaults(opts.Config)
	b := &base{
		kind:         kind,
		consumer:     opts.Consumer,
		chain:        opts.Chain,
		producer:     opts.Producer,
		errorHandler: opts.ErrorHandler,
		outOfState:   opts.OutOfState,
		callbacks:    opts.Callbacks,
		opts:         opts,
		resolver:     opts.Resolver,
		logger:       logging.ForComponent(opts.Logger, kind, id),
	}
	for _, i := range opts.Interceptors {
		if i != nil {
			b.interceptors = append(b.interceptors, i)
		}
	}
	if b.outOfState == nil {
		b.outOfState = FailOutOfState{}
	}
	if b.resolver == nil {
		b.resolver = resolver.New(nil)
	}
	if b.chain == nil {
		chain, err := service.NewSequence(id+"-services", nil, service.WithLogger(opts.Logger))
		if err != nil {
			return nil, err
		}
		b.chain = chain
	}
	b.cascade = lifecycle.NewCascade(opts.Strategy, b.logger)
	return b, nil
}

// withWaitDefaults replaces non-positive waits with the defaults so stop and
// the channel wait are always bounded.
func withWaitDefaults(cfg config.Workflow) config.Workflow {
	defaults := config.Default().Workflow
	if cfg.ShutdownWait <= 0 {
		cfg.ShutdownWait = defaults.ShutdownWait
	}
	if cfg.ChannelUnavailableWait <= 0 {
		cfg.ChannelUnavailableWait = defaults.ChannelUnavailableWait
	}
	if cfg.ChannelPollInterval <= 0 {
		cfg.ChannelPollInterval = defaults.ChannelPollInterval
	}
	return cfg
}

func (b *base) Consumer() Consumer { return b.consumer }
func (b *base) Producer() Producer { return b.producer }

// Chain returns the service chain shared by every message.
func (b *base) Chain() service.Chain { return b.chain }

func (b *base) Prepare(pc PrepareContext) error {
	b.mu.Lock()
	b.prepared = pc
	if pc.Logger != nil && b.opts.Logger == nil {
		b.logger = logging.ForComponent(pc.Logger, b.kind, b.UniqueID())
	}
	b.mu.Unlock()
	return prepareAll(pc, b.consumer, b.producer)
}

// prepareAll hands pc to every child that registers itself somewhere during
// preparation, such as a consumer joining its connection's listener set.
func prepareAll(pc PrepareContext, children ...any) error {
	for _, child := range children {
		if p, ok := child.(Preparer); ok {
			if err := p.Prepare(pc); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *base) handler() ErrorHandler {
	if b.errorHandler != nil {
		return b.errorHandler
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.prepared.ErrorHandler != nil {
		return b.prepared.ErrorHandler
	}
	return ErrorHandlerFunc(func(_ context.Context, msg *message.Message) {
		b.logger.Error("No error handler configured, dropping message", msg.Failure(), logging.LogFields{
			logging.FieldMessageID: msg.UniqueID(),
		})
	})
}

func (b *base) available() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.prepared.Available == nil || b.prepared.Available()
}

func (b *base) sink() event.Sink {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return event.OrNop(b.prepared.Sink)
}

// ownedComponents lists the workflow's children in start order. The consumer
// starts last so no message arrives before the producer is ready.
func (b *base) ownedComponents(extra ...lifecycle.Component) []lifecycle.Component {
	children := []lifecycle.Component{}
	if eh, ok := b.errorHandler.(lifecycle.Component); ok {
		children = append(children, eh)
	}
	children = append(children, lifecycle.Components([]Producer{b.producer})...)
	children = append(children, extra...)
	return append(children, b.consumer)
}

func reversed(in []lifecycle.Component) []lifecycle.Component {
	out := make([]lifecycle.Component, len(in))
	for i, c := range in {
		out[len(in)-1-i] = c
	}
	return out
}

func (b *base) beginRun(ctx context.Context) {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	b.runCtx, b.cancelRun = context.WithCancel(context.WithoutCancel(ctx))
}

// endRun interrupts pending waits and waits for in-flight messages up to the
// configured shutdown wait. Exceeding it is logged, not returned.
func (b *base) endRun() {
	b.runMu.Lock()
	cancel := b.cancelRun
	b.cancelRun = nil
	b.runMu.Unlock()
	if cancel != nil {
		cancel()
	}

	if !b.inflight.wait(b.opts.Config.ShutdownWait) {
		b.logger.Info("Shutdown wait exceeded, in-flight messages still running", logging.LogFields{
			"warning":  true,
			"inflight": b.inflight.count(),
		})
	}
}

// waitContext is ctx, additionally cancelled when the workflow stops.
func (b *base) waitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	b.runMu.Lock()
	run := b.runCtx
	b.runMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	if run == nil {
		return ctx, cancel
	}
	stop := context.AfterFunc(run, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// admit prepares msg for processing: it stamps the routing metadata and makes
// sure the workflow and its channel can take it.
func (b *base) admit(ctx context.Context, msg *message.Message) error {
	if key := b.consumer.ConsumeLocationKey(); key != "" {
		if v, ok := msg.Metadata(message.KeyConsumeLocation); !ok || v != key {
			msg.AddMetadata(message.KeyConsumeLocation, key)
		}
	}
	msg.AddMetadata(message.KeyWorkflowID, b.UniqueID())
	msg.SetObject(message.ObjectWorkflow, b.self)

	waitCtx, cancel := b.waitContext(ctx)
	defer cancel()

	if b.State() != lifecycle.Started {
		if err := b.outOfState.HandleOutOfState(waitCtx, b, msg); err != nil {
			return err
		}
	}
	return b.awaitChannel(waitCtx)
}

// awaitChannel blocks while the owning channel is unavailable, polling until
// it recovers or the configured wait elapses.
func (b *base) awaitChannel(ctx context.Context) error {
	if b.available() {
		return nil
	}
	cfg := b.opts.Config
	b.logger.Debug("Channel unavailable, waiting", logging.LogFields{"max_wait": cfg.ChannelUnavailableWait.String()})

	timer := time.NewTimer(cfg.ChannelUnavailableWait)
	defer timer.Stop()
	ticker := time.NewTicker(cfg.ChannelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if b.available() {
				return nil
			}
		case <-timer.C:
			if b.available() {
				return nil
			}
			return errors.ErrChannelUnavailable
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", errors.ErrChannelUnavailable, ctx.Err())
		}
	}
}

// process is one attempt at running a message through a chain and producers.
type process func(ctx context.Context, msg *message.Message) error

// processWith runs chain then produce, converting panics into pipeline errors.
func (b *base) processWith(chain service.Chain, produce process) process {
	return func(ctx context.Context, msg *message.Message) (err error) {
		defer func() {
			if r := recover(); r != nil {
				perr := fmt.Errorf("panic: %v", r)
				b.logger.Error("Recovered from panic", perr, logging.LogFields{
					logging.FieldMessageID: msg.UniqueID(),
					"stack":                string(debug.Stack()),
				})
				if msg.Failure() == nil {
					msg.RecordFailure(b.self, perr)
				}
				err = &errors.PipelineError{Component: b.UniqueID(), MessageID: msg.UniqueID(), Err: perr}
			}
		}()

		if err := chain.Apply(ctx, msg); err != nil {
			return err
		}
		return produce(ctx, msg)
	}
}

// deliver runs one message through run. Failures never escape: they are
// routed to the error handler.
func (b *base) deliver(ctx context.Context, msg *message.Message, run process) {
	b.inflight.add()
	defer b.inflight.done()

	job := Job{
		WorkflowID: b.UniqueID(),
		MessageID:  msg.UniqueID(),
		Message:    msg,
		StartedAt:  time.Now(),
		RetryCount: msg.RetryCount(),
	}
	b.callbacks.start(job)

	original := msg.Clone()
	if err := b.admit(ctx, msg); err != nil {
		if msg.Failure() == nil {
			msg.RecordFailure(b.self, err)
		}
		b.finish(ctx, job, original, msg, err)
		return
	}

	for _, i := range b.interceptors {
		ctx = i.WorkflowStart(ctx, b.UniqueID(), msg)
	}
	err := run(ctx, msg)
	for _, i := range b.interceptors {
		i.WorkflowEnd(ctx, b.UniqueID(), original, msg, err)
	}
	b.finish(ctx, job, original, msg, err)
}

func (b *base) finish(ctx context.Context, job Job, original, processed *message.Message, err error) {
	job.Duration = time.Since(job.StartedAt)
	if err != nil {
		b.fail(ctx, original, processed, err)
	}
	b.callbacks.finish(job, err)
	if b.opts.Config.SendEvents {
		b.sink().Send(ctx, event.MessageLifecycle(b.UniqueID(), processed, err == nil))
	}
}

// fail hands the failed message to the error handler. With FailOriginal the
// message as consumed is handed over, carrying the recorded failure.
func (b *base) fail(ctx context.Context, original, processed *message.Message, err error) {
	target := processed
	if b.opts.Config.FailOriginal {
		target = original
		component, _ := processed.FailedComponent()
		cause := processed.Failure()
		if cause == nil {
			cause = err
		}
		target.RecordFailure(component, cause)
		target.SetObject(message.ObjectWorkflow, b.self)
		if wfID, ok := processed.Metadata(message.KeyWorkflowID); ok {
			target.AddMetadata(message.KeyWorkflowID, wfID)
		}
	}
	if target.Failure() == nil {
		target.RecordFailure(b.self, err)
	}
	b.logger.Debug("Message failed", logging.LogFields{
		logging.FieldMessageID: target.UniqueID(),
		"error":                err.Error(),
	})
	b.handler().HandleError(ctx, target)
}

// produceTo sends msg through p, resolving the destination first.
func (b *base) produceTo(ctx context.Context, p Producer, msg *message.Message) error {
	endpoint, err := b.resolver.ResolveContext(ctx, msg, p.Destination())
	if err == nil {
		err = p.Produce(ctx, msg, endpoint)
	}
	msg.AddMarker(message.SimpleName(p), p.UniqueID(), err == nil)
	if err == nil {
		return nil
	}
	var pe *errors.PipelineError
	if stderrors.As(err, &pe) {
		return err
	}
	msg.RecordFailure(p, err)
	name := p.UniqueID()
	if name == "" {
		name = message.SimpleName(p)
	}
	return &errors.PipelineError{Component: name, MessageID: msg.UniqueID(), Err: err}
}

// reprocess runs msg again outside the error-handling boundary.
func (b *base) reprocess(ctx context.Context, msg *message.Message, run process) error {
	if b.State() != lifecycle.Started {
		return notStarted(b)
	}
	b.inflight.add()
	defer b.inflight.done()
	msg.SetNextServiceID("")
	return run(ctx, msg)
}

// tracker counts in-flight messages and lets stop wait for them with a bound.
type tracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (t *tracker) add() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		t.idle = make(chan struct{})
	}
	t.n++
}

func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n--
	if t.n == 0 {
		close(t.idle)
	}
}

func (t *tracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

// wait reports whether every tracked message finished within timeout.
func (t *tracker) wait(timeout time.Duration) bool {
	t.mu.Lock()
	if t.n == 0 {
		t.mu.Unlock()
		return true
	}
	idle := t.idle
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
		return true
	case <-timer.C:
		return false
	}
}

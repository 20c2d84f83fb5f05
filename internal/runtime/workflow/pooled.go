package workflow

import (
	"context"
	stderrors "errors"

	"github.com/drblury/flowadapter/internal/runtime/config"
	"github.com/drblury/flowadapter/internal/runtime/errors"
	"github.com/drblury/flowadapter/internal/runtime/lifecycle"
	"github.com/drblury/flowadapter/internal/runtime/message"
)

// Pooled processes messages concurrently on borrowed workers, each running
// its own chain from the factory. OnMessage blocks while every worker is busy,
// up to the pool's borrow timeout, then returns as soon as processing has been
// handed to a worker. Messages arriving before Start are admitted first and
// processed on the delivering goroutine. Messages are not ordered relative to
// each other.
type Pooled struct {
	*base

	pool *pool
}

// NewPooled builds a pooled workflow. Options.Chain is not used; every worker
// gets a chain from factory.
func NewPooled(id string, opts Options, cfg config.Pool, factory ChainFactory) (*Pooled, error) {
	if opts.Producer == nil {
		return nil, errors.ErrProducerRequired
	}
	if factory == nil {
		return nil, errors.ErrChainRequired
	}
	b, err := newBase(id, "pooled_workflow", opts)
	if err != nil {
		return nil, err
	}
	w := &Pooled{base: b}
	w.pool = newPool(cfg, factory, func(active int) {
		opts.Metrics.SetActiveWorkers(id, active)
	}, b.logger)
	b.self = w

	hooks := b.hooks()
	start, stop := hooks.Start, hooks.Stop
	hooks.Start = func(ctx context.Context) error {
		if err := w.pool.start(ctx); err != nil {
			return err
		}
		if err := start(ctx); err != nil {
			w.pool.close()
			return err
		}
		return nil
	}
	hooks.Stop = func(ctx context.Context) error {
		err := stop(ctx)
		w.pool.close()
		return err
	}
	b.Machine = lifecycle.NewMachine(id, hooks)
	opts.Consumer.SetListener(w)
	return w, nil
}

// PoolConfig is the pool configuration after clamping.
func (w *Pooled) PoolConfig() config.Pool { return w.pool.cfg }

// PoolStats reports idle and borrowed workers.
func (w *Pooled) PoolStats() (idle, active int) { return w.pool.stats() }

func (w *Pooled) OnMessage(ctx context.Context, msg *message.Message) {
	if w.State() == lifecycle.Started {
		wk, err := w.pool.borrow(ctx)
		switch {
		case err == nil:
			w.inflight.add()
			go func() {
				defer w.inflight.done()
				defer w.pool.release(wk)
				w.deliver(context.WithoutCancel(ctx), msg, w.processWith(wk.chain, w.produce))
			}()
			return
		case !stderrors.Is(err, errors.ErrStopped):
			w.deliver(ctx, msg, w.failBorrow(err))
			return
		}
	}
	// Not started: admission runs the out-of-state handler first, and a
	// worker is only borrowed once the message has been admitted.
	w.deliver(ctx, msg, w.borrowAndProcess)
}

func (w *Pooled) borrowAndProcess(ctx context.Context, msg *message.Message) error {
	wk, err := w.pool.borrow(ctx)
	if err != nil {
		return w.failBorrow(err)(ctx, msg)
	}
	defer w.pool.release(wk)
	return w.processWith(wk.chain, w.produce)(ctx, msg)
}

func (w *Pooled) failBorrow(err error) process {
	return func(_ context.Context, msg *message.Message) error {
		msg.RecordFailure(w, err)
		return &errors.PipelineError{Component: w.UniqueID(), MessageID: msg.UniqueID(), Err: err}
	}
}

// Reprocess borrows a worker and runs msg on it synchronously.
func (w *Pooled) Reprocess(ctx context.Context, msg *message.Message) error {
	wk, err := w.pool.borrow(ctx)
	if err != nil {
		return err
	}
	defer w.pool.release(wk)
	return w.reprocess(ctx, msg, w.processWith(wk.chain, w.produce))
}

func (w *Pooled) produce(ctx context.Context, msg *message.Message) error {
	return w.produceTo(ctx, w.producer, msg)
}

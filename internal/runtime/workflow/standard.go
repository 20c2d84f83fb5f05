package workflow

import (
	"context"

	"github.com/drblury/flowadapter/internal/runtime/errors"
	"github.com/drblury/flowadapter/internal/runtime/lifecycle"
	"github.com/drblury/flowadapter/internal/runtime/message"
)

// Standard processes each message on the goroutine that delivered it.
type Standard struct {
	*base
}

// NewStandard builds a standard workflow. A producer is required.
func NewStandard(id string, opts Options) (*Standard, error) {
	if opts.Producer == nil {
		return nil, errors.ErrProducerRequired
	}
	b, err := newBase(id, "standard_workflow", opts)
	if err != nil {
		return nil, err
	}
	w := &Standard{base: b}
	b.self = w
	b.Machine = lifecycle.NewMachine(id, b.hooks(b.chain))
	opts.Consumer.SetListener(w)
	return w, nil
}

func (w *Standard) OnMessage(ctx context.Context, msg *message.Message) {
	w.deliver(ctx, msg, w.processWith(w.chain, w.produce))
}

func (w *Standard) Reprocess(ctx context.Context, msg *message.Message) error {
	return w.reprocess(ctx, msg, w.processWith(w.chain, w.produce))
}

func (w *Standard) produce(ctx context.Context, msg *message.Message) error {
	return w.produceTo(ctx, w.producer, msg)
}

// hooks builds the lifecycle hooks shared by the single-chain variants. Stop
// halts the consumer, then drains in-flight messages before stopping the rest.
func (b *base) hooks(extra ...lifecycle.Component) lifecycle.Hooks {
	return lifecycle.Hooks{
		Init: func(ctx context.Context) error {
			return b.cascade.Init(ctx, b.ownedComponents(extra...)...)
		},
		Start: func(ctx context.Context) error {
			b.beginRun(ctx)
			return b.cascade.Start(ctx, b.ownedComponents(extra...)...)
		},
		Stop: func(ctx context.Context) error {
			b.cascade.Stop(ctx, b.consumer)
			b.endRun()
			b.cascade.Stop(ctx, reversed(b.ownedComponents(extra...))...)
			return nil
		},
		Close: func(ctx context.Context) error {
			b.cascade.Close(ctx, reversed(b.ownedComponents(extra...))...)
			return nil
		},
	}
}

package workflow

import (
	"context"

	"github.com/drblury/flowadapter/internal/runtime/errors"
	"github.com/drblury/flowadapter/internal/runtime/lifecycle"
	"github.com/drblury/flowadapter/internal/runtime/logging"
	"github.com/drblury/flowadapter/internal/runtime/message"
)

// MultiProducer produces every message to its primary producer, when it has
// one, and then to each additional producer. A failing additional producer
// is logged and recorded under message.ObjectProduceFailures without
// stopping delivery to the others; only a primary failure reaches the error
// handler.
type MultiProducer struct {
	*base

	extras []Producer
}

// NewMultiProducer builds the workflow. At least one producer, primary or
// additional, is required.
func NewMultiProducer(id string, opts Options, extras ...Producer) (*MultiProducer, error) {
	if opts.Producer == nil && len(lifecycle.Components(extras)) == 0 {
		return nil, errors.ErrProducerRequired
	}
	if _, err := lifecycle.NewCollection(extras...); err != nil {
		return nil, err
	}
	b, err := newBase(id, "multi_producer_workflow", opts)
	if err != nil {
		return nil, err
	}
	w := &MultiProducer{base: b, extras: append([]Producer(nil), extras...)}
	b.self = w
	b.Machine = lifecycle.NewMachine(id, b.hooks(append([]lifecycle.Component{b.chain}, lifecycle.Components(w.extras)...)...))
	opts.Consumer.SetListener(w)
	return w, nil
}

// Producers returns the additional producers.
func (w *MultiProducer) Producers() []Producer {
	return append([]Producer(nil), w.extras...)
}

func (w *MultiProducer) Prepare(pc PrepareContext) error {
	if err := w.base.Prepare(pc); err != nil {
		return err
	}
	for _, p := range w.extras {
		if err := prepareAll(pc, p); err != nil {
			return err
		}
	}
	return nil
}

func (w *MultiProducer) OnMessage(ctx context.Context, msg *message.Message) {
	w.deliver(ctx, msg, w.processWith(w.chain, w.produce))
}

func (w *MultiProducer) Reprocess(ctx context.Context, msg *message.Message) error {
	return w.reprocess(ctx, msg, w.processWith(w.chain, w.produce))
}

func (w *MultiProducer) produce(ctx context.Context, msg *message.Message) error {
	if w.producer != nil {
		if err := w.produceTo(ctx, w.producer, msg); err != nil {
			return err
		}
	}

	failures := map[string]error{}
	for _, p := range w.extras {
		clone := msg.Clone()
		if err := w.produceTo(ctx, p, clone); err != nil {
			name := p.UniqueID()
			if name == "" {
				name = message.SimpleName(p)
			}
			failures[name] = err
			w.logger.Error("Additional producer failed", err, logging.LogFields{
				logging.FieldMessageID: msg.UniqueID(),
				"producer":             name,
			})
		}
	}
	if len(failures) > 0 {
		msg.SetObject(message.ObjectProduceFailures, failures)
	}
	return nil
}

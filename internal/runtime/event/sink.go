package event

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowadapter/internal/runtime/lifecycle"
	"github.com/drblury/flowadapter/internal/runtime/logging"
)

// Sink accepts events. Send never blocks on delivery.
type Sink interface {
	Send(ctx context.Context, e Event)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Send(context.Context, Event) {}

// OrNop returns s, or a NopSink when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return NopSink{}
	}
	return s
}

// Handler consumes dispatched events.
type Handler interface {
	Handle(ctx context.Context, e Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e Event) error

func (f HandlerFunc) Handle(ctx context.Context, e Event) error { return f(ctx, e) }

// Registry maps event kinds to handlers. Handlers registered with OnAny see
// every event after the kind-specific ones.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
	any      []Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Kind][]Handler)}
}

// On registers h for kind.
func (r *Registry) On(kind Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = append(r.handlers[kind], h)
}

// OnAny registers h for every kind.
func (r *Registry) OnAny(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.any = append(r.any, h)
}

// Dispatch runs every matching handler and joins their errors.
func (r *Registry) Dispatch(ctx context.Context, e Event) error {
	r.mu.RLock()
	handlers := append(append([]Handler(nil), r.handlers[e.Kind()]...), r.any...)
	r.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h.Handle(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AsyncSink buffers events and dispatches them from a background goroutine
// while Started. Events sent while the buffer is full or the sink is not
// started are dropped and counted.
type AsyncSink struct {
	*lifecycle.Machine

	registry *Registry
	buffer   chan Event
	logger   logging.ServiceLogger

	mu      sync.Mutex
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

// NewAsyncSink returns a Closed sink dispatching through registry.
func NewAsyncSink(id string, registry *Registry, bufferSize int, logger logging.ServiceLogger) *AsyncSink {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if registry == nil {
		registry = NewRegistry()
	}
	s := &AsyncSink{
		registry: registry,
		buffer:   make(chan Event, bufferSize),
		logger:   logging.ForComponent(logger, "event_sink", id),
	}
	s.Machine = lifecycle.NewMachine(id, lifecycle.Hooks{
		Start: s.onStart,
		Stop:  s.onStop,
	})
	return s
}

func (s *AsyncSink) Send(_ context.Context, e Event) {
	if s.State() != lifecycle.Started {
		s.drop(e, "sink not started")
		return
	}
	select {
	case s.buffer <- e:
	default:
		s.drop(e, "buffer full")
	}
}

// Dropped is the number of events discarded so far.
func (s *AsyncSink) Dropped() uint64 { return s.dropped.Load() }

func (s *AsyncSink) drop(e Event, reason string) {
	s.dropped.Add(1)
	s.logger.Debug("Dropping event", logging.LogFields{"type": e.Type, "reason": reason})
}

func (s *AsyncSink) onStart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := make(chan struct{})
	s.done = done
	s.wg.Add(1)
	go s.loop(context.WithoutCancel(ctx), done)
	return nil
}

func (s *AsyncSink) onStop(context.Context) error {
	s.mu.Lock()
	done := s.done
	s.done = nil
	s.mu.Unlock()

	if done != nil {
		close(done)
	}
	s.wg.Wait()
	return nil
}

func (s *AsyncSink) loop(ctx context.Context, done <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case e := <-s.buffer:
			s.dispatch(ctx, e)
		case <-done:
			for {
				select {
				case e := <-s.buffer:
					s.dispatch(ctx, e)
				default:
					return
				}
			}
		}
	}
}

func (s *AsyncSink) dispatch(ctx context.Context, e Event) {
	if err := s.registry.Dispatch(ctx, e); err != nil {
		s.logger.Error("Event handler failed", err, logging.LogFields{"type": e.Type, "id": e.ID})
	}
}

// PublisherHandler publishes serialized events to a Watermill topic.
type PublisherHandler struct {
	Publisher  wmmessage.Publisher
	Topic      string
	Serializer Serializer
}

func (h PublisherHandler) Handle(ctx context.Context, e Event) error {
	payload, err := h.Serializer.Marshal(e)
	if err != nil {
		return err
	}
	msg := wmmessage.NewMessage(e.ID, payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("content-type", h.Serializer.ContentType())
	msg.Metadata.Set("ce_type", e.Type)
	msg.Metadata.Set("ce_source", e.Source)
	return h.Publisher.Publish(h.Topic, msg)
}

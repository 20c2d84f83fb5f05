package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/drblury/flowadapter/internal/runtime/event"
	"github.com/drblury/flowadapter/internal/runtime/lifecycle"
	"github.com/drblury/flowadapter/internal/runtime/message"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func recordingHooks(id string, rec *recorder) lifecycle.Hooks {
	hook := func(op string) func(context.Context) error {
		return func(context.Context) error {
			rec.add(op + ":" + id)
			return nil
		}
	}
	return lifecycle.Hooks{Init: hook("init"), Start: hook("start"), Stop: hook("stop"), Close: hook("close")}
}

type fakeConsumer struct {
	*lifecycle.Machine
	listener Listener
	location string
}

func newFakeConsumer(id string, rec *recorder) *fakeConsumer {
	return &fakeConsumer{Machine: lifecycle.NewMachine(id, recordingHooks(id, rec))}
}

func (c *fakeConsumer) SetListener(l Listener)     { c.listener = l }
func (c *fakeConsumer) ConsumeLocationKey() string { return c.location }

func (c *fakeConsumer) deliver(ctx context.Context, msg *message.Message) {
	c.listener.OnMessage(ctx, msg)
}

type fakeProducer struct {
	*lifecycle.Machine
	dest string
	fn   func(msg *message.Message) error

	mu        sync.Mutex
	produced  []*message.Message
	endpoints []string
}

func newFakeProducer(id string, rec *recorder) *fakeProducer {
	return &fakeProducer{Machine: lifecycle.NewMachine(id, recordingHooks(id, rec)), dest: "out"}
}

func (p *fakeProducer) Destination() string { return p.dest }

func (p *fakeProducer) Produce(_ context.Context, msg *message.Message, endpoint string) error {
	if p.fn != nil {
		if err := p.fn(msg); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.produced = append(p.produced, msg)
	p.endpoints = append(p.endpoints, endpoint)
	return nil
}

func (p *fakeProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.produced)
}

func (p *fakeProducer) last() (*message.Message, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.produced) == 0 {
		return nil, ""
	}
	return p.produced[len(p.produced)-1], p.endpoints[len(p.endpoints)-1]
}

type capturingHandler struct {
	ch chan *message.Message
}

func newCapturingHandler() *capturingHandler {
	return &capturingHandler{ch: make(chan *message.Message, 64)}
}

func (h *capturingHandler) HandleError(_ context.Context, msg *message.Message) {
	h.ch <- msg
}

func (h *capturingHandler) next(timeout time.Duration) *message.Message {
	select {
	case msg := <-h.ch:
		return msg
	case <-time.After(timeout):
		return nil
	}
}

type capturingSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *capturingSink) Send(_ context.Context, e event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *capturingSink) list() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Event(nil), s.events...)
}

type recordingInterceptor struct {
	mu     sync.Mutex
	starts int
	errs   []error
}

func (i *recordingInterceptor) WorkflowStart(ctx context.Context, _ string, _ *message.Message) context.Context {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.starts++
	return ctx
}

func (i *recordingInterceptor) WorkflowEnd(_ context.Context, _ string, _, _ *message.Message, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.errs = append(i.errs, err)
}

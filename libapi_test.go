package flowadapter

import (
	"context"
	"errors"
	"testing"
	"time"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"
)

func TestBuiltinTransportsAreRegistered(t *testing.T) {
	for _, name := range []string{"channel", "kafka", "rabbitmq", "nats", "nats-jetstream", "http", "io", "aws"} {
		if !DefaultTransportRegistry.Has(name) {
			t.Fatalf("expected transport %q to be registered", name)
		}
	}
}

func TestRetryLimitExports(t *testing.T) {
	if !Unbounded().IsUnbounded() {
		t.Fatal("expected unbounded limit")
	}
	if !Bounded(2).Exhausted(2) {
		t.Fatal("expected bounded limit to be exhausted after 2 attempts")
	}
}

func TestAdapterEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := DefaultConfig()
	conn, err := NewTransportConnection("memory", &cfg)
	if err != nil {
		t.Fatalf("connection: %v", err)
	}
	consumer, err := NewTransportConsumer("orders-in", conn, "orders.incoming", nil)
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	producer, err := NewTransportProducer("orders-out", conn, "orders.%message{region}")
	if err != nil {
		t.Fatalf("producer: %v", err)
	}
	chain, err := NewSequence("enrich", []Service{
		NewAddMetadata("stamp", map[string]string{"source_size": "%message{%size}"}, nil),
	})
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	wf, err := NewStandardWorkflow("orders", WorkflowOptions{Consumer: consumer, Producer: producer, Chain: chain})
	if err != nil {
		t.Fatalf("workflow: %v", err)
	}
	deadLetters, err := NewSequence("dead-letters", nil)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	channel, err := NewChannel("orders", ChannelOptions{
		Connections:  []Component{conn},
		Workflows:    []Workflow{wf},
		ErrorHandler: NewDeadLetterHandler("orders-errors", DeadLetterOptions{DeadLetter: deadLetters}),
	})
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	a, err := NewAdapter("adapter", AdapterOptions{Channels: []*Channel{channel}})
	if err != nil {
		t.Fatalf("adapter: %v", err)
	}

	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer a.Close(ctx)

	tr, err := conn.Transport()
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	out, err := tr.Subscriber.Subscribe(ctx, "orders.eu")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	in := wmmessage.NewMessage("order-1", []byte("12345"))
	in.Metadata.Set("region", "eu")
	if err := tr.Publisher.Publish("orders.incoming", in); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case wm := <-out:
		wm.Ack()
		if got := wm.Metadata.Get("source_size"); got != "5" {
			t.Fatalf("expected source_size 5, got %q", got)
		}
		if got := wm.Metadata.Get(MetadataKeyWorkflowID); got != "orders" {
			t.Fatalf("expected workflow id orders, got %q", got)
		}
	case <-ctx.Done():
		t.Fatal("message was not produced")
	}
}

func TestErrorExports(t *testing.T) {
	err := &LifecycleError{Component: "c", Op: "start", Err: ErrNotStarted}
	if !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected lifecycle error to unwrap, got %v", err)
	}
}

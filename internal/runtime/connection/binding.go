package connection

import (
	"context"
	"fmt"
	"sync"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowadapter/internal/runtime/errors"
	"github.com/drblury/flowadapter/internal/runtime/lifecycle"
	"github.com/drblury/flowadapter/internal/runtime/logging"
	"github.com/drblury/flowadapter/internal/runtime/message"
	"github.com/drblury/flowadapter/internal/runtime/metadata"
	"github.com/drblury/flowadapter/internal/runtime/workflow"
)

// Consumer subscribes to one topic of a transport connection and hands every
// message to its listener. Messages are acked once the listener returns:
// processing failures are routed by the workflow, never redelivered.
type Consumer struct {
	*lifecycle.Machine

	conn   *TransportConnection
	topic  string
	logger logging.ServiceLogger

	mu       sync.Mutex
	listener workflow.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewConsumer builds a Closed consumer. It joins conn's listener set when
// its workflow is prepared.
func NewConsumer(id string, conn *TransportConnection, topic string, logger logging.ServiceLogger) (*Consumer, error) {
	if conn == nil {
		return nil, errors.ErrTransportRequired
	}
	if topic == "" {
		return nil, errors.NewConfigurationError("consumer.topic", "must not be empty")
	}
	c := &Consumer{
		conn:   conn,
		topic:  topic,
		logger: logging.ForComponent(logger, "consumer", id),
	}
	c.Machine = lifecycle.NewMachine(id, lifecycle.Hooks{Start: c.subscribe, Stop: c.unsubscribe})
	return c, nil
}

func (c *Consumer) SetListener(l workflow.Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// ConsumeLocationKey is the subscribed topic.
func (c *Consumer) ConsumeLocationKey() string { return c.topic }

func (c *Consumer) Prepare(workflow.PrepareContext) error {
	return c.conn.AddListener(c)
}

func (c *Consumer) subscribe(ctx context.Context) error {
	tr, err := c.conn.Transport()
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	msgs, err := tr.Subscriber.Subscribe(runCtx, c.topic)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", c.topic, err)
	}
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel, c.done = cancel, done
	c.mu.Unlock()

	go c.consume(runCtx, msgs, done)
	c.logger.Debug("Subscribed", logging.LogFields{"topic": c.topic})
	return nil
}

func (c *Consumer) consume(ctx context.Context, msgs <-chan *wmmessage.Message, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case wm, ok := <-msgs:
			if !ok {
				return
			}
			c.dispatch(ctx, wm)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, wm *wmmessage.Message) {
	defer wm.Ack()

	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l == nil {
		c.logger.Error("No listener, dropping message", errors.ErrNotStarted, logging.LogFields{logging.FieldMessageID: wm.UUID})
		return
	}
	msg := message.New(wm.Payload,
		message.WithID(wm.UUID),
		message.WithMetadata(metadata.FromWatermill(wm.Metadata)),
	)
	l.OnMessage(ctx, msg)
}

func (c *Consumer) unsubscribe(context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// Producer publishes messages to a topic of a transport connection. The
// destination may reference message content and is resolved by the
// workflow before Produce is called.
type Producer struct {
	*lifecycle.Machine

	conn        *TransportConnection
	destination string
}

func NewProducer(id string, conn *TransportConnection, destination string) (*Producer, error) {
	if conn == nil {
		return nil, errors.ErrTransportRequired
	}
	if destination == "" {
		return nil, errors.NewConfigurationError("producer.destination", "must not be empty")
	}
	return &Producer{
		Machine:     lifecycle.NewMachine(id, lifecycle.Hooks{}),
		conn:        conn,
		destination: destination,
	}, nil
}

func (p *Producer) Destination() string { return p.destination }

func (p *Producer) Prepare(workflow.PrepareContext) error {
	return p.conn.AddListener(p)
}

// Produce publishes msg with its payload and its wire metadata. The
// watermill message id is the message's unique id.
func (p *Producer) Produce(ctx context.Context, msg *message.Message, endpoint string) error {
	if p.State() != lifecycle.Started {
		return &errors.LifecycleError{Component: p.UniqueID(), Op: "produce", Err: errors.ErrNotStarted}
	}
	caps := p.conn.Capabilities()
	if !caps.Fits(msg.Size()) {
		return fmt.Errorf("message of %d bytes exceeds the %s limit of %d", msg.Size(), caps.Name, caps.MaxMessageSize)
	}
	tr, err := p.conn.Transport()
	if err != nil {
		return err
	}
	wm := wmmessage.NewMessage(msg.UniqueID(), msg.Payload())
	wm.Metadata = metadata.ToWatermill(msg.WireMetadata())
	wm.SetContext(ctx)
	return tr.Publisher.Publish(endpoint, wm)
}

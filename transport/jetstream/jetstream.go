// Package jetstream registers the NATS JetStream transport. Topics map to
// subjects of a single stream and are consumed through durable pull consumers
// with explicit acknowledgement, so a nacked message is redelivered until the
// consumer's delivery limit is reached. Disconnects are reported on
// Transport.Errors the same way the core NATS transport does.
package jetstream

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/flowadapter/transport"
	flownats "github.com/drblury/flowadapter/transport/nats"
)

const TransportName = "nats-jetstream"

const (
	DefaultStream     = "FLOWADAPTER"
	DefaultMaxDeliver = 3
	DefaultAckWait    = 30 * time.Second

	fetchBatch = 10
	fetchWait  = time.Second
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = stderrors.New("jetstream: transport is closed")

// Connect opens the NATS connection. Tests replace it.
var Connect = func(url string, options ...natsgo.Option) (*natsgo.Conn, error) {
	return natsgo.Connect(url, options...)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build connects to cfg.GetNATSURL and makes sure the stream exists.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	errs, options := flownats.ReportDisconnects(url, logger)
	t, err := New(Config{URL: url, Stream: cfg.GetNATSStream()}, logger, options...)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
		Errors:     errs,
	}, nil
}

func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds the JetStream specific settings.
type Config struct {
	URL string
	// Stream names the stream; every subject is prefixed with it.
	Stream     string
	MaxDeliver int
	AckWait    time.Duration
	Replicas   int
	// Retention is "limits" (default), "interest" or "workqueue".
	Retention string
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

func (c Config) retention() natsgo.RetentionPolicy {
	switch c.Retention {
	case "interest":
		return natsgo.InterestPolicy
	case "workqueue":
		return natsgo.WorkQueuePolicy
	default:
		return natsgo.LimitsPolicy
	}
}

func (c Config) subject(topic string) string {
	return c.Stream + "." + topic
}

var durableReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// durable is the consumer name for topic. Durable names may not contain
// subject tokens.
func (c Config) durable(topic string) string {
	return "consumer_" + durableReplacer.Replace(topic)
}

// Transport is both the publisher and the subscriber.
type Transport struct {
	nc     *natsgo.Conn
	js     natsgo.JetStreamContext
	cfg    Config
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	subs   []*natsgo.Subscription
	closed chan struct{}
	once   sync.Once
}

// New connects and creates or updates the stream.
func New(cfg Config, logger watermill.LoggerAdapter, options ...natsgo.Option) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := Connect(cfg.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("jetstream: connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: context: %w", err)
	}

	t := &Transport{
		nc:     nc,
		js:     js,
		cfg:    cfg,
		logger: logger,
		closed: make(chan struct{}),
	}
	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &natsgo.StreamConfig{
		Name:      t.cfg.Stream,
		Subjects:  []string{t.cfg.Stream + ".>"},
		Retention: t.cfg.retention(),
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  t.cfg.Replicas,
	}
	_, err := t.js.AddStream(streamCfg)
	if stderrors.Is(err, natsgo.ErrStreamNameAlreadyInUse) {
		_, err = t.js.UpdateStream(streamCfg)
	}
	if err != nil {
		return fmt.Errorf("jetstream: stream %s: %w", t.cfg.Stream, err)
	}
	return nil
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// Publish stores every message in the stream. The watermill UUID travels as
// the JetStream message id, which also deduplicates republished messages.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}
	subject := t.cfg.subject(topic)
	for _, msg := range messages {
		header := natsgo.Header{}
		for k, v := range msg.Metadata {
			header.Set(k, v)
		}
		header.Set(natsgo.MsgIdHdr, msg.UUID)

		if _, err := t.js.PublishMsg(&natsgo.Msg{Subject: subject, Data: msg.Payload, Header: header}); err != nil {
			return fmt.Errorf("jetstream: publish to %s: %w", subject, err)
		}
	}
	return nil
}

// Subscribe binds a durable pull consumer to topic and delivers its messages
// one at a time. The next message is fetched only once the current one is
// acked or nacked.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	subject := t.cfg.subject(topic)
	durable := t.cfg.durable(topic)

	consumerCfg := &natsgo.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     natsgo.AckExplicitPolicy,
		AckWait:       t.cfg.AckWait,
		MaxDeliver:    t.cfg.MaxDeliver,
		DeliverPolicy: natsgo.DeliverAllPolicy,
	}
	if _, err := t.js.AddConsumer(t.cfg.Stream, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.cfg.Stream, consumerCfg); err != nil {
			return nil, fmt.Errorf("jetstream: consumer %s: %w", durable, err)
		}
	}

	sub, err := t.js.PullSubscribe(subject, durable, natsgo.Bind(t.cfg.Stream, durable))
	if err != nil {
		return nil, fmt.Errorf("jetstream: subscribe to %s: %w", subject, err)
	}
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	out := make(chan *message.Message)
	go t.fetch(ctx, sub, out, topic)
	return out, nil
}

func (t *Transport) fetch(ctx context.Context, sub *natsgo.Subscription, out chan<- *message.Message, topic string) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		default:
		}

		msgs, err := sub.Fetch(fetchBatch, natsgo.MaxWait(fetchWait))
		switch {
		case err == nil:
		case stderrors.Is(err, natsgo.ErrTimeout), stderrors.Is(err, context.DeadlineExceeded):
			continue
		case stderrors.Is(err, natsgo.ErrConnectionClosed), stderrors.Is(err, natsgo.ErrBadSubscription):
			return
		default:
			t.logger.Error("JetStream fetch failed", err, watermill.LogFields{"topic": topic})
			select {
			case <-ctx.Done():
				return
			case <-t.closed:
				return
			case <-time.After(fetchWait):
			}
			continue
		}

		for _, natsMsg := range msgs {
			if !t.deliver(ctx, out, natsMsg) {
				return
			}
		}
	}
}

// deliver hands one message to the subscriber and relays its ack or nack.
// It reports false when the subscription is shutting down.
func (t *Transport) deliver(ctx context.Context, out chan<- *message.Message, natsMsg *natsgo.Msg) bool {
	msg := toWatermill(natsMsg)
	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	case <-t.closed:
		return false
	}

	select {
	case <-msg.Acked():
		if err := natsMsg.Ack(); err != nil {
			t.logger.Error("JetStream ack failed", err, watermill.LogFields{"uuid": msg.UUID})
		}
	case <-msg.Nacked():
		if err := natsMsg.Nak(); err != nil {
			t.logger.Error("JetStream nak failed", err, watermill.LogFields{"uuid": msg.UUID})
		}
	case <-ctx.Done():
		return false
	case <-t.closed:
		return false
	}
	return true
}

func toWatermill(natsMsg *natsgo.Msg) *message.Message {
	uuid := natsMsg.Header.Get(natsgo.MsgIdHdr)
	if uuid == "" {
		uuid = watermill.NewUUID()
	}
	msg := message.NewMessage(uuid, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == natsgo.MsgIdHdr || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}

// Close stops every subscription and closes the connection.
func (t *Transport) Close() error {
	t.once.Do(func() {
		close(t.closed)
		t.mu.Lock()
		subs := t.subs
		t.subs = nil
		t.mu.Unlock()
		for _, sub := range subs {
			if err := sub.Unsubscribe(); err != nil {
				t.logger.Debug("JetStream unsubscribe failed", watermill.LogFields{"error": err.Error()})
			}
		}
		t.nc.Close()
	})
	return nil
}

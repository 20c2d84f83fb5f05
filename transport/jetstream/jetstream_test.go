package jetstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowadapter/internal/runtime/config"
	"github.com/drblury/flowadapter/transport"
)

func jetStreamConfig() *config.Config {
	cfg := config.Default()
	cfg.Transport.PubSubSystem = TransportName
	cfg.Transport.NATSURL = "nats://localhost:4222"
	cfg.Transport.NATSStream = "ORDERS"
	return &cfg
}

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	caps := Capabilities()
	assert.Equal(t, "nats-jetstream", caps.Name)
	assert.True(t, caps.SupportsReliableDelivery())
	assert.True(t, caps.ReportsConnectionErrors)
	assert.False(t, caps.RequiresDLQEmulation())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultStream, cfg.Stream)
	assert.Equal(t, DefaultMaxDeliver, cfg.MaxDeliver)
	assert.Equal(t, DefaultAckWait, cfg.AckWait)
	assert.Equal(t, 1, cfg.Replicas)
	assert.Equal(t, natsgo.LimitsPolicy, cfg.retention())

	cfg = Config{Stream: "ORDERS", MaxDeliver: 7, AckWait: time.Second, Replicas: 3, Retention: "workqueue"}.withDefaults()
	assert.Equal(t, "ORDERS", cfg.Stream)
	assert.Equal(t, 7, cfg.MaxDeliver)
	assert.Equal(t, natsgo.WorkQueuePolicy, cfg.retention())
	assert.Equal(t, natsgo.InterestPolicy, Config{Retention: "interest"}.retention())
}

func TestSubjectsAndDurables(t *testing.T) {
	cfg := Config{Stream: "ORDERS"}
	assert.Equal(t, "ORDERS.orders.eu", cfg.subject("orders.eu"))
	assert.Equal(t, "consumer_orders_eu", cfg.durable("orders.eu"))
	assert.Equal(t, "consumer_orders___", cfg.durable("orders.*.>"))
}

func TestToWatermill(t *testing.T) {
	header := natsgo.Header{}
	header.Set(natsgo.MsgIdHdr, "order-1")
	header.Set("region", "eu")
	header.Set("_flowadapter_workflow_id", "orders")

	msg := toWatermill(&natsgo.Msg{Data: []byte("payload"), Header: header})
	assert.Equal(t, "order-1", msg.UUID)
	assert.Equal(t, "payload", string(msg.Payload))
	assert.Equal(t, "eu", msg.Metadata.Get("region"))
	assert.Equal(t, "orders", msg.Metadata.Get("_flowadapter_workflow_id"))
	assert.Empty(t, msg.Metadata.Get(natsgo.MsgIdHdr))

	anonymous := toWatermill(&natsgo.Msg{Data: []byte("x")})
	assert.NotEmpty(t, anonymous.UUID)
}

func TestBuildReportsDisconnects(t *testing.T) {
	orig := Connect
	t.Cleanup(func() { Connect = orig })

	refused := errors.New("connection refused")
	var gotURL string
	var gotOptions []natsgo.Option
	Connect = func(url string, options ...natsgo.Option) (*natsgo.Conn, error) {
		gotURL, gotOptions = url, options
		return nil, refused
	}

	_, err := transport.Build(context.Background(), jetStreamConfig(), watermill.NopLogger{})
	require.ErrorIs(t, err, refused)
	assert.Equal(t, "nats://localhost:4222", gotURL)

	opts := natsgo.GetDefaultOptions()
	for _, o := range gotOptions {
		require.NoError(t, o(&opts))
	}
	assert.NotNil(t, opts.DisconnectedErrCB, "disconnects are forwarded to the connection")
}

func TestClosedTransportRejectsUse(t *testing.T) {
	tr := &Transport{cfg: Config{}.withDefaults(), logger: watermill.NopLogger{}, closed: make(chan struct{})}
	close(tr.closed)

	assert.ErrorIs(t, tr.Publish("orders"), ErrClosed)
	_, err := tr.Subscribe(context.Background(), "orders")
	assert.ErrorIs(t, err, ErrClosed)
}

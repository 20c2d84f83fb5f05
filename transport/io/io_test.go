package io

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowadapter/internal/runtime/config"
	"github.com/drblury/flowadapter/transport"
)

func fileTransport(t *testing.T) (transport.Transport, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "messages.log")
	cfg := config.Default()
	cfg.Transport.PubSubSystem = TransportName
	cfg.Transport.IOFile = path
	tr, err := transport.Build(context.Background(), &cfg, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, path
}

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "subscription closed")
		msg.Ack()
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	caps := Capabilities()
	assert.Equal(t, "io", caps.Name)
	assert.True(t, caps.SupportsOrdering)
	assert.True(t, caps.RequiresDLQEmulation())
}

func TestPublishAndSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr, _ := fileTransport(t)

	first := message.NewMessage("order-1", []byte(`{"id":1}`))
	first.Metadata.Set("region", "eu")
	require.NoError(t, tr.Publisher.Publish("orders", first))
	require.NoError(t, tr.Publisher.Publish("audit", message.NewMessage("audit-1", []byte("skip"))))

	ch, err := tr.Subscriber.Subscribe(ctx, "orders")
	require.NoError(t, err)

	got := receive(t, ch)
	assert.Equal(t, "order-1", got.UUID)
	assert.JSONEq(t, `{"id":1}`, string(got.Payload))
	assert.Equal(t, "eu", got.Metadata.Get("region"))

	require.NoError(t, tr.Publisher.Publish("orders",
		message.NewMessage("order-2", []byte("2")),
		message.NewMessage("order-3", []byte("3")),
	))
	assert.Equal(t, "order-2", receive(t, ch).UUID)
	assert.Equal(t, "order-3", receive(t, ch).UUID)
}

func TestPartialLinesWaitForTheirNewline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr, path := fileTransport(t)

	ch, err := tr.Subscriber.Subscribe(ctx, "orders")
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(`{"uuid":"order-1","topic":"orders",`)
	require.NoError(t, err)
	time.Sleep(3 * PollInterval)
	_, err = f.WriteString(`"payload":"eA=="}` + "\n")
	require.NoError(t, err)

	got := receive(t, ch)
	assert.Equal(t, "order-1", got.UUID)
	assert.Equal(t, "x", string(got.Payload))
}

func TestUnreadableRecordsAreSkipped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr, path := fileTransport(t)
	require.NoError(t, os.WriteFile(path, []byte("not json\n"), 0o600))
	require.NoError(t, tr.Publisher.Publish("orders", message.NewMessage("order-1", []byte("1"))))

	ch, err := tr.Subscriber.Subscribe(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "order-1", receive(t, ch).UUID)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	tr, _ := fileTransport(t)
	ch, err := tr.Subscriber.Subscribe(context.Background(), "orders")
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}

	assert.ErrorIs(t, tr.Publisher.Publish("orders", message.NewMessage("x", nil)), ErrClosed)
	_, err = tr.Subscriber.Subscribe(context.Background(), "orders")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDefaultFile(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.PubSubSystem = TransportName
	tr, err := Build(context.Background(), &cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultFile, tr.Publisher.(*Publisher).path)
}

// Package nats registers the NATS core transport. Disconnects reported by the
// NATS client are forwarded on Transport.Errors so the owning connection can
// raise them to its exception handlers.
package nats

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/flowadapter/transport"
)

const TransportName = "nats"

// PublisherFactory and SubscriberFactory build the watermill pair. Tests
// replace them.
var (
	PublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return wmnats.NewPublisher(cfg, logger)
	}
	SubscriberFactory = func(cfg wmnats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return wmnats.NewSubscriber(cfg, logger)
	}
)

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build connects a publisher and a subscriber to cfg.GetNATSURL with
// JetStream disabled.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	marshaler := &wmnats.NATSMarshaler{}
	errs, options := ReportDisconnects(url, logger)
	disabled := wmnats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(wmnats.PublisherConfig{
		URL:         url,
		NatsOptions: options,
		Marshaler:   marshaler,
		JetStream:   disabled,
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(wmnats.SubscriberConfig{
		URL:         url,
		NatsOptions: options,
		Unmarshaler: marshaler,
		JetStream:   disabled,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Errors:     errs,
	}, nil
}

// ReportDisconnects returns connection options that forward disconnect errors
// to the returned channel. One error is buffered; later ones are dropped
// until it is read.
func ReportDisconnects(url string, logger watermill.LoggerAdapter) (<-chan error, []natsgo.Option) {
	errs := make(chan error, 1)
	return errs, []natsgo.Option{
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err == nil {
				return
			}
			logger.Error("NATS connection lost", err, watermill.LogFields{"url": url})
			select {
			case errs <- err:
			default:
			}
		}),
	}
}

func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}

// Package http registers the HTTP transport: messages are published as POST
// requests to the publisher base URL plus the topic, and consumed by an HTTP
// server listening on the configured address.
package http

import (
	"context"
	stderrors "errors"
	nethttp "net/http"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowadapter/transport"
)

const TransportName = "http"

// PublisherFactory and SubscriberFactory build the watermill pair. Tests
// replace them.
var (
	PublisherFactory = func(cfg http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return http.NewPublisher(cfg, logger)
	}
	SubscriberFactory = func(addr string, cfg http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return http.NewSubscriber(addr, cfg, logger)
	}
)

// server is the part of the watermill HTTP subscriber that runs its listener.
type server interface {
	StartHTTPServer() error
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates the pair and starts the subscriber's server in the
// background. A server that stops for any reason other than Close is
// reported on Transport.Errors.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	base := cfg.GetHTTPPublisherURL()

	publisher, err := PublisherFactory(http.PublisherConfig{
		MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
			return http.DefaultMarshalMessageFunc(base+topic, msg)
		},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(cfg.GetHTTPServerAddress(), http.SubscriberConfig{
		UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	tr := transport.Transport{Publisher: publisher, Subscriber: subscriber}
	if srv, ok := subscriber.(server); ok {
		errs := make(chan error, 1)
		tr.Errors = errs
		go func() {
			err := srv.StartHTTPServer()
			if err == nil || stderrors.Is(err, nethttp.ErrServerClosed) {
				return
			}
			logger.Error("HTTP subscriber server stopped", err, watermill.LogFields{"address": cfg.GetHTTPServerAddress()})
			errs <- err
		}()
	}
	return tr, nil
}

func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}

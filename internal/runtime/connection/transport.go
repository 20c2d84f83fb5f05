package connection

import (
	"context"
	"sync"

	"github.com/drblury/flowadapter/internal/runtime/errors"
	"github.com/drblury/flowadapter/internal/runtime/lifecycle"
	"github.com/drblury/flowadapter/internal/runtime/logging"
	"github.com/drblury/flowadapter/transport"
)

// Option configures a TransportConnection.
type Option func(*TransportConnection)

// WithRegistry builds the transport from r instead of the default registry.
func WithRegistry(r *transport.Registry) Option {
	return func(c *TransportConnection) {
		if r != nil {
			c.registry = r
		}
	}
}

func WithLogger(logger logging.ServiceLogger) Option {
	return func(c *TransportConnection) { c.baseLogger = logger }
}

// WithExceptionHandlers registers handlers at construction.
func WithExceptionHandlers(handlers ...ExceptionHandler) Option {
	return func(c *TransportConnection) { c.initial = append(c.initial, handlers...) }
}

// TransportConnection owns a watermill publisher and subscriber pair built
// from the transport registry. The pair is created on Init and closed on
// Close. While Started, errors the transport reports are raised as
// connection exceptions.
type TransportConnection struct {
	*Connection

	cfg        transport.Config
	registry   *transport.Registry
	baseLogger logging.ServiceLogger
	initial    []ExceptionHandler

	mu        sync.RWMutex
	tr        transport.Transport
	caps      transport.Capabilities
	stopWatch context.CancelFunc
	watchDone chan struct{}
}

// NewTransportConnection returns a Closed connection for the transport cfg
// selects.
func NewTransportConnection(id string, cfg transport.Config, opts ...Option) (*TransportConnection, error) {
	if cfg == nil {
		return nil, errors.ErrTransportRequired
	}
	c := &TransportConnection{cfg: cfg, registry: transport.DefaultRegistry}
	for _, opt := range opts {
		opt(c)
	}
	if !c.registry.Has(cfg.GetPubSubSystem()) {
		return nil, errors.NewConfigurationError("transport.system", "unknown transport "+cfg.GetPubSubSystem())
	}
	c.Connection = New(id, lifecycle.Hooks{
		Init:  c.open,
		Start: c.watch,
		Stop:  c.unwatch,
		Close: c.close,
	}, c.baseLogger)
	for _, h := range c.initial {
		c.AddExceptionHandler(h)
	}
	c.caps = c.registry.GetCapabilities(cfg.GetPubSubSystem())
	return c, nil
}

// Capabilities of the transport behind the connection.
func (c *TransportConnection) Capabilities() transport.Capabilities {
	return c.caps
}

// Transport returns the publisher and subscriber pair. It fails until the
// connection has been initialised.
func (c *TransportConnection) Transport() (transport.Transport, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tr.Publisher == nil {
		return transport.Transport{}, &errors.LifecycleError{Component: c.UniqueID(), Op: "use", Err: errors.ErrNotStarted}
	}
	return c.tr, nil
}

func (c *TransportConnection) open(ctx context.Context) error {
	tr, err := c.registry.Build(ctx, c.cfg, logging.NewWatermillAdapter(c.logger))
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.tr = tr
	c.mu.Unlock()
	c.logger.Info("Transport opened", logging.LogFields{"system": c.cfg.GetPubSubSystem()})
	return nil
}

func (c *TransportConnection) watch(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tr.Errors == nil || c.stopWatch != nil {
		return nil
	}
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.stopWatch, c.watchDone = cancel, done

	go func(errs <-chan error) {
		defer close(done)
		for {
			select {
			case <-watchCtx.Done():
				return
			case err, ok := <-errs:
				if !ok {
					return
				}
				// Handlers may restart this connection, which waits for
				// the watcher, so they run outside of it.
				go func() {
					if herr := c.RaiseException(context.WithoutCancel(watchCtx), err); herr != nil {
						c.logger.Error("Connection exception handling failed", herr, nil)
					}
				}()
			}
		}
	}(c.tr.Errors)
	return nil
}

func (c *TransportConnection) unwatch(context.Context) error {
	c.mu.Lock()
	cancel, done := c.stopWatch, c.watchDone
	c.stopWatch, c.watchDone = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (c *TransportConnection) close(context.Context) error {
	c.mu.Lock()
	tr := c.tr
	c.tr = transport.Transport{}
	c.mu.Unlock()
	return tr.Close()
}

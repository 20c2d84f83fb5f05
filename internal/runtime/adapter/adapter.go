package adapter

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/flowadapter/internal/runtime/config"
	"github.com/drblury/flowadapter/internal/runtime/event"
	"github.com/drblury/flowadapter/internal/runtime/jsoncodec"
	"github.com/drblury/flowadapter/internal/runtime/lifecycle"
	"github.com/drblury/flowadapter/internal/runtime/logging"
	"github.com/drblury/flowadapter/internal/runtime/metrics"
)

// Options configures an Adapter. Every field is optional.
type Options struct {
	Config *config.Config
	// SharedConnections are brought up before any channel and torn down after
	// all of them.
	SharedConnections []lifecycle.Component
	Channels          []*Channel
	// Sink receives lifecycle events. When nil and events are enabled in
	// Config, an asynchronous sink dispatching through EventHandlers is built.
	Sink          event.Sink
	EventHandlers *event.Registry
	// EventPublisher, when set, receives every event serialized in the
	// configured format on the configured topic.
	EventPublisher wmmessage.Publisher
	Codec          *jsoncodec.Codec
	Metrics        *metrics.Metrics
	// Gatherer backs the metrics endpoint. Defaults to the Prometheus default
	// gatherer.
	Gatherer prometheus.Gatherer
	Strategy lifecycle.Strategy
	Logger   logging.ServiceLogger
}

// Adapter is the root of the component tree. Start order is event sink,
// shared connections, then channels; stop runs in reverse.
type Adapter struct {
	*lifecycle.Machine

	cfg      config.Config
	shared   *lifecycle.Collection[lifecycle.Component]
	channels *lifecycle.Collection[*Channel]
	sink     event.Sink
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	cascade  *lifecycle.Cascade
	logger   logging.ServiceLogger

	serverMu sync.Mutex
	server   *http.Server
}

// New returns a Closed adapter.
func New(id string, opts Options) (*Adapter, error) {
	cfg := config.Default()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	shared, err := lifecycle.NewCollection(opts.SharedConnections...)
	if err != nil {
		return nil, err
	}
	channels, err := lifecycle.NewCollection(opts.Channels...)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		cfg:      cfg,
		shared:   shared,
		channels: channels,
		metrics:  opts.Metrics,
		gatherer: opts.Gatherer,
		logger:   logging.ForComponent(opts.Logger, "adapter", id),
	}
	if a.metrics == nil && cfg.Metrics.Enabled {
		a.metrics = metrics.New(cfg.Metrics.Namespace, nil)
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}
	a.sink, err = a.buildSink(id, opts)
	if err != nil {
		return nil, err
	}
	a.cascade = lifecycle.NewCascade(opts.Strategy, a.logger)
	a.Machine = lifecycle.NewMachine(id, lifecycle.Hooks{
		Init:  a.onInit,
		Start: a.onStart,
		Stop:  a.onStop,
		Close: a.onClose,
	})
	return a, nil
}

func (a *Adapter) buildSink(id string, opts Options) (event.Sink, error) {
	if opts.Sink != nil {
		return opts.Sink, nil
	}
	if !a.cfg.Events.Enabled {
		return event.NopSink{}, nil
	}
	registry := opts.EventHandlers
	if registry == nil {
		registry = event.NewRegistry()
	}
	if opts.EventPublisher != nil {
		serializer, err := event.SerializerFor(a.cfg.Events.Format, opts.Codec)
		if err != nil {
			return nil, err
		}
		registry.OnAny(event.PublisherHandler{
			Publisher:  opts.EventPublisher,
			Topic:      a.cfg.Events.Topic,
			Serializer: serializer,
		})
	}
	return event.NewAsyncSink(id+"-events", registry, a.cfg.Events.BufferSize, a.logger), nil
}

// Sink is where the adapter and its channels send events.
func (a *Adapter) Sink() event.Sink { return a.sink }

// Metrics returns the collectors shared with channels and workflows, or nil.
func (a *Adapter) Metrics() *metrics.Metrics { return a.metrics }

func (a *Adapter) Channels() []*Channel { return a.channels.Items() }

func (a *Adapter) Channel(id string) (*Channel, bool) { return a.channels.Get(id) }

func (a *Adapter) SharedConnections() []lifecycle.Component { return a.shared.Items() }

// RestartChannel restarts the channel registered under id.
func (a *Adapter) RestartChannel(ctx context.Context, id string) error {
	ch, ok := a.channels.Get(id)
	if !ok {
		return fmt.Errorf("adapter: unknown channel %q", id)
	}
	return ch.Restart(ctx)
}

func (a *Adapter) children() []lifecycle.Component {
	children := lifecycle.Components([]event.Sink{a.sink})
	children = append(children, a.shared.Items()...)
	return append(children, lifecycle.Components(a.channels.Items())...)
}

func (a *Adapter) onInit(ctx context.Context) error {
	if err := a.metrics.Register(); err != nil {
		return err
	}
	for _, ch := range a.channels.Items() {
		ch.setSink(a.sink)
	}
	return a.cascade.Init(ctx, a.children()...)
}

func (a *Adapter) onStart(ctx context.Context) error {
	if err := a.cascade.Start(ctx, a.children()...); err != nil {
		return err
	}
	a.serveMetrics()
	a.logger.Info("Adapter started", logging.LogFields{
		"channels":           a.channels.Len(),
		"shared_connections": a.shared.Len(),
	})
	a.sink.Send(ctx, event.New(event.KindAdapterStart, a.UniqueID(), map[string]any{
		"channels": channelIDs(a.channels.Items()),
	}))
	return nil
}

func (a *Adapter) onStop(ctx context.Context) error {
	a.sink.Send(ctx, event.New(event.KindAdapterStop, a.UniqueID(), nil))
	a.cascade.Stop(ctx, reversed(a.children())...)
	a.shutdownMetrics(ctx)
	a.logger.Info("Adapter stopped", nil)
	return nil
}

func (a *Adapter) onClose(ctx context.Context) error {
	a.cascade.Close(ctx, reversed(a.children())...)
	return nil
}

func (a *Adapter) serveMetrics() {
	if a.metrics == nil || a.cfg.Metrics.Port == 0 {
		return
	}
	a.serverMu.Lock()
	defer a.serverMu.Unlock()
	if a.server != nil {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", a.cfg.Metrics.Port)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	a.server = server

	a.logger.Info("Starting metrics server", logging.LogFields{"address": addr})
	go func() {
		if err := server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", err, logging.LogFields{"address": addr})
		}
	}()
}

func (a *Adapter) shutdownMetrics(ctx context.Context) {
	a.serverMu.Lock()
	server := a.server
	a.server = nil
	a.serverMu.Unlock()
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		a.logger.Error("Metrics server shutdown failed", err, nil)
	}
}

func channelIDs(channels []*Channel) []any {
	out := make([]any, 0, len(channels))
	for _, ch := range channels {
		out = append(out, ch.UniqueID())
	}
	return out
}

package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowadapter/internal/runtime/config"
	ferrors "github.com/drblury/flowadapter/internal/runtime/errors"
	"github.com/drblury/flowadapter/internal/runtime/event"
	"github.com/drblury/flowadapter/internal/runtime/lifecycle"
	"github.com/drblury/flowadapter/internal/runtime/message"
	"github.com/drblury/flowadapter/internal/runtime/metrics"
	"github.com/drblury/flowadapter/internal/runtime/service"
)

func newChain(t *testing.T, services ...service.Service) service.Chain {
	t.Helper()
	chain, err := service.NewSequence("chain", services)
	require.NoError(t, err)
	return chain
}

func tagService(key, value string) service.Service {
	return service.NewFunc("tag-"+key, func(_ context.Context, msg *message.Message) error {
		msg.AddMetadata(key, value)
		return nil
	})
}

type standardFixture struct {
	wf       *Standard
	consumer *fakeConsumer
	producer *fakeProducer
	handler  *capturingHandler
}

func newStandardFixture(t *testing.T, opts Options) standardFixture {
	t.Helper()
	f := standardFixture{
		consumer: newFakeConsumer("consumer", nil),
		producer: newFakeProducer("producer", nil),
		handler:  newCapturingHandler(),
	}
	opts.Consumer = f.consumer
	opts.Producer = f.producer
	if opts.ErrorHandler == nil {
		opts.ErrorHandler = f.handler
	}
	wf, err := NewStandard("wf", opts)
	require.NoError(t, err)
	f.wf = wf
	return f
}

func TestStandardProcessesMessage(t *testing.T) {
	ctx := context.Background()
	sink := &capturingSink{}
	var done atomic.Int32

	f := newStandardFixture(t, Options{
		Chain:     newChain(t, tagService("enriched", "yes")),
		Callbacks: Callbacks{OnJobDone: func(Job) { done.Add(1) }},
		Config:    config.Workflow{SendEvents: true},
	})
	f.consumer.location = "queue-name"
	f.producer.dest = "topic-%message{region}"
	require.NoError(t, f.wf.Prepare(PrepareContext{ChannelID: "ch", Sink: sink}))
	require.NoError(t, f.wf.Start(ctx))

	msg := message.NewString("hello", message.WithMetadata(map[string]string{"region": "eu"}))
	f.consumer.deliver(ctx, msg)

	produced, endpoint := f.producer.last()
	require.NotNil(t, produced)
	assert.Equal(t, "topic-eu", endpoint)
	assert.Equal(t, "yes", produced.MetadataValue("enriched"))
	assert.Equal(t, "wf", produced.MetadataValue(message.KeyWorkflowID))
	assert.Equal(t, "queue-name", produced.MetadataValue(message.KeyConsumeLocation))
	assert.EqualValues(t, 1, done.Load())

	markers := produced.Markers()
	require.Len(t, markers, 2)
	assert.Equal(t, "tag-enriched", markers[0].UniqueID)
	assert.Equal(t, "producer", markers[1].UniqueID)

	events := sink.list()
	require.Len(t, events, 1)
	assert.Equal(t, event.KindMessageLifecycle, events[0].Kind())
	assert.Equal(t, true, events[0].Data["success"])

	assert.Nil(t, f.handler.next(10*time.Millisecond))
}

func TestStandardNotStartedFailsMessage(t *testing.T) {
	f := newStandardFixture(t, Options{})

	f.consumer.deliver(context.Background(), message.NewString("x"))

	failed := f.handler.next(time.Second)
	require.NotNil(t, failed)
	assert.ErrorIs(t, failed.Failure(), ferrors.ErrNotStarted)
	assert.Zero(t, f.producer.count())
}

func TestStandardRoutesFailures(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name          string
		chain         []service.Service
		producerErr   error
		failOriginal  bool
		wantComponent string
		wantEnriched  bool
	}{
		{
			name:          "service failure hands processed message",
			chain:         []service.Service{tagService("enriched", "yes"), service.NewFunc("bad", func(context.Context, *message.Message) error { return boom })},
			wantComponent: "Func",
			wantEnriched:  true,
		},
		{
			name:          "service failure hands original message",
			chain:         []service.Service{tagService("enriched", "yes"), service.NewFunc("bad", func(context.Context, *message.Message) error { return boom })},
			failOriginal:  true,
			wantComponent: "Func",
		},
		{
			name:          "producer failure",
			chain:         []service.Service{tagService("enriched", "yes")},
			producerErr:   boom,
			wantComponent: "fakeProducer",
			wantEnriched:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newStandardFixture(t, Options{
				Chain:  newChain(t, tt.chain...),
				Config: config.Workflow{FailOriginal: tt.failOriginal},
			})
			if tt.producerErr != nil {
				f.producer.fn = func(*message.Message) error { return tt.producerErr }
			}
			require.NoError(t, f.wf.Start(ctx))

			f.consumer.deliver(ctx, message.NewString("x"))

			failed := f.handler.next(time.Second)
			require.NotNil(t, failed)
			assert.ErrorIs(t, failed.Failure(), boom)
			_, name := failed.FailedComponent()
			assert.Equal(t, tt.wantComponent, name)
			assert.Equal(t, tt.wantEnriched, failed.HasMetadata("enriched"))
			assert.Equal(t, "wf", failed.MetadataValue(message.KeyWorkflowID))

			wf, ok := failed.Object(message.ObjectWorkflow)
			require.True(t, ok)
			assert.Same(t, f.wf, wf)
			assert.Zero(t, f.producer.count())
		})
	}
}

func TestStandardRecoversPanics(t *testing.T) {
	ctx := context.Background()
	f := newStandardFixture(t, Options{
		Chain: newChain(t, service.NewFunc("panics", func(context.Context, *message.Message) error {
			panic("kaboom")
		})),
	})
	require.NoError(t, f.wf.Start(ctx))

	assert.NotPanics(t, func() { f.consumer.deliver(ctx, message.NewString("x")) })

	failed := f.handler.next(time.Second)
	require.NotNil(t, failed)
	assert.ErrorContains(t, failed.Failure(), "kaboom")
}

func TestStandardWaitsForChannel(t *testing.T) {
	ctx := context.Background()
	var available atomic.Bool

	f := newStandardFixture(t, Options{
		Config: config.Workflow{ChannelUnavailableWait: time.Second, ChannelPollInterval: 5 * time.Millisecond},
	})
	require.NoError(t, f.wf.Prepare(PrepareContext{Available: available.Load}))
	require.NoError(t, f.wf.Start(ctx))

	time.AfterFunc(30*time.Millisecond, func() { available.Store(true) })
	f.consumer.deliver(ctx, message.NewString("x"))

	assert.Equal(t, 1, f.producer.count())
	assert.Nil(t, f.handler.next(10*time.Millisecond))
}

func TestStandardGivesUpOnUnavailableChannel(t *testing.T) {
	ctx := context.Background()
	f := newStandardFixture(t, Options{
		Config: config.Workflow{ChannelUnavailableWait: 30 * time.Millisecond, ChannelPollInterval: 5 * time.Millisecond},
	})
	require.NoError(t, f.wf.Prepare(PrepareContext{Available: func() bool { return false }}))
	require.NoError(t, f.wf.Start(ctx))

	f.consumer.deliver(ctx, message.NewString("x"))

	failed := f.handler.next(time.Second)
	require.NotNil(t, failed)
	assert.ErrorIs(t, failed.Failure(), ferrors.ErrChannelUnavailable)
	assert.Zero(t, f.producer.count())
}

func TestZeroConfigWaitsAreBounded(t *testing.T) {
	f := newStandardFixture(t, Options{})
	defaults := config.Default().Workflow

	assert.Equal(t, defaults.ShutdownWait, f.wf.opts.Config.ShutdownWait)
	assert.Equal(t, defaults.ChannelUnavailableWait, f.wf.opts.Config.ChannelUnavailableWait)
	assert.Equal(t, defaults.ChannelPollInterval, f.wf.opts.Config.ChannelPollInterval)
}

func TestZeroConfigWaitsForChannel(t *testing.T) {
	ctx := context.Background()
	var available atomic.Bool

	f := newStandardFixture(t, Options{})
	require.NoError(t, f.wf.Prepare(PrepareContext{Available: available.Load}))
	require.NoError(t, f.wf.Start(ctx))

	time.AfterFunc(30*time.Millisecond, func() { available.Store(true) })
	f.consumer.deliver(ctx, message.NewString("x"))

	assert.Equal(t, 1, f.producer.count())
	assert.Nil(t, f.handler.next(10*time.Millisecond))
}

func TestZeroConfigStopReturnsWithStuckMessage(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	defer close(release)

	f := newStandardFixture(t, Options{
		Chain: newChain(t, service.NewFunc("stuck", func(context.Context, *message.Message) error {
			<-release
			return nil
		})),
	})
	f.wf.opts.Config.ShutdownWait = 20 * time.Millisecond
	require.NoError(t, f.wf.Start(ctx))

	go f.consumer.deliver(ctx, message.NewString("x"))
	time.Sleep(10 * time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- f.wf.Stop(ctx) }()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return while a message was stuck")
	}
}

func TestStopInterruptsChannelWait(t *testing.T) {
	ctx := context.Background()
	f := newStandardFixture(t, Options{
		Config: config.Workflow{
			ChannelUnavailableWait: time.Minute,
			ChannelPollInterval:    5 * time.Millisecond,
			ShutdownWait:           5 * time.Second,
		},
	})
	require.NoError(t, f.wf.Prepare(PrepareContext{Available: func() bool { return false }}))
	require.NoError(t, f.wf.Start(ctx))

	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		f.consumer.deliver(ctx, message.NewString("x"))
	}()
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		assert.NoError(t, f.wf.Stop(ctx))
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not interrupt the channel wait")
	}
	<-delivered

	failed := f.handler.next(time.Second)
	require.NotNil(t, failed)
	assert.ErrorIs(t, failed.Failure(), ferrors.ErrChannelUnavailable)
	assert.ErrorIs(t, failed.Failure(), context.Canceled)
}

func TestWaitOutOfStateProcessesOnceStarted(t *testing.T) {
	ctx := context.Background()
	f := newStandardFixture(t, Options{
		OutOfState: WaitOutOfState{Timeout: time.Second, Interval: 5 * time.Millisecond},
	})

	time.AfterFunc(30*time.Millisecond, func() { _ = f.wf.Start(ctx) })
	f.consumer.deliver(ctx, message.NewString("x"))

	assert.Equal(t, 1, f.producer.count())
}

func TestWorkflowLifecycleOrder(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	consumer := newFakeConsumer("consumer", rec)
	producer := newFakeProducer("producer", rec)

	wf, err := NewStandard("wf", Options{Consumer: consumer, Producer: producer})
	require.NoError(t, err)

	require.NoError(t, wf.Start(ctx))
	require.NoError(t, wf.Close(ctx))

	assert.Equal(t, []string{
		"init:producer", "init:consumer",
		"start:producer", "start:consumer",
		"stop:consumer", "stop:producer",
		"close:consumer", "close:producer",
	}, rec.list())
	assert.Equal(t, lifecycle.Closed, wf.State())
}

func TestStandardValidation(t *testing.T) {
	_, err := NewStandard("wf", Options{Producer: newFakeProducer("p", nil)})
	assert.ErrorIs(t, err, ferrors.ErrConsumerRequired)

	_, err = NewStandard("wf", Options{Consumer: newFakeConsumer("c", nil)})
	assert.ErrorIs(t, err, ferrors.ErrProducerRequired)
}

func TestReprocess(t *testing.T) {
	ctx := context.Background()
	f := newStandardFixture(t, Options{Chain: newChain(t, tagService("seen", "yes"))})

	err := f.wf.Reprocess(ctx, message.NewString("x"))
	assert.ErrorIs(t, err, ferrors.ErrNotStarted)

	require.NoError(t, f.wf.Start(ctx))
	require.NoError(t, f.wf.Reprocess(ctx, message.NewString("x")))
	assert.Equal(t, 1, f.producer.count())

	f.producer.fn = func(*message.Message) error { return errors.New("down") }
	assert.Error(t, f.wf.Reprocess(ctx, message.NewString("x")))
	assert.Nil(t, f.handler.next(10*time.Millisecond), "reprocess never routes to the error handler")
}

func TestInterceptorsAndCallbacks(t *testing.T) {
	ctx := context.Background()
	rec := &recordingInterceptor{}
	reg := prometheus.NewRegistry()
	m := metrics.New("test", reg)
	require.NoError(t, m.Register())

	var order []string
	callbacks := Callbacks{OnJobError: func(Job, error) { order = append(order, "first") }}.
		Merge(Callbacks{OnJobError: func(Job, error) { order = append(order, "second") }})

	f := newStandardFixture(t, Options{
		Interceptors: []Interceptor{
			rec,
			MetricsInterceptor{Metrics: m},
			TracingInterceptor{},
			LoggingInterceptor{},
			NewThrottlingInterceptor(config.Throttle{}, nil),
		},
		Callbacks: callbacks,
	})
	require.NoError(t, f.wf.Start(ctx))

	f.consumer.deliver(ctx, message.NewString("ok"))
	f.producer.fn = func(*message.Message) error { return errors.New("down") }
	f.consumer.deliver(ctx, message.NewString("fails"))

	rec.mu.Lock()
	assert.Equal(t, 2, rec.starts)
	require.Len(t, rec.errs, 2)
	assert.NoError(t, rec.errs[0])
	assert.Error(t, rec.errs[1])
	rec.mu.Unlock()

	assert.Equal(t, []string{"first", "second"}, order)
	stats := m.GetWorkflowStats("wf")
	require.NotNil(t, stats)
	assert.EqualValues(t, 1, stats.Succeeded)
	assert.EqualValues(t, 1, stats.Failed)
	count, err := testutil.GatherAndCount(reg, "test_workflow_messages_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestThrottlingInterceptorLimitsRate(t *testing.T) {
	i := NewThrottlingInterceptor(config.Throttle{Rate: 50, Burst: 1}, nil)
	require.NotNil(t, i)

	ctx := context.Background()
	start := time.Now()
	for range 3 {
		i.WorkflowStart(ctx, "wf", message.NewString("x"))
	}
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestMultiProducer(t *testing.T) {
	ctx := context.Background()
	primary := newFakeProducer("primary", nil)
	okExtra := newFakeProducer("ok", nil)
	badExtra := newFakeProducer("bad", nil)
	badExtra.fn = func(*message.Message) error { return errors.New("unreachable") }
	lateExtra := newFakeProducer("late", nil)
	handler := newCapturingHandler()
	consumer := newFakeConsumer("consumer", nil)

	wf, err := NewMultiProducer("wf", Options{
		Consumer:     consumer,
		Producer:     primary,
		ErrorHandler: handler,
	}, okExtra, badExtra, lateExtra)
	require.NoError(t, err)
	require.NoError(t, wf.Start(ctx))
	assert.Equal(t, lifecycle.Started, lateExtra.State())

	msg := message.NewString("x")
	consumer.deliver(ctx, msg)

	assert.Equal(t, 1, primary.count())
	assert.Equal(t, 1, okExtra.count())
	assert.Equal(t, 1, lateExtra.count(), "a failing producer does not stop the others")
	assert.Nil(t, handler.next(10*time.Millisecond))

	failures, ok := msg.Object(message.ObjectProduceFailures)
	require.True(t, ok)
	assert.Contains(t, failures.(map[string]error), "bad")

	extraMsg, _ := okExtra.last()
	assert.NotSame(t, msg, extraMsg, "additional producers get their own copy")

	primary.fn = func(*message.Message) error { return errors.New("primary down") }
	consumer.deliver(ctx, message.NewString("y"))
	require.NotNil(t, handler.next(time.Second))
	assert.Equal(t, 1, okExtra.count(), "primary failure suppresses further producers")
}

func TestMultiProducerValidation(t *testing.T) {
	_, err := NewMultiProducer("wf", Options{Consumer: newFakeConsumer("c", nil)})
	assert.ErrorIs(t, err, ferrors.ErrProducerRequired)

	_, err = NewMultiProducer("wf", Options{Consumer: newFakeConsumer("c", nil)},
		newFakeProducer("same", nil), newFakeProducer("same", nil))
	assert.ErrorIs(t, err, ferrors.ErrDuplicateID)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowadapter/internal/runtime/config"
	ferrors "github.com/drblury/flowadapter/internal/runtime/errors"
	"github.com/drblury/flowadapter/internal/runtime/lifecycle"
	"github.com/drblury/flowadapter/internal/runtime/message"
)

// visit records its id under the "visited" metadata key and optionally sets a
// next-service id.
func visit(id, next string) *Func {
	return NewFunc(id, func(_ context.Context, msg *message.Message) error {
		msg.AddMetadata("visited", msg.MetadataValue("visited")+id)
		if next != "" {
			msg.SetNextServiceID(next)
		}
		return nil
	})
}

func failing(id string, err error) *Func {
	return NewFunc(id, func(context.Context, *message.Message) error { return err })
}

// lifecycleService is a Service that also tracks its lifecycle.
type lifecycleService struct {
	*lifecycle.Machine
	applied int
}

func newLifecycleService(id string) *lifecycleService {
	return &lifecycleService{Machine: lifecycle.NewMachine(id, lifecycle.Hooks{})}
}

func (s *lifecycleService) Apply(context.Context, *message.Message) error {
	s.applied++
	return nil
}

func TestSequence(t *testing.T) {
	tests := []struct {
		name     string
		services []Service
		want     string
	}{
		{
			name:     "runs in order",
			services: []Service{visit("A", ""), visit("B", ""), visit("C", "")},
			want:     "ABC",
		},
		{
			name:     "forward search skips intermediate services",
			services: []Service{visit("A", "C"), visit("B", ""), visit("C", ""), visit("D", "")},
			want:     "ACD",
		},
		{
			name:     "backward target is ignored",
			services: []Service{visit("A", ""), visit("B", "A"), visit("C", "")},
			want:     "ABC",
		},
		{
			name:     "unknown target is ignored",
			services: []Service{visit("A", "Z"), visit("B", "")},
			want:     "AB",
		},
		{
			name:     "stop processing ends the chain",
			services: []Service{visit("A", ""), StopProcessing{ID: "stop"}, visit("B", "")},
			want:     "A",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq, err := NewSequence("seq", tt.services)
			require.NoError(t, err)

			msg := message.NewString("payload")
			require.NoError(t, seq.Apply(context.Background(), msg))
			assert.Equal(t, tt.want, msg.MetadataValue("visited"))
			assert.Empty(t, msg.NextServiceID())
		})
	}
}

func TestSequenceAddsMarkers(t *testing.T) {
	seq, err := NewSequence("seq", []Service{visit("A", ""), visit("B", "")})
	require.NoError(t, err)

	msg := message.NewString("x")
	require.NoError(t, seq.Apply(context.Background(), msg))

	markers := msg.Markers()
	require.Len(t, markers, 2)
	assert.Equal(t, "A", markers[0].UniqueID)
	assert.Equal(t, 1, markers[0].Sequence)
	assert.Equal(t, 2, markers[1].Sequence)
	assert.True(t, markers[1].Success)
}

func TestSequenceFailureRecordsComponent(t *testing.T) {
	boom := errors.New("boom")
	bad := failing("bad", boom)
	seq, err := NewSequence("seq", []Service{visit("A", ""), bad, visit("C", "")})
	require.NoError(t, err)

	msg := message.NewString("x")
	err = seq.Apply(context.Background(), msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var pe *ferrors.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "bad", pe.Component)
	assert.Equal(t, msg.UniqueID(), pe.MessageID)

	comp, _ := msg.FailedComponent()
	assert.Same(t, bad, comp)
	assert.Equal(t, boom, msg.Failure())
	assert.Equal(t, "A", msg.MetadataValue("visited"))

	markers := msg.Markers()
	require.Len(t, markers, 2)
	assert.False(t, markers[1].Success)
}

func TestNestedFailureKeepsInnermostComponent(t *testing.T) {
	boom := errors.New("boom")
	bad := failing("bad", boom)
	inner, err := NewSequence("inner", []Service{bad})
	require.NoError(t, err)
	outer, err := NewSequence("outer", []Service{inner})
	require.NoError(t, err)

	msg := message.NewString("x")
	err = outer.Apply(context.Background(), msg)

	var pe *ferrors.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "bad", pe.Component)
	comp, _ := msg.FailedComponent()
	assert.Same(t, bad, comp)
}

func TestSequenceRejectsDuplicateIDs(t *testing.T) {
	_, err := NewSequence("seq", []Service{visit("A", ""), visit("A", "")})
	assert.ErrorIs(t, err, ferrors.ErrDuplicateID)
}

func TestSequenceHonoursCancellation(t *testing.T) {
	seq, err := NewSequence("seq", []Service{visit("A", "")})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, seq.Apply(ctx, message.NewString("x")), context.Canceled)
}

func TestSequenceCascadesLifecycle(t *testing.T) {
	ctx := context.Background()
	a := newLifecycleService("a")
	seq, err := NewSequence("seq", []Service{a, visit("plain", "")})
	require.NoError(t, err)

	require.NoError(t, seq.Start(ctx))
	assert.Equal(t, lifecycle.Started, a.State())

	require.NoError(t, seq.Close(ctx))
	assert.Equal(t, lifecycle.Closed, a.State())
}

func TestBranching(t *testing.T) {
	tests := []struct {
		name     string
		services []Service
		first    string
		opts     []Option
		want     string
		wantErr  error
	}{
		{
			name:     "follows next ids",
			services: []Service{visit("A", "C"), visit("B", ""), visit("C", "B")},
			first:    "A",
			want:     "ACB",
		},
		{
			name:     "ends when next id is empty",
			services: []Service{visit("A", ""), visit("B", "")},
			first:    "A",
			want:     "A",
		},
		{
			name:     "unknown next id fails",
			services: []Service{visit("A", "Z")},
			first:    "A",
			want:     "A",
			wantErr:  ferrors.ErrUnknownService,
		},
		{
			name:     "unknown next id tolerated",
			services: []Service{visit("A", "Z")},
			first:    "A",
			opts:     []Option{TolerateUnknownBranch()},
			want:     "A",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBranching("branch", tt.first, tt.services, tt.opts...)
			require.NoError(t, err)

			msg := message.NewString("x")
			err = b.Apply(context.Background(), msg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, msg.MetadataValue("visited"))
		})
	}
}

func TestBranchingValidation(t *testing.T) {
	_, err := NewBranching("b", "missing", []Service{visit("A", "")})
	var cfgErr *ferrors.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = NewBranching("b", "A", []Service{visit("A", ""), visit("", "")})
	assert.ErrorAs(t, err, &cfgErr)
}

func TestBranchingLoopIsBoundedByContext(t *testing.T) {
	jump := func(id, next string) *Func {
		return NewFunc(id, func(_ context.Context, msg *message.Message) error {
			msg.SetNextServiceID(next)
			return nil
		})
	}
	b, err := NewBranching("b", "A", []Service{jump("A", "B"), jump("B", "A")})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = b.Apply(ctx, message.NewString("x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloningMergesOnlyDeclaredKeys(t *testing.T) {
	inner, err := NewSequence("inner", []Service{
		NewFunc("mutate", func(_ context.Context, msg *message.Message) error {
			msg.AddMetadata("keep", "yes")
			msg.AddMetadata("drop", "yes")
			msg.SetPayload([]byte("changed"))
			return nil
		}),
	})
	require.NoError(t, err)

	c, err := NewCloning("clone", inner, []string{"keep"})
	require.NoError(t, err)

	msg := message.NewString("original")
	require.NoError(t, c.Apply(context.Background(), msg))
	assert.Equal(t, "yes", msg.MetadataValue("keep"))
	assert.False(t, msg.HasMetadata("drop"))
	assert.Equal(t, "original", msg.PayloadString())
}

func TestCloningFailureLeavesOriginalUnchanged(t *testing.T) {
	boom := errors.New("boom")
	inner, err := NewSequence("inner", []Service{
		NewFunc("mutate", func(_ context.Context, msg *message.Message) error {
			msg.AddMetadata("keep", "yes")
			return nil
		}),
		failing("bad", boom),
	})
	require.NoError(t, err)

	c, err := NewCloning("clone", inner, []string{"keep"})
	require.NoError(t, err)

	msg := message.NewString("original")
	err = c.Apply(context.Background(), msg)
	assert.ErrorIs(t, err, boom)
	assert.False(t, msg.HasMetadata("keep"))
	_, name := msg.FailedComponent()
	assert.Equal(t, "Func", name)
}

func TestCloningRequiresChainOrSelector(t *testing.T) {
	_, err := NewCloning("clone", nil, nil)
	assert.ErrorIs(t, err, ferrors.ErrChainRequired)

	var typedNil *Sequence
	_, err = NewCloning("clone", typedNil, nil)
	assert.ErrorIs(t, err, ferrors.ErrChainRequired)

	_, err = NewCloning("clone", nil, nil, WithSelector("", SelectorFunc(nil), config.Cache{}))
	var cfgErr *ferrors.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestCloningSelectorCachesChains(t *testing.T) {
	ctx := context.Background()
	built := map[string]*Sequence{}
	sel := SelectorFunc(func(_ context.Context, key string) (Chain, error) {
		seq, err := NewSequence("chain-"+key, []Service{
			NewFunc("tag", func(_ context.Context, msg *message.Message) error {
				msg.AddMetadata("handled_by", key)
				return nil
			}),
		})
		built[key] = seq
		return seq, err
	})

	c, err := NewCloning("clone", nil, []string{"handled_by"},
		WithSelector("%message{tenant}", sel, config.Cache{MaxSize: 1, TTL: time.Hour}))
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))

	first := message.NewString("x", message.WithMetadata(map[string]string{"tenant": "a"}))
	require.NoError(t, c.Apply(ctx, first))
	assert.Equal(t, "a", first.MetadataValue("handled_by"))
	assert.Equal(t, lifecycle.Started, built["a"].State())

	again := message.NewString("x", message.WithMetadata(map[string]string{"tenant": "a"}))
	require.NoError(t, c.Apply(ctx, again))
	assert.Len(t, built, 1)

	other := message.NewString("x", message.WithMetadata(map[string]string{"tenant": "b"}))
	require.NoError(t, c.Apply(ctx, other))
	assert.Equal(t, "b", other.MetadataValue("handled_by"))
	assert.Equal(t, lifecycle.Closed, built["a"].State(), "evicted chain is closed")

	require.NoError(t, c.Close(ctx))
	assert.Equal(t, lifecycle.Closed, built["b"].State())
}

func TestCloningKeepsSelectedChainsOpenWhileInUse(t *testing.T) {
	ctx := context.Background()
	var (
		mu       sync.Mutex
		built    []*Sequence
		onClosed atomic.Int32
	)
	sel := SelectorFunc(func(_ context.Context, key string) (Chain, error) {
		var seq *Sequence
		seq, err := NewSequence("chain-"+key, []Service{
			NewFunc("check", func(context.Context, *message.Message) error {
				time.Sleep(time.Millisecond)
				if seq.State() != lifecycle.Started {
					onClosed.Add(1)
				}
				return nil
			}),
		})
		mu.Lock()
		built = append(built, seq)
		mu.Unlock()
		return seq, err
	})

	c, err := NewCloning("clone", nil, nil,
		WithSelector("%message{tenant}", sel, config.Cache{MaxSize: 1, TTL: time.Hour}))
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := message.NewString("x", message.WithMetadata(map[string]string{"tenant": fmt.Sprint(i % 2)}))
			assert.NoError(t, c.Apply(ctx, msg))
		}()
	}
	wg.Wait()
	assert.Zero(t, onClosed.Load(), "no message may run on a closed chain")

	require.NoError(t, c.Close(ctx))
	mu.Lock()
	defer mu.Unlock()
	for _, seq := range built {
		assert.Equal(t, lifecycle.Closed, seq.State(), "%s left open", seq.UniqueID())
	}
}

func TestCloningSelectionKeyMustResolve(t *testing.T) {
	sel := SelectorFunc(func(context.Context, string) (Chain, error) {
		t.Fatal("selector must not be called")
		return nil, nil
	})
	c, err := NewCloning("clone", nil, nil, WithSelector("%message{tenant}", sel, config.Cache{MaxSize: 2}))
	require.NoError(t, err)

	err = c.Apply(context.Background(), message.NewString("x"))
	assert.ErrorIs(t, err, ferrors.ErrUnresolvedReference)
}

func TestCache(t *testing.T) {
	var evicted []string
	c := NewCache[int](config.Cache{MaxSize: 2, TTL: time.Minute}, func(key string, _ int) {
		evicted = append(evicted, key)
	})
	now := time.Unix(0, 0)
	c.now = func() time.Time { return now }

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)
	assert.Equal(t, []string{"a"}, evicted, "oldest entry evicted when full")

	v, ok := c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b"}, evicted)

	c.Put("c", 4)
	assert.Equal(t, []string{"a", "b", "c"}, evicted, "replaced value is evicted")

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, []string{"a", "b", "c", "c"}, evicted)
}

func TestAddMetadataResolvesReferences(t *testing.T) {
	svc := NewAddMetadata("add", map[string]string{
		"copy": "%message{source}",
		"size": "%message{%size}",
	}, nil)

	msg := message.NewString("hello", message.WithMetadata(map[string]string{"source": "s"}))
	require.NoError(t, svc.Apply(context.Background(), msg))
	assert.Equal(t, "s", msg.MetadataValue("copy"))
	assert.Equal(t, "5", msg.MetadataValue("size"))

	bad := NewAddMetadata("add", map[string]string{"a": "x", "b": "%message{missing}"}, nil)
	fresh := message.NewString("hello")
	assert.Error(t, bad.Apply(context.Background(), fresh))
	assert.False(t, fresh.HasMetadata("a"), "nothing is written when a reference fails")
}

func TestCopyMetadata(t *testing.T) {
	svc := NewCopyMetadata("copy", map[string]string{"from": "to", "absent": "never"})
	msg := message.NewString("x", message.WithMetadata(map[string]string{"from": "v"}))
	require.NoError(t, svc.Apply(context.Background(), msg))
	assert.Equal(t, "v", msg.MetadataValue("to"))
	assert.False(t, msg.HasMetadata("never"))
}

func TestExpressionBranch(t *testing.T) {
	b, err := NewExpressionBranch("route", []BranchCase{
		{Condition: `metadata["type"] == "order"`, Next: "orders"},
		{Condition: `size > 10`, Next: "large"},
	}, "default")
	require.NoError(t, err)

	tests := []struct {
		name string
		msg  *message.Message
		want string
	}{
		{"metadata match", message.NewString("x", message.WithMetadata(map[string]string{"type": "order"})), "orders"},
		{"size match", message.NewString("a payload over ten bytes", message.WithMetadata(map[string]string{"type": "other"})), "large"},
		{"fallback", message.NewString("small", message.WithMetadata(map[string]string{"type": "other"})), "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, b.Apply(context.Background(), tt.msg))
			assert.Equal(t, tt.want, tt.msg.NextServiceID())
		})
	}

	_, err = NewExpressionBranch("route", []BranchCase{{Condition: `size +`, Next: "x"}}, "")
	var cfgErr *ferrors.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestExpressionBranchDrivesBranchingChain(t *testing.T) {
	route, err := NewExpressionBranch("route", []BranchCase{
		{Condition: `payload == "left"`, Next: "L"},
	}, "R")
	require.NoError(t, err)

	b, err := NewBranching("b", "route", []Service{route, visit("L", ""), visit("R", "")})
	require.NoError(t, err)

	left := message.NewString("left")
	require.NoError(t, b.Apply(context.Background(), left))
	assert.Equal(t, "L", left.MetadataValue("visited"))

	right := message.NewString("other")
	require.NoError(t, b.Apply(context.Background(), right))
	assert.Equal(t, "R", right.MetadataValue("visited"))
}

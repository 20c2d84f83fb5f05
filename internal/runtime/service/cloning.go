package service

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/drblury/flowadapter/internal/runtime/config"
	"github.com/drblury/flowadapter/internal/runtime/errors"
	"github.com/drblury/flowadapter/internal/runtime/lifecycle"
	"github.com/drblury/flowadapter/internal/runtime/logging"
	"github.com/drblury/flowadapter/internal/runtime/message"
	"github.com/drblury/flowadapter/internal/runtime/resolver"
)

// Selector returns the chain that handles messages whose selection key
// resolves to key. Returned chains are started by the caller and closed once
// they have left the cache and no message is running on them.
type Selector interface {
	Select(ctx context.Context, key string) (Chain, error)
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(ctx context.Context, key string) (Chain, error)

func (f SelectorFunc) Select(ctx context.Context, key string) (Chain, error) { return f(ctx, key) }

// CloningOption configures a cloning chain.
type CloningOption func(*Cloning)

// WithSelector picks the inner chain per message from the value keyExpr
// resolves to. Selected chains are cached under cacheCfg.
func WithSelector(keyExpr string, sel Selector, cacheCfg config.Cache) CloningOption {
	return func(c *Cloning) {
		c.keyExpr = keyExpr
		c.selector = sel
		c.cacheCfg = cacheCfg
	}
}

// WithChainOptions passes shared options (logger, resolver, strategy).
func WithChainOptions(opts ...Option) CloningOption {
	return func(c *Cloning) { c.chainOpts = append(c.chainOpts, opts...) }
}

// Cloning runs its inner chain on a clone of the message. Only the declared
// metadata keys are copied back to the original; payload and all other
// changes stay on the clone. A failing inner chain leaves the original as it
// was.
type Cloning struct {
	*lifecycle.Machine

	chain     Chain
	mergeKeys []string

	keyExpr   string
	selector  Selector
	cacheCfg  config.Cache
	cache     *Cache[*lease]
	flight    singleflight.Group
	chainOpts []Option

	resolver *resolver.Resolver
	logger   logging.ServiceLogger
}

// NewCloning builds a cloning chain around chain. chain may be nil when a
// selector is configured.
func NewCloning(id string, chain Chain, mergeKeys []string, opts ...CloningOption) (*Cloning, error) {
	c := &Cloning{
		chain:     chain,
		mergeKeys: append([]string(nil), mergeKeys...),
	}
	for _, opt := range opts {
		opt(c)
	}
	o := buildOptions(c.chainOpts)
	c.resolver = o.resolver
	c.logger = logging.ForComponent(o.logger, "cloning", id)

	if c.selector == nil && len(lifecycle.Components([]Chain{chain})) == 0 {
		return nil, errors.ErrChainRequired
	}
	if c.selector != nil {
		if c.keyExpr == "" {
			return nil, errors.NewConfigurationError("cloning.selection_key", "required with a selector")
		}
		c.cache = NewCache[*lease](c.cacheCfg, c.evict)
	}

	cascade := lifecycle.NewCascade(o.strategy, c.logger)
	c.Machine = lifecycle.NewMachine(id, lifecycle.Hooks{
		Init: func(ctx context.Context) error {
			return cascade.Init(ctx, c.static()...)
		},
		Start: func(ctx context.Context) error {
			return cascade.Start(ctx, c.static()...)
		},
		Stop: func(ctx context.Context) error {
			cascade.Stop(ctx, c.static()...)
			return nil
		},
		Close: func(ctx context.Context) error {
			if c.cache != nil {
				c.cache.Clear()
			}
			cascade.Close(ctx, c.static()...)
			return nil
		},
	})
	return c, nil
}

func (c *Cloning) static() []lifecycle.Component {
	if c.chain == nil {
		return nil
	}
	return []lifecycle.Component{c.chain}
}

func (c *Cloning) Apply(ctx context.Context, msg *message.Message) error {
	target, release, err := c.target(ctx, msg)
	if err != nil {
		msg.RecordFailure(c, err)
		return &errors.PipelineError{Component: c.UniqueID(), MessageID: msg.UniqueID(), Err: err}
	}
	defer release()

	clone := msg.Clone()
	if err := applyService(ctx, target, clone); err != nil {
		if comp, name := clone.FailedComponent(); comp != nil {
			msg.RecordFailure(comp, clone.Failure())
			c.logger.Debug("Cloned chain failed", logging.LogFields{"failed_component": name})
		}
		return err
	}

	for _, key := range c.mergeKeys {
		if v, ok := clone.Metadata(key); ok {
			msg.AddMetadata(key, v)
		}
	}
	return nil
}

// target returns the chain for msg and a release func the caller runs once
// the chain is no longer in use.
func (c *Cloning) target(ctx context.Context, msg *message.Message) (Chain, func(), error) {
	if c.selector == nil {
		return c.chain, func() {}, nil
	}
	key, err := c.resolver.ResolveContext(ctx, msg, c.keyExpr)
	if err != nil {
		return nil, nil, err
	}
	l, err := c.acquire(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	return l.chain, func() { c.release(key, l) }, nil
}

// acquire returns a leased chain for key. Concurrent misses on the same key
// share one selection.
func (c *Cloning) acquire(ctx context.Context, key string) (*lease, error) {
	if l, ok := c.cache.Get(key); ok && l.acquire() {
		return l, nil
	}
	v, err, _ := c.flight.Do(key, func() (any, error) {
		if l, ok := c.cache.Get(key); ok {
			return l, nil
		}
		l, err := c.selectChain(ctx, key, 0)
		if err != nil {
			return nil, err
		}
		c.cache.Put(key, l)
		return l, nil
	})
	if err != nil {
		return nil, err
	}
	if l := v.(*lease); l.acquire() {
		return l, nil
	}
	// Evicted before this caller got a reference: select a chain of its own,
	// already held so a concurrent eviction cannot close it.
	l, err := c.selectChain(ctx, key, 1)
	if err != nil {
		return nil, err
	}
	c.cache.Put(key, l)
	return l, nil
}

// selectChain selects and starts the chain for key, holding refs references.
func (c *Cloning) selectChain(ctx context.Context, key string, refs int) (*lease, error) {
	chain, err := c.selector.Select(ctx, key)
	if err != nil {
		return nil, err
	}
	if chain == nil {
		return nil, fmt.Errorf("%w: no chain selected for %q", errors.ErrChainRequired, key)
	}
	if err := chain.Start(ctx); err != nil {
		return nil, err
	}
	return &lease{chain: chain, refs: refs}, nil
}

func (c *Cloning) release(key string, l *lease) {
	if l.release() {
		c.closeChain(key, l.chain)
	}
}

func (c *Cloning) evict(key string, l *lease) {
	if l.evict() {
		c.closeChain(key, l.chain)
	}
}

func (c *Cloning) closeChain(key string, chain Chain) {
	if err := chain.Close(context.Background()); err != nil {
		c.logger.Error("Closing evicted chain failed", err, logging.LogFields{"key": key})
	}
}

// lease counts the messages running on a selected chain. A chain that left
// the cache is closed when its last message releases it.
type lease struct {
	chain Chain

	mu      sync.Mutex
	refs    int
	evicted bool
}

func (l *lease) acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.evicted {
		return false
	}
	l.refs++
	return true
}

// release reports whether the chain should be closed now.
func (l *lease) release() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refs--
	return l.evicted && l.refs == 0
}

// evict reports whether the chain is idle and should be closed now.
func (l *lease) evict() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.evicted {
		return false
	}
	l.evicted = true
	return l.refs == 0
}

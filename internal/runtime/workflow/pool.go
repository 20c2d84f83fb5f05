package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/drblury/flowadapter/internal/runtime/config"
	"github.com/drblury/flowadapter/internal/runtime/errors"
	"github.com/drblury/flowadapter/internal/runtime/logging"
	"github.com/drblury/flowadapter/internal/runtime/service"
)

// ChainFactory builds the private chain of one pooled worker.
type ChainFactory func() (service.Chain, error)

type worker struct {
	chain    service.Chain
	lastUsed time.Time
}

// ClampPool brings the idle bounds of cfg in range: maxIdle never exceeds
// Size and minIdle never exceeds maxIdle.
func ClampPool(cfg config.Pool) config.Pool {
	if cfg.Size <= 0 {
		cfg.Size = config.Default().Pool.Size
	}
	if cfg.MaxIdle <= 0 || cfg.MaxIdle > cfg.Size {
		cfg.MaxIdle = cfg.Size
	}
	if cfg.MinIdle < 0 {
		cfg.MinIdle = 0
	}
	if cfg.MinIdle > cfg.MaxIdle {
		cfg.MinIdle = cfg.MaxIdle
	}
	return cfg
}

// pool hands out at most cfg.Size workers at a time. Workers are built
// lazily, kept idle up to MaxIdle and reaped after KeepAlive down to MinIdle.
type pool struct {
	cfg      config.Pool
	factory  ChainFactory
	slots    *semaphore.Weighted
	onActive func(active int)
	logger   logging.ServiceLogger

	mu     sync.Mutex
	idle   []*worker
	active int
	open   bool
	stop   chan struct{}
	reaped sync.WaitGroup
}

func newPool(cfg config.Pool, factory ChainFactory, onActive func(int), logger logging.ServiceLogger) *pool {
	cfg = ClampPool(cfg)
	if onActive == nil {
		onActive = func(int) {}
	}
	return &pool{
		cfg:      cfg,
		factory:  factory,
		slots:    semaphore.NewWeighted(int64(cfg.Size)),
		onActive: onActive,
		logger:   logging.OrNop(logger),
	}
}

// start opens the pool, builds MinIdle workers and launches the reaper.
func (p *pool) start(ctx context.Context) error {
	var workers []*worker
	for range p.cfg.MinIdle {
		w, err := p.build(ctx)
		if err != nil {
			for _, built := range workers {
				p.discard(built)
			}
			return err
		}
		workers = append(workers, w)
	}

	p.mu.Lock()
	p.open = true
	p.idle = append(p.idle, workers...)
	p.stop = make(chan struct{})
	stop := p.stop
	p.mu.Unlock()

	if p.cfg.KeepAlive > 0 {
		p.reaped.Add(1)
		go p.reap(stop)
	}
	return nil
}

// close stops the reaper and discards idle workers. Borrowed workers are
// discarded when they are returned.
func (p *pool) close() {
	p.mu.Lock()
	p.open = false
	idle := p.idle
	p.idle = nil
	stop := p.stop
	p.stop = nil
	p.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	p.reaped.Wait()
	for _, w := range idle {
		p.discard(w)
	}
}

// borrow blocks until a worker is free, BorrowTimeout elapses or ctx ends.
func (p *pool) borrow(ctx context.Context) (*worker, error) {
	acquireCtx := ctx
	if p.cfg.BorrowTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.cfg.BorrowTimeout)
		defer cancel()
	}
	if err := p.slots.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: no worker free after %s", errors.ErrPoolExhausted, p.cfg.BorrowTimeout)
	}

	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		p.slots.Release(1)
		return nil, errors.ErrStopped
	}
	var w *worker
	if n := len(p.idle); n > 0 {
		w = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.active++
	p.onActive(p.active)
	p.mu.Unlock()

	if w != nil {
		return w, nil
	}
	w, err := p.build(ctx)
	if err != nil {
		p.mu.Lock()
		p.active--
		p.onActive(p.active)
		p.mu.Unlock()
		p.slots.Release(1)
		return nil, err
	}
	return w, nil
}

// release returns w to the idle set, or discards it when the pool is closed
// or already holds MaxIdle workers.
func (p *pool) release(w *worker) {
	p.mu.Lock()
	p.active--
	p.onActive(p.active)
	keep := p.open && len(p.idle) < p.cfg.MaxIdle
	if keep {
		w.lastUsed = time.Now()
		p.idle = append(p.idle, w)
	}
	p.mu.Unlock()
	p.slots.Release(1)

	if !keep {
		p.discard(w)
	}
}

func (p *pool) build(ctx context.Context) (*worker, error) {
	chain, err := p.factory()
	if err != nil {
		return nil, err
	}
	if chain == nil {
		return nil, errors.ErrChainRequired
	}
	if err := chain.Start(ctx); err != nil {
		_ = chain.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return &worker{chain: chain, lastUsed: time.Now()}, nil
}

func (p *pool) discard(w *worker) {
	if err := w.chain.Close(context.Background()); err != nil {
		p.logger.Error("Closing pooled worker failed", err, logging.LogFields{"chain": w.chain.UniqueID()})
	}
}

func (p *pool) reap(stop <-chan struct{}) {
	defer p.reaped.Done()
	ticker := time.NewTicker(p.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, w := range p.expired(time.Now()) {
				p.discard(w)
			}
		}
	}
}

// expired removes idle workers unused for KeepAlive, oldest first, keeping
// at least MinIdle.
func (p *pool) expired(now time.Time) []*worker {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*worker
	for len(p.idle) > p.cfg.MinIdle && now.Sub(p.idle[0].lastUsed) >= p.cfg.KeepAlive {
		out = append(out, p.idle[0])
		p.idle = p.idle[1:]
	}
	return out
}

func (p *pool) stats() (idle, active int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.active
}

package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/drblury/flowadapter/internal/runtime/config"
	"github.com/drblury/flowadapter/internal/runtime/errors"
	"github.com/drblury/flowadapter/internal/runtime/logging"
)

// Strategy applies one lifecycle request to one child.
type Strategy interface {
	Apply(ctx context.Context, op Op, c Component) error
}

// SyncStrategy runs the request on the caller's goroutine.
type SyncStrategy struct{}

func (SyncStrategy) Apply(ctx context.Context, op Op, c Component) error {
	return op.Apply(ctx, c)
}

// TimeoutStrategy runs the request on its own goroutine and gives up after
// Timeout. The abandoned request keeps running; its result is discarded.
type TimeoutStrategy struct {
	Timeout time.Duration
}

func (s TimeoutStrategy) Apply(ctx context.Context, op Op, c Component) error {
	if s.Timeout <= 0 {
		return op.Apply(ctx, c)
	}
	done := make(chan error, 1)
	go func() {
		done <- op.Apply(ctx, c)
	}()

	timer := time.NewTimer(s.Timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return &errors.LifecycleError{
			Component: c.UniqueID(),
			Op:        op.String(),
			Err:       fmt.Errorf("%w after %s", errors.ErrTimeout, s.Timeout),
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StrategyFromConfig maps the lifecycle config section onto a Strategy.
func StrategyFromConfig(cfg config.Lifecycle) Strategy {
	if cfg.Strategy == config.StrategyTimeout {
		return TimeoutStrategy{Timeout: cfg.Timeout}
	}
	return SyncStrategy{}
}

// Cascade drives a container's children in declaration order. Init and Start
// abort on the first failure and skip children that opted out of auto-start;
// Stop and Close visit every child and only log failures.
type Cascade struct {
	Strategy Strategy
	Logger   logging.ServiceLogger
}

// NewCascade returns a Cascade; nil arguments fall back to SyncStrategy and a
// discarding logger.
func NewCascade(strategy Strategy, logger logging.ServiceLogger) *Cascade {
	if strategy == nil {
		strategy = SyncStrategy{}
	}
	return &Cascade{Strategy: strategy, Logger: logging.OrNop(logger)}
}

func (c *Cascade) strategy() Strategy {
	if c == nil || c.Strategy == nil {
		return SyncStrategy{}
	}
	return c.Strategy
}

func (c *Cascade) logger() logging.ServiceLogger {
	if c == nil {
		return logging.NewNopServiceLogger()
	}
	return logging.OrNop(c.Logger)
}

func (c *Cascade) Init(ctx context.Context, children ...Component) error {
	return c.bringUp(ctx, OpInit, children)
}

func (c *Cascade) Start(ctx context.Context, children ...Component) error {
	return c.bringUp(ctx, OpStart, children)
}

func (c *Cascade) Stop(ctx context.Context, children ...Component) {
	c.tearDown(ctx, OpStop, children)
}

func (c *Cascade) Close(ctx context.Context, children ...Component) {
	c.tearDown(ctx, OpClose, children)
}

func (c *Cascade) bringUp(ctx context.Context, op Op, children []Component) error {
	for _, child := range children {
		if isNil(child) {
			continue
		}
		if !ShouldAutoStart(child) {
			c.logger().Debug("Skipping component without auto-start", logging.LogFields{
				logging.FieldUniqueID: child.UniqueID(),
			})
			continue
		}
		if err := c.strategy().Apply(ctx, op, child); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cascade) tearDown(ctx context.Context, op Op, children []Component) {
	for _, child := range children {
		if isNil(child) {
			continue
		}
		if err := c.strategy().Apply(ctx, op, child); err != nil {
			c.logger().Error("Lifecycle teardown failed", err, logging.LogFields{
				logging.FieldUniqueID: child.UniqueID(),
				logging.FieldState:    child.State().String(),
			})
		}
	}
}

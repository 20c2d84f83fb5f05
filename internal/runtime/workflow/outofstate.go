package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/drblury/flowadapter/internal/runtime/errors"
	"github.com/drblury/flowadapter/internal/runtime/lifecycle"
	"github.com/drblury/flowadapter/internal/runtime/message"
)

// OutOfStateHandler decides what happens to a message delivered while the
// workflow is not Started. A nil error means the workflow is Started now and
// the message can be processed.
type OutOfStateHandler interface {
	HandleOutOfState(ctx context.Context, wf lifecycle.Component, msg *message.Message) error
}

// FailOutOfState fails the message immediately.
type FailOutOfState struct{}

func (FailOutOfState) HandleOutOfState(_ context.Context, wf lifecycle.Component, _ *message.Message) error {
	return notStarted(wf)
}

// WaitOutOfState polls the workflow state until it is Started or Timeout
// elapses.
type WaitOutOfState struct {
	Timeout  time.Duration
	Interval time.Duration
}

func (w WaitOutOfState) HandleOutOfState(ctx context.Context, wf lifecycle.Component, _ *message.Message) error {
	interval := w.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	timer := time.NewTimer(w.Timeout)
	defer timer.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if wf.State() == lifecycle.Started {
			return nil
		}
		select {
		case <-ticker.C:
		case <-timer.C:
			return notStarted(wf)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func notStarted(wf lifecycle.Component) error {
	return fmt.Errorf("%w: workflow %s is %s", errors.ErrNotStarted, wf.UniqueID(), wf.State())
}

package errorhandler

import (
	"context"
	stderrors "errors"

	"github.com/drblury/flowadapter/internal/runtime/connection"
	"github.com/drblury/flowadapter/internal/runtime/lifecycle"
	"github.com/drblury/flowadapter/internal/runtime/logging"
	"github.com/drblury/flowadapter/internal/runtime/metrics"
)

// RestartComponents restarts the listeners of a broken connection. Only
// listeners that are Started are touched; components never started, or
// already stopped, stay as they are.
type RestartComponents struct {
	Always  bool
	Metrics *metrics.Metrics
	Logger  logging.ServiceLogger
}

func (h RestartComponents) AlwaysHandle() bool { return h.Always }

func (h RestartComponents) HandleConnectionException(ctx context.Context, exc connection.Exception) error {
	logger := logging.ForComponent(h.Logger, "connection_error_handler", exc.ConnectionID)
	var errs []error
	for _, l := range exc.Listeners {
		if l.State() != lifecycle.Started {
			logger.Debug("Skipping listener that is not started", logging.LogFields{
				"listener":         l.UniqueID(),
				logging.FieldState: l.State().String(),
			})
			continue
		}
		logger.Info("Restarting listener", logging.LogFields{"listener": l.UniqueID()})
		if err := lifecycle.Restart(ctx, l); err != nil {
			errs = append(errs, err)
			continue
		}
		h.Metrics.RecordRestart(l.UniqueID())
	}
	return stderrors.Join(errs...)
}

// Restarter is a container that can restart as a whole.
type Restarter interface {
	UniqueID() string
	Restart(ctx context.Context) error
}

// RestartChannel restarts the channel owning the broken connection, which
// brings every connection and workflow of the channel back up.
type RestartChannel struct {
	Channel Restarter
	Always  bool
	Metrics *metrics.Metrics
}

func (h RestartChannel) AlwaysHandle() bool { return h.Always }

func (h RestartChannel) HandleConnectionException(ctx context.Context, _ connection.Exception) error {
	if h.Channel == nil {
		return nil
	}
	if err := h.Channel.Restart(ctx); err != nil {
		return err
	}
	h.Metrics.RecordRestart(h.Channel.UniqueID())
	return nil
}

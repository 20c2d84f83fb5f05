package workflow

import (
	"time"

	"github.com/drblury/flowadapter/internal/runtime/logging"
	"github.com/drblury/flowadapter/internal/runtime/message"
)

// Job describes one message passing through a workflow. Message must not be
// retained by callbacks. Duration is only set for OnJobDone and OnJobError.
type Job struct {
	WorkflowID string
	MessageID  string
	Message    *message.Message
	StartedAt  time.Time
	Duration   time.Duration
	RetryCount int
}

// Callbacks are user hooks around message processing. Nil hooks are skipped.
type Callbacks struct {
	OnJobStart func(job Job)
	OnJobDone  func(job Job)
	OnJobError func(job Job, err error)
}

// Merge returns callbacks running c first, then other.
func (c Callbacks) Merge(other Callbacks) Callbacks {
	return Callbacks{
		OnJobStart: chainJobHooks(c.OnJobStart, other.OnJobStart),
		OnJobDone:  chainJobHooks(c.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(c.OnJobError, other.OnJobError),
	}
}

func chainJobHooks(a, b func(Job)) func(Job) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(job Job) {
		a(job)
		b(job)
	}
}

func chainErrorHooks(a, b func(Job, error)) func(Job, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(job Job, err error) {
		a(job, err)
		b(job, err)
	}
}

func (c Callbacks) start(job Job) {
	if c.OnJobStart != nil {
		c.OnJobStart(job)
	}
}

func (c Callbacks) finish(job Job, err error) {
	if err != nil {
		if c.OnJobError != nil {
			c.OnJobError(job, err)
		}
		return
	}
	if c.OnJobDone != nil {
		c.OnJobDone(job)
	}
}

// LoggingCallbacks logs job completion and failure.
func LoggingCallbacks(logger logging.ServiceLogger) Callbacks {
	logger = logging.OrNop(logger)
	return Callbacks{
		OnJobStart: func(job Job) {
			logger.Debug("Job started", logging.LogFields{
				logging.FieldWorkflow:  job.WorkflowID,
				logging.FieldMessageID: job.MessageID,
				"retry_count":          job.RetryCount,
			})
		},
		OnJobDone: func(job Job) {
			logger.Info("Job completed", logging.LogFields{
				logging.FieldWorkflow:  job.WorkflowID,
				logging.FieldMessageID: job.MessageID,
				"duration_ms":          job.Duration.Milliseconds(),
			})
		},
		OnJobError: func(job Job, err error) {
			logger.Error("Job failed", err, logging.LogFields{
				logging.FieldWorkflow:  job.WorkflowID,
				logging.FieldMessageID: job.MessageID,
				"duration_ms":          job.Duration.Milliseconds(),
				"retry_count":          job.RetryCount,
			})
		},
	}
}

package errors

import (
	sterrors "errors"
	"fmt"
	"strings"
)

var (
	ErrNotStarted          = sterrors.New("flowadapter: component is not started")
	ErrDuplicateID         = sterrors.New("flowadapter: duplicate unique id")
	ErrNilComponent        = sterrors.New("flowadapter: component is nil")
	ErrUnknownService      = sterrors.New("flowadapter: unknown service id")
	ErrPoolExhausted       = sterrors.New("flowadapter: worker pool exhausted")
	ErrChannelUnavailable  = sterrors.New("flowadapter: channel unavailable")
	ErrRetryExhausted      = sterrors.New("flowadapter: retry attempts exhausted")
	ErrStopped             = sterrors.New("flowadapter: component stopped")
	ErrTimeout             = sterrors.New("flowadapter: operation timed out")
	ErrConsumerRequired    = sterrors.New("flowadapter: consumer is required")
	ErrProducerRequired    = sterrors.New("flowadapter: producer is required")
	ErrChainRequired       = sterrors.New("flowadapter: service chain is required")
	ErrTransportRequired   = sterrors.New("flowadapter: transport is required")
	ErrRecoveryRequired    = sterrors.New("flowadapter: recovery service is required")
	ErrUnknownPayload      = sterrors.New("flowadapter: unknown payload id")
	ErrUnresolvedReference = sterrors.New("flowadapter: unresolved expression")
)

// LifecycleError reports a failed lifecycle transition on a single component.
type LifecycleError struct {
	Component string
	Op        string
	Err       error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("flowadapter: %s %s: %v", e.Op, e.Component, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

// PipelineError reports a message that failed inside a workflow. Component is
// the id (or type name) of the step that raised Err.
type PipelineError struct {
	Component string
	MessageID string
	Err       error
}

func (e *PipelineError) Error() string {
	if e.MessageID == "" {
		return fmt.Sprintf("flowadapter: %s failed: %v", e.Component, e.Err)
	}
	return fmt.Sprintf("flowadapter: %s failed on message %s: %v", e.Component, e.MessageID, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// ConfigurationError reports an invalid setting detected during construction
// or validation.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("flowadapter: invalid %s: %s", e.Field, e.Reason)
}

// NewConfigurationError is a shorthand used by constructors.
func NewConfigurationError(field, reason string) error {
	return &ConfigurationError{Field: field, Reason: reason}
}

// ResolutionError reports an expression that could not be resolved against a
// message. Key names the missing metadata key when the failure is a lookup.
type ResolutionError struct {
	Expression string
	Key        string
	Reason     string
	Err        error
}

func (e *ResolutionError) Error() string {
	var b strings.Builder
	b.WriteString("flowadapter: cannot resolve ")
	b.WriteString(e.Expression)
	if e.Key != "" {
		b.WriteString(": missing key ")
		b.WriteString(e.Key)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ResolutionError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrUnresolvedReference
}

// ComponentOf returns the failing component recorded in err, or "" when err
// carries no component information.
func ComponentOf(err error) string {
	var pe *PipelineError
	if sterrors.As(err, &pe) {
		return pe.Component
	}
	var le *LifecycleError
	if sterrors.As(err, &le) {
		return le.Component
	}
	return ""
}

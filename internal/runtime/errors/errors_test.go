package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestSentinelErrorsArePrefixed(t *testing.T) {
	sentinels := []error{
		ErrNotStarted, ErrDuplicateID, ErrNilComponent, ErrUnknownService,
		ErrPoolExhausted, ErrChannelUnavailable, ErrRetryExhausted, ErrStopped,
		ErrTimeout, ErrConsumerRequired, ErrProducerRequired, ErrChainRequired,
		ErrTransportRequired, ErrRecoveryRequired, ErrUnknownPayload, ErrUnresolvedReference,
	}
	for _, err := range sentinels {
		if !strings.HasPrefix(err.Error(), "flowadapter: ") {
			t.Errorf("sentinel %q lacks package prefix", err)
		}
	}
}

func TestLifecycleErrorUnwraps(t *testing.T) {
	err := &LifecycleError{Component: "orders", Op: "init", Err: ErrTimeout}
	if !errors.Is(err, ErrTimeout) {
		t.Fatal("expected errors.Is to reach the wrapped sentinel")
	}
	if got, want := err.Error(), "flowadapter: init orders: flowadapter: operation timed out"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestPipelineErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *PipelineError
		want string
	}{
		{
			name: "with message id",
			err:  &PipelineError{Component: "enrich", MessageID: "m1", Err: errors.New("boom")},
			want: "flowadapter: enrich failed on message m1: boom",
		},
		{
			name: "without message id",
			err:  &PipelineError{Component: "enrich", Err: errors.New("boom")},
			want: "flowadapter: enrich failed: boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolutionErrorDefaultsToUnresolvedSentinel(t *testing.T) {
	err := &ResolutionError{Expression: "%message{missing}", Key: "missing"}
	if !errors.Is(err, ErrUnresolvedReference) {
		t.Fatal("expected resolution error to match ErrUnresolvedReference")
	}
	if !strings.Contains(err.Error(), "missing key missing") {
		t.Fatalf("expected key in message, got %q", err.Error())
	}

	inner := errors.New("bad xpath")
	wrapped := &ResolutionError{Expression: "%payload{xpath:/a[}", Reason: "compile", Err: inner}
	if !errors.Is(wrapped, inner) {
		t.Fatal("expected resolution error to unwrap inner cause")
	}
}

func TestConfigurationError(t *testing.T) {
	err := NewConfigurationError("pool.size", "must be positive")
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatal("expected ConfigurationError")
	}
	if cfgErr.Field != "pool.size" {
		t.Fatalf("unexpected field %q", cfgErr.Field)
	}
}

func TestComponentOf(t *testing.T) {
	if got := ComponentOf(&PipelineError{Component: "svc"}); got != "svc" {
		t.Fatalf("expected svc, got %q", got)
	}
	if got := ComponentOf(&LifecycleError{Component: "wf", Op: "start", Err: ErrTimeout}); got != "wf" {
		t.Fatalf("expected wf, got %q", got)
	}
	if got := ComponentOf(errors.New("plain")); got != "" {
		t.Fatalf("expected empty component, got %q", got)
	}
}

package service

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/drblury/flowadapter/internal/runtime/errors"
	"github.com/drblury/flowadapter/internal/runtime/logging"
	"github.com/drblury/flowadapter/internal/runtime/message"
	"github.com/drblury/flowadapter/internal/runtime/resolver"
)

// Func adapts a function to Service.
type Func struct {
	ID string
	Fn func(ctx context.Context, msg *message.Message) error
}

// NewFunc returns a Service running fn.
func NewFunc(id string, fn func(ctx context.Context, msg *message.Message) error) *Func {
	return &Func{ID: id, Fn: fn}
}

func (f *Func) UniqueID() string { return f.ID }

func (f *Func) Apply(ctx context.Context, msg *message.Message) error { return f.Fn(ctx, msg) }

// AddMetadata sets metadata entries whose values may contain references.
type AddMetadata struct {
	id       string
	entries  map[string]string
	keys     []string
	resolver *resolver.Resolver
}

// NewAddMetadata builds the service. A nil resolver uses a private one.
func NewAddMetadata(id string, entries map[string]string, r *resolver.Resolver) *AddMetadata {
	if r == nil {
		r = resolver.New(nil)
	}
	return &AddMetadata{
		id:       id,
		entries:  maps.Clone(entries),
		keys:     slices.Sorted(maps.Keys(entries)),
		resolver: r,
	}
}

func (a *AddMetadata) UniqueID() string { return a.id }

// Apply resolves every value before writing any, so a failed reference leaves
// the message untouched.
func (a *AddMetadata) Apply(ctx context.Context, msg *message.Message) error {
	resolved := make(map[string]string, len(a.entries))
	for _, key := range a.keys {
		v, err := a.resolver.ResolveContext(ctx, msg, a.entries[key])
		if err != nil {
			return err
		}
		resolved[key] = v
	}
	msg.AddAllMetadata(resolved)
	return nil
}

// CopyMetadata copies values from source keys to target keys. Missing sources
// are skipped.
type CopyMetadata struct {
	id      string
	mapping map[string]string
}

// NewCopyMetadata builds the service from a source-to-target mapping.
func NewCopyMetadata(id string, mapping map[string]string) *CopyMetadata {
	return &CopyMetadata{id: id, mapping: maps.Clone(mapping)}
}

func (c *CopyMetadata) UniqueID() string { return c.id }

func (c *CopyMetadata) Apply(_ context.Context, msg *message.Message) error {
	for src, dst := range c.mapping {
		if v, ok := msg.Metadata(src); ok {
			msg.AddMetadata(dst, v)
		}
	}
	return nil
}

// StopProcessing flags the message so the enclosing chain ends after it.
type StopProcessing struct {
	ID string
}

func (s StopProcessing) UniqueID() string { return s.ID }

func (StopProcessing) Apply(_ context.Context, msg *message.Message) error {
	msg.RequestStopProcessing()
	return nil
}

// BranchCase routes to Next when Condition holds.
type BranchCase struct {
	Condition string
	Next      string
}

type compiledCase struct {
	program *vm.Program
	next    string
}

// ExpressionBranch sets the next-service id from the first matching case.
// Conditions see metadata, payload, size and id.
type ExpressionBranch struct {
	id       string
	cases    []compiledCase
	fallback string
}

func branchEnv(msg *message.Message) map[string]any {
	env := map[string]any{
		"metadata": map[string]string{},
		"payload":  "",
		"size":     int64(0),
		"id":       "",
	}
	if msg != nil {
		env["metadata"] = map[string]string(msg.MetadataSnapshot())
		env["payload"] = msg.PayloadString()
		env["size"] = msg.Size()
		env["id"] = msg.UniqueID()
	}
	return env
}

// NewExpressionBranch compiles every condition up front. fallback is used when
// no case matches and may be empty.
func NewExpressionBranch(id string, cases []BranchCase, fallback string) (*ExpressionBranch, error) {
	b := &ExpressionBranch{id: id, fallback: fallback}
	for i, c := range cases {
		program, err := expr.Compile(c.Condition, expr.Env(branchEnv(nil)), expr.AsBool())
		if err != nil {
			return nil, errors.NewConfigurationError(fmt.Sprintf("branch.cases[%d].condition", i), err.Error())
		}
		b.cases = append(b.cases, compiledCase{program: program, next: c.Next})
	}
	return b, nil
}

func (b *ExpressionBranch) UniqueID() string { return b.id }

func (b *ExpressionBranch) Apply(_ context.Context, msg *message.Message) error {
	env := branchEnv(msg)
	for _, c := range b.cases {
		out, err := expr.Run(c.program, env)
		if err != nil {
			return fmt.Errorf("evaluate branch condition: %w", err)
		}
		if matched, _ := out.(bool); matched {
			msg.SetNextServiceID(c.next)
			return nil
		}
	}
	msg.SetNextServiceID(b.fallback)
	return nil
}

// LogMessage logs the message identity, metadata and optionally its payload.
type LogMessage struct {
	id             string
	logger         logging.ServiceLogger
	includePayload bool
}

// NewLogMessage builds the service.
func NewLogMessage(id string, logger logging.ServiceLogger, includePayload bool) *LogMessage {
	return &LogMessage{id: id, logger: logging.OrNop(logger), includePayload: includePayload}
}

func (l *LogMessage) UniqueID() string { return l.id }

func (l *LogMessage) Apply(_ context.Context, msg *message.Message) error {
	fields := logging.LogFields{
		logging.FieldMessageID: msg.UniqueID(),
		"size":                 msg.Size(),
		"metadata":             msg.MetadataSnapshot(),
	}
	if l.includePayload {
		fields["payload"] = msg.PayloadString()
	}
	l.logger.Info("Message", fields)
	return nil
}

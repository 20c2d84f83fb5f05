package service

import (
	"context"
	"fmt"

	"github.com/drblury/flowadapter/internal/runtime/errors"
	"github.com/drblury/flowadapter/internal/runtime/lifecycle"
	"github.com/drblury/flowadapter/internal/runtime/logging"
	"github.com/drblury/flowadapter/internal/runtime/message"
)

// Branching starts at its first service and then follows each service's
// next-service id until one leaves it empty. Branches may loop; the context
// bounds them.
type Branching struct {
	*lifecycle.Machine

	first           string
	services        []Service
	byID            map[string]Service
	tolerateUnknown bool
	logger          logging.ServiceLogger
}

// NewBranching builds a branching chain whose entry point is firstServiceID.
// Every service needs a unique, non-empty id.
func NewBranching(id, firstServiceID string, services []Service, opts ...Option) (*Branching, error) {
	if err := validateServices(services); err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	b := &Branching{
		first:           firstServiceID,
		services:        append([]Service(nil), services...),
		byID:            make(map[string]Service, len(services)),
		tolerateUnknown: o.tolerateUnknown,
		logger:          logging.ForComponent(o.logger, "branching", id),
	}
	for _, svc := range b.services {
		svcID := svc.UniqueID()
		if svcID == "" {
			return nil, errors.NewConfigurationError("branching.services", fmt.Sprintf("%s has no unique id", message.SimpleName(svc)))
		}
		b.byID[svcID] = svc
	}
	if _, ok := b.byID[firstServiceID]; !ok {
		return nil, errors.NewConfigurationError("branching.first_service_id", fmt.Sprintf("%q is not a service of the chain", firstServiceID))
	}

	c := container{
		cascade:  lifecycle.NewCascade(o.strategy, b.logger),
		children: func() []lifecycle.Component { return lifecycle.Components(b.services) },
	}
	b.Machine = lifecycle.NewMachine(id, c.hooks())
	return b, nil
}

func (b *Branching) Apply(ctx context.Context, msg *message.Message) error {
	next := b.first
	for next != "" {
		if err := ctx.Err(); err != nil {
			return err
		}
		svc, ok := b.byID[next]
		if !ok {
			if b.tolerateUnknown {
				b.logger.Debug("Branch target not found, finishing", logging.LogFields{"next": next})
				return nil
			}
			err := fmt.Errorf("%w: %s", errors.ErrUnknownService, next)
			msg.RecordFailure(b, err)
			return &errors.PipelineError{Component: b.UniqueID(), MessageID: msg.UniqueID(), Err: err}
		}
		msg.SetNextServiceID("")
		if err := applyService(ctx, svc, msg); err != nil {
			return err
		}
		next = msg.NextServiceID()
	}
	msg.SetNextServiceID("")
	return nil
}

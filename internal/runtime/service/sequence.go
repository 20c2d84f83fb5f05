package service

import (
	"context"

	"github.com/drblury/flowadapter/internal/runtime/lifecycle"
	"github.com/drblury/flowadapter/internal/runtime/logging"
	"github.com/drblury/flowadapter/internal/runtime/message"
)

// Sequence runs its services in order. When a service sets the next-service
// id to a later service, the services in between are skipped; ids that point
// backwards or are unknown are ignored. The stop-processing flag ends the
// sequence before the next service runs.
type Sequence struct {
	*lifecycle.Machine

	services []Service
	index    map[string]int
	logger   logging.ServiceLogger
}

// NewSequence builds a sequence. Service ids must be unique.
func NewSequence(id string, services []Service, opts ...Option) (*Sequence, error) {
	if err := validateServices(services); err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	s := &Sequence{
		services: append([]Service(nil), services...),
		index:    make(map[string]int, len(services)),
		logger:   logging.ForComponent(o.logger, "sequence", id),
	}
	for i, svc := range s.services {
		if svcID := svc.UniqueID(); svcID != "" {
			s.index[svcID] = i
		}
	}
	c := container{
		cascade:  lifecycle.NewCascade(o.strategy, s.logger),
		children: func() []lifecycle.Component { return lifecycle.Components(s.services) },
	}
	s.Machine = lifecycle.NewMachine(id, c.hooks())
	return s, nil
}

// Services returns the services in declaration order.
func (s *Sequence) Services() []Service {
	return append([]Service(nil), s.services...)
}

func (s *Sequence) Apply(ctx context.Context, msg *message.Message) error {
	for i := 0; i < len(s.services); i++ {
		if msg.StopProcessingRequested() {
			s.logger.Debug("Stop processing requested", logging.LogFields{logging.FieldMessageID: msg.UniqueID()})
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := applyService(ctx, s.services[i], msg); err != nil {
			return err
		}

		next := msg.NextServiceID()
		if next == "" {
			continue
		}
		msg.SetNextServiceID("")
		if j, ok := s.index[next]; ok && j > i {
			i = j - 1
		} else {
			s.logger.Trace("Ignoring next service id", logging.LogFields{"next": next})
		}
	}
	return nil
}

package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/drblury/flowadapter/internal/runtime/errors"
)

// Hooks are the per-component transition bodies. A nil hook is a no-op.
type Hooks struct {
	Init  func(ctx context.Context) error
	Start func(ctx context.Context) error
	Stop  func(ctx context.Context) error
	Close func(ctx context.Context) error
}

// Machine is the state machine embedded by every component. Transitions are
// serialised; State may be read concurrently with a running transition and
// reports the last completed state.
type Machine struct {
	id    string
	hooks Hooks

	mu    sync.Mutex
	state atomic.Int32
}

// NewMachine returns a Closed machine for the component identified by id.
func NewMachine(id string, hooks Hooks) *Machine {
	return &Machine{id: id, hooks: hooks}
}

func (m *Machine) UniqueID() string { return m.id }

func (m *Machine) State() State { return State(m.state.Load()) }

func (m *Machine) set(s State) { m.state.Store(int32(s)) }

// Init moves a Closed component to Initialised. A failed hook leaves the
// component Closed.
func (m *Machine) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.init(ctx)
}

func (m *Machine) init(ctx context.Context) error {
	if m.State() != Closed {
		return nil
	}
	if err := m.run(ctx, OpInit, m.hooks.Init); err != nil {
		return err
	}
	m.set(Initialised)
	return nil
}

// Start moves the component to Started, initialising it first when Closed.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.State() {
	case Started:
		return nil
	case Closed:
		if err := m.init(ctx); err != nil {
			return err
		}
	}
	if err := m.run(ctx, OpStart, m.hooks.Start); err != nil {
		return err
	}
	m.set(Started)
	return nil
}

// Stop moves a Started component to Stopped. Other states are left alone.
func (m *Machine) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop(ctx)
}

func (m *Machine) stop(ctx context.Context) error {
	if m.State() != Started {
		return nil
	}
	if err := m.run(ctx, OpStop, m.hooks.Stop); err != nil {
		return err
	}
	m.set(Stopped)
	return nil
}

// Close moves the component to Closed, stopping it first when Started.
func (m *Machine) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.State() {
	case Closed:
		return nil
	case Started:
		if err := m.stop(ctx); err != nil {
			return err
		}
	}
	if err := m.run(ctx, OpClose, m.hooks.Close); err != nil {
		return err
	}
	m.set(Closed)
	return nil
}

func (m *Machine) run(ctx context.Context, op Op, hook func(context.Context) error) error {
	if hook == nil {
		return nil
	}
	if err := hook(ctx); err != nil {
		return &errors.LifecycleError{Component: m.id, Op: op.String(), Err: err}
	}
	return nil
}

// Package lifecycle implements the four-state component lifecycle shared by
// adapters, channels, workflows, connections and error handlers.
//
//	Closed --init--> Initialised --start--> Started --stop--> Stopped
//	  ^                                                         |
//	  +------------------------- close ------------------------+
//
// Every request is idempotent: asking for the current state is a no-op.
// Intermediate states are entered implicitly, so Start on a Closed component
// initialises it first and Close on a Started component stops it first.
package lifecycle

import "context"

// State is a lifecycle state.
type State int32

const (
	Closed State = iota
	Initialised
	Started
	Stopped
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Initialised:
		return "initialised"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Component is anything with a managed lifecycle.
type Component interface {
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Close(ctx context.Context) error
	State() State
	UniqueID() string
}

// AutoStarter is implemented by components whose parent may skip them during
// init and start.
type AutoStarter interface {
	AutoStart() bool
}

// ShouldAutoStart reports whether a container should bring c up. Components
// without a unique id always start; otherwise an AutoStarter decides.
func ShouldAutoStart(c Component) bool {
	if c.UniqueID() == "" {
		return true
	}
	if as, ok := c.(AutoStarter); ok {
		return as.AutoStart()
	}
	return true
}

// Op names a lifecycle request.
type Op int

const (
	OpInit Op = iota
	OpStart
	OpStop
	OpClose
)

func (o Op) String() string {
	switch o {
	case OpInit:
		return "init"
	case OpStart:
		return "start"
	case OpStop:
		return "stop"
	case OpClose:
		return "close"
	default:
		return "unknown"
	}
}

// Apply performs o on c.
func (o Op) Apply(ctx context.Context, c Component) error {
	switch o {
	case OpInit:
		return c.Init(ctx)
	case OpStart:
		return c.Start(ctx)
	case OpStop:
		return c.Stop(ctx)
	default:
		return c.Close(ctx)
	}
}

// Restart brings c down and back up: stop, close, init, start.
func Restart(ctx context.Context, c Component) error {
	if err := c.Stop(ctx); err != nil {
		return err
	}
	if err := c.Close(ctx); err != nil {
		return err
	}
	if err := c.Init(ctx); err != nil {
		return err
	}
	return c.Start(ctx)
}

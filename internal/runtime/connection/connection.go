// Package connection models the links to message infrastructure that
// consumers and producers share. A Connection keeps a registry of the
// components using it and, when the link breaks, raises an Exception to its
// handlers so they can restart what depends on it.
package connection

import (
	"context"
	stderrors "errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/drblury/flowadapter/internal/runtime/errors"
	"github.com/drblury/flowadapter/internal/runtime/lifecycle"
	"github.com/drblury/flowadapter/internal/runtime/logging"
)

// Exception describes a broken connection.
type Exception struct {
	ConnectionID string
	Cause        error
	// Listeners are the components registered when the exception was
	// raised, in registration order.
	Listeners []lifecycle.Component
}

// ExceptionHandler reacts to connection exceptions. Handlers that always
// handle run for every exception; of the others only the first registered
// one runs.
type ExceptionHandler interface {
	HandleConnectionException(ctx context.Context, exc Exception) error
	AlwaysHandle() bool
}

// Connection is the lifecycle and listener registry shared by every
// connection kind.
type Connection struct {
	*lifecycle.Machine

	mu        sync.RWMutex
	listeners []lifecycle.Component
	index     map[string]int
	handlers  []ExceptionHandler

	raising atomic.Bool
	logger  logging.ServiceLogger
}

// New returns a Closed connection running hooks on its transitions.
func New(id string, hooks lifecycle.Hooks, logger logging.ServiceLogger) *Connection {
	return &Connection{
		Machine: lifecycle.NewMachine(id, hooks),
		index:   make(map[string]int),
		logger:  logging.ForComponent(logger, "connection", id),
	}
}

// AddListener registers l for restarts triggered by this connection.
// Registering the same component again is a no-op; a different component
// with an id already in use is rejected.
func (c *Connection) AddListener(l lifecycle.Component) error {
	if len(lifecycle.Components([]lifecycle.Component{l})) == 0 {
		return errors.ErrNilComponent
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.index[l.UniqueID()]; ok && l.UniqueID() != "" {
		if c.listeners[i] == l {
			return nil
		}
		return &errors.LifecycleError{Component: l.UniqueID(), Op: "register", Err: errors.ErrDuplicateID}
	}
	if slices.Contains(c.listeners, l) {
		return nil
	}
	if id := l.UniqueID(); id != "" {
		c.index[id] = len(c.listeners)
	}
	c.listeners = append(c.listeners, l)
	return nil
}

// RemoveListener unregisters l and reports whether it was registered.
func (c *Connection) RemoveListener(l lifecycle.Component) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := slices.Index(c.listeners, l)
	if i < 0 {
		return false
	}
	c.listeners = slices.Delete(c.listeners, i, i+1)
	clear(c.index)
	for j, item := range c.listeners {
		if id := item.UniqueID(); id != "" {
			c.index[id] = j
		}
	}
	return true
}

// Listeners returns a snapshot of the registered components.
func (c *Connection) Listeners() []lifecycle.Component {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.listeners)
}

// Listener looks a registered component up by id.
func (c *Connection) Listener(id string) (lifecycle.Component, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.index[id]
	if !ok {
		return nil, false
	}
	return c.listeners[i], true
}

// AddExceptionHandler appends h. Nil handlers are ignored.
func (c *Connection) AddExceptionHandler(h ExceptionHandler) {
	if h == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// RaiseException dispatches cause to the exception handlers. An exception
// raised while another is being handled is dropped, since the running
// handlers already restart everything registered.
func (c *Connection) RaiseException(ctx context.Context, cause error) error {
	if !c.raising.CompareAndSwap(false, true) {
		c.logger.Debug("Connection exception already being handled", logging.LogFields{"cause": errString(cause)})
		return nil
	}
	defer c.raising.Store(false)

	c.mu.RLock()
	handlers := slices.Clone(c.handlers)
	exc := Exception{ConnectionID: c.UniqueID(), Cause: cause, Listeners: slices.Clone(c.listeners)}
	c.mu.RUnlock()

	c.logger.Error("Connection exception", cause, logging.LogFields{
		"listeners": len(exc.Listeners),
		"handlers":  len(handlers),
	})
	if len(handlers) == 0 {
		return nil
	}

	var errs []error
	primaryDone := false
	for _, h := range handlers {
		always := h.AlwaysHandle()
		if !always && primaryDone {
			continue
		}
		if err := h.HandleConnectionException(ctx, exc); err != nil {
			errs = append(errs, err)
		}
		if !always {
			primaryDone = true
		}
	}
	return stderrors.Join(errs...)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

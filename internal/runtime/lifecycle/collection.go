package lifecycle

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/drblury/flowadapter/internal/runtime/errors"
)

// Identified is anything carrying a unique id.
type Identified interface {
	UniqueID() string
}

// Collection is an ordered list whose non-empty ids are unique.
type Collection[T Identified] struct {
	mu    sync.RWMutex
	items []T
}

// NewCollection builds a collection, rejecting nil items and duplicate ids.
func NewCollection[T Identified](items ...T) (*Collection[T], error) {
	c := &Collection[T]{}
	for _, item := range items {
		if err := c.Add(item); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add appends item.
func (c *Collection[T]) Add(item T) error {
	if isNil(item) {
		return errors.ErrNilComponent
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if id := item.UniqueID(); id != "" {
		for _, existing := range c.items {
			if existing.UniqueID() == id {
				return fmt.Errorf("%w: %s", errors.ErrDuplicateID, id)
			}
		}
	}
	c.items = append(c.items, item)
	return nil
}

// Items returns a snapshot in declaration order.
func (c *Collection[T]) Items() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

// Get finds an item by id.
func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, item := range c.items {
		if item.UniqueID() == id {
			return item, true
		}
	}
	var zero T
	return zero, false
}

// Len returns the number of items.
func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Components narrows items to lifecycle components, preserving order.
func Components[T any](items []T) []Component {
	out := make([]Component, 0, len(items))
	for _, item := range items {
		if comp, ok := any(item).(Component); ok && !isNil(comp) {
			out = append(out, comp)
		}
	}
	return out
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

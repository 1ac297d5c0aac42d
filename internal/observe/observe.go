// Package observe keeps named attribute values for a single plugin instance
// and notifies registered handlers synchronously when they change.
package observe

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var (
	ErrEmptyName   = errors.New("attribute name required")
	ErrNoNames     = errors.New("at least one attribute name required")
	ErrNilHandler  = errors.New("handler required")
	ErrNotObserved = errors.New("observer not found")
)

// Change describes a single attribute update
type Change struct {
	Name string
	Old  any
	New  any
}

// Handler reacts to an attribute change
type Handler func(Change) error

// ID identifies a registered observer
type ID uint64

type observer struct {
	id      ID
	handler Handler
}

// Store holds attribute values and their observers. The zero value is not
// usable; use NewStore.
type Store struct {
	mu        sync.Mutex
	values    map[string]any
	observers map[string][]observer
	frozen    map[string]bool
	nextID    ID
}

// NewStore creates an empty attribute store
func NewStore() *Store {
	return &Store{
		values:    make(map[string]any),
		observers: make(map[string][]observer),
		frozen:    make(map[string]bool),
	}
}

// Freeze pins the named attributes. A frozen attribute still accepts its
// first value, or a value while it holds nil; later Sets are ignored.
func (s *Store) Freeze(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		s.frozen[name] = true
	}
}

// Thaw lets the named attributes change again
func (s *Store) Thaw(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		delete(s.frozen, name)
	}
}

// Frozen reports whether name is frozen
func (s *Store) Frozen(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen[name]
}

// Observe registers handler for every attribute in names
func (s *Store) Observe(handler Handler, names ...string) (ID, error) {
	if handler == nil {
		return 0, ErrNilHandler
	}
	if len(names) == 0 {
		return 0, ErrNoNames
	}
	for _, name := range names {
		if name == "" {
			return 0, ErrEmptyName
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	for _, name := range names {
		s.observers[name] = append(s.observers[name], observer{id: id, handler: handler})
	}
	return id, nil
}

// Unobserve removes an observer from all attributes it watched
func (s *Store) Unobserve(id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for name, list := range s.observers {
		kept := list[:0]
		for _, o := range list {
			if o.id == id {
				found = true
				continue
			}
			kept = append(kept, o)
		}
		if len(kept) == 0 {
			delete(s.observers, name)
		} else {
			s.observers[name] = kept
		}
	}

	if !found {
		return fmt.Errorf("%w: %d", ErrNotObserved, id)
	}
	return nil
}

// Get returns the current value of name
func (s *Store) Get(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[name]
	return v, ok
}

// Set stores value and notifies observers if it differs from the current one.
// Handlers run in registration order after the store lock is released, so
// they may read or set attributes themselves.
func (s *Store) Set(name string, value any) error {
	return s.set(name, value, false)
}

// Touch notifies observers of name with its current value
func (s *Store) Touch(name string) error {
	v, _ := s.Get(name)
	return s.set(name, v, true)
}

func (s *Store) set(name string, value any, force bool) error {
	if name == "" {
		return ErrEmptyName
	}

	s.mu.Lock()
	old, existed := s.values[name]
	if existed && !force && reflect.DeepEqual(old, value) {
		s.mu.Unlock()
		return nil
	}
	if existed && old != nil && !force && s.frozen[name] {
		s.mu.Unlock()
		return nil
	}
	s.values[name] = value
	handlers := make([]Handler, 0, len(s.observers[name]))
	for _, o := range s.observers[name] {
		handlers = append(handlers, o.handler)
	}
	s.mu.Unlock()

	change := Change{Name: name, Old: old, New: value}
	var errs []error
	for _, h := range handlers {
		if err := h(change); err != nil {
			errs = append(errs, fmt.Errorf("observer of %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// GetAs returns the value of name converted to T
func GetAs[T any](s *Store, name string) (T, bool) {
	v, ok := s.Get(name)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

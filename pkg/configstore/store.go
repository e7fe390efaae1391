// Package configstore holds named configuration entries for agents and
// drivers, with change subscriptions and optional file persistence.
//
// Entry names are slash-separated paths ("config", "devices/campus/...",
// "drivers/auth/ecobee_8675309"). Agents subscribe to a name prefix and are
// called back on NEW, UPDATE and DELETE actions, which is how drivers pick
// up registry changes and persist auth material without restarting.
package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Action identifies the kind of change delivered to a subscription.
type Action string

const (
	ActionNew    Action = "NEW"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// ErrNotFound is returned when a named entry does not exist.
var ErrNotFound = errors.New("config entry not found")

// ErrStoreClosed is returned after Close.
var ErrStoreClosed = errors.New("config store closed")

// Callback receives config change notifications. contents is nil for
// DELETE actions.
type Callback func(name string, action Action, contents json.RawMessage)

type subscription struct {
	prefix  string
	actions map[Action]bool
	cb      Callback
}

// Store is an in-memory config store with an optional file backend.
type Store struct {
	mu      sync.RWMutex
	entries map[string]json.RawMessage
	subs    []subscription
	backend Backend
	closed  bool
}

// Backend persists entries behind a Store. Implementations must be safe for
// use from a single Store; the Store serializes access.
type Backend interface {
	Load() (map[string]json.RawMessage, error)
	Save(name string, contents json.RawMessage) error
	Remove(name string) error
}

// NewStore creates a memory-only store.
func NewStore() *Store {
	return &Store{entries: make(map[string]json.RawMessage)}
}

// NewStoreWithBackend creates a store that loads existing entries from the
// backend and writes every change through to it.
func NewStoreWithBackend(backend Backend) (*Store, error) {
	entries, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("load config entries: %w", err)
	}
	if entries == nil {
		entries = make(map[string]json.RawMessage)
	}
	return &Store{entries: entries, backend: backend}, nil
}

// Set stores an entry, marshaling contents to JSON, and notifies
// subscribers with NEW or UPDATE depending on whether the entry existed.
func (s *Store) Set(name string, contents any) error {
	if err := validateName(name); err != nil {
		return err
	}

	data, err := json.Marshal(contents)
	if err != nil {
		return fmt.Errorf("marshal config %s: %w", name, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	_, existed := s.entries[name]
	s.entries[name] = data
	backend := s.backend
	subs := s.matchingSubs(name)
	s.mu.Unlock()

	if backend != nil {
		if err := backend.Save(name, data); err != nil {
			return fmt.Errorf("persist config %s: %w", name, err)
		}
	}

	action := ActionNew
	if existed {
		action = ActionUpdate
	}
	notify(subs, name, action, data)
	return nil
}

// SetDefault stores an entry only if it does not exist yet. Used by agents
// to seed their own configuration so the NEW callback fires at startup.
func (s *Store) SetDefault(name string, contents any) error {
	s.mu.RLock()
	_, existed := s.entries[name]
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return ErrStoreClosed
	}
	if existed {
		return nil
	}
	return s.Set(name, contents)
}

// Get decodes the named entry into v.
func (s *Store) Get(name string, v any) error {
	s.mu.RLock()
	data, ok := s.entries[name]
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return ErrStoreClosed
	}
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode config %s: %w", name, err)
	}
	return nil
}

// Ping reports whether the store is still usable. Used by health checks.
func (s *Store) Ping() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Delete removes an entry and notifies subscribers. Deleting a missing
// entry is not an error.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	_, existed := s.entries[name]
	delete(s.entries, name)
	backend := s.backend
	subs := s.matchingSubs(name)
	s.mu.Unlock()

	if !existed {
		return nil
	}
	if backend != nil {
		if err := backend.Remove(name); err != nil {
			return fmt.Errorf("remove config %s: %w", name, err)
		}
	}
	notify(subs, name, ActionDelete, nil)
	return nil
}

// List returns the names of all entries with the given prefix, sorted.
func (s *Store) List(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var names []string
	for name := range s.entries {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Subscribe registers a callback for changes to entries whose name starts
// with prefix. actions limits which changes are delivered; nil means all.
func (s *Store) Subscribe(prefix string, actions []Action, cb Callback) {
	actionSet := make(map[Action]bool)
	for _, a := range actions {
		actionSet[a] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, subscription{prefix: prefix, actions: actionSet, cb: cb})
}

// Close marks the store closed. Further operations return ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) matchingSubs(name string) []subscription {
	var matched []subscription
	for _, sub := range s.subs {
		if strings.HasPrefix(name, sub.prefix) {
			matched = append(matched, sub)
		}
	}
	return matched
}

func notify(subs []subscription, name string, action Action, data json.RawMessage) {
	for _, sub := range subs {
		if len(sub.actions) > 0 && !sub.actions[action] {
			continue
		}
		sub.cb(name, action, data)
	}
}

func validateName(name string) error {
	if name == "" {
		return errors.New("config name cannot be empty")
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid config name %q", name)
		}
	}
	return nil
}

type contextKey struct{}

// WithStore returns a context carrying the store.
func WithStore(ctx context.Context, s *Store) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext extracts the store from the context, if present.
func FromContext(ctx context.Context) (*Store, bool) {
	s, ok := ctx.Value(contextKey{}).(*Store)
	return s, ok
}

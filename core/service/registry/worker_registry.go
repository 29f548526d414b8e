// Package registry holds the live provider sessions, one per connection key.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/out"
	"mailpilot_worker/pkg/logger"
)

var ErrNotFound = errors.New("connection not registered")

// Entry is a live session plus the identity it belongs to.
type Entry struct {
	ConnectionID uuid.UUID
	Key          domain.ConnectionKey
	Provider     domain.ProviderKind
	Session      out.Session
	OpenedAt     time.Time
}

// ReconnectFunc re-derives a session from the persisted connection.
type ReconnectFunc func(ctx context.Context, key domain.ConnectionKey) (*Entry, error)

// Listener receives connection events after the registry lock is released.
type Listener func(evt domain.ConnectionEvent)

// Registry is safe for concurrent use. Reads share a lock, writes are serialized.
type Registry struct {
	mu        sync.RWMutex
	entries   map[domain.ConnectionKey]*Entry
	failures  map[domain.ConnectionKey]error
	listeners []Listener
	reconnect ReconnectFunc
	group     singleflight.Group
	log       *logger.Logger
}

type Option func(*Registry)

func WithReconnect(fn ReconnectFunc) Option {
	return func(r *Registry) { r.reconnect = fn }
}

func WithListener(l Listener) Option {
	return func(r *Registry) { r.listeners = append(r.listeners, l) }
}

func WithLogger(l *logger.Logger) Option {
	return func(r *Registry) { r.log = l }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		entries:  make(map[domain.ConnectionKey]*Entry),
		failures: make(map[domain.ConnectionKey]error),
		log:      logger.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetReconnect installs the reconnect hook after construction; the mailbox
// service and the registry reference each other.
func (r *Registry) SetReconnect(fn ReconnectFunc) {
	r.mu.Lock()
	r.reconnect = fn
	r.mu.Unlock()
}

// AddListener subscribes to connection events.
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Register stores the entry, replacing and closing any previous session for
// the same key, then emits a connected event.
func (r *Registry) Register(e *Entry) domain.ConnectionKey {
	if e.OpenedAt.IsZero() {
		e.OpenedAt = time.Now()
	}

	r.mu.Lock()
	prev := r.entries[e.Key]
	r.entries[e.Key] = e
	delete(r.failures, e.Key)
	listeners := r.listeners
	r.mu.Unlock()

	if prev != nil && prev != e {
		r.closeSession(prev)
	}
	r.emit(listeners, domain.ConnectionEvent{
		Type:         domain.EventConnected,
		ConnectionID: e.ConnectionID,
		UserID:       e.Key.UserID,
		Email:        e.Key.Email,
		Provider:     e.Provider,
		At:           time.Now(),
	})
	return e.Key
}

func (r *Registry) Get(key domain.ConnectionKey) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	return e, ok
}

// GetOrReconnect returns the live entry, deriving it on a miss. Concurrent
// misses for one key share a single reconnect. A failed reconnect is recorded
// and surfaces as ErrNotFound wrapping the cause.
func (r *Registry) GetOrReconnect(ctx context.Context, key domain.ConnectionKey) (*Entry, error) {
	if e, ok := r.Get(key); ok {
		return e, nil
	}

	r.mu.RLock()
	reconnect := r.reconnect
	r.mu.RUnlock()
	if reconnect == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	v, err, _ := r.group.Do(key.String(), func() (any, error) {
		if e, ok := r.Get(key); ok {
			return e, nil
		}
		e, err := reconnect(ctx, key)
		if err != nil {
			return nil, err
		}
		r.Register(e)
		return e, nil
	})
	if err != nil {
		r.mu.Lock()
		r.failures[key] = err
		r.mu.Unlock()
		r.log.WithField("connection", key.String()).WithError(err).Warn("[Registry] reconnect failed")
		return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, key, err)
	}
	return v.(*Entry), nil
}

// LastFailure returns the most recent reconnect error for the key.
func (r *Registry) LastFailure(key domain.ConnectionKey) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failures[key]
}

// Remove drops and closes the entry. Removing a missing key is a no-op.
func (r *Registry) Remove(key domain.ConnectionKey, reason string) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	delete(r.failures, key)
	listeners := r.listeners
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.closeSession(e)
	r.emit(listeners, disconnectedEvent(e, reason))
	return true
}

// CompareAndRemove removes the entry only if it is still the given one, so a
// late failure cannot evict a session that was replaced in the meantime.
func (r *Registry) CompareAndRemove(key domain.ConnectionKey, expected *Entry, reason string) bool {
	r.mu.Lock()
	cur, ok := r.entries[key]
	if !ok || cur != expected {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, key)
	listeners := r.listeners
	r.mu.Unlock()

	r.closeSession(cur)
	evt := disconnectedEvent(cur, reason)
	evt.Type = domain.EventError
	r.emit(listeners, evt)
	return true
}

// Summary is the registry's view of one live connection.
type Summary struct {
	ConnectionID uuid.UUID           `json:"connection_id"`
	Email        string              `json:"email"`
	Provider     domain.ProviderKind `json:"provider"`
	OpenedAt     time.Time           `json:"opened_at"`
}

// ListByUser returns the user's live connections ordered by address.
func (r *Registry) ListByUser(userID string) []Summary {
	r.mu.RLock()
	var out []Summary
	for k, e := range r.entries {
		if k.UserID != userID {
			continue
		}
		out = append(out, Summary{
			ConnectionID: e.ConnectionID,
			Email:        k.Email,
			Provider:     e.Provider,
			OpenedAt:     e.OpenedAt,
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CloseAll closes every session; used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[domain.ConnectionKey]*Entry)
	r.mu.Unlock()

	for _, e := range entries {
		r.closeSession(e)
	}
}

func (r *Registry) closeSession(e *Entry) {
	if e.Session == nil {
		return
	}
	if err := e.Session.Close(); err != nil {
		r.log.WithField("connection", e.Key.String()).WithError(err).Debug("[Registry] session close failed")
	}
}

func (r *Registry) emit(listeners []Listener, evt domain.ConnectionEvent) {
	for _, l := range listeners {
		l(evt)
	}
}

func disconnectedEvent(e *Entry, reason string) domain.ConnectionEvent {
	return domain.ConnectionEvent{
		Type:         domain.EventDisconnected,
		ConnectionID: e.ConnectionID,
		UserID:       e.Key.UserID,
		Email:        e.Key.Email,
		Provider:     e.Provider,
		Reason:       reason,
		At:           time.Now(),
	}
}

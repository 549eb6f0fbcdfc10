package discovery

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bitsperity/homegrow-core/internal/infrastructure/logging"
)

// Responder is the live multicast responder. It is obtained from
// Backend.Acquire and must be closed before another can be acquired.
type Responder interface {
	// Publish announces desc on ip and returns a handle for Unpublish.
	Publish(ctx context.Context, desc ServiceDescriptor, ip string) (Handle, error)

	// Unpublish retracts one announcement.
	Unpublish(h Handle) error

	// Close retracts anything still published and releases the responder.
	Close() error
}

// Scanner is the read-only browse side of a backend. found is called once
// per answer in arrival order until ctx is done. Browse must return once ctx
// is done.
type Scanner interface {
	Browse(ctx context.Context, serviceType string, found func(Peer)) error
}

// Backend is a multicast-DNS implementation.
type Backend interface {
	Scanner

	// Acquire creates the responder. It fails with ErrResponderInUse while a
	// previously acquired responder has not been closed.
	Acquire() (Responder, error)

	// Name returns the registry name.
	Name() string
}

// BackendFactory constructs a backend.
type BackendFactory func(logger *logging.Logger) (Backend, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]BackendFactory{}
)

// RegisterBackend makes a backend available to NewBackend under name.
func RegisterBackend(name string, factory BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = factory
}

// NewBackend constructs the backend registered under name.
func NewBackend(name string, logger *logging.Logger) (Backend, error) {
	backendsMu.RLock()
	factory, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownBackend, name, Backends())
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return factory(logger.With("component", "discovery.backend", "backend", name))
}

// Backends returns the registered backend names, sorted.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// arena holds the single live responder slot of a backend.
type arena struct {
	mu   sync.Mutex
	live bool
}

func (a *arena) claim() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.live {
		return ErrResponderInUse
	}
	a.live = true
	return nil
}

func (a *arena) release() {
	a.mu.Lock()
	a.live = false
	a.mu.Unlock()
}

// handleSet tracks published announcements of one responder.
type handleSet[T any] struct {
	mu      sync.Mutex
	prefix  string
	seq     int
	closed  bool
	entries map[Handle]T
}

func newHandleSet[T any](prefix string) *handleSet[T] {
	return &handleSet[T]{prefix: prefix, entries: make(map[Handle]T)}
}

func (s *handleSet[T]) add(name string, v T) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrResponderClosed
	}
	s.seq++
	h := Handle(fmt.Sprintf("%s/%d/%s", s.prefix, s.seq, name))
	s.entries[h] = v
	return h, nil
}

func (s *handleSet[T]) take(h Handle) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[h]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s", ErrNotPublished, h)
	}
	delete(s.entries, h)
	return v, nil
}

func (s *handleSet[T]) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// closeAll marks the set closed and returns what was still published.
// The second return is false if the set was already closed.
func (s *handleSet[T]) closeAll() ([]T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.closed = true
	rest := make([]T, 0, len(s.entries))
	for h, v := range s.entries {
		rest = append(rest, v)
		delete(s.entries, h)
	}
	return rest, true
}

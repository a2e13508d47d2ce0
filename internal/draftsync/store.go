package draftsync

import (
	"context"
	"sync"
	"time"
)

// ExternalWrite describes a mutation performed by another instance on the
// shared medium. The writer never observes its own writes.
type ExternalWrite struct {
	Key     string
	Deleted bool
}

// Store is the narrow contract every shared persistent medium must satisfy.
// Put fails with ErrQuotaExceeded when the medium rejects the write for lack
// of space; that is the trigger for emergency cleanup. A medium that cannot
// push notifications may deliver Subscribe callbacks from a polling loop.
type Store interface {
	Get(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Subscribe(fn func(ExternalWrite)) (cancel func())
	Close() error
}

// MemoryRegion is a shared in-memory medium. Several MemoryStore handles
// opened on one region behave like independent tabs sharing localStorage,
// which is how the multi-instance protocol is exercised in tests.
type MemoryRegion struct {
	mu       sync.Mutex
	entries  map[string]Entry
	maxBytes int64
	subs     map[int]*memorySubscriber
	nextSub  int
}

type memorySubscriber struct {
	handle int
	fn     func(ExternalWrite)
}

// NewMemoryRegion creates a region. maxBytes <= 0 means unlimited.
func NewMemoryRegion(maxBytes int64) *MemoryRegion {
	return &MemoryRegion{
		entries:  map[string]Entry{},
		maxBytes: maxBytes,
		subs:     map[int]*memorySubscriber{},
	}
}

// OpenStore opens a new handle on the region. Each handle has its own
// identity for self-write suppression.
func (r *MemoryRegion) OpenStore() *MemoryStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSub++
	return &MemoryStore{region: r, handle: r.nextSub}
}

func (r *MemoryRegion) usageLocked() int64 {
	var total int64
	for _, entry := range r.entries {
		total += entry.SizeBytes
	}
	return total
}

func (r *MemoryRegion) notify(origin int, write ExternalWrite) {
	r.mu.Lock()
	targets := make([]func(ExternalWrite), 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.handle == origin {
			continue
		}
		targets = append(targets, sub.fn)
	}
	r.mu.Unlock()
	for _, fn := range targets {
		fn(write)
	}
}

// MemoryStore is one handle on a MemoryRegion.
type MemoryStore struct {
	region *MemoryRegion
	handle int

	cancelMu sync.Mutex
	cancels  []func()
}

func (s *MemoryStore) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.region.mu.Lock()
	defer s.region.mu.Unlock()
	entry, ok := s.region.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry.Key = key
	entry.SizeBytes = int64(len(entry.Value))
	entry.LastAccessedAt = time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = entry.LastAccessedAt
	}
	s.region.mu.Lock()
	if existing, ok := s.region.entries[key]; ok {
		entry.CreatedAt = existing.CreatedAt
	}
	if s.region.maxBytes > 0 {
		usage := s.region.usageLocked()
		if existing, ok := s.region.entries[key]; ok {
			usage -= existing.SizeBytes
		}
		if usage+entry.SizeBytes > s.region.maxBytes {
			s.region.mu.Unlock()
			return ErrQuotaExceeded
		}
	}
	s.region.entries[key] = entry
	s.region.mu.Unlock()
	s.region.notify(s.handle, ExternalWrite{Key: key})
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.region.mu.Lock()
	_, existed := s.region.entries[key]
	delete(s.region.entries, key)
	s.region.mu.Unlock()
	if existed {
		s.region.notify(s.handle, ExternalWrite{Key: key, Deleted: true})
	}
	return nil
}

func (s *MemoryStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.region.mu.Lock()
	defer s.region.mu.Unlock()
	keys := make([]string, 0, len(s.region.entries))
	for key := range s.region.entries {
		if prefix != "" && !hasPrefix(key, prefix) {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *MemoryStore) Subscribe(fn func(ExternalWrite)) (cancel func()) {
	s.region.mu.Lock()
	s.region.nextSub++
	id := s.region.nextSub
	s.region.subs[id] = &memorySubscriber{handle: s.handle, fn: fn}
	s.region.mu.Unlock()
	cancelFn := func() {
		s.region.mu.Lock()
		delete(s.region.subs, id)
		s.region.mu.Unlock()
	}
	s.cancelMu.Lock()
	s.cancels = append(s.cancels, cancelFn)
	s.cancelMu.Unlock()
	return cancelFn
}

func (s *MemoryStore) Close() error {
	s.cancelMu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.cancelMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

func hasPrefix(key, prefix string) bool {
	return len(key) >= len(prefix) && key[:len(prefix)] == prefix
}

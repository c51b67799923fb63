package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used in tests and as a fallback when
// no durable path is configured. Same semantics as SQLiteStore, minus
// the durability.
type MemoryStore struct {
	mu     sync.Mutex
	items  map[string]Request
	dead   []DeadLetter
	lastTS int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Request)}
}

func (s *MemoryStore) nextTimestamp() int64 {
	ts := time.Now().UnixNano()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	return ts
}

// Add persists a new request and returns its assigned ID.
func (s *MemoryStore) Add(_ context.Context, req Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req.ID = uuid.New().String()
	req.Timestamp = s.nextTimestamp()
	req.RetryCount = 0
	s.items[req.ID] = req
	return req.ID, nil
}

// All returns every pending request.
func (s *MemoryStore) All(_ context.Context) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Request, 0, len(s.items))
	for _, r := range s.items {
		out = append(out, r)
	}
	return out, nil
}

// ByTimestamp returns every pending request in enqueue order.
func (s *MemoryStore) ByTimestamp(ctx context.Context) ([]Request, error) {
	out, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// Remove deletes a request by ID. Unknown IDs are a no-op.
func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

// Update merges the non-nil fields of patch into the stored request.
func (s *MemoryStore) Update(_ context.Context, id string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	if patch.URL != nil {
		r.URL = *patch.URL
	}
	if patch.RetryCount != nil {
		r.RetryCount = *patch.RetryCount
	}
	if patch.LastError != nil {
		r.LastError = *patch.LastError
	}
	s.items[id] = r
	return nil
}

// IncrementRetry bumps the retry counter and returns the new value.
func (s *MemoryStore) IncrementRetry(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.items[id]
	if !ok {
		return 0, ErrNotFound
	}
	r.RetryCount++
	s.items[id] = r
	return r.RetryCount, nil
}

// Clear empties the pending queue.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]Request)
	return nil
}

// Size returns the number of pending requests.
func (s *MemoryStore) Size(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items), nil
}

// Bury moves a request into the dead-letter list.
func (s *MemoryStore) Bury(_ context.Context, id, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	r.LastError = lastError
	s.dead = append(s.dead, DeadLetter{Request: r, AbandonedAt: time.Now()})
	delete(s.items, id)
	return nil
}

// DeadLetters returns abandoned requests, oldest first.
func (s *MemoryStore) DeadLetters(_ context.Context) ([]DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetter, len(s.dead))
	copy(out, s.dead)
	return out, nil
}

// PurgeDeadLetters discards the dead-letter list.
func (s *MemoryStore) PurgeDeadLetters(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead = nil
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

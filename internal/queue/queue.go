// Package queue provides the durable store for captured farm-record
// mutations awaiting replay. Entries survive process restarts and are
// retrievable in enqueue order.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an operation references an unknown request ID.
	ErrNotFound = errors.New("queue: request not found")
)

// Request is one captured mutation pending replay.
//
// The URL is absolute, resolved at capture time; the body is an opaque
// payload tagged with its content type; the queue never inspects it.
// Headers are a snapshot taken when the original call failed, including
// the Authorization credential in force at that moment.
type Request struct {
	ID          string            `json:"id"`
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Body        []byte            `json:"body,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Timestamp   int64             `json:"timestamp"` // enqueue clock, ordering key
	RetryCount  int               `json:"retry_count"`
	LastError   string            `json:"last_error,omitempty"`
}

// DeadLetter is an abandoned request kept for review.
type DeadLetter struct {
	Request
	AbandonedAt time.Time `json:"abandoned_at"`
}

// Patch holds fields merged into a stored request by Update.
// Nil fields are left untouched.
type Patch struct {
	URL        *string
	RetryCount *int
	LastError  *string
}

// Store is the persistent queue backing the sync engine.
//
// Implementations must be safe for concurrent use and must lazily
// initialize their backing storage on first call. A request leaves the
// store exactly when it is replayed successfully or abandoned.
type Store interface {
	// Add assigns an ID and timestamp, persists the request with
	// RetryCount zero, and returns the ID.
	Add(ctx context.Context, req Request) (string, error)

	// All returns every pending request in unspecified order.
	All(ctx context.Context) ([]Request, error)

	// ByTimestamp returns every pending request in non-decreasing
	// timestamp order. The sync engine must use this variant: mutations
	// on the same entity have to replay in the order they were issued.
	ByTimestamp(ctx context.Context) ([]Request, error)

	// Remove deletes a request by ID. Removing an unknown ID is a no-op.
	Remove(ctx context.Context, id string) error

	// Update merges the non-nil fields of patch into the stored request.
	Update(ctx context.Context, id string, patch Patch) error

	// IncrementRetry atomically bumps the retry counter and returns the
	// new value.
	IncrementRetry(ctx context.Context, id string) (int, error)

	// Clear empties the pending queue.
	Clear(ctx context.Context) error

	// Size returns the number of pending requests.
	Size(ctx context.Context) (int, error)

	// Bury moves a request into the dead-letter list with its final
	// error, removing it from the pending queue.
	Bury(ctx context.Context, id, lastError string) error

	// DeadLetters returns all abandoned requests, oldest first.
	DeadLetters(ctx context.Context) ([]DeadLetter, error)

	// PurgeDeadLetters discards the dead-letter list.
	PurgeDeadLetters(ctx context.Context) error

	// Close releases the backing storage.
	Close() error
}

// Package status broadcasts sync progress to interested observers
// (the status API, the TUI, tests). No buffering: a listener registered
// after a transition never sees it retroactively.
package status

import "sync"

// RequestInfo identifies the request currently being replayed. Bodies
// and headers are deliberately excluded from broadcasts.
type RequestInfo struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	URL    string `json:"url"`
}

// SyncStatus is an ephemeral snapshot of one sync pass.
type SyncStatus struct {
	Syncing  bool         `json:"is_syncing"`
	Progress int          `json:"progress"`
	Total    int          `json:"total"`
	Current  *RequestInfo `json:"current_request,omitempty"`
}

type subscriber struct {
	id int
	fn func(SyncStatus)
}

// Hub is a simple observer registry. Publish dispatches synchronously
// to all current listeners in registration order.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{}
}

// Subscribe registers a listener and returns its unsubscribe function.
func (h *Hub) Subscribe(fn func(SyncStatus)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	h.subs = append(h.subs, subscriber{id: id, fn: fn})

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, s := range h.subs {
			if s.id == id {
				h.subs = append(h.subs[:i], h.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the snapshot to every registered listener.
func (h *Hub) Publish(s SyncStatus) {
	h.mu.Lock()
	subs := make([]subscriber, len(h.subs))
	copy(subs, h.subs)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.fn(s)
	}
}

// Len returns the number of registered listeners.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

package syncer

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/fieldledger/fieldsync/internal/intercept"
	"github.com/fieldledger/fieldsync/internal/queue"
	"github.com/fieldledger/fieldsync/internal/status"
)

var errDown = errors.New("dial tcp: no route to host")

// scriptedDoer records every replay and answers per the respond func.
type scriptedDoer struct {
	mu      sync.Mutex
	calls   []*http.Request
	respond func(req *http.Request) (*http.Response, error)
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req)
	d.mu.Unlock()
	if d.respond != nil {
		return d.respond(req)
	}
	return &http.Response{StatusCode: 200, Body: http.NoBody}, nil
}

func (d *scriptedDoer) urls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	for i, r := range d.calls {
		out[i] = r.URL.String()
	}
	return out
}

func enqueue(t *testing.T, store queue.Store, method, url string) string {
	t.Helper()
	id, err := store.Add(context.Background(), queue.Request{
		Method:      method,
		URL:         url,
		Body:        []byte(`{}`),
		ContentType: "application/json",
		Headers:     map[string]string{"Authorization": "Bearer tok"},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	return id
}

func TestSyncQueueReplaysInOrder(t *testing.T) {
	store := queue.NewMemoryStore()
	doer := &scriptedDoer{}
	engine := NewEngine(store, doer, status.NewHub(), 3, nil)

	enqueue(t, store, "POST", "http://api/cows")
	enqueue(t, store, "PUT", "http://api/cows/1")
	enqueue(t, store, "DELETE", "http://api/cows/2")

	res, err := engine.SyncQueue(context.Background())
	if err != nil {
		t.Fatalf("SyncQueue: %v", err)
	}
	if res.Success != 3 || res.Failed != 0 || res.Total != 3 {
		t.Errorf("result: %+v", res)
	}

	want := []string{"http://api/cows", "http://api/cows/1", "http://api/cows/2"}
	got := doer.urls()
	if len(got) != 3 {
		t.Fatalf("replayed %d requests", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("replay order[%d]: %s, want %s", i, got[i], want[i])
		}
	}

	if n, _ := store.Size(context.Background()); n != 0 {
		t.Errorf("queue not drained: %d left", n)
	}
}

func TestSyncQueueAttachesReplayMarkerAndSnapshot(t *testing.T) {
	store := queue.NewMemoryStore()
	doer := &scriptedDoer{}
	engine := NewEngine(store, doer, status.NewHub(), 3, nil)

	enqueue(t, store, "POST", "http://api/cows")

	if _, err := engine.SyncQueue(context.Background()); err != nil {
		t.Fatalf("SyncQueue: %v", err)
	}

	req := doer.calls[0]
	if req.Header.Get(intercept.ReplayHeader) != "1" {
		t.Error("replay marker missing")
	}
	if req.Header.Get("Authorization") != "Bearer tok" {
		t.Error("snapshotted credential missing")
	}
	if req.Header.Get("Content-Type") != "application/json" {
		t.Error("content type missing")
	}
}

func TestSyncQueueSerializesPasses(t *testing.T) {
	store := queue.NewMemoryStore()

	started := make(chan struct{})
	release := make(chan struct{})
	doer := &scriptedDoer{respond: func(req *http.Request) (*http.Response, error) {
		close(started)
		<-release
		return &http.Response{StatusCode: 200, Body: http.NoBody}, nil
	}}
	engine := NewEngine(store, doer, status.NewHub(), 3, nil)

	enqueue(t, store, "POST", "http://api/cows")

	done := make(chan Result)
	go func() {
		res, _ := engine.SyncQueue(context.Background())
		done <- res
	}()

	<-started
	if !engine.Syncing() {
		t.Error("Syncing() false during pass")
	}

	// A second pass while one runs reports nothing to do.
	res, err := engine.SyncQueue(context.Background())
	if err != nil {
		t.Fatalf("concurrent SyncQueue: %v", err)
	}
	if res.Success != 0 || res.Failed != 0 || res.Total != 0 {
		t.Errorf("concurrent pass result: %+v", res)
	}

	close(release)
	first := <-done
	if first.Success != 1 {
		t.Errorf("first pass result: %+v", first)
	}
	if engine.Syncing() {
		t.Error("Syncing() true after pass")
	}
}

func TestSyncQueueKeepsFailedEntryWithRetryCount(t *testing.T) {
	store := queue.NewMemoryStore()
	doer := &scriptedDoer{respond: func(req *http.Request) (*http.Response, error) {
		return nil, errDown
	}}
	engine := NewEngine(store, doer, status.NewHub(), 3, nil)

	enqueue(t, store, "POST", "http://api/cows")

	res, err := engine.SyncQueue(context.Background())
	if err != nil {
		t.Fatalf("SyncQueue: %v", err)
	}
	if res.Failed != 1 || res.Success != 0 {
		t.Errorf("result: %+v", res)
	}

	pending, _ := store.ByTimestamp(context.Background())
	if len(pending) != 1 {
		t.Fatalf("entry dropped on transient failure")
	}
	if pending[0].RetryCount != 1 {
		t.Errorf("retry count: %d, want 1", pending[0].RetryCount)
	}
	if pending[0].LastError == "" {
		t.Error("failure cause not recorded")
	}
}

func TestSyncQueueAbandonsAfterRetryBudget(t *testing.T) {
	store := queue.NewMemoryStore()
	doer := &scriptedDoer{respond: func(req *http.Request) (*http.Response, error) {
		return nil, errDown
	}}
	engine := NewEngine(store, doer, status.NewHub(), 3, nil)

	id := enqueue(t, store, "POST", "http://api/cows")

	for i := 0; i < 3; i++ {
		if _, err := engine.SyncQueue(context.Background()); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
	}

	if n, _ := store.Size(context.Background()); n != 0 {
		t.Fatalf("entry still pending after retry budget")
	}

	dead, _ := store.DeadLetters(context.Background())
	if len(dead) != 1 {
		t.Fatalf("dead letters: %d, want 1", len(dead))
	}
	if dead[0].ID != id {
		t.Errorf("dead letter id: %s", dead[0].ID)
	}
	if dead[0].RetryCount != 3 {
		t.Errorf("dead letter retries: %d", dead[0].RetryCount)
	}
}

func TestSyncQueueServerRejectionBuriesEntry(t *testing.T) {
	store := queue.NewMemoryStore()
	doer := &scriptedDoer{respond: func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: 409, Body: http.NoBody}, nil
	}}
	engine := NewEngine(store, doer, status.NewHub(), 3, nil)

	id := enqueue(t, store, "POST", "http://api/cows")

	res, err := engine.SyncQueue(context.Background())
	if err != nil {
		t.Fatalf("SyncQueue: %v", err)
	}
	// The server answered; retrying would repeat the same verdict, so
	// the entry is abandoned immediately rather than silently dropped.
	if res.Failed != 1 || res.Success != 0 {
		t.Errorf("result: %+v", res)
	}
	if n, _ := store.Size(context.Background()); n != 0 {
		t.Errorf("rejected entry should still leave the queue, %d left", n)
	}

	dead, _ := store.DeadLetters(context.Background())
	if len(dead) != 1 {
		t.Fatalf("dead letters: %d, want 1", len(dead))
	}
	if dead[0].ID != id {
		t.Errorf("dead letter id: %s", dead[0].ID)
	}
	if dead[0].LastError != "server rejected: 409" {
		t.Errorf("verdict not recorded: %q", dead[0].LastError)
	}

	// A later pass must not see the rejected entry again.
	if _, err := engine.SyncQueue(context.Background()); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if got := doer.urls(); len(got) != 1 {
		t.Errorf("replayed %d times, want 1", len(got))
	}
}

func TestSyncQueueFailureDoesNotAbortPass(t *testing.T) {
	store := queue.NewMemoryStore()
	doer := &scriptedDoer{respond: func(req *http.Request) (*http.Response, error) {
		if req.URL.Path == "/broken" {
			return nil, errDown
		}
		return &http.Response{StatusCode: 200, Body: http.NoBody}, nil
	}}
	engine := NewEngine(store, doer, status.NewHub(), 3, nil)

	enqueue(t, store, "POST", "http://api/broken")
	enqueue(t, store, "POST", "http://api/fine")

	res, err := engine.SyncQueue(context.Background())
	if err != nil {
		t.Fatalf("SyncQueue: %v", err)
	}
	if res.Success != 1 || res.Failed != 1 || res.Total != 2 {
		t.Errorf("result: %+v", res)
	}
	if n, _ := store.Size(context.Background()); n != 1 {
		t.Errorf("pending after pass: %d, want 1", n)
	}
}

func TestSyncQueueBroadcastsProgress(t *testing.T) {
	store := queue.NewMemoryStore()
	doer := &scriptedDoer{}
	hub := status.NewHub()
	engine := NewEngine(store, doer, hub, 3, nil)

	var mu sync.Mutex
	var seen []status.SyncStatus
	hub.Subscribe(func(st status.SyncStatus) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	enqueue(t, store, "POST", "http://api/cows")
	enqueue(t, store, "PUT", "http://api/cows/1")

	if _, err := engine.SyncQueue(context.Background()); err != nil {
		t.Fatalf("SyncQueue: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if len(seen) != 4 {
		t.Fatalf("broadcasts: %d, want 4", len(seen))
	}
	if !seen[0].Syncing || seen[0].Progress != 0 || seen[0].Total != 0 {
		t.Errorf("entry broadcast: %+v", seen[0])
	}
	for i, st := range seen[1:3] {
		if !st.Syncing || st.Progress != i+1 || st.Total != 2 {
			t.Errorf("step broadcast %d: %+v", i, st)
		}
		if st.Current == nil || st.Current.Method == "" || st.Current.URL == "" {
			t.Errorf("step broadcast %d missing current request: %+v", i, st.Current)
		}
	}

	last := seen[3]
	if last.Syncing || last.Progress != 2 || last.Total != 2 {
		t.Errorf("final broadcast: %+v", last)
	}
}

func TestSyncQueueEmptyQueue(t *testing.T) {
	engine := NewEngine(queue.NewMemoryStore(), &scriptedDoer{}, status.NewHub(), 3, nil)

	res, err := engine.SyncQueue(context.Background())
	if err != nil {
		t.Fatalf("SyncQueue: %v", err)
	}
	if res.Success != 0 || res.Failed != 0 || res.Total != 0 {
		t.Errorf("result: %+v", res)
	}
}

func TestSyncQueueHonorsContext(t *testing.T) {
	store := queue.NewMemoryStore()
	doer := &scriptedDoer{}
	engine := NewEngine(store, doer, status.NewHub(), 3, nil)

	enqueue(t, store, "POST", "http://api/cows")
	enqueue(t, store, "POST", "http://api/cows")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := engine.SyncQueue(ctx)
	if err == nil {
		t.Error("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Error("cancelled pass took too long")
	}
}

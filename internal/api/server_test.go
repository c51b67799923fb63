package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/fieldledger/fieldsync/internal/netmon"
	"github.com/fieldledger/fieldsync/internal/queue"
	"github.com/fieldledger/fieldsync/internal/status"
	"github.com/fieldledger/fieldsync/internal/syncer"
)

type onlineProber struct{ online bool }

func (p onlineProber) Probe(context.Context) bool { return p.online }

type fakeEngine struct {
	result  syncer.Result
	syncing bool
	calls   int
}

func (e *fakeEngine) SyncQueue(context.Context) (syncer.Result, error) {
	e.calls++
	return e.result, nil
}

func (e *fakeEngine) Syncing() bool { return e.syncing }

type fixture struct {
	store   *queue.MemoryStore
	engine  *fakeEngine
	monitor *netmon.Monitor
	hub     *status.Hub
	srv     *httptest.Server
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()

	f := &fixture{
		store:  queue.NewMemoryStore(),
		engine: &fakeEngine{result: syncer.Result{Success: 1, Total: 1}},
		hub:    status.NewHub(),
	}
	f.monitor = netmon.NewMonitor(onlineProber{online: online}, nil,
		netmon.Config{PollInterval: time.Hour}, nil)
	if err := f.monitor.Start(context.Background()); err != nil {
		t.Fatalf("monitor start: %v", err)
	}
	t.Cleanup(f.monitor.Stop)

	server := NewServer(0, f.store, f.engine, f.monitor, f.hub, nil, nil)
	f.srv = httptest.NewServer(server.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, true)

	resp := f.do(t, "GET", "/api/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var out map[string]string
	decode(t, resp, &out)
	if out["status"] != "ok" {
		t.Errorf("body: %v", out)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, true)
	f.store.Add(context.Background(), queue.Request{Method: "POST", URL: "http://api/x"})

	resp := f.do(t, "GET", "/api/status")
	var out StatusResponse
	decode(t, resp, &out)

	if !out.Network.Online {
		t.Error("expected online")
	}
	if out.QueueSize != 1 {
		t.Errorf("queue size: %d", out.QueueSize)
	}
	if out.Syncing {
		t.Error("expected idle")
	}
}

func TestQueueEndpointStripsSensitiveFields(t *testing.T) {
	f := newFixture(t, true)
	f.store.Add(context.Background(), queue.Request{
		Method:  "POST",
		URL:     "http://api/cows",
		Body:    []byte(`{"secret":1}`),
		Headers: map[string]string{"Authorization": "Bearer tok"},
	})

	resp := f.do(t, "GET", "/api/queue")
	var out struct {
		Count    int             `json:"count"`
		Requests []queue.Request `json:"requests"`
	}
	decode(t, resp, &out)

	if out.Count != 1 {
		t.Fatalf("count: %d", out.Count)
	}
	if out.Requests[0].Body != nil || out.Requests[0].Headers != nil {
		t.Error("body or headers leaked through inspection endpoint")
	}
	if out.Requests[0].URL != "http://api/cows" {
		t.Errorf("url: %s", out.Requests[0].URL)
	}
}

func TestQueueClearAndItemDelete(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	id1, _ := f.store.Add(ctx, queue.Request{Method: "POST", URL: "http://api/a"})
	f.store.Add(ctx, queue.Request{Method: "POST", URL: "http://api/b"})

	resp := f.do(t, "DELETE", "/api/queue/"+id1)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("item delete status: %d", resp.StatusCode)
	}
	if n, _ := f.store.Size(ctx); n != 1 {
		t.Fatalf("size after item delete: %d", n)
	}

	resp = f.do(t, "DELETE", "/api/queue")
	resp.Body.Close()
	if n, _ := f.store.Size(ctx); n != 0 {
		t.Fatalf("size after clear: %d", n)
	}
}

func TestDeadLetterEndpoints(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	id, _ := f.store.Add(ctx, queue.Request{Method: "POST", URL: "http://api/a"})
	f.store.Bury(ctx, id, "gave up")

	resp := f.do(t, "GET", "/api/deadletters")
	var out struct {
		Count int `json:"count"`
	}
	decode(t, resp, &out)
	if out.Count != 1 {
		t.Fatalf("dead letter count: %d", out.Count)
	}

	resp = f.do(t, "DELETE", "/api/deadletters")
	resp.Body.Close()
	dead, _ := f.store.DeadLetters(ctx)
	if len(dead) != 0 {
		t.Errorf("dead letters after purge: %d", len(dead))
	}
}

func TestSyncEndpoint(t *testing.T) {
	f := newFixture(t, true)

	resp := f.do(t, "POST", "/api/sync")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var res syncer.Result
	decode(t, resp, &res)
	if res.Success != 1 {
		t.Errorf("result: %+v", res)
	}
	if f.engine.calls != 1 {
		t.Errorf("engine calls: %d", f.engine.calls)
	}
}

func TestSyncEndpointRefusesOffline(t *testing.T) {
	f := newFixture(t, false)

	resp := f.do(t, "POST", "/api/sync")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status: %d, want 409", resp.StatusCode)
	}
	if f.engine.calls != 0 {
		t.Error("engine invoked while offline")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, true)

	resp := f.do(t, "POST", "/api/status")
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status: %d", resp.StatusCode)
	}
}

func TestStatusFeedOfferNeverBlocks(t *testing.T) {
	ch := make(chan WSEvent, feedBuffer)

	for i := 0; i < feedBuffer; i++ {
		if !offerEvent(ch, WSEvent{Type: "sync"}) {
			t.Fatalf("offer %d rejected with buffer space left", i)
		}
	}
	if offerEvent(ch, WSEvent{Type: "sync"}) {
		t.Error("offer accepted past capacity")
	}
	if len(ch) != feedBuffer {
		t.Errorf("buffered frames: %d", len(ch))
	}
}

func TestStatusFeedSlowClientDoesNotStallPublisher(t *testing.T) {
	f := newFixture(t, true)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := strings.Replace(f.srv.URL, "http", "ws", 1) + "/ws/status"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var snap WSEvent
	if err := wsjson.Read(ctx, conn, &snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if err := wsjson.Read(ctx, conn, &snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}

	// The client now never reads again. Frames are sized so the kernel
	// socket buffers cannot absorb them all; publishing must still
	// return promptly because overflow frames are dropped.
	cur := &status.RequestInfo{
		ID:     "r1",
		Method: "POST",
		URL:    "http://api/cows/" + strings.Repeat("x", 4096),
	}

	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 0; i < 2000; i++ {
			f.hub.Publish(status.SyncStatus{
				Syncing: true, Progress: i, Total: 2000, Current: cur,
			})
		}
	}()

	select {
	case <-published:
	case <-time.After(5 * time.Second):
		t.Fatal("hub publish stalled behind a slow feed client")
	}
}

func TestStatusFeed(t *testing.T) {
	f := newFixture(t, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(f.srv.URL, "http", "ws", 1) + "/ws/status"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// First two frames are the current network and sync snapshots.
	var first, second WSEvent
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if err := wsjson.Read(ctx, conn, &second); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.Type != "network" || first.Network == nil || !first.Network.Online {
		t.Errorf("first frame: %+v", first)
	}
	if second.Type != "sync" || second.Sync == nil {
		t.Errorf("second frame: %+v", second)
	}

	// A hub publish reaches the subscriber.
	f.hub.Publish(status.SyncStatus{Syncing: true, Progress: 1, Total: 4})

	var ev WSEvent
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != "sync" || ev.Sync == nil || !ev.Sync.Syncing || ev.Sync.Total != 4 {
		t.Errorf("event frame: %+v", ev)
	}
}

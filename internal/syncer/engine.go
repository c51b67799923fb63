// Package syncer replays queued farm-record mutations against the
// FieldLedger API once connectivity returns.
package syncer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/fieldledger/fieldsync/internal/intercept"
	"github.com/fieldledger/fieldsync/internal/queue"
	"github.com/fieldledger/fieldsync/internal/status"
)

// DefaultMaxRetries is how many replay attempts a request gets before
// it is moved to the dead-letter list.
const DefaultMaxRetries = 3

// Result summarizes one sync pass. A pass skipped because another was
// already running reports the zero Result.
type Result struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

// Engine drains the queue in enqueue order. Passes are strictly serial:
// concurrent SyncQueue calls beyond the first return immediately.
type Engine struct {
	store      queue.Store
	http       intercept.Doer
	hub        *status.Hub
	logger     *slog.Logger
	maxRetries int

	mu      sync.Mutex
	syncing bool
}

// NewEngine creates a sync engine. httpc may be nil, in which case
// http.DefaultClient is used; maxRetries <= 0 takes the default.
func NewEngine(store queue.Store, httpc intercept.Doer, hub *status.Hub, maxRetries int, logger *slog.Logger) *Engine {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      store,
		http:       httpc,
		hub:        hub,
		logger:     logger.With("component", "syncer"),
		maxRetries: maxRetries,
	}
}

// Syncing reports whether a pass is currently running.
func (e *Engine) Syncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// SyncQueue replays every pending request once, oldest first. One
// request's failure never stops the pass; replay continues with the
// next entry. Requests stay queued on transport failure until their
// retry budget runs out; exhausted and server-rejected requests move
// to the dead-letter list.
func (e *Engine) SyncQueue(ctx context.Context) (Result, error) {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return Result{}, nil
	}
	e.syncing = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
	}()

	e.hub.Publish(status.SyncStatus{Syncing: true})

	pending, err := e.store.ByTimestamp(ctx)
	if err != nil {
		e.hub.Publish(status.SyncStatus{})
		return Result{}, err
	}

	res := Result{Total: len(pending)}
	if res.Total == 0 {
		e.hub.Publish(status.SyncStatus{})
		return res, nil
	}

	e.logger.Info("sync pass started", "pending", res.Total)

	done := 0
	for i, req := range pending {
		select {
		case <-ctx.Done():
			e.logger.Warn("sync pass aborted", "done", done, "pending", res.Total-done)
			e.hub.Publish(status.SyncStatus{Progress: done, Total: res.Total})
			return res, ctx.Err()
		default:
		}

		e.hub.Publish(status.SyncStatus{
			Syncing:  true,
			Progress: i + 1,
			Total:    res.Total,
			Current:  &status.RequestInfo{ID: req.ID, Method: req.Method, URL: req.URL},
		})

		if e.replay(ctx, req) {
			res.Success++
		} else {
			res.Failed++
		}
		done++
	}

	e.hub.Publish(status.SyncStatus{Progress: res.Total, Total: res.Total})
	e.logger.Info("sync pass finished",
		"success", res.Success, "failed", res.Failed, "total", res.Total)
	return res, nil
}

// replay attempts one request and settles its queue entry. Any 2xx/3xx
// response counts as success. A 4xx/5xx verdict is permanent, since
// replaying would only repeat the same rejection, so the entry is
// buried with the verdict recorded instead of spending retry budget.
func (e *Engine) replay(ctx context.Context, req queue.Request) bool {
	warnIfExpired(e.logger, req)

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		// Malformed beyond repair; bury rather than retry forever.
		e.logger.Error("unreplayable request", "id", req.ID, "error", err)
		if buryErr := e.store.Bury(ctx, req.ID, err.Error()); buryErr != nil {
			e.logger.Error("failed to bury request", "id", req.ID, "error", buryErr)
		}
		return false
	}

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	httpReq.Header.Set(intercept.ReplayHeader, "1")

	resp, err := e.http.Do(httpReq)
	if err != nil {
		return e.settleFailure(ctx, req, err)
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		verdict := fmt.Sprintf("server rejected: %d", resp.StatusCode)
		e.logger.Warn("replay rejected by server",
			"id", req.ID, "method", req.Method, "url", req.URL, "status", resp.StatusCode)
		if buryErr := e.store.Bury(ctx, req.ID, verdict); buryErr != nil {
			e.logger.Error("failed to bury request", "id", req.ID, "error", buryErr)
		}
		return false
	}

	e.logger.Info("replay delivered",
		"id", req.ID, "method", req.Method, "url", req.URL, "status", resp.StatusCode)

	if err := e.store.Remove(ctx, req.ID); err != nil {
		e.logger.Error("failed to remove replayed request", "id", req.ID, "error", err)
	}
	return true
}

func (e *Engine) settleFailure(ctx context.Context, req queue.Request, cause error) bool {
	retries, err := e.store.IncrementRetry(ctx, req.ID)
	if err != nil {
		e.logger.Error("failed to record retry", "id", req.ID, "error", err)
		return false
	}

	msg := cause.Error()
	if err := e.store.Update(ctx, req.ID, queue.Patch{LastError: &msg}); err != nil {
		e.logger.Error("failed to record error", "id", req.ID, "error", err)
	}

	if retries >= e.maxRetries {
		e.logger.Warn("request abandoned after retry budget",
			"id", req.ID, "method", req.Method, "url", req.URL,
			"retries", retries, "error", cause)
		if buryErr := e.store.Bury(ctx, req.ID, msg); buryErr != nil {
			e.logger.Error("failed to bury request", "id", req.ID, "error", buryErr)
		}
		return false
	}

	e.logger.Warn("replay failed, will retry",
		"id", req.ID, "method", req.Method, "url", req.URL,
		"retries", retries, "error", cause)
	return false
}

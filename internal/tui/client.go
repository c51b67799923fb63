package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/fieldledger/fieldsync/internal/api"
	"github.com/fieldledger/fieldsync/internal/syncer"
)

// Feed consumes the daemon's WebSocket status stream. It reconnects
// with a fixed backoff so a daemon restart does not kill the monitor.
type Feed struct {
	wsURL  string
	logger *slog.Logger
	events chan api.WSEvent
	errs   chan error
}

// NewFeed creates a feed for the daemon at baseURL (http://host:port).
func NewFeed(baseURL string, logger *slog.Logger) *Feed {
	wsURL := strings.Replace(baseURL, "http", "ws", 1) + "/ws/status"
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		wsURL:  wsURL,
		logger: logger.With("component", "tui-feed"),
		events: make(chan api.WSEvent, 16),
		errs:   make(chan error, 1),
	}
}

// Events returns the stream of status frames.
func (f *Feed) Events() <-chan api.WSEvent { return f.events }

// Errs reports connection loss; the feed keeps retrying regardless.
func (f *Feed) Errs() <-chan error { return f.errs }

// Run dials and reads until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) {
	for {
		if err := f.readOnce(ctx); err != nil {
			select {
			case f.errs <- err:
			default:
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (f *Feed) readOnce(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial status feed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "monitor closing")

	f.logger.Debug("status feed connected", "url", f.wsURL)

	for {
		var ev api.WSEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return fmt.Errorf("read status feed: %w", err)
		}
		select {
		case f.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Client issues one-shot calls against the daemon's REST surface.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a REST client for the daemon.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Status fetches the combined daemon snapshot.
func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var out api.StatusResponse
	err := c.getJSON(ctx, "/api/status", &out)
	return out, err
}

// DeadLetterCount fetches the number of abandoned requests.
func (c *Client) DeadLetterCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := c.getJSON(ctx, "/api/deadletters", &out)
	return out.Count, err
}

// TriggerSync asks the daemon for an immediate sync pass.
func (c *Client) TriggerSync(ctx context.Context) (syncer.Result, error) {
	var res syncer.Result

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/sync", nil)
	if err != nil {
		return res, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return res, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return res, fmt.Errorf("sync: %s", e.Error)
		}
		return res, fmt.Errorf("sync: HTTP %d", resp.StatusCode)
	}
	return res, json.NewDecoder(resp.Body).Decode(&res)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: HTTP %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

package intercept

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/fieldledger/fieldsync/internal/config"
	"github.com/fieldledger/fieldsync/internal/queue"
)

// Doer is the subset of http.Client the interceptor needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenSource supplies the current bearer credential, if any. The token
// in force at capture time is snapshotted into the queued request.
type TokenSource interface {
	Token() string
}

// QueuedError reports that a call failed but its request was captured
// for later replay. Callers can treat it as a soft success.
type QueuedError struct {
	ID  string // queue ID of the captured request
	Err error  // the network failure that triggered capture
}

func (e *QueuedError) Error() string {
	return fmt.Sprintf("request queued for sync (id=%s): %v", e.ID, e.Err)
}

func (e *QueuedError) Unwrap() error { return e.Err }

// Client is the outbound HTTP client for the FieldLedger API. Mutating
// calls that fail at the network layer are persisted to the queue
// instead of surfacing the error directly.
type Client struct {
	base   *url.URL
	http   Doer
	store  queue.Store
	policy *Policy
	tokens TokenSource
	logger *slog.Logger
}

// NewClient creates an intercepting client rooted at baseURL. httpc may
// be nil, in which case http.DefaultClient is used. tokens may be nil
// for unauthenticated deployments.
func NewClient(baseURL string, httpc Doer, store queue.Store, policy *Policy, tokens TokenSource, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("intercept: parse base url: %w", err)
	}
	if httpc == nil {
		httpc = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:   base,
		http:   httpc,
		store:  store,
		policy: policy,
		tokens: tokens,
		logger: logger.With("component", "intercept"),
	}, nil
}

// NewClientFromConfig assembles the client the farm app embeds from
// daemon configuration: base URL from [api], and a file-backed token
// source when token_file is set. httpc may be nil.
func NewClientFromConfig(cfg *config.Config, httpc Doer, store queue.Store, policy *Policy, logger *slog.Logger) (*Client, error) {
	var tokens TokenSource
	if cfg.API.TokenFile != "" {
		tokens = NewFileTokenSource(cfg.API.TokenFile)
	}
	return NewClient(cfg.API.BaseURL, httpc, store, policy, tokens, logger)
}

// Do issues one API call. The path is resolved against the base URL at
// call time, so queued entries always carry an absolute URL. On a
// queue-worthy failure it returns a nil response and a *QueuedError.
func (c *Client) Do(ctx context.Context, method, path string, body []byte, contentType string, headers map[string]string) (*http.Response, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("intercept: parse path: %w", err)
	}
	abs := c.base.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, method, abs.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("intercept: build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" && req.Header.Get("Authorization") == "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, doErr := c.http.Do(req)
	if doErr == nil {
		return resp, nil
	}

	if !c.policy.ShouldQueue(req, resp, doErr) {
		return nil, doErr
	}

	// Snapshot the headers as sent, credential included, so the replay
	// is byte-for-byte what the app issued.
	snap := make(map[string]string, len(req.Header))
	for k := range req.Header {
		snap[k] = req.Header.Get(k)
	}

	id, addErr := c.store.Add(ctx, queue.Request{
		Method:      method,
		URL:         abs.String(),
		Body:        body,
		ContentType: contentType,
		Headers:     snap,
		LastError:   doErr.Error(),
	})
	if addErr != nil {
		c.logger.Error("failed to capture request", "method", method, "url", abs.String(), "error", addErr)
		return nil, fmt.Errorf("intercept: capture request: %w (original: %v)", addErr, doErr)
	}

	c.logger.Info("request queued for sync", "id", id, "method", method, "url", abs.String())
	return nil, &QueuedError{ID: id, Err: doErr}
}

// Get issues a read; reads are never queued.
func (c *Client) Get(ctx context.Context, path string, headers map[string]string) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil, "", headers)
}

// PostJSON issues a JSON create.
func (c *Client) PostJSON(ctx context.Context, path string, body []byte) (*http.Response, error) {
	return c.Do(ctx, http.MethodPost, path, body, "application/json", nil)
}

// PutJSON issues a JSON replace.
func (c *Client) PutJSON(ctx context.Context, path string, body []byte) (*http.Response, error) {
	return c.Do(ctx, http.MethodPut, path, body, "application/json", nil)
}

// Delete issues a delete.
func (c *Client) Delete(ctx context.Context, path string) (*http.Response, error) {
	return c.Do(ctx, http.MethodDelete, path, nil, "", nil)
}

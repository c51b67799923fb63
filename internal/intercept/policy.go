// Package intercept wraps outbound calls to the FieldLedger API and
// decides, on failure, whether a request is worth queueing for replay.
package intercept

import (
	"log/slog"
	"net/http"
	"sync"
)

// ReplayHeader marks a request as a queue replay. Replays that fail are
// never re-queued by the interceptor; the sync engine owns their retry
// accounting.
const ReplayHeader = "X-Fieldsync-Replay"

var mutating = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Policy classifies failed requests as queue-worthy or not. Rules are
// swappable at runtime for hot reload of the rules file.
type Policy struct {
	mu     sync.RWMutex
	rules  Rules
	logger *slog.Logger
}

// NewPolicy creates a policy over the given rules.
func NewPolicy(rules Rules, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{rules: rules, logger: logger.With("component", "intercept")}
}

// SetRules replaces the active rules.
func (p *Policy) SetRules(rules Rules) {
	p.mu.Lock()
	p.rules = rules
	p.mu.Unlock()
}

// ShouldQueue reports whether a failed request should be enqueued.
// Only network-class failures qualify: err is non-nil and no response
// was received. A server that answered, even with a 5xx, was reachable,
// and its verdict must surface to the caller.
func (p *Policy) ShouldQueue(req *http.Request, resp *http.Response, err error) bool {
	if err == nil || resp != nil {
		return false
	}
	if !mutating[req.Method] {
		return false
	}
	if req.Header.Get(ReplayHeader) != "" {
		return false
	}

	p.mu.RLock()
	rules := p.rules
	p.mu.RUnlock()

	if rules.SkipsContentType(req.Header.Get("Content-Type")) {
		p.logger.Debug("not queueing unreplayable payload",
			"method", req.Method, "url", req.URL.String(),
			"content_type", req.Header.Get("Content-Type"))
		return false
	}
	if rules.SkipsPath(req.URL.Path) {
		p.logger.Debug("not queueing excluded endpoint",
			"method", req.Method, "path", req.URL.Path)
		return false
	}
	return true
}

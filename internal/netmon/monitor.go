// Package netmon produces a best-effort, eventually-correct view of
// connectivity to the FieldLedger API. Detection is dual: push events
// from the site gateway's broker link, plus a polling probe as a
// correcting fallback, since connectivity events alone are not
// guaranteed to fire in every environment.
package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultPollInterval is how often the probe fallback runs.
	DefaultPollInterval = 5 * time.Second
	// DefaultPulse is how long WasOffline stays true after a reconnect.
	DefaultPulse = 1 * time.Second
)

// Status is the observable connectivity snapshot. WasOffline is a
// transient pulse set on recovery and auto-cleared shortly after, so
// consumers can react once to a reconnect without diffing timestamps.
type Status struct {
	Online     bool `json:"is_online"`
	WasOffline bool `json:"was_offline"`
}

// Prober checks raw reachability of the API endpoint.
type Prober interface {
	Probe(ctx context.Context) bool
}

// Config holds monitor tuning; zero values take the defaults above.
type Config struct {
	PollInterval time.Duration
	Pulse        time.Duration
}

type listener struct {
	id int
	fn func(Status)
}

// Monitor tracks connectivity transitions. It publishes state only;
// triggering a sync on reconnect is the composition root's job.
type Monitor struct {
	prober Prober
	events <-chan bool
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	online     bool
	wasOffline bool
	pulseTimer *time.Timer
	nextID     int
	listeners  []listener

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewMonitor creates a monitor. events may be nil, leaving only the
// polling path active.
func NewMonitor(prober Prober, events <-chan bool, cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Pulse <= 0 {
		cfg.Pulse = DefaultPulse
	}
	return &Monitor{
		prober: prober,
		events: events,
		cfg:    cfg,
		logger: logger.With("component", "netmon"),
		stopCh: make(chan struct{}),
	}
}

// Start seeds the state with one probe and launches the watch loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.online = m.prober.Probe(ctx)
	online := m.online
	m.mu.Unlock()

	m.logger.Info("network monitor started", "online", online, "poll_interval", m.cfg.PollInterval)

	m.wg.Add(1)
	go m.watch(ctx)
	return nil
}

// Stop halts the watch loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	if m.pulseTimer != nil {
		m.pulseTimer.Stop()
		m.pulseTimer = nil
	}
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info("network monitor stopped")
}

func (m *Monitor) watch(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case online, ok := <-m.events:
			if !ok {
				m.events = nil // source closed, polling carries on
				continue
			}
			m.setOnline(online, "event")
		case <-ticker.C:
			m.setOnline(m.prober.Probe(ctx), "poll")
		}
	}
}

// Status returns the current snapshot.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{Online: m.online, WasOffline: m.wasOffline}
}

// OnChange registers a listener for status transitions and returns its
// unsubscribe function. Listeners run synchronously in registration
// order on every transition, including the pulse auto-clear.
func (m *Monitor) OnChange(fn func(Status)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners = append(m.listeners, listener{id: id, fn: fn})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

func (m *Monitor) setOnline(online bool, source string) {
	m.mu.Lock()
	if online == m.online {
		m.mu.Unlock()
		return
	}
	m.online = online

	if online {
		// Reconnect: pulse WasOffline so consumers get a one-shot signal.
		m.wasOffline = true
		if m.pulseTimer != nil {
			m.pulseTimer.Stop()
		}
		m.pulseTimer = time.AfterFunc(m.cfg.Pulse, m.clearPulse)
	} else {
		m.wasOffline = false
		if m.pulseTimer != nil {
			m.pulseTimer.Stop()
			m.pulseTimer = nil
		}
	}
	st := Status{Online: m.online, WasOffline: m.wasOffline}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online, "source", source)
	m.notify(st)
}

func (m *Monitor) clearPulse() {
	m.mu.Lock()
	if !m.wasOffline {
		m.mu.Unlock()
		return
	}
	m.wasOffline = false
	m.pulseTimer = nil
	st := Status{Online: m.online, WasOffline: false}
	m.mu.Unlock()

	m.notify(st)
}

func (m *Monitor) notify(st Status) {
	m.mu.Lock()
	ls := make([]listener, len(m.listeners))
	copy(ls, m.listeners)
	m.mu.Unlock()

	for _, l := range ls {
		l.fn(st)
	}
}

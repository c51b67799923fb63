// Package scheduler runs periodic sync passes independent of
// reconnect-driven syncs, so a queue that built up while the daemon was
// online but the API was flapping still drains on a cadence.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fieldledger/fieldsync/internal/syncer"
)

// Syncer triggers one queue drain.
type Syncer interface {
	SyncQueue(ctx context.Context) (syncer.Result, error)
}

// Schedule defines when auto-sync runs.
type Schedule struct {
	Kind     string        `json:"kind"` // "interval" or "cron"
	Interval time.Duration `json:"interval,omitempty"`
	Expr     string        `json:"expr,omitempty"` // standard 5-field cron
}

// Validate checks the schedule configuration.
func (s Schedule) Validate() error {
	switch s.Kind {
	case "interval":
		if s.Interval <= 0 {
			return fmt.Errorf("interval must be positive")
		}
	case "cron":
		if s.Expr == "" {
			return fmt.Errorf("cron expression required")
		}
		if _, err := cron.ParseStandard(s.Expr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s (use interval or cron)", s.Kind)
	}
	return nil
}

// Next returns the run time following from.
func (s Schedule) Next(from time.Time) (time.Time, error) {
	switch s.Kind {
	case "interval":
		return from.Add(s.Interval), nil
	case "cron":
		schedule, err := cron.ParseStandard(s.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron: %w", err)
		}
		return schedule.Next(from), nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
}

// Stats tracks auto-sync execution state.
type Stats struct {
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt    time.Time     `json:"nextRunAt,omitempty"`
	RunCount     int64         `json:"runCount"`
	ErrorCount   int64         `json:"errorCount"`
	SkippedCount int64         `json:"skippedCount"` // passes skipped while offline
	LastError    string        `json:"lastError,omitempty"`
	LastDuration time.Duration `json:"lastDuration,omitempty"`
}

// Scheduler fires sync passes per its schedule. Ticks that land while
// the API is unreachable are skipped, not queued: the reconnect trigger
// covers that case.
type Scheduler struct {
	schedule Schedule
	syncer   Syncer
	online   func() bool
	logger   *slog.Logger

	mu      sync.Mutex
	stats   Stats
	running bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a scheduler. online may be nil, in which case every tick
// attempts a sync.
func New(schedule Schedule, s Syncer, online func() bool, logger *slog.Logger) (*Scheduler, error) {
	if err := schedule.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		schedule: schedule,
		syncer:   s,
		online:   online,
		logger:   logger.With("component", "scheduler"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins firing on schedule.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	next, err := s.schedule.Next(time.Now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.stats.NextRunAt = next
	s.mu.Unlock()

	s.logger.Info("auto-sync scheduler started",
		"kind", s.schedule.Kind, "next_run", next.Format(time.RFC3339))

	go s.run(ctx)
	return nil
}

// Stop halts the scheduler and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
	s.logger.Info("auto-sync scheduler stopped")
}

// Stats returns a snapshot of execution state.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	// Interval schedules tick at their own cadence; cron schedules are
	// checked against NextRunAt once a minute.
	tick := s.schedule.Interval
	if s.schedule.Kind == "cron" {
		tick = time.Minute
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			due := s.schedule.Kind == "interval"
			if !due {
				s.mu.Lock()
				due = !now.Before(s.stats.NextRunAt)
				s.mu.Unlock()
			}
			if !due {
				continue
			}

			s.fire(ctx)

			next, err := s.schedule.Next(time.Now())
			if err != nil {
				s.logger.Error("failed to compute next run", "error", err)
				continue
			}
			s.mu.Lock()
			s.stats.NextRunAt = next
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	if s.online != nil && !s.online() {
		s.mu.Lock()
		s.stats.SkippedCount++
		s.mu.Unlock()
		s.logger.Debug("auto-sync skipped, offline")
		return
	}

	start := time.Now()
	res, err := s.syncer.SyncQueue(ctx)
	duration := time.Since(start)

	s.mu.Lock()
	s.stats.LastRunAt = start
	s.stats.LastDuration = duration
	s.stats.RunCount++
	if err != nil {
		s.stats.ErrorCount++
		s.stats.LastError = err.Error()
	} else {
		s.stats.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("auto-sync failed", "error", err, "duration", duration)
		return
	}
	s.logger.Info("auto-sync completed",
		"success", res.Success, "failed", res.Failed, "total", res.Total,
		"duration", duration)
}

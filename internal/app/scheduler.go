package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/mnemo/internal/agent"
)

// Scheduler runs periodic reflection passes. An agent is reflected only when
// its memory grew since the previous pass, so idle agents cost nothing.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	app      *App
	interval time.Duration

	mu       sync.Mutex
	lastSize map[string]int
	running  bool
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewScheduler creates a scheduler for app. An interval of zero or less
// disables the background loop; [Scheduler.RunOnce] still works.
func NewScheduler(app *App, interval time.Duration) *Scheduler {
	return &Scheduler{
		app:      app,
		interval: interval,
		lastSize: make(map[string]int),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the background loop. It is a no-op when the interval is not
// positive or the loop already runs. The loop ends when ctx is cancelled or
// [Scheduler.Stop] is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.interval <= 0 {
		return
	}
	s.running = true
	go s.loop(ctx)
	slog.Info("scheduler: started", "interval", s.interval)
}

// Stop ends the background loop and waits for an in-flight pass to return.
// Safe to call multiple times and before Start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		<-s.stopped
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce reflects every agent whose memory grew since the last pass and
// returns the reports of the agents it ran.
func (s *Scheduler) RunOnce(ctx context.Context) []AgentReport {
	var due []*agent.Agent
	s.mu.Lock()
	for _, ag := range s.app.Agents() {
		if ag.Store().Size() > s.lastSize[ag.ID()] {
			due = append(due, ag)
		}
	}
	s.mu.Unlock()
	if len(due) == 0 {
		return nil
	}

	start := time.Now()
	reports := s.app.reflect(ctx, due)

	created, updated, failed := 0, 0, 0
	s.mu.Lock()
	for i, rep := range reports {
		switch {
		case rep.Busy:
			continue
		case rep.Err != nil:
			failed++
			continue
		}
		// Reflections count toward the size; record it after the pass so
		// they do not trigger another one.
		s.lastSize[rep.AgentID] = due[i].Store().Size()
		created += len(rep.Report.Created)
		updated += len(rep.Report.Updated)
	}
	s.mu.Unlock()

	slog.Info("scheduler: reflection pass complete",
		"agents", len(due),
		"created", created,
		"updated", updated,
		"failed", failed,
		"elapsed", time.Since(start),
	)
	return reports
}

// Forget drops the bookkeeping of an unloaded agent.
func (s *Scheduler) Forget(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastSize, agentID)
}

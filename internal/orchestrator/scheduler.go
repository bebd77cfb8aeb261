package orchestrator

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler runs cycles on a fixed interval and on demand. Cycles never
// overlap: ticks and triggers that arrive mid-cycle are coalesced.
type Scheduler struct {
	orch     *Orchestrator
	interval time.Duration
	trigger  chan struct{}
	onCycle  func(Summary, error)
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler. onCycle, if non-nil, is called after
// every cycle.
func NewScheduler(orch *Orchestrator, interval time.Duration, onCycle func(Summary, error)) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{
		orch:     orch,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		onCycle:  onCycle,
		logger:   slog.Default(),
	}
}

// Trigger requests a cycle as soon as the current one (if any) finishes.
// It reports false when a request is already pending.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run executes a cycle immediately and then on every tick until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
		}
		s.runCycle(ctx)
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	sum, err := s.orch.RunCycle(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("sync cycle failed", "cycle", sum.CycleID, "error", err)
	} else if err == nil {
		s.logger.Info("sync cycle finished", "cycle", sum.CycleID, "providers", len(sum.Providers),
			"created", sum.Created(), "duration", sum.FinishedAt.Sub(sum.StartedAt).Round(time.Millisecond))
	}
	if s.onCycle != nil {
		s.onCycle(sum, err)
	}
}

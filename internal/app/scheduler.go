package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/vadim/omni-inbox/internal/domain/account/service"
)

// StatusChecker defines the interface for the periodic account sweep
type StatusChecker interface {
	CheckAll(ctx context.Context) ([]service.CheckAccountOutput, error)
}

// Scheduler periodically verifies every connected account against the
// provider and self-heals drifted WhatsApp resource ids
type Scheduler struct {
	checker  StatusChecker
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewScheduler creates a new status-check scheduler
func NewScheduler(checker StatusChecker, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		checker:  checker,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start runs the scheduler loop until the context is cancelled or Stop
// is called
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("account status scheduler started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Stop signals the scheduler to exit
func (s *Scheduler) Stop() {
	close(s.stop)
}

func (s *Scheduler) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	results, err := s.checker.CheckAll(sweepCtx)
	if err != nil {
		s.logger.Error("account sweep failed", "error", err)
		return
	}

	healthy := 0
	for _, res := range results {
		switch res.Status {
		case service.StatusHealthy:
			healthy++
		case service.StatusRepaired:
			s.logger.Info("account repaired during sweep", "account_id", res.AccountID, "detail", res.Detail)
		case service.StatusBroken:
			s.logger.Warn("broken account found during sweep",
				"account_id", res.AccountID,
				"channel", res.Channel,
				"detail", res.Detail,
			)
		}
	}

	s.logger.Debug("account sweep complete", "total", len(results), "healthy", healthy)
}

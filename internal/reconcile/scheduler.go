package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/congo-pay/testbtc_custody/internal/logging"
)

// DefaultInterval is how often the scheduler recomputes the reserve.
const DefaultInterval = time.Minute

// ErrSchedulerRunning is returned by Start on a started scheduler.
var ErrSchedulerRunning = errors.New("reconcile scheduler already running")

// Scheduler runs Monitor.Check periodically.
type Scheduler struct {
	monitor  *Monitor
	cron     *cron.Cron
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	running  bool
}

// NewScheduler builds a scheduler. Intervals under a second are raised to
// DefaultInterval. logger may be nil.
func NewScheduler(monitor *Monitor, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval < time.Second {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{
		monitor:  monitor,
		cron:     cron.New(),
		interval: interval,
		timeout:  interval,
		logger:   logger,
	}
}

// Start performs one check immediately and then schedules the rest.
func (s *Scheduler) Start() error {
	if s.running {
		return ErrSchedulerRunning
	}
	if _, err := s.cron.AddFunc("@every "+s.interval.String(), s.check); err != nil {
		return fmt.Errorf("schedule reserve check: %w", err)
	}
	s.check()
	s.cron.Start()
	s.running = true
	s.logger.Info("reconcile scheduler started", slog.Duration("interval", s.interval))
	return nil
}

// Stop halts scheduling and waits for a running check to finish or ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) {
	if !s.running {
		return
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	s.running = false
	s.logger.Info("reconcile scheduler stopped")
}

func (s *Scheduler) check() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.monitor.Check(ctx); err != nil {
		s.logger.Error("scheduled reserve check failed", slog.Any("error", err))
	}
}

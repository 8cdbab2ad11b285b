package crunch

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// CronSpec is the nightly schedule, shortly after the UTC day rolls over
// so the previous day is complete.
const CronSpec = "2 0 * * *"

const (
	scheduleAttempts = 3
	scheduleBackoff  = 60 * time.Second
)

// Scheduler runs the cruncher on the nightly cron.
type Scheduler struct {
	cruncher *Cruncher
	cron     *cron.Cron
	logger   *slog.Logger
}

// NewScheduler creates a scheduler; Start arms it.
func NewScheduler(cruncher *Cruncher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cruncher: cruncher,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		logger:   logger,
	}
}

// Start arms the nightly job. The job retries transient failures with a
// fixed backoff before giving up until the next night.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(CronSpec, func() {
		s.runWithRetry(ctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop stops the cron and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runWithRetry(ctx context.Context) {
	for attempt := 1; attempt <= scheduleAttempts; attempt++ {
		err := s.cruncher.Run(ctx, time.Now(), nil)
		if err == nil {
			return
		}
		s.logger.Error("nightly crunch failed", "attempt", attempt, "error", err)

		if attempt == scheduleAttempts {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(scheduleBackoff):
		}
	}
}

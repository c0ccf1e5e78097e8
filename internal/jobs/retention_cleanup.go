package jobs

import (
	"context"
	"log"
	"time"

	"companion/internal/config"
	"companion/internal/services"
)

// RetentionCleanupJob prunes observations past the retention window. The
// learning loop also trims opportunistically at the size cap; this job is
// the guaranteed daily sweep.
type RetentionCleanupJob struct {
	learning *services.LearningService
	opts     func() config.LearningOptions
}

// NewRetentionCleanupJob creates the daily retention sweep. opts is read at
// run time so configuration updates apply without re-registering.
func NewRetentionCleanupJob(learning *services.LearningService) *RetentionCleanupJob {
	return &RetentionCleanupJob{
		learning: learning,
		opts:     learning.Options,
	}
}

// Run prunes observations older than the retention window.
func (j *RetentionCleanupJob) Run(_ context.Context) error {
	opts := j.opts()
	if !opts.EnableAutoCleanup {
		log.Println("[RETENTION] Auto-cleanup disabled, skipping sweep")
		return nil
	}

	startTime := time.Now()
	removed := j.learning.ObservationLog().PruneOlderThan(opts.ObservationRetentionDays)
	log.Printf("[RETENTION] Sweep complete: removed %d observations older than %dd in %v",
		removed, opts.ObservationRetentionDays, time.Since(startTime))
	return nil
}

// NextRunTime schedules the sweep daily at 2 AM UTC.
func (j *RetentionCleanupJob) NextRunTime() time.Time {
	now := time.Now().UTC()

	nextRun := time.Date(now.Year(), now.Month(), now.Day(), 2, 0, 0, 0, time.UTC)
	if now.After(nextRun) {
		nextRun = nextRun.Add(24 * time.Hour)
	}
	return nextRun
}

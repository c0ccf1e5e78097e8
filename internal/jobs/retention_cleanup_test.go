package jobs

import (
	"context"
	"testing"
	"time"

	"companion/internal/config"
	"companion/internal/models"
	"companion/internal/services"
	"companion/internal/store"
)

func newTestLearning(opts config.LearningOptions) *services.LearningService {
	return services.NewLearningService(store.NewMemory(), services.NewObservationLog(opts.MaxObservations), opts, nil)
}

func TestRetentionCleanupRun(t *testing.T) {
	opts := config.DefaultLearningOptions()
	learning := newTestLearning(opts)

	now := time.Now()
	learning.ObservationLog().Append(models.Observation{ID: "old", Timestamp: now.AddDate(0, 0, -120)})
	learning.ObservationLog().Append(models.Observation{ID: "recent", Timestamp: now})

	job := NewRetentionCleanupJob(learning)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	remaining := learning.ObservationLog().All()
	if len(remaining) != 1 || remaining[0].ID != "recent" {
		t.Errorf("Expected only the recent observation, got %+v", remaining)
	}
}

func TestRetentionCleanupSkipsWhenDisabled(t *testing.T) {
	opts := config.DefaultLearningOptions()
	opts.EnableAutoCleanup = false
	learning := newTestLearning(opts)

	learning.ObservationLog().Append(models.Observation{ID: "old", Timestamp: time.Now().AddDate(0, 0, -120)})

	job := NewRetentionCleanupJob(learning)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if learning.ObservationLog().Len() != 1 {
		t.Error("Disabled sweep still pruned observations")
	}
}

func TestRetentionCleanupNextRunTime(t *testing.T) {
	job := NewRetentionCleanupJob(newTestLearning(config.DefaultLearningOptions()))

	next := job.NextRunTime()
	if next.Hour() != 2 || next.Minute() != 0 {
		t.Errorf("Expected 02:00 UTC, got %s", next.Format("15:04"))
	}
	if !next.After(time.Now().UTC()) {
		t.Errorf("NextRunTime is in the past: %s", next)
	}
}

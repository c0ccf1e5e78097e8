package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"companion/internal/config"
	"companion/internal/logging"
	"companion/internal/models"
)

// maxReportHistory caps the in-memory report ring; oldest reports fall off.
const maxReportHistory = 50

// degradationWindow is how many recent confidence samples the trajectory
// check averages.
const degradationWindow = 5

// degradationFactor: a recent mean below this fraction of the long-run
// success rate counts as degradation.
const degradationFactor = 0.8

// cycleLockKey is the Redis key guarding against concurrent learning cycles
// across instances.
const cycleLockKey = "companion:learning-cycle:lock"

// OverseerService drives the periodic learning cycle: mine observations,
// watch pattern trajectories, crystallize what has proven itself, clean up
// what has gone stale, and write it all down in a report.
type OverseerService struct {
	learning   *LearningService
	redis      *RedisService // optional distributed lock
	instanceID string

	mu      sync.RWMutex
	reports []models.LearningReport

	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewOverseerService wires the overseer. redis may be nil for single-instance
// deployments.
func NewOverseerService(learning *LearningService, redis *RedisService) *OverseerService {
	return &OverseerService{
		learning:   learning,
		redis:      redis,
		instanceID: uuid.New().String(),
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// Start runs one cycle immediately, then repeats on the configured interval.
// The interval is re-read from the live options every second, so a SetOptions
// change takes effect without a restart.
func (o *OverseerService) Start(ctx context.Context) {
	log.Printf("🧠 Overseer started (cycle every %s)", o.learning.Options().Interval)

	go func() {
		o.runGuarded(ctx)
		last := o.now()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if o.now().Sub(last) >= o.learning.Options().Interval {
					o.runGuarded(ctx)
					last = o.now()
				}
			case <-o.stopCh:
				return
			}
		}
	}()
}

// Stop halts the cycle loop.
func (o *OverseerService) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
}

// runGuarded wraps a cycle in the optional distributed lock. Failure to talk
// to Redis degrades to running unlocked rather than skipping.
func (o *OverseerService) runGuarded(ctx context.Context) {
	if o.redis != nil {
		acquired, err := o.redis.AcquireLock(ctx, cycleLockKey, o.instanceID, 5*time.Minute)
		if err != nil {
			log.Printf("⚠️ [OVERSEER] Lock check failed, running unlocked: %v", err)
		} else if !acquired {
			log.Printf("⏭️ [OVERSEER] Another instance holds the cycle lock, skipping")
			return
		} else {
			defer func() {
				if _, err := o.redis.ReleaseLock(ctx, cycleLockKey, o.instanceID); err != nil {
					log.Printf("⚠️ [OVERSEER] Failed to release cycle lock: %v", err)
				}
			}()
		}
	}
	if _, err := o.RunLearningCycle(ctx); err != nil {
		log.Printf("⚠️ [OVERSEER] Learning cycle failed: %v", err)
	}
}

// RunLearningCycle executes one full cycle and returns its report. Storage
// failures inside a phase are logged and the phase is skipped; the cycle
// itself completes and still produces a report.
func (o *OverseerService) RunLearningCycle(ctx context.Context) (*models.LearningReport, error) {
	start := o.now()
	opts := o.learning.Options()

	report := &models.LearningReport{
		ID:                   uuid.New().String(),
		GeneratedAt:          start,
		ObservationsAnalyzed: o.learning.ObservationLog().Len(),
	}
	logger := logging.WithCycle(report.ID)

	// Phase 1: detection.
	candidates := o.learning.DetectPatterns()
	report.PatternsDetected = len(candidates)

	// Phase 2: trajectory evaluation over what is already stored.
	stored, err := o.learning.Store().LoadPatterns(ctx)
	if err != nil {
		logger.Warn("pattern load failed, skipping evaluation phases", "error", err)
		stored = nil
	}
	existing := make(map[string]bool, len(stored))
	for _, p := range stored {
		existing[p.ID] = true
		if insight, degraded := degradationInsight(p, o.now()); degraded {
			report.Insights = append(report.Insights, insight)
		}
	}

	// Phase 3: auto-crystallization.
	if opts.EnableAutoCrystallization && !opts.RequireApproval {
		for _, candidate := range candidates {
			if existing[candidate.ID] {
				continue
			}
			if candidate.Confidence < opts.MinConfidenceForAuto {
				continue
			}
			if err := o.learning.CrystallizePattern(ctx, candidate); err != nil {
				logger.Warn("crystallization failed", "pattern_id", candidate.ID, "error", err)
				continue
			}
			report.PatternsCrystallized++
		}
	}

	// Phase 4: auto-cleanup.
	if opts.EnableAutoCleanup {
		pruned := o.learning.PruneStalePatterns(ctx, opts.StaleThresholdDays)
		report.PatternsPruned = len(pruned)
		o.learning.ObservationLog().PruneOlderThan(opts.ObservationRetentionDays)
	}

	// Phase 5: insights — queued narrations first, then cycle-level ones.
	report.Insights = append(report.Insights, o.learning.DrainInsights()...)
	report.Insights = append(report.Insights, o.cycleInsights(ctx, opts)...)

	// Phase 6: recommendations over the refreshed store.
	report.Recommendations = o.recommend(ctx, opts)

	report.DurationMs = o.now().Sub(start).Milliseconds()

	o.mu.Lock()
	o.reports = append(o.reports, *report)
	if len(o.reports) > maxReportHistory {
		o.reports = o.reports[len(o.reports)-maxReportHistory:]
	}
	o.mu.Unlock()

	if m := GetMetrics(); m != nil {
		m.LearningCycles.Inc()
		m.LearningCycleTime.Observe(float64(report.DurationMs) / 1000.0)
		if stats, err := o.learning.Store().Stats(ctx); err == nil {
			m.StoredPatternCount.Set(float64(stats.TotalPatterns))
		}
	}

	logger.Info("learning cycle done",
		"duration_ms", report.DurationMs,
		"observations", report.ObservationsAnalyzed,
		"detected", report.PatternsDetected,
		"crystallized", report.PatternsCrystallized,
		"pruned", report.PatternsPruned)
	return report, nil
}

// degradationInsight flags a pattern whose recent confidence trajectory sits
// well below its long-run success rate.
func degradationInsight(p *models.CrystallizedPattern, now time.Time) (models.Insight, bool) {
	if len(p.ConfidenceHistory) < degradationWindow {
		return models.Insight{}, false
	}
	recent := p.ConfidenceHistory[len(p.ConfidenceHistory)-degradationWindow:]
	var sum float64
	for _, sample := range recent {
		sum += sample.Value
	}
	mean := sum / float64(len(recent))
	if mean >= degradationFactor*p.SuccessRate {
		return models.Insight{}, false
	}
	return models.Insight{
		Type: "degradation",
		Message: fmt.Sprintf("%q is trending down: recent confidence %.2f vs long-run success %.2f",
			p.Name, mean, p.SuccessRate),
		PatternID: p.ID,
		CreatedAt: now,
	}, true
}

// cycleInsights produces the cycle-level narrations: high-success cohort,
// pattern-count milestones, estimated savings from reuse.
func (o *OverseerService) cycleInsights(ctx context.Context, opts config.LearningOptions) []models.Insight {
	stats, err := o.learning.Store().Stats(ctx)
	if err != nil {
		log.Printf("⚠️ [OVERSEER] Stats unavailable for insights: %v", err)
		return nil
	}

	now := o.now()
	var insights []models.Insight

	if stats.TotalPatterns > 0 && stats.AvgSuccessRate >= 0.9 {
		insights = append(insights, models.Insight{
			Type:      "high_success",
			Message:   fmt.Sprintf("Learned behaviors are working well: %.0f%% average success across %d patterns", stats.AvgSuccessRate*100, stats.TotalPatterns),
			CreatedAt: now,
		})
	}

	for _, milestone := range []int{10, 50, 100, 250, opts.MaxPatterns} {
		if stats.TotalPatterns == milestone {
			insights = append(insights, models.Insight{
				Type:      "milestone",
				Message:   fmt.Sprintf("Reached %d crystallized patterns", milestone),
				CreatedAt: now,
			})
			break
		}
	}

	if stats.TotalUsages > 0 {
		// Every reuse of a crystallized pattern replaces a from-scratch
		// reasoning pass; the average pattern duration is the saved cost.
		var avgMs float64
		for _, p := range stats.TopPatterns {
			avgMs += p.AvgDurationMs
		}
		if len(stats.TopPatterns) > 0 {
			avgMs /= float64(len(stats.TopPatterns))
		}
		insights = append(insights, models.Insight{
			Type:      "savings",
			Message:   fmt.Sprintf("Pattern reuse saved an estimated %.1fs of deliberation across %d executions", float64(stats.TotalUsages)*avgMs/1000.0, stats.TotalUsages),
			CreatedAt: now,
		})
	}

	return insights
}

// recommend produces the per-pattern verdicts for the report.
func (o *OverseerService) recommend(ctx context.Context, opts config.LearningOptions) []models.Recommendation {
	patterns, err := o.learning.Store().LoadPatterns(ctx)
	if err != nil {
		log.Printf("⚠️ [OVERSEER] Pattern load failed, skipping recommendations: %v", err)
		return nil
	}

	var recs []models.Recommendation
	for _, p := range patterns {
		switch {
		case p.Confidence > 0.85:
			recs = append(recs, models.Recommendation{
				PatternID:  p.ID,
				Action:     models.RecommendCrystallize,
				Reason:     fmt.Sprintf("confidence %.2f, proven over %d uses", p.Confidence, p.UsageCount),
				Confidence: p.Confidence,
			})
		case p.Confidence >= 0.70:
			recs = append(recs, models.Recommendation{
				PatternID:  p.ID,
				Action:     models.RecommendMonitor,
				Reason:     fmt.Sprintf("confidence %.2f, needs more evidence", p.Confidence),
				Confidence: p.Confidence,
			})
		}
	}
	return recs
}

// Reports returns the retained report history, oldest first.
func (o *OverseerService) Reports() []models.LearningReport {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]models.LearningReport, len(o.reports))
	copy(out, o.reports)
	return out
}

// LatestReport returns the most recent report, or nil before the first cycle.
func (o *OverseerService) LatestReport() *models.LearningReport {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if len(o.reports) == 0 {
		return nil
	}
	latest := o.reports[len(o.reports)-1]
	return &latest
}

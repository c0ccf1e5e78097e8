package services

import (
	"context"
	"testing"
	"time"

	"companion/internal/config"
	"companion/internal/models"
	"companion/internal/store"
)

func newOverseerFixture(t *testing.T, opts config.LearningOptions) (*OverseerService, *LearningService) {
	t.Helper()
	learning := NewLearningService(store.NewMemory(), NewObservationLog(opts.MaxObservations), opts, nil)
	return NewOverseerService(learning, nil), learning
}

func hasInsight(insights []models.Insight, insightType string) bool {
	for _, in := range insights {
		if in.Type == insightType {
			return true
		}
	}
	return false
}

func TestRunLearningCycleCrystallizes(t *testing.T) {
	overseer, learning := newOverseerFixture(t, config.DefaultLearningOptions())
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		learning.ObserveAction("user-1", "weather_report", map[string]interface{}{
			"request": "what is the weather like today",
		}, true, 1200)
	}

	report, err := overseer.RunLearningCycle(ctx)
	if err != nil {
		t.Fatalf("RunLearningCycle failed: %v", err)
	}

	if report.ObservationsAnalyzed != 6 {
		t.Errorf("Expected 6 observations analyzed, got %d", report.ObservationsAnalyzed)
	}
	if report.PatternsDetected != 1 {
		t.Errorf("Expected 1 pattern detected, got %d", report.PatternsDetected)
	}
	if report.PatternsCrystallized != 1 {
		t.Errorf("Expected 1 pattern crystallized, got %d", report.PatternsCrystallized)
	}
	if !hasInsight(report.Insights, "crystallized") {
		t.Errorf("Missing crystallized insight: %+v", report.Insights)
	}
	if !hasInsight(report.Insights, "high_success") {
		t.Errorf("Missing high_success insight for a 100%% store: %+v", report.Insights)
	}

	stored, err := learning.Store().LoadPatterns(ctx)
	if err != nil {
		t.Fatalf("LoadPatterns failed: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("Expected 1 stored pattern, got %d", len(stored))
	}
	if stored[0].Confidence != 1.0 {
		t.Errorf("Expected confidence 1.0, got %.2f", stored[0].Confidence)
	}

	// The fully confident pattern earns a crystallize verdict.
	if len(report.Recommendations) != 1 || report.Recommendations[0].Action != models.RecommendCrystallize {
		t.Errorf("Unexpected recommendations: %+v", report.Recommendations)
	}

	// A second cycle over the same evidence changes nothing.
	second, err := overseer.RunLearningCycle(ctx)
	if err != nil {
		t.Fatalf("Second cycle failed: %v", err)
	}
	if second.PatternsCrystallized != 0 {
		t.Errorf("Second cycle re-crystallized %d pattern(s)", second.PatternsCrystallized)
	}
	again, _ := learning.Store().LoadPatterns(ctx)
	if len(again) != 1 {
		t.Errorf("Expected store unchanged, got %d patterns", len(again))
	}
}

func TestRunLearningCycleConfidenceFloor(t *testing.T) {
	overseer, learning := newOverseerFixture(t, config.DefaultLearningOptions())

	// 4/5 success = 0.8: clears detection but not the 0.85 auto floor.
	for i := 0; i < 5; i++ {
		learning.ObserveAction("user-1", "play_music", map[string]interface{}{
			"request": "play some relaxing jazz music",
		}, i > 0, 800)
	}

	report, err := overseer.RunLearningCycle(context.Background())
	if err != nil {
		t.Fatalf("RunLearningCycle failed: %v", err)
	}
	if report.PatternsDetected != 1 {
		t.Errorf("Expected 1 detection, got %d", report.PatternsDetected)
	}
	if report.PatternsCrystallized != 0 {
		t.Errorf("Pattern below the confidence floor was crystallized")
	}
}

func TestRunLearningCycleRequireApproval(t *testing.T) {
	opts := config.DefaultLearningOptions()
	opts.RequireApproval = true
	overseer, learning := newOverseerFixture(t, opts)

	for i := 0; i < 6; i++ {
		learning.ObserveAction("user-1", "weather_report", map[string]interface{}{
			"request": "what is the weather like today",
		}, true, 1200)
	}

	report, err := overseer.RunLearningCycle(context.Background())
	if err != nil {
		t.Fatalf("RunLearningCycle failed: %v", err)
	}
	if report.PatternsCrystallized != 0 {
		t.Errorf("Approval-gated cycle crystallized %d pattern(s)", report.PatternsCrystallized)
	}
	stored, _ := learning.Store().LoadPatterns(context.Background())
	if len(stored) != 0 {
		t.Errorf("Expected empty store under approval gating, got %d", len(stored))
	}
}

func TestRunLearningCyclePrunesStale(t *testing.T) {
	overseer, learning := newOverseerFixture(t, config.DefaultLearningOptions())
	ctx := context.Background()

	stale := &models.CrystallizedPattern{
		ID:         "pat-stale",
		Name:       "Forgotten",
		CreatedAt:  time.Now().AddDate(0, 0, -60),
		LastUsedAt: time.Now().AddDate(0, 0, -45),
	}
	if err := learning.Store().SavePattern(ctx, stale); err != nil {
		t.Fatalf("SavePattern failed: %v", err)
	}

	report, err := overseer.RunLearningCycle(ctx)
	if err != nil {
		t.Fatalf("RunLearningCycle failed: %v", err)
	}
	if report.PatternsPruned != 1 {
		t.Errorf("Expected 1 pruned pattern, got %d", report.PatternsPruned)
	}
	stored, _ := learning.Store().LoadPatterns(ctx)
	if len(stored) != 0 {
		t.Errorf("Stale pattern survived the cycle")
	}
}

func TestDegradationInsight(t *testing.T) {
	now := time.Now()
	history := func(values ...float64) []models.ConfidenceSample {
		out := make([]models.ConfidenceSample, len(values))
		for i, v := range values {
			out[i] = models.ConfidenceSample{Timestamp: now, Value: v}
		}
		return out
	}

	tests := []struct {
		name     string
		pattern  models.CrystallizedPattern
		degraded bool
	}{
		{
			name: "recent mean well below long-run rate",
			pattern: models.CrystallizedPattern{
				Name: "Fading", SuccessRate: 0.9,
				ConfidenceHistory: history(0.6, 0.5, 0.5, 0.4, 0.5),
			},
			degraded: true,
		},
		{
			name: "recent mean near long-run rate",
			pattern: models.CrystallizedPattern{
				Name: "Steady", SuccessRate: 0.9,
				ConfidenceHistory: history(0.85, 0.9, 0.88, 0.9, 0.87),
			},
			degraded: false,
		},
		{
			name: "too little history to judge",
			pattern: models.CrystallizedPattern{
				Name: "Young", SuccessRate: 0.9,
				ConfidenceHistory: history(0.1, 0.1, 0.1),
			},
			degraded: false,
		},
		{
			name: "only the trailing window counts",
			pattern: models.CrystallizedPattern{
				Name: "Recovered", SuccessRate: 0.9,
				ConfidenceHistory: history(0.1, 0.1, 0.9, 0.9, 0.9, 0.9, 0.9),
			},
			degraded: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			insight, degraded := degradationInsight(&tt.pattern, now)
			if degraded != tt.degraded {
				t.Errorf("Expected degraded=%v, got %v", tt.degraded, degraded)
			}
			if degraded && insight.Type != "degradation" {
				t.Errorf("Expected degradation insight, got %+v", insight)
			}
		})
	}
}

func TestRecommendationBuckets(t *testing.T) {
	overseer, learning := newOverseerFixture(t, config.DefaultLearningOptions())
	ctx := context.Background()

	now := time.Now()
	seed := []struct {
		id         string
		confidence float64
	}{
		{"pat-strong", 0.92},
		{"pat-promising", 0.75},
		{"pat-weak", 0.40},
	}
	for _, s := range seed {
		p := &models.CrystallizedPattern{
			ID: s.id, Confidence: s.confidence, SuccessRate: s.confidence,
			CreatedAt: now, LastUsedAt: now,
		}
		if err := learning.Store().SavePattern(ctx, p); err != nil {
			t.Fatalf("SavePattern failed: %v", err)
		}
	}

	recs := overseer.recommend(ctx, learning.Options())
	if len(recs) != 2 {
		t.Fatalf("Expected 2 recommendations (weak pattern gets none), got %d", len(recs))
	}
	byID := make(map[string]models.RecommendationAction)
	for _, r := range recs {
		byID[r.PatternID] = r.Action
	}
	if byID["pat-strong"] != models.RecommendCrystallize {
		t.Errorf("Expected crystallize for pat-strong, got %s", byID["pat-strong"])
	}
	if byID["pat-promising"] != models.RecommendMonitor {
		t.Errorf("Expected monitor for pat-promising, got %s", byID["pat-promising"])
	}
}

func TestStartPicksUpIntervalChange(t *testing.T) {
	overseer, learning := newOverseerFixture(t, config.DefaultLearningOptions())
	t.Cleanup(overseer.Stop)

	overseer.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for len(overseer.Reports()) == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if got := len(overseer.Reports()); got != 1 {
		t.Fatalf("Expected 1 initial report, got %d", got)
	}

	// Shrinking the hour-long default must take effect without a restart.
	opts := learning.Options()
	opts.Interval = time.Second
	if err := learning.SetOptions(opts); err != nil {
		t.Fatalf("SetOptions failed: %v", err)
	}

	deadline = time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		if len(overseer.Reports()) >= 2 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("No cycle after interval change, reports=%d", len(overseer.Reports()))
}

func TestReportHistoryCap(t *testing.T) {
	overseer, _ := newOverseerFixture(t, config.DefaultLearningOptions())
	ctx := context.Background()

	if overseer.LatestReport() != nil {
		t.Fatal("Expected no report before the first cycle")
	}

	var lastID string
	for i := 0; i < maxReportHistory+5; i++ {
		report, err := overseer.RunLearningCycle(ctx)
		if err != nil {
			t.Fatalf("Cycle %d failed: %v", i, err)
		}
		lastID = report.ID
	}

	reports := overseer.Reports()
	if len(reports) != maxReportHistory {
		t.Fatalf("Expected history capped at %d, got %d", maxReportHistory, len(reports))
	}
	latest := overseer.LatestReport()
	if latest == nil || latest.ID != lastID {
		t.Errorf("LatestReport does not match the newest cycle")
	}
	if reports[len(reports)-1].ID != lastID {
		t.Errorf("Reports are not ordered oldest first")
	}
}

package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"companion/internal/models"
)

func samplePattern(id string, usageCount int64, successRate float64, lastUsed time.Time) *models.CrystallizedPattern {
	return &models.CrystallizedPattern{
		ID:          id,
		SubjectID:   "user-1",
		Name:        "Pattern " + id,
		Trigger: models.PatternTrigger{
			MatchType:     models.MatchKeyword,
			Keywords:      []string{"weather", "today"},
			MinSimilarity: 0.8,
		},
		Action: models.PatternAction{
			Type:     models.ActionResponse,
			Response: "ok",
		},
		Confidence:  successRate,
		UsageCount:  usageCount,
		SuccessRate: successRate,
		CreatedAt:   lastUsed.Add(-24 * time.Hour),
		LastUsedAt:  lastUsed,
		Version:     1,
	}
}

func TestMemoryCRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	p := samplePattern("pat-1", 3, 0.9, time.Now())
	if err := m.SavePattern(ctx, p); err != nil {
		t.Fatalf("SavePattern failed: %v", err)
	}

	got, err := m.GetPattern(ctx, "pat-1")
	if err != nil {
		t.Fatalf("GetPattern failed: %v", err)
	}
	if got.Name != p.Name || got.UsageCount != 3 {
		t.Errorf("Round-trip mismatch: %+v", got)
	}

	got.UsageCount = 4
	if err := m.UpdatePattern(ctx, got); err != nil {
		t.Fatalf("UpdatePattern failed: %v", err)
	}
	again, _ := m.GetPattern(ctx, "pat-1")
	if again.UsageCount != 4 {
		t.Errorf("Expected usageCount 4 after update, got %d", again.UsageCount)
	}

	if err := m.DeletePattern(ctx, "pat-1"); err != nil {
		t.Fatalf("DeletePattern failed: %v", err)
	}
	if _, err := m.GetPattern(ctx, "pat-1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	// Deleting again is a no-op.
	if err := m.DeletePattern(ctx, "pat-1"); err != nil {
		t.Errorf("Second delete should be a no-op, got %v", err)
	}
}

func TestMemoryUpdateMissing(t *testing.T) {
	m := NewMemory()
	err := m.UpdatePattern(context.Background(), samplePattern("pat-ghost", 0, 0, time.Now()))
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemorySaveRejectsEmptyID(t *testing.T) {
	m := NewMemory()
	if err := m.SavePattern(context.Background(), &models.CrystallizedPattern{}); err == nil {
		t.Error("Expected error for pattern without id")
	}
}

func TestMemoryCloneIsolation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	p := samplePattern("pat-1", 1, 0.8, time.Now())
	if err := m.SavePattern(ctx, p); err != nil {
		t.Fatalf("SavePattern failed: %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	p.Trigger.Keywords[0] = "mutated"
	got, _ := m.GetPattern(ctx, "pat-1")
	if got.Trigger.Keywords[0] != "weather" {
		t.Errorf("Store shares keyword slice with caller: %v", got.Trigger.Keywords)
	}

	// Mutating a returned copy must not leak either.
	got.Trigger.Keywords[0] = "mutated"
	again, _ := m.GetPattern(ctx, "pat-1")
	if again.Trigger.Keywords[0] != "weather" {
		t.Errorf("Store shares keyword slice with reader: %v", again.Trigger.Keywords)
	}
}

func TestMemoryLoadPatternsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for _, id := range []string{"pat-c", "pat-a", "pat-b"} {
		if err := m.SavePattern(ctx, samplePattern(id, 0, 0.8, time.Now())); err != nil {
			t.Fatalf("SavePattern failed: %v", err)
		}
	}

	all, err := m.LoadPatterns(ctx)
	if err != nil {
		t.Fatalf("LoadPatterns failed: %v", err)
	}
	want := []string{"pat-c", "pat-a", "pat-b"}
	for i, p := range all {
		if p.ID != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], p.ID)
		}
	}
}

func TestMemoryTopPatterns(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	usage := map[string]int64{"pat-a": 2, "pat-b": 9, "pat-c": 5}
	for id, count := range usage {
		if err := m.SavePattern(ctx, samplePattern(id, count, 0.8, time.Now())); err != nil {
			t.Fatalf("SavePattern failed: %v", err)
		}
	}

	top, err := m.TopPatterns(ctx, 2)
	if err != nil {
		t.Fatalf("TopPatterns failed: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("Expected 2 patterns, got %d", len(top))
	}
	if top[0].ID != "pat-b" || top[1].ID != "pat-c" {
		t.Errorf("Unexpected order: %s, %s", top[0].ID, top[1].ID)
	}
}

func TestMemoryPatternsBySubject(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	a := samplePattern("pat-a", 0, 0.8, time.Now())
	b := samplePattern("pat-b", 0, 0.8, time.Now())
	b.SubjectID = "user-2"
	for _, p := range []*models.CrystallizedPattern{a, b} {
		if err := m.SavePattern(ctx, p); err != nil {
			t.Fatalf("SavePattern failed: %v", err)
		}
	}

	got, err := m.PatternsBySubject(ctx, "user-2")
	if err != nil {
		t.Fatalf("PatternsBySubject failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "pat-b" {
		t.Errorf("Expected only pat-b, got %+v", got)
	}
}

func TestMemoryStats(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()

	// Two active patterns, one dormant beyond the 30-day window.
	if err := m.SavePattern(ctx, samplePattern("pat-a", 4, 0.9, now)); err != nil {
		t.Fatal(err)
	}
	if err := m.SavePattern(ctx, samplePattern("pat-b", 6, 0.7, now.Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := m.SavePattern(ctx, samplePattern("pat-c", 2, 0.5, now.AddDate(0, 0, -40))); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 15; i++ {
		err := m.RecordUsage(ctx, models.PatternUsage{
			PatternID:  "pat-a",
			ExecutedAt: now.Add(time.Duration(i) * time.Second),
			Success:    true,
			DurationMs: int64(i),
		})
		if err != nil {
			t.Fatalf("RecordUsage failed: %v", err)
		}
	}

	stats, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalPatterns != 3 {
		t.Errorf("Expected 3 total, got %d", stats.TotalPatterns)
	}
	if stats.ActivePatterns != 2 {
		t.Errorf("Expected 2 active, got %d", stats.ActivePatterns)
	}
	if stats.TotalUsages != 12 {
		t.Errorf("Expected 12 total usages, got %d", stats.TotalUsages)
	}
	wantRate := (0.9 + 0.7 + 0.5) / 3
	if math.Abs(stats.AvgSuccessRate-wantRate) > 1e-9 {
		t.Errorf("Expected avg success rate %.4f, got %.4f", wantRate, stats.AvgSuccessRate)
	}
	if len(stats.RecentUsages) != 10 {
		t.Fatalf("Expected recent usages capped at 10, got %d", len(stats.RecentUsages))
	}
	// Newest first.
	if stats.RecentUsages[0].DurationMs != 14 {
		t.Errorf("Expected newest usage first, got durationMs=%d", stats.RecentUsages[0].DurationMs)
	}
	if len(stats.TopPatterns) == 0 || stats.TopPatterns[0].ID != "pat-b" {
		t.Errorf("Expected pat-b on top, got %+v", stats.TopPatterns)
	}
}

func TestMemoryExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := NewMemory()

	for i := 0; i < 3; i++ {
		p := samplePattern(fmt.Sprintf("pat-%d", i), int64(i), 0.8, time.Now())
		if err := src.SavePattern(ctx, p); err != nil {
			t.Fatalf("SavePattern failed: %v", err)
		}
	}

	doc, err := src.Export(ctx)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if doc.FormatVersion != models.ExportFormatVersion {
		t.Errorf("Expected format version %d, got %d", models.ExportFormatVersion, doc.FormatVersion)
	}
	if len(doc.Patterns) != 3 {
		t.Fatalf("Expected 3 exported patterns, got %d", len(doc.Patterns))
	}

	dst := NewMemory()
	count, err := dst.Import(ctx, doc)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 imported patterns, got %d", count)
	}

	restored, err := dst.LoadPatterns(ctx)
	if err != nil {
		t.Fatalf("LoadPatterns failed: %v", err)
	}
	if len(restored) != 3 {
		t.Fatalf("Expected 3 restored patterns, got %d", len(restored))
	}
	for i, p := range restored {
		if p.ID != fmt.Sprintf("pat-%d", i) {
			t.Errorf("Position %d: got %s", i, p.ID)
		}
	}

	// Re-importing is an upsert, not a duplication.
	if _, err := dst.Import(ctx, doc); err != nil {
		t.Fatalf("Second import failed: %v", err)
	}
	again, _ := dst.LoadPatterns(ctx)
	if len(again) != 3 {
		t.Errorf("Expected 3 patterns after re-import, got %d", len(again))
	}
}

func TestMemoryImportNilDocument(t *testing.T) {
	m := NewMemory()
	if _, err := m.Import(context.Background(), nil); err == nil {
		t.Error("Expected error for nil export document")
	}
}

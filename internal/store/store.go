// Package store holds the durable pattern repositories. The PatternStore
// contract is the boundary the learning engine and overseer talk to; the
// SQLite implementation is the default, MongoDB is available for deployments
// that already run one, and the in-memory implementation backs tests and
// persistence-free runs.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"companion/internal/models"
)

// activeWindow is how recently a pattern must have been used to count as
// active in the stats view.
const activeWindow = 30 * 24 * time.Hour

// recentUsageLimit caps the usage events returned by Stats.
const recentUsageLimit = 10

// PatternStore is the persistent store contract. All operations may fail
// with a *models.StorageError; autonomous cycles log and skip, direct
// callers decide.
type PatternStore interface {
	SavePattern(ctx context.Context, p *models.CrystallizedPattern) error
	GetPattern(ctx context.Context, id string) (*models.CrystallizedPattern, error)
	LoadPatterns(ctx context.Context) ([]*models.CrystallizedPattern, error)
	UpdatePattern(ctx context.Context, p *models.CrystallizedPattern) error
	DeletePattern(ctx context.Context, id string) error
	PatternsBySubject(ctx context.Context, subjectID string) ([]*models.CrystallizedPattern, error)
	TopPatterns(ctx context.Context, limit int) ([]*models.CrystallizedPattern, error)
	RecordUsage(ctx context.Context, usage models.PatternUsage) error
	Stats(ctx context.Context) (*models.PatternStats, error)
	Export(ctx context.Context) (*models.PatternExport, error)
	Import(ctx context.Context, doc *models.PatternExport) (int, error)
	Close() error
}

// Memory is a map-backed PatternStore for tests and persistence-free runs.
type Memory struct {
	mu       sync.RWMutex
	patterns map[string]*models.CrystallizedPattern
	order    []string // insertion order, keeps iteration stable
	usages   []models.PatternUsage
	now      func() time.Time
}

// NewMemory creates an empty in-memory pattern store.
func NewMemory() *Memory {
	return &Memory{
		patterns: make(map[string]*models.CrystallizedPattern),
		now:      time.Now,
	}
}

// SavePattern inserts or replaces a pattern by id.
func (m *Memory) SavePattern(_ context.Context, p *models.CrystallizedPattern) error {
	if p == nil || p.ID == "" {
		return models.NewStorageError("save", fmt.Errorf("pattern id is required"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.patterns[p.ID]; !exists {
		m.order = append(m.order, p.ID)
	}
	m.patterns[p.ID] = p.Clone()
	return nil
}

// GetPattern returns one pattern by id.
func (m *Memory) GetPattern(_ context.Context, id string) (*models.CrystallizedPattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patterns[id]
	if !ok {
		return nil, models.NewStorageError("get", fmt.Errorf("pattern %s: %w", id, models.ErrNotFound))
	}
	return p.Clone(), nil
}

// LoadPatterns returns all patterns in insertion order.
func (m *Memory) LoadPatterns(_ context.Context) ([]*models.CrystallizedPattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.CrystallizedPattern, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.patterns[id].Clone())
	}
	return out, nil
}

// UpdatePattern replaces an existing pattern.
func (m *Memory) UpdatePattern(_ context.Context, p *models.CrystallizedPattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.patterns[p.ID]; !exists {
		return models.NewStorageError("update", fmt.Errorf("pattern %s: %w", p.ID, models.ErrNotFound))
	}
	m.patterns[p.ID] = p.Clone()
	return nil
}

// DeletePattern removes a pattern by id. Deleting a missing id is a no-op.
func (m *Memory) DeletePattern(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.patterns[id]; !exists {
		return nil
	}
	delete(m.patterns, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// PatternsBySubject filters patterns by owning subject.
func (m *Memory) PatternsBySubject(_ context.Context, subjectID string) ([]*models.CrystallizedPattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.CrystallizedPattern
	for _, id := range m.order {
		if p := m.patterns[id]; p.SubjectID == subjectID {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

// TopPatterns returns up to limit patterns ordered by usage count descending.
func (m *Memory) TopPatterns(_ context.Context, limit int) ([]*models.CrystallizedPattern, error) {
	m.mu.RLock()
	all := make([]*models.CrystallizedPattern, 0, len(m.order))
	for _, id := range m.order {
		all = append(all, m.patterns[id].Clone())
	}
	m.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool { return all[i].UsageCount > all[j].UsageCount })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// RecordUsage appends a usage event, keeping a bounded recent window.
func (m *Memory) RecordUsage(_ context.Context, usage models.PatternUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usages = append(m.usages, usage)
	if len(m.usages) > 100 {
		m.usages = m.usages[len(m.usages)-100:]
	}
	return nil
}

// Stats aggregates the store contents.
func (m *Memory) Stats(ctx context.Context) (*models.PatternStats, error) {
	top, _ := m.TopPatterns(ctx, 5)

	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &models.PatternStats{
		TotalPatterns: len(m.patterns),
		TopPatterns:   top,
	}

	cutoff := m.now().Add(-activeWindow)
	var sumRate, sumConf float64
	for _, p := range m.patterns {
		if p.LastUsedAt.After(cutoff) {
			stats.ActivePatterns++
		}
		stats.TotalUsages += p.UsageCount
		sumRate += p.SuccessRate
		sumConf += p.Confidence
	}
	if len(m.patterns) > 0 {
		stats.AvgSuccessRate = sumRate / float64(len(m.patterns))
		stats.AvgConfidence = sumConf / float64(len(m.patterns))
	}

	start := len(m.usages) - recentUsageLimit
	if start < 0 {
		start = 0
	}
	recent := m.usages[start:]
	stats.RecentUsages = make([]models.PatternUsage, len(recent))
	for i := range recent {
		stats.RecentUsages[len(recent)-1-i] = recent[i] // newest first
	}
	return stats, nil
}

// Export snapshots the full pattern set as a self-describing document.
func (m *Memory) Export(ctx context.Context) (*models.PatternExport, error) {
	patterns, err := m.LoadPatterns(ctx)
	if err != nil {
		return nil, err
	}
	return &models.PatternExport{
		FormatVersion: models.ExportFormatVersion,
		ExportedAt:    m.now(),
		Patterns:      patterns,
	}, nil
}

// Import upserts every pattern in the document by id (last write wins) and
// returns the number of patterns applied.
func (m *Memory) Import(ctx context.Context, doc *models.PatternExport) (int, error) {
	if doc == nil {
		return 0, models.NewStorageError("import", fmt.Errorf("nil export document"))
	}
	count := 0
	for _, p := range doc.Patterns {
		if err := m.SavePattern(ctx, p); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"companion/internal/models"
)

// SQLite is the default on-disk PatternStore. Structured fields (trigger,
// action, history, source ids) are stored as JSON columns; counters and
// timestamps stay relational so stats can aggregate in SQL.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens (or creates) the pattern database at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pattern database: %w", err)
	}

	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent cycles.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pattern database: %w", err)
	}

	s := &SQLite{db: db, now: time.Now}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("✅ SQLite pattern store ready: %s", path)
	return s, nil
}

func (s *SQLite) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS patterns (
		id TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL,
		name TEXT NOT NULL,
		trigger_json TEXT NOT NULL,
		action_json TEXT NOT NULL,
		confidence REAL NOT NULL,
		usage_count INTEGER NOT NULL DEFAULT 0,
		success_rate REAL NOT NULL,
		avg_duration_ms REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_used_at INTEGER NOT NULL,
		source_ids_json TEXT NOT NULL DEFAULT '[]',
		version INTEGER NOT NULL DEFAULT 1,
		history_json TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_patterns_subject ON patterns(subject_id);
	CREATE INDEX IF NOT EXISTS idx_patterns_usage ON patterns(usage_count DESC);

	CREATE TABLE IF NOT EXISTS pattern_usages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pattern_id TEXT NOT NULL,
		executed_at INTEGER NOT NULL,
		success INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usages_executed ON pattern_usages(executed_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize pattern schema: %w", err)
	}
	return nil
}

func encodePattern(p *models.CrystallizedPattern) (trigger, action, sourceIDs, history string, err error) {
	tb, err := json.Marshal(p.Trigger)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to encode trigger: %w", err)
	}
	ab, err := json.Marshal(p.Action)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to encode action: %w", err)
	}
	ids := p.SourceObservationIDs
	if ids == nil {
		ids = []string{}
	}
	ib, err := json.Marshal(ids)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to encode source ids: %w", err)
	}
	hist := p.ConfidenceHistory
	if hist == nil {
		hist = []models.ConfidenceSample{}
	}
	hb, err := json.Marshal(hist)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to encode history: %w", err)
	}
	return string(tb), string(ab), string(ib), string(hb), nil
}

func scanPattern(scan func(dest ...interface{}) error) (*models.CrystallizedPattern, error) {
	var p models.CrystallizedPattern
	var trigger, action, sourceIDs, history string
	var createdAt, lastUsedAt int64

	err := scan(&p.ID, &p.SubjectID, &p.Name, &trigger, &action,
		&p.Confidence, &p.UsageCount, &p.SuccessRate, &p.AvgDurationMs,
		&createdAt, &lastUsedAt, &sourceIDs, &p.Version, &history)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(trigger), &p.Trigger); err != nil {
		return nil, fmt.Errorf("failed to decode trigger for %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(action), &p.Action); err != nil {
		return nil, fmt.Errorf("failed to decode action for %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(sourceIDs), &p.SourceObservationIDs); err != nil {
		return nil, fmt.Errorf("failed to decode source ids for %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(history), &p.ConfidenceHistory); err != nil {
		return nil, fmt.Errorf("failed to decode history for %s: %w", p.ID, err)
	}
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	p.LastUsedAt = time.UnixMilli(lastUsedAt).UTC()
	return &p, nil
}

const patternColumns = `id, subject_id, name, trigger_json, action_json,
	confidence, usage_count, success_rate, avg_duration_ms,
	created_at, last_used_at, source_ids_json, version, history_json`

// SavePattern inserts or replaces a pattern by id.
func (s *SQLite) SavePattern(ctx context.Context, p *models.CrystallizedPattern) error {
	if p == nil || p.ID == "" {
		return models.NewStorageError("save", fmt.Errorf("pattern id is required"))
	}
	trigger, action, sourceIDs, history, err := encodePattern(p)
	if err != nil {
		return models.NewStorageError("save", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO patterns (`+patternColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			subject_id=excluded.subject_id, name=excluded.name,
			trigger_json=excluded.trigger_json, action_json=excluded.action_json,
			confidence=excluded.confidence, usage_count=excluded.usage_count,
			success_rate=excluded.success_rate, avg_duration_ms=excluded.avg_duration_ms,
			created_at=excluded.created_at, last_used_at=excluded.last_used_at,
			source_ids_json=excluded.source_ids_json, version=excluded.version,
			history_json=excluded.history_json`,
		p.ID, p.SubjectID, p.Name, trigger, action,
		p.Confidence, p.UsageCount, p.SuccessRate, p.AvgDurationMs,
		p.CreatedAt.UnixMilli(), p.LastUsedAt.UnixMilli(), sourceIDs, p.Version, history)
	if err != nil {
		return models.NewStorageError("save", err)
	}
	return nil
}

func (s *SQLite) queryPatterns(ctx context.Context, query string, args ...interface{}) ([]*models.CrystallizedPattern, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.CrystallizedPattern
	for rows.Next() {
		p, err := scanPattern(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPattern returns one pattern by id.
func (s *SQLite) GetPattern(ctx context.Context, id string) (*models.CrystallizedPattern, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM patterns WHERE id=?`, id)
	p, err := scanPattern(row.Scan)
	if err == sql.ErrNoRows {
		return nil, models.NewStorageError("get", fmt.Errorf("pattern %s: %w", id, models.ErrNotFound))
	}
	if err != nil {
		return nil, models.NewStorageError("get", err)
	}
	return p, nil
}

// LoadPatterns returns every stored pattern, oldest first.
func (s *SQLite) LoadPatterns(ctx context.Context) ([]*models.CrystallizedPattern, error) {
	out, err := s.queryPatterns(ctx, `SELECT `+patternColumns+` FROM patterns ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, models.NewStorageError("load", err)
	}
	return out, nil
}

// UpdatePattern replaces an existing pattern; missing ids fail with
// models.ErrNotFound.
func (s *SQLite) UpdatePattern(ctx context.Context, p *models.CrystallizedPattern) error {
	trigger, action, sourceIDs, history, err := encodePattern(p)
	if err != nil {
		return models.NewStorageError("update", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE patterns SET
			subject_id=?, name=?, trigger_json=?, action_json=?,
			confidence=?, usage_count=?, success_rate=?, avg_duration_ms=?,
			created_at=?, last_used_at=?, source_ids_json=?, version=?, history_json=?
		WHERE id=?`,
		p.SubjectID, p.Name, trigger, action,
		p.Confidence, p.UsageCount, p.SuccessRate, p.AvgDurationMs,
		p.CreatedAt.UnixMilli(), p.LastUsedAt.UnixMilli(), sourceIDs, p.Version, history,
		p.ID)
	if err != nil {
		return models.NewStorageError("update", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.NewStorageError("update", err)
	}
	if affected == 0 {
		return models.NewStorageError("update", fmt.Errorf("pattern %s: %w", p.ID, models.ErrNotFound))
	}
	return nil
}

// DeletePattern removes a pattern by id. Missing ids are a no-op.
func (s *SQLite) DeletePattern(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM patterns WHERE id=?`, id); err != nil {
		return models.NewStorageError("delete", err)
	}
	return nil
}

// PatternsBySubject filters patterns by owning subject.
func (s *SQLite) PatternsBySubject(ctx context.Context, subjectID string) ([]*models.CrystallizedPattern, error) {
	out, err := s.queryPatterns(ctx,
		`SELECT `+patternColumns+` FROM patterns WHERE subject_id=? ORDER BY created_at ASC, id ASC`, subjectID)
	if err != nil {
		return nil, models.NewStorageError("load", err)
	}
	return out, nil
}

// TopPatterns returns up to limit patterns ordered by usage count descending.
func (s *SQLite) TopPatterns(ctx context.Context, limit int) ([]*models.CrystallizedPattern, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	out, err := s.queryPatterns(ctx,
		`SELECT `+patternColumns+` FROM patterns ORDER BY usage_count DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, models.NewStorageError("load", err)
	}
	return out, nil
}

// RecordUsage appends a usage event.
func (s *SQLite) RecordUsage(ctx context.Context, usage models.PatternUsage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pattern_usages (pattern_id, executed_at, success, duration_ms) VALUES (?, ?, ?, ?)`,
		usage.PatternID, usage.ExecutedAt.UnixMilli(), usage.Success, usage.DurationMs)
	if err != nil {
		return models.NewStorageError("usage", err)
	}
	return nil
}

// Stats aggregates the store contents in SQL.
func (s *SQLite) Stats(ctx context.Context) (*models.PatternStats, error) {
	stats := &models.PatternStats{}

	activeCutoff := s.now().Add(-activeWindow).UnixMilli()
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN last_used_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(usage_count), 0),
			COALESCE(AVG(success_rate), 0),
			COALESCE(AVG(confidence), 0)
		FROM patterns`, activeCutoff).
		Scan(&stats.TotalPatterns, &stats.ActivePatterns, &stats.TotalUsages,
			&stats.AvgSuccessRate, &stats.AvgConfidence)
	if err != nil {
		return nil, models.NewStorageError("stats", err)
	}

	stats.TopPatterns, err = s.TopPatterns(ctx, 5)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT pattern_id, executed_at, success, duration_ms
		FROM pattern_usages ORDER BY executed_at DESC, id DESC LIMIT ?`, recentUsageLimit)
	if err != nil {
		return nil, models.NewStorageError("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u models.PatternUsage
		var executedAt int64
		if err := rows.Scan(&u.PatternID, &executedAt, &u.Success, &u.DurationMs); err != nil {
			return nil, models.NewStorageError("stats", err)
		}
		u.ExecutedAt = time.UnixMilli(executedAt).UTC()
		stats.RecentUsages = append(stats.RecentUsages, u)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewStorageError("stats", err)
	}
	return stats, nil
}

// Export snapshots the full pattern set.
func (s *SQLite) Export(ctx context.Context) (*models.PatternExport, error) {
	patterns, err := s.LoadPatterns(ctx)
	if err != nil {
		return nil, err
	}
	return &models.PatternExport{
		FormatVersion: models.ExportFormatVersion,
		ExportedAt:    s.now(),
		Patterns:      patterns,
	}, nil
}

// Import upserts every pattern from the document by id.
func (s *SQLite) Import(ctx context.Context, doc *models.PatternExport) (int, error) {
	if doc == nil {
		return 0, models.NewStorageError("import", fmt.Errorf("nil export document"))
	}
	count := 0
	for _, p := range doc.Patterns {
		if err := s.SavePattern(ctx, p); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

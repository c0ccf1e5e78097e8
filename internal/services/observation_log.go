package services

import (
	"log"
	"sync"
	"time"

	"companion/internal/models"
)

// ObservationLog is the append-only in-memory record of action outcomes the
// learning engine mines. Entries are immutable once appended; only retention
// pruning and the size cap remove them, always oldest-first.
type ObservationLog struct {
	mu           sync.RWMutex
	observations []models.Observation
	maxSize      int
	now          func() time.Time
}

// NewObservationLog creates a log capped at maxSize entries (<= 0 uses
// 10000).
func NewObservationLog(maxSize int) *ObservationLog {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &ObservationLog{
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Append records one observation, evicting the oldest entries when the cap
// is exceeded.
func (l *ObservationLog) Append(obs models.Observation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.observations = append(l.observations, obs)
	if overflow := len(l.observations) - l.maxSize; overflow > 0 {
		l.observations = l.observations[overflow:]
	}
}

// All returns a copy of every retained observation in append order.
func (l *ObservationLog) All() []models.Observation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.Observation, len(l.observations))
	copy(out, l.observations)
	return out
}

// BySubject returns the retained observations for one subject in append
// order.
func (l *ObservationLog) BySubject(subjectID string) []models.Observation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []models.Observation
	for _, obs := range l.observations {
		if obs.SubjectID == subjectID {
			out = append(out, obs)
		}
	}
	return out
}

// Len returns the number of retained observations.
func (l *ObservationLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.observations)
}

// PruneOlderThan removes observations older than the given number of days
// and returns how many were removed.
func (l *ObservationLog) PruneOlderThan(days int) int {
	cutoff := l.now().AddDate(0, 0, -days)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.observations[:0]
	for _, obs := range l.observations {
		if obs.Timestamp.After(cutoff) {
			kept = append(kept, obs)
		}
	}
	removed := len(l.observations) - len(kept)
	l.observations = kept

	if removed > 0 {
		log.Printf("🧹 [OBSERVATIONS] Pruned %d observations older than %dd (%d retained)", removed, days, len(kept))
	}
	return removed
}

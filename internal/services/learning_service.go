package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"companion/internal/config"
	"companion/internal/models"
	"companion/internal/store"
)

// confidenceAlpha is the EMA weight of the newest outcome.
const confidenceAlpha = 0.2

// Auto-prune thresholds: a pattern that has been given a fair number of
// tries and still fails more often than not is deleted immediately.
const (
	autoPruneMinUsage    = 10
	autoPruneSuccessRate = 0.5
)

// keywordStopwords are tokens too common to discriminate between contexts.
var keywordStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "was": true,
	"this": true, "that": true, "have": true, "from": true, "are": true,
	"you": true, "not": true, "but": true, "its": true,
}

// StepRunner executes the payload of a crystallized pattern. The engine
// stays agnostic of what a "response" or a workflow step actually is; the
// embedding application plugs in the real runner.
type StepRunner interface {
	RunResponse(ctx context.Context, response string) (string, error)
	RunSteps(ctx context.Context, actionType models.PatternActionType, steps []string) (string, error)
}

// loggingStepRunner is the default runner: it narrates what would execute.
type loggingStepRunner struct{}

func (loggingStepRunner) RunResponse(_ context.Context, response string) (string, error) {
	log.Printf("💬 [LEARNING] Pattern response: %s", response)
	return response, nil
}

func (loggingStepRunner) RunSteps(_ context.Context, actionType models.PatternActionType, steps []string) (string, error) {
	log.Printf("🔧 [LEARNING] Pattern %s: %d steps", actionType, len(steps))
	return fmt.Sprintf("%s completed (%d steps)", actionType, len(steps)), nil
}

// LearningService is the observe → detect → crystallize → reuse loop.
// Observations accumulate in the in-memory log; detection produces candidate
// patterns; crystallization persists them; matching and execution reuse them.
type LearningService struct {
	store  store.PatternStore
	obsLog *ObservationLog
	opts   config.LearningOptions
	runner StepRunner
	now    func() time.Time

	// mu guards the per-pattern lock table and the insight queue.
	mu           sync.Mutex
	patternLocks map[string]*sync.Mutex
	insights     []models.Insight
}

// NewLearningService wires the learning loop. runner may be nil, in which
// case pattern executions are narrated to the log only.
func NewLearningService(patternStore store.PatternStore, obsLog *ObservationLog, opts config.LearningOptions, runner StepRunner) *LearningService {
	if runner == nil {
		runner = loggingStepRunner{}
	}
	return &LearningService{
		store:        patternStore,
		obsLog:       obsLog,
		opts:         opts,
		runner:       runner,
		now:          time.Now,
		patternLocks: make(map[string]*sync.Mutex),
	}
}

// Options returns the active learning options.
func (s *LearningService) Options() config.LearningOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// SetOptions replaces the learning options after validation; invalid options
// are rejected and the previous configuration stays in force.
func (s *LearningService) SetOptions(opts config.LearningOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.opts = opts
	s.mu.Unlock()
	return nil
}

// ObserveAction records one action outcome and returns the observation id.
// When auto-cleanup is enabled, retention pruning runs opportunistically.
func (s *LearningService) ObserveAction(subjectID, action string, obsContext map[string]interface{}, success bool, durationMs int64) string {
	obs := models.Observation{
		ID:         uuid.New().String(),
		SubjectID:  subjectID,
		Action:     action,
		Context:    obsContext,
		Timestamp:  s.now(),
		Success:    success,
		DurationMs: durationMs,
	}
	s.obsLog.Append(obs)

	if m := GetMetrics(); m != nil {
		m.RecordObservation()
	}

	opts := s.Options()
	if opts.EnableAutoCleanup && s.obsLog.Len() >= opts.MaxObservations {
		s.obsLog.PruneOlderThan(opts.ObservationRetentionDays)
	}
	return obs.ID
}

// extractKeywords tokenizes the string values of an observation context.
// Lowercased, stopwords and short tokens dropped, deduplicated, sorted.
func extractKeywords(obsContext map[string]interface{}) []string {
	seen := make(map[string]bool)
	for _, value := range obsContext {
		text, ok := value.(string)
		if !ok {
			continue
		}
		for _, token := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
		}) {
			if len(token) < 3 || keywordStopwords[token] {
				continue
			}
			seen[token] = true
		}
	}
	out := make([]string, 0, len(seen))
	for token := range seen {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}

// extractSteps pulls recorded step identifiers out of an observation context.
func extractSteps(obsContext map[string]interface{}) []string {
	raw, ok := obsContext["steps"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		var out []string
		for _, item := range v {
			if step, ok := item.(string); ok {
				out = append(out, step)
			}
		}
		return out
	default:
		return nil
	}
}

// patternID derives a stable id from the group key so repeated detection of
// the same behavior always names the same candidate.
func patternID(groupKey string) string {
	sum := sha256.Sum256([]byte(groupKey))
	return "pat-" + hex.EncodeToString(sum[:8])
}

// DetectPatterns mines the observation log for repeated successful behavior.
// Observations are grouped by action plus their keyword fingerprint; a group
// becomes a candidate when it has at least minObservations entries and its
// empirical success rate clears minSuccessRate. Candidates are not persisted
// here; crystallization is a separate, gated step.
func (s *LearningService) DetectPatterns() []*models.CrystallizedPattern {
	opts := s.Options()
	observations := s.obsLog.All()

	type group struct {
		action    string
		keywords  []string
		members   []models.Observation
		successes int
	}
	groups := make(map[string]*group)
	var order []string

	for _, obs := range observations {
		keywords := extractKeywords(obs.Context)
		key := obs.Action + "|" + strings.Join(keywords, ",")
		g, ok := groups[key]
		if !ok {
			g = &group{action: obs.Action, keywords: keywords}
			groups[key] = g
			order = append(order, key)
		}
		g.members = append(g.members, obs)
		if obs.Success {
			g.successes++
		}
	}

	var candidates []*models.CrystallizedPattern
	for _, key := range order {
		g := groups[key]
		count := len(g.members)
		if count < opts.MinObservations {
			continue
		}
		successRate := float64(g.successes) / float64(count)
		if successRate < opts.MinSuccessRate {
			continue
		}
		candidates = append(candidates, s.buildCandidate(key, g.action, g.members, successRate, opts))
	}

	if m := GetMetrics(); m != nil {
		m.PatternsDetected.Add(float64(len(candidates)))
	}
	if len(candidates) > 0 {
		log.Printf("🔍 [LEARNING] Detected %d pattern candidate(s) from %d observations", len(candidates), len(observations))
	}
	return candidates
}

// buildCandidate assembles one crystallization candidate from a qualifying
// observation group.
func (s *LearningService) buildCandidate(groupKey, action string, members []models.Observation, successRate float64, opts config.LearningOptions) *models.CrystallizedPattern {
	// Trigger keywords: present in at least half the group, top 5 by
	// frequency with alphabetical tie-break.
	freq := make(map[string]int)
	for _, obs := range members {
		for _, kw := range extractKeywords(obs.Context) {
			freq[kw]++
		}
	}
	threshold := (len(members) + 1) / 2
	var common []string
	for kw, n := range freq {
		if n >= threshold {
			common = append(common, kw)
		}
	}
	sort.Slice(common, func(i, j int) bool {
		if freq[common[i]] != freq[common[j]] {
			return freq[common[i]] > freq[common[j]]
		}
		return common[i] < common[j]
	})
	if len(common) > 5 {
		common = common[:5]
	}

	// Steps: union of recorded step identifiers, first-seen order.
	var steps []string
	seenSteps := make(map[string]bool)
	var totalDuration int64
	sourceIDs := make([]string, 0, len(members))
	for _, obs := range members {
		for _, step := range extractSteps(obs.Context) {
			if !seenSteps[step] {
				seenSteps[step] = true
				steps = append(steps, step)
			}
		}
		totalDuration += obs.DurationMs
		sourceIDs = append(sourceIDs, obs.ID)
	}

	actionType := models.ActionResponse
	if len(steps) > 0 {
		actionType = models.ActionToolSequence
	}

	now := s.now()
	return &models.CrystallizedPattern{
		ID:        patternID(groupKey),
		SubjectID: members[0].SubjectID,
		Name:      fmt.Sprintf("Learned: %s", action),
		Trigger: models.PatternTrigger{
			MatchType:     models.MatchKeyword,
			Pattern:       action,
			Keywords:      common,
			MinSimilarity: opts.MinSimilarity,
		},
		Action: models.PatternAction{
			Type:     actionType,
			Response: fmt.Sprintf("Executing learned behavior for %s", action),
			Steps:    steps,
		},
		Confidence:           successRate,
		UsageCount:           int64(len(members)),
		SuccessRate:          successRate,
		AvgDurationMs:        float64(totalDuration) / float64(len(members)),
		CreatedAt:            now,
		LastUsedAt:           now,
		SourceObservationIDs: sourceIDs,
		Version:              1,
		ConfidenceHistory:    []models.ConfidenceSample{{Timestamp: now, Value: successRate}},
	}
}

// jaccard computes set similarity over keyword slices.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, kw := range a {
		setA[kw] = true
	}
	intersection := 0
	setB := make(map[string]bool, len(b))
	for _, kw := range b {
		if setB[kw] {
			continue
		}
		setB[kw] = true
		if setA[kw] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// FindMatchingPattern returns the stored pattern whose trigger keywords are
// most similar to the given context, if the best score clears the pattern's
// own similarity floor. Earlier-created patterns win score ties.
func (s *LearningService) FindMatchingPattern(ctx context.Context, queryContext map[string]interface{}) (*models.CrystallizedPattern, error) {
	patterns, err := s.store.LoadPatterns(ctx)
	if err != nil {
		return nil, err
	}

	queryKeywords := extractKeywords(queryContext)

	var best *models.CrystallizedPattern
	bestScore := 0.0
	for _, p := range patterns {
		minSim := p.Trigger.MinSimilarity
		if minSim <= 0 {
			minSim = s.Options().MinSimilarity
		}
		score := jaccard(queryKeywords, p.Trigger.Keywords)
		if score < minSim {
			continue
		}
		if score > bestScore {
			best = p
			bestScore = score
		}
	}

	if m := GetMetrics(); m != nil {
		m.RecordPatternMatch(best != nil)
	}
	return best, nil
}

// lockFor returns the serialization mutex for one pattern id.
func (s *LearningService) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.patternLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.patternLocks[id] = mu
	}
	return mu
}

// ExecutePattern runs a stored pattern's action through the step runner,
// updates its usage bookkeeping and records the usage event. Storage
// failures degrade to logging; the execution result is still returned.
func (s *LearningService) ExecutePattern(ctx context.Context, pattern *models.CrystallizedPattern, _ map[string]interface{}) *models.ExecutionResult {
	start := s.now()

	var output string
	var err error
	switch pattern.Action.Type {
	case models.ActionResponse:
		output, err = s.runner.RunResponse(ctx, pattern.Action.Response)
	case models.ActionWorkflow, models.ActionToolSequence:
		output, err = s.runner.RunSteps(ctx, pattern.Action.Type, pattern.Action.Steps)
	default:
		err = fmt.Errorf("unknown pattern action type %q: %w", pattern.Action.Type, models.ErrValidation)
	}
	durationMs := s.now().Sub(start).Milliseconds()

	result := &models.ExecutionResult{
		Success:    err == nil,
		DurationMs: durationMs,
		Output:     output,
	}
	if err != nil {
		result.Error = err.Error()
	}

	mu := s.lockFor(pattern.ID)
	mu.Lock()
	defer mu.Unlock()

	stored, getErr := s.store.GetPattern(ctx, pattern.ID)
	if getErr != nil {
		log.Printf("⚠️ [LEARNING] Usage update skipped for %s: %v", pattern.ID, getErr)
		return result
	}
	stored.UsageCount++
	stored.LastUsedAt = s.now()
	stored.AvgDurationMs += (float64(durationMs) - stored.AvgDurationMs) / float64(stored.UsageCount)
	if updErr := s.store.UpdatePattern(ctx, stored); updErr != nil {
		log.Printf("⚠️ [LEARNING] Failed to persist usage for %s: %v", pattern.ID, updErr)
	}
	if usageErr := s.store.RecordUsage(ctx, models.PatternUsage{
		PatternID:  pattern.ID,
		ExecutedAt: stored.LastUsedAt,
		Success:    result.Success,
		DurationMs: durationMs,
	}); usageErr != nil {
		log.Printf("⚠️ [LEARNING] Failed to record usage for %s: %v", pattern.ID, usageErr)
	}

	return result
}

// UpdatePatternConfidence folds one outcome into the pattern's success rate
// with an exponential moving average and keeps confidence equal to it. A
// pattern that stays below the auto-prune floor after enough tries is
// deleted on the spot; pruned reports whether that happened.
func (s *LearningService) UpdatePatternConfidence(ctx context.Context, patternID string, success bool) (pattern *models.CrystallizedPattern, pruned bool, err error) {
	mu := s.lockFor(patternID)
	mu.Lock()
	defer mu.Unlock()

	stored, err := s.store.GetPattern(ctx, patternID)
	if err != nil {
		return nil, false, err
	}

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	stored.SuccessRate = confidenceAlpha*outcome + (1-confidenceAlpha)*stored.SuccessRate
	stored.Confidence = stored.SuccessRate
	stored.ConfidenceHistory = append(stored.ConfidenceHistory, models.ConfidenceSample{
		Timestamp: s.now(),
		Value:     stored.Confidence,
	})

	if stored.UsageCount > autoPruneMinUsage && stored.SuccessRate < autoPruneSuccessRate {
		if delErr := s.store.DeletePattern(ctx, patternID); delErr != nil {
			return nil, false, delErr
		}
		if m := GetMetrics(); m != nil {
			m.PatternsPruned.WithLabelValues("low_success").Inc()
		}
		s.addInsight(models.Insight{
			Type:      "auto_prune",
			Message:   fmt.Sprintf("Forgot %q — it stopped working (success rate %.0f%% after %d uses)", stored.Name, stored.SuccessRate*100, stored.UsageCount),
			PatternID: patternID,
			CreatedAt: s.now(),
		})
		log.Printf("🗑️ [LEARNING] Auto-pruned pattern %s (successRate=%.2f, usageCount=%d)", patternID, stored.SuccessRate, stored.UsageCount)
		return nil, true, nil
	}

	if err := s.store.UpdatePattern(ctx, stored); err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

// CrystallizePattern persists a detection candidate and queues the insight
// narration for the next report.
func (s *LearningService) CrystallizePattern(ctx context.Context, candidate *models.CrystallizedPattern) error {
	if err := s.store.SavePattern(ctx, candidate); err != nil {
		return err
	}
	if m := GetMetrics(); m != nil {
		m.PatternsCrystallized.Inc()
	}
	s.addInsight(models.Insight{
		Type:      "crystallized",
		Message:   fmt.Sprintf("Learned %q from %d observations (%.0f%% success)", candidate.Name, len(candidate.SourceObservationIDs), candidate.SuccessRate*100),
		PatternID: candidate.ID,
		CreatedAt: s.now(),
	})
	log.Printf("💎 [LEARNING] Crystallized pattern %s (%s)", candidate.ID, candidate.Name)
	return nil
}

// PruneStalePatterns deletes patterns unused for at least the given number
// of days and returns their ids. Storage failures skip the affected pattern.
func (s *LearningService) PruneStalePatterns(ctx context.Context, days int) []string {
	cutoff := s.now().AddDate(0, 0, -days)

	patterns, err := s.store.LoadPatterns(ctx)
	if err != nil {
		log.Printf("⚠️ [LEARNING] Stale prune skipped: %v", err)
		return nil
	}

	var deleted []string
	for _, p := range patterns {
		lastUsed := p.LastUsedAt
		if lastUsed.IsZero() {
			lastUsed = p.CreatedAt
		}
		if !lastUsed.Before(cutoff) {
			continue
		}
		if err := s.store.DeletePattern(ctx, p.ID); err != nil {
			log.Printf("⚠️ [LEARNING] Failed to prune stale pattern %s: %v", p.ID, err)
			continue
		}
		if m := GetMetrics(); m != nil {
			m.PatternsPruned.WithLabelValues("stale").Inc()
		}
		deleted = append(deleted, p.ID)
	}

	if len(deleted) > 0 {
		log.Printf("🧹 [LEARNING] Pruned %d stale pattern(s) older than %dd", len(deleted), days)
	}
	return deleted
}

// addInsight queues a narration for the next learning report.
func (s *LearningService) addInsight(insight models.Insight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insights = append(s.insights, insight)
}

// DrainInsights returns and clears the queued narrations.
func (s *LearningService) DrainInsights() []models.Insight {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.insights
	s.insights = nil
	return out
}

// ObservationLog exposes the backing log for the retention job and tests.
func (s *LearningService) ObservationLog() *ObservationLog {
	return s.obsLog
}

// Store exposes the backing pattern store for the ops surface.
func (s *LearningService) Store() store.PatternStore {
	return s.store
}

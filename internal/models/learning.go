package models

import "time"

// Observation is one recorded outcome of an action or interaction. Immutable
// once written; deleted only by retention pruning or explicit cleanup.
type Observation struct {
	ID         string                 `json:"id" bson:"id"`
	SubjectID  string                 `json:"subjectId" bson:"subjectId"`
	Action     string                 `json:"action" bson:"action"`
	Context    map[string]interface{} `json:"context" bson:"context"`
	Timestamp  time.Time              `json:"timestamp" bson:"timestamp"`
	Success    bool                   `json:"success" bson:"success"`
	DurationMs int64                  `json:"durationMs" bson:"durationMs"`
}

// PatternMatchType selects how a pattern trigger is matched against a
// context.
type PatternMatchType string

const (
	MatchKeyword   PatternMatchType = "keyword"
	MatchAction    PatternMatchType = "action"
	MatchContext   PatternMatchType = "context"
	MatchComposite PatternMatchType = "composite"
)

// PatternTrigger describes when a crystallized pattern applies. Read-only
// once the pattern exists; re-crystallization produces a new version.
type PatternTrigger struct {
	MatchType     PatternMatchType `json:"matchType" bson:"matchType"`
	Pattern       string           `json:"pattern" bson:"pattern"`
	Keywords      []string         `json:"keywords" bson:"keywords"`
	MinSimilarity float64          `json:"minSimilarity" bson:"minSimilarity"`
}

// PatternActionType selects the execution path for a pattern.
type PatternActionType string

const (
	ActionResponse     PatternActionType = "response"
	ActionWorkflow     PatternActionType = "workflow"
	ActionToolSequence PatternActionType = "tool_sequence"
)

// PatternAction is what a crystallized pattern does when it fires.
type PatternAction struct {
	Type     PatternActionType `json:"type" bson:"type"`
	Response string            `json:"response,omitempty" bson:"response,omitempty"`
	Steps    []string          `json:"steps,omitempty" bson:"steps,omitempty"`
}

// ConfidenceSample is one point in a pattern's confidence history.
type ConfidenceSample struct {
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	Value     float64   `json:"value" bson:"value"`
}

// CrystallizedPattern is a learned, reusable workflow. Created only by
// crystallization, updated on every execution, deleted by automatic pruning.
// Invariant: Confidence == SuccessRate after every update.
type CrystallizedPattern struct {
	ID                   string             `json:"id" bson:"id"`
	SubjectID            string             `json:"subjectId" bson:"subjectId"`
	Name                 string             `json:"name" bson:"name"`
	Trigger              PatternTrigger     `json:"trigger" bson:"trigger"`
	Action               PatternAction      `json:"action" bson:"action"`
	Confidence           float64            `json:"confidence" bson:"confidence"`
	UsageCount           int64              `json:"usageCount" bson:"usageCount"`
	SuccessRate          float64            `json:"successRate" bson:"successRate"`
	AvgDurationMs        float64            `json:"avgDurationMs" bson:"avgDurationMs"`
	CreatedAt            time.Time          `json:"createdAt" bson:"createdAt"`
	LastUsedAt           time.Time          `json:"lastUsedAt" bson:"lastUsedAt"`
	SourceObservationIDs []string           `json:"sourceObservationIds" bson:"sourceObservationIds"`
	Version              int                `json:"version" bson:"version"`
	ConfidenceHistory    []ConfidenceSample `json:"confidenceHistory" bson:"confidenceHistory"`
}

// Clone returns a deep copy so stores and callers never share mutable slices.
func (p *CrystallizedPattern) Clone() *CrystallizedPattern {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Trigger.Keywords = append([]string(nil), p.Trigger.Keywords...)
	cp.Action.Steps = append([]string(nil), p.Action.Steps...)
	cp.SourceObservationIDs = append([]string(nil), p.SourceObservationIDs...)
	cp.ConfidenceHistory = append([]ConfidenceSample(nil), p.ConfidenceHistory...)
	return &cp
}

// ExecutionResult is the outcome of executing a pattern or action.
type ExecutionResult struct {
	Success    bool   `json:"success"`
	DurationMs int64  `json:"durationMs"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}

// PatternUsage is one recorded pattern execution, kept for the stats view.
type PatternUsage struct {
	PatternID  string    `json:"patternId" bson:"patternId"`
	ExecutedAt time.Time `json:"executedAt" bson:"executedAt"`
	Success    bool      `json:"success" bson:"success"`
	DurationMs int64     `json:"durationMs" bson:"durationMs"`
}

// PatternStats aggregates the store for the ops surface.
type PatternStats struct {
	TotalPatterns  int                    `json:"totalPatterns"`
	ActivePatterns int                    `json:"activePatterns"`
	TotalUsages    int64                  `json:"totalUsages"`
	AvgSuccessRate float64                `json:"avgSuccessRate"`
	AvgConfidence  float64                `json:"avgConfidence"`
	TopPatterns    []*CrystallizedPattern `json:"topPatterns"`
	RecentUsages   []PatternUsage         `json:"recentUsages"`
}

// PatternExport is the self-describing round-trip document for the full
// pattern set.
type PatternExport struct {
	FormatVersion int                    `json:"formatVersion"`
	ExportedAt    time.Time              `json:"exportedAt"`
	Patterns      []*CrystallizedPattern `json:"patterns"`
}

// ExportFormatVersion is bumped when the export document shape changes.
const ExportFormatVersion = 1

// Insight is a human-readable note generated by the learning loop.
type Insight struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	PatternID string    `json:"patternId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// RecommendationAction is the overseer's verdict for a pattern.
type RecommendationAction string

const (
	RecommendCrystallize RecommendationAction = "crystallize"
	RecommendPrune       RecommendationAction = "prune"
	RecommendMonitor     RecommendationAction = "monitor"
)

// Recommendation pairs a pattern with the overseer's suggested next step.
type Recommendation struct {
	PatternID  string               `json:"patternId"`
	Action     RecommendationAction `json:"action"`
	Reason     string               `json:"reason"`
	Confidence float64              `json:"confidence"`
}

// LearningReport is the immutable record of one overseer cycle.
type LearningReport struct {
	ID                   string           `json:"id"`
	GeneratedAt          time.Time        `json:"generatedAt"`
	DurationMs           int64            `json:"durationMs"`
	ObservationsAnalyzed int              `json:"observationsAnalyzed"`
	PatternsDetected     int              `json:"patternsDetected"`
	PatternsCrystallized int              `json:"patternsCrystallized"`
	PatternsPruned       int              `json:"patternsPruned"`
	Insights             []Insight        `json:"insights"`
	Recommendations      []Recommendation `json:"recommendations"`
}

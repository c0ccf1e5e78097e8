package config

import (
	"os"
	"strconv"
	"time"

	"companion/internal/models"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	StorePath       string // SQLite pattern store path
	MongoURI        string // optional MongoDB backend for the pattern store
	RedisURL        string // optional, enables the overseer distributed lock
	PersonalityFile string // YAML personality config, hot-reloaded when present

	Learning LearningOptions
	Autonomy AutonomyOptions
}

// LearningOptions is the recognized configuration surface of the learning
// loop. Invalid values are rejected at update time and the prior
// configuration is retained.
type LearningOptions struct {
	MinObservations           int           // crystallization floor
	MinSuccessRate            float64       // crystallization quality floor
	MinSimilarity             float64       // match threshold
	MaxPatterns               int           // soft cap, informational
	StaleThresholdDays        int           // pruning age
	ObservationRetentionDays  int           // log pruning age
	MaxObservations           int           // log size cap
	EnableAutoCleanup         bool
	EnableAutoCrystallization bool
	RequireApproval           bool // global override forcing manual review
	MinConfidenceForAuto      float64
	Interval                  time.Duration // overseer cycle period
}

// AutonomyOptions configures execution gating.
type AutonomyOptions struct {
	SafeMode             bool
	MaxConcurrentActions int
	DefaultCooldown      time.Duration
	ContextEvalInterval  time.Duration // context-trigger evaluation loop
	ActionsPerMinute     int           // global rate limit across all actions
}

// DefaultLearningOptions returns the documented defaults.
func DefaultLearningOptions() LearningOptions {
	return LearningOptions{
		MinObservations:           5,
		MinSuccessRate:            0.7,
		MinSimilarity:             0.8,
		MaxPatterns:               500,
		StaleThresholdDays:        30,
		ObservationRetentionDays:  90,
		MaxObservations:           10000,
		EnableAutoCleanup:         true,
		EnableAutoCrystallization: true,
		RequireApproval:           false,
		MinConfidenceForAuto:      0.85,
		Interval:                  time.Hour,
	}
}

// DefaultAutonomyOptions returns the documented defaults.
func DefaultAutonomyOptions() AutonomyOptions {
	return AutonomyOptions{
		SafeMode:             false,
		MaxConcurrentActions: 5,
		DefaultCooldown:      60 * time.Second,
		ContextEvalInterval:  60 * time.Second,
		ActionsPerMinute:     30,
	}
}

// Validate rejects out-of-range learning options.
func (o LearningOptions) Validate() error {
	if o.MinObservations < 1 {
		return &models.ConfigError{Option: "minObservations", Value: o.MinObservations, Reason: "must be >= 1"}
	}
	if o.MinSuccessRate < 0 || o.MinSuccessRate > 1 {
		return &models.ConfigError{Option: "minSuccessRate", Value: o.MinSuccessRate, Reason: "must be in [0,1]"}
	}
	if o.MinSimilarity < 0 || o.MinSimilarity > 1 {
		return &models.ConfigError{Option: "minSimilarity", Value: o.MinSimilarity, Reason: "must be in [0,1]"}
	}
	if o.MinConfidenceForAuto < 0 || o.MinConfidenceForAuto > 1 {
		return &models.ConfigError{Option: "minConfidenceForAuto", Value: o.MinConfidenceForAuto, Reason: "must be in [0,1]"}
	}
	if o.StaleThresholdDays < 1 {
		return &models.ConfigError{Option: "staleThresholdDays", Value: o.StaleThresholdDays, Reason: "must be >= 1"}
	}
	if o.ObservationRetentionDays < 1 {
		return &models.ConfigError{Option: "observationRetentionDays", Value: o.ObservationRetentionDays, Reason: "must be >= 1"}
	}
	if o.MaxObservations < o.MinObservations {
		return &models.ConfigError{Option: "maxObservations", Value: o.MaxObservations, Reason: "must be >= minObservations"}
	}
	if o.Interval < time.Second {
		return &models.ConfigError{Option: "intervalMs", Value: o.Interval.Milliseconds(), Reason: "must be >= 1000ms"}
	}
	return nil
}

// Validate rejects out-of-range autonomy options.
func (o AutonomyOptions) Validate() error {
	if o.MaxConcurrentActions < 1 {
		return &models.ConfigError{Option: "maxConcurrentActions", Value: o.MaxConcurrentActions, Reason: "must be >= 1"}
	}
	if o.DefaultCooldown < 0 {
		return &models.ConfigError{Option: "defaultCooldown", Value: o.DefaultCooldown.Milliseconds(), Reason: "must be >= 0"}
	}
	if o.ContextEvalInterval < time.Second {
		return &models.ConfigError{Option: "contextEvalInterval", Value: o.ContextEvalInterval.Milliseconds(), Reason: "must be >= 1000ms"}
	}
	if o.ActionsPerMinute < 1 {
		return &models.ConfigError{Option: "actionsPerMinute", Value: o.ActionsPerMinute, Reason: "must be >= 1"}
	}
	return nil
}

// Load loads configuration from environment variables with defaults.
// Out-of-range values fall back to the defaults rather than aborting startup.
func Load() *Config {
	learning := DefaultLearningOptions()
	learning.MinObservations = getIntEnv("MIN_OBSERVATIONS", learning.MinObservations)
	learning.MinSuccessRate = getFloatEnv("MIN_SUCCESS_RATE", learning.MinSuccessRate)
	learning.MinSimilarity = getFloatEnv("MIN_SIMILARITY", learning.MinSimilarity)
	learning.MaxPatterns = getIntEnv("MAX_PATTERNS", learning.MaxPatterns)
	learning.StaleThresholdDays = getIntEnv("STALE_THRESHOLD_DAYS", learning.StaleThresholdDays)
	learning.ObservationRetentionDays = getIntEnv("OBSERVATION_RETENTION_DAYS", learning.ObservationRetentionDays)
	learning.MaxObservations = getIntEnv("MAX_OBSERVATIONS", learning.MaxObservations)
	learning.EnableAutoCleanup = getBoolEnv("ENABLE_AUTO_CLEANUP", learning.EnableAutoCleanup)
	learning.EnableAutoCrystallization = getBoolEnv("ENABLE_AUTO_CRYSTALLIZATION", learning.EnableAutoCrystallization)
	learning.RequireApproval = getBoolEnv("REQUIRE_APPROVAL", learning.RequireApproval)
	learning.MinConfidenceForAuto = getFloatEnv("MIN_CONFIDENCE_FOR_AUTO", learning.MinConfidenceForAuto)
	learning.Interval = time.Duration(getIntEnv("LEARNING_INTERVAL_MS", int(learning.Interval.Milliseconds()))) * time.Millisecond
	if err := learning.Validate(); err != nil {
		learning = DefaultLearningOptions()
	}

	autonomy := DefaultAutonomyOptions()
	autonomy.SafeMode = getBoolEnv("SAFE_MODE", autonomy.SafeMode)
	autonomy.MaxConcurrentActions = getIntEnv("MAX_CONCURRENT_ACTIONS", autonomy.MaxConcurrentActions)
	autonomy.DefaultCooldown = time.Duration(getIntEnv("DEFAULT_COOLDOWN_MS", int(autonomy.DefaultCooldown.Milliseconds()))) * time.Millisecond
	autonomy.ContextEvalInterval = time.Duration(getIntEnv("CONTEXT_EVAL_INTERVAL_MS", int(autonomy.ContextEvalInterval.Milliseconds()))) * time.Millisecond
	autonomy.ActionsPerMinute = getIntEnv("ACTIONS_PER_MINUTE", autonomy.ActionsPerMinute)
	if err := autonomy.Validate(); err != nil {
		autonomy = DefaultAutonomyOptions()
	}

	return &Config{
		Port:            getEnv("PORT", "3001"),
		StorePath:       getEnv("PATTERN_STORE_PATH", "companion.db"),
		MongoURI:        getEnv("MONGODB_URI", ""),
		RedisURL:        getEnv("REDIS_URL", ""),
		PersonalityFile: getEnv("PERSONALITY_FILE", "personality.yaml"),
		Learning:        learning,
		Autonomy:        autonomy,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

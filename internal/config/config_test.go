package config

import (
	"errors"
	"testing"
	"time"

	"companion/internal/models"
)

func TestLearningOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*LearningOptions)
		valid  bool
	}{
		{"defaults are valid", func(*LearningOptions) {}, true},
		{"zero minObservations", func(o *LearningOptions) { o.MinObservations = 0 }, false},
		{"success rate above one", func(o *LearningOptions) { o.MinSuccessRate = 1.1 }, false},
		{"negative similarity", func(o *LearningOptions) { o.MinSimilarity = -0.1 }, false},
		{"auto confidence above one", func(o *LearningOptions) { o.MinConfidenceForAuto = 2 }, false},
		{"zero stale threshold", func(o *LearningOptions) { o.StaleThresholdDays = 0 }, false},
		{"zero retention", func(o *LearningOptions) { o.ObservationRetentionDays = 0 }, false},
		{"cap below floor", func(o *LearningOptions) { o.MaxObservations = 2 }, false},
		{"sub-second interval", func(o *LearningOptions) { o.Interval = 500 * time.Millisecond }, false},
		{"boundary values accepted", func(o *LearningOptions) {
			o.MinSuccessRate = 1
			o.MinSimilarity = 0
			o.MinConfidenceForAuto = 1
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultLearningOptions()
			tt.mutate(&opts)
			err := opts.Validate()
			if tt.valid && err != nil {
				t.Errorf("Expected valid, got %v", err)
			}
			if !tt.valid {
				var cfgErr *models.ConfigError
				if !errors.As(err, &cfgErr) {
					t.Errorf("Expected *models.ConfigError, got %v", err)
				}
			}
		})
	}
}

func TestAutonomyOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AutonomyOptions)
		valid  bool
	}{
		{"defaults are valid", func(*AutonomyOptions) {}, true},
		{"zero concurrency", func(o *AutonomyOptions) { o.MaxConcurrentActions = 0 }, false},
		{"negative cooldown", func(o *AutonomyOptions) { o.DefaultCooldown = -time.Second }, false},
		{"zero cooldown allowed", func(o *AutonomyOptions) { o.DefaultCooldown = 0 }, true},
		{"sub-second eval interval", func(o *AutonomyOptions) { o.ContextEvalInterval = 100 * time.Millisecond }, false},
		{"zero rate", func(o *AutonomyOptions) { o.ActionsPerMinute = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultAutonomyOptions()
			tt.mutate(&opts)
			err := opts.Validate()
			if tt.valid && err != nil {
				t.Errorf("Expected valid, got %v", err)
			}
			if !tt.valid && err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("MIN_OBSERVATIONS", "8")
	t.Setenv("MIN_SUCCESS_RATE", "0.9")
	t.Setenv("SAFE_MODE", "true")
	t.Setenv("DEFAULT_COOLDOWN_MS", "30000")

	cfg := Load()
	if cfg.Port != "9090" {
		t.Errorf("Expected port 9090, got %s", cfg.Port)
	}
	if cfg.Learning.MinObservations != 8 {
		t.Errorf("Expected minObservations 8, got %d", cfg.Learning.MinObservations)
	}
	if cfg.Learning.MinSuccessRate != 0.9 {
		t.Errorf("Expected minSuccessRate 0.9, got %v", cfg.Learning.MinSuccessRate)
	}
	if !cfg.Autonomy.SafeMode {
		t.Error("Expected safe mode on")
	}
	if cfg.Autonomy.DefaultCooldown != 30*time.Second {
		t.Errorf("Expected 30s cooldown, got %s", cfg.Autonomy.DefaultCooldown)
	}
}

func TestLoadFallsBackOnInvalid(t *testing.T) {
	t.Setenv("MIN_SUCCESS_RATE", "7.5") // out of range, whole block falls back
	t.Setenv("MIN_OBSERVATIONS", "8")

	cfg := Load()
	defaults := DefaultLearningOptions()
	if cfg.Learning != defaults {
		t.Errorf("Expected defaults after invalid env, got %+v", cfg.Learning)
	}
}

func TestLoadIgnoresUnparseable(t *testing.T) {
	t.Setenv("MIN_OBSERVATIONS", "lots")
	t.Setenv("SAFE_MODE", "maybe")

	cfg := Load()
	if cfg.Learning.MinObservations != DefaultLearningOptions().MinObservations {
		t.Errorf("Unparseable int applied: %d", cfg.Learning.MinObservations)
	}
	if cfg.Autonomy.SafeMode != DefaultAutonomyOptions().SafeMode {
		t.Errorf("Unparseable bool applied: %v", cfg.Autonomy.SafeMode)
	}
}

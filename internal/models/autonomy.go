package models

import (
	"context"
	"time"
)

// TriggerKind selects which component owns firing an autonomous action.
type TriggerKind string

const (
	TriggerCron    TriggerKind = "cron"    // fired by the cron scheduler
	TriggerEvent   TriggerKind = "event"   // fired by the event bus
	TriggerContext TriggerKind = "context" // fired by the periodic context evaluation loop
)

// ContextPredicate gates a context-triggered action against the current
// snapshot.
type ContextPredicate func(ctx *SystemContext) bool

// TriggerCondition binds an action to exactly one trigger source.
// Schedule is only read for cron triggers, EventType for event triggers and
// Predicate for context triggers.
type TriggerCondition struct {
	Kind      TriggerKind      `json:"kind"`
	Schedule  string           `json:"schedule,omitempty"`
	EventType string           `json:"eventType,omitempty"`
	Predicate ContextPredicate `json:"-"`
	// Cooldown overrides the engine default when > 0.
	Cooldown time.Duration `json:"cooldown,omitempty"`
}

// HandlerContext is the payload every action handler receives: the trigger
// that fired, a snapshot of the system context and personality at dispatch
// time, and free-form metadata from the trigger source.
type HandlerContext struct {
	ActionID      string
	Trigger       TriggerCondition
	SystemContext *SystemContext
	Personality   PersonalityConfig
	Metadata      map[string]interface{}
}

// ActionHandler is the contract implemented by domain collaborators.
// Handlers must tolerate at-most-one-per-cooldown-window semantics and are
// not retried on failure.
type ActionHandler func(ctx context.Context, hctx *HandlerContext) error

// AutonomousAction is a registered capability with exactly one trigger.
type AutonomousAction struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Trigger          TriggerCondition `json:"trigger"`
	Handler          ActionHandler    `json:"-"`
	Enabled          bool             `json:"enabled"`
	RequiresApproval bool             `json:"requiresApproval"`
	LastExecutedAt   time.Time        `json:"lastExecutedAt"`
	ExecutionCount   int64            `json:"executionCount"`
}

// CronJob is the scheduler-side record of a cron trigger, 1:1 with the
// autonomous action that owns it.
type CronJob struct {
	ID       string    `json:"id"`
	Schedule string    `json:"schedule"`
	Enabled  bool      `json:"enabled"`
	LastRun  time.Time `json:"lastRun"`
	RunCount int64     `json:"runCount"`
	NextRun  time.Time `json:"nextRun"`
}

// PersonalityConfig weights the stochastic should-I-act decision. All values
// are in [0,1].
type PersonalityConfig struct {
	Energy      float64 `yaml:"energy" json:"energy"`
	Curiosity   float64 `yaml:"curiosity" json:"curiosity"`
	Playfulness float64 `yaml:"playfulness" json:"playfulness"`
	Chattiness  float64 `yaml:"chattiness" json:"chattiness"`
}

// DefaultPersonality is used until a personality file is loaded.
func DefaultPersonality() PersonalityConfig {
	return PersonalityConfig{
		Energy:      0.7,
		Curiosity:   0.6,
		Playfulness: 0.5,
		Chattiness:  0.5,
	}
}

package services

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"companion/internal/config"
	"companion/internal/logging"
	"companion/internal/models"
)

// PendingApproval is one parked action request waiting for a human verdict.
type PendingApproval struct {
	ID          string                 `json:"id"`
	ActionID    string                 `json:"actionId"`
	ActionName  string                 `json:"actionName"`
	TriggerKind models.TriggerKind     `json:"triggerKind"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	RequestedAt time.Time              `json:"requestedAt"`
}

// AutonomyService decides when the companion acts on its own. Every
// registered action has exactly one trigger source (cron, event or context
// predicate); every firing walks the same gate chain before the handler
// runs: enabled → cooldown → safety → personality → capacity/rate.
// A failed gate skips the occurrence, it is never queued for later — except
// the safety gate, which parks the request for approval.
type AutonomyService struct {
	scheduler   *SchedulerService
	bus         *EventBus
	monitor     *ContextMonitor
	personality *PersonalityService
	learning    *LearningService
	policy      DecisionPolicy
	opts        config.AutonomyOptions

	mu        sync.RWMutex
	enabled   bool
	actions   map[string]*models.AutonomousAction
	pending   map[string]*PendingApproval
	pendOrder []string

	cooldowns *gocache.Cache
	sem       *semaphore.Weighted
	limiter   *rate.Limiter

	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewAutonomyService wires the engine. policy may be nil, in which case the
// personality-weighted random policy with a time seed is used.
func NewAutonomyService(
	scheduler *SchedulerService,
	bus *EventBus,
	monitor *ContextMonitor,
	personality *PersonalityService,
	learning *LearningService,
	policy DecisionPolicy,
	opts config.AutonomyOptions,
) *AutonomyService {
	if policy == nil {
		policy = NewWeightedRandomPolicy(0)
	}
	return &AutonomyService{
		scheduler:   scheduler,
		bus:         bus,
		monitor:     monitor,
		personality: personality,
		learning:    learning,
		policy:      policy,
		opts:        opts,
		enabled:     true,
		actions:     make(map[string]*models.AutonomousAction),
		pending:     make(map[string]*PendingApproval),
		cooldowns:   gocache.New(opts.DefaultCooldown, time.Minute),
		sem:         semaphore.NewWeighted(int64(opts.MaxConcurrentActions)),
		limiter:     rate.NewLimiter(rate.Limit(float64(opts.ActionsPerMinute)/60.0), opts.ActionsPerMinute),
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the context-trigger evaluation loop.
func (a *AutonomyService) Start() {
	go func() {
		ticker := time.NewTicker(a.opts.ContextEvalInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.evaluateContextTriggers()
			case <-a.stopCh:
				return
			}
		}
	}()
	log.Printf("🤖 Autonomy engine started (safeMode=%v, maxConcurrent=%d)", a.opts.SafeMode, a.opts.MaxConcurrentActions)
}

// Stop halts the evaluation loop. Scheduled jobs are owned by the scheduler
// and stopped with it.
func (a *AutonomyService) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// SetEnabled flips the engine master switch.
func (a *AutonomyService) SetEnabled(enabled bool) {
	a.mu.Lock()
	a.enabled = enabled
	a.mu.Unlock()
	log.Printf("🤖 Autonomy engine enabled=%v", enabled)
}

// Enabled reports the master switch state.
func (a *AutonomyService) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

// RegisterAction validates and registers an autonomous action. Exactly one
// trigger source must be set; cron triggers are validated and scheduled
// before the action is recorded, so a bad expression leaves no state behind.
func (a *AutonomyService) RegisterAction(action *models.AutonomousAction) error {
	if action == nil || action.ID == "" {
		return fmt.Errorf("action id is required: %w", models.ErrValidation)
	}
	if action.Handler == nil {
		return fmt.Errorf("action %s has no handler: %w", action.ID, models.ErrValidation)
	}
	if err := validateTrigger(action.Trigger); err != nil {
		return fmt.Errorf("action %s: %w", action.ID, err)
	}

	a.mu.Lock()
	if _, exists := a.actions[action.ID]; exists {
		a.mu.Unlock()
		return fmt.Errorf("action %s: %w", action.ID, models.ErrDuplicateRegistration)
	}
	a.mu.Unlock()

	switch action.Trigger.Kind {
	case models.TriggerCron:
		actionID := action.ID
		if _, err := a.scheduler.Schedule(CronJobConfig{
			ID:       action.ID,
			Schedule: action.Trigger.Schedule,
			Enabled:  true,
		}, func(string) {
			a.fire(actionID, nil)
		}); err != nil {
			return err
		}
	case models.TriggerEvent:
		actionID := action.ID
		a.bus.On(action.Trigger.EventType, func(_ context.Context, event Event) error {
			a.fire(actionID, map[string]interface{}{
				"eventId":   event.ID,
				"eventType": event.Type,
				"eventData": event.Data,
			})
			return nil
		})
	case models.TriggerContext:
		// picked up by the evaluation loop
	}

	a.mu.Lock()
	a.actions[action.ID] = action
	a.mu.Unlock()

	log.Printf("🤖 Registered action %s (%s trigger, enabled=%v)", action.ID, action.Trigger.Kind, action.Enabled)
	return nil
}

// validateTrigger enforces the exactly-one-trigger rule.
func validateTrigger(t models.TriggerCondition) error {
	switch t.Kind {
	case models.TriggerCron:
		if t.Schedule == "" {
			return fmt.Errorf("cron trigger needs a schedule: %w", models.ErrValidation)
		}
		if t.EventType != "" || t.Predicate != nil {
			return fmt.Errorf("cron trigger must not carry event or context fields: %w", models.ErrValidation)
		}
	case models.TriggerEvent:
		if t.EventType == "" {
			return fmt.Errorf("event trigger needs an event type: %w", models.ErrValidation)
		}
		if t.Schedule != "" || t.Predicate != nil {
			return fmt.Errorf("event trigger must not carry cron or context fields: %w", models.ErrValidation)
		}
	case models.TriggerContext:
		if t.Predicate == nil {
			return fmt.Errorf("context trigger needs a predicate: %w", models.ErrValidation)
		}
		if t.Schedule != "" || t.EventType != "" {
			return fmt.Errorf("context trigger must not carry cron or event fields: %w", models.ErrValidation)
		}
	default:
		return fmt.Errorf("unknown trigger kind %q: %w", t.Kind, models.ErrValidation)
	}
	return nil
}

// UnregisterAction removes an action and its cron job if it has one.
func (a *AutonomyService) UnregisterAction(actionID string) error {
	a.mu.Lock()
	action, ok := a.actions[actionID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("action %s: %w", actionID, models.ErrNotFound)
	}
	delete(a.actions, actionID)
	a.mu.Unlock()

	if action.Trigger.Kind == models.TriggerCron {
		if err := a.scheduler.Unschedule(actionID); err != nil {
			log.Printf("⚠️ [AUTONOMY] Failed to unschedule %s: %v", actionID, err)
		}
	}
	log.Printf("🤖 Unregistered action %s", actionID)
	return nil
}

// SetActionEnabled flips one action's enabled flag.
func (a *AutonomyService) SetActionEnabled(actionID string, enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	action, ok := a.actions[actionID]
	if !ok {
		return fmt.Errorf("action %s: %w", actionID, models.ErrNotFound)
	}
	action.Enabled = enabled
	return nil
}

// Actions returns a snapshot of every registered action's state.
func (a *AutonomyService) Actions() []models.AutonomousAction {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]models.AutonomousAction, 0, len(a.actions))
	for _, action := range a.actions {
		out = append(out, *action)
	}
	return out
}

// evaluateContextTriggers fires every enabled context action whose predicate
// holds against the current snapshot.
func (a *AutonomyService) evaluateContextTriggers() {
	snapshot := a.monitor.Context()

	a.mu.RLock()
	var due []string
	for id, action := range a.actions {
		if action.Trigger.Kind != models.TriggerContext || !action.Enabled {
			continue
		}
		if action.Trigger.Predicate(snapshot) {
			due = append(due, id)
		}
	}
	a.mu.RUnlock()

	for _, id := range due {
		a.fire(id, nil)
	}
}

// fire walks one action occurrence through the gate chain and dispatches the
// handler when every gate passes.
func (a *AutonomyService) fire(actionID string, metadata map[string]interface{}) {
	a.mu.RLock()
	action, ok := a.actions[actionID]
	engineEnabled := a.enabled
	actionEnabled := ok && action.Enabled
	a.mu.RUnlock()
	if !ok {
		return
	}

	metrics := GetMetrics()
	skip := func(gate string) {
		if metrics != nil {
			metrics.RecordActionSkipped(gate)
		}
	}

	// Gate 1: enabled.
	if !engineEnabled || !actionEnabled {
		skip("disabled")
		return
	}

	// Gate 2: cooldown. The entry is written at dispatch time, so a skipped
	// occurrence does not push the window.
	if _, onCooldown := a.cooldowns.Get(actionID); onCooldown {
		skip("cooldown")
		return
	}

	// Gate 3: safety. Safe mode and per-action approval both park the
	// request instead of executing.
	if a.opts.SafeMode || action.RequiresApproval {
		a.park(action, metadata)
		skip("safety")
		return
	}

	// Gate 4: personality-weighted decision.
	if !a.policy.ShouldAct(a.personality.Current(), a.monitor.Context()) {
		skip("personality")
		return
	}

	a.dispatch(action, metadata, metrics)
}

// park records a pending approval for a request stopped by the safety gate.
func (a *AutonomyService) park(action *models.AutonomousAction, metadata map[string]interface{}) {
	approval := &PendingApproval{
		ID:          uuid.New().String(),
		ActionID:    action.ID,
		ActionName:  action.Name,
		TriggerKind: action.Trigger.Kind,
		Metadata:    metadata,
		RequestedAt: a.now(),
	}
	a.mu.Lock()
	a.pending[approval.ID] = approval
	a.pendOrder = append(a.pendOrder, approval.ID)
	a.mu.Unlock()
	log.Printf("🛑 [AUTONOMY] Action %s parked for approval (%s)", action.ID, approval.ID)
}

// PendingApprovals lists parked requests, oldest first.
func (a *AutonomyService) PendingApprovals() []PendingApproval {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]PendingApproval, 0, len(a.pendOrder))
	for _, id := range a.pendOrder {
		if p, ok := a.pending[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// Approve executes a parked request, bypassing the safety gate but still
// honoring cooldown and capacity.
func (a *AutonomyService) Approve(approvalID string) error {
	a.mu.Lock()
	approval, ok := a.pending[approvalID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("approval %s: %w", approvalID, models.ErrNotFound)
	}
	a.removePendingLocked(approvalID)
	action, ok := a.actions[approval.ActionID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("action %s: %w", approval.ActionID, models.ErrNotFound)
	}

	log.Printf("✅ [AUTONOMY] Approval %s granted for action %s", approvalID, action.ID)
	a.dispatch(action, approval.Metadata, GetMetrics())
	return nil
}

// Reject drops a parked request.
func (a *AutonomyService) Reject(approvalID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.pending[approvalID]; !ok {
		return fmt.Errorf("approval %s: %w", approvalID, models.ErrNotFound)
	}
	a.removePendingLocked(approvalID)
	log.Printf("❌ [AUTONOMY] Approval %s rejected", approvalID)
	return nil
}

func (a *AutonomyService) removePendingLocked(approvalID string) {
	delete(a.pending, approvalID)
	for i, id := range a.pendOrder {
		if id == approvalID {
			a.pendOrder = append(a.pendOrder[:i], a.pendOrder[i+1:]...)
			break
		}
	}
}

// dispatch runs the handler under the cooldown, capacity and rate gates,
// arms the cooldown and records the outcome as an observation. The cooldown
// is re-checked here so approved requests cannot slip a second execution
// into an already-armed window.
func (a *AutonomyService) dispatch(action *models.AutonomousAction, metadata map[string]interface{}, metrics *Metrics) {
	skip := func(gate string) {
		if metrics != nil {
			metrics.RecordActionSkipped(gate)
		}
	}

	if _, onCooldown := a.cooldowns.Get(action.ID); onCooldown {
		skip("cooldown")
		log.Printf("⏳ [AUTONOMY] Action %s still on cooldown, skipping dispatch", action.ID)
		return
	}

	if !a.sem.TryAcquire(1) {
		skip("capacity")
		return
	}
	defer a.sem.Release(1)

	if !a.limiter.Allow() {
		skip("rate")
		return
	}

	cooldown := action.Trigger.Cooldown
	if cooldown <= 0 {
		cooldown = a.opts.DefaultCooldown
	}
	a.cooldowns.Set(action.ID, true, cooldown)

	now := a.now()
	a.mu.Lock()
	action.LastExecutedAt = now
	action.ExecutionCount++
	a.mu.Unlock()

	hctx := &models.HandlerContext{
		ActionID:      action.ID,
		Trigger:       action.Trigger,
		SystemContext: a.monitor.Context(),
		Personality:   a.personality.Current(),
		Metadata:      metadata,
	}

	start := a.now()
	var handlerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				handlerErr = fmt.Errorf("handler panic: %v", r)
			}
		}()
		handlerErr = action.Handler(context.Background(), hctx)
	}()
	durationMs := a.now().Sub(start).Milliseconds()

	success := handlerErr == nil
	if metrics != nil {
		metrics.RecordActionExecuted(string(action.Trigger.Kind), success)
		metrics.ActionLatency.Observe(float64(durationMs) / 1000.0)
	}
	actionLog := logging.WithAction(slog.Default(), action.ID, string(action.Trigger.Kind))
	if handlerErr != nil {
		actionLog.Warn("action failed", "error", handlerErr)
	} else {
		actionLog.Info("action executed", "duration_ms", durationMs)
	}

	if a.learning != nil {
		obsContext := map[string]interface{}{
			"trigger":   string(action.Trigger.Kind),
			"action":    action.Name,
			"timeOfDay": string(hctx.SystemContext.TimeOfDay),
		}
		for k, v := range metadata {
			obsContext[k] = v
		}
		a.learning.ObserveAction("companion", action.ID, obsContext, success, durationMs)
	}
}

// TriggerNow fires an action manually through the full gate chain. Intended
// for the ops surface.
func (a *AutonomyService) TriggerNow(actionID string) error {
	a.mu.RLock()
	_, ok := a.actions[actionID]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("action %s: %w", actionID, models.ErrNotFound)
	}
	a.fire(actionID, map[string]interface{}{"manual": true})
	return nil
}

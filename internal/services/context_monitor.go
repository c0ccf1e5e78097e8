package services

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"companion/internal/models"
)

// ContextSubscriber is notified with a snapshot copy after every context
// update. Subscribers must not block for long; they run on the updater's
// goroutine.
type ContextSubscriber func(ctx *models.SystemContext)

// ContextMonitor owns the single mutable view of the system's situation:
// time of day, user presence, robot status, battery, environment readings.
// Everything the autonomy engine decides against flows through here.
type ContextMonitor struct {
	mu          sync.RWMutex
	current     *models.SystemContext
	subscribers map[string]ContextSubscriber

	now      func() time.Time
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewContextMonitor creates a monitor with a fresh context snapshot.
// interval is the period of the clock-bucket refresh loop; <= 0 uses 60s.
func NewContextMonitor(interval time.Duration) *ContextMonitor {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	m := &ContextMonitor{
		subscribers: make(map[string]ContextSubscriber),
		now:         time.Now,
		interval:    interval,
		stopCh:      make(chan struct{}),
	}
	now := m.now()
	m.current = &models.SystemContext{
		TimeOfDay:       models.TimeOfDayAt(now),
		DayOfWeek:       now.Weekday(),
		LastInteraction: now,
		UserPresent:     false,
		RobotStatus:     models.RobotStatusIdle,
		BatteryLevel:    100,
		Environment:     make(map[string]interface{}),
	}
	return m
}

// Start launches the periodic clock refresh. Safe to skip in tests.
func (m *ContextMonitor) Start() {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.refreshClock()
			case <-m.stopCh:
				return
			}
		}
	}()
	log.Printf("🕐 Context monitor started (refresh every %s)", m.interval)
}

// Stop halts the refresh loop.
func (m *ContextMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// refreshClock recomputes the derived time fields and notifies subscribers
// only when a bucket actually changed.
func (m *ContextMonitor) refreshClock() {
	now := m.now()
	m.mu.Lock()
	tod := models.TimeOfDayAt(now)
	dow := now.Weekday()
	changed := tod != m.current.TimeOfDay || dow != m.current.DayOfWeek
	m.current.TimeOfDay = tod
	m.current.DayOfWeek = dow
	snapshot := m.current.Clone()
	m.mu.Unlock()

	if changed {
		m.notify(snapshot)
	}
}

// Context returns a deep copy of the current snapshot.
func (m *ContextMonitor) Context() *models.SystemContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

// UpdateContext merges a partial update atomically, then notifies
// subscribers. Recognized keys mirror the SystemContext fields; environment
// entries go under "environment".
func (m *ContextMonitor) UpdateContext(partial map[string]interface{}) {
	m.mu.Lock()
	for key, value := range partial {
		switch key {
		case "userPresent":
			if v, ok := value.(bool); ok {
				m.current.UserPresent = v
			}
		case "robotStatus":
			if v, ok := value.(models.RobotStatus); ok {
				m.current.RobotStatus = v
			} else if v, ok := value.(string); ok {
				m.current.RobotStatus = models.RobotStatus(v)
			}
		case "activity":
			if v, ok := value.(string); ok {
				m.current.Activity = v
			}
		case "batteryLevel":
			switch v := value.(type) {
			case float64:
				m.current.BatteryLevel = v
			case int:
				m.current.BatteryLevel = float64(v)
			}
		case "lastInteraction":
			if v, ok := value.(time.Time); ok {
				m.current.LastInteraction = v
			}
		default:
			m.current.Environment[key] = value
		}
	}
	snapshot := m.current.Clone()
	m.mu.Unlock()

	m.notify(snapshot)
}

// Subscribe registers a change listener and returns its unsubscribe func.
func (m *ContextMonitor) Subscribe(fn ContextSubscriber) func() {
	m.mu.Lock()
	id := uuid.New().String()
	m.subscribers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

func (m *ContextMonitor) notify(snapshot *models.SystemContext) {
	m.mu.RLock()
	subs := make([]ContextSubscriber, 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.RUnlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("⚠️ [CONTEXT] Subscriber panic: %v", r)
				}
			}()
			fn(snapshot.Clone())
		}()
	}
}

// RecordUserInteraction marks the user as present right now.
func (m *ContextMonitor) RecordUserInteraction() {
	m.UpdateContext(map[string]interface{}{
		"lastInteraction": m.now(),
		"userPresent":     true,
	})
}

// UpdateRobotStatus sets the robot status and its current activity label.
func (m *ContextMonitor) UpdateRobotStatus(status models.RobotStatus, activity string) {
	m.UpdateContext(map[string]interface{}{
		"robotStatus": status,
		"activity":    activity,
	})
}

// UpdateBatteryLevel sets the battery percentage, clamped to [0,100].
func (m *ContextMonitor) UpdateBatteryLevel(level float64) {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	m.UpdateContext(map[string]interface{}{"batteryLevel": level})
}

// SetEnvironmentData stores an arbitrary sensor/environment reading. The key
// goes straight into the environment map, so readings named like core fields
// ("batteryLevel", "userPresent") do not clobber them.
func (m *ContextMonitor) SetEnvironmentData(key string, value interface{}) {
	m.mu.Lock()
	m.current.Environment[key] = value
	snapshot := m.current.Clone()
	m.mu.Unlock()

	m.notify(snapshot)
}

// IsInactive reports whether the user has not interacted for at least the
// given number of minutes.
func (m *ContextMonitor) IsInactive(minutes int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now().Sub(m.current.LastInteraction) >= time.Duration(minutes)*time.Minute
}

// IsTimeRange reports whether the current hour falls in [startHour, endHour).
// Wrapping ranges (e.g. 22 → 6) are supported.
func (m *ContextMonitor) IsTimeRange(startHour, endHour int) bool {
	hour := m.now().Hour()
	if startHour <= endHour {
		return hour >= startHour && hour < endHour
	}
	return hour >= startHour || hour < endHour
}

// IsWeekend reports whether today is Saturday or Sunday.
func (m *ContextMonitor) IsWeekend() bool {
	wd := m.now().Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

package models

import "time"

// RobotStatus is the coarse state reported by the robot telemetry feed.
type RobotStatus string

const (
	RobotStatusIdle     RobotStatus = "idle"
	RobotStatusActive   RobotStatus = "active"
	RobotStatusCharging RobotStatus = "charging"
	RobotStatusSleeping RobotStatus = "sleeping"
	RobotStatusOffline  RobotStatus = "offline"
)

// TimeOfDay buckets the clock into the four ranges the context predicates
// care about.
type TimeOfDay string

const (
	TimeOfDayMorning   TimeOfDay = "morning"   // 05:00–11:59
	TimeOfDayAfternoon TimeOfDay = "afternoon" // 12:00–16:59
	TimeOfDayEvening   TimeOfDay = "evening"   // 17:00–21:59
	TimeOfDayNight     TimeOfDay = "night"     // 22:00–04:59
)

// TimeOfDayAt buckets a clock reading.
func TimeOfDayAt(t time.Time) TimeOfDay {
	switch hour := t.Hour(); {
	case hour >= 5 && hour < 12:
		return TimeOfDayMorning
	case hour >= 12 && hour < 17:
		return TimeOfDayAfternoon
	case hour >= 17 && hour < 22:
		return TimeOfDayEvening
	default:
		return TimeOfDayNight
	}
}

// SystemContext is the single live snapshot owned by the context monitor.
// It is overwritten on every update call and never historized beyond what
// observations capture.
type SystemContext struct {
	TimeOfDay       TimeOfDay              `json:"timeOfDay"`
	DayOfWeek       time.Weekday           `json:"dayOfWeek"`
	LastInteraction time.Time              `json:"lastInteraction"`
	UserPresent     bool                   `json:"userPresent"`
	RobotStatus     RobotStatus            `json:"robotStatus"`
	Activity        string                 `json:"activity,omitempty"`
	BatteryLevel    float64                `json:"batteryLevel"`
	Environment     map[string]interface{} `json:"environment"`
}

// Clone returns a deep copy so readers never hold a live reference into the
// monitor's state.
func (c *SystemContext) Clone() *SystemContext {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Environment = make(map[string]interface{}, len(c.Environment))
	for k, v := range c.Environment {
		cp.Environment[k] = v
	}
	return &cp
}

package services

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"

	"companion/internal/models"
)

// CronCallback runs when a scheduled job fires.
type CronCallback func(jobID string)

// cronParser validates the standard 5-field expression and computes next
// runs. gocron accepts the same grammar at registration; parsing up front
// keeps validation synchronous and fail-fast.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CronJobConfig registers one recurring job.
type CronJobConfig struct {
	ID       string
	Schedule string // 5-field cron expression
	Enabled  bool
}

// cronEntry is the scheduler-side state of one registered job.
type cronEntry struct {
	state    models.CronJob
	schedule cron.Schedule
	callback CronCallback
	job      gocron.Job
}

// SchedulerService manages cron-triggered jobs on a gocron engine. Jobs stay
// registered while disabled; the firing wrapper checks the enabled flag so
// Enable/Disable never lose run counters.
type SchedulerService struct {
	scheduler gocron.Scheduler
	mu        sync.RWMutex
	jobs      map[string]*cronEntry
	now       func() time.Time
}

// NewSchedulerService creates the scheduler engine.
func NewSchedulerService() (*SchedulerService, error) {
	scheduler, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &SchedulerService{
		scheduler: scheduler,
		jobs:      make(map[string]*cronEntry),
		now:       time.Now,
	}, nil
}

// Start begins firing registered jobs.
func (s *SchedulerService) Start() {
	s.scheduler.Start()
	log.Println("⏰ Scheduler service started")
}

// Stop shuts the engine down. Registered state is kept for inspection.
func (s *SchedulerService) Stop() error {
	log.Println("⏹️ Stopping scheduler service...")
	return s.scheduler.Shutdown()
}

// Schedule validates and registers a recurring job. The expression is parsed
// before anything is created: a malformed expression or duplicate id fails
// synchronously and leaves no state behind.
func (s *SchedulerService) Schedule(cfg CronJobConfig, callback CronCallback) (*models.CronJob, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("job id is required: %w", models.ErrValidation)
	}
	if callback == nil {
		return nil, fmt.Errorf("job %s has no callback: %w", cfg.ID, models.ErrValidation)
	}
	schedule, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %v: %w", cfg.Schedule, err, models.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[cfg.ID]; exists {
		return nil, fmt.Errorf("job %s: %w", cfg.ID, models.ErrDuplicateRegistration)
	}

	entry := &cronEntry{
		state: models.CronJob{
			ID:       cfg.ID,
			Schedule: cfg.Schedule,
			Enabled:  cfg.Enabled,
			NextRun:  schedule.Next(s.now()),
		},
		schedule: schedule,
		callback: callback,
	}

	jobID := cfg.ID
	job, err := s.scheduler.NewJob(
		gocron.CronJob(cfg.Schedule, false),
		gocron.NewTask(func() {
			s.fire(jobID)
		}),
		gocron.WithName(cfg.ID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register job %s: %w", cfg.ID, err)
	}
	entry.job = job
	s.jobs[cfg.ID] = entry

	log.Printf("⏰ Scheduled job %s (%s, enabled=%v)", cfg.ID, cfg.Schedule, cfg.Enabled)
	state := entry.state
	return &state, nil
}

// fire runs one job occurrence. Disabled jobs skip silently; callback panics
// are recovered so the job stays scheduled.
func (s *SchedulerService) fire(jobID string) {
	s.mu.Lock()
	entry, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	enabled := entry.state.Enabled
	if enabled {
		now := s.now()
		entry.state.LastRun = now
		entry.state.RunCount++
		entry.state.NextRun = entry.schedule.Next(now)
	}
	callback := entry.callback
	s.mu.Unlock()

	if !enabled {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("⚠️ [SCHEDULER] Job %s panicked: %v", jobID, r)
		}
	}()
	callback(jobID)
}

// Unschedule removes a job entirely.
func (s *SchedulerService) Unschedule(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	if err := s.scheduler.RemoveJob(entry.job.ID()); err != nil {
		return fmt.Errorf("failed to remove job %s: %w", jobID, err)
	}
	delete(s.jobs, jobID)
	log.Printf("⏰ Unscheduled job %s", jobID)
	return nil
}

// Enable resumes firing for a job.
func (s *SchedulerService) Enable(jobID string) error {
	return s.setEnabled(jobID, true)
}

// Disable pauses firing without losing the job's state.
func (s *SchedulerService) Disable(jobID string) error {
	return s.setEnabled(jobID, false)
}

func (s *SchedulerService) setEnabled(jobID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	entry.state.Enabled = enabled
	if enabled {
		entry.state.NextRun = entry.schedule.Next(s.now())
	}
	return nil
}

// Job returns a copy of the job's current state.
func (s *SchedulerService) Job(jobID string) (*models.CronJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	state := entry.state
	return &state, nil
}

// Jobs returns copies of every registered job's state.
func (s *SchedulerService) Jobs() []models.CronJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.CronJob, 0, len(s.jobs))
	for _, entry := range s.jobs {
		out = append(out, entry.state)
	}
	return out
}

package services

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"companion/internal/models"
)

// DecisionPolicy answers the should-I-act question for one dispatch attempt.
// Implementations must be safe for concurrent use.
type DecisionPolicy interface {
	ShouldAct(personality models.PersonalityConfig, sysCtx *models.SystemContext) bool
}

// WeightedRandomPolicy acts with probability
// p = clamp(0.05 + 0.50*energy + 0.35*curiosity, 0, 0.95): a lethargic,
// incurious configuration still acts occasionally and an eager one never
// acts unconditionally.
type WeightedRandomPolicy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewWeightedRandomPolicy creates the default policy. seed 0 falls back to a
// time-based seed; tests pass a fixed one.
func NewWeightedRandomPolicy(seed int64) *WeightedRandomPolicy {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &WeightedRandomPolicy{rng: rand.New(rand.NewSource(seed))}
}

// ActProbability is the curve itself, exposed for inspection and tests.
func ActProbability(p models.PersonalityConfig) float64 {
	prob := 0.05 + 0.50*p.Energy + 0.35*p.Curiosity
	if prob < 0 {
		prob = 0
	}
	if prob > 0.95 {
		prob = 0.95
	}
	return prob
}

// ShouldAct samples the curve once.
func (w *WeightedRandomPolicy) ShouldAct(personality models.PersonalityConfig, _ *models.SystemContext) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rng.Float64() < ActProbability(personality)
}

// PersonalityService owns the live personality configuration: defaults at
// startup, YAML file when present, hot-reloaded on change.
type PersonalityService struct {
	mu      sync.RWMutex
	current models.PersonalityConfig
	path    string

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPersonalityService loads the personality file if it exists, otherwise
// starts from defaults.
func NewPersonalityService(path string) *PersonalityService {
	s := &PersonalityService{
		current: models.DefaultPersonality(),
		path:    path,
		stopCh:  make(chan struct{}),
	}
	if path != "" {
		if err := s.reload(); err != nil {
			log.Printf("⚠️  Personality file not loaded, using defaults: %v", err)
		}
	}
	return s
}

// Current returns the live personality configuration.
func (s *PersonalityService) Current() models.PersonalityConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Set replaces the live configuration after validation. Out-of-range values
// are rejected and the prior configuration is retained.
func (s *PersonalityService) Set(cfg models.PersonalityConfig) error {
	if err := validatePersonality(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = cfg
	s.mu.Unlock()
	return nil
}

func validatePersonality(cfg models.PersonalityConfig) error {
	check := func(name string, v float64) error {
		if v < 0 || v > 1 {
			return &models.ConfigError{Option: name, Value: v, Reason: "must be in [0,1]"}
		}
		return nil
	}
	if err := check("energy", cfg.Energy); err != nil {
		return err
	}
	if err := check("curiosity", cfg.Curiosity); err != nil {
		return err
	}
	if err := check("playfulness", cfg.Playfulness); err != nil {
		return err
	}
	return check("chattiness", cfg.Chattiness)
}

// reload reads and applies the personality file.
func (s *PersonalityService) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read personality file: %w", err)
	}
	var cfg models.PersonalityConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse personality file: %w", err)
	}
	if err := s.Set(cfg); err != nil {
		return fmt.Errorf("personality file rejected: %w", err)
	}
	log.Printf("🎭 Personality loaded: energy=%.2f curiosity=%.2f playfulness=%.2f chattiness=%.2f",
		cfg.Energy, cfg.Curiosity, cfg.Playfulness, cfg.Chattiness)
	return nil
}

// Watch hot-reloads the personality file on change. Watches the containing
// directory (more reliable than watching the file directly) and debounces
// rapid writes.
func (s *PersonalityService) Watch() {
	if s.path == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("⚠️  Failed to create file watcher: %v", err)
		return
	}
	s.watcher = watcher

	absPath, err := filepath.Abs(s.path)
	if err != nil {
		log.Printf("⚠️  Failed to get absolute path for %s: %v", s.path, err)
		watcher.Close()
		return
	}

	dir := filepath.Dir(absPath)
	filename := filepath.Base(absPath)

	if err := watcher.Add(dir); err != nil {
		log.Printf("⚠️  Failed to watch directory %s: %v", dir, err)
		watcher.Close()
		return
	}

	log.Printf("👁️  Watching %s for changes (hot-reload enabled)", s.path)

	go func() {
		var debounceTimer *time.Timer
		debounceDuration := 500 * time.Millisecond

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filename {
					continue
				}
				if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
					if debounceTimer != nil {
						debounceTimer.Stop()
					}
					debounceTimer = time.AfterFunc(debounceDuration, func() {
						log.Printf("🔄 Detected changes in %s, reloading personality...", s.path)
						if err := s.reload(); err != nil {
							log.Printf("❌ Failed to reload personality: %v", err)
						}
					})
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("⚠️  File watcher error: %v", err)
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts the watcher.
func (s *PersonalityService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.watcher != nil {
			s.watcher.Close()
		}
	})
}

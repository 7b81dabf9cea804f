// Package schedule runs configured pipeline sweeps on cron expressions.
package schedule

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler tracks sweep schedules and their running state
type Scheduler struct {
	configs map[string]SweepConfig
	parser  cron.Parser
	lastRun map[string]time.Time
	running map[string]bool
	mu      sync.RWMutex

	log      *slog.Logger
	stopChan chan struct{}
}

// NewScheduler creates a scheduler over the given sweeps
func NewScheduler(configs []SweepConfig, log *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		configs:  make(map[string]SweepConfig),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		lastRun:  make(map[string]time.Time),
		running:  make(map[string]bool),
		log:      log,
		stopChan: make(chan struct{}),
	}

	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		s.configs[cfg.Name] = cfg
	}

	return s, nil
}

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// NextRun returns the next scheduled time for a sweep
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[name]
	if !ok {
		return time.Time{}
	}

	sched, err := s.parser.Parse(cfg.Cron)
	if err != nil {
		return time.Time{}
	}

	return sched.Next(time.Now())
}

// ShouldRun reports whether a sweep is due and not already running
func (s *Scheduler) ShouldRun(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[name]
	if !ok {
		return false
	}

	if s.running[name] {
		return false
	}

	sched, err := s.parser.Parse(cfg.Cron)
	if err != nil {
		return false
	}

	lastRun := s.lastRun[name]
	if lastRun.IsZero() {
		lastRun = time.Now().Add(-24 * time.Hour)
	}

	nextRun := sched.Next(lastRun)
	return time.Now().After(nextRun)
}

// MarkRunning marks a sweep as currently running
func (s *Scheduler) MarkRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
}

// MarkComplete marks a sweep as finished and stamps its last run
func (s *Scheduler) MarkComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.lastRun[name] = time.Now()
}

// GetConfig returns the config for a sweep
func (s *Scheduler) GetConfig(name string) (SweepConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[name]
	return cfg, ok
}

// ListSweeps returns all sweep names
func (s *Scheduler) ListSweeps() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.configs))
	for name := range s.configs {
		names = append(names, name)
	}
	return names
}

// Start begins the scheduler loop, checking due sweeps once a minute.
// Blocks until Stop is called.
func (s *Scheduler) Start(runFunc func(SweepConfig) error) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			for name := range s.configs {
				if s.ShouldRun(name) {
					cfg, _ := s.GetConfig(name)
					s.MarkRunning(name)
					go func(c SweepConfig) {
						if err := runFunc(c); err != nil {
							s.log.Error("sweep failed", "sweep", c.Name, "error", err)
						}
						s.MarkComplete(c.Name)
					}(cfg)
				}
			}
		}
	}
}

// Stop stops the scheduler loop
func (s *Scheduler) Stop() {
	close(s.stopChan)
}

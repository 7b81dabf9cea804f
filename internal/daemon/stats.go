package daemon

import (
	"sync"
	"time"
)

// Stats aggregates daemon activity for the status surfaces.
type Stats struct {
	mu        sync.RWMutex
	enqueued  int
	completed int
	failed    int
	dropped   int
	durations []time.Duration
	lastJob   time.Time
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Enqueued    int           `json:"enqueued"`
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	Dropped     int           `json:"dropped"`
	AvgDuration time.Duration `json:"avg_duration"`
	LastJob     time.Time     `json:"last_job"`
}

func (s *Stats) recordEnqueued() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued++
}

func (s *Stats) recordDropped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped++
}

func (s *Stats) recordResult(d time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if failed {
		s.failed++
	} else {
		s.completed++
	}
	s.durations = append(s.durations, d)
	s.lastJob = time.Now()
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Enqueued:  s.enqueued,
		Completed: s.completed,
		Failed:    s.failed,
		Dropped:   s.dropped,
		LastJob:   s.lastJob,
	}
	if len(s.durations) > 0 {
		var total time.Duration
		for _, d := range s.durations {
			total += d
		}
		snap.AvgDuration = total / time.Duration(len(s.durations))
	}
	return snap
}

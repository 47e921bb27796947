package processor

import (
	"sync"
	"sync/atomic"
	"time"
)

// latencyWindow bounds the moving-average sample count.
const latencyWindow = 1000

// Stats tracks steady-state processing counters. Counters are atomic; the
// latency ring is guarded by its own mutex since it is multi-word.
type Stats struct {
	processed  atomic.Int64
	failed     atomic.Int64
	retried    atomic.Int64
	duplicates atomic.Int64
	totalNanos atomic.Int64

	mu      sync.Mutex
	samples []time.Duration
	next    int
	filled  bool
}

func newStats() *Stats {
	return &Stats{samples: make([]time.Duration, latencyWindow)}
}

// StatsSnapshot is the externally visible view.
type StatsSnapshot struct {
	Processed      int64
	Failed         int64
	Retried        int64
	Duplicates     int64
	TotalTime      time.Duration
	AverageLatency time.Duration
}

func (s *Stats) recordSuccess(d time.Duration, wasRetry bool) {
	s.processed.Add(1)
	if wasRetry {
		s.retried.Add(1)
	}
	s.record(d)
}

func (s *Stats) recordFailure(d time.Duration, wasRetry bool) {
	s.failed.Add(1)
	if wasRetry {
		s.retried.Add(1)
	}
	s.record(d)
}

func (s *Stats) recordDuplicate() {
	s.duplicates.Add(1)
}

func (s *Stats) record(d time.Duration) {
	s.totalNanos.Add(int64(d))

	s.mu.Lock()
	s.samples[s.next] = d
	s.next++
	if s.next == len(s.samples) {
		s.next = 0
		s.filled = true
	}
	s.mu.Unlock()
}

func (s *Stats) snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Processed:  s.processed.Load(),
		Failed:     s.failed.Load(),
		Retried:    s.retried.Load(),
		Duplicates: s.duplicates.Load(),
		TotalTime:  time.Duration(s.totalNanos.Load()),
	}

	s.mu.Lock()
	n := s.next
	if s.filled {
		n = len(s.samples)
	}
	var sum time.Duration
	for i := 0; i < n; i++ {
		sum += s.samples[i]
	}
	s.mu.Unlock()

	if n > 0 {
		snap.AverageLatency = sum / time.Duration(n)
	}
	return snap
}

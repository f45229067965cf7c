package workerpool

import (
	"sync/atomic"
	"time"
)

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	ActiveWorkers  int
	QueuedTasks    int
	SubmittedTasks uint64
	CompletedTasks uint64
	FailedTasks    uint64
	RejectedTasks  uint64
	TotalTaskTime  time.Duration
}

type statsCollector struct {
	activeWorkers atomic.Int64
	submitted     atomic.Uint64
	completed     atomic.Uint64
	failed        atomic.Uint64
	rejected      atomic.Uint64
	taskNanos     atomic.Int64
}

func newStatsCollector() *statsCollector { return &statsCollector{} }

func (s *statsCollector) incActiveWorkers() { s.activeWorkers.Add(1) }
func (s *statsCollector) decActiveWorkers() { s.activeWorkers.Add(-1) }

func (s *statsCollector) recordSubmission() { s.submitted.Add(1) }
func (s *statsCollector) recordRejection()  { s.rejected.Add(1) }

func (s *statsCollector) recordCompletion(d time.Duration, failed bool) {
	s.completed.Add(1)
	if failed {
		s.failed.Add(1)
	}
	s.taskNanos.Add(int64(d))
}

func (s *statsCollector) snapshot(queued int) Stats {
	return Stats{
		ActiveWorkers:  int(s.activeWorkers.Load()),
		QueuedTasks:    queued,
		SubmittedTasks: s.submitted.Load(),
		CompletedTasks: s.completed.Load(),
		FailedTasks:    s.failed.Load(),
		RejectedTasks:  s.rejected.Load(),
		TotalTaskTime:  time.Duration(s.taskNanos.Load()),
	}
}

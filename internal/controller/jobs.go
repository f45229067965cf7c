package controller

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// JobState is the lifecycle state of one asynchronous operation.
type JobState string

const (
	JobRunning   JobState = "RUNNING"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
	JobCancelled JobState = "CANCELLED"
)

// retainFinished caps how many terminal jobs the registry keeps for polling
// before the oldest are dropped.
const retainFinished = 64

// Job is one running or finished asynchronous operation. Progress is the
// latest update per item (study or patient), so pollers always see current
// state without replaying a stream.
type Job struct {
	mu       sync.Mutex
	id       string
	kind     string
	state    JobState
	started  time.Time
	finished time.Time
	errMsg   string
	items    map[string]any
	cancel   context.CancelFunc
}

// ID returns the job's registry key.
func (j *Job) ID() string { return j.id }

func (j *Job) update(key string, v any) {
	j.mu.Lock()
	j.items[key] = v
	j.mu.Unlock()
}

func (j *Job) finish(ctx context.Context, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finished = time.Now()
	switch {
	case ctx.Err() != nil:
		j.state = JobCancelled
	case err != nil:
		j.state = JobFailed
		j.errMsg = err.Error()
	default:
		j.state = JobCompleted
	}
}

func (j *Job) abort() {
	j.mu.Lock()
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Snapshot returns the wire form of the job.
func (j *Job) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	items := make(map[string]any, len(j.items))
	for k, v := range j.items {
		items[k] = v
	}
	s := JobSnapshot{
		ID:        j.id,
		Kind:      j.kind,
		State:     j.state,
		StartedAt: j.started,
		Error:     j.errMsg,
		Items:     items,
	}
	if !j.finished.IsZero() {
		f := j.finished
		s.FinishedAt = &f
	}
	return s
}

// JobSnapshot is one job as reported over the admin surface.
type JobSnapshot struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	State      JobState       `json:"state"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Error      string         `json:"error,omitempty"`
	Items      map[string]any `json:"items,omitempty"`
}

// Jobs is the registry of asynchronous operations started over the admin
// surface. Jobs are abortable through their context and polled by id.
type Jobs struct {
	mu   sync.Mutex
	jobs map[string]*Job
	log  *logrus.Entry
}

// NewJobs builds an empty registry.
func NewJobs(log *logrus.Entry) *Jobs {
	return &Jobs{jobs: make(map[string]*Job), log: log}
}

// Start registers a job and runs it on its own goroutine. The run function
// receives a cancellable context and an update sink for per-item progress;
// its returned error decides the terminal state.
func (r *Jobs) Start(kind string, run func(ctx context.Context, update func(key string, v any)) error) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		id:      uuid.NewString(),
		kind:    kind,
		state:   JobRunning,
		started: time.Now(),
		items:   make(map[string]any),
		cancel:  cancel,
	}

	r.mu.Lock()
	r.pruneLocked()
	r.jobs[job.id] = job
	r.mu.Unlock()

	log := r.log.WithFields(logrus.Fields{"job_id": job.id, "kind": kind})
	log.Info("job started")

	go func() {
		defer cancel()
		err := run(ctx, job.update)
		job.finish(ctx, err)
		snap := job.Snapshot()
		entry := log.WithField("state", string(snap.State))
		switch snap.State {
		case JobFailed:
			entry.WithField("error", snap.Error).Error("job finished")
		case JobCancelled:
			entry.Warn("job finished")
		default:
			entry.Info("job finished")
		}
	}()
	return job
}

// Get returns a job snapshot by id.
func (r *Jobs) Get(id string) (JobSnapshot, bool) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return JobSnapshot{}, false
	}
	return job.Snapshot(), true
}

// List returns every known job, newest first.
func (r *Jobs) List() []JobSnapshot {
	r.mu.Lock()
	all := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		all = append(all, j)
	}
	r.mu.Unlock()

	snaps := make([]JobSnapshot, 0, len(all))
	for _, j := range all {
		snaps = append(snaps, j.Snapshot())
	}
	sort.Slice(snaps, func(i, k int) bool {
		return snaps[i].StartedAt.After(snaps[k].StartedAt)
	})
	return snaps
}

// Abort cancels a running job. Reports whether the id was known.
func (r *Jobs) Abort(id string) bool {
	r.mu.Lock()
	job, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	job.abort()
	return true
}

// AbortAll cancels every running job; used during shutdown.
func (r *Jobs) AbortAll() {
	r.mu.Lock()
	all := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		all = append(all, j)
	}
	r.mu.Unlock()
	for _, j := range all {
		j.abort()
	}
}

// pruneLocked drops the oldest finished jobs over the retention cap.
func (r *Jobs) pruneLocked() {
	var finished []*Job
	for _, j := range r.jobs {
		if s := j.Snapshot(); s.State != JobRunning {
			finished = append(finished, j)
		}
	}
	if len(finished) < retainFinished {
		return
	}
	sort.Slice(finished, func(i, k int) bool {
		return finished[i].started.Before(finished[k].started)
	})
	for _, j := range finished[:len(finished)-retainFinished+1] {
		delete(r.jobs, j.id)
	}
}

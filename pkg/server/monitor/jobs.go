package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/nicktill/sensorvault/pkg/clock"
)

// maxConsecutiveErrors is the failure streak after which a job is unhealthy.
const maxConsecutiveErrors = 3

// JobMonitor tracks the health of one scheduled maintenance job.
type JobMonitor struct {
	mu                sync.RWMutex
	clock             clock.Clock
	staleAfter        time.Duration
	lastSuccess       time.Time
	lastAttempt       time.Time
	lastDuration      time.Duration
	consecutiveErrors int
	lastError         string
	runs              uint64
	failures          uint64
}

// RecordSuccess records a successful run.
func (jm *JobMonitor) RecordSuccess(took time.Duration) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	now := jm.clock.Now()
	jm.lastSuccess = now
	jm.lastAttempt = now
	jm.lastDuration = took
	jm.consecutiveErrors = 0
	jm.lastError = ""
	jm.runs++
}

// RecordFailure records a failed run.
func (jm *JobMonitor) RecordFailure(took time.Duration, err error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.lastAttempt = jm.clock.Now()
	jm.lastDuration = took
	jm.consecutiveErrors++
	jm.runs++
	jm.failures++
	if err != nil {
		jm.lastError = err.Error()
	}
}

// IsHealthy returns true if the job is working properly.
// Unhealthy conditions:
//   - More than 3 consecutive failures
//   - Has succeeded before, but not within staleAfter (when set)
//
// A job that has not run yet is healthy; daily jobs may not run for hours
// after startup.
func (jm *JobMonitor) IsHealthy() bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.healthyLocked()
}

func (jm *JobMonitor) healthyLocked() bool {
	if jm.consecutiveErrors > maxConsecutiveErrors {
		return false
	}
	if jm.staleAfter > 0 && !jm.lastSuccess.IsZero() &&
		jm.clock.Now().Sub(jm.lastSuccess) > jm.staleAfter {
		return false
	}
	return true
}

// JobStatus is the health-check view of a job.
type JobStatus struct {
	Name              string `json:"name"`
	Healthy           bool   `json:"healthy"`
	Runs              uint64 `json:"runs"`
	Failures          uint64 `json:"failures,omitempty"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	LastDuration      string `json:"last_duration,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns current job status for health checks.
func (jm *JobMonitor) Status() JobStatus {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	status := JobStatus{
		Healthy:  jm.healthyLocked(),
		Runs:     jm.runs,
		Failures: jm.failures,
	}

	if !jm.lastSuccess.IsZero() {
		status.LastSuccess = jm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = jm.clock.Now().Sub(jm.lastSuccess).Round(time.Second).String()
	}

	if !jm.lastAttempt.IsZero() {
		status.LastAttempt = jm.lastAttempt.Format(time.RFC3339)
		status.LastDuration = jm.lastDuration.Round(time.Millisecond).String()
	}

	if jm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = jm.consecutiveErrors
		status.LastError = jm.lastError
	}

	return status
}

// Jobs is a registry of job monitors keyed by job name.
type Jobs struct {
	mu    sync.RWMutex
	clock clock.Clock
	jobs  map[string]*JobMonitor
}

// NewJobs creates an empty registry. A nil clock means the wall clock.
func NewJobs(c clock.Clock) *Jobs {
	if c == nil {
		c = clock.Real()
	}
	return &Jobs{clock: c, jobs: make(map[string]*JobMonitor)}
}

// Track registers name with the given staleness threshold and returns its
// monitor. Tracking an existing name updates the threshold.
func (j *Jobs) Track(name string, staleAfter time.Duration) *JobMonitor {
	j.mu.Lock()
	defer j.mu.Unlock()
	jm, ok := j.jobs[name]
	if !ok {
		jm = &JobMonitor{clock: j.clock}
		j.jobs[name] = jm
	}
	jm.mu.Lock()
	jm.staleAfter = staleAfter
	jm.mu.Unlock()
	return jm
}

// Get returns the monitor for name, creating one without a staleness
// threshold if needed.
func (j *Jobs) Get(name string) *JobMonitor {
	j.mu.RLock()
	jm, ok := j.jobs[name]
	j.mu.RUnlock()
	if ok {
		return jm
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if jm, ok := j.jobs[name]; ok {
		return jm
	}
	jm = &JobMonitor{clock: j.clock}
	j.jobs[name] = jm
	return jm
}

// RecordSuccess implements the scheduler's recorder.
func (j *Jobs) RecordSuccess(name string, took time.Duration) {
	j.Get(name).RecordSuccess(took)
}

// RecordFailure implements the scheduler's recorder.
func (j *Jobs) RecordFailure(name string, took time.Duration, err error) {
	j.Get(name).RecordFailure(took, err)
}

// Healthy reports whether every tracked job is healthy.
func (j *Jobs) Healthy() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	for _, jm := range j.jobs {
		if !jm.IsHealthy() {
			return false
		}
	}
	return true
}

// Statuses returns the status of every job sorted by name.
func (j *Jobs) Statuses() []JobStatus {
	j.mu.RLock()
	names := make([]string, 0, len(j.jobs))
	for name := range j.jobs {
		names = append(names, name)
	}
	j.mu.RUnlock()
	sort.Strings(names)

	out := make([]JobStatus, 0, len(names))
	for _, name := range names {
		st := j.Get(name).Status()
		st.Name = name
		out = append(out, st)
	}
	return out
}

// Package scheduler runs named maintenance jobs on wall-clock schedules.
//
// Each job keeps its own next-due time. The loop wakes on a fixed tick and
// runs every overdue job once, in registration order, however many slots
// were missed while the process was busy or asleep. Failures and panics are
// logged and recorded, and the job waits for its next slot.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nicktill/sensorvault/pkg/clock"
	"github.com/nicktill/sensorvault/pkg/config"
	"github.com/nicktill/sensorvault/pkg/logging"
)

// ErrUnknownJob is returned by Trigger for an unregistered name.
var ErrUnknownJob = errors.New("unknown job")

// Job is a named unit of maintenance work.
type Job struct {
	Name     string
	Schedule Schedule
	Run      func(ctx context.Context) error
}

// MaintenanceError wraps a failed or panicking job run.
type MaintenanceError struct {
	Job   string
	Err   error
	Panic bool
}

func (e *MaintenanceError) Error() string {
	if e.Panic {
		return fmt.Sprintf("maintenance job %q panicked: %v", e.Job, e.Err)
	}
	return fmt.Sprintf("maintenance job %q failed: %v", e.Job, e.Err)
}

func (e *MaintenanceError) Unwrap() error { return e.Err }

// Recorder receives the outcome of every run.
type Recorder interface {
	RecordSuccess(job string, took time.Duration)
	RecordFailure(job string, took time.Duration, err error)
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	NextDue  time.Time `json:"next_due"`
}

type entry struct {
	job     Job
	nextDue time.Time
}

// Scheduler owns the registered jobs and their next-due times.
type Scheduler struct {
	mu       sync.Mutex // guards jobs
	runMu    sync.Mutex // serializes job execution
	jobs     []*entry
	clock    clock.Clock
	recorder Recorder
	log      *slog.Logger
}

// New creates a scheduler. A nil clock means the wall clock; recorder may
// be nil.
func New(c clock.Clock, recorder Recorder) *Scheduler {
	if c == nil {
		c = clock.Real()
	}
	return &Scheduler{
		clock:    c,
		recorder: recorder,
		log:      logging.Component("scheduler"),
	}
}

// Register adds a job. Its first due time is the schedule's next slot after
// now, so nothing runs at registration.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" {
		return errors.New("job name is required")
	}
	if job.Schedule == nil {
		return fmt.Errorf("job %q: schedule is required", job.Name)
	}
	if job.Run == nil {
		return fmt.Errorf("job %q: run function is required", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.jobs {
		if e.job.Name == job.Name {
			return fmt.Errorf("job %q already registered", job.Name)
		}
	}
	next := job.Schedule.Next(s.clock.Now())
	s.jobs = append(s.jobs, &entry{job: job, nextDue: next})
	s.log.Info("job registered", "job", job.Name, "schedule", job.Schedule.String(), "next_due", next)
	return nil
}

// Jobs returns the registered jobs in registration order.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, JobInfo{Name: e.job.Name, Schedule: e.job.Schedule.String(), NextDue: e.nextDue})
	}
	return out
}

// Run ticks every interval until ctx is cancelled. It returns nil on
// cancellation.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = config.DefaultTickInterval
	}
	s.log.Info("scheduler started", "tick", interval, "jobs", len(s.Jobs()))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-s.clock.After(interval):
			s.Tick(ctx, s.clock.Now())
		}
	}
}

// Tick runs every job due at now, in registration order, and returns the
// errors of the jobs that failed. Each job that ran moves to its next slot
// after now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []error {
	s.mu.Lock()
	var due []*entry
	for _, e := range s.jobs {
		if !now.Before(e.nextDue) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		if err := s.execute(ctx, e.job); err != nil {
			errs = append(errs, err)
		}
		s.mu.Lock()
		e.nextDue = e.job.Schedule.Next(now)
		s.mu.Unlock()
	}
	return errs
}

// Trigger runs the named job immediately without moving its next-due time.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	var job *Job
	for _, e := range s.jobs {
		if e.job.Name == name {
			j := e.job
			job = &j
			break
		}
	}
	s.mu.Unlock()
	if job == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, *job)
}

func (s *Scheduler) execute(ctx context.Context, job Job) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	log := s.log.With("job", job.Name)
	log.Info("job started")
	start := s.clock.Now()

	err := safeRun(ctx, job)
	took := s.clock.Now().Sub(start)

	if err != nil {
		log.Error("job failed", "error", err, "took", took)
		if s.recorder != nil {
			s.recorder.RecordFailure(job.Name, took, err)
		}
		return err
	}
	log.Info("job finished", "took", took)
	if s.recorder != nil {
		s.recorder.RecordSuccess(job.Name, took)
	}
	return nil
}

func safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &MaintenanceError{Job: job.Name, Err: fmt.Errorf("%v", r), Panic: true}
		}
	}()
	if runErr := job.Run(ctx); runErr != nil {
		return &MaintenanceError{Job: job.Name, Err: runErr}
	}
	return nil
}

package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nicktill/sensorvault/pkg/config"
	"github.com/nicktill/sensorvault/pkg/scheduler"
	"github.com/nicktill/sensorvault/pkg/storage"
)

// Job names, in registration order.
const (
	JobDailyMaintenance  = "daily-maintenance"
	JobHourlyAggregation = "hourly-aggregation"
	JobStoreGC           = "store-gc"
)

type scheduledJob struct {
	job   scheduler.Job
	stale time.Duration
}

// registerMaintenance registers the maintenance jobs. A job that has
// succeeded before but not within twice its period is reported unhealthy.
func (s *Server) registerMaintenance(loc *time.Location) error {
	m := s.cfg.Maintenance

	jobs := []scheduledJob{
		{scheduler.Job{
			Name:     JobDailyMaintenance,
			Schedule: scheduler.Daily{Hour: m.DailyHour, Minute: m.DailyMinute, Location: loc},
			Run:      s.runDailyMaintenance,
		}, 48 * time.Hour},
		{scheduler.Job{
			Name:     JobHourlyAggregation,
			Schedule: scheduler.Hourly{Minute: m.AggregationMinute, Location: loc},
			Run:      s.runAggregation,
		}, 2 * time.Hour},
	}
	if gc, ok := s.Store.(storage.GarbageCollector); ok {
		jobs = append(jobs, scheduledJob{scheduler.Job{
			Name:     JobStoreGC,
			Schedule: scheduler.Every{Interval: m.GCInterval},
			Run:      func(context.Context) error { return gc.RunGC(config.GCDiscardRatio) },
		}, 0})
	}

	for _, j := range jobs {
		if err := s.Scheduler.Register(j.job); err != nil {
			return fmt.Errorf("failed to register %s: %w", j.job.Name, err)
		}
		s.Jobs.Track(j.job.Name, j.stale)
	}
	return nil
}

// runDailyMaintenance deletes expired readings and then takes a backup.
// The backup runs even if the deletion failed.
func (s *Server) runDailyMaintenance(ctx context.Context) error {
	var errs []error
	if _, err := s.cleaner.Run(ctx); err != nil {
		errs = append(errs, fmt.Errorf("retention: %w", err))
	}
	if s.Backups != nil {
		if _, err := s.Backups.CreateBackup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("backup: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) runAggregation(ctx context.Context) error {
	res, err := s.aggr.Run(ctx)
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		// Recorded as a failure for health, though the other buckets landed.
		return fmt.Errorf("%d of %d buckets failed to insert", res.Failed, res.Failed+res.Created)
	}
	return nil
}

// RunMaintenance runs the scheduler loop until ctx is cancelled.
func (s *Server) RunMaintenance(ctx context.Context) error {
	return s.Scheduler.Run(ctx, s.cfg.Maintenance.TickInterval)
}

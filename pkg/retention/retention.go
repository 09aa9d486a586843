// Package retention deletes raw readings that have aged out.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nicktill/sensorvault/pkg/clock"
	"github.com/nicktill/sensorvault/pkg/config"
	"github.com/nicktill/sensorvault/pkg/logging"
	"github.com/nicktill/sensorvault/pkg/storage"
)

// Cleaner removes readings whose device timestamp is older than the
// retention window. Buckets are kept.
type Cleaner struct {
	store     storage.Store
	clock     clock.Clock
	retention time.Duration
	log       *slog.Logger
}

// NewCleaner creates a cleaner. Zero retention means config.DefaultRetention;
// a nil clock means the wall clock.
func NewCleaner(store storage.Store, retention time.Duration, c clock.Clock) *Cleaner {
	if retention <= 0 {
		retention = config.DefaultRetention
	}
	if c == nil {
		c = clock.Real()
	}
	return &Cleaner{
		store:     store,
		clock:     c,
		retention: retention,
		log:       logging.Component("retention"),
	}
}

// Cutoff returns the unix-second timestamp below which readings are deleted.
func (c *Cleaner) Cutoff() int64 {
	return c.clock.Now().Add(-c.retention).Unix()
}

// Run deletes readings with timestamp < Cutoff() and returns the count.
func (c *Cleaner) Run(ctx context.Context) (int, error) {
	cutoff := c.Cutoff()
	deleted, err := c.store.DeleteReadingsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete readings older than %d: %w", cutoff, err)
	}
	c.log.Info("old readings deleted", "deleted", deleted, "cutoff", cutoff, "retention", c.retention)
	return deleted, nil
}

// Package server wires the storage, ingest, query and maintenance
// components into one HTTP service.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/sensorvault/pkg/aggregate"
	"github.com/nicktill/sensorvault/pkg/backup"
	"github.com/nicktill/sensorvault/pkg/clock"
	"github.com/nicktill/sensorvault/pkg/config"
	"github.com/nicktill/sensorvault/pkg/export"
	"github.com/nicktill/sensorvault/pkg/ingest"
	"github.com/nicktill/sensorvault/pkg/logging"
	"github.com/nicktill/sensorvault/pkg/query"
	"github.com/nicktill/sensorvault/pkg/retention"
	"github.com/nicktill/sensorvault/pkg/scheduler"
	"github.com/nicktill/sensorvault/pkg/server/monitor"
	"github.com/nicktill/sensorvault/pkg/storage"
	"github.com/nicktill/sensorvault/pkg/storage/badger"
)

// Options overrides parts of the wiring, mainly for tests.
type Options struct {
	// Clock drives schedules, retention and timestamps. Default: wall clock.
	Clock clock.Clock
	// Store replaces the badger store opened from Config.DataDir.
	Store storage.Store
}

// Server owns every long-lived component.
type Server struct {
	cfg   *config.Config
	clock clock.Clock
	log   *slog.Logger
	start time.Time

	Store          storage.Store
	Hub            *ingest.ReadingsHub
	Scheduler      *scheduler.Scheduler
	Jobs           *monitor.Jobs
	StorageMonitor *monitor.StorageMonitor
	Backups        *backup.Manager

	ingest  *ingest.Handler
	query   *query.Handler
	export  *export.Handler
	router  *mux.Router
	aggr    *aggregate.Engine
	cleaner *retention.Cleaner
}

// InitializeStorage opens the badger store in cfg.DataDir.
func InitializeStorage(cfg *config.Config, c clock.Clock) (*badger.Storage, error) {
	log := logging.Component("server")
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	log.Info("opening badger storage", "path", cfg.DataDir, "max_memory_mb", cfg.MaxMemoryMB)
	store, err := badger.New(badger.Config{
		Path:        cfg.DataDir,
		MaxMemoryMB: cfg.MaxMemoryMB,
		Clock:       c,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return store, nil
}

// New builds a Server from cfg. The returned server owns the store and
// must be closed.
func New(cfg *config.Config, opts Options) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	keys, err := cfg.Keyring()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	store := opts.Store
	if store == nil {
		if store, err = InitializeStorage(cfg, c); err != nil {
			return nil, err
		}
	}

	s := &Server{
		cfg:            cfg,
		clock:          c,
		log:            logging.Component("server"),
		start:          c.Now(),
		Store:          store,
		Hub:            ingest.NewReadingsHub(cfg.CORS.AllowedOrigins),
		Jobs:           monitor.NewJobs(c),
		StorageMonitor: monitor.NewStorageMonitor(cfg.DataDir, cfg.BackupDir, 0, c),
		aggr:           aggregate.New(store),
		cleaner:        retention.NewCleaner(store, cfg.Maintenance.Retention, c),
	}

	pipeline := ingest.NewPipeline(ingest.PipelineConfig{
		Keys:     keys,
		Store:    store,
		Retry:    ingest.RetryPolicy{Attempts: cfg.Ingest.RetryAttempts, Delay: cfg.Ingest.RetryDelay},
		Clock:    c,
		Notifier: s.Hub,
	})
	s.ingest = ingest.NewHandler(pipeline, cfg.Ingest.MaxBodyBytes)
	s.query = query.NewHandler(query.NewService(store, c))
	s.export = export.NewHandler(store, c)

	if snap, ok := store.(storage.Snapshotter); ok {
		s.Backups = backup.NewManager(snap, backup.Config{
			Dir:       cfg.BackupDir,
			Retention: cfg.Maintenance.BackupRetention,
			Location:  loc,
			Clock:     c,
		})
	} else {
		s.log.Warn("store does not support snapshots, backups disabled")
	}

	s.Scheduler = scheduler.New(c, s.Jobs)
	if err := s.registerMaintenance(loc); err != nil {
		store.Close()
		return nil, err
	}

	s.router = mux.NewRouter()
	s.SetupRoutes(s.router)

	s.log.Info("server initialized", "listen", cfg.Listen, "keys", keys.IDs(),
		"data_dir", cfg.DataDir, "backup_dir", cfg.BackupDir, "timezone", loc.String())
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// HTTPServer returns an http.Server for the configured listen address.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}
}

// Close closes the store.
func (s *Server) Close() error {
	if err := s.Store.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	s.log.Info("storage closed")
	return nil
}

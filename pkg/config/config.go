package config

import "time"

// Server defaults
const (
	DefaultListen      = "0.0.0.0:8888"
	DefaultDataDir     = "./data/sensorvault"
	DefaultBackupDir   = "./backups"
	DefaultMaxMemoryMB = 48
	DefaultCORSOrigin  = "http://localhost:3000"

	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 15 * time.Second
	ShutdownTimeout    = 30 * time.Second
)

// Maintenance schedule
const (
	DefaultTickInterval      = 60 * time.Second
	DefaultDailyHour         = 2
	DefaultDailyMinute       = 0
	DefaultAggregationMinute = 0
	DefaultRetention         = 30 * 24 * time.Hour
	DefaultBackupRetention   = 7 * 24 * time.Hour
	DefaultGCInterval        = 10 * time.Minute
	GCDiscardRatio           = 0.5
)

// Ingest retry and limits
const (
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 1 * time.Second
	DefaultMaxBodyBytes  = 64 << 10
)

// Query defaults
const (
	RecentReadingsLimit = 20
	AggregatedWindow    = 24 * time.Hour
	DefaultStatsWindow  = 24 * time.Hour
	MaxStatsWindow      = 30 * 24 * time.Hour
	QueryTimeout        = 30 * time.Second
)

// Export defaults and limits
const (
	DefaultExportWindow = 24 * time.Hour
	MaxExportWindow     = 30 * 24 * time.Hour
	MaxImportBatchSize  = 5000
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

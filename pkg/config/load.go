package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/nicktill/sensorvault/pkg/cipher"
)

// Config is the full server configuration.
type Config struct {
	Listen      string            `yaml:"listen"`
	DataDir     string            `yaml:"data_dir"`
	BackupDir   string            `yaml:"backup_dir"`
	MaxMemoryMB int64             `yaml:"max_memory_mb"`
	Keys        KeysConfig        `yaml:"keys"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Ingest      IngestConfig      `yaml:"ingest"`
	CORS        CORSConfig        `yaml:"cors"`
	Log         LogConfig         `yaml:"log"`
}

// KeysConfig holds the device decryption keys, as 64 hex characters or 32
// raw characters each.
type KeysConfig struct {
	Default string            `yaml:"default"`
	Entries map[string]string `yaml:"entries"`
}

type MaintenanceConfig struct {
	TickInterval      time.Duration `yaml:"tick_interval"`
	DailyHour         int           `yaml:"daily_hour"`
	DailyMinute       int           `yaml:"daily_minute"`
	AggregationMinute int           `yaml:"aggregation_minute"`
	Timezone          string        `yaml:"timezone"`
	Retention         time.Duration `yaml:"retention"`
	BackupRetention   time.Duration `yaml:"backup_retention"`
	GCInterval        time.Duration `yaml:"gc_interval"`
}

type IngestConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxBodyBytes  int64         `yaml:"max_body_bytes"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the built-in configuration. It has no decryption key.
func Default() *Config {
	return &Config{
		Listen:      DefaultListen,
		DataDir:     DefaultDataDir,
		BackupDir:   DefaultBackupDir,
		MaxMemoryMB: DefaultMaxMemoryMB,
		Keys: KeysConfig{
			Default: cipher.DefaultKeyID,
			Entries: map[string]string{},
		},
		Maintenance: MaintenanceConfig{
			TickInterval:      DefaultTickInterval,
			DailyHour:         DefaultDailyHour,
			DailyMinute:       DefaultDailyMinute,
			AggregationMinute: DefaultAggregationMinute,
			Timezone:          "Local",
			Retention:         DefaultRetention,
			BackupRetention:   DefaultBackupRetention,
			GCInterval:        DefaultGCInterval,
		},
		Ingest: IngestConfig{
			RetryAttempts: DefaultRetryAttempts,
			RetryDelay:    DefaultRetryDelay,
			MaxBodyBytes:  DefaultMaxBodyBytes,
		},
		CORS: CORSConfig{AllowedOrigins: []string{DefaultCORSOrigin}},
		Log:  LogConfig{Level: "info"},
	}
}

// Flags are the command-line overrides registered by RegisterFlags.
type Flags struct {
	fs *pflag.FlagSet

	ConfigFile string
	Listen     string
	DataDir    string
	BackupDir  string
	AESKey     string
	LogLevel   string
	LogJSON    bool
}

// RegisterFlags adds the configuration flags to fs.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVarP(&f.ConfigFile, "config", "c", "", "path to a YAML config file")
	fs.StringVar(&f.Listen, "listen", "", "HTTP listen address (default "+DefaultListen+")")
	fs.StringVar(&f.DataDir, "data-dir", "", "badger data directory")
	fs.StringVar(&f.BackupDir, "backup-dir", "", "backup directory")
	fs.StringVar(&f.AESKey, "aes-key", "", "default device key (64 hex or 32 raw characters)")
	fs.StringVar(&f.LogLevel, "log-level", "", "debug, info, warn or error")
	fs.BoolVar(&f.LogJSON, "log-json", false, "log as JSON")
	return f
}

// Load builds the configuration: defaults, then the YAML file, then the
// environment, then flags that were set explicitly. fs must already be parsed.
func Load(f *Flags, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()

	path := f.ConfigFile
	if path == "" {
		path = getenv("SENSORVAULT_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv(getenv)
	cfg.applyFlags(f)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if port := getenv("PORT"); port != "" {
		c.Listen = "0.0.0.0:" + port
	}
	setString(&c.Listen, getenv("SENSORVAULT_LISTEN"))
	setString(&c.DataDir, getenv("SENSORVAULT_DATA_DIR"))
	setString(&c.BackupDir, getenv("SENSORVAULT_BACKUP_DIR"))
	setString(&c.Log.Level, getenv("SENSORVAULT_LOG_LEVEL"))
	setString(&c.Maintenance.Timezone, getenv("SENSORVAULT_TIMEZONE"))
	if key := getenv("SENSORVAULT_AES_KEY"); key != "" {
		c.setDefaultKey(key)
	}
	if v := getenv("SENSORVAULT_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Log.JSON = b
		} else {
			slog.Warn("invalid env value, keeping previous", "key", "SENSORVAULT_LOG_JSON", "value", v)
		}
	}
	if v := getenv("SENSORVAULT_MAX_MEMORY_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxMemoryMB = n
		} else {
			slog.Warn("invalid env value, keeping previous", "key", "SENSORVAULT_MAX_MEMORY_MB", "value", v)
		}
	}
}

func (c *Config) applyFlags(f *Flags) {
	if f == nil || f.fs == nil {
		return
	}
	changed := f.fs.Changed
	if changed("listen") {
		c.Listen = f.Listen
	}
	if changed("data-dir") {
		c.DataDir = f.DataDir
	}
	if changed("backup-dir") {
		c.BackupDir = f.BackupDir
	}
	if changed("aes-key") {
		c.setDefaultKey(f.AESKey)
	}
	if changed("log-level") {
		c.Log.Level = f.LogLevel
	}
	if changed("log-json") {
		c.Log.JSON = f.LogJSON
	}
}

func (c *Config) setDefaultKey(key string) {
	if c.Keys.Entries == nil {
		c.Keys.Entries = map[string]string{}
	}
	if c.Keys.Default == "" {
		c.Keys.Default = cipher.DefaultKeyID
	}
	c.Keys.Entries[c.Keys.Default] = key
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is empty"))
	}
	if c.BackupDir == "" {
		errs = append(errs, errors.New("backup_dir is empty"))
	}
	if _, err := c.Keyring(); err != nil {
		errs = append(errs, fmt.Errorf("keys: %w", err))
	}

	m := c.Maintenance
	for name, d := range map[string]time.Duration{
		"maintenance.tick_interval":    m.TickInterval,
		"maintenance.retention":        m.Retention,
		"maintenance.backup_retention": m.BackupRetention,
		"maintenance.gc_interval":      m.GCInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}
	if m.DailyHour < 0 || m.DailyHour > 23 {
		errs = append(errs, fmt.Errorf("maintenance.daily_hour out of range: %d", m.DailyHour))
	}
	if m.DailyMinute < 0 || m.DailyMinute > 59 {
		errs = append(errs, fmt.Errorf("maintenance.daily_minute out of range: %d", m.DailyMinute))
	}
	if m.AggregationMinute < 0 || m.AggregationMinute > 59 {
		errs = append(errs, fmt.Errorf("maintenance.aggregation_minute out of range: %d", m.AggregationMinute))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	if c.Ingest.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("ingest.retry_attempts must be at least 1, got %d", c.Ingest.RetryAttempts))
	}
	if c.Ingest.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("ingest.retry_delay must not be negative, got %v", c.Ingest.RetryDelay))
	}
	if c.Ingest.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("ingest.max_body_bytes must be positive, got %d", c.Ingest.MaxBodyBytes))
	}

	return errors.Join(errs...)
}

// Keyring builds the decryption keyring.
func (c *Config) Keyring() (*cipher.Keyring, error) {
	if len(c.Keys.Entries) == 0 {
		return nil, errors.New("no decryption key configured (set SENSORVAULT_AES_KEY or --aes-key)")
	}
	return cipher.NewKeyring(c.Keys.Default, c.Keys.Entries)
}

// Location resolves the timezone used for wall-clock schedules.
func (c *Config) Location() (*time.Location, error) {
	switch strings.TrimSpace(c.Maintenance.Timezone) {
	case "", "Local", "local":
		return time.Local, nil
	default:
		loc, err := time.LoadLocation(c.Maintenance.Timezone)
		if err != nil {
			return nil, fmt.Errorf("maintenance.timezone: %w", err)
		}
		return loc, nil
	}
}

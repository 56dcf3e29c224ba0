// Package config loads the YAML configuration of the graph engine and
// builds the store, logger and client it describes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"graphengine/engine"
	"graphengine/lock"
	"graphengine/store"
	"graphengine/store/boltstore"
	"graphengine/store/memstore"
	"graphengine/store/sqlstore"
)

// Backend names accepted in store.backend.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
)

// Config is the root of the configuration file.
type Config struct {
	Store  StoreConfig  `yaml:"store"`
	Graph  GraphConfig  `yaml:"graph"`
	Lease  LeaseConfig  `yaml:"lease"`
	Engine EngineConfig `yaml:"engine"`
	Log    LogConfig    `yaml:"log"`
}

// StoreConfig selects the backend.
type StoreConfig struct {
	// Backend is one of memory, bolt or sqlite.
	Backend string `yaml:"backend"`
	// Path is the database file for bolt and sqlite.
	Path string `yaml:"path"`
}

// GraphConfig names the graph inside the store.
type GraphConfig struct {
	Path string `yaml:"path"`
}

// LeaseConfig tunes lease arbitration.
type LeaseConfig struct {
	SharedDuration time.Duration `yaml:"shared_duration"`
	BreakExisting  bool          `yaml:"break_existing"`
}

// EngineConfig tunes command execution.
type EngineConfig struct {
	CheckpointOnWrite bool `yaml:"checkpoint_on_write"`
	CacheSize         int  `yaml:"cache_size"`
	RetryAttempts     uint `yaml:"retry_attempts"`
}

// LogConfig sets up logrus.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Backend: BackendBolt, Path: "graph.db"},
		Graph: GraphConfig{Path: engine.DefaultPath},
		Lease: LeaseConfig{SharedDuration: lock.DefaultSharedDuration},
		Engine: EngineConfig{
			CheckpointOnWrite: true,
			CacheSize:         engine.DefaultCacheSize,
			RetryAttempts:     1,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// Unknown keys are an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	logrus.WithFields(logrus.Fields{
		"component": "Config",
		"path":      path,
		"backend":   cfg.Store.Backend,
	}).Debug("Configuration loaded")
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks values the engine cannot work with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory:
	case BackendBolt, BackendSQLite:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for the %s backend", c.Store.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	if c.Graph.Path == "" {
		errs = append(errs, errors.New("graph.path is required"))
	}
	if c.Lease.SharedDuration <= lock.SafetyMargin {
		errs = append(errs, fmt.Errorf("lease.shared_duration must be longer than %s", lock.SafetyMargin))
	}
	if c.Engine.CacheSize < 0 {
		errs = append(errs, errors.New("engine.cache_size must not be negative"))
	}
	if c.Engine.RetryAttempts == 0 {
		errs = append(errs, errors.New("engine.retry_attempts must be at least 1"))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// SetupLogging applies the log section to the standard logrus logger.
func SetupLogging(cfg LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)
	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// OpenStore opens the configured backend.
func OpenStore(cfg StoreConfig) (store.Store, error) {
	log := logrus.WithFields(logrus.Fields{
		"component": "Config",
		"backend":   cfg.Backend,
		"path":      cfg.Path,
	})
	var (
		s   store.Store
		err error
	)
	switch cfg.Backend {
	case BackendMemory:
		s = memstore.New()
	case BackendBolt:
		s, err = boltstore.Open(cfg.Path)
	case BackendSQLite:
		s, err = sqlstore.OpenPath(cfg.Path)
	default:
		err = fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if err != nil {
		log.WithError(err).Error("Failed to open store")
		return nil, err
	}
	log.Info("Store opened")
	return s, nil
}

// ClientOptions translates the configuration into engine options. Lock
// metrics are registered with reg when it is not nil.
func (c *Config) ClientOptions(reg prometheus.Registerer) []engine.Option {
	lockOpts := []lock.Option{
		lock.WithSharedDuration(c.Lease.SharedDuration),
		lock.WithBreakExisting(c.Lease.BreakExisting),
	}
	if m := lock.NewMetrics(reg); m != nil {
		lockOpts = append(lockOpts, lock.WithMetrics(m))
	}
	return []engine.Option{
		engine.WithPath(c.Graph.Path),
		engine.WithCheckpointOnWrite(c.Engine.CheckpointOnWrite),
		engine.WithCacheSize(c.Engine.CacheSize),
		engine.WithRetry(c.Engine.RetryAttempts),
		engine.WithLockOptions(lockOpts...),
	}
}

// Package config loads replimail's deployment configuration.
//
// Settings come from a YAML file and are then overridden by environment
// variables:
//
//	REPLIMAIL_CONFIG     path of the YAML file (default: replimail.yaml, optional)
//	REPLIMAIL_DATA       data directory
//	REPLIMAIL_DAEMON     daemon websocket URL
//	REPLIMAIL_LOG_LEVEL  debug, info, warn or error
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/daviddao/replimail/pkg/wire"
)

// DefaultPath is read when REPLIMAIL_CONFIG is unset. It may be absent.
const DefaultPath = "replimail.yaml"

// Config is the configuration shared by every process of a deployment.
type Config struct {
	// Replicas is the fixed number of replicas.
	Replicas int `yaml:"replicas"`

	// DataDir holds one subdirectory per replica.
	DataDir string `yaml:"data_dir"`

	// BlockSize is the number of commands per command-log block file.
	BlockSize int64 `yaml:"block_size"`

	// CheckpointEvery is the number of applied commands between checkpoints.
	CheckpointEvery int `yaml:"checkpoint_every"`

	// GossipEvery is the number of applied commands between unsolicited
	// knowledge broadcasts. Zero disables gossip.
	GossipEvery int `yaml:"gossip_every"`

	// GCEvery is the number of knowledge merges that advanced the matrix
	// between garbage collections.
	GCEvery int `yaml:"gc_every"`

	// MaxSyncAttempts bounds the attempts of one view synchronization; a
	// round starts over whenever the peer view changes before it completes.
	// Zero means unbounded.
	MaxSyncAttempts int `yaml:"max_sync_attempts"`

	// SyncWrites fsyncs every command-log append.
	SyncWrites bool `yaml:"sync_writes"`

	Daemon DaemonConfig `yaml:"daemon"`
	Log    LogConfig    `yaml:"log"`
}

// DaemonConfig locates the group-communication daemon.
type DaemonConfig struct {
	// URL is where members dial the daemon.
	URL string `yaml:"url"`
	// Listen is the address the daemon binds.
	Listen string `yaml:"listen"`
}

// LogConfig controls the process log.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // auto | text | json
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Replicas:        5,
		DataDir:         ".replimail",
		BlockSize:       1000,
		CheckpointEvery: 100,
		GossipEvery:     50,
		GCEvery:         1,
		Daemon: DaemonConfig{
			URL:    "ws://127.0.0.1:4803/ws",
			Listen: "127.0.0.1:4803",
		},
		Log: LogConfig{Level: "info", Format: "auto"},
	}
}

// Load reads the file named by REPLIMAIL_CONFIG (or DefaultPath when unset
// and present), applies environment overrides and validates the result.
func Load() (Config, error) {
	path := os.Getenv("REPLIMAIL_CONFIG")
	required := path != ""
	if path == "" {
		path = DefaultPath
	}
	cfg, err := LoadFile(path)
	if errors.Is(err, os.ErrNotExist) && !required {
		cfg, err = Default(), nil
	}
	if err != nil {
		return Config{}, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFile parses the YAML file at path over the defaults. Unknown keys are
// rejected so typos do not pass silently.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DataDir = envOr("REPLIMAIL_DATA", c.DataDir)
	c.Daemon.URL = envOr("REPLIMAIL_DAEMON", c.Daemon.URL)
	c.Log.Level = envOr("REPLIMAIL_LOG_LEVEL", c.Log.Level)
}

// Validate rejects configurations no replica can run with.
func (c *Config) Validate() error {
	switch {
	case c.Replicas < 1 || c.Replicas > wire.MaxReplicas:
		return fmt.Errorf("replicas must be in [1, %d], got %d", wire.MaxReplicas, c.Replicas)
	case c.DataDir == "":
		return errors.New("data_dir is required")
	case c.BlockSize < 1:
		return fmt.Errorf("block_size must be positive, got %d", c.BlockSize)
	case c.CheckpointEvery < 1:
		return fmt.Errorf("checkpoint_every must be positive, got %d", c.CheckpointEvery)
	case c.GossipEvery < 0:
		return fmt.Errorf("gossip_every must not be negative, got %d", c.GossipEvery)
	case c.GCEvery < 1:
		return fmt.Errorf("gc_every must be positive, got %d", c.GCEvery)
	case c.MaxSyncAttempts < 0:
		return fmt.Errorf("max_sync_attempts must not be negative, got %d", c.MaxSyncAttempts)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("log.format must be auto, text or json, got %q", c.Log.Format)
	}
	return nil
}

// CheckReplica validates a 1-based replica id against the deployment.
func (c *Config) CheckReplica(id int) error {
	if id < 1 || id > c.Replicas {
		return fmt.Errorf("replica id must be in [1, %d], got %d", c.Replicas, id)
	}
	return nil
}

// ReplicaDir is the data directory of replica id (1-based).
func (c *Config) ReplicaDir(id int) string {
	return filepath.Join(c.DataDir, fmt.Sprintf("replica-%d", id))
}

// LogDir is where replica id keeps its command-log block files.
func (c *Config) LogDir(id int) string {
	return filepath.Join(c.ReplicaDir(id), "log")
}

// StorePath is replica id's checkpoint database.
func (c *Config) StorePath(id int) string {
	return filepath.Join(c.ReplicaDir(id), "replica.db")
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

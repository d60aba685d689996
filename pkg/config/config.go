// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config unified configuration structure
type Config struct {
	Node NodeConfig `yaml:"node"`
}

// NodeConfig ledger node configuration
type NodeConfig struct {
	NodeID string `yaml:"node_id"`

	Storage     StorageConfig     `yaml:"storage"`
	Engine      EngineConfig      `yaml:"engine"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Events      EventsConfig      `yaml:"events"`
	Sequencer   SequencerConfig   `yaml:"sequencer"`
	HTTP        HTTPConfig        `yaml:"http"`
	Log         LogConfig         `yaml:"log"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Reliability ReliabilityConfig `yaml:"reliability"`
}

// StorageConfig state database configuration
type StorageConfig struct {
	Backend string        `yaml:"backend"` // memory, leveldb or rocksdb. Default leveldb
	Path    string        `yaml:"path"`    // Default ./data/state
	LevelDB LevelDBConfig `yaml:"leveldb"`
	RocksDB RocksDBConfig `yaml:"rocksdb"`
}

// LevelDBConfig goleveldb configuration
type LevelDBConfig struct {
	BlockCacheCapacity int  `yaml:"block_cache_capacity"` // Default 8MB
	WriteBuffer        int  `yaml:"write_buffer"`         // Default 4MB
	Sync               bool `yaml:"sync"`                 // Default true
}

// RocksDBConfig RocksDB performance configuration
type RocksDBConfig struct {
	BlockCacheSize        uint64 `yaml:"block_cache_size"`          // Default 256MB
	WriteBufferSize       uint64 `yaml:"write_buffer_size"`         // Default 64MB
	MaxWriteBufferNumber  int    `yaml:"max_write_buffer_number"`   // Default 3
	MaxBackgroundJobs     int    `yaml:"max_background_jobs"`       // Default 4
	BloomFilterBitsPerKey int    `yaml:"bloom_filter_bits_per_key"` // Default 10
	MaxOpenFiles          int    `yaml:"max_open_files"`            // Default 10000
	UseFsync              bool   `yaml:"use_fsync"`                 // Default false (use fdatasync)
	Sync                  bool   `yaml:"sync"`                      // Default true
}

// EngineConfig state engine configuration
type EngineConfig struct {
	ExecutionTimeout time.Duration `yaml:"execution_timeout"` // Default 300s
	HistoryLimit     int           `yaml:"history_limit"`     // Default 100
	AdminKeys        []string      `yaml:"admin_keys"`        // Written to the genesis admin setting
}

// ExecutorConfig batch execution pipeline configuration
type ExecutorConfig struct {
	Workers   int `yaml:"workers"`    // Default 2
	QueueSize int `yaml:"queue_size"` // Default 64
}

// EventsConfig state event dealer configuration
type EventsConfig struct {
	HistorySize      int `yaml:"history_size"`      // Retained envelopes for replay, default 1024
	MaxSubscribers   int `yaml:"max_subscribers"`   // Default 128
	SubscriberBuffer int `yaml:"subscriber_buffer"` // Default 64
}

// SequencerConfig local sequencer configuration
type SequencerConfig struct {
	MaxBatchSize int           `yaml:"max_batch_size"` // Transactions per batch, default 100
	MaxWait      time.Duration `yaml:"max_wait"`       // Default 50ms
	QueueSize    int           `yaml:"queue_size"`     // Default 1024
}

// HTTPConfig HTTP API configuration
type HTTPConfig struct {
	ListenAddress  string        `yaml:"listen_address"`   // Default :8080
	RateLimitQPS   float64       `yaml:"rate_limit_qps"`   // Batch submissions per second, 0 means no limit
	RateLimitBurst int           `yaml:"rate_limit_burst"` // Default 100
	MaxStatusWait  time.Duration `yaml:"max_status_wait"`  // Upper bound for ?wait=, default 30s
	MaxBodySize    int64         `yaml:"max_body_size"`    // Default 4MB
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // Default 30s
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // Default 60s
}

// LogConfig log configuration
type LogConfig struct {
	Level            string            `yaml:"level"`              // Default info
	Encoding         string            `yaml:"encoding"`           // Default json
	OutputPaths      []string          `yaml:"output_paths"`       // Default ["stdout"]
	ErrorOutputPaths []string          `yaml:"error_output_paths"` // Default ["stderr"]
	Rotation         LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig file log rotation
type LogRotationConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxSizeMB  int  `yaml:"max_size_mb"`  // Default 100
	MaxBackups int  `yaml:"max_backups"`  // Default 10
	MaxAgeDays int  `yaml:"max_age_days"` // Default 30
	Compress   bool `yaml:"compress"`
}

// MonitoringConfig monitoring configuration
type MonitoringConfig struct {
	EnablePrometheus bool   `yaml:"enable_prometheus"` // Default true
	MetricsAddress   string `yaml:"metrics_address"`   // Dedicated listener, empty serves /metrics on the API port
}

// ReliabilityConfig reliability configuration
type ReliabilityConfig struct {
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`      // Default 30s
	DrainTimeout        time.Duration `yaml:"drain_timeout"`         // Default 5s
	EnablePanicRecovery bool          `yaml:"enable_panic_recovery"` // Default true
}

// Supported storage backends
var storageBackends = map[string]bool{"memory": true, "leveldb": true, "rocksdb": true}

// DefaultConfig returns a configuration with recommended default values
func DefaultConfig() *Config {
	cfg := &Config{
		Node: NodeConfig{
			Storage: StorageConfig{
				LevelDB: LevelDBConfig{Sync: true},
				RocksDB: RocksDBConfig{Sync: true},
			},
			Monitoring:  MonitoringConfig{EnablePrometheus: true},
			Reliability: ReliabilityConfig{EnablePanicRecovery: true},
		},
	}
	cfg.SetDefaults()
	return cfg
}

// LoadConfig loads configuration from a file.
// Fields missing in the file keep their default value.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.SetDefaults()
	cfg.OverrideFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadConfigOrDefault loads the file if it exists, otherwise uses defaults
func LoadConfigOrDefault(path string) (*Config, error) {
	if path != "" {
		cfg, err := LoadConfig(path)
		if err == nil {
			return cfg, nil
		}
		// File exists but has other error
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := DefaultConfig()
	cfg.OverrideFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SetDefaults fills every zero value with its default
func (c *Config) SetDefaults() {
	n := &c.Node

	if n.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			n.NodeID = host
		} else {
			n.NodeID = "ledger-0"
		}
	}

	// Storage defaults
	if n.Storage.Backend == "" {
		n.Storage.Backend = "leveldb"
	}
	if n.Storage.Path == "" {
		n.Storage.Path = "./data/state"
	}
	if n.Storage.LevelDB.BlockCacheCapacity == 0 {
		n.Storage.LevelDB.BlockCacheCapacity = 8 * 1024 * 1024
	}
	if n.Storage.LevelDB.WriteBuffer == 0 {
		n.Storage.LevelDB.WriteBuffer = 4 * 1024 * 1024
	}
	if n.Storage.RocksDB.BlockCacheSize == 0 {
		n.Storage.RocksDB.BlockCacheSize = 268435456 // 256MB
	}
	if n.Storage.RocksDB.WriteBufferSize == 0 {
		n.Storage.RocksDB.WriteBufferSize = 67108864 // 64MB
	}
	if n.Storage.RocksDB.MaxWriteBufferNumber == 0 {
		n.Storage.RocksDB.MaxWriteBufferNumber = 3
	}
	if n.Storage.RocksDB.MaxBackgroundJobs == 0 {
		n.Storage.RocksDB.MaxBackgroundJobs = 4
	}
	if n.Storage.RocksDB.BloomFilterBitsPerKey == 0 {
		n.Storage.RocksDB.BloomFilterBitsPerKey = 10
	}
	if n.Storage.RocksDB.MaxOpenFiles == 0 {
		n.Storage.RocksDB.MaxOpenFiles = 10000
	}

	// Engine defaults
	if n.Engine.ExecutionTimeout == 0 {
		n.Engine.ExecutionTimeout = 300 * time.Second
	}
	if n.Engine.HistoryLimit == 0 {
		n.Engine.HistoryLimit = 100
	}

	// Executor defaults
	if n.Executor.Workers == 0 {
		n.Executor.Workers = 2
	}
	if n.Executor.QueueSize == 0 {
		n.Executor.QueueSize = 64
	}

	// Events defaults
	if n.Events.HistorySize == 0 {
		n.Events.HistorySize = 1024
	}
	if n.Events.MaxSubscribers == 0 {
		n.Events.MaxSubscribers = 128
	}
	if n.Events.SubscriberBuffer == 0 {
		n.Events.SubscriberBuffer = 64
	}

	// Sequencer defaults
	if n.Sequencer.MaxBatchSize == 0 {
		n.Sequencer.MaxBatchSize = 100
	}
	if n.Sequencer.MaxWait == 0 {
		n.Sequencer.MaxWait = 50 * time.Millisecond
	}
	if n.Sequencer.QueueSize == 0 {
		n.Sequencer.QueueSize = 1024
	}

	// HTTP defaults
	if n.HTTP.ListenAddress == "" {
		n.HTTP.ListenAddress = ":8080"
	}
	if n.HTTP.RateLimitBurst == 0 {
		n.HTTP.RateLimitBurst = 100
	}
	if n.HTTP.MaxStatusWait == 0 {
		n.HTTP.MaxStatusWait = 30 * time.Second
	}
	if n.HTTP.MaxBodySize == 0 {
		n.HTTP.MaxBodySize = 4 * 1024 * 1024
	}
	if n.HTTP.ReadTimeout == 0 {
		n.HTTP.ReadTimeout = 30 * time.Second
	}
	if n.HTTP.WriteTimeout == 0 {
		n.HTTP.WriteTimeout = 60 * time.Second
	}

	// Log defaults
	if n.Log.Level == "" {
		n.Log.Level = "info"
	}
	if n.Log.Encoding == "" {
		n.Log.Encoding = "json"
	}
	if len(n.Log.OutputPaths) == 0 {
		n.Log.OutputPaths = []string{"stdout"}
	}
	if len(n.Log.ErrorOutputPaths) == 0 {
		n.Log.ErrorOutputPaths = []string{"stderr"}
	}
	if n.Log.Rotation.MaxSizeMB == 0 {
		n.Log.Rotation.MaxSizeMB = 100
	}
	if n.Log.Rotation.MaxBackups == 0 {
		n.Log.Rotation.MaxBackups = 10
	}
	if n.Log.Rotation.MaxAgeDays == 0 {
		n.Log.Rotation.MaxAgeDays = 30
	}

	// Reliability defaults
	if n.Reliability.ShutdownTimeout == 0 {
		n.Reliability.ShutdownTimeout = 30 * time.Second
	}
	if n.Reliability.DrainTimeout == 0 {
		n.Reliability.DrainTimeout = 5 * time.Second
	}
}

// OverrideFromEnv overrides configuration from LEDGER_* environment variables
func (c *Config) OverrideFromEnv() {
	n := &c.Node

	if v := os.Getenv("LEDGER_NODE_ID"); v != "" {
		n.NodeID = v
	}
	if v := os.Getenv("LEDGER_LISTEN_ADDRESS"); v != "" {
		n.HTTP.ListenAddress = v
	}
	if v := os.Getenv("LEDGER_STORAGE_BACKEND"); v != "" {
		n.Storage.Backend = v
	}
	if v := os.Getenv("LEDGER_STORAGE_PATH"); v != "" {
		n.Storage.Path = v
	}
	if v := os.Getenv("LEDGER_ADMIN_KEYS"); v != "" {
		n.Engine.AdminKeys = splitList(v)
	}
	if v := os.Getenv("LEDGER_EXECUTION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			n.Engine.ExecutionTimeout = d
		}
	}
	if v := os.Getenv("LEDGER_HISTORY_LIMIT"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil {
			n.Engine.HistoryLimit = limit
		}
	}

	// Log configuration
	if v := os.Getenv("LEDGER_LOG_LEVEL"); v != "" {
		n.Log.Level = v
	}
	if v := os.Getenv("LEDGER_LOG_ENCODING"); v != "" {
		n.Log.Encoding = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate validates the configuration
func (c *Config) Validate() error {
	n := &c.Node

	if !storageBackends[n.Storage.Backend] {
		return fmt.Errorf("storage.backend %q is not supported (memory, leveldb, rocksdb)", n.Storage.Backend)
	}
	if n.Storage.Backend != "memory" && n.Storage.Path == "" {
		return fmt.Errorf("storage.path is required for the %s backend", n.Storage.Backend)
	}

	if n.Engine.ExecutionTimeout <= 0 {
		return fmt.Errorf("engine.execution_timeout must be > 0")
	}
	if n.Engine.HistoryLimit <= 0 {
		return fmt.Errorf("engine.history_limit must be > 0")
	}
	for _, key := range n.Engine.AdminKeys {
		if strings.Contains(key, ",") {
			return fmt.Errorf("engine.admin_keys entry %q must not contain a comma", key)
		}
	}

	if n.Executor.Workers <= 0 {
		return fmt.Errorf("executor.workers must be > 0")
	}
	if n.Executor.QueueSize <= 0 {
		return fmt.Errorf("executor.queue_size must be > 0")
	}

	if n.Events.HistorySize < 0 || n.Events.MaxSubscribers <= 0 || n.Events.SubscriberBuffer <= 0 {
		return fmt.Errorf("events.max_subscribers and events.subscriber_buffer must be > 0, history_size >= 0")
	}

	if n.Sequencer.MaxBatchSize <= 0 {
		return fmt.Errorf("sequencer.max_batch_size must be > 0")
	}
	if n.Sequencer.MaxWait <= 0 {
		return fmt.Errorf("sequencer.max_wait must be > 0")
	}

	if n.HTTP.RateLimitQPS < 0 {
		return fmt.Errorf("http.rate_limit_qps must be >= 0")
	}
	if n.HTTP.RateLimitQPS > 0 && n.HTTP.RateLimitBurst <= 0 {
		return fmt.Errorf("http.rate_limit_burst must be > 0 when rate limiting is enabled")
	}
	if n.HTTP.MaxBodySize <= 0 {
		return fmt.Errorf("http.max_body_size must be > 0")
	}

	switch n.Log.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("log.encoding must be json or console, got %q", n.Log.Encoding)
	}

	return nil
}

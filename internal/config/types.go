package config

import (
	"time"

	"github.com/mattjoyce/ocrbridge/internal/capability"
)

// Config represents the complete ocrbridge configuration.
type Config struct {
	Include []string `yaml:"include,omitempty"`

	Service ServiceConfig `yaml:"service"`
	Worker  WorkerConfig  `yaml:"worker"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Network NetworkConfig `yaml:"network"`
	API     APIConfig     `yaml:"api,omitempty"`
	Journal JournalConfig `yaml:"journal"`

	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// WorkerConfig describes the engine a worker brings up.
type WorkerConfig struct {
	Languages    []string          `yaml:"languages"`
	Mode         string            `yaml:"mode"` // tesseract_only, lstm_only, combined, default or 0-3
	EngineConfig map[string]string `yaml:"engine_config,omitempty"`
	CorePath     string            `yaml:"core_path,omitempty"`
	LangPath     string            `yaml:"lang_path,omitempty"`
	DataPath     string            `yaml:"data_path,omitempty"`
	CachePath    string            `yaml:"cache_path,omitempty"`
	CacheMethod  string            `yaml:"cache_method"`
	Gzip         *bool             `yaml:"gzip,omitempty"`
	LegacyCore   bool              `yaml:"legacy_core"`
	LegacyLang   bool              `yaml:"legacy_lang"`
	Spawn        string            `yaml:"spawn"` // inprocess or subprocess
	WorkerPath   string            `yaml:"worker_path,omitempty"`
	IDSource     string            `yaml:"id_source"` // counter or uuid
}

// Id sources for worker and job ids.
const (
	IDSourceCounter = "counter"
	IDSourceUUID    = "uuid"
)

// Spawn strategies.
const (
	SpawnInProcess  = "inprocess"
	SpawnSubprocess = "subprocess"
)

// SandboxConfig defines where the host keeps a worker's files.
type SandboxConfig struct {
	Dir        string `yaml:"dir"`
	Backend    string `yaml:"backend"` // fs or sqlite
	SQLitePath string `yaml:"sqlite_path,omitempty"`
}

// Storage backends.
const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
)

// NetworkConfig governs fetches made on behalf of the sandbox.
type NetworkConfig struct {
	Timeout  time.Duration       `yaml:"timeout"`
	MaxBytes int64               `yaml:"max_bytes"`
	Mirrors  []capability.Mirror `yaml:"mirrors,omitempty"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// JournalConfig defines the job journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MaintenanceConfig governs periodic pruning while serving.
type MaintenanceConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	CacheRetention   time.Duration `yaml:"cache_retention"`
	JournalRetention time.Duration `yaml:"journal_retention"`
}

// Defaults returns a Config with the default settings.
func Defaults() *Config {
	gzip := true
	return &Config{
		Service: ServiceConfig{
			Name:     "ocrbridge",
			LogLevel: "info",
		},
		Worker: WorkerConfig{
			Languages:   []string{"eng"},
			Mode:        "default",
			CacheMethod: "write",
			Gzip:        &gzip,
			Spawn:       SpawnInProcess,
			IDSource:    IDSourceCounter,
		},
		Sandbox: SandboxConfig{
			Dir:     "./data/sandbox",
			Backend: BackendFS,
		},
		Network: NetworkConfig{
			Timeout:  60 * time.Second,
			MaxBytes: 64 << 20,
			Mirrors:  capability.DefaultMirrors,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Journal: JournalConfig{
			Enabled: false,
			Path:    "./data/journal.db",
		},
		Maintenance: MaintenanceConfig{
			Enabled:          false,
			Interval:         time.Hour,
			CacheRetention:   30 * 24 * time.Hour,
			JournalRetention: 7 * 24 * time.Hour,
		},
	}
}

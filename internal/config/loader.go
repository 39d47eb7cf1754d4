package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/ocrbridge/internal/engine"
	"github.com/mattjoyce/ocrbridge/internal/pending"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or a directory holding
// config.yaml. Files listed under include are merged in order.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with -config", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{absPath: true}
	if len(cfg.Include) > 0 {
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	cfg = applyConfigDefaults(cfg)

	paths := make([]string, 0, len(visited))
	for p := range visited {
		paths = append(paths, p)
	}
	if err := verifyAllConfigHashes(paths); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds a config file. Priority order: $OCRBRIDGE_CONFIG,
// ~/.config/ocrbridge/config.yaml, /etc/ocrbridge/config.yaml, ./config.yaml.
func Discover() (string, error) {
	var candidates []string
	if p := os.Getenv("OCRBRIDGE_CONFIG"); p != "" {
		candidates = append(candidates, p)
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "ocrbridge", "config.yaml"))
	}
	candidates = append(candidates, "/etc/ocrbridge/config.yaml", "./config.yaml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: %s)", strings.Join(candidates, ", "))
}

// loadIncludes recursively loads and merges files from the include array.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)

		resolvedPath := includePath
		if !filepath.IsAbs(includePath) {
			resolvedPath = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		if _, err := os.Stat(absPath); err != nil {
			return fmt.Errorf("include[%d]: file not found: %s\n"+
				"Referenced from: %s", i, absPath, baseDir)
		}
		visited[absPath] = true

		included, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		mergeConfig(cfg, included)

		if len(included.Include) > 0 {
			if err := loadIncludes(cfg, included.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// mergeConfig merges src into dst, with src taking precedence for non-zero values.
func mergeConfig(dst, src *Config) {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}

	w, sw := &dst.Worker, src.Worker
	if len(sw.Languages) > 0 {
		w.Languages = sw.Languages
	}
	if sw.Mode != "" {
		w.Mode = sw.Mode
	}
	if len(sw.EngineConfig) > 0 {
		if w.EngineConfig == nil {
			w.EngineConfig = map[string]string{}
		}
		for k, v := range sw.EngineConfig {
			w.EngineConfig[k] = v
		}
	}
	setIf(&w.CorePath, sw.CorePath)
	setIf(&w.LangPath, sw.LangPath)
	setIf(&w.DataPath, sw.DataPath)
	setIf(&w.CachePath, sw.CachePath)
	setIf(&w.CacheMethod, sw.CacheMethod)
	setIf(&w.Spawn, sw.Spawn)
	setIf(&w.WorkerPath, sw.WorkerPath)
	setIf(&w.IDSource, sw.IDSource)
	setIf(&dst.Sandbox.Dir, src.Sandbox.Dir)
	setIf(&dst.Sandbox.Backend, src.Sandbox.Backend)
	setIf(&dst.Sandbox.SQLitePath, src.Sandbox.SQLitePath)
	setIf(&dst.API.Listen, src.API.Listen)
	setIf(&dst.API.Auth.APIKey, src.API.Auth.APIKey)
	setIf(&dst.Journal.Path, src.Journal.Path)
	if sw.Gzip != nil {
		w.Gzip = sw.Gzip
	}
	w.LegacyCore = w.LegacyCore || sw.LegacyCore
	w.LegacyLang = w.LegacyLang || sw.LegacyLang

	if src.Network.Timeout != 0 {
		dst.Network.Timeout = src.Network.Timeout
	}
	if src.Network.MaxBytes != 0 {
		dst.Network.MaxBytes = src.Network.MaxBytes
	}
	if len(src.Network.Mirrors) > 0 {
		dst.Network.Mirrors = append(dst.Network.Mirrors, src.Network.Mirrors...)
	}

	dst.API.Enabled = dst.API.Enabled || src.API.Enabled
	dst.Journal.Enabled = dst.Journal.Enabled || src.Journal.Enabled

	m, sm := &dst.Maintenance, src.Maintenance
	m.Enabled = m.Enabled || sm.Enabled
	if sm.Interval != 0 {
		m.Interval = sm.Interval
	}
	if sm.CacheRetention != 0 {
		m.CacheRetention = sm.CacheRetention
	}
	if sm.JournalRetention != 0 {
		m.JournalRetention = sm.JournalRetention
	}
}

func setIf(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

func verifyAllConfigHashes(paths []string) error {
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		checksums, err := LoadChecksums(dir)
		if err != nil {
			// No .checksums: this directory is not locked.
			continue
		}
		for _, path := range files {
			basename := filepath.Base(path)
			expectedHash, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: ocrbridge config lock -config %s", basename, dir, path)
			}
			if err := VerifyFileHash(path, expectedHash); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"If you edited this file intentionally, run: ocrbridge config lock -config %s", path, err, path)
			}
		}
	}
	return nil
}

// applyConfigDefaults fills every unset value from Defaults.
func applyConfigDefaults(cfg *Config) *Config {
	d := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = d.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = d.Service.LogLevel
	}

	if len(cfg.Worker.Languages) == 0 {
		cfg.Worker.Languages = d.Worker.Languages
	}
	if cfg.Worker.Mode == "" {
		cfg.Worker.Mode = d.Worker.Mode
	}
	if cfg.Worker.CacheMethod == "" {
		cfg.Worker.CacheMethod = d.Worker.CacheMethod
	}
	if cfg.Worker.Gzip == nil {
		cfg.Worker.Gzip = d.Worker.Gzip
	}
	if cfg.Worker.Spawn == "" {
		cfg.Worker.Spawn = d.Worker.Spawn
	}
	if cfg.Worker.IDSource == "" {
		cfg.Worker.IDSource = d.Worker.IDSource
	}

	if cfg.Sandbox.Dir == "" {
		cfg.Sandbox.Dir = d.Sandbox.Dir
	}
	if cfg.Sandbox.Backend == "" {
		cfg.Sandbox.Backend = d.Sandbox.Backend
	}
	if cfg.Sandbox.Backend == BackendSQLite && cfg.Sandbox.SQLitePath == "" {
		cfg.Sandbox.SQLitePath = filepath.Join(cfg.Sandbox.Dir, "blobs.db")
	}

	if cfg.Network.Timeout == 0 {
		cfg.Network.Timeout = d.Network.Timeout
	}
	if cfg.Network.MaxBytes == 0 {
		cfg.Network.MaxBytes = d.Network.MaxBytes
	}
	if cfg.Network.Mirrors == nil {
		cfg.Network.Mirrors = d.Network.Mirrors
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = d.API
	} else if cfg.API.Listen == "" {
		cfg.API.Listen = d.API.Listen
	}

	if cfg.Journal.Path == "" {
		cfg.Journal.Path = d.Journal.Path
	}

	if cfg.Maintenance.Interval == 0 {
		cfg.Maintenance.Interval = d.Maintenance.Interval
	}
	if cfg.Maintenance.CacheRetention == 0 {
		cfg.Maintenance.CacheRetention = d.Maintenance.CacheRetention
	}
	if cfg.Maintenance.JournalRetention == 0 {
		cfg.Maintenance.JournalRetention = d.Maintenance.JournalRetention
	}
	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and caught by validate where it matters.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if _, err := cfg.Worker.EngineMode(); err != nil {
		return fmt.Errorf("worker.mode: %w", err)
	}
	for i, lang := range cfg.Worker.Languages {
		if strings.TrimSpace(lang) == "" {
			return fmt.Errorf("worker.languages[%d] is empty", i)
		}
	}
	switch cfg.Worker.CacheMethod {
	case engine.CacheWrite, engine.CacheReadOnly, engine.CacheRefresh, engine.CacheNone:
	default:
		return fmt.Errorf("worker.cache_method must be one of: write, readOnly, refresh, none (got %q)", cfg.Worker.CacheMethod)
	}
	switch cfg.Worker.Spawn {
	case SpawnInProcess, SpawnSubprocess:
	default:
		return fmt.Errorf("worker.spawn must be %q or %q (got %q)", SpawnInProcess, SpawnSubprocess, cfg.Worker.Spawn)
	}
	switch cfg.Worker.IDSource {
	case IDSourceCounter, IDSourceUUID:
	default:
		return fmt.Errorf("worker.id_source must be %q or %q (got %q)", IDSourceCounter, IDSourceUUID, cfg.Worker.IDSource)
	}
	switch cfg.Sandbox.Backend {
	case BackendFS, BackendSQLite:
	default:
		return fmt.Errorf("sandbox.backend must be %q or %q (got %q)", BackendFS, BackendSQLite, cfg.Sandbox.Backend)
	}

	if cfg.Network.Timeout < 0 {
		return fmt.Errorf("network.timeout must not be negative")
	}
	for i, m := range cfg.Network.Mirrors {
		if m.From == "" || m.To == "" {
			return fmt.Errorf("network.mirrors[%d]: from and to are required", i)
		}
	}

	if cfg.API.Enabled && envVarPattern.MatchString(cfg.API.Auth.APIKey) {
		matches := envVarPattern.FindStringSubmatch(cfg.API.Auth.APIKey)
		return fmt.Errorf("api.auth.api_key: environment variable ${%s} is not set", matches[1])
	}
	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when the journal is enabled")
	}

	m := cfg.Maintenance
	if m.Interval < 0 || m.CacheRetention < 0 || m.JournalRetention < 0 {
		return fmt.Errorf("maintenance durations must not be negative")
	}
	return nil
}

// EngineMode parses Mode as a name or a number.
func (w WorkerConfig) EngineMode() (engine.Mode, error) {
	return engine.ParseMode(w.Mode)
}

// IDSources returns the worker id and the job id source for id_source.
// The counter source yields "" and nil, which mean the worker's defaults.
func (w WorkerConfig) IDSources() (string, pending.IDSource) {
	if w.IDSource == IDSourceUUID {
		return pending.UUIDSource{Prefix: "Worker"}.Next(), pending.UUIDSource{Prefix: "Job"}
	}
	return "", nil
}

// LanguageOptions returns the loader options for the configured worker.
func (w WorkerConfig) LanguageOptions() engine.LanguageOptions {
	gzip := true
	if w.Gzip != nil {
		gzip = *w.Gzip
	}
	return engine.LanguageOptions{
		LangPath:    w.LangPath,
		DataPath:    w.DataPath,
		CachePath:   w.CachePath,
		CacheMethod: w.CacheMethod,
		Gzip:        gzip,
	}
}

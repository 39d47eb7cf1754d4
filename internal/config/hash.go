package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumManifest is the content of a .checksums file: BLAKE3 hashes of the
// config files in its directory, keyed by base name.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}
	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}
	return nil
}

// Lock writes a .checksums manifest next to the config at configPath and
// next to each file it includes. It returns the files hashed.
func Lock(configPath string) ([]string, error) {
	files, err := ConfigFiles(configPath)
	if err != nil {
		return nil, err
	}

	byDir := make(map[string]*ChecksumManifest)
	for _, f := range files {
		dir := filepath.Dir(f)
		m, ok := byDir[dir]
		if !ok {
			m = &ChecksumManifest{
				Version:     1,
				GeneratedAt: time.Now().UTC().Format(time.RFC3339),
				Hashes:      make(map[string]string),
			}
			byDir[dir] = m
		}
		hash, err := ComputeBlake3Hash(f)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", f, err)
		}
		m.Hashes[filepath.Base(f)] = hash
	}

	for dir, m := range byDir {
		data, err := yaml.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal checksums: %w", err)
		}
		// Restrictive permissions: the file holds the expected hashes.
		if err := os.WriteFile(filepath.Join(dir, ".checksums"), data, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write checksums: %w", err)
		}
	}
	return files, nil
}

// ConfigFiles returns the absolute paths of the config at configPath and
// every file it includes, sorted.
func ConfigFiles(configPath string) ([]string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	if info, err := os.Stat(absPath); err == nil && info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	visited := map[string]bool{absPath: true}
	if len(cfg.Include) > 0 {
		// Merging into a scratch config only walks the include tree.
		if err := loadIncludes(&Config{}, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	files := make([]string, 0, len(visited))
	for f := range visited {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

// LoadChecksums reads the .checksums file from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, ".checksums"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checksums file not found (run 'ocrbridge config lock')")
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

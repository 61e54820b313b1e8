// Package config loads dabba's on-disk defaults: the layer cache
// directory, the cgroup v2 base a run nests its per-sandbox directory
// under, and the default memory limit. CLI flags always win over the
// file; the file always wins over the built-in defaults below.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultCacheDir is the scratch root spec.md §6 names for layer
	// extraction and the network helper's API socket when the caller
	// supplies no override.
	DefaultCacheDir = "/tmp/dabba"

	// DefaultMemoryMax is the memory.max written for a run that doesn't
	// pass --memory: generous enough for an interactive shell in a small
	// base image, small enough to mean something.
	DefaultMemoryMax uint64 = 512 * 1024 * 1024
)

// Config holds the settings dabba reads from disk and merges under
// whatever the CLI flags explicitly set.
type Config struct {
	CacheDir   string `yaml:"cache_dir,omitempty"`
	CgroupBase string `yaml:"cgroup_base,omitempty"`
	MemoryMax  uint64 `yaml:"memory_max,omitempty"`
}

// UserConfigDir returns the directory dabba's own settings file lives
// under, following the same "$HOME/.<name>" layout the teacher used for
// its own config.
func UserConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".dabba"), nil
}

// DefaultCgroupBase derives the per-user cgroup v2 directory systemd's
// user manager already sets up and enables delegation for
// (user.slice/user-<uid>.slice/user@<uid>.service/app.slice), the same
// base_cgroup spec.md §8's happy-path scenario names.
func DefaultCgroupBase() string {
	uid := os.Getuid()
	return filepath.Join("/sys/fs/cgroup/user.slice",
		fmt.Sprintf("user-%d.slice", uid),
		fmt.Sprintf("user@%d.service", uid),
		"app.slice")
}

// Load reads config.yaml from dir and merges it over the built-in
// defaults. A missing file is not an error -- it just means "use the
// defaults".
func Load(dir string) (*Config, error) {
	cfg := &Config{
		CacheDir:   DefaultCacheDir,
		CgroupBase: DefaultCgroupBase(),
		MemoryMax:  DefaultMemoryMax,
	}

	path := filepath.Join(dir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var onDisk Config
	if err := yaml.Unmarshal(data, &onDisk); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if onDisk.CacheDir != "" {
		cfg.CacheDir = onDisk.CacheDir
	}
	if onDisk.CgroupBase != "" {
		cfg.CgroupBase = onDisk.CgroupBase
	}
	if onDisk.MemoryMax != 0 {
		cfg.MemoryMax = onDisk.MemoryMax
	}
	return cfg, nil
}

// Save writes cfg to dir/config.yaml, creating dir if needed.
func Save(dir string, cfg *Config) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create %s: %w", dir, err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0o644)
}

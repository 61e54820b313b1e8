package config

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CacheDir != DefaultCacheDir {
		t.Errorf("CacheDir = %q, want %q", cfg.CacheDir, DefaultCacheDir)
	}
	if cfg.MemoryMax != DefaultMemoryMax {
		t.Errorf("MemoryMax = %d, want %d", cfg.MemoryMax, DefaultMemoryMax)
	}
	if cfg.CgroupBase != DefaultCgroupBase() {
		t.Errorf("CgroupBase = %q, want %q", cfg.CgroupBase, DefaultCgroupBase())
	}
}

func TestLoadMergesOnDiskOverDefaults(t *testing.T) {
	dir := t.TempDir()
	yaml := "cache_dir: /var/dabba\nmemory_max: 1073741824\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CacheDir != "/var/dabba" {
		t.Errorf("CacheDir = %q, want /var/dabba", cfg.CacheDir)
	}
	if cfg.MemoryMax != 1073741824 {
		t.Errorf("MemoryMax = %d, want 1073741824", cfg.MemoryMax)
	}
	// CgroupBase wasn't set on disk, so it keeps the default.
	if cfg.CgroupBase != DefaultCgroupBase() {
		t.Errorf("CgroupBase = %q, want default %q", cfg.CgroupBase, DefaultCgroupBase())
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := &Config{CacheDir: "/srv/dabba", CgroupBase: "/sys/fs/cgroup/custom", MemoryMax: 256 << 20}
	if err := Save(dir, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *got != *want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestDefaultCgroupBaseIncludesUID(t *testing.T) {
	base := DefaultCgroupBase()
	uid := strconv.Itoa(os.Getuid())
	want := filepath.Join("/sys/fs/cgroup/user.slice",
		"user-"+uid+".slice",
		"user@"+uid+".service",
		"app.slice")
	if base != want {
		t.Errorf("DefaultCgroupBase() = %q, want %q", base, want)
	}
}

//go:build linux

// Package cgroup manages the cgroup v2 directory backing a single
// sandbox run: creation under a caller-supplied base, idempotent limit
// enforcement, and best-effort removal on drop.
package cgroup

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/dabba-run/dabba/internal/logger"
)

// Config carries the resource limits a Controller enforces. MemoryMax is
// in bytes; zero means no memory.max write is attempted (the cgroup
// still exists, e.g. purely for PID accounting) and WatchOOM does not
// start a watch.
type Config struct {
	MemoryMax uint64
}

// Controller owns exactly one cgroup v2 directory.
type Controller struct {
	path          string
	config        Config
	limitsWritten bool

	watcher *fsnotify.Watcher
}

// New creates a cgroup directory named "dabba-<pid>" under base. base
// must already be a writable cgroup v2 directory with any controllers
// this Config needs already enabled in its own cgroup.subtree_control;
// New does not attempt to enable them, matching the contract that a
// CGroupController owns one directory and nothing upstream of it.
func New(base string, config Config) (*Controller, error) {
	path := filepath.Join(base, fmt.Sprintf("dabba-%d", os.Getpid()))
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, fmt.Errorf("cgroup: create %s: %w", path, err)
	}
	logger.Info("cgroup created", "path", path)
	return &Controller{path: path, config: config}, nil
}

// Path returns the cgroup directory this controller owns.
func (c *Controller) Path() string { return c.path }

// Enforce is idempotent: the memory limit is written to memory.max only
// on the first call; pid is written to cgroup.procs on every call. The
// ordering (limit before attach) is load-bearing — writing cgroup.procs
// first would let the process run unbounded for a window.
func (c *Controller) Enforce(pid int) error {
	if !c.limitsWritten {
		if c.config.MemoryMax > 0 {
			if err := c.writeFile("memory.max", strconv.FormatUint(c.config.MemoryMax, 10)); err != nil {
				return err
			}
		}
		c.limitsWritten = true
	}
	return c.writeFile("cgroup.procs", strconv.Itoa(pid))
}

func (c *Controller) writeFile(name, value string) error {
	p := filepath.Join(c.path, name)
	if err := os.WriteFile(p, []byte(value), 0o644); err != nil {
		return fmt.Errorf("cgroup: write %s: %w", p, err)
	}
	return nil
}

// WatchOOM starts a background watch of this cgroup's memory.events file
// for oom_kill counter increases, purely for diagnostic logging — it
// never changes enforcement or the sandbox's exit-code semantics. The
// watch is torn down when ctx is cancelled or Close is called.
func (c *Controller) WatchOOM(ctx context.Context) error {
	if c.config.MemoryMax == 0 {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cgroup: new watcher: %w", err)
	}
	eventsPath := filepath.Join(c.path, "memory.events")
	if err := w.Add(eventsPath); err != nil {
		w.Close()
		return fmt.Errorf("cgroup: watch %s: %w", eventsPath, err)
	}
	c.watcher = w

	go func() {
		last := readOOMKillCount(eventsPath)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write) == 0 {
					continue
				}
				cur := readOOMKillCount(eventsPath)
				if cur > last {
					logger.Warn("cgroup memory limit killed a process", "path", c.path, "oom_kill", cur)
				}
				last = cur
			case werr, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("cgroup: watch error", "err", werr)
			}
		}
	}()
	return nil
}

func readOOMKillCount(path string) int64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		field, value, ok := strings.Cut(line, " ")
		if !ok || field != "oom_kill" {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// Close removes the cgroup directory. Failure is logged, not returned:
// another process may have already removed it, or a process may still
// be attached if spawn failed partway through.
func (c *Controller) Close() {
	if c.watcher != nil {
		c.watcher.Close()
	}
	if err := os.Remove(c.path); err != nil {
		logger.Warn("cgroup: remove directory", "path", c.path, "err", err)
	}
}

// Remove deletes the cgroup directory at path directly, for cleanup
// sweeps that no longer have a live Controller to call Close on -- the
// state ledger records a cgroup's path, not a Controller, so "dabba
// prune" reaps a dead run's directory through this instead. Unlike
// Close, the error is returned rather than logged here: prune logs a
// warning naming the row's path for each failure.
func Remove(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("cgroup: remove %s: %w", path, err)
	}
	return nil
}

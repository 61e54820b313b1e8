//go:build linux

// Package sandbox orchestrates the full rootless-container protocol: a
// fresh set of namespaces, an ordered handshake between the parent and
// the cloned child over internal/ipc, the child's mount dance through
// internal/mount, cgroup enforcement through internal/cgroup, identity
// mapping through internal/idmap, and user-mode networking through
// internal/netns. See reexec.go for the half of the protocol that runs
// in the re-exec'd child process.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dabba-run/dabba/internal/cgroup"
	"github.com/dabba-run/dabba/internal/idmap"
	"github.com/dabba-run/dabba/internal/ipc"
	"github.com/dabba-run/dabba/internal/logger"
	"github.com/dabba-run/dabba/internal/netns"
)

// Payload describes the command to execute inside the sandbox once
// setup completes.
type Payload struct {
	Path string
	Args []string
	Env  []string

	// WorkingDir is chdir'd into right before exec, inside the pivoted
	// root. Empty leaves the child at the root directory pivot leaves
	// it in.
	WorkingDir string
}

// Config carries everything Spawn needs to construct one sandbox run.
type Config struct {
	BaseCgroup string // parent cgroup v2 directory; controllers must already be enabled
	MemoryMax  uint64 // bytes; 0 disables the memory.max write
	RootFS     string // materialised merged root filesystem (an overlay mount point)
	Hostname   string // defaults to "container"
	Payload    Payload
	Ports      []netns.PortMapping

	// Stdin/Stdout/Stderr are inherited by the payload directly: the
	// child protocol ends in syscall.Exec, which keeps whatever fds
	// 0/1/2 the re-exec'd process started with. Leave nil to inherit
	// this process's own stdio. Ignored when TTY is set.
	Stdin, Stdout, Stderr *os.File

	// TTY attaches the payload's stdio to a pseudoterminal instead of
	// plain pipes/inherited fds. WinSize sets its initial size; nil
	// leaves the kernel default.
	TTY     bool
	WinSize *pty.Winsize

	CacheDir string // base directory for the network helper's API socket
}

// Sandbox is the handle returned once a sandboxed child has passed its
// full setup protocol. It owns the cgroup directory and the network
// helper process for the run's lifetime.
type Sandbox struct {
	Pid         int
	cmd         *exec.Cmd
	cgroup      *cgroup.Controller
	network     *netns.Helper
	waited      bool
	cancelWatch context.CancelFunc

	// PTY is the pseudoterminal master end when Config.TTY was set, nil
	// otherwise. The caller is responsible for copying between it and
	// its own terminal; Close/Wait only release it, they don't pump it.
	PTY *os.File
}

// Spawn allocates the IPC channel and cgroup, clones the child into a
// fresh set of namespaces, runs the parent side of the setup protocol,
// and either returns a Sandbox owning the child or tears everything
// down and returns the first error encountered.
func Spawn(cfg Config) (*Sandbox, error) {
	if cfg.Hostname == "" {
		cfg.Hostname = "container"
	}

	ch, err := ipc.New()
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}

	cg, err := cgroup.New(cfg.BaseCgroup, cgroup.Config{MemoryMax: cfg.MemoryMax})
	if err != nil {
		return nil, fmt.Errorf("sandbox: cgroup stage: %w", err)
	}

	cmd, err := buildChildCmd(cfg, ch)
	if err != nil {
		cg.Close()
		return nil, fmt.Errorf("sandbox: %w", err)
	}

	ptmx, err := startChild(cfg, cmd)
	if err != nil {
		cg.Close()
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	ch.CloseAfterSpawn()
	childPID := cmd.Process.Pid
	logger.Info("sandbox child spawned", "pid", childPID, "tty", cfg.TTY)

	sb := &Sandbox{Pid: childPID, cmd: cmd, cgroup: cg, PTY: ptmx}

	if err := sb.parentProtocol(cfg, ch); err != nil {
		reap(cmd)
		if sb.cancelWatch != nil {
			sb.cancelWatch()
		}
		cg.Close()
		if sb.network != nil {
			sb.network.Close()
		}
		if sb.PTY != nil {
			sb.PTY.Close()
		}
		return nil, err
	}

	return sb, nil
}

// CgroupPath returns the cgroup v2 directory this sandbox's controller
// owns, e.g. for the state ledger to record alongside the run so a
// later "dabba prune" can reclaim it without needing a live Controller.
func (sb *Sandbox) CgroupPath() string {
	return sb.cgroup.Path()
}

// startChild starts cmd either attached to a fresh pseudoterminal (whose
// master end it returns) or with plain inherited/configured stdio,
// depending on cfg.TTY. Left as a manual pty.Open()+assign instead of
// pty.StartWithAttrs so the child's own setsid() in step 3f of the
// child protocol remains the only session-leader transition -- letting
// the pty library additionally set Setctty/Setsid on SysProcAttr here
// would race the child's explicit call.
func startChild(cfg Config, cmd *exec.Cmd) (*os.File, error) {
	if !cfg.TTY {
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start child: %w", err)
		}
		return nil, nil
	}

	ptyFile, ttyFile, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("open pty: %w", err)
	}
	defer ttyFile.Close()

	if cfg.WinSize != nil {
		if err := pty.Setsize(ptyFile, cfg.WinSize); err != nil {
			ptyFile.Close()
			return nil, fmt.Errorf("set pty size: %w", err)
		}
	}

	cmd.Stdin = ttyFile
	cmd.Stdout = ttyFile
	cmd.Stderr = ttyFile
	if err := cmd.Start(); err != nil {
		ptyFile.Close()
		return nil, fmt.Errorf("start child: %w", err)
	}
	return ptyFile, nil
}

// parentProtocol runs steps 4a-4f of the sandbox construction protocol:
// enforce cgroup limits, install identity mappings, bring up networking,
// expose requested ports, then hand off to the child.
func (sb *Sandbox) parentProtocol(cfg Config, ch *ipc.Channel) error {
	if err := sb.cgroup.Enforce(sb.Pid); err != nil {
		ch.SendFromParent(ipc.CGroupFailure)
		return fmt.Errorf("sandbox: cgroup enforce: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	sb.cancelWatch = cancel
	if err := sb.cgroup.WatchOOM(watchCtx); err != nil {
		logger.Warn("sandbox: oom watch unavailable", "err", err)
	}

	uid := uint32(os.Getuid())
	gid := uint32(os.Getgid())
	if err := idmap.SetupMaps(sb.Pid, idmap.DefaultProfile(uid), idmap.DefaultProfile(gid)); err != nil {
		ch.SendFromParent(ipc.UidGidMapFailure)
		return fmt.Errorf("sandbox: uid/gid mapping: %w", err)
	}

	socketPath := filepath.Join(cacheDirOrTemp(cfg.CacheDir), fmt.Sprintf("dabba-%s.sock", uuid.NewString()))
	network, err := netns.Spawn(sb.Pid, socketPath)
	if err != nil {
		ch.SendFromParent(ipc.NetworkFailure)
		return fmt.Errorf("sandbox: network helper spawn: %w", err)
	}
	sb.network = network

	if err := network.WaitUntilReady(); err != nil {
		ch.SendFromParent(ipc.NetworkFailure)
		return fmt.Errorf("sandbox: network helper readiness: %w", err)
	}

	for _, m := range cfg.Ports {
		if err := network.ExposePort(m); err != nil {
			ch.SendFromParent(ipc.NetworkFailure)
			return fmt.Errorf("sandbox: expose port %s: %w", m, err)
		}
	}

	if err := ch.SendFromParent(ipc.ParentReady); err != nil {
		return fmt.Errorf("sandbox: signal child: %w", err)
	}

	ev, err := ch.RecvInParent()
	if err != nil {
		return fmt.Errorf("sandbox: waiting for child setup: %w", err)
	}
	if ev == ipc.InitFailed {
		return fmt.Errorf("sandbox: child setup failed")
	}
	return nil
}

func cacheDirOrTemp(dir string) string {
	if dir != "" {
		return dir
	}
	return os.TempDir()
}

// reap blocks until cmd's process has exited, discarding the error: this
// is only called on a setup-failure unwind path, where the child's exit
// status carries no information the caller needs.
func reap(cmd *exec.Cmd) {
	cmd.Wait()
}

// Wait blocks until the child process and the network helper have both
// exited, then releases the cgroup. The network helper is told to exit
// only once the child has exited, so the payload keeps its network for
// its whole run. It is idempotent; a second call is a no-op returning
// (0, nil).
func (sb *Sandbox) Wait() (int, error) {
	if sb.waited {
		return 0, nil
	}
	sb.waited = true

	var g errgroup.Group
	var exitCode int
	childDone := make(chan struct{})

	g.Go(func() error {
		defer close(childDone)
		err := sb.cmd.Wait()
		if err == nil {
			return nil
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			return nil
		}
		return err
	})
	if sb.network != nil {
		g.Go(func() error {
			<-childDone
			sb.network.Close()
			return nil
		})
	}

	waitErr := g.Wait()
	if sb.cancelWatch != nil {
		sb.cancelWatch()
	}
	if sb.PTY != nil {
		sb.PTY.Close()
	}
	sb.cgroup.Close()

	if waitErr != nil {
		return -1, fmt.Errorf("sandbox: wait: %w", waitErr)
	}
	return exitCode, nil
}

// Close tears the sandbox down without inspecting the payload's exit
// status, for callers that discard the handle without waiting.
func (sb *Sandbox) Close() {
	if sb.waited {
		return
	}
	sb.waited = true
	syscall.Kill(sb.Pid, syscall.SIGKILL)
	sb.cmd.Wait()
	if sb.cancelWatch != nil {
		sb.cancelWatch()
	}
	if sb.network != nil {
		sb.network.Close()
	}
	if sb.PTY != nil {
		sb.PTY.Close()
	}
	sb.cgroup.Close()
}

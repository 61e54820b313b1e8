//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/dabba-run/dabba/internal/fdutil"
	"github.com/dabba-run/dabba/internal/ipc"
	"github.com/dabba-run/dabba/internal/logger"
	"github.com/dabba-run/dabba/internal/mount"
)

// ReexecSubcommand is the hidden CLI subcommand name the parent re-execs
// itself under. cmd/dabba dispatches it straight to ChildMain before
// cobra ever sees it, matching the convention wingthing used for its own
// _deny_init wrapper.
const ReexecSubcommand = "__sandbox-init"

// buildChildCmd constructs the exec.Cmd that re-execs this binary into a
// freshly namespaced child. The child's own half of the protocol lives in
// ChildMain; everything it needs to know is passed as argv following the
// "--" separator, plus the IPC pipe ends via ExtraFiles (landing at fd 3
// and fd 4 in the child).
func buildChildCmd(cfg Config, ch *ipc.Channel) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("find self executable: %w", err)
	}

	args := []string{ReexecSubcommand, "--rootfs", cfg.RootFS, "--hostname", cfg.Hostname}
	if cfg.Payload.WorkingDir != "" {
		args = append(args, "--workdir", cfg.Payload.WorkingDir)
	}
	args = append(args, "--", cfg.Payload.Path)
	args = append(args, cfg.Payload.Args...)

	cmd := exec.Command(self, args...)
	cmd.Env = cfg.Payload.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.ExtraFiles = []*os.File{ch.ParentReadFile(), ch.ChildWriteFile()}

	cmd.Stdin = cfg.Stdin
	cmd.Stdout = cfg.Stdout
	cmd.Stderr = cfg.Stderr
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWNS |
			syscall.CLONE_NEWUSER |
			syscall.CLONE_NEWPID |
			syscall.CLONE_NEWNET |
			syscall.CLONE_NEWIPC |
			syscall.CLONE_NEWUTS |
			syscall.CLONE_NEWCGROUP,
		Pdeathsig: syscall.SIGKILL,
	}
	return cmd, nil
}

// ChildArgs is the parsed form of the argv ChildMain receives after
// cmd/dabba strips the ReexecSubcommand token itself.
type ChildArgs struct {
	RootFS      string
	Hostname    string
	WorkingDir  string
	PayloadPath string
	PayloadArgs []string
}

// ParseChildArgs reads the "--rootfs X --hostname Y -- CMD ARGS..." form
// buildChildCmd produces.
func ParseChildArgs(args []string) (ChildArgs, error) {
	var out ChildArgs
	i := 0
	for ; i < len(args); i++ {
		switch args[i] {
		case "--rootfs":
			i++
			if i >= len(args) {
				return out, fmt.Errorf("sandbox: --rootfs requires a value")
			}
			out.RootFS = args[i]
		case "--hostname":
			i++
			if i >= len(args) {
				return out, fmt.Errorf("sandbox: --hostname requires a value")
			}
			out.Hostname = args[i]
		case "--workdir":
			i++
			if i >= len(args) {
				return out, fmt.Errorf("sandbox: --workdir requires a value")
			}
			out.WorkingDir = args[i]
		case "--":
			i++
			goto payload
		default:
			return out, fmt.Errorf("sandbox: unrecognized argument %q", args[i])
		}
	}
	return out, fmt.Errorf("sandbox: missing -- separator before payload command")

payload:
	if i >= len(args) {
		return out, fmt.Errorf("sandbox: missing payload command after --")
	}
	out.PayloadPath = args[i]
	out.PayloadArgs = args[i+1:]
	return out, nil
}

// ChildMain is the entry point cmd/dabba calls when it detects it was
// re-exec'd as ReexecSubcommand. It never returns on the success path: it
// ends in syscall.Exec, replacing this process image with the sandboxed
// payload. On any setup failure it reports InitFailed to the parent over
// fd 4 and calls os.Exit(1) itself.
func ChildMain(args []string) {
	parentRead := os.NewFile(3, "dabba-parent-read")
	childWrite := os.NewFile(4, "dabba-child-write")

	parsed, err := ParseChildArgs(args)
	if err != nil {
		logger.Error("sandbox child: parse args", "err", err)
		failChild(childWrite)
	}

	ev, err := ipc.RecvFromFD(parentRead)
	if err != nil {
		logger.Error("sandbox child: waiting for parent", "err", err)
		failChild(childWrite)
	}
	if ev != ipc.ParentReady {
		logger.Error("sandbox child: parent reported setup failure", "event", ev)
		os.Exit(1)
	}

	if err := runChildSetup(parsed); err != nil {
		logger.Error("sandbox child: setup", "err", err)
		failChild(childWrite)
	}

	if err := ipc.SendFromFD(childWrite, ipc.InitSuccess); err != nil {
		logger.Error("sandbox child: signal success", "err", err)
		os.Exit(1)
	}
	// Only fd 0/1/2 and the payload's own descriptors should survive into
	// exec: drop the IPC pipe ends first, then sweep anything else this
	// process may have inherited.
	parentRead.Close()
	childWrite.Close()
	if err := fdutil.CloseInherited(); err != nil {
		logger.Warn("sandbox child: close inherited fds", "err", err)
	}

	if parsed.WorkingDir != "" {
		if err := unix.Chdir(parsed.WorkingDir); err != nil {
			logger.Error("sandbox child: chdir to working dir", "dir", parsed.WorkingDir, "err", err)
			os.Exit(1)
		}
	}

	env := os.Environ()
	argv := append([]string{parsed.PayloadPath}, parsed.PayloadArgs...)
	if err := syscall.Exec(parsed.PayloadPath, argv, env); err != nil {
		logger.Error("sandbox child: exec payload", "path", parsed.PayloadPath, "err", err)
		os.Exit(1)
	}
}

// runChildSetup performs the mount dance, hostname, session and privilege
// steps the sandboxed payload requires, in the order each depends on the
// last: propagation must be blocked before any bind mount, the container
// must be bound and pivoted into before the session/capability drop, and
// capabilities are dropped only once there is nothing left to mount.
func runChildSetup(args ChildArgs) error {
	if err := unix.Sethostname([]byte(args.Hostname)); err != nil {
		return fmt.Errorf("sethostname: %w", err)
	}

	if err := mount.BlockPropagation(); err != nil {
		return err
	}
	if err := mount.BindContainer(args.RootFS, "/tmp"); err != nil {
		return err
	}
	if err := unix.Chdir("/tmp"); err != nil {
		return fmt.Errorf("chdir /tmp: %w", err)
	}
	for _, step := range []struct {
		kind mount.Type
		path string
	}{
		{mount.Dev, "dev"},
		{mount.Proc, "proc"},
		{mount.Sys, "sys"},
		{mount.Tmp, "tmp"},
		{mount.Tmp, "run"},
	} {
		if err := mount.PseudoFSMount(step.kind, step.path); err != nil {
			return err
		}
	}
	if err := mount.Pivot("/tmp"); err != nil {
		return err
	}

	if _, err := unix.Setsid(); err != nil {
		return fmt.Errorf("setsid: %w", err)
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(no_new_privs): %w", err)
	}
	if err := unix.Prctl(unix.PR_CAPBSET_DROP, unix.CAP_SYS_ADMIN, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(capbset_drop sys_admin): %w", err)
	}

	return nil
}

// failChild reports InitFailed to the parent on a best-effort basis (the
// parent may already be gone) and exits non-zero.
func failChild(childWrite *os.File) {
	if err := ipc.SendFromFD(childWrite, ipc.InitFailed); err != nil {
		logger.Warn("sandbox child: report failure to parent", "err", err)
	}
	os.Exit(1)
}

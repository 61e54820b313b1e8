package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/creack/pty"
	humanize "github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dabba-run/dabba/internal/cgroup"
	"github.com/dabba-run/dabba/internal/config"
	"github.com/dabba-run/dabba/internal/logger"
	"github.com/dabba-run/dabba/internal/mount"
	"github.com/dabba-run/dabba/internal/netns"
	"github.com/dabba-run/dabba/internal/registry"
	"github.com/dabba-run/dabba/internal/sandbox"
	"github.com/dabba-run/dabba/internal/state"
)

func main() {
	// cmd/dabba dispatches straight to ChildMain before cobra ever sees
	// the reexec'd argv, matching reexec.go's own documented convention.
	if len(os.Args) > 1 && os.Args[1] == sandbox.ReexecSubcommand {
		sandbox.ChildMain(os.Args[2:])
		return
	}

	if err := logger.Init("info", ""); err != nil {
		fmt.Fprintf(os.Stderr, "dabba: init logger: %v\n", err)
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:   "dabba",
		Short: "dabba — a rootless, unprivileged container runtime",
	}
	root.AddCommand(runCmd(), psCmd(), pruneCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cgroupBase, cacheDir, memory string) (*config.Config, error) {
	dir, err := config.UserConfigDir()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if cacheDir != "" {
		cfg.CacheDir = cacheDir
	}
	if cgroupBase != "" {
		cfg.CgroupBase = cgroupBase
	}
	if memory != "" {
		bytes, err := humanize.ParseBytes(memory)
		if err != nil {
			return nil, fmt.Errorf("dabba: parse --memory %q: %w", memory, err)
		}
		cfg.MemoryMax = bytes
	}
	return cfg, nil
}

func statePath(cfg *config.Config) string {
	return filepath.Join(cfg.CacheDir, "state.sqlite")
}

func runCmd() *cobra.Command {
	var publish []string
	var env []string
	var tty bool
	var noTTY bool
	var memory string
	var cgroupBase string
	var cacheDir string

	cmd := &cobra.Command{
		Use:   "run [flags] IMAGE[:TAG] [-- CMD [ARGS...]]",
		Short: "Run a command inside a freshly sandboxed image",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args, publish, env, tty, noTTY, memory, cgroupBase, cacheDir)
		},
	}
	cmd.Flags().StringArrayVarP(&publish, "publish", "p", nil, "publish HOST:GUEST/PROTO (repeatable)")
	cmd.Flags().StringArrayVarP(&env, "env", "e", nil, "set KEY=VAL in the payload's environment (repeatable)")
	cmd.Flags().BoolVarP(&tty, "tty", "t", false, "force pseudo-terminal allocation")
	cmd.Flags().BoolVarP(&noTTY, "no-tty", "T", false, "force plain pipes even on a tty")
	cmd.Flags().StringVar(&memory, "memory", "", "memory limit, e.g. 256MiB (default 512MiB)")
	cmd.Flags().StringVar(&cgroupBase, "cgroup-base", "", "base cgroup v2 directory")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "layer cache base (default /tmp/dabba)")
	return cmd
}

func runRun(cmd *cobra.Command, args, publish, env []string, tty, noTTY bool, memory, cgroupBase, cacheDir string) error {
	if tty && noTTY {
		return fmt.Errorf("dabba: --tty and --no-tty are mutually exclusive")
	}

	dash := cmd.ArgsLenAtDash()
	var imageArg string
	var payloadArgs []string
	switch {
	case dash < 0:
		if len(args) != 1 {
			return fmt.Errorf("dabba: run takes exactly one IMAGE argument when no payload command follows --")
		}
		imageArg = args[0]
	case dash == 1:
		imageArg = args[0]
		payloadArgs = args[1:]
		if len(payloadArgs) == 0 {
			return fmt.Errorf("dabba: missing payload command after --")
		}
	default:
		return fmt.Errorf("dabba: run takes exactly one IMAGE argument before --")
	}

	cfg, err := loadConfig(cgroupBase, cacheDir, memory)
	if err != nil {
		return err
	}

	ports := make([]netns.PortMapping, 0, len(publish))
	for _, p := range publish {
		m, err := netns.ParsePortMapping(p)
		if err != nil {
			return err
		}
		ports = append(ports, m)
	}

	ref, err := registry.Resolve(imageArg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("resolving image", "ref", ref.String())
	img, err := registry.Manifest(ctx, ref.String())
	if err != nil {
		return err
	}
	imgCfg, err := registry.Config(img)
	if err != nil {
		return err
	}

	layers, err := registry.Materialize(img, cfg.CacheDir)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	merged := filepath.Join(cfg.CacheDir, "merged-"+runID)
	if err := mount.MountImage(layers, merged); err != nil {
		return err
	}

	var payloadPath string
	if len(payloadArgs) == 0 {
		full := append(append([]string{}, imgCfg.Entrypoint...), imgCfg.Cmd...)
		if len(full) == 0 {
			return fmt.Errorf("dabba: image %s sets no entrypoint or cmd; provide one after --", ref)
		}
		payloadPath = full[0]
		payloadArgs = full[1:]
	} else {
		payloadPath = payloadArgs[0]
		payloadArgs = payloadArgs[1:]
	}

	payloadEnv := append([]string{}, imgCfg.Env...)
	payloadEnv = append(payloadEnv, env...)

	useTTY := tty || (!noTTY && isatty.IsTerminal(os.Stdin.Fd()))

	var winSize *pty.Winsize
	if useTTY && isatty.IsTerminal(os.Stdin.Fd()) {
		if w, h, err := term.GetSize(int(os.Stdin.Fd())); err == nil {
			winSize = &pty.Winsize{Rows: uint16(h), Cols: uint16(w)}
		}
	}

	sbCfg := sandbox.Config{
		BaseCgroup: cfg.CgroupBase,
		MemoryMax:  cfg.MemoryMax,
		RootFS:     merged,
		Payload: sandbox.Payload{
			Path:       payloadPath,
			Args:       payloadArgs,
			Env:        payloadEnv,
			WorkingDir: imgCfg.WorkingDir,
		},
		Ports:    ports,
		TTY:      useTTY,
		WinSize:  winSize,
		CacheDir: cfg.CacheDir,
	}
	if !useTTY {
		sbCfg.Stdin = os.Stdin
		sbCfg.Stdout = os.Stdout
		sbCfg.Stderr = os.Stderr
	}

	ledger, err := state.Open(statePath(cfg))
	if err != nil {
		return err
	}
	defer ledger.Close()

	sb, err := sandbox.Spawn(sbCfg)
	if err != nil {
		return err
	}

	record := state.Record{
		ID:         runID,
		Image:      ref.String(),
		CgroupPath: sb.CgroupPath(),
		Pid:        sb.Pid,
		StartedAt:  time.Now(),
	}
	if err := ledger.Start(record); err != nil {
		logger.Warn("state: record run start", "err", err)
	}

	var restore func()
	if useTTY && sb.PTY != nil {
		restore = attachTTY(sb.PTY)
	}

	exitCode, waitErr := sb.Wait()
	if restore != nil {
		restore()
	}
	if finishErr := ledger.Finish(runID, exitCode); finishErr != nil {
		logger.Warn("state: record run finish", "err", finishErr)
	}
	if waitErr != nil {
		return waitErr
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

// attachTTY pumps the caller's own terminal through ptmx for the
// lifetime of the run: stdin in, stdout out, SIGWINCH forwarded as a
// resize. It puts the caller's terminal into raw mode and returns a
// restore func the caller must invoke once the payload exits.
func attachTTY(ptmx *os.File) func() {
	fd := int(os.Stdin.Fd())
	var oldState *term.State
	if term.IsTerminal(fd) {
		if s, err := term.MakeRaw(fd); err == nil {
			oldState = s
		}
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	go func() {
		for range winch {
			if w, h, err := term.GetSize(fd); err == nil {
				pty.Setsize(ptmx, &pty.Winsize{Rows: uint16(h), Cols: uint16(w)})
			}
		}
	}()

	go io.Copy(ptmx, os.Stdin)
	go io.Copy(os.Stdout, ptmx)

	return func() {
		signal.Stop(winch)
		close(winch)
		if oldState != nil {
			term.Restore(fd, oldState)
		}
	}
}

func psCmd() *cobra.Command {
	var cgroupBase, cacheDir string
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List tracked sandbox runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cgroupBase, cacheDir, "")
			if err != nil {
				return err
			}
			ledger, err := state.Open(statePath(cfg))
			if err != nil {
				return err
			}
			defer ledger.Close()

			runs, err := ledger.List()
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("no tracked sandbox runs")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tIMAGE\tPID\tSTARTED\tSTATUS")
			for _, r := range runs {
				status := "running"
				if r.FinishedAt != nil {
					status = "exited"
					if r.ExitStatus != nil {
						status = "exited(" + strconv.Itoa(*r.ExitStatus) + ")"
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					shortID(r.ID), r.Image, r.Pid, r.StartedAt.Format(time.RFC3339), status)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&cgroupBase, "cgroup-base", "", "base cgroup v2 directory")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "layer cache base (default /tmp/dabba)")
	return cmd
}

func pruneCmd() *cobra.Command {
	var cgroupBase, cacheDir string
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Reap ledger entries for sandboxes whose process has died",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cgroupBase, cacheDir, "")
			if err != nil {
				return err
			}
			ledger, err := state.Open(statePath(cfg))
			if err != nil {
				return err
			}
			defer ledger.Close()

			pruned, err := ledger.Prune()
			if err != nil {
				return err
			}
			if len(pruned) == 0 {
				fmt.Println("nothing to prune")
				return nil
			}
			for _, r := range pruned {
				if r.CgroupPath != "" {
					if err := cgroup.Remove(r.CgroupPath); err != nil {
						logger.Warn("prune: remove cgroup directory", "path", r.CgroupPath, "err", err)
					}
				}
				fmt.Printf("pruned %s (pid %d, image %s)\n", shortID(r.ID), r.Pid, r.Image)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cgroupBase, "cgroup-base", "", "base cgroup v2 directory")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "layer cache base (default /tmp/dabba)")
	return cmd
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

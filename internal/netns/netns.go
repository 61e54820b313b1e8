// Package netns spawns and supervises the user-mode networking daemon
// (slirp4netns or a compatible replacement) that gives a sandboxed
// network namespace an outbound TAP interface and optional host-side
// port forwards.
package netns

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dabba-run/dabba/internal/logger"
	"github.com/dabba-run/dabba/internal/netns/api"
)

const readyTimeoutMillis = 1000

// Helper supervises one network-daemon subprocess for the lifetime of a
// single sandbox run.
type Helper struct {
	cmd           *exec.Cmd
	readyRead     *os.File
	apiSocketPath string
	stdout        bytes.Buffer
	stderr        bytes.Buffer
	exited        bool
}

// Spawn starts the network daemon for childPID's namespaces. It does not
// wait for readiness; call WaitUntilReady next.
func Spawn(childPID int, apiSocketPath string) (*Helper, error) {
	readyRead, readyWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("netns: create ready pipe: %w", err)
	}

	userns := fmt.Sprintf("/proc/%d/ns/user", childPID)
	netns := fmt.Sprintf("/proc/%d/ns/net", childPID)

	cmd := exec.Command("slirp4netns",
		"--configure",
		"--disable-host-loopback",
		fmt.Sprintf("--ready-fd=%d", 3),
		fmt.Sprintf("--userns-path=%s", userns),
		"--netns-type=path",
		fmt.Sprintf("--netns-path=%s", netns),
		fmt.Sprintf("--api-socket=%s", apiSocketPath),
		"tap0",
	)
	cmd.ExtraFiles = []*os.File{readyWrite}

	h := &Helper{readyRead: readyRead, apiSocketPath: apiSocketPath}
	cmd.Stdout = &h.stdout
	cmd.Stderr = &h.stderr

	if err := cmd.Start(); err != nil {
		readyRead.Close()
		readyWrite.Close()
		return nil, fmt.Errorf("netns: start network helper: %w", err)
	}
	readyWrite.Close()
	h.cmd = cmd

	logger.Info("network helper spawned", "pid", cmd.Process.Pid, "api_socket", apiSocketPath)
	return h, nil
}

// WaitUntilReady polls the ready pipe for the daemon's one-byte signal,
// failing with a timeout error if nothing arrives within 1000ms.
func (h *Helper) WaitUntilReady() error {
	pfd := []unix.PollFd{{Fd: int32(h.readyRead.Fd()), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, readyTimeoutMillis)
	if err != nil {
		return fmt.Errorf("netns: poll ready pipe: %w", err)
	}
	if n == 0 || pfd[0].Revents&unix.POLLIN == 0 {
		return fmt.Errorf("netns: network helper did not become ready within %dms", readyTimeoutMillis)
	}

	var buf [1]byte
	if _, err := h.readyRead.Read(buf[:]); err != nil {
		return fmt.Errorf("netns: read ready byte: %w", err)
	}
	if buf[0] != '1' {
		logger.Warn("network helper sent unexpected ready byte", "byte", buf[0])
	}
	return nil
}

// ExposePort asks the daemon to forward a host port to the sandboxed
// network namespace, over its Unix-domain control socket.
func (h *Helper) ExposePort(mapping PortMapping) error {
	conn, err := net.DialTimeout("unix", h.apiSocketPath, 2*time.Second)
	if err != nil {
		return fmt.Errorf("netns: dial api socket: %w", err)
	}
	defer conn.Close()

	req := api.NewAddHostFwd(mapping.Proto, mapping.HostPort, mapping.GuestPort)
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("netns: send add_hostfwd: %w", err)
	}

	var resp api.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("netns: read add_hostfwd response: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("netns: add_hostfwd %s: %s", mapping, resp.Error)
	}
	if resp.Return == nil {
		return fmt.Errorf("netns: add_hostfwd %s: response had neither return nor error", mapping)
	}
	return nil
}

// NotifyExitAndWait is idempotent: if the daemon is still running it is
// sent SIGTERM, and its exit is always reaped.
func (h *Helper) NotifyExitAndWait() error {
	if h.exited {
		return nil
	}
	if h.cmd.Process != nil {
		if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !h.processGone(err) {
			logger.Warn("network helper: signal SIGTERM failed", "err", err)
		}
	}
	err := h.cmd.Wait()
	h.exited = true
	h.readyRead.Close()
	if err != nil {
		return fmt.Errorf("netns: wait for network helper: %w", err)
	}
	return nil
}

func (h *Helper) processGone(err error) bool {
	return err == os.ErrProcessDone
}

// Output returns the daemon's captured stdout/stderr for post-mortem
// logging once it has exited.
func (h *Helper) Output() (stdout, stderr string) {
	return h.stdout.String(), h.stderr.String()
}

// Close invokes NotifyExitAndWait, logging failure rather than
// propagating it: by the time a Helper is dropped, its caller has
// already decided the run is over.
func (h *Helper) Close() {
	if err := h.NotifyExitAndWait(); err != nil {
		logger.Warn("network helper: cleanup failed", "err", err)
	}
}

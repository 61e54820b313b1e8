package netns

import (
	"encoding/json"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dabba-run/dabba/internal/logger"
	"github.com/dabba-run/dabba/internal/netns/api"
)

func TestMain(m *testing.M) {
	if err := logger.Init("debug", ""); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func TestSpawnFailsWithoutSlirp4netnsOnPath(t *testing.T) {
	if _, err := exec.LookPath("slirp4netns"); err == nil {
		t.Skip("slirp4netns is installed; cannot exercise the not-found path")
	}
	_, err := Spawn(os.Getpid(), "/tmp/dabba-test-nonexistent.sock")
	if err == nil {
		t.Fatal("Spawn should fail when slirp4netns is not on PATH")
	}
}

// fakeAPIServer stands in for a running slirp4netns instance's control
// socket: ExposePort needs nothing more than a Unix-domain listener
// speaking the documented single-request/response JSON shape, so the
// happy and error paths are exercised directly against one instead of
// needing a real daemon or namespace privilege.
func fakeAPIServer(t *testing.T, handle func(api.AddHostFwdRequest) api.Response) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "fake-api.sock")
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen %s: %v", sockPath, err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var req api.AddHostFwdRequest
		if err := json.NewDecoder(conn).Decode(&req); err != nil {
			return
		}
		json.NewEncoder(conn).Encode(handle(req))
	}()
	return sockPath
}

func TestExposePortSendsDocumentedRequestAndSucceeds(t *testing.T) {
	var got api.AddHostFwdRequest
	sockPath := fakeAPIServer(t, func(req api.AddHostFwdRequest) api.Response {
		got = req
		return api.Response{Return: json.RawMessage(`{}`)}
	})

	h := &Helper{apiSocketPath: sockPath}
	mapping := PortMapping{HostPort: 8080, GuestPort: 80, Proto: "tcp"}
	if err := h.ExposePort(mapping); err != nil {
		t.Fatalf("ExposePort: %v", err)
	}
	if got.Execute != "add_hostfwd" {
		t.Errorf("execute = %q, want add_hostfwd", got.Execute)
	}
	if got.Arguments.Proto != "tcp" || got.Arguments.HostPort != 8080 || got.Arguments.GuestPort != 80 {
		t.Errorf("daemon received arguments %+v", got.Arguments)
	}
}

func TestExposePortSurfacesDaemonError(t *testing.T) {
	sockPath := fakeAPIServer(t, func(api.AddHostFwdRequest) api.Response {
		return api.Response{Error: "something broke"}
	})

	h := &Helper{apiSocketPath: sockPath}
	err := h.ExposePort(PortMapping{HostPort: 1, GuestPort: 2, Proto: "udp"})
	if err == nil || !strings.Contains(err.Error(), "something broke") {
		t.Fatalf("ExposePort error = %v, want it to surface the daemon's error verbatim", err)
	}
}

func TestExposePortFailsWhenSocketUnreachable(t *testing.T) {
	h := &Helper{apiSocketPath: "/tmp/dabba-test-nonexistent-api.sock"}
	if err := h.ExposePort(PortMapping{HostPort: 1, GuestPort: 2, Proto: "tcp"}); err == nil {
		t.Fatal("ExposePort should fail when the api socket doesn't exist")
	}
}

// WaitUntilReady is the only boundary case spec.md §8 calls out by an
// exact duration: a readiness byte arrives and is accepted, or nothing
// arrives within 1000ms and the wait times out.
func TestWaitUntilReadySucceedsOnReadyByte(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()

	h := &Helper{readyRead: r}
	go func() {
		w.Write([]byte{'1'})
		w.Close()
	}()
	if err := h.WaitUntilReady(); err != nil {
		t.Fatalf("WaitUntilReady: %v", err)
	}
}

func TestWaitUntilReadyAcceptsUnexpectedByteButWarns(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()

	h := &Helper{readyRead: r}
	go func() {
		w.Write([]byte{'0'})
		w.Close()
	}()
	if err := h.WaitUntilReady(); err != nil {
		t.Fatalf("WaitUntilReady: %v, want nil -- an unexpected ready byte is logged, not fatal", err)
	}
}

func TestWaitUntilReadyTimesOutWithoutSignal(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	h := &Helper{readyRead: r}
	start := time.Now()
	err = h.WaitUntilReady()
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("WaitUntilReady should time out when nothing is written")
	}
	if elapsed < time.Duration(readyTimeoutMillis)*time.Millisecond {
		t.Fatalf("WaitUntilReady returned after %v, want at least %dms", elapsed, readyTimeoutMillis)
	}
}

package fdutil

import (
	"os"
	"strconv"
	"testing"

	"github.com/dabba-run/dabba/internal/logger"
)

func TestMain(m *testing.M) {
	if err := logger.Init("debug", ""); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func TestPipeOwnedRoundTrip(t *testing.T) {
	r, w, err := PipeOwned()
	if err != nil {
		t.Fatalf("PipeOwned: %v", err)
	}
	defer r.Close()
	defer w.Close()

	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var buf [1]byte
	if _, err := r.Read(buf[:]); err != nil {
		t.Fatalf("read: %v", err)
	}
	if buf[0] != 'x' {
		t.Fatalf("got %q, want 'x'", buf[0])
	}
}

// CloseInherited must leave stdin/stdout/stderr open and close everything
// else, including extra descriptors this test opens itself.
func TestCloseInheritedLeavesStdioAndClosesExtras(t *testing.T) {
	extra, err := os.Open("/dev/null")
	if err != nil {
		t.Fatalf("open /dev/null: %v", err)
	}
	extraFd := int(extra.Fd())

	if err := CloseInherited(); err != nil {
		t.Fatalf("CloseInherited: %v", err)
	}

	for _, std := range []*os.File{os.Stdin, os.Stdout, os.Stderr} {
		if _, statErr := std.Stat(); statErr != nil {
			t.Errorf("std fd %d appears closed: %v", std.Fd(), statErr)
		}
	}

	if _, statErr := extra.Stat(); statErr == nil {
		t.Errorf("fd %d should have been closed by CloseInherited", extraFd)
	}

	dir, err := os.Open("/proc/self/fd")
	if err != nil {
		t.Fatalf("reopen /proc/self/fd: %v", err)
	}
	defer dir.Close()
	names, err := dir.Readdirnames(-1)
	if err != nil {
		t.Fatalf("readdirnames: %v", err)
	}
	for _, name := range names {
		fd, convErr := strconv.Atoi(name)
		if convErr != nil {
			continue
		}
		if fd == extraFd {
			t.Errorf("fd %d still present after CloseInherited", extraFd)
		}
	}
}

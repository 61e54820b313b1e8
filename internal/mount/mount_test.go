//go:build linux

package mount

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/dabba-run/dabba/internal/logger"
)

func TestMain(m *testing.M) {
	if err := logger.Init("debug", ""); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func TestTypeStringerCoversAllValues(t *testing.T) {
	for _, typ := range []Type{Dev, Proc, Sys, Tmp} {
		if typ.String() == "" {
			t.Errorf("Type(%d).String() is empty", typ)
		}
	}
}

func TestKernelErrorWrapsAndUnwraps(t *testing.T) {
	inner := unix.ENOENT
	err := kerr("pivot_root", "/tmp/x", inner)
	ke, ok := err.(*KernelError)
	if !ok {
		t.Fatalf("kerr returned %T, want *KernelError", err)
	}
	if ke.Op != "pivot_root" || ke.Path != "/tmp/x" {
		t.Fatalf("KernelError = %+v, want Op/Path set", ke)
	}
	if ke.Unwrap() != inner {
		t.Fatalf("Unwrap() = %v, want %v", ke.Unwrap(), inner)
	}
	if kerr("op", "path", nil) != nil {
		t.Fatal("kerr(..., nil) should return nil")
	}
}

// The overlay lowerdir must be the layer list reversed (overlay reads it
// right-to-left) with any colon in a layer path escaped.
func TestMountImageBuildsReversedEscapedLowerdir(t *testing.T) {
	dir := t.TempDir()
	layers := []string{
		filepath.Join(dir, "base"),
		filepath.Join(dir, "a:b"),
		filepath.Join(dir, "top"),
	}
	for _, l := range layers {
		if err := os.MkdirAll(l, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", l, err)
		}
	}

	want := escapeOverlayPath(layers[2]) + ":" + escapeOverlayPath(layers[1]) + ":" + escapeOverlayPath(layers[0])

	got := overlayLowerdir(layers)
	if got != want {
		t.Fatalf("lowerdir = %q, want %q", got, want)
	}
	if escapeOverlayPath("a:b") != `a\:b` {
		t.Fatalf("escapeOverlayPath(a:b) = %q, want a\\:b", escapeOverlayPath("a:b"))
	}
}

func TestMountImageRejectsEmptyLayerSet(t *testing.T) {
	if err := MountImage(nil, t.TempDir()); err == nil {
		t.Fatal("MountImage(nil layers) should fail")
	}
}

// Exercising the mount primitives (propagation block, recursive bind, a
// tmpfs pseudo-filesystem) requires real CAP_SYS_ADMIN over a mount
// namespace; skip wherever that isn't available rather than failing CI.
func TestMountDanceRequiresPrivilege(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root to enter and manipulate a mount namespace")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
		t.Skipf("unshare(CLONE_NEWNS) unavailable: %v", err)
	}

	if err := BlockPropagation(); err != nil {
		t.Fatalf("BlockPropagation: %v", err)
	}

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "bin"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	merged := t.TempDir()
	if err := BindContainer(root, merged); err != nil {
		t.Fatalf("BindContainer: %v", err)
	}
	if _, err := os.Stat(filepath.Join(merged, "bin")); err != nil {
		t.Fatalf("bind target missing expected content: %v", err)
	}

	tmpMount := filepath.Join(merged, "tmp")
	if err := PseudoFSMount(Tmp, tmpMount); err != nil {
		t.Fatalf("PseudoFSMount(Tmp): %v", err)
	}
	probe := filepath.Join(tmpMount, "probe")
	if err := os.WriteFile(probe, []byte("x"), 0o644); err != nil {
		t.Fatalf("write into tmpfs mount: %v", err)
	}
}

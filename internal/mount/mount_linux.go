//go:build linux

// Package mount implements the namespaced mount primitives the sandbox
// child uses to turn a materialised root filesystem into a pivoted root:
// propagation blocking, recursive binds, overlay composition, the
// pseudo-filesystems under /dev /proc /sys /tmp, and the pivot itself.
//
// Every operation here is a pure side effect on the *current* mount
// namespace; callers are expected to have already entered a fresh one
// (CLONE_NEWNS) before calling anything in this package.
package mount

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/dabba-run/dabba/internal/logger"
)

// KernelError wraps a failed mount-family syscall with the operation and
// path that failed, so callers can log or propagate a single identifying
// line without re-deriving it from a bare errno.
type KernelError struct {
	Op   string
	Path string
	Err  error
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("mount: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *KernelError) Unwrap() error { return e.Err }

func kerr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &KernelError{Op: op, Path: path, Err: err}
}

// Type enumerates the pseudo-filesystems pseudo_fs_mount knows how to
// build. Each carries its own source/fstype/flag combination.
type Type int

const (
	Dev Type = iota
	Proc
	Sys
	Tmp
)

func (t Type) String() string {
	switch t {
	case Dev:
		return "dev"
	case Proc:
		return "proc"
	case Sys:
		return "sys"
	case Tmp:
		return "tmp"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// hostDevices are bind-mounted from the host into the sandbox's /dev,
// since an unprivileged process cannot mknod its own device nodes.
var hostDevices = []string{"full", "null", "random", "tty", "urandom", "zero"}

// BlockPropagation marks the root mount recursive-private. It must be the
// first mount operation performed after entering the mount namespace, so
// that none of the mounts that follow can leak back to the host or be
// affected by later host-side mount changes.
func BlockPropagation() error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return kerr("block_propagation", "/", err)
	}
	return nil
}

// BindContainer recursively bind-mounts the materialised root filesystem
// at src onto dst. The bind must be recursive: a plain bind would leave
// any sub-mounts already present under src reachable from the host's
// view instead of the container's.
func BindContainer(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return kerr("mkdir", dst, err)
	}
	if err := unix.Mount(src, dst, "", unix.MS_REC|unix.MS_BIND, ""); err != nil {
		return kerr("bind_container", dst, err)
	}
	return nil
}

// escapeOverlayPath backslash-escapes the colon delimiter overlayfs uses
// between lowerdir entries, so a layer path that itself contains a colon
// (legal on Linux, if unusual) does not get misparsed as two layers.
func escapeOverlayPath(p string) string {
	return strings.ReplaceAll(p, ":", "\\:")
}

// overlayLowerdir builds the overlay lowerdir option for layers (base
// first): the list is reversed and each path colon-escaped.
func overlayLowerdir(layers []string) string {
	reversed := make([]string, len(layers))
	for i, l := range layers {
		reversed[len(layers)-1-i] = escapeOverlayPath(l)
	}
	return strings.Join(reversed, ":")
}

// MountImage composes an ordered LayerSet into an overlay filesystem at
// merged. layers[0] is the base image layer; overlayfs's lowerdir option
// is read right-to-left, so the list is reversed before joining. upper
// and work directories are created under merged.
func MountImage(layers []string, merged string) error {
	if len(layers) == 0 {
		return kerr("mount_image", merged, fmt.Errorf("no layers to mount"))
	}

	lowerdir := overlayLowerdir(layers)

	upper := filepath.Join(merged, "upper")
	work := filepath.Join(merged, "work")
	for _, d := range []string{merged, upper, work} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return kerr("mkdir", d, err)
		}
	}

	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lowerdir, upper, work)
	if err := unix.Mount("overlay", merged, "overlay", 0, opts); err != nil {
		return kerr("mount_image", merged, err)
	}
	return nil
}

// PseudoFSMount creates path if missing, then mounts the kernel
// filesystem appropriate for kind with the flag set the sandbox child
// protocol requires. Dev additionally populates the mount with bind
// mounts of the host's character devices, a devpts instance, and the
// handful of symlinks a typical userspace expects under /dev.
func PseudoFSMount(kind Type, path string) error {
	logger.Debug("mounting pseudo filesystem", "kind", kind.String(), "path", path)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return kerr("mkdir", path, err)
	}

	switch kind {
	case Dev:
		if err := unix.Mount("dev", path, "tmpfs", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV, "mode=755"); err != nil {
			return kerr("pseudo_fs_mount(dev)", path, err)
		}
		return populateDev(path)
	case Proc:
		if err := unix.Mount("proc", path, "proc", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV, ""); err != nil {
			return kerr("pseudo_fs_mount(proc)", path, err)
		}
	case Sys:
		if err := unix.Mount("sys", path, "sysfs", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV, ""); err != nil {
			return kerr("pseudo_fs_mount(sys)", path, err)
		}
	case Tmp:
		// No MS_NOEXEC: scripts legitimately execute out of /tmp.
		if err := unix.Mount("tmp", path, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, ""); err != nil {
			return kerr("pseudo_fs_mount(tmp)", path, err)
		}
	default:
		return kerr("pseudo_fs_mount", path, fmt.Errorf("unknown mount type %v", kind))
	}
	return nil
}

// populateDev fills in the parts of /dev a freshly-mounted tmpfs is
// missing: the host character devices (mknod is unavailable to an
// unprivileged process, so these are bind mounts of empty placeholder
// files instead), the conventional fd/std{in,out,err} symlinks, an
// empty shm directory, and a private devpts instance.
func populateDev(devPath string) error {
	for _, name := range hostDevices {
		dst := filepath.Join(devPath, name)
		f, err := os.OpenFile(dst, os.O_CREATE|os.O_RDONLY, 0o644)
		if err != nil {
			return kerr("create device placeholder", dst, err)
		}
		f.Close()
		if err := unix.Mount(filepath.Join("/dev", name), dst, "", unix.MS_BIND, ""); err != nil {
			return kerr("bind host device", dst, err)
		}
	}

	symlinks := map[string]string{
		filepath.Join(devPath, "stdin"):  "/proc/self/fd/0",
		filepath.Join(devPath, "stdout"): "/proc/self/fd/1",
		filepath.Join(devPath, "stderr"): "/proc/self/fd/2",
		filepath.Join(devPath, "fd"):     "/proc/self/fd",
		filepath.Join(devPath, "ptmx"):   "pts/ptmx",
	}
	for link, target := range symlinks {
		if err := os.Symlink(target, link); err != nil {
			return kerr("symlink", link, err)
		}
	}

	shmPath := filepath.Join(devPath, "shm")
	if err := os.MkdirAll(shmPath, 0o755); err != nil {
		return kerr("mkdir", shmPath, err)
	}

	ptsPath := filepath.Join(devPath, "pts")
	if err := os.MkdirAll(ptsPath, 0o755); err != nil {
		return kerr("mkdir", ptsPath, err)
	}
	if err := unix.Mount("devpts", ptsPath, "devpts", unix.MS_NOSUID|unix.MS_NOEXEC, "newinstance,ptmxmode=0666"); err != nil {
		return kerr("pseudo_fs_mount(devpts)", ptsPath, err)
	}
	return nil
}

// Pivot performs pivot_root without creating an intermediate directory,
// per the technique documented in pivot_root(2)'s NOTES section: chdir
// into the new root, pivot with both new-root and put-old given as ".",
// then lazily unmount whatever ended up mounted over the now-shadowed
// old root.
func Pivot(path string) error {
	if err := unix.Chdir(path); err != nil {
		return kerr("chdir", path, err)
	}
	if err := unix.PivotRoot(".", "."); err != nil {
		return kerr("pivot_root", path, err)
	}
	if err := unix.Unmount(".", unix.MNT_DETACH); err != nil {
		return kerr("umount2", path, err)
	}
	return nil
}

// Package fdutil holds the small file-descriptor bookkeeping helpers the
// sandbox child needs before it hands control to the user payload:
// creating owned pipes, and closing every inherited descriptor apart from
// stdin/stdout/stderr.
package fdutil

import (
	"os"
	"strconv"

	"github.com/dabba-run/dabba/internal/logger"
)

// PipeOwned creates a pipe and returns both ends as *os.File, which close
// themselves when garbage collected or explicitly Close'd -- the owned
// handle discipline the rest of the sandbox protocol relies on.
func PipeOwned() (r, w *os.File, err error) {
	return os.Pipe()
}

// CloseInherited enumerates /proc/self/fd and closes every descriptor
// except 0, 1, 2, and the directory handle used to do the enumeration
// itself. Non-numeric entries and a failure to open /proc/self/fd are
// logged, not fatal: stray descriptors are a leak, not a correctness bug,
// in the one-shot sandbox child process.
func CloseInherited() error {
	dir, err := os.Open("/proc/self/fd")
	if err != nil {
		logger.Warn("fdutil: open /proc/self/fd", "err", err)
		return err
	}
	defer dir.Close()

	entries, err := dir.Readdirnames(-1)
	if err != nil {
		logger.Warn("fdutil: read /proc/self/fd", "err", err)
		return err
	}

	dirFd := int(dir.Fd())
	for _, name := range entries {
		fd, err := strconv.Atoi(name)
		if err != nil {
			logger.Warn("fdutil: non-numeric entry in /proc/self/fd", "name", name)
			continue
		}
		if fd == 0 || fd == 1 || fd == 2 || fd == dirFd {
			continue
		}
		if err := closeFd(fd); err != nil {
			logger.Warn("fdutil: close inherited fd", "fd", fd, "err", err)
		}
	}
	return nil
}

// Package idmap installs uid/gid mappings for a sandboxed process by
// shelling out to the external setuid helpers newuidmap(1)/newgidmap(1):
// an unprivileged process cannot write a multi-range /proc/<pid>/{u,g}id_map
// itself, but these two SUID binaries (shipped by most distributions'
// shadow-utils / uidmap package) can.
package idmap

import (
	"fmt"
	"os/exec"
	"strconv"

	"github.com/dabba-run/dabba/internal/logger"
)

// Mapping is one (inside, outside, count) triple in a uid_map/gid_map.
type Mapping struct {
	InsideID  uint32
	OutsideID uint32
	Count     uint32
}

// HelperError reports that newuidmap/newgidmap exited non-zero.
type HelperError struct {
	Helper string
	Status int
}

func (e *HelperError) Error() string {
	return fmt.Sprintf("idmap: %s exited with status %d", e.Helper, e.Status)
}

// DefaultProfile returns the mapping pair dabba uses for both uid and
// gid by default: inside id 0 maps to the caller's own id (so the
// sandboxed process is "root" inside its own namespace), and inside ids
// 1..65536 map to a fixed sub-id range for everything else a container
// image's rootfs expects to see.
func DefaultProfile(outsideID uint32) []Mapping {
	return []Mapping{
		{InsideID: 0, OutsideID: outsideID, Count: 1},
		{InsideID: 1, OutsideID: 100000, Count: 65536},
	}
}

// SetupMaps installs uidMappings and gidMappings for pid by invoking
// newuidmap then newgidmap. Must be called after the target process
// exists (the helpers need its pid) and before it performs any
// operation relying on its in-sandbox identity.
func SetupMaps(pid int, uidMappings, gidMappings []Mapping) error {
	if err := runMapHelper("newuidmap", pid, uidMappings); err != nil {
		return err
	}
	return runMapHelper("newgidmap", pid, gidMappings)
}

func runMapHelper(helper string, pid int, mappings []Mapping) error {
	args := make([]string, 0, 1+3*len(mappings))
	args = append(args, strconv.Itoa(pid))
	for _, m := range mappings {
		args = append(args,
			strconv.FormatUint(uint64(m.InsideID), 10),
			strconv.FormatUint(uint64(m.OutsideID), 10),
			strconv.FormatUint(uint64(m.Count), 10),
		)
	}

	logger.Info("running id-map helper", "helper", helper, "args", args)
	cmd := exec.Command(helper, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			logger.Warn("id-map helper failed", "helper", helper, "output", string(output))
			return &HelperError{Helper: helper, Status: exitErr.ExitCode()}
		}
		return fmt.Errorf("idmap: run %s: %w", helper, err)
	}
	return nil
}

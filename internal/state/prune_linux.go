//go:build linux

package state

import "syscall"

// pidAlive reports whether pid still names a live process, using the
// signal-0 probe: ESRCH means gone, anything else (including success or
// EPERM for a pid we don't own) means it's still there.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err != syscall.ESRCH
}

// Prune finds every unfinished run whose pid is no longer alive, marks
// it finished with exit status -1 (crash recovery, not a real exit
// status), and returns the stale records so the caller can remove each
// one's cgroup directory. Prune never touches the filesystem itself --
// the cgroup directory is internal/cgroup's to own, not state's.
func (l *Ledger) Prune() ([]Record, error) {
	unfinished, err := l.Unfinished()
	if err != nil {
		return nil, err
	}
	var dead []Record
	for _, r := range unfinished {
		if pidAlive(r.Pid) {
			continue
		}
		if err := l.Finish(r.ID, -1); err != nil {
			return nil, err
		}
		dead = append(dead, r)
	}
	return dead, nil
}

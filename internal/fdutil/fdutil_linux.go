package fdutil

import "syscall"

// closeFd closes a bare descriptor number, the only way to drop an
// inherited fd that was never wrapped in an *os.File.
func closeFd(fd int) error {
	return syscall.Close(fd)
}

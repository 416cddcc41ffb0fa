//go:build !windows

package memory

import "syscall"

func setRLimitAS(limitBytes int64) error {
	rlimit := syscall.Rlimit{
		Cur: uint64(limitBytes),
		Max: uint64(limitBytes),
	}
	return syscall.Setrlimit(syscall.RLIMIT_AS, &rlimit)
}

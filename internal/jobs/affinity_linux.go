//go:build linux

package jobs

import "golang.org/x/sys/unix"

// pinToCPU restricts the calling OS thread to a single CPU.
func pinToCPU(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}

func threadID() int { return unix.Gettid() }

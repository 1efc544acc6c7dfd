//go:build linux
// +build linux

package boost

import "golang.org/x/sys/unix"

func gettid() int {
	return unix.Gettid()
}

func pinThread(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}

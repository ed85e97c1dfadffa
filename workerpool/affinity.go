//go:build linux

package workerpool

import (
	"errors"
	"runtime"

	"golang.org/x/sys/unix"
)

var errNoCPUs = errors.New("workerpool: affinity mask is empty")

// pinWorker locks the calling goroutine to its OS thread and binds that
// thread to one of the CPUs the process may run on, chosen round robin by
// worker id. The returned func undoes the thread lock.
func pinWorker(id int) (cpu int, unpin func(), err error) {
	var allowed unix.CPUSet
	if err := unix.SchedGetaffinity(0, &allowed); err != nil {
		return -1, func() {}, err
	}
	n := allowed.Count()
	if n == 0 {
		return -1, func() {}, errNoCPUs
	}

	cpu = nthCPU(&allowed, id%n)
	runtime.LockOSThread()
	var mask unix.CPUSet
	mask.Set(cpu)
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		runtime.UnlockOSThread()
		return cpu, func() {}, err
	}
	return cpu, runtime.UnlockOSThread, nil
}

// nthCPU returns the index of the n-th set bit of s.
func nthCPU(s *unix.CPUSet, n int) int {
	for c := 0; c < len(s)*64; c++ {
		if !s.IsSet(c) {
			continue
		}
		if n == 0 {
			return c
		}
		n--
	}
	return 0
}

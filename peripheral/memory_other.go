//go:build !linux

package peripheral

import (
	"runtime"
)

// Without sysinfo, report memory the Go heap holds but does not use.
func freeMemory() (uint64, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapIdle - ms.HeapReleased, nil
}

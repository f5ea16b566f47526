package mmfile

import (
	"os"
	"sync"
)

var (
	pageOnce sync.Once
	pageSize uint64
)

// sysPageSize returns the system page size, computed once per process,
// falling back to 4096 if the OS reports nonsense.
func sysPageSize() uint64 {
	pageOnce.Do(func() {
		size := os.Getpagesize()
		if size <= 0 {
			size = 4096
		}

		pageSize = uint64(size)
	})

	return pageSize
}

package media

import (
	"github.com/shirou/gopsutil/v3/disk"
)

// FreeSpaceFunc returns the bytes available to the process at path
type FreeSpaceFunc func(path string) (uint64, error)

// diskFree queries the filesystem holding path
func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

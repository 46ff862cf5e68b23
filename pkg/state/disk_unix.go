//go:build unix

package state

import "golang.org/x/sys/unix"

// DiskUsageOf reports space on the filesystem holding path.
func DiskUsageOf(path string) (DiskUsage, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return DiskUsage{}, err
	}
	return DiskUsage{
		Available: stat.Bavail * uint64(stat.Bsize),
		Total:     stat.Blocks * uint64(stat.Bsize),
	}, nil
}

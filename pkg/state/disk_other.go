//go:build !unix

package state

import "errors"

func DiskUsageOf(path string) (DiskUsage, error) {
	return DiskUsage{}, errors.New("disk usage is not available on this platform")
}

package state

import (
	"github.com/dustin/go-humanize"

	"chillspace/pkg/state/logger"
)

// LowSpaceBytes is the free space under which the data directory is
// reported as nearly full.
const LowSpaceBytes = 64 << 20

type DiskUsage struct {
	Available uint64
	Total     uint64
}

func (d DiskUsage) UsedPct() float64 {
	if d.Total == 0 {
		return 0
	}
	return float64(d.Total-d.Available) / float64(d.Total) * 100
}

func (d DiskUsage) Low() bool { return d.Available < LowSpaceBytes }

// WarnIfLow logs when the filesystem holding dir is nearly full. Queued
// sends and cached lists are written there.
func WarnIfLow(dir string) {
	usage, err := DiskUsageOf(dir)
	if err != nil {
		logger.Debug("disk_usage_unavailable", "path", dir, "error", err)
		return
	}
	if usage.Low() {
		logger.Warn("disk_space_low", "path", dir, "available", humanize.IBytes(usage.Available), "usage_pct", usage.UsedPct())
	}
}

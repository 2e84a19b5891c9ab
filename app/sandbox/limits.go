package sandbox

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// checkHostMemory verifies host memory use is below threshold percent, 0 disables the check
func checkHostMemory(threshold int) (bool, string) {
	if threshold <= 0 {
		return true, ""
	}
	v, err := mem.VirtualMemory()
	if err != nil {
		return false, fmt.Sprintf("failed to get memory: %v", err)
	}
	current := int(v.UsedPercent)
	if current >= threshold {
		return false, fmt.Sprintf("host memory at %d%%, threshold %d%%", current, threshold)
	}
	return true, ""
}

// watchMemory polls resident memory of pid and calls kill once it exceeds limitMB.
// Returns when ctx is done or the process is gone.
func watchMemory(ctx context.Context, pid int, limitMB int, interval time.Duration, kill func(rssMB uint64)) {
	if limitMB <= 0 {
		return
	}
	proc, err := process.NewProcessWithContext(ctx, int32(pid)) //nolint:gosec // pid fits int32
	if err != nil {
		log.Printf("[DEBUG] can't watch memory of pid %d: %v", pid, err)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := proc.MemoryInfoWithContext(ctx)
			if err != nil {
				return // process exited
			}
			if rss := info.RSS / (1024 * 1024); rss > uint64(limitMB) { //nolint:gosec // positive limit
				kill(rss)
				return
			}
		}
	}
}

package utils

import (
	"context"
	"runtime"
	"sort"

	"github.com/shirou/gopsutil/v4/disk"
)

// GetLocalDrives lists mount points of physical partitions. On Windows these
// are the drive roots such as C:\.
func GetLocalDrives(ctx context.Context) ([]string, error) {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(parts))
	drives := make([]string, 0, len(parts))
	for _, p := range parts {
		mount := p.Mountpoint
		if mount == "" {
			continue
		}
		if runtime.GOOS == "windows" && len(mount) == 2 && mount[1] == ':' {
			mount += `\`
		}
		if _, ok := seen[mount]; ok {
			continue
		}
		seen[mount] = struct{}{}
		drives = append(drives, mount)
	}
	sort.Strings(drives)
	return drives, nil
}

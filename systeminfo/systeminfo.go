package systeminfo

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/shirou/gopsutil/v4/host"

	"stalehunt/logger"
)

// SystemInfo describes the host and the identity a scan runs as. Every
// capability a finding reports was probed as this identity.
type SystemInfo struct {
	Hostname        string   `json:"hostname"`
	OS              string   `json:"os"`
	Platform        string   `json:"platform,omitempty"`
	PlatformVersion string   `json:"platform_version,omitempty"`
	KernelVersion   string   `json:"kernel_version,omitempty"`
	KernelArch      string   `json:"kernel_arch,omitempty"`
	BootTime        string   `json:"boot_time,omitempty"`
	User            UserInfo `json:"user"`
	Elevated        bool     `json:"elevated"`
}

type UserInfo struct {
	UID      string   `json:"uid"`
	GID      string   `json:"gid,omitempty"`
	Username string   `json:"username"`
	Name     string   `json:"name,omitempty"`
	HomeDir  string   `json:"home_dir,omitempty"`
	Groups   []string `json:"groups,omitempty"`
}

// Collect gathers what it can. Partial failures are logged and leave the
// corresponding fields empty.
func Collect(ctx context.Context) (*SystemInfo, error) {
	info := &SystemInfo{}

	if err := gatherHost(ctx, info); err != nil {
		logger.Warnf("Failed to gather host information: %v", err)
		if name, err := os.Hostname(); err == nil {
			info.Hostname = name
		}
	}
	if err := gatherUser(info); err != nil {
		logger.Warnf("Failed to gather current user: %v", err)
	}

	elevated, err := isElevated()
	if err != nil {
		logger.Debugf("Failed to determine elevation: %v", err)
	}
	info.Elevated = elevated

	return info, nil
}

func gatherHost(ctx context.Context, info *SystemInfo) error {
	h, err := host.InfoWithContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to get host info: %v", err)
	}
	info.Hostname = h.Hostname
	info.OS = h.OS
	info.Platform = h.Platform
	info.PlatformVersion = h.PlatformVersion
	info.KernelVersion = h.KernelVersion
	info.KernelArch = h.KernelArch
	if h.BootTime > 0 {
		info.BootTime = time.Unix(int64(h.BootTime), 0).UTC().Format(time.RFC3339)
	}
	return nil
}

func gatherUser(info *SystemInfo) error {
	u, err := user.Current()
	if err != nil {
		return err
	}
	info.User = UserInfo{
		UID:      u.Uid,
		GID:      u.Gid,
		Username: u.Username,
		Name:     u.Name,
		HomeDir:  u.HomeDir,
	}

	gids, err := u.GroupIds()
	if err != nil {
		logger.Debugf("Failed to list groups for %s: %v", u.Username, err)
		return nil
	}
	for _, gid := range gids {
		if g, err := user.LookupGroupId(gid); err == nil {
			info.User.Groups = append(info.User.Groups, g.Name)
		} else {
			info.User.Groups = append(info.User.Groups, gid)
		}
	}
	return nil
}

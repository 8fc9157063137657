// Package mountpoint manages the private mountpoints the file-sync strategy
// needs. Every mount lives under its own randomly named directory so
// concurrent clone jobs never collide, and unmounts are lazy so a straggling
// file handle cannot wedge the run.
package mountpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"

	"cardfleet/internal/runner"
)

// Mount is one active private mount.
type Mount struct {
	Device string
	Path   string

	cmd runner.Commander
}

// Manager mounts partitions at private paths and tears them down.
type Manager struct {
	Cmd runner.Commander

	// BaseDir overrides the mountpoint parent directory. Defaults to the
	// system temp directory.
	BaseDir string

	Logf func(format string, args ...any)
}

func (m *Manager) logf(format string, args ...any) {
	if m.Logf != nil {
		m.Logf(format, args...)
	}
}

func (m *Manager) baseDir() string {
	if m.BaseDir != "" {
		return m.BaseDir
	}
	return os.TempDir()
}

// MountPrivate mounts dev read-write at a fresh private directory.
func (m *Manager) MountPrivate(ctx context.Context, dev string) (*Mount, error) {
	return m.mount(ctx, dev, nil)
}

// MountReadOnly mounts dev read-only at a fresh private directory. Used for
// the source, which multiple concurrent jobs read from.
func (m *Manager) MountReadOnly(ctx context.Context, dev string) (*Mount, error) {
	return m.mount(ctx, dev, []string{"-o", "ro"})
}

func (m *Manager) mount(ctx context.Context, dev string, opts []string) (*Mount, error) {
	path := filepath.Join(m.baseDir(), "cardfleet-"+uuid.NewString())
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", path, err)
	}
	args := append(append([]string{}, opts...), dev, path)
	if err := m.Cmd.Run(ctx, "mount", args...); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("mounting %s at %s: %w", dev, path, err)
	}
	return &Mount{Device: dev, Path: path, cmd: m.Cmd}, nil
}

// Unmount lazily detaches the mount and removes its directory. Lazy detach
// lets the kernel finish writeback in the background while the directory
// disappears from the namespace immediately.
func (mt *Mount) Unmount(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	if err := mt.cmd.Run(ctx, "umount", "-l", mt.Path); err != nil {
		return fmt.Errorf("unmounting %s: %w", mt.Path, err)
	}
	if err := os.Remove(mt.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// UnmountAllOf unmounts every mounted filesystem whose backing device is a
// partition of disk. The mounted-filesystem table comes from the kernel, so
// desktop automounts are caught too.
func (m *Manager) UnmountAllOf(ctx context.Context, diskDev string) error {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return fmt.Errorf("reading mounted filesystems: %w", err)
	}
	for _, p := range parts {
		if !partitionOf(p.Device, diskDev) {
			continue
		}
		m.logf("unmounting %s from %s", p.Device, p.Mountpoint)
		if err := m.Cmd.Run(ctx, "umount", "-l", p.Mountpoint); err != nil {
			return fmt.Errorf("unmounting %s: %w", p.Mountpoint, err)
		}
	}
	return nil
}

// MountedUnder reports whether any mounted filesystem sits on a partition of
// disk. Used to refuse cloning onto a disk the system is actively using.
func MountedUnder(ctx context.Context, diskDev string) (bool, error) {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return false, fmt.Errorf("reading mounted filesystems: %w", err)
	}
	for _, p := range parts {
		if partitionOf(p.Device, diskDev) {
			return true, nil
		}
	}
	return false, nil
}

// partitionOf reports whether dev is diskDev itself or one of its partition
// nodes. A plain prefix match would claim /dev/sdab as a partition of
// /dev/sda, so the suffix must follow the kernel naming: bare digits, or a
// "p" separator plus digits when the disk name itself ends in a digit.
func partitionOf(dev, diskDev string) bool {
	rest, ok := strings.CutPrefix(dev, diskDev)
	if !ok || diskDev == "" {
		return false
	}
	if rest == "" {
		return true
	}
	if last := diskDev[len(diskDev)-1]; last >= '0' && last <= '9' {
		if rest, ok = strings.CutPrefix(rest, "p"); !ok {
			return false
		}
	}
	if rest == "" {
		return false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

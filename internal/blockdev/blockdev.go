// Package blockdev provides block device discovery and low-level device
// operations for the clone engine. Partition enumeration uses lsblk JSON
// output parsed into structured types, with a blkid fallback probe for
// partitions whose filesystem type is not reported directly.
package blockdev

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"cardfleet/internal/runner"
)

// SectorSize is the logical sector unit used throughout partition arithmetic.
const SectorSize = 512

// Partition describes one child partition of a disk.
type Partition struct {
	Path        string // device node, e.g. /dev/sdb2
	Name        string // kernel name, e.g. sdb2
	Fstype      string // filesystem type, possibly probed via blkid
	UUID        string // filesystem UUID
	StartSector uint64 // start offset in 512-byte sectors
	SizeBytes   uint64 // partition size in bytes
	Index       int    // 1-based partition table index (lsblk PARTN)
}

// LsblkDevice mirrors one entry of `lsblk -J -b` output.
type LsblkDevice struct {
	Name       string        `json:"name"`
	Fstype     string        `json:"fstype"`
	UUID       string        `json:"uuid"`
	Mountpoint string        `json:"mountpoint"`
	Type       string        `json:"type"`
	Start      *uint64       `json:"start"`
	Size       uint64        `json:"size"`
	Partn      *int          `json:"partn"`
	Children   []LsblkDevice `json:"children"`
}

// LsblkOutput is the root JSON structure from lsblk.
type LsblkOutput struct {
	BlockDevices []LsblkDevice `json:"blockdevices"`
}

// Enumerator answers questions about disks and partitions and performs the
// device-level operations the engine needs (wipe, settle, reprobe, loop
// attach). All tool invocations go through the Commander.
type Enumerator struct {
	Cmd runner.Commander
}

// New returns an Enumerator backed by the given Commander.
func New(cmd runner.Commander) *Enumerator {
	return &Enumerator{Cmd: cmd}
}

// DevicePath normalizes a bare kernel name like "sdb" to its /dev path.
// Anything already containing a path separator (device paths, image files)
// passes through unchanged.
func DevicePath(name string) string {
	if name == "" || strings.ContainsRune(name, '/') {
		return name
	}
	return "/dev/" + name
}

// ShortName strips the /dev prefix from a device path.
func ShortName(dev string) string {
	return strings.TrimPrefix(dev, "/dev/")
}

// PartitionPath returns the device node for partition index on a disk,
// handling the mmcblk/nvme/loop "p" suffix convention.
func PartitionPath(disk string, index int) string {
	name := ShortName(DevicePath(disk))
	if strings.HasPrefix(name, "mmcblk") || strings.HasPrefix(name, "nvme") || strings.HasPrefix(name, "loop") {
		return fmt.Sprintf("/dev/%sp%d", name, index)
	}
	return fmt.Sprintf("/dev/%s%d", name, index)
}

// ParentDisk resolves the whole-disk device owning dev. If dev is already a
// disk (no parent), dev itself is returned.
func (e *Enumerator) ParentDisk(ctx context.Context, dev string) (string, error) {
	dev = DevicePath(dev)
	out, err := e.Cmd.Output(ctx, "lsblk", "-no", "PKNAME", dev)
	if err != nil {
		return "", fmt.Errorf("resolving parent disk of %s: %w", dev, err)
	}
	parent := firstLine(out)
	if parent == "" {
		return dev, nil
	}
	return DevicePath(parent), nil
}

// Partitions enumerates the child partitions of a disk in table order,
// probing missing filesystem types via blkid.
func (e *Enumerator) Partitions(ctx context.Context, disk string) ([]Partition, error) {
	disk = DevicePath(disk)
	out, err := e.Cmd.Output(ctx, "lsblk", "-J", "-b", "-o", "NAME,FSTYPE,UUID,START,SIZE,PARTN,TYPE", disk)
	if err != nil {
		return nil, fmt.Errorf("enumerating partitions of %s: %w", disk, err)
	}

	var parsed LsblkOutput
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return nil, fmt.Errorf("parsing lsblk output for %s: %w", disk, err)
	}

	var parts []Partition
	for _, device := range parsed.BlockDevices {
		for _, child := range device.Children {
			if child.Type != "" && child.Type != "part" {
				continue
			}
			p := Partition{
				Path:      DevicePath(child.Name),
				Name:      child.Name,
				Fstype:    child.Fstype,
				UUID:      child.UUID,
				SizeBytes: child.Size,
			}
			if child.Start != nil {
				p.StartSector = *child.Start
			}
			if child.Partn != nil {
				p.Index = *child.Partn
			}
			if p.Fstype == "" {
				if probed, err := e.ProbeFstype(ctx, p.Path); err == nil {
					p.Fstype = probed
				}
			}
			if p.UUID == "" {
				if probed, err := e.FsUUID(ctx, p.Path); err == nil {
					p.UUID = probed
				}
			}
			parts = append(parts, p)
		}
	}
	return parts, nil
}

// ProbeFstype asks blkid for the filesystem type of a device.
func (e *Enumerator) ProbeFstype(ctx context.Context, dev string) (string, error) {
	out, err := e.Cmd.Output(ctx, "blkid", "-s", "TYPE", "-o", "value", DevicePath(dev))
	if err != nil {
		return "", err
	}
	return firstLine(out), nil
}

// FsUUID asks blkid for the filesystem UUID of a device.
func (e *Enumerator) FsUUID(ctx context.Context, dev string) (string, error) {
	out, err := e.Cmd.Output(ctx, "blkid", "-s", "UUID", "-o", "value", DevicePath(dev))
	if err != nil {
		return "", err
	}
	return firstLine(out), nil
}

// SizeBytes reports the capacity of a block device. blockdev is tried first;
// on failure the BLKGETSIZE64 ioctl is used directly.
func (e *Enumerator) SizeBytes(ctx context.Context, dev string) (uint64, error) {
	dev = DevicePath(dev)
	out, err := e.Cmd.Output(ctx, "blockdev", "--getsize64", dev)
	if err == nil {
		if size, perr := strconv.ParseUint(firstLine(out), 10, 64); perr == nil {
			return size, nil
		}
	}
	return sizeBySeek(dev)
}

// sizeBySeek opens the device and seeks to its end, which the kernel reports
// as the device capacity. Used when blockdev is unavailable.
func sizeBySeek(dev string) (uint64, error) {
	f, err := os.OpenFile(dev, os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return 0, fmt.Errorf("querying size of %s: %w", dev, err)
	}
	defer f.Close()
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("seeking end of %s: %w", dev, err)
	}
	return uint64(size), nil
}

// DiskID extracts the partition table label-id (disk identifier) reported by
// sfdisk, e.g. "0x1234abcd" for a dos label.
func (e *Enumerator) DiskID(ctx context.Context, disk string) (string, error) {
	out, err := e.Cmd.Output(ctx, "sfdisk", "-d", DevicePath(disk))
	if err != nil {
		return "", fmt.Errorf("reading disk id of %s: %w", disk, err)
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "label-id:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "label-id:")), nil
		}
	}
	return "", nil
}

// Disks lists all whole-disk device names (no /dev prefix) currently present.
func (e *Enumerator) Disks(ctx context.Context) ([]string, error) {
	out, err := e.Cmd.Output(ctx, "lsblk", "-dn", "-o", "NAME")
	if err != nil {
		return nil, fmt.Errorf("listing disks: %w", err)
	}
	return strings.Fields(out), nil
}

// Settle waits for udev to finish processing pending device events.
func (e *Enumerator) Settle(ctx context.Context) error {
	return e.Cmd.Run(ctx, "udevadm", "settle")
}

// Reprobe asks the kernel to re-read the partition table of a disk.
func (e *Enumerator) Reprobe(ctx context.Context, disk string) error {
	return e.Cmd.Run(ctx, "partprobe", DevicePath(disk))
}

// WipeSignatures forcibly clears all filesystem and partition table
// signatures from a disk.
func (e *Enumerator) WipeSignatures(ctx context.Context, disk string) error {
	return e.Cmd.Run(ctx, "wipefs", "-a", DevicePath(disk))
}

// FlushBuffers flushes kernel buffers for a disk to stable storage.
func (e *Enumerator) FlushBuffers(ctx context.Context, disk string) error {
	return e.Cmd.Run(ctx, "blockdev", "--flushbufs", DevicePath(disk))
}

// AttachLoop attaches an image file to a free loop device with partition
// scanning enabled, returning the loop device path.
func (e *Enumerator) AttachLoop(ctx context.Context, imagePath string) (string, error) {
	out, err := e.Cmd.Output(ctx, "losetup", "-fP", "--show", imagePath)
	if err != nil {
		return "", fmt.Errorf("attaching loop device for %s: %w", imagePath, err)
	}
	loopDev := firstLine(out)
	if loopDev == "" {
		return "", fmt.Errorf("losetup returned no device for %s", imagePath)
	}
	if err := e.Settle(ctx); err != nil {
		return loopDev, err
	}
	if err := e.Reprobe(ctx, loopDev); err != nil {
		return loopDev, err
	}
	return loopDev, nil
}

// DetachLoop detaches a previously attached loop device.
func (e *Enumerator) DetachLoop(ctx context.Context, loopDev string) error {
	return e.Cmd.Run(ctx, "losetup", "-d", loopDev)
}

// WaitPartitions polls until a disk exposes at least want partition nodes or
// attempts run out. Kernel partition-node creation is asynchronous after a
// table rewrite, so a bounded retry with settling is required.
func (e *Enumerator) WaitPartitions(ctx context.Context, disk string, want int, attempts int, delay time.Duration) ([]Partition, error) {
	var parts []Partition
	var err error
	for i := 0; i < attempts; i++ {
		parts, err = e.Partitions(ctx, disk)
		if err == nil && len(parts) >= want {
			return parts, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	return parts, fmt.Errorf("expected %d partitions on %s, found %d after settling", want, disk, len(parts))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

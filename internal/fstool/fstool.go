// Package fstool wraps the per-filesystem external tooling: consistency
// check, shrink-to-minimum, grow-to-fill, minimum-size query and formatting.
// ext filesystems get the full surface; vfat/ntfs/exfat are format-only.
package fstool

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"cardfleet/internal/runner"
)

// Kind classifies a filesystem type string into the families the engine
// distinguishes.
type Kind int

const (
	KindUnknown Kind = iota
	KindExt
	KindVfat
	KindNtfs
	KindExfat
)

// KindOf maps a raw fstype string (as reported by lsblk/blkid) to a Kind.
func KindOf(fstype string) Kind {
	switch {
	case strings.HasPrefix(fstype, "ext"):
		return KindExt
	case fstype == "vfat" || strings.HasPrefix(fstype, "fat"):
		return KindVfat
	case fstype == "ntfs":
		return KindNtfs
	case fstype == "exfat":
		return KindExfat
	default:
		return KindUnknown
	}
}

// FormatError reports a failed format operation on a target partition.
type FormatError struct {
	Device string
	Fstype string
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("formatting %s as %s: %v", e.Device, e.Fstype, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// ExtTool drives e2fsprogs against ext-family filesystems.
type ExtTool struct {
	Cmd runner.Commander
}

// Check runs a preen-mode consistency check, forcing a full pass.
func (t *ExtTool) Check(ctx context.Context, dev string) error {
	return t.Cmd.Run(ctx, "e2fsck", "-p", "-f", dev)
}

// CheckRepair runs a consistency check answering yes to all repairs. Used
// after an image-stream restore where preen mode may refuse to act.
func (t *ExtTool) CheckRepair(ctx context.Context, dev string) error {
	return t.Cmd.Run(ctx, "e2fsck", "-y", "-f", dev)
}

// ShrinkToMinimum shrinks the filesystem to its minimum possible size.
func (t *ExtTool) ShrinkToMinimum(ctx context.Context, dev string) error {
	return t.Cmd.Run(ctx, "resize2fs", "-M", dev)
}

// Grow expands the filesystem to fill its containing partition.
func (t *ExtTool) Grow(ctx context.Context, dev string) error {
	return t.Cmd.Run(ctx, "resize2fs", dev)
}

// Geometry reads the current block size and block count from the superblock.
func (t *ExtTool) Geometry(ctx context.Context, dev string) (blockSize, blockCount uint64, err error) {
	out, err := t.Cmd.Output(ctx, "tune2fs", "-l", dev)
	if err != nil {
		return 0, 0, fmt.Errorf("reading superblock of %s: %w", dev, err)
	}
	blockSize, err = superblockField(out, "Block size")
	if err != nil {
		return 0, 0, fmt.Errorf("superblock of %s: %w", dev, err)
	}
	blockCount, err = superblockField(out, "Block count")
	if err != nil {
		return 0, 0, fmt.Errorf("superblock of %s: %w", dev, err)
	}
	return blockSize, blockCount, nil
}

// MinimumBlocks queries the filesystem's estimated minimum block count from
// its free-space-aware minimum size report.
func (t *ExtTool) MinimumBlocks(ctx context.Context, dev string) (uint64, error) {
	out, err := t.Cmd.Output(ctx, "resize2fs", "-P", dev)
	if err != nil {
		return 0, fmt.Errorf("querying minimum size of %s: %w", dev, err)
	}
	// Last field of the last line: "Estimated minimum size of the filesystem: 123456"
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty minimum size report for %s", dev)
	}
	blocks, err := strconv.ParseUint(fields[len(fields)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing minimum size report for %s: %w", dev, err)
	}
	return blocks, nil
}

// MinimumBytes combines the superblock block size with the minimum block
// count into a byte estimate of the smallest the filesystem can get.
func (t *ExtTool) MinimumBytes(ctx context.Context, dev string) (uint64, error) {
	blockSize, _, err := t.Geometry(ctx, dev)
	if err != nil {
		return 0, err
	}
	minBlocks, err := t.MinimumBlocks(ctx, dev)
	if err != nil {
		return 0, err
	}
	return blockSize * minBlocks, nil
}

func superblockField(out, name string) (uint64, error) {
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, name+":") {
			continue
		}
		value := strings.TrimSpace(strings.TrimPrefix(line, name+":"))
		return strconv.ParseUint(value, 10, 64)
	}
	return 0, fmt.Errorf("field %q not found", name)
}

// Formatter creates fresh filesystems on target partitions, mirroring the
// source filesystem type. The UUID is set explicitly for ext targets so all
// clones are indistinguishable at the filesystem level.
type Formatter struct {
	Cmd runner.Commander
}

// Format creates a filesystem of the given type on dev. Unknown types fall
// back to a large-file tuned ext4 without a fixed UUID.
func (f *Formatter) Format(ctx context.Context, dev, fstype, uuid string) error {
	var err error
	switch KindOf(fstype) {
	case KindExt:
		args := []string{"-q", "-F", "-m", "1"}
		if uuid != "" {
			args = append(args, "-U", uuid)
		}
		args = append(args, dev)
		err = f.Cmd.Run(ctx, "mkfs.ext4", args...)
	case KindNtfs:
		err = f.Cmd.Run(ctx, "mkfs.ntfs", "-Q", "-F", dev)
	case KindVfat:
		err = f.Cmd.Run(ctx, "mkfs.vfat", dev)
	case KindExfat:
		err = f.Cmd.Run(ctx, "mkfs.exfat", dev)
	default:
		err = f.Cmd.Run(ctx, "mkfs.ext4", "-q", "-F", "-T", "largefile", "-m", "0", "-e", "continue", dev)
	}
	if err != nil {
		return &FormatError{Device: dev, Fstype: fstype, Err: err}
	}
	return nil
}

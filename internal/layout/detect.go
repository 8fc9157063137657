package layout

import (
	"context"
	"fmt"

	"cardfleet/internal/blockdev"
)

// MinSizer estimates the minimum byte footprint of a filesystem on a device.
// The ext implementation queries the filesystem's free-space-aware minimum
// size report.
type MinSizer interface {
	MinimumBytes(ctx context.Context, dev string) (uint64, error)
}

// Detector resolves a source identifier to a classified Layout.
type Detector struct {
	Enum *blockdev.Enumerator
	Ext  MinSizer

	// Strict disables the last-partition fallback: when no vfat boot / ext
	// root pair is found on a multi-partition disk, detection fails instead
	// of degrading to the last partition.
	Strict bool
}

// Detect resolves the owning disk of source (which may name the disk itself
// or any of its partitions), enumerates and classifies its partitions, and
// computes the minimum required clone footprint.
//
// Classification policy:
//   - exactly one data partition: that partition is root, no boot
//   - otherwise, in table order: first vfat partition is boot, first ext*
//     partition is root
//   - if no ext root was found, the last partition is used as root
//     (best-effort degraded mode, disabled by Strict)
func (d *Detector) Detect(ctx context.Context, source string) (Layout, error) {
	disk, err := d.Enum.ParentDisk(ctx, source)
	if err != nil {
		return Layout{}, err
	}

	parts, err := d.Enum.Partitions(ctx, disk)
	if err != nil {
		return Layout{}, err
	}
	if len(parts) == 0 {
		return Layout{}, fmt.Errorf("%w: %s has no partitions", ErrNoRootPartition, disk)
	}

	var boot *Partition
	var root *Partition

	if len(parts) == 1 {
		root = toPartition(parts[0])
	} else {
		for i := range parts {
			p := parts[i]
			switch {
			case p.Fstype == "vfat" && boot == nil:
				boot = toPartition(p)
			case IsExt(p.Fstype) && root == nil:
				root = toPartition(p)
			}
		}
		if root == nil {
			if d.Strict {
				return Layout{}, fmt.Errorf("%w: no ext partition on %s (strict mode)", ErrNoRootPartition, disk)
			}
			root = toPartition(parts[len(parts)-1])
		}
	}
	if root == nil {
		return Layout{}, fmt.Errorf("%w on %s", ErrNoRootPartition, disk)
	}

	diskID, err := d.Enum.DiskID(ctx, disk)
	if err != nil {
		return Layout{}, err
	}

	lay := Layout{
		SourceDisk: disk,
		DiskID:     diskID,
		Boot:       boot,
		Root:       *root,
	}

	required, err := d.requiredBytes(ctx, lay.Root)
	if err != nil {
		return Layout{}, err
	}
	lay.RequiredBytes = required

	return lay, nil
}

// requiredBytes computes rootStart*512 + estimatedMinimumFilesystemBytes.
// For ext filesystems the estimate comes from the filesystem's own minimum
// size report; anything else cannot be shrunk, so the current partition size
// is the estimate.
func (d *Detector) requiredBytes(ctx context.Context, root Partition) (uint64, error) {
	startBytes := root.StartSector * blockdev.SectorSize
	if !IsExt(root.Fstype) {
		return startBytes + root.SizeBytes, nil
	}
	minBytes, err := d.Ext.MinimumBytes(ctx, root.Path)
	if err != nil {
		return 0, fmt.Errorf("estimating minimum size of %s: %w", root.Path, err)
	}
	return startBytes + minBytes, nil
}

func toPartition(p blockdev.Partition) *Partition {
	return &Partition{
		Path:        p.Path,
		Fstype:      p.Fstype,
		UUID:        p.UUID,
		StartSector: p.StartSector,
		SizeBytes:   p.SizeBytes,
		Index:       p.Index,
	}
}

// Package layout discovers and classifies the source device's partition
// geometry. The Layout record it produces is immutable and shared read-only
// by every downstream component; nothing in a clone job may mutate it.
package layout

import (
	"errors"
	"strings"

	"cardfleet/internal/blockdev"
)

// ErrNoRootPartition is returned when no root partition candidate can be
// identified, even after the last-partition fallback. This is fatal: no
// useful clone can proceed without a root.
var ErrNoRootPartition = errors.New("no root partition candidate found")

// Partition is the subset of partition facts the engine needs.
type Partition struct {
	Path        string
	Fstype      string
	UUID        string
	StartSector uint64 // 512-byte sectors
	SizeBytes   uint64
	Index       int // 1-based partition table index
}

// SizeSectors returns the partition size in 512-byte sectors.
func (p Partition) SizeSectors() uint64 {
	return p.SizeBytes / blockdev.SectorSize
}

// Layout holds the immutable facts about the source device, derived once per
// run.
type Layout struct {
	// SourceDisk is the whole-disk device, e.g. /dev/sdb.
	SourceDisk string
	// DiskID is the partition table label-id, replicated onto targets so
	// partition UUIDs match across all clones.
	DiskID string
	// Boot is the optional boot partition (dual-partition layouts only).
	Boot *Partition
	// Root is the partition holding the filesystem to clone.
	Root Partition
	// RequiredBytes is the minimum byte extent (partition start through end
	// of the root filesystem's minimum size) any valid clone target must
	// accommodate. It is a pure function of the source and never references
	// target state.
	RequiredBytes uint64
}

// SinglePartition reports whether the source has only a root partition.
func (l Layout) SinglePartition() bool { return l.Boot == nil }

// RootStartByte returns the byte offset where the root partition begins.
func (l Layout) RootStartByte() uint64 {
	return l.Root.StartSector * blockdev.SectorSize
}

// RootEndByte returns the byte offset where the root partition currently
// ends. When no shrink occurs this is the block-copy cutoff.
func (l Layout) RootEndByte() uint64 {
	return l.RootStartByte() + l.Root.SizeBytes
}

// IsExt reports whether a filesystem type string names an ext-family
// filesystem (ext2/ext3/ext4).
func IsExt(fstype string) bool {
	return strings.HasPrefix(fstype, "ext")
}

// Package shrink temporarily shrinks the source root partition so it fits
// the smallest admitted target, and restores it afterwards. The restore is
// unconditional: once a shrink has happened, every exit path grows the
// partition and filesystem back, even when the surrounding run is cancelled.
package shrink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"cardfleet/internal/blockdev"
	"cardfleet/internal/layout"
	"cardfleet/internal/runner"
)

const (
	// GuardBandBytes is the default safety margin below the smallest target
	// capacity. A shrink is required whenever the root currently ends above
	// minTarget - guardBand.
	GuardBandBytes = 64 * 1024 * 1024

	// SafetyBufferBytes is the default slack added on top of the shrunk
	// filesystem size when computing the new partition end, so the
	// filesystem never presses against the partition boundary.
	SafetyBufferBytes = 200 * 1024 * 1024

	zeroFillChunk = 4 * 1024 * 1024
)

// Tuning overrides the shrink margins. Zero fields keep the defaults.
type Tuning struct {
	GuardBandBytes    uint64
	SafetyBufferBytes uint64
}

func (t Tuning) guardBand() uint64 {
	if t.GuardBandBytes > 0 {
		return t.GuardBandBytes
	}
	return GuardBandBytes
}

func (t Tuning) safetyBuffer() uint64 {
	if t.SafetyBufferBytes > 0 {
		return t.SafetyBufferBytes
	}
	return SafetyBufferBytes
}

// ExtTool is the ext filesystem surface the executor needs.
type ExtTool interface {
	Check(ctx context.Context, dev string) error
	ShrinkToMinimum(ctx context.Context, dev string) error
	Grow(ctx context.Context, dev string) error
	Geometry(ctx context.Context, dev string) (blockSize, blockCount uint64, err error)
}

// Plan describes whether and how far the source root must shrink.
type Plan struct {
	// Needed reports whether a shrink must happen at all.
	Needed bool
	// MinTargetBytes is the capacity of the smallest admitted target.
	MinTargetBytes uint64
}

// Decide computes the shrink plan for a source layout against the smallest
// admitted target capacity. Non-ext roots are never shrunk: admission already
// guarantees every admitted target holds the unshrunk end, so the clone
// proceeds with the original geometry even inside the guard band.
func Decide(lay layout.Layout, minTargetBytes uint64, tun Tuning) (Plan, error) {
	plan := Plan{MinTargetBytes: minTargetBytes}
	if minTargetBytes > tun.guardBand() && lay.RootEndByte() <= minTargetBytes-tun.guardBand() {
		return plan, nil
	}
	if !layout.IsExt(lay.Root.Fstype) {
		return plan, nil
	}
	if minTargetBytes <= tun.guardBand() {
		return plan, fmt.Errorf("smallest target (%d bytes) is below the guard band", minTargetBytes)
	}
	plan.Needed = true
	return plan, nil
}

// Executor performs the shrink and restore steps on the live source device.
type Executor struct {
	Cmd  runner.Commander
	Enum *blockdev.Enumerator
	Ext  ExtTool

	// SkipZeroFill disables the pre-shrink zero-fill pass. Zero-filling
	// free space improves block-copy sparseness but takes time on large
	// filesystems.
	SkipZeroFill bool

	// Tuning overrides the default shrink margins.
	Tuning Tuning

	Logf func(format string, args ...any)
}

func (x *Executor) logf(format string, args ...any) {
	if x.Logf != nil {
		x.Logf(format, args...)
	}
}

// Result records what a shrink changed, so the block-copy cutoff and the
// restore know the post-shrink geometry.
type Result struct {
	// Shrunk reports whether the partition was actually resized.
	Shrunk bool
	// NewRootEndByte is the root partition's end after the shrink (equal to
	// the original end when Shrunk is false).
	NewRootEndByte uint64
}

// Shrink shrinks the source root filesystem to minimum and the partition to
// the filesystem size plus a safety buffer. The caller must pair it with
// Restore on every exit path; Run does this automatically.
func (x *Executor) Shrink(ctx context.Context, lay layout.Layout) (Result, error) {
	root := lay.Root.Path

	if !x.SkipZeroFill {
		if err := x.zeroFill(ctx, root); err != nil {
			// Zero-filling is best effort. A full filesystem or a transient
			// mount error must not abort the run.
			x.logf("zero-fill on %s skipped: %v", root, err)
		}
	}

	if err := x.Ext.Check(ctx, root); err != nil {
		return Result{}, fmt.Errorf("pre-shrink check of %s: %w", root, err)
	}
	if err := x.Ext.ShrinkToMinimum(ctx, root); err != nil {
		return Result{}, fmt.Errorf("shrinking filesystem on %s: %w", root, err)
	}

	blockSize, blockCount, err := x.Ext.Geometry(ctx, root)
	if err != nil {
		return Result{}, err
	}
	fsBytes := blockSize*blockCount + x.Tuning.safetyBuffer()
	newEnd := lay.RootStartByte() + fsBytes

	// parted refuses to shrink a partition non-interactively; feeding the
	// confirmation through its pretend-tty mode is the documented way around
	// that.
	err = x.Cmd.RunInput(ctx, "Yes\n", "parted", "---pretend-input-tty",
		lay.SourceDisk, "unit", "B",
		"resizepart", fmt.Sprint(lay.Root.Index), fmt.Sprint(newEnd))
	if err != nil {
		return Result{}, fmt.Errorf("shrinking root partition on %s: %w", lay.SourceDisk, err)
	}
	if err := x.Enum.Settle(ctx); err != nil {
		x.logf("udev settle after shrink: %v", err)
	}

	x.logf("shrunk %s to end at byte %d (%d fs bytes + buffer)", root, newEnd, blockSize*blockCount)
	return Result{Shrunk: true, NewRootEndByte: newEnd}, nil
}

// Restore grows the source root partition back to 100% of the disk and the
// filesystem back to fill it. It deliberately ignores cancellation of the
// surrounding run: a cancelled clone must still leave the source intact.
func (x *Executor) Restore(ctx context.Context, lay layout.Layout) error {
	ctx = context.WithoutCancel(ctx)
	root := lay.Root.Path

	err := x.Cmd.Run(ctx, "parted", "-s", lay.SourceDisk,
		"resizepart", fmt.Sprint(lay.Root.Index), "100%")
	if err != nil {
		return fmt.Errorf("restoring root partition on %s: %w", lay.SourceDisk, err)
	}
	if err := x.Enum.Settle(ctx); err != nil {
		x.logf("udev settle after restore: %v", err)
	}
	if err := x.Ext.Grow(ctx, root); err != nil {
		return fmt.Errorf("regrowing filesystem on %s: %w", root, err)
	}
	x.logf("restored %s to full size", root)
	return nil
}

// Run executes fn with the source shrunk per plan, guaranteeing the restore
// afterwards. When the plan needs no shrink, fn runs against the original
// geometry.
func (x *Executor) Run(ctx context.Context, lay layout.Layout, plan Plan, fn func(ctx context.Context, res Result) error) (err error) {
	if !plan.Needed {
		return fn(ctx, Result{NewRootEndByte: lay.RootEndByte()})
	}

	res, err := x.Shrink(ctx, lay)
	if err != nil {
		// A failed partition resize may still have shrunk the filesystem;
		// restoring is safe either way.
		if rerr := x.Restore(ctx, lay); rerr != nil {
			x.logf("restore after failed shrink: %v", rerr)
		}
		return err
	}
	defer func() {
		if rerr := x.Restore(ctx, lay); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(ctx, res)
}

// zeroFill mounts the root filesystem at a private mountpoint and writes a
// zero-filled file until the filesystem is full, then deletes it. This makes
// freed blocks compress to nothing during block copies.
func (x *Executor) zeroFill(ctx context.Context, root string) error {
	mnt, err := os.MkdirTemp("", "cardfleet-zerofill-")
	if err != nil {
		return err
	}
	defer os.Remove(mnt)

	if err := x.Cmd.Run(ctx, "mount", root, mnt); err != nil {
		return fmt.Errorf("mounting %s: %w", root, err)
	}
	defer func() {
		if uerr := x.Cmd.Run(ctx, "umount", mnt); uerr != nil {
			x.logf("unmounting zero-fill mount %s: %v", mnt, uerr)
		}
	}()

	x.logf("zero-filling free space on %s", root)
	fill := filepath.Join(mnt, ".cardfleet-zero")
	f, err := os.Create(fill)
	if err != nil {
		return err
	}
	defer os.Remove(fill)

	buf := make([]byte, zeroFillChunk)
	for {
		if err := ctx.Err(); err != nil {
			f.Close()
			return err
		}
		if _, werr := f.Write(buf); werr != nil {
			// ENOSPC ends the fill pass.
			break
		}
	}
	if err := f.Sync(); err != nil {
		x.logf("syncing zero-fill file: %v", err)
	}
	return f.Close()
}

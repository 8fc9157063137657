package strategy

import (
	"context"
	"fmt"

	"cardfleet/internal/layout"
)

// BlockCopy replicates the source disk byte for byte up to the cutoff, then
// grows the target's root partition and filesystem to fill the target. The
// partition table rides along inside the copied bytes, so no rebuild is
// needed; every clone carries the source's disk identifier automatically.
type BlockCopy struct {
	Deps
}

func (s *BlockCopy) Name() string { return "block" }

func (s *BlockCopy) Clone(ctx context.Context, job Job) error {
	lay := job.Layout
	target := job.TargetDisk

	if err := s.Mounts.UnmountAllOf(ctx, target); err != nil {
		return err
	}

	s.logf("block copy %s -> %s (%d bytes)", lay.SourceDisk, target, job.CutoffByte)
	if err := copyRange(ctx, lay.SourceDisk, target, job.CutoffByte); err != nil {
		return fmt.Errorf("block copy to %s: %w", target, err)
	}

	if err := s.Enum.Settle(ctx); err != nil {
		return err
	}
	if err := s.Enum.Reprobe(ctx, target); err != nil {
		return fmt.Errorf("reprobing %s: %w", target, err)
	}

	// The copied root partition ends at the cutoff; push it out to fill the
	// target, then let the filesystem catch up.
	err := s.Cmd.Run(ctx, "parted", "-s", target,
		"resizepart", fmt.Sprint(lay.Root.Index), "100%")
	if err != nil {
		return fmt.Errorf("growing root partition on %s: %w", target, err)
	}
	if err := s.Enum.Settle(ctx); err != nil {
		return err
	}

	if !layout.IsExt(lay.Root.Fstype) {
		return nil
	}

	root, err := rootOnTarget(ctx, s.Enum, target, lay)
	if err != nil {
		return err
	}
	if err := s.Ext.Check(ctx, root); err != nil {
		return fmt.Errorf("checking %s: %w", root, err)
	}
	if err := s.Ext.Grow(ctx, root); err != nil {
		return fmt.Errorf("growing filesystem on %s: %w", root, err)
	}
	return s.Enum.FlushBuffers(ctx, target)
}

package strategy

import (
	"context"
	"fmt"

	"cardfleet/internal/layout"
	"cardfleet/internal/runner"
)

// ImageStream rebuilds the partition table on the target and streams the
// source root filesystem through a save/restore archiver pipe. Only used
// space crosses the pipe, so large mostly-empty filesystems clone quickly
// without a shrink.
type ImageStream struct {
	Deps
}

func (s *ImageStream) Name() string { return "image" }

func (s *ImageStream) Clone(ctx context.Context, job Job) error {
	lay := job.Layout
	target := job.TargetDisk

	if err := s.Mounts.UnmountAllOf(ctx, target); err != nil {
		return err
	}

	nodes, err := s.Build.Rebuild(ctx, lay, target)
	if err != nil {
		return err
	}

	if lay.Boot != nil {
		s.logf("copying boot partition %s -> %s", lay.Boot.Path, nodes.Boot)
		if err := copyRange(ctx, lay.Boot.Path, nodes.Boot, lay.Boot.SizeBytes); err != nil {
			return fmt.Errorf("copying boot partition to %s: %w", nodes.Boot, err)
		}
	}

	s.logf("streaming filesystem image %s -> %s", lay.Root.Path, nodes.Root)
	save := runner.Cmd{Name: "fsarchiver", Args: []string{"savefs", "-", lay.Root.Path}}
	restore := runner.Cmd{Name: "fsarchiver", Args: []string{"restfs", "-", "id=0,dest=" + nodes.Root}}
	if err := s.Cmd.Pipe(ctx, save, restore); err != nil {
		return fmt.Errorf("streaming image to %s: %w", nodes.Root, err)
	}

	if layout.IsExt(lay.Root.Fstype) {
		// The restored filesystem keeps the source geometry; repair any
		// restore artifacts, then grow to fill the rebuilt partition.
		if err := s.Ext.CheckRepair(ctx, nodes.Root); err != nil {
			return fmt.Errorf("checking %s: %w", nodes.Root, err)
		}
		if err := s.Ext.Grow(ctx, nodes.Root); err != nil {
			return fmt.Errorf("growing filesystem on %s: %w", nodes.Root, err)
		}
	}
	return s.Enum.FlushBuffers(ctx, target)
}

package strategy

import (
	"context"
	"fmt"

	"cardfleet/internal/fstool"
	"cardfleet/internal/layout"
	"cardfleet/internal/mountpoint"
)

// FileSync rebuilds the partition table on the target, creates fresh
// filesystems carrying the source UUIDs, and copies the contents file by
// file. Fresh filesystems mean the target never inherits source
// fragmentation or journal damage.
type FileSync struct {
	Deps

	// CopyWorkers selects the built-in parallel tree copier with that many
	// workers instead of rsync. Zero means rsync.
	CopyWorkers int

	src *mountpoint.Mount
}

func (s *FileSync) Name() string { return "file" }

// PrepareSource mounts the source root read-only once, shared by every job.
// The mount is safe for unbounded concurrent readers; the returned release
// must run after all jobs have joined and before the source is restored.
func (s *FileSync) PrepareSource(ctx context.Context, lay layout.Layout) (release func(), err error) {
	src, err := s.Mounts.MountReadOnly(ctx, lay.Root.Path)
	if err != nil {
		return nil, err
	}
	s.src = src
	return func() {
		s.src = nil
		if uerr := src.Unmount(ctx); uerr != nil {
			s.logf("unmount shared source root: %v", uerr)
		}
	}, nil
}

func (s *FileSync) Clone(ctx context.Context, job Job) error {
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

	s.logf("formatting %s as %s", nodes.Root, lay.Root.Fstype)
	if err := s.Format.Format(ctx, nodes.Root, lay.Root.Fstype, lay.Root.UUID); err != nil {
		return err
	}

	if err := s.syncRoot(ctx, lay, nodes.Root); err != nil {
		return err
	}
	return s.Enum.FlushBuffers(ctx, target)
}

// syncRoot mounts the target root at a private mountpoint and replicates the
// source tree into it. The shared source mount comes from PrepareSource;
// without one (explicit single-target invocations) a job-local read-only
// mount is used instead.
func (s *FileSync) syncRoot(ctx context.Context, lay layout.Layout, rootDev string) error {
	src := s.src
	if src == nil {
		local, err := s.Mounts.MountReadOnly(ctx, lay.Root.Path)
		if err != nil {
			return err
		}
		defer func() {
			if uerr := local.Unmount(ctx); uerr != nil {
				s.logf("unmount source root: %v", uerr)
			}
		}()
		src = local
	}

	dst, err := s.Mounts.MountPrivate(ctx, rootDev)
	if err != nil {
		return err
	}
	defer func() {
		if uerr := dst.Unmount(ctx); uerr != nil {
			s.logf("unmount target root: %v", uerr)
		}
	}()

	if s.CopyWorkers > 0 {
		s.logf("tree copy %s -> %s with %d workers", src.Path, dst.Path, s.CopyWorkers)
		return copyTree(ctx, src.Path, dst.Path, s.CopyWorkers, fstool.KindOf(lay.Root.Fstype))
	}
	return s.rsync(ctx, lay, src, dst)
}

// rsync replicates the tree with full metadata on filesystems that support
// it. FAT, NTFS and exFAT cannot hold ownership or xattrs, so they get a
// reduced flag set that avoids a wall of per-file errors.
func (s *FileSync) rsync(ctx context.Context, lay layout.Layout, src, dst *mountpoint.Mount) error {
	var args []string
	switch fstool.KindOf(lay.Root.Fstype) {
	case fstool.KindVfat, fstool.KindNtfs, fstool.KindExfat:
		args = []string{"-rtv", "--inplace"}
	default:
		args = []string{"-aHAX", "--numeric-ids", "--inplace",
			"--filter=-x security.selinux", "--one-file-system"}
	}
	args = append(args, src.Path+"/", dst.Path+"/")
	if err := s.Cmd.Run(ctx, "rsync", args...); err != nil {
		return fmt.Errorf("syncing files to %s: %w", dst.Device, err)
	}
	return nil
}

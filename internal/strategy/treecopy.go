package strategy

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"cardfleet/internal/fstool"
)

// copyTree replicates the tree rooted at src into dst with workers parallel
// file copiers. Directories and symlinks are created during the walk; file
// contents are copied concurrently. Hardlink groups are preserved by linking
// every later occurrence of an inode to its first copy. On FAT, NTFS and
// exFAT targets ownership, xattrs and symlinks are skipped since the
// filesystem cannot represent them.
func copyTree(ctx context.Context, src, dst string, workers int, kind fstool.Kind) error {
	full := kind != fstool.KindVfat && kind != fstool.KindNtfs && kind != fstool.KindExfat

	c := &treeCopier{src: src, dst: dst, full: full, inodes: map[uint64]string{}}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	srcDev, err := deviceOf(src)
	if err != nil {
		return err
	}

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		st, ok := info.Sys().(*syscall.Stat_t)
		if !ok {
			return fmt.Errorf("no stat for %s", path)
		}

		// Stay on one filesystem, like the source mount itself.
		if d.IsDir() && st.Dev != srcDev {
			return filepath.SkipDir
		}

		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			if err := os.Mkdir(target, info.Mode().Perm()); err != nil && !os.IsExist(err) {
				return err
			}
			return c.applyMeta(target, path, info, st)
		case info.Mode()&os.ModeSymlink != 0:
			if !full {
				return nil
			}
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.Symlink(link, target); err != nil {
				return err
			}
			return c.applySymlinkMeta(target, st)
		case info.Mode().IsRegular():
			if st.Nlink > 1 {
				// First occurrence of a hardlink group copies inline so
				// later occurrences always find their link target.
				prev, seen := c.linkTarget(st.Ino, target)
				if seen {
					return os.Link(prev, target)
				}
				return c.copyFile(ctx, path, target, info, st)
			}
			g.Go(func() error {
				return c.copyFile(ctx, path, target, info, st)
			})
			return nil
		default:
			// Device nodes and fifos on the source image.
			if !full {
				return nil
			}
			return c.copySpecial(path, target, info, st)
		}
	})

	gerr := g.Wait()
	if err != nil {
		return err
	}
	return gerr
}

type treeCopier struct {
	src, dst string
	full     bool

	mu     sync.Mutex
	inodes map[uint64]string
}

// linkTarget returns the first copied path for an inode, recording target as
// the first occurrence when the inode is new.
func (c *treeCopier) linkTarget(ino uint64, target string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.inodes[ino]; ok {
		return prev, true
	}
	c.inodes[ino] = target
	return "", false
}

func (c *treeCopier) copyFile(ctx context.Context, src, dst string, info fs.FileInfo, st *syscall.Stat_t) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return c.applyMeta(dst, src, info, st)
}

func (c *treeCopier) copySpecial(src, dst string, info fs.FileInfo, st *syscall.Stat_t) error {
	mode := uint32(st.Mode)
	if err := unix.Mknod(dst, mode, int(st.Rdev)); err != nil {
		return fmt.Errorf("recreating %s: %w", src, err)
	}
	return c.applyMeta(dst, src, info, st)
}

// applyMeta carries ownership, mode, timestamps and xattrs onto the copy.
// selinux labels are owned by the target system's policy and are excluded.
func (c *treeCopier) applyMeta(dst, src string, info fs.FileInfo, st *syscall.Stat_t) error {
	if !c.full {
		return nil
	}
	if err := os.Lchown(dst, int(st.Uid), int(st.Gid)); err != nil {
		return err
	}
	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		return err
	}
	if err := copyXattrs(src, dst); err != nil {
		return err
	}
	ts := []unix.Timespec{
		unix.NsecToTimespec(st.Atim.Nano()),
		unix.NsecToTimespec(st.Mtim.Nano()),
	}
	return unix.UtimesNanoAt(unix.AT_FDCWD, dst, ts, 0)
}

func (c *treeCopier) applySymlinkMeta(dst string, st *syscall.Stat_t) error {
	return os.Lchown(dst, int(st.Uid), int(st.Gid))
}

func copyXattrs(src, dst string) error {
	size, err := unix.Llistxattr(src, nil)
	if err != nil || size == 0 {
		// Filesystems without xattr support return ENOTSUP.
		return nil
	}
	buf := make([]byte, size)
	size, err = unix.Llistxattr(src, buf)
	if err != nil {
		return nil
	}
	for _, name := range strings.Split(strings.TrimRight(string(buf[:size]), "\x00"), "\x00") {
		if name == "" || strings.HasPrefix(name, "security.selinux") {
			continue
		}
		vsize, err := unix.Lgetxattr(src, name, nil)
		if err != nil {
			continue
		}
		value := make([]byte, vsize)
		vsize, err = unix.Lgetxattr(src, name, value)
		if err != nil {
			continue
		}
		if err := unix.Lsetxattr(dst, name, value[:vsize], 0); err != nil && err != unix.ENOTSUP {
			return fmt.Errorf("setting xattr %s on %s: %w", name, dst, err)
		}
	}
	return nil
}

func deviceOf(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return uint64(st.Dev), nil
}

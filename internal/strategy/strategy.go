// Package strategy implements the three ways a source can be replicated onto
// a target: raw block copy, per-file sync onto fresh filesystems, and a
// filesystem image stream. Every strategy owns its target end to end; jobs
// for different targets never share mutable state.
package strategy

import (
	"context"
	"fmt"
	"io"
	"os"

	"cardfleet/internal/blockdev"
	"cardfleet/internal/fstool"
	"cardfleet/internal/layout"
	"cardfleet/internal/mountpoint"
	"cardfleet/internal/ptable"
	"cardfleet/internal/runner"
)

// ChunkBytes is the unit of raw device copies. Chunks that read as all
// zeroes are skipped on the write side so unused space stays sparse.
const ChunkBytes = 4 * 1024 * 1024

// Job is the per-target work order handed to a strategy.
type Job struct {
	Layout layout.Layout
	// TargetDisk is the whole-disk device to clone onto.
	TargetDisk string
	// CutoffByte is how far into the source a raw copy must reach: the root
	// partition's end after any shrink.
	CutoffByte uint64
}

// Strategy clones one source onto one target.
type Strategy interface {
	Name() string
	Clone(ctx context.Context, job Job) error
}

// Deps bundles the shared collaborators strategies draw on. All of them are
// safe for concurrent use.
type Deps struct {
	Cmd    runner.Commander
	Enum   *blockdev.Enumerator
	Mounts *mountpoint.Manager
	Build  *ptable.Builder
	Ext    *fstool.ExtTool
	Format *fstool.Formatter
	Logf   func(format string, args ...any)
}

func (d Deps) logf(format string, args ...any) {
	if d.Logf != nil {
		d.Logf(format, args...)
	}
}

// New returns the strategy registered under name.
func New(name string, deps Deps) (Strategy, error) {
	switch name {
	case "block", "block-copy":
		return &BlockCopy{Deps: deps}, nil
	case "file", "file-sync":
		return &FileSync{Deps: deps}, nil
	case "image", "image-stream":
		return &ImageStream{Deps: deps}, nil
	default:
		return nil, fmt.Errorf("unknown clone strategy %q", name)
	}
}

// Names lists the accepted strategy names.
func Names() []string {
	return []string{"block", "file", "image"}
}

// copyRange copies length bytes from the start of src onto dst in ChunkBytes
// units, skipping all-zero chunks by seeking. The number of chunks rounds up
// so the final partial chunk is included. dst is synced before returning.
func copyRange(ctx context.Context, src, dst string, length uint64) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", dst, err)
	}
	defer out.Close()

	chunks := (length + ChunkBytes - 1) / ChunkBytes
	buf := make([]byte, ChunkBytes)
	var offset int64

	for i := uint64(0); i < chunks; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := io.ReadFull(in, buf)
		if rerr != nil && rerr != io.ErrUnexpectedEOF && rerr != io.EOF {
			return fmt.Errorf("reading %s at %d: %w", src, offset, rerr)
		}
		if n == 0 {
			break
		}
		chunk := buf[:n]
		if allZero(chunk) {
			offset += int64(n)
			if _, serr := out.Seek(offset, io.SeekStart); serr != nil {
				return fmt.Errorf("seeking %s: %w", dst, serr)
			}
		} else {
			if _, werr := out.Write(chunk); werr != nil {
				return fmt.Errorf("writing %s at %d: %w", dst, offset, werr)
			}
			offset += int64(n)
		}
		if rerr != nil {
			break
		}
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", dst, err)
	}
	return nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// rootOnTarget resolves the target's root partition node by table index.
func rootOnTarget(ctx context.Context, enum *blockdev.Enumerator, target string, lay layout.Layout) (string, error) {
	parts, err := enum.Partitions(ctx, target)
	if err != nil {
		return "", err
	}
	for _, p := range parts {
		if p.Index == lay.Root.Index {
			return p.Path, nil
		}
	}
	return "", fmt.Errorf("partition %d not found on %s", lay.Root.Index, target)
}

// Package ptable rebuilds the partition table on clone targets so their
// geometry mirrors the source: same disk identifier, same partition start
// sectors, root sized to fill the target.
package ptable

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cardfleet/internal/blockdev"
	"cardfleet/internal/layout"
	"cardfleet/internal/runner"
)

// Script renders the sfdisk dump that recreates the source geometry on a
// target. The boot partition (when present) keeps its exact start and size;
// the root partition keeps its start and extends to the end of the disk.
func Script(lay layout.Layout) string {
	var b strings.Builder
	b.WriteString("label: dos\n")
	if lay.DiskID != "" {
		fmt.Fprintf(&b, "label-id: %s\n", lay.DiskID)
	}
	b.WriteString("unit: sectors\n\n")
	if lay.Boot != nil {
		fmt.Fprintf(&b, "start=%d, size=%d, type=c\n", lay.Boot.StartSector, lay.Boot.SizeSectors())
	}
	fmt.Fprintf(&b, "start=%d, type=83\n", lay.Root.StartSector)
	return b.String()
}

// Rebuilt names the partition device nodes created on a target.
type Rebuilt struct {
	// Boot is empty for single-partition layouts.
	Boot string
	Root string
}

// Builder wipes targets and writes the cloned partition table onto them.
type Builder struct {
	Cmd  runner.Commander
	Enum *blockdev.Enumerator

	// SettleAttempts and SettleDelay bound the wait for the kernel to expose
	// the new partition nodes after the table rewrite.
	SettleAttempts int
	SettleDelay    time.Duration
}

func (b *Builder) attempts() int {
	if b.SettleAttempts > 0 {
		return b.SettleAttempts
	}
	return 10
}

func (b *Builder) delay() time.Duration {
	if b.SettleDelay > 0 {
		return b.SettleDelay
	}
	return time.Second
}

// Rebuild unmounts anything on the target, wipes all signatures, writes the
// partition table and waits for the kernel to expose the new nodes. The
// returned Rebuilt maps the layout's partitions to target device paths by
// table position.
func (b *Builder) Rebuild(ctx context.Context, lay layout.Layout, target string) (Rebuilt, error) {
	target = blockdev.DevicePath(target)

	if err := b.unmountAll(ctx, target); err != nil {
		return Rebuilt{}, err
	}
	if err := b.Enum.WipeSignatures(ctx, target); err != nil {
		return Rebuilt{}, fmt.Errorf("wiping %s: %w", target, err)
	}

	script := Script(lay)
	if err := b.Cmd.RunInput(ctx, script, "sfdisk", target); err != nil {
		return Rebuilt{}, fmt.Errorf("writing partition table to %s: %w", target, err)
	}

	if err := b.Enum.Settle(ctx); err != nil {
		return Rebuilt{}, err
	}
	if err := b.Enum.Reprobe(ctx, target); err != nil {
		return Rebuilt{}, fmt.Errorf("reprobing %s: %w", target, err)
	}

	want := 1
	if lay.Boot != nil {
		want = 2
	}
	parts, err := b.Enum.WaitPartitions(ctx, target, want, b.attempts(), b.delay())
	if err != nil {
		return Rebuilt{}, fmt.Errorf("waiting for partitions on %s: %w", target, err)
	}

	var out Rebuilt
	if lay.Boot != nil {
		out.Boot = parts[0].Path
		out.Root = parts[1].Path
	} else {
		out.Root = parts[0].Path
	}
	return out, nil
}

// unmountAll detaches every mounted partition of the target. A target still
// automounted by the desktop would otherwise survive the wipe with stale
// kernel state.
func (b *Builder) unmountAll(ctx context.Context, target string) error {
	parts, err := b.Enum.Partitions(ctx, target)
	if err != nil {
		// No partition table at all is fine for a disk about to be wiped.
		return nil
	}
	for _, p := range parts {
		// Busy errors from not-mounted partitions are expected.
		_ = b.Cmd.Run(ctx, "umount", p.Path)
	}
	return nil
}

// Package watcher discovers newly inserted removable disks by polling the
// disk inventory and diffing it against a baseline taken at startup. Zero
// sized devices (empty card reader slots) and the source disk itself never
// count as targets.
package watcher

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"cardfleet/internal/blockdev"
)

// DisksFoundMsg carries the cumulative set of inserted target disks after a
// poll tick.
type DisksFoundMsg struct {
	Targets []string
	Err     error
}

// Watcher tracks disk insertions relative to a baseline.
type Watcher struct {
	Enum *blockdev.Enumerator
	// Exclude names device paths never reported, typically the source disk
	// and the system disk.
	Exclude []string

	baseline map[string]bool
	found    []string
	seen     map[string]bool
}

// New returns a Watcher excluding the given device paths.
func New(enum *blockdev.Enumerator, exclude ...string) *Watcher {
	return &Watcher{Enum: enum, Exclude: exclude, seen: map[string]bool{}}
}

// Baseline records the currently present disks. Disks present at baseline
// are never reported as insertions.
func (w *Watcher) Baseline(ctx context.Context) error {
	names, err := w.Enum.Disks(ctx)
	if err != nil {
		return err
	}
	w.baseline = make(map[string]bool, len(names))
	for _, n := range names {
		w.baseline[blockdev.DevicePath(n)] = true
	}
	return nil
}

// Poll diffs the current inventory against the baseline and returns the
// cumulative list of inserted, usable target disks.
func (w *Watcher) Poll(ctx context.Context) ([]string, error) {
	names, err := w.Enum.Disks(ctx)
	if err != nil {
		return w.found, err
	}
	for _, n := range names {
		dev := blockdev.DevicePath(n)
		if w.baseline[dev] || w.seen[dev] || w.excluded(dev) {
			continue
		}
		size, err := w.Enum.SizeBytes(ctx, dev)
		if err != nil || size == 0 {
			// Card reader slots show up as zero-size disks until a card
			// is inserted.
			continue
		}
		w.seen[dev] = true
		w.found = append(w.found, dev)
	}
	return w.found, nil
}

// Found returns the targets discovered so far.
func (w *Watcher) Found() []string {
	out := make([]string, len(w.found))
	copy(out, w.found)
	return out
}

// Tick returns a command that polls once after the given interval and
// delivers a DisksFoundMsg.
func (w *Watcher) Tick(ctx context.Context, interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(time.Time) tea.Msg {
		targets, err := w.Poll(ctx)
		return DisksFoundMsg{Targets: targets, Err: err}
	})
}

func (w *Watcher) excluded(dev string) bool {
	for _, e := range w.Exclude {
		if blockdev.DevicePath(e) == dev {
			return true
		}
	}
	return false
}

package ui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"cardfleet/internal/layout"
	"cardfleet/internal/orchestrator"
	"cardfleet/internal/validate"
)

// LayoutReport renders the detected source layout.
func LayoutReport(lay layout.Layout) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("🔍 Source layout") + "\n")
	fmt.Fprintf(&b, "  Disk:     %s (id %s)\n", lay.SourceDisk, lay.DiskID)
	if lay.Boot != nil {
		fmt.Fprintf(&b, "  Boot:     %s  %s  %s\n", lay.Boot.Path, lay.Boot.Fstype, FormatBytes(lay.Boot.SizeBytes))
	}
	fmt.Fprintf(&b, "  Root:     %s  %s  %s\n", lay.Root.Path, lay.Root.Fstype, FormatBytes(lay.Root.SizeBytes))
	fmt.Fprintf(&b, "  Requires: %s per target\n", FormatBytes(lay.RequiredBytes))
	return b.String()
}

// AdmissionReport renders the per-target admission verdicts. Also serves as
// the dry-run output.
func AdmissionReport(verdicts []validate.Verdict) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("📋 Target admission") + "\n")
	for _, v := range verdicts {
		if v.Admitted {
			fmt.Fprintf(&b, "  %s %s (%s)\n", okStyle.Render("✅"), v.Device, FormatBytes(v.CapacityBytes))
		} else {
			fmt.Fprintf(&b, "  %s %s: %s\n", failStyle.Render("❌"), v.Device, v.Reason)
		}
	}
	return b.String()
}

// ShrinkNotice renders the warning shown before a source shrink.
func ShrinkNotice(minTarget uint64) string {
	return warnStyle.Render(fmt.Sprintf(
		"⚠️  Source will be shrunk to fit the smallest target (%s) and restored afterwards",
		FormatBytes(minTarget)))
}

// RunPrinter turns orchestrator events into live progress lines. Safe for
// concurrent use by the worker pool.
type RunPrinter struct {
	mu    sync.Mutex
	Print func(line string)
}

// Notify implements the orchestrator's observer hook.
func (p *RunPrinter) Notify(ev orchestrator.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case !ev.Done:
		p.Print(dimStyle.Render("⏳ " + ev.Target + " cloning..."))
	case ev.Err != nil:
		p.Print(failStyle.Render("❌ " + ev.Target + ": " + ev.Err.Error()))
	default:
		p.Print(okStyle.Render("✅ " + ev.Target + " done"))
	}
}

// Summary renders the final per-target outcome table.
func Summary(results []orchestrator.Result) string {
	var b strings.Builder
	b.WriteString("\n" + titleStyle.Render("🏁 Clone summary") + "\n")
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(&b, "  %s %s: %v\n", failStyle.Render("❌"), r.Target, r.Err)
		} else {
			fmt.Fprintf(&b, "  %s %s (%s)\n", okStyle.Render("✅"), r.Target, r.Elapsed.Round(time.Second))
		}
	}
	failed := orchestrator.Failed(results)
	if failed == 0 {
		b.WriteString(okStyle.Render(fmt.Sprintf("\n  All %d clone(s) completed successfully 🎉", len(results))) + "\n")
	} else {
		b.WriteString(failStyle.Render(fmt.Sprintf("\n  %d of %d clone(s) failed", failed, len(results))) + "\n")
	}
	return b.String()
}

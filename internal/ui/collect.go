package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"cardfleet/internal/watcher"
)

const pollInterval = 2 * time.Second

// CollectModel is the screen shown while target cards are inserted. Each
// newly detected disk appears in the list; Enter starts the clone run with
// whatever has been inserted, q or ctrl+c aborts.
type CollectModel struct {
	ctx     context.Context
	watch   *watcher.Watcher
	source  string
	needed  uint64
	targets []string

	// Confirmed is true when the user pressed Enter with at least one
	// target present.
	Confirmed bool
	// Err is set when polling failed fatally.
	Err error
}

// NewCollect builds the collection screen for a source needing the given
// byte footprint on every target.
func NewCollect(ctx context.Context, w *watcher.Watcher, source string, neededBytes uint64) CollectModel {
	return CollectModel{ctx: ctx, watch: w, source: source, needed: neededBytes}
}

func (m CollectModel) Init() tea.Cmd {
	return m.watch.Tick(m.ctx, pollInterval)
}

func (m CollectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			if len(m.targets) > 0 {
				m.Confirmed = true
				return m, tea.Quit
			}
		}
	case watcher.DisksFoundMsg:
		if msg.Err != nil {
			m.Err = msg.Err
			return m, tea.Quit
		}
		m.targets = msg.Targets
		return m, m.watch.Tick(m.ctx, pollInterval)
	}
	return m, nil
}

func (m CollectModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("💳 cardfleet: insert target cards") + "\n\n")
	fmt.Fprintf(&b, "  Source:   %s\n", m.source)
	fmt.Fprintf(&b, "  Requires: %s per target\n\n", FormatBytes(m.needed))

	if len(m.targets) == 0 {
		b.WriteString(dimStyle.Render("  Waiting for cards... (q to abort)") + "\n")
	} else {
		b.WriteString(headerStyle.Render(fmt.Sprintf("  %d target(s) detected:", len(m.targets))) + "\n")
		for _, t := range m.targets {
			b.WriteString(okStyle.Render("   ✅ "+t) + "\n")
		}
		b.WriteString("\n" + dimStyle.Render("  Press Enter to clone, q to abort") + "\n")
	}
	return boxStyle.Render(b.String())
}

// Targets returns the disks collected before the screen closed.
func (m CollectModel) Targets() []string { return m.targets }

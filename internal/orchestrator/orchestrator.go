// Package orchestrator runs clone jobs against many targets, sequentially or
// through a fixed-width worker pool. Each target succeeds or fails on its
// own; the run always joins every worker before reporting, so no target is
// left mid-write when the summary prints.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"cardfleet/internal/layout"
	"cardfleet/internal/strategy"
)

// Result is the outcome for one target.
type Result struct {
	Target  string
	Err     error
	Elapsed time.Duration
}

// Event reports job lifecycle transitions to an observer (the progress UI).
type Event struct {
	Target string
	// Done is false for a start event, true for a finish event.
	Done bool
	Err  error
}

// Orchestrator fans one layout out to N targets with a chosen strategy.
type Orchestrator struct {
	Strategy strategy.Strategy

	// Threads bounds concurrent jobs. Zero or one means sequential.
	Threads int

	// Notify, when set, receives start and finish events. It is called from
	// worker goroutines and must be safe for concurrent use.
	Notify func(Event)

	Logf func(format string, args ...any)
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.Logf != nil {
		o.Logf(format, args...)
	}
}

func (o *Orchestrator) notify(ev Event) {
	if o.Notify != nil {
		o.Notify(ev)
	}
}

// Run clones the source onto every target and returns one Result per target
// in input order. Job failures are captured in their Result, never returned:
// the returned error covers only a cancelled context, and even then all
// started jobs have been joined before Run returns.
func (o *Orchestrator) Run(ctx context.Context, lay layout.Layout, cutoffByte uint64, targets []string) ([]Result, error) {
	results := make([]Result, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	width := o.Threads
	if width < 1 {
		width = 1
	}
	g.SetLimit(width)

	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			start := time.Now()
			o.notify(Event{Target: target})
			o.logf("clone of %s started (%s strategy)", target, o.Strategy.Name())

			err := o.Strategy.Clone(gctx, strategy.Job{
				Layout:     lay,
				TargetDisk: target,
				CutoffByte: cutoffByte,
			})

			results[i] = Result{Target: target, Err: err, Elapsed: time.Since(start)}
			o.notify(Event{Target: target, Done: true, Err: err})
			if err != nil {
				o.logf("clone of %s failed after %s: %v", target, results[i].Elapsed.Round(time.Second), err)
			} else {
				o.logf("clone of %s finished in %s", target, results[i].Elapsed.Round(time.Second))
			}
			// Failures stay in the result slice so sibling jobs keep going.
			return nil
		})
	}

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return results, fmt.Errorf("clone run interrupted: %w", err)
	}
	return results, nil
}

// Failed counts the results that carry an error.
func Failed(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

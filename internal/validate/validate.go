// Package validate decides whether candidate target devices can receive a
// clone of the detected source layout. Admission is a pure capacity check
// and is safe to re-run any number of times.
package validate

import (
	"context"
	"fmt"

	"cardfleet/internal/blockdev"
	"cardfleet/internal/layout"
)

// Verdict is the admission decision for one candidate target.
type Verdict struct {
	Device        string
	CapacityBytes uint64
	Admitted      bool
	// Reason explains a rejection; empty when admitted.
	Reason string
}

// Validator sizes candidate devices and admits those large enough for the
// source's minimum footprint.
type Validator struct {
	Enum *blockdev.Enumerator
}

// Admit checks every candidate against the layout's required byte extent.
// A target whose capacity equals the requirement exactly is admitted.
// Undersized or unreadable targets get a rejection verdict, never an error;
// the returned error covers only total enumeration failure.
func (v *Validator) Admit(ctx context.Context, lay layout.Layout, candidates []string) ([]Verdict, error) {
	verdicts := make([]Verdict, 0, len(candidates))
	for _, dev := range candidates {
		dev = blockdev.DevicePath(dev)
		vd := Verdict{Device: dev}
		size, err := v.Enum.SizeBytes(ctx, dev)
		if err != nil {
			vd.Reason = fmt.Sprintf("cannot read capacity: %v", err)
			verdicts = append(verdicts, vd)
			continue
		}
		vd.CapacityBytes = size
		if size >= lay.RequiredBytes {
			vd.Admitted = true
		} else {
			vd.Reason = fmt.Sprintf("capacity %d bytes below required %d bytes", size, lay.RequiredBytes)
		}
		verdicts = append(verdicts, vd)
	}
	return verdicts, nil
}

// Admitted filters a verdict list down to the admitted device paths.
func Admitted(verdicts []Verdict) []string {
	var devs []string
	for _, vd := range verdicts {
		if vd.Admitted {
			devs = append(devs, vd.Device)
		}
	}
	return devs
}

// MinCapacity returns the smallest admitted capacity, used to size the
// shrink. ok is false when nothing was admitted.
func MinCapacity(verdicts []Verdict) (uint64, bool) {
	var min uint64
	var ok bool
	for _, vd := range verdicts {
		if !vd.Admitted {
			continue
		}
		if !ok || vd.CapacityBytes < min {
			min = vd.CapacityBytes
			ok = true
		}
	}
	return min, ok
}

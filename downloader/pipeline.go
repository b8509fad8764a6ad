// Copyright (c) 2024 The MINDS Project and its Contributors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package downloader

import (
	"context"
	"log/slog"
)

// State identifies where a download run is in its lifecycle.
type State string

const (
	StateIdle        State = "idle"
	StateDownloading State = "downloading"
	StateExtracting  State = "extracting"
	StateOrganizing  State = "organizing"
	StateCleaningUp  State = "cleaning up"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// A Driver executes the download pipeline for one output directory, pushing
// state transitions to an optional observer.
type Driver struct {
	Acquirer *Acquirer
	// called on every state transition (nil: transitions are only logged)
	OnState func(State)
}

func (d *Driver) setState(state State) {
	slog.Info("Download run state changed", "state", string(state))
	if d.OnState != nil {
		d.OnState(state)
	}
}

// Run carries the pipeline through its phases in order: download, extract,
// organize, clean up. The first phase-level error fails the run; per-record
// failures inside a phase were already logged and skipped by the phase
// itself.
func (d *Driver) Run(ctx context.Context) error {
	phases := []struct {
		state State
		step  func() error
	}{
		{StateDownloading, func() error { return d.Acquirer.ProcessCases(ctx) }},
		{StateExtracting, d.Acquirer.Expand},
		{StateOrganizing, func() error {
			if err := d.Acquirer.Organize(); err != nil {
				return err
			}
			// fold any series folders already in the patient tree back into
			// the manifest before the run finishes
			return d.Acquirer.RecordDownloads()
		}},
		{StateCleaningUp, d.Acquirer.Cleanup},
	}
	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			d.setState(StateFailed)
			return err
		}
		d.setState(phase.state)
		if err := phase.step(); err != nil {
			d.setState(StateFailed)
			return err
		}
	}
	d.setState(StateDone)
	return nil
}

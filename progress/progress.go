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

// This package defines the progress reporting interface used by the manifest
// aggregation and download pipelines. The core emits (phase, completed, total)
// events and holds no display state of its own; presentation layers subscribe
// by supplying a Reporter.
package progress

import (
	"fmt"
	"log/slog"
	"sync"
)

// a single progress event for a named pipeline phase
type Event struct {
	// the phase emitting the event (e.g. "clinical metadata", "downloading")
	Phase string
	// number of work items completed so far
	Completed int
	// total number of work items in the phase
	Total int
}

// Reporter receives progress events from the pipeline. Implementations must
// be safe for concurrent use, since worker pools report completions from
// multiple goroutines.
type Reporter interface {
	Report(event Event)
}

// a Reporter that discards all events
type nopReporter struct{}

func (r nopReporter) Report(event Event) {}

// returns a Reporter that does nothing with events
func NewNopReporter() Reporter {
	return nopReporter{}
}

// a Reporter that writes events to the structured log at DEBUG level,
// promoting phase completion to INFO
type logReporter struct{}

func (r logReporter) Report(event Event) {
	if event.Completed == event.Total {
		slog.Info(fmt.Sprintf("%s: %d/%d items completed", event.Phase,
			event.Completed, event.Total))
	} else {
		slog.Debug(fmt.Sprintf("%s: %d/%d items completed", event.Phase,
			event.Completed, event.Total))
	}
}

// returns a Reporter that logs events via slog
func NewLogReporter() Reporter {
	return logReporter{}
}

// Counter tracks completions within a single phase and forwards them to a
// Reporter. It exists so worker pool tasks can report with one call.
type Counter struct {
	reporter  Reporter
	phase     string
	total     int
	mutex     sync.Mutex
	completed int
}

// creates a counter for a phase with the given number of work items,
// emitting an initial zero-completion event
func NewCounter(reporter Reporter, phase string, total int) *Counter {
	if reporter == nil {
		reporter = nopReporter{}
	}
	c := &Counter{
		reporter: reporter,
		phase:    phase,
		total:    total,
	}
	c.reporter.Report(Event{Phase: phase, Completed: 0, Total: total})
	return c
}

// records the completion of a single work item
func (c *Counter) Advance() {
	c.mutex.Lock()
	c.completed++
	event := Event{Phase: c.phase, Completed: c.completed, Total: c.total}
	c.mutex.Unlock()
	c.reporter.Report(event)
}

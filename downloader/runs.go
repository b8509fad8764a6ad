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
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// this type holds a specification used to create a download run
type RunSpec struct {
	// the directory holding the manifest, whose raw/ tree the run populates
	OutputDir string
}

// this type conveys the progress of a download run to clients
type RunStatus struct {
	// where the run is in its lifecycle
	State State
	// error message for failed runs
	Message string
	// times at which the run was created and reached a terminal state
	StartTime      time.Time
	CompletionTime time.Time
}

// starts the download run manager, returning an informative error if
// anything prevents this
func Start() error {
	if running {
		return &AlreadyRunningError{}
	}

	runChannels = channelsType{
		CreateRun:       make(chan RunSpec, 32),
		CancelRun:       make(chan uuid.UUID, 32),
		GetRunStatus:    make(chan uuid.UUID, 32),
		ReturnRunId:     make(chan uuid.UUID, 32),
		ReturnRunStatus: make(chan RunStatus, 32),
		RunChanged:      make(chan runUpdate, 32),
		Error:           make(chan error, 32),
		Stop:            make(chan struct{}),
	}
	go processRuns()
	running = true
	return nil
}

// Stops the download run manager. Creating runs and requesting run statuses
// are disallowed in a stopped state; runs already in flight keep going.
func Stop() error {
	var err error
	if running {
		runChannels.Stop <- struct{}{}
		err = <-runChannels.Error
		running = false
	} else {
		err = &NotRunningError{}
	}
	return err
}

// Returns true if the run manager is accepting runs, false if not.
func Running() bool {
	return running
}

// Creates a download run for the given spec, returning a UUID with which its
// status can be polled. The run proceeds in the background.
func Create(spec RunSpec) (uuid.UUID, error) {
	var runId uuid.UUID
	var err error
	if !running {
		return runId, &NotRunningError{}
	}
	runChannels.CreateRun <- spec
	select {
	case runId = <-runChannels.ReturnRunId:
	case err = <-runChannels.Error:
	}
	return runId, err
}

// Given a run UUID, returns its status (or a non-nil error indicating any
// issues encountered).
func Status(runId uuid.UUID) (RunStatus, error) {
	var status RunStatus
	var err error
	if !running {
		return status, &NotRunningError{}
	}
	runChannels.GetRunStatus <- runId
	select {
	case status = <-runChannels.ReturnRunStatus:
	case err = <-runChannels.Error:
	}
	return status, err
}

// Requests that the run with the given UUID be canceled. Clients should
// check the status of the run separately. The manager replies to every
// cancellation request, so an unknown run never leaves a stale error behind
// for a later request to consume.
func Cancel(runId uuid.UUID) error {
	if !running {
		return &NotRunningError{}
	}
	runChannels.CancelRun <- runId
	return <-runChannels.Error
}

//-----------
// Internals
//-----------

// global variables for managing runs
var running bool              // true if runs are being accepted, false if not
var runChannels channelsType  // channels used for managing runs

// a state transition reported by an in-flight run
type runUpdate struct {
	Id    uuid.UUID
	State State
	Err   error
}

// bookkeeping for one run
type runRecord struct {
	Status RunStatus
	Cancel context.CancelFunc
}

// this type holds the channels used by the run manager to communicate with
// its worker goroutine
type channelsType struct {
	CreateRun       chan RunSpec   // used by client to request run creation
	CancelRun       chan uuid.UUID // used by client to request run cancellation
	GetRunStatus    chan uuid.UUID // used by client to request run status
	ReturnRunId     chan uuid.UUID // returns run ID to client
	ReturnRunStatus chan RunStatus // returns run status to client
	RunChanged      chan runUpdate // carries state transitions from runs
	Error           chan error     // returns error to client
	Stop            chan struct{}  // used by client to stop run management
}

// this function runs in its own goroutine, tracking run lifecycles and
// answering client requests
func processRuns() {
	runs := make(map[uuid.UUID]*runRecord)

	managing := true
	for managing {
		select {
		case spec := <-runChannels.CreateRun: // Create() called
			acquirer, err := NewAcquirer(spec.OutputDir)
			if err != nil {
				runChannels.Error <- err
				break
			}
			runId := uuid.New()
			runCtx, cancel := context.WithCancel(context.Background())
			runs[runId] = &runRecord{
				Status: RunStatus{State: StateIdle, StartTime: time.Now()},
				Cancel: cancel,
			}
			go executeRun(runCtx, runId, acquirer)
			runChannels.ReturnRunId <- runId
			slog.Info(fmt.Sprintf("Created download run %s for %s",
				runId.String(), spec.OutputDir))
		case runId := <-runChannels.CancelRun: // Cancel() called
			if run, found := runs[runId]; found {
				slog.Info(fmt.Sprintf("Run %s: received cancellation request",
					runId.String()))
				run.Cancel()
				runChannels.Error <- nil
			} else {
				runChannels.Error <- &RunNotFoundError{Id: runId}
			}
		case runId := <-runChannels.GetRunStatus: // Status() called
			if run, found := runs[runId]; found {
				runChannels.ReturnRunStatus <- run.Status
			} else {
				runChannels.Error <- &RunNotFoundError{Id: runId}
			}
		case update := <-runChannels.RunChanged:
			if run, found := runs[update.Id]; found {
				run.Status.State = update.State
				if update.Err != nil {
					run.Status.Message = update.Err.Error()
				}
				if update.State == StateDone || update.State == StateFailed {
					run.Status.CompletionTime = time.Now()
				}
			}
		case <-runChannels.Stop: // Stop() called
			for _, run := range runs {
				run.Cancel()
			}
			runChannels.Error <- nil
			managing = false
		}
	}
}

// executes one run's pipeline, reporting its state transitions back to the
// manager goroutine
func executeRun(ctx context.Context, runId uuid.UUID, acquirer *Acquirer) {
	driver := Driver{
		Acquirer: acquirer,
		OnState: func(state State) {
			runChannels.RunChanged <- runUpdate{Id: runId, State: state}
		},
	}
	if err := driver.Run(ctx); err != nil {
		runChannels.RunChanged <- runUpdate{Id: runId, State: StateFailed, Err: err}
	}
}

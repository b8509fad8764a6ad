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

// This package contains testing utilities for MINDS.
package mindstest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/minds-data/minds/manifest"
	"github.com/minds-data/minds/registries"
)

// Enables DEBUG log messages for MINDS's structured log (slog).
func EnableDebugLogging() {
	logLevel := new(slog.LevelVar)
	logLevel.Set(slog.LevelDebug)
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(h))
}

//-------------------------
// Registry Test Fixtures
//-------------------------

// This type implements a Clinical registry test fixture. Cases are answered
// from the Entries table; cases absent from the table produce an error, which
// lets tests exercise partial failures.
type Clinical struct {
	// manifest entries keyed by case UUID
	Entries map[string]*manifest.Entry
	// file payloads keyed by file identifier (written on DownloadFiles)
	Payloads map[string][]byte
	// number of CaseFiles and DownloadFiles calls made
	CaseCalls     int
	DownloadCalls int

	mutex sync.Mutex
}

func (c *Clinical) CaseFiles(ctx context.Context, caseID, submitterID string) (*manifest.Entry, error) {
	c.mutex.Lock()
	c.CaseCalls++
	c.mutex.Unlock()
	entry, found := c.Entries[caseID]
	if !found {
		return nil, &registries.UnavailableError{
			Registry: "test-clinical",
			CaseID:   caseID,
			Err:      fmt.Errorf("case not found"),
		}
	}
	return entry, nil
}

func (c *Clinical) DownloadFiles(ctx context.Context, fileIDs []string, dir string) (string, error) {
	c.mutex.Lock()
	c.DownloadCalls++
	c.mutex.Unlock()
	var lastName string
	for _, fileID := range fileIDs {
		payload, found := c.Payloads[fileID]
		if !found {
			return "", &registries.UnavailableError{
				Registry: "test-clinical",
				CaseID:   fileID,
				Err:      fmt.Errorf("file not found"),
			}
		}
		// stage files under their identifier directory, the way unpacked
		// bundles land
		fileDir := filepath.Join(dir, fileID)
		if err := os.MkdirAll(fileDir, 0755); err != nil {
			return "", err
		}
		lastName = filepath.Join(fileID, "payload.txt")
		if err := os.WriteFile(filepath.Join(dir, lastName), payload, 0644); err != nil {
			return "", err
		}
	}
	return lastName, nil
}

// This type implements an Imaging registry test fixture, answering patient
// series lookups from its Series table and materializing downloads as
// directories holding a single placeholder instance file.
type Imaging struct {
	// series references keyed by patient identifier
	Series map[string][]registries.SeriesRef
	// patients for which lookups fail
	Failing map[string]bool
	// number of DownloadSeries calls made
	DownloadCalls int

	mutex sync.Mutex
}

func (im *Imaging) PatientSeries(ctx context.Context, patientID string) ([]registries.SeriesRef, error) {
	if im.Failing[patientID] {
		return nil, &registries.UnavailableError{
			Registry: "test-imaging",
			CaseID:   patientID,
			Err:      fmt.Errorf("registry unavailable"),
		}
	}
	return im.Series[patientID], nil
}

func (im *Imaging) DownloadSeries(ctx context.Context, ref manifest.ImagingFileRef, dir string) error {
	im.mutex.Lock()
	im.DownloadCalls++
	im.mutex.Unlock()
	seriesDir := filepath.Join(dir, ref.SeriesInstanceUID)
	if _, err := os.Stat(seriesDir); err == nil {
		return nil
	}
	if err := os.MkdirAll(seriesDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(seriesDir, "instance-1.dcm"),
		[]byte(ref.SeriesInstanceUID), 0644)
}

// Registers a clinical registry test fixture under the given name.
func RegisterClinical(name string, fixture *Clinical) {
	registries.RegisterClinical(name, func(string) (registries.Clinical, error) {
		return fixture, nil
	})
}

// Registers an imaging registry test fixture under the given name.
func RegisterImaging(name string, fixture *Imaging) {
	registries.RegisterImaging(name, func(string) (registries.Imaging, error) {
		return fixture, nil
	})
}

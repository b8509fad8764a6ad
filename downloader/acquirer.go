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

// The downloader package turns a manifest into files on disk. Payloads are
// fetched into a staging directory, archives are unpacked in place, and the
// results are routed into a per-patient tree. Each step is idempotent, so an
// interrupted run picks up where it left off when repeated.
package downloader

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/minds-data/minds/config"
	"github.com/minds-data/minds/manifest"
	"github.com/minds-data/minds/progress"
	"github.com/minds-data/minds/registries"
	"github.com/minds-data/minds/registries/gdc"
)

// subdirectories of the output directory
const (
	stagingDirName = "staging"
	rawDirName     = "raw"
)

// An Acquirer fetches every admitted manifest record for an output directory
// into its staging area.
type Acquirer struct {
	// directory holding the manifest and the raw/ patient tree
	OutputDir string
	// the manifest being acquired
	Manifest *manifest.Manifest
	// adapter for the clinical registry
	Clinical registries.Clinical
	// imaging registry adapters keyed by the source tag their records carry
	Imaging map[string]registries.Imaging
	// bucket admission filter
	Filter manifest.Filter
	// number of patients processed concurrently
	MaxWorkers int
	// receives download progress events
	Reporter progress.Reporter

	// clinical data type labels eligible for bulk download
	dataTypes map[string]bool
}

// NewAcquirer creates an acquirer for the manifest in outputDir, using all
// registered registry adapters and the configured bucket filters.
func NewAcquirer(outputDir string) (*Acquirer, error) {
	m, err := manifest.Read(outputDir)
	if err != nil {
		return nil, err
	}

	clinicalNames := registries.ClinicalNames()
	if len(clinicalNames) == 0 {
		return nil, &registries.NotFoundError{Registry: "clinical"}
	}
	clinical, err := registries.NewClinical(clinicalNames[0])
	if err != nil {
		return nil, err
	}

	imaging := make(map[string]registries.Imaging)
	for _, name := range registries.ImagingNames() {
		registry, err := registries.NewImaging(name)
		if err != nil {
			return nil, err
		}
		imaging[name] = registry
	}

	dataTypes := make(map[string]bool, len(gdc.DataTypes))
	for _, dataType := range gdc.DataTypes {
		dataTypes[dataType] = true
	}

	return &Acquirer{
		OutputDir: outputDir,
		Manifest:  m,
		Clinical:  clinical,
		Imaging:   imaging,
		Filter: manifest.Filter{
			Include: config.Downloader.Include,
			Exclude: config.Downloader.Exclude,
		},
		MaxWorkers: config.Downloader.MaxWorkers,
		Reporter:   progress.NewLogReporter(),
		dataTypes:  dataTypes,
	}, nil
}

// returns the staging directory for the acquirer's output directory
func (a *Acquirer) StagingDir() string {
	return filepath.Join(a.OutputDir, stagingDirName)
}

// returns the root of the per-patient tree
func (a *Acquirer) RawDir() string {
	return filepath.Join(a.OutputDir, rawDirName)
}

// ProcessCases downloads the admitted records of every manifest entry into
// the staging area, handling patients concurrently. A failing record is
// logged and skipped; the batch always runs to completion.
func (a *Acquirer) ProcessCases(ctx context.Context) error {
	if err := os.MkdirAll(a.StagingDir(), 0755); err != nil {
		return err
	}

	counter := progress.NewCounter(a.Reporter, "downloading", len(a.Manifest.Entries))
	var failures int
	var mutex sync.Mutex

	pool, poolCtx := errgroup.WithContext(ctx)
	pool.SetLimit(a.MaxWorkers)
	for _, entry := range a.Manifest.Entries {
		entry := entry
		pool.Go(func() error {
			failed := a.processEntry(poolCtx, entry)
			mutex.Lock()
			failures += failed
			counter.Advance()
			mutex.Unlock()
			return nil
		})
	}
	if err := pool.Wait(); err != nil {
		return err
	}
	if failures > 0 {
		slog.Warn("Some manifest records could not be downloaded",
			"failed", failures)
	}
	return nil
}

// downloads one patient's admitted records, returning the number of failures
func (a *Acquirer) processEntry(ctx context.Context, entry *manifest.Entry) int {
	failures := 0
	for bucket, refs := range entry.Buckets {
		if !a.Filter.Admits(bucket) {
			continue
		}
		if len(refs) == 0 {
			continue
		}
		if refs[0].Imaging != nil {
			failures += a.fetchSeries(ctx, entry, bucket, refs)
		} else {
			failures += a.fetchClinical(ctx, entry, bucket, refs)
		}
	}
	return failures
}

// Downloads the not-yet-present files of a clinical bucket as one bundled
// payload into the staging area. Buckets whose label the registry doesn't
// serve in bulk are skipped.
func (a *Acquirer) fetchClinical(ctx context.Context, entry *manifest.Entry, bucket string, refs []manifest.FileRef) int {
	if !a.dataTypes[bucket] {
		slog.Debug("Skipping bucket not served in bulk",
			"patient", entry.PatientID, "bucket", bucket)
		return 0
	}

	var fileIDs []string
	for _, ref := range refs {
		if ref.Clinical == nil || ref.Clinical.ID == "" {
			slog.Warn("Skipping record with no file identifier",
				"patient", entry.PatientID, "bucket", bucket)
			continue
		}
		if a.clinicalFilePresent(entry.PatientID, bucket, ref.Clinical) {
			continue
		}
		fileIDs = append(fileIDs, ref.Clinical.ID)
	}
	if len(fileIDs) == 0 {
		return 0
	}

	if _, err := a.Clinical.DownloadFiles(ctx, fileIDs, a.StagingDir()); err != nil {
		slog.Error("Downloading clinical files failed",
			"patient", entry.PatientID, "bucket", bucket, "error", err.Error())
		return 1
	}
	return 0
}

// reports whether a clinical file already sits in the staging area or the
// patient tree
func (a *Acquirer) clinicalFilePresent(patientID, bucket string, ref *manifest.ClinicalFileRef) bool {
	if ref.FileName != "" {
		if _, err := os.Stat(filepath.Join(a.StagingDir(), ref.FileName)); err == nil {
			return true
		}
	}
	if _, err := os.Stat(filepath.Join(a.StagingDir(), ref.ID)); err == nil {
		return true
	}
	organized := filepath.Join(a.RawDir(), patientID, pathSegment(bucket), ref.ID)
	_, err := os.Stat(organized)
	return err == nil
}

// downloads the not-yet-present series of an imaging bucket one by one
func (a *Acquirer) fetchSeries(ctx context.Context, entry *manifest.Entry, bucket string, refs []manifest.FileRef) int {
	failures := 0
	for _, ref := range refs {
		if ref.Imaging == nil || ref.Imaging.SeriesInstanceUID == "" {
			slog.Warn("Skipping record with no series identifier",
				"patient", entry.PatientID, "bucket", bucket)
			continue
		}
		organized := filepath.Join(a.RawDir(), entry.PatientID,
			pathSegment(bucket), ref.Imaging.SeriesInstanceUID)
		if _, err := os.Stat(organized); err == nil {
			continue
		}

		registry, found := a.Imaging[strings.ToLower(ref.Imaging.Source)]
		if !found {
			slog.Warn("Skipping series from an unconfigured registry",
				"patient", entry.PatientID, "source", ref.Imaging.Source)
			continue
		}
		if err := registry.DownloadSeries(ctx, *ref.Imaging, a.StagingDir()); err != nil {
			slog.Error("Downloading series failed",
				"patient", entry.PatientID, "series", ref.Imaging.SeriesInstanceUID,
				"error", err.Error())
			failures++
		}
	}
	return failures
}

// maps a bucket label to a directory name
func pathSegment(bucket string) string {
	return strings.ReplaceAll(bucket, "/", "_")
}

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

// The aggregator package assembles per-patient manifests by querying every
// configured registry for a cohort's records. Clinical records are gathered
// first and written out, then each imaging registry's series records are
// gathered and merged into the manifest on disk. A registry failing for one
// patient never aborts the batch; the failure is logged and counted and the
// remaining patients proceed.
package aggregator

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/minds-data/minds/cohort"
	"github.com/minds-data/minds/config"
	"github.com/minds-data/minds/manifest"
	"github.com/minds-data/minds/progress"
	"github.com/minds-data/minds/registries"
)

// An Aggregator gathers registry records for a cohort into a manifest file
// under its output directory.
type Aggregator struct {
	// directory the manifest file is written to
	OutputDir string
	// adapter for the clinical registry
	Clinical registries.Clinical
	// imaging registry adapters in merge order, keyed by name
	ImagingNames []string
	Imaging      map[string]registries.Imaging
	// number of patients queried concurrently
	MaxWorkers int
	// receives per-phase progress events
	Reporter progress.Reporter
}

// New creates an aggregator over all registered registry adapters, writing
// its manifest to outputDir.
func New(outputDir string) (*Aggregator, error) {
	clinicalNames := registries.ClinicalNames()
	if len(clinicalNames) == 0 {
		return nil, &registries.NotFoundError{Registry: "clinical"}
	}
	clinical, err := registries.NewClinical(clinicalNames[0])
	if err != nil {
		return nil, err
	}
	imagingNames := registries.ImagingNames()
	imaging := make(map[string]registries.Imaging, len(imagingNames))
	for _, name := range imagingNames {
		registry, err := registries.NewImaging(name)
		if err != nil {
			return nil, err
		}
		imaging[name] = registry
	}
	return &Aggregator{
		OutputDir:    outputDir,
		Clinical:     clinical,
		ImagingNames: imagingNames,
		Imaging:      imaging,
		MaxWorkers:   config.Aggregator.MaxWorkers,
		Reporter:     progress.NewLogReporter(),
	}, nil
}

// GenerateManifest builds the manifest for the given cohort and writes it to
// the output directory, replacing any existing manifest there. The returned
// manifest is the merged result of the clinical and imaging phases.
func (a *Aggregator) GenerateManifest(ctx context.Context, cases cohort.Cohort) (*manifest.Manifest, error) {
	m, err := a.gatherClinical(ctx, cases)
	if err != nil {
		return nil, err
	}
	if err = m.Write(a.OutputDir); err != nil {
		return nil, err
	}

	for _, name := range a.ImagingNames {
		entries := a.gatherImaging(ctx, name, cases)
		if len(entries) == 0 {
			continue
		}

		// re-read so that merges always apply to the manifest on disk
		m, err = manifest.Read(a.OutputDir)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			m.AddOrMerge(entry)
		}
		if err = m.Write(a.OutputDir); err != nil {
			return nil, err
		}
	}

	// patients that stayed empty across every registry drop out; the earlier
	// phases kept identity-only entries so imaging merges retain case UUIDs
	kept := make([]*manifest.Entry, 0, len(m.Entries))
	for _, entry := range m.Entries {
		if len(entry.Buckets) > 0 {
			kept = append(kept, entry)
		}
	}
	if len(kept) != len(m.Entries) {
		m.Entries = kept
		if err = m.Write(a.OutputDir); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// queries the clinical registry for every case, preserving cohort order
func (a *Aggregator) gatherClinical(ctx context.Context, cases cohort.Cohort) (*manifest.Manifest, error) {
	counter := progress.NewCounter(a.Reporter, "clinical", len(cases))
	entries := make([]*manifest.Entry, len(cases))
	var failures int
	var mutex sync.Mutex

	pool, poolCtx := errgroup.WithContext(ctx)
	pool.SetLimit(a.MaxWorkers)
	for i, patientCase := range cases {
		i, patientCase := i, patientCase
		pool.Go(func() error {
			entry, err := a.Clinical.CaseFiles(poolCtx, patientCase.CaseID,
				patientCase.Primary())
			mutex.Lock()
			defer mutex.Unlock()
			if err != nil {
				slog.Error("Fetching clinical records failed",
					"case", patientCase.CaseID, "error", err.Error())
				failures++
			} else {
				entries[i] = entry
			}
			counter.Advance()
			return nil
		})
	}
	if err := pool.Wait(); err != nil {
		return nil, err
	}
	if failures > 0 {
		slog.Warn("Some cases returned no clinical records",
			"failed", failures, "total", len(cases))
	}

	var m manifest.Manifest
	for _, entry := range entries {
		// entries without records are kept for their identity fields, which
		// the imaging merge phase folds into its own entries
		if entry != nil {
			m.Entries = append(m.Entries, entry)
		}
	}
	return &m, nil
}

// queries one imaging registry for every patient, preserving cohort order
func (a *Aggregator) gatherImaging(ctx context.Context, name string, cases cohort.Cohort) []*manifest.Entry {
	registry := a.Imaging[name]
	patientIDs := cases.PatientIDs()
	counter := progress.NewCounter(a.Reporter, name, len(patientIDs))
	entries := make([]*manifest.Entry, len(patientIDs))
	var failures int
	var mutex sync.Mutex

	pool, poolCtx := errgroup.WithContext(ctx)
	pool.SetLimit(a.MaxWorkers)
	for i, patientID := range patientIDs {
		i, patientID := i, patientID
		pool.Go(func() error {
			refs, err := registry.PatientSeries(poolCtx, patientID)
			mutex.Lock()
			defer mutex.Unlock()
			if err != nil {
				slog.Error("Fetching imaging records failed",
					"registry", name, "patient", patientID, "error", err.Error())
				failures++
			} else if len(refs) > 0 {
				entry := manifest.NewEntry(patientID, "")
				for _, ref := range refs {
					entry.AddRef(ref.Modality, manifest.NewImagingRef(ref.Ref))
				}
				entries[i] = entry
			}
			counter.Advance()
			return nil
		})
	}
	// workers only report errors through the shared failure count
	_ = pool.Wait()
	if failures > 0 {
		slog.Warn("Some patients returned no imaging records",
			"registry", name, "failed", failures, "total", len(patientIDs))
	}

	merged := make([]*manifest.Entry, 0, len(entries))
	for _, entry := range entries {
		if entry != nil {
			merged = append(merged, entry)
		}
	}
	return merged
}

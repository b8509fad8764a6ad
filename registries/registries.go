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

// This package defines the interfaces for external registries: stateless
// request/response adapters that translate case and patient identifiers into
// file references, and that fetch the referenced payloads. Registry providers
// register themselves by name; instances are created from the configuration
// and cached.
package registries

import (
	"context"
	"sort"

	"github.com/minds-data/minds/manifest"
)

// Clinical is the interface for a clinical/genomic registry: it resolves a
// case to its open-access file records and downloads batches of files by
// identifier.
type Clinical interface {
	// fetches the registry's file records for the given case, bucketed by
	// data type, returning a manifest entry fragment keyed by the submitter
	// identifier
	CaseFiles(ctx context.Context, caseID, submitterID string) (*manifest.Entry, error)
	// downloads the files with the given identifiers as a single bundled
	// payload into dir, returning the name of the written file; an empty
	// name with a nil error means the payload was already present
	DownloadFiles(ctx context.Context, fileIDs []string, dir string) (string, error)
}

// a series reference reported by an imaging registry, tagged with the
// modality bucket it belongs in
type SeriesRef struct {
	Modality string
	Ref      manifest.ImagingFileRef
}

// Imaging is the interface for an imaging registry: it resolves a patient to
// imaging series references and downloads series payloads.
type Imaging interface {
	// fetches all series records for the given patient, discarding records
	// that lack a recognized modality
	PatientSeries(ctx context.Context, patientID string) ([]SeriesRef, error)
	// downloads the payload for one series into the directory
	// dir/<SeriesInstanceUID>; an existing directory is left untouched
	DownloadSeries(ctx context.Context, ref manifest.ImagingFileRef, dir string) error
}

// factory functions provided by registry packages
type ClinicalFactory func(name string) (Clinical, error)
type ImagingFactory func(name string) (Imaging, error)

// tables of registered registry providers and cached instances
var clinicalFactories = make(map[string]ClinicalFactory)
var imagingFactories = make(map[string]ImagingFactory)
var clinicalInstances = make(map[string]Clinical)
var imagingInstances = make(map[string]Imaging)

// registers a clinical registry provider under the given name
// (it's okay to register a provider more than once, e.g. in testing)
func RegisterClinical(name string, factory ClinicalFactory) {
	clinicalFactories[name] = factory
	delete(clinicalInstances, name)
}

// registers an imaging registry provider under the given name
func RegisterImaging(name string, factory ImagingFactory) {
	imagingFactories[name] = factory
	delete(imagingInstances, name)
}

// creates a clinical registry adapter with the given name, or returns an
// existing instance
func NewClinical(name string) (Clinical, error) {
	if instance, found := clinicalInstances[name]; found {
		return instance, nil
	}
	factory, found := clinicalFactories[name]
	if !found {
		return nil, &NotFoundError{Registry: name}
	}
	instance, err := factory(name)
	if err == nil {
		clinicalInstances[name] = instance
	}
	return instance, err
}

// creates an imaging registry adapter with the given name, or returns an
// existing instance
func NewImaging(name string) (Imaging, error) {
	if instance, found := imagingInstances[name]; found {
		return instance, nil
	}
	factory, found := imagingFactories[name]
	if !found {
		return nil, &NotFoundError{Registry: name}
	}
	instance, err := factory(name)
	if err == nil {
		imagingInstances[name] = instance
	}
	return instance, err
}

// names of all registered clinical registry providers, sorted
func ClinicalNames() []string {
	names := make([]string, 0, len(clinicalFactories))
	for name := range clinicalFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// names of all registered imaging registry providers, sorted so that callers
// visit registries in a stable order
func ImagingNames() []string {
	names := make([]string, 0, len(imagingFactories))
	for name := range imagingFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

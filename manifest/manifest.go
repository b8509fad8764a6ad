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

// This package defines the per-patient manifest: the JSON document that
// records every known remote file for a cohort, grouped into modality and
// data-type buckets. The manifest is the sole interchange contract between
// metadata aggregation and file acquisition, so its wire shape is fixed: a
// top-level array of objects, each with a PatientID, an optional gdc_case_id,
// and zero or more bucket-named arrays of file references.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// name of the manifest file within an output directory
const Filename = "manifest.json"

// a file record obtained from a clinical/genomic registry
type ClinicalFileRef struct {
	// registry file identifier, used to download the file
	ID string `json:"id"`
	// name under which the registry delivers the file
	FileName string `json:"file_name"`
	// size of the file in bytes
	FileSize int64 `json:"file_size"`
	// data type label, used as the file's bucket and directory segment
	DataType string `json:"data_type"`

	Access               string `json:"access,omitempty"`
	DataCategory         string `json:"data_category,omitempty"`
	DataFormat           string `json:"data_format,omitempty"`
	ExperimentalStrategy string `json:"experimental_strategy,omitempty"`
	FileState            string `json:"file_state,omitempty"`
	MD5Sum               string `json:"md5sum,omitempty"`
	Platform             string `json:"platform,omitempty"`
	State                string `json:"state,omitempty"`
	Type                 string `json:"type,omitempty"`
	CreatedDatetime      string `json:"created_datetime,omitempty"`
	UpdatedDatetime      string `json:"updated_datetime,omitempty"`
}

// a series record obtained from an imaging registry
type ImagingFileRef struct {
	// DICOM series identifier, used as the staging and routing subpath
	SeriesInstanceUID string `json:"SeriesInstanceUID"`
	// storage location for the series (imaging registries exposing object
	// storage manifests)
	GCSURL string `json:"gcs_url,omitempty"`

	StudyInstanceUID string `json:"StudyInstanceUID,omitempty"`
	SOPInstanceUID   string `json:"SOPInstanceUID,omitempty"`
	CollectionID     string `json:"collection_id,omitempty"`
	CRDCSeriesUUID   string `json:"crdc_series_uuid,omitempty"`
	// registry that reported the series ("IDC" or "TCIA")
	Source string `json:"source,omitempty"`
}

// FileRef is a tagged variant holding either a clinical or an imaging file
// record. Exactly one of the two fields is non-nil. Representing the two
// shapes explicitly (instead of as loose maps) keeps downstream code from
// assuming fields the other shape doesn't have.
type FileRef struct {
	Clinical *ClinicalFileRef
	Imaging  *ImagingFileRef
}

// creates a reference to a clinical file record
func NewClinicalRef(ref ClinicalFileRef) FileRef {
	return FileRef{Clinical: &ref}
}

// creates a reference to an imaging series record
func NewImagingRef(ref ImagingFileRef) FileRef {
	return FileRef{Imaging: &ref}
}

// returns the identifier used to stage and route the referenced item on disk
// (the file UUID for clinical records, the series UID for imaging records)
func (r FileRef) Identifier() string {
	if r.Clinical != nil {
		return r.Clinical.ID
	}
	if r.Imaging != nil {
		return r.Imaging.SeriesInstanceUID
	}
	return ""
}

// returns the size of the referenced file in bytes, or zero if the source
// registry doesn't report sizes
func (r FileRef) Size() int64 {
	if r.Clinical != nil {
		return r.Clinical.FileSize
	}
	return 0
}

func (r FileRef) MarshalJSON() ([]byte, error) {
	if r.Clinical != nil {
		return json.Marshal(r.Clinical)
	}
	if r.Imaging != nil {
		return json.Marshal(r.Imaging)
	}
	return nil, fmt.Errorf("file reference holds neither a clinical nor an imaging record")
}

func (r *FileRef) UnmarshalJSON(data []byte) error {
	// imaging records carry a series UID; clinical records carry a file id
	var probe struct {
		SeriesInstanceUID string `json:"SeriesInstanceUID"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.SeriesInstanceUID != "" {
		r.Imaging = new(ImagingFileRef)
		r.Clinical = nil
		return json.Unmarshal(data, r.Imaging)
	}
	r.Clinical = new(ClinicalFileRef)
	r.Imaging = nil
	return json.Unmarshal(data, r.Clinical)
}

// Entry is one patient's manifest record: identity fields plus modality
// buckets of file references.
type Entry struct {
	// primary submitter identifier for the patient (cross-registry join key)
	PatientID string
	// clinical registry case identifier (the only field not keyed by modality)
	GDCCaseID string
	// file references grouped by modality/data-type label
	Buckets map[string][]FileRef
}

// creates an empty entry for a patient
func NewEntry(patientID, gdcCaseID string) *Entry {
	return &Entry{
		PatientID: patientID,
		GDCCaseID: gdcCaseID,
		Buckets:   make(map[string][]FileRef),
	}
}

// appends a file reference to the named bucket, creating the bucket if needed
func (e *Entry) AddRef(bucket string, ref FileRef) {
	if e.Buckets == nil {
		e.Buckets = make(map[string][]FileRef)
	}
	e.Buckets[bucket] = append(e.Buckets[bucket], ref)
}

// merges another entry's buckets into this one, replacing any bucket that
// appears in both (last-write-wins per bucket key, not per file)
func (e *Entry) Merge(other *Entry) {
	if e.Buckets == nil {
		e.Buckets = make(map[string][]FileRef)
	}
	for bucket, refs := range other.Buckets {
		e.Buckets[bucket] = refs
	}
	if e.GDCCaseID == "" {
		e.GDCCaseID = other.GDCCaseID
	}
}

func (e *Entry) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any)
	obj["PatientID"] = e.PatientID
	if e.GDCCaseID != "" {
		obj["gdc_case_id"] = e.GDCCaseID
	}
	for bucket, refs := range e.Buckets {
		obj[bucket] = refs
	}
	return json.Marshal(obj)
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	e.Buckets = make(map[string][]FileRef)
	for name, value := range fields {
		switch name {
		case "PatientID":
			if err := json.Unmarshal(value, &e.PatientID); err != nil {
				return err
			}
		case "gdc_case_id":
			if err := json.Unmarshal(value, &e.GDCCaseID); err != nil {
				return err
			}
		default:
			var refs []FileRef
			if err := json.Unmarshal(value, &refs); err != nil {
				return fmt.Errorf("manifest bucket %s: %s", name, err.Error())
			}
			e.Buckets[name] = refs
		}
	}
	return nil
}

// Manifest is the persisted list of per-patient entries. Entries are kept in
// the order they were recorded; at most one entry exists per PatientID.
type Manifest struct {
	Entries []*Entry
}

func (m *Manifest) MarshalJSON() ([]byte, error) {
	if m.Entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m.Entries)
}

func (m *Manifest) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &m.Entries)
}

// returns the entry with the given PatientID, or nil if there is none
func (m *Manifest) Find(patientID string) *Entry {
	for _, entry := range m.Entries {
		if entry.PatientID == patientID {
			return entry
		}
	}
	return nil
}

// merges the given entry into the manifest: an existing entry with the same
// PatientID absorbs its buckets (replace-by-modality), otherwise the entry is
// appended as a new patient
func (m *Manifest) AddOrMerge(entry *Entry) {
	if existing := m.Find(entry.PatientID); existing != nil {
		existing.Merge(entry)
		return
	}
	m.Entries = append(m.Entries, entry)
}

// records a (patient, modality, folder) triple discovered from existing
// downloads, appending only if the folder isn't already recorded
func (m *Manifest) RecordSeriesFolder(patientID, modality, folder, source string) {
	entry := m.Find(patientID)
	if entry == nil {
		entry = NewEntry(patientID, "")
		m.Entries = append(m.Entries, entry)
	}
	for _, ref := range entry.Buckets[modality] {
		if ref.Imaging != nil && ref.Imaging.SeriesInstanceUID == folder {
			return
		}
	}
	entry.AddRef(modality, NewImagingRef(ImagingFileRef{
		SeriesInstanceUID: folder,
		Source:            source,
	}))
}

// returns the path of the manifest file within the given output directory
func PathIn(outputDir string) string {
	return filepath.Join(outputDir, Filename)
}

// Reads the manifest from the given output directory. A missing file yields
// a MissingError instructing the caller to generate the manifest first.
func Read(outputDir string) (*Manifest, error) {
	data, err := os.ReadFile(PathIn(outputDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &MissingError{Dir: outputDir}
		}
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("Couldn't parse manifest in %s: %s", outputDir, err.Error())
	}
	return &m, nil
}

// Writes the manifest to the given output directory as pretty-printed JSON.
// The write replaces the whole document; phases never write concurrently, so
// no file locking is needed.
func (m *Manifest) Write(outputDir string) error {
	data, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(PathIn(outputDir), data, 0644)
}

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
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/minds-data/minds/manifest"
	"github.com/minds-data/minds/registries"
)

// Organize routes staged payloads into the per-patient tree, placing each
// item at raw/<patient>/<bucket>/<identifier>. Items whose staged form is
// missing (not yet downloaded, or moved by an earlier run) are no-ops, as
// are items already at their destination.
func (a *Acquirer) Organize() error {
	for _, entry := range a.Manifest.Entries {
		for bucket, refs := range entry.Buckets {
			if !a.Filter.Admits(bucket) {
				continue
			}
			for _, ref := range refs {
				if err := a.placeRef(entry.PatientID, bucket, ref); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// moves one staged item into the patient tree
func (a *Acquirer) placeRef(patientID, bucket string, ref manifest.FileRef) error {
	identifier := ref.Identifier()
	if identifier == "" {
		return nil
	}
	destDir := filepath.Join(a.RawDir(), patientID, pathSegment(bucket), identifier)
	if _, err := os.Stat(destDir); err == nil {
		return nil
	}

	// series payloads and unpacked file bundles stage as directories named
	// after their identifier
	stagedDir := filepath.Join(a.StagingDir(), identifier)
	if info, err := os.Stat(stagedDir); err == nil && info.IsDir() {
		if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
			return err
		}
		return os.Rename(stagedDir, destDir)
	}

	// single clinical files stage under their delivery name
	if ref.Clinical != nil && ref.Clinical.FileName != "" {
		stagedFile := filepath.Join(a.StagingDir(), ref.Clinical.FileName)
		if _, err := os.Stat(stagedFile); err == nil {
			if err := os.MkdirAll(destDir, 0755); err != nil {
				return err
			}
			return os.Rename(stagedFile, filepath.Join(destDir, ref.Clinical.FileName))
		}
	}
	return nil
}

// Cleanup removes download debris left in the staging area: archives whose
// unpacking was superseded and stray report files delivered alongside
// payloads.
func (a *Acquirer) Cleanup() error {
	entries, err := os.ReadDir(a.StagingDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".tar.gz"),
			strings.HasSuffix(name, ".tgz"),
			strings.HasSuffix(name, ".tar"),
			strings.HasSuffix(name, ".txt"),
			strings.HasSuffix(name, ".log"):
			if err := os.Remove(filepath.Join(a.StagingDir(), name)); err != nil {
				return err
			}
			slog.Debug("Removed staging debris", "file", name)
		}
	}
	return nil
}

// RecordDownloads folds series directories found in the patient tree back
// into the manifest, so that a manifest regenerated after manual downloads
// still lists what is on disk. Only directories under recognized modality
// buckets are recorded; the updated manifest is written out when anything
// changed.
func (a *Acquirer) RecordDownloads() error {
	patients, err := os.ReadDir(a.RawDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	changed := false
	for _, patient := range patients {
		if !patient.IsDir() {
			continue
		}
		patientDir := filepath.Join(a.RawDir(), patient.Name())
		buckets, err := os.ReadDir(patientDir)
		if err != nil {
			return err
		}
		for _, bucket := range buckets {
			if !bucket.IsDir() || !registries.IsImagingModality(bucket.Name()) {
				continue
			}
			folders, err := os.ReadDir(filepath.Join(patientDir, bucket.Name()))
			if err != nil {
				return err
			}
			for _, folder := range folders {
				if !folder.IsDir() {
					continue
				}
				before := a.Manifest.Find(patient.Name())
				if before == nil || !hasSeries(before, bucket.Name(), folder.Name()) {
					a.Manifest.RecordSeriesFolder(patient.Name(), bucket.Name(),
						folder.Name(), "")
					changed = true
				}
			}
		}
	}
	if changed {
		return a.Manifest.Write(a.OutputDir)
	}
	return nil
}

// reports whether an entry already records a series folder under a modality
func hasSeries(entry *manifest.Entry, modality, folder string) bool {
	for _, ref := range entry.Buckets[modality] {
		if ref.Imaging != nil && ref.Imaging.SeriesInstanceUID == folder {
			return true
		}
	}
	return false
}

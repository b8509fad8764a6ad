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

// The tcia package is the adapter for The Cancer Imaging Archive. TCIA's
// REST API answers per-patient series listings as JSON and delivers series
// pixel data as ZIP archives, which this adapter unpacks in place.
package tcia

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/minds-data/minds/config"
	"github.com/minds-data/minds/manifest"
	"github.com/minds-data/minds/registries"
)

// Registry is the imaging registry adapter for The Cancer Imaging Archive
// (implements registries.Imaging).
type Registry struct {
	// registry identifier (config key)
	Id string
	// base URL for the registry's API
	BaseURL string
	// HTTP client used for all calls
	Client http.Client
	// retry policy applied to every call
	Retry registries.RetryPolicy
}

// creates an imaging registry adapter using the information supplied in the
// MINDS configuration file under the given registry name
func NewRegistry(name string) (registries.Imaging, error) {
	regConfig, found := config.Registries[name]
	if !found {
		return nil, &registries.NotFoundError{Registry: name}
	}
	return &Registry{
		Id:      name,
		BaseURL: regConfig.URL,
		Client:  registries.SecureHTTPClient(0),
		Retry:   registries.DefaultRetryPolicy,
	}, nil
}

// one series record in a getSeries response
type seriesRecord struct {
	SeriesInstanceUID string `json:"SeriesInstanceUID"`
	StudyInstanceUID  string `json:"StudyInstanceUID"`
	Modality          string `json:"Modality"`
	Collection        string `json:"Collection"`
	SeriesDescription string `json:"SeriesDescription"`
	BodyPartExamined  string `json:"BodyPartExamined"`
}

// performs a GET against the given API resource, retrying per policy
func (r *Registry) get(ctx context.Context, resource string, params url.Values) ([]byte, error) {
	u, err := url.ParseRequestURI(r.BaseURL)
	if err != nil {
		return nil, err
	}
	u.Path = filepath.Join(u.Path, resource)
	u.RawQuery = params.Encode()
	request := fmt.Sprintf("%v", u)

	var body []byte
	err = r.Retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, request, http.NoBody)
		if err != nil {
			return err
		}
		resp, err := r.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return &registries.BadStatusError{Registry: r.Id, Status: resp.StatusCode}
		}
		body, err = io.ReadAll(resp.Body)
		return err
	})
	return body, err
}

// Fetches all imaging series records for the given patient. Records without
// a series UID or a recognized modality are discarded.
func (r *Registry) PatientSeries(ctx context.Context, patientID string) ([]registries.SeriesRef, error) {
	params := url.Values{}
	params.Add("PatientID", patientID)
	params.Add("format", "json")
	body, err := r.get(ctx, "getSeries", params)
	if err != nil {
		return nil, &registries.UnavailableError{Registry: r.Id, CaseID: patientID, Err: err}
	}

	var records []seriesRecord
	if err = json.Unmarshal(body, &records); err != nil {
		return nil, err
	}

	refs := make([]registries.SeriesRef, 0, len(records))
	for _, record := range records {
		if record.SeriesInstanceUID == "" ||
			!registries.IsImagingModality(record.Modality) {
			continue
		}
		refs = append(refs, registries.SeriesRef{
			Modality: record.Modality,
			Ref: manifest.ImagingFileRef{
				SeriesInstanceUID: record.SeriesInstanceUID,
				StudyInstanceUID:  record.StudyInstanceUID,
				CollectionID:      record.Collection,
				Source:            "TCIA",
			},
		})
	}
	return refs, nil
}

// Downloads the DICOM instances of a series into a directory named after
// its series UID under dir, unpacking the archive TCIA delivers. A series
// directory already on disk is assumed complete and left alone.
func (r *Registry) DownloadSeries(ctx context.Context, ref manifest.ImagingFileRef, dir string) error {
	seriesDir := filepath.Join(dir, ref.SeriesInstanceUID)
	if _, err := os.Stat(seriesDir); err == nil {
		return nil
	}

	params := url.Values{}
	params.Add("SeriesInstanceUID", ref.SeriesInstanceUID)
	params.Add("NewFileNames", "Yes")
	body, err := r.get(ctx, "getImage", params)
	if err != nil {
		return err
	}
	return unpackArchive(body, seriesDir)
}

// unpacks a ZIP archive held in memory into destDir, creating it
func unpackArchive(archive []byte, destDir string) error {
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}
	for _, entry := range reader.File {
		// flatten any archive-internal directory structure and reject
		// entries that would escape the destination
		name := filepath.Base(entry.Name)
		if name == "." || name == ".." || strings.HasSuffix(entry.Name, "/") {
			continue
		}
		source, err := entry.Open()
		if err != nil {
			return err
		}
		dest, err := os.Create(filepath.Join(destDir, name))
		if err != nil {
			source.Close()
			return err
		}
		_, err = io.Copy(dest, source)
		source.Close()
		if closeErr := dest.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

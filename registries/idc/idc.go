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

// The idc package is the adapter for the Imaging Data Commons. The registry
// exposes a two-step preview: a file-manifest endpoint returning storage
// locations and a metadata-query endpoint returning descriptive fields. The
// adapter completes pagination on each call before joining the two payloads
// by series identifier.
package idc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"github.com/minds-data/minds/config"
	"github.com/minds-data/minds/manifest"
	"github.com/minds-data/minds/registries"
)

// ceiling for the page size enlargement loop
const maxPageSize = 1000000

// fields requested from the manifest preview endpoint
var manifestFields = []string{
	"collection_id",
	"PatientID",
	"Modality",
	"StudyInstanceUID",
	"SeriesInstanceUID",
	"SOPInstanceUID",
	"gcs_url",
	"crdc_series_uuid",
}

// fields requested from the metadata query endpoint
var queryFields = []string{
	"PatientID",
	"SeriesInstanceUID",
	"Modality",
	"collection_id",
	"StudyDescription",
	"SeriesDescription",
}

// Registry is the imaging registry adapter for the Imaging Data Commons
// (implements registries.Imaging).
type Registry struct {
	// registry identifier (config key)
	Id string
	// base URL for the registry's API
	BaseURL string
	// HTTP client used for all calls
	Client http.Client
	// retry policy for preview API calls
	Retry registries.RetryPolicy
	// retry policy for series object downloads
	DownloadRetry registries.RetryPolicy
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
		// preview calls are cheap metadata queries, so they back off from a
		// shorter initial delay than bulk downloads
		Retry: registries.RetryPolicy{
			Tries:   5,
			Delay:   2 * time.Second,
			Backoff: 2,
		},
		DownloadRetry: registries.DefaultRetryPolicy,
	}, nil
}

// a cohort definition passed to both preview endpoints
type cohortDef struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Filters     map[string][]string `json:"filters"`
}

// one row of the manifest preview payload
type manifestRow struct {
	PatientID         string `json:"PatientID"`
	Modality          string `json:"Modality"`
	SeriesInstanceUID string `json:"SeriesInstanceUID"`
	StudyInstanceUID  string `json:"StudyInstanceUID"`
	SOPInstanceUID    string `json:"SOPInstanceUID"`
	GCSURL            string `json:"gcs_url"`
	CollectionID      string `json:"collection_id"`
	CRDCSeriesUUID    string `json:"crdc_series_uuid"`
}

// one row of the metadata query payload
type queryRow struct {
	PatientID         string `json:"PatientID"`
	SeriesInstanceUID string `json:"SeriesInstanceUID"`
	Modality          string `json:"Modality"`
	CollectionID      string `json:"collection_id"`
	StudyDescription  string `json:"StudyDescription"`
	SeriesDescription string `json:"SeriesDescription"`
}

// pagination counters present in both preview envelopes
type pageCounts struct {
	TotalFound   int `json:"totalFound"`
	RowsReturned int `json:"rowsReturned"`
}

// Issues a preview POST and re-issues it with an enlarged page size until
// the registry's reported total is covered. Each individual request is
// retried per policy; incomplete results within the page size ceiling fail
// with an IncompletePageError rather than silently truncating.
func (r *Registry) apiCall(ctx context.Context, resource string, body any) (json.RawMessage, error) {
	u, err := url.ParseRequestURI(r.BaseURL)
	if err != nil {
		return nil, err
	}
	u.Path = filepath.Join(u.Path, resource)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	pageSize := 0 // first request uses the registry's default page size
	for {
		params := url.Values{}
		params.Add("sql", "False")
		if pageSize > 0 {
			params.Add("page_size", fmt.Sprintf("%d", pageSize))
		}
		u.RawQuery = params.Encode()
		request := fmt.Sprintf("%v", u)

		var raw json.RawMessage
		err = r.Retry.Do(ctx, func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, request,
				bytes.NewReader(payload))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := r.Client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return &registries.BadStatusError{Registry: r.Id, Status: resp.StatusCode}
			}
			raw, err = io.ReadAll(resp.Body)
			return err
		})
		if err != nil {
			return nil, err
		}

		// check pagination completeness on whichever envelope came back
		var probe struct {
			Manifest     *pageCounts `json:"manifest"`
			QueryResults *pageCounts `json:"query_results"`
		}
		if err = json.Unmarshal(raw, &probe); err != nil {
			return nil, err
		}
		counts := probe.Manifest
		if counts == nil {
			counts = probe.QueryResults
		}
		if counts == nil || counts.TotalFound <= counts.RowsReturned {
			return raw, nil
		}
		if pageSize >= maxPageSize {
			return nil, &registries.IncompletePageError{
				Registry:   r.Id,
				Returned:   counts.RowsReturned,
				TotalFound: counts.TotalFound,
			}
		}
		pageSize = min(counts.TotalFound+10, maxPageSize)
	}
}

// fetches the manifest preview rows for a patient
func (r *Registry) manifestPreview(ctx context.Context, patientID string) ([]manifestRow, error) {
	body := struct {
		CohortDef cohortDef `json:"cohort_def"`
		Fields    []string  `json:"fields"`
	}{
		CohortDef: cohortDef{
			Name:        "MINDS",
			Description: "Temporary cohort for patient data",
			Filters:     map[string][]string{"PatientID": {patientID}},
		},
		Fields: manifestFields,
	}
	raw, err := r.apiCall(ctx, "cohorts/manifest/preview", body)
	if err != nil {
		return nil, err
	}
	var results struct {
		Manifest struct {
			ManifestData []manifestRow `json:"manifest_data"`
		} `json:"manifest"`
	}
	if err = json.Unmarshal(raw, &results); err != nil {
		return nil, err
	}
	return results.Manifest.ManifestData, nil
}

// fetches the metadata query rows for a patient
func (r *Registry) queryPreview(ctx context.Context, patientID string) ([]queryRow, error) {
	body := struct {
		CohortDef   cohortDef `json:"cohort_def"`
		QueryFields struct {
			Fields []string `json:"fields"`
		} `json:"queryFields"`
	}{
		CohortDef: cohortDef{
			Name:        "MINDS",
			Description: "Temporary cohort for patient data",
			Filters:     map[string][]string{"PatientID": {patientID}},
		},
	}
	body.QueryFields.Fields = queryFields

	raw, err := r.apiCall(ctx, "cohorts/query/preview", body)
	if err != nil {
		return nil, err
	}
	var results struct {
		QueryResults struct {
			Rows []queryRow `json:"json"`
		} `json:"query_results"`
	}
	if err = json.Unmarshal(raw, &results); err != nil {
		return nil, err
	}
	return results.QueryResults.Rows, nil
}

// Fetches all imaging series records for the given patient. Both preview
// payloads are fetched to completion first; the join backfills modalities
// missing from manifest rows using the metadata rows, keyed by series UID.
// Records without a series UID or a recognized modality are discarded.
func (r *Registry) PatientSeries(ctx context.Context, patientID string) ([]registries.SeriesRef, error) {
	manifestRows, err := r.manifestPreview(ctx, patientID)
	if err != nil {
		return nil, &registries.UnavailableError{Registry: r.Id, CaseID: patientID, Err: err}
	}
	queryRows, err := r.queryPreview(ctx, patientID)
	if err != nil {
		return nil, &registries.UnavailableError{Registry: r.Id, CaseID: patientID, Err: err}
	}

	modalityBySeries := make(map[string]string)
	for _, row := range queryRows {
		if row.SeriesInstanceUID != "" && row.Modality != "" {
			modalityBySeries[row.SeriesInstanceUID] = row.Modality
		}
	}

	refs := make([]registries.SeriesRef, 0, len(manifestRows))
	for _, row := range manifestRows {
		if row.SeriesInstanceUID == "" {
			continue
		}
		modality := row.Modality
		if modality == "" {
			modality = modalityBySeries[row.SeriesInstanceUID]
		}
		if !registries.IsImagingModality(modality) {
			continue
		}
		refs = append(refs, registries.SeriesRef{
			Modality: modality,
			Ref: manifest.ImagingFileRef{
				SeriesInstanceUID: row.SeriesInstanceUID,
				StudyInstanceUID:  row.StudyInstanceUID,
				SOPInstanceUID:    row.SOPInstanceUID,
				GCSURL:            row.GCSURL,
				CollectionID:      row.CollectionID,
				CRDCSeriesUUID:    row.CRDCSeriesUUID,
				Source:            "IDC",
			},
		})
	}
	return refs, nil
}

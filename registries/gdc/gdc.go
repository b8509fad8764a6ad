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

// The gdc package is the adapter for the Genomic Data Commons: the clinical
// registry serving per-case file metadata, bulk file downloads, and the
// clinical/biospecimen table dumps used to refresh the cohort database.
package gdc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/minds-data/minds/config"
	"github.com/minds-data/minds/manifest"
	"github.com/minds-data/minds/registries"
)

const (
	// initial page size requested from the files endpoint; enlarged when the
	// registry reports more matches than it returned
	initialPageSize = 10000
	// ceiling for the page size enlargement loop
	maxPageSize = 1000000
)

// metadata fields requested for every file record
var fileFields = []string{
	"access",
	"created_datetime",
	"data_category",
	"data_format",
	"data_type",
	"experimental_strategy",
	"file_name",
	"file_size",
	"file_state",
	"md5sum",
	"platform",
	"state",
	"type",
	"updated_datetime",
}

// data type labels the download pipeline recognizes; buckets outside this
// list are carried in the manifest but never downloaded
var DataTypes = []string{
	"Aggregated Somatic Mutation",
	"Aligned Reads",
	"Allele-specific Copy Number Segment",
	"Annotated Somatic Mutation",
	"Biospecimen Supplement",
	"Clinical Supplement",
	"Copy Number Segment",
	"Gene Expression Quantification",
	"Gene Level Copy Number",
	"Isoform Expression Quantification",
	"Masked Copy Number Segment",
	"Masked Intensities",
	"Masked Somatic Mutation",
	"Methylation Beta Value",
	"miRNA Expression Quantification",
	"Pathology Report",
	"Protein Expression Quantification",
	"Raw Intensities",
	"Raw Simple Somatic Mutation",
	"Simple Germline Variation",
	"Slide Image",
	"Splice Junction Quantification",
	"Structural Rearrangement",
	"Transcript Fusion",
}

// Registry is the clinical registry adapter (implements registries.Clinical).
// It holds its own HTTP client and endpoint configuration; there is no
// process-wide session state.
type Registry struct {
	// registry identifier (config key)
	Id string
	// base URL for the registry's API
	BaseURL string
	// base URL for the registry's data portal (bulk table dumps)
	PortalURL string
	// HTTP client used for all calls
	Client http.Client
	// retry policy applied to every call
	Retry registries.RetryPolicy
}

// creates a clinical registry adapter using the information supplied in the
// MINDS configuration file under the given registry name
func NewRegistry(name string) (registries.Clinical, error) {
	regConfig, found := config.Registries[name]
	if !found {
		return nil, &registries.NotFoundError{Registry: name}
	}
	return &Registry{
		Id:        name,
		BaseURL:   regConfig.URL,
		PortalURL: regConfig.PortalURL,
		Client:    registries.SecureHTTPClient(0),
		Retry:     registries.DefaultRetryPolicy,
	}, nil
}

// the JSON envelope returned by the files endpoint
type filesResponse struct {
	Data struct {
		Hits       []fileHit `json:"hits"`
		Pagination struct {
			Count int `json:"count"`
			Total int `json:"total"`
			Size  int `json:"size"`
			Page  int `json:"page"`
		} `json:"pagination"`
	} `json:"data"`
	Warnings map[string]any `json:"warnings"`
}

// one file record in a files response; "id" is the file UUID used for
// downloads
type fileHit struct {
	ID string `json:"id"`
	manifest.ClinicalFileRef
}

// builds the filter expression selecting open-access files belonging to the
// given case
func caseFilters(caseID string) ([]byte, error) {
	type clause struct {
		Op      string `json:"op"`
		Content any    `json:"content"`
	}
	type fieldValue struct {
		Field string   `json:"field"`
		Value []string `json:"value"`
	}
	return json.Marshal(clause{
		Op: "and",
		Content: []clause{
			{Op: "in", Content: fieldValue{Field: "cases.case_id", Value: []string{caseID}}},
			{Op: "=", Content: fieldValue{Field: "access", Value: []string{"open"}}},
		},
	})
}

// issues one files query with the given page size, retrying per policy
func (r *Registry) queryFiles(ctx context.Context, caseID string, pageSize int) (*filesResponse, error) {
	filters, err := caseFilters(caseID)
	if err != nil {
		return nil, err
	}

	fields := ""
	for i, field := range fileFields {
		if i > 0 {
			fields += ","
		}
		fields += field
	}

	params := url.Values{}
	params.Add("filters", string(filters))
	params.Add("fields", fields)
	params.Add("format", "JSON")
	params.Add("size", strconv.Itoa(pageSize))

	u, err := url.ParseRequestURI(r.BaseURL)
	if err != nil {
		return nil, err
	}
	u.Path = filepath.Join(u.Path, "files")
	u.RawQuery = params.Encode()
	request := fmt.Sprintf("%v", u)

	var results filesResponse
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
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		results = filesResponse{}
		return json.Unmarshal(body, &results)
	})
	if err != nil {
		return nil, &registries.UnavailableError{Registry: r.Id, CaseID: caseID, Err: err}
	}
	return &results, nil
}

// fetches all open-access file records for the given case and buckets them
// by data type, re-issuing the query with an enlarged page size until the
// registry's reported total is covered
func (r *Registry) CaseFiles(ctx context.Context, caseID, submitterID string) (*manifest.Entry, error) {
	pageSize := initialPageSize
	var results *filesResponse
	for {
		var err error
		results, err = r.queryFiles(ctx, caseID, pageSize)
		if err != nil {
			return nil, err
		}
		if len(results.Warnings) > 0 {
			slog.Warn(fmt.Sprintf("Registry %s reported warnings for case %s: %v",
				r.Id, caseID, results.Warnings))
		}
		total := results.Data.Pagination.Total
		if total <= len(results.Data.Hits) {
			break
		}
		if pageSize >= maxPageSize {
			return nil, &registries.IncompletePageError{
				Registry:   r.Id,
				Returned:   len(results.Data.Hits),
				TotalFound: total,
			}
		}
		pageSize = min(total+10, maxPageSize)
	}

	// organize the records by data type, discarding any without one
	entry := manifest.NewEntry(submitterID, caseID)
	for _, hit := range results.Data.Hits {
		if hit.DataType == "" {
			continue
		}
		ref := hit.ClinicalFileRef
		ref.ID = hit.ID
		entry.AddRef(ref.DataType, manifest.NewClinicalRef(ref))
	}
	return entry, nil
}

// Downloads the files with the given IDs as a single bundled payload,
// writing it under the name the registry supplies in its Content-Disposition
// header. A response without that header yields a MissingFilenameError so
// the caller can skip the batch without aborting its worker pool.
func (r *Registry) DownloadFiles(ctx context.Context, fileIDs []string, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	body, err := json.Marshal(struct {
		IDs []string `json:"ids"`
	}{IDs: fileIDs})
	if err != nil {
		return "", err
	}

	u, err := url.ParseRequestURI(r.BaseURL)
	if err != nil {
		return "", err
	}
	u.Path = filepath.Join(u.Path, "data")
	request := fmt.Sprintf("%v", u)

	var fileName string
	err = r.Retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, request, bytes.NewReader(body))
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

		disposition := resp.Header.Get("Content-Disposition")
		if disposition == "" {
			// not retryable: the registry answered but omitted the
			// metadata needed to file the payload
			fileName = ""
			return nil
		}
		_, dispParams, err := mime.ParseMediaType(disposition)
		if err != nil {
			return err
		}
		fileName = dispParams["filename"]
		if fileName == "" {
			return nil
		}

		output, err := os.Create(filepath.Join(dir, fileName))
		if err != nil {
			return err
		}
		_, err = io.Copy(output, resp.Body)
		if closeErr := output.Close(); err == nil {
			err = closeErr
		}
		return err
	})
	if err != nil {
		return "", err
	}
	if fileName == "" {
		return "", &MissingFilenameError{Registry: r.Id}
	}
	return fileName, nil
}

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

package services

import (
	"context"

	"github.com/google/uuid"
)

// this type encodes a JSON object for responding to root queries
type ServiceInfoResponse struct {
	Name          string `json:"name" example:"MINDS" doc:"The name of the service API"`
	Version       string `json:"version" example:"1.0.0" doc:"The version string (major.minor.patch)"`
	Uptime        int    `json:"uptime" example:"345600" doc:"The time the service has been up (seconds)"`
	Documentation string `json:"documentation" example:"/docs" doc:"The OpenAPI documentation endpoint"`
}

// a response for a registry-related query (GET)
type RegistryResponse struct {
	Id           string `json:"id" example:"gdc"`
	Name         string `json:"name" example:"Genomic Data Commons"`
	Organization string `json:"organization" example:"National Cancer Institute"`
	URL          string `json:"url" example:"https://api.gdc.cancer.gov"`
}

// a response listing the metadata tables loaded into the clinical store (GET)
type TablesResponse struct {
	Tables []string `json:"tables" doc:"names of the loaded metadata tables"`
}

// a response listing the columns of one metadata table (GET)
type ColumnsResponse struct {
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
}

// a request to run a read query against the clinical store (POST)
type QueryRequest struct {
	Query string `json:"query" example:"SELECT cases_submitter_id FROM clinical LIMIT 10" doc:"a read-only SQL query"`
}

// a response carrying query rows (POST)
type QueryResponse struct {
	Rows []map[string]string `json:"rows" doc:"result rows keyed by column name"`
}

// a request to generate a manifest for a cohort (POST); exactly one of
// query and caseListPath selects the cohort
type ManifestRequest struct {
	OutputDir    string `json:"output_dir" doc:"directory the manifest is written to"`
	Query        string `json:"query,omitempty" doc:"SQL cohort selection query"`
	CaseListPath string `json:"case_list_path,omitempty" doc:"path to a portal case list (TSV)"`
}

// a response summarizing a generated or existing manifest (POST/GET)
type ManifestSummaryResponse struct {
	Patients   int                     `json:"patients" doc:"number of patients in the manifest"`
	Modalities []ModalityStatsResponse `json:"modalities" doc:"per-modality file counts and sizes, largest first"`
}

// per-modality manifest statistics
type ModalityStatsResponse struct {
	Modality  string `json:"modality"`
	FileCount int    `json:"file_count"`
	TotalSize int64  `json:"total_size"`
	HumanSize string `json:"human_size" example:"1.2 GB"`
}

// a request to start a download run (POST)
type DownloadRequest struct {
	OutputDir string `json:"output_dir" doc:"directory holding the manifest to download"`
}

// a response for a download run request (POST)
type DownloadResponse struct {
	Id uuid.UUID `json:"id" doc:"a UUID for the requested download run"`
}

// a response for a download run status request (GET)
type DownloadStatusResponse struct {
	Id      string `json:"id"`
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

// a response for a metadata refresh request (POST)
type UpdateResponse struct {
	Tables []string `json:"tables" doc:"names of the metadata tables after the refresh"`
}

// DataService defines the interface for the MINDS data aggregation service.
type DataService interface {
	// Starts the service on the selected port, returning an error that indicates
	// success or failure.
	Start(port int) error
	// Gracefully shuts down the service without interrupting active connections.
	Shutdown(ctx context.Context) error
	// Closes down the service, freeing all resources.
	Close()
}

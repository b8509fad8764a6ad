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

// The services package exposes the MINDS pipeline over REST: metadata table
// introspection and queries, cohort-driven manifest generation, download
// runs, and clinical metadata refreshes.
package services

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humamux"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/net/netutil"

	"github.com/minds-data/minds/aggregator"
	"github.com/minds-data/minds/cohort"
	"github.com/minds-data/minds/config"
	"github.com/minds-data/minds/downloader"
	"github.com/minds-data/minds/manifest"
	"github.com/minds-data/minds/registries"
	"github.com/minds-data/minds/registries/gdc"
)

// Version numbers
var majorVersion = 0
var minorVersion = 1
var patchVersion = 0

// Version string
var version = fmt.Sprintf("%d.%d.%d", majorVersion, minorVersion, patchVersion)

// This type implements the DataService interface, tying the clinical store,
// the aggregator, and the download run manager to REST endpoints.
type prototype struct {
	// name of the service
	Name string
	// service version identifier
	Version string
	// time which the service was started
	StartTime time.Time
	// port on which the service currently runs
	Port int
	// the clinical metadata store backing cohort selection
	Store *cohort.Store
	// router for REST endpoints
	Router *mux.Router
	// API wrapper
	API huma.API
	// HTTP server.
	Server *http.Server
}

type ServiceInfoOutput struct {
	Body ServiceInfoResponse `doc:"information about the service itself"`
}

// handler method for root
func (service *prototype) getRoot(ctx context.Context,
	input *struct{}) (*ServiceInfoOutput, error) {

	slog.Info("Querying root endpoint...")
	return &ServiceInfoOutput{
		Body: ServiceInfoResponse{
			Name:          service.Name,
			Version:       service.Version,
			Uptime:        int(service.uptime()),
			Documentation: "/docs",
		},
	}, nil
}

type RegistriesOutput struct {
	Body []RegistryResponse `doc:"A list of information about configured registries"`
}

// handler method for querying all configured registries
func (service *prototype) getRegistries(ctx context.Context,
	input *struct{}) (*RegistriesOutput, error) {

	slog.Info("Querying configured registries...")
	output := &RegistriesOutput{
		Body: make([]RegistryResponse, 0),
	}
	for name, registry := range config.Registries {
		output.Body = append(output.Body, RegistryResponse{
			Id:           name,
			Name:         registry.Name,
			Organization: registry.Organization,
			URL:          registry.URL,
		})
	}
	slices.SortFunc(output.Body, func(r1, r2 RegistryResponse) int { // sort by id
		return cmp.Compare(r1.Id, r2.Id)
	})
	return output, nil
}

type TablesOutput struct {
	Body TablesResponse `doc:"The metadata tables loaded into the clinical store"`
}

// handler method for listing the clinical store's metadata tables
func (service *prototype) getTables(ctx context.Context,
	input *struct{}) (*TablesOutput, error) {

	tables, err := service.Store.Tables(ctx)
	if err != nil {
		return nil, err
	}
	return &TablesOutput{
		Body: TablesResponse{Tables: tables},
	}, nil
}

type ColumnsOutput struct {
	Body ColumnsResponse `doc:"The columns of the requested metadata table"`
}

// handler method for listing one metadata table's columns
func (service *prototype) getTableColumns(ctx context.Context,
	input *struct {
		Table string `path:"table" example:"clinical" doc:"the name of a loaded metadata table"`
	}) (*ColumnsOutput, error) {

	columns, err := service.Store.Columns(ctx, input.Table)
	if err != nil {
		if _, matches := err.(*cohort.UnknownTableError); matches {
			return nil, huma.Error404NotFound(err.Error())
		}
		return nil, err
	}
	return &ColumnsOutput{
		Body: ColumnsResponse{Table: input.Table, Columns: columns},
	}, nil
}

type QueryOutput struct {
	Body QueryResponse `doc:"The rows produced by the given query"`
}

// handler method for running a read query against the clinical store
func (service *prototype) runQuery(ctx context.Context,
	input *struct {
		Body        QueryRequest `doc:"The body of a POST request for a metadata query"`
		ContentType string       `header:"Content-Type" doc:"Content-Type header (must be application/json)"`
	}) (*QueryOutput, error) {

	if input.Body.Query == "" {
		return nil, huma.Error422UnprocessableEntity("No query was given.")
	}
	slog.Info("Running metadata query...")
	rows, err := service.Store.Query(ctx, input.Body.Query)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity(err.Error())
	}
	return &QueryOutput{
		Body: QueryResponse{Rows: rows},
	}, nil
}

type ManifestSummaryOutput struct {
	Body   ManifestSummaryResponse `doc:"A summary of the manifest"`
	Status int
}

// handler method for generating a manifest for a cohort
func (service *prototype) createManifest(ctx context.Context,
	input *struct {
		Body        ManifestRequest `doc:"The body of a POST request for manifest generation"`
		ContentType string          `header:"Content-Type" doc:"Content-Type header (must be application/json)"`
	}) (*ManifestSummaryOutput, error) {

	if input.Body.OutputDir == "" {
		return nil, huma.Error422UnprocessableEntity("No output directory was given.")
	}
	cases, err := cohort.BuildCohort(ctx, service.Store, input.Body.Query,
		input.Body.CaseListPath)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity(err.Error())
	}

	agg, err := aggregator.New(input.Body.OutputDir)
	if err != nil {
		return nil, err
	}
	m, err := agg.GenerateManifest(ctx, cases)
	if err != nil {
		return nil, err
	}
	return &ManifestSummaryOutput{
		Body:   summarize(m),
		Status: http.StatusCreated,
	}, nil
}

// handler method for summarizing the manifest in an output directory
func (service *prototype) getManifestStats(ctx context.Context,
	input *struct {
		OutputDir string `query:"output_dir" doc:"directory holding the manifest"`
	}) (*ManifestSummaryOutput, error) {

	m, err := manifest.Read(input.OutputDir)
	if err != nil {
		if _, matches := err.(*manifest.MissingError); matches {
			return nil, huma.Error404NotFound(err.Error())
		}
		return nil, err
	}
	return &ManifestSummaryOutput{
		Body:   summarize(m),
		Status: http.StatusOK,
	}, nil
}

// condenses a manifest into its response summary
func summarize(m *manifest.Manifest) ManifestSummaryResponse {
	stats := m.Stats()
	modalities := make([]ModalityStatsResponse, len(stats))
	for i, stat := range stats {
		modalities[i] = ModalityStatsResponse{
			Modality:  stat.Modality,
			FileCount: stat.FileCount,
			TotalSize: stat.TotalSize,
			HumanSize: stat.HumanSize(),
		}
	}
	return ManifestSummaryResponse{
		Patients:   len(m.Entries),
		Modalities: modalities,
	}
}

type DownloadOutput struct {
	Body   DownloadResponse `doc:"A UUID for the requested download run"`
	Status int
}

// handler method for initiating a download run
func (service *prototype) createDownload(ctx context.Context,
	input *struct {
		Body        DownloadRequest `doc:"The body of a POST request for a download run"`
		ContentType string          `header:"Content-Type" doc:"Content-Type header (must be application/json)"`
	}) (*DownloadOutput, error) {

	runId, err := downloader.Create(downloader.RunSpec{
		OutputDir: input.Body.OutputDir,
	})
	if err != nil {
		if _, matches := err.(*manifest.MissingError); matches {
			return nil, huma.Error422UnprocessableEntity(err.Error())
		}
		return nil, err
	}
	return &DownloadOutput{
		Body:   DownloadResponse{Id: runId},
		Status: http.StatusCreated,
	}, nil
}

type DownloadStatusOutput struct {
	Body DownloadStatusResponse `doc:"A status message for the download run with the given ID"`
}

// handler method for getting the status of a download run
func (service *prototype) getDownloadStatus(ctx context.Context,
	input *struct {
		Id uuid.UUID `path:"id" example:"de9a2d6a-f5c9-4322-b8a7-8121d83fdfc2" doc:"the UUID for the requested download run"`
	}) (*DownloadStatusOutput, error) {

	status, err := downloader.Status(input.Id)
	if err != nil {
		return nil, huma.Error404NotFound(err.Error())
	}
	return &DownloadStatusOutput{
		Body: DownloadStatusResponse{
			Id:      input.Id.String(),
			State:   string(status.State),
			Message: status.Message,
		},
	}, nil
}

type DownloadDeletionOutput struct {
	Status int
}

// handler method for canceling a download run
func (service *prototype) deleteDownload(ctx context.Context,
	input *struct {
		Id uuid.UUID `path:"id" example:"de9a2d6a-f5c9-4322-b8a7-8121d83fdfc2" doc:"the UUID for the requested download run"`
	}) (*DownloadDeletionOutput, error) {

	err := downloader.Cancel(input.Id)
	if err != nil {
		return nil, err
	}
	return &DownloadDeletionOutput{
		Status: http.StatusAccepted,
	}, nil
}

type UpdateOutput struct {
	Body UpdateResponse `doc:"The metadata tables present after the refresh"`
}

// handler method for refreshing the clinical store from registry dumps
func (service *prototype) updateTables(ctx context.Context,
	input *struct{}) (*UpdateOutput, error) {

	clinicalNames := registries.ClinicalNames()
	if len(clinicalNames) == 0 {
		return nil, fmt.Errorf("No clinical registry is configured.")
	}
	clinical, err := registries.NewClinical(clinicalNames[0])
	if err != nil {
		return nil, err
	}
	source, matches := clinical.(cohort.DumpSource)
	if !matches {
		return nil, fmt.Errorf("The clinical registry does not publish table dumps.")
	}

	slog.Info("Refreshing clinical metadata tables...")
	workDir := filepath.Join(filepath.Dir(config.Database.Path), "dumps")
	if err = service.Store.Update(ctx, source, gdc.DumpKinds(), workDir); err != nil {
		return nil, err
	}
	tables, err := service.Store.Tables(ctx)
	if err != nil {
		return nil, err
	}
	return &UpdateOutput{
		Body: UpdateResponse{Tables: tables},
	}, nil
}

// returns the uptime for the service in seconds
func (service *prototype) uptime() float64 {
	return time.Since(service.StartTime).Seconds()
}

// constructs a prototype MINDS service given our configuration
func NewMindsService() (DataService, error) {

	// validate our configuration
	if len(config.Registries) == 0 {
		return nil, fmt.Errorf("No registries were specified.")
	}
	if config.Database.Path == "" {
		return nil, fmt.Errorf("No clinical store path was specified.")
	}

	store, err := cohort.Open(config.Database.Path)
	if err != nil {
		return nil, err
	}

	service := new(prototype)
	service.Name = "MINDS prototype"
	service.Version = version
	service.Port = -1
	service.Store = store

	// set up routing
	service.Router = mux.NewRouter()
	api := humamux.New(service.Router, huma.DefaultConfig(service.Name, service.Version))
	huma.Get(api, "/", service.getRoot)

	// API v1
	huma.Get(api, "/api/v1/registries", service.getRegistries)
	huma.Get(api, "/api/v1/tables", service.getTables)
	huma.Get(api, "/api/v1/tables/{table}/columns", service.getTableColumns)
	huma.Post(api, "/api/v1/tables/update", service.updateTables)
	huma.Post(api, "/api/v1/query", service.runQuery)
	huma.Post(api, "/api/v1/manifests", service.createManifest)
	huma.Get(api, "/api/v1/manifests/stats", service.getManifestStats)
	huma.Post(api, "/api/v1/downloads", service.createDownload)
	huma.Get(api, "/api/v1/downloads/{id}", service.getDownloadStatus)
	huma.Delete(api, "/api/v1/downloads/{id}", service.deleteDownload)

	return service, nil
}

// starts the prototype MINDS service
func (service *prototype) Start(port int) error {
	slog.Info(fmt.Sprintf("Starting %s service on port %d...", service.Name, port))
	slog.Info(fmt.Sprintf("(Accepting up to %d connections)", config.Service.MaxConnections))

	service.StartTime = time.Now()

	// create a listener that limits the number of incoming connections
	service.Port = port
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return err
	}
	defer listener.Close()
	listener = netutil.LimitListener(listener, config.Service.MaxConnections)

	// start accepting download runs
	err = downloader.Start()
	if err != nil {
		return err
	}

	// start the server
	service.Server = &http.Server{
		Handler: service.Router}
	err = service.Server.Serve(listener)

	// we don't report the server closing as an error
	if err != http.ErrServerClosed {
		return err
	}
	return nil
}

// gracefully shuts down the service without interrupting active connections
func (service *prototype) Shutdown(ctx context.Context) error {
	downloader.Stop()
	service.Store.Close()
	if service.Server != nil {
		return service.Server.Shutdown(ctx)
	}
	return nil
}

// closes down the service abruptly, freeing all resources
func (service *prototype) Close() {
	downloader.Stop()
	service.Store.Close()
	if service.Server != nil {
		service.Server.Close()
	}
}

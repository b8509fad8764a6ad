// These tests run the REST service against registry test fixtures, with the
// clinical store loaded from fabricated metadata dumps.

package services

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"

	"github.com/minds-data/minds/config"
	"github.com/minds-data/minds/manifest"
	"github.com/minds-data/minds/mindstest"
	"github.com/minds-data/minds/registries"
)

// the service instance being tested
var service DataService

// temporary testing directory
var TESTING_DIR string

// base URLs for the running service
const baseUrl = "http://localhost:8585/"
const apiV1 = baseUrl + "api/v1/"

// configuration
const servicesConfig string = `
service:
  name: minds-service-tests
  port: 8585
  maxConnections: 100
aggregator:
  maxWorkers: 4
downloader:
  maxWorkers: 2
database:
  path: TESTING_DIR/minds.db
registries:
  gdc:
    name: Genomic Data Commons
    organization: National Cancer Institute
    url: https://api.gdc.example.org
    portalUrl: https://portal.gdc.example.org
  idc:
    name: Imaging Data Commons
    organization: National Cancer Institute
    url: https://api.idc.example.org
`

// the clinical table served via fabricated metadata dumps
const testClinicalTSV = `cases.case_id	cases.submitter_id	cases.primary_site
case-uuid-1	TCGA-AA-0001	Colon
`

// This type extends the clinical registry fixture with fabricated metadata
// table dumps, so the refresh endpoint can be exercised.
type testClinical struct {
	mindstest.Clinical
	// table file name -> TSV content, per dump kind
	Dumps map[string]map[string]string
}

func (c *testClinical) DownloadTableDump(ctx context.Context, kind, destPath string) error {
	var buffer bytes.Buffer
	gzWriter := pgzip.NewWriter(&buffer)
	tarWriter := tar.NewWriter(gzWriter)
	for name, content := range c.Dumps[kind] {
		if err := tarWriter.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(content)),
		}); err != nil {
			return err
		}
		if _, err := tarWriter.Write([]byte(content)); err != nil {
			return err
		}
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	if err := gzWriter.Close(); err != nil {
		return err
	}
	return os.WriteFile(destPath, buffer.Bytes(), 0644)
}

// performs testing setup
func setup() {
	mindstest.EnableDebugLogging()

	log.Print("Creating testing directory...\n")
	var err error
	TESTING_DIR, err = os.MkdirTemp(os.TempDir(), "minds-service-tests-")
	if err != nil {
		log.Panicf("Couldn't create testing directory: %s", err)
	}

	// register registry fixtures under the names referred to in the config
	entry := manifest.NewEntry("TCGA-AA-0001", "case-uuid-1")
	entry.AddRef("Clinical Supplement", manifest.NewClinicalRef(manifest.ClinicalFileRef{
		ID:       "file-1",
		FileName: "file-1.xml",
		FileSize: 1000,
		DataType: "Clinical Supplement",
	}))
	clinical := &testClinical{
		Clinical: mindstest.Clinical{
			Entries:  map[string]*manifest.Entry{"case-uuid-1": entry},
			Payloads: map[string][]byte{"file-1": []byte("clinical payload")},
		},
		Dumps: map[string]map[string]string{
			"clinical":    {"clinical.tsv": testClinicalTSV},
			"biospecimen": {"biospecimen.tsv": "cases.case_id\tcases.submitter_id\ncase-uuid-1\tTCGA-AA-0001\n"},
		},
	}
	registries.RegisterClinical("gdc", func(string) (registries.Clinical, error) {
		return clinical, nil
	})
	mindstest.RegisterImaging("idc", &mindstest.Imaging{
		Series: map[string][]registries.SeriesRef{
			"TCGA-AA-0001": {
				{
					Modality: "CT",
					Ref: manifest.ImagingFileRef{
						SeriesInstanceUID: "series-1",
						Source:            "IDC",
					},
				},
			},
		},
	})

	myConfig := strings.ReplaceAll(servicesConfig, "TESTING_DIR", TESTING_DIR)
	if err = config.Init([]byte(myConfig)); err != nil {
		log.Panicf("Couldn't initialize configuration: %s", err)
	}

	// start the service
	log.Print("Starting test MINDS service...\n")
	go func() {
		service, err = NewMindsService()
		if err != nil {
			log.Panicf("Couldn't construct the service: %s", err.Error())
		}
		err = service.Start(config.Service.Port)
		if err != nil {
			log.Panicf("Couldn't start the service: %s", err.Error())
		}
	}()

	// give the service time to start up
	time.Sleep(100 * time.Millisecond)

	// load the clinical store via the refresh endpoint
	resp, err := post(apiV1+"tables/update", http.NoBody)
	if err != nil {
		log.Panicf("Couldn't refresh metadata tables: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Panicf("Refreshing metadata tables failed with status %d", resp.StatusCode)
	}
}

// performs testing breakdown
func breakdown() {
	if service != nil {
		// gracefully shut the service down when it finishes its work
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		service.Shutdown(ctx)
	}

	if TESTING_DIR != "" {
		log.Printf("Deleting testing directory %s...\n", TESTING_DIR)
		os.RemoveAll(TESTING_DIR)
	}
}

// sends a GET query
func get(resource string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, resource, http.NoBody)
	if err != nil {
		return nil, err
	}
	return http.DefaultClient.Do(req)
}

// sends a POST query with a JSON payload
func post(resource string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, resource, body)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Content-Type", "application/json")
	return http.DefaultClient.Do(req)
}

// sends a DELETE query
func delete_(resource string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodDelete, resource, http.NoBody)
	if err != nil {
		return nil, err
	}
	return http.DefaultClient.Do(req)
}

// queries the service's root endpoint
func TestQueryRoot(t *testing.T) {
	assert := assert.New(t)

	resp, err := get(baseUrl)
	assert.Nil(err)
	defer resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)

	respBody, err := io.ReadAll(resp.Body)
	assert.Nil(err)
	var root ServiceInfoResponse
	err = json.Unmarshal(respBody, &root)
	assert.Nil(err)
	assert.Equal("MINDS prototype", root.Name)
	assert.Equal(version, root.Version)
}

// queries the configured registries
func TestQueryRegistries(t *testing.T) {
	assert := assert.New(t)

	resp, err := get(apiV1 + "registries")
	assert.Nil(err)
	defer resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)

	respBody, err := io.ReadAll(resp.Body)
	assert.Nil(err)
	var regs []RegistryResponse
	err = json.Unmarshal(respBody, &regs)
	assert.Nil(err)
	assert.Equal(2, len(regs))
	assert.Equal("gdc", regs[0].Id)
	assert.Equal("Genomic Data Commons", regs[0].Name)
	assert.Equal("idc", regs[1].Id)
}

// lists the metadata tables loaded into the clinical store
func TestQueryTables(t *testing.T) {
	assert := assert.New(t)

	resp, err := get(apiV1 + "tables")
	assert.Nil(err)
	defer resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)

	respBody, err := io.ReadAll(resp.Body)
	assert.Nil(err)
	var tables TablesResponse
	err = json.Unmarshal(respBody, &tables)
	assert.Nil(err)
	assert.Equal([]string{"biospecimen", "clinical"}, tables.Tables)
}

// lists the columns of a loaded table, and asks for those of an unloaded one
func TestQueryTableColumns(t *testing.T) {
	assert := assert.New(t)

	resp, err := get(apiV1 + "tables/clinical/columns")
	assert.Nil(err)
	defer resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)

	respBody, err := io.ReadAll(resp.Body)
	assert.Nil(err)
	var columns ColumnsResponse
	err = json.Unmarshal(respBody, &columns)
	assert.Nil(err)
	assert.Equal("clinical", columns.Table)
	assert.Contains(columns.Columns, "cases_case_id")
	assert.Contains(columns.Columns, "cases_submitter_id")

	resp, err = get(apiV1 + "tables/nonsense/columns")
	assert.Nil(err)
	resp.Body.Close()
	assert.Equal(http.StatusNotFound, resp.StatusCode)
}

// runs a metadata query, then one with no query text
func TestRunQuery(t *testing.T) {
	assert := assert.New(t)

	payload, err := json.Marshal(QueryRequest{
		Query: `SELECT cases_submitter_id FROM clinical`,
	})
	assert.Nil(err)
	resp, err := post(apiV1+"query", bytes.NewReader(payload))
	assert.Nil(err)
	defer resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)

	respBody, err := io.ReadAll(resp.Body)
	assert.Nil(err)
	var results QueryResponse
	err = json.Unmarshal(respBody, &results)
	assert.Nil(err)
	assert.Equal(1, len(results.Rows))
	assert.Equal("TCGA-AA-0001", results.Rows[0]["cases_submitter_id"])

	payload, err = json.Marshal(QueryRequest{})
	assert.Nil(err)
	resp, err = post(apiV1+"query", bytes.NewReader(payload))
	assert.Nil(err)
	resp.Body.Close()
	assert.Equal(http.StatusUnprocessableEntity, resp.StatusCode)
}

// generates a manifest for a cohort and fetches its summary
func TestCreateManifestAndStats(t *testing.T) {
	assert := assert.New(t)

	outputDir := filepath.Join(TESTING_DIR, "manifests")
	assert.Nil(os.MkdirAll(outputDir, 0755))

	payload, err := json.Marshal(ManifestRequest{
		OutputDir: outputDir,
		Query:     `SELECT cases_case_id, cases_submitter_id FROM clinical`,
	})
	assert.Nil(err)
	resp, err := post(apiV1+"manifests", bytes.NewReader(payload))
	assert.Nil(err)
	defer resp.Body.Close()
	assert.Equal(http.StatusCreated, resp.StatusCode)

	respBody, err := io.ReadAll(resp.Body)
	assert.Nil(err)
	var summary ManifestSummaryResponse
	err = json.Unmarshal(respBody, &summary)
	assert.Nil(err)
	assert.Equal(1, summary.Patients)
	assert.Equal(2, len(summary.Modalities))
	assert.Equal("Clinical Supplement", summary.Modalities[0].Modality)
	assert.Equal(int64(1000), summary.Modalities[0].TotalSize)
	assert.Equal("CT", summary.Modalities[1].Modality)

	// the summary endpoint reports the same numbers for the written manifest
	resp, err = get(apiV1 + "manifests/stats?output_dir=" + outputDir)
	assert.Nil(err)
	defer resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)
	respBody, err = io.ReadAll(resp.Body)
	assert.Nil(err)
	var stats ManifestSummaryResponse
	err = json.Unmarshal(respBody, &stats)
	assert.Nil(err)
	assert.Equal(summary, stats)

	// a directory without a manifest yields a 404
	resp, err = get(apiV1 + "manifests/stats?output_dir=" + TESTING_DIR)
	assert.Nil(err)
	resp.Body.Close()
	assert.Equal(http.StatusNotFound, resp.StatusCode)
}

// requests a manifest generation with no cohort selection
func TestCreateManifestWithoutSelection(t *testing.T) {
	assert := assert.New(t)

	payload, err := json.Marshal(ManifestRequest{
		OutputDir: filepath.Join(TESTING_DIR, "unused"),
	})
	assert.Nil(err)
	resp, err := post(apiV1+"manifests", bytes.NewReader(payload))
	assert.Nil(err)
	resp.Body.Close()
	assert.Equal(http.StatusUnprocessableEntity, resp.StatusCode)
}

// creates a download run for a generated manifest and polls it to completion
func TestCreateDownload(t *testing.T) {
	assert := assert.New(t)

	// generate a manifest to download
	outputDir := filepath.Join(TESTING_DIR, "downloads")
	assert.Nil(os.MkdirAll(outputDir, 0755))
	payload, err := json.Marshal(ManifestRequest{
		OutputDir: outputDir,
		Query:     `SELECT cases_case_id, cases_submitter_id FROM clinical`,
	})
	assert.Nil(err)
	resp, err := post(apiV1+"manifests", bytes.NewReader(payload))
	assert.Nil(err)
	resp.Body.Close()
	assert.Equal(http.StatusCreated, resp.StatusCode)

	payload, err = json.Marshal(DownloadRequest{OutputDir: outputDir})
	assert.Nil(err)
	resp, err = post(apiV1+"downloads", bytes.NewReader(payload))
	assert.Nil(err)
	defer resp.Body.Close()
	assert.Equal(http.StatusCreated, resp.StatusCode)

	respBody, err := io.ReadAll(resp.Body)
	assert.Nil(err)
	var download DownloadResponse
	err = json.Unmarshal(respBody, &download)
	assert.Nil(err)
	assert.True(download.Id != uuid.UUID{})

	// poll the run until it reaches a terminal state
	var status DownloadStatusResponse
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err = get(apiV1 + "downloads/" + download.Id.String())
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		respBody, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Nil(err)
		assert.Nil(json.Unmarshal(respBody, &status))
		if status.State == "done" || status.State == "failed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Download run didn't finish in time (state %s)", status.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal("done", status.State)

	// the run routed the manifest's records into the patient tree
	patientDir := filepath.Join(outputDir, "raw", "TCGA-AA-0001")
	_, err = os.Stat(filepath.Join(patientDir, "Clinical Supplement", "file-1", "payload.txt"))
	assert.Nil(err)
	_, err = os.Stat(filepath.Join(patientDir, "CT", "series-1", "instance-1.dcm"))
	assert.Nil(err)

	// a finished run can still be canceled
	resp, err = delete_(apiV1 + "downloads/" + download.Id.String())
	assert.Nil(err)
	resp.Body.Close()
	assert.Equal(http.StatusAccepted, resp.StatusCode)
}

// requests a download for a directory with no manifest
func TestCreateDownloadWithoutManifest(t *testing.T) {
	assert := assert.New(t)

	outputDir := filepath.Join(TESTING_DIR, "no-manifest")
	assert.Nil(os.MkdirAll(outputDir, 0755))
	payload, err := json.Marshal(DownloadRequest{OutputDir: outputDir})
	assert.Nil(err)
	resp, err := post(apiV1+"downloads", bytes.NewReader(payload))
	assert.Nil(err)
	resp.Body.Close()
	assert.Equal(http.StatusUnprocessableEntity, resp.StatusCode)
}

// attempts to fetch the status of a nonexistent download run
func TestFetchInvalidDownloadStatus(t *testing.T) {
	assert := assert.New(t)

	resp, err := get(apiV1 + "downloads/" + uuid.NewString())
	assert.Nil(err)
	resp.Body.Close()
	assert.Equal(http.StatusNotFound, resp.StatusCode)
}

// This runs setup, runs all tests, and does breakdown.
func TestMain(m *testing.M) {
	var status int
	setup()
	status = m.Run()
	breakdown()
	os.Exit(status)
}

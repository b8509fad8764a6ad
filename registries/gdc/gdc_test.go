package gdc

// These tests run the clinical registry adapter against a local stub of the
// registry's REST API.
import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/minds-data/minds/registries"
)

// a retry policy that doesn't wait between attempts
var fastRetry = registries.RetryPolicy{
	Tries:   5,
	Delay:   time.Millisecond,
	Backoff: 2,
	Sleep:   func(ctx context.Context, d time.Duration) {},
}

// creates an adapter pointed at a stub server
func stubRegistry(server *httptest.Server) *Registry {
	return &Registry{
		Id:        "gdc",
		BaseURL:   server.URL,
		PortalURL: server.URL,
		Client:    *server.Client(),
		Retry:     fastRetry,
	}
}

// emits a files response with the given hits and reported total
func writeFilesResponse(w http.ResponseWriter, hits []map[string]any, total int) {
	response := map[string]any{
		"data": map[string]any{
			"hits": hits,
			"pagination": map[string]any{
				"count": len(hits),
				"total": total,
			},
		},
	}
	json.NewEncoder(w).Encode(response)
}

// builds n file hits cycling through the given data types
func makeHits(n int, dataTypes ...string) []map[string]any {
	hits := make([]map[string]any, n)
	for i := range hits {
		hits[i] = map[string]any{
			"id":        fmt.Sprintf("file-uuid-%d", i),
			"file_name": fmt.Sprintf("file-%d.txt", i),
			"file_size": 100,
			"data_type": dataTypes[i%len(dataTypes)],
		}
	}
	return hits
}

// Tests that a truncated first page triggers a second query sized to cover
// the reported total, and that the records are bucketed by data type.
func TestCaseFilesEnlargesPageToCoverTotal(t *testing.T) {
	assert := assert.New(t)

	var requestedSizes []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/files", r.URL.Path)
		size := r.URL.Query().Get("size")
		requestedSizes = append(requestedSizes, size)
		if size == "10000" {
			// first page: 100 of 250 records
			writeFilesResponse(w, makeHits(100, "Clinical Supplement"), 250)
		} else {
			writeFilesResponse(w, makeHits(250, "Clinical Supplement", "Biospecimen Supplement"), 250)
		}
	}))
	defer server.Close()

	entry, err := stubRegistry(server).CaseFiles(context.Background(),
		"case-uuid", "TCGA-AA-0001")
	assert.Nil(err)
	assert.Equal([]string{"10000", "260"}, requestedSizes)
	assert.Equal("TCGA-AA-0001", entry.PatientID)
	assert.Equal("case-uuid", entry.GDCCaseID)
	assert.Equal(125, len(entry.Buckets["Clinical Supplement"]))
	assert.Equal(125, len(entry.Buckets["Biospecimen Supplement"]))
}

// Tests that records without a data type are left out of the entry.
func TestCaseFilesDiscardsUntypedRecords(t *testing.T) {
	assert := assert.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits := makeHits(4, "Clinical Supplement", "")
		writeFilesResponse(w, hits, 4)
	}))
	defer server.Close()

	entry, err := stubRegistry(server).CaseFiles(context.Background(),
		"case-uuid", "TCGA-AA-0001")
	assert.Nil(err)
	assert.Equal(1, len(entry.Buckets))
	assert.Equal(2, len(entry.Buckets["Clinical Supplement"]))
	// the download identifier comes from the record's id field
	assert.Equal("file-uuid-0", entry.Buckets["Clinical Supplement"][0].Identifier())
}

// Tests that a registry that keeps under-filling pages at the size ceiling
// produces an IncompletePageError instead of a truncated entry.
func TestCaseFilesReportsIncompletePages(t *testing.T) {
	assert := assert.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFilesResponse(w, makeHits(1, "Clinical Supplement"), 2000000)
	}))
	defer server.Close()

	entry, err := stubRegistry(server).CaseFiles(context.Background(),
		"case-uuid", "TCGA-AA-0001")
	assert.Nil(entry)
	assert.NotNil(err)
	_, matches := err.(*registries.IncompletePageError)
	assert.True(matches, "Under-filled pages didn't produce an IncompletePageError.")
}

// Tests that a failing files query is retried before being surfaced.
func TestCaseFilesRetriesBeforeFailing(t *testing.T) {
	assert := assert.New(t)

	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := stubRegistry(server).CaseFiles(context.Background(),
		"case-uuid", "TCGA-AA-0001")
	assert.NotNil(err)
	assert.Equal(5, attempts)
	_, matches := err.(*registries.UnavailableError)
	assert.True(matches)
}

// Tests that a bundled download lands under the name given in the response's
// Content-Disposition header.
func TestDownloadFilesWritesBundle(t *testing.T) {
	assert := assert.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/data", r.URL.Path)
		assert.Equal(http.MethodPost, r.Method)
		var body struct {
			IDs []string `json:"ids"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		assert.Equal([]string{"file-uuid-1", "file-uuid-2"}, body.IDs)

		w.Header().Set("Content-Disposition", `attachment; filename=batch.tar.gz`)
		w.Write([]byte("bundle-bytes"))
	}))
	defer server.Close()

	dir := t.TempDir()
	name, err := stubRegistry(server).DownloadFiles(context.Background(),
		[]string{"file-uuid-1", "file-uuid-2"}, dir)
	assert.Nil(err)
	assert.Equal("batch.tar.gz", name)
	payload, err := os.ReadFile(filepath.Join(dir, name))
	assert.Nil(err)
	assert.Equal("bundle-bytes", string(payload))
}

// Tests that a response without a filename fails without retrying.
func TestDownloadFilesReportsMissingFilename(t *testing.T) {
	assert := assert.New(t)

	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.Write([]byte("payload with no disposition"))
	}))
	defer server.Close()

	name, err := stubRegistry(server).DownloadFiles(context.Background(),
		[]string{"file-uuid-1"}, t.TempDir())
	assert.Equal("", name)
	assert.NotNil(err)
	assert.Equal(1, attempts)
	_, matches := err.(*MissingFilenameError)
	assert.True(matches)
}

// Tests table dump downloads: unknown kinds are rejected, downloads land at
// the destination path, and existing dumps suppress the request.
func TestDownloadTableDump(t *testing.T) {
	assert := assert.New(t)

	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Equal("/clinical_tar", r.URL.Path)
		r.ParseForm()
		assert.Equal("TSV", r.PostForm.Get("format"))
		w.Write([]byte("dump-bytes"))
	}))
	defer server.Close()
	registry := stubRegistry(server)

	err := registry.DownloadTableDump(context.Background(), "nonsense", "/tmp/unused")
	_, matches := err.(*UnknownDumpError)
	assert.True(matches)

	destPath := filepath.Join(t.TempDir(), "clinical.tar.gz")
	err = registry.DownloadTableDump(context.Background(), "clinical", destPath)
	assert.Nil(err)
	payload, err := os.ReadFile(destPath)
	assert.Nil(err)
	assert.Equal("dump-bytes", string(payload))

	// a second call finds the dump in place and makes no request
	err = registry.DownloadTableDump(context.Background(), "clinical", destPath)
	assert.Nil(err)
	assert.Equal(1, requests)
}

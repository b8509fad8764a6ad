package downloader

// These tests drive the download pipeline phases over registry test
// fixtures, checking the files they leave on disk.
import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"

	"github.com/minds-data/minds/manifest"
	"github.com/minds-data/minds/mindstest"
	"github.com/minds-data/minds/progress"
	"github.com/minds-data/minds/registries"
	"github.com/minds-data/minds/registries/gdc"
)

// builds a manifest holding one patient with a clinical file and a CT series
func testManifest() *manifest.Manifest {
	entry := manifest.NewEntry("TCGA-AA-0001", "case-uuid-1")
	entry.AddRef("Clinical Supplement", manifest.NewClinicalRef(manifest.ClinicalFileRef{
		ID:       "file-1",
		FileName: "file-1.xml",
		FileSize: 1000,
		DataType: "Clinical Supplement",
	}))
	entry.AddRef("CT", manifest.NewImagingRef(manifest.ImagingFileRef{
		SeriesInstanceUID: "series-1",
		Source:            "IDC",
	}))
	return &manifest.Manifest{Entries: []*manifest.Entry{entry}}
}

// fixtures that can serve the records testManifest refers to
func testFixtures() (*mindstest.Clinical, *mindstest.Imaging) {
	clinical := &mindstest.Clinical{
		Payloads: map[string][]byte{"file-1": []byte("clinical payload")},
	}
	return clinical, &mindstest.Imaging{}
}

// creates an acquirer over the given fixtures in a temp output directory
func fixtureAcquirer(t *testing.T, m *manifest.Manifest, clinical *mindstest.Clinical,
	imaging *mindstest.Imaging, filter manifest.Filter) *Acquirer {
	dataTypes := make(map[string]bool, len(gdc.DataTypes))
	for _, dataType := range gdc.DataTypes {
		dataTypes[dataType] = true
	}
	return &Acquirer{
		OutputDir:  t.TempDir(),
		Manifest:   m,
		Clinical:   clinical,
		Imaging:    map[string]registries.Imaging{"idc": imaging},
		Filter:     filter,
		MaxWorkers: 2,
		Reporter:   progress.NewNopReporter(),
		dataTypes:  dataTypes,
	}
}

// Tests that a full pipeline run walks its phases in order and routes every
// manifest record into the per-patient tree.
func TestDriverRunsAllPhases(t *testing.T) {
	assert := assert.New(t)

	clinical, imaging := testFixtures()
	acquirer := fixtureAcquirer(t, testManifest(), clinical, imaging, manifest.Filter{})
	var states []State
	driver := Driver{Acquirer: acquirer, OnState: func(s State) { states = append(states, s) }}

	err := driver.Run(context.Background())
	assert.Nil(err)
	assert.Equal([]State{StateDownloading, StateExtracting, StateOrganizing,
		StateCleaningUp, StateDone}, states)

	patientDir := filepath.Join(acquirer.RawDir(), "TCGA-AA-0001")
	payload, err := os.ReadFile(filepath.Join(patientDir, "Clinical Supplement",
		"file-1", "payload.txt"))
	assert.Nil(err)
	assert.Equal("clinical payload", string(payload))
	_, err = os.Stat(filepath.Join(patientDir, "CT", "series-1", "instance-1.dcm"))
	assert.Nil(err)

	// staged items were moved, not copied
	staged, err := os.ReadDir(acquirer.StagingDir())
	assert.Nil(err)
	assert.Equal(0, len(staged))
}

// Tests that a pipeline run folds series folders already in the patient tree
// into the manifest on disk.
func TestDriverRecordsPreexistingSeriesFolders(t *testing.T) {
	assert := assert.New(t)

	clinical, imaging := testFixtures()
	acquirer := fixtureAcquirer(t, testManifest(), clinical, imaging, manifest.Filter{})
	driver := Driver{Acquirer: acquirer}

	// an MR series downloaded outside any run, absent from the manifest
	patientDir := filepath.Join(acquirer.RawDir(), "TCGA-AA-0001")
	assert.Nil(os.MkdirAll(filepath.Join(patientDir, "MR", "series-9"), 0755))

	assert.Nil(driver.Run(context.Background()))

	onDisk, err := manifest.Read(acquirer.OutputDir)
	assert.Nil(err)
	entry := onDisk.Find("TCGA-AA-0001")
	assert.NotNil(entry)
	assert.Equal(1, len(entry.Buckets["MR"]))
	assert.Equal("series-9", entry.Buckets["MR"][0].Identifier())
	// series the run itself placed aren't recorded twice
	assert.Equal(1, len(entry.Buckets["CT"]))
}

// Tests that re-running the pipeline over organized files downloads nothing.
func TestDriverIsIdempotent(t *testing.T) {
	assert := assert.New(t)

	clinical, imaging := testFixtures()
	acquirer := fixtureAcquirer(t, testManifest(), clinical, imaging, manifest.Filter{})
	driver := Driver{Acquirer: acquirer}

	assert.Nil(driver.Run(context.Background()))
	assert.Equal(1, clinical.DownloadCalls)
	assert.Equal(1, imaging.DownloadCalls)

	assert.Nil(driver.Run(context.Background()))
	assert.Equal(1, clinical.DownloadCalls)
	assert.Equal(1, imaging.DownloadCalls)
}

// Tests that the bucket filter keeps unadmitted buckets out of the download
// and out of the patient tree.
func TestDriverHonorsBucketFilter(t *testing.T) {
	assert := assert.New(t)

	clinical, imaging := testFixtures()
	acquirer := fixtureAcquirer(t, testManifest(), clinical, imaging,
		manifest.Filter{Include: []string{"CT"}})
	driver := Driver{Acquirer: acquirer}

	assert.Nil(driver.Run(context.Background()))
	assert.Equal(0, clinical.DownloadCalls)
	assert.Equal(1, imaging.DownloadCalls)

	patientDir := filepath.Join(acquirer.RawDir(), "TCGA-AA-0001")
	_, err := os.Stat(filepath.Join(patientDir, "CT", "series-1"))
	assert.Nil(err)
	_, err = os.Stat(filepath.Join(patientDir, "Clinical Supplement"))
	assert.True(os.IsNotExist(err))
}

// Tests that series downloads from a source with no configured registry are
// skipped without failing the run.
func TestDriverSkipsUnconfiguredSources(t *testing.T) {
	assert := assert.New(t)

	entry := manifest.NewEntry("TCGA-AA-0001", "")
	entry.AddRef("CT", manifest.NewImagingRef(manifest.ImagingFileRef{
		SeriesInstanceUID: "series-1",
		Source:            "UNKNOWN",
	}))
	m := &manifest.Manifest{Entries: []*manifest.Entry{entry}}

	clinical, imaging := testFixtures()
	acquirer := fixtureAcquirer(t, m, clinical, imaging, manifest.Filter{})
	driver := Driver{Acquirer: acquirer}

	assert.Nil(driver.Run(context.Background()))
	assert.Equal(0, imaging.DownloadCalls)
}

// writes a tarball holding the given files, gzipping it when the path names
// a gzipped archive
func writeTarball(t *testing.T, path string, files map[string]string) {
	file, err := os.Create(path)
	assert.Nil(t, err)
	var writer io.Writer = file
	var gzWriter *pgzip.Writer
	if strings.HasSuffix(path, ".tar.gz") || strings.HasSuffix(path, ".tgz") {
		gzWriter = pgzip.NewWriter(file)
		writer = gzWriter
	}
	tarWriter := tar.NewWriter(writer)
	for name, content := range files {
		err = tarWriter.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(content)),
		})
		assert.Nil(t, err)
		_, err = tarWriter.Write([]byte(content))
		assert.Nil(t, err)
	}
	assert.Nil(t, tarWriter.Close())
	if gzWriter != nil {
		assert.Nil(t, gzWriter.Close())
	}
	assert.Nil(t, file.Close())
}

// Tests that staged archives of every extension family are unpacked in place
// and removed, while corrupt archives are left behind without failing the
// phase.
func TestExpandUnpacksStagedArchives(t *testing.T) {
	assert := assert.New(t)

	clinical, imaging := testFixtures()
	acquirer := fixtureAcquirer(t, testManifest(), clinical, imaging, manifest.Filter{})
	assert.Nil(os.MkdirAll(acquirer.StagingDir(), 0755))

	writeTarball(t, filepath.Join(acquirer.StagingDir(), "bundle.tar.gz"),
		map[string]string{"file-9/data.bin": "unpacked"})
	writeTarball(t, filepath.Join(acquirer.StagingDir(), "plain.tar"),
		map[string]string{"file-8/data.bin": "also unpacked"})
	err := os.WriteFile(filepath.Join(acquirer.StagingDir(), "corrupt.tar.gz"),
		[]byte("not an archive"), 0644)
	assert.Nil(err)

	assert.Nil(acquirer.Expand())

	payload, err := os.ReadFile(filepath.Join(acquirer.StagingDir(), "file-9", "data.bin"))
	assert.Nil(err)
	assert.Equal("unpacked", string(payload))
	payload, err = os.ReadFile(filepath.Join(acquirer.StagingDir(), "file-8", "data.bin"))
	assert.Nil(err)
	assert.Equal("also unpacked", string(payload))
	for _, name := range []string{"bundle.tar.gz", "plain.tar"} {
		_, err = os.Stat(filepath.Join(acquirer.StagingDir(), name))
		assert.True(os.IsNotExist(err))
	}
	_, err = os.Stat(filepath.Join(acquirer.StagingDir(), "corrupt.tar.gz"))
	assert.Nil(err)
}

// Tests that cleanup removes download debris from the staging area but keeps
// staged directories.
func TestCleanupRemovesDebris(t *testing.T) {
	assert := assert.New(t)

	clinical, imaging := testFixtures()
	acquirer := fixtureAcquirer(t, testManifest(), clinical, imaging, manifest.Filter{})
	staging := acquirer.StagingDir()
	assert.Nil(os.MkdirAll(filepath.Join(staging, "file-9"), 0755))
	for _, name := range []string{"leftover.tar", "report.txt", "run.log"} {
		assert.Nil(os.WriteFile(filepath.Join(staging, name), []byte("debris"), 0644))
	}

	assert.Nil(acquirer.Cleanup())

	entries, err := os.ReadDir(staging)
	assert.Nil(err)
	assert.Equal(1, len(entries))
	assert.Equal("file-9", entries[0].Name())
}

// Tests that series folders found in the patient tree are folded back into
// the manifest on disk, ignoring non-modality buckets.
func TestRecordDownloadsFoldsSeriesFolders(t *testing.T) {
	assert := assert.New(t)

	clinical, imaging := testFixtures()
	m := &manifest.Manifest{Entries: []*manifest.Entry{
		manifest.NewEntry("TCGA-AA-0001", "case-uuid-1"),
	}}
	acquirer := fixtureAcquirer(t, m, clinical, imaging, manifest.Filter{})
	assert.Nil(m.Write(acquirer.OutputDir))

	patientDir := filepath.Join(acquirer.RawDir(), "TCGA-AA-0001")
	assert.Nil(os.MkdirAll(filepath.Join(patientDir, "CT", "series-9"), 0755))
	assert.Nil(os.MkdirAll(filepath.Join(patientDir, "Clinical Supplement", "file-1"), 0755))

	assert.Nil(acquirer.RecordDownloads())

	onDisk, err := manifest.Read(acquirer.OutputDir)
	assert.Nil(err)
	entry := onDisk.Find("TCGA-AA-0001")
	assert.NotNil(entry)
	assert.Equal(1, len(entry.Buckets["CT"]))
	assert.Equal("series-9", entry.Buckets["CT"][0].Identifier())
	assert.Equal(0, len(entry.Buckets["Clinical Supplement"]))
}

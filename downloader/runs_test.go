// These tests must be run serially, since download runs are coordinated by a
// single manager instance.

package downloader

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/minds-data/minds/config"
	"github.com/minds-data/minds/manifest"
	"github.com/minds-data/minds/mindstest"
)

// temporary testing directory
var TESTING_DIR string

// a pause between run status polls
var pollPause time.Duration = time.Duration(10) * time.Millisecond

// configuration
const runsConfig string = `
service:
  name: minds-tests
  port: 8080
  maxConnections: 100
aggregator:
  maxWorkers: 4
downloader:
  maxWorkers: 2
database:
  path: TESTING_DIR/minds.db
registries:
  gdc:
    url: https://api.gdc.example.org
    portalUrl: https://portal.gdc.example.org
  idc:
    url: https://api.idc.example.org
`

// registry fixtures backing the manager's runs
var runsClinical *mindstest.Clinical
var runsImaging *mindstest.Imaging

// this function gets called at the begining of a test session
func setup() {
	mindstest.EnableDebugLogging()

	log.Print("Creating testing directory...\n")
	var err error
	TESTING_DIR, err = os.MkdirTemp(os.TempDir(), "minds-downloader-tests-")
	if err != nil {
		log.Panicf("Couldn't create testing directory: %s", err)
	}

	// register registry fixtures under the names referred to in the config
	runsClinical = &mindstest.Clinical{
		Payloads: map[string][]byte{"file-1": []byte("clinical payload")},
	}
	runsImaging = &mindstest.Imaging{}
	mindstest.RegisterClinical("gdc", runsClinical)
	mindstest.RegisterImaging("idc", runsImaging)

	myConfig := []byte(strings.ReplaceAll(runsConfig, "TESTING_DIR", TESTING_DIR))
	if err := config.Init(myConfig); err != nil {
		log.Panicf("Couldn't initialize configuration: %s", err)
	}
}

// this function gets called after all tests have been run
func breakdown() {
	if TESTING_DIR != "" {
		log.Printf("Deleting testing directory %s...\n", TESTING_DIR)
		os.RemoveAll(TESTING_DIR)
	}
}

// creates an output directory holding a manifest the fixtures can serve
func makeOutputDir(t *testing.T) string {
	outputDir, err := os.MkdirTemp(TESTING_DIR, "run-")
	assert.Nil(t, err)

	entry := manifest.NewEntry("TCGA-AA-0001", "case-uuid-1")
	entry.AddRef("Clinical Supplement", manifest.NewClinicalRef(manifest.ClinicalFileRef{
		ID:       "file-1",
		FileName: "file-1.xml",
		DataType: "Clinical Supplement",
	}))
	entry.AddRef("CT", manifest.NewImagingRef(manifest.ImagingFileRef{
		SeriesInstanceUID: "series-1",
		Source:            "IDC",
	}))
	m := manifest.Manifest{Entries: []*manifest.Entry{entry}}
	assert.Nil(t, m.Write(outputDir))
	return outputDir
}

// polls a run's status until it reaches a terminal state
func awaitRun(t *testing.T, runId uuid.UUID) RunStatus {
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, err := Status(runId)
		assert.Nil(t, err)
		if status.State == StateDone || status.State == StateFailed {
			return status
		}
		if time.Now().After(deadline) {
			t.Fatalf("Run %s didn't finish in time (state %s)", runId, status.State)
		}
		time.Sleep(pollPause)
	}
}

// To run the tests serially, we attach them to a SerialTests type and
// have them run by a single test runner.
type SerialTests struct{ Test *testing.T }

func (t *SerialTests) TestStartAndStop() {
	assert := assert.New(t.Test)

	assert.False(Running())
	err := Start()
	assert.Nil(err)
	assert.True(Running())

	// a second start is rejected
	err = Start()
	assert.NotNil(err)

	err = Stop()
	assert.Nil(err)
	assert.False(Running())

	// a second stop is rejected too
	err = Stop()
	assert.NotNil(err)
}

func (t *SerialTests) TestCreateRun() {
	assert := assert.New(t.Test)

	err := Start()
	assert.Nil(err)

	outputDir := makeOutputDir(t.Test)
	runId, err := Create(RunSpec{OutputDir: outputDir})
	assert.Nil(err)
	assert.True(runId != uuid.UUID{})

	status := awaitRun(t.Test, runId)
	assert.Equal(StateDone, status.State)
	assert.Equal("", status.Message)
	assert.False(status.StartTime.IsZero())
	assert.False(status.CompletionTime.IsZero())

	// the run routed every manifest record into the patient tree
	patientDir := filepath.Join(outputDir, "raw", "TCGA-AA-0001")
	_, err = os.Stat(filepath.Join(patientDir, "Clinical Supplement", "file-1", "payload.txt"))
	assert.Nil(err)
	_, err = os.Stat(filepath.Join(patientDir, "CT", "series-1", "instance-1.dcm"))
	assert.Nil(err)

	err = Stop()
	assert.Nil(err)
}

func (t *SerialTests) TestCreateRunWithoutManifest() {
	assert := assert.New(t.Test)

	err := Start()
	assert.Nil(err)

	outputDir, err := os.MkdirTemp(TESTING_DIR, "empty-")
	assert.Nil(err)
	_, err = Create(RunSpec{OutputDir: outputDir})
	assert.NotNil(err)
	_, matches := err.(*manifest.MissingError)
	assert.True(matches)

	err = Stop()
	assert.Nil(err)
}

func (t *SerialTests) TestStatusOfUnknownRun() {
	assert := assert.New(t.Test)

	err := Start()
	assert.Nil(err)

	_, err = Status(uuid.New())
	assert.NotNil(err)
	_, matches := err.(*RunNotFoundError)
	assert.True(matches)

	err = Stop()
	assert.Nil(err)
}

func (t *SerialTests) TestCancelRun() {
	assert := assert.New(t.Test)

	err := Start()
	assert.Nil(err)

	outputDir := makeOutputDir(t.Test)
	runId, err := Create(RunSpec{OutputDir: outputDir})
	assert.Nil(err)

	// the run may already have finished; either way, cancellation must be
	// accepted and the run must land in a terminal state
	err = Cancel(runId)
	assert.Nil(err)
	status := awaitRun(t.Test, runId)
	assert.True(status.State == StateDone || status.State == StateFailed)

	err = Stop()
	assert.Nil(err)
}

func (t *SerialTests) TestCancelUnknownRun() {
	assert := assert.New(t.Test)

	err := Start()
	assert.Nil(err)

	// canceling an unknown run reports an error right away
	err = Cancel(uuid.New())
	assert.NotNil(err)
	_, matches := err.(*RunNotFoundError)
	assert.True(matches)

	// the failed cancellation doesn't poison subsequent requests
	outputDir := makeOutputDir(t.Test)
	runId, err := Create(RunSpec{OutputDir: outputDir})
	assert.Nil(err)
	status := awaitRun(t.Test, runId)
	assert.Equal(StateDone, status.State)

	err = Stop()
	assert.Nil(err)
}

func (t *SerialTests) TestManagerForgetsRunsOnRestart() {
	assert := assert.New(t.Test)

	err := Start()
	assert.Nil(err)
	outputDir := makeOutputDir(t.Test)
	runId, err := Create(RunSpec{OutputDir: outputDir})
	assert.Nil(err)
	awaitRun(t.Test, runId)
	err = Stop()
	assert.Nil(err)

	// run records don't survive a manager restart
	err = Start()
	assert.Nil(err)
	_, err = Status(runId)
	assert.NotNil(err)
	err = Stop()
	assert.Nil(err)
}

// runs all the serial tests... serially!
func TestRunner(t *testing.T) {
	tester := SerialTests{Test: t}
	tester.TestStartAndStop()
	tester.TestCreateRun()
	tester.TestCreateRunWithoutManifest()
	tester.TestStatusOfUnknownRun()
	tester.TestCancelRun()
	tester.TestCancelUnknownRun()
	tester.TestManagerForgetsRunsOnRestart()
}

// This runs setup, runs all tests, and does breakdown.
func TestMain(m *testing.M) {
	var status int
	setup()
	status = m.Run()
	breakdown()
	os.Exit(status)
}

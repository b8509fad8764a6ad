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

// The cohort package selects the set of patients a manifest or download run
// operates on. Cohorts come from the local clinical metadata store (either
// an ad hoc SQL query or a case list exported from the Genomic Data Commons
// portal), and the store itself is refreshed from the registry's periodic
// metadata dumps.
package cohort

import (
	"bufio"
	"context"
	"os"
	"strings"
)

// A Case pairs a registry-internal case UUID with the submitter-assigned
// patient identifiers attached to it. The first submitter identifier is the
// one used for patient directories and manifest entries.
type Case struct {
	CaseID       string
	SubmitterIDs []string
}

// returns the primary (first seen) submitter identifier for the case
func (c Case) Primary() string {
	if len(c.SubmitterIDs) == 0 {
		return ""
	}
	return c.SubmitterIDs[0]
}

// A Cohort is an ordered list of cases. Order follows first appearance in
// the selecting query or case list, so repeated runs visit patients in the
// same sequence.
type Cohort []Case

// PatientIDs returns the primary submitter identifier of every case, in
// cohort order.
func (c Cohort) PatientIDs() []string {
	ids := make([]string, len(c))
	for i, cs := range c {
		ids[i] = cs.Primary()
	}
	return ids
}

// BuildCohort resolves a cohort from exactly one of the two selection
// mechanisms: a SQL query against the clinical store, or the path to a
// case list exported from the registry portal. Supplying both or neither
// is an error.
func BuildCohort(ctx context.Context, store *Store, query, caseListPath string) (Cohort, error) {
	switch {
	case query != "" && caseListPath != "":
		return nil, &InvalidSelectionError{Reason: "both a query and a case list were given"}
	case query != "":
		return store.QueryCohort(ctx, query)
	case caseListPath != "":
		return store.PortalCohort(ctx, caseListPath)
	default:
		return nil, &InvalidSelectionError{Reason: "neither a query nor a case list was given"}
	}
}

// Reads the case UUIDs out of a TSV case list exported from the registry
// portal. The list must carry an "id" column.
func readCaseList(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		return nil, &InvalidSelectionError{Reason: "case list is empty"}
	}
	header := strings.Split(scanner.Text(), "\t")
	idColumn := -1
	for i, name := range header {
		if strings.TrimSpace(name) == "id" {
			idColumn = i
			break
		}
	}
	if idColumn < 0 {
		return nil, &InvalidSelectionError{Reason: "case list has no \"id\" column"}
	}

	var ids []string
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if idColumn >= len(fields) {
			continue
		}
		if id := strings.TrimSpace(fields[idColumn]); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, scanner.Err()
}

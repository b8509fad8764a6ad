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

package cohort

import (
	"archive/tar"
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"
)

// A DumpSource hands out the periodic metadata table dumps a registry
// publishes, as gzipped tarballs of TSV tables.
type DumpSource interface {
	DownloadTableDump(ctx context.Context, kind, destPath string) error
}

// Update refreshes the store's metadata tables from the given dump kinds,
// replacing prior table contents. Dumps are fetched concurrently into
// workDir and each TSV table inside them is loaded under its file's base
// name, with dots in column headers folded to underscores.
func (s *Store) Update(ctx context.Context, source DumpSource, kinds []string, workDir string) error {
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, kind := range kinds {
		kind := kind
		group.Go(func() error {
			dumpPath := filepath.Join(workDir, kind+".tar.gz")
			if err := source.DownloadTableDump(groupCtx, kind, dumpPath); err != nil {
				return err
			}
			return s.loadDump(groupCtx, dumpPath)
		})
	}
	return group.Wait()
}

// loads every TSV table held in a gzipped tarball into the store
func (s *Store) loadDump(ctx context.Context, dumpPath string) error {
	file, err := os.Open(dumpPath)
	if err != nil {
		return err
	}
	defer file.Close()

	gzReader, err := pgzip.NewReader(file)
	if err != nil {
		return err
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if header.Typeflag != tar.TypeReg ||
			!strings.HasSuffix(header.Name, ".tsv") {
			continue
		}

		table := strings.TrimSuffix(filepath.Base(header.Name), ".tsv")
		columns, rows, err := readTable(tarReader)
		if err != nil {
			return err
		}
		if len(columns) == 0 {
			slog.Warn("Skipping empty metadata table", "table", table)
			continue
		}
		if err := s.replaceTable(ctx, table, columns, rows); err != nil {
			return err
		}
		slog.Info("Loaded metadata table", "table", table, "rows", len(rows))
	}
	return nil
}

// reads a TSV table, folding dots in its column headers to underscores
func readTable(r io.Reader) ([]string, [][]string, error) {
	reader := csv.NewReader(r)
	reader.Comma = '\t'
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return nil, nil, nil
	}

	columns := make([]string, len(records[0]))
	for i, name := range records[0] {
		columns[i] = strings.ReplaceAll(strings.TrimSpace(name), ".", "_")
	}
	return columns, records[1:], nil
}

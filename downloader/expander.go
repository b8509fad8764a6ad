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

package downloader

import (
	"archive/tar"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"
)

// the archive extension families the expander recognizes, each unpacked by
// its own worker
var archiveFamilies = []struct {
	suffixes []string
	gzipped  bool
}{
	{[]string{".tar.gz", ".tgz"}, true},
	{[]string{".tar"}, false},
}

// Expand unpacks every archive in the staging area in place and removes the
// archives that unpacked cleanly, processing each extension family in its own
// worker. Corrupt archives are logged and left on disk so that the next
// download pass replaces them; they never abort the run.
func (a *Acquirer) Expand() error {
	entries, err := os.ReadDir(a.StagingDir())
	if err != nil {
		return err
	}

	var pool errgroup.Group
	for _, family := range archiveFamilies {
		var names []string
		for _, entry := range entries {
			if !entry.IsDir() && hasAnySuffix(entry.Name(), family.suffixes) {
				names = append(names, entry.Name())
			}
		}
		if len(names) == 0 {
			continue
		}
		gzipped := family.gzipped
		pool.Go(func() error {
			for _, name := range names {
				archivePath := filepath.Join(a.StagingDir(), name)
				if err := unpackTarball(archivePath, a.StagingDir(), gzipped); err != nil {
					slog.Error("Unpacking archive failed", "archive", name,
						"error", err.Error())
					continue
				}
				if err := os.Remove(archivePath); err != nil {
					return err
				}
				slog.Debug("Unpacked archive", "archive", name)
			}
			return nil
		})
	}
	return pool.Wait()
}

// reports whether the name ends in any of the given suffixes
func hasAnySuffix(name string, suffixes []string) bool {
	for _, suffix := range suffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// unpacks a (possibly gzipped) tarball into destDir, preserving the archive's
// internal directory structure and rejecting entries that escape destDir
func unpackTarball(archivePath, destDir string, gzipped bool) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer file.Close()

	var reader io.Reader = file
	if gzipped {
		gzReader, err := pgzip.NewReader(file)
		if err != nil {
			return err
		}
		defer gzReader.Close()
		reader = gzReader
	}

	tarReader := tar.NewReader(reader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		destPath := filepath.Join(destDir, header.Name)
		if !strings.HasPrefix(destPath, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return &os.PathError{Op: "unpack", Path: header.Name,
				Err: os.ErrPermission}
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(destPath, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
				return err
			}
			dest, err := os.Create(destPath)
			if err != nil {
				return err
			}
			_, err = io.Copy(dest, tarReader)
			if closeErr := dest.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				os.Remove(destPath)
				return err
			}
		}
	}
}

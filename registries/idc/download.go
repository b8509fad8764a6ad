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

package idc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minds-data/minds/manifest"
)

// base URL for anonymous HTTPS access to Google Cloud Storage objects
const gcsObjectBaseURL = "https://storage.googleapis.com/"

// translates a gs:// object location to its public HTTPS equivalent
func objectURL(gcsURL string) (string, error) {
	trimmed, found := strings.CutPrefix(gcsURL, "gs://")
	if !found || trimmed == "" {
		return "", &BadObjectURLError{URL: gcsURL}
	}
	return gcsObjectBaseURL + trimmed, nil
}

// Downloads the DICOM object the given record refers to into a directory
// named after its series UID under dir. Objects already on disk are left
// alone, which makes re-runs resume where they stopped.
func (r *Registry) DownloadSeries(ctx context.Context, ref manifest.ImagingFileRef, dir string) error {
	httpsURL, err := objectURL(ref.GCSURL)
	if err != nil {
		return err
	}
	seriesDir := filepath.Join(dir, ref.SeriesInstanceUID)
	if err := os.MkdirAll(seriesDir, 0755); err != nil {
		return err
	}
	destPath := filepath.Join(seriesDir, path.Base(httpsURL))
	if _, err := os.Stat(destPath); err == nil {
		return nil
	}

	return r.DownloadRetry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpsURL, http.NoBody)
		if err != nil {
			return err
		}
		resp, err := r.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fetching %s: %s", httpsURL, resp.Status)
		}

		file, err := os.Create(destPath)
		if err != nil {
			return err
		}
		_, err = io.Copy(file, resp.Body)
		if err != nil {
			file.Close()
			os.Remove(destPath) // don't leave a truncated object behind
			return err
		}
		return file.Close()
	})
}

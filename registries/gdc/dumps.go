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

package gdc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/minds-data/minds/registries"
)

// table dump kinds served by the registry's data portal, mapped to their
// portal resources
var dumpResources = map[string]string{
	"clinical":    "clinical_tar",
	"biospecimen": "biospecimen_tar",
}

// number of case records requested per table dump
const dumpSize = 100000

// names all table dump kinds the portal serves
func DumpKinds() []string {
	kinds := make([]string, 0, len(dumpResources))
	for kind := range dumpResources {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Downloads the named open-access table dump (a gzipped tarball of TSV
// tables) from the registry's data portal to destPath. An existing file at
// destPath is left in place and no request is made.
func (r *Registry) DownloadTableDump(ctx context.Context, kind, destPath string) error {
	resource, found := dumpResources[kind]
	if !found {
		return &UnknownDumpError{Kind: kind}
	}
	if _, err := os.Stat(destPath); err == nil {
		return nil // already downloaded
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}

	u, err := url.ParseRequestURI(r.PortalURL)
	if err != nil {
		return err
	}
	u.Path = filepath.Join(u.Path, resource)
	request := fmt.Sprintf("%v", u)

	form := url.Values{}
	form.Add("size", strconv.Itoa(dumpSize))
	form.Add("attachment", "true")
	form.Add("format", "TSV")
	form.Add("filters", `{"op":"and","content":[{"op":"in","content":{"field":"files.access","value":["open"]}}]}`)

	return r.Retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, request,
			strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := r.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return &registries.BadStatusError{Registry: r.Id, Status: resp.StatusCode}
		}

		output, err := os.Create(destPath)
		if err != nil {
			return err
		}
		_, err = io.Copy(output, resp.Body)
		if closeErr := output.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(destPath) // don't leave a truncated dump behind
		}
		return err
	})
}

/*
Copyright © 2026 the RefIdx authors.
This file is part of RefIdx.

RefIdx is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

RefIdx is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with RefIdx.  If not, see <http://www.gnu.org/licenses/>.
*/

package refidxutil

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spatialmodel/refidx"
	"github.com/spatialmodel/refidx/extract"
	"github.com/spatialmodel/refidx/extract/geotiff"
	"github.com/spatialmodel/refidx/extract/grib"
	"github.com/spatialmodel/refidx/extract/netcdf"
	"github.com/spatialmodel/refidx/remote"
)

// extractWorkers is the maximum number of files scanned concurrently
// by the extract command.
const extractWorkers = 8

var extractors = map[string]extract.Extractor{
	"netcdf":  netcdf.Extractor{},
	"geotiff": geotiff.Extractor{},
	"grib":    grib.Extractor{},
}

// detectFormat guesses the extractor format from a file name extension.
func detectFormat(uri string) (string, error) {
	switch strings.ToLower(path.Ext(uri)) {
	case ".nc", ".cdf":
		return "netcdf", nil
	case ".tif", ".tiff":
		return "geotiff", nil
	case ".grib", ".grib2", ".grb", ".grb2":
		return "grib", nil
	}
	return "", fmt.Errorf("refidx: cannot guess the format of %s; use the format option", uri)
}

// Extract scans the given data files and writes one reference index
// document per extracted index. If output is empty the documents are
// written to standard output; if it names a directory (or more than
// one document is produced) each document is written to a separate
// file within it.
func Extract(files []string, format, output string, inlineThreshold int, gribLevels []int, retrySeconds int) error {
	ctx := context.Background()
	files = expandStringSlice(files)

	client := remote.NewClient()
	client.MaxRetryTime = time.Duration(retrySeconds) * time.Second
	opts := &extract.Options{
		InlineThreshold: inlineThreshold,
		Client:          client,
		Filter:          levelFilter(gribLevels),
	}

	// Group the inputs by format so each group can be extracted in a
	// single concurrent batch.
	groups := make(map[string][]string)
	for _, file := range files {
		f := format
		if f == "" || f == "auto" {
			var err error
			if f, err = detectFormat(file); err != nil {
				return err
			}
		}
		if _, ok := extractors[f]; !ok {
			return fmt.Errorf("refidx: unknown format %q; valid formats are 'netcdf', 'geotiff', 'grib', and 'auto'", f)
		}
		groups[f] = append(groups[f], file)
	}

	workers := len(files)
	if workers > extractWorkers {
		workers = extractWorkers
	}
	var results []extract.Result
	for f, uris := range groups {
		results = append(results, extract.All(ctx, extractors[f], uris, opts, workers)...)
	}

	var n int
	for _, result := range results {
		if result.Err != nil {
			return result.Err
		}
		n += len(result.Indexes)
	}
	if n == 0 {
		return fmt.Errorf("refidx: no indexes were produced; the message filter matched nothing")
	}
	return writeIndexes(ctx, client, results, output, n)
}

// levelFilter returns a message filter keeping only messages whose
// level is in the given list, or nil if the list is empty. Levels are
// carried in message metadata as float64 because surface values are
// scaled (e.g. 0.5 m below ground).
func levelFilter(levels []int) func(extract.Message) bool {
	if len(levels) == 0 {
		return nil
	}
	keep := make(map[float64]bool)
	for _, l := range levels {
		keep[float64(l)] = true
	}
	return func(m extract.Message) bool {
		l, ok := m.Meta["level"].(float64)
		return ok && keep[l]
	}
}

func writeIndexes(ctx context.Context, client *remote.Client, results []extract.Result, output string, n int) error {
	if output == "" {
		for _, result := range results {
			for _, ix := range result.Indexes {
				if err := ix.Write(os.Stdout); err != nil {
					return err
				}
				fmt.Println()
			}
		}
		return nil
	}
	toDir := n > 1
	if fi, err := os.Stat(output); err == nil && fi.IsDir() {
		toDir = true
	}
	if !toDir {
		for _, result := range results {
			if len(result.Indexes) > 0 {
				return putIndex(ctx, client, result.Indexes[0], output)
			}
		}
	}
	if !remote.IsBlob(output) {
		if err := os.MkdirAll(output, os.ModePerm); err != nil {
			return err
		}
	}
	for _, result := range results {
		base := strings.TrimSuffix(path.Base(result.URI), path.Ext(result.URI))
		for i, ix := range result.Indexes {
			name := base + ".refidx.json"
			if len(result.Indexes) > 1 {
				name = fmt.Sprintf("%s.%d.refidx.json", base, i)
			}
			if err := putIndex(ctx, client, ix, joinPath(output, name)); err != nil {
				return err
			}
		}
	}
	return nil
}

func joinPath(dir, name string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return dir + "/" + name
}

// putIndex serializes an index document to a local path or blob URI.
func putIndex(ctx context.Context, client *remote.Client, ix *refidx.ReferenceIndex, uri string) error {
	b := new(bytes.Buffer)
	if err := ix.Write(b); err != nil {
		return err
	}
	return client.Put(ctx, uri, b.Bytes())
}

// loadIndex reads an index document from a local path or blob URI.
func loadIndex(ctx context.Context, client *remote.Client, uri string) (*refidx.ReferenceIndex, error) {
	b, err := client.ReadAll(ctx, uri)
	if err != nil {
		return nil, err
	}
	return refidx.Read(bytes.NewReader(b))
}

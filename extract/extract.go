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

// Package extract defines the format-adapter contract for producing
// chunk-reference indexes from single source files, and a helper for
// running extraction over many files in parallel.
//
// One adapter exists per source format (see the netcdf, geotiff, and
// grib subpackages). New formats are added by implementing Extractor;
// the combiner and view never branch on format.
package extract

import (
	"context"
	"sync"

	"github.com/ctessum/requestcache"

	"github.com/spatialmodel/refidx"
	"github.com/spatialmodel/refidx/remote"
)

// DefaultInlineThreshold is the payload size in bytes below which a
// chunk's value is embedded directly in the index instead of stored as
// a byte-range pointer, when no threshold is configured. Embedding
// small values (e.g., coordinate arrays) avoids a network round trip
// for every consumer that opens the index.
const DefaultInlineThreshold = 256

// Extractor is the contract implemented by each format adapter: given
// a source file identifier, produce one or more self-contained
// reference indexes covering every variable and chunk in that file,
// without reading chunk payload bytes except those below the inline
// threshold. Multi-message formats may return more than one index per
// file (one per message selected by the caller's filter).
//
// Failures to parse the file's structure are reported as
// *refidx.FormatError; failures to fetch bytes are reported as
// *refidx.AccessError. The former is deterministic, the latter
// retryable.
type Extractor interface {
	Extract(ctx context.Context, uri string, opts *Options) ([]*refidx.ReferenceIndex, error)
}

// Message describes one self-contained record within a multi-message
// source file, for use by filter predicates.
type Message struct {
	// Num is the position of the message within the file, starting at 0.
	Num int

	// Meta holds format-specific message metadata, e.g. "levelType" and
	// "level" for GRIB2 messages.
	Meta map[string]interface{}
}

// Options configures extraction.
type Options struct {
	// InlineThreshold is the payload size in bytes at or below which
	// chunk values are embedded in the index. Zero means
	// DefaultInlineThreshold; negative disables inlining.
	InlineThreshold int

	// Client provides byte-range access to source files. If nil a
	// default client is used.
	Client *remote.Client

	// Filter selects which messages of a multi-message file to index.
	// Messages for which Filter returns false are skipped entirely:
	// not indexed, not erroring. A nil Filter selects every message.
	// Single-message formats ignore it.
	Filter func(Message) bool

	clientOnce sync.Once
}

// Threshold returns the effective inline threshold.
func (o *Options) Threshold() int {
	if o == nil || o.InlineThreshold == 0 {
		return DefaultInlineThreshold
	}
	if o.InlineThreshold < 0 {
		return 0
	}
	return o.InlineThreshold
}

// RemoteClient returns the client to fetch source bytes with,
// creating a default one if none was configured.
func (o *Options) RemoteClient() *remote.Client {
	if o == nil {
		return remote.NewClient()
	}
	o.clientOnce.Do(func() {
		if o.Client == nil {
			o.Client = remote.NewClient()
		}
	})
	return o.Client
}

// Keep reports whether the filter selects the given message.
func (o *Options) Keep(m Message) bool {
	if o == nil || o.Filter == nil {
		return true
	}
	return o.Filter(m)
}

// Result holds the outcome of extracting one source file.
type Result struct {
	URI     string
	Indexes []*refidx.ReferenceIndex
	Err     error
}

// All extracts references from every listed file, running up to
// workers extractions concurrently. Extraction is embarrassingly
// parallel: each file produces independent indexes with no shared
// mutable state. A failure on one file is isolated to that file's
// Result and never aborts its siblings. Results are returned in input
// order regardless of completion order.
func All(ctx context.Context, ex Extractor, uris []string, opts *Options, workers int) []Result {
	if workers < 1 {
		workers = 1
	}
	process := func(ctx context.Context, payload interface{}) (interface{}, error) {
		return ex.Extract(ctx, payload.(string), opts)
	}
	// Deduplicate merges concurrent requests for the same file;
	// the memory layer memoizes repeated requests within this run.
	cache := requestcache.NewCache(process, workers,
		requestcache.Deduplicate(), requestcache.Memory(len(uris)+1))

	out := make([]Result, len(uris))
	var wg sync.WaitGroup
	for i, uri := range uris {
		wg.Add(1)
		go func(i int, uri string) {
			defer wg.Done()
			v, err := cache.NewRequest(ctx, uri, uri).Result()
			out[i] = Result{URI: uri, Err: err}
			if ixs, ok := v.([]*refidx.ReferenceIndex); ok {
				out[i].Indexes = ixs
			}
		}(i, uri)
	}
	wg.Wait()
	return out
}

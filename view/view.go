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

// Package view reads array data through a reference index as if the
// scattered source files were one chunked dataset. Chunk payloads are
// fetched lazily by byte range, decoded to float64 arrays, and cached;
// the source files are never copied or rewritten.
package view

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/ctessum/requestcache"
	"github.com/ctessum/sparse"

	"github.com/spatialmodel/refidx"
	"github.com/spatialmodel/refidx/internal/hash"
	"github.com/spatialmodel/refidx/remote"
)

const (
	// DefaultWorkers is the number of concurrent chunk fetches when
	// Options.Workers is unset.
	DefaultWorkers = 4

	// DefaultMemCacheEntries is the decoded-chunk memory cache size
	// when Options.MemCacheEntries is unset.
	DefaultMemCacheEntries = 100
)

func init() {
	// Decoded chunks stored in the disk cache.
	gob.Register(sparse.DenseArray{})
}

// Options configures a Dataset.
type Options struct {
	// Client provides byte-range access to the source files. If nil a
	// default client is used.
	Client *remote.Client

	// Workers is the number of chunks fetched and decoded
	// concurrently. Zero means DefaultWorkers.
	Workers int

	// MemCacheEntries is the number of decoded chunks held in memory.
	// Zero means DefaultMemCacheEntries.
	MemCacheEntries int

	// DiskCacheDir, if set, holds decoded chunks on disk so that they
	// survive across processes.
	DiskCacheDir string
}

// Dataset is a read-only view of the dataset described by a reference
// index. Methods on Dataset and its Variables are safe for concurrent
// use.
type Dataset struct {
	ix     *refidx.ReferenceIndex
	client *remote.Client
	cache  *requestcache.Cache
}

// Open creates a view over the given index. Beyond the index itself no
// data is read until a variable is read.
func Open(ix *refidx.ReferenceIndex, o *Options) (*Dataset, error) {
	if ix == nil {
		return nil, fmt.Errorf("view: no index given")
	}
	if ix.Version != refidx.Version {
		return nil, fmt.Errorf("view: unsupported index version %d", ix.Version)
	}
	if o == nil {
		o = &Options{}
	}
	client := o.Client
	if client == nil {
		client = remote.NewClient()
	}
	workers := o.Workers
	if workers < 1 {
		workers = DefaultWorkers
	}
	mem := o.MemCacheEntries
	if mem < 1 {
		mem = DefaultMemCacheEntries
	}

	d := &Dataset{ix: ix, client: client}
	cfs := []requestcache.CacheFunc{requestcache.Deduplicate(), requestcache.Memory(mem)}
	if o.DiskCacheDir != "" {
		if err := os.MkdirAll(o.DiskCacheDir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("view: creating cache directory: %v", err)
		}
		cfs = append(cfs, requestcache.Disk(o.DiskCacheDir,
			requestcache.MarshalGob, requestcache.UnmarshalGob))
	}
	d.cache = requestcache.NewCache(d.processChunk, workers, cfs...)
	return d, nil
}

// Variables returns the names of the variables in the dataset, sorted.
func (d *Dataset) Variables() []string {
	names := make([]string, 0, len(d.ix.Variables))
	for name := range d.ix.Variables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Attrs returns the dataset-level attributes.
func (d *Dataset) Attrs() map[string]interface{} { return d.ix.Attrs }

// Var returns the named variable.
func (d *Dataset) Var(name string) (*Variable, error) {
	s, ok := d.ix.Variables[name]
	if !ok {
		return nil, fmt.Errorf("view: no variable %q", name)
	}
	return &Variable{d: d, s: s}, nil
}

// Variable is one array variable of a Dataset.
type Variable struct {
	d *Dataset
	s *refidx.VariableSchema
}

// Name returns the variable name.
func (v *Variable) Name() string { return v.s.Name }

// Dims returns the ordered dimension names.
func (v *Variable) Dims() []string { return v.s.Dims }

// Shape returns the dimension sizes.
func (v *Variable) Shape() []int { return v.s.Shape }

// ChunkShape returns the nominal shape of one chunk; the final chunk
// along a dimension may be smaller.
func (v *Variable) ChunkShape() []int { return v.s.Chunks }

// Attrs returns the variable's attributes.
func (v *Variable) Attrs() map[string]interface{} { return v.s.Attrs }

// chunkRequest asks the fetch pipeline for one decoded chunk.
type chunkRequest struct {
	s   *refidx.VariableSchema
	idx []int
	key string
	ref refidx.ChunkRef
}

// chunkIdentity is what a decoded chunk's cache key is derived from:
// the chunk's position and where its bytes come from.
type chunkIdentity struct {
	Key string
	Ref refidx.ChunkRef
}

// ReadChunk reads the chunk at grid position idx, decoded to float64
// values with the variable's codec, type conversion, and scale/offset
// applied. The returned array has the chunk's clipped extent: a final
// chunk that overhangs the array bounds comes back cropped.
func (v *Variable) ReadChunk(ctx context.Context, idx []int) (*sparse.DenseArray, error) {
	if _, err := v.s.ChunkExtent(idx); err != nil {
		return nil, err
	}
	key := refidx.ChunkKey(v.s.Name, idx)
	ref, ok := v.d.ix.Refs[key]
	if !ok {
		return v.fillChunk(idx, key)
	}
	req := &chunkRequest{s: v.s, idx: append([]int(nil), idx...), key: key, ref: ref}
	result, err := v.d.cache.NewRequest(ctx, req, hash.Hash(chunkIdentity{Key: key, Ref: ref})).Result()
	if err != nil {
		return nil, err
	}
	arr, ok := result.(*sparse.DenseArray)
	if !ok {
		// The disk cache round trip returns a value, not a pointer.
		a, ok2 := result.(sparse.DenseArray)
		if !ok2 {
			return nil, &refidx.DecodeError{Key: key, Detail: fmt.Sprintf("unexpected cached type %T", result)}
		}
		arr = &a
		arr.Fix()
	}
	return arr, nil
}

// fillChunk materializes a chunk that has no reference, which
// represents data that was never written: every value is the
// variable's fill value.
func (v *Variable) fillChunk(idx []int, key string) (*sparse.DenseArray, error) {
	fill, ok := fillValue(v.s)
	if !ok {
		return nil, &refidx.ChunkFetchError{Key: key, Err: fmt.Errorf("no reference and no fill value")}
	}
	extent, err := v.s.ChunkExtent(idx)
	if err != nil {
		return nil, err
	}
	arr := sparse.ZerosDense(extent...)
	for i := range arr.Elements {
		arr.Elements[i] = fill
	}
	return arr, nil
}

// processChunk fetches and decodes one chunk. It is the processor
// behind the request cache, so each distinct chunk is fetched at most
// once per cache lifetime no matter how many readers ask for it.
func (d *Dataset) processChunk(ctx context.Context, payload interface{}) (interface{}, error) {
	req := payload.(*chunkRequest)
	var b []byte
	if req.ref.IsInline() {
		b = req.ref.Inline
	} else {
		var err error
		b, err = d.client.ReadRange(ctx, req.ref.URI, req.ref.Offset, req.ref.Length)
		if err != nil {
			return nil, &refidx.ChunkFetchError{Key: req.key, URI: req.ref.URI, Err: err}
		}
	}
	return decodeChunk(req.s, req.idx, req.key, b)
}

// Read reads the whole variable.
func (v *Variable) Read(ctx context.Context) (*sparse.DenseArray, error) {
	begin := make([]int, len(v.s.Shape))
	return v.ReadSlab(ctx, begin, v.s.Shape)
}

// ReadSlab reads the hyperslab [begin, end), fetching only the chunks
// that intersect it. Chunks are read concurrently up to the dataset's
// worker count.
func (v *Variable) ReadSlab(ctx context.Context, begin, end []int) (*sparse.DenseArray, error) {
	rank := len(v.s.Shape)
	if len(begin) != rank || len(end) != rank {
		return nil, fmt.Errorf("view: slab rank %d/%d does not match variable %s rank %d",
			len(begin), len(end), v.s.Name, rank)
	}
	outShape := make([]int, rank)
	for i := range begin {
		if begin[i] < 0 || end[i] > v.s.Shape[i] || begin[i] >= end[i] {
			return nil, fmt.Errorf("view: slab [%v, %v) out of range for variable %s shape %v",
				begin, end, v.s.Name, v.s.Shape)
		}
		outShape[i] = end[i] - begin[i]
	}
	out := sparse.ZerosDense(outShape...)

	if rank == 0 {
		arr, err := v.ReadChunk(ctx, nil)
		if err != nil {
			return nil, err
		}
		out.Elements[0] = arr.Elements[0]
		return out, nil
	}

	// The grid positions of the chunks intersecting the slab.
	lo := make([]int, rank)
	hi := make([]int, rank) // inclusive
	for i := range begin {
		lo[i] = begin[i] / v.s.Chunks[i]
		hi[i] = (end[i] - 1) / v.s.Chunks[i]
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, idx := range gridRange(lo, hi) {
		wg.Add(1)
		go func(idx []int) {
			defer wg.Done()
			arr, err := v.ReadChunk(ctx, idx)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			origin := make([]int, rank)
			for i := range idx {
				origin[i] = idx[i] * v.s.Chunks[i]
			}
			mu.Lock()
			placeChunk(out, begin, end, arr, origin)
			mu.Unlock()
		}(idx)
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// gridRange lists the grid positions in the inclusive hyper-rectangle
// [lo, hi], row-major.
func gridRange(lo, hi []int) [][]int {
	n := 1
	for i := range lo {
		n *= hi[i] - lo[i] + 1
	}
	out := make([][]int, 0, n)
	idx := append([]int(nil), lo...)
	for {
		out = append(out, append([]int(nil), idx...))
		i := len(idx) - 1
		for i >= 0 {
			idx[i]++
			if idx[i] <= hi[i] {
				break
			}
			idx[i] = lo[i]
			i--
		}
		if i < 0 {
			return out
		}
	}
}

// placeChunk copies the portion of a decoded chunk that intersects the
// slab [begin, end) into the output array, offsetting by the chunk's
// origin within the variable.
func placeChunk(out *sparse.DenseArray, begin, end []int, chunk *sparse.DenseArray, origin []int) {
	rank := len(begin)
	global := make([]int, rank)
	local := make([]int, rank)
	for n := range chunk.Elements {
		rem := n
		inside := true
		for i := rank - 1; i >= 0; i-- {
			local[i] = rem % chunk.Shape[i]
			rem /= chunk.Shape[i]
		}
		for i := 0; i < rank; i++ {
			global[i] = origin[i] + local[i]
			if global[i] < begin[i] || global[i] >= end[i] {
				inside = false
				break
			}
		}
		if !inside {
			continue
		}
		for i := range global {
			global[i] -= begin[i]
		}
		out.Elements[out.Index1d(global...)] = chunk.Elements[n]
	}
}

// fillValue extracts a numeric fill value from the schema.
func fillValue(s *refidx.VariableSchema) (float64, bool) {
	switch f := s.FillValue.(type) {
	case float64:
		return f, true
	case []float64:
		if len(f) == 1 {
			return f[0], true
		}
	}
	return 0, false
}

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

// Package refidx provides a data model for chunk-reference indexes:
// compact documents that describe where every chunk of a dataset's
// variables physically resides, so that legacy binary scientific file
// formats can be read through a chunked-array abstraction without
// copying the underlying data.
package refidx

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is the reference document format version written by this library.
const Version = 1

// ChunkRef describes how to materialize one chunk of one variable:
// either a byte range within a source file, or a small value embedded
// directly in the index. Offset and Length are not validated against
// the source file until fetch time.
type ChunkRef struct {
	URI    string
	Offset int64
	Length int64

	// Inline holds the raw chunk bytes for values small enough to embed
	// directly. When Inline is non-nil, URI, Offset, and Length are ignored.
	Inline []byte
}

// IsInline reports whether the chunk value is embedded in the index.
func (c ChunkRef) IsInline() bool { return c.Inline != nil }

// Codec describes how stored chunk bytes are transformed into values.
type Codec struct {
	// ID names the compression or packing scheme applied to the stored
	// bytes. The empty string means the bytes are stored raw. Currently
	// supported: "", "zlib", "deflate", and "grib-simple".
	ID string `json:"id,omitempty"`

	// Params holds scheme-specific parameters (for example the reference
	// value, scale factors, and bit width for GRIB simple packing).
	Params map[string]float64 `json:"params,omitempty"`
}

// VariableSchema holds the per-variable metadata needed to interpret
// the variable's chunks.
type VariableSchema struct {
	Name string `json:"-"`

	// Dims are the ordered dimension names and Shape the corresponding
	// dimension sizes.
	Dims  []string `json:"dims"`
	Shape []int    `json:"shape"`

	// Chunks is the shape of one chunk. It must evenly tile Shape except
	// possibly for the final chunk along each dimension.
	Chunks []int `json:"chunks"`

	DType DType `json:"dtype"`

	// FillValue, if non-nil, is the value used for uninitialized portions
	// of the array.
	FillValue interface{} `json:"fill_value"`

	Codec Codec `json:"codec"`

	// ScaleFactor and AddOffset follow the NetCDF packing convention:
	// real = stored*ScaleFactor + AddOffset. A zero ScaleFactor means
	// no scaling is applied.
	ScaleFactor float64 `json:"scale_factor,omitempty"`
	AddOffset   float64 `json:"add_offset,omitempty"`

	Attrs map[string]interface{} `json:"attrs,omitempty"`
}

// GridShape returns the number of chunks along each dimension of v.
func (v *VariableSchema) GridShape() []int {
	return GridShape(v.Shape, v.Chunks)
}

// NumChunks returns the total number of chunks in v.
func (v *VariableSchema) NumChunks() int {
	n := 1
	for _, g := range v.GridShape() {
		n *= g
	}
	return n
}

// ChunkExtent returns the shape of the chunk at grid position idx,
// clipped to the variable bounds; the final chunk along a dimension
// may be smaller than the nominal chunk shape.
func (v *VariableSchema) ChunkExtent(idx []int) ([]int, error) {
	if len(idx) != len(v.Shape) {
		return nil, fmt.Errorf("refidx: chunk index rank %d does not match variable %s rank %d",
			len(idx), v.Name, len(v.Shape))
	}
	extent := make([]int, len(idx))
	for i, c := range idx {
		start := c * v.Chunks[i]
		if c < 0 || start >= v.Shape[i] {
			return nil, fmt.Errorf("refidx: chunk index %d out of range for variable %s dimension %s",
				c, v.Name, v.Dims[i])
		}
		extent[i] = v.Chunks[i]
		if start+extent[i] > v.Shape[i] {
			extent[i] = v.Shape[i] - start
		}
	}
	return extent, nil
}

// validate checks the invariants of v.
func (v *VariableSchema) validate() error {
	if v.Name == "" {
		return fmt.Errorf("refidx: variable has no name")
	}
	if len(v.Dims) != len(v.Shape) {
		return fmt.Errorf("refidx: variable %s has %d dimension names but %d sizes",
			v.Name, len(v.Dims), len(v.Shape))
	}
	if len(v.Chunks) != len(v.Shape) {
		return fmt.Errorf("refidx: variable %s has rank %d but chunk shape rank %d",
			v.Name, len(v.Shape), len(v.Chunks))
	}
	for i, c := range v.Chunks {
		if c <= 0 || v.Shape[i] < 0 {
			return fmt.Errorf("refidx: variable %s has invalid chunk shape %v for shape %v",
				v.Name, v.Chunks, v.Shape)
		}
	}
	return nil
}

// ReferenceIndex is one logical dataset's worth of variable schemas,
// chunk references, and dataset-level attributes. An index is immutable
// once produced: the Add and Set methods are for use by extractors and
// the combiner while building an index, not afterward.
type ReferenceIndex struct {
	Version   int
	Variables map[string]*VariableSchema
	Refs      map[string]ChunkRef
	Attrs     map[string]interface{}
}

// New creates an empty ReferenceIndex.
func New() *ReferenceIndex {
	return &ReferenceIndex{
		Version:   Version,
		Variables: make(map[string]*VariableSchema),
		Refs:      make(map[string]ChunkRef),
		Attrs:     make(map[string]interface{}),
	}
}

// AddVariable adds the schema for a new variable to the index.
func (ix *ReferenceIndex) AddVariable(v *VariableSchema) error {
	if err := v.validate(); err != nil {
		return err
	}
	if _, ok := ix.Variables[v.Name]; ok {
		return fmt.Errorf("refidx: duplicate variable %s", v.Name)
	}
	ix.Variables[v.Name] = v
	return nil
}

// SetRef records the reference for the chunk of the named variable at
// grid position idx.
func (ix *ReferenceIndex) SetRef(varName string, idx []int, ref ChunkRef) {
	ix.Refs[ChunkKey(varName, idx)] = ref
}

// Ref returns the reference for the chunk of the named variable at grid
// position idx.
func (ix *ReferenceIndex) Ref(varName string, idx []int) (ChunkRef, bool) {
	r, ok := ix.Refs[ChunkKey(varName, idx)]
	return r, ok
}

// SetAttr sets a dataset-level attribute.
func (ix *ReferenceIndex) SetAttr(name string, value interface{}) {
	ix.Attrs[name] = value
}

// GridShape returns the number of chunks along each dimension for an
// array with the given shape and chunk shape, which is
// ceil(shape[i]/chunks[i]) along each dimension i.
func GridShape(shape, chunks []int) []int {
	grid := make([]int, len(shape))
	for i := range shape {
		grid[i] = (shape[i] + chunks[i] - 1) / chunks[i]
	}
	return grid
}

// ChunkKey returns the string key identifying the chunk of the named
// variable at grid position idx, in the form "name/i.j.k". A scalar
// (rank-0) variable has the single key "name/0".
func ChunkKey(varName string, idx []int) string {
	if len(idx) == 0 {
		return varName + "/0"
	}
	parts := make([]string, len(idx))
	for i, x := range idx {
		parts[i] = strconv.Itoa(x)
	}
	return varName + "/" + strings.Join(parts, ".")
}

// ParseChunkKey splits a chunk key into its variable name and grid
// position.
func ParseChunkKey(key string) (varName string, idx []int, err error) {
	i := strings.LastIndex(key, "/")
	if i < 0 {
		return "", nil, fmt.Errorf("refidx: invalid chunk key %q", key)
	}
	varName = key[:i]
	for _, p := range strings.Split(key[i+1:], ".") {
		x, err := strconv.Atoi(p)
		if err != nil {
			return "", nil, fmt.Errorf("refidx: invalid chunk key %q: %v", key, err)
		}
		idx = append(idx, x)
	}
	return varName, idx, nil
}

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

// Package combine merges the reference indexes of many single files
// into one index spanning them all, stacking each file's chunks along
// caller-chosen concatenation dimensions. Only index metadata is
// touched; no chunk payloads are read or moved.
package combine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"
	"sort"

	"github.com/spatialmodel/refidx"
)

// Input is one single-file index to merge. Inputs are combined in the
// order given; the caller is responsible for ordering them (e.g. by
// timestamp).
type Input struct {
	URI   string
	Index *refidx.ReferenceIndex
}

// Spec describes how inputs should be merged.
type Spec struct {
	// ConcatDims are the dimensions along which the inputs are
	// stacked. A variable whose leading dimension is a concatenation
	// dimension has its per-file extents summed; a variable using no
	// concatenation dimension gains the first one, with each file
	// contributing one slab.
	ConcatDims []string

	// IdenticalDims are dimensions that must have the same extent in
	// every input, e.g. the spatial dimensions of a time series.
	IdenticalDims []string

	// IdenticalVars names variables that are expected to be the same
	// in every input and are carried over from the first input instead
	// of being concatenated. Coordinate variables of identical
	// dimensions are treated this way automatically.
	IdenticalVars []string

	// Coords maps each concatenation dimension to the rule deriving
	// one coordinate value per input for it. A dimension without a
	// rule gets the input positions 0..N-1 as its coordinate.
	Coords CoordinateMap
}

// Warning is a non-fatal condition noticed while combining, e.g.
// *refidx.CoordinateOrderWarning.
type Warning error

// Combine merges the inputs into a single reference index per spec.
// Every input must carry the same variable set; a variable present in
// some inputs but not others is a SchemaConflictError rather than
// being silently dropped. The merge is a single atomic pass: on error
// no partial index is returned. Incremental append to an existing
// combined index is not supported; re-combine from the single-file
// indexes instead.
func Combine(inputs []Input, spec *Spec) (*refidx.ReferenceIndex, []Warning, error) {
	if len(inputs) == 0 {
		return nil, nil, fmt.Errorf("combine: no inputs")
	}
	if spec == nil || len(spec.ConcatDims) == 0 {
		return nil, nil, fmt.Errorf("combine: no concatenation dimensions given")
	}
	for _, in := range inputs {
		if in.Index == nil {
			return nil, nil, fmt.Errorf("combine: input %s has no index", in.URI)
		}
	}

	concat := make(map[string]bool)
	for _, d := range spec.ConcatDims {
		concat[d] = true
	}
	identical := make(map[string]bool)
	for _, d := range spec.IdenticalDims {
		identical[d] = true
	}
	for _, v := range spec.IdenticalVars {
		identical[v] = true
	}

	if err := validateDims(inputs, spec.IdenticalDims); err != nil {
		return nil, nil, err
	}
	if err := validateVars(inputs); err != nil {
		return nil, nil, err
	}

	// One coordinate value per input per concatenation dimension.
	coords := make(map[string][]float64)
	var warnings []Warning
	for _, d := range spec.ConcatDims {
		vals := make([]float64, len(inputs))
		rule, ok := spec.Coords[d]
		for pos, in := range inputs {
			if !ok {
				// Without a rule the input order assigns the coordinate.
				vals[pos] = float64(pos)
				continue
			}
			v, err := rule.Value(pos, in.URI, in.Index)
			if err != nil {
				return nil, nil, &refidx.CoordinateResolutionError{Dim: d, URI: in.URI, Err: err}
			}
			vals[pos] = v
		}
		coords[d] = vals
		if !monotonic(vals) {
			warnings = append(warnings, &refidx.CoordinateOrderWarning{Dim: d, Values: vals})
		}
	}

	out := refidx.New()
	for _, in := range inputs {
		for k, v := range in.Index.Attrs {
			out.Attrs[k] = v
		}
	}

	base := inputs[0].Index
	names := make([]string, 0, len(base.Variables))
	for name := range base.Variables {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v := base.Variables[name]
		d, leading, uses := concatDimOf(v, concat)
		var err error
		switch {
		case identical[name]:
			err = mergeIdentical(out, inputs, v)
		case uses && !leading:
			err = &refidx.SchemaConflictError{
				Dim:    d,
				Detail: fmt.Sprintf("variable %s uses %s as a trailing dimension", name, d),
			}
		case uses:
			err = mergeAlong(out, inputs, v, d)
		default:
			err = mergeStacked(out, inputs, v, spec.ConcatDims[0])
		}
		if err != nil {
			return nil, nil, err
		}
	}

	for _, d := range spec.ConcatDims {
		if err := synthesizeCoord(out, d, coords[d], len(inputs)); err != nil {
			return nil, nil, err
		}
	}
	return out, warnings, nil
}

// validateDims checks that every identical dimension has the same
// extent in every input that uses it.
func validateDims(inputs []Input, dims []string) error {
	for _, d := range dims {
		extent := -1
		for _, in := range inputs {
			for _, v := range in.Index.Variables {
				for i, vd := range v.Dims {
					if vd != d {
						continue
					}
					if extent < 0 {
						extent = v.Shape[i]
					} else if v.Shape[i] != extent {
						return &refidx.SchemaConflictError{
							Dim: d,
							Detail: fmt.Sprintf("extent %d in %s disagrees with %d",
								v.Shape[i], in.URI, extent),
						}
					}
				}
			}
		}
	}
	return nil
}

// validateVars checks that every input carries the same variable set,
// so no variable is silently dropped from the merge.
func validateVars(inputs []Input) error {
	base := inputs[0]
	for _, in := range inputs[1:] {
		for name := range in.Index.Variables {
			if _, ok := base.Index.Variables[name]; !ok {
				return &refidx.SchemaConflictError{
					Detail: fmt.Sprintf("variable %s in %s is missing from %s",
						name, in.URI, base.URI),
				}
			}
		}
		for name := range base.Index.Variables {
			if _, ok := in.Index.Variables[name]; !ok {
				return &refidx.SchemaConflictError{
					Detail: fmt.Sprintf("variable %s in %s is missing from %s",
						name, base.URI, in.URI),
				}
			}
		}
	}
	return nil
}

// concatDimOf reports which concatenation dimension, if any, a
// variable uses, and whether it is the leading dimension. Only leading
// dimensions can be concatenated.
func concatDimOf(v *refidx.VariableSchema, concat map[string]bool) (dim string, leading, uses bool) {
	for i, d := range v.Dims {
		if concat[d] {
			return d, i == 0, true
		}
	}
	return "", false, false
}

// mergeIdentical carries a shared variable over from the first input
// after checking that every input agrees on it exactly.
func mergeIdentical(out *refidx.ReferenceIndex, inputs []Input, v *refidx.VariableSchema) error {
	for _, in := range inputs[1:] {
		other, ok := in.Index.Variables[v.Name]
		if !ok {
			return &refidx.SchemaConflictError{
				Dim:    v.Name,
				Detail: fmt.Sprintf("missing from %s", in.URI),
			}
		}
		if !reflect.DeepEqual(v, other) {
			return &refidx.SchemaConflictError{
				Dim:    v.Name,
				Detail: fmt.Sprintf("definition in %s differs from first input", in.URI),
			}
		}
	}
	if err := out.AddVariable(copySchema(v)); err != nil {
		return err
	}
	copyRefs(out, inputs[0].Index, v, nil)
	return nil
}

// mergeAlong concatenates a variable whose leading dimension is a
// concatenation dimension, summing the per-file extents. Chunk shapes
// must agree, and every input but the last must fill whole chunks
// along the dimension so that grid positions stay aligned.
func mergeAlong(out *refidx.ReferenceIndex, inputs []Input, v *refidx.VariableSchema, d string) error {
	total := 0
	offsets := make([]int, len(inputs))
	for pos, in := range inputs {
		other, ok := in.Index.Variables[v.Name]
		if !ok {
			return &refidx.SchemaConflictError{
				Dim:    d,
				Detail: fmt.Sprintf("variable %s missing from %s", v.Name, in.URI),
			}
		}
		if other.DType != v.DType ||
			!reflect.DeepEqual(other.Dims, v.Dims) ||
			!reflect.DeepEqual(other.Chunks, v.Chunks) ||
			!reflect.DeepEqual(other.Shape[1:], v.Shape[1:]) {
			return &refidx.SchemaConflictError{
				Dim:    d,
				Detail: fmt.Sprintf("variable %s in %s has an incompatible layout", v.Name, in.URI),
			}
		}
		if pos < len(inputs)-1 && other.Shape[0]%other.Chunks[0] != 0 {
			return &refidx.SchemaConflictError{
				Dim: d,
				Detail: fmt.Sprintf("variable %s in %s ends mid-chunk (%d %% %d)",
					v.Name, in.URI, other.Shape[0], other.Chunks[0]),
			}
		}
		offsets[pos] = (total + v.Chunks[0] - 1) / v.Chunks[0]
		total += other.Shape[0]
	}

	merged := copySchema(v)
	merged.Shape = append([]int{total}, v.Shape[1:]...)
	merged.Attrs = mergeAttrs(inputs, v.Name)
	if err := out.AddVariable(merged); err != nil {
		return err
	}
	for pos, in := range inputs {
		copyRefs(out, in.Index, v, func(idx []int) []int {
			idx[0] += offsets[pos]
			return idx
		})
	}
	return nil
}

// mergeStacked concatenates a variable that does not use any
// concatenation dimension by prepending dimension d, each input
// contributing one slab.
func mergeStacked(out *refidx.ReferenceIndex, inputs []Input, v *refidx.VariableSchema, d string) error {
	for _, in := range inputs[1:] {
		other, ok := in.Index.Variables[v.Name]
		if !ok {
			return &refidx.SchemaConflictError{
				Dim:    d,
				Detail: fmt.Sprintf("variable %s missing from %s", v.Name, in.URI),
			}
		}
		if other.DType != v.DType ||
			!reflect.DeepEqual(other.Dims, v.Dims) ||
			!reflect.DeepEqual(other.Shape, v.Shape) ||
			!reflect.DeepEqual(other.Chunks, v.Chunks) {
			return &refidx.SchemaConflictError{
				Dim:    d,
				Detail: fmt.Sprintf("variable %s in %s has an incompatible layout", v.Name, in.URI),
			}
		}
	}
	merged := copySchema(v)
	merged.Dims = append([]string{d}, v.Dims...)
	merged.Shape = append([]int{len(inputs)}, v.Shape...)
	merged.Chunks = append([]int{1}, v.Chunks...)
	merged.Attrs = mergeAttrs(inputs, v.Name)
	if err := out.AddVariable(merged); err != nil {
		return err
	}
	for pos, in := range inputs {
		copyRefs(out, in.Index, v, func(idx []int) []int {
			if len(v.Shape) == 0 {
				return []int{pos}
			}
			return append([]int{pos}, idx...)
		})
	}
	return nil
}

// synthesizeCoord adds an inline little-endian float64 coordinate
// variable for concatenation dimension d holding one derived value per
// input. It is skipped when the inputs already carry a variable named
// d, or when the merged extent of d is not one slab per input (the
// derived values would not line up with the records).
func synthesizeCoord(out *refidx.ReferenceIndex, d string, vals []float64, n int) error {
	if _, ok := out.Variables[d]; ok {
		return nil
	}
	for _, v := range out.Variables {
		for i, vd := range v.Dims {
			if vd == d && v.Shape[i] != n {
				return nil
			}
		}
	}
	err := out.AddVariable(&refidx.VariableSchema{
		Name:   d,
		Dims:   []string{d},
		Shape:  []int{n},
		Chunks: []int{n},
		DType:  refidx.DType{Order: refidx.BOLittleEndian, Kind: refidx.KindFloat, Size: 8},
	})
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, vals)
	out.SetRef(d, []int{0}, refidx.ChunkRef{Inline: buf.Bytes()})
	return nil
}

// copyRefs copies every chunk reference of variable v from index in to
// index out, re-keyed by remap. A nil remap keeps positions unchanged.
func copyRefs(out, in *refidx.ReferenceIndex, v *refidx.VariableSchema, remap func([]int) []int) {
	for key, ref := range in.Refs {
		name, idx, err := refidx.ParseChunkKey(key)
		if err != nil || name != v.Name {
			continue
		}
		if remap != nil {
			idx = remap(idx)
		}
		out.SetRef(v.Name, idx, ref)
	}
}

// mergeAttrs merges a variable's attributes across inputs,
// last-write-wins, mirroring how dataset attributes are merged.
func mergeAttrs(inputs []Input, name string) map[string]interface{} {
	merged := make(map[string]interface{})
	for _, in := range inputs {
		v, ok := in.Index.Variables[name]
		if !ok || v.Attrs == nil {
			continue
		}
		for k, val := range v.Attrs {
			merged[k] = val
		}
	}
	return merged
}

// monotonic reports whether vals are strictly increasing or strictly
// decreasing.
func monotonic(vals []float64) bool {
	if len(vals) < 2 {
		return true
	}
	inc, dec := true, true
	for i := 1; i < len(vals); i++ {
		if vals[i] <= vals[i-1] {
			inc = false
		}
		if vals[i] >= vals[i-1] {
			dec = false
		}
	}
	return inc || dec
}

func copySchema(v *refidx.VariableSchema) *refidx.VariableSchema {
	c := *v
	c.Dims = append([]string(nil), v.Dims...)
	c.Shape = append([]int(nil), v.Shape...)
	c.Chunks = append([]int(nil), v.Chunks...)
	if v.Attrs != nil {
		c.Attrs = make(map[string]interface{}, len(v.Attrs))
		for k, val := range v.Attrs {
			c.Attrs[k] = val
		}
	}
	return &c
}

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

package combine

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/spatialmodel/refidx"
)

// A CoordinateRule derives the coordinate value one input contributes
// along a concatenation dimension.
type CoordinateRule interface {
	Value(pos int, uri string, ix *refidx.ReferenceIndex) (float64, error)
}

// CoordinateMap assigns a CoordinateRule to each concatenation
// dimension.
type CoordinateMap map[string]CoordinateRule

// FromAttr derives coordinates from a dataset attribute of each input,
// which must be numeric or a numeric string.
func FromAttr(attr string) CoordinateRule {
	return &attrRule{attr: attr}
}

type attrRule struct{ attr string }

func (r *attrRule) Value(pos int, uri string, ix *refidx.ReferenceIndex) (float64, error) {
	val, ok := ix.Attrs[r.attr]
	if !ok {
		return 0, fmt.Errorf("no attribute %q", r.attr)
	}
	switch v := val.(type) {
	case float64:
		return v, nil
	case []float64:
		if len(v) == 1 {
			return v[0], nil
		}
		return 0, fmt.Errorf("attribute %q has %d values, need 1", r.attr, len(v))
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("attribute %q: %v", r.attr, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("attribute %q has non-numeric type %T", r.attr, val)
	}
}

// FromVar derives coordinates from the first value of a named inline
// variable of each input, e.g. a one-element time coordinate.
func FromVar(name string) CoordinateRule {
	return &varRule{name: name}
}

type varRule struct{ name string }

func (r *varRule) Value(pos int, uri string, ix *refidx.ReferenceIndex) (float64, error) {
	v, ok := ix.Variables[r.name]
	if !ok {
		return 0, fmt.Errorf("no variable %q", r.name)
	}
	grid := v.GridShape()
	ref, ok := ix.Ref(r.name, make([]int, len(grid)))
	if !ok {
		return 0, fmt.Errorf("variable %q has no first chunk", r.name)
	}
	if !ref.IsInline() {
		return 0, fmt.Errorf("variable %q is not stored inline", r.name)
	}
	return firstValue(v.DType, ref.Inline)
}

// FromFunc derives coordinates from an arbitrary function of each
// input's position, path, and index.
func FromFunc(f func(pos int, uri string, ix *refidx.ReferenceIndex) (float64, error)) CoordinateRule {
	return funcRule(f)
}

type funcRule func(pos int, uri string, ix *refidx.ReferenceIndex) (float64, error)

func (f funcRule) Value(pos int, uri string, ix *refidx.ReferenceIndex) (float64, error) {
	return f(pos, uri, ix)
}

// FromFilename derives coordinates from each input's path. The first
// capture group of re is parsed with the reference-time layout (as in
// time.Parse) and yields Unix seconds; with an empty layout the group
// is parsed as a number instead.
func FromFilename(re *regexp.Regexp, layout string) CoordinateRule {
	return &filenameRule{re: re, layout: layout}
}

type filenameRule struct {
	re     *regexp.Regexp
	layout string
}

func (r *filenameRule) Value(pos int, uri string, ix *refidx.ReferenceIndex) (float64, error) {
	m := r.re.FindStringSubmatch(uri)
	if len(m) < 2 {
		return 0, fmt.Errorf("path does not match %v", r.re)
	}
	if r.layout == "" {
		f, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, fmt.Errorf("parsing %q: %v", m[1], err)
		}
		return f, nil
	}
	t, err := time.Parse(r.layout, m[1])
	if err != nil {
		return 0, fmt.Errorf("parsing %q: %v", m[1], err)
	}
	return float64(t.Unix()), nil
}

// firstValue decodes the first element of raw array bytes according to
// the given data type.
func firstValue(dt refidx.DType, b []byte) (float64, error) {
	if len(b) < dt.Size {
		return 0, fmt.Errorf("%d bytes is too short for a %d-byte value", len(b), dt.Size)
	}
	bo := dt.ByteOrder()
	switch {
	case dt.Kind == refidx.KindFloat && dt.Size == 8:
		return math.Float64frombits(bo.Uint64(b)), nil
	case dt.Kind == refidx.KindFloat && dt.Size == 4:
		return float64(math.Float32frombits(bo.Uint32(b))), nil
	case dt.Kind == refidx.KindInt && dt.Size == 8:
		return float64(int64(bo.Uint64(b))), nil
	case dt.Kind == refidx.KindInt && dt.Size == 4:
		return float64(int32(bo.Uint32(b))), nil
	case dt.Kind == refidx.KindInt && dt.Size == 2:
		return float64(int16(bo.Uint16(b))), nil
	case dt.Kind == refidx.KindInt && dt.Size == 1:
		return float64(int8(b[0])), nil
	case dt.Kind == refidx.KindUint && dt.Size == 8:
		return float64(bo.Uint64(b)), nil
	case dt.Kind == refidx.KindUint && dt.Size == 4:
		return float64(bo.Uint32(b)), nil
	case dt.Kind == refidx.KindUint && dt.Size == 2:
		return float64(bo.Uint16(b)), nil
	case dt.Kind == refidx.KindUint && dt.Size == 1:
		return float64(b[0]), nil
	default:
		return 0, fmt.Errorf("cannot decode type %s", dt)
	}
}

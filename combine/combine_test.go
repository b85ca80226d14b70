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
	"bytes"
	"encoding/binary"
	"reflect"
	"regexp"
	"strings"
	"testing"

	"github.com/spatialmodel/refidx"
)

var (
	f4be = refidx.DType{Order: refidx.BOBigEndian, Kind: refidx.KindFloat, Size: 4}
	f8le = refidx.DType{Order: refidx.BOLittleEndian, Kind: refidx.KindFloat, Size: 8}
)

func inlineFloats(vals ...float64) refidx.ChunkRef {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, vals)
	return refidx.ChunkRef{Inline: buf.Bytes()}
}

// messageInput builds an index resembling one extracted GRIB message:
// a single-chunk 2-D field plus inline coordinate variables, with an
// "hour" dataset attribute.
func messageInput(t *testing.T, uri string, hour float64) Input {
	ix := refidx.New()
	ix.Attrs["hour"] = hour
	err := ix.AddVariable(&refidx.VariableSchema{
		Name: "data", Dims: []string{"y", "x"},
		Shape: []int{2, 3}, Chunks: []int{2, 3}, DType: f4be,
	})
	if err != nil {
		t.Fatal(err)
	}
	ix.SetRef("data", []int{0, 0}, refidx.ChunkRef{URI: uri, Offset: 100, Length: 24})
	for name, vals := range map[string][]float64{"y": {50, 49}, "x": {10, 11, 12}} {
		err := ix.AddVariable(&refidx.VariableSchema{
			Name: name, Dims: []string{name},
			Shape: []int{len(vals)}, Chunks: []int{len(vals)}, DType: f8le,
		})
		if err != nil {
			t.Fatal(err)
		}
		ix.SetRef(name, []int{0}, inlineFloats(vals...))
	}
	return Input{URI: uri, Index: ix}
}

// recordInput builds an index resembling an extracted NetCDF file with
// nrec records along an unlimited time dimension.
func recordInput(t *testing.T, uri string, nrec int, t0 float64) Input {
	ix := refidx.New()
	err := ix.AddVariable(&refidx.VariableSchema{
		Name: "conc", Dims: []string{"time", "y", "x"},
		Shape: []int{nrec, 2, 3}, Chunks: []int{1, 2, 3}, DType: f4be,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = ix.AddVariable(&refidx.VariableSchema{
		Name: "time", Dims: []string{"time"},
		Shape: []int{nrec}, Chunks: []int{1}, DType: f8le,
	})
	if err != nil {
		t.Fatal(err)
	}
	for r := 0; r < nrec; r++ {
		ix.SetRef("conc", []int{r, 0, 0}, refidx.ChunkRef{URI: uri, Offset: int64(1000 + r*24), Length: 24})
		ix.SetRef("time", []int{r}, inlineFloats(t0+float64(r)))
	}
	return Input{URI: uri, Index: ix}
}

func TestCombineStacked(t *testing.T) {
	inputs := []Input{
		messageInput(t, "a.grib2", 0),
		messageInput(t, "b.grib2", 6),
		messageInput(t, "c.grib2", 12),
	}
	spec := &Spec{
		ConcatDims:    []string{"time"},
		IdenticalDims: []string{"y", "x"},
		Coords:        CoordinateMap{"time": FromAttr("hour")},
	}
	out, warnings, err := Combine(inputs, spec)
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings %v", warnings)
	}

	v := out.Variables["data"]
	if !reflect.DeepEqual(v.Dims, []string{"time", "y", "x"}) {
		t.Errorf("dims: got %v", v.Dims)
	}
	if !reflect.DeepEqual(v.Shape, []int{3, 2, 3}) {
		t.Errorf("shape: got %v", v.Shape)
	}
	if !reflect.DeepEqual(v.Chunks, []int{1, 2, 3}) {
		t.Errorf("chunks: got %v", v.Chunks)
	}
	for pos, uri := range []string{"a.grib2", "b.grib2", "c.grib2"} {
		ref, ok := out.Ref("data", []int{pos, 0, 0})
		if !ok || ref.URI != uri || ref.Offset != 100 {
			t.Errorf("slab %d: got %+v, want uri %s", pos, ref, uri)
		}
	}

	for _, name := range []string{"y", "x"} {
		if _, ok := out.Variables[name]; !ok {
			t.Errorf("shared variable %s was dropped", name)
		}
		if _, ok := out.Ref(name, []int{0}); !ok {
			t.Errorf("shared variable %s has no chunk", name)
		}
	}

	tv, ok := out.Variables["time"]
	if !ok {
		t.Fatal("no synthesized time coordinate")
	}
	if !reflect.DeepEqual(tv.Shape, []int{3}) {
		t.Errorf("time shape: got %v", tv.Shape)
	}
	ref, ok := out.Ref("time", []int{0})
	if !ok || !ref.IsInline() {
		t.Fatal("time coordinate is not inline")
	}
	want := inlineFloats(0, 6, 12)
	if !bytes.Equal(ref.Inline, want.Inline) {
		t.Errorf("time values: got % x, want % x", ref.Inline, want.Inline)
	}
}

// Without a coordinate rule, input order assigns the coordinate.
func TestCombineDefaultCoordinate(t *testing.T) {
	inputs := []Input{
		messageInput(t, "a.grib2", 0),
		messageInput(t, "b.grib2", 6),
	}
	spec := &Spec{
		ConcatDims:    []string{"time"},
		IdenticalDims: []string{"y", "x"},
	}
	out, warnings, err := Combine(inputs, spec)
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings %v", warnings)
	}
	ref, ok := out.Ref("time", []int{0})
	if !ok || !ref.IsInline() {
		t.Fatal("time coordinate is not inline")
	}
	want := inlineFloats(0, 1)
	if !bytes.Equal(ref.Inline, want.Inline) {
		t.Errorf("time values: got % x, want % x", ref.Inline, want.Inline)
	}
}

func TestCombineAlong(t *testing.T) {
	inputs := []Input{
		recordInput(t, "a.nc", 2, 0),
		recordInput(t, "b.nc", 3, 2),
	}
	spec := &Spec{
		ConcatDims:    []string{"time"},
		IdenticalDims: []string{"y", "x"},
		Coords:        CoordinateMap{"time": FromVar("time")},
	}
	out, warnings, err := Combine(inputs, spec)
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings %v", warnings)
	}

	v := out.Variables["conc"]
	if !reflect.DeepEqual(v.Shape, []int{5, 2, 3}) {
		t.Errorf("shape: got %v", v.Shape)
	}
	wantURIs := []string{"a.nc", "a.nc", "b.nc", "b.nc", "b.nc"}
	wantOffsets := []int64{1000, 1024, 1000, 1024, 1048}
	for r := 0; r < 5; r++ {
		ref, ok := out.Ref("conc", []int{r, 0, 0})
		if !ok {
			t.Fatalf("missing record %d", r)
		}
		if ref.URI != wantURIs[r] || ref.Offset != wantOffsets[r] {
			t.Errorf("record %d: got (%s, %d), want (%s, %d)",
				r, ref.URI, ref.Offset, wantURIs[r], wantOffsets[r])
		}
	}

	// The inputs carry their own time coordinate, so it is
	// concatenated rather than synthesized.
	tv := out.Variables["time"]
	if !reflect.DeepEqual(tv.Shape, []int{5}) {
		t.Errorf("time shape: got %v", tv.Shape)
	}
	for r, want := range []float64{0, 1, 2, 3, 4} {
		ref, ok := out.Ref("time", []int{r})
		if !ok {
			t.Fatalf("missing time record %d", r)
		}
		if !bytes.Equal(ref.Inline, inlineFloats(want).Inline) {
			t.Errorf("time record %d: wrong value", r)
		}
	}
}

func TestCombineNonMonotonic(t *testing.T) {
	inputs := []Input{
		messageInput(t, "a.grib2", 0),
		messageInput(t, "b.grib2", 12),
		messageInput(t, "c.grib2", 6),
	}
	spec := &Spec{
		ConcatDims:    []string{"time"},
		IdenticalDims: []string{"y", "x"},
		Coords:        CoordinateMap{"time": FromAttr("hour")},
	}
	out, warnings, err := Combine(inputs, spec)
	if err != nil {
		t.Fatal(err)
	}
	if out == nil {
		t.Fatal("no index returned")
	}
	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want 1", len(warnings))
	}
	w, ok := warnings[0].(*refidx.CoordinateOrderWarning)
	if !ok {
		t.Fatalf("got warning %T, want *refidx.CoordinateOrderWarning", warnings[0])
	}
	if w.Dim != "time" || !reflect.DeepEqual(w.Values, []float64{0, 12, 6}) {
		t.Errorf("warning: got %+v", w)
	}
}

// A variable carried by only some of the inputs must fail the merge
// instead of being dropped.
func TestCombineVariableMismatch(t *testing.T) {
	a := messageInput(t, "a.grib2", 0)
	b := messageInput(t, "b.grib2", 6)
	delete(b.Index.Variables, "x")

	spec := &Spec{
		ConcatDims:    []string{"time"},
		IdenticalDims: []string{"y", "x"},
		Coords:        CoordinateMap{"time": FromAttr("hour")},
	}
	_, _, err := Combine([]Input{a, b}, spec)
	conflict, ok := err.(*refidx.SchemaConflictError)
	if !ok {
		t.Fatalf("got error %v (%T), want *refidx.SchemaConflictError", err, err)
	}
	if !strings.Contains(conflict.Detail, "x") || !strings.Contains(conflict.Detail, "b.grib2") {
		t.Errorf("error detail %q does not name the variable and input", conflict.Detail)
	}
}

func TestCombineDimConflict(t *testing.T) {
	a := messageInput(t, "a.grib2", 0)
	b := messageInput(t, "b.grib2", 6)
	b.Index.Variables["data"].Shape = []int{4, 3} // different y extent
	b.Index.Variables["y"].Shape = []int{4}

	spec := &Spec{
		ConcatDims:    []string{"time"},
		IdenticalDims: []string{"y", "x"},
		Coords:        CoordinateMap{"time": FromAttr("hour")},
	}
	_, _, err := Combine([]Input{a, b}, spec)
	conflict, ok := err.(*refidx.SchemaConflictError)
	if !ok {
		t.Fatalf("got error %v (%T), want *refidx.SchemaConflictError", err, err)
	}
	if conflict.Dim != "y" {
		t.Errorf("conflict dimension: got %q, want y", conflict.Dim)
	}
}

func TestCombineCoordinateError(t *testing.T) {
	inputs := []Input{messageInput(t, "a.grib2", 0), messageInput(t, "b.grib2", 6)}
	spec := &Spec{
		ConcatDims:    []string{"time"},
		IdenticalDims: []string{"y", "x"},
		Coords:        CoordinateMap{"time": FromAttr("no_such_attr")},
	}
	_, _, err := Combine(inputs, spec)
	cerr, ok := err.(*refidx.CoordinateResolutionError)
	if !ok {
		t.Fatalf("got error %v (%T), want *refidx.CoordinateResolutionError", err, err)
	}
	if cerr.Dim != "time" || cerr.URI != "a.grib2" {
		t.Errorf("error context: got %+v", cerr)
	}
}

func TestCoordinateRules(t *testing.T) {
	in := messageInput(t, "gfs_20260115T06.grib2", 42)

	got, err := FromAttr("hour").Value(0, in.URI, in.Index)
	if err != nil || got != 42 {
		t.Errorf("FromAttr: got (%v, %v), want 42", got, err)
	}

	got, err = FromVar("y").Value(0, in.URI, in.Index)
	if err != nil || got != 50 {
		t.Errorf("FromVar: got (%v, %v), want 50", got, err)
	}

	got, err = FromFunc(func(pos int, uri string, ix *refidx.ReferenceIndex) (float64, error) {
		return float64(pos * 2), nil
	}).Value(3, in.URI, in.Index)
	if err != nil || got != 6 {
		t.Errorf("FromFunc: got (%v, %v), want 6", got, err)
	}

	re := regexp.MustCompile(`gfs_(\d{8}T\d{2})`)
	got, err = FromFilename(re, "20060102T15").Value(0, in.URI, in.Index)
	if err != nil {
		t.Fatalf("FromFilename: %v", err)
	}
	if got != 1768456800 { // 2026-01-15T06:00:00Z
		t.Errorf("FromFilename: got %v, want 1768456800", got)
	}

	re = regexp.MustCompile(`hour(\d+)`)
	if _, err := FromFilename(re, "").Value(0, "nope.grib2", in.Index); err == nil {
		t.Error("FromFilename: expected an error for a non-matching path")
	}
}

func TestCombineNoInputs(t *testing.T) {
	if _, _, err := Combine(nil, &Spec{ConcatDims: []string{"time"}}); err == nil {
		t.Error("expected an error for no inputs")
	}
	in := []Input{{URI: "a", Index: refidx.New()}}
	if _, _, err := Combine(in, nil); err == nil {
		t.Error("expected an error for a nil spec")
	}
}

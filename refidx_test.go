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

package refidx

import (
	"reflect"
	"testing"
)

func TestGridShape(t *testing.T) {
	tests := []struct {
		shape, chunks, want []int
	}{
		{[]int{100, 100}, []int{100, 100}, []int{1, 1}},
		{[]int{100, 100}, []int{30, 100}, []int{4, 1}},
		{[]int{2, 100, 100}, []int{1, 100, 100}, []int{2, 1, 1}},
		{[]int{7}, []int{2}, []int{4}},
	}
	for _, test := range tests {
		got := GridShape(test.shape, test.chunks)
		if !reflect.DeepEqual(got, test.want) {
			t.Errorf("GridShape(%v, %v) = %v, want %v", test.shape, test.chunks, got, test.want)
		}
	}
}

func TestChunkKey(t *testing.T) {
	if key := ChunkKey("tas", []int{1, 0, 3}); key != "tas/1.0.3" {
		t.Errorf("got %q, want tas/1.0.3", key)
	}
	if key := ChunkKey("scalar", nil); key != "scalar/0" {
		t.Errorf("got %q, want scalar/0", key)
	}
	name, idx, err := ParseChunkKey("tas/1.0.3")
	if err != nil {
		t.Fatal(err)
	}
	if name != "tas" || !reflect.DeepEqual(idx, []int{1, 0, 3}) {
		t.Errorf("got %q %v", name, idx)
	}
	if _, _, err := ParseChunkKey("noslash"); err == nil {
		t.Error("expected an error for a key with no separator")
	}
}

func TestChunkExtent(t *testing.T) {
	v := &VariableSchema{
		Name:   "tas",
		Dims:   []string{"y", "x"},
		Shape:  []int{100, 70},
		Chunks: []int{30, 70},
	}
	extent, err := v.ChunkExtent([]int{0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(extent, []int{30, 70}) {
		t.Errorf("interior chunk extent = %v", extent)
	}
	extent, err = v.ChunkExtent([]int{3, 0})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(extent, []int{10, 70}) {
		t.Errorf("final chunk extent = %v", extent)
	}
	if _, err := v.ChunkExtent([]int{4, 0}); err == nil {
		t.Error("expected an error for an out-of-range chunk index")
	}
	if _, err := v.ChunkExtent([]int{0}); err == nil {
		t.Error("expected an error for a rank mismatch")
	}
}

func TestAddVariable(t *testing.T) {
	ix := New()
	v := &VariableSchema{
		Name:   "tas",
		Dims:   []string{"y", "x"},
		Shape:  []int{100, 100},
		Chunks: []int{100, 100},
		DType:  DType{Order: BOLittleEndian, Kind: KindFloat, Size: 4},
	}
	if err := ix.AddVariable(v); err != nil {
		t.Fatal(err)
	}
	if err := ix.AddVariable(v); err == nil {
		t.Error("expected an error for a duplicate variable")
	}
	bad := &VariableSchema{Name: "bad", Dims: []string{"y"}, Shape: []int{10, 10}, Chunks: []int{10, 10}}
	if err := ix.AddVariable(bad); err == nil {
		t.Error("expected an error for mismatched dims and shape")
	}
}

func TestSetRef(t *testing.T) {
	ix := New()
	want := ChunkRef{URI: "file:///data/a.nc", Offset: 1024, Length: 40000}
	ix.SetRef("tas", []int{0, 0}, want)
	got, ok := ix.Ref("tas", []int{0, 0})
	if !ok {
		t.Fatal("reference not found")
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if _, ok := ix.Ref("tas", []int{1, 0}); ok {
		t.Error("unexpected reference at 1,0")
	}
}

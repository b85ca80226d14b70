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

package view

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	"fmt"
	"io/ioutil"
	"math"

	"github.com/ctessum/sparse"
	"gonum.org/v1/gonum/floats"

	"github.com/spatialmodel/refidx"
)

// decodeChunk turns one chunk's stored bytes into a dense float64
// array with the chunk's clipped extent. Sources disagree on how edge
// chunks are stored: NetCDF and TIFF strips store them clipped, TIFF
// tiles store them padded to the full chunk shape. Both are accepted;
// padded chunks are cropped after decoding.
func decodeChunk(s *refidx.VariableSchema, idx []int, key string, b []byte) (*sparse.DenseArray, error) {
	clipped, err := s.ChunkExtent(idx)
	if err != nil {
		return nil, err
	}
	nClip := prod(clipped)
	nFull := prod(s.Chunks)

	var vals []float64
	switch s.Codec.ID {
	case "", "raw":
		vals, err = convert(s.DType, b)
	case "zlib":
		var raw []byte
		raw, err = inflate(b, true)
		if err == nil {
			vals, err = convert(s.DType, raw)
		}
	case "deflate":
		var raw []byte
		raw, err = inflate(b, false)
		if err == nil {
			vals, err = convert(s.DType, raw)
		}
	case "grib-simple":
		vals, err = unpackSimple(s.Codec.Params, b, nFull)
	default:
		err = fmt.Errorf("unknown codec %q", s.Codec.ID)
	}
	if err != nil {
		return nil, &refidx.DecodeError{Key: key, Detail: err.Error()}
	}

	if s.ScaleFactor != 0 {
		floats.Scale(s.ScaleFactor, vals)
		floats.AddConst(s.AddOffset, vals)
	} else if s.AddOffset != 0 {
		floats.AddConst(s.AddOffset, vals)
	}

	switch len(vals) {
	case nClip:
		arr := sparse.ZerosDense(append([]int(nil), clipped...)...)
		arr.Elements = vals
		return arr, nil
	case nFull:
		full := sparse.ZerosDense(append([]int(nil), s.Chunks...)...)
		full.Elements = vals
		return crop(full, clipped), nil
	default:
		return nil, &refidx.DecodeError{
			Key: key,
			Detail: fmt.Sprintf("%d values for a chunk of extent %v (%v padded)",
				len(vals), clipped, s.Chunks),
		}
	}
}

func prod(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// crop returns the leading corner of a padded chunk with the given
// extent.
func crop(full *sparse.DenseArray, extent []int) *sparse.DenseArray {
	out := sparse.ZerosDense(append([]int(nil), extent...)...)
	idx := make([]int, len(extent))
	for n := range out.Elements {
		rem := n
		for i := len(extent) - 1; i >= 0; i-- {
			idx[i] = rem % extent[i]
			rem /= extent[i]
		}
		out.Elements[n] = full.Get1d(full.Index1d(idx...))
	}
	return out
}

func inflate(b []byte, wrapped bool) ([]byte, error) {
	if wrapped {
		r, err := zlib.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("zlib: %v", err)
		}
		defer r.Close()
		out, err := ioutil.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("zlib: %v", err)
		}
		return out, nil
	}
	r := flate.NewReader(bytes.NewReader(b))
	defer r.Close()
	out, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("deflate: %v", err)
	}
	return out, nil
}

// convert reinterprets raw array bytes as float64 values according to
// the data type.
func convert(dt refidx.DType, b []byte) ([]float64, error) {
	if dt.Size <= 0 || len(b)%dt.Size != 0 {
		return nil, fmt.Errorf("%d bytes do not divide into %d-byte values", len(b), dt.Size)
	}
	n := len(b) / dt.Size
	at, err := valueReader(dt)
	if err != nil {
		return nil, err
	}
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = at(b[i*dt.Size:])
	}
	return vals, nil
}

// valueReader returns a function decoding a single value of the given
// type from the start of a byte slice.
func valueReader(dt refidx.DType) (func([]byte) float64, error) {
	bo := dt.ByteOrder()
	switch {
	case dt.Kind == refidx.KindFloat && dt.Size == 8:
		return func(b []byte) float64 { return math.Float64frombits(bo.Uint64(b)) }, nil
	case dt.Kind == refidx.KindFloat && dt.Size == 4:
		return func(b []byte) float64 { return float64(math.Float32frombits(bo.Uint32(b))) }, nil
	case dt.Kind == refidx.KindInt && dt.Size == 8:
		return func(b []byte) float64 { return float64(int64(bo.Uint64(b))) }, nil
	case dt.Kind == refidx.KindInt && dt.Size == 4:
		return func(b []byte) float64 { return float64(int32(bo.Uint32(b))) }, nil
	case dt.Kind == refidx.KindInt && dt.Size == 2:
		return func(b []byte) float64 { return float64(int16(bo.Uint16(b))) }, nil
	case dt.Kind == refidx.KindInt && dt.Size == 1:
		return func(b []byte) float64 { return float64(int8(b[0])) }, nil
	case dt.Kind == refidx.KindUint && dt.Size == 8:
		return func(b []byte) float64 { return float64(bo.Uint64(b)) }, nil
	case dt.Kind == refidx.KindUint && dt.Size == 4:
		return func(b []byte) float64 { return float64(bo.Uint32(b)) }, nil
	case dt.Kind == refidx.KindUint && dt.Size == 2:
		return func(b []byte) float64 { return float64(bo.Uint16(b)) }, nil
	case dt.Kind == refidx.KindUint && dt.Size == 1:
		return func(b []byte) float64 { return float64(b[0]) }, nil
	case dt.Kind == refidx.KindBytes:
		return nil, fmt.Errorf("byte-string variables cannot be read as numeric arrays")
	default:
		return nil, fmt.Errorf("cannot decode type %s", dt)
	}
}

// unpackSimple decodes GRIB2 simple packing (data representation
// template 5.0): each of n values is a big-endian bit string X of the
// given width, and the decoded value is (R + X*2^E) / 10^D.
func unpackSimple(params map[string]float64, b []byte, n int) ([]float64, error) {
	r := params["r"]
	e := params["e"]
	d := params["d"]
	bits := int(params["bits"])
	if bits < 0 || bits > 64 {
		return nil, fmt.Errorf("grib-simple: bad bit width %d", bits)
	}
	scale := math.Pow(2, e)
	dec := math.Pow(10, -d)

	vals := make([]float64, n)
	if bits == 0 {
		// All values equal the reference value.
		for i := range vals {
			vals[i] = r * dec
		}
		return vals, nil
	}
	if n*bits > len(b)*8 {
		return nil, fmt.Errorf("grib-simple: %d bytes is too short for %d %d-bit values",
			len(b), n, bits)
	}
	pos := 0
	for i := range vals {
		var x uint64
		for k := 0; k < bits; k++ {
			byteIdx := pos >> 3
			bitIdx := 7 - pos&7
			x = x<<1 | uint64(b[byteIdx]>>uint(bitIdx)&1)
			pos++
		}
		vals[i] = (r + float64(x)*scale) * dec
	}
	return vals, nil
}

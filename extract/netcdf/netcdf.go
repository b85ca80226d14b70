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

// Package netcdf extracts chunk references from NetCDF classic files
// (CDF-1, CDF-2, and CDF-5). Only the file header is read; variable
// payloads stay in place and are addressed by byte range, except for
// small variables which are embedded in the index.
package netcdf

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/spatialmodel/refidx"
	"github.com/spatialmodel/refidx/extract"
)

// Extractor extracts references from NetCDF classic files. It
// implements extract.Extractor.
type Extractor struct{}

// nc_type values.
const (
	ncByte   = 1
	ncChar   = 2
	ncShort  = 3
	ncInt    = 4
	ncFloat  = 5
	ncDouble = 6
	ncUByte  = 7
	ncUShort = 8
	ncUInt   = 9
	ncInt64  = 10
	ncUInt64 = 11
)

// header list tags.
const (
	tagDimension = 0x0A
	tagVariable  = 0x0B
	tagAttribute = 0x0C
)

var dtypes = map[int]refidx.DType{
	ncByte:   {Order: refidx.BONotRelevant, Kind: refidx.KindInt, Size: 1},
	ncChar:   {Order: refidx.BONotRelevant, Kind: refidx.KindBytes, Size: 1},
	ncShort:  {Order: refidx.BOBigEndian, Kind: refidx.KindInt, Size: 2},
	ncInt:    {Order: refidx.BOBigEndian, Kind: refidx.KindInt, Size: 4},
	ncFloat:  {Order: refidx.BOBigEndian, Kind: refidx.KindFloat, Size: 4},
	ncDouble: {Order: refidx.BOBigEndian, Kind: refidx.KindFloat, Size: 8},
	ncUByte:  {Order: refidx.BONotRelevant, Kind: refidx.KindUint, Size: 1},
	ncUShort: {Order: refidx.BOBigEndian, Kind: refidx.KindUint, Size: 2},
	ncUInt:   {Order: refidx.BOBigEndian, Kind: refidx.KindUint, Size: 4},
	ncInt64:  {Order: refidx.BOBigEndian, Kind: refidx.KindInt, Size: 8},
	ncUInt64: {Order: refidx.BOBigEndian, Kind: refidx.KindUint, Size: 8},
}

type dim struct {
	name string
	size int // 0 for the unlimited dimension
}

type variable struct {
	name    string
	dimids  []int
	attrs   map[string]interface{}
	nctype  int
	vsize   int64
	begin   int64
	record  bool
	lengths []int // dimension sizes, with the record dimension resolved
}

// Extract produces one reference index covering every variable and
// chunk in the file at uri. The file's native dimension names are
// preserved. Record variables yield one chunk per record along the
// unlimited dimension; all other variables yield a single chunk.
func (Extractor) Extract(ctx context.Context, uri string, opts *extract.Options) ([]*refidx.ReferenceIndex, error) {
	client := opts.RemoteClient()
	rr, err := client.ReaderAt(ctx, uri)
	if err != nil {
		return nil, err
	}
	p := &parser{r: bufio.NewReaderSize(rr, 32*1024), uri: uri}
	f, err := p.parse()
	if err != nil {
		if _, ok := err.(*refidx.AccessError); ok {
			return nil, err
		}
		return nil, &refidx.FormatError{URI: uri, Err: err}
	}

	ix := refidx.New()
	ix.Attrs = refidx.NormalizeAttrs(f.attrs)

	recSize := int64(0)
	nrec := 0
	for _, v := range f.vars {
		if v.record {
			recSize += v.vsize
			nrec++
		}
	}
	// With exactly one record variable, records are not padded out to
	// the variable's vsize; they are packed contiguously.
	if nrec == 1 {
		for _, v := range f.vars {
			if v.record {
				recSize = unpaddedSize(v)
			}
		}
	}

	for _, v := range f.vars {
		dt, ok := dtypes[v.nctype]
		if !ok {
			return nil, &refidx.FormatError{URI: uri, Err: fmt.Errorf("unsupported nc_type %d for variable %s", v.nctype, v.name)}
		}
		dims := make([]string, len(v.dimids))
		shape := make([]int, len(v.dimids))
		chunks := make([]int, len(v.dimids))
		for i, id := range v.dimids {
			dims[i] = f.dims[id].name
			shape[i] = f.dims[id].size
			chunks[i] = shape[i]
		}
		if v.record {
			shape[0] = f.numrecs
			chunks[0] = 1
		}
		vs := &refidx.VariableSchema{
			Name:   v.name,
			Dims:   dims,
			Shape:  shape,
			Chunks: chunks,
			DType:  dt,
			Attrs:  refidx.NormalizeAttrs(v.attrs),
		}
		if fv, ok := v.attrs["_FillValue"]; ok {
			vs.FillValue = refidx.NormalizeAttr(fv)
		}
		if err := ix.AddVariable(vs); err != nil {
			return nil, &refidx.FormatError{URI: uri, Err: err}
		}

		if v.record {
			slab := unpaddedSize(v)
			idx := make([]int, len(shape))
			for r := 0; r < f.numrecs; r++ {
				idx[0] = r
				ix.SetRef(v.name, idx, refidx.ChunkRef{
					URI:    uri,
					Offset: v.begin + int64(r)*recSize,
					Length: slab,
				})
			}
			continue
		}
		length := unpaddedSize(v)
		ref := refidx.ChunkRef{URI: uri, Offset: v.begin, Length: length}
		if length <= int64(opts.Threshold()) && length > 0 {
			b, err := client.ReadRange(ctx, uri, v.begin, length)
			if err != nil {
				return nil, err
			}
			ref = refidx.ChunkRef{Inline: b}
		}
		ix.SetRef(v.name, make([]int, len(shape)), ref)
	}
	return []*refidx.ReferenceIndex{ix}, nil
}

// unpaddedSize returns the exact payload size of one chunk of v: the
// whole variable for fixed-size variables, one record for record
// variables. vsize from the header is rounded up to a 4-byte boundary
// and so is not used directly.
func unpaddedSize(v *variable) int64 {
	n := int64(dtypes[v.nctype].Size)
	for i, l := range v.lengths {
		if v.record && i == 0 {
			continue
		}
		n *= int64(l)
	}
	return n
}

// file holds the parsed header.
type file struct {
	version byte
	numrecs int
	dims    []dim
	attrs   map[string]interface{}
	vars    []*variable
}

type parser struct {
	r       *bufio.Reader
	uri     string
	version byte
}

func (p *parser) parse() (*file, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(p.r, magic); err != nil {
		return nil, fmt.Errorf("reading magic: %v", err)
	}
	if magic[0] != 'C' || magic[1] != 'D' || magic[2] != 'F' {
		return nil, fmt.Errorf("not a NetCDF classic file (magic % x)", magic)
	}
	switch magic[3] {
	case 1, 2, 5:
		p.version = magic[3]
	default:
		return nil, fmt.Errorf("unsupported CDF version %d", magic[3])
	}

	f := &file{version: p.version}
	numrecs, err := p.readSize()
	if err != nil {
		return nil, err
	}
	f.numrecs = int(numrecs)

	if err := p.parseDims(f); err != nil {
		return nil, err
	}
	f.attrs, err = p.parseAttrs()
	if err != nil {
		return nil, err
	}
	if err := p.parseVars(f); err != nil {
		return nil, err
	}
	return f, nil
}

func (p *parser) parseDims(f *file) error {
	tag, n, err := p.readTag()
	if err != nil {
		return err
	}
	if tag != tagDimension && !(tag == 0 && n == 0) {
		return fmt.Errorf("expected dimension list, got tag %#x", tag)
	}
	for i := 0; i < n; i++ {
		name, err := p.readName()
		if err != nil {
			return err
		}
		size, err := p.readSize()
		if err != nil {
			return err
		}
		f.dims = append(f.dims, dim{name: name, size: int(size)})
	}
	return nil
}

func (p *parser) parseAttrs() (map[string]interface{}, error) {
	tag, n, err := p.readTag()
	if err != nil {
		return nil, err
	}
	if tag != tagAttribute && !(tag == 0 && n == 0) {
		return nil, fmt.Errorf("expected attribute list, got tag %#x", tag)
	}
	attrs := make(map[string]interface{}, n)
	for i := 0; i < n; i++ {
		name, err := p.readName()
		if err != nil {
			return nil, err
		}
		nctype, err := p.readU32()
		if err != nil {
			return nil, err
		}
		count, err := p.readSize()
		if err != nil {
			return nil, err
		}
		val, err := p.readValues(int(nctype), int(count))
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %v", name, err)
		}
		attrs[name] = val
	}
	return attrs, nil
}

func (p *parser) parseVars(f *file) error {
	tag, n, err := p.readTag()
	if err != nil {
		return err
	}
	if tag != tagVariable && !(tag == 0 && n == 0) {
		return fmt.Errorf("expected variable list, got tag %#x", tag)
	}
	for i := 0; i < n; i++ {
		v := &variable{}
		if v.name, err = p.readName(); err != nil {
			return err
		}
		ndims, err := p.readSize()
		if err != nil {
			return err
		}
		v.dimids = make([]int, ndims)
		v.lengths = make([]int, ndims)
		for j := range v.dimids {
			id, err := p.readU32()
			if err != nil {
				return err
			}
			if int(id) >= len(f.dims) {
				return fmt.Errorf("variable %s references dimension %d of %d", v.name, id, len(f.dims))
			}
			v.dimids[j] = int(id)
			v.lengths[j] = f.dims[id].size
		}
		if len(v.dimids) > 0 && f.dims[v.dimids[0]].size == 0 {
			v.record = true
			v.lengths[0] = f.numrecs
		}
		if v.attrs, err = p.parseAttrs(); err != nil {
			return err
		}
		nctype, err := p.readU32()
		if err != nil {
			return err
		}
		v.nctype = int(nctype)
		vsize, err := p.readSize()
		if err != nil {
			return err
		}
		v.vsize = vsize
		if v.begin, err = p.readBegin(); err != nil {
			return err
		}
		f.vars = append(f.vars, v)
	}
	return nil
}

// readSize reads a NON_NEG quantity: 4 bytes in CDF-1/2, 8 in CDF-5.
func (p *parser) readSize() (int64, error) {
	if p.version == 5 {
		return p.readI64()
	}
	v, err := p.readU32()
	if v == 0xFFFFFFFF { // STREAMING numrecs marker
		v = 0
	}
	return int64(v), err
}

// readBegin reads a variable's byte offset: 4 bytes in CDF-1, 8 in
// CDF-2 and CDF-5.
func (p *parser) readBegin() (int64, error) {
	if p.version == 1 {
		v, err := p.readU32()
		return int64(v), err
	}
	return p.readI64()
}

func (p *parser) readTag() (tag, nelems int, err error) {
	t, err := p.readU32()
	if err != nil {
		return 0, 0, err
	}
	n, err := p.readSize()
	if err != nil {
		return 0, 0, err
	}
	return int(t), int(n), nil
}

func (p *parser) readName() (string, error) {
	n, err := p.readSize()
	if err != nil {
		return "", err
	}
	b, err := p.readPadded(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// readPadded reads n bytes plus padding out to a 4-byte boundary.
func (p *parser) readPadded(n int) ([]byte, error) {
	padded := (n + 3) &^ 3
	b := make([]byte, padded)
	if _, err := io.ReadFull(p.r, b); err != nil {
		return nil, fmt.Errorf("reading %d bytes: %v", padded, err)
	}
	return b[:n], nil
}

func (p *parser) readU32() (uint32, error) {
	b := make([]byte, 4)
	if _, err := io.ReadFull(p.r, b); err != nil {
		return 0, fmt.Errorf("reading word: %v", err)
	}
	return binary.BigEndian.Uint32(b), nil
}

func (p *parser) readI64() (int64, error) {
	b := make([]byte, 8)
	if _, err := io.ReadFull(p.r, b); err != nil {
		return 0, fmt.Errorf("reading doubleword: %v", err)
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// readValues reads an attribute value list. Character attributes
// become strings; numeric attributes become float64 slices.
func (p *parser) readValues(nctype, count int) (interface{}, error) {
	dt, ok := dtypes[nctype]
	if !ok {
		return nil, fmt.Errorf("unsupported nc_type %d", nctype)
	}
	b, err := p.readPadded(count * dt.Size)
	if err != nil {
		return nil, err
	}
	if nctype == ncChar {
		return string(b), nil
	}
	vals := make([]float64, count)
	for i := 0; i < count; i++ {
		w := b[i*dt.Size : (i+1)*dt.Size]
		switch nctype {
		case ncByte:
			vals[i] = float64(int8(w[0]))
		case ncUByte:
			vals[i] = float64(w[0])
		case ncShort:
			vals[i] = float64(int16(binary.BigEndian.Uint16(w)))
		case ncUShort:
			vals[i] = float64(binary.BigEndian.Uint16(w))
		case ncInt:
			vals[i] = float64(int32(binary.BigEndian.Uint32(w)))
		case ncUInt:
			vals[i] = float64(binary.BigEndian.Uint32(w))
		case ncFloat:
			vals[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(w)))
		case ncDouble:
			vals[i] = math.Float64frombits(binary.BigEndian.Uint64(w))
		case ncInt64:
			vals[i] = float64(int64(binary.BigEndian.Uint64(w)))
		case ncUInt64:
			vals[i] = float64(binary.BigEndian.Uint64(w))
		}
	}
	return vals, nil
}

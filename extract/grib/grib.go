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

// Package grib extracts chunk references from GRIB2 files. A GRIB2
// file is a sequence of self-describing messages; each selected
// message becomes its own reference index holding a single packed data
// chunk plus synthesized coordinate variables, so the combiner can
// stack messages along time or level without re-reading the file.
package grib

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/spatialmodel/refidx"
	"github.com/spatialmodel/refidx/extract"
)

// Extractor extracts references from GRIB2 files. It implements
// extract.Extractor.
type Extractor struct{}

// grid holds the fields of grid definition template 3.0
// (latitude-longitude) needed to size and georeference the data.
type grid struct {
	ni, nj   int
	la1, lo1 float64 // degrees
	di, dj   float64 // degrees, signed by scanning mode
}

// product holds the fields of product definition template 4.0.
type product struct {
	discipline int
	category   int
	number     int
	levelType  int
	level      float64
	refTime    time.Time
}

// packing holds the fields of data representation template 5.0
// (simple packing).
type packing struct {
	r       float64
	e, d    int
	bits    int
	nPoints int
}

// field is one decodable data field found while scanning a message.
type field struct {
	num     int
	grid    grid
	product product
	packing packing
	offset  int64 // data payload position in the file
	length  int64
}

// Extract scans every message in the GRIB2 file at uri and produces
// one reference index per message selected by opts.Filter (or for all
// messages if no filter is set). Each index holds one variable named
// "data" with dimensions ["y", "x"] covering the message's whole grid
// as a single chunk, packed with the "grib-simple" codec, plus inline
// "y" and "x" coordinate variables in degrees.
func (Extractor) Extract(ctx context.Context, uri string, opts *extract.Options) ([]*refidx.ReferenceIndex, error) {
	client := opts.RemoteClient()
	rr, err := client.ReaderAt(ctx, uri)
	if err != nil {
		return nil, err
	}
	fields, err := scan(rr, rr.Size())
	if err != nil {
		if _, ok := err.(*refidx.AccessError); ok {
			return nil, err
		}
		return nil, &refidx.FormatError{URI: uri, Err: err}
	}

	var indexes []*refidx.ReferenceIndex
	for _, f := range fields {
		if !opts.Keep(extract.Message{Num: f.num, Meta: f.meta()}) {
			continue
		}
		ix, err := f.index(uri)
		if err != nil {
			return nil, &refidx.FormatError{URI: uri, Err: err}
		}
		indexes = append(indexes, ix)
	}
	return indexes, nil
}

// meta exposes the message description to filter predicates.
func (f *field) meta() map[string]interface{} {
	return map[string]interface{}{
		"discipline":        f.product.discipline,
		"parameterCategory": f.product.category,
		"parameterNumber":   f.product.number,
		"levelType":         f.product.levelType,
		"level":             f.product.level,
		"refTime":           f.product.refTime,
	}
}

func (f *field) index(uri string) (*refidx.ReferenceIndex, error) {
	if f.grid.ni <= 0 || f.grid.nj <= 0 {
		return nil, fmt.Errorf("message %d: bad grid size %d x %d", f.num, f.grid.nj, f.grid.ni)
	}
	if f.packing.nPoints != f.grid.ni*f.grid.nj {
		return nil, fmt.Errorf("message %d: %d packed values for a %d-point grid",
			f.num, f.packing.nPoints, f.grid.ni*f.grid.nj)
	}

	ix := refidx.New()
	ix.Attrs = map[string]interface{}{
		"discipline":         float64(f.product.discipline),
		"parameter_category": float64(f.product.category),
		"parameter_number":   float64(f.product.number),
		"reference_time":     f.product.refTime.Format(time.RFC3339),
	}

	f8 := refidx.DType{Order: refidx.BOLittleEndian, Kind: refidx.KindFloat, Size: 8}
	err := ix.AddVariable(&refidx.VariableSchema{
		Name:   "data",
		Dims:   []string{"y", "x"},
		Shape:  []int{f.grid.nj, f.grid.ni},
		Chunks: []int{f.grid.nj, f.grid.ni},
		DType:  f8,
		Codec:  refidx.Codec{ID: "grib-simple", Params: map[string]float64{
			"r":    f.packing.r,
			"e":    float64(f.packing.e),
			"d":    float64(f.packing.d),
			"bits": float64(f.packing.bits),
		}},
		Attrs: map[string]interface{}{
			"level_type": float64(f.product.levelType),
			"level":      f.product.level,
		},
	})
	if err != nil {
		return nil, err
	}
	ix.SetRef("data", []int{0, 0}, refidx.ChunkRef{URI: uri, Offset: f.offset, Length: f.length})

	// Latitude and longitude are regular in template 3.0, so the
	// coordinate variables are synthesized rather than read.
	lat := make([]float64, f.grid.nj)
	for j := range lat {
		lat[j] = f.grid.la1 + float64(j)*f.grid.dj
	}
	lon := make([]float64, f.grid.ni)
	for i := range lon {
		lon[i] = f.grid.lo1 + float64(i)*f.grid.di
	}
	for _, c := range []struct {
		name string
		vals []float64
	}{{"y", lat}, {"x", lon}} {
		err := ix.AddVariable(&refidx.VariableSchema{
			Name:   c.name,
			Dims:   []string{c.name},
			Shape:  []int{len(c.vals)},
			Chunks: []int{len(c.vals)},
			DType:  f8,
			Attrs:  map[string]interface{}{"units": "degrees"},
		})
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		binary.Write(&buf, binary.LittleEndian, c.vals)
		ix.SetRef(c.name, []int{0}, refidx.ChunkRef{Inline: buf.Bytes()})
	}
	return ix, nil
}

// scan walks the messages in a GRIB2 file and returns one field per
// data section found.
func scan(r io.ReaderAt, size int64) ([]*field, error) {
	var fields []*field
	num := 0
	for pos := int64(0); pos < size; {
		var sec0 [16]byte
		if _, err := r.ReadAt(sec0[:], pos); err != nil {
			return nil, fmt.Errorf("message %d: reading indicator section: %v", num, err)
		}
		if string(sec0[0:4]) != "GRIB" {
			return nil, fmt.Errorf("message %d: missing GRIB indicator at byte %d", num, pos)
		}
		if sec0[7] != 2 {
			return nil, fmt.Errorf("message %d: GRIB edition %d is not supported", num, sec0[7])
		}
		msgLen := int64(binary.BigEndian.Uint64(sec0[8:16]))
		if msgLen < 20 || pos+msgLen > size {
			return nil, fmt.Errorf("message %d: bad message length %d", num, msgLen)
		}
		n, err := scanMessage(r, pos, msgLen, int(sec0[6]), &num, &fields)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("message %d: no data section", num)
		}
		pos += msgLen
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("no GRIB messages found")
	}
	return fields, nil
}

// scanMessage walks the sections of one message, emitting a field for
// each data section. A message may repeat sections 4 through 7 to
// carry several fields on a shared grid.
func scanMessage(r io.ReaderAt, start, msgLen int64, discipline int, num *int, fields *[]*field) (int, error) {
	var (
		g       grid
		p       product
		k       packing
		have    [8]bool
		nFields int
	)
	end := start + msgLen
	for pos := start + 16; pos < end-4; {
		var hdr [5]byte
		if _, err := r.ReadAt(hdr[:], pos); err != nil {
			return 0, fmt.Errorf("message %d: reading section header: %v", *num, err)
		}
		secLen := int64(binary.BigEndian.Uint32(hdr[0:4]))
		secNum := int(hdr[4])
		if secLen < 5 || pos+secLen > end {
			return 0, fmt.Errorf("message %d: bad length %d for section %d", *num, secLen, secNum)
		}
		body := make([]byte, secLen-5)
		if _, err := r.ReadAt(body, pos+5); err != nil {
			return 0, fmt.Errorf("message %d: reading section %d: %v", *num, secNum, err)
		}
		var err error
		switch secNum {
		case 1:
			err = parseIdentification(body, &p)
		case 2: // local use
		case 3:
			err = parseGrid(body, &g)
		case 4:
			err = parseProduct(body, &p)
		case 5:
			err = parsePacking(body, &k)
		case 6:
			if len(body) < 1 || body[0] != 255 {
				err = fmt.Errorf("bitmaps are not supported")
			}
		case 7:
			if !have[3] || !have[4] || !have[5] {
				err = fmt.Errorf("data section before grid, product, and packing sections")
				break
			}
			p.discipline = discipline
			*fields = append(*fields, &field{
				num:     *num,
				grid:    g,
				product: p,
				packing: k,
				offset:  pos + 5,
				length:  secLen - 5,
			})
			*num++
			nFields++
		default:
			err = fmt.Errorf("unknown section number %d", secNum)
		}
		if err != nil {
			return 0, fmt.Errorf("message %d: section %d: %v", *num, secNum, err)
		}
		if secNum >= 1 && secNum <= 7 {
			have[secNum] = true
		}
		pos += secLen
	}
	var tail [4]byte
	if _, err := r.ReadAt(tail[:], end-4); err != nil {
		return 0, fmt.Errorf("message %d: reading end section: %v", *num, err)
	}
	if string(tail[:]) != "7777" {
		return 0, fmt.Errorf("message %d: missing end section", *num)
	}
	return nFields, nil
}

// parseIdentification reads the reference time from section 1.
func parseIdentification(body []byte, p *product) error {
	if len(body) < 16 {
		return fmt.Errorf("identification section is %d bytes, need 16", len(body)+5)
	}
	// Octets 13-19 of the section, offset by the 5-byte header.
	p.refTime = time.Date(
		int(binary.BigEndian.Uint16(body[7:9])),
		time.Month(body[9]), int(body[10]),
		int(body[11]), int(body[12]), int(body[13]), 0, time.UTC)
	return nil
}

// parseGrid reads grid definition template 3.0 (latitude-longitude).
func parseGrid(body []byte, g *grid) error {
	if len(body) < 9 {
		return fmt.Errorf("grid section is too short")
	}
	template := int(binary.BigEndian.Uint16(body[7:9]))
	if template != 0 {
		return fmt.Errorf("grid definition template %d is not supported", template)
	}
	if len(body) < 67 {
		return fmt.Errorf("grid section is too short for template 3.0")
	}
	g.ni = int(binary.BigEndian.Uint32(body[25:29]))
	g.nj = int(binary.BigEndian.Uint32(body[29:33]))
	g.la1 = signedMicro(body[41:45])
	g.lo1 = signedMicro(body[45:49])
	di := math.Abs(signedMicro(body[58:62]))
	dj := math.Abs(signedMicro(body[62:66]))
	scan := body[66]
	if scan&0x80 != 0 { // points scan in the -i direction
		di = -di
	}
	if scan&0x40 == 0 { // points scan in the -j direction
		dj = -dj
	}
	g.di, g.dj = di, dj
	return nil
}

// parseProduct reads product definition template 4.0.
func parseProduct(body []byte, p *product) error {
	if len(body) < 4 {
		return fmt.Errorf("product section is too short")
	}
	template := int(binary.BigEndian.Uint16(body[2:4]))
	if template != 0 {
		return fmt.Errorf("product definition template %d is not supported", template)
	}
	if len(body) < 23 {
		return fmt.Errorf("product section is too short for template 4.0")
	}
	p.category = int(body[4])
	p.number = int(body[5])
	p.levelType = int(body[17])
	scale := signedByte(body[18])
	value := float64(binary.BigEndian.Uint32(body[19:23]))
	p.level = value * math.Pow(10, -float64(scale))
	return nil
}

// parsePacking reads data representation template 5.0 (simple
// packing).
func parsePacking(body []byte, k *packing) error {
	if len(body) < 6 {
		return fmt.Errorf("data representation section is too short")
	}
	template := int(binary.BigEndian.Uint16(body[4:6]))
	if template != 0 {
		return fmt.Errorf("data representation template %d is not supported", template)
	}
	if len(body) < 15 {
		return fmt.Errorf("data representation section is too short for template 5.0")
	}
	k.nPoints = int(binary.BigEndian.Uint32(body[0:4]))
	k.r = float64(math.Float32frombits(binary.BigEndian.Uint32(body[6:10])))
	k.e = signed16(body[10:12])
	k.d = signed16(body[12:14])
	k.bits = int(body[14])
	return nil
}

// signedMicro decodes a sign-magnitude 32-bit integer scaled by 1e-6,
// the encoding GRIB2 uses for latitudes and longitudes.
func signedMicro(b []byte) float64 {
	u := binary.BigEndian.Uint32(b)
	v := float64(u & 0x7FFFFFFF)
	if u&0x80000000 != 0 {
		v = -v
	}
	return v * 1e-6
}

// signed16 decodes a sign-magnitude 16-bit integer.
func signed16(b []byte) int {
	u := binary.BigEndian.Uint16(b)
	v := int(u & 0x7FFF)
	if u&0x8000 != 0 {
		v = -v
	}
	return v
}

// signedByte decodes a sign-magnitude 8-bit integer.
func signedByte(b byte) int {
	v := int(b & 0x7F)
	if b&0x80 != 0 {
		v = -v
	}
	return v
}

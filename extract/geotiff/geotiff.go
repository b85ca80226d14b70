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

// Package geotiff extracts chunk references from single-band GeoTIFF
// (and plain TIFF) files. TIFF is already chunked on disk: stripped
// files map to one chunk per strip and tiled files to one chunk per
// tile, so only the header and tag arrays are read.
package geotiff

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/spatialmodel/refidx"
	"github.com/spatialmodel/refidx/extract"
	"github.com/spatialmodel/refidx/remote"
)

// Extractor extracts references from TIFF files. It implements
// extract.Extractor.
type Extractor struct{}

// TIFF tag numbers.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
	tagPixelScale      = 33550
	tagTiepoint        = 33922
	tagNoData          = 42113
)

// TIFF compression schemes.
const (
	compressionNone       = 1
	compressionDeflate    = 8
	compressionDeflateOld = 32946
)

// TIFF sample formats.
const (
	sampleUint  = 1
	sampleInt   = 2
	sampleFloat = 3
)

// fieldSize gives the byte size of each TIFF field type.
var fieldSize = map[uint16]int{
	1: 1, 2: 1, 3: 2, 4: 4, 5: 8, 6: 1, 7: 1, 8: 2, 9: 4, 10: 8, 11: 4, 12: 8,
}

type entry struct {
	tag   uint16
	typ   uint16
	count uint32
	raw   [4]byte
}

type parser struct {
	r   io.ReaderAt
	bo  binary.ByteOrder
	uri string
}

// Extract produces one reference index for the first image in the
// TIFF file at uri. The variable is named "data" with dimensions
// ["y", "x"]. Stripped images chunk as [RowsPerStrip, width] and tiled
// images as [TileLength, TileWidth]; edge tiles are padded to the full
// tile size as TIFF requires, while the final strip of a stripped image
// is clipped.
func (Extractor) Extract(ctx context.Context, uri string, opts *extract.Options) ([]*refidx.ReferenceIndex, error) {
	client := opts.RemoteClient()
	rr, err := client.ReaderAt(ctx, uri)
	if err != nil {
		return nil, err
	}
	p := &parser{r: rr, uri: uri}
	ix, err := p.parse(opts)
	if err != nil {
		if _, ok := err.(*refidx.AccessError); ok {
			return nil, err
		}
		return nil, &refidx.FormatError{URI: uri, Err: err}
	}
	if err := p.inline(ctx, client, ix, opts); err != nil {
		return nil, err
	}
	return []*refidx.ReferenceIndex{ix}, nil
}

func (p *parser) parse(opts *extract.Options) (*refidx.ReferenceIndex, error) {
	var hdr [8]byte
	if _, err := p.r.ReadAt(hdr[:], 0); err != nil {
		return nil, fmt.Errorf("reading header: %v", err)
	}
	switch string(hdr[0:2]) {
	case "II":
		p.bo = binary.LittleEndian
	case "MM":
		p.bo = binary.BigEndian
	default:
		return nil, fmt.Errorf("not a TIFF file")
	}
	switch magic := p.bo.Uint16(hdr[2:4]); magic {
	case 42:
	case 43:
		return nil, fmt.Errorf("BigTIFF is not supported")
	default:
		return nil, fmt.Errorf("bad TIFF magic number %d", magic)
	}

	entries, err := p.readIFD(int64(p.bo.Uint32(hdr[4:8])))
	if err != nil {
		return nil, err
	}

	width, err := p.tagInt(entries, tagImageWidth, -1)
	if err != nil {
		return nil, err
	}
	height, err := p.tagInt(entries, tagImageLength, -1)
	if err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("bad image size %d x %d", height, width)
	}
	samples, err := p.tagInt(entries, tagSamplesPerPixel, 1)
	if err != nil {
		return nil, err
	}
	if samples != 1 {
		return nil, fmt.Errorf("%d samples per pixel; only single-band images are supported", samples)
	}
	predictor, err := p.tagInt(entries, tagPredictor, 1)
	if err != nil {
		return nil, err
	}
	if predictor != 1 {
		return nil, fmt.Errorf("predictor %d is not supported", predictor)
	}

	dtype, err := p.dtype(entries)
	if err != nil {
		return nil, err
	}

	var codec refidx.Codec
	compression, err := p.tagInt(entries, tagCompression, compressionNone)
	if err != nil {
		return nil, err
	}
	switch compression {
	case compressionNone:
	case compressionDeflate, compressionDeflateOld:
		codec = refidx.Codec{ID: "zlib"}
	default:
		return nil, fmt.Errorf("compression scheme %d is not supported", compression)
	}

	v := &refidx.VariableSchema{
		Name:  "data",
		Dims:  []string{"y", "x"},
		Shape: []int{height, width},
		DType: dtype,
		Codec: codec,
		Attrs: make(map[string]interface{}),
	}
	p.geoAttrs(entries, v)

	ix := refidx.New()
	_, tiled := entries[tagTileOffsets]
	if tiled {
		err = p.addTiles(ix, v, entries)
	} else {
		err = p.addStrips(ix, v, entries)
	}
	if err != nil {
		return nil, err
	}
	return ix, nil
}

// addStrips registers one chunk per strip. The chunk shape is
// [RowsPerStrip, width]; the final strip may be shorter and is stored
// clipped, never padded.
func (p *parser) addStrips(ix *refidx.ReferenceIndex, v *refidx.VariableSchema, entries map[uint16]entry) error {
	rps, err := p.tagInt(entries, tagRowsPerStrip, v.Shape[0])
	if err != nil {
		return err
	}
	if rps <= 0 || rps > v.Shape[0] {
		rps = v.Shape[0]
	}
	offsets, err := p.tagInts(entries, tagStripOffsets)
	if err != nil {
		return err
	}
	counts, err := p.tagInts(entries, tagStripByteCounts)
	if err != nil {
		return err
	}
	nStrips := (v.Shape[0] + rps - 1) / rps
	if len(offsets) != nStrips || len(counts) != nStrips {
		return fmt.Errorf("%d strips but %d offsets and %d byte counts",
			nStrips, len(offsets), len(counts))
	}
	v.Chunks = []int{rps, v.Shape[1]}
	if err := ix.AddVariable(v); err != nil {
		return err
	}
	for i := 0; i < nStrips; i++ {
		ix.SetRef(v.Name, []int{i, 0}, refidx.ChunkRef{
			URI: p.uri, Offset: offsets[i], Length: counts[i],
		})
	}
	return nil
}

// addTiles registers one chunk per tile, row-major as TIFF stores
// them. Edge tiles are full-size with padding past the image bounds.
func (p *parser) addTiles(ix *refidx.ReferenceIndex, v *refidx.VariableSchema, entries map[uint16]entry) error {
	tw, err := p.tagInt(entries, tagTileWidth, -1)
	if err != nil {
		return err
	}
	th, err := p.tagInt(entries, tagTileLength, -1)
	if err != nil {
		return err
	}
	if tw <= 0 || th <= 0 {
		return fmt.Errorf("bad tile size %d x %d", th, tw)
	}
	offsets, err := p.tagInts(entries, tagTileOffsets)
	if err != nil {
		return err
	}
	counts, err := p.tagInts(entries, tagTileByteCounts)
	if err != nil {
		return err
	}
	v.Chunks = []int{th, tw}
	grid := refidx.GridShape(v.Shape, v.Chunks)
	nTiles := grid[0] * grid[1]
	if len(offsets) != nTiles || len(counts) != nTiles {
		return fmt.Errorf("%d tiles but %d offsets and %d byte counts",
			nTiles, len(offsets), len(counts))
	}
	if err := ix.AddVariable(v); err != nil {
		return err
	}
	for i := 0; i < grid[0]; i++ {
		for j := 0; j < grid[1]; j++ {
			n := i*grid[1] + j
			ix.SetRef(v.Name, []int{i, j}, refidx.ChunkRef{
				URI: p.uri, Offset: offsets[n], Length: counts[n],
			})
		}
	}
	return nil
}

// inline embeds chunk payloads at or below the inline threshold. Only
// uncompressed chunks are embedded so that embedded bytes always hold
// raw sample values.
func (p *parser) inline(ctx context.Context, client *remote.Client, ix *refidx.ReferenceIndex, opts *extract.Options) error {
	threshold := int64(opts.Threshold())
	if threshold <= 0 {
		return nil
	}
	for _, v := range ix.Variables {
		if v.Codec.ID != "" {
			continue
		}
		for key, ref := range ix.Refs {
			if ref.IsInline() || ref.Length > threshold {
				continue
			}
			name, _, err := refidx.ParseChunkKey(key)
			if err != nil || name != v.Name {
				continue
			}
			data, err := client.ReadRange(ctx, ref.URI, ref.Offset, ref.Length)
			if err != nil {
				return err
			}
			ix.Refs[key] = refidx.ChunkRef{Inline: data}
		}
	}
	return nil
}

func (p *parser) dtype(entries map[uint16]entry) (refidx.DType, error) {
	bits, err := p.tagInt(entries, tagBitsPerSample, 1)
	if err != nil {
		return refidx.DType{}, err
	}
	if bits%8 != 0 || bits > 64 {
		return refidx.DType{}, fmt.Errorf("%d bits per sample is not supported", bits)
	}
	format, err := p.tagInt(entries, tagSampleFormat, sampleUint)
	if err != nil {
		return refidx.DType{}, err
	}
	d := refidx.DType{Size: bits / 8}
	switch format {
	case sampleUint:
		d.Kind = refidx.KindUint
	case sampleInt:
		d.Kind = refidx.KindInt
	case sampleFloat:
		d.Kind = refidx.KindFloat
	default:
		return refidx.DType{}, fmt.Errorf("sample format %d is not supported", format)
	}
	if d.Size == 1 {
		d.Order = refidx.BONotRelevant
	} else if p.bo == binary.LittleEndian {
		d.Order = refidx.BOLittleEndian
	} else {
		d.Order = refidx.BOBigEndian
	}
	return d, nil
}

// geoAttrs copies the georeferencing tags GeoTIFF writers attach into
// variable attributes, and the GDAL nodata tag into the fill value.
func (p *parser) geoAttrs(entries map[uint16]entry, v *refidx.VariableSchema) {
	if vals, err := p.tagDoubles(entries, tagPixelScale); err == nil && len(vals) > 0 {
		v.Attrs["model_pixel_scale"] = vals
	}
	if vals, err := p.tagDoubles(entries, tagTiepoint); err == nil && len(vals) > 0 {
		v.Attrs["model_tiepoint"] = vals
	}
	if s, err := p.tagASCII(entries, tagNoData); err == nil {
		if fill, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			v.FillValue = fill
		}
	}
}

func (p *parser) readIFD(offset int64) (map[uint16]entry, error) {
	var nb [2]byte
	if _, err := p.r.ReadAt(nb[:], offset); err != nil {
		return nil, fmt.Errorf("reading tag directory: %v", err)
	}
	n := int(p.bo.Uint16(nb[:]))
	buf := make([]byte, n*12)
	if _, err := p.r.ReadAt(buf, offset+2); err != nil {
		return nil, fmt.Errorf("reading tag directory: %v", err)
	}
	entries := make(map[uint16]entry, n)
	for i := 0; i < n; i++ {
		b := buf[i*12 : (i+1)*12]
		e := entry{
			tag:   p.bo.Uint16(b[0:2]),
			typ:   p.bo.Uint16(b[2:4]),
			count: p.bo.Uint32(b[4:8]),
		}
		copy(e.raw[:], b[8:12])
		entries[e.tag] = e
	}
	return entries, nil
}

// value returns the raw field payload, following the offset
// indirection for payloads larger than four bytes.
func (p *parser) value(e entry) ([]byte, error) {
	size, ok := fieldSize[e.typ]
	if !ok {
		return nil, fmt.Errorf("tag %d: unknown field type %d", e.tag, e.typ)
	}
	total := size * int(e.count)
	if total <= 4 {
		return e.raw[:total], nil
	}
	buf := make([]byte, total)
	if _, err := p.r.ReadAt(buf, int64(p.bo.Uint32(e.raw[:]))); err != nil {
		return nil, fmt.Errorf("tag %d: reading value: %v", e.tag, err)
	}
	return buf, nil
}

// tagInt returns an integer tag's (first) value, or def if the tag is
// absent. A negative def makes the tag required.
func (p *parser) tagInt(entries map[uint16]entry, tag uint16, def int) (int, error) {
	vals, err := p.tagInts(entries, tag)
	if err != nil {
		if _, ok := entries[tag]; !ok && def >= 0 {
			return def, nil
		}
		return 0, err
	}
	if len(vals) == 0 {
		return 0, fmt.Errorf("tag %d: empty value", tag)
	}
	return int(vals[0]), nil
}

func (p *parser) tagInts(entries map[uint16]entry, tag uint16) ([]int64, error) {
	e, ok := entries[tag]
	if !ok {
		return nil, fmt.Errorf("missing required tag %d", tag)
	}
	buf, err := p.value(e)
	if err != nil {
		return nil, err
	}
	vals := make([]int64, e.count)
	for i := range vals {
		switch e.typ {
		case 1: // BYTE
			vals[i] = int64(buf[i])
		case 3: // SHORT
			vals[i] = int64(p.bo.Uint16(buf[i*2:]))
		case 4: // LONG
			vals[i] = int64(p.bo.Uint32(buf[i*4:]))
		default:
			return nil, fmt.Errorf("tag %d: field type %d is not an integer", tag, e.typ)
		}
	}
	return vals, nil
}

func (p *parser) tagDoubles(entries map[uint16]entry, tag uint16) ([]float64, error) {
	e, ok := entries[tag]
	if !ok {
		return nil, fmt.Errorf("missing tag %d", tag)
	}
	if e.typ != 12 {
		return nil, fmt.Errorf("tag %d: field type %d is not DOUBLE", tag, e.typ)
	}
	buf, err := p.value(e)
	if err != nil {
		return nil, err
	}
	vals := make([]float64, e.count)
	for i := range vals {
		vals[i] = math.Float64frombits(p.bo.Uint64(buf[i*8:]))
	}
	return vals, nil
}

func (p *parser) tagASCII(entries map[uint16]entry, tag uint16) (string, error) {
	e, ok := entries[tag]
	if !ok {
		return "", fmt.Errorf("missing tag %d", tag)
	}
	if e.typ != 2 {
		return "", fmt.Errorf("tag %d: field type %d is not ASCII", tag, e.typ)
	}
	buf, err := p.value(e)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(buf), "\x00"), nil
}

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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"
)

// The persisted reference document is a JSON object with top-level keys
// "version", "variables", "refs", and "attrs". Each entry in "refs" is
// either a three-element array [uri, offset, length] or a string
// holding an inline value, base64-encoded with a "base64:" prefix when
// the value is not printable text. This document is the sole wire
// format consumers must honor for interoperability.
type document struct {
	Version   int                        `json:"version"`
	Variables map[string]*VariableSchema `json:"variables"`
	Refs      map[string]json.RawMessage `json:"refs"`
	Attrs     map[string]interface{}     `json:"attrs"`
}

const base64Prefix = "base64:"

// Write serializes the index to w.
func (ix *ReferenceIndex) Write(w io.Writer) error {
	doc := document{
		Version:   ix.Version,
		Variables: ix.Variables,
		Refs:      make(map[string]json.RawMessage, len(ix.Refs)),
		Attrs:     ix.Attrs,
	}
	for key, ref := range ix.Refs {
		var entry interface{}
		if ref.IsInline() {
			entry = encodeInline(ref.Inline)
		} else {
			entry = []interface{}{ref.URI, ref.Offset, ref.Length}
		}
		b, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("refidx: marshaling reference %s: %v", key, err)
		}
		doc.Refs[key] = b
	}
	e := json.NewEncoder(w)
	return e.Encode(doc)
}

// Read deserializes an index from r. Reading back a document produced
// by Write yields a structurally identical index.
func Read(r io.Reader) (*ReferenceIndex, error) {
	var doc document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("refidx: reading reference document: %v", err)
	}
	if doc.Version != Version {
		return nil, fmt.Errorf("refidx: unsupported reference document version %d", doc.Version)
	}
	ix := New()
	ix.Version = doc.Version
	for name, v := range doc.Variables {
		v.Name = name
		v.Attrs = NormalizeAttrs(v.Attrs)
		v.FillValue = NormalizeAttr(v.FillValue)
		if err := ix.AddVariable(v); err != nil {
			return nil, err
		}
	}
	for key, raw := range doc.Refs {
		ref, err := decodeRef(raw)
		if err != nil {
			return nil, fmt.Errorf("refidx: reading reference %s: %v", key, err)
		}
		ix.Refs[key] = ref
	}
	ix.Attrs = NormalizeAttrs(doc.Attrs)
	return ix, nil
}

func encodeInline(b []byte) string {
	if utf8.Valid(b) && printable(b) && !hasBase64Prefix(b) {
		return string(b)
	}
	return base64Prefix + base64.StdEncoding.EncodeToString(b)
}

func hasBase64Prefix(b []byte) bool {
	return len(b) >= len(base64Prefix) && string(b[:len(base64Prefix)]) == base64Prefix
}

func printable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c == 0x7f {
			return false
		}
	}
	return true
}

func decodeRef(raw json.RawMessage) (ChunkRef, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if len(s) >= len(base64Prefix) && s[:len(base64Prefix)] == base64Prefix {
			b, err := base64.StdEncoding.DecodeString(s[len(base64Prefix):])
			if err != nil {
				return ChunkRef{}, err
			}
			return ChunkRef{Inline: b}, nil
		}
		return ChunkRef{Inline: []byte(s)}, nil
	}
	var parts []interface{}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ChunkRef{}, err
	}
	if len(parts) != 3 {
		return ChunkRef{}, fmt.Errorf("expected [uri, offset, length], got %d elements", len(parts))
	}
	uri, ok := parts[0].(string)
	if !ok {
		return ChunkRef{}, fmt.Errorf("reference uri is not a string")
	}
	offset, ok := parts[1].(float64)
	if !ok {
		return ChunkRef{}, fmt.Errorf("reference offset is not a number")
	}
	length, ok := parts[2].(float64)
	if !ok {
		return ChunkRef{}, fmt.Errorf("reference length is not a number")
	}
	return ChunkRef{URI: uri, Offset: int64(offset), Length: int64(length)}, nil
}

// NormalizeAttrs returns a copy of attrs with every value passed
// through NormalizeAttr. Extractors use it so that attribute values
// survive a serialization round trip structurally unchanged.
func NormalizeAttrs(attrs map[string]interface{}) map[string]interface{} {
	if attrs == nil {
		return nil
	}
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = NormalizeAttr(v)
	}
	return out
}

// NormalizeAttr converts v to the canonical in-memory form of a JSON
// round trip: numbers become float64, numeric slices become []float64,
// and strings, bools, and nil pass through.
func NormalizeAttr(v interface{}) interface{} {
	switch x := v.(type) {
	case nil, bool, string, float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case []float64:
		return x
	case []float32:
		out := make([]float64, len(x))
		for i, e := range x {
			out[i] = float64(e)
		}
		return out
	case []int:
		out := make([]float64, len(x))
		for i, e := range x {
			out[i] = float64(e)
		}
		return out
	case []int16:
		out := make([]float64, len(x))
		for i, e := range x {
			out[i] = float64(e)
		}
		return out
	case []int32:
		out := make([]float64, len(x))
		for i, e := range x {
			out[i] = float64(e)
		}
		return out
	case []int64:
		out := make([]float64, len(x))
		for i, e := range x {
			out[i] = float64(e)
		}
		return out
	case []interface{}:
		nums := make([]float64, 0, len(x))
		for _, e := range x {
			n, ok := NormalizeAttr(e).(float64)
			if !ok {
				return x
			}
			nums = append(nums, n)
		}
		return nums
	default:
		return fmt.Sprintf("%v", x)
	}
}

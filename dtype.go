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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
)

// DType describes the data type of an array variable using the NumPy
// array protocol type string (typestr) format. The format consists of
// three parts: one character describing the byte order of the data
// ("<": little-endian; ">": big-endian; "|": not relevant), one
// character code giving the basic type ("i": integer; "u": unsigned
// integer; "f": floating point; "S": fixed-length bytes), and an
// integer giving the number of bytes the type uses, so for example
// "<f4" is a little-endian 4-byte float.
type DType struct {
	Order ByteOrder
	Kind  Kind
	Size  int
}

var (
	_ json.Unmarshaler = (*DType)(nil)
	_ json.Marshaler   = (*DType)(nil)
)

// ParseDType parses a NumPy typestr such as "<f4" or "|u1".
func ParseDType(s string) (DType, error) {
	var dt DType
	if len(s) < 3 {
		return dt, fmt.Errorf("refidx: dtype %q is too short", s)
	}
	var err error
	if dt.Order, err = parseByteOrder(rune(s[0])); err != nil {
		return dt, err
	}
	if dt.Kind, err = parseKind(rune(s[1])); err != nil {
		return dt, err
	}
	size, err := strconv.Atoi(s[2:])
	if err != nil || size <= 0 {
		return dt, fmt.Errorf("refidx: dtype %q has invalid item size", s)
	}
	dt.Size = size
	if dt.Size == 1 && dt.Order != BONotRelevant {
		dt.Order = BONotRelevant
	}
	return dt, nil
}

func (dt DType) String() string {
	return fmt.Sprintf("%c%c%d", rune(dt.Order), rune(dt.Kind), dt.Size)
}

// ByteOrder returns the encoding/binary byte order corresponding to dt.
// Single-byte types default to big-endian, where the distinction is
// meaningless.
func (dt DType) ByteOrder() binary.ByteOrder {
	if dt.Order == BOLittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func (dt DType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + dt.String() + `"`), nil
}

func (dt *DType) UnmarshalJSON(d []byte) error {
	var s string
	if err := json.Unmarshal(d, &s); err != nil {
		return err
	}
	t, err := ParseDType(s)
	if err != nil {
		return err
	}
	*dt = t
	return nil
}

// ByteOrder is the byte-order character of a typestr.
type ByteOrder rune

const (
	BONotRelevant  ByteOrder = '|'
	BOLittleEndian ByteOrder = '<'
	BOBigEndian    ByteOrder = '>'
)

func parseByteOrder(r rune) (ByteOrder, error) {
	switch o := ByteOrder(r); o {
	case BONotRelevant, BOLittleEndian, BOBigEndian:
		return o, nil
	default:
		return o, fmt.Errorf("refidx: unsupported byte order %q", r)
	}
}

// Kind is the basic-type character of a typestr.
type Kind rune

const (
	KindInt   Kind = 'i'
	KindUint  Kind = 'u'
	KindFloat Kind = 'f'
	KindBytes Kind = 'S'
)

func parseKind(r rune) (Kind, error) {
	switch k := Kind(r); k {
	case KindInt, KindUint, KindFloat, KindBytes:
		return k, nil
	default:
		return k, fmt.Errorf("refidx: unsupported dtype kind %q", r)
	}
}

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

import "fmt"

// FormatError indicates that the internal structure of a source file
// could not be parsed (corrupt header, unsupported encoding). It is
// deterministic: retrying the same file will fail again.
type FormatError struct {
	URI string
	Err error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("refidx: unparseable file %s: %v", e.URI, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// AccessError indicates that a byte range could not be fetched because
// of a network, storage, or authorization failure. Unlike FormatError
// it is transient and may be retried.
type AccessError struct {
	URI string
	Err error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("refidx: accessing %s: %v", e.URI, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

// SchemaConflictError indicates that input files disagree on schema:
// dimensions declared identical differ, or variable sets do not
// match. It aborts the whole combine operation.
type SchemaConflictError struct {
	Dim    string
	Detail string
}

func (e *SchemaConflictError) Error() string {
	if e.Dim == "" {
		return fmt.Sprintf("refidx: conflicting schemas: %s", e.Detail)
	}
	return fmt.Sprintf("refidx: conflicting schemas for identical dimension %s: %s", e.Dim, e.Detail)
}

// CoordinateResolutionError indicates that a coordinate rule could not
// produce a value for some input file. It aborts the whole combine
// operation.
type CoordinateResolutionError struct {
	Dim string
	URI string
	Err error
}

func (e *CoordinateResolutionError) Error() string {
	return fmt.Sprintf("refidx: resolving %s coordinate for %s: %v", e.Dim, e.URI, e.Err)
}

func (e *CoordinateResolutionError) Unwrap() error { return e.Err }

// CoordinateOrderWarning indicates that the derived coordinate values
// for a concatenation dimension are not monotonic. It is advisory: the
// merged index is still produced, since some consumers tolerate
// out-of-order coordinates.
type CoordinateOrderWarning struct {
	Dim    string
	Values []float64
}

func (w *CoordinateOrderWarning) Error() string {
	return fmt.Sprintf("refidx: non-monotonic %s coordinate: %v", w.Dim, w.Values)
}

// ChunkFetchError indicates that the ranged fetch for a chunk failed
// after the retry policy was exhausted. It is fatal only to that read;
// the view remains usable for other chunks.
type ChunkFetchError struct {
	Key string
	URI string
	Err error
}

func (e *ChunkFetchError) Error() string {
	return fmt.Sprintf("refidx: fetching chunk %s from %s: %v", e.Key, e.URI, e.Err)
}

func (e *ChunkFetchError) Unwrap() error { return e.Err }

// DecodeError indicates that fetched chunk bytes are inconsistent with
// the variable's declared encoding or shape. It is fatal only to that
// read.
type DecodeError struct {
	Key    string
	Detail string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("refidx: decoding chunk %s: %s", e.Key, e.Detail)
}

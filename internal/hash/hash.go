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
along with RefIdx.  If not, see <http://www.gnu.org/licenses/>.*/

// Package hash creates stable cache keys for request payloads.
package hash

import (
	"encoding/gob"
	"fmt"
	"hash/fnv"

	"github.com/davecgh/go-spew/spew"
)

// Hash returns a stable cache key for the given request payload.
// Equal payloads always produce the same key; the key is safe to use
// as a file name for disk caches. Payloads gob cannot encode (e.g.
// types without exported fields) fall back to a deterministic textual
// dump.
func Hash(payload interface{}) string {
	h := fnv.New128a()
	if err := gob.NewEncoder(h).Encode(payload); err != nil {
		printer := spew.ConfigState{
			Indent:                  " ",
			SortKeys:                true,
			DisableMethods:          true,
			SpewKeys:                true,
			DisablePointerAddresses: true,
			DisableCapacities:       true,
		}
		printer.Fprintf(h, "%#v", payload)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

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

// Command refidx is a command-line interface for building and using
// chunk-reference indexes of scientific data files.
package main

import (
	"fmt"
	"os"

	"github.com/spatialmodel/refidx/refidxutil"
)

func main() {
	if err := refidxutil.Root.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(-1)
	}
}

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

package refidxutil

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spatialmodel/refidx"
	"github.com/spatialmodel/refidx/remote"
	"github.com/spatialmodel/refidx/view"
)

// Info prints a summary of the reference index in the given file.
func Info(w io.Writer, file string) error {
	ctx := context.Background()
	client := remote.NewClient()
	ix, err := loadIndex(ctx, client, file)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s (version %d)\n", file, ix.Version)
	printAttrs(w, "", ix.Attrs)

	names := make([]string, 0, len(ix.Variables))
	for name := range ix.Variables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := ix.Variables[name]
		dims := make([]string, len(v.Dims))
		for i, d := range v.Dims {
			dims[i] = fmt.Sprintf("%s=%d", d, v.Shape[i])
		}
		fmt.Fprintf(w, "variable %s %s (%s)\n", name, v.DType, strings.Join(dims, ", "))
		var stored, inline int
		for i, n := 0, v.NumChunks(); i < n; i++ {
			if ref, ok := ix.Ref(name, chunkIndex(v, i)); ok {
				stored++
				if ref.IsInline() {
					inline++
				}
			}
		}
		fmt.Fprintf(w, "  chunks %v: %d of %d referenced, %d inline\n",
			v.Chunks, stored, v.NumChunks(), inline)
		if v.Codec.ID != "" {
			fmt.Fprintf(w, "  codec %s\n", v.Codec.ID)
		}
		if v.FillValue != nil {
			fmt.Fprintf(w, "  fill value %v\n", v.FillValue)
		}
		if v.ScaleFactor != 0 || v.AddOffset != 0 {
			fmt.Fprintf(w, "  scale %v offset %v\n", v.ScaleFactor, v.AddOffset)
		}
		printAttrs(w, "  ", v.Attrs)
	}
	return nil
}

// chunkIndex converts a flat chunk number to a grid index against the
// variable's chunk grid.
func chunkIndex(v *refidx.VariableSchema, n int) []int {
	grid := v.GridShape()
	idx := make([]int, len(grid))
	for i := len(grid) - 1; i >= 0; i-- {
		idx[i] = n % grid[i]
		n /= grid[i]
	}
	return idx
}

func printAttrs(w io.Writer, indent string, attrs map[string]interface{}) {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%sattribute %s = %v\n", indent, name, attrs[name])
	}
}

// ReadVar reads a slab of the named variable through the index in the
// given file and prints the values row by row.
func ReadVar(w io.Writer, file, variable string, begin, end []int, workers int, cacheDir string, retrySeconds int) error {
	if variable == "" {
		return fmt.Errorf("refidx: read requires the variable option")
	}
	ctx := context.Background()
	client := remote.NewClient()
	client.MaxRetryTime = time.Duration(retrySeconds) * time.Second
	ix, err := loadIndex(ctx, client, file)
	if err != nil {
		return err
	}
	d, err := view.Open(ix, &view.Options{
		Client:       client,
		Workers:      workers,
		DiskCacheDir: cacheDir,
	})
	if err != nil {
		return err
	}
	v, err := d.Var(variable)
	if err != nil {
		return err
	}
	if len(begin) == 0 && len(end) == 0 {
		begin = make([]int, len(v.Shape()))
		end = v.Shape()
	}
	arr, err := v.ReadSlab(ctx, begin, end)
	if err != nil {
		return err
	}

	// Print one row of the trailing dimension per line.
	rowLen := 1
	if len(arr.Shape) > 0 {
		rowLen = arr.Shape[len(arr.Shape)-1]
	}
	for i, val := range arr.Elements {
		if i%rowLen == rowLen-1 {
			fmt.Fprintf(w, "%g\n", val)
		} else {
			fmt.Fprintf(w, "%g ", val)
		}
	}
	return nil
}

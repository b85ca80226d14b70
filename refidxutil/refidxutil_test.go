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
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"

	"github.com/ctessum/cdf"

	"github.com/spatialmodel/refidx"
	"github.com/spatialmodel/refidx/remote"
)

func TestDetectFormat(t *testing.T) {
	cases := []struct {
		uri, format string
	}{
		{"a.nc", "netcdf"},
		{"s3://bucket/path/b.TIF", "geotiff"},
		{"c.tiff", "geotiff"},
		{"gfs_20260115T06.grib2", "grib"},
		{"d.grb", "grib"},
	}
	for _, c := range cases {
		format, err := detectFormat(c.uri)
		if err != nil {
			t.Fatal(err)
		}
		if format != c.format {
			t.Errorf("%s: %s != %s", c.uri, format, c.format)
		}
	}
	if _, err := detectFormat("a.csv"); err == nil {
		t.Error("expected an error for an unknown extension")
	}
}

func TestParseCoordRules(t *testing.T) {
	coords, err := parseCoordRules(map[string]string{
		"level": "attr:height",
		"time":  `filename:gfs_(\d{8}T\d{2})|20060102T15`,
	})
	if err != nil {
		t.Fatal(err)
	}

	ix := refidx.New()
	ix.SetAttr("height", 850.0)
	v, err := coords["level"].Value(0, "a.nc", ix)
	if err != nil {
		t.Fatal(err)
	}
	if v != 850 {
		t.Errorf("attr rule: %g != 850", v)
	}

	v, err = coords["time"].Value(0, "gfs_20260115T06.grib2", nil)
	if err != nil {
		t.Fatal(err)
	}
	if v != 1768456800 { // 2026-01-15T06:00:00Z
		t.Errorf("filename rule: %g != 1768456800", v)
	}

	if _, err := parseCoordRules(map[string]string{"time": "nope"}); err == nil {
		t.Error("expected an error for a rule with no type")
	}
	if _, err := parseCoordRules(map[string]string{"time": "middle:out"}); err == nil {
		t.Error("expected an error for an unknown rule type")
	}
}

func TestGetIntSlice(t *testing.T) {
	Cfg.Set("grib_levels", "[2,10]")
	if got := getIntSlice("grib_levels", Cfg); !reflect.DeepEqual(got, []int{2, 10}) {
		t.Errorf("%v != [2 10]", got)
	}
	Cfg.Set("grib_levels", "[]")
	if got := getIntSlice("grib_levels", Cfg); got != nil {
		t.Errorf("%v != nil", got)
	}
	Cfg.Set("grib_levels", []int{3})
	if got := getIntSlice("grib_levels", Cfg); !reflect.DeepEqual(got, []int{3}) {
		t.Errorf("%v != [3]", got)
	}
}

// writeNetCDF creates a small classic-format file with an 'hour'
// attribute for coordinate derivation.
func writeNetCDF(t *testing.T, path string, hour float64, offset float32) []float32 {
	h := cdf.NewHeader([]string{"y", "x"}, []int{4, 5})
	h.AddVariable("data", []string{"y", "x"}, []float32{0})
	h.AddAttribute("", "hour", []float64{hour})
	h.Define()

	ff, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer ff.Close()
	f, err := cdf.Create(ff, h)
	if err != nil {
		t.Fatal(err)
	}
	data := make([]float32, 4*5)
	for i := range data {
		data[i] = float32(i) + offset
	}
	if _, err := f.Writer("data", nil, nil).Write(data); err != nil && err != io.EOF {
		t.Fatal(err)
	}
	return data
}

func TestExtractCommand(t *testing.T) {
	dir, err := ioutil.TempDir("", "refidxutil")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "a.nc")
	data := writeNetCDF(t, path, 0, 0)

	ixPath := filepath.Join(dir, "a.refidx.json")
	Cfg.Set("output", ixPath)
	Root.SetArgs([]string{"extract", path})
	if err := Root.Execute(); err != nil {
		t.Fatal(err)
	}

	ix, err := loadIndex(context.Background(), remote.NewClient(), ixPath)
	if err != nil {
		t.Fatal(err)
	}
	v, ok := ix.Variables["data"]
	if !ok {
		t.Fatal("missing variable data")
	}
	if !reflect.DeepEqual(v.Shape, []int{4, 5}) {
		t.Errorf("shape %v != [4 5]", v.Shape)
	}

	var info bytes.Buffer
	if err := Info(&info, ixPath); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(info.String(), "variable data >f4 (y=4, x=5)") {
		t.Errorf("unexpected info output:\n%s", info.String())
	}

	var out bytes.Buffer
	if err := ReadVar(&out, ixPath, "data", nil, nil, 1, "", 30); err != nil {
		t.Fatal(err)
	}
	got := parseFloats(t, out.String())
	if len(got) != len(data) {
		t.Fatalf("read %d values, want %d", len(got), len(data))
	}
	for i, val := range data {
		if got[i] != float64(val) {
			t.Errorf("value %d: %g != %g", i, got[i], val)
		}
	}
}

func TestCombineCommand(t *testing.T) {
	dir, err := ioutil.TempDir("", "refidxutil")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	var ixPaths []string
	for i, hour := range []float64{0, 6} {
		path := filepath.Join(dir, "step"+strconv.Itoa(i)+".nc")
		writeNetCDF(t, path, hour, float32(i)*100)
		ixPath := path + ".refidx.json"
		if err := Extract([]string{path}, "netcdf", ixPath, 0, nil, 30); err != nil {
			t.Fatal(err)
		}
		ixPaths = append(ixPaths, ixPath)
	}

	mergedPath := filepath.Join(dir, "merged.refidx.json")
	err = CombineFiles(ixPaths, []string{"time"}, nil, nil,
		map[string]string{"time": "attr:hour"}, mergedPath)
	if err != nil {
		t.Fatal(err)
	}

	merged, err := loadIndex(context.Background(), remote.NewClient(), mergedPath)
	if err != nil {
		t.Fatal(err)
	}
	v, ok := merged.Variables["data"]
	if !ok {
		t.Fatal("missing variable data")
	}
	if !reflect.DeepEqual(v.Shape, []int{2, 4, 5}) {
		t.Errorf("shape %v != [2 4 5]", v.Shape)
	}

	var out bytes.Buffer
	if err := ReadVar(&out, mergedPath, "time", nil, nil, 1, "", 30); err != nil {
		t.Fatal(err)
	}
	if got := parseFloats(t, out.String()); !reflect.DeepEqual(got, []float64{0, 6}) {
		t.Errorf("time coordinate %v != [0 6]", got)
	}

	out.Reset()
	if err := ReadVar(&out, mergedPath, "data", []int{1, 0, 0}, []int{2, 1, 5}, 1, "", 30); err != nil {
		t.Fatal(err)
	}
	want := []float64{100, 101, 102, 103, 104}
	if got := parseFloats(t, out.String()); !reflect.DeepEqual(got, want) {
		t.Errorf("slab %v != %v", got, want)
	}
}

func parseFloats(t *testing.T, s string) []float64 {
	var o []float64
	for _, field := range strings.Fields(s) {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			t.Fatal(err)
		}
		o = append(o, v)
	}
	return o
}

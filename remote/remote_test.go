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

package remote

import (
	"bytes"
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spatialmodel/refidx"
)

func testFile(t *testing.T) (dir, path string, contents []byte) {
	dir, err := ioutil.TempDir("", "refidx_remote")
	if err != nil {
		t.Fatal(err)
	}
	contents = make([]byte, 256)
	for i := range contents {
		contents[i] = byte(i)
	}
	path = filepath.Join(dir, "data.bin")
	if err := ioutil.WriteFile(path, contents, 0644); err != nil {
		t.Fatal(err)
	}
	return dir, path, contents
}

func TestReadRangeLocal(t *testing.T) {
	dir, path, contents := testFile(t)
	defer os.RemoveAll(dir)
	c := NewClient()
	ctx := context.Background()

	b, err := c.ReadRange(ctx, path, 10, 16)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, contents[10:26]) {
		t.Errorf("got % x, want % x", b, contents[10:26])
	}

	n, err := c.Size(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 256 {
		t.Errorf("size = %d, want 256", n)
	}
}

func TestReadRangeFileBlob(t *testing.T) {
	dir, _, contents := testFile(t)
	defer os.RemoveAll(dir)
	c := NewClient()
	ctx := context.Background()

	uri := "file://" + dir + "/data.bin"
	b, err := c.ReadRange(ctx, uri, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, contents[:4]) {
		t.Errorf("got % x, want % x", b, contents[:4])
	}
}

func TestReadRangeHTTP(t *testing.T) {
	dir, _, contents := testFile(t)
	defer os.RemoveAll(dir)
	srv := httptest.NewServer(http.FileServer(http.Dir(dir)))
	defer srv.Close()
	c := NewClient()
	ctx := context.Background()

	uri := srv.URL + "/data.bin"
	b, err := c.ReadRange(ctx, uri, 100, 8)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, contents[100:108]) {
		t.Errorf("got % x, want % x", b, contents[100:108])
	}

	n, err := c.Size(ctx, uri)
	if err != nil {
		t.Fatal(err)
	}
	if n != 256 {
		t.Errorf("size = %d, want 256", n)
	}
}

func TestReadRangeMissingFile(t *testing.T) {
	c := NewClient()
	c.MaxRetryTime = 10 * time.Millisecond
	c.Quiet = true
	_, err := c.ReadRange(context.Background(), "/nonexistent/file.bin", 0, 10)
	if err == nil {
		t.Fatal("expected an error")
	}
	if _, ok := err.(*refidx.AccessError); !ok {
		t.Errorf("expected *refidx.AccessError, got %T", err)
	}
}

func TestHTTPNotFoundIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	c := NewClient()
	c.MaxRetryTime = 5 * time.Second
	c.Quiet = true
	start := time.Now()
	_, err := c.ReadRange(context.Background(), srv.URL+"/missing", 0, 10)
	if err == nil {
		t.Fatal("expected an error")
	}
	// A 404 is not retryable, so the call should fail well before the
	// retry budget is used up.
	if time.Since(start) > 2*time.Second {
		t.Error("a permanent failure should not be retried")
	}
}

func TestReaderAt(t *testing.T) {
	dir, path, contents := testFile(t)
	defer os.RemoveAll(dir)
	c := NewClient()

	r, err := c.ReaderAt(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if r.Size() != 256 {
		t.Errorf("size = %d", r.Size())
	}
	b := make([]byte, 8)
	if _, err := r.ReadAt(b, 64); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, contents[64:72]) {
		t.Errorf("got % x, want % x", b, contents[64:72])
	}

	// Sequential reads through the same handle.
	if _, err := r.Seek(250, 0); err != nil {
		t.Fatal(err)
	}
	n, _ := r.Read(b)
	if n != 6 || !bytes.Equal(b[:6], contents[250:]) {
		t.Errorf("short read at end: n=%d b=% x", n, b[:n])
	}
}

func TestPutLocal(t *testing.T) {
	dir, err := ioutil.TempDir("", "refidx_remote")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	c := NewClient()
	path := filepath.Join(dir, "out.json")
	if err := c.Put(context.Background(), path, []byte(`{"version":1}`)); err != nil {
		t.Fatal(err)
	}
	b, err := ioutil.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"version":1}` {
		t.Errorf("got %s", b)
	}
}

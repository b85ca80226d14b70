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

package extract

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/spatialmodel/refidx"
)

// fakeExtractor produces one empty index per file and fails for URIs
// containing "bad".
type fakeExtractor struct{}

func (fakeExtractor) Extract(ctx context.Context, uri string, opts *Options) ([]*refidx.ReferenceIndex, error) {
	if strings.Contains(uri, "bad") {
		return nil, &refidx.FormatError{URI: uri, Err: fmt.Errorf("broken")}
	}
	ix := refidx.New()
	ix.Attrs["source"] = uri
	return []*refidx.ReferenceIndex{ix}, nil
}

func TestAll(t *testing.T) {
	uris := []string{"a.nc", "b.nc", "bad.nc", "c.nc", "d.nc"}
	results := All(context.Background(), fakeExtractor{}, uris, nil, 3)
	if len(results) != len(uris) {
		t.Fatalf("got %d results, want %d", len(results), len(uris))
	}
	for i, r := range results {
		if r.URI != uris[i] {
			t.Errorf("result %d: got URI %q, want %q", i, r.URI, uris[i])
		}
		if uris[i] == "bad.nc" {
			if _, ok := r.Err.(*refidx.FormatError); !ok {
				t.Errorf("result %d: got error %v (%T), want *refidx.FormatError", i, r.Err, r.Err)
			}
			continue
		}
		if r.Err != nil {
			t.Errorf("result %d: unexpected error %v", i, r.Err)
		}
		if len(r.Indexes) != 1 || r.Indexes[0].Attrs["source"] != uris[i] {
			t.Errorf("result %d: unexpected indexes %v", i, r.Indexes)
		}
	}
}

func TestOptionsDefaults(t *testing.T) {
	var o *Options
	if got := o.Threshold(); got != DefaultInlineThreshold {
		t.Errorf("nil options threshold: got %d, want %d", got, DefaultInlineThreshold)
	}
	if !o.Keep(Message{}) {
		t.Error("nil options should keep every message")
	}
	if o.RemoteClient() == nil {
		t.Error("nil options should yield a default client")
	}

	o = &Options{InlineThreshold: -1}
	if got := o.Threshold(); got != 0 {
		t.Errorf("negative threshold: got %d, want 0", got)
	}
	o = &Options{InlineThreshold: 64}
	if got := o.Threshold(); got != 64 {
		t.Errorf("explicit threshold: got %d, want 64", got)
	}
}

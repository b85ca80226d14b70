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
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spatialmodel/refidx"
	"github.com/spatialmodel/refidx/remote"
	"github.com/spatialmodel/refidx/view"
)

// Server serves a reference-indexed dataset over HTTP. The index
// document is available at /index.json, variable metadata at /vars,
// and decoded chunk data at /chunk/{variable}/{i.j.k}.
type Server struct {
	ix *refidx.ReferenceIndex
	d  *view.Dataset

	// Log specifies the logger to use.
	Log logrus.FieldLogger
}

// NewServer creates a server for the given index.
func NewServer(ix *refidx.ReferenceIndex, o *view.Options) (*Server, error) {
	d, err := view.Open(ix, o)
	if err != nil {
		return nil, err
	}
	return &Server{
		ix:  ix,
		d:   d,
		Log: logrus.StandardLogger(),
	}, nil
}

// Serve loads the reference index in the given file and serves the
// dataset it describes on addr until the listener fails.
func Serve(file, addr string, workers int, cacheDir string, retrySeconds int) error {
	ctx := context.Background()
	client := remote.NewClient()
	client.MaxRetryTime = time.Duration(retrySeconds) * time.Second
	ix, err := loadIndex(ctx, client, file)
	if err != nil {
		return err
	}
	s, err := NewServer(ix, &view.Options{
		Client:       client,
		Workers:      workers,
		DiskCacheDir: cacheDir,
	})
	if err != nil {
		return err
	}
	s.Log.WithFields(logrus.Fields{
		"addr":  addr,
		"index": file,
	}).Info("refidx serving dataset")
	return http.ListenAndServe(addr, s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Log.WithFields(logrus.Fields{
		"url":  r.URL.String(),
		"addr": r.RemoteAddr,
	}).Info("refidx serve request")
	switch {
	case r.URL.Path == "/index.json":
		s.serveIndex(w, r)
	case r.URL.Path == "/vars":
		s.serveVars(w, r)
	case strings.HasPrefix(r.URL.Path, "/chunk/"):
		s.serveChunk(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.ix.Write(w); err != nil {
		s.logError(r, err)
	}
}

// varInfo is the variable metadata served at /vars.
type varInfo struct {
	Name   string                 `json:"name"`
	Dims   []string               `json:"dims"`
	Shape  []int                  `json:"shape"`
	Chunks []int                  `json:"chunks"`
	DType  string                 `json:"dtype"`
	Attrs  map[string]interface{} `json:"attrs,omitempty"`
}

func (s *Server) serveVars(w http.ResponseWriter, r *http.Request) {
	infos := make([]varInfo, 0, len(s.ix.Variables))
	for _, name := range s.d.Variables() {
		v := s.ix.Variables[name]
		infos = append(infos, varInfo{
			Name:   name,
			Dims:   v.Dims,
			Shape:  v.Shape,
			Chunks: v.Chunks,
			DType:  v.DType.String(),
			Attrs:  v.Attrs,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	w.Header().Set("Content-Type", "application/json")
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	if err := e.Encode(infos); err != nil {
		s.logError(r, err)
	}
}

// chunkData is the decoded chunk representation served at /chunk/.
type chunkData struct {
	Variable string    `json:"variable"`
	Index    []int     `json:"index"`
	Shape    []int     `json:"shape"`
	Values   []float64 `json:"values"`
}

func (s *Server) serveChunk(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/chunk/")
	name, idx, err := refidx.ParseChunkKey(key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	v, err := s.d.Var(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	arr, err := v.ReadChunk(r.Context(), idx)
	if err != nil {
		s.logError(r, err)
		status := http.StatusInternalServerError
		switch err.(type) {
		case *refidx.DecodeError:
			status = http.StatusUnprocessableEntity
		case *refidx.ChunkFetchError:
			status = http.StatusBadGateway
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	e := json.NewEncoder(w)
	if err := e.Encode(chunkData{
		Variable: name,
		Index:    idx,
		Shape:    arr.Shape,
		Values:   arr.Elements,
	}); err != nil {
		s.logError(r, err)
	}
}

func (s *Server) logError(r *http.Request, err error) {
	s.Log.WithFields(logrus.Fields{
		"url":   r.URL.String(),
		"addr":  r.RemoteAddr,
		"error": fmt.Sprint(err),
	}).Error("refidx serve request failed")
}

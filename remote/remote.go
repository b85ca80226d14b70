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

// Package remote provides byte-range access to source files addressed
// by URI, over the local filesystem, HTTP(S), and "file://", "gs://",
// and "s3://" blob storage.
package remote

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/cenkalti/backoff"
	"github.com/google/go-cloud/blob"
	"github.com/google/go-cloud/blob/fileblob"
	"github.com/google/go-cloud/blob/gcsblob"
	"github.com/google/go-cloud/blob/s3blob"
	"github.com/google/go-cloud/gcp"

	"github.com/spatialmodel/refidx"
)

// Client fetches byte ranges from local or remote files. The zero
// Client is not usable; create one with NewClient. A Client is safe for
// concurrent use: concurrent fetches share no mutable state beyond the
// bucket handle cache.
type Client struct {
	// MaxRetryTime bounds the total time spent retrying a failed fetch;
	// retries use exponential backoff. If zero, DefaultMaxRetryTime is
	// used.
	MaxRetryTime time.Duration

	// HTTPClient is used for http:// and https:// URIs. If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client

	// Quiet suppresses retry logging.
	Quiet bool

	mu      sync.Mutex
	buckets map[string]*blob.Bucket
}

// DefaultMaxRetryTime is the default bound on the total time spent
// retrying a failed fetch.
const DefaultMaxRetryTime = 30 * time.Second

// NewClient creates a new remote-access client.
func NewClient() *Client {
	return &Client{buckets: make(map[string]*blob.Bucket)}
}

// IsBlob returns whether the given path represents a blob
// (i.e., if it starts with "gs://", "s3://", or "file://").
func IsBlob(path string) bool {
	return strings.HasPrefix(path, "gs://") || strings.HasPrefix(path, "s3://") || strings.HasPrefix(path, "file://")
}

func isHTTP(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

// OpenBucket returns the blob storage bucket specified by bucketName,
// where bucketName must be in the format 'provider://name' where
// provider is the name of the storage provider and name is the name of
// the bucket. The currently accepted storage providers are "file" for
// the local filesystem (e.g., for testing), "gs" for Google Cloud
// Storage, and "s3" for AWS S3.
func OpenBucket(ctx context.Context, bucketName string) (*blob.Bucket, error) {
	u, err := url.Parse(bucketName)
	if err != nil {
		return nil, fmt.Errorf("remote.OpenBucket: %v", err)
	}
	switch u.Scheme {
	case "file":
		return fileblob.NewBucket(u.Hostname())
	case "gs":
		return gsBucket(ctx, u.Hostname())
	case "s3":
		return s3Bucket(ctx, u.Hostname())
	default:
		return nil, fmt.Errorf("remote.OpenBucket: invalid provider %s", u.Scheme)
	}
}

func gsBucket(ctx context.Context, name string) (*blob.Bucket, error) {
	// See here for information on credentials:
	// https://cloud.google.com/docs/authentication/getting-started
	creds, err := gcp.DefaultCredentials(ctx)
	if err != nil {
		return nil, err
	}
	c, err := gcp.NewHTTPClient(gcp.DefaultTransport(), gcp.CredentialsTokenSource(creds))
	if err != nil {
		return nil, err
	}
	return gcsblob.OpenBucket(ctx, name, c)
}

// s3Bucket opens an s3 storage bucket. It assumes the following
// environment variables are set: AWS_REGION, AWS_ACCESS_KEY_ID, and
// AWS_SECRET_ACCESS_KEY.
func s3Bucket(ctx context.Context, name string) (*blob.Bucket, error) {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-2"
	}
	c := &aws.Config{
		Region:      aws.String(region),
		Credentials: credentials.NewEnvCredentials(),
	}
	s := session.Must(session.NewSession(c))
	return s3blob.OpenBucket(ctx, s, name)
}

// resolve returns the bucket holding the blob addressed by uri,
// along with the blob's key within the bucket. For "file://" URIs the
// bucket is rooted at the directory containing the file, since file
// buckets are directory-rooted.
func (c *Client) resolve(ctx context.Context, uri string) (*blob.Bucket, string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, "", err
	}
	if u.Scheme == "file" {
		full := filepath.Join("/", u.Host, u.Path)
		dir, key := filepath.Split(full)
		b, err := c.bucketFor("file:"+dir, func() (*blob.Bucket, error) {
			return fileblob.NewBucket(dir)
		})
		return b, key, err
	}
	b, err := c.bucketFor(u.Scheme+"://"+u.Host, func() (*blob.Bucket, error) {
		return OpenBucket(ctx, u.Scheme+"://"+u.Host)
	})
	return b, strings.TrimPrefix(u.Path, "/"), err
}

func (c *Client) bucketFor(name string, open func() (*blob.Bucket, error)) (*blob.Bucket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.buckets[name]; ok {
		return b, nil
	}
	b, err := open()
	if err != nil {
		return nil, err
	}
	c.buckets[name] = b
	return b, nil
}

// ReadRange fetches length bytes starting at offset from the file
// addressed by uri, retrying transient failures with exponential
// backoff. Failures are reported as *refidx.AccessError.
func (c *Client) ReadRange(ctx context.Context, uri string, offset, length int64) ([]byte, error) {
	var b []byte
	op := func() error {
		var err error
		b, err = c.readRangeOnce(ctx, uri, offset, length)
		return err
	}
	if err := c.retry(uri, op); err != nil {
		return nil, &refidx.AccessError{URI: uri, Err: err}
	}
	return b, nil
}

// Size returns the byte extent of the file addressed by uri.
func (c *Client) Size(ctx context.Context, uri string) (int64, error) {
	var n int64
	op := func() error {
		var err error
		n, err = c.sizeOnce(ctx, uri)
		return err
	}
	if err := c.retry(uri, op); err != nil {
		return 0, &refidx.AccessError{URI: uri, Err: err}
	}
	return n, nil
}

// ReadAll fetches the entire file addressed by uri.
func (c *Client) ReadAll(ctx context.Context, uri string) ([]byte, error) {
	n, err := c.Size(ctx, uri)
	if err != nil {
		return nil, err
	}
	return c.ReadRange(ctx, uri, 0, n)
}

// Put writes data to the location addressed by uri, which must be a
// local path or a blob URI. It is used to persist reference documents.
func (c *Client) Put(ctx context.Context, uri string, data []byte) error {
	if IsBlob(uri) {
		bucket, key, err := c.resolve(ctx, uri)
		if err != nil {
			return &refidx.AccessError{URI: uri, Err: err}
		}
		w, err := bucket.NewWriter(ctx, key, &blob.WriterOptions{})
		if err != nil {
			return &refidx.AccessError{URI: uri, Err: err}
		}
		if _, err := w.Write(data); err != nil {
			w.Close()
			return &refidx.AccessError{URI: uri, Err: err}
		}
		if err := w.Close(); err != nil {
			return &refidx.AccessError{URI: uri, Err: err}
		}
		return nil
	}
	if err := ioutil.WriteFile(uri, data, 0644); err != nil {
		return &refidx.AccessError{URI: uri, Err: err}
	}
	return nil
}

func (c *Client) retry(uri string, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.MaxRetryTime
	if bo.MaxElapsedTime == 0 {
		bo.MaxElapsedTime = DefaultMaxRetryTime
	}
	notify := func(err error, d time.Duration) {
		if !c.Quiet {
			log.Printf("remote: %s: %v: retrying in %v", uri, err, d)
		}
	}
	return backoff.RetryNotify(op, bo, notify)
}

func (c *Client) readRangeOnce(ctx context.Context, uri string, offset, length int64) ([]byte, error) {
	switch {
	case isHTTP(uri):
		return c.readRangeHTTP(ctx, uri, offset, length)
	case IsBlob(uri):
		bucket, key, err := c.resolve(ctx, uri)
		if err != nil {
			return nil, err
		}
		r, err := bucket.NewRangeReader(ctx, key, offset, length)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		b := make([]byte, length)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
		return b, nil
	default: // Local path.
		f, err := os.Open(uri)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		b := make([]byte, length)
		if _, err := f.ReadAt(b, offset); err != nil {
			return nil, err
		}
		return b, nil
	}
}

func (c *Client) readRangeHTTP(ctx context.Context, uri string, offset, length int64) ([]byte, error) {
	req, err := http.NewRequest("GET", uri, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("ranged GET returned status %s", resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		// The server ignored the Range header.
		if offset+length > int64(len(body)) {
			return nil, backoff.Permanent(fmt.Errorf("range %d+%d beyond file size %d", offset, length, len(body)))
		}
		body = body[offset : offset+length]
	}
	if int64(len(body)) != length {
		return nil, fmt.Errorf("ranged GET returned %d bytes, want %d", len(body), length)
	}
	return body, nil
}

func (c *Client) sizeOnce(ctx context.Context, uri string) (int64, error) {
	switch {
	case isHTTP(uri):
		req, err := http.NewRequest("HEAD", uri, nil)
		if err != nil {
			return 0, backoff.Permanent(err)
		}
		req = req.WithContext(ctx)
		client := c.HTTPClient
		if client == nil {
			client = http.DefaultClient
		}
		resp, err := client.Do(req)
		if err != nil {
			return 0, err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return 0, fmt.Errorf("HEAD returned status %s", resp.Status)
		}
		if resp.ContentLength < 0 {
			return 0, backoff.Permanent(fmt.Errorf("HEAD returned no content length"))
		}
		return resp.ContentLength, nil
	case IsBlob(uri):
		bucket, key, err := c.resolve(ctx, uri)
		if err != nil {
			return 0, err
		}
		r, err := bucket.NewRangeReader(ctx, key, 0, 0)
		if err != nil {
			return 0, err
		}
		defer r.Close()
		return r.Size(), nil
	default:
		fi, err := os.Stat(uri)
		if err != nil {
			return 0, err
		}
		return fi.Size(), nil
	}
}

// ReaderAt adapts the file addressed by uri to an io.ReaderAt for use
// by header parsers. Each ReadAt call performs one ranged fetch.
func (c *Client) ReaderAt(ctx context.Context, uri string) (*Reader, error) {
	size, err := c.Size(ctx, uri)
	if err != nil {
		return nil, err
	}
	return &Reader{ctx: ctx, c: c, uri: uri, size: size}, nil
}

// Reader is a byte-range-readable handle on one file. It implements
// io.ReaderAt and io.ReadSeeker.
type Reader struct {
	ctx  context.Context
	c    *Client
	uri  string
	size int64
	pos  int64
}

// Size returns the byte extent of the underlying file.
func (r *Reader) Size() int64 { return r.size }

// URI returns the address of the underlying file.
func (r *Reader) URI() string { return r.uri }

func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.size {
		return 0, io.EOF
	}
	n := int64(len(p))
	short := false
	if off+n > r.size {
		n = r.size - off
		short = true
	}
	b, err := r.c.ReadRange(r.ctx, r.uri, off, n)
	if err != nil {
		return 0, err
	}
	copy(p, b)
	if short {
		return int(n), io.EOF
	}
	return int(n), nil
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.ReadAt(p, r.pos)
	r.pos += int64(n)
	return n, err
}

func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		r.pos = offset
	case io.SeekCurrent:
		r.pos += offset
	case io.SeekEnd:
		r.pos = r.size + offset
	default:
		return 0, fmt.Errorf("remote: invalid seek whence %d", whence)
	}
	if r.pos < 0 {
		return 0, fmt.Errorf("remote: negative seek position")
	}
	return r.pos, nil
}

// Package memcache is the reference in-memory cache backend for §6.2's
// Cache contract (self.caches). Entries are keyed by a blake2b digest of
// the request's method and URL and stored gzip-compressed; Put additionally
// offers a brotli-compressed variant selected by the stored entry's
// original Content-Encoding, mirroring how a production cache backend would
// pick a codec per response rather than applying one uniformly.
//
// Grounded on the teacher's go.mod, which already carries
// github.com/klauspost/compress, github.com/andybalholm/brotli, and
// golang.org/x/crypto as indirect dependencies (pulled in transitively by
// its HTTP/TLS stack) without ever exercising them directly in application
// code — this backend gives them an actual call site.
package memcache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/crypto/blake2b"

	"github.com/shovelrun/shovel/internal/event"
	"github.com/shovelrun/shovel/internal/globalscope"
	"github.com/shovelrun/shovel/internal/reify"
)

type entry struct {
	status     int
	statusText string
	header     http.Header
	body       []byte // compressed
	encoding   string // "gzip" or "br"
}

// Cache is an in-memory globalscope.Cache keyed by request identity.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New constructs an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[string]entry)}
}

// cacheKey hashes method+URL with blake2b-256 into a stable, fixed-width
// key regardless of URL length.
func cacheKey(req *http.Request) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("memcache: new hash: %w", err)
	}
	fmt.Fprintf(h, "%s\n%s", req.Method, req.URL.String())
	return string(h.Sum(nil)), nil
}

// Match returns the cached response for req, decompressing it to its
// original form, or (nil, false, nil) on a miss.
func (c *Cache) Match(ctx context.Context, req *http.Request) (*event.Response, bool, error) {
	key, err := cacheKey(req)
	if err != nil {
		return nil, false, err
	}

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	body, err := decompress(e.encoding, e.body)
	if err != nil {
		return nil, false, err
	}
	return &event.Response{
		Status:     e.status,
		StatusText: e.statusText,
		Header:     e.header.Clone(),
		Body:       body,
	}, true, nil
}

// Put stores resp for req, compressing its body with brotli if the
// response already declares a brotli Content-Encoding, gzip otherwise.
func (c *Cache) Put(ctx context.Context, req *http.Request, resp *event.Response) error {
	key, err := cacheKey(req)
	if err != nil {
		return err
	}

	encoding := "gzip"
	if resp.Header != nil && strings.Contains(resp.Header.Get("Content-Encoding"), "br") {
		encoding = "br"
	}
	compressed, err := compress(encoding, resp.Body)
	if err != nil {
		return err
	}

	header := resp.Header
	if header == nil {
		header = make(http.Header)
	}

	c.mu.Lock()
	c.entries[key] = entry{
		status:     resp.Status,
		statusText: resp.StatusText,
		header:     header.Clone(),
		body:       compressed,
		encoding:   encoding,
	}
	c.mu.Unlock()
	return nil
}

// Delete removes the cached entry for req, reporting whether one existed.
func (c *Cache) Delete(ctx context.Context, req *http.Request) (bool, error) {
	key, err := cacheKey(req)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	_, existed := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	return existed, nil
}

// Keys is unsupported for this backend: the cache key is a one-way digest
// of the original request, so no original *http.Request can be recovered
// from it. Callers needing enumeration should use a backend that retains
// the original request alongside its digest.
func (c *Cache) Keys(ctx context.Context) ([]*http.Request, error) {
	return nil, fmt.Errorf("memcache: keys: not supported (cache key is a one-way digest)")
}

func compress(encoding string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	switch encoding {
	case "br":
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("memcache: brotli compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("memcache: brotli compress: %w", err)
		}
	default:
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("memcache: gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("memcache: gzip compress: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func decompress(encoding string, data []byte) ([]byte, error) {
	switch encoding {
	case "br":
		out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("memcache: brotli decompress: %w", err)
		}
		return out, nil
	default:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("memcache: gzip decompress: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("memcache: gzip decompress: %w", err)
		}
		return out, nil
	}
}

// Register adds this backend's constructor to reg under module name
// "memcache". Every resolved name gets its own independent cache.
func Register(reg *reify.Registry[globalscope.Cache]) {
	reg.Register("memcache", "", func(opts map[string]any) (globalscope.Cache, error) {
		return New(), nil
	})
}

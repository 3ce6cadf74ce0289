package memcache

import (
	"bytes"
	"context"
	"net/http"
	"testing"

	"github.com/shovelrun/shovel/internal/event"
)

func TestPutThenMatchRoundTrips(t *testing.T) {
	c := New()
	ctx := context.Background()
	req, _ := http.NewRequest(http.MethodGet, "http://local/widgets", nil)

	resp := &event.Response{Status: 200, StatusText: "OK", Body: []byte("hello world")}
	if err := c.Put(ctx, req, resp); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := c.Match(ctx, req)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit")
	}
	if !bytes.Equal(got.Body, resp.Body) {
		t.Fatalf("unexpected body: %q", got.Body)
	}
}

func TestMatchMissReturnsFalse(t *testing.T) {
	c := New()
	req, _ := http.NewRequest(http.MethodGet, "http://local/missing", nil)
	_, ok, err := c.Match(context.Background(), req)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if ok {
		t.Fatal("expected cache miss")
	}
}

func TestDeleteReportsExistence(t *testing.T) {
	c := New()
	ctx := context.Background()
	req, _ := http.NewRequest(http.MethodGet, "http://local/widgets", nil)
	c.Put(ctx, req, &event.Response{Status: 200, Body: []byte("x")})

	existed, err := c.Delete(ctx, req)
	if err != nil || !existed {
		t.Fatalf("expected delete to report existence, got existed=%v err=%v", existed, err)
	}
	existed, err = c.Delete(ctx, req)
	if err != nil || existed {
		t.Fatalf("expected second delete to report absence, got existed=%v err=%v", existed, err)
	}
}

func TestBrotliEncodedResponseRoundTrips(t *testing.T) {
	c := New()
	ctx := context.Background()
	req, _ := http.NewRequest(http.MethodGet, "http://local/brotli", nil)

	header := make(http.Header)
	header.Set("Content-Encoding", "br")
	resp := &event.Response{Status: 200, Header: header, Body: []byte("brotli payload")}
	if err := c.Put(ctx, req, resp); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := c.Match(ctx, req)
	if err != nil || !ok {
		t.Fatalf("match: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got.Body, resp.Body) {
		t.Fatalf("unexpected body: %q", got.Body)
	}
}

func TestDistinctRequestsDoNotCollide(t *testing.T) {
	c := New()
	ctx := context.Background()
	reqA, _ := http.NewRequest(http.MethodGet, "http://local/a", nil)
	reqB, _ := http.NewRequest(http.MethodGet, "http://local/b", nil)
	c.Put(ctx, reqA, &event.Response{Status: 200, Body: []byte("a")})
	c.Put(ctx, reqB, &event.Response{Status: 200, Body: []byte("b")})

	gotA, _, _ := c.Match(ctx, reqA)
	gotB, _, _ := c.Match(ctx, reqB)
	if string(gotA.Body) != "a" || string(gotB.Body) != "b" {
		t.Fatalf("cross-contaminated entries: a=%q b=%q", gotA.Body, gotB.Body)
	}
}

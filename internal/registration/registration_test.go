package registration

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shovelrun/shovel/internal/cookiejar"
	"github.com/shovelrun/shovel/internal/event"
	"github.com/shovelrun/shovel/internal/metrics"
	"github.com/shovelrun/shovel/internal/reqcontext"
	"github.com/shovelrun/shovel/internal/shoveler"
)

// S1 — happy fetch.
func TestDispatchHappyFetch(t *testing.T) {
	r := New("worker.js", "/", nil, nil)
	_ = r.AddEventListener(OnFetch, FetchListener(func(ctx context.Context, fe *event.FetchEvent) {
		_ = fe.RespondWith(func() (*event.Response, error) {
			return &event.Response{Status: 200, StatusText: "OK", Body: []byte("ok")}, nil
		})
	}))
	if err := r.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := r.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://x/a", nil)
	fe := event.NewFetchEvent(req, nil)
	jar := cookiejar.New("")

	resp, err := r.Dispatch(context.Background(), jar, fe)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Status != 200 || string(resp.Body) != "ok" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

// S2 — cookie set. The listener reaches the request's jar through ctx, the
// Go-idiomatic stand-in for self.cookieStore (§9).
func TestDispatchCookieSet(t *testing.T) {
	r := New("worker.js", "/", nil, nil)
	_ = r.AddEventListener(OnFetch, FetchListener(func(ctx context.Context, fe *event.FetchEvent) {
		jar := reqcontext.Jar(ctx)
		_ = jar.Set("b", "2", cookiejar.Options{})
		_ = fe.RespondWith(func() (*event.Response, error) {
			return &event.Response{Status: 204}, nil
		})
	}))
	if err := r.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := r.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://x/a", nil)
	req.Header.Set("Cookie", "a=1")
	fe := event.NewFetchEvent(req, nil)
	jar := cookiejar.New("a=1")

	resp, err := r.Dispatch(context.Background(), jar, fe)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	lines := resp.Header["Set-Cookie"]
	if len(lines) != 1 {
		t.Fatalf("expected exactly one Set-Cookie line, got %v", lines)
	}
	want := "b=2; Path=/; SameSite=Strict; Secure"
	if lines[0] != want {
		t.Fatalf("got %q, want %q", lines[0], want)
	}
}

// S3 — install failure aborts activation.
func TestInstallFailureAbortsActivation(t *testing.T) {
	r := New("worker.js", "/", nil, nil)
	boom := errors.New("boom")
	_ = r.AddEventListener(OnInstall, InstallListener(func(ctx context.Context, ev *event.Extendable) {
		_ = ev.WaitUntil(func() error { return boom })
	}))

	err := r.Install(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if r.State() != Parsed {
		t.Fatalf("expected state to remain parsed, got %s", r.State())
	}

	err = r.Activate(context.Background())
	if !errors.Is(err, shoveler.InvalidState) {
		t.Fatalf("expected InvalidState from activate after failed install, got %v", err)
	}
	if r.State() != Parsed {
		t.Fatalf("expected state still parsed, got %s", r.State())
	}
}

// An install failure must be observable through the wired Metrics instance,
// labelled by phase and a non-empty error kind.
func TestInstallFailureRecordsLifecycleMetric(t *testing.T) {
	m := metrics.New()
	r := New("worker.js", "/", m, nil)
	boom := errors.New("boom")
	_ = r.AddEventListener(OnInstall, InstallListener(func(ctx context.Context, ev *event.Extendable) {
		_ = ev.WaitUntil(func() error { return boom })
	}))

	if err := r.Install(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	body := rec.Body.String()
	if !strings.Contains(body, `kind="error",phase="install"`) {
		t.Fatalf("expected lifecycle error metric for install, got:\n%s", body)
	}
}

// S4 — no response.
func TestDispatchNoResponse(t *testing.T) {
	r := New("worker.js", "/", nil, nil)
	_ = r.AddEventListener(OnFetch, FetchListener(func(ctx context.Context, fe *event.FetchEvent) {}))
	if err := r.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := r.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://x/a", nil)
	fe := event.NewFetchEvent(req, nil)
	jar := cookiejar.New("")

	_, err := r.Dispatch(context.Background(), jar, fe)
	if !errors.Is(err, shoveler.NoResponse) {
		t.Fatalf("expected NoResponse, got %v", err)
	}
}

// An unrelated waitUntil failure alongside a successful RespondWith must be
// reported (here: through onReject) but must not turn the already-produced
// response into a dispatch error (spec.md:46).
func TestDispatchUnrelatedWaitUntilFailureDoesNotFailResponse(t *testing.T) {
	r := New("worker.js", "/", nil, nil)
	boom := errors.New("boom")
	_ = r.AddEventListener(OnFetch, FetchListener(func(ctx context.Context, fe *event.FetchEvent) {
		_ = fe.WaitUntil(func() error { return boom })
		_ = fe.RespondWith(func() (*event.Response, error) {
			return &event.Response{Status: 200, Body: []byte("ok")}, nil
		})
	}))
	if err := r.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := r.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	var mu sync.Mutex
	var reported error
	req := httptest.NewRequest(http.MethodGet, "http://x/a", nil)
	fe := event.NewFetchEvent(req, func(err error) {
		mu.Lock()
		reported = err
		mu.Unlock()
	})
	jar := cookiejar.New("")

	resp, err := r.Dispatch(context.Background(), jar, fe)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Status != 200 || string(resp.Body) != "ok" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		got := reported
		mu.Unlock()
		if got != nil {
			if !errors.Is(got, boom) {
				t.Fatalf("reported %v, want boom", got)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("unrelated waitUntil failure was never reported")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestDispatchOnlyFromActivated(t *testing.T) {
	r := New("worker.js", "/", nil, nil)
	req := httptest.NewRequest(http.MethodGet, "http://x/a", nil)
	fe := event.NewFetchEvent(req, nil)
	jar := cookiejar.New("")

	_, err := r.Dispatch(context.Background(), jar, fe)
	if !errors.Is(err, shoveler.InvalidState) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
}

func TestListenerPanicDoesNotFailRequestByItself(t *testing.T) {
	r := New("worker.js", "/", nil, nil)
	_ = r.AddEventListener(OnFetch, FetchListener(func(ctx context.Context, fe *event.FetchEvent) {
		panic("listener exploded")
	}))
	_ = r.AddEventListener(OnFetch, FetchListener(func(ctx context.Context, fe *event.FetchEvent) {
		_ = fe.RespondWith(func() (*event.Response, error) {
			return &event.Response{Status: 200}, nil
		})
	}))
	if err := r.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := r.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://x/a", nil)
	fe := event.NewFetchEvent(req, nil)
	jar := cookiejar.New("")

	resp, err := r.Dispatch(context.Background(), jar, fe)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("expected response from surviving listener, got %+v", resp)
	}
}

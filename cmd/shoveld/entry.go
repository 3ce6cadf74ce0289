package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shovelrun/shovel/internal/cookiejar"
	"github.com/shovelrun/shovel/internal/event"
	"github.com/shovelrun/shovel/internal/globalscope"
	"github.com/shovelrun/shovel/internal/registration"
)

// demoEntry is the built-in worker entry that every worker shoveld
// bootstraps loads; there is no flag to select another. It mirrors the shape of a ServiceWorker script:
// it registers install/activate/fetch listeners against the threaded
// runtime handle (§4.F's replacement for a patched global object) and
// returns once registration is complete, exactly as the host language's
// side-effect-import of a user module would.
//
// Grounded on main.go's inline jobFn closure (GoSessionEngine's equivalent
// of "the one piece of behaviour that's actually application-specific" in
// an otherwise generic engine).
func demoEntry(h *globalscope.Handle) error {
	if err := h.Registration.AddEventListener(registration.OnInstall, registration.InstallListener(
		func(ctx context.Context, ev *event.Extendable) {
			h.Loggers.Get("demo").Info("install: warming caches")
			ev.WaitUntil(func() error {
				_, err := h.Caches.Get("responses")
				return err
			})
		},
	)); err != nil {
		return err
	}

	if err := h.Registration.AddEventListener(registration.OnActivate, registration.ActivateListener(
		func(ctx context.Context, ev *event.Extendable) {
			h.Loggers.Get("demo").Info("activate: taking over")
		},
	)); err != nil {
		return err
	}

	if err := h.Registration.AddEventListener(registration.OnFetch, registration.FetchListener(
		func(ctx context.Context, fe *event.FetchEvent) {
			jar := h.CookieStore(ctx)
			jar.Set("visited", "1", cookiejar.Options{})

			body := fmt.Sprintf("shovel: %s %s", fe.Request.Method, fe.Request.URL.Path)
			fe.RespondWith(func() (*event.Response, error) {
				return &event.Response{
					Status:     http.StatusOK,
					StatusText: http.StatusText(http.StatusOK),
					Header:     http.Header{"Content-Type": []string{"text/plain;charset=UTF-8"}},
					Body:       []byte(body),
				}, nil
			})
		},
	)); err != nil {
		return err
	}

	return nil
}

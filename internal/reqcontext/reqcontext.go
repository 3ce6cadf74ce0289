// Package reqcontext carries the per-request ambient state (§4.D): the
// cookie jar bound to the current dispatch, and the fetch recursion depth
// used to cap self-fetch loops (§4.F, max depth 10).
//
// The host language's implicit async-local storage has no Go equivalent, so
// this package follows spec §9's instruction directly: thread an explicit
// value through context.Context, which already propagates across every
// asynchronous hop (goroutines started with the same ctx, timers, anything
// derived from it) the way the spec requires.
package reqcontext

import (
	"context"

	"github.com/shovelrun/shovel/internal/cookiejar"
	"github.com/shovelrun/shovel/internal/shoveler"
)

// MaxRecursionDepth is the hard self-fetch cap (§5).
const MaxRecursionDepth = 10

type contextKey struct{}

// reqState is the value stored in the context. It is never mutated after
// being stored: EnterFetch derives a new context carrying a fresh reqState
// with depth+1, so an inner call's depth is visible only to contexts derived
// from it, never to a sibling branch.
type reqState struct {
	jar   *cookiejar.Jar
	depth int
}

// Run executes fn with jar bound as the current request's cookie jar, and
// restores whatever context was current before Run returns (by virtue of
// not mutating the caller's context.Context value). The recursion depth
// already present on ctx, if any, is preserved rather than reset to zero —
// this is what lets a self-fetch's nested Dispatch call see the depth
// EnterFetch just incremented, while a fresh top-level dispatch (whose ctx
// carries no prior state) still starts at depth 0.
func Run(ctx context.Context, jar *cookiejar.Jar, fn func(ctx context.Context) error) error {
	state := &reqState{jar: jar, depth: Depth(ctx)}
	return fn(context.WithValue(ctx, contextKey{}, state))
}

// Jar returns the cookie jar bound to ctx, or nil if none is bound.
func Jar(ctx context.Context) *cookiejar.Jar {
	st, ok := ctx.Value(contextKey{}).(*reqState)
	if !ok {
		return nil
	}
	return st.jar
}

// Depth returns the current fetch recursion depth bound to ctx.
func Depth(ctx context.Context) int {
	st, ok := ctx.Value(contextKey{}).(*reqState)
	if !ok {
		return 0
	}
	return st.depth
}

// EnterFetch returns a derived context with the recursion depth
// incremented, for use around a nested self-fetch call. It fails with
// shoveler.RecursionExceeded once MaxRecursionDepth would be exceeded.
func EnterFetch(ctx context.Context) (context.Context, error) {
	st, ok := ctx.Value(contextKey{}).(*reqState)
	if !ok {
		// No request state bound: treat as depth 0 state implicitly
		// created, matching Jar/Depth's zero-value behaviour.
		st = &reqState{}
	}
	if st.depth >= MaxRecursionDepth {
		return ctx, shoveler.RecursionExceeded
	}
	next := &reqState{jar: st.jar, depth: st.depth + 1}
	return context.WithValue(ctx, contextKey{}, next), nil
}

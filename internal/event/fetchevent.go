package event

import (
	"net/http"
	"sync"
	"time"

	"github.com/shovelrun/shovel/internal/shoveler"
)

// Response is the runtime's stand-in for the Response the host language
// constructs; it is deliberately minimal, carrying just enough to round-trip
// through the Worker Message Loop (§4.J).
type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
}

// FetchEvent extends Extendable with the request it was dispatched for and a
// write-once response slot (§4.B).
type FetchEvent struct {
	*Extendable

	Request *http.Request

	// ExtensionHook, when non-nil, is invoked from every WaitUntil call
	// before the base Extendable logic runs. It is the platform extension
	// point named in SPEC_FULL §9 (open question 1); the default installation leaves it
	// nil, which is equivalent to a no-op.
	ExtensionHook func(fn func() error)

	mu         sync.Mutex
	response   *Response
	responded  bool
	respondErr error

	// respondSettled is closed once the RespondWith future itself settles.
	// AwaitResponse waits only on this channel, not on every pending
	// future the way Extendable.Await does — a fetch event's other
	// waitUntil calls are reported through onReject but must never block
	// or fail the response they have nothing to do with (spec.md:46).
	respondSettled chan struct{}
}

// NewFetchEvent constructs a FetchEvent in dispatch phase for req.
func NewFetchEvent(req *http.Request, onReject func(error)) *FetchEvent {
	return &FetchEvent{
		Extendable: NewExtendable(Fetch, onReject),
		Request:    req,
	}
}

// WaitUntil overrides Extendable.WaitUntil only to invoke the extension hook
// first; the acceptance rules themselves are unchanged.
func (fe *FetchEvent) WaitUntil(fn func() error) error {
	if fe.ExtensionHook != nil {
		fe.ExtensionHook(fn)
	}
	return fe.Extendable.WaitUntil(fn)
}

// RespondWith sets the event's response. It is legal only while the event is
// still in its dispatch phase and only once; the call also registers the
// future that produces resp as a pending future, per the host language's
// respondWith(promise) contract, so install-style Await callers and
// in-flight waitUntil bookkeeping observe it the same way.
func (fe *FetchEvent) RespondWith(produce func() (*Response, error)) error {
	if !fe.InDispatch() {
		return shoveler.InvalidState
	}

	fe.mu.Lock()
	if fe.responded {
		fe.mu.Unlock()
		return shoveler.AlreadyResponded
	}
	fe.responded = true
	settled := make(chan struct{})
	fe.respondSettled = settled
	fe.mu.Unlock()

	return fe.WaitUntil(func() error {
		resp, err := produce()
		fe.mu.Lock()
		fe.response = resp
		fe.respondErr = err
		fe.mu.Unlock()
		close(settled)
		return err
	})
}

// AwaitResponse blocks until the response-producing future registered by
// RespondWith settles, or timeout elapses, then returns that future's error
// (if any). Unlike Extendable.Await, it does not wait on any other pending
// future: an unrelated waitUntil failure is reported through onReject and
// must not delay or fail an already-produced response. Callers must only
// call this after HasResponded reports true.
func (fe *FetchEvent) AwaitResponse(timeout time.Duration) error {
	fe.mu.Lock()
	settled := fe.respondSettled
	fe.mu.Unlock()
	if settled == nil {
		return nil
	}

	select {
	case <-settled:
	case <-time.After(timeout):
		return shoveler.LifecycleTimeout
	}

	_, err, _ := fe.GetResponse()
	return err
}

// HasResponded reports whether RespondWith has been called, win or lose.
func (fe *FetchEvent) HasResponded() bool {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.responded
}

// GetResponse returns the response produced by RespondWith once its future
// has settled. Callers must only call this after Await or AwaitResponse has
// returned. Before RespondWith is called it returns (nil, nil, false); after
// RespondWith but before the producing future settles it returns
// (nil, nil, true).
func (fe *FetchEvent) GetResponse() (*Response, error, bool) {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	if !fe.responded {
		return nil, nil, false
	}
	return fe.response, fe.respondErr, true
}

// URL returns the event's request URL, mirroring the host language's
// event.request.url accessor.
func (fe *FetchEvent) URL() string {
	if fe.Request == nil || fe.Request.URL == nil {
		return ""
	}
	return fe.Request.URL.String()
}

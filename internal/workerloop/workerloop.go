// Package workerloop implements the Worker Message Loop (§4.J): the
// supervisor↔worker wire protocol (§6.3) and the per-worker loop that
// dispatches inbound requests through a Registration.
//
// Spec §9 notes workers survive as "one goroutine/task per worker for the
// message loop, plus spawned tasks for each in-flight request" — and since
// this runtime's workers are goroutines sharing one address space rather
// than separate OS processes (there is no IPC boundary to cross), the wire
// messages below are plain Go values sent over channels instead of bytes
// flowing through a serialised framing. The message *shapes* still mirror
// §6.3 exactly so a future out-of-process worker transport could serialise
// them unchanged.
package workerloop

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shovelrun/shovel/internal/cookiejar"
	"github.com/shovelrun/shovel/internal/logger"
	"github.com/shovelrun/shovel/internal/registration"
)

// Request is the inbound message (§6.3).
type Request struct {
	ID      uint64
	Method  string
	URL     string
	Headers map[string][]string
	Body    []byte
}

// Response is the successful reply to a Request.
type Response struct {
	ID         uint64
	Status     int
	StatusText string
	Headers    map[string][]string
	Body       []byte
}

// ErrorMessage is sent back when a Request cannot be turned into a
// Response. ID is nil for errors not tied to any specific request.
type ErrorMessage struct {
	ID      *uint64
	Message string
	Stack   string
}

// ReadyMessage is sent exactly once, after the worker runtime has completed
// its bootstrap (§4.I step 7). StartedAt records when the loop began
// serving, the loop-side counterpart to the per-node health fields the
// teacher reports in NodeStatus. The supervisor treats Ready as
// informational and does not read StartedAt.
type ReadyMessage struct {
	StartedAt time.Time
}

// CacheMessage is a `cache:*` sub-protocol frame, routed to a separate
// handler without touching the request pipeline (§4.J).
type CacheMessage struct {
	Op      string
	Payload []byte
}

// Outbound is anything the loop may send: Response, ErrorMessage, or
// ReadyMessage.
type Outbound any

// Loop is one worker's duplex message loop.
type Loop struct {
	Registration *registration.Registration
	Log          *logger.Logger

	// CacheHandler, if set, receives CacheMessage frames.
	CacheHandler func(CacheMessage) Outbound

	in  <-chan any
	out chan<- Outbound
}

// New constructs a Loop reading from in and writing to out.
func New(reg *registration.Registration, log *logger.Logger, in <-chan any, out chan<- Outbound) *Loop {
	return &Loop{Registration: reg, Log: log, in: in, out: out}
}

// Run sends the Ready notification and then serves inbound messages until
// ctx is cancelled or in is closed. Each Request is dispatched in its own
// goroutine so that out-of-order responses (permitted by §5) are possible;
// within a single dispatch, execution remains whatever the Registration's
// single synchronous pass over listeners implies.
func (l *Loop) Run(ctx context.Context) {
	l.out <- ReadyMessage{StartedAt: time.Now()}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-l.in:
			if !ok {
				return
			}
			l.dispatch(ctx, msg)
		}
	}
}

func (l *Loop) dispatch(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case Request:
		go l.handleRequest(ctx, m)
	case CacheMessage:
		if l.CacheHandler != nil {
			if reply := l.CacheHandler(m); reply != nil {
				l.out <- reply
			}
		}
	default:
		if l.Log != nil {
			l.Log.Warningf("workerloop: dropping unknown message type %T", msg)
		}
	}
}

func (l *Loop) handleRequest(ctx context.Context, req Request) {
	httpReq, jar, err := reconstruct(ctx, req)
	if err != nil {
		l.sendError(&req.ID, err)
		return
	}

	fe := l.Registration.NewFetchEvent(httpReq)
	resp, err := l.Registration.Dispatch(ctx, jar, fe)
	if err != nil {
		l.sendError(&req.ID, err)
		return
	}

	l.out <- Response{
		ID:         req.ID,
		Status:     resp.Status,
		StatusText: resp.StatusText,
		Headers:    map[string][]string(resp.Header),
		Body:       resp.Body,
	}
}

func (l *Loop) sendError(id *uint64, err error) {
	l.out <- ErrorMessage{ID: id, Message: err.Error()}
}

// reconstruct builds an *http.Request and cookie jar from a wire Request
// (§4.J "Reconstruct a Request value").
func reconstruct(ctx context.Context, req Request) (*http.Request, *cookiejar.Jar, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, nil, err
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, nil, err
	}

	header := make(http.Header, len(req.Headers))
	var cookieHeader string
	for k, vs := range req.Headers {
		if strings.EqualFold(k, "cookie") && len(vs) > 0 {
			cookieHeader = vs[0]
		}
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	httpReq.Header = header

	jar := cookiejar.New(cookieHeader)
	return httpReq, jar, nil
}

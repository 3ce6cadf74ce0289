package main

import (
	"errors"
	"io"
	"net/http"

	"github.com/shovelrun/shovel/internal/logger"
	"github.com/shovelrun/shovel/internal/shoveler"
	"github.com/shovelrun/shovel/internal/supervisor"
	"github.com/shovelrun/shovel/internal/workerloop"
)

// httpListener is the out-of-scope HTTP collaborator named in §1 ("any
// listener that produces Request and consumes Response"): it turns each
// inbound *http.Request into a workerloop.Request, dispatches it through the
// Supervisor, and writes the correlated workerloop.Response back to the
// socket.
type httpListener struct {
	sup *supervisor.Supervisor
	log *logger.Logger
}

func (l *httpListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	headers := make(map[string][]string, len(r.Header))
	for k, vs := range r.Header {
		headers[k] = vs
	}

	resp, err := l.sup.Dispatch(r.Context(), workerloop.Request{
		Method:  r.Method,
		URL:     r.URL.String(),
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		writeError(w, l.log, err)
		return
	}

	for k, vs := range resp.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.Status)
	if _, err := w.Write(resp.Body); err != nil {
		l.log.Warningf("httpListener: write response body: %v", err)
	}
}

// writeError maps a supervisor-side error to a 5xx response, per §7
// ("supervisor-side errors surface to the HTTP boundary as 5xx with a
// textual message").
func writeError(w http.ResponseWriter, log *logger.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, shoveler.Overloaded):
		status = http.StatusServiceUnavailable
	case errors.Is(err, shoveler.WorkerLost):
		status = http.StatusBadGateway
	}
	log.Warningf("httpListener: dispatch failed: %v", err)
	http.Error(w, err.Error(), status)
}

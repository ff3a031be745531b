package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

// Request is one webhook request captured by a Receiver.
type Request struct {
	Header http.Header
	Body   []byte
}

// Receiver is an HTTP endpoint that records the webhooks it receives.
type Receiver struct {
	*httptest.Server

	// Count is the number of requests received, including failed ones.
	Count atomic.Int64

	mu       sync.Mutex
	requests []Request
	status   int
}

// NewReceiver starts a Receiver answering 200. It is closed when the test ends.
func NewReceiver(tb testing.TB) *Receiver {
	tb.Helper()
	r := &Receiver{status: http.StatusOK}
	r.Server = httptest.NewServer(http.HandlerFunc(r.serve))
	tb.Cleanup(r.Close)
	return r
}

func (r *Receiver) serve(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)

	r.mu.Lock()
	r.requests = append(r.requests, Request{Header: req.Header.Clone(), Body: body})
	status := r.status
	r.mu.Unlock()

	r.Count.Add(1)
	w.WriteHeader(status)
}

// SetStatus changes the status code returned for later requests.
func (r *Receiver) SetStatus(code int) {
	r.mu.Lock()
	r.status = code
	r.mu.Unlock()
}

// Requests returns a copy of the captured requests in arrival order.
func (r *Receiver) Requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.requests...)
}

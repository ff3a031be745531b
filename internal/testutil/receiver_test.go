package testutil

import (
	"net/http"
	"strings"
	"testing"
)

func TestReceiver_RecordsRequests(t *testing.T) {
	t.Parallel()
	r := NewReceiver(t)

	req, _ := http.NewRequest(http.MethodPost, r.URL, strings.NewReader(`{"a":1}`))
	req.Header.Set("X-Test", "one")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	got := r.Requests()
	if len(got) != 1 {
		t.Fatalf("requests = %d, want 1", len(got))
	}
	if string(got[0].Body) != `{"a":1}` {
		t.Errorf("body = %s", got[0].Body)
	}
	if got[0].Header.Get("X-Test") != "one" {
		t.Errorf("header X-Test = %q", got[0].Header.Get("X-Test"))
	}
	if r.Count.Load() != 1 {
		t.Errorf("count = %d, want 1", r.Count.Load())
	}
}

func TestReceiver_SetStatus(t *testing.T) {
	t.Parallel()
	r := NewReceiver(t)
	r.SetStatus(http.StatusServiceUnavailable)

	resp, err := http.Post(r.URL, "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

package httputil

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

var quick = Policy{Attempts: 3, Base: time.Millisecond, Cap: 4 * time.Millisecond}

// countingServer answers with codes in turn, repeating the last one.
func countingServer(t *testing.T, codes ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := int(calls.Add(1)) - 1
		w.WriteHeader(codes[min(i, len(codes)-1)])
		io.WriteString(w, "body")
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestFetchRetriesTransientStatus(t *testing.T) {
	srv, calls := countingServer(t, 503, 429, 200)

	resp, err := Fetch(context.Background(), srv.Client(), Request{Method: http.MethodGet, URL: srv.URL}, quick)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !resp.OK() || resp.Text() != "body" || calls.Load() != 3 {
		t.Fatalf("status=%d body=%q calls=%d", resp.StatusCode, resp.Body, calls.Load())
	}
}

func TestFetchReturnsClientErrorsAsResponse(t *testing.T) {
	for _, code := range []int{401, 404, 501} {
		srv, calls := countingServer(t, code)
		resp, err := Fetch(context.Background(), srv.Client(), Request{Method: http.MethodGet, URL: srv.URL}, quick)
		if err != nil {
			t.Fatalf("%d: %v", code, err)
		}
		if resp.StatusCode != code || resp.OK() || calls.Load() != 1 {
			t.Fatalf("%d: status=%d calls=%d", code, resp.StatusCode, calls.Load())
		}
	}
}

func TestFetchGivesUpWithRedactedURL(t *testing.T) {
	srv, calls := countingServer(t, http.StatusBadGateway)

	_, err := Fetch(context.Background(), srv.Client(), Request{Method: http.MethodGet, URL: srv.URL + "?token=secret"}, quick)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusBadGateway || se.Attempts != 3 || calls.Load() != 3 {
		t.Fatalf("error = %+v, calls = %d", se, calls.Load())
	}
	if se.URL != srv.URL {
		t.Fatalf("URL = %q, query should be dropped", se.URL)
	}
}

func TestZeroPolicySendsOnce(t *testing.T) {
	srv, calls := countingServer(t, http.StatusServiceUnavailable)

	resp, err := Fetch(context.Background(), srv.Client(), Request{Method: http.MethodPost, URL: srv.URL, Body: []byte("x")}, Policy{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable || calls.Load() != 1 {
		t.Fatalf("status=%d calls=%d", resp.StatusCode, calls.Load())
	}
}

func TestFetchReplaysBodyAndHeaders(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ := io.ReadAll(r.Body)
		if string(got) != "offer" || r.Header.Get("X-Test") != "1" {
			t.Errorf("body=%q header=%q", got, r.Header.Get("X-Test"))
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	req := Request{Method: http.MethodPost, URL: srv.URL, Body: []byte("offer"), Header: http.Header{"X-Test": {"1"}}}
	resp, err := Fetch(context.Background(), srv.Client(), req, quick)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.StatusCode != http.StatusCreated || calls.Load() != 2 {
		t.Fatalf("status=%d calls=%d", resp.StatusCode, calls.Load())
	}
}

func TestMaxBodyTruncates(t *testing.T) {
	srv, _ := countingServer(t, 200)
	resp, err := Fetch(context.Background(), srv.Client(), Request{Method: http.MethodGet, URL: srv.URL, MaxBody: 2}, Policy{})
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.Body) != "bo" {
		t.Fatalf("body = %q", resp.Body)
	}
}

func TestFetchHonoursContext(t *testing.T) {
	srv, _ := countingServer(t, http.StatusServiceUnavailable)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	slow := Policy{Attempts: 6, Base: time.Second}
	_, err := Fetch(ctx, srv.Client(), Request{Method: http.MethodGet, URL: srv.URL}, slow)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestPolicyWait(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Cap: 300 * time.Millisecond}
	want := []time.Duration{100, 200, 300, 300}
	for i, w := range want {
		if got := p.wait(i + 1); got != w*time.Millisecond {
			t.Errorf("wait(%d) = %v, want %v", i+1, got, w*time.Millisecond)
		}
	}

	p.Jitter = 0.3
	for range 100 {
		if got := p.wait(1); got < 70*time.Millisecond || got > 130*time.Millisecond {
			t.Fatalf("jittered wait out of bounds: %v", got)
		}
	}
}

func TestRetryAfter(t *testing.T) {
	tests := map[string]time.Duration{"": 0, "2": 2 * time.Second, " 3 ": 3 * time.Second, "-1": 0, "soon": 0}
	for in, want := range tests {
		if got := retryAfter(in); got != want {
			t.Errorf("retryAfter(%q) = %v, want %v", in, got, want)
		}
	}
}

// Package httputil issues the REST calls of the client: credential fetches
// and peer signaling. Responses are read in full so a request can be retried
// without leaking connections and callers never juggle response bodies.
package httputil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wei/elevenlabs-packages-sub002/internal/logging"
)

var log = logging.L("httputil")

const defaultMaxBody = 1 << 20

type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// MaxBody bounds how much of the response is kept. Zero means 1 MiB.
	MaxBody int64
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Text is the trimmed body, for error messages.
func (r *Response) Text() string { return strings.TrimSpace(string(r.Body)) }

// Policy decides how often a request is attempted and how long to wait in
// between. Waits double from Base up to Cap, each shifted by up to ±Jitter
// of itself. The zero Policy sends once.
type Policy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
	Jitter   float64
}

// Idempotent is the policy for GETs against the API.
var Idempotent = Policy{Attempts: 4, Base: 500 * time.Millisecond, Cap: 10 * time.Second, Jitter: 0.3}

// wait returns the pause before attempt n (n >= 1 is the first retry).
func (p Policy) wait(n int) time.Duration {
	d := p.Base
	for i := 1; i < n && (p.Cap <= 0 || d < p.Cap); i++ {
		d *= 2
	}
	if p.Cap > 0 {
		d = min(d, p.Cap)
	}
	return jitter(d, p.Jitter)
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	shift := time.Duration(float64(d) * frac * (2*rand.Float64() - 1))
	return max(d+shift, 0)
}

// StatusError is returned when the last attempt still got a status worth
// retrying.
type StatusError struct {
	StatusCode int
	URL        string
	Attempts   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %d %s after %d attempt(s)", e.URL, e.StatusCode, http.StatusText(e.StatusCode), e.Attempts)
}

func transient(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 && code != http.StatusNotImplemented
}

// Fetch sends req under policy. Transport failures and transient statuses
// (429, 408, most 5xx) are retried; a Retry-After header given in seconds
// stretches the next wait. Any other status is returned as a Response for
// the caller to judge.
func Fetch(ctx context.Context, client *http.Client, req Request, policy Policy) (*Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	attempts := max(policy.Attempts, 1)
	target := redact(req.URL)

	var (
		failure error
		hint    time.Duration
	)
	for n := range attempts {
		if n > 0 {
			pause := max(policy.wait(n), hint)
			log.Debug("retrying", "url", target, "attempt", n+1, "wait", pause)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(pause):
			}
		}

		resp, err := once(ctx, client, req)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			failure = err
			hint = 0
		case transient(resp.StatusCode) && attempts > 1:
			failure = &StatusError{StatusCode: resp.StatusCode, URL: target, Attempts: n + 1}
			hint = retryAfter(resp.Header.Get("Retry-After"))
		default:
			return resp, nil
		}
	}

	log.Warn("request failed", "method", req.Method, "url", target, "attempts", attempts, logging.KeyError, failure)
	return nil, failure
}

func once(ctx context.Context, client *http.Client, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		hr.Header[k] = append([]string(nil), vs...)
	}

	resp, err := client.Do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limit := req.MaxBody
	if limit <= 0 {
		limit = defaultMaxBody
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", redact(req.URL), err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// redact drops the query string, which may carry a signed token.
func redact(u string) string {
	base, _, _ := strings.Cut(u, "?")
	return base
}

package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ProbeState classifies a worker health endpoint response.
type ProbeState int

const (
	// Down means no usable answer: refused, timed out, or an unexpected code.
	Down ProbeState = iota
	// NotReady is a 503: the process is up but trading has not started.
	NotReady
	// Running is a 200.
	Running
)

func (s ProbeState) String() string {
	switch s {
	case Running:
		return "running"
	case NotReady:
		return "not-ready"
	}
	return "down"
}

// ProbeResult is the outcome of Probe.
type ProbeResult struct {
	State      ProbeState
	StatusCode int
	Err        error
}

// Alive reports whether the worker process answered at all.
func (r ProbeResult) Alive() bool { return r.State != Down }

// URL is the health endpoint of a worker listening on port.
func URL(port int) string {
	return fmt.Sprintf("http://localhost:%d/health", port)
}

var probeClient = &http.Client{}

// Probe GETs url with a deadline of timeout.
func Probe(ctx context.Context, url string, timeout time.Duration) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeResult{Err: err}
	}
	resp, err := probeClient.Do(req)
	if err != nil {
		return ProbeResult{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	r := ProbeResult{StatusCode: resp.StatusCode}
	switch resp.StatusCode {
	case http.StatusOK:
		r.State = Running
	case http.StatusServiceUnavailable:
		r.State = NotReady
	default:
		r.Err = fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return r
}

package asset

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrNotFound means a selector or query yielded nothing. It is a normal empty result.
	ErrNotFound = errors.New("no candidate found")
	// ErrTimeout means a client-imposed deadline expired before the upstream answered.
	ErrTimeout = errors.New("upstream timeout")
	// ErrRateLimited means the upstream sent an explicit throttle signal.
	ErrRateLimited = errors.New("upstream rate limited")
	// ErrStorage wraps durable write or read failures.
	ErrStorage = errors.New("storage failure")
	// ErrDuplicate is returned when an index append collides with an existing entry.
	ErrDuplicate = errors.New("duplicate cache entry")
	// ErrServiceUnavailable means every resolution tier was exhausted.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// UpstreamError reports a non-success HTTP status from an upstream.
type UpstreamError struct {
	Upstream   string
	URL        string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s returned %d for %s: %v", e.Upstream, e.StatusCode, e.URL, e.Err)
	}
	return fmt.Sprintf("%s returned %d for %s", e.Upstream, e.StatusCode, e.URL)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// CheckStatus converts an HTTP status into the error taxonomy. 2xx yields nil.
func CheckStatus(upstream, url string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return &UpstreamError{Upstream: upstream, URL: url, StatusCode: status, Err: ErrRateLimited}
	default:
		return &UpstreamError{Upstream: upstream, URL: url, StatusCode: status}
	}
}

// ClassifyTransport maps transport failures onto ErrTimeout where the deadline expired.
func ClassifyTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// FetchOK runs a fetch and folds transport failures and status codes into the error taxonomy.
func FetchOK(ctx context.Context, fetcher Fetcher, request FetchRequest) (FetchResponse, error) {
	resp, err := fetcher.Fetch(ctx, request)
	if err != nil {
		return FetchResponse{}, ClassifyTransport(err)
	}
	if err := CheckStatus(request.Upstream, request.URL, resp.StatusCode); err != nil {
		return resp, err
	}
	return resp, nil
}

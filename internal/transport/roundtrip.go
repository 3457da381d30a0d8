package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sethvargo/go-retry"

	apperrors "github.com/napoleonmm83/paperless-scanner-sub008/internal/errors"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/logging"
)

// statusError marks a retryable 5xx response inside the retry loop.
type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server responded %d", e.status)
}

// RetryTransport is an http.RoundTripper applying Policy to each request.
//
// 2xx, 3xx and 4xx responses are returned immediately. 5xx responses and
// network failures are retried; after the last attempt the last response
// (or error) is handed back. When Online reports false the request fails
// fast with ErrOffline before and between attempts.
type RetryTransport struct {
	Base   http.RoundTripper
	Policy Policy
	Online func() bool
}

func (t *RetryTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *RetryTransport) offline() bool {
	return t.Online != nil && !t.Online()
}

// RoundTrip implements http.RoundTripper.
func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.offline() {
		closeBody(req)
		return nil, apperrors.ErrOffline
	}

	var (
		last    *http.Response
		attempt int
	)
	err := retry.Do(req.Context(), t.Policy.Backoff(), func(ctx context.Context) error {
		r := req
		if attempt > 0 {
			discard(last)
			last = nil
			if t.offline() {
				return apperrors.ErrOffline
			}
			var err error
			if r, err = rewind(req); err != nil {
				return err
			}
			logging.Debug("Retrying request", map[string]interface{}{
				"method":  req.Method,
				"host":    req.URL.Host,
				"path":    req.URL.Path,
				"attempt": attempt + 1,
			})
		}
		attempt++

		resp, err := t.base().RoundTrip(r)
		if err != nil {
			if apperrors.Retryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		last = resp
		if resp.StatusCode >= http.StatusInternalServerError {
			return retry.RetryableError(&statusError{status: resp.StatusCode})
		}
		return nil
	})

	var se *statusError
	if err == nil || (stderrors.As(err, &se) && last != nil) {
		return last, nil
	}
	discard(last)
	return nil, err
}

// rewind returns a copy of req with a fresh body.
func rewind(req *http.Request) (*http.Request, error) {
	r := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return r, nil
	}
	if req.GetBody == nil {
		return nil, apperrors.New(apperrors.ErrInternal, "request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "rewind request body", err)
	}
	r.Body = body
	return r, nil
}

func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}

package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/snapetech/echodl/internal/safeurl"
)

// RetryPolicy controls Retry and DoWithRetry.
type RetryPolicy struct {
	// MaxAttempts is the attempt ceiling including the first try.
	MaxAttempts int
	// BaseBackoff doubles after every failed attempt up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Max429Wait caps a server-supplied Retry-After.
	Max429Wait time.Duration
	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// DefaultRetryPolicy: 5 attempts, 500ms doubling to 8s, Retry-After capped at 60s.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseBackoff: 500 * time.Millisecond,
	MaxBackoff:  8 * time.Second,
	Max429Wait:  60 * time.Second,
}

// Backoff returns the sleep after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseBackoff
	if d <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// StatusError is a non-success HTTP response.
type StatusError struct {
	URL        string
	Code       int
	Status     string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("get %s: %s", safeurl.Redact(e.URL), e.Status)
}

// Temporary reports whether the status is worth retrying (429 or 5xx).
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// NewStatusError builds a StatusError from resp. It does not touch the body.
func NewStatusError(resp *http.Response, rawURL string, max429Wait time.Duration) *StatusError {
	e := &StatusError{URL: rawURL, Code: resp.StatusCode, Status: resp.Status}
	if e.Status == "" {
		e.Status = strconv.Itoa(resp.StatusCode) + " " + http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		if max429Wait <= 0 {
			max429Wait = DefaultRetryPolicy.Max429Wait
		}
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), max429Wait)
	}
	return e
}

// PermanentError stops Retry immediately.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Retryable reports whether Retry would try again after err.
// Transport errors and 429/5xx are retryable; other statuses and Permanent errors are not.
func Retryable(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

// Retry runs op until it succeeds, fails with a non-retryable error, the
// attempt ceiling is reached, or ctx is done. It returns the number of
// attempts made and the last error from op.
func Retry(ctx context.Context, policy RetryPolicy, op func(attempt int) error) (int, error) {
	max := policy.MaxAttempts
	if max < 1 {
		max = 1
	}
	for attempt := 1; ; attempt++ {
		err := op(attempt)
		if err == nil {
			return attempt, nil
		}
		if attempt >= max || !Retryable(err) || ctx.Err() != nil {
			return attempt, err
		}
		wait := policy.Backoff(attempt)
		var se *StatusError
		if errors.As(err, &se) && se.RetryAfter > 0 {
			wait = se.RetryAfter
		}
		log.Debugf("httpclient: retry attempt=%d/%d wait=%s err=%v", attempt, max, wait, err)
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, wait, err)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, err
		case <-timer.C:
		}
	}
}

// DoWithRetry performs req, retrying transport errors, 429 and 5xx per policy.
// Other 4xx responses are returned to the caller unchanged, as is a 2xx/3xx.
// Once retries are exhausted the last *StatusError (or transport error) is returned.
// Caller must close resp.Body when err == nil.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, policy RetryPolicy) (*http.Response, error) {
	if client == nil {
		client = Default()
	}
	var resp *http.Response
	_, err := Retry(ctx, policy, func(int) error {
		r, err := client.Do(req.Clone(ctx))
		if err != nil {
			return err
		}
		if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500 {
			se := NewStatusError(r, req.URL.String(), policy.Max429Wait)
			_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 64<<10))
			r.Body.Close()
			return se
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// parseRetryAfter parses Retry-After (seconds or HTTP-date); returns duration capped at max.
func parseRetryAfter(s string, max time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 1 * time.Second
	}
	if sec, err := strconv.Atoi(s); err == nil && sec >= 0 {
		d := time.Duration(sec) * time.Second
		if d > max {
			return max
		}
		return d
	}
	t, err := time.Parse(time.RFC1123, s)
	if err != nil {
		return 1 * time.Second
	}
	until := time.Until(t)
	if until <= 0 {
		return 0
	}
	if until > max {
		return max
	}
	return until
}

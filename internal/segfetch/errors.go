package segfetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/snapetech/echodl/internal/httpclient"
	"github.com/snapetech/echodl/internal/safeurl"
)

// SegmentFetchError is the terminal failure of a job. When several segments
// failed it describes the worst one: local I/O, then a permanent HTTP status,
// then an exhausted retryable status, then a transport error, then
// cancellation. Sequence is -1 when the failure is not tied to one segment.
type SegmentFetchError struct {
	Stream   string
	URL      string
	Sequence int
	Attempts int
	Status   int
	Err      error
}

func (e *SegmentFetchError) Error() string {
	if e.Sequence < 0 {
		return fmt.Sprintf("fetch %s: %v", e.Stream, e.Err)
	}
	msg := fmt.Sprintf("fetch %s segment %d (%s)", e.Stream, e.Sequence, safeurl.Redact(e.URL))
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	return msg + ": " + e.Err.Error()
}

func (e *SegmentFetchError) Unwrap() error { return e.Err }

func (e *SegmentFetchError) severity() int {
	var pe *httpclient.PermanentError
	switch {
	case errors.Is(e.Err, context.Canceled):
		return 0
	case errors.As(e.Err, &pe):
		return 4
	case e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests:
		return 3
	case e.Status != 0:
		return 2
	}
	return 1
}

func worstFailure(fs []*SegmentFetchError) *SegmentFetchError {
	worst := fs[0]
	for _, f := range fs[1:] {
		sf, sw := f.severity(), worst.severity()
		if sf > sw || (sf == sw && f.Sequence < worst.Sequence) {
			worst = f
		}
	}
	return worst
}

package segfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/snapetech/echodl/internal/events"
	"github.com/snapetech/echodl/internal/httpclient"
	"github.com/snapetech/echodl/internal/safeurl"
)

// progressStep is how many bytes pass between progress events for File.
const progressStep = 1 << 20

// File downloads a single progressive file (e.g. an .mp4) into t.Path with
// one streamed GET, reporting bytes received. A retry after a dropped
// connection resumes with a Range request when the server honours it.
// The body goes to t.Path + ".partial" and is renamed into place on success;
// on failure the partial file is removed.
func (f *Fetcher) File(ctx context.Context, t Target, rawURL string) *Job {
	j := newJob(t, 1)
	f.emit(j, events.StreamStarted, nil)
	go func() {
		n, err := f.runFile(ctx, j, rawURL)
		f.finish(j, n, err)
	}()
	return j
}

func (f *Fetcher) runFile(ctx context.Context, j *Job, rawURL string) (int64, error) {
	dest := j.target.Path
	fail := func(attempts, status int, err error) *SegmentFetchError {
		f.cfg.Metrics.SegmentFailed(j.target.Stream)
		return &SegmentFetchError{Stream: j.target.Stream, URL: rawURL, Sequence: 0, Attempts: attempts, Status: status, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fail(0, 0, err)
	}
	partial := dest + ".partial"
	out, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fail(0, 0, err)
	}

	start := time.Now()
	var written int64
	var lastStatus int
	attempts, err := httpclient.Retry(ctx, f.cfg.Retry, func(attempt int) error {
		n, status, err := f.getFile(ctx, j, rawURL, out, written)
		lastStatus = status
		if status == http.StatusOK {
			written = n
		} else {
			written += n
		}
		return err
	})
	closeErr := out.Close()
	if err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(partial)
		return 0, fail(attempts, lastStatus, err)
	}
	if err := os.Rename(partial, dest); err != nil {
		os.Remove(partial)
		return 0, fail(attempts, 0, err)
	}
	j.done.Add(1)
	f.cfg.Metrics.SegmentDone(j.target.Stream, written, time.Since(start))
	log.Debugf("segfetch: file done lecture=%q bytes=%d dest=%q", j.target.Lecture, written, dest)
	return written, nil
}

// getFile performs one attempt. When offset > 0 it asks for the remainder;
// a 200 reply means the server restarted from zero, so out is rewound.
// For a 200 the returned count is the file size so far; for a 206 it is the
// bytes added by this attempt.
func (f *Fetcher) getFile(ctx context.Context, j *Job, rawURL string, out *os.File, offset int64) (int64, int, error) {
	release, err := f.sem.AcquireContext(ctx, rawURL)
	if err != nil {
		return 0, 0, err
	}
	defer release()
	f.cfg.Metrics.InFlight(1)
	defer f.cfg.Metrics.InFlight(-1)
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return 0, 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, 0, httpclient.Permanent(err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := f.cfg.Client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		if total := contentRangeTotal(resp.Header.Get("Content-Range")); total > 0 {
			j.totalBytes.Store(total)
		}
	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			log.Debugf("segfetch: range not honoured, restarting url=%s", safeurl.Redact(rawURL))
		}
		if err := rewind(out); err != nil {
			return 0, resp.StatusCode, httpclient.Permanent(err)
		}
		offset = 0
		j.bytes.Store(0)
		if resp.ContentLength > 0 {
			j.totalBytes.Store(resp.ContentLength)
		}
	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return 0, resp.StatusCode, httpclient.NewStatusError(resp, rawURL, f.cfg.Retry.Max429Wait)
	}

	pw := &progressWriter{w: &diskWriter{w: out}, f: f, j: j}
	n, err := io.Copy(pw, resp.Body)
	return n, resp.StatusCode, err
}

func rewind(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	_, err := f.Seek(0, io.SeekStart)
	return err
}

// contentRangeTotal parses the complete length from "bytes a-b/total".
func contentRangeTotal(h string) int64 {
	i := strings.LastIndexByte(h, '/')
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(h[i+1:]), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

type progressWriter struct {
	w    io.Writer
	f    *Fetcher
	j    *Job
	last int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	total := p.j.bytes.Add(int64(n))
	if total-p.last >= progressStep {
		p.last = total
		p.f.emit(p.j, events.StreamProgress, nil)
	}
	return n, err
}

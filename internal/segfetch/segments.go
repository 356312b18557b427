package segfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/snapetech/echodl/internal/events"
	"github.com/snapetech/echodl/internal/hls"
	"github.com/snapetech/echodl/internal/httpclient"
	"github.com/snapetech/echodl/internal/safeurl"
)

var errNoSegments = errors.New("playlist has no segments")

// fetchJob binds one segment to the slot file it is written to. It lives
// until the slot is written or the segment exhausts its retries.
type fetchJob struct {
	index int
	seg   hls.SegmentEntry
	slot  string
}

// Segments starts downloading segs into t.Path and returns immediately.
//
// Each segment is written to its own slot file in a private work directory
// next to t.Path. Only when every slot has been written are the slots
// concatenated in Sequence order into t.Path, so completion order never
// affects the byte layout. On failure the job cancels the remaining
// requests, waits for in-flight workers to return, and removes the work
// directory and any partial output before Wait returns.
func (f *Fetcher) Segments(ctx context.Context, t Target, segs []hls.SegmentEntry) *Job {
	j := newJob(t, len(segs))
	f.emit(j, events.StreamStarted, nil)
	go func() {
		n, err := f.runSegments(ctx, j, segs)
		f.finish(j, n, err)
	}()
	return j
}

func (f *Fetcher) runSegments(ctx context.Context, j *Job, segs []hls.SegmentEntry) (int64, error) {
	dest := j.target.Path
	if len(segs) == 0 {
		return 0, &SegmentFetchError{Stream: j.target.Stream, Sequence: -1, Err: errNoSegments}
	}
	ordered := make([]hls.SegmentEntry, len(segs))
	copy(ordered, segs)
	sort.SliceStable(ordered, func(a, b int) bool { return ordered[a].Sequence < ordered[b].Sequence })
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Sequence == ordered[i-1].Sequence {
			return 0, &SegmentFetchError{Stream: j.target.Stream, Sequence: ordered[i].Sequence,
				Err: fmt.Errorf("duplicate sequence %d", ordered[i].Sequence)}
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, &SegmentFetchError{Stream: j.target.Stream, Sequence: -1, Err: err}
	}
	workDir := dest + ".parts-" + uuid.NewString()
	if err := os.Mkdir(workDir, 0755); err != nil {
		return 0, &SegmentFetchError{Stream: j.target.Stream, Sequence: -1, Err: err}
	}
	defer os.RemoveAll(workDir)

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		failures []*SegmentFetchError
		wg       sync.WaitGroup
	)
	queue := make(chan fetchJob)
	workers := f.cfg.Workers
	if workers > len(ordered) {
		workers = len(ordered)
	}
	log.Debugf("segfetch: start lecture=%q stream=%s segments=%d workers=%d", j.target.Lecture, j.target.Stream, len(ordered), workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for fj := range queue {
				if jobCtx.Err() != nil {
					continue
				}
				if err := f.fetchSegment(jobCtx, j, fj); err != nil {
					if jobCtx.Err() != nil && errors.Is(err.Err, context.Canceled) {
						continue
					}
					mu.Lock()
					failures = append(failures, err)
					mu.Unlock()
					cancel()
				}
			}
		}()
	}
feed:
	for i, s := range ordered {
		select {
		case queue <- fetchJob{index: i, seg: s, slot: slotPath(workDir, i)}:
		case <-jobCtx.Done():
			break feed
		}
	}
	close(queue)
	wg.Wait()

	if len(failures) > 0 {
		worst := worstFailure(failures)
		log.Debugf("segfetch: abort lecture=%q stream=%s failures=%d worst=%v", j.target.Lecture, j.target.Stream, len(failures), worst)
		return 0, worst
	}
	if err := ctx.Err(); err != nil {
		return 0, &SegmentFetchError{Stream: j.target.Stream, Sequence: -1, Err: err}
	}

	n, err := concatSlots(workDir, len(ordered), dest)
	if err != nil {
		return 0, &SegmentFetchError{Stream: j.target.Stream, Sequence: -1, Err: err}
	}
	log.Debugf("segfetch: done lecture=%q stream=%s bytes=%d dest=%q", j.target.Lecture, j.target.Stream, n, dest)
	return n, nil
}

func slotPath(workDir string, index int) string {
	return filepath.Join(workDir, fmt.Sprintf("%06d.seg", index))
}

// fetchSegment downloads one segment with retries.
func (f *Fetcher) fetchSegment(ctx context.Context, j *Job, fj fetchJob) *SegmentFetchError {
	start := time.Now()
	var lastStatus int
	var written int64
	attempts, err := httpclient.Retry(ctx, f.cfg.Retry, func(int) error {
		n, status, err := f.getSegment(ctx, fj)
		lastStatus = status
		written = n
		return err
	})
	if err != nil {
		f.cfg.Metrics.SegmentFailed(j.target.Stream)
		return &SegmentFetchError{
			Stream:   j.target.Stream,
			URL:      fj.seg.URI,
			Sequence: fj.seg.Sequence,
			Attempts: attempts,
			Status:   lastStatus,
			Err:      err,
		}
	}
	j.bytes.Add(written)
	j.done.Add(1)
	f.cfg.Metrics.SegmentDone(j.target.Stream, written, time.Since(start))
	f.emit(j, events.StreamProgress, nil)
	return nil
}

// getSegment performs a single attempt. It returns bytes written, the HTTP
// status (0 when no response arrived) and the attempt error.
func (f *Fetcher) getSegment(ctx context.Context, fj fetchJob) (int64, int, error) {
	release, err := f.sem.AcquireContext(ctx, fj.seg.URI)
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

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fj.seg.URI, nil)
	if err != nil {
		return 0, 0, httpclient.Permanent(err)
	}
	br := fj.seg.Range
	if br != nil {
		req.Header.Set("Range", br.Header())
	}
	resp, err := f.cfg.Client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	switch {
	case resp.StatusCode == http.StatusPartialContent && br != nil:
	case resp.StatusCode == http.StatusOK:
		if br != nil {
			// Range ignored: skip to the sub-range in the full body.
			if _, err := io.CopyN(io.Discard, resp.Body, br.Offset); err != nil {
				return 0, resp.StatusCode, err
			}
			body = io.LimitReader(resp.Body, br.Length)
		}
	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return 0, resp.StatusCode, httpclient.NewStatusError(resp, fj.seg.URI, f.cfg.Retry.Max429Wait)
	}

	n, err := writeFile(fj.slot, body)
	if err != nil {
		return n, resp.StatusCode, err
	}
	if br != nil && n != br.Length {
		return n, resp.StatusCode, fmt.Errorf("short range body for %s: got %d of %d bytes: %w",
			safeurl.Redact(fj.seg.URI), n, br.Length, io.ErrUnexpectedEOF)
	}
	return n, resp.StatusCode, nil
}

// writeFile truncates path and copies r into it. Local I/O failures come back
// as permanent errors so they are not retried against the network.
func writeFile(path string, r io.Reader) (int64, error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, httpclient.Permanent(err)
	}
	n, err := io.Copy(&diskWriter{w: out}, r)
	closeErr := out.Close()
	if err != nil {
		return n, err
	}
	if closeErr != nil {
		return n, httpclient.Permanent(closeErr)
	}
	return n, nil
}

// diskWriter marks write errors permanent; read errors from the body stay retryable.
type diskWriter struct{ w io.Writer }

func (d *diskWriter) Write(p []byte) (int, error) {
	n, err := d.w.Write(p)
	if err != nil {
		return n, httpclient.Permanent(err)
	}
	return n, nil
}

// concatSlots joins count slot files in index order into dest via dest.partial.
func concatSlots(workDir string, count int, dest string) (int64, error) {
	partial := dest + ".partial"
	out, err := os.Create(partial)
	if err != nil {
		return 0, err
	}
	var total int64
	for i := 0; i < count; i++ {
		n, err := appendFile(out, slotPath(workDir, i))
		total += n
		if err != nil {
			out.Close()
			os.Remove(partial)
			return 0, err
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(partial)
		return 0, err
	}
	if err := os.Rename(partial, dest); err != nil {
		os.Remove(partial)
		return 0, err
	}
	return total, nil
}

func appendFile(dst io.Writer, path string) (int64, error) {
	in, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	return io.Copy(dst, in)
}

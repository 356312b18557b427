// Package segfetch downloads HLS segment sets and single files with a
// bounded worker pool, retrying transient failures, and writes each stream
// to disk in playlist order.
package segfetch

import (
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/snapetech/echodl/internal/events"
	"github.com/snapetech/echodl/internal/httpclient"
	"github.com/snapetech/echodl/internal/metrics"
)

// ─── Config ─────────────────────────────────────────────────────────────────

const (
	DefaultWorkers        = 50
	DefaultSegmentTimeout = 60 * time.Second
)

// Config controls a Fetcher. Zero values take the defaults.
type Config struct {
	// Workers bounds in-flight segment requests per upstream host, shared by
	// every job the fetcher runs (audio and video of a lecture together).
	Workers int
	// Retry is the per-request retry policy (attempt ceiling and backoff).
	Retry httpclient.RetryPolicy
	// MaxRPS paces request starts across all jobs. 0 disables pacing.
	MaxRPS float64
	// Client must carry the session cookies. Nil uses a plain client.
	Client  *http.Client
	Metrics *metrics.Metrics
	Events  events.Sink
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = httpclient.DefaultRetryPolicy
	}
	if c.Client == nil {
		c.Client = httpclient.WithTimeout(DefaultSegmentTimeout)
	}
	c.Events = events.OrDiscard(c.Events)
}

// Fetcher runs download jobs. It is safe for concurrent use; all jobs share
// the worker budget and rate limit.
type Fetcher struct {
	cfg     Config
	sem     *httpclient.HostSemaphore
	limiter *rate.Limiter
}

func New(cfg Config) *Fetcher {
	cfg.applyDefaults()
	f := &Fetcher{
		cfg: cfg,
		sem: httpclient.NewHostSemaphore(cfg.Workers),
	}
	if cfg.MaxRPS > 0 {
		burst := int(cfg.MaxRPS)
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), burst)
	}
	f.cfg.Retry.OnRetry = chainOnRetry(cfg.Retry.OnRetry, cfg.Metrics)
	return f
}

// Workers is the effective max in-flight requests per host.
func (f *Fetcher) Workers() int { return f.cfg.Workers }

func chainOnRetry(prev func(int, time.Duration, error), m *metrics.Metrics) func(int, time.Duration, error) {
	return func(attempt int, wait time.Duration, err error) {
		m.Retry()
		if prev != nil {
			prev(attempt, wait, err)
		}
	}
}

// ─── Jobs ───────────────────────────────────────────────────────────────────

// Target names the output of a job.
type Target struct {
	Lecture string
	Stream  string // "video", "audio" or "file"
	Path    string
}

// Progress is a point-in-time view of a job. TotalBytes is -1 when unknown.
type Progress struct {
	Done       int
	Total      int
	Bytes      int64
	TotalBytes int64
}

// Job is a running download. Progress may be called at any time from any
// goroutine; Wait blocks until the output file is in place or removed.
type Job struct {
	target     Target
	total      int
	done       atomic.Int64
	bytes      atomic.Int64
	totalBytes atomic.Int64
	finished   chan struct{}
	n          int64
	err        error
}

func newJob(t Target, total int) *Job {
	j := &Job{target: t, total: total, finished: make(chan struct{})}
	j.totalBytes.Store(-1)
	return j
}

func (j *Job) Target() Target { return j.target }

func (j *Job) Progress() Progress {
	return Progress{
		Done:       int(j.done.Load()),
		Total:      j.total,
		Bytes:      j.bytes.Load(),
		TotalBytes: j.totalBytes.Load(),
	}
}

// Wait returns the number of bytes written to Target().Path, or the
// *SegmentFetchError that stopped the job.
func (j *Job) Wait() (int64, error) {
	<-j.finished
	return j.n, j.err
}

// Done is closed when the job has finished.
func (j *Job) Done() <-chan struct{} { return j.finished }

func (f *Fetcher) emit(j *Job, kind events.Kind, err error) {
	p := j.Progress()
	f.cfg.Events.Emit(events.Event{
		Kind:       kind,
		Lecture:    j.target.Lecture,
		Stream:     j.target.Stream,
		Done:       p.Done,
		Total:      p.Total,
		Bytes:      p.Bytes,
		TotalBytes: p.TotalBytes,
		Err:        err,
		Time:       time.Now(),
	})
}

func (f *Fetcher) finish(j *Job, n int64, err error) {
	j.n, j.err = n, err
	f.emit(j, events.StreamDone, err)
	close(j.finished)
}

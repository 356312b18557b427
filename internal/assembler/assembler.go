// Package assembler drives one lecture download: resolve candidate sources,
// fetch the HLS renditions or the progressive file, and mux the tracks into
// the final artifact.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/snapetech/echodl/internal/artifact"
	"github.com/snapetech/echodl/internal/catalog"
	"github.com/snapetech/echodl/internal/events"
	"github.com/snapetech/echodl/internal/hls"
	"github.com/snapetech/echodl/internal/httpclient"
	"github.com/snapetech/echodl/internal/metrics"
	"github.com/snapetech/echodl/internal/mux"
	"github.com/snapetech/echodl/internal/probe"
	"github.com/snapetech/echodl/internal/rendition"
	"github.com/snapetech/echodl/internal/safeurl"
	"github.com/snapetech/echodl/internal/segfetch"
)

// Status is the outcome of one feed.
type Status string

const (
	StatusComplete Status = "complete"
	// StatusUnmuxed means both tracks were downloaded but could not be combined;
	// the track files are left in place.
	StatusUnmuxed Status = "unmuxed"
	StatusFailed  Status = "failed"
)

// Reason names the failure category of a non-complete result.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonResolve           Reason = "resolve"
	ReasonPlaylistFetch     Reason = "playlist_fetch"
	ReasonMalformedPlaylist Reason = "malformed_playlist"
	ReasonNoVideo           Reason = "no_video"
	ReasonSegmentFetch      Reason = "segment_fetch"
	ReasonMuxerUnavailable  Reason = "muxer_unavailable"
	ReasonMuxerFailed       Reason = "muxer_failed"
	ReasonUnsupported       Reason = "unsupported"
	// ReasonCanceled means the run was interrupted before the lecture finished.
	ReasonCanceled Reason = "canceled"
	// ReasonLocalIO means a finished file could not be moved into place.
	ReasonLocalIO Reason = "local_io"
)

// DownloadResult is the terminal record of one feed. Intermediates lists the
// track files produced; on StatusUnmuxed they are still on disk.
type DownloadResult struct {
	Lecture       string
	Feed          int
	Source        string
	Success       bool
	Status        Status
	Reason        Reason
	Path          string
	Intermediates []string
	Bytes         int64
	Duration      time.Duration
	Err           error
}

// Resolver maps a lecture to candidate stream URLs.
type Resolver interface {
	Resolve(ctx context.Context, lec catalog.Lecture) (catalog.Candidates, error)
}

// maxPlaylistBytes bounds a manifest read into memory.
const maxPlaylistBytes = 8 << 20

// Assembler must not be copied after first use.
type Assembler struct {
	// Client fetches playlists. It must carry the session cookies.
	Client  *http.Client
	Fetcher *segfetch.Fetcher
	// Muxer nil behaves like a missing ffmpeg.
	Muxer   mux.Muxer
	Catalog Resolver
	Events  events.Sink
	Metrics *metrics.Metrics
	// Retry applies to playlist fetches. Zero uses the default policy.
	Retry httpclient.RetryPolicy

	unavailableOnce sync.Once
}

func (a *Assembler) client() *http.Client {
	if a.Client == nil {
		return httpclient.Default()
	}
	return a.Client
}

func (a *Assembler) sink() events.Sink { return events.OrDiscard(a.Events) }

// DownloadLecture resolves lec and assembles each feed into dir. One feed is
// written as name; several are written as name_1, name_2. The returned error
// is non-nil only for resource exhaustion (disk full), which should stop a batch.
func (a *Assembler) DownloadLecture(ctx context.Context, lec catalog.Lecture, dir, name string) ([]DownloadResult, error) {
	start := time.Now()
	a.sink().Emit(events.Event{Kind: events.LectureStarted, Lecture: name, Time: start})

	fail := func(reason Reason, source string, err error) ([]DownloadResult, error) {
		res := DownloadResult{Lecture: name, Feed: 1, Source: source, Status: StatusFailed, Reason: reason, Err: err, Duration: time.Since(start)}
		a.report(res)
		return []DownloadResult{res}, nil
	}
	if a.Catalog == nil {
		return fail(ReasonResolve, lec.PageURL, errors.New("no catalog configured"))
	}
	cands, err := a.Catalog.Resolve(ctx, lec)
	if err != nil {
		var nv *rendition.NoVideoRenditionError
		if errors.As(err, &nv) {
			return fail(ReasonNoVideo, lec.PageURL, err)
		}
		return fail(ReasonResolve, lec.PageURL, err)
	}
	urls, err := rendition.SelectURLs(cands.URLs)
	if err != nil {
		return fail(ReasonNoVideo, lec.PageURL, err)
	}
	log.Debugf("assembler: lecture=%q strategy=%s feeds=%d", name, cands.Strategy, len(urls))

	var results []DownloadResult
	for i, u := range urls {
		feedName := name
		if len(urls) > 1 {
			feedName = fmt.Sprintf("%s_%d", name, i+1)
		}
		res, err := a.Assemble(ctx, u, dir, feedName)
		res.Feed = i + 1
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// Assemble downloads one source URL into dir/name.mp4. HLS playlists are
// parsed, renditions selected, audio and video fetched concurrently and then
// muxed; a progressive file is streamed straight to the final path.
//
// Assemble does not check whether the artifact already exists. Every
// failure is reported through the result; only disk-full class errors are
// also returned.
func (a *Assembler) Assemble(ctx context.Context, src, dir, name string) (DownloadResult, error) {
	start := time.Now()
	res := DownloadResult{Lecture: name, Feed: 1, Source: src}
	finish := func(status Status, reason Reason, err error) (DownloadResult, error) {
		res.Status, res.Reason, res.Err = status, reason, err
		res.Success = status == StatusComplete
		res.Duration = time.Since(start)
		a.report(res)
		if IsResourceExhausted(err) {
			return res, err
		}
		return res, nil
	}

	kind, err := probe.Probe(ctx, src, a.client())
	if err != nil {
		return finish(StatusFailed, ReasonUnsupported, err)
	}
	final := artifact.Path(dir, name)

	if kind == probe.StreamDirectFile {
		job := a.Fetcher.File(ctx, segfetch.Target{Lecture: name, Stream: "file", Path: final}, src)
		n, err := job.Wait()
		if err != nil {
			return finish(StatusFailed, ReasonSegmentFetch, err)
		}
		res.Path, res.Bytes = final, n
		return finish(StatusComplete, ReasonNone, nil)
	}

	video, audio, reason, err := a.plan(ctx, src)
	if err != nil {
		return finish(StatusFailed, reason, err)
	}

	// One track failing stops the other.
	trackCtx, cancelTracks := context.WithCancel(ctx)
	defer cancelTracks()

	videoPath := artifact.TrackPath(dir, name, "video", trackExt(video))
	tracks := []*track{{job: a.Fetcher.Segments(trackCtx, segfetch.Target{Lecture: name, Stream: "video", Path: videoPath}, video)}}
	audioPath := ""
	if audio != nil {
		audioPath = artifact.TrackPath(dir, name, "audio", trackExt(audio))
		tracks = append(tracks, &track{job: a.Fetcher.Segments(trackCtx, segfetch.Target{Lecture: name, Stream: "audio", Path: audioPath}, audio)})
	}
	// Both jobs must finish before anything else touches their files.
	n, err := waitTracks(tracks, cancelTracks)
	if err != nil {
		os.Remove(videoPath)
		if audioPath != "" {
			os.Remove(audioPath)
		}
		if ctx.Err() != nil {
			return finish(StatusFailed, ReasonCanceled, err)
		}
		return finish(StatusFailed, ReasonSegmentFetch, err)
	}
	res.Bytes = n

	if audioPath == "" {
		if err := os.Rename(videoPath, final); err != nil {
			os.Remove(videoPath)
			return finish(StatusFailed, ReasonLocalIO, err)
		}
		res.Path = final
		return finish(StatusComplete, ReasonNone, nil)
	}

	res.Intermediates = []string{videoPath, audioPath}
	if err := a.mux(ctx, videoPath, audioPath, final); err != nil {
		res.Path = videoPath
		var (
			ue *mux.MuxerUnavailableError
			oe *mux.OutputError
		)
		switch {
		case errors.As(err, &ue):
			a.unavailableOnce.Do(func() {
				log.Warnf("assembler: muxer unavailable (%v); track files will be kept", err)
			})
			return finish(StatusUnmuxed, ReasonMuxerUnavailable, err)
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return finish(StatusUnmuxed, ReasonCanceled, err)
		case errors.As(err, &oe):
			return finish(StatusUnmuxed, ReasonLocalIO, err)
		}
		return finish(StatusUnmuxed, ReasonMuxerFailed, err)
	}
	for _, p := range res.Intermediates {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Printf("assembler: remove intermediate %s: %v", p, err)
		}
	}
	res.Path = final
	return finish(StatusComplete, ReasonNone, nil)
}

type track struct {
	job *segfetch.Job
	n   int64
	err error
}

// waitTracks waits for every job, calling cancel as soon as one fails. The
// returned error is the first failure that is not a cancellation caused by
// another track, so the root cause is reported.
func waitTracks(tracks []*track, cancel context.CancelFunc) (int64, error) {
	var wg sync.WaitGroup
	for _, t := range tracks {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			if t.n, t.err = t.job.Wait(); t.err != nil {
				cancel()
			}
		}()
	}
	wg.Wait()

	var total int64
	var first error
	for _, t := range tracks {
		total += t.n
		switch {
		case t.err == nil:
		case first == nil:
			first = t.err
		case errors.Is(first, context.Canceled) && !errors.Is(t.err, context.Canceled):
			first = t.err
		}
	}
	return total, first
}

func (a *Assembler) mux(ctx context.Context, video, audio, out string) error {
	if a.Muxer == nil {
		return &mux.MuxerUnavailableError{Path: "ffmpeg", Err: errors.New("no muxer configured")}
	}
	return a.Muxer.Mux(ctx, video, audio, out)
}

// plan fetches the playlist at src and returns the video and (optional)
// audio segment lists to download.
func (a *Assembler) plan(ctx context.Context, src string) (video, audio []hls.SegmentEntry, reason Reason, err error) {
	pl, err := a.fetchPlaylist(ctx, src)
	if err != nil {
		return nil, nil, playlistReason(err), err
	}
	if pl.Kind == hls.KindMedia {
		return pl.Segments, nil, ReasonNone, nil
	}
	sel, err := rendition.Select(pl.Renditions)
	if err != nil {
		var nv *rendition.NoVideoRenditionError
		if errors.As(err, &nv) && nv.Source == "" {
			nv.Source = safeurl.Redact(src)
		}
		return nil, nil, ReasonNoVideo, err
	}
	log.Debugf("assembler: selected video=%s audio=%v reason=%s", safeurl.Redact(sel.Video.URI), sel.Audio != nil, sel.Reason)
	vpl, err := a.fetchMedia(ctx, sel.Video.URI)
	if err != nil {
		return nil, nil, playlistReason(err), err
	}
	if sel.Audio == nil {
		return vpl.Segments, nil, ReasonNone, nil
	}
	apl, err := a.fetchMedia(ctx, sel.Audio.URI)
	if err != nil {
		return nil, nil, playlistReason(err), err
	}
	return vpl.Segments, apl.Segments, ReasonNone, nil
}

func playlistReason(err error) Reason {
	var me *hls.MalformedPlaylistError
	if errors.As(err, &me) {
		return ReasonMalformedPlaylist
	}
	return ReasonPlaylistFetch
}

func (a *Assembler) fetchMedia(ctx context.Context, u string) (*hls.Playlist, error) {
	pl, err := a.fetchPlaylist(ctx, u)
	if err != nil {
		return nil, err
	}
	if pl.Kind != hls.KindMedia {
		return nil, &hls.MalformedPlaylistError{URL: u, Reason: "rendition points at a " + pl.Kind.String() + " playlist"}
	}
	return pl, nil
}

// fetchPlaylist GETs and parses a manifest. URIs resolve against the final
// URL after redirects.
func (a *Assembler) fetchPlaylist(ctx context.Context, u string) (*hls.Playlist, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	policy := a.Retry
	if policy.MaxAttempts <= 0 {
		policy = httpclient.DefaultRetryPolicy
	}
	resp, err := httpclient.DoWithRetry(ctx, a.client(), req, policy)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpclient.NewStatusError(resp, u, policy.Max429Wait)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes))
	if err != nil {
		return nil, fmt.Errorf("read playlist %s: %w", safeurl.Redact(u), err)
	}
	base := u
	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL.String()
	}
	return hls.ParseBytes(data, base)
}

// trackExt picks the intermediate file extension from the segment URIs.
func trackExt(segs []hls.SegmentEntry) string {
	for _, s := range segs {
		if s.Init {
			return ".mp4"
		}
	}
	if len(segs) > 0 {
		p := segs[0].URI
		if i := strings.IndexAny(p, "?#"); i >= 0 {
			p = p[:i]
		}
		switch ext := strings.ToLower(path.Ext(p)); ext {
		case ".aac", ".mp3", ".ac3":
			return ext
		}
	}
	return ".ts"
}

// report emits the terminal event, updates metrics and logs one line per
// failed or unmuxed feed.
func (a *Assembler) report(res DownloadResult) {
	a.Metrics.LectureFinished(string(res.Status))
	e := events.Event{Kind: events.LectureDone, Lecture: res.Lecture, Status: string(res.Status), Bytes: res.Bytes, Err: res.Err, Time: time.Now()}
	if res.Reason != ReasonNone {
		e.Message = string(res.Reason)
	}
	a.sink().Emit(e)
	switch res.Status {
	case StatusFailed:
		log.Warnf("assembler: lecture=%q failed reason=%s err=%v", res.Lecture, res.Reason, res.Err)
	case StatusUnmuxed:
		if res.Reason == ReasonMuxerFailed {
			log.Warnf("assembler: lecture=%q downloaded but unmuxed reason=%s err=%v", res.Lecture, res.Reason, res.Err)
		} else {
			log.Infof("assembler: lecture=%q downloaded but unmuxed reason=%s", res.Lecture, res.Reason)
		}
	default:
		log.Infof("assembler: lecture=%q complete bytes=%d path=%q", res.Lecture, res.Bytes, res.Path)
	}
}

// IsResourceExhausted reports disk-full class errors, the only failures that
// abort a batch.
func IsResourceExhausted(err error) bool {
	return err != nil && (errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT))
}

package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"

	"github.com/snapetech/echodl/internal/events"
)

// renderer drains an event stream and draws one bar per active stream.
// With bars disabled it still logs stream completions at debug level.
type renderer struct {
	bars map[string]*progressbar.ProgressBar
	show bool
	done chan struct{}
}

func newRenderer(s *events.Stream, show bool) *renderer {
	r := &renderer{bars: map[string]*progressbar.ProgressBar{}, show: show, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for e := range s.Events() {
			r.handle(e)
		}
		for _, b := range r.bars {
			_ = b.Exit()
		}
	}()
	return r
}

func (r *renderer) wait() { <-r.done }

func barKey(e events.Event) string { return e.Lecture + "\x00" + e.Stream }

// byteStream reports whether progress is counted in bytes (direct file
// downloads) rather than segments.
func byteStream(e events.Event) bool { return e.Stream == "file" }

// newBar counts segments for HLS streams and bytes for direct files.
func newBar(e events.Event) *progressbar.ProgressBar {
	desc := fmt.Sprintf("%s [%s]", truncate(e.Lecture, 40), e.Stream)
	if byteStream(e) {
		return progressbar.DefaultBytes(e.TotalBytes, desc)
	}
	return progressbar.NewOptions(e.Total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)
}

func (r *renderer) handle(e events.Event) {
	switch e.Kind {
	case events.StreamStarted:
		if r.show {
			r.bars[barKey(e)] = newBar(e)
		}
	case events.StreamProgress:
		b, ok := r.bars[barKey(e)]
		if !ok {
			return
		}
		if byteStream(e) {
			if e.TotalBytes > 0 && b.GetMax64() != e.TotalBytes {
				b.ChangeMax64(e.TotalBytes)
			}
			_ = b.Set64(e.Bytes)
			return
		}
		_ = b.Set(e.Done)
	case events.StreamDone:
		key := barKey(e)
		if b, ok := r.bars[key]; ok {
			if e.Err == nil {
				_ = b.Finish()
			} else {
				_ = b.Exit()
			}
			delete(r.bars, key)
		}
		log.Debugf("progress: lecture=%q stream=%s segments=%d/%d size=%s", e.Lecture, e.Stream, e.Done, e.Total, humanize.Bytes(uint64(max(e.Bytes, 0))))
	case events.LectureSkipped:
		if r.show {
			fmt.Fprintf(os.Stderr, "skip %s (%s)\n", e.Lecture, e.Message)
		}
	case events.LectureDone:
		if r.show {
			fmt.Fprintf(os.Stderr, "%s %s %s\n", e.Status, e.Lecture, humanize.Bytes(uint64(max(e.Bytes, 0))))
		}
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// Package batch walks a course's lectures, skipping finished ones, and hands
// the rest to the assembler one at a time.
package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/snapetech/echodl/internal/artifact"
	"github.com/snapetech/echodl/internal/assembler"
	"github.com/snapetech/echodl/internal/catalog"
	"github.com/snapetech/echodl/internal/events"
	"github.com/snapetech/echodl/internal/ledger"
)

// SyllabusFile is the course snapshot written into each course directory.
const SyllabusFile = "course.json"

// Downloader is the part of the assembler the runner uses.
type Downloader interface {
	DownloadLecture(ctx context.Context, lec catalog.Lecture, dir, name string) ([]assembler.DownloadResult, error)
}

// Runner downloads whole courses.
type Runner struct {
	Downloader Downloader
	OutputDir  string
	// Ledger is optional; when set, lectures completed in earlier runs are
	// skipped even if their files were moved, and every outcome is recorded.
	Ledger *ledger.Ledger
	Events events.Sink
	// Only, when non-empty, limits the run to these lecture numbers.
	Only map[int]bool
}

// Summary totals one course run.
type Summary struct {
	Course   string
	Dir      string
	Total    int
	Skipped  int
	Complete int
	Unmuxed  int
	Failed   int
	Bytes    int64
	Duration time.Duration
	Results  []assembler.DownloadResult
}

func (s Summary) String() string {
	return fmt.Sprintf("course=%q lectures=%d complete=%d unmuxed=%d failed=%d skipped=%d size=%s elapsed=%s",
		s.Course, s.Total, s.Complete, s.Unmuxed, s.Failed, s.Skipped,
		humanize.Bytes(uint64(s.Bytes)), s.Duration.Round(time.Second))
}

// Add folds another summary into s (used for multi-course batches).
func (s *Summary) Add(o Summary) {
	s.Total += o.Total
	s.Skipped += o.Skipped
	s.Complete += o.Complete
	s.Unmuxed += o.Unmuxed
	s.Failed += o.Failed
	s.Bytes += o.Bytes
	s.Duration += o.Duration
	s.Results = append(s.Results, o.Results...)
}

// RunCourse downloads every lecture of c that is not already present.
// Per-lecture failures are counted, never returned; the error is non-nil only
// when the context ends or the disk is full.
func (r *Runner) RunCourse(ctx context.Context, c *catalog.Course) (Summary, error) {
	start := time.Now()
	dir := artifact.CourseDir(r.OutputDir, c.Name)
	sum := Summary{Course: c.Name, Dir: dir, Total: len(c.Lectures)}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return sum, err
	}
	if err := c.Save(filepath.Join(dir, SyllabusFile)); err != nil {
		log.Printf("batch: save syllabus snapshot: %v", err)
	}
	sink := events.OrDiscard(r.Events)
	log.Printf("batch: course=%q lectures=%d dir=%q", c.Name, len(c.Lectures), dir)

	for _, lec := range c.Lectures {
		if err := ctx.Err(); err != nil {
			sum.Duration = time.Since(start)
			return sum, err
		}
		if len(r.Only) > 0 && !r.Only[lec.Number] {
			continue
		}
		name := lec.FileName()
		if skip, why := r.skip(ctx, dir, name, lec); skip {
			sum.Skipped++
			sink.Emit(events.Event{Kind: events.LectureSkipped, Lecture: name, Message: why, Time: time.Now()})
			log.Printf("batch: skip lecture=%q reason=%s", name, why)
			continue
		}
		results, err := r.Downloader.DownloadLecture(ctx, lec, dir, name)
		sum.Results = append(sum.Results, results...)
		status, bytes := lectureStatus(results)
		sum.Bytes += bytes
		switch status {
		case assembler.StatusComplete:
			sum.Complete++
		case assembler.StatusUnmuxed:
			sum.Unmuxed++
		default:
			sum.Failed++
		}
		r.record(ctx, c, lec, name, status, results)
		if err != nil {
			sum.Duration = time.Since(start)
			return sum, fmt.Errorf("batch: lecture %q: %w", name, err)
		}
	}
	sum.Duration = time.Since(start)
	return sum, nil
}

func (r *Runner) skip(ctx context.Context, dir, name string, lec catalog.Lecture) (bool, string) {
	if artifact.Exists(dir, name) {
		return true, "exists"
	}
	if r.Ledger != nil {
		done, err := r.Ledger.Completed(ctx, lec.ID)
		if err != nil {
			log.Printf("batch: ledger lookup lecture=%s: %v", lec.ID, err)
			return false, ""
		}
		if done {
			return true, "ledger"
		}
	}
	return false, ""
}

// lectureStatus is complete only when every feed is complete, failed when any
// feed failed, and unmuxed otherwise.
func lectureStatus(results []assembler.DownloadResult) (assembler.Status, int64) {
	if len(results) == 0 {
		return assembler.StatusFailed, 0
	}
	status := assembler.StatusComplete
	var n int64
	for _, res := range results {
		n += res.Bytes
		switch {
		case res.Status == assembler.StatusFailed:
			status = assembler.StatusFailed
		case res.Status == assembler.StatusUnmuxed && status == assembler.StatusComplete:
			status = assembler.StatusUnmuxed
		}
	}
	return status, n
}

func (r *Runner) record(ctx context.Context, c *catalog.Course, lec catalog.Lecture, name string, status assembler.Status, results []assembler.DownloadResult) {
	if r.Ledger == nil {
		return
	}
	e := ledger.Entry{LectureID: lec.ID, Course: c.Name, Name: name, Status: string(status)}
	for _, res := range results {
		e.Bytes += res.Bytes
		e.Duration += res.Duration
		if e.Path == "" {
			e.Path = res.Path
		}
		if e.Reason == "" && res.Reason != assembler.ReasonNone {
			e.Reason = string(res.Reason)
		}
	}
	if _, err := r.Ledger.Record(ctx, e); err != nil {
		log.Printf("batch: %v", err)
	}
}

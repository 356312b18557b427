package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/snapetech/echodl/internal/artifact"
	"github.com/snapetech/echodl/internal/assembler"
	"github.com/snapetech/echodl/internal/catalog"
	"github.com/snapetech/echodl/internal/ledger"
)

type fakeDownloader struct {
	calls  []string
	status map[string]assembler.Status
	err    error
}

func (f *fakeDownloader) DownloadLecture(ctx context.Context, lec catalog.Lecture, dir, name string) ([]assembler.DownloadResult, error) {
	f.calls = append(f.calls, lec.ID)
	st := f.status[lec.ID]
	if st == "" {
		st = assembler.StatusComplete
	}
	res := assembler.DownloadResult{Lecture: name, Feed: 1, Status: st, Success: st == assembler.StatusComplete, Bytes: 1000}
	if st == assembler.StatusComplete {
		res.Path = artifact.Path(dir, name)
		if err := os.WriteFile(res.Path, []byte("x"), 0644); err != nil {
			return nil, err
		}
	} else {
		res.Reason = assembler.ReasonSegmentFetch
	}
	return []assembler.DownloadResult{res}, f.err
}

func testCourse() *catalog.Course {
	day := func(d int) time.Time { return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC) }
	return &catalog.Course{
		Name: "CS 101",
		Lectures: []catalog.Lecture{
			{ID: "a", Title: "One", Date: day(1), Number: 1},
			{ID: "b", Title: "Two", Date: day(8), Number: 2},
			{ID: "c", Title: "Three", Date: day(15), Number: 3},
		},
	}
}

func TestRunCourse(t *testing.T) {
	out := t.TempDir()
	c := testCourse()
	dir := artifact.CourseDir(out, c.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	// Lecture a is already on disk.
	if err := os.WriteFile(artifact.Path(dir, c.Lectures[0].FileName()), nil, 0644); err != nil {
		t.Fatal(err)
	}
	l, err := ledger.Open(filepath.Join(out, "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	d := &fakeDownloader{status: map[string]assembler.Status{"c": assembler.StatusFailed}}
	r := &Runner{Downloader: d, OutputDir: out, Ledger: l}
	sum, err := r.RunCourse(context.Background(), c)
	if err != nil {
		t.Fatalf("RunCourse: %v", err)
	}
	if sum.Skipped != 1 || sum.Complete != 1 || sum.Failed != 1 || sum.Total != 3 {
		t.Errorf("summary = %+v", sum)
	}
	if strings.Join(d.calls, ",") != "b,c" {
		t.Errorf("calls = %v", d.calls)
	}
	if s := sum.String(); !strings.Contains(s, "complete=1") || !strings.Contains(s, "2.0 kB") {
		t.Errorf("String() = %q", s)
	}
	if _, err := os.Stat(filepath.Join(dir, SyllabusFile)); err != nil {
		t.Errorf("syllabus snapshot: %v", err)
	}

	// Remove b's file: the ledger still knows it is done; c is retried.
	os.Remove(artifact.Path(dir, c.Lectures[1].FileName()))
	d2 := &fakeDownloader{}
	r.Downloader = d2
	sum, err = r.RunCourse(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(d2.calls, ",") != "c" || sum.Skipped != 2 {
		t.Errorf("second run calls = %v summary = %+v", d2.calls, sum)
	}
	hist, _ := l.History(context.Background(), "c")
	if len(hist) != 2 || hist[0].Status != "complete" || hist[1].Reason != "segment_fetch" {
		t.Errorf("history c = %+v", hist)
	}
}

func TestRunCourse_stopsOnDiskFull(t *testing.T) {
	d := &fakeDownloader{err: &os.PathError{Op: "write", Path: "x", Err: syscall.ENOSPC}}
	r := &Runner{Downloader: d, OutputDir: t.TempDir()}
	_, err := r.RunCourse(context.Background(), testCourse())
	if !errors.Is(err, syscall.ENOSPC) || len(d.calls) != 1 {
		t.Errorf("err = %v calls = %v", err, d.calls)
	}
}

func TestRunCourse_only(t *testing.T) {
	d := &fakeDownloader{}
	r := &Runner{Downloader: d, OutputDir: t.TempDir(), Only: map[int]bool{2: true}}
	if _, err := r.RunCourse(context.Background(), testCourse()); err != nil {
		t.Fatal(err)
	}
	if strings.Join(d.calls, ",") != "b" {
		t.Errorf("calls = %v", d.calls)
	}
}

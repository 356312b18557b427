package artifact

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPath_stable(t *testing.T) {
	p1 := Path("/out", "2024-01-15 - Lecture 1")
	p2 := Path("/out", "2024-01-15 - Lecture 1")
	if p1 != p2 || filepath.Ext(p1) != ".mp4" {
		t.Errorf("Path = %q vs %q", p1, p2)
	}
}

func TestPartialPath(t *testing.T) {
	p := Path("/out", "x")
	pp := PartialPath(p)
	if pp == p || filepath.Ext(pp) != ".partial" {
		t.Errorf("PartialPath = %s", pp)
	}
}

func TestLectureName(t *testing.T) {
	d := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		title string
		want  string
	}{
		{"Intro: Sets/Maps", "2024-01-15 - Lecture 3 [Intro_ Sets_Maps]"},
		{"", "2024-01-15 - Lecture 3"},
		{"  spaced  ", "2024-01-15 - Lecture 3 [spaced]"},
	}
	for _, tt := range tests {
		if got := LectureName(d, 3, tt.title); got != tt.want {
			t.Errorf("LectureName(%q) = %q, want %q", tt.title, got, tt.want)
		}
	}
	long := LectureName(d, 1, strings.Repeat("é", 200))
	if n := strings.Count(long, "é"); n != MaxTitleRunes {
		t.Errorf("title runes = %d, want %d", n, MaxTitleRunes)
	}
}

func TestCourseDir(t *testing.T) {
	if got := CourseDir("dl", ""); got != filepath.Join("dl", UntitledCourse) {
		t.Errorf("CourseDir empty = %q", got)
	}
	if got := CourseDir("dl", "CS 101: Algorithms"); got != filepath.Join("dl", "CS 101_ Algorithms") {
		t.Errorf("CourseDir = %q", got)
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	name := "2024-01-15 - Lecture 1 [A]"
	if Exists(dir, name) {
		t.Fatal("Exists on empty dir")
	}
	touch := func(n string) {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	touch(name + ".mp4.partial")
	touch("2024-01-15 - Lecture 10 [B].mp4")
	if Exists(dir, name) {
		t.Error("partial or other lecture counted")
	}
	touch(name + "_video.ts")
	if !Exists(dir, name) {
		t.Error("kept track not counted")
	}
	if !Exists(dir, "2024-01-15 - Lecture 10 [B]") {
		t.Error("mp4 not counted")
	}
}

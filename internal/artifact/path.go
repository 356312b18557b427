// Package artifact names the files a download produces.
package artifact

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// UntitledCourse names the output directory when a syllabus has no course name.
	UntitledCourse = "[[UNTITLED]]"
	// MaxTitleRunes caps the lecture title embedded in a file name.
	MaxTitleRunes = 150
	// DateLayout is the date prefix of every lecture file.
	DateLayout = "2006-01-02"

	partialSuffix = ".partial"
	partsInfix    = ".parts-"
)

var unsafeChars = regexp.MustCompile(`[\\/:*?"<>|\x00-\x1f]`)

// Sanitize makes s safe as a single path element on common filesystems.
func Sanitize(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, " .")
	if s == "" {
		s = "unknown"
	}
	return s
}

// LectureName is "<date> - Lecture <n> [<title>]" with the title truncated.
// An empty title drops the bracketed part.
func LectureName(date time.Time, n int, title string) string {
	name := date.Format(DateLayout) + " - Lecture " + strconv.Itoa(n)
	title = strings.TrimSpace(title)
	if r := []rune(title); len(r) > MaxTitleRunes {
		title = strings.TrimSpace(string(r[:MaxTitleRunes]))
	}
	if title != "" {
		name += " [" + title + "]"
	}
	return Sanitize(name)
}

// CourseDir is the per-course output directory under root.
func CourseDir(root, course string) string {
	if strings.TrimSpace(course) == "" {
		course = UntitledCourse
	}
	return filepath.Join(root, Sanitize(course))
}

// Path is the final MP4 for a lecture. Stable: the same name always maps to the same path.
func Path(dir, name string) string {
	return filepath.Join(dir, name+".mp4")
}

// TrackPath is an intermediate single-stream file, e.g. "<name>_audio.ts".
func TrackPath(dir, name, stream, ext string) string {
	return filepath.Join(dir, name+"_"+stream+ext)
}

// PartialPath is where p is written before being renamed into place.
func PartialPath(p string) string {
	return p + partialSuffix
}

// Exists reports whether dir already holds a finished artifact for name:
// the MP4 itself or kept track files. Partial files and work directories
// do not count.
func Exists(dir, name string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || strings.HasSuffix(n, partialSuffix) || strings.Contains(n, partsInfix) {
			continue
		}
		if strings.HasPrefix(n, name+".") || strings.HasPrefix(n, name+"_") {
			return true
		}
	}
	return false
}

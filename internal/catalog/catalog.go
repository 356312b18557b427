// Package catalog models a course syllabus from the lecture portal and
// resolves each lecture to candidate stream URLs.
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/snapetech/echodl/internal/artifact"
)

// Lecture is one syllabus entry. All fields are derived once from the
// syllabus JSON when the Course is built.
type Lecture struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Date     time.Time `json:"date"`
	Number   int       `json:"number"` // 1-based position after sorting by date
	PageURL  string    `json:"page_url"`
	HasVideo bool      `json:"has_video"`
	// MP4URLs are the primary progressive files, in syllabus order.
	MP4URLs []string `json:"mp4_urls,omitempty"`
	// ManifestURLs are the HLS manifests exactly as the syllabus lists them.
	ManifestURLs []string `json:"manifest_urls,omitempty"`
}

// FileName is the output name (without extension) for this lecture.
func (l Lecture) FileName() string {
	return artifact.LectureName(l.Date, l.Number, l.Title)
}

// Course is a parsed syllabus.
type Course struct {
	SectionID string    `json:"section_id"`
	Name      string    `json:"name"`
	Portal    string    `json:"portal"`
	Lectures  []Lecture `json:"lectures"`
}

// epoch is used when a lecture has no usable date.
var epoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// syllabus mirrors the parts of the portal's syllabus JSON that are used.
type syllabus struct {
	Data []struct {
		Lesson struct {
			Lesson struct {
				ID        flexString `json:"id"`
				Name      string     `json:"name"`
				CreatedAt *string    `json:"createdAt"`
			} `json:"lesson"`
			StartTimeUTC      *string `json:"startTimeUTC"`
			HasVideo          bool    `json:"hasVideo"`
			HasAvailableVideo bool    `json:"hasAvailableVideo"`
			Video             *struct {
				Published struct {
					CourseName string `json:"courseName"`
				} `json:"published"`
				Media struct {
					Media struct {
						Current struct {
							PrimaryFiles []struct {
								S3URL string `json:"s3Url"`
							} `json:"primaryFiles"`
						} `json:"current"`
						Versions []struct {
							Manifests []struct {
								URI string `json:"uri"`
							} `json:"manifests"`
						} `json:"versions"`
					} `json:"media"`
				} `json:"media"`
			} `json:"video"`
		} `json:"lesson"`
	} `json:"data"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	*f = flexString(b)
	return nil
}

// ParseSyllabus builds a Course from syllabus JSON. portal is the portal base
// URL (e.g. https://echo360.org). Entries without an id are dropped.
func ParseSyllabus(data []byte, portal, sectionID string) (*Course, error) {
	var doc syllabus
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("catalog: parse syllabus: %w", err)
	}
	portal = strings.TrimRight(portal, "/")
	c := &Course{SectionID: sectionID, Portal: portal}
	for _, d := range doc.Data {
		ls := d.Lesson
		id := strings.TrimSpace(string(ls.Lesson.ID))
		if id == "" {
			continue
		}
		lec := Lecture{
			ID:       id,
			Title:    ls.Lesson.Name,
			Date:     lectureDate(ls.StartTimeUTC, ls.Lesson.CreatedAt),
			PageURL:  portal + "/lesson/" + id + "/classroom",
			HasVideo: ls.HasVideo && ls.HasAvailableVideo,
		}
		if v := ls.Video; v != nil {
			if c.Name == "" {
				c.Name = strings.TrimSpace(v.Published.CourseName)
			}
			for _, f := range v.Media.Media.Current.PrimaryFiles {
				if f.S3URL != "" {
					lec.MP4URLs = append(lec.MP4URLs, f.S3URL)
				}
			}
			if vs := v.Media.Media.Versions; len(vs) > 0 {
				for _, m := range vs[0].Manifests {
					if m.URI != "" {
						lec.ManifestURLs = append(lec.ManifestURLs, m.URI)
					}
				}
			}
		}
		c.Lectures = append(c.Lectures, lec)
	}
	if c.Name == "" {
		c.Name = artifact.UntitledCourse
	}
	sort.SliceStable(c.Lectures, func(i, j int) bool { return c.Lectures[i].Date.Before(c.Lectures[j].Date) })
	for i := range c.Lectures {
		c.Lectures[i].Number = i + 1
	}
	return c, nil
}

func lectureDate(candidates ...*string) time.Time {
	for _, s := range candidates {
		if s == nil || strings.TrimSpace(*s) == "" {
			continue
		}
		if t, ok := parseDate(strings.TrimSpace(*s)); ok {
			return t
		}
		// The first present value decides; an unparseable one means no date.
		return epoch
	}
	return epoch
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// SyllabusURL is the portal endpoint returning a section's syllabus JSON.
func SyllabusURL(portal, sectionID string) string {
	return strings.TrimRight(portal, "/") + "/section/" + sectionID + "/syllabus"
}

// Save writes the course to path as JSON using a temp-file-then-rename
// strategy so readers never see a partially-written file.
func (c *Course) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(filepath.Clean(path))
	tmp, err := os.CreateTemp(dir, ".course-*.json.tmp")
	if err != nil {
		return fmt.Errorf("course save: create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("course save: write: %w", writeErr)
		}
		return fmt.Errorf("course save: close: %w", closeErr)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("course save: chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("course save: rename: %w", err)
	}
	return nil
}

// LoadCourse reads a course written by Save.
func LoadCourse(path string) (*Course, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Course
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("course load %s: %w", path, err)
	}
	return &c, nil
}

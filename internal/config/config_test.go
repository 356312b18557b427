package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoad_defaults(t *testing.T) {
	os.Clearenv()
	c := Load()
	if c.PortalURL != "https://echo360.org" || c.OutputDir != "download" || c.Workers != 50 {
		t.Errorf("defaults = %+v", c)
	}
	if c.MaxAttempts != 5 || c.Backoff != 500*time.Millisecond || c.MaxBackoff != 8*time.Second {
		t.Errorf("retry defaults = %+v", c)
	}
	if c.AudioCodec != "aac" || c.MaxRPS != 0 || c.LogLevel != "info" || c.LogJSON {
		t.Errorf("defaults = %+v", c)
	}
}

func TestLoad_audioCodec(t *testing.T) {
	tests := []struct {
		env  string
		want string
	}{
		{"", "aac"},
		{"copy", "aac"},
		{"COPY", "aac"},
		{"libopus", "libopus"},
	}
	for _, tt := range tests {
		os.Clearenv()
		if tt.env != "" {
			os.Setenv("ECHODL_AUDIO_CODEC", tt.env)
		}
		if got := Load().AudioCodec; got != tt.want {
			t.Errorf("ECHODL_AUDIO_CODEC=%q: AudioCodec = %q, want %q", tt.env, got, tt.want)
		}
	}
}

func TestLoad_env(t *testing.T) {
	os.Clearenv()
	os.Setenv("ECHODL_PORTAL_URL", "https://echo360.org.au/")
	os.Setenv("ECHODL_WORKERS", "8")
	os.Setenv("ECHODL_MAX_RPS", "12.5")
	os.Setenv("ECHODL_BACKOFF", "2s")
	os.Setenv("ECHODL_MAX_BACKOFF", "1s")
	os.Setenv("ECHODL_LOG_JSON", "true")
	os.Setenv("ECHODL_SECTIONS", "abc, https://echo360.org/section/def/home,abc")
	c := Load()
	if c.PortalURL != "https://echo360.org.au" || c.Workers != 8 || c.MaxRPS != 12.5 || !c.LogJSON {
		t.Errorf("config = %+v", c)
	}
	if c.MaxBackoff != 2*time.Second {
		t.Errorf("MaxBackoff = %v, want raised to Backoff", c.MaxBackoff)
	}
	if !reflect.DeepEqual(c.Sections, []string{"abc", "def"}) {
		t.Errorf("Sections = %v", c.Sections)
	}
	p := c.RetryPolicy()
	if p.MaxAttempts != 5 || p.BaseBackoff != 2*time.Second || p.Max429Wait == 0 {
		t.Errorf("RetryPolicy = %+v", p)
	}
}

func TestLoad_invalidFallsBack(t *testing.T) {
	os.Clearenv()
	os.Setenv("ECHODL_WORKERS", "-3")
	os.Setenv("ECHODL_SEGMENT_TIMEOUT", "soon")
	c := Load()
	if c.Workers != 50 || c.SegmentTimeout != 60*time.Second {
		t.Errorf("config = %+v", c)
	}
}

func TestSectionID(t *testing.T) {
	tests := []struct{ in, want string }{
		{"3c5d1f0e", "3c5d1f0e"},
		{"https://echo360.org/section/3c5d1f0e/home", "3c5d1f0e"},
		{"https://echo360.org/section/3c5d1f0e/syllabus", "3c5d1f0e"},
		{"https://echo360.org/lesson/x/classroom", ""},
	}
	for _, tt := range tests {
		if got := SectionID(tt.in); got != tt.want {
			t.Errorf("SectionID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batch.yaml")
	body := `portal: https://echo360.ca
output_dir: lectures
cookies_file: cookies.txt
workers: 12
courses:
  - section: aaa
  - section: https://echo360.ca/section/bbb/home
    output_dir: other
    lectures: [1, 3]
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if len(m.Courses) != 2 || m.Courses[1].Section != "bbb" || !reflect.DeepEqual(m.Courses[1].Lectures, []int{1, 3}) {
		t.Errorf("courses = %+v", m.Courses)
	}
	if m.CookiesFile != filepath.Join(dir, "cookies.txt") {
		t.Errorf("CookiesFile = %q", m.CookiesFile)
	}

	os.Clearenv()
	c := Load()
	m.Apply(c)
	if c.PortalURL != "https://echo360.ca" || c.OutputDir != "lectures" || c.Workers != 12 {
		t.Errorf("applied = %+v", c)
	}
}

func TestLoadManifest_errors(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"empty.yaml":   "portal: https://echo360.org\n",
		"nosect.yaml":  "courses:\n  - output_dir: x\n",
		"unknown.yaml": "courses:\n  - section: a\nworkerz: 3\n",
	} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadManifest(p); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

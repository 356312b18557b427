package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is a YAML batch description:
//
//	portal: https://echo360.org
//	output_dir: lectures
//	cookies_file: cookies.txt
//	workers: 20
//	courses:
//	  - section: 3c5d1f0e-...            # id or section URL
//	  - section: https://echo360.org/section/9a1b.../home
//	    output_dir: other
//	    lectures: [1, 2, 5]
type Manifest struct {
	Portal      string           `yaml:"portal"`
	OutputDir   string           `yaml:"output_dir"`
	CookiesFile string           `yaml:"cookies_file"`
	LedgerPath  string           `yaml:"ledger_path"`
	Workers     int              `yaml:"workers"`
	Courses     []ManifestCourse `yaml:"courses"`
}

// ManifestCourse is one section to download.
type ManifestCourse struct {
	Section   string `yaml:"section"`
	OutputDir string `yaml:"output_dir"`
	Lectures  []int  `yaml:"lectures"`
}

// LoadManifest reads and validates a manifest. Relative cookie and ledger
// paths are taken relative to the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	path = filepath.Clean(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	if len(m.Courses) == 0 {
		return nil, fmt.Errorf("manifest %s: no courses", path)
	}
	for i := range m.Courses {
		id := SectionID(m.Courses[i].Section)
		if id == "" {
			return nil, fmt.Errorf("manifest %s: course %d: missing or invalid section", path, i+1)
		}
		m.Courses[i].Section = id
	}
	base := filepath.Dir(path)
	m.CookiesFile = relTo(base, m.CookiesFile)
	m.LedgerPath = relTo(base, m.LedgerPath)
	return &m, nil
}

func relTo(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Apply overrides c with the manifest's non-empty settings.
func (m *Manifest) Apply(c *Config) {
	if m.Portal != "" {
		c.PortalURL = strings.TrimRight(m.Portal, "/")
	}
	if m.OutputDir != "" {
		c.OutputDir = m.OutputDir
	}
	if m.CookiesFile != "" {
		c.CookiesFile = m.CookiesFile
	}
	if m.LedgerPath != "" {
		c.LedgerPath = m.LedgerPath
	}
	if m.Workers > 0 {
		c.Workers = m.Workers
	}
}

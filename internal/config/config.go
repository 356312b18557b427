package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/snapetech/echodl/internal/httpclient"
)

// Config holds downloader settings.
// Load from env and/or a YAML manifest (LoadManifest + Apply).
type Config struct {
	// Portal
	PortalURL   string   // e.g. https://echo360.org
	Sections    []string // section ids from ECHODL_SECTIONS (ids or section URLs)
	CookiesFile string   // Netscape cookies.txt or JSON cookie export
	UserAgent   string

	// Paths
	OutputDir  string // lecture files go to OutputDir/<course name>/
	LedgerPath string // sqlite download ledger; "" = disabled

	// Fetching
	Workers        int // max in-flight requests per host, shared by audio and video
	MaxAttempts    int
	Backoff        time.Duration
	MaxBackoff     time.Duration
	MaxRPS         float64 // 0 = unlimited
	SegmentTimeout time.Duration

	// Muxing
	FFmpegPath string // "" = ffmpeg on PATH
	AudioCodec string // ffmpeg -c:a encoder; "copy" falls back to aac

	// Observability
	LogLevel    string // debug | info | warn | error
	LogJSON     bool
	MetricsAddr string // e.g. :9090; "" = no metrics server
}

// Load reads config from environment. Call LoadEnvFile(".env") before Load() to use a .env file.
func Load() *Config {
	c := &Config{
		PortalURL:      strings.TrimRight(getEnv("ECHODL_PORTAL_URL", "https://echo360.org"), "/"),
		Sections:       ParseSections(os.Getenv("ECHODL_SECTIONS")),
		CookiesFile:    os.Getenv("ECHODL_COOKIES_FILE"),
		UserAgent:      getEnv("ECHODL_USER_AGENT", httpclient.DefaultUserAgent),
		OutputDir:      getEnv("ECHODL_OUTPUT_DIR", "download"),
		LedgerPath:     os.Getenv("ECHODL_LEDGER_PATH"),
		Workers:        getEnvInt("ECHODL_WORKERS", 50),
		MaxAttempts:    getEnvInt("ECHODL_MAX_ATTEMPTS", 5),
		Backoff:        getEnvDuration("ECHODL_BACKOFF", 500*time.Millisecond),
		MaxBackoff:     getEnvDuration("ECHODL_MAX_BACKOFF", 8*time.Second),
		MaxRPS:         getEnvFloat("ECHODL_MAX_RPS", 0),
		SegmentTimeout: getEnvDuration("ECHODL_SEGMENT_TIMEOUT", 60*time.Second),
		FFmpegPath:     os.Getenv("ECHODL_FFMPEG_PATH"),
		AudioCodec:     getEnv("ECHODL_AUDIO_CODEC", "aac"),
		LogLevel:       getEnv("ECHODL_LOG_LEVEL", "info"),
		LogJSON:        getEnvBool("ECHODL_LOG_JSON", false),
		MetricsAddr:    os.Getenv("ECHODL_METRICS_ADDR"),
	}
	if c.Workers <= 0 {
		c.Workers = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff <= 0 {
		c.Backoff = 500 * time.Millisecond
	}
	if c.MaxBackoff < c.Backoff {
		c.MaxBackoff = c.Backoff
	}
	if c.MaxRPS < 0 {
		c.MaxRPS = 0
	}
	if c.SegmentTimeout <= 0 {
		c.SegmentTimeout = 60 * time.Second
	}
	// Audio is always re-encoded into the MP4.
	if c.AudioCodec == "" || strings.EqualFold(c.AudioCodec, "copy") {
		c.AudioCodec = "aac"
	}
	return c
}

// RetryPolicy is the request retry policy built from the config.
func (c *Config) RetryPolicy() httpclient.RetryPolicy {
	p := httpclient.DefaultRetryPolicy
	p.MaxAttempts = c.MaxAttempts
	p.BaseBackoff = c.Backoff
	p.MaxBackoff = c.MaxBackoff
	return p
}

// ParseSections splits a comma/whitespace separated list of section ids or
// section URLs (…/section/<id>/home) into ids, dropping duplicates.
func ParseSections(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\n' || r == '\t' })
	seen := map[string]bool{}
	var out []string
	for _, f := range fields {
		id := SectionID(f)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// SectionID extracts the section id from an id or a portal section URL.
func SectionID(s string) string {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "/") {
		return s
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "section" {
			return parts[i+1]
		}
	}
	return ""
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, _ := strconv.Atoi(v)
		return n
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

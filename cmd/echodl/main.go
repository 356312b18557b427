// Command echodl downloads lecture recordings from an Echo360-style portal.
//
// Subcommands:
//
//	course  Download every lecture of one or more course sections
//	batch   Download the courses listed in a YAML manifest
//	get     Download a single HLS playlist or MP4 URL
//	check   Verify the session cookies and the ffmpeg install
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/snapetech/echodl/internal/artifact"
	"github.com/snapetech/echodl/internal/assembler"
	"github.com/snapetech/echodl/internal/batch"
	"github.com/snapetech/echodl/internal/catalog"
	"github.com/snapetech/echodl/internal/config"
	"github.com/snapetech/echodl/internal/events"
	"github.com/snapetech/echodl/internal/health"
	"github.com/snapetech/echodl/internal/httpclient"
	"github.com/snapetech/echodl/internal/ledger"
	"github.com/snapetech/echodl/internal/metrics"
	"github.com/snapetech/echodl/internal/mux"
	"github.com/snapetech/echodl/internal/segfetch"
	"github.com/snapetech/echodl/internal/session"
)

// app is everything a download run needs, built once from config.
type app struct {
	cfg       *config.Config
	source    *session.FileSource
	fetcher   *segfetch.Fetcher
	assembler *assembler.Assembler
	ledger    *ledger.Ledger
	metrics   *metrics.Metrics
	stream    *events.Stream
	renderer  *renderer
}

func setupLogging(cfg *config.Config, verbose bool) {
	if cfg.LogJSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	if verbose {
		level = log.DebugLevel
	}
	log.SetLevel(level)
}

// newApp wires the session, fetcher, muxer, catalog and ledger.
func newApp(cfg *config.Config, showProgress bool) (*app, error) {
	if cfg.CookiesFile == "" {
		return nil, errors.New("no cookies file (set -cookies or ECHODL_COOKIES_FILE)")
	}
	src, err := session.NewFileSource(cfg.CookiesFile, cfg.UserAgent, cfg.SegmentTimeout)
	if err != nil {
		return nil, fmt.Errorf("load cookies %s: %w", cfg.CookiesFile, err)
	}
	segClient, err := segmentClient(context.Background(), cfg, src)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, source: src, metrics: metrics.New(), stream: events.NewStream(256)}
	a.renderer = newRenderer(a.stream, showProgress)

	retry := cfg.RetryPolicy()
	a.fetcher = segfetch.New(segfetch.Config{
		Workers: cfg.Workers,
		Retry:   retry,
		MaxRPS:  cfg.MaxRPS,
		Client:  segClient,
		Metrics: a.metrics,
		Events:  a.stream,
	})

	ffmpeg := &mux.FFmpeg{AudioCodec: cfg.AudioCodec}
	if p, err := mux.ResolvePath(cfg.FFmpegPath); err == nil {
		ffmpeg.Path = p
	} else {
		log.Debugf("main: ffmpeg lookup err=%v", err)
		ffmpeg.Path = cfg.FFmpegPath
	}

	cat, err := catalog.New(cfg.PortalURL, src)
	if err != nil {
		return nil, err
	}
	a.assembler = &assembler.Assembler{
		Client:  src.Client(),
		Fetcher: a.fetcher,
		Muxer:   ffmpeg,
		Catalog: cat,
		Events:  a.stream,
		Metrics: a.metrics,
		Retry:   retry,
	}

	if cfg.LedgerPath != "" {
		l, err := ledger.Open(cfg.LedgerPath)
		if err != nil {
			return nil, fmt.Errorf("open ledger %s: %w", cfg.LedgerPath, err)
		}
		a.ledger = l
	}
	return a, nil
}

// segmentClient is the client segment and file downloads go through, carrying
// the session cookies.
func segmentClient(ctx context.Context, cfg *config.Config, src session.Source) (*http.Client, error) {
	cookies, err := src.Cookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("read session cookies: %w", err)
	}
	return httpclient.Authenticated(cfg.SegmentTimeout, cookies, cfg.UserAgent), nil
}

// close stops the renderer and releases the ledger.
func (a *app) close() {
	a.stream.Close()
	a.renderer.wait()
	if n := a.stream.Dropped(); n > 0 {
		log.Debugf("main: dropped %d progress events", n)
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			log.Warnf("main: close ledger: %v", err)
		}
	}
}

// serveMetrics starts the Prometheus endpoint when addr is set.
func (a *app) serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	m := http.NewServeMux()
	m.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: m, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Printf("Metrics listening on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("main: metrics server: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// checkSession probes the first section's syllabus so an expired cookie file
// fails fast instead of once per lecture.
func (a *app) checkSession(ctx context.Context, section string) error {
	return health.CheckSession(ctx, a.source.Client(), catalog.SyllabusURL(a.cfg.PortalURL, section))
}

// runCourse fetches one section's syllabus and downloads it.
func (a *app) runCourse(ctx context.Context, section, outputDir string, only map[int]bool) (batch.Summary, error) {
	c, err := catalog.FetchSyllabus(ctx, a.source.Client(), a.cfg.PortalURL, section)
	if err != nil {
		return batch.Summary{}, err
	}
	log.Printf("Loaded course %q: %d lectures (section %s)", c.Name, len(c.Lectures), section)
	r := &batch.Runner{
		Downloader: a.assembler,
		OutputDir:  outputDir,
		Ledger:     a.ledger,
		Events:     a.stream,
		Only:       only,
	}
	return r.RunCourse(ctx, c)
}

// parseLectures turns "1,3,5-7" into a set of lecture numbers.
func parseLectures(s string) (map[int]bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	out := map[int]bool{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		from, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil || from < 1 {
			return nil, fmt.Errorf("bad lecture number %q", part)
		}
		to := from
		if isRange {
			to, err = strconv.Atoi(strings.TrimSpace(hi))
			if err != nil || to < from {
				return nil, fmt.Errorf("bad lecture range %q", part)
			}
		}
		for n := from; n <= to; n++ {
			out[n] = true
		}
	}
	return out, nil
}

func lectureSet(nums []int) map[int]bool {
	if len(nums) == 0 {
		return nil
	}
	out := make(map[int]bool, len(nums))
	for _, n := range nums {
		out[n] = true
	}
	return out
}

// nameFromURL derives an output name from the last path element of a URL.
func nameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "download"
	}
	base := path.Base(u.Path)
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" || base == "." || base == "/" {
		return "download"
	}
	return base
}

func exitCode(sum batch.Summary, err error) int {
	if err != nil || sum.Failed > 0 || sum.Unmuxed > 0 {
		return 1
	}
	return 0
}

func main() {
	_ = config.LoadEnvFile(".env")

	courseCmd := flag.NewFlagSet("course", flag.ExitOnError)
	courseCookies := courseCmd.String("cookies", "", "Cookies file, Netscape or JSON (default: ECHODL_COOKIES_FILE)")
	courseOut := courseCmd.String("out", "", "Output root (default: ECHODL_OUTPUT_DIR)")
	courseLectures := courseCmd.String("lectures", "", "Only these lecture numbers, e.g. 1,3,5-7")
	courseWorkers := courseCmd.Int("workers", 0, "Max in-flight requests per host (default: ECHODL_WORKERS)")
	courseSkipHealth := courseCmd.Bool("skip-health", false, "Skip the session check at startup")
	courseNoProgress := courseCmd.Bool("no-progress", false, "Disable progress bars")
	courseVerbose := courseCmd.Bool("v", false, "Debug logging")
	courseMetrics := courseCmd.String("metrics-addr", "", "Serve Prometheus metrics on this address (default: ECHODL_METRICS_ADDR)")

	batchCmd := flag.NewFlagSet("batch", flag.ExitOnError)
	batchManifest := batchCmd.String("manifest", "echodl.yaml", "YAML manifest listing courses")
	batchSkipHealth := batchCmd.Bool("skip-health", false, "Skip the session check at startup")
	batchNoProgress := batchCmd.Bool("no-progress", false, "Disable progress bars")
	batchVerbose := batchCmd.Bool("v", false, "Debug logging")
	batchMetrics := batchCmd.String("metrics-addr", "", "Serve Prometheus metrics on this address (default: ECHODL_METRICS_ADDR)")

	getCmd := flag.NewFlagSet("get", flag.ExitOnError)
	getCookies := getCmd.String("cookies", "", "Cookies file (default: ECHODL_COOKIES_FILE)")
	getOut := getCmd.String("out", ".", "Output directory")
	getName := getCmd.String("name", "", "Output file name without extension (default: derived from the URL)")
	getNoProgress := getCmd.Bool("no-progress", false, "Disable progress bars")
	getVerbose := getCmd.Bool("v", false, "Debug logging")

	checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
	checkCookies := checkCmd.String("cookies", "", "Cookies file (default: ECHODL_COOKIES_FILE)")
	checkSection := checkCmd.String("section", "", "Section id or URL to probe (default: first of ECHODL_SECTIONS)")

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <course|batch|get|check> [flags]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  course  Download every lecture of the given sections (ids or section URLs)\n")
		fmt.Fprintf(os.Stderr, "  batch   Download the courses in a YAML manifest\n")
		fmt.Fprintf(os.Stderr, "  get     Download one playlist or MP4 URL\n")
		fmt.Fprintf(os.Stderr, "  check   Verify session cookies and ffmpeg\n")
		os.Exit(1)
	}

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "course":
		_ = courseCmd.Parse(os.Args[2:])
		setupLogging(cfg, *courseVerbose)
		if *courseCookies != "" {
			cfg.CookiesFile = *courseCookies
		}
		if *courseOut != "" {
			cfg.OutputDir = *courseOut
		}
		if *courseWorkers > 0 {
			cfg.Workers = *courseWorkers
		}
		if *courseMetrics != "" {
			cfg.MetricsAddr = *courseMetrics
		}
		sections := cfg.Sections
		if courseCmd.NArg() > 0 {
			sections = nil
			for _, arg := range courseCmd.Args() {
				sections = append(sections, config.ParseSections(arg)...)
			}
		}
		if len(sections) == 0 {
			log.Errorf("No sections given (pass ids or URLs, or set ECHODL_SECTIONS)")
			os.Exit(1)
		}
		only, err := parseLectures(*courseLectures)
		if err != nil {
			log.Errorf("Bad -lectures: %v", err)
			os.Exit(1)
		}
		a, err := newApp(cfg, !*courseNoProgress)
		if err != nil {
			log.Errorf("Setup failed: %v", err)
			os.Exit(1)
		}
		a.serveMetrics(ctx, cfg.MetricsAddr)
		if !*courseSkipHealth {
			if err := a.checkSession(ctx, sections[0]); err != nil {
				a.close()
				log.Errorf("Session check failed: %v", err)
				os.Exit(1)
			}
		}
		var total batch.Summary
		var runErr error
		for _, s := range sections {
			sum, err := a.runCourse(ctx, s, cfg.OutputDir, only)
			total.Add(sum)
			if err != nil {
				log.Errorf("Course %s: %v", s, err)
				runErr = err
				if ctx.Err() != nil || assembler.IsResourceExhausted(err) {
					break
				}
				continue
			}
			log.Printf("Done: %s", sum)
		}
		a.close()
		if len(sections) > 1 {
			total.Course = "all"
			log.Printf("Total: %s", total)
		}
		os.Exit(exitCode(total, runErr))

	case "batch":
		_ = batchCmd.Parse(os.Args[2:])
		setupLogging(cfg, *batchVerbose)
		m, err := config.LoadManifest(*batchManifest)
		if err != nil {
			log.Errorf("Load manifest: %v", err)
			os.Exit(1)
		}
		m.Apply(cfg)
		if *batchMetrics != "" {
			cfg.MetricsAddr = *batchMetrics
		}
		a, err := newApp(cfg, !*batchNoProgress)
		if err != nil {
			log.Errorf("Setup failed: %v", err)
			os.Exit(1)
		}
		a.serveMetrics(ctx, cfg.MetricsAddr)
		if !*batchSkipHealth && len(m.Courses) > 0 {
			if err := a.checkSession(ctx, m.Courses[0].Section); err != nil {
				a.close()
				log.Errorf("Session check failed: %v", err)
				os.Exit(1)
			}
		}
		var total batch.Summary
		var runErr error
		for _, mc := range m.Courses {
			out := cfg.OutputDir
			if mc.OutputDir != "" {
				out = mc.OutputDir
			}
			sum, err := a.runCourse(ctx, mc.Section, out, lectureSet(mc.Lectures))
			total.Add(sum)
			if err != nil {
				log.Errorf("Course %s: %v", mc.Section, err)
				runErr = err
				if ctx.Err() != nil || assembler.IsResourceExhausted(err) {
					break
				}
				continue
			}
			log.Printf("Done: %s", sum)
		}
		a.close()
		total.Course = *batchManifest
		log.Printf("Total: %s", total)
		os.Exit(exitCode(total, runErr))

	case "get":
		_ = getCmd.Parse(os.Args[2:])
		setupLogging(cfg, *getVerbose)
		if getCmd.NArg() != 1 {
			log.Errorf("Usage: %s get [flags] <url>", os.Args[0])
			os.Exit(1)
		}
		src := getCmd.Arg(0)
		if *getCookies != "" {
			cfg.CookiesFile = *getCookies
		}
		name := *getName
		if name == "" {
			name = nameFromURL(src)
		}
		a, err := newApp(cfg, !*getNoProgress)
		if err != nil {
			log.Errorf("Setup failed: %v", err)
			os.Exit(1)
		}
		res, err := a.assembler.Assemble(ctx, src, *getOut, artifact.Sanitize(name))
		a.close()
		if err != nil {
			log.Errorf("Download failed: %v", err)
			os.Exit(1)
		}
		if res.Status != assembler.StatusComplete {
			log.Errorf("Download %s: %s (%v)", res.Status, res.Reason, res.Err)
			os.Exit(1)
		}
		log.Printf("Saved %s", res.Path)

	case "check":
		_ = checkCmd.Parse(os.Args[2:])
		setupLogging(cfg, false)
		if *checkCookies != "" {
			cfg.CookiesFile = *checkCookies
		}
		failed := false
		ffmpeg := &mux.FFmpeg{Path: cfg.FFmpegPath}
		if p, err := mux.ResolvePath(cfg.FFmpegPath); err == nil {
			ffmpeg.Path = p
		}
		if err := health.CheckMuxer(ffmpeg); err != nil {
			log.Warnf("ffmpeg: %v (tracks will be kept unmuxed)", err)
			failed = true
		} else {
			log.Printf("ffmpeg: OK (%s)", ffmpeg.Path)
		}
		section := config.SectionID(*checkSection)
		if section == "" && len(cfg.Sections) > 0 {
			section = cfg.Sections[0]
		}
		if section == "" {
			log.Warnf("session: no section to probe (use -section)")
			os.Exit(1)
		}
		src, err := session.NewFileSource(cfg.CookiesFile, cfg.UserAgent, cfg.SegmentTimeout)
		if err != nil {
			log.Errorf("session: %v", err)
			os.Exit(1)
		}
		if err := health.CheckSession(ctx, src.Client(), catalog.SyllabusURL(cfg.PortalURL, section)); err != nil {
			log.Errorf("session: %v", err)
			os.Exit(1)
		}
		log.Printf("session: OK (section %s)", section)
		if failed {
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

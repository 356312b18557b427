package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/snapetech/echodl/internal/httpclient"
	"github.com/snapetech/echodl/internal/rendition"
	"github.com/snapetech/echodl/internal/safeurl"
)

// Input is what a strategy may look at. Page is the lecture's classroom page
// source and is only filled for strategies with NeedsPage.
type Input struct {
	Lecture Lecture
	Portal  *url.URL
	Page    string
}

// Strategy is one way of finding stream URLs for a lecture. Resolve must be
// pure: it reports ok=false when it found nothing.
type Strategy struct {
	Name      string
	NeedsPage bool
	Resolve   func(Input) (urls []string, ok bool)
}

// DefaultStrategies are tried in order: syllabus MP4, syllabus manifests,
// then MP4 and m3u8 links scraped from the classroom page.
var DefaultStrategies = []Strategy{
	{Name: "json-mp4", Resolve: fromJSONMP4},
	{Name: "json-m3u8", Resolve: fromJSONManifests},
	{Name: "page-mp4", NeedsPage: true, Resolve: fromPage("mp4")},
	{Name: "page-m3u8", NeedsPage: true, Resolve: fromPage("m3u8")},
}

// fromJSONMP4 takes the last primary file, which is the highest quality.
func fromJSONMP4(in Input) ([]string, bool) {
	fs := in.Lecture.MP4URLs
	if len(fs) == 0 {
		return nil, false
	}
	return []string{fs[len(fs)-1]}, true
}

// fromJSONManifests rewrites the storage host of each manifest to the
// portal's content host, dropping the query.
func fromJSONManifests(in Input) ([]string, bool) {
	if !in.Lecture.HasVideo || len(in.Lecture.ManifestURLs) == 0 || in.Portal == nil {
		return nil, false
	}
	var out []string
	for _, raw := range in.Lecture.ManifestURLs {
		u, err := url.Parse(raw)
		if err != nil || u.Path == "" {
			continue
		}
		scheme := u.Scheme
		if scheme == "" {
			scheme = in.Portal.Scheme
		}
		out = append(out, scheme+"://content."+in.Portal.Host+u.Path)
	}
	return out, len(out) > 0
}

func fromPage(ext string) func(Input) ([]string, bool) {
	re := regexp.MustCompile(`https://[^,"]*?[.]` + ext)
	return func(in Input) ([]string, bool) {
		if in.Page == "" {
			return nil, false
		}
		src := strings.ReplaceAll(in.Page, `\/`, "/")
		seen := map[string]bool{}
		var out []string
		for _, m := range re.FindAllString(src, -1) {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
		sort.Strings(out)
		return out, len(out) > 0
	}
}

// PageSource fetches a portal page with the user's session.
type PageSource interface {
	Page(ctx context.Context, pageURL string) (string, error)
}

// Candidates are the stream URLs one strategy produced for a lecture.
type Candidates struct {
	URLs     []string
	Strategy string
}

// Catalog resolves lectures to candidate stream URLs.
type Catalog struct {
	Portal     *url.URL
	Pages      PageSource // nil disables page strategies
	Strategies []Strategy
}

// New returns a catalog using DefaultStrategies.
func New(portal string, pages PageSource) (*Catalog, error) {
	u, err := url.Parse(strings.TrimRight(portal, "/"))
	if err != nil || !safeurl.IsHTTPOrHTTPS(u.String()) {
		return nil, fmt.Errorf("catalog: invalid portal url %q", portal)
	}
	return &Catalog{Portal: u, Pages: pages, Strategies: DefaultStrategies}, nil
}

// Resolve tries each strategy in order and returns the first non-empty set
// of http(s) URLs. The classroom page is fetched at most once, and only when
// a page strategy is reached.
func (c *Catalog) Resolve(ctx context.Context, lec Lecture) (Candidates, error) {
	in := Input{Lecture: lec, Portal: c.Portal}
	pageTried := false
	for _, s := range c.Strategies {
		if s.NeedsPage {
			if c.Pages == nil {
				continue
			}
			if !pageTried {
				pageTried = true
				page, err := c.Pages.Page(ctx, lec.PageURL)
				if err != nil {
					if ctx.Err() != nil {
						return Candidates{}, ctx.Err()
					}
					log.Debugf("catalog: page fetch failed lecture=%s err=%v", lec.ID, err)
				}
				in.Page = page
			}
		}
		urls, ok := s.Resolve(in)
		if !ok {
			log.Debugf("catalog: strategy=%s lecture=%s no result", s.Name, lec.ID)
			continue
		}
		valid := urls[:0:0]
		for _, u := range urls {
			if safeurl.IsHTTPOrHTTPS(u) {
				valid = append(valid, u)
			}
		}
		if len(valid) == 0 {
			continue
		}
		log.Debugf("catalog: strategy=%s lecture=%s urls=%d", s.Name, lec.ID, len(valid))
		return Candidates{URLs: valid, Strategy: s.Name}, nil
	}
	return Candidates{}, &rendition.NoVideoRenditionError{Source: lec.PageURL}
}

// maxSyllabusBytes bounds the syllabus body read into memory.
const maxSyllabusBytes = 32 << 20

// FetchSyllabus downloads and parses a section's syllabus. client must carry
// the session cookies.
func FetchSyllabus(ctx context.Context, client *http.Client, portal, sectionID string) (*Course, error) {
	u := SyllabusURL(portal, sectionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := httpclient.DoWithRetry(ctx, client, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return nil, fmt.Errorf("catalog: fetch syllabus: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog: fetch syllabus %s: %s", u, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSyllabusBytes))
	if err != nil {
		return nil, fmt.Errorf("catalog: read syllabus: %w", err)
	}
	return ParseSyllabus(data, portal, sectionID)
}

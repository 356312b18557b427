// Package session turns an exported browser login into the cookie set and
// page-fetch capability the downloader uses. It never performs a login.
package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"

	"github.com/snapetech/echodl/internal/httpclient"
)

// Source supplies the session's cookies and fetches pages with them.
type Source interface {
	Cookies(ctx context.Context) ([]*http.Cookie, error)
	Page(ctx context.Context, pageURL string) (string, error)
}

const httpOnlyPrefix = "#HttpOnly_"

// maxPageBytes bounds a classroom page read into memory.
const maxPageBytes = 16 << 20

// LoadCookies reads a cookie export: either a Netscape cookies.txt or a JSON
// array of {name, value, domain, path, secure, expiry} objects as written by
// browser drivers and most cookie-export extensions.
func LoadCookies(path string) ([]*http.Cookie, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(data)
	var cookies []*http.Cookie
	if len(trimmed) > 0 && trimmed[0] == '[' {
		cookies, err = parseJSON(trimmed)
	} else {
		cookies, err = parseNetscape(trimmed)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "session: %s", path)
	}
	if len(cookies) == 0 {
		return nil, errors.Errorf("session: %s: no cookies", path)
	}
	return cookies, nil
}

type jsonCookie struct {
	Name           string   `json:"name"`
	Value          string   `json:"value"`
	Domain         string   `json:"domain"`
	Path           string   `json:"path"`
	Secure         bool     `json:"secure"`
	HTTPOnly       bool     `json:"httpOnly"`
	Expiry         *float64 `json:"expiry"`
	ExpirationDate *float64 `json:"expirationDate"`
}

func parseJSON(data []byte) ([]*http.Cookie, error) {
	var in []jsonCookie
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		if c.Name == "" {
			continue
		}
		ck := &http.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path, Secure: c.Secure, HttpOnly: c.HTTPOnly}
		exp := c.Expiry
		if exp == nil {
			exp = c.ExpirationDate
		}
		if exp != nil && *exp > 0 {
			ck.Expires = time.Unix(int64(*exp), 0)
		}
		out = append(out, ck)
	}
	return out, nil
}

func parseNetscape(data []byte) ([]*http.Cookie, error) {
	var out []*http.Cookie
	sc := bufio.NewScanner(bytes.NewReader(data))
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimRight(sc.Text(), "\r")
		httpOnly := false
		if strings.HasPrefix(line, httpOnlyPrefix) {
			line = strings.TrimPrefix(line, httpOnlyPrefix)
			httpOnly = true
		}
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		f := strings.Split(line, "\t")
		if len(f) < 7 {
			return nil, errors.Errorf("line %d: want 7 tab-separated fields, got %d", n, len(f))
		}
		ck := &http.Cookie{
			Domain:   f[0],
			Path:     f[2],
			Secure:   strings.EqualFold(f[3], "TRUE"),
			Name:     f[5],
			Value:    strings.Join(f[6:], "\t"),
			HttpOnly: httpOnly,
		}
		if exp, err := strconv.ParseInt(f[4], 10, 64); err == nil && exp > 0 {
			ck.Expires = time.Unix(exp, 0)
		}
		out = append(out, ck)
	}
	return out, sc.Err()
}

// FileSource is a Source backed by a cookie export on disk. Page requests go
// through a cookie jar so cookies the portal refreshes are kept for later
// page fetches; the exported set returned by Cookies never changes.
type FileSource struct {
	cookies []*http.Cookie
	client  *http.Client
}

// NewFileSource loads cookies from path and seeds a jar for portal pages.
func NewFileSource(path, userAgent string, timeout time.Duration) (*FileSource, error) {
	cookies, err := LoadCookies(path)
	if err != nil {
		return nil, err
	}
	return NewSource(cookies, userAgent, timeout)
}

// NewSource builds a Source from an in-memory cookie set.
func NewSource(cookies []*http.Cookie, userAgent string, timeout time.Duration) (*FileSource, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	byHost := map[string][]*http.Cookie{}
	now := time.Now()
	for _, c := range cookies {
		if !c.Expires.IsZero() && c.Expires.Before(now) {
			log.Debugf("session: skipping expired cookie name=%s domain=%s", c.Name, c.Domain)
			continue
		}
		host := strings.TrimPrefix(c.Domain, ".")
		if host == "" {
			continue
		}
		byHost[host] = append(byHost[host], c)
	}
	for host, cs := range byHost {
		jar.SetCookies(&url.URL{Scheme: "https", Host: host, Path: "/"}, cs)
	}
	base := httpclient.Authenticated(timeout, nil, userAgent)
	base.Jar = jar
	return &FileSource{cookies: cookies, client: httpclient.Compressed(base)}, nil
}

// Cookies returns the exported cookie set.
func (s *FileSource) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	out := make([]*http.Cookie, len(s.cookies))
	copy(out, s.cookies)
	return out, nil
}

// Page fetches pageURL and returns its body as text.
func (s *FileSource) Page(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := httpclient.DoWithRetry(ctx, s.client, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("session: page %s: %s", pageURL, resp.Status)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Client returns the jar-backed client used for pages.
func (s *FileSource) Client() *http.Client { return s.client }

package httpclient

import (
	"net/http"
	"time"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 64
	DefaultUserAgent       = "echodl/1.0"
)

var defaultClient *http.Client

func init() {
	defaultClient = &http.Client{
		Timeout: DefaultTimeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        256,
			MaxIdleConnsPerHost: MaxIdleConnsPerHost,
			IdleConnTimeout:     DefaultIdleConnTimeout,
		},
	}
}

// Default returns the shared tuned HTTP client for probes and playlist fetches.
func Default() *http.Client {
	return defaultClient
}

// WithTimeout returns a client with the given timeout and a copy of the Default transport.
func WithTimeout(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: cloneTransport(),
	}
}

// Authenticated returns a client that attaches cookies and userAgent to every
// request. The cookie set is never mutated after construction, so one client
// is safe to share across all segment workers.
func Authenticated(timeout time.Duration, cookies []*http.Cookie, userAgent string) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &AuthTransport{
			Base:      cloneTransport(),
			Cookies:   cookies,
			UserAgent: userAgent,
		},
	}
}

func cloneTransport() http.RoundTripper {
	t, ok := defaultClient.Transport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	return t.Clone()
}

// AuthTransport adds a fixed cookie set and User-Agent to outgoing requests.
type AuthTransport struct {
	Base      http.RoundTripper
	Cookies   []*http.Cookie
	UserAgent string
}

func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	for _, c := range t.Cookies {
		r.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	if r.Header.Get("User-Agent") == "" {
		ua := t.UserAgent
		if ua == "" {
			ua = DefaultUserAgent
		}
		r.Header.Set("User-Agent", ua)
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(r)
}

package httpclient

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// CompressedTransport asks for br/gzip bodies and decodes them before the
// caller sees the response. Only use it for text (playlists, syllabus JSON,
// classroom pages): byte-range segment fetches must see the raw entity.
type CompressedTransport struct {
	Base http.RoundTripper
}

// Compressed returns a shallow copy of c whose transport decodes br/gzip.
func Compressed(c *http.Client) *http.Client {
	if c == nil {
		c = Default()
	}
	cp := *c
	cp.Transport = &CompressedTransport{Base: c.Transport}
	return &cp
}

func (t *CompressedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	r := req
	if req.Header.Get("Accept-Encoding") == "" && req.Header.Get("Range") == "" {
		r = req.Clone(req.Context())
		r.Header.Set("Accept-Encoding", "br, gzip")
	}
	resp, err := base.RoundTrip(r)
	if err != nil || r == req || resp.ContentLength == 0 || req.Method == http.MethodHead {
		return resp, err
	}
	var body io.ReadCloser
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "br":
		body = &decodedBody{Reader: brotli.NewReader(resp.Body), src: resp.Body}
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
		body = &decodedBody{Reader: zr, src: resp.Body}
	default:
		return resp, nil
	}
	resp.Body = body
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return resp, nil
}

type decodedBody struct {
	io.Reader
	src io.Closer
}

func (b *decodedBody) Close() error { return b.src.Close() }

// Package probe classifies a media URL as an HLS playlist or a progressive file.
package probe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StreamType classifies a stream URL for download.
type StreamType string

const (
	StreamUnknown    StreamType = ""
	StreamDirectFile StreamType = "direct_file"
	StreamHLS        StreamType = "hls"
)

// ErrUnknownType is returned when neither the URL nor the response identify the stream.
var ErrUnknownType = errors.New("unknown stream type")

const (
	defaultTimeout = 8 * time.Second
	m3uMagic       = "#EXTM3U"
)

// Probe inspects a stream URL and returns a coarse stream type. The path
// suffix decides when it can; otherwise a small ranged GET is made and the
// Content-Type (or the first bytes) decides.
func Probe(ctx context.Context, streamURL string, client *http.Client) (StreamType, error) {
	u, err := url.Parse(streamURL)
	if err != nil {
		return StreamUnknown, err
	}
	if t := FromPath(u.Path); t != StreamUnknown {
		return t, nil
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return StreamUnknown, err
	}
	req.Header.Set("Range", "bytes=0-15")
	resp, err := client.Do(req)
	if err != nil {
		return StreamUnknown, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return StreamUnknown, errors.New("probe " + u.Redacted() + ": " + resp.Status)
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "mpegurl"):
		return StreamHLS, nil
	case strings.Contains(ct, "video/mp4"), strings.Contains(ct, "application/mp4"), strings.Contains(ct, "video/quicktime"):
		return StreamDirectFile, nil
	}
	head := make([]byte, len(m3uMagic)+3)
	n, _ := io.ReadFull(resp.Body, head)
	if strings.HasPrefix(strings.TrimPrefix(string(head[:n]), "\ufeff"), m3uMagic) {
		return StreamHLS, nil
	}
	return StreamUnknown, ErrUnknownType
}

// FromPath classifies by file extension alone.
func FromPath(p string) StreamType {
	p = strings.ToLower(p)
	switch {
	case strings.HasSuffix(p, ".m3u8"), strings.HasSuffix(p, ".m3u"):
		return StreamHLS
	case strings.HasSuffix(p, ".mp4"), strings.HasSuffix(p, ".m4v"), strings.HasSuffix(p, ".mov"):
		return StreamDirectFile
	}
	return StreamUnknown
}

// Package hls parses HLS multivariant and media playlists into renditions and
// ordered segment lists.
package hls

import (
	"fmt"
	"path"
	"strings"
)

// Kind is the playlist flavour.
type Kind int

const (
	KindUnknown Kind = iota
	KindMultivariant
	KindMedia
)

func (k Kind) String() string {
	switch k {
	case KindMultivariant:
		return "multivariant"
	case KindMedia:
		return "media"
	}
	return "unknown"
}

// MediaType partitions renditions.
type MediaType string

const (
	Audio MediaType = "AUDIO"
	Video MediaType = "VIDEO"
)

// Tag is one directive line as read: name without the leading '#', raw value,
// and parsed attributes when the value is an attribute list.
type Tag struct {
	Name  string
	Value string
	Attrs map[string]string
	Line  int
}

// Rendition is one selectable stream from a multivariant playlist, either an
// EXT-X-MEDIA entry or an EXT-X-STREAM-INF variant.
type Rendition struct {
	Type       MediaType
	GroupID    string
	Name       string
	Language   string
	URI        string // absolute, resolved against the playlist URL
	Default    bool
	Variant    bool // from EXT-X-STREAM-INF
	Bandwidth  int
	Resolution string
	Codecs     string
	AudioGroup string // AUDIO= on a variant
}

// Stem is the lowercased base name of the rendition URI without extension.
func (r Rendition) Stem() string {
	return URIStem(r.URI)
}

// URIStem returns the lowercased base name of a URI path without extension.
func URIStem(rawURI string) string {
	p := rawURI
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	base := path.Base(p)
	if base == "." || base == "/" {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(base, path.Ext(base)))
}

// ByteRange is an EXT-X-BYTERANGE sub-range.
type ByteRange struct {
	Length int64
	Offset int64
}

// Header is the HTTP Range header value for r.
func (r ByteRange) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Offset, r.Offset+r.Length-1)
}

// SegmentEntry is one fetchable chunk. Sequence is the 0-based position in
// the playlist and the only key used to order bytes on reassembly.
type SegmentEntry struct {
	Sequence int
	URI      string
	Duration float64
	Title    string
	Range    *ByteRange
	Init     bool // EXT-X-MAP initialization section
}

// Playlist is a parsed manifest.
type Playlist struct {
	Kind           Kind
	URL            string
	Version        int
	Tags           []Tag
	Renditions     []Rendition
	Segments       []SegmentEntry
	MediaSequence  int
	TargetDuration int
	Ended          bool
}

// ByType returns renditions of type t in document order.
func (p *Playlist) ByType(t MediaType) []Rendition {
	var out []Rendition
	for _, r := range p.Renditions {
		if r.Type == t {
			out = append(out, r)
		}
	}
	return out
}

// Duration sums segment durations.
func (p *Playlist) Duration() float64 {
	var d float64
	for _, s := range p.Segments {
		d += s.Duration
	}
	return d
}

// MalformedPlaylistError reports a manifest that cannot be interpreted.
type MalformedPlaylistError struct {
	URL    string
	Line   int
	Reason string
}

func (e *MalformedPlaylistError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed playlist %s: line %d: %s", e.URL, e.Line, e.Reason)
	}
	return fmt.Sprintf("malformed playlist %s: %s", e.URL, e.Reason)
}

package hls

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/grafov/m3u8"
)

const maxPlaylistBytes = 16 << 20

// audio-only codec prefixes seen in CODECS attributes.
var audioCodecs = []string{"mp4a", "ac-3", "ec-3", "opus", "flac", "mp3", "alac"}

// ParseBytes is Parse over an in-memory manifest.
func ParseBytes(data []byte, playlistURL string) (*Playlist, error) {
	return Parse(bytes.NewReader(data), playlistURL)
}

// Parse reads a multivariant or media playlist. Relative URIs are resolved
// against playlistURL, the location the manifest itself was fetched from.
// Unknown #EXT directives are kept in Tags and otherwise ignored.
func Parse(r io.Reader, playlistURL string) (*Playlist, error) {
	var base *url.URL
	if playlistURL != "" {
		u, err := url.Parse(playlistURL)
		if err != nil {
			return nil, &MalformedPlaylistError{URL: playlistURL, Reason: "bad playlist URL: " + err.Error()}
		}
		base = u
	}
	data, err := io.ReadAll(io.LimitReader(r, maxPlaylistBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read playlist %s: %w", playlistURL, err)
	}
	if len(data) > maxPlaylistBytes {
		return nil, &MalformedPlaylistError{URL: playlistURL, Reason: fmt.Sprintf("larger than %d bytes", maxPlaylistBytes)}
	}
	data = bytes.TrimPrefix(data, []byte("\ufeff"))

	sc, err := scan(data, playlistURL)
	if err != nil {
		return nil, err
	}
	decoded, err := decode(data, sc.kind)
	if err != nil {
		return nil, &MalformedPlaylistError{URL: playlistURL, Reason: err.Error()}
	}

	b := &builder{
		p:    &Playlist{Kind: sc.kind, URL: playlistURL, Tags: sc.tags},
		base: base,
	}
	switch pl := decoded.(type) {
	case *m3u8.MasterPlaylist:
		b.p.Version = int(pl.Version())
		err = b.master(pl)
	case *m3u8.MediaPlaylist:
		b.p.Version = int(pl.Version())
		err = b.media(pl, sc.segs)
	}
	if err != nil {
		return nil, err
	}
	return b.p, nil
}

// decode runs the m3u8 decoder. m3u8.DecodeFrom picks the list type from
// whichever typed tag came last, so a disagreement with the scanned kind is
// settled by decoding again as that kind.
func decode(data []byte, kind Kind) (m3u8.Playlist, error) {
	pl, lt, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	switch {
	case err == nil && kind == KindMultivariant && lt == m3u8.MASTER:
		return pl, nil
	case err == nil && kind == KindMedia && lt == m3u8.MEDIA:
		return pl, nil
	}
	if kind == KindMultivariant {
		mp := m3u8.NewMasterPlaylist()
		if err := mp.DecodeFrom(bytes.NewReader(data), false); err != nil {
			return nil, err
		}
		return mp, nil
	}
	mp, err := m3u8.NewMediaPlaylist(0, 1024)
	if err != nil {
		return nil, err
	}
	if err := mp.DecodeFrom(bytes.NewReader(data), false); err != nil {
		return nil, err
	}
	return mp, nil
}

type builder struct {
	p    *Playlist
	base *url.URL
}

func (b *builder) malformed(format string, args ...any) error {
	return &MalformedPlaylistError{URL: b.p.URL, Reason: fmt.Sprintf(format, args...)}
}

func (b *builder) resolve(ref string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", b.malformed("bad URI %q: %v", ref, err)
	}
	if b.base == nil {
		return u.String(), nil
	}
	return b.base.ResolveReference(u).String(), nil
}

// master lists EXT-X-MEDIA alternatives first, in order of first reference,
// then the variants in document order. I-frame variants are skipped.
func (b *builder) master(pl *m3u8.MasterPlaylist) error {
	seen := map[*m3u8.Alternative]bool{}
	for _, v := range pl.Variants {
		if v == nil {
			continue
		}
		for _, alt := range v.Alternatives {
			if alt == nil || seen[alt] {
				continue
			}
			seen[alt] = true
			if err := b.alternative(alt); err != nil {
				return err
			}
		}
	}
	for _, v := range pl.Variants {
		if v == nil || v.Iframe {
			continue
		}
		uri, err := b.resolve(v.URI)
		if err != nil {
			return err
		}
		r := variantRendition(v)
		r.URI = uri
		if r.Name == "" {
			r.Name = r.Stem()
		}
		b.p.Renditions = append(b.p.Renditions, r)
	}
	return nil
}

func (b *builder) alternative(alt *m3u8.Alternative) error {
	var typ MediaType
	switch strings.ToUpper(alt.Type) {
	case "AUDIO":
		typ = Audio
	case "VIDEO":
		typ = Video
	default:
		return nil
	}
	// No URI: the track is muxed into the variant stream.
	if alt.URI == "" {
		return nil
	}
	uri, err := b.resolve(alt.URI)
	if err != nil {
		return err
	}
	b.p.Renditions = append(b.p.Renditions, Rendition{
		Type:     typ,
		GroupID:  alt.GroupId,
		Name:     alt.Name,
		Language: alt.Language,
		URI:      uri,
		Default:  alt.Default,
	})
	return nil
}

func variantRendition(v *m3u8.Variant) Rendition {
	r := Rendition{
		Type:       Video,
		Variant:    true,
		GroupID:    v.Video,
		Name:       v.Name,
		Bandwidth:  int(v.Bandwidth),
		Resolution: v.Resolution,
		Codecs:     v.Codecs,
		AudioGroup: v.Audio,
	}
	if r.Codecs != "" && audioOnlyCodecs(r.Codecs) {
		r.Type = Audio
		r.GroupID = v.Audio
	}
	return r
}

func audioOnlyCodecs(codecs string) bool {
	for _, c := range strings.Split(codecs, ",") {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		audio := false
		for _, prefix := range audioCodecs {
			if strings.HasPrefix(c, prefix) {
				audio = true
				break
			}
		}
		if !audio {
			return false
		}
	}
	return true
}

// media flattens decoded segments into entries. An init section is emitted
// ahead of the first segment that carries a new EXT-X-MAP. Byte ranges with
// an omitted offset continue where the previous range of the same URI ended.
func (b *builder) media(pl *m3u8.MediaPlaylist, segs []segmentLine) error {
	b.p.MediaSequence = int(pl.SeqNo)
	b.p.TargetDuration = int(pl.TargetDuration)
	b.p.Ended = pl.Closed

	nextOffset := map[string]int64{}
	lastMap := ""
	i := 0
	for _, seg := range pl.Segments {
		if seg == nil {
			break
		}
		if seg.Map != nil {
			if err := b.initSection(seg.Map, &lastMap); err != nil {
				return err
			}
		}
		uri, err := b.resolve(seg.URI)
		if err != nil {
			return err
		}
		e := SegmentEntry{
			Sequence: len(b.p.Segments),
			URI:      uri,
			Duration: seg.Duration,
		}
		var meta segmentLine
		if i < len(segs) {
			meta = segs[i]
		}
		e.Title = meta.title
		if seg.Limit > 0 {
			off := seg.Offset
			if meta.implicitOffset {
				off = nextOffset[uri]
			}
			nextOffset[uri] = off + seg.Limit
			e.Range = &ByteRange{Length: seg.Limit, Offset: off}
		}
		b.p.Segments = append(b.p.Segments, e)
		i++
	}
	return nil
}

func (b *builder) initSection(m *m3u8.Map, lastMap *string) error {
	uri, err := b.resolve(m.URI)
	if err != nil {
		return err
	}
	var br *ByteRange
	if m.Limit > 0 {
		br = &ByteRange{Length: m.Limit, Offset: max(m.Offset, 0)}
	}
	key := uri
	if br != nil {
		key += "@" + br.Header()
	}
	if key == *lastMap {
		return nil
	}
	*lastMap = key
	b.p.Segments = append(b.p.Segments, SegmentEntry{
		Sequence: len(b.p.Segments),
		URI:      uri,
		Range:    br,
		Init:     true,
	})
	return nil
}

// parseExtinf splits "<duration>[,<title>]".
func parseExtinf(v string) (float64, string, error) {
	durStr, title, _ := strings.Cut(v, ",")
	d, err := strconv.ParseFloat(strings.TrimSpace(durStr), 64)
	if err != nil {
		return 0, "", fmt.Errorf("bad duration %q", durStr)
	}
	if d < 0 {
		return 0, "", fmt.Errorf("negative duration %q", durStr)
	}
	return d, strings.TrimSpace(title), nil
}

// parseByteRange parses "<n>[@<o>]". A missing offset is returned as -1.
func parseByteRange(v string) (*ByteRange, error) {
	lenStr, offStr, hasOff := strings.Cut(strings.TrimSpace(v), "@")
	n, err := strconv.ParseInt(lenStr, 10, 64)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("bad length %q", lenStr)
	}
	br := &ByteRange{Length: n, Offset: -1}
	if hasOff {
		o, err := strconv.ParseInt(offStr, 10, 64)
		if err != nil || o < 0 {
			return nil, fmt.Errorf("bad offset %q", offStr)
		}
		br.Offset = o
	}
	return br, nil
}

// attributes decodes an attribute list with upper-cased keys.
func attributes(s string) map[string]string {
	raw := m3u8.DecodeAttributeList(s)
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[strings.ToUpper(k)] = v
	}
	return out
}

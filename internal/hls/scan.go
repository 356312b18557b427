package hls

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

const maxLineBytes = 1024 * 1024

// segmentLine carries what the m3u8 decoder does not keep per segment: the
// EXTINF title as written and whether the byte range omitted its offset.
type segmentLine struct {
	title          string
	implicitOffset bool
}

type scanResult struct {
	kind Kind
	tags []Tag
	segs []segmentLine
}

// scan walks the manifest line by line to classify it and reject input the
// decoder would accept silently.
func scan(data []byte, playlistURL string) (*scanResult, error) {
	res := &scanResult{}
	malformed := func(line int, format string, args ...any) error {
		return &MalformedPlaylistError{URL: playlistURL, Line: line, Reason: fmt.Sprintf(format, args...)}
	}

	var (
		directives     int
		sawVariant     bool
		sawMedia       bool
		pendingStream  int // line of an EXT-X-STREAM-INF awaiting its URI
		pendingInf     int // line of an EXTINF awaiting its URI
		pendingTitle   string
		implicitOffset bool
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#EXT"):
		case strings.HasPrefix(line, "#"):
			continue
		default:
			switch {
			case pendingStream > 0:
				pendingStream = 0
			case pendingInf > 0:
				res.segs = append(res.segs, segmentLine{title: pendingTitle, implicitOffset: implicitOffset})
				pendingInf, pendingTitle, implicitOffset = 0, "", false
			default:
				return nil, malformed(lineNo, "URI %q has no preceding EXT-X-STREAM-INF or EXTINF", line)
			}
			continue
		}

		name, value := line[1:], ""
		if i := strings.IndexByte(line, ':'); i >= 0 {
			name, value = line[1:i], line[i+1:]
		}
		tag := Tag{Name: name, Value: value, Line: lineNo}
		directives++

		switch name {
		case "EXTM3U", "EXT-X-VERSION":
		case "EXT-X-STREAM-INF":
			sawVariant = true
			if pendingStream > 0 {
				return nil, malformed(pendingStream, "EXT-X-STREAM-INF without a URI line")
			}
			pendingStream = lineNo
			tag.Attrs = attributes(value)
		case "EXT-X-MEDIA":
			sawVariant = true
			tag.Attrs = attributes(value)
		case "EXTINF":
			sawMedia = true
			if pendingInf > 0 {
				return nil, malformed(pendingInf, "EXTINF without a URI line")
			}
			_, title, err := parseExtinf(value)
			if err != nil {
				return nil, malformed(lineNo, "EXTINF: %v", err)
			}
			pendingInf, pendingTitle = lineNo, title
		case "EXT-X-BYTERANGE":
			sawMedia = true
			br, err := parseByteRange(value)
			if err != nil {
				return nil, malformed(lineNo, "EXT-X-BYTERANGE: %v", err)
			}
			implicitOffset = br.Offset < 0
		case "EXT-X-MAP":
			sawMedia = true
			tag.Attrs = attributes(value)
			if tag.Attrs["URI"] == "" {
				return nil, malformed(lineNo, "EXT-X-MAP without URI")
			}
			if v := tag.Attrs["BYTERANGE"]; v != "" {
				if _, err := parseByteRange(v); err != nil {
					return nil, malformed(lineNo, "EXT-X-MAP BYTERANGE: %v", err)
				}
			}
		case "EXT-X-MEDIA-SEQUENCE", "EXT-X-TARGETDURATION", "EXT-X-ENDLIST":
			sawMedia = true
		case "EXT-X-KEY":
			tag.Attrs = attributes(value)
			if m := tag.Attrs["METHOD"]; m != "" && !strings.EqualFold(m, "NONE") {
				return nil, malformed(lineNo, "encrypted segments (METHOD=%s) are not supported", m)
			}
		default:
			if strings.Contains(value, "=") {
				tag.Attrs = attributes(value)
			}
		}
		res.tags = append(res.tags, tag)
	}
	if err := sc.Err(); err != nil {
		return nil, malformed(lineNo, "read: %v", err)
	}

	switch {
	case directives == 0:
		return nil, malformed(0, "no playlist directives found")
	case sawVariant && sawMedia:
		return nil, malformed(0, "mixes variant and segment directives")
	case sawVariant:
		if pendingStream > 0 {
			return nil, malformed(pendingStream, "EXT-X-STREAM-INF without a URI line")
		}
		res.kind = KindMultivariant
	case sawMedia:
		if pendingInf > 0 {
			return nil, malformed(pendingInf, "EXTINF without a URI line")
		}
		res.kind = KindMedia
	default:
		return nil, malformed(0, "no variant or segment directives found")
	}
	return res, nil
}

package hls

import (
	"fmt"

	"github.com/grafov/m3u8"
)

// Encode serialises a media playlist. Segment order is preserved; init
// sections become EXT-X-MAP entries ahead of the segments they precede.
// The output is not byte-identical to the input manifest.
func Encode(p *Playlist) ([]byte, error) {
	if p == nil || p.Kind != KindMedia {
		return nil, fmt.Errorf("hls: encode: not a media playlist")
	}
	capacity := uint(len(p.Segments))
	if capacity == 0 {
		capacity = 1
	}
	mp, err := m3u8.NewMediaPlaylist(0, capacity)
	if err != nil {
		return nil, fmt.Errorf("hls: encode: %w", err)
	}
	if p.MediaSequence > 0 {
		mp.SeqNo = uint64(p.MediaSequence)
	}

	var pendingMap *SegmentEntry
	appended := 0
	for i := range p.Segments {
		s := p.Segments[i]
		if s.Init {
			pendingMap = &s
			continue
		}
		if err := mp.Append(s.URI, s.Duration, s.Title); err != nil {
			return nil, fmt.Errorf("hls: encode segment %d: %w", s.Sequence, err)
		}
		appended++
		if s.Range != nil {
			if err := mp.SetRange(s.Range.Length, s.Range.Offset); err != nil {
				return nil, fmt.Errorf("hls: encode segment %d range: %w", s.Sequence, err)
			}
		}
		if pendingMap != nil {
			limit, offset := int64(0), int64(0)
			if pendingMap.Range != nil {
				limit, offset = pendingMap.Range.Length, pendingMap.Range.Offset
			}
			if appended == 1 {
				mp.SetDefaultMap(pendingMap.URI, limit, offset)
			} else if err := mp.SetMap(pendingMap.URI, limit, offset); err != nil {
				return nil, fmt.Errorf("hls: encode segment %d map: %w", s.Sequence, err)
			}
			pendingMap = nil
		}
	}
	if p.Ended {
		mp.Close()
	}
	return mp.Encode().Bytes(), nil
}

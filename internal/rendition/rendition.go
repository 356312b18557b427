// Package rendition picks the video (and optional audio) rendition to
// download from a parsed multivariant playlist, or narrows a list of
// pre-resolved source URLs.
package rendition

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	log "github.com/sirupsen/logrus"

	"github.com/snapetech/echodl/internal/hls"
	"github.com/snapetech/echodl/internal/safeurl"
)

// MaxURLs is how many pre-resolved URLs SelectURLs keeps.
const MaxURLs = 2

// combinedMarker ends the file stem of streams that carry audio and video
// together (e.g. s1q1av.m3u8).
const combinedMarker = "av"

// NoVideoRenditionError means nothing downloadable was offered for a lecture.
type NoVideoRenditionError struct {
	Source     string
	Candidates int
}

func (e *NoVideoRenditionError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("no video rendition for %s (%d candidates)", e.Source, e.Candidates)
	}
	return fmt.Sprintf("no video rendition (%d candidates)", e.Candidates)
}

// Selection is the chosen pair. Audio is nil when the video stream carries
// its own audio or none was offered.
type Selection struct {
	Video     hls.Rendition
	Audio     *hls.Rendition
	Combined  bool
	Ambiguous bool
	Reason    string
}

// Select chooses exactly one video rendition and at most one audio rendition.
//
// Renditions whose name, group or URI stem marks combined audio+video win.
// Among several combined renditions the highest bandwidth is taken; a tie is
// flagged Ambiguous. Without any naming hint the first video rendition is
// used together with the default audio of its AUDIO group.
func Select(renditions []hls.Rendition) (Selection, error) {
	var videos, audios []hls.Rendition
	for _, r := range renditions {
		switch {
		case r.Type == hls.Audio:
			audios = append(audios, r)
		case isAudioOnly(r):
			r.Type = hls.Audio
			audios = append(audios, r)
		case r.Type == hls.Video:
			videos = append(videos, r)
		}
	}
	if len(videos) == 0 {
		return Selection{}, &NoVideoRenditionError{Candidates: len(renditions)}
	}

	var combined []hls.Rendition
	for _, v := range videos {
		if isCombined(v) {
			combined = append(combined, v)
		}
	}

	var sel Selection
	if len(combined) > 0 {
		best, tie := highestBandwidth(combined)
		sel = Selection{Video: best, Combined: true, Reason: "combined audio+video rendition"}
		if tie {
			sel.Ambiguous = true
			sel.Reason = fmt.Sprintf("%d combined renditions share bandwidth %d; took the first", countBandwidth(combined, best.Bandwidth), best.Bandwidth)
			log.Printf("rendition: ambiguous %s uri=%s", sel.Reason, best.URI)
		}
		// A combined variant may still reference an out-of-band audio group.
		if best.AudioGroup != "" {
			sel.Audio, _ = groupAudio(best.AudioGroup, audios)
		}
		return sel, nil
	}

	sel = Selection{Video: videos[0], Reason: "first video rendition"}
	audio, ambiguous, why := pickAudio(videos[0], audios)
	sel.Audio = audio
	if ambiguous {
		sel.Ambiguous = true
		sel.Reason += "; " + why
		log.Printf("rendition: ambiguous audio choice %s video=%s", why, videos[0].URI)
	}
	return sel, nil
}

func pickAudio(video hls.Rendition, audios []hls.Rendition) (*hls.Rendition, bool, string) {
	if len(audios) == 0 {
		return nil, false, ""
	}
	if video.AudioGroup != "" {
		if a, ok := groupAudio(video.AudioGroup, audios); ok {
			return a, false, ""
		}
	}
	for i := range audios {
		if audios[i].Default {
			return &audios[i], true, "audio outside the video's group, took the default"
		}
	}
	return &audios[0], true, "no default audio, took the first"
}

// groupAudio returns the default rendition of group, else its first member.
func groupAudio(group string, audios []hls.Rendition) (*hls.Rendition, bool) {
	var first *hls.Rendition
	for i := range audios {
		if audios[i].GroupID != group {
			continue
		}
		if audios[i].Default {
			return &audios[i], true
		}
		if first == nil {
			first = &audios[i]
		}
	}
	return first, first != nil
}

func highestBandwidth(rs []hls.Rendition) (hls.Rendition, bool) {
	best := rs[0]
	for _, r := range rs[1:] {
		if r.Bandwidth > best.Bandwidth {
			best = r
		}
	}
	return best, countBandwidth(rs, best.Bandwidth) > 1
}

func countBandwidth(rs []hls.Rendition, bw int) int {
	n := 0
	for _, r := range rs {
		if r.Bandwidth == bw {
			n++
		}
	}
	return n
}

func isCombined(r hls.Rendition) bool {
	if strings.HasSuffix(r.Stem(), combinedMarker) {
		return true
	}
	return hasToken(r.Name, combinedMarker) || hasToken(r.GroupID, combinedMarker)
}

func isAudioOnly(r hls.Rendition) bool {
	if r.Type == hls.Audio {
		return true
	}
	for _, s := range []string{r.Name, r.GroupID, r.Stem()} {
		toks := tokens(s)
		if len(toks) == 0 {
			continue
		}
		last := toks[len(toks)-1]
		if last == "a" || last == "audio" {
			return true
		}
	}
	return false
}

func hasToken(s, tok string) bool {
	for _, t := range tokens(s) {
		if t == tok {
			return true
		}
	}
	return false
}

func tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// SelectURLs narrows pre-resolved source URLs to at most MaxURLs.
// Non-http(s) URLs are dropped. URLs whose stem ends in the combined marker
// are preferred; the remaining candidates are taken in reverse lexical order,
// which approximates "most recent" for the portal's naming.
func SelectURLs(urls []string) ([]string, error) {
	seen := make(map[string]bool, len(urls))
	var valid []string
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		if !safeurl.IsHTTPOrHTTPS(u) {
			log.Debugf("rendition: dropping non-http candidate url=%q", u)
			continue
		}
		valid = append(valid, u)
	}
	if len(valid) == 0 {
		return nil, &NoVideoRenditionError{Candidates: len(urls)}
	}

	var combined []string
	for _, u := range valid {
		if strings.HasSuffix(hls.URIStem(u), combinedMarker) {
			combined = append(combined, u)
		}
	}
	pool := valid
	if len(combined) > 0 {
		pool = combined
	} else if len(valid) > 1 {
		log.Printf("rendition: ambiguous no combined-stream marker among %d urls, using reverse lexical order", len(valid))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(pool)))
	if len(pool) > MaxURLs {
		log.Printf("rendition: ambiguous %d candidate urls, keeping %d dropped=%v", len(pool), MaxURLs, pool[MaxURLs:])
		pool = pool[:MaxURLs]
	}
	return pool, nil
}

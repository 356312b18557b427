package hls

import (
	"errors"
	"strings"
	"testing"
)

const multivariant = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="English",LANGUAGE="en",DEFAULT=YES,URI="s1_a.m3u8"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",NAME="Muxed",DEFAULT=NO
#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID="subs",NAME="en",URI="subs.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=1280000,RESOLUTION=1280x720,CODECS="avc1.64001f,mp4a.40.2",AUDIO="aud"
hd/s1_v.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=64000,CODECS="mp4a.40.2"
//cdn.example.net/audio/only.m3u8?sig=1
#EXT-X-VENDOR-THING:FOO=bar
`

func TestParse_multivariant(t *testing.T) {
	p, err := ParseBytes([]byte(multivariant), "https://content.example.org/lesson/1/master.m3u8?token=x")
	if err != nil {
		t.Fatal(err)
	}
	if p.Kind != KindMultivariant {
		t.Fatalf("kind = %v", p.Kind)
	}
	if len(p.Renditions) != 3 {
		t.Fatalf("renditions = %+v", p.Renditions)
	}
	a := p.Renditions[0]
	if a.Type != Audio || !a.Default || a.GroupID != "aud" || a.URI != "https://content.example.org/lesson/1/s1_a.m3u8" {
		t.Errorf("audio rendition = %+v", a)
	}
	v := p.Renditions[1]
	if v.Type != Video || !v.Variant || v.Bandwidth != 1280000 || v.AudioGroup != "aud" {
		t.Errorf("video rendition = %+v", v)
	}
	if v.URI != "https://content.example.org/lesson/1/hd/s1_v.m3u8" {
		t.Errorf("video URI = %q", v.URI)
	}
	if v.Name != "s1_v" {
		t.Errorf("derived name = %q", v.Name)
	}
	ao := p.Renditions[2]
	if ao.Type != Audio {
		t.Errorf("audio-only codecs variant typed %s", ao.Type)
	}
	if ao.URI != "https://cdn.example.net/audio/only.m3u8?sig=1" {
		t.Errorf("scheme-relative URI = %q", ao.URI)
	}
	if got := len(p.ByType(Video)); got != 1 {
		t.Errorf("ByType(Video) = %d", got)
	}
	last := p.Tags[len(p.Tags)-1]
	if last.Name != "EXT-X-VENDOR-THING" || last.Attrs["FOO"] != "bar" {
		t.Errorf("unknown tag = %+v", last)
	}
}

func TestParse_multivariantSharedGroup(t *testing.T) {
	// A trailing EXT-X-VERSION makes the generic decoder report a media list.
	src := `#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="a",NAME="en",URI="a.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=2000,AUDIO="a"
hi.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=1000,AUDIO="a"
lo.m3u8
#EXT-X-VERSION:4
`
	p, err := ParseBytes([]byte(src), "http://h/m/master.m3u8")
	if err != nil {
		t.Fatal(err)
	}
	if p.Kind != KindMultivariant || p.Version != 4 {
		t.Fatalf("kind = %v version = %d", p.Kind, p.Version)
	}
	var got []string
	for _, r := range p.Renditions {
		got = append(got, string(r.Type)+" "+r.URI)
	}
	want := []string{
		"AUDIO http://h/m/a.m3u8",
		"VIDEO http://h/m/hi.m3u8",
		"VIDEO http://h/m/lo.m3u8",
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("renditions = %q, want %q", got, want)
	}
}

const media = `#EXTM3U
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:7
#EXT-X-KEY:METHOD=NONE
#EXTINF:10.0,
seg0.ts
# a plain comment
#EXTINF:9.5,intro
../other/seg1.ts
#EXTINF:4.25
?part=2
#EXT-X-ENDLIST
`

func TestParse_media(t *testing.T) {
	p, err := ParseBytes([]byte(media), "https://h.example/a/b/s1_v.m3u8?x=1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Kind != KindMedia || !p.Ended || p.MediaSequence != 7 || p.TargetDuration != 10 {
		t.Fatalf("playlist = %+v", p)
	}
	want := []string{
		"https://h.example/a/b/seg0.ts",
		"https://h.example/a/other/seg1.ts",
		"https://h.example/a/b/s1_v.m3u8?part=2",
	}
	if len(p.Segments) != len(want) {
		t.Fatalf("segments = %+v", p.Segments)
	}
	for i, s := range p.Segments {
		if s.Sequence != i {
			t.Errorf("segment %d sequence = %d", i, s.Sequence)
		}
		if s.URI != want[i] {
			t.Errorf("segment %d URI = %q, want %q", i, s.URI, want[i])
		}
	}
	if p.Segments[1].Title != "intro" || p.Segments[1].Duration != 9.5 {
		t.Errorf("segment 1 = %+v", p.Segments[1])
	}
	if p.Segments[2].Title != "" {
		t.Errorf("segment 2 title = %q, want empty", p.Segments[2].Title)
	}
	if d := p.Duration(); d != 23.75 {
		t.Errorf("Duration = %v", d)
	}
}

func TestParse_byteRanges(t *testing.T) {
	src := `#EXTM3U
#EXT-X-MAP:URI="main.mp4",BYTERANGE="720@0"
#EXTINF:6,
#EXT-X-BYTERANGE:1000@720
main.mp4
#EXTINF:6,
#EXT-X-BYTERANGE:500
main.mp4
#EXT-X-MAP:URI="main.mp4",BYTERANGE="720@0"
#EXTINF:6,
#EXT-X-BYTERANGE:250
main.mp4
`
	p, err := ParseBytes([]byte(src), "http://h/v/index.m3u8")
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Segments) != 4 {
		t.Fatalf("segments = %+v", p.Segments)
	}
	init := p.Segments[0]
	if !init.Init || init.Range == nil || init.Range.Length != 720 || init.Range.Offset != 0 {
		t.Errorf("init = %+v", init)
	}
	wantOff := []int64{720, 1720, 2220}
	for i, off := range wantOff {
		r := p.Segments[i+1].Range
		if r == nil || r.Offset != off {
			t.Errorf("segment %d range = %+v, want offset %d", i+1, r, off)
		}
	}
	if h := p.Segments[1].Range.Header(); h != "bytes=720-1719" {
		t.Errorf("Header() = %q", h)
	}
}

func TestParse_malformed(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"empty", ""},
		{"html", "<html><body>login</body></html>"},
		{"header only", "#EXTM3U\n"},
		{"uri without directive", "#EXTM3U\n#EXT-X-TARGETDURATION:4\nseg.ts\n"},
		{"mixed", "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\nv.m3u8\n#EXTINF:4,\ns.ts\n"},
		{"encrypted", "#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"k\"\n#EXTINF:4,\ns.ts\n"},
		{"bad duration", "#EXTM3U\n#EXTINF:abc,\ns.ts\n"},
		{"dangling variant", "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\n"},
		{"variant without uri", "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\n#EXT-X-STREAM-INF:BANDWIDTH=2\nv.m3u8\n"},
		{"trailing extinf", "#EXTM3U\n#EXTINF:4,\na.ts\n#EXTINF:4,\nb.ts\n#EXTINF:4,\n"},
		{"extinf without uri", "#EXTM3U\n#EXTINF:4,\n#EXTINF:4,\nb.ts\n#EXT-X-ENDLIST\n"},
		{"map without uri", "#EXTM3U\n#EXT-X-MAP:BYTERANGE=\"10@0\"\n#EXTINF:4,\nb.ts\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.src), "http://h/p.m3u8")
			var me *MalformedPlaylistError
			if !errors.As(err, &me) {
				t.Fatalf("err = %v, want MalformedPlaylistError", err)
			}
			if me.URL != "http://h/p.m3u8" {
				t.Errorf("URL = %q", me.URL)
			}
		})
	}
}

func TestAttributes(t *testing.T) {
	got := attributes(`BANDWIDTH=1,CODECS="avc1.4d401f,mp4a.40.2",NAME="a,b" ,resolution=1x1`)
	want := map[string]string{
		"BANDWIDTH":  "1",
		"CODECS":     "avc1.4d401f,mp4a.40.2",
		"NAME":       "a,b",
		"RESOLUTION": "1x1",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestEncode_preservesOrder(t *testing.T) {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-TARGETDURATION:10\n")
	names := []string{"z.ts", "a.ts", "m.ts", "b.ts", "y.ts"}
	for _, n := range names {
		b.WriteString("#EXTINF:10.000,\n" + n + "\n")
	}
	b.WriteString("#EXT-X-BYTERANGE:100@0\n")
	b.WriteString("#EXTINF:2.000,\nlast.ts\n#EXT-X-ENDLIST\n")

	p, err := ParseBytes([]byte(b.String()), "http://h/v/index.m3u8")
	if err != nil {
		t.Fatal(err)
	}
	out, err := Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := ParseBytes(out, "http://h/v/index.m3u8")
	if err != nil {
		t.Fatalf("reparse: %v\n%s", err, out)
	}
	if len(p2.Segments) != len(p.Segments) {
		t.Fatalf("segments %d != %d\n%s", len(p2.Segments), len(p.Segments), out)
	}
	for i := range p.Segments {
		if p2.Segments[i].URI != p.Segments[i].URI || p2.Segments[i].Sequence != p.Segments[i].Sequence {
			t.Errorf("segment %d: %+v != %+v", i, p2.Segments[i], p.Segments[i])
		}
	}
	if r := p2.Segments[len(p2.Segments)-1].Range; r == nil || r.Length != 100 {
		t.Errorf("range lost: %+v", r)
	}
	if !p2.Ended {
		t.Error("ENDLIST lost")
	}
}

func TestEncode_rejectsMultivariant(t *testing.T) {
	p, err := ParseBytes([]byte(multivariant), "http://h/m.m3u8")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Encode(p); err == nil {
		t.Fatal("expected error")
	}
}

func TestURIStem(t *testing.T) {
	tests := map[string]string{
		"https://h/a/s1q1av.m3u8?x=1": "s1q1av",
		"s1_a.M3U8":                   "s1_a",
		"":                            "",
	}
	for in, want := range tests {
		if got := URIStem(in); got != want {
			t.Errorf("URIStem(%q) = %q, want %q", in, got, want)
		}
	}
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"testing"

	"github.com/snapetech/echodl/internal/batch"
	"github.com/snapetech/echodl/internal/config"
)

func TestParseLectures(t *testing.T) {
	got, err := parseLectures("1, 3,5-7")
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []int{1, 3, 5, 6, 7} {
		if !got[n] {
			t.Errorf("missing %d in %v", n, got)
		}
	}
	if len(got) != 5 {
		t.Errorf("got %v", got)
	}
	if got, err := parseLectures(""); err != nil || got != nil {
		t.Errorf("empty = %v %v", got, err)
	}
	for _, bad := range []string{"x", "0", "4-2", "3-y"} {
		if _, err := parseLectures(bad); err == nil {
			t.Errorf("parseLectures(%q) should fail", bad)
		}
	}
}

func TestNameFromURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"https://content.example.org/a/b/s1q1.m3u8?sig=1", "s1q1"},
		{"https://s3.example.com/lecture.mp4", "lecture"},
		{"https://example.org/", "download"},
		{"::", "download"},
	}
	for _, tt := range tests {
		if got := nameFromURL(tt.in); got != tt.want {
			t.Errorf("nameFromURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExitCode(t *testing.T) {
	if exitCode(batch.Summary{Complete: 3, Skipped: 1}, nil) != 0 {
		t.Error("clean run should exit 0")
	}
	if exitCode(batch.Summary{Unmuxed: 1}, nil) != 1 {
		t.Error("unmuxed should exit 1")
	}
	if exitCode(batch.Summary{}, errors.New("boom")) != 1 {
		t.Error("error should exit 1")
	}
}

func TestNewApp_requiresCookies(t *testing.T) {
	cfg := config.Load()
	cfg.CookiesFile = ""
	if _, err := newApp(cfg, false); err == nil {
		t.Fatal("expected error without cookies file")
	}
}

func TestNewApp_wires(t *testing.T) {
	dir := t.TempDir()
	cookies := dir + "/cookies.txt"
	if err := os.WriteFile(cookies, []byte(".echo360.org\tTRUE\t/\tTRUE\t0\tPLAY_SESSION\tabc\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg := config.Load()
	cfg.CookiesFile = cookies
	cfg.LedgerPath = dir + "/ledger.db"
	a, err := newApp(cfg, false)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()
	if a.assembler.Fetcher != a.fetcher || a.ledger == nil || a.fetcher.Workers() != cfg.Workers {
		t.Errorf("app not wired: %+v", a)
	}
}

type stubSource struct {
	cookies []*http.Cookie
	err     error
}

func (s stubSource) Cookies(ctx context.Context) ([]*http.Cookie, error) { return s.cookies, s.err }

func (s stubSource) Page(ctx context.Context, pageURL string) (string, error) { return "", nil }

func TestSegmentClient(t *testing.T) {
	cfg := config.Load()
	expired := errors.New("session expired")
	tests := []struct {
		name    string
		src     stubSource
		wantErr bool
	}{
		{"cookies", stubSource{cookies: []*http.Cookie{{Name: "PLAY_SESSION", Value: "abc"}}}, false},
		{"source error", stubSource{err: expired}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := segmentClient(context.Background(), cfg, tt.src)
			if tt.wantErr {
				if !errors.Is(err, expired) || c != nil {
					t.Fatalf("client = %v, err = %v, want wrapped source error", c, err)
				}
				return
			}
			if err != nil || c == nil {
				t.Fatalf("client = %v, err = %v", c, err)
			}
		})
	}
}

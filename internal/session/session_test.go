package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadCookies_netscape(t *testing.T) {
	p := writeFile(t, "cookies.txt", "# Netscape HTTP Cookie File\n\n"+
		".echo360.org\tTRUE\t/\tTRUE\t0\tPLAY_SESSION\tabc=def\n"+
		"#HttpOnly_echo360.org\tFALSE\t/\tFALSE\t4102444800\tECHO_JWT\ttoken\n")
	cs, err := LoadCookies(p)
	if err != nil {
		t.Fatalf("LoadCookies: %v", err)
	}
	if len(cs) != 2 {
		t.Fatalf("cookies = %d", len(cs))
	}
	if cs[0].Name != "PLAY_SESSION" || cs[0].Value != "abc=def" || !cs[0].Secure || !cs[0].Expires.IsZero() {
		t.Errorf("cookie 0 = %+v", cs[0])
	}
	if !cs[1].HttpOnly || cs[1].Expires.Year() != 2100 {
		t.Errorf("cookie 1 = %+v", cs[1])
	}
}

func TestLoadCookies_json(t *testing.T) {
	p := writeFile(t, "cookies.json", `[{"name":"PLAY_SESSION","value":"v","domain":".echo360.org","path":"/","secure":true,"expiry":4102444800},{"name":"","value":"skip"}]`)
	cs, err := LoadCookies(p)
	if err != nil {
		t.Fatalf("LoadCookies: %v", err)
	}
	if len(cs) != 1 || cs[0].Domain != ".echo360.org" || cs[0].Expires.IsZero() {
		t.Errorf("cookies = %+v", cs)
	}
}

func TestLoadCookies_errors(t *testing.T) {
	for name, body := range map[string]string{
		"short.txt": "echo360.org\tTRUE\t/\n",
		"empty.txt": "# only comments\n",
		"bad.json":  "[{",
	} {
		if _, err := LoadCookies(writeFile(t, name, body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestFileSource_page(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("PLAY_SESSION")
		if err != nil || c.Value != "v" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("<html>classroom</html>"))
	}))
	defer srv.Close()
	u, _ := url.Parse(srv.URL)

	src, err := NewSource([]*http.Cookie{
		{Name: "PLAY_SESSION", Value: "v", Domain: u.Hostname(), Path: "/"},
		{Name: "OLD", Value: "x", Domain: u.Hostname(), Expires: time.Unix(1, 0)},
	}, "", 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	page, err := src.Page(context.Background(), srv.URL+"/lesson/1/classroom")
	if err != nil || page != "<html>classroom</html>" {
		t.Fatalf("Page = %q, %v", page, err)
	}
	cs, _ := src.Cookies(context.Background())
	if len(cs) != 2 {
		t.Errorf("Cookies = %d, want the exported set", len(cs))
	}

	bare, _ := NewSource([]*http.Cookie{{Name: "other", Value: "1", Domain: "example.org"}}, "", 5*time.Second)
	if _, err := bare.Page(context.Background(), srv.URL); err == nil {
		t.Error("expected error without session cookie")
	}
}

package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCheckSession_ok(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()
	if err := CheckSession(context.Background(), srv.Client(), srv.URL+"/section/x/syllabus"); err != nil {
		t.Fatalf("CheckSession: %v", err)
	}
}

func TestCheckSession_loginRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/section/x/syllabus", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>login</html>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	if err := CheckSession(context.Background(), srv.Client(), srv.URL+"/section/x/syllabus"); err == nil {
		t.Fatal("expected error for login page")
	}
}

func TestCheckSession_badStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	if err := CheckSession(context.Background(), nil, srv.URL); err == nil {
		t.Fatal("expected error for 401")
	}
}

func TestCheckSession_emptyURL(t *testing.T) {
	if err := CheckSession(context.Background(), nil, ""); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

type fakeChecker struct{ err error }

func (f fakeChecker) Available() error { return f.err }

func TestCheckMuxer(t *testing.T) {
	if err := CheckMuxer(fakeChecker{}); err != nil {
		t.Errorf("CheckMuxer: %v", err)
	}
	if err := CheckMuxer(fakeChecker{err: errors.New("missing")}); err == nil {
		t.Error("expected error")
	}
	if err := CheckMuxer(nil); err == nil {
		t.Error("expected error for nil")
	}
}

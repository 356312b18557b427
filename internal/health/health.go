package health

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/snapetech/echodl/internal/safeurl"
)

const checkTimeout = 15 * time.Second

// CheckSession fetches a syllabus URL with the session client. Returns nil if
// the portal answered with JSON; an expired session is redirected to an HTML
// login page, which is reported as an error.
func CheckSession(ctx context.Context, client *http.Client, syllabusURL string) error {
	if syllabusURL == "" {
		return fmt.Errorf("no syllabus URL configured")
	}
	if client == nil {
		client = &http.Client{Timeout: checkTimeout}
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, syllabusURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("portal unreachable: %w", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("portal returned HTTP %d", resp.StatusCode)
	}
	mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mt != "application/json" {
		return fmt.Errorf("portal returned %q instead of JSON (session expired? final url %s)",
			mt, safeurl.Redact(resp.Request.URL.String()))
	}
	return nil
}

// Checker is anything that can report whether it is usable, such as the muxer.
type Checker interface {
	Available() error
}

// CheckMuxer reports whether the external mux tool can be found.
func CheckMuxer(c Checker) error {
	if c == nil {
		return fmt.Errorf("no muxer configured")
	}
	return c.Available()
}

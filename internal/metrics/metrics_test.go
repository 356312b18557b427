package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_counts(t *testing.T) {
	m := New()
	m.SegmentDone("video", 100, 10*time.Millisecond)
	m.SegmentDone("video", 50, 10*time.Millisecond)
	m.SegmentFailed("audio")
	m.Retry()
	m.LectureFinished("complete")

	if got := testutil.ToFloat64(m.bytes.WithLabelValues("video")); got != 150 {
		t.Errorf("bytes = %v", got)
	}
	if got := testutil.ToFloat64(m.segments.WithLabelValues("audio", "failed")); got != 1 {
		t.Errorf("failed = %v", got)
	}
	if got := testutil.ToFloat64(m.retries); got != 1 {
		t.Errorf("retries = %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `echodl_lectures_total{status="complete"} 1`) {
		t.Errorf("exposition missing lecture counter:\n%s", body)
	}
}

func TestMetrics_nilSafe(t *testing.T) {
	var m *Metrics
	m.SegmentDone("video", 1, time.Second)
	m.SegmentFailed("video")
	m.Retry()
	m.InFlight(1)
	m.LectureFinished("failed")
	if m.Handler() == nil {
		t.Error("nil handler")
	}
}

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestInitIsIdempotent(t *testing.T) {
	a := Init()
	b := Init()
	if a != b {
		t.Error("expected Init to return the same instance on repeated calls")
	}
}

func TestRecordingsAppearInHandler(t *testing.T) {
	m := Init()
	m.RecordUpload("success")
	m.RecordDownload("200")
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.SetWorkerQueueDepth(3)
	m.SetActiveSessions(2)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"cloudbackup_uploads_total",
		"cloudbackup_downloads_total",
		"cloudbackup_cache_hits_total",
		"cloudbackup_cache_misses_total",
		"cloudbackup_worker_queue_depth",
		"cloudbackup_active_sessions",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}

func TestNilMetricsRecordingsAreNoops(t *testing.T) {
	var m *Metrics
	m.RecordUpload("success")
	m.RecordDownload("200")
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.SetWorkerQueueDepth(1)
	m.SetActiveSessions(1)
}

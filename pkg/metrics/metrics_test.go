package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewManager(t *testing.T) {
	m := NewManager(DefaultConfig())

	if !m.Enabled() {
		t.Error("expected manager to be enabled")
	}
	if m.registry == nil {
		t.Error("expected non-nil registry")
	}
}

func TestNewManager_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	m := NewManager(cfg)

	if m.Enabled() {
		t.Error("expected manager to be disabled")
	}

	// Recording against a disabled manager must be a no-op, not a panic.
	m.SetEntriesLive(10)
	m.SetSnapshotBytes(1024)
	m.RecordOperation("recall", "ok")
	m.RecordRecallDuration(time.Millisecond)
	m.RecordSaveDuration(time.Millisecond)
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordPersistFailure()
	m.RecordConsolidation(1, 2)
}

func TestMetricsHandler(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.SetEntriesLive(42)
	m.RecordOperation("remember", "ok")
	m.RecordOperation("recall", "ok")
	m.RecordOperation("recall", "error")
	m.RecordRecallDuration(5 * time.Millisecond)
	m.RecordCacheHit()
	m.RecordConsolidation(3, 1)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		"engram_entries_live 42",
		`engram_operations_total{op="recall",status="ok"} 1`,
		`engram_operations_total{op="recall",status="error"} 1`,
		"engram_recall_duration_seconds_count 1",
		`engram_search_cache_events_total{result="hit"} 1`,
		`engram_consolidation_total{action="merged"} 3`,
		`engram_consolidation_total{action="evicted"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q", want)
		}
	}
}

func TestMetricsHandler_Disabled(t *testing.T) {
	m := NoOpManager()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 when disabled, got %d", rec.Code)
	}
}

func BenchmarkRecordOperation(b *testing.B) {
	m := NewManager(DefaultConfig())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordOperation("recall", "ok")
	}
}

func BenchmarkNoOpRecording(b *testing.B) {
	m := NoOpManager()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordOperation("recall", "ok")
		m.RecordRecallDuration(time.Millisecond)
	}
}

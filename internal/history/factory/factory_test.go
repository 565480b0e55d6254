package factory

import (
	"path/filepath"
	"testing"

	"github.com/tomhay/moltworker/internal/history/opensearch"
	"github.com/tomhay/moltworker/internal/history/sqlite"
)

func TestNewSinkFromDSN_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "h.db")
	for _, dsn := range []string{path, "sqlite://" + path} {
		s, err := NewSinkFromDSN(dsn)
		if err != nil {
			t.Fatalf("%s: %v", dsn, err)
		}
		if _, ok := s.(*sqlite.Sink); !ok {
			t.Fatalf("%s: expected sqlite sink, got %T", dsn, s)
		}
		_ = s.Close()
	}
}

func TestNewSinkFromDSN_OpenSearch(t *testing.T) {
	s, err := NewSinkFromDSN("opensearch://localhost:9200/events")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.(*opensearch.Sink); !ok {
		t.Fatalf("expected opensearch sink, got %T", s)
	}
}

func TestNewSinkFromDSN_Errors(t *testing.T) {
	if _, err := NewSinkFromDSN(""); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
	if _, err := NewSinkFromDSN("redis://localhost:6379"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
	if _, err := NewSinkFromDSN("opensearch:///events"); err == nil {
		t.Fatalf("expected error for opensearch DSN without host")
	}
}

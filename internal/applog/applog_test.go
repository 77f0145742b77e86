package applog

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "plugins.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLogsSinceOrdersAndFilters(t *testing.T) {
	s := openStore(t)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if err := s.Store("math", base.Add(time.Duration(i)*time.Second), fmt.Sprintf("line-%d", i)); err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	if err := s.Store("other", base, "noise"); err != nil {
		t.Fatalf("store: %v", err)
	}

	logs, err := s.LogsSince("math", base.Add(2*time.Second))
	if err != nil {
		t.Fatalf("logs since: %v", err)
	}
	if len(logs) != 3 || logs[0].Line != "line-2" || logs[2].Line != "line-4" {
		t.Fatalf("unexpected logs: %+v", logs)
	}
	all, err := s.LogsSince("math", time.Time{})
	if err != nil || len(all) != 5 {
		t.Fatalf("expected all 5 entries, got %d err=%v", len(all), err)
	}
	none, err := s.LogsSince("missing", time.Time{})
	if err != nil || len(none) != 0 {
		t.Fatalf("expected no entries for unknown service, got %+v err=%v", none, err)
	}
}

func TestWriterSplitsLines(t *testing.T) {
	s := openStore(t)
	w := s.Writer("py")
	if _, err := w.Write([]byte("first\nsec")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := w.Write([]byte("ond\r\n\nthird")); err != nil {
		t.Fatalf("write: %v", err)
	}
	logs, err := s.LogsSince("py", time.Time{})
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(logs) != 2 || logs[0].Line != "first" || logs[1].Line != "second" {
		t.Fatalf("unexpected lines: %+v", logs)
	}
}

func TestDropAndClose(t *testing.T) {
	s := openStore(t)
	if err := s.Store("gone", time.Now(), "x"); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.Drop("gone"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if err := s.Drop("gone"); err != nil {
		t.Fatalf("second drop: %v", err)
	}
	names, err := s.Services()
	if err != nil || len(names) != 0 {
		t.Fatalf("expected no services, got %q err=%v", names, err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Store("gone", time.Now(), "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"storyloom/internal/quality"
)

func TestWatcher_ReloadsThresholdsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storyloom.yaml")
	if err := os.WriteFile(path, []byte("quality:\n  enabled: true\n  max_attempts: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan quality.GateConfig, 4)
	w, err := NewWatcher(path, func(g quality.GateConfig) { reloaded <- g })
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	updated := "quality:\n  enabled: true\n  max_attempts: 7\n  critical:\n    coherence: 65\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case g := <-reloaded:
		if g.MaxAttempts != 7 {
			t.Errorf("max_attempts = %d, want 7", g.MaxAttempts)
		}
		if g.Thresholds.Critical["coherence"] != 65 {
			t.Errorf("critical thresholds not reloaded: %v", g.Thresholds.Critical)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback never fired")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storyloom.yaml")
	if err := os.WriteFile(path, []byte("quality:\n  enabled: true\n  max_attempts: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan quality.GateConfig, 1)
	w, err := NewWatcher(path, func(g quality.GateConfig) { reloaded <- g })
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("unrelated"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloaded:
		t.Error("unrelated file write triggered a reload")
	case <-time.After(600 * time.Millisecond):
	}
}

func TestWatcher_BadReloadKeepsRunning(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storyloom.yaml")
	if err := os.WriteFile(path, []byte("quality:\n  enabled: true\n  max_attempts: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan quality.GateConfig, 4)
	w, err := NewWatcher(path, func(g quality.GateConfig) { reloaded <- g })
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.debounceDur = 0 // Let consecutive writes through
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	// Invalid config must not fire the callback.
	if err := os.WriteFile(path, []byte("quality:\n  max_attempts: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-reloaded:
		t.Fatal("invalid config fired the reload callback")
	case <-time.After(500 * time.Millisecond):
	}

	// A subsequent valid write still reloads.
	if err := os.WriteFile(path, []byte("quality:\n  enabled: true\n  max_attempts: 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case g := <-reloaded:
		if g.MaxAttempts != 9 {
			t.Errorf("max_attempts = %d, want 9", g.MaxAttempts)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher stopped working after a bad reload")
	}
}

package stdlog

import (
	"io"
	"os"
	"strings"
	"testing"

	"github.com/shovelrun/shovel/internal/config"
	"github.com/shovelrun/shovel/internal/logger"
)

// captureStderr runs fn with os.Stderr redirected to a pipe and returns what
// was written. Loggers bind os.Stderr when they are created, so fn must
// create the loggers it writes through.
func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	orig := os.Stderr
	os.Stderr = w
	fn()
	os.Stderr = orig
	w.Close()
	out, _ := io.ReadAll(r)
	return string(out)
}

func TestBuildDefaultsToInfoWithoutDefaultOverride(t *testing.T) {
	f, err := Build(config.Logging{Sinks: []string{"stderr"}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	out := captureStderr(t, func() {
		l := f.Get("anything")
		l.Debug("debug-line")
		l.Info("info-line")
	})
	if strings.Contains(out, "debug-line") || !strings.Contains(out, "info-line") {
		t.Fatalf("expected info but not debug output at the default level, got %q", out)
	}
}

func TestBuildAppliesCategoryOverride(t *testing.T) {
	f, err := Build(config.Logging{
		Sinks:   []string{"stderr"},
		Loggers: map[string]string{"default": "warning", "cache": "debug"},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	cacheLogger := f.Get("cache")
	if cacheLogger.Category() != "cache" {
		t.Fatalf("unexpected category: %q", cacheLogger.Category())
	}
	_ = logger.LevelDebug

	out := captureStderr(t, func() {
		f.Get("cache").Debug("cache-debug")
		f.Get("other").Info("other-info")
	})
	if !strings.Contains(out, "cache-debug") {
		t.Fatalf("expected debug output from the overridden category, got %q", out)
	}
	if strings.Contains(out, "other-info") {
		t.Fatalf("expected info output suppressed at the warning default, got %q", out)
	}
}

func TestBuildRejectsUnknownSink(t *testing.T) {
	_, err := Build(config.Logging{Sinks: []string{"syslog"}})
	if err == nil {
		t.Fatal("expected error for unsupported sink")
	}
}

func TestBuildRejectsUnknownLevel(t *testing.T) {
	_, err := Build(config.Logging{Loggers: map[string]string{"default": "verbose"}})
	if err == nil {
		t.Fatal("expected error for unknown level name")
	}
}

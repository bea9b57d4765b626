package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestNewCronAdapter_WithNil(t *testing.T) {
	adapter := NewCronAdapter(nil)
	if adapter.Logger() != slog.Default() {
		t.Error("expected slog.Default() for a nil logger")
	}
}

func TestCronAdapter_InfoIsDebug(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewCronAdapter(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))

	adapter.Info("wake", "now", "10:00")
	if buf.Len() != 0 {
		t.Errorf("expected tick messages below info to be dropped, got %q", buf.String())
	}
}

func TestCronAdapter_Error(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewCronAdapter(slog.New(slog.NewTextHandler(&buf, nil)))

	adapter.Error(errors.New("boom"), "job panicked", "entry", 1)

	out := buf.String()
	if !strings.Contains(out, "level=ERROR") || !strings.Contains(out, "error=boom") || !strings.Contains(out, "entry=1") {
		t.Errorf("unexpected output %q", out)
	}
}

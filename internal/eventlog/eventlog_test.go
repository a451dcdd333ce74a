package eventlog

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func capturedLogger() (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	handler := WrapHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(handler), &buf
}

func TestSecurityGradeLevels(t *testing.T) {
	logger, buf := capturedLogger()

	logger.Security(GradeHigh, "counter mismatch", "account_id", 42)
	out := buf.String()
	if !strings.Contains(out, "level=ERROR") {
		t.Fatalf("high grade not escalated: %q", out)
	}
	if !strings.Contains(out, "security_grade=high") {
		t.Fatalf("grade attribute missing: %q", out)
	}

	buf.Reset()
	logger.Security(GradeLow, "request denied")
	if !strings.Contains(buf.String(), "level=INFO") {
		t.Fatalf("low grade escalated: %q", buf.String())
	}
}

func TestRedaction(t *testing.T) {
	logger, buf := capturedLogger()

	logger.Info("session created", "session_key", "ffffffff", "account_id", 7)
	out := buf.String()
	if strings.Contains(out, "ffffffff") {
		t.Fatalf("key material leaked: %q", out)
	}
	if !strings.Contains(out, redactedValue) {
		t.Fatalf("redaction marker missing: %q", out)
	}
	if !strings.Contains(out, "account_id=7") {
		t.Fatalf("benign attribute lost: %q", out)
	}
}

func TestShortID(t *testing.T) {
	if ShortID(nil) != "" {
		t.Fatal("empty ID rendered non-empty")
	}
	id := []byte{0x00, 0x01, 0x02, 0x03}
	a, b := ShortID(id), ShortID([]byte{0xff, 0x01, 0x02, 0x03})
	if a == "" || a == b {
		t.Fatalf("short IDs not distinct: %q vs %q", a, b)
	}
}

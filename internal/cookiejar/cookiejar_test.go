package cookiejar

import (
	"strings"
	"testing"
)

func TestParseAndGet(t *testing.T) {
	j := New("a=1; b=2")

	if v, ok := j.Get("a"); !ok || v != "1" {
		t.Fatalf("a: got %q, %v", v, ok)
	}
	if v, ok := j.Get("b"); !ok || v != "2" {
		t.Fatalf("b: got %q, %v", v, ok)
	}
	if _, ok := j.Get("missing"); ok {
		t.Fatalf("expected missing cookie to be absent")
	}
}

func TestNoChangesEmitsNoLines(t *testing.T) {
	j := New("a=1")
	if j.HasChanges() {
		t.Fatalf("fresh jar should report no changes")
	}
	if lines := j.SetCookieLines(); len(lines) != 0 {
		t.Fatalf("expected zero lines, got %v", lines)
	}
}

func TestSetProducesLineWithDefaults(t *testing.T) {
	j := New("")
	if err := j.Set("b", "2", Options{}); err != nil {
		t.Fatalf("set: %v", err)
	}

	lines := j.SetCookieLines()
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	line := lines[0]
	if !strings.HasPrefix(line, "b=2; Path=/; SameSite=Strict") {
		t.Fatalf("unexpected line: %q", line)
	}
	if !strings.Contains(line, "Secure") {
		t.Fatalf("expected Secure attribute: %q", line)
	}
}

func TestDeleteEmitsPastExpiry(t *testing.T) {
	j := New("a=1")
	j.Delete("a")

	if _, ok := j.Get("a"); ok {
		t.Fatalf("deleted cookie should not be visible")
	}

	lines := j.SetCookieLines()
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "Expires=") {
		t.Fatalf("expected Expires attribute on delete: %q", lines[0])
	}
	if !strings.Contains(lines[0], "1970") {
		t.Fatalf("expected past-epoch expiry: %q", lines[0])
	}
}

func TestSetThenDeleteSubsetLeavesRemainderChanged(t *testing.T) {
	j := New("")
	_ = j.Set("x", "1", Options{})
	_ = j.Set("y", "2", Options{})
	_ = j.Set("z", "3", Options{})
	j.Delete("y")

	lines := j.SetCookieLines()
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines (x, y-deleted, z), got %d", len(lines))
	}
}

func TestNameValueLimitEnforced(t *testing.T) {
	j := New("")
	big := strings.Repeat("a", 4097)
	if err := j.Set("n", big, Options{}); err == nil {
		t.Fatalf("expected error for oversized cookie")
	}
}

package inference

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLineLoggerSplitsAcrossWrites(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	l := newLineLogger(zap.New(core))

	_, _ = l.Write([]byte("first li"))
	_, _ = l.Write([]byte("ne\r\nsecond\n\npartial"))
	l.Flush()

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("expected 3 log lines, got %d", len(entries))
	}
	want := []string{"first line", "second", "partial"}
	for i, e := range entries {
		got := e.ContextMap()["line"]
		if got != want[i] {
			t.Errorf("line %d = %v, want %q", i, got, want[i])
		}
	}
	if string(l.Bytes()) != "first line\r\nsecond\n\npartial" {
		t.Fatalf("raw stderr not preserved: %q", l.Bytes())
	}
}

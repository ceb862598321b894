package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("should not appear")
	log.Debug("also should not appear")

	if buf.Len() > 0 {
		t.Fatalf("expected no output for info/debug at warn level, got: %s", buf.String())
	}

	log.Warn("should appear", "layer", "model.layers.3")
	out := buf.String()
	if !strings.Contains(out, "should appear") {
		t.Fatalf("expected warn message in output, got: %s", out)
	}
	if !strings.Contains(out, `"layer":"model.layers.3"`) {
		t.Fatalf("expected layer attribute in output, got: %s", out)
	}
}

func TestNopDropsEverything(t *testing.T) {
	t.Parallel()
	log := Nop()
	// Should not panic
	log.Error("dropped")
	log.With("k", "v").WithGroup("g").Info("dropped")
}

func TestFromFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format  string
		level   string
		debug   bool
		emitDbg bool
		want    string
	}{
		{format: "json", level: "info", want: `"msg":"hello"`},
		{format: "text", level: "info", want: "msg=hello"},
		{format: "pretty", level: "info", want: "hello"},
		{format: "", level: "warn", debug: true, emitDbg: true, want: "hello"},
	}
	for _, tc := range tests {
		var buf bytes.Buffer
		log, err := FromFlags(&buf, tc.format, tc.level, tc.debug)
		if err != nil {
			t.Fatalf("FromFlags(%q, %q): %v", tc.format, tc.level, err)
		}
		if tc.emitDbg {
			log.Debug("hello")
		} else {
			log.Info("hello")
		}
		if !strings.Contains(buf.String(), tc.want) {
			t.Errorf("FromFlags(%q): expected %q in %q", tc.format, tc.want, buf.String())
		}
	}

	if _, err := FromFlags(&bytes.Buffer{}, "xml", "info", false); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestForNodePrettyPrefix(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := ForNode(Pretty(&buf, slog.LevelInfo), "worker", "gpu-0")
	log.Info("session opened", "remote", "10.0.0.1:5000")

	out := buf.String()
	if !strings.Contains(out, "[worker/gpu-0]") {
		t.Fatalf("expected node prefix, got: %s", out)
	}
	if strings.Contains(out, "node=") {
		t.Fatalf("node attribute should be lifted out of the attr list, got: %s", out)
	}
	if !strings.Contains(out, "remote=10.0.0.1:5000") {
		t.Fatalf("expected remote attr, got: %s", out)
	}
}

func TestForNodeWithoutName(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ForNode(Pretty(&buf, slog.LevelInfo), "master", "").Info("ready")
	if !strings.Contains(buf.String(), "[master]") {
		t.Fatalf("expected [master] prefix, got: %s", buf.String())
	}
}

func TestForNodeJSONKeepsAttribute(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ForNode(JSON(&buf, slog.LevelInfo), "worker", "a").Info("x")
	if !strings.Contains(buf.String(), `"node":"worker/a"`) {
		t.Fatalf("expected node attribute in json output, got: %s", buf.String())
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)

	ctx := WithContext(context.Background(), log)
	retrieved := FromContext(ctx)

	retrieved.Info("roundtrip test")
	if !strings.Contains(buf.String(), "roundtrip test") {
		t.Fatalf("expected message via context logger, got: %s", buf.String())
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext with no logger returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelInfo}, // case-sensitive
	}

	for _, tc := range tests {
		result := ParseLevel(tc.input)
		if result != tc.expected {
			t.Errorf("ParseLevel(%q): expected %v, got %v", tc.input, tc.expected, result)
		}
	}
}

func TestPrettyHandlerNestedGroups(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)

	logger := slog.New(h.WithGroup("a").WithGroup("b"))
	logger.Info("nested", "key", "val")

	output := buf.String()
	if !strings.Contains(output, "a.b.key=val") {
		t.Fatalf("expected 'a.b.key=val' in output, got: %s", output)
	}
	if h.WithGroup("") != h {
		t.Fatal("WithGroup empty string should return same handler")
	}
}

func TestPrettyQuotesStringsWithSpaces(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(NewPrettyHandler(&buf, nil))
	logger.Info("test", "msg", "hello world", "key", "simple")

	output := buf.String()
	if !strings.Contains(output, `msg="hello world"`) {
		t.Fatalf("expected quoted string with spaces, got: %s", output)
	}
	if !strings.Contains(output, "key=simple") {
		t.Fatalf("expected unquoted simple string, got: %s", output)
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected bool
	}{
		{"simple", false},
		{"has space", true},
		{"has\ttab", true},
		{"has\nnewline", true},
		{`has"quote`, true},
		{"", false},
	}

	for _, tc := range tests {
		result := needsQuoting(tc.input)
		if result != tc.expected {
			t.Errorf("needsQuoting(%q): expected %v, got %v", tc.input, tc.expected, result)
		}
	}
}

package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestStandardLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(
		WithOutput(&buf),
		WithLevel(LevelDebug),
	)

	levels := []struct {
		log  func(string, ...interface{})
		tag  string
		text string
	}{
		{logger.Debug, "[DEBUG]", "a debug message"},
		{logger.Info, "[INFO]", "an info message"},
		{logger.Warn, "[WARN]", "a warning message"},
		{logger.Error, "[ERROR]", "an error message"},
	}
	for _, l := range levels {
		l.log(l.text)
		if !strings.Contains(buf.String(), l.tag) || !strings.Contains(buf.String(), l.text) {
			t.Errorf("expected %s %q, got: %s", l.tag, l.text, buf.String())
		}
		buf.Reset()
	}

	// Level filtering
	logger.SetLevel(LevelError)
	logger.Info("hidden info")
	logger.Warn("hidden warning")
	logger.Error("visible error")
	output := buf.String()
	if strings.Contains(output, "hidden") || !strings.Contains(output, "visible error") {
		t.Errorf("level filtering failed, got: %s", output)
	}
	buf.Reset()

	logger.SetLevel(LevelInfo)
	logger.Info("flushed %d layers in %s", 3, "repo-1")
	if !strings.Contains(buf.String(), "flushed 3 layers in repo-1") {
		t.Errorf("formatted message failed, got: %s", buf.String())
	}
	if logger.GetLevel() != LevelInfo {
		t.Errorf("expected LevelInfo, got: %v", logger.GetLevel())
	}
}

func TestFieldsAreSortedAndInherited(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(WithOutput(&buf))

	child := logger.WithFields(map[string]interface{}{
		"repo":      "r1",
		"component": "repo",
	}).WithField("gen", 7)
	child.Info("flush complete")

	output := buf.String()
	ci := strings.Index(output, "component=repo")
	ri := strings.Index(output, "repo=r1")
	gi := strings.Index(output, "gen=7")
	if ci < 0 || ri < 0 || gi < 0 {
		t.Fatalf("missing fields in: %s", output)
	}
	if !(ci < ri && ri < gi) {
		t.Errorf("expected sorted parent fields followed by child field, got: %s", output)
	}

	// A level change on the parent is seen by the child.
	buf.Reset()
	logger.SetLevel(LevelError)
	child.Info("should be filtered")
	if buf.Len() != 0 {
		t.Errorf("child ignored parent level change: %s", buf.String())
	}
}

func TestFatalCallsExitFunc(t *testing.T) {
	var buf bytes.Buffer
	code := -1
	logger := NewStandardLogger(
		WithOutput(&buf),
		WithExitFunc(func(c int) { code = c }),
	)

	logger.WithField("component", "pool").Fatal("double free of block %d", 12)
	if code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(buf.String(), "[FATAL]") || !strings.Contains(buf.String(), "double free of block 12") {
		t.Errorf("fatal entry not written: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
	}
	for name, want := range tests {
		got, err := ParseLevel(name)
		if err != nil {
			t.Errorf("ParseLevel(%q) returned error: %v", name, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", name, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestDefaultLogger(t *testing.T) {
	original := GetDefaultLogger()
	defer SetDefaultLogger(original)

	var buf bytes.Buffer
	SetDefaultLogger(NewStandardLogger(WithOutput(&buf)))

	Info("global info message")
	if !strings.Contains(buf.String(), "[INFO]") || !strings.Contains(buf.String(), "global info message") {
		t.Errorf("global info logging failed, got: %s", buf.String())
	}
	buf.Reset()

	ForComponent(nil, "volume").Warn("cache disabled")
	if !strings.Contains(buf.String(), "component=volume") {
		t.Errorf("component logger missing field, got: %s", buf.String())
	}
}

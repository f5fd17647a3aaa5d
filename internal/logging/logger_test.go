package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestConsoleHandler_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Output: &buf})

	logger.Info("hello", "key", "value")

	out := buf.String()
	if !strings.Contains(out, "[info]") {
		t.Errorf("expected level in output, got: %s", out)
	}
	if !strings.Contains(out, "hello") {
		t.Errorf("expected message in output, got: %s", out)
	}
	if !strings.Contains(out, "key=value") {
		t.Errorf("expected attribute in output, got: %s", out)
	}
}

func TestConsoleHandler_Component(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Output: &buf}).WithComponent("monitor")

	logger.Debug("polling")

	out := buf.String()
	if !strings.Contains(out, "monitor: polling") {
		t.Errorf("expected component header, got: %s", out)
	}
}

func TestConsoleHandler_QuotedValues(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Output: &buf})

	logger.Warn("cmd failed", "cmd", "ip netns add demo0")

	out := buf.String()
	if !strings.Contains(out, `cmd="ip netns add demo0"`) {
		t.Errorf("expected quoted value, got: %s", out)
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &buf})

	logger.Debug("invisible")
	if buf.Len() != 0 {
		t.Errorf("debug should be suppressed at info level, got: %s", buf.String())
	}

	logger.SetLevel(LevelDebug)
	logger.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("debug should be visible after SetLevel, got: %s", buf.String())
	}
}

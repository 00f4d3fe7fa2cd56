package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestInit_JSONOutputWritesStructuredLines(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})
	t.Cleanup(func() { Init(Config{Level: InfoLevel}) })

	Logger.Info().Str("k", "v").Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not valid JSON: %v (line: %s)", err, buf.String())
	}
	if entry["message"] != "hello" || entry["k"] != "v" {
		t.Fatalf("entry = %+v, want message=hello k=v", entry)
	}
}

func TestInit_LevelFiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: ErrorLevel, JSONOutput: true, Output: &buf})
	t.Cleanup(func() { Init(Config{Level: InfoLevel}) })

	Logger.Info().Msg("should be filtered")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below the configured level, got %q", buf.String())
	}

	Logger.Error().Msg("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("expected the error-level line to appear, got %q", buf.String())
	}
}

func TestWithComponent_TagsChildLoggerWithComponentField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})
	t.Cleanup(func() { Init(Config{Level: InfoLevel}) })

	child := WithComponent("BufferPool")
	child.Info().Msg("fetched page")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not valid JSON: %v", err)
	}
	if entry["component"] != "BufferPool" {
		t.Fatalf("entry[component] = %v, want BufferPool", entry["component"])
	}
}

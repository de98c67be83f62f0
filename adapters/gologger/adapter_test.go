package gologger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	glog "github.com/goliatone/go-logger/glog"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		record := map[string]any{}
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, record)
	}
	return out
}

func TestSlogLogger_JSONFieldsAndLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", FormatJSON)

	logger.Debug("hidden")
	fielded := logger.WithFields(map[string]any{"event": "from_fields", "job_id": "job_1"})
	fielded.Info("retry job rescheduled", "event", "from_args", "err", errors.New("boom"))

	records := decodeLines(t, &buf)
	if len(records) != 1 {
		t.Fatalf("expected debug to be filtered, got %d records", len(records))
	}
	record := records[0]
	if record["msg"] != "retry job rescheduled" || record["level"] != "INFO" {
		t.Fatalf("unexpected record %v", record)
	}
	if record["event"] != "from_args" || record["job_id"] != "job_1" || record["err"] != "boom" {
		t.Fatalf("unexpected fields %v", record)
	}
	if strings.Count(buf.String(), `"event"`) != 1 {
		t.Fatalf("expected event key once, got %s", buf.String())
	}
}

func TestSlogLogger_TextFormatAndNamedChild(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "debug", FormatText)
	child := logger.GetLogger("retry_worker")
	child.WithContext(context.Background()).Debug("claimed", "count", 3)

	out := buf.String()
	if !strings.Contains(out, "logger=retry_worker") || !strings.Contains(out, "count=3") || !strings.Contains(out, "level=DEBUG") {
		t.Fatalf("unexpected text output %q", out)
	}
}

func TestSlogLogger_FatalExits(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", FormatJSON)
	code := -1
	logger.exit = func(c int) { code = c }
	logger.Fatal("cannot start")
	if code != 1 || !strings.Contains(buf.String(), "cannot start") {
		t.Fatalf("expected exit 1 after logging, got %d %q", code, buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("WARNING") != ParseLevel("warn") || ParseLevel("bogus") != ParseLevel("info") {
		t.Fatalf("unexpected level parsing")
	}
	if ParseLevel("trace") >= ParseLevel("debug") {
		t.Fatalf("expected trace below debug")
	}
}

func TestResolveDeterministicFallback(t *testing.T) {
	var buf bytes.Buffer
	provider := New(&buf, "info", FormatJSON)
	direct := New(&buf, "info", FormatJSON)

	_, resolved := Resolve("bridge", provider, direct)
	if resolved == nil {
		t.Fatalf("expected provider logger")
	}
	resolved.Info("from provider")
	if !strings.Contains(buf.String(), `"logger":"bridge"`) {
		t.Fatalf("expected provider precedence, got %q", buf.String())
	}

	_, resolved = Resolve("bridge", nil, nil)
	if resolved == nil {
		t.Fatalf("expected nop logger fallback")
	}
}

func TestGoJobBridgeCompatibility(t *testing.T) {
	var buf bytes.Buffer
	var logger glog.Logger = New(&buf, "info", FormatJSON)

	jobLogger := ToJobLogger(logger)
	if jobLogger == nil {
		t.Fatalf("expected go-job logger bridge")
	}
	jobLogger.Info("hello", "k", "v")
	records := decodeLines(t, &buf)
	if len(records) != 1 || records[0]["msg"] != "hello" || records[0]["k"] != "v" {
		t.Fatalf("expected bridged record, got %v", records)
	}
	if ToJobLogger(nil) != nil {
		t.Fatalf("expected nil passthrough")
	}
}

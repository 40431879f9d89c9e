package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": Debug, "": Info, "WARNING": Warn, " error ": Error}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestTextLoggerFiltersAndFormats(t *testing.T) {
	var buf bytes.Buffer
	l := New(Info, Text, &buf).With(Field{Key: "subsystem", Value: "daq"})
	l.Debug("hidden")
	l.Info("frame received", Field{Key: "bytes", Value: 128})

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug message should be filtered: %q", out)
	}
	if !strings.Contains(out, "[INFO] frame received subsystem=daq bytes=128") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	New(Debug, JSON, &buf).Warn("sync lost", Field{Key: "sync_state", Value: 0})

	line := buf.String()
	idx := strings.Index(line, "{")
	if idx < 0 {
		t.Fatalf("no JSON payload in %q", line)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(line[idx:]), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["level"] != "WARN" || payload["msg"] != "sync lost" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestNewWithFileWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "heimdall.log")
	l, closer, err := NewWithFile(Info, Text, nil, FileConfig{Path: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("NewWithFile: %v", err)
	}
	l.Info("hello file")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "hello file") {
		t.Fatalf("log file missing message: %q", data)
	}
}

package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("hidden")
	logger.Info("hidden too")
	logger.Warn("visible", "module", "Camera")
	logger.Error("also visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("records below the minimum level leaked: %s", out)
	}
	if !strings.Contains(out, "visible") || !strings.Contains(out, "also visible") {
		t.Errorf("expected warn and error records, got: %s", out)
	}
}

func TestJSONOutputWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo).With("component", "eventmanager")

	logger.Info("module registered", "module", "Camera")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["msg"] != "module registered" {
		t.Errorf("msg = %v", record["msg"])
	}
	if record["component"] != "eventmanager" {
		t.Errorf("With attribute missing: %v", record)
	}
	if record["module"] != "Camera" {
		t.Errorf("per-call attribute missing: %v", record)
	}
}

func TestUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "chatty")

	logger.Debug("hidden")
	logger.Info("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("debug should be filtered at the default level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("info should pass at the default level")
	}
}

func TestNop(t *testing.T) {
	logger := Nop()
	logger.Info("discarded")
	logger.With("k", "v").Error("also discarded")
}

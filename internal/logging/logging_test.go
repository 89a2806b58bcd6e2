package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestProductionWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewWithWriter(&buf, "production", "debug"), "queue")
	logger.Debug().Int("depth", 2).Msg("drained")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not JSON: %q", buf.String())
	}
	if line["component"] != "queue" || line["message"] != "drained" || line["level"] != "debug" {
		t.Fatalf("unexpected line: %v", line)
	}
}

func TestBadLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "production", "chatty")
	logger.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug written at info level: %q", buf.String())
	}
	logger.Info().Msg("shown")
	if buf.Len() == 0 {
		t.Fatal("info not written")
	}
}

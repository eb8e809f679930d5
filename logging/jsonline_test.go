package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestHandlerWritesOneJSONObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewJSONLineHandler(&buf, nil))

	log.Info("game finished", "plys", 7, "result", -1)
	log.Warn("store full", "samples", 4096)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line 0 is not JSON: %v", err)
	}
	if first["msg"] != "game finished" || first["level"] != "INFO" {
		t.Errorf("line 0 = %v", first)
	}
	if first["plys"] != float64(7) {
		t.Errorf("plys = %v, want 7", first["plys"])
	}
}

func TestHandlerFlattensGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewJSONLineHandler(&buf, nil))

	log.WithGroup("search").Info("done", "nodes", 800, slog.Group("root", "q", 0.25))

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if payload["search.nodes"] != float64(800) {
		t.Errorf("search.nodes = %v", payload["search.nodes"])
	}
	if payload["search.root.q"] != 0.25 {
		t.Errorf("search.root.q = %v", payload["search.root.q"])
	}
}

func TestHandlerHonorsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewJSONLineHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	log.Info("chatty")
	log.Warn("important")

	out := buf.String()
	if strings.Contains(out, "chatty") {
		t.Errorf("info line passed a warn-level handler")
	}
	if !strings.Contains(out, "important") {
		t.Errorf("warn line filtered out")
	}
}

func TestWithAttrsCarriesContext(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewJSONLineHandler(&buf, nil)).With("worker", 3)

	log.Info("started")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if payload["worker"] != float64(3) {
		t.Errorf("worker = %v, want 3", payload["worker"])
	}
}

package scheduler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeLog(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.log")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTailParsesWorkerLines(t *testing.T) {
	path := writeLog(t,
		"2025-06-15T02:00:00.000+0000\tINFO\ttask finished\t{\"task_id\": \"evaluate_rules\"}",
		"2025-06-15T02:00:01.000+0000\tERROR\ttask failed",
	)

	entries, err := Tail(path, 100)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	first := entries[0]
	if first.Level != "info" {
		t.Errorf("level = %q, want info", first.Level)
	}
	if !strings.HasPrefix(first.Message, "task finished") {
		t.Errorf("message = %q, want task finished prefix", first.Message)
	}
	if !strings.Contains(first.Message, "evaluate_rules") {
		t.Errorf("structured fields dropped from message: %q", first.Message)
	}
	if first.Raw != "" {
		t.Errorf("parsed entry should have no raw text, got %q", first.Raw)
	}

	if entries[1].Level != "error" || entries[1].Message != "task failed" {
		t.Errorf("second entry = %+v", entries[1])
	}
}

func TestTailUnparsableLineIsRaw(t *testing.T) {
	path := writeLog(t, "panic: something went sideways")

	entries, err := Tail(path, 10)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Raw != "panic: something went sideways" {
		t.Errorf("raw = %q", entries[0].Raw)
	}
	if entries[0].Message != "" {
		t.Errorf("unparsable line should have no message, got %q", entries[0].Message)
	}
}

func TestTailKeepsTrailingWindow(t *testing.T) {
	lines := make([]string, 10)
	for i := range lines {
		lines[i] = "ts\tINFO\tline " + string(rune('0'+i))
	}
	path := writeLog(t, lines...)

	entries, err := Tail(path, 3)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].Message != "line 7" || entries[2].Message != "line 9" {
		t.Errorf("window = [%q .. %q], want [line 7 .. line 9]",
			entries[0].Message, entries[2].Message)
	}
}

func TestTailMissingFile(t *testing.T) {
	entries, err := Tail(filepath.Join(t.TempDir(), "absent.log"), 10)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %d, want 0", len(entries))
	}
}

package scheduler

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LogEntry is one parsed worker log line. Lines that do not match the
// worker's tab-separated format are returned raw.
type LogEntry struct {
	Time    string `json:"time,omitempty"`
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
	Raw     string `json:"raw,omitempty"`
}

// Tail returns the last limit entries of the worker log, oldest first. A
// missing log file yields an empty slice.
func Tail(path string, limit int) ([]LogEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []LogEntry{}, nil
		}
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	// Keep only the trailing window while scanning
	lines := make([]string, 0, limit)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if limit > 0 && len(lines) == limit {
			lines = lines[1:]
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	entries := make([]LogEntry, 0, len(lines))
	for _, line := range lines {
		entries = append(entries, parseLogLine(line))
	}

	return entries, nil
}

// parseLogLine splits a console-encoded line into timestamp, level and
// message. The worker writes tab-separated fields; trailing structured fields
// are folded into the message.
func parseLogLine(line string) LogEntry {
	parts := strings.SplitN(line, "\t", 4)
	if len(parts) < 3 {
		return LogEntry{Raw: line}
	}

	entry := LogEntry{
		Time:    parts[0],
		Level:   strings.ToLower(parts[1]),
		Message: parts[2],
	}
	if len(parts) == 4 && parts[3] != "" {
		entry.Message = entry.Message + " " + parts[3]
	}

	return entry
}

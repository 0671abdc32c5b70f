package logger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// TestLogBuffer collects log output from concurrent goroutines so tests can
// inspect it after the fact.
type TestLogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *TestLogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *TestLogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Entries decodes the captured output as JSON lines.
func (b *TestLogBuffer) Entries() ([]map[string]any, error) {
	var entries []map[string]any
	scanner := bufio.NewScanner(strings.NewReader(b.String()))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		entry := map[string]any{}
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

// Find returns the first entry whose message is msg, or nil.
func (b *TestLogBuffer) Find(msg string) map[string]any {
	entries, err := b.Entries()
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if e[slog.MessageKey] == msg {
			return e
		}
	}
	return nil
}

// NewTestLogger returns a debug-level JSON logger backed by a new buffer.
// slog.Default is left alone.
func NewTestLogger(t *testing.T) (*TestLogBuffer, *slog.Logger) {
	t.Helper()
	buf := &TestLogBuffer{}
	return buf, slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// AssertLogContains reports a test error when the captured output lacks
// content.
func AssertLogContains(t *testing.T, buf *TestLogBuffer, content string) {
	t.Helper()
	if out := buf.String(); !strings.Contains(out, content) {
		t.Errorf("log output does not contain %q:\n%s", content, out)
	}
}

// Package testutil holds helpers shared by package tests.
package testutil

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
)

// LogBuffer captures JSON log lines from concurrent writers.
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Logger returns a debug-level JSON logger writing into b.
func (b *LogBuffer) Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(b, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// Entries decodes every captured line.
func (b *LogBuffer) Entries() []map[string]any {
	b.mu.Lock()
	data := append([]byte(nil), b.buf.Bytes()...)
	b.mu.Unlock()

	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e map[string]any
		if err := json.Unmarshal(sc.Bytes(), &e); err == nil {
			out = append(out, e)
		}
	}
	return out
}

// Find returns the entries whose msg equals msg.
func (b *LogBuffer) Find(msg string) []map[string]any {
	var out []map[string]any
	for _, e := range b.Entries() {
		if e["msg"] == msg {
			out = append(out, e)
		}
	}
	return out
}

// Has reports whether any entry has the given msg.
func (b *LogBuffer) Has(msg string) bool {
	return len(b.Find(msg)) > 0
}

package pipeline

import (
	"sync"
	"time"
)

// Diagnostic levels.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// DiagnosticEntry is one append-only diagnostics record. Entries carry the
// stage that produced them so a transcript of a failed invocation reads in
// pipeline order.
type DiagnosticEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     string            `json:"level"`
	Stage     string            `json:"stage"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Diagnostics is the append-only diagnostics buffer of one invocation.
// Entries are never removed or reordered.
type Diagnostics struct {
	mu      sync.Mutex
	entries []DiagnosticEntry
}

// NewDiagnostics creates an empty buffer.
func NewDiagnostics() *Diagnostics {
	return &Diagnostics{}
}

func (d *Diagnostics) append(level, stage, message string, fields map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, DiagnosticEntry{
		Timestamp: time.Now(),
		Level:     level,
		Stage:     stage,
		Message:   message,
		Fields:    fields,
	})
}

// Info records an informational entry.
func (d *Diagnostics) Info(stage, message string, fields map[string]string) {
	d.append(LevelInfo, stage, message, fields)
}

// Warn records a warning entry.
func (d *Diagnostics) Warn(stage, message string, fields map[string]string) {
	d.append(LevelWarn, stage, message, fields)
}

// Error records an error entry.
func (d *Diagnostics) Error(stage, message string, fields map[string]string) {
	d.append(LevelError, stage, message, fields)
}

// Entries returns a copy of the recorded entries in append order.
func (d *Diagnostics) Entries() []DiagnosticEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DiagnosticEntry, len(d.entries))
	copy(out, d.entries)
	return out
}

// Len returns the number of recorded entries.
func (d *Diagnostics) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

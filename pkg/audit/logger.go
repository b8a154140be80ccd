// Package audit records scan lifecycle events as JSON lines.
//
// The audit trail is separate from diagnostic logging: one line per event,
// stable field names, correlated by scan ID, suitable for later ingestion.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Scan events
	EventScanStarted   EventType = "scan_started"
	EventScanCompleted EventType = "scan_completed"
	EventScanFailed    EventType = "scan_failed"

	// Plugin events
	EventPluginLoadFailed EventType = "plugin_load_failed"
	EventPluginFailed     EventType = "plugin_failed"

	// Finding events
	EventFindingRejected EventType = "finding_rejected"

	// Export events
	EventExportCompleted EventType = "export_completed"
)

// Severity represents log severity level.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARN"
	SeverityError   Severity = "ERROR"
)

// Event represents an audit event.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Severity  Severity               `json:"severity"`
	ScanID    string                 `json:"scan_id,omitempty"`
	Target    string                 `json:"target,omitempty"`
	Plugin    string                 `json:"plugin,omitempty"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// MarshalJSON reports Duration in milliseconds.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	return json.Marshal(struct {
		alias
		Duration int64 `json:"duration_ms,omitempty"`
	}{
		alias:    alias(e),
		Duration: e.Duration.Milliseconds(),
	})
}

// Recorder accepts audit events.
type Recorder interface {
	Log(event Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Log(Event) {}

// LoggerConfig configures the audit logger.
type LoggerConfig struct {
	// LogFile is the path to the audit log file.
	LogFile string

	// BufferSize is the number of events to buffer before flushing.
	// Default: 100
	BufferSize int

	// Now overrides the clock used to stamp events.
	Now func() time.Time
}

// Logger is the file-backed audit logger.
type Logger struct {
	config *LoggerConfig
	file   *os.File
	mu     sync.Mutex

	buffer   []Event
	bufferMu sync.Mutex
}

// NewLogger creates a new audit logger.
func NewLogger(config *LoggerConfig) (*Logger, error) {
	if config == nil || config.LogFile == "" {
		return nil, fmt.Errorf("audit log file is required")
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 100
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	if dir := filepath.Dir(config.LogFile); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	// Open log file for append (0640 = owner read/write, group read)
	file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		config: config,
		file:   file,
		buffer: make([]Event, 0, config.BufferSize),
	}, nil
}

// Log records an audit event.
func (l *Logger) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = l.config.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	l.bufferMu.Lock()
	l.buffer = append(l.buffer, event)
	shouldFlush := len(l.buffer) >= l.config.BufferSize
	l.bufferMu.Unlock()

	if shouldFlush {
		l.Flush()
	}
}

// Flush writes buffered events to disk.
func (l *Logger) Flush() {
	l.bufferMu.Lock()
	if len(l.buffer) == 0 {
		l.bufferMu.Unlock()
		return
	}
	events := l.buffer
	l.buffer = make([]Event, 0, l.config.BufferSize)
	l.bufferMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = l.file.Write(append(data, '\n'))
	}
	_ = l.file.Sync()
}

// Close flushes remaining events and closes the file.
func (l *Logger) Close() error {
	l.Flush()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

var (
	_ Recorder = (*Logger)(nil)
	_ Recorder = Nop{}
)

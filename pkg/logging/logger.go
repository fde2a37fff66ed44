package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents log severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Category represents the subsystem generating the log
type Category string

const (
	CategoryLifecycle  Category = "lifecycle"
	CategoryConsole    Category = "console"
	CategoryReconciler Category = "reconciler"
	CategoryLedger     Category = "ledger"
	CategoryAgent      Category = "agent"
	CategoryAPI        Category = "api"
	CategoryNode       Category = "node"
	CategoryPush       Category = "push"
	CategoryStorage    Category = "storage"
)

// Event represents a structured log event
type Event struct {
	Timestamp     time.Time         `json:"timestamp"`
	Level         Level             `json:"level"`
	Category      Category          `json:"category"`
	EventType     string            `json:"type"`
	ServerID      string            `json:"server_id,omitempty"`
	NodeID        string            `json:"node_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Details       map[string]any    `json:"details,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Message       string            `json:"message,omitempty"`
}

// Logger writes structured events to multiple destinations
type Logger struct {
	baseDir    string
	panelFile  *os.File
	errorFile  *os.File
	ledgerFile *os.File
	mu         sync.Mutex
	minLevel   Level
}

// NewLogger creates a new structured logger rooted at baseDir. Ledger events
// additionally land in ledger.jsonl so balance changes stay auditable on
// their own.
func NewLogger(baseDir string) (*Logger, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	panelFile, err := os.OpenFile(
		filepath.Join(baseDir, "panel.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0644,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open panel log: %w", err)
	}

	errorFile, err := os.OpenFile(
		filepath.Join(baseDir, "errors.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0644,
	)
	if err != nil {
		panelFile.Close()
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}

	ledgerFile, err := os.OpenFile(
		filepath.Join(baseDir, "ledger.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0644,
	)
	if err != nil {
		panelFile.Close()
		errorFile.Close()
		return nil, fmt.Errorf("failed to open ledger log: %w", err)
	}

	return &Logger{
		baseDir:    baseDir,
		panelFile:  panelFile,
		errorFile:  errorFile,
		ledgerFile: ledgerFile,
		minLevel:   LevelInfo,
	}, nil
}

// SetMinLevel sets the minimum log level
func (l *Logger) SetMinLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// Log writes an event to appropriate destinations
func (l *Logger) Log(event Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Check min level
	if !l.shouldLog(event.Level) {
		return nil
	}

	// Marshal event
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	// Write to panel log
	if l.panelFile != nil {
		if _, err := l.panelFile.Write(data); err != nil {
			return fmt.Errorf("failed to write to panel log: %w", err)
		}
	}

	// Write errors to error log
	if event.Level == LevelError && l.errorFile != nil {
		if _, err := l.errorFile.Write(data); err != nil {
			return fmt.Errorf("failed to write to error log: %w", err)
		}
	}

	// Write ledger events to ledger log
	if event.Category == CategoryLedger && l.ledgerFile != nil {
		if _, err := l.ledgerFile.Write(data); err != nil {
			return fmt.Errorf("failed to write to ledger log: %w", err)
		}
	}

	return nil
}

// shouldLog checks if event should be logged based on level
func (l *Logger) shouldLog(level Level) bool {
	levels := map[Level]int{
		LevelDebug: 0,
		LevelInfo:  1,
		LevelWarn:  2,
		LevelError: 3,
	}
	return levels[level] >= levels[l.minLevel]
}

// Helper methods for common log patterns

// Debug logs a debug event
func (l *Logger) Debug(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelDebug,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Info logs an info event
func (l *Logger) Info(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelInfo,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Warn logs a warning event
func (l *Logger) Warn(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelWarn,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Error logs an error event
func (l *Logger) Error(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelError,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Close closes all log files
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.panelFile != nil {
		if err := l.panelFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.errorFile != nil {
		if err := l.errorFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.ledgerFile != nil {
		if err := l.ledgerFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing log files: %v", errs)
	}
	return nil
}

// ReadRecentEvents reads the last N events from a JSONL log file
func ReadRecentEvents(logPath string, count int) ([]Event, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer file.Close()

	var all []Event
	decoder := json.NewDecoder(file)
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			break
		}
		all = append(all, event)
	}

	start := 0
	if len(all) > count {
		start = len(all) - count
	}
	return all[start:], nil
}

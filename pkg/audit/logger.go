// Package audit records what the judge decided and when.
//
// Every verification, settlement, claim state change and fatal error is
// appended as one JSON line. Appends never block: entries are buffered and
// flushed in the background to a rotated file and, optionally, to a remote
// mirror. Entries never carry witness data.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// EventType represents the type of audit entry.
type EventType string

const (
	// Lifecycle events
	EventJudgeStart EventType = "judge_start"
	EventJudgeStop  EventType = "judge_stop"

	// Claim events
	EventVerification EventType = "verification"
	EventSettlement   EventType = "settlement"
	EventClaimState   EventType = "claim_state"

	// Operator events
	EventFatal EventType = "fatal"
)

// Severity represents entry severity.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARN"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Entry is one audit record.
type Entry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Severity  Severity               `json:"severity"`
	JudgeID   string                 `json:"judge_id,omitempty"`
	AuditID   string                 `json:"audit_id,omitempty"`
	AuditorID string                 `json:"auditor_id,omitempty"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Sink receives audit entries. Append must not block.
type Sink interface {
	Append(entry Entry)
}

// NopSink discards entries.
type NopSink struct{}

// Append implements Sink.
func (NopSink) Append(Entry) {}

// MemorySink keeps entries in memory.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

// Append implements Sink.
func (m *MemorySink) Append(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

// Entries returns a copy of the stored entries.
func (m *MemorySink) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// OfType returns the stored entries of type t.
func (m *MemorySink) OfType(t EventType) []Entry {
	var out []Entry
	for _, e := range m.Entries() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// LoggerConfig configures the audit logger.
type LoggerConfig struct {
	// JudgeID is included in all entries.
	JudgeID string `yaml:"judge_id" json:"judge_id"`

	// LogFile is the path to the audit log file.
	// Default: ~/.zkjudge/audit.log
	LogFile string `yaml:"file" json:"file"`

	// MaxSizeMB is the maximum log file size before rotation.
	// Default: 100MB
	MaxSizeMB int `yaml:"max_size_mb" json:"max_size_mb"`

	// MaxAgeDays is the maximum age of rotated files before deletion.
	// Default: 30 days
	MaxAgeDays int `yaml:"max_age_days" json:"max_age_days"`

	// MaxBackups is the number of rotated files kept. Zero keeps all.
	MaxBackups int `yaml:"max_backups" json:"max_backups"`

	// BufferSize is the number of entries to buffer before flushing.
	// Default: 100
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`

	// FlushInterval is how often to flush buffered entries.
	// Default: 5 seconds
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`

	// Verbose echoes entries to stdout.
	Verbose bool `yaml:"verbose" json:"verbose"`
}

// DefaultLoggerConfig returns sensible defaults.
func DefaultLoggerConfig() *LoggerConfig {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}

	return &LoggerConfig{
		LogFile:       filepath.Join(home, ".zkjudge", "audit.log"),
		MaxSizeMB:     100,
		MaxAgeDays:    30,
		BufferSize:    100,
		FlushInterval: 5 * time.Second,
	}
}

// Logger is the file-backed audit sink.
type Logger struct {
	config *LoggerConfig
	out    io.WriteCloser
	mu     sync.Mutex

	buffer   []Entry
	bufferMu sync.Mutex

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	pending sync.WaitGroup // background flushes

	// closeMu orders Append against Stop: Append holds it shared until its
	// flush is registered in pending.
	closeMu sync.RWMutex
	closed  bool
	dropped int64

	remoteSender func([]Entry) error
	stdout       io.Writer
}

var _ Sink = (*Logger)(nil)

// NewLogger creates an audit logger writing to a rotated file.
func NewLogger(config *LoggerConfig) (*Logger, error) {
	if config == nil {
		config = DefaultLoggerConfig()
	}

	def := DefaultLoggerConfig()
	if config.LogFile == "" {
		config.LogFile = def.LogFile
	}
	if config.MaxSizeMB <= 0 {
		config.MaxSizeMB = def.MaxSizeMB
	}
	if config.MaxAgeDays <= 0 {
		config.MaxAgeDays = def.MaxAgeDays
	}
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = def.FlushInterval
	}

	dir := filepath.Dir(config.LogFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	// Fail early on an unwritable path; lumberjack would only fail on the
	// first write.
	f, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	f.Close()

	return &Logger{
		config: config,
		out: &lumberjack.Logger{
			Filename:   config.LogFile,
			MaxSize:    config.MaxSizeMB,
			MaxAge:     config.MaxAgeDays,
			MaxBackups: config.MaxBackups,
		},
		buffer: make([]Entry, 0, config.BufferSize),
		stopCh: make(chan struct{}),
		stdout: os.Stdout,
	}, nil
}

// Start begins background flushing.
func (l *Logger) Start() {
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.closed {
		return
	}

	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.mu.Unlock()

	l.wg.Add(1)
	go l.flushLoop()
}

// Stop stops the logger, flushes remaining entries and closes the file.
// Entries appended after Stop are dropped and counted. Stopping twice is a
// no-op.
func (l *Logger) Stop() error {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return nil
	}
	l.closed = true
	l.closeMu.Unlock()

	l.mu.Lock()
	wasRunning := l.running
	if l.running {
		l.running = false
		close(l.stopCh)
	}
	l.mu.Unlock()

	if wasRunning {
		l.wg.Wait()
	}
	l.pending.Wait()

	l.Flush()

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}

// Append records an entry. It fills ID, Timestamp and JudgeID when unset.
func (l *Logger) Append(entry Entry) {
	entry = l.stamp(entry)

	l.closeMu.RLock()
	if l.closed {
		l.closeMu.RUnlock()
		l.bufferMu.Lock()
		l.dropped++
		l.bufferMu.Unlock()
		return
	}

	l.bufferMu.Lock()
	l.buffer = append(l.buffer, entry)
	shouldFlush := len(l.buffer) >= l.config.BufferSize
	l.bufferMu.Unlock()

	if shouldFlush {
		l.pending.Add(1)
		go func() {
			defer l.pending.Done()
			l.Flush()
		}()
	}
	l.closeMu.RUnlock()

	if l.config.Verbose {
		l.printEntry(entry)
	}
}

// Dropped returns the number of entries appended after Stop.
func (l *Logger) Dropped() int64 {
	l.bufferMu.Lock()
	defer l.bufferMu.Unlock()
	return l.dropped
}

func (l *Logger) stamp(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.JudgeID == "" {
		e.JudgeID = l.config.JudgeID
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	return e
}

// Flush writes buffered entries.
func (l *Logger) Flush() {
	l.bufferMu.Lock()
	if len(l.buffer) == 0 {
		l.bufferMu.Unlock()
		return
	}
	entries := l.buffer
	l.buffer = make([]Entry, 0, l.config.BufferSize)
	l.bufferMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		data = append(data, '\n')
		_, _ = l.out.Write(data)
	}

	if l.remoteSender != nil {
		go l.remoteSender(entries) //nolint:errcheck // async send, errors handled internally
	}
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.Flush()
		}
	}
}

func (l *Logger) printEntry(e Entry) {
	timestamp := e.Timestamp.Format("2006-01-02 15:04:05")
	fmt.Fprintf(l.stdout, "[%s] [%s] %s: %s\n", timestamp, e.Severity, e.Type, e.Message)
	if e.Error != "" {
		fmt.Fprintf(l.stdout, "  Error: %s\n", e.Error)
	}
}

// SetRemoteSender sets the callback that mirrors flushed entries.
func (l *Logger) SetRemoteSender(sender func([]Entry) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remoteSender = sender
}

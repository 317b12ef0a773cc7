// Package audit records key lifecycle and operation events from
// keystored. Events are buffered in memory for querying and forwarded to
// a configurable sink (stdout, file, or HTTP collector).
package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/ryanuber/go-glob"

	"github.com/kenneth/keystore-client/internal/config"
)

// EventType classifies an audit event.
type EventType string

const (
	// EventTypeKeyGenerate records key creation.
	EventTypeKeyGenerate EventType = "key_generate"
	// EventTypeKeyImport records caller-supplied key material entering the store.
	EventTypeKeyImport EventType = "key_import"
	// EventTypeKeyExport records public key material leaving the store.
	EventTypeKeyExport EventType = "key_export"
	// EventTypeKeyDelete records key removal, including delete-all sweeps.
	EventTypeKeyDelete EventType = "key_delete"
	// EventTypeOperation records the lifecycle of a begin/update/finish/abort call.
	EventTypeOperation EventType = "operation"
	// EventTypeEntropy records caller entropy mixed into the RNG.
	EventTypeEntropy EventType = "entropy"
)

// Event is a single audit record.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Operation string                 `json:"operation"`
	Key       string                 `json:"key,omitempty"`
	Handle    uint64                 `json:"handle,omitempty"`
	Purpose   string                 `json:"purpose,omitempty"`
	Code      int32                  `json:"code"`
	Success   bool                   `json:"success"`
	ClientIP  string                 `json:"client_ip,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger records audit events.
type Logger interface {
	// Log records one event.
	Log(event *Event) error

	// LogKeyEvent records a key lifecycle call and its outcome code.
	LogKeyEvent(eventType EventType, operation, key, clientIP string, code int32, duration time.Duration, metadata map[string]interface{})

	// LogOperationEvent records a session call against a handle.
	LogOperationEvent(operation, key, purpose, clientIP string, handle uint64, code int32, duration time.Duration)

	// LogEntropy records caller entropy volume.
	LogEntropy(clientIP string, bytes int, code int32)

	// Events returns the buffered events, newest last.
	Events() []*Event

	// Close flushes and closes the underlying sink.
	Close() error
}

// EventWriter is the write side of a sink.
type EventWriter interface {
	WriteEvent(event *Event) error
}

type auditLogger struct {
	mu         sync.Mutex
	events     []*Event
	maxEvents  int
	writer     EventWriter
	redactKeys []string
}

// NewLogger creates an audit logger holding at most maxEvents in memory.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction creates an audit logger that replaces matching
// metadata values with a placeholder before the event leaves the
// process. Each entry in redactKeys is a glob pattern matched against
// metadata key names, so "*_token" covers every token-bearing field.
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &StdoutSink{}
	}
	return &auditLogger{
		events:     make([]*Event, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
	}
}

// NewLoggerFromConfig builds the sink chain described by cfg.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
	var writer EventWriter
	switch cfg.Sink.Type {
	case "http":
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &StdoutSink{}
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Sink.Type)
	}

	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval, cfg.Sink.RetryCount, cfg.Sink.RetryBackoff)
	}

	return NewLoggerWithRedaction(cfg.MaxEvents, writer, cfg.RedactMetadataKeys), nil
}

func (l *auditLogger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		// Sink failures must not fail the keystore call being audited;
		// the batch sink reports its own flush errors.
		_ = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
	return nil
}

func (l *auditLogger) LogKeyEvent(eventType EventType, operation, key, clientIP string, code int32, duration time.Duration, metadata map[string]interface{}) {
	l.Log(&Event{
		Timestamp: time.Now(),
		EventType: eventType,
		Operation: operation,
		Key:       key,
		ClientIP:  clientIP,
		Code:      code,
		Success:   code == 1,
		Duration:  duration,
		Metadata:  l.redactMetadata(metadata),
	})
}

func (l *auditLogger) LogOperationEvent(operation, key, purpose, clientIP string, handle uint64, code int32, duration time.Duration) {
	l.Log(&Event{
		Timestamp: time.Now(),
		EventType: EventTypeOperation,
		Operation: operation,
		Key:       key,
		Purpose:   purpose,
		Handle:    handle,
		ClientIP:  clientIP,
		Code:      code,
		Success:   code == 1,
		Duration:  duration,
	})
}

func (l *auditLogger) LogEntropy(clientIP string, bytes int, code int32) {
	l.Log(&Event{
		Timestamp: time.Now(),
		EventType: EventTypeEntropy,
		Operation: "add_entropy",
		ClientIP:  clientIP,
		Code:      code,
		Success:   code == 1,
		Metadata:  map[string]interface{}{"bytes": bytes},
	})
}

func (l *auditLogger) Events() []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := make([]*Event, len(l.events))
	copy(events, l.events)
	return events
}

func (l *auditLogger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// redactMetadata replaces sensitive metadata values before the event is
// buffered or written.
func (l *auditLogger) redactMetadata(metadata map[string]interface{}) map[string]interface{} {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}

	needsRedaction := false
	for k := range metadata {
		if l.redacted(k) {
			needsRedaction = true
			break
		}
	}
	if !needsRedaction {
		return metadata
	}

	clone := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		if l.redacted(k) {
			clone[k] = "[REDACTED]"
		} else {
			clone[k] = v
		}
	}
	return clone
}

func (l *auditLogger) redacted(key string) bool {
	for _, pattern := range l.redactKeys {
		if glob.Glob(pattern, key) {
			return true
		}
	}
	return false
}

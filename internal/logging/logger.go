package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/austindbirch/payhook/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// LogEntry represents a structured log entry
type LogEntry struct {
	Time       time.Time      `json:"time"`
	Level      LogLevel       `json:"level"`
	Message    string         `json:"msg"`
	Service    string         `json:"service,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	PaymentID  string         `json:"payment_id,omitempty"`
	EndpointID int64          `json:"endpoint_id,omitempty"`
	DeliveryID string         `json:"delivery_id,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`

	out io.Writer
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	out     io.Writer
}

// New creates a new structured logger for the given service
func New(service string) *Logger {
	return &Logger{
		service: service,
		out:     os.Stdout,
	}
}

// NewWithWriter creates a logger that writes JSON lines to w
func NewWithWriter(service string, w io.Writer) *Logger {
	return &Logger{service: service, out: &lockedWriter{w: w}}
}

func (l *Logger) entry(fields map[string]any) *LogEntry {
	if fields == nil {
		fields = make(map[string]any)
	}
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  fields,
		out:     l.out,
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.entry(nil)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.entry(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry(nil)
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithPayment sets the payment ID for the log entry
func (e *LogEntry) WithPayment(paymentID string) *LogEntry {
	e.PaymentID = paymentID
	return e
}

// WithEndpoint sets the endpoint ID for the log entry
func (e *LogEntry) WithEndpoint(endpointID int64) *LogEntry {
	e.EndpointID = endpointID
	return e
}

// WithDelivery sets the delivery attempt ID for the log entry
func (e *LogEntry) WithDelivery(deliveryID string) *LogEntry {
	e.DeliveryID = deliveryID
	return e
}

// WithAttempt sets the attempt number for the log entry
func (e *LogEntry) WithAttempt(attempt int) *LogEntry {
	e.Attempt = attempt
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		if e.Fields == nil {
			e.Fields = make(map[string]any)
		}
		e.Fields["error"] = err.Error()
	}
	return e
}

// Debug logs at debug level
func (e *LogEntry) Debug(message string) {
	e.log(LevelDebug, message)
}

// Debugf logs at debug level with formatting
func (e *LogEntry) Debugf(format string, args ...any) {
	e.log(LevelDebug, fmt.Sprintf(format, args...))
}

// Info logs at info level
func (e *LogEntry) Info(message string) {
	e.log(LevelInfo, message)
}

// Infof logs at info level with formatting
func (e *LogEntry) Infof(format string, args ...any) {
	e.log(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn logs at warn level
func (e *LogEntry) Warn(message string) {
	e.log(LevelWarn, message)
}

// Warnf logs at warn level with formatting
func (e *LogEntry) Warnf(format string, args ...any) {
	e.log(LevelWarn, fmt.Sprintf(format, args...))
}

// Error logs at error level
func (e *LogEntry) Error(message string) {
	e.log(LevelError, message)
}

// Errorf logs at error level with formatting
func (e *LogEntry) Errorf(format string, args ...any) {
	e.log(LevelError, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.log(LevelFatal, message)
	os.Exit(1)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.log(LevelFatal, fmt.Sprintf(format, args...))
	os.Exit(1)
}

func (e *LogEntry) log(level LogLevel, message string) {
	e.Level = level
	e.Message = message
	e.output()
}

// output writes the log entry as a single JSON line
func (e *LogEntry) output() {
	if len(e.Fields) == 0 {
		e.Fields = nil
	}
	out := e.out
	if out == nil {
		out = os.Stdout
	}

	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		fmt.Fprintf(out, "%s [%s] %s\n", e.Time.Format(time.RFC3339), e.Level, e.Message)
		return
	}
	fmt.Fprintln(out, string(data))
}

// lockedWriter serializes writes from concurrent workers onto a shared writer
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

var defaultLogger = New("payhook")

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger.service = service
}

package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Logger provides functionality for auditable logging: one JSON record per
// envelope accepted or rejected, appended to a file.
type Logger struct {
	logFile *os.File
	log     *slog.Logger
}

// NewLogger initializes a new Logger instance.
func NewLogger(filePath string) (*Logger, error) {
	file, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &Logger{logFile: file, log: newJSONLogger(file)}, nil
}

func newJSONLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// Slog exposes the underlying structured logger, e.g. for WithLogger.
func (l *Logger) Slog() *slog.Logger { return l.log }

// LogEnvelope writes an audit entry for a processed envelope. err is nil
// for accepted envelopes.
func (l *Logger) LogEnvelope(direction string, env Envelope, err error) {
	attrs := envelopeAttrs(env)
	attrs = append(attrs, slog.String("direction", direction))
	if err != nil {
		attrs = append(attrs, slog.String("reason", Reason(err)), slog.String("error", err.Error()))
		l.log.LogAttrs(context.Background(), slog.LevelWarn, "envelope rejected", attrs...)
		return
	}
	l.log.LogAttrs(context.Background(), slog.LevelInfo, "envelope accepted", attrs...)
}

// Close closes the log file.
func (l *Logger) Close() error {
	return l.logFile.Close()
}

func envelopeAttrs(env Envelope) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("message_id", env.MessageID),
		slog.String("family", env.Family().String()),
		slog.String("sender", env.Sender.String()),
	}
	if env.CorrelationID != "" {
		attrs = append(attrs, slog.String("correlation_id", env.CorrelationID))
	}
	if env.ParentID != "" {
		attrs = append(attrs, slog.String("parent_id", env.ParentID))
	}
	if env.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", env.TraceID))
	}
	return attrs
}

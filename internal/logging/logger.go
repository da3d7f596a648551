// Package logging provides structured logging with request/trace correlation.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys used to carry log fields.
type ContextKey string

// RequestIDKey is the context key under which a control-request correlation
// ID is stored.
const RequestIDKey ContextKey = "request_id"

// Logger wraps logrus.Logger with fields relevant to the supervisor.
type Logger struct {
	*logrus.Logger
	nodeID    string
	accountID string
}

// New creates a logger tagged with the instance's node and account IDs.
func New(nodeID, accountID, level, format string) *Logger {
	logger := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if strings.ToLower(format) == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}
	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, nodeID: nodeID, accountID: accountID}
}

// NewFromEnv builds a Logger using LOG_LEVEL/LOG_FORMAT, defaulting to
// info/json.
func NewFromEnv(nodeID, accountID string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(nodeID, accountID, level, format)
}

// Base returns a log entry tagged with node/account identity, the identity
// every state-machine log line carries.
func (l *Logger) Base() *logrus.Entry {
	return l.WithFields(logrus.Fields{
		"node_id":    l.nodeID,
		"account_id": l.accountID,
	})
}

// WithState tags a log entry with the supervisor's current state.
func (l *Logger) WithState(state string) *logrus.Entry {
	return l.Base().WithField("state", state)
}

// NewRequestID mints a correlation ID for a control-server request.
func NewRequestID() string {
	return uuid.New().String()
}

// WithRequestID attaches a correlation ID to a context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// RequestIDFromContext retrieves the correlation ID, if any.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

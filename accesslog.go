package pocketfence

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// AccessLogger writes one structured entry per proxied request.
// It uses slog.LogAttrs to keep allocations low on the hot path.
type AccessLogger struct {
	logger *slog.Logger
	closer io.Closer
}

// AccessLogEntry contains the fields of one access log record.
type AccessLogEntry struct {
	RequestID string
	Timestamp time.Time
	Method    string
	URL       string
	Host      string
	Client    string
	UserAgent string

	// Tunnel is true for CONNECT requests, which are not scored.
	Tunnel bool

	Score    float64
	AgeLevel string
	Blocked  bool

	// Bypassed is true when a parent token skipped scoring.
	Bypassed bool

	// StatusCode is the status sent to the client.
	StatusCode   int
	BytesWritten int64
	Duration     time.Duration
	Error        string
}

// NewAccessLogger writes entries to logger. A JSON handler is recommended.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// NewFileAccessLogger writes JSON entries to a rotated file.
func NewFileAccessLogger(cfg AccessLogConfig) *AccessLogger {
	lj := rotatingFile(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups)
	return &AccessLogger{
		logger: slog.New(slog.NewJSONHandler(lj, nil)),
		closer: lj,
	}
}

// Close releases the underlying file, if any.
func (al *AccessLogger) Close() error {
	if al == nil || al.closer == nil {
		return nil
	}
	return al.closer.Close()
}

// NewRequestID returns a random identifier for correlating log lines.
func NewRequestID() string {
	return uuid.NewString()
}

// Log writes e.
func (al *AccessLogger) Log(e AccessLogEntry) {
	attrs := make([]slog.Attr, 0, 15)

	attrs = append(attrs,
		slog.String("id", e.RequestID),
		slog.Time("timestamp", e.Timestamp),
		slog.String("method", e.Method),
		slog.String("url", e.URL),
		slog.String("host", e.Host),
		slog.String("client", e.Client),
	)

	if e.Tunnel {
		attrs = append(attrs, slog.Bool("tunnel", true))
	} else {
		attrs = append(attrs,
			slog.Float64("score", e.Score),
			slog.String("age_level", e.AgeLevel),
			slog.Bool("blocked", e.Blocked),
		)
	}

	attrs = append(attrs,
		slog.Int("status", e.StatusCode),
		slog.Int64("bytes", e.BytesWritten),
		slog.Duration("duration", e.Duration),
	)

	if e.Bypassed {
		attrs = append(attrs, slog.Bool("bypassed", true))
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}
	if e.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", e.UserAgent))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "access", attrs...)
}

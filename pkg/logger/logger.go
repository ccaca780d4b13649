package logger

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	// Service is attached to every record as "service".
	Service string
	// RedactKeys extends the built-in list of attribute keys whose values
	// are masked before they reach any output.
	RedactKeys []string
	Audit      AuditConfig
}

// AuditConfig controls the payment journal. When enabled, payment lifecycle
// and access events are written as JSON lines to a size-rotated file instead
// of the application log.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Keys that may carry signed payment payloads or credentials.
var defaultRedactKeys = []string{
	"x_payment",
	"payment_header",
	"authorization",
	"private_key",
	"wallet_key",
	"api_key",
	"token",
	"client_secret",
}

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
	auditLogger   *slog.Logger
	closers       []io.Closer
)

// Init (re)configures the global loggers and installs the application
// logger as the slog default. Outputs opened by a previous Init are closed.
func Init(cfg Config) error {
	redact := redactor(cfg.RedactKeys)
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   level <= slog.LevelDebug,
		ReplaceAttr: redact,
	}

	var opened []io.Closer
	handler, err := buildHandler(cfg.Format, cfg.OutputPaths, opts, &opened)
	if err != nil {
		closeAll(opened)
		return err
	}
	app := slog.New(handler)
	if cfg.Service != "" {
		app = app.With("service", cfg.Service)
	}

	audit := app
	if cfg.Audit.Enabled {
		audit, err = buildAuditLogger(cfg.Audit, redact, &opened)
		if err != nil {
			closeAll(opened)
			return err
		}
		if cfg.Service != "" {
			audit = audit.With("service", cfg.Service)
		}
	}

	mu.Lock()
	previous := closers
	defaultLogger, auditLogger, closers = app, audit, opened
	mu.Unlock()
	closeAll(previous)

	slog.SetDefault(app)
	return nil
}

func buildHandler(format string, outputs []string, opts *slog.HandlerOptions, opened *[]io.Closer) (slog.Handler, error) {
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		writer, closer, err := openWriter(out)
		if err != nil {
			return nil, err
		}
		if closer != nil {
			*opened = append(*opened, closer)
		}
		writers = append(writers, writer)
	}

	writer := writers[0]
	if len(writers) > 1 {
		writer = io.MultiWriter(writers...)
	}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(writer, opts), nil
	}
	return slog.NewJSONHandler(writer, opts), nil
}

// buildAuditLogger always writes JSON so the journal can be replayed.
func buildAuditLogger(cfg AuditConfig, redact func([]string, slog.Attr) slog.Attr, opened *[]io.Closer) (*slog.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 7
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 30
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	writer := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	*opened = append(*opened, writer)
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo, ReplaceAttr: redact})
	return slog.New(handler).With("journal", "payments"), nil
}

func openWriter(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return file, file, nil
}

// redactor masks string values whose key matches a sensitive name,
// case-insensitively and regardless of the enclosing group.
func redactor(extra []string) func([]string, slog.Attr) slog.Attr {
	keys := make(map[string]struct{}, len(defaultRedactKeys)+len(extra))
	for _, k := range defaultRedactKeys {
		keys[k] = struct{}{}
	}
	for _, k := range extra {
		keys[strings.ToLower(k)] = struct{}{}
	}
	return func(_ []string, a slog.Attr) slog.Attr {
		if _, ok := keys[strings.ToLower(a.Key)]; !ok {
			return a
		}
		if a.Value.Kind() != slog.KindString {
			return slog.String(a.Key, "[redacted]")
		}
		return slog.String(a.Key, Redact(a.Value.String()))
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func closeAll(cs []io.Closer) error {
	var err error
	for _, c := range cs {
		err = errors.Join(err, c.Close())
	}
	return err
}

// L returns the application logger, initialising a stdout logger on first use.
func L() *slog.Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l != nil {
		return l
	}
	if err := Init(Config{}); err != nil {
		return slog.Default()
	}
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// Audit returns the payment journal logger, or the application logger when
// the journal is disabled.
func Audit() *slog.Logger {
	mu.RLock()
	l := auditLogger
	mu.RUnlock()
	if l == nil {
		return L()
	}
	return l
}

// Sync closes file outputs. Call it once at shutdown.
func Sync() error {
	mu.Lock()
	cs := closers
	closers = nil
	mu.Unlock()
	return closeAll(cs)
}

// Named returns a logger tagged with the given component.
func Named(name string) *slog.Logger {
	return L().With("component", name)
}

// Fingerprint returns a short, non-reversible identifier for a secret value
// such as an X-PAYMENT header or bearer token so it can be correlated across
// log lines without being recorded.
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:6])
}

// Redact masks all but the first and last four characters of value.
func Redact(value string) string {
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

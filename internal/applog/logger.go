// Package applog provides structured logging with multiple outputs, ported
// from the teacher's internal/server/logger.go design: a level-filtered
// logger, an optional audit trail, and a small stopwatch helper used by the
// SenderDB cache rebuild and the dispatcher to log phase durations.
package applog

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/auroradata-ai/apsi-engine/internal/config"
)

// LogLevel represents different logging levels.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// Logger provides structured logging with multiple outputs.
type Logger struct {
	level       LogLevel
	mainLogger  *log.Logger
	auditLogger *log.Logger
	sessionID   string
	mu          sync.RWMutex
}

var (
	globalLogger *Logger
	loggerOnce   sync.Once
)

// InitLogger initializes the global logger exactly once.
func InitLogger(cfg *config.Config, sessionID string) error {
	var err error
	loggerOnce.Do(func() {
		globalLogger, err = NewLogger(cfg, sessionID)
	})
	return err
}

// GetLogger returns the global logger instance, falling back to a basic
// stdout logger if InitLogger was never called.
func GetLogger() *Logger {
	if globalLogger == nil {
		return &Logger{
			level:      INFO,
			mainLogger: log.New(os.Stdout, "[APSI] ", log.LstdFlags|log.Lshortfile),
			sessionID:  "default",
		}
	}
	return globalLogger
}

// NewLogger creates a new logger instance bound to the given config.
func NewLogger(cfg *config.Config, sessionID string) (*Logger, error) {
	logger := &Logger{
		level:     parseLogLevel(cfg.Logging.Level),
		sessionID: sessionID,
	}

	var mainWriter io.Writer = os.Stdout
	if cfg.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		mainWriter = file
	}

	logger.mainLogger = log.New(mainWriter, fmt.Sprintf("[APSI-%s] ", sessionID),
		log.LstdFlags|log.Lshortfile)

	if cfg.Logging.EnableAudit {
		auditFile := cfg.Logging.AuditFile
		if auditFile == "" {
			auditFile = "audit.log"
		}
		if err := os.MkdirAll(filepath.Dir(auditFile), 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
		file, err := os.OpenFile(auditFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		logger.auditLogger = log.New(file, fmt.Sprintf("[AUDIT-%s] ", sessionID),
			log.LstdFlags|log.Lshortfile)
	}

	return logger, nil
}

func parseLogLevel(level string) LogLevel {
	switch level {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if l.level <= DEBUG {
		l.log(DEBUG, format, args...)
	}
}

func (l *Logger) Info(format string, args ...interface{}) {
	if l.level <= INFO {
		l.log(INFO, format, args...)
	}
}

func (l *Logger) Warn(format string, args ...interface{}) {
	if l.level <= WARN {
		l.log(WARN, format, args...)
	}
}

func (l *Logger) Error(format string, args ...interface{}) {
	if l.level <= ERROR {
		l.log(ERROR, format, args...)
	}
}

// Audit records a security- or protocol-relevant event: malformed frames,
// rate-limit rejections, decryption/MAC failures.
func (l *Logger) Audit(event string, details map[string]interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	timestamp := time.Now().UTC().Format(time.RFC3339)
	message := fmt.Sprintf("AUDIT_EVENT=%s TIMESTAMP=%s SESSION=%s", event, timestamp, l.sessionID)
	for key, value := range details {
		message += fmt.Sprintf(" %s=%v", key, value)
	}

	if l.auditLogger != nil {
		l.auditLogger.Println(message)
	}
	if l.level <= WARN {
		l.mainLogger.Printf("[AUDIT] %s", message)
	}
}

func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("[%s] %s", levelToString(level), message)
	if l.mainLogger != nil {
		l.mainLogger.Print(logLine)
	}
}

func levelToString(level LogLevel) string {
	switch level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Close flushes and closes all log outputs. Currently a no-op since the
// underlying file handles are owned by the process, matching the teacher.
func (l *Logger) Close() error {
	return nil
}

func Debug(format string, args ...interface{}) { GetLogger().Debug(format, args...) }
func Info(format string, args ...interface{})  { GetLogger().Info(format, args...) }
func Warn(format string, args ...interface{})  { GetLogger().Warn(format, args...) }
func Error(format string, args ...interface{}) { GetLogger().Error(format, args...) }
func Audit(event string, details map[string]interface{}) {
	GetLogger().Audit(event, details)
}

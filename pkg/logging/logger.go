package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/callcore/pkg/callerr"
)

// LogLevel уровни логирования
type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var logLevelNames = map[LogLevel]string{
	LogLevelTrace: "TRACE",
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLevel разбирает имя уровня без учёта регистра
func ParseLevel(name string) (LogLevel, error) {
	for level, n := range logLevelNames {
		if strings.EqualFold(n, name) {
			return level, nil
		}
	}
	if strings.EqualFold(name, "warning") {
		return LogLevelWarn, nil
	}
	return LogLevelInfo, fmt.Errorf("unknown log level %q", name)
}

func (l LogLevel) logrus() logrus.Level {
	switch l {
	case LogLevelTrace:
		return logrus.TraceLevel
	case LogLevelDebug:
		return logrus.DebugLevel
	case LogLevelWarn:
		return logrus.WarnLevel
	case LogLevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// StructuredLogger интерфейс для структурированного логирования
type StructuredLogger interface {
	// Основные методы логирования
	Trace(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// LogError логирует ошибку с полями *callerr.Error.
	// Уровень берётся из критичности ошибки.
	LogError(ctx context.Context, err error, msg string, fields ...Field)

	// Контекстные логгеры
	WithComponent(component string) StructuredLogger
	WithSession(sessionID, remoteURI string) StructuredLogger
	WithFields(fields ...Field) StructuredLogger

	// Управление уровнем логирования
	SetLevel(level LogLevel)
	IsEnabled(level LogLevel) bool
}

// Field представляет поле лога
type Field struct {
	Key   string
	Value interface{}
}

// Helpers для создания полей
func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Int64(key string, value int64) Field            { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value} }
func Time(key string, value time.Time) Field         { return Field{key, value} }
func Any(key string, value interface{}) Field        { return Field{key, value} }
func Err(err error) Field                            { return Field{"error", err} }

type contextKey struct{}

// ContextWithSession кладёт идентификатор сессии в контекст;
// логгер добавит его в каждую запись с этим контекстом.
func ContextWithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, contextKey{}, sessionID)
}

// Options настройки logrus-логгера
type Options struct {
	Output io.Writer
	Level  LogLevel
	JSON   bool
}

// LogrusLogger реализация StructuredLogger поверх logrus
type LogrusLogger struct {
	entry *logrus.Entry
}

// New создает logger с указанными настройками
func New(opts Options) *LogrusLogger {
	base := logrus.New()
	if opts.Output != nil {
		base.SetOutput(opts.Output)
	} else {
		base.SetOutput(os.Stdout)
	}
	if opts.JSON {
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"})
	}
	base.SetLevel(opts.Level.logrus())

	return &LogrusLogger{entry: logrus.NewEntry(base)}
}

// NewDefault создает JSON logger уровня INFO в stdout
func NewDefault() *LogrusLogger {
	return New(Options{Level: LogLevelInfo, JSON: true})
}

// FromLogrus оборачивает существующий logrus.Logger
func FromLogrus(l *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{entry: logrus.NewEntry(l)}
}

func (l *LogrusLogger) SetLevel(level LogLevel) {
	l.entry.Logger.SetLevel(level.logrus())
}

func (l *LogrusLogger) IsEnabled(level LogLevel) bool {
	return l.entry.Logger.IsLevelEnabled(level.logrus())
}

func (l *LogrusLogger) WithComponent(component string) StructuredLogger {
	return &LogrusLogger{entry: l.entry.WithField("component", component)}
}

// WithSession создает logger с контекстом сессии
func (l *LogrusLogger) WithSession(sessionID, remoteURI string) StructuredLogger {
	fields := logrus.Fields{"session_id": sessionID}
	if remoteURI != "" {
		fields["remote_uri"] = remoteURI
	}
	return &LogrusLogger{entry: l.entry.WithFields(fields)}
}

func (l *LogrusLogger) WithFields(fields ...Field) StructuredLogger {
	return &LogrusLogger{entry: l.entry.WithFields(toLogrus(fields))}
}

// Основные методы логирования
func (l *LogrusLogger) Trace(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, logrus.TraceLevel, msg, fields)
}

func (l *LogrusLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, logrus.DebugLevel, msg, fields)
}

func (l *LogrusLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, logrus.InfoLevel, msg, fields)
}

func (l *LogrusLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, logrus.WarnLevel, msg, fields)
}

func (l *LogrusLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, logrus.ErrorLevel, msg, fields)
}

// LogError логирует ошибку с дополнительной информацией
func (l *LogrusLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	if err == nil {
		l.Error(ctx, msg, fields...)
		return
	}

	level := logrus.ErrorLevel
	errorFields := append(fields, Err(err))

	var ce *callerr.Error
	if errors.As(err, &ce) {
		errorFields = append(errorFields,
			String("error_code", ce.Code),
			String("error_category", ce.Category.String()),
			String("error_severity", ce.Severity.String()),
		)
		if ce.StreamID != "" {
			errorFields = append(errorFields, String("stream_id", ce.StreamID))
		}
		for k, v := range ce.Fields {
			errorFields = append(errorFields, Any(k, v))
		}
		switch ce.Severity {
		case callerr.SeverityWarning:
			level = logrus.WarnLevel
		case callerr.SeverityInfo:
			level = logrus.InfoLevel
		}
	}

	l.log(ctx, level, msg, errorFields)
}

func (l *LogrusLogger) log(ctx context.Context, level logrus.Level, msg string, fields []Field) {
	if !l.entry.Logger.IsLevelEnabled(level) {
		return
	}
	entry := l.entry
	if ctx != nil {
		entry = entry.WithContext(ctx)
		if id, ok := ctx.Value(contextKey{}).(string); ok && id != "" {
			entry = entry.WithField("session_id", id)
		}
	}
	if len(fields) > 0 {
		entry = entry.WithFields(toLogrus(fields))
	}
	entry.Log(level, msg)
}

func toLogrus(fields []Field) logrus.Fields {
	out := make(logrus.Fields, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out[f.Key] = err.Error()
			continue
		}
		out[f.Key] = f.Value
	}
	return out
}

// NoOpLogger логгер-заглушка для тестов
type NoOpLogger struct{}

func (NoOpLogger) Trace(ctx context.Context, msg string, fields ...Field)             {}
func (NoOpLogger) Debug(ctx context.Context, msg string, fields ...Field)             {}
func (NoOpLogger) Info(ctx context.Context, msg string, fields ...Field)              {}
func (NoOpLogger) Warn(ctx context.Context, msg string, fields ...Field)              {}
func (NoOpLogger) Error(ctx context.Context, msg string, fields ...Field)             {}
func (NoOpLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {}
func (NoOpLogger) WithComponent(component string) StructuredLogger                    { return NoOpLogger{} }
func (NoOpLogger) WithSession(sessionID, remoteURI string) StructuredLogger           { return NoOpLogger{} }
func (NoOpLogger) WithFields(fields ...Field) StructuredLogger                        { return NoOpLogger{} }
func (NoOpLogger) SetLevel(level LogLevel)                                            {}
func (NoOpLogger) IsEnabled(level LogLevel) bool                                      { return false }

// Глобальный logger (можно заменить через DI)
var defaultLogger StructuredLogger = NewDefault()

// SetDefault устанавливает глобальный logger
func SetDefault(logger StructuredLogger) {
	defaultLogger = logger
}

// Default возвращает глобальный logger
func Default() StructuredLogger {
	return defaultLogger
}

// OrDefault возвращает logger или глобальный, если передан nil
func OrDefault(logger StructuredLogger) StructuredLogger {
	if logger == nil {
		return defaultLogger
	}
	return logger
}

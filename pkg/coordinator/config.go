package coordinator

import (
	"github.com/arzzra/callcore/pkg/callerr"
	"github.com/arzzra/callcore/pkg/logging"
	"github.com/arzzra/callcore/pkg/metrics"
	"github.com/arzzra/callcore/pkg/session"
)

// Config содержит конфигурацию координатора сессий
type Config struct {
	// MaxOutgoing сколько исходящих вызовов может одновременно
	// находиться в установлении
	MaxOutgoing int

	// DefaultDomain домен, которым дополняется адрес без домена
	DefaultDomain string

	// HistorySize сколько переходов состояния хранит каждая сессия
	HistorySize int

	// RecordingsDir каталог, в который движок пишет записи разговоров
	RecordingsDir string

	// Engine движок сигнализации и медиа
	Engine session.Engine

	Logger  logging.StructuredLogger
	Metrics *metrics.Collector

	// Observers подписчики, добавляемые при создании
	Observers []Observer
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		MaxOutgoing: 1,
		HistorySize: session.DefaultHistorySize,
	}
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if c.MaxOutgoing < 1 {
		return callerr.InvalidConfig("max_outgoing", c.MaxOutgoing, "must be at least 1")
	}
	if c.HistorySize < 0 {
		return callerr.InvalidConfig("history_size", c.HistorySize, "must not be negative")
	}
	if c.Engine == nil {
		return callerr.InvalidConfig("engine", nil, "engine is required")
	}
	if c.DefaultDomain != "" && !isValidHost(c.DefaultDomain) {
		return callerr.InvalidConfig("default_domain", c.DefaultDomain, "invalid host")
	}
	return nil
}

package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector собирает метрики координатора сессий
//
// Предоставляет:
//   - Prometheus метрики для внешнего мониторинга
//   - атомарные счётчики для внутренней диагностики (Stats)
//
// Все методы безопасны для конкурентного вызова и для nil-получателя,
// поэтому компоненты могут работать без метрик.
type Collector struct {
	registry *prometheus.Registry

	sessionsTotal    *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	sessionDuration  prometheus.Histogram
	stateTransitions *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	lateEvents       prometheus.Counter
	transferBytes    prometheus.Counter
	hangupFailures   prometheus.Counter
	conferences      prometheus.Gauge

	// Performance counters
	totalSessions  int64
	activeSessions int64
	totalErrors    int64
	totalLate      int64
	totalBytes     int64
	enabled        bool
}

// Config конфигурация системы метрик
type Config struct {
	// Enabled включает/выключает сбор метрик
	Enabled bool

	// Namespace префикс для Prometheus метрик
	Namespace string

	// Subsystem подсистема для Prometheus метрик
	Subsystem string

	// Registry реестр для регистрации; nil создаёт собственный
	Registry *prometheus.Registry
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Namespace: "callcore",
		Subsystem: "session",
	}
}

// New создает новый сборщик метрик
func New(cfg Config) *Collector {
	if !cfg.Enabled {
		return &Collector{enabled: false}
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{enabled: true, registry: reg}
	c.initPrometheusMetrics(promauto.With(reg), cfg.Namespace, cfg.Subsystem)
	return c
}

func (c *Collector) initPrometheusMetrics(factory promauto.Factory, namespace, subsystem string) {
	c.sessionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "sessions_total",
		Help:      "Total number of sessions created",
	}, []string{"direction"})

	c.sessionsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "sessions_active",
		Help:      "Number of sessions not yet ended or failed",
	})

	c.sessionDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "session_duration_seconds",
		Help:      "Duration of finished sessions in seconds",
		Buckets:   []float64{1, 5, 10, 30, 60, 300, 900, 1800, 3600}, // от 1s до 1 часа
	})

	c.stateTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "state_transitions_total",
		Help:      "Total number of session state transitions",
	}, []string{"from_state", "to_state"})

	c.errorsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "errors_total",
		Help:      "Total number of rejected commands and events by error code",
	}, []string{"code"})

	c.lateEvents = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "late_events_total",
		Help:      "Engine events absorbed for unknown or finished sessions",
	})

	c.transferBytes = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "transfer_bytes_total",
		Help:      "Bytes reported by file transfer streams",
	})

	c.hangupFailures = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "hangup_failures_total",
		Help:      "Hangups that ended with an engine error",
	})

	c.conferences = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "conferences_active",
		Help:      "Number of conference groups",
	})
}

func (c *Collector) on() bool {
	return c != nil && c.enabled
}

// Registry возвращает реестр с метриками (nil, если метрики выключены)
func (c *Collector) Registry() *prometheus.Registry {
	if !c.on() {
		return nil
	}
	return c.registry
}

// SessionStarted уведомляет о создании сессии
func (c *Collector) SessionStarted(direction string) {
	if !c.on() {
		return
	}
	c.sessionsTotal.WithLabelValues(direction).Inc()
	c.sessionsActive.Inc()
	atomic.AddInt64(&c.totalSessions, 1)
	atomic.AddInt64(&c.activeSessions, 1)
}

// SessionFinished уведомляет о переходе сессии в ended/failed
func (c *Collector) SessionFinished(duration time.Duration) {
	if !c.on() {
		return
	}
	c.sessionsActive.Dec()
	atomic.AddInt64(&c.activeSessions, -1)
	c.sessionDuration.Observe(duration.Seconds())
}

// SessionDiscarded сессия удалена, так и не начав вызов
func (c *Collector) SessionDiscarded() {
	if !c.on() {
		return
	}
	c.sessionsActive.Dec()
	atomic.AddInt64(&c.activeSessions, -1)
}

// StateTransition уведомляет о переходе состояния сессии
func (c *Collector) StateTransition(from, to string) {
	if !c.on() {
		return
	}
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

// ErrorOccurred учитывает отклонённую команду или событие
func (c *Collector) ErrorOccurred(code string) {
	if !c.on() {
		return
	}
	c.errorsTotal.WithLabelValues(code).Inc()
	atomic.AddInt64(&c.totalErrors, 1)
}

// LateEvent учитывает поглощённое событие движка
func (c *Collector) LateEvent() {
	if !c.on() {
		return
	}
	c.lateEvents.Inc()
	atomic.AddInt64(&c.totalLate, 1)
}

func (c *Collector) TransferBytes(n int64) {
	if !c.on() || n <= 0 {
		return
	}
	c.transferBytes.Add(float64(n))
	atomic.AddInt64(&c.totalBytes, n)
}

func (c *Collector) HangupFailed() {
	if !c.on() {
		return
	}
	c.hangupFailures.Inc()
}

func (c *Collector) SetConferences(n int) {
	if !c.on() {
		return
	}
	c.conferences.Set(float64(n))
}

// Stats снимок внутренних счётчиков
type Stats struct {
	TotalSessions  int64
	ActiveSessions int64
	TotalErrors    int64
	LateEvents     int64
	TransferBytes  int64
}

// Stats возвращает значения атомарных счётчиков
func (c *Collector) Stats() Stats {
	if !c.on() {
		return Stats{}
	}
	return Stats{
		TotalSessions:  atomic.LoadInt64(&c.totalSessions),
		ActiveSessions: atomic.LoadInt64(&c.activeSessions),
		TotalErrors:    atomic.LoadInt64(&c.totalErrors),
		LateEvents:     atomic.LoadInt64(&c.totalLate),
		TransferBytes:  atomic.LoadInt64(&c.totalBytes),
	}
}

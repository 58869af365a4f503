package callerr

import (
	"errors"
	"fmt"
	"time"
)

// Базовые ошибки ядра. Сверяются через errors.Is, в том числе когда
// обёрнуты в *Error.
var (
	// Состояние сессии
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrSessionNotFound    = errors.New("session not found")
	ErrActorStopped       = errors.New("session actor stopped")
	ErrCoordinatorClosed  = errors.New("coordinator closed")
	ErrTransferInProgress = errors.New("call transfer already in progress")

	// Потоки
	ErrDuplicateStream         = errors.New("stream of this kind already exists")
	ErrStreamNotFound          = errors.New("stream not found")
	ErrNotTransferStream       = errors.New("stream does not carry a file transfer")
	ErrNotRTPStream            = errors.New("stream does not carry RTP media")
	ErrUnsupportedMethod       = errors.New("encryption method not supported by stream")
	ErrNoHandshake             = errors.New("no successful handshake for stream")
	ErrVerificationUnsupported = errors.New("verification not supported by encryption method")

	// Передача файлов
	ErrBackwardPhase    = errors.New("backward transfer phase")
	ErrNonMonotonic     = errors.New("transferred bytes decreased")
	ErrTransferFinished = errors.New("transfer already finished")
	ErrInvalidChunk     = errors.New("invalid transfer chunk")

	// Политика и конференции
	ErrConcurrentOutgoingLimitExceeded = errors.New("concurrent outgoing session limit exceeded")
	ErrAlreadyInConference             = errors.New("session already in conference")
	ErrConferenceNotFound              = errors.New("conference not found")

	// Прочее
	ErrInvalidURI      = errors.New("invalid remote uri")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidConfig   = errors.New("invalid config")
	ErrEngine          = errors.New("engine rejected command")
)

// Category категория ошибки для классификации
type Category string

const (
	CategoryState      Category = "STATE"
	CategoryStream     Category = "STREAM"
	CategoryTransfer   Category = "TRANSFER"
	CategoryPolicy     Category = "POLICY"
	CategoryConference Category = "CONFERENCE"
	CategoryValidation Category = "VALIDATION"
	CategoryConfig     Category = "CONFIG"
	CategoryEngine     Category = "ENGINE"
	CategorySystem     Category = "SYSTEM"
)

func (c Category) String() string {
	return string(c)
}

// Severity уровень критичности ошибки
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityError    Severity = "ERROR"
	SeverityWarning  Severity = "WARNING"
	SeverityInfo     Severity = "INFO"
)

func (s Severity) String() string {
	return string(s)
}

// Error структурированная ошибка ядра с контекстом сессии.
//
// Sentinel задаёт базовую ошибку из списка выше, поэтому
// errors.Is(err, ErrInvalidTransition) работает для любой *Error,
// созданной конструкторами пакета.
type Error struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Category Category `json:"category"`
	Severity Severity `json:"severity"`

	SessionID string    `json:"session_id,omitempty"`
	StreamID  string    `json:"stream_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Fields   map[string]interface{} `json:"fields,omitempty"`
	Cause    error                  `json:"cause,omitempty"`
	Sentinel error                  `json:"-"`
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("[%s:%s] %s (session: %s)", e.Category, e.Code, e.Message, e.SessionID)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap отдаёт исходную причину для errors.Is и errors.As
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is сопоставляет ошибку с её базовой ошибкой
func (e *Error) Is(target error) bool {
	return e.Sentinel != nil && e.Sentinel == target
}

// WithField добавляет поле контекста
func (e *Error) WithField(key string, value interface{}) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithCause добавляет исходную ошибку
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithSession привязывает ошибку к сессии
func (e *Error) WithSession(sessionID string) *Error {
	e.SessionID = sessionID
	return e
}

// WithStream привязывает ошибку к потоку
func (e *Error) WithStream(streamID string) *Error {
	e.StreamID = streamID
	return e
}

// New создает новую структурированную ошибку
func New(sentinel error, code, message string, category Category, severity Severity) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Category:  category,
		Severity:  severity,
		Timestamp: time.Now(),
		Sentinel:  sentinel,
	}
}

// Code извлекает код ошибки
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if err == nil {
		return ""
	}
	return "UNKNOWN_ERROR"
}

// CategoryOf извлекает категорию ошибки
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategorySystem
}

// IsCritical проверяет, является ли ошибка критичной
func IsCritical(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Severity == SeverityCritical
	}
	return false
}

package callerr

import (
	"fmt"
)

// Предопределенные ошибки для частых случаев

// InvalidTransition команда или событие недопустимы в текущем состоянии
func InvalidTransition(sessionID, from, operation string) *Error {
	return New(
		ErrInvalidTransition,
		"INVALID_TRANSITION",
		fmt.Sprintf("операция '%s' недопустима в состоянии %s", operation, from),
		CategoryState,
		SeverityError,
	).WithSession(sessionID).WithField("from_state", from).WithField("operation", operation)
}

func SessionNotFound(sessionID string) *Error {
	return New(
		ErrSessionNotFound,
		"SESSION_NOT_FOUND",
		"сессия не найдена",
		CategoryState,
		SeverityWarning,
	).WithSession(sessionID)
}

func ActorStopped(sessionID string) *Error {
	return New(
		ErrActorStopped,
		"ACTOR_STOPPED",
		"очередь сессии остановлена",
		CategorySystem,
		SeverityWarning,
	).WithSession(sessionID)
}

func CoordinatorClosed() *Error {
	return New(ErrCoordinatorClosed, "COORDINATOR_CLOSED", "координатор закрыт", CategorySystem, SeverityWarning)
}

func TransferInProgress(sessionID, target string) *Error {
	return New(
		ErrTransferInProgress,
		"TRANSFER_IN_PROGRESS",
		fmt.Sprintf("перевод вызова на %s ещё не завершён", target),
		CategoryState,
		SeverityError,
	).WithSession(sessionID).WithField("target", target)
}

// DuplicateStream в сессии уже есть живой поток этого вида
func DuplicateStream(sessionID, kind string) *Error {
	return New(
		ErrDuplicateStream,
		"DUPLICATE_STREAM",
		fmt.Sprintf("поток %s уже существует", kind),
		CategoryStream,
		SeverityError,
	).WithSession(sessionID).WithField("kind", kind)
}

func StreamNotFound(sessionID, streamID string) *Error {
	return New(
		ErrStreamNotFound,
		"STREAM_NOT_FOUND",
		"поток не найден",
		CategoryStream,
		SeverityWarning,
	).WithSession(sessionID).WithStream(streamID)
}

func NotTransferStream(streamID, kind string) *Error {
	return New(
		ErrNotTransferStream,
		"NOT_TRANSFER_STREAM",
		fmt.Sprintf("поток %s не передаёт файл", kind),
		CategoryStream,
		SeverityError,
	).WithStream(streamID).WithField("kind", kind)
}

func NotRTPStream(streamID, kind string) *Error {
	return New(
		ErrNotRTPStream,
		"NOT_RTP_STREAM",
		fmt.Sprintf("поток %s не передаёт RTP", kind),
		CategoryStream,
		SeverityError,
	).WithStream(streamID).WithField("kind", kind)
}

func UnsupportedMethod(streamID, method string) *Error {
	return New(
		ErrUnsupportedMethod,
		"UNSUPPORTED_METHOD",
		fmt.Sprintf("поток не поддерживает шифрование %s", method),
		CategoryStream,
		SeverityWarning,
	).WithStream(streamID).WithField("method", method)
}

// NoHandshake подтверждение пришло раньше успешного handshake
func NoHandshake(streamID string) *Error {
	return New(
		ErrNoHandshake,
		"NO_HANDSHAKE",
		"изменение верификации без успешного handshake",
		CategoryStream,
		SeverityWarning,
	).WithStream(streamID)
}

func VerificationUnsupported(streamID, method string) *Error {
	return New(
		ErrVerificationUnsupported,
		"VERIFICATION_UNSUPPORTED",
		fmt.Sprintf("метод %s не поддерживает верификацию", method),
		CategoryStream,
		SeverityWarning,
	).WithStream(streamID).WithField("method", method)
}

// BackwardPhase фаза передачи не может двигаться назад
func BackwardPhase(streamID, from, to string) *Error {
	return New(
		ErrBackwardPhase,
		"BACKWARD_PHASE",
		fmt.Sprintf("недопустимый переход фазы передачи: %s -> %s", from, to),
		CategoryTransfer,
		SeverityError,
	).WithStream(streamID).WithField("from_phase", from).WithField("to_phase", to)
}

func NonMonotonic(streamID string, previous, got int64) *Error {
	return New(
		ErrNonMonotonic,
		"NON_MONOTONIC",
		fmt.Sprintf("счётчик байт уменьшился: %d -> %d", previous, got),
		CategoryTransfer,
		SeverityWarning,
	).WithStream(streamID).WithField("previous", previous).WithField("got", got)
}

func TransferFinished(streamID, phase string) *Error {
	return New(
		ErrTransferFinished,
		"TRANSFER_FINISHED",
		fmt.Sprintf("передача уже завершена в фазе %s", phase),
		CategoryTransfer,
		SeverityWarning,
	).WithStream(streamID).WithField("phase", phase)
}

func InvalidChunk(streamID string, transferred, total int64) *Error {
	return New(
		ErrInvalidChunk,
		"INVALID_CHUNK",
		fmt.Sprintf("некорректный счётчик передачи: %d/%d", transferred, total),
		CategoryTransfer,
		SeverityWarning,
	).WithStream(streamID).WithField("transferred", transferred).WithField("total", total)
}

// OutgoingLimitExceeded превышен лимит одновременно набираемых вызовов
func OutgoingLimitExceeded(current, max int) *Error {
	return New(
		ErrConcurrentOutgoingLimitExceeded,
		"CONCURRENT_OUTGOING_LIMIT_EXCEEDED",
		fmt.Sprintf("достигнут лимит исходящих вызовов: %d/%d", current, max),
		CategoryPolicy,
		SeverityError,
	).WithField("current", current).WithField("max", max)
}

func AlreadyInConference(sessionID, groupID string) *Error {
	return New(
		ErrAlreadyInConference,
		"ALREADY_IN_CONFERENCE",
		fmt.Sprintf("сессия уже входит в конференцию %s", groupID),
		CategoryConference,
		SeverityError,
	).WithSession(sessionID).WithField("group_id", groupID)
}

func ConferenceNotFound(groupID string) *Error {
	return New(
		ErrConferenceNotFound,
		"CONFERENCE_NOT_FOUND",
		"конференция не найдена",
		CategoryConference,
		SeverityWarning,
	).WithField("group_id", groupID)
}

func InvalidURI(uri, reason string) *Error {
	return New(
		ErrInvalidURI,
		"INVALID_URI",
		fmt.Sprintf("неверный адрес '%s': %s", uri, reason),
		CategoryValidation,
		SeverityError,
	).WithField("uri", uri).WithField("reason", reason)
}

func InvalidArgument(name, reason string) *Error {
	return New(
		ErrInvalidArgument,
		"INVALID_ARGUMENT",
		fmt.Sprintf("неверный аргумент %s: %s", name, reason),
		CategoryValidation,
		SeverityError,
	).WithField("argument", name).WithField("reason", reason)
}

// InvalidConfig ошибка валидации конфигурации
func InvalidConfig(field string, value interface{}, reason string) *Error {
	return New(
		ErrInvalidConfig,
		"INVALID_CONFIG",
		fmt.Sprintf("неверная конфигурация поля '%s': %v (%s)", field, value, reason),
		CategoryConfig,
		SeverityError,
	).WithField("field", field).WithField("value", value).WithField("reason", reason)
}

// Engine движок отклонил команду ядра
func Engine(sessionID, operation string, cause error) *Error {
	return New(
		ErrEngine,
		"ENGINE_REJECTED",
		fmt.Sprintf("движок отклонил команду %s", operation),
		CategoryEngine,
		SeverityError,
	).WithSession(sessionID).WithField("operation", operation).WithCause(cause)
}

// SystemRecovery паника при обработке сообщения сессии
func SystemRecovery(component string, panicValue interface{}) *Error {
	return New(
		nil,
		"SYSTEM_RECOVERY",
		fmt.Sprintf("recovered from panic in %s: %v", component, panicValue),
		CategorySystem,
		SeverityCritical,
	).WithField("component", component).WithField("panic_value", panicValue)
}

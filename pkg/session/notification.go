package session

import (
	"github.com/arzzra/callcore/pkg/encryption"
	"github.com/arzzra/callcore/pkg/progress"
	"github.com/arzzra/callcore/pkg/stream"
)

// Notification исходящее уведомление для интерфейса, истории и логов
type Notification interface {
	Session() string
	isNotification()
}

// StatusChanged статус сессии пересчитан и изменился
type StatusChanged struct {
	SessionID string
	Status    Status
	Previous  State
}

// ProgressChanged обновление передачи файла
type ProgressChanged struct {
	SessionID string
	StreamID  string
	Progress  progress.Snapshot
}

// EncryptionChanged дескриптор шифрования потока изменился;
// Descriptor == nil означает, что поток не зашифрован.
type EncryptionChanged struct {
	SessionID  string
	StreamID   string
	Kind       stream.Kind
	Descriptor *encryption.Descriptor
}

// CallTransferChanged изменилось подсостояние перевода вызова
type CallTransferChanged struct {
	SessionID string
	Transfer  TransferInfo
}

// RecordingStateChanged запись разговора началась или закончилась
type RecordingStateChanged struct {
	SessionID string
	Recording bool
	Path      string
}

func (n StatusChanged) Session() string         { return n.SessionID }
func (n ProgressChanged) Session() string       { return n.SessionID }
func (n EncryptionChanged) Session() string     { return n.SessionID }
func (n CallTransferChanged) Session() string   { return n.SessionID }
func (n RecordingStateChanged) Session() string { return n.SessionID }

func (StatusChanged) isNotification()         {}
func (ProgressChanged) isNotification()       {}
func (EncryptionChanged) isNotification()     {}
func (CallTransferChanged) isNotification()   {}
func (RecordingStateChanged) isNotification() {}

// NotifyFunc приёмник уведомлений сессии. Вызывается из очереди сессии
// и не должен блокироваться.
type NotifyFunc func(Notification)

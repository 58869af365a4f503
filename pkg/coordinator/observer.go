package coordinator

import (
	"github.com/arzzra/callcore/pkg/session"
)

// ConferenceChange изменение состава конференции
type ConferenceChange struct {
	GroupID string
	Members []string
	// Dissolved конференция разделена или опустела
	Dissolved bool
}

// Observer получает уведомления координатора.
// Методы вызываются по порядку из одной горутины доставки
// и не должны блокироваться надолго.
type Observer interface {
	SessionStatusChanged(n session.StatusChanged)
	TransferProgressChanged(n session.ProgressChanged)
	EncryptionStatusChanged(n session.EncryptionChanged)
	CallTransferChanged(n session.CallTransferChanged)
	RecordingStateChanged(n session.RecordingStateChanged)
	ConferenceChanged(c ConferenceChange)
}

// ObserverFuncs адаптер Observer из функций; nil поля пропускаются
type ObserverFuncs struct {
	OnStatus     func(session.StatusChanged)
	OnProgress   func(session.ProgressChanged)
	OnEncryption func(session.EncryptionChanged)
	OnTransfer   func(session.CallTransferChanged)
	OnRecording  func(session.RecordingStateChanged)
	OnConference func(ConferenceChange)
}

func (f ObserverFuncs) SessionStatusChanged(n session.StatusChanged) {
	if f.OnStatus != nil {
		f.OnStatus(n)
	}
}

func (f ObserverFuncs) TransferProgressChanged(n session.ProgressChanged) {
	if f.OnProgress != nil {
		f.OnProgress(n)
	}
}

func (f ObserverFuncs) EncryptionStatusChanged(n session.EncryptionChanged) {
	if f.OnEncryption != nil {
		f.OnEncryption(n)
	}
}

func (f ObserverFuncs) CallTransferChanged(n session.CallTransferChanged) {
	if f.OnTransfer != nil {
		f.OnTransfer(n)
	}
}

func (f ObserverFuncs) RecordingStateChanged(n session.RecordingStateChanged) {
	if f.OnRecording != nil {
		f.OnRecording(n)
	}
}

func (f ObserverFuncs) ConferenceChanged(c ConferenceChange) {
	if f.OnConference != nil {
		f.OnConference(c)
	}
}

type subscription struct {
	id       uint64
	observer Observer
}

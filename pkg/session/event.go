package session

import (
	"github.com/pion/dtls/v2"

	"github.com/arzzra/callcore/pkg/callerr"
	"github.com/arzzra/callcore/pkg/encryption"
	"github.com/arzzra/callcore/pkg/progress"
	"github.com/arzzra/callcore/pkg/stream"
)

// Event входящее событие движка сигнализации/медиа.
// Набор закрыт: реализации есть только в этом пакете.
type Event interface {
	EventName() string
	isEvent()
}

// StreamRef адресует поток: по идентификатору, а если он пуст,
// по живому потоку данного вида.
type StreamRef struct {
	StreamID string
	Kind     stream.Kind
}

// SessionStateChanged движок сообщает новое состояние вызова
type SessionStateChanged struct {
	State  State
	Reason callerr.Reason
}

// StreamAdded движок добавил или начал согласовывать поток
type StreamAdded struct {
	StreamRef
	TotalBytes int64
}

// StreamRemoved движок удалил поток
type StreamRemoved struct {
	StreamRef
}

// StreamRefused собеседник отклонил поток
type StreamRefused struct {
	StreamRef
	Reason string
}

// CodecNegotiated кодек потока согласован.
// Если Codec пуст, описание берётся из SDP.
type CodecNegotiated struct {
	StreamRef
	Codec string
	SDP   []byte
}

type EncryptionHandshakeStarted struct {
	StreamRef
	Method encryption.Method
}

// EncryptionHandshakeSucceeded handshake завершён. Для DTLS-SRTP
// движок может передать согласованный профиль вместо имени шифра.
type EncryptionHandshakeSucceeded struct {
	StreamRef
	Method          encryption.Method
	Cipher          string
	SRTPProfile     dtls.SRTPProtectionProfile
	PeerFingerprint string
	PeerName        string
}

type EncryptionHandshakeFailed struct {
	StreamRef
	Reason string
}

// VerificationChanged пользователь подтвердил или отозвал подтверждение собеседника
type VerificationChanged struct {
	StreamRef
	Verified bool
	PeerName string
}

// HoldParty сторона, изменившая удержание
type HoldParty string

const (
	HoldLocal  HoldParty = "local"
	HoldRemote HoldParty = "remote"
)

// HoldChanged движок сообщает удержание вызова
type HoldChanged struct {
	Party HoldParty
	Hold  bool
}

type TransferPhaseChanged struct {
	StreamRef
	Phase  progress.Phase
	Reason string
}

type TransferChunk struct {
	StreamRef
	Transferred int64
	Total       int64
}

// TransferRequested собеседник просит перевести вызов на Target
type TransferRequested struct {
	Target string
}

// TransferResult итог перевода вызова
type TransferResult struct {
	Success bool
	Reason  string
}

// StatisticsUpdated движок прислал счётчики RTP потока
type StatisticsUpdated struct {
	StreamRef
	Statistics stream.Statistics
}

// RecordingChanged движок начал или остановил запись аудио в Path
type RecordingChanged struct {
	Recording bool
	Path      string
}

func (SessionStateChanged) EventName() string          { return "session_state_changed" }
func (StreamAdded) EventName() string                  { return "stream_added" }
func (StreamRemoved) EventName() string                { return "stream_removed" }
func (StreamRefused) EventName() string                { return "stream_refused" }
func (CodecNegotiated) EventName() string              { return "codec_negotiated" }
func (EncryptionHandshakeStarted) EventName() string   { return "encryption_handshake_started" }
func (EncryptionHandshakeSucceeded) EventName() string { return "encryption_handshake_succeeded" }
func (EncryptionHandshakeFailed) EventName() string    { return "encryption_handshake_failed" }
func (VerificationChanged) EventName() string          { return "verification_changed" }
func (HoldChanged) EventName() string                  { return "hold_changed" }
func (TransferPhaseChanged) EventName() string         { return "transfer_phase_changed" }
func (TransferChunk) EventName() string                { return "transfer_chunk" }
func (TransferRequested) EventName() string            { return "transfer_requested" }
func (TransferResult) EventName() string               { return "transfer_result" }
func (StatisticsUpdated) EventName() string            { return "statistics_updated" }
func (RecordingChanged) EventName() string             { return "recording_changed" }

func (SessionStateChanged) isEvent()          {}
func (StreamAdded) isEvent()                  {}
func (StreamRemoved) isEvent()                {}
func (StreamRefused) isEvent()                {}
func (CodecNegotiated) isEvent()              {}
func (EncryptionHandshakeStarted) isEvent()   {}
func (EncryptionHandshakeSucceeded) isEvent() {}
func (EncryptionHandshakeFailed) isEvent()    {}
func (VerificationChanged) isEvent()          {}
func (HoldChanged) isEvent()                  {}
func (TransferPhaseChanged) isEvent()         {}
func (TransferChunk) isEvent()                {}
func (TransferRequested) isEvent()            {}
func (TransferResult) isEvent()               {}
func (StatisticsUpdated) isEvent()            {}
func (RecordingChanged) isEvent()             {}

package session

import (
	"fmt"

	"github.com/arzzra/callcore/pkg/callerr"
	"github.com/arzzra/callcore/pkg/encryption"
	"github.com/arzzra/callcore/pkg/stream"
)

// StatusCode стабильный машинный код статуса
type StatusCode string

const (
	StatusInitializing  StatusCode = "initializing"
	StatusLookingUp     StatusCode = "looking_up"
	StatusConnecting    StatusCode = "connecting"
	StatusRinging       StatusCode = "ringing"
	StatusStartingMedia StatusCode = "starting_media"
	StatusConnected     StatusCode = "connected"
	StatusOnHold        StatusCode = "on_hold"
	StatusRemoteHold    StatusCode = "remote_hold"
	StatusRefused       StatusCode = "stream_refused"
	StatusEncrypted     StatusCode = "encrypted"
	StatusNotEncrypted  StatusCode = "not_encrypted"
	StatusEnding        StatusCode = "ending"
)

// Status статус сессии для интерфейса: машинное состояние,
// стабильный код и текст.
type Status struct {
	State State      `json:"state"`
	Code  StatusCode `json:"code"`
	Text  string     `json:"text"`
}

// StreamStatus часть потока, влияющая на статус
type StreamStatus struct {
	Kind       stream.Kind
	State      stream.State
	Encryption *encryption.Descriptor
}

// StatusInput всё, от чего зависит статус
type StatusInput struct {
	State      State
	LocalHold  bool
	RemoteHold bool
	// Streams в порядке отображения
	Streams   []StreamStatus
	EndReason callerr.Reason
}

// ComputeStatus чистая функция статуса. Одинаковые входные данные
// всегда дают одинаковый результат.
//
// Для connected приоритет: локальное удержание, удержание собеседником,
// шифрование основного потока (первого активного по порядку отображения),
// отклонённый поток, если активных нет.
func ComputeStatus(in StatusInput) Status {
	st := Status{State: in.State}

	switch in.State {
	case StateInitializing:
		st.Code, st.Text = StatusInitializing, "Initializing..."
	case StateDNSLookup:
		st.Code, st.Text = StatusLookingUp, "Looking up destination..."
	case StateConnecting:
		st.Code, st.Text = StatusConnecting, "Connecting..."
	case StateRinging:
		st.Code, st.Text = StatusRinging, "Ringing..."
	case StateStartingMedia:
		st.Code, st.Text = StatusStartingMedia, "Starting media..."
	case StateEnding:
		st.Code, st.Text = StatusEnding, "Ending..."
	case StateEnded, StateFailed:
		reason := in.EndReason
		if reason.IsZero() {
			if in.State == StateEnded {
				reason = callerr.NewReason(callerr.ReasonLocalHangup)
			} else {
				reason = callerr.NewReason(callerr.ReasonUnknown)
			}
		}
		reason = reason.WithDefaultText()
		if reason.Text == "" && in.State == StateEnded {
			reason.Text = "Call ended"
		} else if reason.Text == "" {
			reason.Text = "Call failed"
		}
		st.Code, st.Text = StatusCode(reason.Code), reason.Text
	case StateConnected:
		st.Code, st.Text = connectedStatus(in)
	default:
		st.Code, st.Text = StatusCode(in.State), string(in.State)
	}
	return st
}

func connectedStatus(in StatusInput) (StatusCode, string) {
	if in.LocalHold {
		return StatusOnHold, "On hold"
	}
	if in.RemoteHold {
		return StatusRemoteHold, "Hold by remote"
	}

	for _, s := range in.Streams {
		if s.State == stream.StateActive {
			return encryptionStatus(s.Encryption)
		}
	}
	for i := len(in.Streams) - 1; i >= 0; i-- {
		if in.Streams[i].State == stream.StateRefused {
			return StatusRefused, fmt.Sprintf("%s refused", in.Streams[i].Kind.Title())
		}
	}
	return StatusConnected, "Connected"
}

func encryptionStatus(d *encryption.Descriptor) (StatusCode, string) {
	if d == nil || d.Method == encryption.MethodNone {
		return StatusNotEncrypted, "Media is not encrypted"
	}

	switch d.Method {
	case encryption.MethodTLS:
		return StatusEncrypted, "Media is encrypted using TLS"
	case encryption.MethodSRTP:
		if d.Cipher == "" {
			return StatusEncrypted, "Media is encrypted using SRTP"
		}
		return StatusEncrypted, fmt.Sprintf("Media is encrypted using %s", d.Cipher)
	}

	text := fmt.Sprintf("Media is encrypted using %s", d.Method)
	if d.Cipher != "" {
		text = fmt.Sprintf("Media is encrypted using %s (%s)", d.Method, d.Cipher)
	}
	if d.Verified {
		text += ", peer verified"
	}
	return StatusEncrypted, text
}

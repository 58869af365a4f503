package encryption

import (
	"context"
	"sync"

	"github.com/arzzra/callcore/pkg/callerr"
	"github.com/arzzra/callcore/pkg/logging"
)

// EventType тип события handshake от движка
type EventType int

const (
	HandshakeStarted EventType = iota
	HandshakeSucceeded
	HandshakeFailed
	VerificationChanged
)

func (t EventType) String() string {
	switch t {
	case HandshakeStarted:
		return "handshake_started"
	case HandshakeSucceeded:
		return "handshake_succeeded"
	case HandshakeFailed:
		return "handshake_failed"
	case VerificationChanged:
		return "verification_changed"
	default:
		return "unknown"
	}
}

// Event сырое событие шифрования потока
type Event struct {
	Type            EventType
	Method          Method
	Cipher          string
	PeerFingerprint string
	PeerName        string
	Verified        bool
	Reason          string
}

// ChangeFunc вызывается при фактическом изменении дескриптора.
// d == nil означает, что поток больше не зашифрован.
type ChangeFunc func(streamID string, d *Descriptor)

type streamEntry struct {
	capabilities map[Method]struct{}
	descriptor   *Descriptor
	negotiating  bool
}

// Tracker ведёт дескрипторы шифрования потоков одной сессии.
//
// Дескриптор создаётся только успешным handshake и сбрасывается
// неудачным. Новый трекер создаётся на каждую сессию, поэтому
// подтверждение собеседника не переживает сессию.
//
// ChangeFunc вызывается под блокировкой трекера и не должна
// обращаться к нему повторно.
type Tracker struct {
	mu       sync.Mutex
	streams  map[string]*streamEntry
	onChange ChangeFunc
	logger   logging.StructuredLogger
}

// NewTracker создает трекер шифрования
func NewTracker(logger logging.StructuredLogger, onChange ChangeFunc) *Tracker {
	return &Tracker{
		streams:  make(map[string]*streamEntry),
		onChange: onChange,
		logger:   logging.OrDefault(logger).WithComponent("encryption"),
	}
}

// Register объявляет методы, которые поток может согласовать.
// Пустой список означает поток без шифрования.
func (t *Tracker) Register(streamID string, capabilities ...Method) {
	t.mu.Lock()
	defer t.mu.Unlock()

	caps := make(map[Method]struct{}, len(capabilities))
	for _, m := range capabilities {
		if m != MethodNone {
			caps[m] = struct{}{}
		}
	}
	t.streams[streamID] = &streamEntry{capabilities: caps}
}

// Forget удаляет поток вместе с дескриптором
func (t *Tracker) Forget(streamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.streams[streamID]
	delete(t.streams, streamID)
	if ok && entry.descriptor != nil && t.onChange != nil {
		t.onChange(streamID, nil)
	}
}

// Descriptor возвращает копию текущего дескриптора потока
func (t *Tracker) Descriptor(streamID string) *Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.streams[streamID]; ok {
		return entry.descriptor.Clone()
	}
	return nil
}

// Negotiating идёт ли handshake на потоке
func (t *Tracker) Negotiating(streamID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.streams[streamID]
	return ok && entry.negotiating
}

// Apply применяет событие к потоку и возвращает дескриптор после него.
// Для потока без возможности шифрования возвращает nil, nil.
func (t *Tracker) Apply(streamID string, ev Event) (*Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.streams[streamID]
	if !ok {
		return nil, callerr.StreamNotFound("", streamID)
	}
	if len(entry.capabilities) == 0 {
		t.logger.Debug(context.Background(), "encryption event for plain stream ignored",
			logging.String("stream_id", streamID),
			logging.String("event", ev.Type.String()),
		)
		return nil, nil
	}

	switch ev.Type {
	case HandshakeStarted:
		entry.negotiating = true
		return entry.descriptor.Clone(), nil

	case HandshakeSucceeded:
		if _, supported := entry.capabilities[ev.Method]; !supported {
			return entry.descriptor.Clone(), callerr.UnsupportedMethod(streamID, ev.Method.String())
		}
		next := &Descriptor{
			Method:   ev.Method,
			Cipher:   ev.Cipher,
			PeerName: ev.PeerName,
		}
		if ev.Method.Verifiable() {
			next.PeerFingerprint = ev.PeerFingerprint
		}
		entry.negotiating = false
		t.replace(streamID, entry, next)
		return next.Clone(), nil

	case HandshakeFailed:
		entry.negotiating = false
		t.logger.Info(context.Background(), "encryption handshake failed",
			logging.String("stream_id", streamID),
			logging.String("reason", ev.Reason),
		)
		t.replace(streamID, entry, nil)
		return nil, nil

	case VerificationChanged:
		if entry.descriptor == nil {
			err := callerr.NoHandshake(streamID)
			t.logger.LogError(context.Background(), err, "verification change without handshake")
			return nil, err
		}
		if !entry.descriptor.Method.Verifiable() {
			return entry.descriptor.Clone(), callerr.VerificationUnsupported(streamID, entry.descriptor.Method.String())
		}
		next := entry.descriptor.Clone()
		next.Verified = ev.Verified
		if ev.PeerName != "" {
			next.PeerName = ev.PeerName
		}
		t.replace(streamID, entry, next)
		return next.Clone(), nil
	}

	return entry.descriptor.Clone(), callerr.InvalidArgument("event", ev.Type.String())
}

func (t *Tracker) replace(streamID string, entry *streamEntry, next *Descriptor) {
	if entry.descriptor.Equal(next) {
		return
	}
	entry.descriptor = next
	if t.onChange != nil {
		t.onChange(streamID, next.Clone())
	}
}

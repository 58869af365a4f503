package session

import (
	"context"
	"errors"

	"github.com/arzzra/callcore/pkg/callerr"
	"github.com/arzzra/callcore/pkg/encryption"
	"github.com/arzzra/callcore/pkg/logging"
	"github.com/arzzra/callcore/pkg/stream"
)

// HandleEvent применяет событие движка.
//
// События, опоздавшие к завершённой сессии, поглощаются: nil и запись
// в журнал. Ошибка означает, что событие противоречит модели и не применено.
func (s *Session) HandleEvent(ctx context.Context, ev Event) error {
	defer s.flush()

	if s.State().IsTerminal() {
		s.absorb(ctx, ev.EventName(), "session finished")
		return nil
	}

	var err error
	switch e := ev.(type) {
	case SessionStateChanged:
		err = s.onStateChanged(ctx, e)
	case StreamAdded:
		err = s.onStreamAdded(ctx, e)
	case StreamRemoved:
		err = s.onStreamRemoved(ctx, e)
	case StreamRefused:
		err = s.withStream(e.StreamRef, func(c *stream.Controller) error {
			return c.Refuse(e.Reason)
		})
	case CodecNegotiated:
		err = s.onCodecNegotiated(ctx, e)
	case EncryptionHandshakeStarted:
		err = s.applyEncryption(ctx, e.StreamRef, encryption.Event{Type: encryption.HandshakeStarted, Method: e.Method})
	case EncryptionHandshakeSucceeded:
		cipher := e.Cipher
		if cipher == "" && e.SRTPProfile != 0 {
			cipher = encryption.CipherFromSRTPProfile(e.SRTPProfile)
		}
		err = s.applyEncryption(ctx, e.StreamRef, encryption.Event{
			Type:            encryption.HandshakeSucceeded,
			Method:          e.Method,
			Cipher:          cipher,
			PeerFingerprint: e.PeerFingerprint,
			PeerName:        e.PeerName,
		})
	case EncryptionHandshakeFailed:
		err = s.applyEncryption(ctx, e.StreamRef, encryption.Event{Type: encryption.HandshakeFailed, Reason: e.Reason})
	case VerificationChanged:
		err = s.applyEncryption(ctx, e.StreamRef, encryption.Event{
			Type:     encryption.VerificationChanged,
			Verified: e.Verified,
			PeerName: e.PeerName,
		})
	case HoldChanged:
		err = s.onHoldChanged(ctx, e)
	case TransferPhaseChanged:
		err = s.withStream(e.StreamRef, func(c *stream.Controller) error {
			_, err := c.ApplyPhase(e.Phase, e.Reason)
			return err
		})
	case TransferChunk:
		err = s.onTransferChunk(e)
	case TransferRequested:
		err = s.onTransferRequested(ctx, e)
	case TransferResult:
		err = s.onTransferResult(ctx, e)
	case StatisticsUpdated:
		err = s.onStatistics(ctx, e)
	case RecordingChanged:
		err = s.onRecordingChanged(ctx, e)
	default:
		err = callerr.InvalidArgument("event", ev.EventName())
	}

	if err != nil {
		s.metrics.ErrorOccurred(callerr.Code(err))
		s.logger.LogError(ctx, err, "event rejected", logging.String("event", ev.EventName()))
	}
	return err
}

func (s *Session) absorb(ctx context.Context, event, why string) {
	s.metrics.LateEvent()
	s.logger.Debug(ctx, "event absorbed",
		logging.String("event", event),
		logging.String("state", s.State().String()),
		logging.String("why", why),
	)
}

func (s *Session) onStateChanged(ctx context.Context, e SessionStateChanged) error {
	current := s.State()
	if e.State == current {
		return nil
	}

	switch e.State {
	case StateEnded:
		s.endReason = e.Reason
		if s.endReason.IsZero() {
			s.endReason = s.defaultEndReason()
		}
	case StateFailed:
		s.endReason = e.Reason
		if s.endReason.IsZero() {
			s.endReason = callerr.NewReason(callerr.ReasonUnknown)
		}
	}
	if !s.endReason.IsZero() {
		s.endReason = s.endReason.WithDefaultText()
	}
	return s.fire(ctx, e.State, string(e.Reason.Code))
}

// defaultEndReason причина завершения, если движок её не сообщил
func (s *Session) defaultEndReason() callerr.Reason {
	switch {
	case !s.localHangup:
		return callerr.NewReason(callerr.ReasonRemoteHangup)
	case s.connectedAt.IsZero():
		return callerr.NewReason(callerr.ReasonCancelled)
	default:
		return callerr.NewReason(callerr.ReasonLocalHangup)
	}
}

func (s *Session) onStreamAdded(ctx context.Context, e StreamAdded) error {
	if s.State() == StateEnding {
		s.absorb(ctx, e.EventName(), "session ending")
		return nil
	}

	c := s.lookup(e.StreamRef)
	if c != nil && !c.State().Live() {
		// повторное предложение после отказа
		_ = c.Remove()
		s.dropStream(c)
		c = nil
	}
	if c == nil {
		if !e.Kind.Valid() {
			return callerr.InvalidArgument("kind", string(e.Kind))
		}
		// движок заменяет поток того же вида
		if old := s.liveByKind(e.Kind); old != nil {
			_ = old.Remove()
			s.dropStream(old)
		}
		var err error
		c, err = s.addController(StreamOptions{Kind: e.Kind, TotalBytes: e.TotalBytes}, e.StreamID)
		if err != nil {
			return err
		}
	}
	if c.State() == stream.StatePending {
		return c.Negotiate()
	}
	return nil
}

func (s *Session) onStreamRemoved(ctx context.Context, e StreamRemoved) error {
	c := s.lookup(e.StreamRef)
	if c == nil {
		// уже удалён командой пользователя
		s.absorb(ctx, e.EventName(), "stream already removed")
		return nil
	}
	if err := c.Remove(); err != nil {
		return err
	}
	s.dropStream(c)
	return nil
}

func (s *Session) onCodecNegotiated(ctx context.Context, e CodecNegotiated) error {
	if s.State() == StateEnding {
		s.absorb(ctx, e.EventName(), "session ending")
		return nil
	}
	c := s.lookup(e.StreamRef)
	if c == nil {
		return callerr.StreamNotFound(s.id, e.StreamID)
	}
	if c.State() == stream.StateActive {
		s.absorb(ctx, e.EventName(), "stream already active")
		return nil
	}

	codec := e.Codec
	if codec == "" && len(e.SDP) > 0 {
		parsed, err := stream.CodecInfoFromSDP(e.SDP, c.Kind())
		if err != nil {
			return callerr.InvalidArgument("sdp", err.Error()).WithStream(c.ID()).WithCause(err)
		}
		codec = parsed
	}
	if err := c.Activate(codec); err != nil {
		return err
	}

	// активный поток означает, что вызов установлен
	if s.State().IsSetup() {
		return s.fire(ctx, StateConnected, "media_started")
	}
	return nil
}

func (s *Session) applyEncryption(ctx context.Context, ref StreamRef, ev encryption.Event) error {
	if s.State() == StateEnding {
		s.absorb(ctx, "encryption_"+ev.Type.String(), "session ending")
		return nil
	}
	return s.withStream(ref, func(c *stream.Controller) error {
		_, err := c.ApplyEncryption(ev)
		return err
	})
}

func (s *Session) onHoldChanged(ctx context.Context, e HoldChanged) error {
	if s.State() != StateConnected {
		s.absorb(ctx, e.EventName(), "session not connected")
		return nil
	}
	switch e.Party {
	case HoldLocal:
		s.applyLocalHold(e.Hold)
	case HoldRemote:
		s.applyRemoteHold(e.Hold)
	default:
		return callerr.InvalidArgument("party", string(e.Party))
	}
	return nil
}

func (s *Session) onTransferChunk(e TransferChunk) error {
	return s.withStream(e.StreamRef, func(c *stream.Controller) error {
		var before int64
		if info := c.Info(); info.Transfer != nil {
			before = info.Transfer.Transferred
		}
		snap, err := c.ApplyChunk(e.Transferred, e.Total)
		if err != nil {
			return err
		}
		if delta := snap.Transferred - before; delta > 0 {
			s.metrics.TransferBytes(delta)
		}
		return nil
	})
}

func (s *Session) onTransferRequested(ctx context.Context, e TransferRequested) error {
	if s.State() != StateConnected {
		s.absorb(ctx, e.EventName(), "session not connected")
		return nil
	}
	if s.transfer.state() == TransferTrying {
		return callerr.TransferInProgress(s.id, s.transfer.target)
	}
	if err := s.transfer.request(e.Target, TransferByRemote); err != nil {
		return callerr.InvalidTransition(s.id, string(s.transfer.state()), "transfer_requested").WithCause(err)
	}
	s.queueTransferChange()
	return nil
}

// onTransferResult меняет только подсостояние перевода: неудачный
// перевод оставляет вызов в connected.
func (s *Session) onTransferResult(ctx context.Context, e TransferResult) error {
	if s.State() != StateConnected {
		s.absorb(ctx, e.EventName(), "session not connected")
		return nil
	}
	if s.transfer.state() != TransferTrying {
		s.absorb(ctx, e.EventName(), "no transfer in progress")
		return nil
	}
	if err := s.transfer.resolve(e.Success, e.Reason); err != nil {
		return callerr.InvalidTransition(s.id, string(s.transfer.state()), "transfer_result").WithCause(err)
	}
	s.queueTransferChange()
	return nil
}

func (s *Session) withStream(ref StreamRef, fn func(c *stream.Controller) error) error {
	c := s.lookup(ref)
	if c == nil {
		id := ref.StreamID
		if id == "" {
			id = string(ref.Kind)
		}
		return callerr.StreamNotFound(s.id, id)
	}
	if err := fn(c); err != nil {
		var ce *callerr.Error
		if errors.As(err, &ce) && ce.SessionID == "" {
			ce.WithSession(s.id)
		}
		return err
	}
	return nil
}

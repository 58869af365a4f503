package scenario

import (
	"fmt"
	"time"

	"github.com/arzzra/callcore/pkg/callerr"
	"github.com/arzzra/callcore/pkg/encryption"
	"github.com/arzzra/callcore/pkg/progress"
	"github.com/arzzra/callcore/pkg/session"
	"github.com/arzzra/callcore/pkg/stream"
)

// buildEvent собирает событие движка по имени. ref уже разрешён раннером.
func buildEvent(name string, ref session.StreamRef, f EventFields) (session.Event, error) {
	switch name {
	case "session_state_changed":
		st, err := session.ParseState(f.State)
		if err != nil {
			return nil, err
		}
		var reason callerr.Reason
		if f.Reason != "" || f.Text != "" {
			reason = callerr.Reason{Code: callerr.ReasonCode(f.Reason), Text: f.Text}
		}
		return session.SessionStateChanged{State: st, Reason: reason}, nil

	case "stream_added":
		return session.StreamAdded{StreamRef: ref, TotalBytes: f.Total}, nil
	case "stream_removed":
		return session.StreamRemoved{StreamRef: ref}, nil
	case "stream_refused":
		return session.StreamRefused{StreamRef: ref, Reason: f.Text}, nil
	case "codec_negotiated":
		return session.CodecNegotiated{StreamRef: ref, Codec: f.Codec, SDP: []byte(f.SDP)}, nil

	case "encryption_handshake_started":
		m, err := encryption.ParseMethod(f.Method)
		if err != nil {
			return nil, err
		}
		return session.EncryptionHandshakeStarted{StreamRef: ref, Method: m}, nil
	case "encryption_handshake_succeeded":
		m, err := encryption.ParseMethod(f.Method)
		if err != nil {
			return nil, err
		}
		ev := session.EncryptionHandshakeSucceeded{
			StreamRef:       ref,
			Method:          m,
			Cipher:          f.Cipher,
			PeerFingerprint: f.Fingerprint,
			PeerName:        f.Peer,
		}
		if f.SRTPProfile != "" {
			if ev.SRTPProfile, err = encryption.ParseSRTPProfile(f.SRTPProfile); err != nil {
				return nil, err
			}
		}
		return ev, nil
	case "encryption_handshake_failed":
		return session.EncryptionHandshakeFailed{StreamRef: ref, Reason: f.Text}, nil
	case "verification_changed":
		return session.VerificationChanged{StreamRef: ref, Verified: f.Verified, PeerName: f.Peer}, nil

	case "hold_changed":
		party := session.HoldParty(f.Party)
		if party == "" {
			party = session.HoldRemote
		}
		if party != session.HoldLocal && party != session.HoldRemote {
			return nil, fmt.Errorf("unknown hold party %q", f.Party)
		}
		return session.HoldChanged{Party: party, Hold: f.Hold}, nil

	case "transfer_phase_changed":
		p, err := progress.ParsePhase(f.Phase)
		if err != nil {
			return nil, err
		}
		return session.TransferPhaseChanged{StreamRef: ref, Phase: p, Reason: f.Text}, nil
	case "transfer_chunk":
		return session.TransferChunk{StreamRef: ref, Transferred: f.Transferred, Total: f.Total}, nil

	case "statistics_updated":
		return session.StatisticsUpdated{StreamRef: ref, Statistics: stream.Statistics{
			RTT:              time.Duration(f.RTTMs) * time.Millisecond,
			Jitter:           time.Duration(f.JitterMs) * time.Millisecond,
			PacketsReceived:  f.RxPackets,
			PacketsLost:      f.RxLost,
			PacketsDiscarded: f.RxDiscarded,
			BytesReceived:    f.RxBytes,
			BytesSent:        f.TxBytes,
		}}, nil
	case "recording_changed":
		return session.RecordingChanged{Recording: f.Recording, Path: f.Path}, nil

	case "transfer_requested":
		return session.TransferRequested{Target: f.Target}, nil
	case "transfer_result":
		return session.TransferResult{Success: f.Success, Reason: f.Text}, nil
	}
	return nil, fmt.Errorf("unknown event %q", name)
}

// parseKinds разбирает список видов потоков
func parseKinds(names []string) ([]stream.Kind, error) {
	kinds := make([]stream.Kind, 0, len(names))
	for _, n := range names {
		k, err := stream.ParseKind(n)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

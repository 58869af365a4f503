package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/callcore/pkg/callerr"
	"github.com/arzzra/callcore/pkg/encryption"
	"github.com/arzzra/callcore/pkg/logging"
	"github.com/arzzra/callcore/pkg/metrics"
	"github.com/arzzra/callcore/pkg/progress"
	"github.com/arzzra/callcore/pkg/stream"
)

// fakeEngine записывает команды и может отклонить любую из них
type fakeEngine struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{fail: make(map[string]error)}
}

func (e *fakeEngine) record(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, op)
	return e.fail[op]
}

func (e *fakeEngine) failOn(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fail[op] = err
}

func (e *fakeEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *fakeEngine) Connect(ctx context.Context, req ConnectRequest) error {
	return e.record("connect")
}

func (e *fakeEngine) AddStream(ctx context.Context, sessionID string, spec StreamSpec) error {
	return e.record("add_stream:" + string(spec.Kind))
}

func (e *fakeEngine) RemoveStream(ctx context.Context, sessionID, streamID string) error {
	return e.record("remove_stream")
}

func (e *fakeEngine) Hold(ctx context.Context, sessionID string, hold bool) error {
	return e.record(fmt.Sprintf("hold:%t", hold))
}

func (e *fakeEngine) Transfer(ctx context.Context, sessionID, target string) error {
	return e.record("transfer:" + target)
}

func (e *fakeEngine) Terminate(ctx context.Context, sessionID string) error {
	return e.record("terminate")
}

func (e *fakeEngine) SendDTMF(ctx context.Context, sessionID, streamID, digits string) error {
	return e.record("dtmf:" + digits)
}

func (e *fakeEngine) StartRecording(ctx context.Context, sessionID, streamID, path string) error {
	return e.record("start_recording:" + path)
}

func (e *fakeEngine) StopRecording(ctx context.Context, sessionID, streamID string) error {
	return e.record("stop_recording")
}

// recorder собирает уведомления сессии
type recorder struct {
	items []Notification
}

func (r *recorder) notify(n Notification) {
	r.items = append(r.items, n)
}

func (r *recorder) statusTexts() []string {
	var out []string
	for _, n := range r.items {
		if sc, ok := n.(StatusChanged); ok {
			out = append(out, sc.Status.Text)
		}
	}
	return out
}

func (r *recorder) encryption() []EncryptionChanged {
	var out []EncryptionChanged
	for _, n := range r.items {
		if ec, ok := n.(EncryptionChanged); ok {
			out = append(out, ec)
		}
	}
	return out
}

func (r *recorder) transfers() []TransferInfo {
	var out []TransferInfo
	for _, n := range r.items {
		if tc, ok := n.(CallTransferChanged); ok {
			out = append(out, tc.Transfer)
		}
	}
	return out
}

func newTestSession(t *testing.T) (*Session, *fakeEngine, *recorder) {
	t.Helper()
	eng := newFakeEngine()
	rec := &recorder{}
	s, err := New(Options{
		ID:        "sess-1",
		RemoteURI: "sip:bob@example.com",
		Engine:    eng,
		Notify:    rec.notify,
		Logger:    logging.NoOpLogger{},
	})
	require.NoError(t, err)
	return s, eng, rec
}

var audio = StreamRef{Kind: stream.KindAudio}

// connect доводит исходящую сессию с аудио до connected
func connect(t *testing.T, s *Session) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Start(ctx, StreamOptions{Kind: stream.KindAudio}))
	require.NoError(t, s.HandleEvent(ctx, SessionStateChanged{State: StateConnecting}))
	require.NoError(t, s.HandleEvent(ctx, CodecNegotiated{StreamRef: audio, Codec: "PCMU 8kHz"}))
	require.Equal(t, StateConnected, s.State())
}

func TestNewRequiresEngine(t *testing.T) {
	_, err := New(Options{ID: "x"})
	assert.True(t, errors.Is(err, callerr.ErrInvalidArgument))
}

// TestSRTPScenario звонок с SRTP: статус показывает шифр после установления
func TestSRTPScenario(t *testing.T) {
	s, eng, rec := newTestSession(t)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, StreamOptions{Kind: stream.KindAudio}))
	require.NoError(t, s.HandleEvent(ctx, SessionStateChanged{State: StateConnecting}))
	require.NoError(t, s.HandleEvent(ctx, SessionStateChanged{State: StateRinging}))
	require.NoError(t, s.HandleEvent(ctx, EncryptionHandshakeStarted{StreamRef: audio, Method: encryption.MethodSRTP}))
	require.NoError(t, s.HandleEvent(ctx, EncryptionHandshakeSucceeded{
		StreamRef:       audio,
		Method:          encryption.MethodSRTP,
		Cipher:          "AES_CM_128_HMAC_SHA1_80",
		PeerFingerprint: "ignored",
	}))
	require.NoError(t, s.HandleEvent(ctx, CodecNegotiated{StreamRef: audio, Codec: "PCMU 8kHz"}))

	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, []string{"connect"}, eng.Calls())
	assert.Equal(t, []string{
		"Initializing...",
		"Connecting...",
		"Ringing...",
		"Media is encrypted using AES_CM_128_HMAC_SHA1_80",
	}, rec.statusTexts())

	enc := rec.encryption()
	require.Len(t, enc, 1)
	assert.Equal(t, stream.KindAudio, enc[0].Kind)
	require.NotNil(t, enc[0].Descriptor)
	assert.Equal(t, encryption.MethodSRTP, enc[0].Descriptor.Method)
	assert.Empty(t, enc[0].Descriptor.PeerFingerprint, "отпечаток хранится только для ZRTP/OTR")

	snap := s.Snapshot()
	require.Len(t, snap.Streams, 1)
	assert.Equal(t, "PCMU 8kHz", snap.Streams[0].Codec)
	assert.Equal(t, StatusEncrypted, snap.Status.Code)
	assert.False(t, snap.ConnectedAt.IsZero())
}

func TestSRTPCipherFromDTLSProfile(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()
	connect(t, s)

	require.NoError(t, s.HandleEvent(ctx, EncryptionHandshakeSucceeded{
		StreamRef:   audio,
		Method:      encryption.MethodSRTP,
		SRTPProfile: dtls.SRTP_AEAD_AES_128_GCM,
	}))
	snap := s.Snapshot()
	require.NotNil(t, snap.Streams[0].Encryption)
	assert.Equal(t, "AEAD_AES_128_GCM", snap.Streams[0].Encryption.Cipher)
	assert.Equal(t, "Media is encrypted using AEAD_AES_128_GCM", snap.Status.Text)

	// явно заданный шифр важнее профиля
	require.NoError(t, s.HandleEvent(ctx, EncryptionHandshakeSucceeded{
		StreamRef:   audio,
		Method:      encryption.MethodSRTP,
		Cipher:      "AES_CM_128_HMAC_SHA1_32",
		SRTPProfile: dtls.SRTP_AEAD_AES_128_GCM,
	}))
	assert.Equal(t, "AES_CM_128_HMAC_SHA1_32", s.Snapshot().Streams[0].Encryption.Cipher)
}

func TestStatusChangedOnlyOnChange(t *testing.T) {
	s, _, rec := newTestSession(t)
	connect(t, s)
	before := len(rec.statusTexts())

	// повторное событие того же состояния ничего не меняет
	require.NoError(t, s.HandleEvent(context.Background(), SessionStateChanged{State: StateConnected}))
	assert.Len(t, rec.statusTexts(), before)
}

func TestZRTPVerification(t *testing.T) {
	s, _, rec := newTestSession(t)
	ctx := context.Background()
	connect(t, s)

	require.NoError(t, s.HandleEvent(ctx, EncryptionHandshakeSucceeded{
		StreamRef: audio, Method: encryption.MethodZRTP, Cipher: "AES-256", PeerFingerprint: "ab:cd",
	}))
	assert.Equal(t, "Media is encrypted using ZRTP (AES-256)", s.Status().Text)

	require.NoError(t, s.HandleEvent(ctx, VerificationChanged{StreamRef: audio, Verified: true, PeerName: "Bob"}))
	assert.Equal(t, "Media is encrypted using ZRTP (AES-256), peer verified", s.Status().Text)

	enc := rec.encryption()
	require.Len(t, enc, 2)
	assert.True(t, enc[1].Descriptor.Verified)
	assert.Equal(t, "Bob", enc[1].Descriptor.PeerName)
	assert.Equal(t, "ab:cd", enc[1].Descriptor.PeerFingerprint)
}

func TestVerificationWithoutHandshakeRejected(t *testing.T) {
	s, _, _ := newTestSession(t)
	connect(t, s)

	err := s.HandleEvent(context.Background(), VerificationChanged{StreamRef: audio, Verified: true})
	assert.True(t, errors.Is(err, callerr.ErrNoHandshake))
	assert.Equal(t, "Media is not encrypted", s.Status().Text)
}

// TestTransferFailureKeepsSessionConnected неудачный перевод не завершает вызов
func TestTransferFailureKeepsSessionConnected(t *testing.T) {
	s, eng, rec := newTestSession(t)
	ctx := context.Background()
	connect(t, s)

	require.NoError(t, s.RequestTransfer(ctx, "sip:carol@example.com"))
	err := s.RequestTransfer(ctx, "sip:dave@example.com")
	assert.True(t, errors.Is(err, callerr.ErrTransferInProgress))

	require.NoError(t, s.HandleEvent(ctx, TransferResult{Success: false, Reason: "486 Busy Here"}))

	assert.Equal(t, StateConnected, s.State())
	assert.Contains(t, eng.Calls(), "transfer:sip:carol@example.com")

	transfers := rec.transfers()
	require.Len(t, transfers, 2)
	assert.Equal(t, TransferTrying, transfers[0].State)
	assert.Equal(t, TransferByLocal, transfers[0].Initiator)
	assert.Equal(t, TransferFailed, transfers[1].State)
	assert.Equal(t, "486 Busy Here", transfers[1].Reason)

	// после неудачи можно пробовать снова
	require.NoError(t, s.RequestTransfer(ctx, "sip:dave@example.com"))
	assert.Equal(t, TransferTrying, s.Snapshot().Transfer.State)
}

func TestTransferEngineRejection(t *testing.T) {
	s, eng, rec := newTestSession(t)
	connect(t, s)
	eng.failOn("transfer:sip:x@example.com", errors.New("no route"))

	err := s.RequestTransfer(context.Background(), "sip:x@example.com")
	assert.True(t, errors.Is(err, callerr.ErrEngine))
	assert.Equal(t, TransferNone, s.Snapshot().Transfer.State)
	assert.Empty(t, rec.transfers())
}

func TestRemoteTransferRequest(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()
	connect(t, s)

	require.NoError(t, s.HandleEvent(ctx, TransferRequested{Target: "sip:carol@example.com"}))
	tr := s.Snapshot().Transfer
	assert.Equal(t, TransferTrying, tr.State)
	assert.Equal(t, TransferByRemote, tr.Initiator)

	require.NoError(t, s.HandleEvent(ctx, TransferResult{Success: true}))
	assert.Equal(t, TransferSucceeded, s.Snapshot().Transfer.State)
	assert.Equal(t, StateConnected, s.State())
}

// TestHangupRacingTransferResult результат перевода после Hangup поглощается
func TestHangupRacingTransferResult(t *testing.T) {
	s, eng, rec := newTestSession(t)
	ctx := context.Background()
	connect(t, s)

	require.NoError(t, s.RequestTransfer(ctx, "sip:carol@example.com"))
	require.NoError(t, s.Hangup(ctx))
	assert.Equal(t, StateEnding, s.State())

	require.NoError(t, s.HandleEvent(ctx, TransferResult{Success: true}))
	assert.Equal(t, StateEnding, s.State())
	assert.Len(t, rec.transfers(), 1, "результат после Hangup не меняет перевод")

	// повторный Hangup в ending ничего не делает
	require.NoError(t, s.Hangup(ctx))

	require.NoError(t, s.HandleEvent(ctx, SessionStateChanged{State: StateEnded}))
	assert.Equal(t, StateEnded, s.State())
	assert.Equal(t, "Call ended", s.Status().Text)
	assert.Equal(t, callerr.ReasonLocalHangup, s.Snapshot().EndReason.Code)

	require.NoError(t, s.HandleEvent(ctx, TransferResult{Success: true}))
	assert.Equal(t, StateEnded, s.State())

	err := s.Hangup(ctx)
	assert.True(t, errors.Is(err, callerr.ErrInvalidTransition))

	terminates := 0
	for _, c := range eng.Calls() {
		if c == "terminate" {
			terminates++
		}
	}
	assert.Equal(t, 1, terminates)
}

func TestHangupWithoutEngineLegCancels(t *testing.T) {
	s, eng, _ := newTestSession(t)

	require.NoError(t, s.Hangup(context.Background()))
	assert.Equal(t, StateEnded, s.State())
	assert.Equal(t, "Call cancelled", s.Status().Text)
	assert.Empty(t, eng.Calls())
}

func TestHangupDuringRingingIsCancel(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx, StreamOptions{Kind: stream.KindAudio}))
	require.NoError(t, s.HandleEvent(ctx, SessionStateChanged{State: StateRinging}))

	require.NoError(t, s.Hangup(ctx))
	require.NoError(t, s.HandleEvent(ctx, SessionStateChanged{State: StateEnded}))
	assert.Equal(t, callerr.ReasonCancelled, s.Snapshot().EndReason.Code)
}

func TestTerminateFailureFailsSession(t *testing.T) {
	s, eng, _ := newTestSession(t)
	connect(t, s)
	eng.failOn("terminate", errors.New("transport closed"))

	err := s.Hangup(context.Background())
	assert.True(t, errors.Is(err, callerr.ErrEngine))
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, callerr.ReasonEngineError, s.Snapshot().EndReason.Code)
}

func TestConnectRejectionFailsSession(t *testing.T) {
	s, eng, _ := newTestSession(t)
	eng.failOn("connect", errors.New("no transport"))

	err := s.Start(context.Background(), StreamOptions{Kind: stream.KindAudio})
	assert.True(t, errors.Is(err, callerr.ErrEngine))
	assert.Equal(t, StateFailed, s.State())
	assert.Empty(t, s.Snapshot().Streams)
}

func TestRemoteHangupReason(t *testing.T) {
	s, _, _ := newTestSession(t)
	connect(t, s)

	require.NoError(t, s.HandleEvent(context.Background(), SessionStateChanged{State: StateEnded}))
	assert.Equal(t, "Call ended by remote", s.Status().Text)
}

func TestFailedWithEngineReason(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx, StreamOptions{Kind: stream.KindAudio}))

	require.NoError(t, s.HandleEvent(ctx, SessionStateChanged{
		State:  StateFailed,
		Reason: callerr.Reason{Code: callerr.ReasonDNSFailure},
	}))
	st := s.Status()
	assert.Equal(t, StatusCode("dns_failure"), st.Code)
	assert.Equal(t, "DNS lookup failed", st.Text)
}

func TestBackwardStateRejected(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx, StreamOptions{Kind: stream.KindAudio}))
	require.NoError(t, s.HandleEvent(ctx, SessionStateChanged{State: StateRinging}))

	err := s.HandleEvent(ctx, SessionStateChanged{State: StateConnecting})
	assert.True(t, errors.Is(err, callerr.ErrInvalidTransition))
	assert.Equal(t, StateRinging, s.State())
}

func TestAddStreamRules(t *testing.T) {
	s, eng, _ := newTestSession(t)
	ctx := context.Background()

	// в initializing можно добавить только первый поток
	id, err := s.AddStream(ctx, StreamOptions{Kind: stream.KindAudio})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	_, err = s.AddStream(ctx, StreamOptions{Kind: stream.KindChat})
	assert.True(t, errors.Is(err, callerr.ErrInvalidTransition))
	assert.Empty(t, eng.Calls(), "без вызова движку не сообщаем")

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.HandleEvent(ctx, CodecNegotiated{StreamRef: audio, Codec: "opus 48kHz"}))
	require.Equal(t, StateConnected, s.State())

	_, err = s.AddStream(ctx, StreamOptions{Kind: stream.KindAudio})
	assert.True(t, errors.Is(err, callerr.ErrDuplicateStream))

	_, err = s.AddStream(ctx, StreamOptions{Kind: "fax"})
	assert.True(t, errors.Is(err, callerr.ErrInvalidArgument))

	chatID, err := s.AddStream(ctx, StreamOptions{Kind: stream.KindChat})
	require.NoError(t, err)
	assert.Contains(t, eng.Calls(), "add_stream:chat")

	// отказ движка откатывает добавление
	eng.failOn("add_stream:video", errors.New("no camera"))
	_, err = s.AddStream(ctx, StreamOptions{Kind: stream.KindVideo})
	assert.True(t, errors.Is(err, callerr.ErrEngine))

	snap := s.Snapshot()
	require.Len(t, snap.Streams, 2)
	assert.Equal(t, stream.KindAudio, snap.Streams[0].Kind)
	assert.Equal(t, chatID, snap.Streams[1].ID)
}

func TestStartTwiceRejected(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx, StreamOptions{Kind: stream.KindAudio}))
	err := s.Start(ctx)
	assert.True(t, errors.Is(err, callerr.ErrInvalidTransition))
}

func TestStartWithDuplicateKindsChangesNothing(t *testing.T) {
	s, eng, _ := newTestSession(t)
	ctx := context.Background()

	err := s.Start(ctx, StreamOptions{Kind: stream.KindAudio}, StreamOptions{Kind: stream.KindAudio})
	assert.True(t, errors.Is(err, callerr.ErrDuplicateStream))
	err = s.Start(ctx, StreamOptions{Kind: stream.KindVideo}, StreamOptions{Kind: "hologram"})
	assert.True(t, errors.Is(err, callerr.ErrInvalidArgument))

	assert.Empty(t, s.Snapshot().Streams)
	assert.Empty(t, eng.Calls())
	assert.Equal(t, StateInitializing, s.State())

	require.NoError(t, s.Start(ctx, StreamOptions{Kind: stream.KindAudio}))
	assert.Equal(t, []string{"connect"}, eng.Calls())
}

func TestRemoveLastStreamHangsUp(t *testing.T) {
	s, eng, _ := newTestSession(t)
	ctx := context.Background()
	connect(t, s)

	id := s.Snapshot().Streams[0].ID
	require.NoError(t, s.RemoveStream(ctx, id))
	assert.Equal(t, StateEnding, s.State())
	assert.Contains(t, eng.Calls(), "terminate")
	assert.NotContains(t, eng.Calls(), "remove_stream")
}

func TestRemoveStreamKeepsSession(t *testing.T) {
	s, eng, _ := newTestSession(t)
	ctx := context.Background()
	connect(t, s)

	chatID, err := s.AddStream(ctx, StreamOptions{Kind: stream.KindChat})
	require.NoError(t, err)
	require.NoError(t, s.RemoveStream(ctx, chatID))
	assert.Equal(t, StateConnected, s.State())
	assert.Contains(t, eng.Calls(), "remove_stream")

	// событие движка об уже удалённом потоке поглощается
	require.NoError(t, s.HandleEvent(ctx, StreamRemoved{StreamRef{StreamID: chatID}}))

	err = s.RemoveStream(ctx, "missing")
	assert.True(t, errors.Is(err, callerr.ErrStreamNotFound))
}

func TestEngineStreamRemovedDoesNotEndSession(t *testing.T) {
	s, _, _ := newTestSession(t)
	connect(t, s)

	require.NoError(t, s.HandleEvent(context.Background(), StreamRemoved{audio}))
	assert.Equal(t, StateConnected, s.State())
	assert.Empty(t, s.Snapshot().Streams)
	assert.Equal(t, "Connected", s.Status().Text)
}

func TestRefusedStreamStatus(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()
	connect(t, s)

	require.NoError(t, s.HandleEvent(ctx, StreamRemoved{audio}))
	require.NoError(t, s.HandleEvent(ctx, StreamAdded{StreamRef: StreamRef{StreamID: "v1", Kind: stream.KindVideo}}))
	require.NoError(t, s.HandleEvent(ctx, StreamRefused{StreamRef: StreamRef{StreamID: "v1"}, Reason: "488"}))
	assert.Equal(t, "Video refused", s.Status().Text)

	snap := s.Snapshot()
	require.Len(t, snap.Streams, 1)
	assert.True(t, snap.Streams[0].Refused())
	assert.Equal(t, "488", snap.Streams[0].RefuseReason)
}

func TestStreamAddedReplacesSameKind(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()
	connect(t, s)

	require.NoError(t, s.HandleEvent(ctx, StreamAdded{StreamRef: StreamRef{StreamID: "a2", Kind: stream.KindAudio}}))
	snap := s.Snapshot()
	require.Len(t, snap.Streams, 1)
	assert.Equal(t, "a2", snap.Streams[0].ID)
	assert.Equal(t, stream.StateNegotiating, snap.Streams[0].State)
}

func TestHold(t *testing.T) {
	s, eng, _ := newTestSession(t)
	ctx := context.Background()

	err := s.SetHold(ctx, true)
	assert.True(t, errors.Is(err, callerr.ErrInvalidTransition))

	connect(t, s)
	require.NoError(t, s.SetHold(ctx, true))
	assert.Equal(t, "On hold", s.Status().Text)
	require.NoError(t, s.SetHold(ctx, true))
	assert.Equal(t, []string{"connect", "hold:true"}, eng.Calls())

	require.NoError(t, s.HandleEvent(ctx, HoldChanged{Party: HoldRemote, Hold: true}))
	assert.Equal(t, "On hold", s.Status().Text, "локальное удержание важнее")

	require.NoError(t, s.SetHold(ctx, false))
	assert.Equal(t, "Hold by remote", s.Status().Text)
	assert.True(t, s.Snapshot().Streams[0].RemoteHold)

	require.NoError(t, s.HandleEvent(ctx, SessionStateChanged{State: StateEnded}))
	snap := s.Snapshot()
	assert.False(t, snap.LocalHold)
	assert.False(t, snap.RemoteHold)
}

func TestConferenceJoinUnholds(t *testing.T) {
	s, eng, _ := newTestSession(t)
	ctx := context.Background()
	connect(t, s)
	require.NoError(t, s.SetHold(ctx, true))

	require.NoError(t, s.JoinConference(ctx, "g1"))
	assert.Equal(t, "g1", s.Conference())
	assert.False(t, s.Snapshot().LocalHold)
	assert.Contains(t, eng.Calls(), "hold:false")

	require.NoError(t, s.JoinConference(ctx, "g1"))
	err := s.JoinConference(ctx, "g2")
	assert.True(t, errors.Is(err, callerr.ErrAlreadyInConference))

	require.NoError(t, s.LeaveConference(ctx))
	require.NoError(t, s.LeaveConference(ctx))
	assert.Empty(t, s.Conference())
	assert.Equal(t, StateConnected, s.State())
}

func TestJoinConferenceTerminalRejected(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, s.Hangup(ctx))

	err := s.JoinConference(ctx, "g1")
	assert.True(t, errors.Is(err, callerr.ErrInvalidTransition))
}

// TestFileTransferThroughSession фазы и байты передачи файла через события
func TestFileTransferThroughSession(t *testing.T) {
	eng := newFakeEngine()
	rec := &recorder{}
	collector := metrics.New(metrics.Config{Enabled: true, Namespace: "test", Subsystem: "session"})
	s, err := New(Options{ID: "ft", Engine: eng, Notify: rec.notify, Logger: logging.NoOpLogger{}, Metrics: collector})
	require.NoError(t, err)
	ctx := context.Background()

	id, err := s.AddStream(ctx, StreamOptions{Kind: stream.KindFileTransfer, TotalBytes: 1000})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	ref := StreamRef{StreamID: id}

	require.NoError(t, s.HandleEvent(ctx, TransferPhaseChanged{StreamRef: ref, Phase: progress.PhaseHashing}))
	require.NoError(t, s.HandleEvent(ctx, TransferChunk{StreamRef: ref, Transferred: 600}))
	require.NoError(t, s.HandleEvent(ctx, TransferPhaseChanged{StreamRef: ref, Phase: progress.PhaseTransferring}))
	require.NoError(t, s.HandleEvent(ctx, TransferChunk{StreamRef: ref, Transferred: 250}))

	err = s.HandleEvent(ctx, TransferChunk{StreamRef: ref, Transferred: 100})
	assert.True(t, errors.Is(err, callerr.ErrNonMonotonic))
	err = s.HandleEvent(ctx, TransferPhaseChanged{StreamRef: ref, Phase: progress.PhaseHashing})
	assert.True(t, errors.Is(err, callerr.ErrBackwardPhase))

	require.NoError(t, s.HandleEvent(ctx, TransferPhaseChanged{StreamRef: ref, Phase: progress.PhaseCompleted}))

	var last progress.Snapshot
	count := 0
	for _, n := range rec.items {
		if pc, ok := n.(ProgressChanged); ok {
			last = pc.Progress
			count++
		}
	}
	assert.Equal(t, 5, count)
	assert.Equal(t, progress.PhaseCompleted, last.Phase)
	assert.Equal(t, 100, last.Percent)
	assert.Equal(t, int64(1000), last.Transferred)

	// 600 при хешировании и 250 при передаче; завершение байты не считает
	assert.Equal(t, int64(850), collector.Stats().TransferBytes)

	err = s.HandleEvent(ctx, TransferChunk{StreamRef: audio, Transferred: 1})
	assert.True(t, errors.Is(err, callerr.ErrStreamNotFound))
}

func TestLateEventsAbsorbed(t *testing.T) {
	collector := metrics.New(metrics.Config{Enabled: true, Namespace: "test", Subsystem: "late"})
	s, err := New(Options{ID: "late", Engine: newFakeEngine(), Logger: logging.NoOpLogger{}, Metrics: collector})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Hangup(ctx))

	events := []Event{
		SessionStateChanged{State: StateConnected},
		StreamAdded{StreamRef: audio},
		CodecNegotiated{StreamRef: audio, Codec: "PCMU"},
		HoldChanged{Party: HoldRemote, Hold: true},
		TransferResult{Success: true},
	}
	for _, ev := range events {
		require.NoError(t, s.HandleEvent(ctx, ev), ev.EventName())
	}
	assert.Equal(t, StateEnded, s.State())
	assert.Equal(t, int64(len(events)), collector.Stats().LateEvents)
}

func TestCodecFromSDP(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx, StreamOptions{Kind: stream.KindAudio}))

	offer := "v=0\r\n" +
		"o=- 1 1 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 127.0.0.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 4000 RTP/AVP 111\r\n" +
		"a=rtpmap:111 opus/48000/2\r\n"
	require.NoError(t, s.HandleEvent(ctx, CodecNegotiated{StreamRef: audio, SDP: []byte(offer)}))
	assert.Equal(t, "opus 48kHz", s.Snapshot().Streams[0].Codec)

	err := s.HandleEvent(ctx, CodecNegotiated{StreamRef: StreamRef{StreamID: "nope"}, Codec: "x"})
	assert.True(t, errors.Is(err, callerr.ErrStreamNotFound))
}

func TestAttachIncoming(t *testing.T) {
	eng := newFakeEngine()
	s, err := New(Options{ID: "in", Direction: DirectionIncoming, Engine: eng, Logger: logging.NoOpLogger{}})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Attach(StreamSpec{ID: "a1", Kind: stream.KindAudio}, StreamSpec{ID: "v1", Kind: stream.KindVideo}))
	require.NoError(t, s.HandleEvent(ctx, CodecNegotiated{StreamRef: StreamRef{StreamID: "v1"}, Codec: "H264 90kHz"}))

	snap := s.Snapshot()
	assert.Equal(t, DirectionIncoming, snap.Direction)
	assert.Equal(t, StateConnected, snap.State)
	require.Len(t, snap.Streams, 2)
	assert.Equal(t, "a1", snap.Streams[0].ID)

	require.NoError(t, s.Hangup(ctx))
	assert.Equal(t, []string{"terminate"}, eng.Calls())
}

func TestHistoryAndDuration(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s, err := New(Options{ID: "h", Engine: newFakeEngine(), Logger: logging.NoOpLogger{}, Now: clock, HistorySize: 3})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, StreamOptions{Kind: stream.KindAudio}))
	for _, st := range []State{StateDNSLookup, StateConnecting, StateRinging} {
		require.NoError(t, s.HandleEvent(ctx, SessionStateChanged{State: st}))
	}
	require.NoError(t, s.HandleEvent(ctx, CodecNegotiated{StreamRef: audio, Codec: "PCMU"}))
	now = now.Add(90 * time.Second)
	require.NoError(t, s.HandleEvent(ctx, SessionStateChanged{State: StateEnded}))

	snap := s.Snapshot()
	require.Len(t, snap.History, 3)
	assert.Equal(t, StateRinging, snap.History[0].To)
	assert.Equal(t, StateConnected, snap.History[1].To)
	assert.Equal(t, "media_started", snap.History[1].Reason)
	assert.Equal(t, StateEnded, snap.History[2].To)
	assert.Equal(t, 90*time.Second, snap.Duration)
}

func TestSendDTMF(t *testing.T) {
	s, eng, _ := newTestSession(t)
	ctx := context.Background()

	err := s.SendDTMF(ctx, "1")
	assert.True(t, errors.Is(err, callerr.ErrInvalidTransition))

	connect(t, s)
	require.NoError(t, s.SendDTMF(ctx, "12*#a"))

	for _, bad := range []string{"", "9x", "11 2"} {
		err = s.SendDTMF(ctx, bad)
		assert.True(t, errors.Is(err, callerr.ErrInvalidArgument), bad)
	}

	eng.failOn("dtmf:0", errors.New("no audio device"))
	err = s.SendDTMF(ctx, "0")
	assert.True(t, errors.Is(err, callerr.ErrEngine))
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, []string{"connect", "dtmf:12*#A", "dtmf:0"}, eng.Calls())

	_, err = s.AddStream(ctx, StreamOptions{Kind: stream.KindVideo})
	require.NoError(t, err)
	require.NoError(t, s.RemoveStream(ctx, s.Snapshot().Streams[0].ID))
	err = s.SendDTMF(ctx, "5")
	assert.True(t, errors.Is(err, callerr.ErrStreamNotFound))
}

func recordingChanges(r *recorder) []RecordingStateChanged {
	var out []RecordingStateChanged
	for _, n := range r.items {
		if rc, ok := n.(RecordingStateChanged); ok {
			out = append(out, rc)
		}
	}
	return out
}

func TestRecording(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	eng := newFakeEngine()
	rec := &recorder{}
	s, err := New(Options{
		ID:            "rec",
		RemoteURI:     "sip:bob@example.com",
		Engine:        eng,
		Notify:        rec.notify,
		Logger:        logging.NoOpLogger{},
		Now:           func() time.Time { return now },
		RecordingsDir: "recordings",
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.StartRecording(ctx)
	assert.True(t, errors.Is(err, callerr.ErrStreamNotFound))

	connect(t, s)
	path, err := s.StartRecording(ctx)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("recordings", "20260304-050607-bob@example.com-outgoing.wav"), path)
	assert.False(t, s.Recording(), "запись подтверждает движок")

	require.NoError(t, s.HandleEvent(ctx, RecordingChanged{Recording: true, Path: path}))
	snap := s.Snapshot()
	assert.True(t, snap.Recording)
	assert.Equal(t, path, snap.RecordingPath)

	// повторный запуск не доходит до движка
	again, err := s.StartRecording(ctx)
	require.NoError(t, err)
	assert.Equal(t, path, again)

	require.NoError(t, s.StopRecording(ctx))
	require.NoError(t, s.HandleEvent(ctx, RecordingChanged{Recording: false}))
	assert.False(t, s.Recording())

	// завершение вызова останавливает запись
	require.NoError(t, s.HandleEvent(ctx, RecordingChanged{Recording: true}))
	require.NoError(t, s.Hangup(ctx))
	require.NoError(t, s.HandleEvent(ctx, SessionStateChanged{State: StateEnded}))
	assert.False(t, s.Snapshot().Recording)

	assert.Equal(t, []string{"connect", "start_recording:" + path, "stop_recording", "terminate"}, eng.Calls())
	assert.Equal(t, []RecordingStateChanged{
		{SessionID: "rec", Recording: true, Path: path},
		{SessionID: "rec", Recording: false, Path: path},
		{SessionID: "rec", Recording: true, Path: path},
		{SessionID: "rec", Recording: false, Path: path},
	}, recordingChanges(rec))

	err = s.StopRecording(ctx)
	assert.True(t, errors.Is(err, callerr.ErrInvalidTransition))
}

func TestRecordingStopsWithAudioStream(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()
	connect(t, s)

	require.NoError(t, s.HandleEvent(ctx, RecordingChanged{Recording: true, Path: "call.wav"}))
	require.True(t, s.Recording())

	require.NoError(t, s.HandleEvent(ctx, StreamAdded{StreamRef: StreamRef{StreamID: "v", Kind: stream.KindVideo}}))
	require.NoError(t, s.HandleEvent(ctx, StreamRemoved{StreamRef: audio}))
	assert.False(t, s.Recording())
	assert.Equal(t, StateConnected, s.State())
}

func TestStatisticsThroughSession(t *testing.T) {
	s, _, rec := newTestSession(t)
	ctx := context.Background()
	connect(t, s)
	before := len(rec.items)

	require.NoError(t, s.HandleEvent(ctx, StatisticsUpdated{
		StreamRef:  audio,
		Statistics: stream.Statistics{RTT: 80 * time.Millisecond, PacketsReceived: 50, BytesReceived: 4000},
	}))
	snap := s.Snapshot()
	require.NotNil(t, snap.Streams[0].Statistics)
	assert.Equal(t, 40*time.Millisecond, snap.Streams[0].Statistics.Latency)
	assert.Equal(t, int64(4000), snap.Streams[0].Statistics.BytesReceived)
	assert.Len(t, rec.items, before, "статистика не меняет статус")

	_, err := s.AddStream(ctx, StreamOptions{Kind: stream.KindChat})
	require.NoError(t, err)
	err = s.HandleEvent(ctx, StatisticsUpdated{StreamRef: StreamRef{Kind: stream.KindChat}})
	assert.True(t, errors.Is(err, callerr.ErrNotRTPStream))
}

func TestRecordingPeer(t *testing.T) {
	assert.Equal(t, "bob@example.com", recordingPeer("sip:bob@example.com:5061"))
	assert.Equal(t, "example.com", recordingPeer("sip:example.com"))
}

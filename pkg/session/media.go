package session

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/callcore/pkg/callerr"
	"github.com/arzzra/callcore/pkg/logging"
	"github.com/arzzra/callcore/pkg/stream"
)

// DTMFDigits символы, которые можно передать через SendDTMF
const DTMFDigits = "0123456789*#ABCD"

// SendDTMF передаёт цифры DTMF в активный аудио поток установленного вызова
func (s *Session) SendDTMF(ctx context.Context, digits string) error {
	defer s.flush()

	if st := s.State(); st != StateConnected {
		return callerr.InvalidTransition(s.id, st.String(), "send_dtmf")
	}
	digits = strings.ToUpper(digits)
	if digits == "" {
		return callerr.InvalidArgument("digits", "no DTMF digits")
	}
	for _, d := range digits {
		if !strings.ContainsRune(DTMFDigits, d) {
			return callerr.InvalidArgument("digits", fmt.Sprintf("invalid DTMF digit %q", d))
		}
	}

	audio := s.liveByKind(stream.KindAudio)
	if audio == nil || audio.State() != stream.StateActive {
		return callerr.StreamNotFound(s.id, string(stream.KindAudio))
	}
	if err := s.engine.SendDTMF(ctx, s.id, audio.ID(), digits); err != nil {
		return callerr.Engine(s.id, "send_dtmf", err)
	}
	s.logger.Debug(ctx, "dtmf sent", logging.String("digits", digits))
	return nil
}

// Recording идёт ли запись аудио потока
func (s *Session) Recording() bool {
	return s.recording && s.liveByKind(stream.KindAudio) != nil
}

// StartRecording просит движок записывать аудио поток и возвращает путь
// к файлу. Запись считается начатой после события RecordingChanged.
// Разрешено и до установления вызова.
func (s *Session) StartRecording(ctx context.Context) (string, error) {
	defer s.flush()

	if st := s.State(); st.IsTerminal() || st == StateEnding {
		return "", callerr.InvalidTransition(s.id, st.String(), "start_recording")
	}
	audio := s.liveByKind(stream.KindAudio)
	if audio == nil {
		return "", callerr.StreamNotFound(s.id, string(stream.KindAudio))
	}
	if s.Recording() {
		return s.recordingPath, nil
	}

	path := s.recordingFile()
	if err := s.engine.StartRecording(ctx, s.id, audio.ID(), path); err != nil {
		return "", callerr.Engine(s.id, "start_recording", err)
	}
	return path, nil
}

// StopRecording просит движок остановить запись аудио потока
func (s *Session) StopRecording(ctx context.Context) error {
	defer s.flush()

	if st := s.State(); st.IsTerminal() {
		return callerr.InvalidTransition(s.id, st.String(), "stop_recording")
	}
	audio := s.liveByKind(stream.KindAudio)
	if audio == nil {
		return callerr.StreamNotFound(s.id, string(stream.KindAudio))
	}
	if err := s.engine.StopRecording(ctx, s.id, audio.ID()); err != nil {
		return callerr.Engine(s.id, "stop_recording", err)
	}
	return nil
}

// recordingFile имя файла записи: время, собеседник и направление
func (s *Session) recordingFile() string {
	name := fmt.Sprintf("%s-%s-%s.wav", s.now().Format("20060102-150405"), recordingPeer(s.remoteURI), s.direction)
	return filepath.Join(s.recordingsDir, name)
}

func recordingPeer(remoteURI string) string {
	peer := remoteURI
	var uri sip.Uri
	if err := sip.ParseUri(remoteURI, &uri); err == nil && uri.Host != "" {
		peer = uri.Host
		if uri.User != "" {
			peer = uri.User + "@" + uri.Host
		}
	}
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' {
			return '_'
		}
		return r
	}, peer)
}

func (s *Session) onRecordingChanged(ctx context.Context, e RecordingChanged) error {
	if e.Recording && s.liveByKind(stream.KindAudio) == nil {
		s.absorb(ctx, e.EventName(), "no audio stream")
		return nil
	}
	s.setRecording(e.Recording, e.Path)
	return nil
}

func (s *Session) setRecording(recording bool, path string) {
	if s.recording == recording && (path == "" || path == s.recordingPath) {
		return
	}
	s.recording = recording
	if path != "" {
		s.recordingPath = path
	}
	s.pending = append(s.pending, RecordingStateChanged{
		SessionID: s.id,
		Recording: recording,
		Path:      s.recordingPath,
	})
}

func (s *Session) onStatistics(ctx context.Context, e StatisticsUpdated) error {
	if s.State() == StateEnding {
		s.absorb(ctx, e.EventName(), "session ending")
		return nil
	}
	return s.withStream(e.StreamRef, func(c *stream.Controller) error {
		_, err := c.ApplyStatistics(e.Statistics)
		return err
	})
}

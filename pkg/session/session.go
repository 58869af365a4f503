package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/arzzra/callcore/pkg/callerr"
	"github.com/arzzra/callcore/pkg/encryption"
	"github.com/arzzra/callcore/pkg/logging"
	"github.com/arzzra/callcore/pkg/metrics"
	"github.com/arzzra/callcore/pkg/progress"
	"github.com/arzzra/callcore/pkg/stream"
)

// Direction кто инициировал сессию
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Options параметры создания сессии
type Options struct {
	ID          string
	RemoteURI   string
	DisplayName string
	Direction   Direction

	Engine  Engine
	Notify  NotifyFunc
	Logger  logging.StructuredLogger
	Metrics *metrics.Collector

	// HistorySize сколько переходов хранить, 0 означает DefaultHistorySize
	HistorySize int

	// RecordingsDir каталог для файлов записи разговора
	RecordingsDir string

	// Now источник времени, по умолчанию time.Now
	Now func() time.Time
}

// StreamOptions параметры добавляемого потока
type StreamOptions struct {
	Kind       stream.Kind
	Plain      bool
	TotalBytes int64
}

// StreamOption настраивает StreamOptions
type StreamOption func(*StreamOptions)

// WithPlain поток без шифрования
func WithPlain() StreamOption {
	return func(o *StreamOptions) { o.Plain = true }
}

// WithTotalBytes размер передаваемого файла
func WithTotalBytes(n int64) StreamOption {
	return func(o *StreamOptions) { o.TotalBytes = n }
}

// Session машина состояний одного вызова с собеседником.
//
// Session не потокобезопасна: все вызовы выполняются из очереди Actor,
// который сериализует команды пользователя и события движка.
type Session struct {
	id          string
	remoteURI   string
	displayName string
	direction   Direction

	engine  Engine
	notify  NotifyFunc
	logger  logging.StructuredLogger
	metrics *metrics.Collector
	now     func() time.Time

	machine  *fsm.FSM
	history  *history
	streams  []*stream.Controller // порядок отображения
	enc      *encryption.Tracker
	prog     *progress.Tracker
	transfer *callTransfer

	localHold   bool
	remoteHold  bool
	conference  string
	engineLeg   bool
	localHangup bool
	endReason   callerr.Reason

	recordingsDir string
	recording     bool
	recordingPath string

	createdAt   time.Time
	connectedAt time.Time
	endedAt     time.Time

	pending    []Notification
	lastStatus Status
}

// New создает сессию в состоянии initializing
func New(opts Options) (*Session, error) {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Engine == nil {
		return nil, callerr.InvalidArgument("engine", "engine is required")
	}
	if opts.Direction == "" {
		opts.Direction = DirectionOutgoing
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Notify == nil {
		opts.Notify = func(Notification) {}
	}

	s := &Session{
		id:          opts.ID,
		remoteURI:   opts.RemoteURI,
		displayName: opts.DisplayName,
		direction:   opts.Direction,
		engine:      opts.Engine,
		notify:      opts.Notify,
		metrics:     opts.Metrics,
		now:         opts.Now,
		history:     newHistory(opts.HistorySize),
		transfer:    newCallTransfer(),
		logger:      logging.OrDefault(opts.Logger).WithComponent("session").WithSession(opts.ID, opts.RemoteURI),

		recordingsDir: opts.RecordingsDir,
	}
	s.createdAt = s.now()
	s.enc = encryption.NewTracker(s.logger, s.onEncryptionChange)
	s.prog = progress.NewTracker(s.logger, s.onProgress)
	s.machine = fsm.NewFSM(
		string(StateInitializing),
		stateEvents(),
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				s.recordTransition(e)
			},
		},
	)

	s.metrics.SessionStarted(string(s.direction))
	return s, nil
}

// ID идентификатор сессии (неизменяем, безопасен вне очереди)
func (s *Session) ID() string {
	return s.id
}

// State текущее состояние
func (s *Session) State() State {
	return State(s.machine.Current())
}

// Conference группа конференции или пустая строка
func (s *Session) Conference() string {
	return s.conference
}

// Status текущий статус, вычисленный из состояния сессии
func (s *Session) Status() Status {
	return ComputeStatus(s.statusInput())
}

// Start начинает исходящий вызов с начальными потоками
func (s *Session) Start(ctx context.Context, streams ...StreamOptions) error {
	defer s.flush()

	if s.State() != StateInitializing || s.engineLeg {
		return callerr.InvalidTransition(s.id, s.State().String(), "start")
	}
	kinds := make([]stream.Kind, 0, len(streams))
	for _, opts := range streams {
		kinds = append(kinds, opts.Kind)
	}
	if err := s.checkNewKinds(kinds); err != nil {
		return err
	}
	for _, opts := range streams {
		if _, err := s.addController(opts, ""); err != nil {
			return err
		}
	}
	// потоки, добавленные до начала вызова, тоже уходят в запрос
	specs := make([]StreamSpec, 0, len(s.streams))
	for _, c := range s.streams {
		specs = append(specs, StreamSpec{ID: c.ID(), Kind: c.Kind()})
	}

	err := s.engine.Connect(ctx, ConnectRequest{
		SessionID:   s.id,
		RemoteURI:   s.remoteURI,
		DisplayName: s.displayName,
		Streams:     specs,
	})
	if err != nil {
		s.endReason = callerr.Reason{Code: callerr.ReasonEngineError, Text: "Call failed"}
		_ = s.fire(ctx, StateFailed, "connect_rejected")
		return callerr.Engine(s.id, "connect", err)
	}
	s.engineLeg = true
	return nil
}

// Attach регистрирует потоки входящего вызова, который движок уже ведёт
func (s *Session) Attach(streams ...StreamSpec) error {
	defer s.flush()

	if s.State() != StateInitializing || s.engineLeg {
		return callerr.InvalidTransition(s.id, s.State().String(), "attach")
	}
	kinds := make([]stream.Kind, 0, len(streams))
	for _, spec := range streams {
		kinds = append(kinds, spec.Kind)
	}
	if err := s.checkNewKinds(kinds); err != nil {
		return err
	}
	s.engineLeg = true
	for _, spec := range streams {
		if _, err := s.addController(StreamOptions{Kind: spec.Kind}, spec.ID); err != nil {
			return err
		}
	}
	return nil
}

// AddStream добавляет поток. Разрешено в connected, а в initializing
// только для первого потока.
func (s *Session) AddStream(ctx context.Context, opts StreamOptions) (string, error) {
	defer s.flush()

	st := s.State()
	if st != StateConnected && !(st == StateInitializing && s.liveCount() == 0) {
		return "", callerr.InvalidTransition(s.id, st.String(), "add_stream")
	}
	if !opts.Kind.Valid() {
		return "", callerr.InvalidArgument("kind", string(opts.Kind))
	}

	c, err := s.addController(opts, "")
	if err != nil {
		return "", err
	}
	if s.engineLeg {
		if err := s.engine.AddStream(ctx, s.id, StreamSpec{ID: c.ID(), Kind: c.Kind()}); err != nil {
			_ = c.Remove()
			s.dropStream(c)
			return "", callerr.Engine(s.id, "add_stream", err)
		}
	}
	return c.ID(), nil
}

// RemoveStream удаляет поток из модели сразу, не дожидаясь движка.
// Удаление пользователем последнего живого потока означает завершение вызова.
func (s *Session) RemoveStream(ctx context.Context, streamID string) error {
	defer s.flush()

	st := s.State()
	if st.IsTerminal() || st == StateEnding {
		return callerr.InvalidTransition(s.id, st.String(), "remove_stream")
	}
	c := s.streamByID(streamID)
	if c == nil {
		return callerr.StreamNotFound(s.id, streamID)
	}

	wasLive := c.State().Live()
	if err := c.Remove(); err != nil {
		return err
	}
	s.dropStream(c)

	if wasLive && s.liveCount() == 0 {
		return s.hangup(ctx, "remove_last_stream")
	}
	if s.engineLeg && wasLive {
		if err := s.engine.RemoveStream(ctx, s.id, streamID); err != nil {
			return callerr.Engine(s.id, "remove_stream", err).WithStream(streamID)
		}
	}
	return nil
}

// SetHold включает или снимает локальное удержание
func (s *Session) SetHold(ctx context.Context, hold bool) error {
	defer s.flush()

	if st := s.State(); st != StateConnected {
		return callerr.InvalidTransition(s.id, st.String(), "set_hold")
	}
	if s.localHold == hold {
		return nil
	}
	if err := s.engine.Hold(ctx, s.id, hold); err != nil {
		return callerr.Engine(s.id, "hold", err)
	}
	s.applyLocalHold(hold)
	return nil
}

// RequestTransfer переводит вызов на target. Подсостояние перевода
// не влияет на состояние сессии.
func (s *Session) RequestTransfer(ctx context.Context, target string) error {
	defer s.flush()

	if st := s.State(); st != StateConnected {
		return callerr.InvalidTransition(s.id, st.String(), "request_transfer")
	}
	if s.transfer.state() == TransferTrying {
		return callerr.TransferInProgress(s.id, s.transfer.target)
	}
	if err := s.engine.Transfer(ctx, s.id, target); err != nil {
		return callerr.Engine(s.id, "transfer", err)
	}
	if err := s.transfer.request(target, TransferByLocal); err != nil {
		return callerr.InvalidTransition(s.id, string(s.transfer.state()), "request_transfer").WithCause(err)
	}
	s.queueTransferChange()
	return nil
}

// Hangup завершает вызов сразу, не дожидаясь незавершённого перевода.
// Повторный вызов в ending ничего не делает.
func (s *Session) Hangup(ctx context.Context) error {
	defer s.flush()

	switch st := s.State(); {
	case st.IsTerminal():
		return callerr.InvalidTransition(s.id, st.String(), "hangup")
	case st == StateEnding:
		return nil
	}
	return s.hangup(ctx, "hangup")
}

func (s *Session) hangup(ctx context.Context, op string) error {
	s.localHangup = true

	if !s.engineLeg {
		s.endReason = callerr.NewReason(callerr.ReasonCancelled)
		return s.fire(ctx, StateEnded, op)
	}
	if err := s.fire(ctx, StateEnding, op); err != nil {
		return err
	}
	if err := s.engine.Terminate(ctx, s.id); err != nil {
		s.endReason = callerr.Reason{Code: callerr.ReasonEngineError, Text: "Call failed"}
		_ = s.fire(ctx, StateFailed, "terminate_rejected")
		return callerr.Engine(s.id, "terminate", err)
	}
	return nil
}

// JoinConference запоминает группу конференции.
// Локально удержанный вызов при входе в конференцию снимается с удержания.
func (s *Session) JoinConference(ctx context.Context, groupID string) error {
	defer s.flush()

	if st := s.State(); st.IsTerminal() || st == StateEnding {
		return callerr.InvalidTransition(s.id, st.String(), "join_conference")
	}
	if s.conference == groupID {
		return nil
	}
	if s.conference != "" {
		return callerr.AlreadyInConference(s.id, s.conference)
	}
	s.conference = groupID

	if s.localHold {
		if err := s.engine.Hold(ctx, s.id, false); err != nil {
			s.logger.LogError(ctx, callerr.Engine(s.id, "hold", err), "unhold on conference join failed")
		} else {
			s.applyLocalHold(false)
		}
	}
	return nil
}

// LeaveConference убирает ссылку на группу. Сессия не завершается,
// даже если в ней не осталось аудио.
func (s *Session) LeaveConference(ctx context.Context) error {
	defer s.flush()
	s.conference = ""
	return nil
}

// Snapshot снимок сессии для интерфейса
type Snapshot struct {
	ID            string         `json:"id"`
	RemoteURI     string         `json:"remote_uri"`
	DisplayName   string         `json:"display_name,omitempty"`
	Direction     Direction      `json:"direction"`
	State         State          `json:"state"`
	Status        Status         `json:"status"`
	Streams       []stream.Info  `json:"streams"`
	LocalHold     bool           `json:"local_hold"`
	RemoteHold    bool           `json:"remote_hold"`
	Transfer      TransferInfo   `json:"transfer"`
	Conference    string         `json:"conference,omitempty"`
	EndReason     callerr.Reason `json:"end_reason"`
	Recording     bool           `json:"recording"`
	RecordingPath string         `json:"recording_path,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ConnectedAt   time.Time      `json:"connected_at,omitempty"`
	EndedAt       time.Time      `json:"ended_at,omitempty"`
	Duration      time.Duration  `json:"duration"`
	History       []Transition   `json:"history"`
}

// Snapshot возвращает копию состояния
func (s *Session) Snapshot() Snapshot {
	infos := make([]stream.Info, 0, len(s.streams))
	for _, c := range s.streams {
		infos = append(infos, c.Info())
	}
	return Snapshot{
		ID:            s.id,
		RemoteURI:     s.remoteURI,
		DisplayName:   s.displayName,
		Direction:     s.direction,
		State:         s.State(),
		Status:        s.Status(),
		Streams:       infos,
		LocalHold:     s.localHold,
		RemoteHold:    s.remoteHold,
		Transfer:      s.transfer.info(),
		Conference:    s.conference,
		EndReason:     s.endReason,
		Recording:     s.Recording(),
		RecordingPath: s.recordingPath,
		CreatedAt:     s.createdAt,
		ConnectedAt:   s.connectedAt,
		EndedAt:       s.endedAt,
		Duration:      s.duration(),
		History:       s.history.list(),
	}
}

func (s *Session) duration() time.Duration {
	if s.connectedAt.IsZero() {
		return 0
	}
	end := s.endedAt
	if end.IsZero() {
		end = s.now()
	}
	return end.Sub(s.connectedAt)
}

// fire выполняет переход машины состояний и его побочные эффекты
func (s *Session) fire(ctx context.Context, target State, reason string) error {
	event, ok := eventByTarget[target]
	if !ok {
		return callerr.InvalidTransition(s.id, s.State().String(), "to "+target.String())
	}
	if err := s.machine.Event(ctx, event, reason); err != nil {
		return callerr.InvalidTransition(s.id, s.State().String(), "to "+target.String()).WithCause(err)
	}

	switch {
	case target == StateConnected:
		s.connectedAt = s.now()
	case target.IsTerminal():
		s.finish()
	}
	return nil
}

// finish освобождает потоки терминальной сессии
func (s *Session) finish() {
	s.endedAt = s.now()
	s.localHold = false
	s.remoteHold = false
	s.setRecording(false, "")
	for _, c := range s.streams {
		_ = c.Remove()
	}
	s.streams = nil

	var lifetime time.Duration
	if !s.connectedAt.IsZero() {
		lifetime = s.endedAt.Sub(s.connectedAt)
	}
	s.metrics.SessionFinished(lifetime)
}

func (s *Session) recordTransition(e *fsm.Event) {
	reason := ""
	if len(e.Args) > 0 {
		if r, ok := e.Args[0].(string); ok {
			reason = r
		}
	}
	s.history.add(Transition{
		From:   State(e.Src),
		To:     State(e.Dst),
		Event:  e.Event,
		Reason: reason,
		At:     s.now(),
	})
	s.metrics.StateTransition(e.Src, e.Dst)
	s.logger.Info(context.Background(), "session state changed",
		logging.String("from", e.Src),
		logging.String("to", e.Dst),
		logging.String("reason", reason),
	)
}

// checkNewKinds проверяет набор потоков до того, как сессия изменится
func (s *Session) checkNewKinds(kinds []stream.Kind) error {
	seen := make(map[stream.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		if !k.Valid() {
			return callerr.InvalidArgument("kind", string(k))
		}
		if _, dup := seen[k]; dup || s.liveByKind(k) != nil {
			return callerr.DuplicateStream(s.id, string(k))
		}
		seen[k] = struct{}{}
	}
	return nil
}

func (s *Session) addController(opts StreamOptions, id string) (*stream.Controller, error) {
	if existing := s.liveByKind(opts.Kind); existing != nil {
		return nil, callerr.DuplicateStream(s.id, string(opts.Kind))
	}
	if id == "" {
		id = uuid.NewString()
	}
	c, err := stream.NewController(stream.Options{
		ID:         id,
		Kind:       opts.Kind,
		Plain:      opts.Plain,
		TotalBytes: opts.TotalBytes,
		Encryption: s.enc,
		Progress:   s.prog,
		OnChange:   s.onStreamChange,
		Logger:     s.logger,
	})
	if err != nil {
		return nil, err
	}
	s.streams = append(s.streams, c)
	return c, nil
}

func (s *Session) dropStream(target *stream.Controller) {
	if target.Kind() == stream.KindAudio {
		s.setRecording(false, "")
	}
	for i, c := range s.streams {
		if c == target {
			s.streams = append(s.streams[:i], s.streams[i+1:]...)
			return
		}
	}
}

func (s *Session) streamByID(id string) *stream.Controller {
	for _, c := range s.streams {
		if c.ID() == id {
			return c
		}
	}
	return nil
}

func (s *Session) liveByKind(kind stream.Kind) *stream.Controller {
	for _, c := range s.streams {
		if c.Kind() == kind && c.State().Live() {
			return c
		}
	}
	return nil
}

// lookup находит поток по ссылке события: по id, иначе живой поток вида,
// иначе последний отклонённый поток вида.
func (s *Session) lookup(ref StreamRef) *stream.Controller {
	if ref.StreamID != "" {
		return s.streamByID(ref.StreamID)
	}
	if c := s.liveByKind(ref.Kind); c != nil {
		return c
	}
	for i := len(s.streams) - 1; i >= 0; i-- {
		if s.streams[i].Kind() == ref.Kind {
			return s.streams[i]
		}
	}
	return nil
}

func (s *Session) liveCount() int {
	n := 0
	for _, c := range s.streams {
		if c.State().Live() {
			n++
		}
	}
	return n
}

func (s *Session) applyLocalHold(hold bool) {
	s.localHold = hold
	for _, c := range s.streams {
		c.SetLocalHold(hold)
	}
}

func (s *Session) applyRemoteHold(hold bool) {
	s.remoteHold = hold
	for _, c := range s.streams {
		c.SetRemoteHold(hold)
	}
}

func (s *Session) statusInput() StatusInput {
	in := StatusInput{
		State:      s.State(),
		LocalHold:  s.localHold,
		RemoteHold: s.remoteHold,
		EndReason:  s.endReason,
		Streams:    make([]StreamStatus, 0, len(s.streams)),
	}
	for _, c := range s.streams {
		in.Streams = append(in.Streams, StreamStatus{
			Kind:       c.Kind(),
			State:      c.State(),
			Encryption: s.enc.Descriptor(c.ID()),
		})
	}
	return in
}

// Колбэки трекеров вызываются под их блокировкой, поэтому только
// откладывают уведомления; статус пересчитывается в flush.

func (s *Session) onEncryptionChange(streamID string, d *encryption.Descriptor) {
	var kind stream.Kind
	if c := s.streamByID(streamID); c != nil {
		kind = c.Kind()
	}
	s.pending = append(s.pending, EncryptionChanged{
		SessionID:  s.id,
		StreamID:   streamID,
		Kind:       kind,
		Descriptor: d,
	})
}

func (s *Session) onProgress(streamID string, snap progress.Snapshot) {
	s.pending = append(s.pending, ProgressChanged{
		SessionID: s.id,
		StreamID:  streamID,
		Progress:  snap,
	})
}

func (s *Session) onStreamChange(info stream.Info, from stream.State) {
	s.logger.Debug(context.Background(), "stream changed",
		logging.String("stream_id", info.ID),
		logging.String("kind", info.Kind.String()),
		logging.String("from", from.String()),
		logging.String("to", info.State.String()),
	)
}

func (s *Session) queueTransferChange() {
	s.pending = append(s.pending, CallTransferChanged{SessionID: s.id, Transfer: s.transfer.info()})
}

// flush отправляет отложенные уведомления и статус, если он изменился
func (s *Session) flush() {
	pending := s.pending
	s.pending = nil
	for _, n := range pending {
		s.notify(n)
	}

	st := s.Status()
	if st == s.lastStatus {
		return
	}
	prev := s.lastStatus.State
	s.lastStatus = st
	s.notify(StatusChanged{SessionID: s.id, Status: st, Previous: prev})
}

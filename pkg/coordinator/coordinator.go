// Package coordinator владеет всеми сессиями клиента: создаёт их,
// маршрутизирует команды пользователя и события движка в очереди сессий,
// ограничивает число одновременных исходящих вызовов и ведёт конференции.
//
// Блокировка координатора охраняет только учёт (слоты, конференции,
// резервирования) и никогда не удерживается во время обращения к сессии.
package coordinator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/callcore/pkg/callerr"
	"github.com/arzzra/callcore/pkg/logging"
	"github.com/arzzra/callcore/pkg/mailbox"
	"github.com/arzzra/callcore/pkg/metrics"
	"github.com/arzzra/callcore/pkg/session"
	"github.com/arzzra/callcore/pkg/stream"
)

// Outcome результат операции над одной сессией в групповой команде
type Outcome struct {
	SessionID string
	Err       error
}

// IncomingSession вызов, о котором сообщил движок
type IncomingSession struct {
	ID          string
	RemoteURI   string
	DisplayName string
	Streams     []session.StreamSpec
}

// Coordinator реестр сессий и точка входа для интерфейса и движка
type Coordinator struct {
	cfg     Config
	engine  session.Engine
	logger  logging.StructuredLogger
	metrics *metrics.Collector

	sessions *shardedSessionMap

	mu         sync.Mutex
	outgoing   map[string]struct{}            // сессии, занимающие исходящий слот
	reserved   map[string]string              // сессия -> группа незавершённого слияния
	groups     map[string]map[string]struct{} // группа -> участники
	memberOf   map[string]string
	terminated map[string]struct{}

	obsMu     sync.RWMutex
	observers []subscription
	nextSubID uint64

	deliveries   *mailbox.Mailbox[func(Observer)]
	dispatchDone chan struct{}

	closed atomic.Bool
}

// New создает координатор и запускает горутину доставки уведомлений
func New(cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:          cfg,
		engine:       cfg.Engine,
		logger:       logging.OrDefault(cfg.Logger).WithComponent("coordinator"),
		metrics:      cfg.Metrics,
		sessions:     newShardedSessionMap(),
		outgoing:     make(map[string]struct{}),
		reserved:     make(map[string]string),
		groups:       make(map[string]map[string]struct{}),
		memberOf:     make(map[string]string),
		terminated:   make(map[string]struct{}),
		deliveries:   mailbox.New[func(Observer)](),
		dispatchDone: make(chan struct{}),
	}
	for _, o := range cfg.Observers {
		c.Subscribe(o)
	}
	go c.dispatch()
	return c, nil
}

// Subscribe добавляет наблюдателя; возвращённая функция отписывает его
func (c *Coordinator) Subscribe(o Observer) func() {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()

	c.nextSubID++
	id := c.nextSubID
	c.observers = append(c.observers, subscription{id: id, observer: o})

	return func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		for i, s := range c.observers {
			if s.id == id {
				c.observers = append(c.observers[:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

// BeginSession начинает исходящий вызов. Если движок отклонил вызов,
// сессия уже существует в состоянии failed и возвращается вместе с ошибкой.
// Если до движка дело не дошло, сессия не создаётся и слот освобождается.
func (c *Coordinator) BeginSession(ctx context.Context, remoteURI, displayName string, kinds ...stream.Kind) (string, error) {
	if c.closed.Load() {
		return "", callerr.CoordinatorClosed()
	}
	uri, err := NormalizeURI(remoteURI, c.cfg.DefaultDomain)
	if err != nil {
		return "", c.fail(err)
	}
	if len(kinds) == 0 {
		kinds = []stream.Kind{stream.KindAudio}
	}
	streams := make([]session.StreamOptions, 0, len(kinds))
	seen := make(map[stream.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		if !k.Valid() {
			return "", c.fail(callerr.InvalidArgument("kind", string(k)))
		}
		if _, dup := seen[k]; dup {
			return "", c.fail(callerr.DuplicateStream("", string(k)))
		}
		seen[k] = struct{}{}
		streams = append(streams, session.StreamOptions{Kind: k})
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	c.mu.Lock()
	if len(c.outgoing) >= c.cfg.MaxOutgoing {
		current := len(c.outgoing)
		c.mu.Unlock()
		return "", c.fail(callerr.OutgoingLimitExceeded(current, c.cfg.MaxOutgoing))
	}
	c.outgoing[id] = struct{}{}
	c.mu.Unlock()

	e, err := c.register(id, uri, displayName, session.DirectionOutgoing)
	if err != nil {
		c.releaseSlot(id)
		return "", c.fail(err)
	}

	// ожидание не прерывается контекстом, чтобы знать, создан ли вызов в движке
	started := false
	err = e.actor.Do(context.WithoutCancel(ctx), func(s *session.Session) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.Start(ctx, streams...)
		started = err == nil || s.State() != session.StateInitializing
		return err
	})
	if err != nil {
		c.logger.LogError(ctx, err, "session start failed", logging.String("session_id", id))
		c.metrics.ErrorOccurred(callerr.Code(err))
		if !started {
			c.discard(id, e)
			return "", err
		}
		return id, err
	}

	c.logger.Info(ctx, "outgoing session started",
		logging.String("session_id", id),
		logging.String("remote_uri", uri),
	)
	return id, nil
}

// AcceptIncoming регистрирует входящий вызов, который уже ведёт движок.
// Входящие вызовы не занимают исходящий слот.
func (c *Coordinator) AcceptIncoming(ctx context.Context, in IncomingSession) (string, error) {
	if c.closed.Load() {
		return "", callerr.CoordinatorClosed()
	}
	uri, err := NormalizeURI(in.RemoteURI, c.cfg.DefaultDomain)
	if err != nil {
		return "", c.fail(err)
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}

	e, err := c.register(id, uri, in.DisplayName, session.DirectionIncoming)
	if err != nil {
		return "", c.fail(err)
	}
	attached := false
	err = e.actor.Do(context.WithoutCancel(ctx), func(s *session.Session) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Attach(in.Streams...); err != nil {
			return err
		}
		attached = true
		return nil
	})
	if err != nil {
		if !attached {
			c.discard(id, e)
			return "", c.fail(err)
		}
		return id, c.fail(err)
	}

	c.logger.Info(ctx, "incoming session accepted",
		logging.String("session_id", id),
		logging.String("remote_uri", uri),
	)
	return id, nil
}

func (c *Coordinator) register(id, uri, displayName string, dir session.Direction) (*entry, error) {
	s, err := session.New(session.Options{
		ID:          id,
		RemoteURI:   uri,
		DisplayName: sanitizeDisplayName(displayName),
		Direction:   dir,
		Engine:      c.engine,
		Notify:      c.onNotification,
		Logger:      c.logger,
		Metrics:     c.metrics,
		HistorySize: c.cfg.HistorySize,

		RecordingsDir: c.cfg.RecordingsDir,
	})
	if err != nil {
		return nil, err
	}

	e := &entry{actor: session.NewActor(s), direction: dir, remoteURI: uri}
	if !c.sessions.SetIfAbsent(id, e) {
		e.actor.Stop()
		return nil, callerr.InvalidArgument("session_id", "duplicate session id "+id)
	}
	return e, nil
}

// OnSignalingEvent ставит событие движка в очередь сессии и сразу возвращается.
// Событие для неизвестной сессии только журналируется.
func (c *Coordinator) OnSignalingEvent(ctx context.Context, sessionID string, ev session.Event) {
	e, ok := c.sessions.Get(sessionID)
	if !ok {
		c.metrics.LateEvent()
		c.logger.Warn(ctx, "event for unknown session",
			logging.String("session_id", sessionID),
			logging.String("event", ev.EventName()),
		)
		return
	}

	// событие переживает контекст вызывающего движка
	evCtx := context.WithoutCancel(ctx)
	if !e.actor.Post(func(s *session.Session) { _ = s.HandleEvent(evCtx, ev) }) {
		c.logger.Debug(ctx, "event for stopped session dropped",
			logging.String("session_id", sessionID),
			logging.String("event", ev.EventName()),
		)
	}
}

// AddStream добавляет поток к сессии и возвращает его идентификатор
func (c *Coordinator) AddStream(ctx context.Context, sessionID string, kind stream.Kind, opts ...session.StreamOption) (string, error) {
	o := session.StreamOptions{Kind: kind}
	for _, opt := range opts {
		opt(&o)
	}

	var streamID string
	err := c.do(ctx, sessionID, func(s *session.Session) error {
		id, err := s.AddStream(ctx, o)
		streamID = id
		return err
	})
	return streamID, err
}

func (c *Coordinator) RemoveStream(ctx context.Context, sessionID, streamID string) error {
	return c.do(ctx, sessionID, func(s *session.Session) error {
		return s.RemoveStream(ctx, streamID)
	})
}

func (c *Coordinator) SetHold(ctx context.Context, sessionID string, hold bool) error {
	return c.do(ctx, sessionID, func(s *session.Session) error {
		return s.SetHold(ctx, hold)
	})
}

// RequestTransfer переводит вызов на target (адрес нормализуется)
func (c *Coordinator) RequestTransfer(ctx context.Context, sessionID, target string) error {
	uri, err := NormalizeURI(target, c.cfg.DefaultDomain)
	if err != nil {
		return c.fail(err)
	}
	return c.do(ctx, sessionID, func(s *session.Session) error {
		return s.RequestTransfer(ctx, uri)
	})
}

// SendDTMF передаёт цифры DTMF в аудио поток вызова
func (c *Coordinator) SendDTMF(ctx context.Context, sessionID, digits string) error {
	return c.do(ctx, sessionID, func(s *session.Session) error {
		return s.SendDTMF(ctx, digits)
	})
}

// StartRecording начинает запись разговора и возвращает путь к файлу
func (c *Coordinator) StartRecording(ctx context.Context, sessionID string) (string, error) {
	var path string
	err := c.do(ctx, sessionID, func(s *session.Session) error {
		p, err := s.StartRecording(ctx)
		path = p
		return err
	})
	return path, err
}

func (c *Coordinator) StopRecording(ctx context.Context, sessionID string) error {
	return c.do(ctx, sessionID, func(s *session.Session) error {
		return s.StopRecording(ctx)
	})
}

// Hangup завершает вызов
func (c *Coordinator) Hangup(ctx context.Context, sessionID string) error {
	err := c.do(ctx, sessionID, func(s *session.Session) error {
		return s.Hangup(ctx)
	})
	if errors.Is(err, callerr.ErrEngine) {
		c.metrics.HangupFailed()
	}
	return err
}

var errSkipFinished = errors.New("session already finished")

// HangupAll завершает все незавершённые сессии параллельно.
// Ошибка одной сессии не мешает остальным; результат отсортирован
// по идентификатору сессии.
func (c *Coordinator) HangupAll(ctx context.Context) []Outcome {
	var (
		mu       sync.Mutex
		outcomes []Outcome
		g        errgroup.Group
	)

	for _, id := range c.sessions.IDs() {
		id := id
		g.Go(func() error {
			err := c.do(ctx, id, func(s *session.Session) error {
				st := s.State()
				if st.IsTerminal() || st == session.StateEnding {
					return errSkipFinished
				}
				return s.Hangup(ctx)
			})
			if errors.Is(err, errSkipFinished) {
				return nil
			}
			if errors.Is(err, callerr.ErrEngine) {
				c.metrics.HangupFailed()
			}

			mu.Lock()
			outcomes = append(outcomes, Outcome{SessionID: id, Err: err})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].SessionID < outcomes[j].SessionID })
	return outcomes
}

// MergeConference объединяет сессии в конференцию по принципу
// всё или ничего и возвращает идентификатор группы.
func (c *Coordinator) MergeConference(ctx context.Context, ids []string) (string, error) {
	if len(ids) < 2 {
		return "", c.fail(callerr.InvalidArgument("ids", "conference needs at least two sessions"))
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return "", c.fail(callerr.InvalidArgument("ids", "duplicate session "+id))
		}
		seen[id] = struct{}{}
	}

	groupID := ulid.Make().String()
	if err := c.reserve(groupID, ids); err != nil {
		return "", c.fail(err)
	}

	joined := make([]string, 0, len(ids))
	for _, id := range ids {
		err := c.do(ctx, id, func(s *session.Session) error {
			return s.JoinConference(ctx, groupID)
		})
		if err != nil {
			c.rollbackMerge(ctx, groupID, ids, joined)
			return "", err
		}
		joined = append(joined, id)
	}

	if err := c.commitMerge(groupID, ids); err != nil {
		c.rollbackMerge(ctx, groupID, ids, joined)
		return "", c.fail(err)
	}

	c.logger.Info(ctx, "conference merged",
		logging.String("group_id", groupID),
		logging.Int("members", len(ids)),
	)
	c.publishConference(ConferenceChange{GroupID: groupID, Members: sortedCopy(ids)})
	return groupID, nil
}

func (c *Coordinator) reserve(groupID string, ids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range ids {
		if _, ok := c.sessions.Get(id); !ok {
			return callerr.SessionNotFound(id)
		}
		if _, done := c.terminated[id]; done {
			return callerr.InvalidTransition(id, "terminated", "merge_conference")
		}
		if g, ok := c.memberOf[id]; ok {
			return callerr.AlreadyInConference(id, g)
		}
		if g, ok := c.reserved[id]; ok {
			return callerr.AlreadyInConference(id, g)
		}
	}
	for _, id := range ids {
		c.reserved[id] = groupID
	}
	return nil
}

func (c *Coordinator) commitMerge(groupID string, ids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range ids {
		if _, done := c.terminated[id]; done {
			return callerr.InvalidTransition(id, "terminated", "merge_conference")
		}
	}
	members := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		members[id] = struct{}{}
		c.memberOf[id] = groupID
		delete(c.reserved, id)
	}
	c.groups[groupID] = members
	c.metrics.SetConferences(len(c.groups))
	return nil
}

func (c *Coordinator) rollbackMerge(ctx context.Context, groupID string, ids, joined []string) {
	for _, id := range joined {
		err := c.do(ctx, id, func(s *session.Session) error {
			return s.LeaveConference(ctx)
		})
		if err != nil {
			c.logger.LogError(ctx, err, "conference rollback failed", logging.String("session_id", id))
		}
	}

	c.mu.Lock()
	for _, id := range ids {
		if c.reserved[id] == groupID {
			delete(c.reserved, id)
		}
	}
	c.mu.Unlock()

	c.logger.Warn(ctx, "conference merge rolled back", logging.String("group_id", groupID))
}

// SplitConference распускает группу. Состав снимается атомарно,
// результат выхода каждой сессии возвращается отдельно.
func (c *Coordinator) SplitConference(ctx context.Context, groupID string) ([]Outcome, error) {
	c.mu.Lock()
	members, ok := c.groups[groupID]
	if !ok {
		c.mu.Unlock()
		return nil, c.fail(callerr.ConferenceNotFound(groupID))
	}
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
		delete(c.memberOf, id)
	}
	delete(c.groups, groupID)
	c.metrics.SetConferences(len(c.groups))
	c.mu.Unlock()

	sort.Strings(ids)
	c.publishConference(ConferenceChange{GroupID: groupID, Members: ids, Dissolved: true})

	outcomes := make([]Outcome, 0, len(ids))
	for _, id := range ids {
		err := c.do(ctx, id, func(s *session.Session) error {
			return s.LeaveConference(ctx)
		})
		outcomes = append(outcomes, Outcome{SessionID: id, Err: err})
	}
	return outcomes, nil
}

// Snapshot возвращает снимок сессии
func (c *Coordinator) Snapshot(ctx context.Context, sessionID string) (session.Snapshot, error) {
	var snap session.Snapshot
	err := c.do(ctx, sessionID, func(s *session.Session) error {
		snap = s.Snapshot()
		return nil
	})
	return snap, err
}

// Sessions идентификаторы всех сессий
func (c *Coordinator) Sessions() []string {
	return c.sessions.IDs()
}

// Conference участники группы
func (c *Coordinator) Conference(groupID string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	members, ok := c.groups[groupID]
	if !ok {
		return nil, false
	}
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, true
}

// GroupOf группа, в которую входит сессия, или пустая строка
func (c *Coordinator) GroupOf(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memberOf[sessionID]
}

// Stats состояние реестра для диагностики. PendingDeliveries уведомления,
// ещё не доставленные наблюдателям; Shards число сессий в каждом шарде.
type Stats struct {
	Sessions          int
	Outgoing          int
	Conferences       int
	PendingDeliveries int
	Shards            map[int]int
}

// Stats возвращает снимок учёта координатора
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	outgoing, conferences := len(c.outgoing), len(c.groups)
	c.mu.Unlock()

	return Stats{
		Sessions:          c.sessions.Count(),
		Outgoing:          outgoing,
		Conferences:       conferences,
		PendingDeliveries: c.deliveries.Len(),
		Shards:            c.sessions.ShardStats(),
	}
}

// OutgoingInProgress сколько исходящих вызовов занимают слоты
func (c *Coordinator) OutgoingInProgress() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outgoing)
}

// Delete удаляет завершённую сессию из реестра
func (c *Coordinator) Delete(ctx context.Context, sessionID string) error {
	e, ok := c.sessions.Get(sessionID)
	if !ok {
		return callerr.SessionNotFound(sessionID)
	}
	err := e.actor.Do(ctx, func(s *session.Session) error {
		if st := s.State(); !st.IsTerminal() {
			return callerr.InvalidTransition(sessionID, st.String(), "delete")
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.sessions.Delete(sessionID)
	e.actor.Stop()

	c.mu.Lock()
	delete(c.outgoing, sessionID)
	delete(c.terminated, sessionID)
	delete(c.reserved, sessionID)
	c.mu.Unlock()
	return nil
}

// Close завершает все вызовы, останавливает очереди сессий и доставку
func (c *Coordinator) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	for _, o := range c.HangupAll(ctx) {
		if o.Err != nil {
			c.logger.LogError(ctx, o.Err, "hangup on close failed", logging.String("session_id", o.SessionID))
		}
	}

	var actors []*session.Actor
	c.sessions.ForEach(func(_ string, e *entry) {
		e.actor.Stop()
		actors = append(actors, e.actor)
	})
	for _, a := range actors {
		select {
		case <-a.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.deliveries.Close()
	select {
	case <-c.dispatchDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.logger.Info(ctx, "coordinator closed")
	return nil
}

func (c *Coordinator) do(ctx context.Context, sessionID string, fn func(*session.Session) error) error {
	e, ok := c.sessions.Get(sessionID)
	if !ok {
		return c.fail(callerr.SessionNotFound(sessionID))
	}
	err := e.actor.Do(ctx, fn)
	if err != nil && !errors.Is(err, errSkipFinished) {
		c.metrics.ErrorOccurred(callerr.Code(err))
	}
	return err
}

func (c *Coordinator) fail(err error) error {
	c.metrics.ErrorOccurred(callerr.Code(err))
	return err
}

// discard убирает сессию, для которой движок так и не начал вызов
func (c *Coordinator) discard(id string, e *entry) {
	c.sessions.Delete(id)
	e.actor.Stop()
	c.releaseSlot(id)
	c.metrics.SessionDiscarded()
	c.logger.Debug(context.Background(), "session discarded", logging.String("session_id", id))
}

func (c *Coordinator) releaseSlot(id string) {
	c.mu.Lock()
	delete(c.outgoing, id)
	c.mu.Unlock()
}

func sortedCopy(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

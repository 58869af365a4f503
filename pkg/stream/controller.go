package stream

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/arzzra/callcore/pkg/callerr"
	"github.com/arzzra/callcore/pkg/encryption"
	"github.com/arzzra/callcore/pkg/logging"
	"github.com/arzzra/callcore/pkg/progress"
)

// Info снимок потока для сессии и уведомлений
type Info struct {
	ID                    string                 `json:"id"`
	Kind                  Kind                   `json:"kind"`
	State                 State                  `json:"state"`
	Codec                 string                 `json:"codec,omitempty"`
	LocalHold             bool                   `json:"local_hold"`
	RemoteHold            bool                   `json:"remote_hold"`
	RefuseReason          string                 `json:"refuse_reason,omitempty"`
	Encryption            *encryption.Descriptor `json:"encryption,omitempty"`
	EncryptionNegotiating bool                   `json:"encryption_negotiating,omitempty"`
	Transfer              *progress.Snapshot     `json:"transfer,omitempty"`
	Statistics            *StatsSummary          `json:"statistics,omitempty"`
}

// Refused отклонён ли поток
func (i Info) Refused() bool {
	return i.State == StateRefused
}

// ChangeFunc вызывается после каждого перехода состояния потока
type ChangeFunc func(info Info, from State)

// Options параметры создания контроллера
type Options struct {
	ID   string
	Kind Kind

	// Plain поток без шифрования (например, чат без OTR)
	Plain bool

	// TotalBytes размер файла для file-transfer, 0 если неизвестен
	TotalBytes int64

	Encryption *encryption.Tracker
	Progress   *progress.Tracker
	OnChange   ChangeFunc
	Logger     logging.StructuredLogger
}

// Controller управляет жизненным циклом одного потока сессии.
// Не потокобезопасен: все вызовы идут из очереди владеющей сессии.
type Controller struct {
	id    string
	kind  Kind
	state *fsm.FSM

	codec        string
	localHold    bool
	remoteHold   bool
	refuseReason string

	stats statsAccumulator

	enc      *encryption.Tracker
	prog     *progress.Tracker
	onChange ChangeFunc
	logger   logging.StructuredLogger
}

// NewController создает поток в состоянии pending и регистрирует его в трекерах
func NewController(opts Options) (*Controller, error) {
	if opts.ID == "" {
		return nil, callerr.InvalidArgument("id", "empty stream id")
	}
	if !opts.Kind.Valid() {
		return nil, callerr.InvalidArgument("kind", string(opts.Kind))
	}
	if opts.Encryption == nil || opts.Progress == nil {
		return nil, callerr.InvalidArgument("trackers", "encryption and progress trackers are required")
	}

	c := &Controller{
		id:       opts.ID,
		kind:     opts.Kind,
		state:    newStreamFSM(),
		enc:      opts.Encryption,
		prog:     opts.Progress,
		onChange: opts.OnChange,
		logger: logging.OrDefault(opts.Logger).WithFields(
			logging.String("stream_id", opts.ID),
			logging.String("kind", string(opts.Kind)),
		),
	}

	if opts.Plain {
		c.enc.Register(c.id)
	} else {
		c.enc.Register(c.id, DefaultCapabilities(c.kind)...)
	}
	if c.kind == KindFileTransfer {
		c.prog.Register(c.id, opts.TotalBytes)
	}
	return c, nil
}

func (c *Controller) ID() string {
	return c.id
}

func (c *Controller) Kind() Kind {
	return c.kind
}

func (c *Controller) State() State {
	return State(c.state.Current())
}

// Codec согласованный кодек; пуст до активации
func (c *Controller) Codec() string {
	return c.codec
}

// Negotiate движок начал согласование потока
func (c *Controller) Negotiate() error {
	return c.transition(eventNegotiate, nil)
}

// Activate переводит поток в active и прикрепляет описание кодека.
// Поток в pending сначала проходит negotiating.
func (c *Controller) Activate(codec string) error {
	if c.State() == StatePending {
		if err := c.Negotiate(); err != nil {
			return err
		}
	}
	return c.transition(eventActivate, func() { c.codec = codec })
}

// Refuse поток отклонён до активации
func (c *Controller) Refuse(reason string) error {
	return c.transition(eventRefuse, func() { c.refuseReason = reason })
}

// Remove удаляет поток; незавершённая передача файла отменяется
func (c *Controller) Remove() error {
	if c.State() == StateRemoved {
		return nil
	}
	return c.transition(eventRemove, func() {
		c.localHold = false
		c.remoteHold = false
		if c.kind == KindFileTransfer {
			c.prog.Cancel(c.id)
		}
		c.enc.Forget(c.id)
	})
}

// SetLocalHold меняет флаг локального удержания RTP потока.
// Возвращает true, если флаг изменился.
func (c *Controller) SetLocalHold(hold bool) bool {
	if !c.kind.IsRTP() || !c.State().Live() || c.localHold == hold {
		return false
	}
	c.localHold = hold
	return true
}

// SetRemoteHold меняет флаг удержания собеседником
func (c *Controller) SetRemoteHold(hold bool) bool {
	if !c.kind.IsRTP() || !c.State().Live() || c.remoteHold == hold {
		return false
	}
	c.remoteHold = hold
	return true
}

// ApplyEncryption передаёт событие шифрования трекеру
func (c *Controller) ApplyEncryption(ev encryption.Event) (*encryption.Descriptor, error) {
	if !c.State().Live() {
		return nil, c.invalid("encryption:" + ev.Type.String())
	}
	return c.enc.Apply(c.id, ev)
}

// ApplyChunk обновляет счётчики передачи файла
func (c *Controller) ApplyChunk(transferred, total int64) (progress.Snapshot, error) {
	if c.kind != KindFileTransfer {
		return progress.Snapshot{}, callerr.NotTransferStream(c.id, string(c.kind))
	}
	if !c.State().Live() {
		return progress.Snapshot{}, c.invalid("transfer_chunk")
	}
	return c.prog.ApplyChunk(c.id, transferred, total)
}

// ApplyPhase меняет фазу передачи файла
func (c *Controller) ApplyPhase(phase progress.Phase, reason string) (progress.Snapshot, error) {
	if c.kind != KindFileTransfer {
		return progress.Snapshot{}, callerr.NotTransferStream(c.id, string(c.kind))
	}
	if !c.State().Live() {
		return progress.Snapshot{}, c.invalid("transfer_phase")
	}
	return c.prog.ApplyPhase(c.id, phase, reason)
}

// ApplyStatistics добавляет выборку статистики RTP потока
func (c *Controller) ApplyStatistics(st Statistics) (StatsSummary, error) {
	if !c.kind.IsRTP() {
		return StatsSummary{}, callerr.NotRTPStream(c.id, string(c.kind))
	}
	if !c.State().Live() {
		return StatsSummary{}, c.invalid("statistics")
	}
	return c.stats.add(st), nil
}

// Info возвращает снимок потока
func (c *Controller) Info() Info {
	info := Info{
		ID:           c.id,
		Kind:         c.kind,
		State:        c.State(),
		Codec:        c.codec,
		LocalHold:    c.localHold,
		RemoteHold:   c.remoteHold,
		RefuseReason: c.refuseReason,
		Encryption:   c.enc.Descriptor(c.id),

		EncryptionNegotiating: c.enc.Negotiating(c.id),
	}
	if c.kind == KindFileTransfer {
		if s, ok := c.prog.Snapshot(c.id); ok {
			info.Transfer = &s
		}
	}
	if len(c.stats.samples) > 0 {
		summary := c.stats.summary()
		info.Statistics = &summary
	}
	return info
}

func (c *Controller) transition(event string, apply func()) error {
	from := c.State()
	if err := c.state.Event(context.Background(), event); err != nil {
		return c.invalid(event).WithCause(err)
	}
	if apply != nil {
		apply()
	}

	c.logger.Debug(context.Background(), "stream state changed",
		logging.String("from", from.String()),
		logging.String("to", c.State().String()),
	)
	if c.onChange != nil {
		c.onChange(c.Info(), from)
	}
	return nil
}

func (c *Controller) invalid(operation string) *callerr.Error {
	return callerr.InvalidTransition("", c.State().String(), operation).WithStream(c.id)
}

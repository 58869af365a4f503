package progress

import (
	"context"
	"errors"
	"math/bits"
	"sync"

	"github.com/looplab/fsm"

	"github.com/arzzra/callcore/pkg/callerr"
	"github.com/arzzra/callcore/pkg/logging"
)

// Snapshot состояние передачи на момент обновления
type Snapshot struct {
	Phase       Phase  `json:"phase"`
	Total       int64  `json:"total"`
	Transferred int64  `json:"transferred"`
	Percent     int    `json:"percent"`
	LastError   string `json:"last_error,omitempty"`
}

// ProgressFunc вызывается для каждого принятого обновления
type ProgressFunc func(streamID string, s Snapshot)

type transfer struct {
	phases      *fsm.FSM
	total       int64
	transferred int64
	lastError   string
}

func (t *transfer) phase() Phase {
	return Phase(t.phases.Current())
}

func (t *transfer) snapshot() Snapshot {
	s := Snapshot{
		Phase:       t.phase(),
		Total:       t.total,
		Transferred: t.transferred,
		LastError:   t.lastError,
	}
	switch {
	case s.Phase == PhaseCompleted:
		s.Percent = 100
	case t.total > 0:
		s.Percent = percent(t.transferred, t.total)
	}
	return s
}

// percent считает transferred*100/total в 128 битах: для файлов
// больше MaxInt64/100 байт произведение не помещается в int64.
// ApplyChunk гарантирует 0 <= transferred <= total.
func percent(transferred, total int64) int {
	if transferred >= total {
		return 100
	}
	hi, lo := bits.Mul64(uint64(transferred), 100)
	q, _ := bits.Div64(hi, lo, uint64(total))
	return int(q)
}

// Tracker ведёт счётчики передачи файловых потоков одной сессии.
//
// Пока фаза transferring, счётчик переданных байт не убывает.
// В подготовительных фазах (hashing, encrypting...) счётчик относится
// к подготовке и может начинаться заново; вход в transferring
// обнуляет его.
//
// ProgressFunc вызывается под блокировкой трекера.
type Tracker struct {
	mu         sync.Mutex
	transfers  map[string]*transfer
	onProgress ProgressFunc
	logger     logging.StructuredLogger
}

// NewTracker создает трекер передачи
func NewTracker(logger logging.StructuredLogger, onProgress ProgressFunc) *Tracker {
	return &Tracker{
		transfers:  make(map[string]*transfer),
		onProgress: onProgress,
		logger:     logging.OrDefault(logger).WithComponent("progress"),
	}
}

// Register заводит передачу для потока; totalBytes может быть 0, если размер неизвестен
func (t *Tracker) Register(streamID string, totalBytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if totalBytes < 0 {
		totalBytes = 0
	}
	t.transfers[streamID] = &transfer{phases: newPhaseFSM(), total: totalBytes}
}

// Snapshot возвращает текущее состояние передачи
func (t *Tracker) Snapshot(streamID string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.transfers[streamID]
	if !ok {
		return Snapshot{}, false
	}
	return tr.snapshot(), true
}

// ApplyChunk обновляет счётчики передачи.
// total == 0 оставляет известный размер без изменений.
func (t *Tracker) ApplyChunk(streamID string, transferred, total int64) (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.transfers[streamID]
	if !ok {
		return Snapshot{}, callerr.StreamNotFound("", streamID)
	}
	if tr.phase().IsTerminal() {
		return tr.snapshot(), callerr.TransferFinished(streamID, tr.phase().String())
	}

	if total <= 0 {
		total = tr.total
	}
	if transferred < 0 || (total > 0 && transferred > total) {
		err := callerr.InvalidChunk(streamID, transferred, total)
		t.logger.LogError(context.Background(), err, "transfer chunk rejected")
		return tr.snapshot(), err
	}
	if tr.phase() == PhaseTransferring && transferred < tr.transferred {
		err := callerr.NonMonotonic(streamID, tr.transferred, transferred)
		t.logger.LogError(context.Background(), err, "transfer chunk rejected")
		return tr.snapshot(), err
	}

	tr.total = total
	tr.transferred = transferred
	return t.publish(streamID, tr), nil
}

// ApplyPhase переводит передачу в следующую фазу.
// Повтор текущей фазы ничего не меняет; движение назад отклоняется.
// reason сохраняется как последняя ошибка для failed.
func (t *Tracker) ApplyPhase(streamID string, phase Phase, reason string) (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.transfers[streamID]
	if !ok {
		return Snapshot{}, callerr.StreamNotFound("", streamID)
	}
	if _, err := ParsePhase(string(phase)); err != nil {
		return tr.snapshot(), callerr.InvalidArgument("phase", err.Error())
	}

	current := tr.phase()
	if current == phase {
		return tr.snapshot(), nil
	}
	if current.IsTerminal() {
		return tr.snapshot(), callerr.TransferFinished(streamID, current.String())
	}

	if err := tr.phases.Event(context.Background(), string(phase)); err != nil {
		var invalid fsm.InvalidEventError
		if errors.As(err, &invalid) {
			return tr.snapshot(), callerr.BackwardPhase(streamID, current.String(), phase.String())
		}
		return tr.snapshot(), callerr.BackwardPhase(streamID, current.String(), phase.String()).WithCause(err)
	}

	switch phase {
	case PhaseTransferring:
		tr.transferred = 0
	case PhaseCompleted:
		if tr.total > 0 {
			tr.transferred = tr.total
		}
	case PhaseFailed:
		tr.lastError = reason
	}

	t.logger.Debug(context.Background(), "transfer phase changed",
		logging.String("stream_id", streamID),
		logging.String("from", current.String()),
		logging.String("to", phase.String()),
	)
	return t.publish(streamID, tr), nil
}

// Cancel переводит незавершённую передачу в cancelled
func (t *Tracker) Cancel(streamID string) {
	t.mu.Lock()
	tr, ok := t.transfers[streamID]
	active := ok && !tr.phase().IsTerminal()
	t.mu.Unlock()

	if active {
		_, _ = t.ApplyPhase(streamID, PhaseCancelled, "")
	}
}

func (t *Tracker) publish(streamID string, tr *transfer) Snapshot {
	s := tr.snapshot()
	if t.onProgress != nil {
		t.onProgress(streamID, s)
	}
	return s
}

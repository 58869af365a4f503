package progress

import (
	"fmt"

	"github.com/looplab/fsm"
)

// Phase фаза передачи файла
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseHashing      Phase = "hashing"
	PhaseConnecting   Phase = "connecting"
	PhaseEncrypting   Phase = "encrypting"
	PhaseDecrypting   Phase = "decrypting"
	PhaseTransferring Phase = "transferring"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
	PhaseCancelled    Phase = "cancelled"
)

// phaseRank порядок фаз; переход разрешён только к большему рангу.
// encrypting и decrypting взаимоисключающие и имеют один ранг.
var phaseRank = map[Phase]int{
	PhaseInitializing: 0,
	PhaseHashing:      1,
	PhaseConnecting:   2,
	PhaseEncrypting:   3,
	PhaseDecrypting:   3,
	PhaseTransferring: 4,
	PhaseCompleted:    5,
}

var orderedPhases = []Phase{
	PhaseInitializing,
	PhaseHashing,
	PhaseConnecting,
	PhaseEncrypting,
	PhaseDecrypting,
	PhaseTransferring,
	PhaseCompleted,
	PhaseFailed,
	PhaseCancelled,
}

// ParsePhase проверяет имя фазы
func ParsePhase(name string) (Phase, error) {
	for _, p := range orderedPhases {
		if string(p) == name {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown transfer phase %q", name)
}

// IsTerminal фаза, после которой передача не продолжается
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// CanMoveTo проверяет допустимость перехода по таблице рангов
func (p Phase) CanMoveTo(next Phase) bool {
	if p.IsTerminal() {
		return false
	}
	if next == PhaseFailed || next == PhaseCancelled {
		return true
	}
	from, ok1 := phaseRank[p]
	to, ok2 := phaseRank[next]
	return ok1 && ok2 && to > from
}

func (p Phase) String() string {
	return string(p)
}

// newPhaseFSM строит машину фаз по таблице рангов.
// Имя события совпадает с целевой фазой.
func newPhaseFSM() *fsm.FSM {
	events := make(fsm.Events, 0, len(orderedPhases))
	for _, dst := range orderedPhases {
		var src []string
		for _, from := range orderedPhases {
			if from.CanMoveTo(dst) {
				src = append(src, string(from))
			}
		}
		if len(src) == 0 {
			continue
		}
		events = append(events, fsm.EventDesc{Name: string(dst), Src: src, Dst: string(dst)})
	}
	return fsm.NewFSM(string(PhaseInitializing), events, nil)
}

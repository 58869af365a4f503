package stream

import "github.com/looplab/fsm"

// State состояние потока
type State string

// pending     – поток создан, движок ещё не начал согласование;
// negotiating – движок согласует поток с собеседником;
// active      – кодек согласован, медиа идёт;
// refused     – собеседник или пользователь отклонил поток до активации;
// removed     – поток удалён.
const (
	StatePending     State = "pending"
	StateNegotiating State = "negotiating"
	StateActive      State = "active"
	StateRefused     State = "refused"
	StateRemoved     State = "removed"
)

// Live поток ещё занимает свой вид в сессии
func (s State) Live() bool {
	return s == StatePending || s == StateNegotiating || s == StateActive
}

func (s State) String() string {
	return string(s)
}

const (
	eventNegotiate = "negotiate"
	eventActivate  = "activate"
	eventRefuse    = "refuse"
	eventRemove    = "remove"
)

// newStreamFSM жизненный цикл потока.
// Отказ возможен только до активации; активный поток можно только удалить.
// Удаление отклонённого потока убирает его из списка сессии.
func newStreamFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(StatePending),
		fsm.Events{
			{Name: eventNegotiate, Src: []string{string(StatePending)}, Dst: string(StateNegotiating)},
			{Name: eventActivate, Src: []string{string(StateNegotiating)}, Dst: string(StateActive)},
			{Name: eventRefuse, Src: []string{string(StatePending), string(StateNegotiating)}, Dst: string(StateRefused)},
			{Name: eventRemove, Src: []string{string(StatePending), string(StateNegotiating), string(StateActive), string(StateRefused)}, Dst: string(StateRemoved)},
		}, nil,
	)
}

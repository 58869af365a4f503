package session

import (
	"fmt"

	"github.com/looplab/fsm"
)

// State состояние сессии
type State string

// initializing   – сессия создана, движок ещё не начал вызов;
// dns_lookup .. starting_media – подсостояния установления (proceeding),
//                  движутся только вперёд;
// connected      – вызов установлен;
// ending         – завершение запрошено, ждём подтверждения движка;
// ended, failed  – терминальные.
const (
	StateInitializing  State = "initializing"
	StateDNSLookup     State = "dns_lookup"
	StateConnecting    State = "connecting"
	StateRinging       State = "ringing"
	StateStartingMedia State = "starting_media"
	StateConnected     State = "connected"
	StateEnding        State = "ending"
	StateEnded         State = "ended"
	StateFailed        State = "failed"
)

// AllStates все состояния в порядке жизненного цикла
var AllStates = []State{
	StateInitializing,
	StateDNSLookup,
	StateConnecting,
	StateRinging,
	StateStartingMedia,
	StateConnected,
	StateEnding,
	StateEnded,
	StateFailed,
}

// ParseState проверяет имя состояния
func ParseState(name string) (State, error) {
	for _, s := range AllStates {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown session state %q", name)
}

// IsTerminal ended или failed
func (s State) IsTerminal() bool {
	return s == StateEnded || s == StateFailed
}

// IsProceeding подсостояние установления вызова
func (s State) IsProceeding() bool {
	return s == StateDNSLookup || s == StateConnecting || s == StateRinging || s == StateStartingMedia
}

// IsSetup сессия ещё не вышла из установления
func (s State) IsSetup() bool {
	return s == StateInitializing || s.IsProceeding()
}

func (s State) String() string {
	return string(s)
}

// События машины состояний сессии, по одному на целевое состояние
const (
	eventLookup     = "lookup"
	eventConnect    = "connect"
	eventRing       = "ring"
	eventStartMedia = "start_media"
	eventEstablish  = "establish"
	eventEnd        = "end"
	eventFinish     = "finish"
	eventFail       = "fail"
)

var eventByTarget = map[State]string{
	StateDNSLookup:     eventLookup,
	StateConnecting:    eventConnect,
	StateRinging:       eventRing,
	StateStartingMedia: eventStartMedia,
	StateConnected:     eventEstablish,
	StateEnding:        eventEnd,
	StateEnded:         eventFinish,
	StateFailed:        eventFail,
}

func states(list ...State) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}

// stateEvents граф переходов сессии.
// Подсостояния установления можно пропускать, но не возвращаться;
// failed достижим из любого нетерминального состояния.
func stateEvents() fsm.Events {
	return fsm.Events{
		{Name: eventLookup, Src: states(StateInitializing), Dst: string(StateDNSLookup)},
		{Name: eventConnect, Src: states(StateInitializing, StateDNSLookup), Dst: string(StateConnecting)},
		{Name: eventRing, Src: states(StateInitializing, StateDNSLookup, StateConnecting), Dst: string(StateRinging)},
		{Name: eventStartMedia, Src: states(StateInitializing, StateDNSLookup, StateConnecting, StateRinging), Dst: string(StateStartingMedia)},
		{Name: eventEstablish, Src: states(StateInitializing, StateDNSLookup, StateConnecting, StateRinging, StateStartingMedia), Dst: string(StateConnected)},
		{Name: eventEnd, Src: states(StateInitializing, StateDNSLookup, StateConnecting, StateRinging, StateStartingMedia, StateConnected), Dst: string(StateEnding)},
		{Name: eventFinish, Src: states(StateInitializing, StateDNSLookup, StateConnecting, StateRinging, StateStartingMedia, StateConnected, StateEnding), Dst: string(StateEnded)},
		{Name: eventFail, Src: states(StateInitializing, StateDNSLookup, StateConnecting, StateRinging, StateStartingMedia, StateConnected, StateEnding), Dst: string(StateFailed)},
	}
}

// CanTransition проверяет ребро графа переходов без создания сессии
func CanTransition(from, to State) bool {
	event, ok := eventByTarget[to]
	if !ok {
		return false
	}
	for _, e := range stateEvents() {
		if e.Name != event {
			continue
		}
		for _, src := range e.Src {
			if src == string(from) {
				return true
			}
		}
	}
	return false
}

// ValidNextStates состояния, достижимые из from одним переходом
func ValidNextStates(from State) []State {
	var out []State
	for _, to := range AllStates {
		if CanTransition(from, to) {
			out = append(out, to)
		}
	}
	return out
}

package session

import (
	"context"

	"github.com/looplab/fsm"
)

// TransferState подсостояние перевода вызова.
// Живёт отдельно от состояния сессии: неудачный перевод не завершает вызов.
// none      – перевода не было;
// trying    – запрос отправлен движку (или получен от собеседника);
// succeeded – движок сообщил об успехе;
// failed    – перевод не удался, исходный вызов продолжается.
type TransferState string

const (
	TransferNone      TransferState = "none"
	TransferTrying    TransferState = "trying"
	TransferSucceeded TransferState = "succeeded"
	TransferFailed    TransferState = "failed"
)

// TransferInitiator кто запросил перевод
type TransferInitiator string

const (
	TransferByLocal  TransferInitiator = "local"
	TransferByRemote TransferInitiator = "remote"
)

// newTransferFSM оборачивает looplab/fsm для подсостояния перевода.
// Events: request, succeed, fail
func newTransferFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(TransferNone),
		fsm.Events{
			{Name: "request", Src: []string{string(TransferNone), string(TransferSucceeded), string(TransferFailed)}, Dst: string(TransferTrying)},
			{Name: "succeed", Src: []string{string(TransferTrying)}, Dst: string(TransferSucceeded)},
			{Name: "fail", Src: []string{string(TransferTrying)}, Dst: string(TransferFailed)},
		}, nil,
	)
}

// callTransfer состояние перевода вызова сессии
type callTransfer struct {
	machine   *fsm.FSM
	target    string
	initiator TransferInitiator
	reason    string
}

func newCallTransfer() *callTransfer {
	return &callTransfer{machine: newTransferFSM()}
}

func (t *callTransfer) state() TransferState {
	return TransferState(t.machine.Current())
}

func (t *callTransfer) request(target string, by TransferInitiator) error {
	if err := t.machine.Event(context.Background(), "request"); err != nil {
		return err
	}
	t.target = target
	t.initiator = by
	t.reason = ""
	return nil
}

func (t *callTransfer) resolve(success bool, reason string) error {
	event := "fail"
	if success {
		event = "succeed"
	}
	if err := t.machine.Event(context.Background(), event); err != nil {
		return err
	}
	t.reason = reason
	return nil
}

// TransferInfo снимок перевода вызова
type TransferInfo struct {
	State     TransferState     `json:"state"`
	Target    string            `json:"target,omitempty"`
	Initiator TransferInitiator `json:"initiator,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

func (t *callTransfer) info() TransferInfo {
	return TransferInfo{
		State:     t.state(),
		Target:    t.target,
		Initiator: t.initiator,
		Reason:    t.reason,
	}
}

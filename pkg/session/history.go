package session

import "time"

// DefaultHistorySize сколько переходов хранит сессия по умолчанию
const DefaultHistorySize = 20

// Transition запись о переходе состояния сессии
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Event  string    `json:"event"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// history ограниченная история переходов для отладки
type history struct {
	limit   int
	entries []Transition
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = DefaultHistorySize
	}
	return &history{limit: limit, entries: make([]Transition, 0, 10)}
}

func (h *history) add(t Transition) {
	h.entries = append(h.entries, t)
	if len(h.entries) > h.limit {
		h.entries = h.entries[len(h.entries)-h.limit:]
	}
}

// list возвращает копию истории
func (h *history) list() []Transition {
	out := make([]Transition, len(h.entries))
	copy(out, h.entries)
	return out
}

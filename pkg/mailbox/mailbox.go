// Package mailbox реализует неограниченную FIFO-очередь для
// однопоточных владельцев (актор сессии, диспетчер уведомлений).
//
// Push никогда не блокируется, поэтому отправитель, который сам
// обрабатывается владельцем очереди, не может себя заблокировать.
package mailbox

import (
	"context"
	"sync"
)

// Mailbox неограниченная очередь сообщений
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	notify chan struct{}
	closed bool
}

// New создает пустую очередь
func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{notify: make(chan struct{}, 1)}
}

// Push добавляет сообщение в конец очереди.
// Возвращает false, если очередь закрыта.
func (m *Mailbox[T]) Push(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.items = append(m.items, v)

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop извлекает следующее сообщение, ожидая его при пустой очереди.
// После Close сначала отдаются оставшиеся сообщения, затем ok=false.
func (m *Mailbox[T]) Pop(ctx context.Context) (v T, ok bool) {
	for {
		m.mu.Lock()
		if m.head < len(m.items) {
			v = m.items[m.head]
			var zero T
			m.items[m.head] = zero
			m.head++
			if m.head == len(m.items) {
				m.items = m.items[:0]
				m.head = 0
			}
			m.mu.Unlock()
			return v, true
		}
		if m.closed {
			m.mu.Unlock()
			return v, false
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-ctx.Done():
			return v, false
		}
	}
}

// Close закрывает очередь для новых сообщений
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.notify)
}

// Len количество ожидающих сообщений
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items) - m.head
}

package coordinator

import (
	"context"

	"github.com/arzzra/callcore/pkg/callerr"
	"github.com/arzzra/callcore/pkg/logging"
	"github.com/arzzra/callcore/pkg/session"
)

// onNotification вызывается из очереди сессии: ведёт учёт
// и ставит уведомление в очередь доставки.
func (c *Coordinator) onNotification(n session.Notification) {
	switch v := n.(type) {
	case session.StatusChanged:
		c.track(v)
		c.publish(func(o Observer) { o.SessionStatusChanged(v) })
	case session.ProgressChanged:
		c.publish(func(o Observer) { o.TransferProgressChanged(v) })
	case session.EncryptionChanged:
		c.publish(func(o Observer) { o.EncryptionStatusChanged(v) })
	case session.CallTransferChanged:
		c.publish(func(o Observer) { o.CallTransferChanged(v) })
	case session.RecordingStateChanged:
		c.publish(func(o Observer) { o.RecordingStateChanged(v) })
	}
}

// track освобождает исходящий слот после установления и убирает
// завершённую сессию из конференции
func (c *Coordinator) track(n session.StatusChanged) {
	state := n.Status.State
	var change *ConferenceChange

	c.mu.Lock()
	if !state.IsSetup() {
		delete(c.outgoing, n.SessionID)
	}
	if state.IsTerminal() {
		c.terminated[n.SessionID] = struct{}{}
		if groupID, ok := c.memberOf[n.SessionID]; ok {
			delete(c.memberOf, n.SessionID)
			members := c.groups[groupID]
			delete(members, n.SessionID)

			change = &ConferenceChange{GroupID: groupID}
			for id := range members {
				change.Members = append(change.Members, id)
			}
			if len(members) == 0 {
				delete(c.groups, groupID)
				change.Dissolved = true
			}
			c.metrics.SetConferences(len(c.groups))
		}
	}
	c.mu.Unlock()

	if change != nil {
		change.Members = sortedCopy(change.Members)
		c.publishConference(*change)
	}
}

func (c *Coordinator) publishConference(change ConferenceChange) {
	c.publish(func(o Observer) { o.ConferenceChanged(change) })
}

func (c *Coordinator) publish(fn func(Observer)) {
	if !c.deliveries.Push(fn) {
		c.logger.Debug(context.Background(), "notification after close dropped")
	}
}

// dispatch доставляет уведомления наблюдателям в порядке поступления
func (c *Coordinator) dispatch() {
	defer close(c.dispatchDone)
	for {
		fn, ok := c.deliveries.Pop(context.Background())
		if !ok {
			return
		}

		c.obsMu.RLock()
		subs := make([]subscription, len(c.observers))
		copy(subs, c.observers)
		c.obsMu.RUnlock()

		for _, s := range subs {
			c.deliver(s.observer, fn)
		}
	}
}

func (c *Coordinator) deliver(o Observer, fn func(Observer)) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.LogError(context.Background(), callerr.SystemRecovery("observer", r), "observer panicked",
				logging.String("component", "dispatcher"))
		}
	}()
	fn(o)
}

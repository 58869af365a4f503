package session

import (
	"context"

	"github.com/arzzra/callcore/pkg/callerr"
	"github.com/arzzra/callcore/pkg/logging"
	"github.com/arzzra/callcore/pkg/mailbox"
)

// Actor сериализует все обращения к одной сессии.
//
// Команды пользователя (Do) ждут результата, события движка (Post)
// ставятся в очередь без ожидания, поэтому движок может синхронно
// отвечать событиями из своих методов.
type Actor struct {
	session *Session
	box     *mailbox.Mailbox[func(*Session)]
	done    chan struct{}
	logger  logging.StructuredLogger
}

// NewActor запускает горутину очереди для сессии
func NewActor(s *Session) *Actor {
	a := &Actor{
		session: s,
		box:     mailbox.New[func(*Session)](),
		done:    make(chan struct{}),
		logger:  s.logger.WithComponent("actor"),
	}
	go a.run()
	return a
}

// ID идентификатор сессии
func (a *Actor) ID() string {
	return a.session.ID()
}

// Do выполняет fn в очереди сессии и ждёт результата
func (a *Actor) Do(ctx context.Context, fn func(*Session) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	result := make(chan error, 1)
	ok := a.box.Push(func(s *Session) {
		defer func() {
			if r := recover(); r != nil {
				result <- callerr.SystemRecovery("session", r).WithSession(s.ID())
			}
		}()
		result <- fn(s)
	})
	if !ok {
		return callerr.ActorStopped(a.ID())
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		select {
		case err := <-result:
			return err
		default:
			return callerr.ActorStopped(a.ID())
		}
	}
}

// Post ставит fn в очередь без ожидания. false, если очередь закрыта.
func (a *Actor) Post(fn func(*Session)) bool {
	return a.box.Push(fn)
}

// Stop закрывает очередь; уже поставленные сообщения будут выполнены
func (a *Actor) Stop() {
	a.box.Close()
}

// Done закрывается, когда горутина очереди завершилась
func (a *Actor) Done() <-chan struct{} {
	return a.done
}

func (a *Actor) run() {
	defer close(a.done)
	for {
		fn, ok := a.box.Pop(context.Background())
		if !ok {
			return
		}
		a.safeRun(fn)
	}
}

func (a *Actor) safeRun(fn func(*Session)) {
	defer func() {
		if r := recover(); r != nil {
			err := callerr.SystemRecovery("session", r).WithSession(a.ID())
			a.logger.LogError(context.Background(), err, "panic in session queue")
		}
	}()
	fn(a.session)
}

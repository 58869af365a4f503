// Package loopback движок без сети: записывает команды координатора
// и по желанию отвечает на них событиями. Используется в тестах и
// в команде replay.
package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/arzzra/callcore/pkg/callerr"
	"github.com/arzzra/callcore/pkg/logging"
	"github.com/arzzra/callcore/pkg/session"
)

// Операции движка, по которым можно настроить отказ
const (
	OpConnect        = "connect"
	OpAddStream      = "add_stream"
	OpRemoveStream   = "remove_stream"
	OpHold           = "hold"
	OpTransfer       = "transfer"
	OpTerminate      = "terminate"
	OpSendDTMF       = "send_dtmf"
	OpStartRecording = "start_recording"
	OpStopRecording  = "stop_recording"
)

// Sink получатель событий движка (координатор)
type Sink interface {
	OnSignalingEvent(ctx context.Context, sessionID string, ev session.Event)
}

// Call записанная команда
type Call struct {
	Op        string
	SessionID string
	Arg       string
}

func (c Call) String() string {
	if c.Arg == "" {
		return c.Op
	}
	return fmt.Sprintf("%s:%s", c.Op, c.Arg)
}

// Option настраивает Engine
type Option func(*Engine)

// WithAutoConfirm движок сам подтверждает команды событиями:
// Terminate -> ended, Hold -> HoldChanged(local),
// StartRecording и StopRecording -> RecordingChanged.
func WithAutoConfirm() Option {
	return func(e *Engine) { e.autoConfirm = true }
}

// WithLogger журнал движка
func WithLogger(l logging.StructuredLogger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine реализация session.Engine в памяти
type Engine struct {
	mu          sync.Mutex
	calls       []Call
	failures    map[string]error
	sink        Sink
	autoConfirm bool
	logger      logging.StructuredLogger
}

var _ session.Engine = (*Engine)(nil)

// New создает движок
func New(opts ...Option) *Engine {
	e := &Engine{failures: make(map[string]error)}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrDefault(e.logger).WithComponent("loopback")
	return e
}

// SetSink задаёт получателя событий
func (e *Engine) SetSink(s Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = s
}

// FailOn заставляет операцию op возвращать err; nil снимает отказ
func (e *Engine) FailOn(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failures, op)
		return
	}
	e.failures[op] = err
}

// FailOnSession отказ операции op только для одной сессии
func (e *Engine) FailOnSession(sessionID, op string, err error) {
	e.FailOn(op+"/"+sessionID, err)
}

// Calls копия записанных команд
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// CallsFor команды одной сессии
func (e *Engine) CallsFor(sessionID string) []Call {
	var out []Call
	for _, c := range e.Calls() {
		if c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	return out
}

// Emit отправляет событие получателю, как будто его прислала сеть
func (e *Engine) Emit(ctx context.Context, sessionID string, ev session.Event) {
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()

	if sink == nil {
		e.logger.Warn(ctx, "event emitted without sink",
			logging.String("session_id", sessionID),
			logging.String("event", ev.EventName()),
		)
		return
	}
	sink.OnSignalingEvent(ctx, sessionID, ev)
}

func (e *Engine) record(ctx context.Context, c Call) error {
	e.mu.Lock()
	e.calls = append(e.calls, c)
	err, ok := e.failures[c.Op+"/"+c.SessionID]
	if !ok {
		err = e.failures[c.Op]
	}
	e.mu.Unlock()

	e.logger.Debug(ctx, "engine command",
		logging.String("session_id", c.SessionID),
		logging.String("op", c.Op),
		logging.String("arg", c.Arg),
	)
	if err != nil {
		return callerr.Engine(c.SessionID, c.Op, err)
	}
	return nil
}

func (e *Engine) Connect(ctx context.Context, req session.ConnectRequest) error {
	return e.record(ctx, Call{Op: OpConnect, SessionID: req.SessionID, Arg: req.RemoteURI})
}

func (e *Engine) AddStream(ctx context.Context, sessionID string, spec session.StreamSpec) error {
	return e.record(ctx, Call{Op: OpAddStream, SessionID: sessionID, Arg: string(spec.Kind)})
}

func (e *Engine) RemoveStream(ctx context.Context, sessionID, streamID string) error {
	return e.record(ctx, Call{Op: OpRemoveStream, SessionID: sessionID, Arg: streamID})
}

func (e *Engine) Hold(ctx context.Context, sessionID string, hold bool) error {
	if err := e.record(ctx, Call{Op: OpHold, SessionID: sessionID, Arg: fmt.Sprint(hold)}); err != nil {
		return err
	}
	if e.autoConfirm {
		e.Emit(ctx, sessionID, session.HoldChanged{Party: session.HoldLocal, Hold: hold})
	}
	return nil
}

func (e *Engine) Transfer(ctx context.Context, sessionID, target string) error {
	return e.record(ctx, Call{Op: OpTransfer, SessionID: sessionID, Arg: target})
}

func (e *Engine) Terminate(ctx context.Context, sessionID string) error {
	if err := e.record(ctx, Call{Op: OpTerminate, SessionID: sessionID}); err != nil {
		return err
	}
	if e.autoConfirm {
		e.Emit(ctx, sessionID, session.SessionStateChanged{State: session.StateEnded})
	}
	return nil
}

func (e *Engine) SendDTMF(ctx context.Context, sessionID, streamID, digits string) error {
	return e.record(ctx, Call{Op: OpSendDTMF, SessionID: sessionID, Arg: digits})
}

func (e *Engine) StartRecording(ctx context.Context, sessionID, streamID, path string) error {
	if err := e.record(ctx, Call{Op: OpStartRecording, SessionID: sessionID, Arg: path}); err != nil {
		return err
	}
	if e.autoConfirm {
		e.Emit(ctx, sessionID, session.RecordingChanged{Recording: true, Path: path})
	}
	return nil
}

func (e *Engine) StopRecording(ctx context.Context, sessionID, streamID string) error {
	if err := e.record(ctx, Call{Op: OpStopRecording, SessionID: sessionID}); err != nil {
		return err
	}
	if e.autoConfirm {
		e.Emit(ctx, sessionID, session.RecordingChanged{Recording: false})
	}
	return nil
}

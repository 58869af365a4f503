package session

import (
	"context"

	"github.com/arzzra/callcore/pkg/stream"
)

// StreamSpec поток, о котором сессия сообщает движку
type StreamSpec struct {
	ID   string
	Kind stream.Kind
}

// ConnectRequest запрос на исходящий вызов
type ConnectRequest struct {
	SessionID   string
	RemoteURI   string
	DisplayName string
	Streams     []StreamSpec
}

// Engine внешний движок сигнализации и медиа.
//
// Все методы неблокирующие: движок принимает команду и позже сообщает
// результат событием. Ошибка означает немедленный отказ.
// Движок может синхронно отправлять события обратно в координатор:
// координатор ставит их в очередь сессии, а не обрабатывает на месте.
type Engine interface {
	Connect(ctx context.Context, req ConnectRequest) error
	AddStream(ctx context.Context, sessionID string, spec StreamSpec) error
	RemoveStream(ctx context.Context, sessionID, streamID string) error
	Hold(ctx context.Context, sessionID string, hold bool) error
	Transfer(ctx context.Context, sessionID, target string) error
	Terminate(ctx context.Context, sessionID string) error

	SendDTMF(ctx context.Context, sessionID, streamID, digits string) error
	StartRecording(ctx context.Context, sessionID, streamID, path string) error
	StopRecording(ctx context.Context, sessionID, streamID string) error
}

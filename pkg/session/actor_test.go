package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/callcore/pkg/callerr"
	"github.com/arzzra/callcore/pkg/logging"
	"github.com/arzzra/callcore/pkg/stream"
)

func newTestActor(t *testing.T) *Actor {
	t.Helper()
	s, err := New(Options{ID: "actor", Engine: newFakeEngine(), Logger: logging.NoOpLogger{}})
	require.NoError(t, err)
	a := NewActor(s)
	t.Cleanup(a.Stop)
	return a
}

func TestActorSerializesCommandsAndEvents(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()

	require.NoError(t, a.Do(ctx, func(s *Session) error {
		return s.Start(ctx, StreamOptions{Kind: stream.KindAudio})
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Post(func(s *Session) {
				_ = s.HandleEvent(ctx, CodecNegotiated{StreamRef: audio, Codec: "PCMU"})
			})
		}()
	}
	wg.Wait()

	var state State
	require.NoError(t, a.Do(ctx, func(s *Session) error {
		state = s.State()
		return nil
	}))
	assert.Equal(t, StateConnected, state)
}

func TestActorRecoversFromPanic(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()

	err := a.Do(ctx, func(s *Session) error {
		panic("boom")
	})
	assert.Equal(t, "SYSTEM_RECOVERY", callerr.Code(err))

	a.Post(func(s *Session) { panic("boom again") })

	// очередь продолжает работать
	require.NoError(t, a.Do(ctx, func(s *Session) error { return nil }))
}

func TestActorStopped(t *testing.T) {
	a := newTestActor(t)
	a.Stop()

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("actor did not stop")
	}

	err := a.Do(context.Background(), func(s *Session) error { return nil })
	assert.True(t, errors.Is(err, callerr.ErrActorStopped))
	assert.False(t, a.Post(func(s *Session) {}))
}

func TestActorDoRespectsContext(t *testing.T) {
	a := newTestActor(t)
	release := make(chan struct{})
	a.Post(func(s *Session) { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := a.Do(ctx, func(s *Session) error { return nil })
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

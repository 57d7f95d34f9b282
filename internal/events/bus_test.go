package events_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icpilot/internal/domain"
	"icpilot/internal/events"
	"icpilot/internal/store"
)

type recordingMirror struct {
	mu   sync.Mutex
	seen []int64
	fail bool
}

func (m *recordingMirror) Mirror(_ context.Context, evt domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, evt.Sequence)
	if m.fail {
		return errors.New("mirror down")
	}
	return nil
}

func newBus(t *testing.T) (*events.Bus, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	_, err := mem.CreateRun(context.Background(), store.CreateRunRequest{RunID: "run-1", MandateID: "balanced_growth"})
	require.NoError(t, err)
	bus := events.NewBus(mem, mem, nil)
	bus.PollInterval = 10 * time.Millisecond
	bus.HeartbeatInterval = time.Hour
	return bus, mem
}

func evt(seq int64, kind domain.EventKind) domain.Event {
	return domain.Event{RunID: "run-1", Sequence: seq, Kind: kind, Level: domain.LevelInfo, Message: string(kind)}
}

func collect(t *testing.T, ch <-chan domain.Event) []domain.Event {
	t.Helper()
	var out []domain.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatalf("stream did not close, got %d events", len(out))
		}
	}
}

func TestSubscribeReplaysAndClosesAfterTerminal(t *testing.T) {
	bus, mem := newBus(t)
	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, evt(1, domain.EventRunStarted)))
	require.NoError(t, bus.Publish(ctx, evt(2, domain.EventStageStarted)))
	require.NoError(t, bus.Publish(ctx, evt(3, domain.EventRunCompleted)))

	ch, err := bus.Subscribe(ctx, "run-1", 0)
	require.NoError(t, err)
	got := collect(t, ch)
	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	run, err := mem.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), run.EventCount)
	assert.NotNil(t, run.LastEventAt)
}

func TestSubscribeResumesFromCursor(t *testing.T) {
	bus, _ := newBus(t)
	ctx := context.Background()
	for seq := int64(1); seq <= 4; seq++ {
		require.NoError(t, bus.Publish(ctx, evt(seq, domain.EventProgressUpdate)))
	}
	require.NoError(t, bus.Publish(ctx, evt(5, domain.EventRunFailed)))

	ch, err := bus.Subscribe(ctx, "run-1", 3)
	require.NoError(t, err)
	got := collect(t, ch)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].Sequence)
	assert.Equal(t, domain.EventRunFailed, got[1].Kind)
}

func TestSubscribeFollowsLivePublishes(t *testing.T) {
	bus, _ := newBus(t)
	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, "run-1", 0)
	require.NoError(t, err)

	go func() {
		for seq := int64(1); seq <= 20; seq++ {
			kind := domain.EventProgressUpdate
			if seq == 20 {
				kind = domain.EventRunCompleted
			}
			_ = bus.Publish(ctx, evt(seq, kind))
		}
	}()

	got := collect(t, ch)
	require.Len(t, got, 20)
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1].Sequence+1, got[i].Sequence, "sequence gap at %d", i)
	}
}

func TestSubscribeSendsHeartbeatsWhileIdle(t *testing.T) {
	bus, _ := newBus(t)
	bus.HeartbeatInterval = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "run-1", 0)
	require.NoError(t, err)
	select {
	case e := <-ch:
		assert.Equal(t, domain.EventHeartbeat, e.Kind)
		assert.Equal(t, int64(0), e.Sequence)
	case <-time.After(5 * time.Second):
		t.Fatal("no heartbeat")
	}
	cancel()
	collect(t, ch)
}

func TestPublishRejectsHeartbeatsAndMissingSequence(t *testing.T) {
	bus, _ := newBus(t)
	ctx := context.Background()
	assert.Error(t, bus.Publish(ctx, domain.Heartbeat("run-1", time.Now())))
	assert.Error(t, bus.Publish(ctx, domain.Event{RunID: "run-1", Kind: domain.EventProgressUpdate}))
}

func TestMirrorFailureDoesNotFailPublish(t *testing.T) {
	bus, mem := newBus(t)
	mirror := &recordingMirror{fail: true}
	bus.Mirror = mirror
	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, evt(1, domain.EventRunStarted)))
	require.NoError(t, bus.Publish(ctx, evt(2, domain.EventRunCompleted)))
	assert.Equal(t, []int64{1, 2}, mirror.seen)

	evts, err := mem.EventsAfter(ctx, "run-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, evts, 2)
}

// Package events delivers workflow events. Publish appends to the durable
// event log and wakes local subscribers; Subscribe replays from a cursor and
// then follows the live log.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"icpilot/internal/domain"
	"icpilot/internal/store"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultPollInterval      = 500 * time.Millisecond
	subscriberBuffer         = 64
	pageSize                 = 100
)

// Mirror receives a copy of every published event. Mirror failures are
// logged and never fail a publish.
type Mirror interface {
	Mirror(ctx context.Context, evt domain.Event) error
}

// Bus implements store.EventBus on top of a store.EventLog.
type Bus struct {
	Log               store.EventLog
	Runs              store.RunStore
	Mirror            Mirror
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	Now               func() time.Time
	Logger            *slog.Logger

	mu   sync.Mutex
	wake map[string]chan struct{}
}

var _ store.EventBus = (*Bus)(nil)

// NewBus returns a bus with default intervals.
func NewBus(log store.EventLog, runs store.RunStore, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		Log:               log,
		Runs:              runs,
		HeartbeatInterval: DefaultHeartbeatInterval,
		PollInterval:      DefaultPollInterval,
		Now:               time.Now,
		Logger:            logger.With("component", "eventbus"),
	}
}

func (b *Bus) now() time.Time {
	if b.Now != nil {
		return b.Now().UTC()
	}
	return time.Now().UTC()
}

func (b *Bus) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// Publish persists evt and notifies subscribers of its run. Heartbeats are
// rejected: they only exist on subscriber streams.
func (b *Bus) Publish(ctx context.Context, evt domain.Event) error {
	if evt.Kind == domain.EventHeartbeat {
		return fmt.Errorf("heartbeats are not published")
	}
	if evt.RunID == "" || evt.Sequence <= 0 {
		return fmt.Errorf("event requires run_id and a positive sequence")
	}
	if evt.TS.IsZero() {
		evt.TS = b.now()
	}
	if _, err := b.Log.AppendEvent(ctx, evt); err != nil {
		return fmt.Errorf("append event %s#%d: %w", evt.RunID, evt.Sequence, err)
	}
	if b.Runs != nil {
		if err := b.Runs.TouchEvents(ctx, evt.RunID, evt.Sequence, evt.TS); err != nil {
			b.logger().Warn("touch_events_failed", "run_id", evt.RunID, "error", err)
		}
	}
	if b.Mirror != nil {
		if err := b.Mirror.Mirror(ctx, evt); err != nil {
			b.logger().Warn("event_mirror_failed", "run_id", evt.RunID, "sequence", evt.Sequence, "error", err)
		}
	}
	b.notify(evt.RunID)
	return nil
}

func (b *Bus) waitChan(runID string) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.wake == nil {
		b.wake = map[string]chan struct{}{}
	}
	ch, ok := b.wake[runID]
	if !ok {
		ch = make(chan struct{})
		b.wake[runID] = ch
	}
	return ch
}

func (b *Bus) notify(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.wake[runID]; ok {
		close(ch)
		delete(b.wake, runID)
	}
}

// Subscribe streams every event of runID with a sequence above cursor, in
// order. While idle the stream carries heartbeats. The channel is closed
// after the run's terminal event or when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, runID string, cursor int64) (<-chan domain.Event, error) {
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	if cursor < 0 {
		cursor = 0
	}
	out := make(chan domain.Event, subscriberBuffer)
	go b.follow(ctx, runID, cursor, out)
	return out, nil
}

func (b *Bus) follow(ctx context.Context, runID string, cursor int64, out chan<- domain.Event) {
	defer close(out)

	heartbeat := b.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	poll := b.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	hb := time.NewTimer(heartbeat)
	defer hb.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	send := func(evt domain.Event) bool {
		select {
		case out <- evt:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		wake := b.waitChan(runID)
		evts, err := b.Log.EventsAfter(ctx, runID, cursor, pageSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger().Warn("subscriber_fetch_failed", "run_id", runID, "cursor", cursor, "error", err)
		}
		for _, evt := range evts {
			if !send(evt) {
				return
			}
			cursor = evt.Sequence
			if evt.Kind.Terminal() {
				return
			}
		}
		if len(evts) > 0 {
			if !hb.Stop() {
				select {
				case <-hb.C:
				default:
				}
			}
			hb.Reset(heartbeat)
		}
		if len(evts) == pageSize {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		case <-hb.C:
			if !send(domain.Heartbeat(runID, b.now())) {
				return
			}
			hb.Reset(heartbeat)
		}
	}
}

// Replay returns the persisted events of runID after cursor without
// following the live log.
func (b *Bus) Replay(ctx context.Context, runID string, cursor int64, limit int) ([]domain.Event, error) {
	return b.Log.EventsAfter(ctx, runID, cursor, limit)
}

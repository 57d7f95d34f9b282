package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"icpilot/internal/domain"
)

const DefaultStreamPrefix = "ic:events:"

// RedisMirror appends every event to a per-run Redis stream so external
// consumers can follow runs without access to the event log database.
type RedisMirror struct {
	Client *redis.Client
	Prefix string
	MaxLen int64
}

// NewRedisMirror connects to addr and verifies the connection.
func NewRedisMirror(ctx context.Context, addr, prefix string, maxLen int64) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	if prefix == "" {
		prefix = DefaultStreamPrefix
	}
	return &RedisMirror{Client: client, Prefix: prefix, MaxLen: maxLen}, nil
}

// StreamKey is the stream holding the events of runID.
func (m *RedisMirror) StreamKey(runID string) string {
	return m.Prefix + runID
}

func (m *RedisMirror) Mirror(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: m.StreamKey(evt.RunID),
		Values: map[string]any{
			"sequence": evt.Sequence,
			"kind":     string(evt.Kind),
			"event":    string(data),
		},
	}
	if m.MaxLen > 0 {
		args.MaxLen = m.MaxLen
		args.Approx = true
	}
	return m.Client.XAdd(ctx, args).Err()
}

// Ping reports whether the Redis server is reachable.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.Client.Ping(ctx).Err()
}

func (m *RedisMirror) Close() error {
	return m.Client.Close()
}

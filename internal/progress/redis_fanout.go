package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisFanout wraps go-redis v9 to give the Progress Bus optional
// cross-process fan-out: every local Publish is also published to a
// Redis channel, and messages received from that channel are replayed
// into the local Bus, so multiple transport-adapter processes can all
// serve SSE subscribers for the same job. Falls back to the in-memory
// Bus alone when Redis is not configured.
type RedisFanout struct {
	rdb     *redis.Client
	bus     *Bus
	channel string
	origin  string // this process's id, filters out echoed messages
}

// envelope wraps an Event on the wire with its publishing process's id,
// so the relay can discard this process's own messages when Redis echoes
// them back.
type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// NewRedisFanout connects to Redis and wires it to bus. Returns the
// connection error (caller decides whether to fall back to Bus alone).
func NewRedisFanout(addr, password string, db int, bus *Bus) (*RedisFanout, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("progress: redis ping failed (%s): %w", addr, err)
	}

	f := &RedisFanout{rdb: rdb, bus: bus, channel: "reconciler:progress", origin: uuid.NewString()}
	bus.SetMirror(func(ev Event) {
		if err := f.forward(context.Background(), ev); err != nil {
			slog.Warn("progress: redis forward failed", "job_id", ev.JobID, "error", err)
		}
	})
	slog.Info("progress: redis fanout connected", "addr", addr, "db", db)
	go f.relay()
	return f, nil
}

// forward publishes ev to the shared Redis channel; local subscribers
// were already served by the Bus — this only extends reach to other
// processes.
func (f *RedisFanout) forward(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(envelope{Origin: f.origin, Event: ev})
	if err != nil {
		return fmt.Errorf("progress: marshal event: %w", err)
	}
	return f.rdb.Publish(ctx, f.channel, payload).Err()
}

// relay subscribes to the shared channel and replays every received Event
// into the local Bus, so subscribers attached to this process see events
// published by any other process.
func (f *RedisFanout) relay() {
	ctx := context.Background()
	sub := f.rdb.Subscribe(ctx, f.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		slog.Error("progress: redis subscribe failed", "error", err)
		return
	}

	for msg := range sub.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			slog.Warn("progress: discarding malformed redis event", "error", err)
			continue
		}
		if env.Origin == f.origin {
			continue
		}
		// deliver, not Publish: a relayed event must not be mirrored back
		// onto the channel it just arrived from
		f.bus.deliver(env.Event)
	}
}

// Close shuts down the underlying Redis client.
func (f *RedisFanout) Close() error {
	return f.rdb.Close()
}

package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/google/uuid"

	"github.com/slidecore/orchestrator/internal/platform/logger"
)

// DistributedBus forwards events published on one replica's Hub to every
// other replica's Hub, for multi-replica deployments where each process
// owns a disjoint subset of subscribers.
type DistributedBus struct {
	log       *logger.Logger
	rdb       *goredis.Client
	channel   string
	hub       *Hub
	replicaID string
}

// NewDistributedBus connects to addr and checks the connection with a
// ping. It starts nothing: the caller mirrors local events outward with
// Publish and forwards remote events inward with StartForwarder. Local
// events are published to the local hub directly by its producers; this
// type only needs to mirror them to/from Redis.
func NewDistributedBus(addr, channel string, hub *Hub, log *logger.Logger) (*DistributedBus, error) {
	if channel == "" {
		channel = "slidecore-events"
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &DistributedBus{
		log:       log.With("component", "DistributedEventBus"),
		rdb:       rdb,
		channel:   channel,
		hub:       hub,
		replicaID: uuid.NewString(),
	}, nil
}

// Publish mirrors a locally-produced event to every other replica. An
// event that already carries an Origin came in from another replica and
// is not sent back out.
func (b *DistributedBus) Publish(ctx context.Context, ev Event) error {
	if ev.Origin != "" {
		return nil
	}
	ev.Origin = b.replicaID
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// StartForwarder subscribes to the shared channel and republishes every
// remote event into the local Hub, so local subscribers observe events
// produced on any replica. It runs until ctx is cancelled.
func (b *DistributedBus) StartForwarder(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn("bad distributed event payload", "error", err)
					continue
				}
				if ev.Origin == b.replicaID {
					continue
				}
				b.hub.Publish(ev)
			}
		}
	}()
	return nil
}

func (b *DistributedBus) Close() error {
	return b.rdb.Close()
}

package notify

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ChannelSessionEvents is the pub/sub channel external consumers
// subscribe to in live mode.
const ChannelSessionEvents = "session:events"

const publishTimeout = 500 * time.Millisecond

// RedisPublisher mirrors notifications to a Redis pub/sub channel.
// Publish hands off to an internal queue so the processor hot path
// never waits on the network; the Run worker drains it. Redis being
// slow or absent costs mirrored notifications, nothing else.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	queue   chan Notification

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewRedisPublisher builds a publisher on rdb. An empty channel falls
// back to ChannelSessionEvents; capacity <= 0 to DefaultQueueSize.
func NewRedisPublisher(rdb *redis.Client, channel string, capacity int) *RedisPublisher {
	if channel == "" {
		channel = ChannelSessionEvents
	}
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &RedisPublisher{
		rdb:     rdb,
		channel: channel,
		queue:   make(chan Notification, capacity),
	}
}

// Publish enqueues for mirroring without blocking.
func (p *RedisPublisher) Publish(n Notification) bool {
	select {
	case p.queue <- n:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Run drains the queue until ctx is done. It always returns nil; a
// dead Redis is degradation, not failure.
func (p *RedisPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-p.queue:
			p.send(ctx, n)
		}
	}
}

func (p *RedisPublisher) send(ctx context.Context, n Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		p.failed.Add(1)
		return
	}
	cctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.rdb.Publish(cctx, p.channel, payload).Err(); err != nil {
		p.failed.Add(1)
		log.Warn().Err(err).Str("channel", p.channel).Msg("notification mirror publish failed")
		return
	}
	p.published.Add(1)
}

// Stats snapshots the publisher counters.
func (p *RedisPublisher) Stats() (published, dropped, failed uint64) {
	return p.published.Load(), p.dropped.Load(), p.failed.Load()
}

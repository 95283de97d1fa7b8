// Package events carries progress and lifecycle notifications between the
// pipeline and API subscribers. Topics are strings like
// "sync_job_progress:<job_id>"; a trailing "*" in a subscription matches any
// suffix. The in-process bus serves single-node deployments and tests; the
// Redis bus fans out across replicas.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Topic builders used across the codebase.
func SyncProgressTopic(jobID string) string   { return "sync_job_progress:" + jobID }
func EntityCountsTopic(syncID string) string  { return "entity_counts:" + syncID }
func SearchProgressTopic(reqID string) string { return "search_progress:" + reqID }
func OrgLifecycleTopic(orgID string) string   { return "organization_lifecycle:" + orgID }

// Message is one published event.
type Message struct {
	Topic   string
	Payload []byte
}

// Bus publishes and subscribes to topic streams.
type Bus interface {
	Publish(ctx context.Context, topic string, payload any) error
	// Subscribe returns a receive channel and a cancel function. The channel
	// is closed on cancel. Slow subscribers drop messages rather than block
	// publishers.
	Subscribe(ctx context.Context, pattern string) (<-chan Message, func())
}

// ── In-process bus ──────────────────────────────────────────

type memorySub struct {
	pattern string
	ch      chan Message
}

// MemoryBus is a channel fan-out bus.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[*memorySub]bool
}

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: map[*memorySub]bool{}}
}

func matches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(topic, prefix)
	}
	return false
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !matches(sub.pattern, topic) {
			continue
		}
		select {
		case sub.ch <- Message{Topic: topic, Payload: data}:
		default:
			// Subscriber is not keeping up; drop rather than stall the
			// pipeline.
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, pattern string) (<-chan Message, func()) {
	sub := &memorySub{pattern: pattern, ch: make(chan Message, 64)}
	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// ── Redis bus ───────────────────────────────────────────────

// RedisBus fans events out through Redis pub/sub so progress streams work
// across API replicas.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus wraps a Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, topic, data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, pattern string) (<-chan Message, func()) {
	pubsub := b.client.PSubscribe(ctx, pattern)
	out := make(chan Message, 64)

	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if err := pubsub.Close(); err != nil {
				log.Warn().Err(err).Str("pattern", pattern).Msg("close pubsub subscription")
			}
		})
	}
	return out, cancel
}

// Package bus is a small publish/subscribe fan-out layer on Redis. Producers
// publish lifecycle events to named topics; each topic fans out to one or
// more durable queues. Queues give at-least-once delivery: a received message
// is leased with a visibility deadline and redelivered unless acknowledged.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Message is a single queued event. Receipt is only set by non-Redis sources
// (SQS) that need it for acknowledgment.
type Message struct {
	ID      string
	Body    []byte
	Receipt string
}

// Bus coordinates topics, their bound queues, and message leasing in Redis.
type Bus struct {
	client        *redis.Client
	bindings      map[string][]string
	visibilityTTL time.Duration
	pollInterval  time.Duration
}

// New builds a bus over an existing Redis client. bindings maps each topic to
// the queues it fans out to; every process must be constructed with the same
// topology.
func New(client *redis.Client, bindings map[string][]string, visibility time.Duration) *Bus {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &Bus{
		client:        client,
		bindings:      bindings,
		visibilityTTL: visibility,
		pollInterval:  500 * time.Millisecond,
	}
}

func readyKey(queue string) string     { return "bus:ready:" + queue }
func inflightKey(queue string) string  { return "bus:inflight:" + queue }
func scheduledKey(queue string) string { return "bus:scheduled:" + queue }
func bodyKey(queue, id string) string  { return "bus:msg:" + queue + ":" + id }

// Publish marshals event and delivers it to every queue bound to topic.
func (b *Bus) Publish(ctx context.Context, topic string, event any) error {
	return b.publish(ctx, topic, event, time.Time{})
}

// PublishAfter schedules event for delivery once delay has elapsed. Used for
// the archival grace period.
func (b *Bus) PublishAfter(ctx context.Context, topic string, event any, delay time.Duration) error {
	return b.publish(ctx, topic, event, time.Now().Add(delay))
}

func (b *Bus) publish(ctx context.Context, topic string, event any, due time.Time) error {
	queues, ok := b.bindings[topic]
	if !ok || len(queues) == 0 {
		return fmt.Errorf("topic %q has no bound queues", topic)
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := b.client.TxPipeline()
	for _, q := range queues {
		id := uuid.New().String()
		pipe.Set(ctx, bodyKey(q, id), body, 0)
		if due.After(time.Now()) {
			pipe.ZAdd(ctx, scheduledKey(q), redis.Z{Score: float64(due.UnixMilli()), Member: id})
		} else {
			pipe.RPush(ctx, readyKey(q), id)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish to %q: %w", topic, err)
	}
	return nil
}

// Queue returns a consumer handle for the named durable queue.
func (b *Bus) Queue(name string) *Queue {
	return &Queue{bus: b, name: name}
}

// Queue is a durable consumer endpoint. Safe to consume from multiple
// processes concurrently; leasing makes each message visible to one consumer
// at a time.
type Queue struct {
	bus  *Bus
	name string
}

func (q *Queue) Name() string { return q.name }

// Receive long-polls the queue for up to wait, returning at most max leased
// messages. An empty slice after the wait elapses is not an error. Due
// scheduled messages and expired leases are promoted back to ready on every
// poll, which is the sole redelivery mechanism.
func (q *Queue) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := time.Now()
		if err := q.promote(ctx, scheduledKey(q.name), now); err != nil {
			return nil, err
		}
		if err := q.promote(ctx, inflightKey(q.name), now); err != nil {
			return nil, err
		}

		msgs, err := q.pop(ctx, max)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 || !time.Now().Before(deadline) {
			return msgs, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.bus.pollInterval):
		}
	}
}

// promote moves due members of a scored set (scheduled or expired-inflight)
// back onto the ready list.
func (q *Queue) promote(ctx context.Context, zkey string, now time.Time) error {
	ids, err := q.bus.client.ZRangeByScore(ctx, zkey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: 100,
	}).Result()
	if err != nil {
		return fmt.Errorf("promote %s: %w", zkey, err)
	}
	if len(ids) == 0 {
		return nil
	}
	pipe := q.bus.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, zkey, id)
		pipe.RPush(ctx, readyKey(q.name), id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (q *Queue) pop(ctx context.Context, max int) ([]Message, error) {
	deadline := time.Now().Add(q.bus.visibilityTTL).UnixMilli()
	res, err := popScript.Run(ctx, q.bus.client,
		[]string{readyKey(q.name), inflightKey(q.name)}, deadline, max).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop %s: %w", q.name, err)
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected type from pop script: %T", res)
	}
	msgs := make([]Message, 0, len(raw))
	for _, r := range raw {
		id, ok := r.(string)
		if !ok {
			continue
		}
		body, err := q.bus.client.Get(ctx, bodyKey(q.name, id)).Bytes()
		if err == redis.Nil {
			// Body already acked by a racing consumer; drop the lease.
			_ = q.bus.client.ZRem(ctx, inflightKey(q.name), id).Err()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetch body %s: %w", id, err)
		}
		msgs = append(msgs, Message{ID: id, Body: body})
	}
	return msgs, nil
}

// Ack removes a delivered message permanently. Not calling Ack leaves the
// message to reappear after the visibility deadline.
func (q *Queue) Ack(ctx context.Context, msg Message) error {
	pipe := q.bus.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(q.name), msg.ID)
	pipe.Del(ctx, bodyKey(q.name, msg.ID))
	_, err := pipe.Exec(ctx)
	return err
}

// Depth returns the number of messages ready for delivery.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.bus.client.LLen(ctx, readyKey(q.name)).Result()
}

var popScript = redis.NewScript(`
local ready = KEYS[1]
local inflight = KEYS[2]
local out = {}
for i = 1, tonumber(ARGV[2]) do
  local id = redis.call('LPOP', ready)
  if not id then break end
  redis.call('ZADD', inflight, ARGV[1], id)
  out[#out+1] = id
end
return out
`)

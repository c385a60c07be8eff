package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Broker is a named-queue message transport over Redis lists. Delivery is
// at-least-once: a consumed message sits in a per-queue processing list until
// the consumer acks it, so a crashed consumer leaves the message reclaimable.
type Broker struct {
	client *redis.Client
	block  time.Duration
}

// Delivery is one consumed message plus the raw bytes needed to ack it.
type Delivery struct {
	Queue string
	Raw   string
	Task  Task
}

// NewBroker builds a broker on an existing Redis client. block bounds how long
// a single Consume call waits for a message.
func NewBroker(client *redis.Client, block time.Duration) *Broker {
	if block <= 0 {
		block = 5 * time.Second
	}
	return &Broker{client: client, block: block}
}

func readyKey(queue string) string      { return "q:ready:" + queue }
func processingKey(queue string) string { return "q:processing:" + queue }
func scheduledKey(queue string) string  { return "q:scheduled:" + queue }

// Publish appends a task to the named queue for immediate delivery.
func (b *Broker) Publish(ctx context.Context, queue string, t Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := b.client.RPush(ctx, readyKey(queue), raw).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// PublishIn schedules a task for delivery after the given delay.
func (b *Broker) PublishIn(ctx context.Context, queue string, t Task, delay time.Duration) error {
	if delay <= 0 {
		return b.Publish(ctx, queue, t)
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	due := time.Now().Add(delay)
	err = b.client.ZAdd(ctx, scheduledKey(queue), redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: raw,
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule on %s: %w", queue, err)
	}
	return nil
}

// Consume promotes due scheduled tasks, then blocks for the next message on
// the named queue. It returns nil when the wait times out with nothing ready.
// The message is moved to the processing list and stays there until Ack.
func (b *Broker) Consume(ctx context.Context, queue string) (*Delivery, error) {
	if _, err := b.promoteDue(ctx, queue, time.Now()); err != nil {
		return nil, err
	}

	raw, err := b.client.BRPopLPush(ctx, readyKey(queue), processingKey(queue), b.block).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consume from %s: %w", queue, err)
	}

	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		// Undecodable bytes cannot be corrected by redelivery; drop them.
		_ = b.client.LRem(ctx, processingKey(queue), 1, raw).Err()
		return nil, fmt.Errorf("decode task from %s: %w", queue, err)
	}
	return &Delivery{Queue: queue, Raw: raw, Task: t}, nil
}

// Ack removes a delivered message from the processing list. Called only after
// the handler returns, so a crash mid-execution leaves the message for
// RequeueStale to reclaim.
func (b *Broker) Ack(ctx context.Context, d *Delivery) error {
	return b.client.LRem(ctx, processingKey(d.Queue), 1, d.Raw).Err()
}

// RequeueStale moves up to max messages from the processing list back onto the
// ready queue. The sweeper runs this per queue to reclaim deliveries held by
// crashed consumers.
func (b *Broker) RequeueStale(ctx context.Context, queue string, max int64) (int64, error) {
	var moved int64
	for i := int64(0); i < max; i++ {
		_, err := b.client.RPopLPush(ctx, processingKey(queue), readyKey(queue)).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("requeue stale on %s: %w", queue, err)
		}
		moved++
	}
	return moved, nil
}

// Depth returns the number of ready messages on the named queue.
func (b *Broker) Depth(ctx context.Context, queue string) (int64, error) {
	return b.client.LLen(ctx, readyKey(queue)).Result()
}

func (b *Broker) promoteDue(ctx context.Context, queue string, now time.Time) (int, error) {
	raws, err := b.client.ZRangeByScore(ctx, scheduledKey(queue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("read scheduled for %s: %w", queue, err)
	}
	if len(raws) == 0 {
		return 0, nil
	}

	pipe := b.client.TxPipeline()
	for _, raw := range raws {
		pipe.ZRem(ctx, scheduledKey(queue), raw)
		pipe.RPush(ctx, readyKey(queue), raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("promote scheduled for %s: %w", queue, err)
	}
	return len(raws), nil
}

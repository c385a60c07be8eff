package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBroker(t *testing.T) (*Broker, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewBroker(client, 200*time.Millisecond), client
}

func TestPublishConsumeAck(t *testing.T) {
	ctx := context.Background()
	b, client := newTestBroker(t)

	task, err := NewTask(TaskAIRun, map[string]any{"job_id": "j1"})
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	if err := b.Publish(ctx, "ai-tasks", task); err != nil {
		t.Fatalf("publish: %v", err)
	}

	d, err := b.Consume(ctx, "ai-tasks")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if d == nil {
		t.Fatalf("expected a delivery")
	}
	if d.Task.Name != TaskAIRun || d.Task.ID != task.ID {
		t.Fatalf("unexpected task: %+v", d.Task)
	}

	// Until acked the message sits in the processing list.
	if n := client.LLen(ctx, "q:processing:ai-tasks").Val(); n != 1 {
		t.Fatalf("expected 1 processing message, got %d", n)
	}
	if err := b.Ack(ctx, d); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n := client.LLen(ctx, "q:processing:ai-tasks").Val(); n != 0 {
		t.Fatalf("expected processing list drained, got %d", n)
	}
}

func TestConsumeTimesOutEmpty(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t)

	d, err := b.Consume(ctx, "preview-tasks")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if d != nil {
		t.Fatalf("expected no delivery, got %+v", d)
	}
}

func TestPublishInDelaysDelivery(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t)

	task, err := NewTask(TaskPreviewRun, map[string]any{"preview_id": "p1"})
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	if err := b.PublishIn(ctx, "preview-tasks", task, 300*time.Millisecond); err != nil {
		t.Fatalf("publish in: %v", err)
	}

	d, err := b.Consume(ctx, "preview-tasks")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if d != nil {
		t.Fatalf("expected scheduled task to not be visible yet")
	}

	time.Sleep(350 * time.Millisecond)

	d, err = b.Consume(ctx, "preview-tasks")
	if err != nil {
		t.Fatalf("consume after delay: %v", err)
	}
	if d == nil || d.Task.ID != task.ID {
		t.Fatalf("expected promoted task, got %+v", d)
	}
}

func TestRequeueStaleReclaimsUnacked(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t)

	task, err := NewTask(TaskAIRun, map[string]any{"job_id": "j1"})
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	if err := b.Publish(ctx, "ai-tasks", task); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Consume without acking, as a crashed worker would.
	if d, err := b.Consume(ctx, "ai-tasks"); err != nil || d == nil {
		t.Fatalf("consume: d=%v err=%v", d, err)
	}

	moved, err := b.RequeueStale(ctx, "ai-tasks", 10)
	if err != nil {
		t.Fatalf("requeue stale: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 reclaimed delivery, got %d", moved)
	}

	d, err := b.Consume(ctx, "ai-tasks")
	if err != nil {
		t.Fatalf("consume reclaimed: %v", err)
	}
	if d == nil || d.Task.ID != task.ID {
		t.Fatalf("expected redelivery of the same task, got %+v", d)
	}
}

func TestConsumeDropsUndecodableBytes(t *testing.T) {
	ctx := context.Background()
	b, client := newTestBroker(t)

	if err := client.RPush(ctx, "q:ready:ai-tasks", "not json").Err(); err != nil {
		t.Fatalf("rpush: %v", err)
	}

	if _, err := b.Consume(ctx, "ai-tasks"); err == nil {
		t.Fatalf("expected decode error")
	}
	if n := client.LLen(ctx, "q:processing:ai-tasks").Val(); n != 0 {
		t.Fatalf("expected undecodable bytes removed from processing, got %d", n)
	}
}

func TestTaskPayloadRoundTrip(t *testing.T) {
	payload := PreviewPayload{
		PreviewID:     "p1",
		UserID:        "u1",
		DeviceID:      "d1",
		TierSnapshot:  "Pro",
		SourceURL:     "https://example.test/a.png",
		RequestedAt:   "2026-01-02T03:04:05Z",
		SchemaVersion: SchemaVersion,
	}
	task, err := NewTask(TaskPreviewRun, payload)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}

	var got PreviewPayload
	if err := json.Unmarshal(task.Payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got != payload {
		t.Fatalf("payload mismatch: got %+v want %+v", got, payload)
	}
}

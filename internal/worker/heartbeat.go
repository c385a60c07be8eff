package worker

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
)

// Registry is the worker registry write path.
type Registry interface {
	UpsertHeartbeat(ctx context.Context, workerID, kind string, metadata map[string]any) error
}

// Heartbeater periodically upserts a liveness record for this worker process.
// Staleness detection lives entirely in the sweeper.
type Heartbeater struct {
	registry Registry
	workerID string
	kind     string
	interval time.Duration
}

// NewHeartbeater assigns a stable worker id for the process's lifetime.
func NewHeartbeater(reg Registry, kind string, interval time.Duration) *Heartbeater {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Heartbeater{
		registry: reg,
		workerID: kind + "-" + uuid.New().String(),
		kind:     kind,
		interval: interval,
	}
}

// WorkerID returns the process's registry identity.
func (h *Heartbeater) WorkerID() string { return h.workerID }

// Run beats immediately, then on every tick until cancellation.
func (h *Heartbeater) Run(ctx context.Context) {
	hostname, _ := os.Hostname()
	meta := map[string]any{"hostname": hostname, "pid": os.Getpid()}

	h.beat(ctx, meta)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Only the first beat carries metadata; later beats just bump the clock.
			h.beat(ctx, nil)
		}
	}
}

func (h *Heartbeater) beat(ctx context.Context, meta map[string]any) {
	if err := h.registry.UpsertHeartbeat(ctx, h.workerID, h.kind, meta); err != nil {
		log.Printf("heartbeat[%s]: %v", h.workerID, err)
	}
}

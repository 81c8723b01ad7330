package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Esekyi/mailSage/internal/models"
)

// Type distinguishes event payloads
type Type string

const (
	TypeTaskOutcome Type = "task.outcome"
	TypeJobStatus   Type = "job.status"
)

// Event is one delivery-state change, published for the webhook
// collaborator to consume
type Event struct {
	Type      Type               `json:"type"`
	JobID     string             `json:"job_id"`
	TaskID    string             `json:"task_id,omitempty"`
	OwnerID   string             `json:"owner_id"`
	Recipient string             `json:"recipient,omitempty"`
	Outcome   models.TaskOutcome `json:"outcome,omitempty"`
	Status    models.JobStatus   `json:"status,omitempty"`
	Error     string             `json:"error,omitempty"`
	At        time.Time          `json:"at"`
}

// Bus fans events out to subscribers. Publishing is fire-and-forget: a
// slow or absent consumer never blocks delivery, events are dropped when a
// subscriber's buffer is full.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	buffer int
	closed bool
	logger *slog.Logger
}

// NewBus creates a bus with the given per-subscriber buffer size
func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{buffer: buffer, logger: logger}
}

// Subscribe registers a consumer and returns its event channel. On a
// closed bus the returned channel is already closed, so a consumer
// ranging over it exits immediately instead of blocking forever.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers an event to every subscriber without blocking
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("dropping event for slow subscriber", "type", string(e.Type), "job_id", e.JobID)
		}
	}
}

// Close closes all subscriber channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

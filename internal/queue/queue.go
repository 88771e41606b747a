package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("queue is closed")

// Payload is the wire contract between the producer side and the workers.
type Payload struct {
	ContentID    uint      `json:"content_id"`
	Platform     string    `json:"platform"`
	TargetID     uint      `json:"target_id,omitempty"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// Delivery is one dequeued job.
type Delivery struct {
	Key     string
	Payload Payload
	Attempt int
}

// Handler processes a delivery. A returned error signals an infrastructure
// failure; business-level retries are handled by the consumer itself.
type Handler func(ctx context.Context, d *Delivery) error

// Queue is a durable, key-deduplicated, delayable job queue. Enqueue returns
// false without error when a job with the same key is already outstanding.
// Complete clears the dedup key once the job reached a settled state.
type Queue interface {
	Enqueue(ctx context.Context, key string, p *Payload, delay time.Duration) (bool, error)
	Consume(ctx context.Context, h Handler) error
	Complete(ctx context.Context, key string) error
	Close() error
}

// MemoryQueue is an in-process Queue used by tests and by single-node
// deployments that run without a broker. Delayed jobs fire on a timer. The
// jobs channel is never closed; every send selects against done so a delayed
// delivery racing Close cannot panic.
type MemoryQueue struct {
	mu          sync.Mutex
	outstanding map[string]bool
	jobs        chan *Delivery
	done        chan struct{}
	closed      bool
}

func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 256
	}
	return &MemoryQueue{
		outstanding: make(map[string]bool),
		jobs:        make(chan *Delivery, buffer),
		done:        make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, key string, p *Payload, delay time.Duration) (bool, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, ErrQueueClosed
	}
	if q.outstanding[key] {
		q.mu.Unlock()
		return false, nil
	}
	q.outstanding[key] = true
	q.mu.Unlock()

	d := &Delivery{Key: key, Payload: *p, Attempt: 1}
	if delay <= 0 {
		select {
		case q.jobs <- d:
		case <-q.done:
			return false, ErrQueueClosed
		case <-ctx.Done():
			return false, ctx.Err()
		}
		return true, nil
	}

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case q.jobs <- d:
			case <-q.done:
			case <-ctx.Done():
			}
		case <-q.done:
		case <-ctx.Done():
		}
	}()
	return true, nil
}

func (q *MemoryQueue) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case d := <-q.jobs:
			if err := h(ctx, d); err != nil && d.Attempt == 1 {
				// One broker-level redelivery, mirroring the durable queue.
				d.Attempt++
				select {
				case q.jobs <- d:
				case <-q.done:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		case <-q.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *MemoryQueue) Complete(ctx context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.outstanding, key)
	return nil
}

// Outstanding reports whether a job with the key is currently in flight.
func (q *MemoryQueue) Outstanding(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding[key]
}

// Len returns the number of immediately runnable jobs.
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueDeduplicatesByKey(t *testing.T) {
	q := NewMemoryQueue(16)
	defer q.Close()

	ok, err := q.Enqueue(context.Background(), "publish:1", &Payload{ContentID: 1}, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Enqueue(context.Background(), "publish:1", &Payload{ContentID: 1}, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, q.Len())
}

func TestMemoryQueueCompleteClearsKey(t *testing.T) {
	q := NewMemoryQueue(16)
	defer q.Close()

	_, err := q.Enqueue(context.Background(), "publish:1", &Payload{ContentID: 1}, 0)
	require.NoError(t, err)
	require.True(t, q.Outstanding("publish:1"))

	require.NoError(t, q.Complete(context.Background(), "publish:1"))
	assert.False(t, q.Outstanding("publish:1"))

	ok, err := q.Enqueue(context.Background(), "publish:1", &Payload{ContentID: 1}, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryQueueDelayedDelivery(t *testing.T) {
	q := NewMemoryQueue(16)
	defer q.Close()

	ok, err := q.Enqueue(context.Background(), "publish:1", &Payload{ContentID: 1}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	// Marked outstanding immediately, delivered only after the delay.
	assert.True(t, q.Outstanding("publish:1"))
	assert.Equal(t, 0, q.Len())

	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestMemoryQueueConsumeDeliversJobs(t *testing.T) {
	q := NewMemoryQueue(16)
	defer q.Close()

	_, err := q.Enqueue(context.Background(), "publish:7", &Payload{ContentID: 7, Platform: "twitter"}, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan *Delivery, 1)
	go func() {
		_ = q.Consume(ctx, func(ctx context.Context, d *Delivery) error {
			got <- d
			cancel()
			return nil
		})
	}()

	select {
	case d := <-got:
		assert.Equal(t, "publish:7", d.Key)
		assert.EqualValues(t, 7, d.Payload.ContentID)
		assert.Equal(t, "twitter", d.Payload.Platform)
		assert.Equal(t, 1, d.Attempt)
	case <-time.After(time.Second):
		t.Fatal("delivery not received")
	}
}

func TestMemoryQueueRedeliversOnceOnHandlerError(t *testing.T) {
	q := NewMemoryQueue(16)
	defer q.Close()

	_, err := q.Enqueue(context.Background(), "publish:7", &Payload{ContentID: 7}, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := make(chan int, 4)
	go func() {
		_ = q.Consume(ctx, func(ctx context.Context, d *Delivery) error {
			attempts <- d.Attempt
			if d.Attempt == 1 {
				return errors.New("transient")
			}
			cancel()
			return nil
		})
	}()

	assert.Equal(t, 1, <-attempts)
	assert.Equal(t, 2, <-attempts)
}

func TestMemoryQueueEnqueueAfterClose(t *testing.T) {
	q := NewMemoryQueue(16)
	require.NoError(t, q.Close())

	_, err := q.Enqueue(context.Background(), "publish:1", &Payload{ContentID: 1}, 0)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestMemoryQueueCloseDuringDelayedDelivery(t *testing.T) {
	q := NewMemoryQueue(16)

	_, err := q.Enqueue(context.Background(), "publish:1", &Payload{ContentID: 1}, 20*time.Millisecond)
	require.NoError(t, err)

	// Closing before the timer fires must drop the delivery, not panic.
	require.NoError(t, q.Close())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, q.Len())
}

func TestMemoryQueueConsumeReturnsOnClose(t *testing.T) {
	q := NewMemoryQueue(16)

	done := make(chan error, 1)
	go func() {
		done <- q.Consume(context.Background(), func(ctx context.Context, d *Delivery) error {
			return nil
		})
	}()

	require.NoError(t, q.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop on close")
	}
}

func TestClaimExpiryOutlivesDelayedDelivery(t *testing.T) {
	now := time.Now()

	// A claim must never be reapable while its message still waits in the
	// delay queue, including the longest retry backoff.
	for _, delay := range []time.Duration{0, time.Minute, time.Hour, 6 * time.Hour} {
		exp := claimExpiry(now, delay)
		assert.True(t, exp.After(now.Add(delay)), "claim for %s delay expires before delivery", delay)
	}

	assert.Equal(t, claimExpiry(now, 0), claimExpiry(now, -time.Minute))
}

package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/castrelay/castrelay/internal/config"
	"github.com/castrelay/castrelay/internal/models"
	"github.com/castrelay/castrelay/internal/queue"
	"github.com/castrelay/castrelay/internal/service/publisher"
)

// scriptedPublisher fails a configured number of attempts, then succeeds.
type scriptedPublisher struct {
	mu       sync.Mutex
	platform string
	failures int
	attempts int
}

func (p *scriptedPublisher) GetPlatformName() string { return p.platform }

func (p *scriptedPublisher) Publish(ctx context.Context, content publisher.PublishContent, creds publisher.Credentials, cfg publisher.PublishConfig) (*publisher.PublishResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.attempts <= p.failures {
		return nil, errors.New("upstream returned 500")
	}
	return &publisher.PublishResult{
		ExternalID:  "ext-123",
		PublishedAt: time.Now(),
	}, nil
}

func workerForTest(store Store, q queue.Queue, pub publisher.Publisher, recorder ErrorRecorder) *PublishWorker {
	cfg := &config.WorkersConfig{
		PublishConcurrency:   5,
		PublishRatePerMinute: 6000,
		MaxAttempts:          5,
	}
	manager := publisher.NewPublishManager(zap.NewNop())
	if pub != nil {
		_ = manager.RegisterPublisher(pub)
		manager.SetPlatformConfig(pub.GetPlatformName(), publisher.PublishConfig{
			PlatformName: pub.GetPlatformName(),
			Enabled:      true,
		})
	}
	return NewPublishWorker(cfg, store, q, &staticTokens{}, manager, recorder, nil, zap.NewNop())
}

func seedQueuedTarget(t *testing.T, store *memStore, platform string) (*models.ContentItem, *models.PlatformTarget) {
	t.Helper()
	id := store.addContent(models.ContentItem{
		Title:        "Launch post",
		Body:         "We are live",
		Status:       models.ContentStatusQueued,
		ScheduledFor: time.Now().Add(-time.Minute),
		Platforms:    models.StringArray{platform},
	})
	store.addUser(models.User{ID: 7})
	target := &models.PlatformTarget{
		ContentID: id,
		Platform:  platform,
		Status:    models.TargetStatusQueued,
	}
	require.NoError(t, store.CreateTarget(context.Background(), target))
	item, err := store.GetContent(context.Background(), id)
	require.NoError(t, err)
	return item, target
}

func TestHandlePublishSuccess(t *testing.T) {
	store := newMemStore()
	q := queue.NewMemoryQueue(16)
	pub := &scriptedPublisher{platform: "twitter"}
	w := workerForTest(store, q, pub, &nopRecorder{})

	item, target := seedQueuedTarget(t, store, "twitter")
	key := PublishJobKey(target.ID)
	_, err := q.Enqueue(context.Background(), key, &queue.Payload{
		ContentID: item.ID, Platform: "twitter", TargetID: target.ID,
	}, 0)
	require.NoError(t, err)

	err = w.Handle(context.Background(), &queue.Delivery{
		Key:     key,
		Payload: queue.Payload{ContentID: item.ID, Platform: "twitter", TargetID: target.ID},
		Attempt: 1,
	})
	require.NoError(t, err)

	got, err := store.GetTarget(context.Background(), target.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TargetStatusPublished, got.Status)
	assert.Equal(t, "ext-123", got.ExternalID)
	assert.NotNil(t, got.PublishedAt)
	assert.Zero(t, got.RetryCount)
	assert.False(t, q.Outstanding(key))

	// Single target settled, so the content status rolls up.
	updated, err := store.GetContent(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContentStatusPublished, updated.Status)
}

func TestHandleFailureSchedulesRetry(t *testing.T) {
	store := newMemStore()
	q := queue.NewMemoryQueue(16)
	pub := &scriptedPublisher{platform: "twitter", failures: 10}
	w := workerForTest(store, q, pub, &nopRecorder{})

	item, target := seedQueuedTarget(t, store, "twitter")
	key := PublishJobKey(target.ID)

	before := time.Now()
	err := w.Handle(context.Background(), &queue.Delivery{
		Key:     key,
		Payload: queue.Payload{ContentID: item.ID, Platform: "twitter", TargetID: target.ID},
		Attempt: 1,
	})
	require.NoError(t, err)

	got, err := store.GetTarget(context.Background(), target.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TargetStatusRetrying, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.ErrorMessage, "upstream returned 500")
	require.NotNil(t, got.NextRetryAt)
	assert.WithinDuration(t, before.Add(time.Minute), *got.NextRetryAt, 5*time.Second)

	// The retry job is re-enqueued under the same key with the backoff delay.
	assert.True(t, q.Outstanding(key))
}

func TestHandleFailureExhaustsRetries(t *testing.T) {
	store := newMemStore()
	q := queue.NewMemoryQueue(16)
	pub := &scriptedPublisher{platform: "twitter", failures: 10}
	recorder := &nopRecorder{}
	w := workerForTest(store, q, pub, recorder)

	item, target := seedQueuedTarget(t, store, "twitter")
	target.RetryCount = 4
	target.Status = models.TargetStatusRetrying
	require.NoError(t, store.SaveTarget(context.Background(), target))
	key := PublishJobKey(target.ID)

	err := w.Handle(context.Background(), &queue.Delivery{
		Key:     key,
		Payload: queue.Payload{ContentID: item.ID, Platform: "twitter", TargetID: target.ID},
		Attempt: 1,
	})
	require.NoError(t, err)

	got, err := store.GetTarget(context.Background(), target.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TargetStatusFailed, got.Status)
	assert.Equal(t, 5, got.RetryCount)
	assert.Nil(t, got.NextRetryAt)
	assert.False(t, q.Outstanding(key))
	assert.Equal(t, 1, recorder.count)

	updated, err := store.GetContent(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContentStatusFailed, updated.Status)
}

func TestHandleDropsJobForMissingContent(t *testing.T) {
	store := newMemStore()
	q := queue.NewMemoryQueue(16)
	w := workerForTest(store, q, &scriptedPublisher{platform: "twitter"}, &nopRecorder{})

	key := "publish:999"
	_, err := q.Enqueue(context.Background(), key, &queue.Payload{ContentID: 999, Platform: "twitter"}, 0)
	require.NoError(t, err)

	err = w.Handle(context.Background(), &queue.Delivery{
		Key:     key,
		Payload: queue.Payload{ContentID: 999, Platform: "twitter"},
		Attempt: 1,
	})
	require.NoError(t, err)
	assert.False(t, q.Outstanding(key))
}

func TestHandleSkipsSettledTarget(t *testing.T) {
	store := newMemStore()
	q := queue.NewMemoryQueue(16)
	pub := &scriptedPublisher{platform: "twitter"}
	w := workerForTest(store, q, pub, &nopRecorder{})

	item, target := seedQueuedTarget(t, store, "twitter")
	target.Status = models.TargetStatusCanceled
	require.NoError(t, store.SaveTarget(context.Background(), target))

	err := w.Handle(context.Background(), &queue.Delivery{
		Key:     PublishJobKey(target.ID),
		Payload: queue.Payload{ContentID: item.ID, Platform: "twitter", TargetID: target.ID},
		Attempt: 1,
	})
	require.NoError(t, err)
	assert.Zero(t, pub.attempts)
}

type fakeSyncTrigger struct {
	mu  sync.Mutex
	ids []uint
}

func (f *fakeSyncTrigger) EnqueueSync(ctx context.Context, contentID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, contentID)
	return nil
}

func TestHandleEventTargetWaitsForSync(t *testing.T) {
	store := newMemStore()
	q := queue.NewMemoryQueue(16)
	trigger := &fakeSyncTrigger{}
	w := workerForTest(store, q, nil, &nopRecorder{})
	w.sync = trigger

	item, target := seedQueuedTarget(t, store, EventPlatform)

	err := w.Handle(context.Background(), &queue.Delivery{
		Key:     PublishJobKey(target.ID),
		Payload: queue.Payload{ContentID: item.ID, Platform: EventPlatform, TargetID: target.ID},
		Attempt: 1,
	})
	require.NoError(t, err)

	// No remote link yet: a sync is requested and the target retries later.
	assert.Equal(t, []uint{item.ID}, trigger.ids)
	got, err := store.GetTarget(context.Background(), target.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TargetStatusRetrying, got.Status)
}

func TestHandleEventTargetSettlesOnceLinked(t *testing.T) {
	store := newMemStore()
	q := queue.NewMemoryQueue(16)
	trigger := &fakeSyncTrigger{}
	w := workerForTest(store, q, nil, &nopRecorder{})
	w.sync = trigger

	item, target := seedQueuedTarget(t, store, EventPlatform)
	eventID := "evt-9"
	item.RemoteEventID = &eventID
	require.NoError(t, store.SaveContent(context.Background(), item))

	err := w.Handle(context.Background(), &queue.Delivery{
		Key:     PublishJobKey(target.ID),
		Payload: queue.Payload{ContentID: item.ID, Platform: EventPlatform, TargetID: target.ID},
		Attempt: 1,
	})
	require.NoError(t, err)

	got, err := store.GetTarget(context.Background(), target.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TargetStatusPublished, got.Status)
	assert.Equal(t, eventID, got.ExternalID)
	assert.False(t, q.Outstanding(PublishJobKey(target.ID)))
}

func TestBackoffDelayTable(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Minute},
		{2, 5 * time.Minute},
		{3, 15 * time.Minute},
		{4, time.Hour},
		{5, 6 * time.Hour},
		{6, 6 * time.Hour},
		{9, 6 * time.Hour},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, BackoffDelay(tc.attempt), "attempt %d", tc.attempt)
	}
}

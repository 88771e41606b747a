package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/castrelay/castrelay/internal/config"
	"github.com/castrelay/castrelay/internal/models"
	"github.com/castrelay/castrelay/internal/queue"
)

func sweepForTest(store Store, r *Reconciler) *SweepService {
	cfg := &config.SyncConfig{
		Enabled:       true,
		GuildID:       "guild-1",
		SweepInterval: "24h",
		StaleAfter:    "24h",
		SweepBatch:    100,
	}
	return NewSweepService(cfg, store, r, zap.NewNop())
}

func TestRunSweepEnqueuesUnlinkedAndStaleItems(t *testing.T) {
	store := newMemStore()
	q := queue.NewMemoryQueue(16)
	r := reconcilerForTest(store, newMemLocker(), newRecordingEventAPI(), q)
	s := sweepForTest(store, r)

	// Never synced.
	unlinked := store.addContent(eventItem("Never synced"))

	// Synced long ago.
	eventID := "evt-old"
	old := time.Now().Add(-48 * time.Hour)
	stale := eventItem("Stale link")
	stale.RemoteEventID = &eventID
	stale.RemoteSyncedVersion = 1
	stale.LastSyncedAt = &old
	staleID := store.addContent(stale)

	// Freshly synced, must not be picked up.
	freshEventID := "evt-fresh"
	now := time.Now()
	fresh := eventItem("Fresh link")
	fresh.RemoteEventID = &freshEventID
	fresh.RemoteSyncedVersion = 1
	fresh.LastSyncedAt = &now
	freshID := store.addContent(fresh)

	// Not discord-eligible at all.
	store.addContent(models.ContentItem{
		Title:        "Plain post",
		ContentType:  "text",
		Status:       models.ContentStatusScheduled,
		ScheduledFor: time.Now(),
		Platforms:    models.StringArray{"twitter"},
	})

	require.NoError(t, s.RunSweep(context.Background()))

	assert.True(t, q.Outstanding(SyncJobKey(unlinked)))
	assert.True(t, q.Outstanding(SyncJobKey(staleID)))
	assert.False(t, q.Outstanding(SyncJobKey(freshID)))
	assert.Equal(t, 2, q.Len())
}

func TestRunSweepRecoversPendingRemoteDelete(t *testing.T) {
	store := newMemStore()
	q := queue.NewMemoryQueue(16)
	api := newRecordingEventAPI()
	r := reconcilerForTest(store, newMemLocker(), api, q)
	s := sweepForTest(store, r)

	// Deleted locally while the delete-time sync enqueue was lost; the
	// remote event is still linked.
	eventID := "evt-orphan"
	linked := eventItem("Cancelled show")
	linked.RemoteEventID = &eventID
	linked.RemoteSyncedVersion = 1
	linkedID := store.addContent(linked)
	require.NoError(t, store.SoftDeleteContent(context.Background(), linkedID))

	// Deleted with no remote link: nothing outstanding, must not be swept.
	unlinked := eventItem("Never pushed")
	unlinkedID := store.addContent(unlinked)
	require.NoError(t, store.SoftDeleteContent(context.Background(), unlinkedID))

	require.NoError(t, s.RunSweep(context.Background()))

	assert.True(t, q.Outstanding(SyncJobKey(linkedID)))
	assert.False(t, q.Outstanding(SyncJobKey(unlinkedID)))

	// The enqueued sync pushes the outstanding remote delete.
	require.NoError(t, r.ProcessSync(context.Background(), linkedID))
	require.Equal(t, 1, api.callCount())
	assert.Equal(t, "delete", api.calls[0].op)
	assert.Equal(t, eventID, api.calls[0].eventID)
}

func TestRunSweepCollapsesOnOutstandingJobs(t *testing.T) {
	store := newMemStore()
	q := queue.NewMemoryQueue(16)
	r := reconcilerForTest(store, newMemLocker(), newRecordingEventAPI(), q)
	s := sweepForTest(store, r)

	store.addContent(eventItem("Never synced"))

	require.NoError(t, s.RunSweep(context.Background()))
	require.NoError(t, s.RunSweep(context.Background()))

	assert.Equal(t, 1, q.Len())
}

package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/castrelay/castrelay/internal/queue"
)

func TestHandleEventUpdatedAppliesRemoteEdit(t *testing.T) {
	store := newMemStore()
	l := NewEventListener(store, zap.NewNop())

	eventID := "evt-55"
	item := eventItem("Original title")
	item.RemoteEventID = &eventID
	item.RemoteSyncedVersion = 1
	id := store.addContent(item)

	newStart := time.Date(2026, 9, 12, 20, 0, 0, 0, time.UTC)
	err := l.HandleEventUpdated(context.Background(), &RemoteEventUpdate{
		EventID:   eventID,
		Name:      "Edited on the remote side",
		StartTime: &newStart,
	})
	require.NoError(t, err)

	got, err := store.GetContent(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Edited on the remote side", got.Title)
	assert.Equal(t, newStart, got.ScheduledFor)
	// Untouched fields survive.
	assert.Equal(t, "Community stream", got.Body)
	// Versions are aligned so the edit does not bounce back.
	assert.Equal(t, got.LocalVersion, got.RemoteSyncedVersion)
}

func TestHandleEventUpdatedDoesNotTriggerRepush(t *testing.T) {
	store := newMemStore()
	lock := newMemLocker()
	api := newRecordingEventAPI()
	r := reconcilerForTest(store, lock, api, queue.NewMemoryQueue(16))
	l := NewEventListener(store, zap.NewNop())

	id := store.addContent(eventItem("Round trip"))
	require.NoError(t, r.ProcessSync(context.Background(), id))
	require.Equal(t, 1, api.callCount())

	item, err := store.GetContent(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, l.HandleEventUpdated(context.Background(), &RemoteEventUpdate{
		EventID: *item.RemoteEventID,
		Name:    "Renamed remotely",
	}))

	// The reconciler sees the item as synced and leaves the remote alone.
	require.NoError(t, r.ProcessSync(context.Background(), id))
	assert.Equal(t, 1, api.callCount())
}

func TestHandleEventUpdatedUnknownEventIsNoOp(t *testing.T) {
	store := newMemStore()
	l := NewEventListener(store, zap.NewNop())

	err := l.HandleEventUpdated(context.Background(), &RemoteEventUpdate{
		EventID: "evt-not-ours",
		Name:    "Someone else's event",
	})
	require.NoError(t, err)
}

func TestHandleEventDeletedSoftDeletesLocalItem(t *testing.T) {
	store := newMemStore()
	lock := newMemLocker()
	api := newRecordingEventAPI()
	r := reconcilerForTest(store, lock, api, queue.NewMemoryQueue(16))
	l := NewEventListener(store, zap.NewNop())

	eventID := "evt-77"
	item := eventItem("Cancelled remotely")
	item.RemoteEventID = &eventID
	item.RemoteSyncedVersion = 1
	id := store.addContent(item)

	require.NoError(t, l.HandleEventDeleted(context.Background(), eventID))

	_, err := store.GetContent(context.Background(), id)
	require.Error(t, err)

	got, err := store.GetContentAny(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, got.DeletedAt.Valid)
	assert.Nil(t, got.RemoteEventID)

	// No delete is pushed back at the remote platform.
	require.NoError(t, r.ProcessSync(context.Background(), id))
	assert.Zero(t, api.callCount())
}

func TestHandleEventDeletedUnknownEventIsNoOp(t *testing.T) {
	store := newMemStore()
	l := NewEventListener(store, zap.NewNop())

	require.NoError(t, l.HandleEventDeleted(context.Background(), "evt-not-ours"))
}

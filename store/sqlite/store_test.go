package sqlite

import (
	"context"
	"testing"

	"flowcore/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestEventStoreAppendIsGapFreeAndMonotonic(t *testing.T) {
	client := newTestClient(t)
	store := NewEventStore(client)
	ctx := context.Background()

	first, err := store.Append(ctx, "inst-1", domain.EventWorkflowStarted, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.SequenceNumber)

	second, err := store.Append(ctx, "inst-1", domain.EventTaskCreated, domain.TaskLifecyclePayload{TaskReference: "/do"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.SequenceNumber)
	assert.NotEmpty(t, second.ID)
}

func TestEventStoreLoadFiltersBySequence(t *testing.T) {
	client := newTestClient(t)
	store := NewEventStore(client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Append(ctx, "inst-2", domain.EventTaskCreated, nil)
		require.NoError(t, err)
	}

	events, err := store.Load(ctx, "inst-2", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].SequenceNumber)
	assert.Equal(t, int64(3), events[1].SequenceNumber)
}

func TestEventStoreSequencesAreIndependentPerInstance(t *testing.T) {
	client := newTestClient(t)
	store := NewEventStore(client)
	ctx := context.Background()

	a, err := store.Append(ctx, "inst-a", domain.EventWorkflowStarted, nil)
	require.NoError(t, err)
	b, err := store.Append(ctx, "inst-b", domain.EventWorkflowStarted, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.SequenceNumber)
	assert.Equal(t, int64(1), b.SequenceNumber)
}

func TestCheckpointStoreSavesLatestOnly(t *testing.T) {
	client := newTestClient(t)
	store := NewCheckpointStore(client)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, domain.Checkpoint{InstanceID: "inst-3", CurrentTask: "/a", SequenceNumber: 1}))
	require.NoError(t, store.Save(ctx, domain.Checkpoint{InstanceID: "inst-3", CurrentTask: "/b", SequenceNumber: 2}))

	loaded, ok, err := store.Load(ctx, "inst-3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/b", loaded.CurrentTask)
	assert.Equal(t, int64(2), loaded.SequenceNumber)
}

func TestCheckpointStoreLoadMissingReturnsFalse(t *testing.T) {
	client := newTestClient(t)
	store := NewCheckpointStore(client)

	_, ok, err := store.Load(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheStoreGetPutRoundTrip(t *testing.T) {
	client := newTestClient(t)
	store := NewCacheStore(client)
	ctx := context.Background()

	_, found, err := store.Get(ctx, "fp-1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Put(ctx, domain.CacheEntry{Fingerprint: "fp-1", Output: []byte(`{"ok":true}`)}))

	entry, found, err := store.Get(ctx, "fp-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"ok":true}`, string(entry.Output))
}

func TestCacheStoreCoordinateGrantsExactlyOneLeader(t *testing.T) {
	client := newTestClient(t)
	store := NewCacheStore(client)
	ctx := context.Background()

	leader1, release1, err := store.Coordinate(ctx, "fp-2")
	require.NoError(t, err)
	assert.True(t, leader1)

	leader2, _, err := store.Coordinate(ctx, "fp-2")
	require.NoError(t, err)
	assert.False(t, leader2)

	release1()

	leader3, release3, err := store.Coordinate(ctx, "fp-2")
	require.NoError(t, err)
	assert.True(t, leader3)
	release3()
}

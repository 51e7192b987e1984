package memory

import (
	"context"
	"sync"
	"testing"

	"flowcore/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventStoreAppendIsGapFreeAndMonotonic(t *testing.T) {
	store := NewEventStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		event, err := store.Append(ctx, "inst-1", domain.EventTaskStarted, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), event.SequenceNumber)
	}

	events, err := store.Load(ctx, "inst-1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.SequenceNumber)
	}
}

func TestEventStoreLoadFiltersBySequence(t *testing.T) {
	store := NewEventStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Append(ctx, "inst-1", domain.EventTaskStarted, nil)
		require.NoError(t, err)
	}

	events, err := store.Load(ctx, "inst-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].SequenceNumber)
	assert.Equal(t, int64(3), events[1].SequenceNumber)
}

func TestEventStoreSequencesAreIndependentPerInstance(t *testing.T) {
	store := NewEventStore()
	ctx := context.Background()

	first, err := store.Append(ctx, "inst-a", domain.EventTaskStarted, nil)
	require.NoError(t, err)
	second, err := store.Append(ctx, "inst-b", domain.EventTaskStarted, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.SequenceNumber)
	assert.Equal(t, int64(1), second.SequenceNumber)
}

func TestCheckpointStoreSavesLatestOnly(t *testing.T) {
	store := NewCheckpointStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, domain.Checkpoint{InstanceID: "inst-1", SequenceNumber: 1}))
	require.NoError(t, store.Save(ctx, domain.Checkpoint{InstanceID: "inst-1", SequenceNumber: 2}))

	cp, ok, err := store.Load(ctx, "inst-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), cp.SequenceNumber)
}

func TestCheckpointStoreLoadMissingReturnsFalse(t *testing.T) {
	store := NewCheckpointStore()
	_, ok, err := store.Load(context.Background(), "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheStoreGetPutRoundTrip(t *testing.T) {
	store := NewCacheStore()
	ctx := context.Background()

	_, hit, err := store.Get(ctx, "fp-1")
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, store.Put(ctx, domain.CacheEntry{Fingerprint: "fp-1", Output: []byte(`{"ok":true}`)}))

	entry, hit, err := store.Get(ctx, "fp-1")
	require.NoError(t, err)
	require.True(t, hit)
	assert.JSONEq(t, `{"ok":true}`, string(entry.Output))
}

func TestCacheStoreCoordinateGrantsExactlyOneLeader(t *testing.T) {
	store := NewCacheStore()
	ctx := context.Background()

	const racers = 8
	var wg sync.WaitGroup
	var leaders int32
	var mu sync.Mutex
	var releases []func()

	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wg.Done()
			isLeader, release, err := store.Coordinate(ctx, "fp-race")
			require.NoError(t, err)
			mu.Lock()
			if isLeader {
				leaders++
			}
			releases = append(releases, release)
			mu.Unlock()
		}()
	}
	wg.Wait()
	for _, release := range releases {
		release()
	}

	assert.Equal(t, int32(1), leaders)
}

func TestCacheStoreCoordinateReleaseAllowsNextLeader(t *testing.T) {
	store := NewCacheStore()
	ctx := context.Background()

	isLeader, release, err := store.Coordinate(ctx, "fp-1")
	require.NoError(t, err)
	require.True(t, isLeader)
	release()

	isLeader, release, err = store.Coordinate(ctx, "fp-1")
	require.NoError(t, err)
	require.True(t, isLeader)
	release()
}

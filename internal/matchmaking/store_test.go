package matchmaking

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/pairchat/internal/models"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"redis":  NewRedis(client, Keys{}),
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) { fn(t, s) })
	}
}

func TestStore_JoinPairsInArrivalOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		res, err := s.Join(ctx, "b2")
		require.NoError(t, err)
		assert.False(t, res.Matched())
		assert.Equal(t, 1, res.Position)

		res, err = s.Join(ctx, "a1")
		require.NoError(t, err)
		require.True(t, res.Matched())
		assert.Equal(t, "b2", res.Partner)
		assert.Equal(t, "room-a1-b2", res.Room)

		p, err := s.Partner(ctx, "b2")
		require.NoError(t, err)
		assert.Equal(t, "a1", p)
		p, err = s.Partner(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "b2", p)
	})
}

func TestStore_JoinTwiceDoesNotSelfMatch(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.Join(ctx, "a1")
		require.NoError(t, err)
		res, err := s.Join(ctx, "a1")
		require.NoError(t, err)
		assert.False(t, res.Matched())
		assert.Equal(t, 1, res.Position)
	})
}

func TestStore_LeaveClearsBothSides(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _ = s.Join(ctx, "a1")
		_, _ = s.Join(ctx, "b2")

		partner, err := s.Leave(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "b2", partner)

		p, err := s.Partner(ctx, "b2")
		require.NoError(t, err)
		assert.Empty(t, p)

		partner, err = s.Leave(ctx, "a1")
		require.NoError(t, err)
		assert.Empty(t, partner, "second leave is a no-op")
	})
}

func TestStore_DisconnectRemovesFromQueueAndOnline(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SetOnline(ctx, "a1"))
		require.NoError(t, s.SetOnline(ctx, "b2"))
		_, _ = s.Join(ctx, "a1")

		partner, err := s.Disconnect(ctx, "a1")
		require.NoError(t, err)
		assert.Empty(t, partner)

		n, err := s.OnlineCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		// a1 is gone from the queue, so b2 waits.
		res, err := s.Join(ctx, "b2")
		require.NoError(t, err)
		assert.False(t, res.Matched())
	})
}

func TestStore_ConcurrentJoinsNeverDoubleMatch(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const n = 20

		var mu sync.Mutex
		matches := map[string]string{}
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				res, err := s.Join(ctx, id)
				if !assert.NoError(t, err) || !res.Matched() {
					return
				}
				mu.Lock()
				matches[id] = res.Partner
				mu.Unlock()
			}(fmt.Sprintf("p%02d", i))
		}
		wg.Wait()

		assert.Len(t, matches, n/2)
		seen := map[string]bool{}
		for a, b := range matches {
			assert.NotEqual(t, a, b)
			assert.False(t, seen[a] || seen[b], "participant matched twice")
			seen[a], seen[b] = true, true
		}
	})
}

func TestStore_ReportsNewestFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			require.NoError(t, s.SaveReport(ctx, models.Report{
				Reporter:  "a1",
				Reported:  "b2",
				Reason:    fmt.Sprintf("r%d", i),
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
			}))
		}

		reports, err := s.Reports(ctx, 2)
		require.NoError(t, err)
		require.Len(t, reports, 2)
		assert.Equal(t, "r2", reports[0].Reason)
		assert.Equal(t, "r1", reports[1].Reason)
	})
}

func TestStore_RejoinDissolvesPreviousPair(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _ = s.Join(ctx, "a1")
		_, _ = s.Join(ctx, "b2")

		res, err := s.Join(ctx, "a1")
		require.NoError(t, err)
		assert.False(t, res.Matched())
		assert.Equal(t, 1, res.Position)
		assert.Equal(t, "b2", res.Dropped)

		p, err := s.Partner(ctx, "b2")
		require.NoError(t, err)
		assert.Empty(t, p)

		res, err = s.Join(ctx, "c3")
		require.NoError(t, err)
		require.True(t, res.Matched())
		assert.Equal(t, "a1", res.Partner)
		assert.Empty(t, res.Dropped)

		// The old partner leaving later must not touch a1's new pair.
		partner, err := s.Leave(ctx, "b2")
		require.NoError(t, err)
		assert.Empty(t, partner)
		partner, err = s.Disconnect(ctx, "b2")
		require.NoError(t, err)
		assert.Empty(t, partner)

		p, err = s.Partner(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "c3", p)
	})
}

func TestRedis_OnlineUsersExpireWithoutHeartbeat(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedis(client, Keys{})
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }
	require.NoError(t, store.SetOnline(ctx, "crashed-1", "crashed-2", "live"))

	now = now.Add(OnlineTTL / 2)
	require.NoError(t, store.SetOnline(ctx, "live"))
	n, err := store.OnlineCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	now = now.Add(OnlineTTL/2 + time.Second)
	n, err = store.OnlineCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "ids whose relay stopped refreshing age out")

	require.NoError(t, store.SetOnline(ctx))
}

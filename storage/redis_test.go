package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/ruteri/key-custody-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// interleavingHook runs a concurrent write right before the MULTI/EXEC of
// the next transactions the hooked client sends.
type interleavingHook struct {
	mu    sync.Mutex
	write func()
	times int
	execs int
}

func (h *interleavingHook) interleave(times int, write func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.times = times
	h.write = write
	h.execs = 0
}

func (h *interleavingHook) transactions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.execs
}

func (h *interleavingHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h *interleavingHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return next
}

func (h *interleavingHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		h.mu.Lock()
		h.execs++
		var write func()
		if h.times > 0 {
			h.times--
			write = h.write
		}
		h.mu.Unlock()

		if write != nil {
			write()
		}
		return next(ctx, cmds)
	}
}

// racedStores returns two stores sharing one miniredis keyspace. Writes of
// the first can be interleaved with writes through the second.
func racedStores(t *testing.T) (raced, other *RedisStore, hook *interleavingHook) {
	mr := miniredis.RunT(t)

	hook = &interleavingHook{}
	racedClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	racedClient.AddHook(hook)
	otherClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		racedClient.Close()
		otherClient.Close()
	})

	return NewRedisStore(racedClient, "custody", testLogger), NewRedisStore(otherClient, "custody", testLogger), hook
}

func TestRedisStore_RetriesAgainstFreshState(t *testing.T) {
	ctx := context.Background()
	raced, other, hook := racedStores(t)

	first := testRecord("w1", interfaces.StatusActive, "")
	require.NoError(t, other.Create(ctx, first))
	second := testRecord("w1", interfaces.StatusPendingRotation, first.ID)
	require.NoError(t, other.Create(ctx, second))
	require.NoError(t, other.Promote(ctx, second.ID, first.ID))

	pending := testRecord("w1", interfaces.StatusPendingRotation, second.ID)
	hook.interleave(1, func() {
		require.NoError(t, other.Create(ctx, pending))
	})

	require.NoError(t, raced.Delete(ctx, first.ID))
	assert.Equal(t, 2, hook.transactions(), "the aborted transaction is retried once")

	records, err := other.Records(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, records, 2, "both writes survive")
	statuses := map[string]interfaces.RecordStatus{}
	for _, r := range records {
		statuses[r.ID] = r.Status
	}
	assert.Equal(t, interfaces.StatusActive, statuses[second.ID])
	assert.Equal(t, interfaces.StatusPendingRotation, statuses[pending.ID])

	_, err = other.walletOf(ctx, first.ID)
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)
}

func TestRedisStore_RetrySeesCompetingRotation(t *testing.T) {
	ctx := context.Background()
	raced, other, hook := racedStores(t)

	active := testRecord("w1", interfaces.StatusActive, "")
	require.NoError(t, other.Create(ctx, active))

	winner := testRecord("w1", interfaces.StatusPendingRotation, active.ID)
	hook.interleave(1, func() {
		require.NoError(t, other.Create(ctx, winner))
	})

	loser := testRecord("w1", interfaces.StatusPendingRotation, active.ID)
	err := raced.Create(ctx, loser)
	assert.ErrorIs(t, err, interfaces.ErrConcurrentRotationConflict)
	assert.Equal(t, 1, hook.transactions(), "the retry fails its check before writing")

	got, err := other.Pending(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, winner.ID, got.ID)

	_, err = other.walletOf(ctx, loser.ID)
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound, "the losing index entry is never written")
}

func TestRedisStore_GivesUpAfterRepeatedRaces(t *testing.T) {
	ctx := context.Background()
	raced, other, hook := racedStores(t)

	active := testRecord("w1", interfaces.StatusActive, "")
	require.NoError(t, other.Create(ctx, active))
	pending := testRecord("w1", interfaces.StatusPendingRotation, active.ID)
	require.NoError(t, other.Create(ctx, pending))

	key := other.walletKey("w1")
	hook.interleave(redisMaxRetries, func() {
		data, err := other.client.Get(ctx, key).Bytes()
		require.NoError(t, err)
		require.NoError(t, other.client.Set(ctx, key, data, 0).Err())
	})

	err := raced.Delete(ctx, pending.ID)
	assert.ErrorIs(t, err, interfaces.ErrConcurrentRotationConflict)
	assert.Equal(t, redisMaxRetries, hook.transactions())

	got, err := other.Pending(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, pending.ID, got.ID, "nothing was written")
}

func TestRedisStore_Ping(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	store := NewRedisStore(client, "", testLogger)
	defer store.Close()

	require.NoError(t, store.Ping(context.Background()))

	mr.Close()
	assert.ErrorIs(t, store.Ping(context.Background()), ErrStoreUnavailable)
}

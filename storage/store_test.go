package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"strings"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/ruteri/key-custody-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testRecord(walletID string, status interfaces.RecordStatus, previousID string) *interfaces.SigningKeyRecord {
	id := uuid.NewString()
	shares := make([]interfaces.EncryptedShare, 0, len(interfaces.ProviderOrder))
	for _, p := range interfaces.ProviderOrder {
		shares = append(shares, interfaces.EncryptedShare{Provider: p, Ciphertext: []byte(p.String() + id)})
	}
	return &interfaces.SigningKeyRecord{
		ID:         id,
		WalletID:   walletID,
		PublicKey:  []byte("pub-" + id),
		Shares:     shares,
		Digest:     []byte("digest-" + id),
		Status:     status,
		PreviousID: previousID,
		CreatedAt:  time.Date(2024, 1, 2, 3, 4, 5, 600, time.UTC),
	}
}

type storeConstructor func(t *testing.T) interfaces.RecordStore

func storeImplementations(t *testing.T) map[string]storeConstructor {
	impls := map[string]storeConstructor{
		"memory": func(t *testing.T) interfaces.RecordStore {
			return NewMemoryStore(testLogger)
		},
		"file": func(t *testing.T) interfaces.RecordStore {
			s, err := NewFileStore(t.TempDir(), testLogger)
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T) interfaces.RecordStore {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedisStore(client, "custody-test", testLogger)
		},
	}

	// REDIS_ADDR additionally runs the suite against a real server.
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		impls["redis-server"] = func(t *testing.T) interfaces.RecordStore {
			client := redis.NewClient(&redis.Options{Addr: addr})
			prefix := "custody-test-" + uuid.NewString()
			t.Cleanup(func() {
				ctx := context.Background()
				iter := client.Scan(ctx, 0, prefix+":*", 100).Iterator()
				for iter.Next(ctx) {
					client.Del(ctx, iter.Val())
				}
				client.Close()
			})
			return NewRedisStore(client, prefix, testLogger)
		}
	}
	return impls
}

func forEachStore(t *testing.T, fn func(t *testing.T, store interfaces.RecordStore)) {
	for name, newStore := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, newStore(t))
		})
	}
}

func TestRecordStore_CreateActive(t *testing.T) {
	forEachStore(t, func(t *testing.T, store interfaces.RecordStore) {
		ctx := context.Background()

		_, err := store.Active(ctx, "w1")
		assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)

		rec := testRecord("w1", interfaces.StatusActive, "")
		require.NoError(t, store.Create(ctx, rec))

		got, err := store.Active(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, rec.PublicKey, got.PublicKey)
		assert.Equal(t, rec.Shares, got.Shares)
		assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))

		err = store.Create(ctx, testRecord("w1", interfaces.StatusActive, ""))
		assert.ErrorIs(t, err, interfaces.ErrWalletExists)

		_, err = store.Pending(ctx, "w1")
		assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)

		err = store.Create(ctx, testRecord("w2", interfaces.StatusRotated, ""))
		assert.Error(t, err)

		invalid := testRecord("w3", interfaces.StatusActive, "")
		invalid.Shares = invalid.Shares[:2]
		assert.Error(t, store.Create(ctx, invalid))
	})
}

func TestRecordStore_PendingRequiresActive(t *testing.T) {
	forEachStore(t, func(t *testing.T, store interfaces.RecordStore) {
		ctx := context.Background()
		active := testRecord("w1", interfaces.StatusActive, "")
		require.NoError(t, store.Create(ctx, active))

		err := store.Create(ctx, testRecord("w1", interfaces.StatusPendingRotation, "some-other-id"))
		assert.ErrorIs(t, err, interfaces.ErrConcurrentRotationConflict)

		err = store.Create(ctx, testRecord("w-missing", interfaces.StatusPendingRotation, active.ID))
		assert.ErrorIs(t, err, interfaces.ErrConcurrentRotationConflict)

		pending := testRecord("w1", interfaces.StatusPendingRotation, active.ID)
		require.NoError(t, store.Create(ctx, pending))

		err = store.Create(ctx, testRecord("w1", interfaces.StatusPendingRotation, active.ID))
		assert.ErrorIs(t, err, interfaces.ErrConcurrentRotationConflict, "only one rotation may be pending")

		got, err := store.Pending(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, pending.ID, got.ID)

		stillActive, err := store.Active(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, active.ID, stillActive.ID, "signing keeps using the old key during rotation")
	})
}

func TestRecordStore_Transition(t *testing.T) {
	forEachStore(t, func(t *testing.T, store interfaces.RecordStore) {
		ctx := context.Background()
		active := testRecord("w1", interfaces.StatusActive, "")
		require.NoError(t, store.Create(ctx, active))
		pending := testRecord("w1", interfaces.StatusPendingRotation, active.ID)
		require.NoError(t, store.Create(ctx, pending))

		err := store.Transition(ctx, pending.ID, interfaces.StatusActive, interfaces.StatusRotated)
		assert.ErrorIs(t, err, interfaces.ErrConcurrentRotationConflict, "from status must match")

		err = store.Transition(ctx, pending.ID, interfaces.StatusPendingRotation, interfaces.StatusActive)
		assert.ErrorIs(t, err, interfaces.ErrConcurrentRotationConflict, "a second Active record is never allowed")

		require.NoError(t, store.Transition(ctx, active.ID, interfaces.StatusActive, interfaces.StatusRotated))
		err = store.Transition(ctx, active.ID, interfaces.StatusActive, interfaces.StatusRotated)
		assert.ErrorIs(t, err, interfaces.ErrConcurrentRotationConflict, "CAS only succeeds once")

		err = store.Transition(ctx, "missing", interfaces.StatusActive, interfaces.StatusRotated)
		assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)
	})
}

func TestRecordStore_Promote(t *testing.T) {
	forEachStore(t, func(t *testing.T, store interfaces.RecordStore) {
		ctx := context.Background()
		active := testRecord("w1", interfaces.StatusActive, "")
		require.NoError(t, store.Create(ctx, active))
		pending := testRecord("w1", interfaces.StatusPendingRotation, active.ID)
		require.NoError(t, store.Create(ctx, pending))

		require.NoError(t, store.Promote(ctx, pending.ID, active.ID))

		got, err := store.Active(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, pending.ID, got.ID)
		assert.Equal(t, pending.PublicKey, got.PublicKey)

		rotated, err := store.ListByStatus(ctx, interfaces.StatusRotated)
		require.NoError(t, err)
		require.Len(t, rotated, 1)
		assert.Equal(t, active.ID, rotated[0].ID)

		_, err = store.Pending(ctx, "w1")
		assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)

		err = store.Promote(ctx, pending.ID, active.ID)
		assert.ErrorIs(t, err, interfaces.ErrConcurrentRotationConflict, "promotion is applied once")

		records, err := store.Records(ctx, "w1")
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})
}

func TestRecordStore_DeletePendingRestoresState(t *testing.T) {
	forEachStore(t, func(t *testing.T, store interfaces.RecordStore) {
		ctx := context.Background()
		active := testRecord("w1", interfaces.StatusActive, "")
		require.NoError(t, store.Create(ctx, active))

		before, err := store.Records(ctx, "w1")
		require.NoError(t, err)

		pending := testRecord("w1", interfaces.StatusPendingRotation, active.ID)
		require.NoError(t, store.Create(ctx, pending))
		require.NoError(t, store.Delete(ctx, pending.ID))

		after, err := store.Records(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, before, after)

		assert.ErrorIs(t, store.Delete(ctx, pending.ID), interfaces.ErrRecordNotFound)
		assert.Error(t, store.Delete(ctx, active.ID), "active records cannot be deleted")
	})
}

func TestRecordStore_ConcurrentPendingCreate(t *testing.T) {
	forEachStore(t, func(t *testing.T, store interfaces.RecordStore) {
		ctx := context.Background()
		active := testRecord("w1", interfaces.StatusActive, "")
		require.NoError(t, store.Create(ctx, active))

		const workers = 8
		var wg sync.WaitGroup
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = store.Create(ctx, testRecord("w1", interfaces.StatusPendingRotation, active.ID))
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, interfaces.ErrConcurrentRotationConflict)
		}
		assert.Equal(t, 1, succeeded)

		pending, err := store.ListByStatus(ctx, interfaces.StatusPendingRotation)
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})
}

func TestRecordStore_ListByStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, store interfaces.RecordStore) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			active := testRecord(fmt.Sprintf("w%d", i), interfaces.StatusActive, "")
			require.NoError(t, store.Create(ctx, active))
			if i%2 == 0 {
				require.NoError(t, store.Create(ctx, testRecord(active.WalletID, interfaces.StatusPendingRotation, active.ID)))
			}
		}

		active, err := store.ListByStatus(ctx, interfaces.StatusActive)
		require.NoError(t, err)
		assert.Len(t, active, 3)

		pending, err := store.ListByStatus(ctx, interfaces.StatusPendingRotation)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "w0", pending[0].WalletID)
		assert.Equal(t, "w2", pending[1].WalletID)
	})
}

func TestRecordStore_WalletIDLength(t *testing.T) {
	forEachStore(t, func(t *testing.T, store interfaces.RecordStore) {
		ctx := context.Background()

		longest := strings.Repeat("w", interfaces.MaxWalletIDLength)
		require.NoError(t, store.Create(ctx, testRecord(longest, interfaces.StatusActive, "")))
		_, err := store.Active(ctx, longest)
		require.NoError(t, err)

		tooLong := longest + "w"
		assert.Error(t, store.Create(ctx, testRecord(tooLong, interfaces.StatusActive, "")))
		_, err = store.Active(ctx, tooLong)
		assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)
		_, err = store.Records(ctx, tooLong)
		assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)
	})
}

func TestRecordStore_ReturnsCopies(t *testing.T) {
	forEachStore(t, func(t *testing.T, store interfaces.RecordStore) {
		ctx := context.Background()
		rec := testRecord("w1", interfaces.StatusActive, "")
		require.NoError(t, store.Create(ctx, rec))

		rec.PublicKey[0] ^= 0xff
		got, err := store.Active(ctx, "w1")
		require.NoError(t, err)
		assert.NotEqual(t, rec.PublicKey, got.PublicKey, "store must not alias caller memory")

		got.Shares[0].Ciphertext[0] ^= 0xff
		again, err := store.Active(ctx, "w1")
		require.NoError(t, err)
		assert.NotEqual(t, got.Shares[0].Ciphertext, again.Shares[0].Ciphertext)
	})
}

func TestFileStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileStore(dir, testLogger)
	require.NoError(t, err)
	active := testRecord("wallet/with:odd chars", interfaces.StatusActive, "")
	require.NoError(t, store.Create(ctx, active))
	pending := testRecord(active.WalletID, interfaces.StatusPendingRotation, active.ID)
	require.NoError(t, store.Create(ctx, pending))

	reopened, err := NewFileStore(dir, testLogger)
	require.NoError(t, err)

	got, err := reopened.Pending(ctx, active.WalletID)
	require.NoError(t, err)
	assert.Equal(t, pending.ID, got.ID)

	// The record index is rebuilt on open, so id-based operations work.
	require.NoError(t, reopened.Promote(ctx, pending.ID, active.ID))
	now, err := reopened.Active(ctx, active.WalletID)
	require.NoError(t, err)
	assert.Equal(t, pending.ID, now.ID)
}

func TestFileStore_Ping(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, testLogger)
	require.NoError(t, err)
	require.NoError(t, store.Ping(context.Background()))

	require.NoError(t, os.RemoveAll(dir))
	assert.ErrorIs(t, store.Ping(context.Background()), ErrStoreUnavailable)
}

func TestStoreFactory(t *testing.T) {
	f := NewStoreFactory(testLogger)

	s, err := f.StoreFor("memory://")
	require.NoError(t, err)
	assert.Equal(t, "memory", s.Name())

	dir := t.TempDir()
	s, err = f.StoreFor("file://" + dir)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = f.StoreFor("redis://localhost:6379/3?prefix=wallets")
	require.NoError(t, err)
	assert.Equal(t, "redis-wallets", s.Name())

	_, err = f.StoreFor("s3://bucket")
	assert.Error(t, err)
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
	"github.com/ruteri/key-custody-backend/interfaces"
)

const (
	defaultRedisPrefix = "custody"
	redisMaxRetries    = 5
)

var cborEncoding cbor.EncMode

func init() {
	var err error
	cborEncoding, err = cbor.EncOptions{
		Sort: cbor.SortCanonical,
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(err)
	}
}

// stringGetter is satisfied by both *redis.Client and *redis.Tx.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisStore keeps each wallet's records as one CBOR value under
// <prefix>:wallet:<wallet id>, with a <prefix>:record:<record id> index
// pointing back to the wallet. Mutations are optimistic transactions: the
// wallet key is WATCHed, the new record set is computed and written in
// MULTI/EXEC. A transaction aborted by a concurrent write is retried against
// the fresh state, so conditional checks always see the latest records.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
	log    *slog.Logger
}

// NewRedisStore creates a store over an existing client.
func NewRedisStore(client *redis.Client, prefix string, log *slog.Logger) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		now:    time.Now,
		log:    log,
	}
}

// NewRedisStoreFromURL connects to redis://[user:password@]host:port/db.
func NewRedisStoreFromURL(uri, prefix string, log *slog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URI: %w", err)
	}
	return NewRedisStore(redis.NewClient(opts), prefix, log), nil
}

func (s *RedisStore) walletKey(walletID string) string {
	return fmt.Sprintf("%s:wallet:%s", s.prefix, walletID)
}

func (s *RedisStore) recordKey(recordID string) string {
	return fmt.Sprintf("%s:record:%s", s.prefix, recordID)
}

func (s *RedisStore) Active(ctx context.Context, walletID string) (*interfaces.SigningKeyRecord, error) {
	records, err := s.load(ctx, s.client, walletID)
	if err != nil {
		return nil, err
	}
	return records.get(interfaces.StatusActive)
}

func (s *RedisStore) Pending(ctx context.Context, walletID string) (*interfaces.SigningKeyRecord, error) {
	records, err := s.load(ctx, s.client, walletID)
	if err != nil {
		return nil, err
	}
	return records.get(interfaces.StatusPendingRotation)
}

func (s *RedisStore) Records(ctx context.Context, walletID string) ([]*interfaces.SigningKeyRecord, error) {
	records, err := s.load(ctx, s.client, walletID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, interfaces.ErrRecordNotFound
	}
	return records, nil
}

func (s *RedisStore) ListByStatus(ctx context.Context, status interfaces.RecordStatus) ([]*interfaces.SigningKeyRecord, error) {
	pattern := s.walletKey("*")
	var walletIDs []string

	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		walletIDs = append(walletIDs, strings.TrimPrefix(iter.Val(), s.walletKey("")))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan failed: %v", ErrStoreUnavailable, err)
	}
	sort.Strings(walletIDs)

	var out []*interfaces.SigningKeyRecord
	for _, walletID := range walletIDs {
		records, err := s.load(ctx, s.client, walletID)
		if err != nil {
			return nil, err
		}
		out = append(out, records.byStatus(status)...)
	}
	return out, nil
}

func (s *RedisStore) Create(ctx context.Context, record *interfaces.SigningKeyRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	return s.update(ctx, record.WalletID, func(records walletRecords) (walletRecords, error) {
		return records.create(record, s.now())
	}, func(pipe redis.Pipeliner) {
		pipe.Set(ctx, s.recordKey(record.ID), record.WalletID, 0)
	})
}

func (s *RedisStore) Transition(ctx context.Context, recordID string, from, to interfaces.RecordStatus) error {
	walletID, err := s.walletOf(ctx, recordID)
	if err != nil {
		return err
	}
	return s.update(ctx, walletID, func(records walletRecords) (walletRecords, error) {
		return records.transition(recordID, from, to, s.now())
	}, nil)
}

func (s *RedisStore) Promote(ctx context.Context, pendingID, activeID string) error {
	walletID, err := s.walletOf(ctx, pendingID)
	if err != nil {
		return err
	}
	return s.update(ctx, walletID, func(records walletRecords) (walletRecords, error) {
		return records.promote(pendingID, activeID, s.now())
	}, nil)
}

func (s *RedisStore) Delete(ctx context.Context, recordID string) error {
	walletID, err := s.walletOf(ctx, recordID)
	if err != nil {
		return err
	}
	return s.update(ctx, walletID, func(records walletRecords) (walletRecords, error) {
		return records.remove(recordID)
	}, func(pipe redis.Pipeliner) {
		pipe.Del(ctx, s.recordKey(recordID))
	})
}

// Name returns a unique identifier for this store.
func (s *RedisStore) Name() string {
	return fmt.Sprintf("redis-%s", s.prefix)
}

// Ping checks that the server answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) walletOf(ctx context.Context, recordID string) (string, error) {
	walletID, err := s.client.Get(ctx, s.recordKey(recordID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", interfaces.ErrRecordNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return walletID, nil
}

// update runs fn against the current record set of walletID inside an
// optimistic transaction. extra queues additional writes in the same EXEC.
func (s *RedisStore) update(ctx context.Context, walletID string, fn func(walletRecords) (walletRecords, error), extra func(redis.Pipeliner)) error {
	key := s.walletKey(walletID)

	txf := func(tx *redis.Tx) error {
		records, err := s.load(ctx, tx, walletID)
		if err != nil {
			return err
		}
		updated, err := fn(records)
		if err != nil {
			return err
		}
		data, err := cborEncoding.Marshal(updated)
		if err != nil {
			return fmt.Errorf("failed to encode wallet records: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(updated) == 0 {
				pipe.Del(ctx, key)
			} else {
				pipe.Set(ctx, key, data, 0)
			}
			if extra != nil {
				extra(pipe)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < redisMaxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		s.log.Debug("Redis transaction raced, retrying",
			slog.String("wallet_id", walletID),
			slog.Int("attempt", attempt+1))
	}
	return fmt.Errorf("%w: wallet %s is being modified concurrently", interfaces.ErrConcurrentRotationConflict, walletID)
}

func (s *RedisStore) load(ctx context.Context, c stringGetter, walletID string) (walletRecords, error) {
	data, err := c.Get(ctx, s.walletKey(walletID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return walletRecords{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	var records walletRecords
	if err := cbor.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode wallet records: %w", err)
	}
	return records, nil
}

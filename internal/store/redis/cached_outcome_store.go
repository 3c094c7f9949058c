package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/RezaEskandarii/fibfire/internal/backoff"
	"github.com/RezaEskandarii/fibfire/internal/store"
	"github.com/RezaEskandarii/fibfire/types"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// CacheSize is the number of outcomes kept per setting, enough to compute any backoff offset.
	CacheSize  = backoff.MaxFailureSeed
	DefaultTTL = 24 * time.Hour
)

// CachedOutcomeStore is a write-through cache in front of another OutcomeStore.
// Each setting's most recent outcomes are kept in a capped Redis list, newest at the head.
type CachedOutcomeStore struct {
	inner  store.OutcomeStore
	client redis.UniversalClient
	ttl    time.Duration
}

func NewCachedOutcomeStore(inner store.OutcomeStore, client redis.UniversalClient, ttl time.Duration) *CachedOutcomeStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CachedOutcomeStore{inner: inner, client: client, ttl: ttl}
}

// maxWatchRetries bounds optimistic transactions that lose a WATCH race.
const maxWatchRetries = 3

func outcomesKey(settingID int64) string {
	return fmt.Sprintf("fibfire:outcomes:%d", settingID)
}

// versionKey is bumped after every write to the inner store. A fill only lands if
// the version it read before loading the inner store is still current.
func versionKey(settingID int64) string {
	return fmt.Sprintf("fibfire:outcomes:%d:version", settingID)
}

func (c *CachedOutcomeStore) RecordOutcome(ctx context.Context, outcome types.JobOutcome) (int64, error) {
	if outcome.CreatedAt.IsZero() {
		outcome.CreatedAt = time.Now().UTC()
	}
	id, err := c.inner.RecordOutcome(ctx, outcome)
	if err != nil {
		return 0, err
	}
	outcome.ID = id

	key := outcomesKey(outcome.SettingID)
	if err := c.bumpVersion(ctx, outcome.SettingID); err != nil {
		c.client.Del(ctx, key)
		return id, nil
	}
	if err := c.push(ctx, key, outcome); err != nil {
		c.client.Del(ctx, key)
	}
	return id, nil
}

func (c *CachedOutcomeStore) bumpVersion(ctx context.Context, settingID int64) error {
	vk := versionKey(settingID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, vk)
		pipe.Expire(ctx, vk, c.ttl)
		return nil
	})
	return err
}

// push adds outcome at the head of an existing list. A missing list stays missing so a
// partial history is never cached, and an outcome a concurrent fill already loaded is not added twice.
func (c *CachedOutcomeStore) push(ctx context.Context, key string, outcome types.JobOutcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode job outcome: %w", err)
	}

	txf := func(tx *redis.Tx) error {
		values, err := tx.LRange(ctx, key, 0, CacheSize-1).Result()
		if err != nil {
			return err
		}
		for _, v := range values {
			var cached types.JobOutcome
			if json.Unmarshal([]byte(v), &cached) == nil && cached.ID == outcome.ID {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LPushX(ctx, key, data)
			pipe.LTrim(ctx, key, 0, CacheSize-1)
			pipe.Expire(ctx, key, c.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err = c.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

// RecordOutcomes writes the batch to the inner store and drops the cached lists it touches.
func (c *CachedOutcomeStore) RecordOutcomes(ctx context.Context, outcomes []types.JobOutcome) error {
	if err := c.inner.RecordOutcomes(ctx, outcomes); err != nil {
		return err
	}

	seen := make(map[int64]struct{})
	for _, o := range outcomes {
		seen[o.SettingID] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}

	c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for settingID := range seen {
			pipe.Incr(ctx, versionKey(settingID))
			pipe.Expire(ctx, versionKey(settingID), c.ttl)
			pipe.Del(ctx, outcomesKey(settingID))
		}
		return nil
	})
	return nil
}

func (c *CachedOutcomeStore) RecentOutcomes(ctx context.Context, settingID int64, limit int) ([]types.JobOutcome, error) {
	if limit > CacheSize {
		return c.inner.RecentOutcomes(ctx, settingID, limit)
	}
	if limit <= 0 {
		return nil, nil
	}

	cached, err := c.cached(ctx, settingID, limit)
	if err == nil {
		return cached, nil
	}

	// Read the version before the inner store so a write landing in between voids the fill.
	version, verErr := c.client.Get(ctx, versionKey(settingID)).Result()
	if verErr != nil && !errors.Is(verErr, redis.Nil) {
		return c.inner.RecentOutcomes(ctx, settingID, limit)
	}

	outcomes, err := c.inner.RecentOutcomes(ctx, settingID, CacheSize)
	if err != nil {
		return nil, err
	}
	c.fill(ctx, settingID, version, outcomes)

	if len(outcomes) > limit {
		outcomes = outcomes[:limit]
	}
	return outcomes, nil
}

var errCacheMiss = errors.New("outcome cache miss")

func (c *CachedOutcomeStore) cached(ctx context.Context, settingID int64, limit int) ([]types.JobOutcome, error) {
	key := outcomesKey(settingID)

	var (
		exists *redis.IntCmd
		values *redis.StringSliceCmd
	)
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, key)
		values = pipe.LRange(ctx, key, 0, int64(limit-1))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if exists.Val() == 0 {
		return nil, errCacheMiss
	}

	outcomes := make([]types.JobOutcome, 0, len(values.Val()))
	for _, v := range values.Val() {
		var o types.JobOutcome
		if err := json.Unmarshal([]byte(v), &o); err != nil {
			return nil, fmt.Errorf("decode cached job outcome: %w", err)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}

// fill caches outcomes read from the inner store, unless a write bumped the version since
// version was read or another reader already filled the list.
func (c *CachedOutcomeStore) fill(ctx context.Context, settingID int64, version string, outcomes []types.JobOutcome) {
	if len(outcomes) == 0 {
		return
	}

	values := make([]any, 0, len(outcomes))
	for _, o := range outcomes {
		data, err := json.Marshal(o)
		if err != nil {
			return
		}
		values = append(values, data)
	}

	key, vk := outcomesKey(settingID), versionKey(settingID)
	c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, vk).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != version {
			return nil
		}
		if n, err := tx.Exists(ctx, key).Result(); err != nil || n > 0 {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, key, values...)
			pipe.Expire(ctx, key, c.ttl)
			return nil
		})
		return err
	}, key, vk)
}

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// QuarantineEntry describes one record marked error by a worker.
type QuarantineEntry struct {
	ID       string    `json:"id"`
	Tier     string    `json:"tier"`
	Message  string    `json:"message"`
	WorkerID string    `json:"worker_id"`
	At       time.Time `json:"at"`
}

// QuarantineLedger mirrors quarantined records into Redis so operators can
// inspect recent failures without scanning the document store.
type QuarantineLedger struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewQuarantineLedger creates a ledger; entries expire after ttl (default 7 days).
func NewQuarantineLedger(client *Client, ttl time.Duration) *QuarantineLedger {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &QuarantineLedger{
		rdb:    client.rdb,
		prefix: client.prefix,
		ttl:    ttl,
	}
}

// Key helpers
func (l *QuarantineLedger) indexKey() string {
	return fmt.Sprintf("%s:quarantine", l.prefix)
}

func (l *QuarantineLedger) entryKey(id string) string {
	return fmt.Sprintf("%s:quarantine:%s", l.prefix, id)
}

// Record stores the entry and indexes it by time.
func (l *QuarantineLedger) Record(ctx context.Context, e QuarantineEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal quarantine entry: %w", err)
	}

	pipe := l.rdb.TxPipeline()
	pipe.Set(ctx, l.entryKey(e.ID), data, l.ttl)
	pipe.ZAdd(ctx, l.indexKey(), redis.Z{Score: float64(e.At.UnixMilli()), Member: e.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record quarantine entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. Expired entries are
// dropped from the index as they are found.
func (l *QuarantineLedger) Recent(ctx context.Context, limit int64) ([]QuarantineEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := l.rdb.ZRevRange(ctx, l.indexKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange failed: %w", err)
	}

	entries := make([]QuarantineEntry, 0, len(ids))
	for _, id := range ids {
		data, err := l.rdb.Get(ctx, l.entryKey(id)).Bytes()
		if err == redis.Nil {
			l.rdb.ZRem(ctx, l.indexKey(), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get quarantine entry: %w", err)
		}

		var e QuarantineEntry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Count returns the number of indexed entries.
func (l *QuarantineLedger) Count(ctx context.Context) (int64, error) {
	n, err := l.rdb.ZCard(ctx, l.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return n, nil
}

// Forget removes entries, e.g. after an operator requeued the records.
func (l *QuarantineLedger) Forget(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	keys := make([]string, len(ids))
	for i, id := range ids {
		members[i] = id
		keys[i] = l.entryKey(id)
	}
	if err := l.rdb.ZRem(ctx, l.indexKey(), members...).Err(); err != nil {
		return fmt.Errorf("failed to remove from index: %w", err)
	}
	return l.rdb.Del(ctx, keys...).Err()
}

// Clear drops the whole ledger.
func (l *QuarantineLedger) Clear(ctx context.Context) error {
	ids, err := l.rdb.ZRange(ctx, l.indexKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("zrange failed: %w", err)
	}
	if err := l.Forget(ctx, ids...); err != nil {
		return err
	}
	return l.rdb.Del(ctx, l.indexKey()).Err()
}

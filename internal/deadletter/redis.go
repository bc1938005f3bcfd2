package deadletter

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Entry is one terminally failed queue item as recorded in the index.
type Entry struct {
	QueueID string `json:"queue_id"`
	Reason  string `json:"reason"`
}

// RedisIndex keeps a list of failed queue ids for operators, with the last error per id.
// The queue table stays the source of truth; the index only speeds up inspection.
type RedisIndex struct {
	client    *redis.Client
	listKey   string
	reasonKey string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	if key == "" {
		key = "validation:dead_letter"
	}
	return &RedisIndex{
		client:    client,
		listKey:   key,
		reasonKey: key + ":reasons",
	}
}

// Push records a failed item. Pushing the same id twice keeps a single list entry.
func (d *RedisIndex) Push(ctx context.Context, queueID, reason string) error {
	pipe := d.client.TxPipeline()
	pipe.LRem(ctx, d.listKey, 0, queueID)
	pipe.RPush(ctx, d.listKey, queueID)
	pipe.HSet(ctx, d.reasonKey, queueID, reason)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead letter push %s: %w", queueID, err)
	}
	return nil
}

// Remove drops an item from the index, e.g. after an operator retried it.
func (d *RedisIndex) Remove(ctx context.Context, queueID string) error {
	pipe := d.client.TxPipeline()
	pipe.LRem(ctx, d.listKey, 0, queueID)
	pipe.HDel(ctx, d.reasonKey, queueID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead letter remove %s: %w", queueID, err)
	}
	return nil
}

// Peek reads up to count of the oldest dead-lettered items.
func (d *RedisIndex) Peek(ctx context.Context, count int64) ([]Entry, error) {
	if count <= 0 {
		return []Entry{}, nil
	}
	ids, err := d.client.LRange(ctx, d.listKey, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("dead letter peek: %w", err)
	}
	entries := make([]Entry, 0, len(ids))
	if len(ids) == 0 {
		return entries, nil
	}
	reasons, err := d.client.HMGet(ctx, d.reasonKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("dead letter reasons: %w", err)
	}
	for i, id := range ids {
		e := Entry{QueueID: id}
		if s, ok := reasons[i].(string); ok {
			e.Reason = s
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Len returns the number of indexed items.
func (d *RedisIndex) Len(ctx context.Context) (int64, error) {
	return d.client.LLen(ctx, d.listKey).Result()
}

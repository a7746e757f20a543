package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/power-cost-collector/pkg/powercost/common"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/errors"
	"github.com/elevated-systems/power-cost-collector/pkg/powercost/types"
)

// Queue is the low-latency fan-out to downstream consumers
type Queue interface {
	Push(ctx context.Context, rec types.CostRecord) error
}

// ListClient is the subset of the redis client the queue uses. *redis.Client satisfies it.
type ListClient interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
}

// RedisQueue appends JSON records to a Redis list, optionally capped in length
type RedisQueue struct {
	client ListClient
	key    string
	maxLen int64
}

// NewRedisQueue creates a queue writing to the list at key. maxLen <= 0 disables trimming.
func NewRedisQueue(client ListClient, key string, maxLen int64) *RedisQueue {
	return &RedisQueue{client: client, key: key, maxLen: maxLen}
}

// Push appends rec to the list
func (q *RedisQueue) Push(ctx context.Context, rec types.CostRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.NewPermanent(common.SinkQueue, fmt.Errorf("failed to marshal record: %v", err))
	}

	if err := q.client.RPush(ctx, q.key, payload).Err(); err != nil {
		return errors.NewTransient(common.SinkQueue, fmt.Errorf("failed to push record: %w", err))
	}

	if q.maxLen > 0 {
		// The record is already queued, so a failed trim only delays the cap
		if err := q.client.LTrim(ctx, q.key, -q.maxLen, -1).Err(); err != nil {
			klog.V(2).InfoS("Failed to trim queue", "key", q.key, "maxLen", q.maxLen, "err", err)
		}
	}
	return nil
}

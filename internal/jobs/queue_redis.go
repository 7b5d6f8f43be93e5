package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a Redis list used as a FIFO job queue: LPUSH to produce,
// BRPOP to consume. A popped job that fails is re-enqueued by the worker,
// so delivery is at-least-once (a crash between BRPOP and settlement loses
// the pop, but the provider redelivers the webhook).
type RedisQueue struct {
	rdb *redis.Client
	key string

	// popTimeout bounds each BRPOP so Dequeue notices ctx cancellation.
	popTimeout time.Duration
}

func NewRedisQueue(rdb *redis.Client, key string) *RedisQueue {
	return &RedisQueue{rdb: rdb, key: key, popTimeout: 2 * time.Second}
}

func (q *RedisQueue) Enqueue(ctx context.Context, j Job) error {
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("jobs: marshal: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("jobs: enqueue: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}
		res, err := q.rdb.BRPop(ctx, q.popTimeout, q.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return Job{}, fmt.Errorf("jobs: dequeue: %w", err)
		}
		// BRPOP returns [key, value].
		var j Job
		if err := json.Unmarshal([]byte(res[1]), &j); err != nil {
			return Job{}, fmt.Errorf("jobs: unmarshal: %w", err)
		}
		return j, nil
	}
}

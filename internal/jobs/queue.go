package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Pop when no message arrived within the timeout.
var ErrEmpty = errors.New("queue empty")

// Queue is the external message queue boundary: one logical list per task.
type Queue interface {
	Push(ctx context.Context, task string, payload []byte) error
	// Pop blocks up to timeout across all task lists.
	Pop(ctx context.Context, tasks []string, timeout time.Duration) (task string, payload []byte, err error)
}

const queueKeyPrefix = "conduit:jobs:"

// RedisQueue is the production queue over Redis lists (LPUSH/BRPOP).
type RedisQueue struct {
	rdb redis.UniversalClient
}

func NewRedisQueue(rdb redis.UniversalClient) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func (q *RedisQueue) Push(ctx context.Context, task string, payload []byte) error {
	return q.rdb.LPush(ctx, queueKeyPrefix+task, payload).Err()
}

func (q *RedisQueue) Pop(ctx context.Context, tasks []string, timeout time.Duration) (string, []byte, error) {
	keys := make([]string, 0, len(tasks))
	for _, t := range tasks {
		keys = append(keys, queueKeyPrefix+t)
	}
	res, err := q.rdb.BRPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil, ErrEmpty
	}
	if err != nil {
		return "", nil, err
	}
	// BRPOP returns [key, value].
	task := res[0][len(queueKeyPrefix):]
	return task, []byte(res[1]), nil
}

// MemQueue is an in-process queue for tests.
type MemQueue struct {
	ch chan memItem
}

type memItem struct {
	task    string
	payload []byte
}

func NewMemQueue(capacity int) *MemQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemQueue{ch: make(chan memItem, capacity)}
}

func (q *MemQueue) Push(_ context.Context, task string, payload []byte) error {
	select {
	case q.ch <- memItem{task: task, payload: payload}:
		return nil
	default:
		return errors.New("queue full")
	}
}

func (q *MemQueue) Pop(ctx context.Context, tasks []string, timeout time.Duration) (string, []byte, error) {
	want := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		want[t] = true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case item := <-q.ch:
			if want[item.task] {
				return item.task, item.payload, nil
			}
			// not subscribed; requeue
			select {
			case q.ch <- item:
			default:
			}
		case <-timer.C:
			return "", nil, ErrEmpty
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
}

// Package queue moves runs from the API side to the worker side through
// a durable Redis list, falling back to in-process execution when the
// broker is unavailable. The two sides share nothing but the queue and
// the run row.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// TasksKey is the Redis list the dispatcher pushes to and the worker
// pops from.
const TasksKey = "workflow:tasks"

// Task is one queued work item. The run row carries the actual input
// and config; the task only names the run.
type Task struct {
	TaskID  string         `json:"task_id"`
	Payload map[string]any `json:"payload,omitempty"`
}

// RedisQueue is the broker transport.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue creates a queue over the shared client.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, key: TasksKey}
}

// Enqueue pushes a task onto the queue.
func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: encode task: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// Dequeue blocks until a task is available or ctx ends.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	res, err := q.client.BRPop(ctx, 0, q.key).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	// BRPOP returns [key, value].
	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("queue: decode task: %w", err)
	}
	return &task, nil
}

// Len reports the queue depth.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: len: %w", err)
	}
	return n, nil
}

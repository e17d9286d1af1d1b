package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	queueKey   = "cdws:tasks"
	statusKey  = "cdws:task:"  // + task id, hash {status, result}
	revokedKey = "cdws:revoked"

	// Completed task records expire on their own; nothing reads them
	// after the retention window anyway.
	statusTTL = 7 * 24 * time.Hour

	dequeueBlock = 2 * time.Second
)

// RedisBroker stores the queue as a list and per-task status as hashes.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker connects to the broker URL and verifies the connection
// with a ping.
func NewRedisBroker(brokerURL string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("broker ping: %w", err)
	}
	return &RedisBroker{client: client}, nil
}

func (b *RedisBroker) Enqueue(ctx context.Context, task Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, statusKey+task.ID, "status", StatusPending)
	pipe.Expire(ctx, statusKey+task.ID, statusTTL)
	pipe.RPush(ctx, queueKey, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return nil
}

func (b *RedisBroker) Dequeue(ctx context.Context) (Task, error) {
	for {
		res, err := b.client.BLPop(ctx, dequeueBlock, queueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				if ctx.Err() != nil {
					return Task{}, ctx.Err()
				}
				continue
			}
			return Task{}, err
		}
		// res[0] is the key name, res[1] the payload
		var task Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			return Task{}, fmt.Errorf("decode task payload: %w", err)
		}
		return task, nil
	}
}

func (b *RedisBroker) SetStatus(ctx context.Context, taskID, status string, result *string) error {
	fields := map[string]interface{}{"status": status}
	if result != nil {
		fields["result"] = *result
	}
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, statusKey+taskID, fields)
	pipe.Expire(ctx, statusKey+taskID, statusTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisBroker) Status(ctx context.Context, taskID string) (Status, error) {
	vals, err := b.client.HGetAll(ctx, statusKey+taskID).Result()
	if err != nil {
		return Status{}, err
	}
	if len(vals) == 0 {
		return Status{Status: StatusPending}, nil
	}
	st := Status{Status: vals["status"]}
	if r, ok := vals["result"]; ok {
		st.Result = &r
	}
	return st, nil
}

func (b *RedisBroker) Revoke(ctx context.Context, taskID string) error {
	pipe := b.client.TxPipeline()
	pipe.SAdd(ctx, revokedKey, taskID)
	pipe.HSet(ctx, statusKey+taskID, "status", StatusRevoked)
	pipe.Expire(ctx, statusKey+taskID, statusTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisBroker) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	return b.client.SIsMember(ctx, revokedKey, taskID).Result()
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

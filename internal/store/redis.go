package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"

	"clustr/captionq/internal/model"
)

const (
	taskKeyPrefix  = "capq:task-meta-"
	defaultTaskTTL = 7 * 24 * time.Hour

	watchBaseBackoff = time.Millisecond
	watchMaxBackoff  = 50 * time.Millisecond
)

// RedisTasks keeps each CaptionTask as a JSON blob under its own key. Updates
// run as WATCH/MULTI transactions and are retried when another worker wrote
// the same task first.
type RedisTasks struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisTasks(rdb redis.UniversalClient, ttl time.Duration) *RedisTasks {
	if ttl <= 0 {
		ttl = defaultTaskTTL
	}
	return &RedisTasks{rdb: rdb, ttl: ttl}
}

func taskKey(id string) string {
	return taskKeyPrefix + id
}

func (r *RedisTasks) PutTask(ctx context.Context, task model.CaptionTask) error {
	b, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, taskKey(task.ID), b, r.ttl).Err(); err != nil {
		return fmt.Errorf("persist task %s: %w", task.ID, err)
	}
	return nil
}

func decodeTask(raw []byte) (*model.CaptionTask, error) {
	var task model.CaptionTask
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}

func (r *RedisTasks) GetTask(ctx context.Context, id string) (*model.CaptionTask, error) {
	raw, err := r.rdb.Get(ctx, taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeTask(raw)
}

// update runs fn against the stored task inside a WATCH transaction and
// writes the result back when fn reports a change.
func (r *RedisTasks) update(ctx context.Context, id string, fn func(*model.CaptionTask) (bool, error)) (*model.CaptionTask, error) {
	key := taskKey(id)
	var task *model.CaptionTask
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		task, err = decodeTask(raw)
		if err != nil {
			return err
		}
		changed, err := fn(task)
		if err != nil || !changed {
			return err
		}
		b, err := json.Marshal(task)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, r.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; ; attempt++ {
		err := r.rdb.Watch(ctx, txf, key)
		if err == nil {
			return task, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("update task %s after %d conflicts: %w", id, attempt+1, ctx.Err())
		case <-time.After(watchBackoff(attempt)):
		}
	}
}

// watchBackoff returns a random wait in [d/2, d) where d doubles per attempt
// up to watchMaxBackoff.
func watchBackoff(attempt int) time.Duration {
	d := watchMaxBackoff
	if attempt < 6 {
		d = min(watchBaseBackoff<<attempt, watchMaxBackoff)
	}
	half := d / 2
	return half + rand.N(half+1)
}

func (r *RedisTasks) StartTask(ctx context.Context, id string) error {
	_, err := r.update(ctx, id, func(task *model.CaptionTask) (bool, error) {
		return task.Start(), nil
	})
	return err
}

func (r *RedisTasks) UpdateTaskItem(ctx context.Context, taskID, itemID string, outcome model.ItemOutcome, at time.Time) (*model.CaptionTask, bool, error) {
	var finalized bool
	task, err := r.update(ctx, taskID, func(task *model.CaptionTask) (bool, error) {
		var err error
		finalized, err = task.ApplyOutcome(itemID, outcome, at)
		return err == nil, err
	})
	if err != nil {
		return nil, false, err
	}
	return task, finalized, nil
}

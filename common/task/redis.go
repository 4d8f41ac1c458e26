package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	redisWrapper "github.com/loomworks/loom/common/redis"
)

const (
	taskKeyPrefix    = "task:"
	taskIndexKey     = "tasks:all"
	pendingKeyPrefix = "tasks:pending:"
)

// RedisStore persists tasks in Redis: one JSON value per task, an index
// set of every id, and a ZSET per role ordering pending work. Status
// transitions run under WATCH so concurrent actors cannot double-claim
// a task.
type RedisStore struct {
	client *redisWrapper.Client
	logger Logger
}

// NewRedisStore creates a Redis-backed task store.
func NewRedisStore(client *redisWrapper.Client, logger Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger}
}

func taskKey(id string) string { return taskKeyPrefix + id }

func pendingKey(roleID string) string { return pendingKeyPrefix + roleID }

// pendingScore orders the role ZSET: higher priorities score lower so an
// ascending range yields priority descending, then creation ascending.
func pendingScore(t *Task) float64 {
	return float64(3-t.Priority.Rank())*1e15 + float64(t.CreatedAt.UnixMilli())
}

// Create stores a new pending task and indexes it.
func (s *RedisStore) Create(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	if err := s.client.Set(ctx, taskKey(t.ID), string(data), 0); err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, taskIndexKey, t.ID); err != nil {
		return err
	}
	return s.client.ZAdd(ctx, pendingKey(t.RoleID), pendingScore(t), t.ID)
}

// Get returns a task by id.
func (s *RedisStore) Get(ctx context.Context, id string) (*Task, error) {
	data, err := s.client.Get(ctx, taskKey(id))
	if err == goredis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	return &t, nil
}

// List scans the index and filters client-side. The index stays small
// enough for a single-process deployment; role-queue reads go through
// PendingByRole instead.
func (s *RedisStore) List(ctx context.Context, f Filter) ([]*Task, error) {
	ids, err := s.client.SMembers(ctx, taskIndexKey)
	if err != nil {
		return nil, err
	}

	var out []*Task
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if f.Matches(t) {
			out = append(out, t)
		}
	}
	sortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Transition applies a status change under WATCH on the task key, and
// maintains the pending ZSET in the same MULTI.
func (s *RedisStore) Transition(ctx context.Context, id string, expect []Status, mutate func(*Task)) (*Task, error) {
	var result *Task

	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		data, err := tx.Get(ctx, taskKey(id)).Result()
		if err == goredis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var t Task
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return fmt.Errorf("unmarshal task %s: %w", id, err)
		}

		wasPending := t.Status == StatusPending
		if !statusIn(t.Status, expect) {
			next := t.Clone()
			mutate(next)
			return &TransitionError{TaskID: id, From: t.Status, To: next.Status}
		}
		mutate(&t)

		updated, err := json.Marshal(&t)
		if err != nil {
			return fmt.Errorf("marshal task %s: %w", id, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, taskKey(id), string(updated), 0)
			if wasPending && t.Status != StatusPending {
				pipe.ZRem(ctx, pendingKey(t.RoleID), id)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = &t
		return nil
	}, taskKey(id))

	if err != nil {
		return nil, err
	}
	return result, nil
}

// PendingByRole reads the role ZSET in score order, which is queue
// order by construction.
func (s *RedisStore) PendingByRole(ctx context.Context, roleID string) ([]*Task, error) {
	ids, err := s.client.ZRangeAsc(ctx, pendingKey(roleID))
	if err != nil {
		return nil, err
	}

	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if err == ErrNotFound {
			// Stale index entry; drop it and move on.
			_ = s.client.ZRem(ctx, pendingKey(roleID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if t.Status != StatusPending {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func sortNewestFirst(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

package tasks

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"food-payments/internal/errs"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/claim_due.lua
var claimDueScript string

//go:embed scripts/start_task.lua
var startTaskScript string

//go:embed scripts/release_task.lua
var releaseTaskScript string

//go:embed scripts/recover_stale.lua
var recoverStaleScript string

// Every key carries the {tasks} hash tag so the scripts touch a single
// cluster slot.
const (
	keyPrefix    = "{tasks}:"
	taskPrefix   = keyPrefix + "task:"
	scheduledKey = keyPrefix + "scheduled"
	reservedKey  = keyPrefix + "reserved"
	activeKey    = keyPrefix + "active"
	revokedKey   = keyPrefix + "revoked"

	finishedTTL = 24 * time.Hour
	revokedTTL  = 7 * 24 * time.Hour
)

// RedisBroker keeps task bodies in hashes and the schedule in a sorted set
// scored by ETA. Reserved and active ids sit in sorted sets scored by when
// they were claimed or started; revoked ids in a plain set.
type RedisBroker struct {
	rdb     *redis.Client
	claim   *redis.Script
	start   *redis.Script
	release *redis.Script
	reclaim *redis.Script
	prefix  string
}

func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{
		rdb:     rdb,
		claim:   redis.NewScript(claimDueScript),
		start:   redis.NewScript(startTaskScript),
		release: redis.NewScript(releaseTaskScript),
		reclaim: redis.NewScript(recoverStaleScript),
		prefix:  taskPrefix,
	}
}

func taskKey(id string) string {
	return taskPrefix + id
}

func (b *RedisBroker) Push(ctx context.Context, task Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, taskKey(task.ID), "payload", body, "state", string(StateScheduled))
		pipe.ZAdd(ctx, scheduledKey, &redis.Z{Score: float64(task.ETA.UnixMilli()), Member: task.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push task %s: %w", task.ID, err)
	}
	return nil
}

func (b *RedisBroker) Claim(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	result, err := b.claim.Run(ctx, b.rdb,
		[]string{scheduledKey, revokedKey, reservedKey},
		now.UnixMilli(), limit, b.prefix).Result()
	if err != nil {
		return nil, fmt.Errorf("claim script failed: %w", err)
	}

	raw, ok := result.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected claim result type %T", result)
	}

	claimed := make([]Task, 0, len(raw))
	for _, item := range raw {
		payload, ok := item.(string)
		if !ok {
			continue
		}
		var task Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			return claimed, fmt.Errorf("failed to unmarshal task: %w", err)
		}
		claimed = append(claimed, task)
	}
	return claimed, nil
}

func (b *RedisBroker) Start(ctx context.Context, id string, now time.Time) (bool, error) {
	started, err := b.start.Run(ctx, b.rdb,
		[]string{reservedKey, activeKey, revokedKey, taskKey(id)}, id, now.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("start script failed: %w", err)
	}
	return started == 1, nil
}

func (b *RedisBroker) Done(ctx context.Context, id string) error {
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, activeKey, id)
		pipe.HSet(ctx, taskKey(id), "state", string(StateDone))
		pipe.Expire(ctx, taskKey(id), finishedTTL)
		return nil
	})
	return err
}

func (b *RedisBroker) Release(ctx context.Context, task Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	err = b.release.Run(ctx, b.rdb,
		[]string{scheduledKey, reservedKey, activeKey, taskKey(task.ID)},
		task.ID, task.ETA.UnixMilli(), body).Err()
	if err != nil {
		return fmt.Errorf("release script failed: %w", err)
	}
	return nil
}

func (b *RedisBroker) Revoke(ctx context.Context, id string) error {
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, revokedKey, id)
		pipe.Expire(ctx, revokedKey, revokedTTL)
		pipe.ZRem(ctx, scheduledKey, id)
		pipe.ZRem(ctx, reservedKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to revoke task %s: %w", id, err)
	}

	state, err := b.rdb.HGet(ctx, taskKey(id), "state").Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	// A running task keeps running; the handler's own guard decides.
	if State(state) != StateDone && State(state) != StateRunning {
		return b.rdb.HSet(ctx, taskKey(id), "state", string(StateRevoked)).Err()
	}
	return nil
}

func (b *RedisBroker) State(ctx context.Context, id string) (State, error) {
	state, err := b.rdb.HGet(ctx, taskKey(id), "state").Result()
	if err == redis.Nil {
		revoked, rerr := b.rdb.SIsMember(ctx, revokedKey, id).Result()
		if rerr == nil && revoked {
			return StateRevoked, nil
		}
		return "", errs.NotFound("task %s not found", id)
	}
	if err != nil {
		return "", err
	}
	return State(state), nil
}

func (b *RedisBroker) Snapshot(ctx context.Context) (*Snapshot, error) {
	scheduled, err := b.rdb.ZRange(ctx, scheduledKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	reserved, err := b.rdb.ZRange(ctx, reservedKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	active, err := b.rdb.ZRange(ctx, activeKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	revoked, err := b.rdb.SMembers(ctx, revokedKey).Result()
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Revoked: revoked}
	if snap.Scheduled, err = b.load(ctx, scheduled); err != nil {
		return nil, err
	}
	if snap.Reserved, err = b.load(ctx, reserved); err != nil {
		return nil, err
	}
	if snap.Active, err = b.load(ctx, active); err != nil {
		return nil, err
	}
	return snap, nil
}

func (b *RedisBroker) load(ctx context.Context, ids []string) ([]Task, error) {
	out := make([]Task, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	pipe := b.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, taskKey(id), "payload")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	for _, cmd := range cmds {
		payload, err := cmd.Result()
		if err != nil {
			continue
		}
		var task Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			continue
		}
		out = append(out, task)
	}
	return out, nil
}

func (b *RedisBroker) Purge(ctx context.Context) (int, error) {
	scheduled, err := b.rdb.ZRange(ctx, scheduledKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	reserved, err := b.rdb.ZRange(ctx, reservedKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}

	dropped := append(scheduled, reserved...)
	keys := []string{scheduledKey, reservedKey, revokedKey}
	for _, id := range dropped {
		keys = append(keys, taskKey(id))
	}
	if err := b.rdb.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("failed to purge tasks: %w", err)
	}
	return len(dropped), nil
}

func (b *RedisBroker) Recover(ctx context.Context, staleBefore time.Time) (int, error) {
	moved, err := b.reclaim.Run(ctx, b.rdb,
		[]string{scheduledKey, reservedKey, activeKey},
		staleBefore.UnixMilli(), time.Now().UnixMilli(), b.prefix).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to recover tasks: %w", err)
	}
	return moved, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

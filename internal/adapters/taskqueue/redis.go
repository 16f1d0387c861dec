// Package taskqueue provides the Redis-backed execution backend: the
// dispatcher pushes tasks in, workers block-pop them out, and both sides
// share a per-task status record.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/netauto/conductor/internal/core"
	"github.com/netauto/conductor/internal/domain/model"
)

const (
	queueKeyPrefix = "conductor:queue:"
	taskKeyPrefix  = "conductor:task:"

	// taskTTL bounds how long a task status record survives. Long enough for
	// the reconciler to distinguish done from gone, short enough that Redis
	// never accumulates history.
	taskTTL = 24 * time.Hour

	defaultPollTimeout = 5 * time.Second
)

// RedisBackend implements core.ExecutionBackend and core.TaskSource on a
// shared Redis instance. Delivery is at-least-once: a worker crash between
// BRPOP and the terminal state update loses only the in-flight marker, which
// the reconciler later resolves through the status record.
type RedisBackend struct {
	client      redis.UniversalClient
	pollTimeout time.Duration
}

var (
	_ core.ExecutionBackend = (*RedisBackend)(nil)
	_ core.TaskSource       = (*RedisBackend)(nil)
)

// RedisBackendOptions configures a RedisBackend.
type RedisBackendOptions struct {
	Client redis.UniversalClient
	// PollTimeout bounds how long Dequeue blocks waiting for work.
	PollTimeout time.Duration
}

// NewRedisBackend creates a RedisBackend.
func NewRedisBackend(opts RedisBackendOptions) *RedisBackend {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaultPollTimeout
	}
	return &RedisBackend{
		client:      opts.Client,
		pollTimeout: opts.PollTimeout,
	}
}

func queueKey(jobType model.JobType) string {
	return queueKeyPrefix + string(jobType)
}

func taskKey(taskID string) string {
	return taskKeyPrefix + taskID
}

// Submit records the task status hash and pushes the task ID onto the
// per-type queue. The status record is written first so a worker can never
// pop an ID that has no record behind it.
func (b *RedisBackend) Submit(ctx context.Context, task *core.Task) (string, error) {
	if task == nil {
		return "", errors.New("task is required")
	}
	taskID := task.ID
	if taskID == "" {
		taskID = uuid.NewString()
	}

	key := taskKey(taskID)
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"state":    string(core.BackendStateQueued),
		"run_id":   task.RunID,
		"job_type": string(task.JobType),
		"payload":  string(task.Payload),
		"attempt":  task.Attempt,
	})
	pipe.Expire(ctx, key, taskTTL)
	pipe.LPush(ctx, queueKey(task.JobType), taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("submit task: %w", err)
	}
	return taskID, nil
}

// FetchStatus reports the backend's view of a task. An expired or unknown
// record is BackendStateGone.
func (b *RedisBackend) FetchStatus(ctx context.Context, taskID string) (core.BackendState, error) {
	state, err := b.client.HGet(ctx, taskKey(taskID), "state").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return core.BackendStateGone, nil
		}
		return core.BackendStateGone, fmt.Errorf("fetch task status: %w", err)
	}
	return core.BackendState(state), nil
}

// Cancel flags the task for cooperative cancellation and best-effort removes
// it from its queue so no worker picks it up.
func (b *RedisBackend) Cancel(ctx context.Context, taskID string) error {
	key := taskKey(taskID)
	vals, err := b.client.HMGet(ctx, key, "state", "job_type").Result()
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}

	if err := b.client.HSet(ctx, key, "cancel", "1").Err(); err != nil {
		return fmt.Errorf("flag task cancelled: %w", err)
	}

	// Drop a still-queued task from the list. A worker racing us just sees
	// the cancel flag instead.
	state, _ := vals[0].(string)
	jobType, _ := vals[1].(string)
	if state == string(core.BackendStateQueued) && jobType != "" {
		if err := b.client.LRem(ctx, queueKey(model.JobType(jobType)), 0, taskID).Err(); err != nil {
			return fmt.Errorf("remove queued task: %w", err)
		}
	}
	return nil
}

// Dequeue blocks up to the poll timeout for the next task of the given type.
// Returns model.ErrNoTasksAvailable when the timeout elapses empty.
func (b *RedisBackend) Dequeue(ctx context.Context, jobType model.JobType) (*core.Task, error) {
	res, err := b.client.BRPop(ctx, b.pollTimeout, queueKey(jobType)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, model.ErrNoTasksAvailable
		}
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	// BRPop returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("dequeue: unexpected BRPOP reply of length %d", len(res))
	}
	taskID := res[1]

	fields, err := b.client.HGetAll(ctx, taskKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if len(fields) == 0 {
		// Record expired while the ID sat queued; nothing to execute.
		return nil, model.ErrNoTasksAvailable
	}

	attempt, _ := strconv.Atoi(fields["attempt"])
	return &core.Task{
		ID:      taskID,
		RunID:   fields["run_id"],
		JobType: model.JobType(fields["job_type"]),
		Payload: []byte(fields["payload"]),
		Attempt: attempt,
	}, nil
}

// SetState updates the task's status record.
func (b *RedisBackend) SetState(ctx context.Context, taskID string, state core.BackendState) error {
	key := taskKey(taskID)
	set, err := b.client.HSet(ctx, key, "state", string(state)).Result()
	if err != nil {
		return fmt.Errorf("set task state: %w", err)
	}
	// HSET on a vanished key would resurrect it without a TTL.
	if set == 1 {
		if err := b.client.Expire(ctx, key, taskTTL).Err(); err != nil {
			return fmt.Errorf("refresh task ttl: %w", err)
		}
	}
	return nil
}

// CancelRequested reports whether Cancel was called for the task.
func (b *RedisBackend) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	val, err := b.client.HGet(ctx, taskKey(taskID), "cancel").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("check cancel flag: %w", err)
	}
	return val == "1", nil
}

// QueueDepths returns the number of queued tasks per job type, for the
// operational queue listing endpoint.
func (b *RedisBackend) QueueDepths(
	ctx context.Context,
	jobTypes []model.JobTypeInfo,
) (map[string]int64, error) {
	depths := make(map[string]int64, len(jobTypes))
	for _, info := range jobTypes {
		n, err := b.client.LLen(ctx, queueKey(info.Value)).Result()
		if err != nil {
			return nil, fmt.Errorf("queue depth for %s: %w", info.Value, err)
		}
		depths[string(info.Value)] = n
	}
	return depths, nil
}

/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// Package broker is the Redis-backed job transport between the frontend
// workers and the backend sessions. Queues are plain lists; a delayed set
// feeds timed jobs back into them, and dedup keys suppress replays of
// already-applied jobs.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"go.corp.nvidia.com/osmo/service/compute/jobs"
	osmoredis "go.corp.nvidia.com/osmo/utils/redis"
)

const (
	frontendQueue     = "FRONTEND_JOBS"
	backendQueuePref  = "BACKEND_JOBS:"
	processingSuffix  = ":PROCESSING"
	deliveriesSuffix  = ":DELIVERIES"
	delayedJobsKey    = "DELAYED_JOBS"
	dedupKeyPrefix    = "JOB_DEDUP:"
	retryCountPrefix  = "JOB_RETRIES:"
	barrierKeyPrefix  = "GANG_BARRIER:"
	actionQueuePrefix = "GANG_ACTIONS:"

	// Dedup keys must outlive the longest plausible job replay window,
	// including delayed timeout checks parked for days.
	dedupTTL = 5 * 24 * time.Hour

	retryCountTTL = 5 * 24 * time.Hour
	barrierTTL    = 5 * 24 * time.Hour
)

// ErrEmpty is returned by non-blocking pops when the queue has no jobs.
var ErrEmpty = errors.New("queue is empty")

// Broker multiplexes job queues over a shared Redis connection.
type Broker struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New creates a Broker on top of an established Redis client.
func New(client *osmoredis.RedisClient, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{rdb: client.Client(), logger: logger}
}

// NewFromClient creates a Broker from a raw go-redis client. Used by tests.
func NewFromClient(rdb *redis.Client, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{rdb: rdb, logger: logger}
}

// FrontendQueue returns the queue name the frontend worker pool consumes.
func FrontendQueue() string {
	return frontendQueue
}

// BackendQueue returns the queue name a backend session consumes.
func BackendQueue(backend string) string {
	return backendQueuePref + backend
}

func queueFor(job *jobs.Job) string {
	if job.SuperType == jobs.SuperTypeBackend {
		return BackendQueue(job.Backend)
	}
	return frontendQueue
}

// Enqueue pushes a job onto its queue. High priority jobs go to the head so
// an idle consumer picks them up before the backlog.
func (b *Broker) Enqueue(ctx context.Context, job *jobs.Job) error {
	data, err := job.Encode()
	if err != nil {
		return err
	}
	queue := queueFor(job)

	if job.HighPriority {
		err = b.rdb.RPush(ctx, queue, data).Err()
	} else {
		err = b.rdb.LPush(ctx, queue, data).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s on %s: %w", job.JobUUID, queue, err)
	}
	b.logger.Debug("job enqueued",
		slog.String("job_uuid", job.JobUUID),
		slog.String("job_type", string(job.JobType)),
		slog.String("queue", queue))
	return nil
}

// EnqueueDelayed parks a job until the due time. The delayed monitor moves
// it onto its queue once due.
func (b *Broker) EnqueueDelayed(ctx context.Context, job *jobs.Job, due time.Time) error {
	data, err := job.Encode()
	if err != nil {
		return err
	}
	err = b.rdb.ZAdd(ctx, delayedJobsKey, redis.Z{
		Score:  float64(due.Unix()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to park delayed job %s: %w", job.JobUUID, err)
	}
	return nil
}

// Dequeue blocks until a job is available on the queue, moving it to the
// queue's processing list so a crashed consumer leaves a trace. The delivery
// time is recorded so the recovery monitor can requeue entries whose
// consumer never acked. Returns nil with no error when the timeout elapses.
func (b *Broker) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*jobs.Job, error) {
	data, err := b.rdb.BRPopLPush(ctx, queue, queue+processingSuffix, timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop from %s: %w", queue, err)
	}
	b.rdb.ZAdd(ctx, queue+deliveriesSuffix, redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: data,
	})

	job, err := jobs.Decode([]byte(data))
	if err != nil {
		// A corrupt entry would wedge the queue if requeued; drop it.
		pipe := b.rdb.TxPipeline()
		pipe.LRem(ctx, queue+processingSuffix, 1, data)
		pipe.ZRem(ctx, queue+deliveriesSuffix, data)
		pipe.Exec(ctx)
		return nil, fmt.Errorf("failed to decode job from %s: %w", queue, err)
	}
	return job, nil
}

// deliveredBytes returns the bytes under which the job sits on the
// processing list. Handlers may mutate the payload after dequeue, so a
// re-encode would no longer match the stored entry.
func deliveredBytes(job *jobs.Job) ([]byte, error) {
	if len(job.Raw) > 0 {
		return job.Raw, nil
	}
	return job.Encode()
}

// Ack removes a processed job from the processing list.
func (b *Broker) Ack(ctx context.Context, queue string, job *jobs.Job) error {
	data, err := deliveredBytes(job)
	if err != nil {
		return err
	}
	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, queue+processingSuffix, 1, data)
	pipe.ZRem(ctx, queue+deliveriesSuffix, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack job %s: %w", job.JobUUID, err)
	}
	return nil
}

// Requeue moves a failed job from the processing list back onto the head of
// the queue for another attempt. Consumers pop from the right end, so the
// head insert is an RPush.
func (b *Broker) Requeue(ctx context.Context, queue string, job *jobs.Job) error {
	data, err := deliveredBytes(job)
	if err != nil {
		return err
	}
	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, queue+processingSuffix, 1, data)
	pipe.ZRem(ctx, queue+deliveriesSuffix, data)
	pipe.RPush(ctx, queue, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", job.JobUUID, err)
	}
	return nil
}

// QueueLength returns the number of jobs waiting on a queue.
func (b *Broker) QueueLength(ctx context.Context, queue string) (int64, error) {
	n, err := b.rdb.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read length of %s: %w", queue, err)
	}
	return n, nil
}

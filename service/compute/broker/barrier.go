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

package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Gang barriers synchronize the tasks of a barrier group: each task arrives
// with ArriveAtBarrier and blocks on its action queue until the last arrival
// releases everyone.

func barrierKey(workflowUUID, group string, retryID int) string {
	return fmt.Sprintf("%s%s:%s:%d", barrierKeyPrefix, workflowUUID, group, retryID)
}

func actionQueueKey(workflowUUID, group string, retryID int, task string) string {
	return fmt.Sprintf("%s%s:%s:%d:%s", actionQueuePrefix, workflowUUID, group, retryID, task)
}

// ArriveAtBarrier records a task's arrival. When the arrival completes the
// gang, one release token is pushed per member so every waiter unblocks.
// Duplicate arrivals are absorbed by the set.
func (b *Broker) ArriveAtBarrier(
	ctx context.Context,
	workflowUUID, group string,
	retryID int,
	task string,
	members []string,
) error {
	key := barrierKey(workflowUUID, group, retryID)

	pipe := b.rdb.TxPipeline()
	pipe.SAdd(ctx, key, task)
	pipe.Expire(ctx, key, barrierTTL)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to arrive at barrier %s: %w", key, err)
	}

	if card.Val() < int64(len(members)) {
		return nil
	}

	release := b.rdb.TxPipeline()
	for _, member := range members {
		queue := actionQueueKey(workflowUUID, group, retryID, member)
		release.LPush(ctx, queue, "RELEASE")
		release.Expire(ctx, queue, barrierTTL)
	}
	if _, err := release.Exec(ctx); err != nil {
		return fmt.Errorf("failed to release barrier %s: %w", key, err)
	}
	return nil
}

// WaitAtBarrier blocks until the task's release token arrives or the
// timeout elapses. Returns false on timeout.
func (b *Broker) WaitAtBarrier(
	ctx context.Context,
	workflowUUID, group string,
	retryID int,
	task string,
	timeout time.Duration,
) (bool, error) {
	queue := actionQueueKey(workflowUUID, group, retryID, task)
	res, err := b.rdb.BRPop(ctx, timeout, queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to wait at barrier queue %s: %w", queue, err)
	}
	return len(res) == 2, nil
}

// PushTaskAction sends an action token to one task's queue. Used to tell
// the surviving peers of a rescheduled lead to restart into the new retry
// generation.
func (b *Broker) PushTaskAction(
	ctx context.Context,
	workflowUUID, group string,
	retryID int,
	task, action string,
) error {
	queue := actionQueueKey(workflowUUID, group, retryID, task)
	pipe := b.rdb.TxPipeline()
	pipe.LPush(ctx, queue, action)
	pipe.Expire(ctx, queue, barrierTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push action %s to %s: %w", action, queue, err)
	}
	return nil
}

// WipeBarrier clears the barrier state of a retry generation. A reschedule
// must wipe before the new generation starts so stale arrivals cannot
// release the fresh gang early.
func (b *Broker) WipeBarrier(
	ctx context.Context,
	workflowUUID, group string,
	retryID int,
	members []string,
) error {
	keys := []string{barrierKey(workflowUUID, group, retryID)}
	for _, member := range members {
		keys = append(keys, actionQueueKey(workflowUUID, group, retryID, member))
	}
	if err := b.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to wipe barrier for %s/%s: %w", workflowUUID, group, err)
	}
	return nil
}

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

	"github.com/redis/go-redis/v9"
)

// ClaimJob registers a job instance as the executor of its dedup id. The
// first claimant wins; a replayed job with the same dedup id but a different
// instance uuid observes the winner and must not execute. Returns whether
// this instance holds the claim.
func (b *Broker) ClaimJob(ctx context.Context, jobID, jobUUID string) (bool, error) {
	key := dedupKeyPrefix + jobID
	claimed, err := b.rdb.SetNX(ctx, key, jobUUID, dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim job %s: %w", jobID, err)
	}
	if claimed {
		return true, nil
	}

	holder, err := b.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Claim expired between SETNX and GET; treat as lost.
			return false, nil
		}
		return false, fmt.Errorf("failed to read claim for job %s: %w", jobID, err)
	}
	return holder == jobUUID, nil
}

// ReleaseJob drops a claim so the dedup id can be executed again. Used when
// a handler fails without side effects and the job is requeued.
func (b *Broker) ReleaseJob(ctx context.Context, jobID, jobUUID string) error {
	// Only the holder may release; losing this race is harmless because the
	// claim expires on its own.
	script := redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)
	if err := script.Run(ctx, b.rdb, []string{dedupKeyPrefix + jobID}, jobUUID).Err(); err != nil {
		return fmt.Errorf("failed to release job %s: %w", jobID, err)
	}
	return nil
}

// IncrementRetry bumps and returns the per-job retry counter. The counter
// key expires with the dedup window.
func (b *Broker) IncrementRetry(ctx context.Context, jobID string) (int64, error) {
	key := retryCountPrefix + jobID
	pipe := b.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, retryCountTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment retries for job %s: %w", jobID, err)
	}
	return incr.Val(), nil
}

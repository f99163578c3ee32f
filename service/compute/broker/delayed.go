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
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"go.corp.nvidia.com/osmo/service/compute/jobs"
)

// moveDueScript pops due members from the delayed set atomically. Without
// the script two monitors could both move the same member and enqueue the
// job twice.
var moveDueScript = redis.NewScript(`
	local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
	for _, member in ipairs(due) do
		redis.call("ZREM", KEYS[1], member)
	end
	return due
`)

const delayedBatchSize = 100

// PumpDelayed moves jobs whose due time has passed onto their queues.
// Returns the number of jobs moved.
func (b *Broker) PumpDelayed(ctx context.Context, now time.Time) (int, error) {
	res, err := moveDueScript.Run(ctx, b.rdb, []string{delayedJobsKey},
		now.Unix(), delayedBatchSize).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to pop delayed jobs: %w", err)
	}

	members, ok := res.([]interface{})
	if !ok {
		return 0, fmt.Errorf("unexpected delayed pop result type %T", res)
	}

	moved := 0
	for _, member := range members {
		data, ok := member.(string)
		if !ok {
			continue
		}
		job, err := jobs.Decode([]byte(data))
		if err != nil {
			b.logger.Error("dropping undecodable delayed job",
				slog.String("error", err.Error()))
			continue
		}
		if err := b.Enqueue(ctx, job); err != nil {
			// Park it again rather than lose it.
			b.rdb.ZAdd(ctx, delayedJobsKey, redis.Z{
				Score:  float64(now.Unix()),
				Member: data,
			})
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// RunDelayedMonitor pumps the delayed set until the context is cancelled.
func (b *Broker) RunDelayedMonitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := b.PumpDelayed(ctx, time.Now()); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				b.logger.Error("delayed job pump failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

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
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// recoverStaleScript requeues processing-list entries whose delivery time is
// older than the cutoff. Entries with no recorded delivery (the consumer
// crashed between the pop and the record) get stamped with the current time
// so a later sweep picks them up. The whole walk is one script so two
// monitors cannot both requeue the same entry.
//
// KEYS[1] processing list, KEYS[2] deliveries set, KEYS[3] ready queue.
// ARGV[1] cutoff unix time, ARGV[2] current unix time.
var recoverStaleScript = redis.NewScript(`
	local recovered = 0
	local entries = redis.call("LRANGE", KEYS[1], 0, -1)
	for _, entry in ipairs(entries) do
		local delivered = redis.call("ZSCORE", KEYS[2], entry)
		if not delivered then
			redis.call("ZADD", KEYS[2], ARGV[2], entry)
		elseif tonumber(delivered) <= tonumber(ARGV[1]) then
			redis.call("LREM", KEYS[1], 1, entry)
			redis.call("ZREM", KEYS[2], entry)
			redis.call("RPUSH", KEYS[3], entry)
			recovered = recovered + 1
		end
	end
	return recovered
`)

// RecoverStale requeues deliveries on one queue that have been in flight
// longer than the visibility window. Returns the number requeued.
func (b *Broker) RecoverStale(ctx context.Context, queue string, visibility time.Duration) (int, error) {
	now := time.Now()
	cutoff := now.Add(-visibility)
	keys := []string{queue + processingSuffix, queue + deliveriesSuffix, queue}
	recovered, err := recoverStaleScript.Run(ctx, b.rdb, keys,
		cutoff.Unix(), now.Unix()).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale deliveries on %s: %w", queue, err)
	}
	if recovered > 0 {
		b.logger.Warn("requeued stale deliveries",
			slog.String("queue", queue),
			slog.Int("count", recovered))
	}
	return recovered, nil
}

// RecoverAllStale sweeps every queue with a processing list. Returns the
// total number of deliveries requeued.
func (b *Broker) RecoverAllStale(ctx context.Context, visibility time.Duration) (int, error) {
	total := 0
	var cursor uint64
	for {
		keys, next, err := b.rdb.Scan(ctx, cursor, "*"+processingSuffix, 100).Result()
		if err != nil {
			return total, fmt.Errorf("failed to scan processing lists: %w", err)
		}
		for _, key := range keys {
			queue := strings.TrimSuffix(key, processingSuffix)
			recovered, err := b.RecoverStale(ctx, queue, visibility)
			if err != nil {
				return total, err
			}
			total += recovered
		}
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

// RunRecoveryMonitor sweeps stale deliveries until the context is cancelled.
func (b *Broker) RunRecoveryMonitor(ctx context.Context, interval, visibility time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := b.RecoverAllStale(ctx, visibility); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				b.logger.Error("stale delivery sweep failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

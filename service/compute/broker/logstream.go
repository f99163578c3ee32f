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
	"time"

	"github.com/redis/go-redis/v9"
)

// Live logs and events are buffered in capped Redis lists while the
// workflow runs, then archived to object storage at cleanup and deleted.

const (
	logKeyPrefix     = "WORKFLOW_LOGS:"
	eventKeyPrefix   = "WORKFLOW_EVENTS:"
	podCondKeyPrefix = "POD_CONDITION:"

	// Streams expire on their own in case cleanup never runs.
	streamTTL = 7 * 24 * time.Hour

	maxLogLines   = 100000
	maxEventLines = 10000
	maxAuditLines = 10000

	podConditionTTL = 24 * time.Hour

	auditKeyPrefix = "BACKEND_AUDIT:"
)

func taskLogKey(workflowID, task string, retryID int) string {
	return fmt.Sprintf("%s%s:%s:%d", logKeyPrefix, workflowID, task, retryID)
}

func eventKey(workflowID string) string {
	return eventKeyPrefix + workflowID
}

// AppendTaskLog appends log lines to a task's live stream, trimming to the
// cap so a chatty task cannot exhaust Redis.
func (b *Broker) AppendTaskLog(ctx context.Context, workflowID, task string, retryID int, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	key := taskLogKey(workflowID, task, retryID)
	values := make([]interface{}, len(lines))
	for i, line := range lines {
		values[i] = line
	}

	pipe := b.rdb.TxPipeline()
	pipe.RPush(ctx, key, values...)
	pipe.LTrim(ctx, key, -maxLogLines, -1)
	pipe.Expire(ctx, key, streamTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append logs for %s/%s: %w", workflowID, task, err)
	}
	return nil
}

// ReadTaskLog returns log lines from the given offset.
func (b *Broker) ReadTaskLog(ctx context.Context, workflowID, task string, retryID int, from int64) ([]string, error) {
	lines, err := b.rdb.LRange(ctx, taskLogKey(workflowID, task, retryID), from, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read logs for %s/%s: %w", workflowID, task, err)
	}
	return lines, nil
}

// AppendWorkflowEvent appends one event line to the workflow event stream.
func (b *Broker) AppendWorkflowEvent(ctx context.Context, workflowID, event string) error {
	key := eventKey(workflowID)
	pipe := b.rdb.TxPipeline()
	pipe.RPush(ctx, key, event)
	pipe.LTrim(ctx, key, -maxEventLines, -1)
	pipe.Expire(ctx, key, streamTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append event for %s: %w", workflowID, err)
	}
	return nil
}

// AppendAuditLog appends one audit record from a backend agent. The stream
// is capped per backend and expires like the workflow streams.
func (b *Broker) AppendAuditLog(ctx context.Context, backend, entry string) error {
	key := auditKeyPrefix + backend
	line := time.Now().UTC().Format(time.RFC3339) + " " + entry
	pipe := b.rdb.TxPipeline()
	pipe.RPush(ctx, key, line)
	pipe.LTrim(ctx, key, -maxAuditLines, -1)
	pipe.Expire(ctx, key, streamTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append audit log for %s: %w", backend, err)
	}
	return nil
}

// ReadAuditLog returns the buffered audit records of a backend.
func (b *Broker) ReadAuditLog(ctx context.Context, backend string) ([]string, error) {
	entries, err := b.rdb.LRange(ctx, auditKeyPrefix+backend, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log for %s: %w", backend, err)
	}
	return entries, nil
}

// ReadWorkflowEvents returns all buffered events of a workflow.
func (b *Broker) ReadWorkflowEvents(ctx context.Context, workflowID string) ([]string, error) {
	events, err := b.rdb.LRange(ctx, eventKey(workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read events for %s: %w", workflowID, err)
	}
	return events, nil
}

// DeleteWorkflowStreams drops the live log and event buffers after archival.
func (b *Broker) DeleteWorkflowStreams(ctx context.Context, workflowID string) error {
	var keys []string
	for _, pattern := range []string{
		logKeyPrefix + workflowID + ":*",
		eventKeyPrefix + workflowID,
	} {
		iter := b.rdb.Scan(ctx, 0, pattern, 0).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to scan streams for %s: %w", workflowID, err)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	if err := b.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete streams for %s: %w", workflowID, err)
	}
	return nil
}

// advancePodCondition keeps only the newest observation per pod condition.
var advancePodCondition = redis.NewScript(`
	local current = redis.call("GET", KEYS[1])
	if current and tonumber(current) >= tonumber(ARGV[1]) then
		return 0
	end
	redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[2])
	return 1
`)

// AdvancePodCondition records a pod condition observation and reports
// whether it is newer than the last seen one. Stale and duplicate
// observations return false and must not be re-emitted.
func (b *Broker) AdvancePodCondition(ctx context.Context, pod, condition string, observed time.Time) (bool, error) {
	key := podCondKeyPrefix + pod + ":" + condition
	res, err := advancePodCondition.Run(ctx, b.rdb, []string{key},
		observed.Unix(), int(podConditionTTL.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("failed to advance condition %s for pod %s: %w", condition, pod, err)
	}
	return res == 1, nil
}

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

package agent

import (
	"context"
	"time"

	"go.corp.nvidia.com/osmo/service/compute/jobs"
	"go.corp.nvidia.com/osmo/service/compute/store"
)

// Database is the slice of the store the sessions touch. Satisfied by
// *store.Store.
type Database interface {
	RegisterBackend(ctx context.Context, b *store.Backend) (bool, error)
	GetBackend(ctx context.Context, name string) (*store.Backend, error)
	TouchBackendHeartbeat(ctx context.Context, name string) error
	UpsertResource(ctx context.Context, r *store.Resource) error
	UpdateResourceUsage(ctx context.Context, backend, name string, usage []byte) error
	DeleteResource(ctx context.Context, backend, name string) error
	PruneResources(ctx context.Context, backend string, keep []string) error
	SetTaskRuntimeInfo(ctx context.Context, workflowID, name string, retryID int, node, podIP string) error
}

// JobQueue is the slice of the broker the sessions touch. Satisfied by
// *broker.Broker.
type JobQueue interface {
	Enqueue(ctx context.Context, job *jobs.Job) error
	Dequeue(ctx context.Context, queue string, timeout time.Duration) (*jobs.Job, error)
	Ack(ctx context.Context, queue string, job *jobs.Job) error
	Requeue(ctx context.Context, queue string, job *jobs.Job) error
	ClaimJob(ctx context.Context, jobID, jobUUID string) (bool, error)
	AppendTaskLog(ctx context.Context, workflowID, task string, retryID int, lines []string) error
	AppendWorkflowEvent(ctx context.Context, workflowID, event string) error
	AppendAuditLog(ctx context.Context, backend, entry string) error
	AdvancePodCondition(ctx context.Context, pod, condition string, observed time.Time) (bool, error)
}

// JobExecutor runs the frontend side of backend jobs: PrepareExecute before
// the send, Execute after the agent reports success, HandleFailure on a
// permanent failure. Satisfied by the frontend worker engine.
type JobExecutor interface {
	// PrepareExecute returns false when the job must not be sent; the job is
	// then completed FAILED_NO_RETRY without a dispatch.
	PrepareExecute(ctx context.Context, job *jobs.Job) (bool, error)
	Execute(ctx context.Context, job *jobs.Job) error
	HandleFailure(ctx context.Context, job *jobs.Job, reason string) error
}

// Config tunes the sessions.
type Config struct {
	// AgentQueueSize bounds the listener's in-process frame queue. A full
	// queue slows the read pump, which transitively slows the agent.
	AgentQueueSize int
	// HeartbeatInterval is how often the control plane pings the agent.
	HeartbeatInterval time.Duration
	// DequeuePoll is the blocking-pop timeout of the worker channel's job
	// pump; it bounds how long shutdown waits for an idle session.
	DequeuePoll time.Duration
}

// DefaultConfig returns the production session tuning.
func DefaultConfig() Config {
	return Config{
		AgentQueueSize:    256,
		HeartbeatInterval: 60 * time.Second,
		DequeuePoll:       5 * time.Second,
	}
}

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
	"errors"
	"fmt"
	"sync"
	"time"

	"go.corp.nvidia.com/osmo/service/compute/jobs"
	"go.corp.nvidia.com/osmo/service/compute/store"
)

// fakeAgentDB is an in-memory Database for session tests.
type fakeAgentDB struct {
	mu         sync.Mutex
	backends   map[string]*store.Backend
	heartbeats int
	resources  map[string]*store.Resource
	runtime    map[string]string
	rejectInit bool
}

func newFakeAgentDB() *fakeAgentDB {
	return &fakeAgentDB{
		backends:  make(map[string]*store.Backend),
		resources: make(map[string]*store.Resource),
		runtime:   make(map[string]string),
	}
}

func (f *fakeAgentDB) RegisterBackend(ctx context.Context, b *store.Backend) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectInit {
		return false, errors.New("k8s uid does not match the registered cluster")
	}
	if existing, ok := f.backends[b.Name]; ok {
		existing.K8sUID = b.K8sUID
		existing.K8sNamespace = b.K8sNamespace
		existing.Version = b.Version
		return false, nil
	}
	clone := *b
	f.backends[b.Name] = &clone
	return true, nil
}

func (f *fakeAgentDB) GetBackend(ctx context.Context, name string) (*store.Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.backends[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *b
	return &clone, nil
}

func (f *fakeAgentDB) TouchBackendHeartbeat(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeAgentDB) UpsertResource(ctx context.Context, r *store.Resource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *r
	f.resources[r.Name] = &clone
	return nil
}

func (f *fakeAgentDB) UpdateResourceUsage(ctx context.Context, backend, name string, usage []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.resources[name]
	if !ok {
		return store.ErrNotFound
	}
	r.Usage = usage
	return nil
}

func (f *fakeAgentDB) DeleteResource(ctx context.Context, backend, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.resources, name)
	return nil
}

func (f *fakeAgentDB) PruneResources(ctx context.Context, backend string, keep []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := make(map[string]bool, len(keep))
	for _, name := range keep {
		kept[name] = true
	}
	for name := range f.resources {
		if !kept[name] {
			delete(f.resources, name)
		}
	}
	return nil
}

func (f *fakeAgentDB) SetTaskRuntimeInfo(ctx context.Context, workflowID, name string, retryID int, node, podIP string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runtime[fmt.Sprintf("%s:%d:%s", workflowID, retryID, name)] = node
	return nil
}

func (f *fakeAgentDB) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats
}

// fakeAgentQueue is an in-memory JobQueue. Dequeue pulls from a buffered
// channel so tests can stage backend jobs ahead of the session.
type fakeAgentQueue struct {
	pending chan *jobs.Job

	mu         sync.Mutex
	enqueued   []*jobs.Job
	acked      []*jobs.Job
	requeued   []*jobs.Job
	claims     map[string]string
	taskLogs   map[string][]string
	audit      []string
	events     map[string][]string
	conditions map[string]time.Time
}

func newFakeAgentQueue() *fakeAgentQueue {
	return &fakeAgentQueue{
		pending:    make(chan *jobs.Job, 8),
		claims:     make(map[string]string),
		taskLogs:   make(map[string][]string),
		events:     make(map[string][]string),
		conditions: make(map[string]time.Time),
	}
}

func (f *fakeAgentQueue) Enqueue(ctx context.Context, job *jobs.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, job)
	return nil
}

func (f *fakeAgentQueue) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*jobs.Job, error) {
	select {
	case job := <-f.pending:
		return job, nil
	case <-time.After(timeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeAgentQueue) Ack(ctx context.Context, queue string, job *jobs.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, job)
	return nil
}

func (f *fakeAgentQueue) Requeue(ctx context.Context, queue string, job *jobs.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued = append(f.requeued, job)
	return nil
}

func (f *fakeAgentQueue) ClaimJob(ctx context.Context, jobID, jobUUID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	holder, ok := f.claims[jobID]
	if !ok {
		f.claims[jobID] = jobUUID
		return true, nil
	}
	return holder == jobUUID, nil
}

func (f *fakeAgentQueue) AppendTaskLog(ctx context.Context, workflowID, task string, retryID int, lines []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s:%s:%d", workflowID, task, retryID)
	f.taskLogs[key] = append(f.taskLogs[key], lines...)
	return nil
}

func (f *fakeAgentQueue) AppendWorkflowEvent(ctx context.Context, workflowID, event string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[workflowID] = append(f.events[workflowID], event)
	return nil
}

func (f *fakeAgentQueue) AppendAuditLog(ctx context.Context, backend, entry string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audit = append(f.audit, entry)
	return nil
}

func (f *fakeAgentQueue) AdvancePodCondition(ctx context.Context, pod, condition string, observed time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := pod + ":" + condition
	if last, ok := f.conditions[key]; ok && !observed.After(last) {
		return false, nil
	}
	f.conditions[key] = observed
	return true, nil
}

func (f *fakeAgentQueue) enqueuedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued)
}

func (f *fakeAgentQueue) ackedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acked)
}

func (f *fakeAgentQueue) requeuedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requeued)
}

func (f *fakeAgentQueue) eventCount(workflowID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events[workflowID])
}

// fakeExecutor records executor callbacks and signals them over channels so
// tests can wait without polling.
type fakeExecutor struct {
	ready bool

	mu       sync.Mutex
	prepared []*jobs.Job
	executed chan *jobs.Job
	failed   chan string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		ready:    true,
		executed: make(chan *jobs.Job, 8),
		failed:   make(chan string, 8),
	}
}

func (f *fakeExecutor) PrepareExecute(ctx context.Context, job *jobs.Job) (bool, error) {
	f.mu.Lock()
	f.prepared = append(f.prepared, job)
	f.mu.Unlock()
	return f.ready, nil
}

func (f *fakeExecutor) Execute(ctx context.Context, job *jobs.Job) error {
	f.executed <- job
	return nil
}

func (f *fakeExecutor) HandleFailure(ctx context.Context, job *jobs.Job, reason string) error {
	f.failed <- reason
	return nil
}

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

package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.corp.nvidia.com/osmo/service/compute/filestore"
	"go.corp.nvidia.com/osmo/service/compute/jobs"
	"go.corp.nvidia.com/osmo/service/compute/renderer"
	"go.corp.nvidia.com/osmo/service/compute/state"
	"go.corp.nvidia.com/osmo/service/compute/store"
)

// fakeDB mirrors the store's guarded writes in memory, including the
// phase-column idempotence tokens, so the handlers see the same no-op
// semantics as against Postgres.
type fakeDB struct {
	mu         sync.Mutex
	workflows  map[string]*store.Workflow
	groups     map[string]*store.Group
	tasks      map[string]*store.Task
	taskPhase  map[string]map[string]bool
	groupPhase map[string]map[string]bool
	pools      map[string]*store.Pool
	backends   map[string]*store.Backend
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		workflows:  make(map[string]*store.Workflow),
		groups:     make(map[string]*store.Group),
		tasks:      make(map[string]*store.Task),
		taskPhase:  make(map[string]map[string]bool),
		groupPhase: make(map[string]map[string]bool),
		pools:      make(map[string]*store.Pool),
		backends:   make(map[string]*store.Backend),
	}
}

func groupKey(workflowID, name string) string { return workflowID + "/" + name }

func setPhase(phases map[string]map[string]bool, key, column string) bool {
	if phases[key] == nil {
		phases[key] = make(map[string]bool)
	}
	if phases[key][column] {
		return false
	}
	phases[key][column] = true
	return true
}

func (f *fakeDB) GetWorkflow(ctx context.Context, workflowID string) (*store.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[workflowID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *wf
	return &copied, nil
}

func (f *fakeDB) InsertWorkflowTree(ctx context.Context, wf *store.Workflow, groups []*store.Group, tasks []*store.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.workflows[wf.ID]; ok {
		return fmt.Errorf("workflow %s already exists", wf.ID)
	}
	f.workflows[wf.ID] = wf
	for _, g := range groups {
		f.groups[groupKey(g.WorkflowID, g.Name)] = g
	}
	for _, t := range tasks {
		f.tasks[store.TaskDBKey(t.WorkflowID, t.RetryID, t.Name)] = t
	}
	return nil
}

func (f *fakeDB) UpdateWorkflowStatus(ctx context.Context, workflowID string, target state.Status) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[workflowID]
	if !ok {
		return false, nil
	}
	now := time.Now()
	if target.Finished() {
		if wf.EndTime != nil || (wf.Status != state.StatusPending && wf.Status != state.StatusRunning) {
			return false, nil
		}
		wf.Status = target
		wf.EndTime = &now
		return true, nil
	}
	if target != state.StatusRunning || wf.Status != state.StatusPending || wf.StartTime != nil {
		return false, nil
	}
	wf.Status = target
	wf.StartTime = &now
	return true, nil
}

func (f *fakeDB) SetWorkflowCancelledBy(ctx context.Context, workflowID, user string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if wf, ok := f.workflows[workflowID]; ok && wf.CancelledBy == "" {
		wf.CancelledBy = user
	}
	return nil
}

func (f *fakeDB) SetWorkflowFailureMessage(ctx context.Context, workflowID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if wf, ok := f.workflows[workflowID]; ok {
		if wf.FailureMessage == "" {
			wf.FailureMessage = message
		} else {
			wf.FailureMessage += "\n" + message
		}
	}
	return nil
}

func (f *fakeDB) SetWorkflowArchivePaths(ctx context.Context, workflowID, logsPath, eventsPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if wf, ok := f.workflows[workflowID]; ok {
		wf.LogsPath = logsPath
		wf.EventsPath = eventsPath
	}
	return nil
}

func (f *fakeDB) GetGroup(ctx context.Context, workflowID, name string) (*store.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[groupKey(workflowID, name)]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *g
	return &copied, nil
}

func (f *fakeDB) ListGroups(ctx context.Context, workflowID string) ([]*store.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var groups []*store.Group
	for _, g := range f.groups {
		if g.WorkflowID == workflowID {
			copied := *g
			groups = append(groups, &copied)
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups, nil
}

func (f *fakeDB) ActivateWorkflowGroups(ctx context.Context, workflowID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	activated := 0
	for _, g := range f.groups {
		if g.WorkflowID == workflowID && g.Status == state.StatusSubmitting {
			g.Status = state.StatusWaiting
			setPhase(f.groupPhase, groupKey(workflowID, g.Name), "waiting_start_time")
			activated++
		}
	}
	return activated, nil
}

func (f *fakeDB) UpdateGroupStatus(ctx context.Context, workflowID, name string, target state.Status) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[groupKey(workflowID, name)]
	if !ok {
		return false, nil
	}
	if !state.CanTransition(g.Status, target) {
		return false, nil
	}
	if !setPhase(f.groupPhase, groupKey(workflowID, name), state.PhaseColumn(target)) {
		return false, nil
	}
	g.Status = target
	if target.Finished() {
		now := time.Now()
		g.EndTime = &now
	}
	return true, nil
}

func (f *fakeDB) SetGroupCleanedUp(ctx context.Context, workflowID, name string) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[groupKey(workflowID, name)]
	if !ok {
		return false, false, store.ErrNotFound
	}
	marked := !g.CleanedUp
	g.CleanedUp = true
	for _, other := range f.groups {
		if other.WorkflowID == workflowID && !other.CleanedUp {
			return marked, false, nil
		}
	}
	return marked, true, nil
}

func (f *fakeDB) RemoveUpstreamAndListUnlocked(ctx context.Context, workflowID, finished string, downstream []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var unlocked []string
	for _, name := range downstream {
		g, ok := f.groups[groupKey(workflowID, name)]
		if !ok {
			continue
		}
		var remaining []string
		removed := false
		for _, up := range g.RemainingUpstream {
			if up == finished {
				removed = true
				continue
			}
			remaining = append(remaining, up)
		}
		if !removed {
			continue
		}
		g.RemainingUpstream = remaining
		if len(remaining) == 0 {
			unlocked = append(unlocked, name)
		}
	}
	return unlocked, nil
}

func (f *fakeDB) InsertTasks(ctx context.Context, tasks []*store.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tasks {
		key := store.TaskDBKey(t.WorkflowID, t.RetryID, t.Name)
		if _, ok := f.tasks[key]; ok {
			return fmt.Errorf("task row %s already exists", key)
		}
		f.tasks[key] = t
	}
	return nil
}

func (f *fakeDB) GetTask(ctx context.Context, workflowID, name string, retryID int) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[store.TaskDBKey(workflowID, retryID, name)]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (f *fakeDB) ListGroupTasks(ctx context.Context, workflowID, group string) ([]*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latestTasks(func(t *store.Task) bool {
		return t.WorkflowID == workflowID && t.GroupName == group
	}), nil
}

func (f *fakeDB) ListWorkflowTasks(ctx context.Context, workflowID string) ([]*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latestTasks(func(t *store.Task) bool {
		return t.WorkflowID == workflowID
	}), nil
}

func (f *fakeDB) latestTasks(match func(*store.Task) bool) []*store.Task {
	latest := make(map[string]*store.Task)
	for _, t := range f.tasks {
		if !match(t) {
			continue
		}
		if current, ok := latest[t.Name]; !ok || t.RetryID > current.RetryID {
			latest[t.Name] = t
		}
	}
	tasks := make([]*store.Task, 0, len(latest))
	for _, t := range latest {
		copied := *t
		tasks = append(tasks, &copied)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })
	return tasks
}

func (f *fakeDB) UpdateTaskStatus(
	ctx context.Context,
	workflowID, name string,
	retryID int,
	target state.Status,
	exitCode int32,
	message string,
) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := store.TaskDBKey(workflowID, retryID, name)
	t, ok := f.tasks[key]
	if !ok {
		return false, nil
	}
	if !state.CanTransition(t.Status, target) {
		return false, nil
	}
	if !setPhase(f.taskPhase, key, state.PhaseColumn(target)) {
		return false, nil
	}
	t.Status = target
	if target.Finished() {
		t.ExitCode = &exitCode
		t.Message = message
		now := time.Now()
		t.EndTime = &now
	}
	return true, nil
}

func (f *fakeDB) GetPool(ctx context.Context, name string) (*store.Pool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pools[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (f *fakeDB) GetBackend(ctx context.Context, name string) (*store.Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.backends[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *b
	return &copied, nil
}

func (f *fakeDB) taskStatus(workflowID string, retryID int, name string) state.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[store.TaskDBKey(workflowID, retryID, name)]
	if !ok {
		return state.StatusUnknown
	}
	return t.Status
}

func (f *fakeDB) groupStatus(workflowID, name string) state.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[groupKey(workflowID, name)]
	if !ok {
		return state.StatusUnknown
	}
	return g.Status
}

func (f *fakeDB) workflowStatus(workflowID string) state.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[workflowID]
	if !ok {
		return state.StatusUnknown
	}
	return wf.Status
}

type delayedJob struct {
	job *jobs.Job
	due time.Time
}

// fakeBroker records every queue interaction for assertions.
type fakeBroker struct {
	mu       sync.Mutex
	enqueued []*jobs.Job
	delayed  []delayedJob
	acked    []*jobs.Job
	requeued []*jobs.Job
	claims   map[string]string
	retries  map[string]int64
	events   map[string][]string
	taskLogs map[string][]string
	actions  map[string][]string
	arrivals map[string][]string
	deleted  []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		claims:   make(map[string]string),
		retries:  make(map[string]int64),
		events:   make(map[string][]string),
		taskLogs: make(map[string][]string),
		actions:  make(map[string][]string),
		arrivals: make(map[string][]string),
	}
}

func (f *fakeBroker) Enqueue(ctx context.Context, job *jobs.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, job)
	return nil
}

func (f *fakeBroker) EnqueueDelayed(ctx context.Context, job *jobs.Job, due time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delayed = append(f.delayed, delayedJob{job: job, due: due})
	return nil
}

func (f *fakeBroker) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.enqueued) == 0 {
		return nil, nil
	}
	job := f.enqueued[0]
	f.enqueued = f.enqueued[1:]
	return job, nil
}

func (f *fakeBroker) Ack(ctx context.Context, queue string, job *jobs.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, job)
	return nil
}

func (f *fakeBroker) Requeue(ctx context.Context, queue string, job *jobs.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued = append(f.requeued, job)
	return nil
}

func (f *fakeBroker) ClaimJob(ctx context.Context, jobID, jobUUID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	holder, ok := f.claims[jobID]
	if !ok {
		f.claims[jobID] = jobUUID
		return true, nil
	}
	return holder == jobUUID, nil
}

func (f *fakeBroker) IncrementRetry(ctx context.Context, jobID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries[jobID]++
	return f.retries[jobID], nil
}

func (f *fakeBroker) ArriveAtBarrier(ctx context.Context, workflowUUID, group string, retryID int, task string, members []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s:%s:%d", workflowUUID, group, retryID)
	f.arrivals[key] = append(f.arrivals[key], task)
	return nil
}

func (f *fakeBroker) WipeBarrier(ctx context.Context, workflowUUID, group string, retryID int, members []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.arrivals, fmt.Sprintf("%s:%s:%d", workflowUUID, group, retryID))
	return nil
}

func (f *fakeBroker) PushTaskAction(ctx context.Context, workflowUUID, group string, retryID int, task, action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s:%s:%d:%s", workflowUUID, group, retryID, task)
	f.actions[key] = append(f.actions[key], action)
	return nil
}

func (f *fakeBroker) AppendWorkflowEvent(ctx context.Context, workflowID, event string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[workflowID] = append(f.events[workflowID], event)
	return nil
}

func (f *fakeBroker) ReadTaskLog(ctx context.Context, workflowID, task string, retryID int, from int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.taskLogs[fmt.Sprintf("%s:%s:%d", workflowID, task, retryID)], nil
}

func (f *fakeBroker) ReadWorkflowEvents(ctx context.Context, workflowID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[workflowID], nil
}

func (f *fakeBroker) DeleteWorkflowStreams(ctx context.Context, workflowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, workflowID)
	return nil
}

func (f *fakeBroker) jobsOfType(jobType jobs.Type) []*jobs.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []*jobs.Job
	for _, j := range f.enqueued {
		if j.JobType == jobType {
			matched = append(matched, j)
		}
	}
	return matched
}

func (f *fakeBroker) delayedOfType(jobType jobs.Type) []delayedJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []delayedJob
	for _, d := range f.delayed {
		if d.job.JobType == jobType {
			matched = append(matched, d)
		}
	}
	return matched
}

// fakeRenderer emits one placeholder manifest per task.
type fakeRenderer struct{}

func (fakeRenderer) RenderGroup(r *renderer.GroupRender) ([]string, error) {
	manifests := make([]string, len(r.Group.Tasks))
	for i, t := range r.Group.Tasks {
		manifests[i] = "manifest:" + t.Name
	}
	return manifests, nil
}

func newTestEngine(db *fakeDB, transport *fakeBroker, files filestore.Client) *Engine {
	if files == nil {
		files = filestore.NewMemory()
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(db, transport, files, fakeRenderer{}, DefaultConfig(), logger)
}

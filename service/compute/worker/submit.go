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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.corp.nvidia.com/osmo/service/compute/jobs"
	"go.corp.nvidia.com/osmo/service/compute/scheduler"
	"go.corp.nvidia.com/osmo/service/compute/state"
	"go.corp.nvidia.com/osmo/service/compute/store"
)

// handleSubmitWorkflow expands a submission into store rows, arms the queue
// timeout, and dispatches every group with no upstream dependencies.
func (e *Engine) handleSubmitWorkflow(ctx context.Context, p *jobs.SubmitWorkflow) (jobs.Outcome, error) {
	spec, err := scheduler.ParseWorkflowSpec([]byte(p.Spec))
	if err != nil {
		return jobs.OutcomeFailedNoRetry, err
	}
	edges, err := scheduler.ExpandDAG(spec)
	if err != nil {
		return jobs.OutcomeFailedNoRetry, err
	}

	pool, err := e.db.GetPool(ctx, p.Pool)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return jobs.OutcomeFailedNoRetry, fmt.Errorf("pool %q does not exist", p.Pool)
		}
		return jobs.OutcomeFailedRetry, err
	}
	if pool.Status == store.PoolStatusMaintenance {
		return jobs.OutcomeFailedNoRetry, fmt.Errorf("pool %q is in maintenance", p.Pool)
	}
	err = scheduler.ValidatePriority(spec, p.Priority, scheduler.PoolQuota{
		GPUGuarantee:      pool.GPUGuarantee,
		PrioritySupported: pool.PrioritySupported,
	})
	if err != nil {
		return jobs.OutcomeFailedNoRetry, err
	}

	now := time.Now().UTC()
	wf := &store.Workflow{
		UUID:         p.WorkflowUUID,
		ID:           p.WorkflowID,
		Status:       state.StatusPending,
		User:         p.User,
		Pool:         p.Pool,
		Backend:      pool.Backend,
		Priority:     p.Priority,
		SubmitTime:   now,
		QueueTimeout: pool.DefaultQueueTimeout,
		ExecTimeout:  pool.DefaultExecTimeout,
	}
	groups, tasks, err := buildTree(p.WorkflowID, spec, edges)
	if err != nil {
		return jobs.OutcomeFailedNoRetry, err
	}

	if err := e.db.InsertWorkflowTree(ctx, wf, groups, tasks); err != nil {
		return jobs.OutcomeFailedRetry, err
	}

	timeoutJob := jobs.New(&jobs.CheckQueueTimeout{WorkflowID: p.WorkflowID})
	if err := e.broker.EnqueueDelayed(ctx, timeoutJob, now.Add(wf.QueueTimeout)); err != nil {
		return jobs.OutcomeFailedRetry, err
	}

	activated, err := e.db.ActivateWorkflowGroups(ctx, p.WorkflowID)
	if err != nil {
		return jobs.OutcomeFailedRetry, err
	}
	if activated == 0 {
		// A cancel landed between insert and activation; abandon the submit.
		e.logger.Info("workflow cancelled before activation",
			slog.String("workflow_id", p.WorkflowID))
		return jobs.OutcomeSuccess, nil
	}

	for _, g := range groups {
		if len(g.RemainingUpstream) > 0 {
			continue
		}
		if err := e.dispatchGroup(ctx, wf, g.Name); err != nil {
			return jobs.OutcomeFailedRetry, err
		}
	}

	e.logger.InfoContext(ctx, "workflow submitted",
		slog.String("workflow_id", p.WorkflowID),
		slog.String("pool", p.Pool),
		slog.String("user", p.User),
		slog.Int("groups", len(groups)))
	return jobs.OutcomeSuccess, nil
}

// buildTree converts a parsed spec into the store rows of a fresh submission:
// groups in SUBMITTING, tasks at retry 0 in WAITING.
func buildTree(
	workflowID string,
	spec *scheduler.WorkflowSpec,
	edges map[string]*scheduler.GroupEdges,
) ([]*store.Group, []*store.Task, error) {
	groups := make([]*store.Group, 0, len(spec.Groups))
	var tasks []*store.Task
	for i := range spec.Groups {
		g := &spec.Groups[i]
		groupSpec, err := json.Marshal(g)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal spec of group %s: %w", g.Name, err)
		}
		groups = append(groups, &store.Group{
			UUID:              jobs.NewUUID(),
			WorkflowID:        workflowID,
			Name:              g.Name,
			Status:            state.StatusSubmitting,
			Spec:              groupSpec,
			RemainingUpstream: edges[g.Name].RemainingUpstream,
			Downstream:        edges[g.Name].Downstream,
		})

		lead := g.LeadTask()
		for j := range g.Tasks {
			t := &g.Tasks[j]
			actions, err := json.Marshal(t.ExitActions)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to marshal exit actions of %s: %w", t.Name, err)
			}
			tasks = append(tasks, &store.Task{
				UUID:        jobs.NewUUID(),
				WorkflowID:  workflowID,
				GroupName:   g.Name,
				Name:        t.Name,
				RetryID:     0,
				Status:      state.StatusWaiting,
				Lead:        t.Name == lead,
				ExitActions: actions,
				Secrets:     t.Secrets,
			})
		}
	}
	return groups, tasks, nil
}

// dispatchGroup moves an unlocked group into PROCESSING and enqueues its
// CreateGroup job for the workflow's backend.
func (e *Engine) dispatchGroup(ctx context.Context, wf *store.Workflow, group string) error {
	tasks, err := e.db.ListGroupTasks(ctx, wf.ID, group)
	if err != nil {
		return err
	}
	retryID := 0
	for _, t := range tasks {
		if t.RetryID > retryID {
			retryID = t.RetryID
		}
		if _, err := e.db.UpdateTaskStatus(ctx,
			wf.ID, t.Name, t.RetryID, state.StatusProcessing, 0, ""); err != nil {
			return err
		}
	}
	if _, err := e.db.UpdateGroupStatus(ctx, wf.ID, group, state.StatusProcessing); err != nil {
		return err
	}

	create := jobs.New(&jobs.CreateGroup{
		WorkflowID: wf.ID,
		Group:      group,
		User:       wf.User,
		Backend:    wf.Backend,
		RetryID:    int32(retryID),
	})
	create.Backend = wf.Backend
	create.HighPriority = wf.Priority == state.PriorityHigh
	return e.broker.Enqueue(ctx, create)
}

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
	"go.corp.nvidia.com/osmo/service/compute/renderer"
	"go.corp.nvidia.com/osmo/service/compute/scheduler"
	"go.corp.nvidia.com/osmo/service/compute/state"
	"go.corp.nvidia.com/osmo/service/compute/store"
)

const restartAction = "restart"

// handleUpdateGroup is the central transition handler: it records the task
// result, runs lead/non-lead propagation, recomputes the group and workflow
// aggregates, and fans out cleanup and downstream work.
func (e *Engine) handleUpdateGroup(ctx context.Context, job *jobs.Job, p *jobs.UpdateGroup) (jobs.Outcome, error) {
	wf, err := e.db.GetWorkflow(ctx, p.WorkflowID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return jobs.OutcomeFailedNoRetry, err
		}
		return jobs.OutcomeFailedRetry, err
	}
	group, err := e.db.GetGroup(ctx, p.WorkflowID, p.Group)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return jobs.OutcomeFailedNoRetry, err
		}
		return jobs.OutcomeFailedRetry, err
	}

	// A cancel racing a still-running CreateGroup is parked for a minute; the
	// same job instance is re-enqueued so its dedup claim holds on replay.
	if p.Status.IsCancellation() && group.Status == state.StatusProcessing && !p.ForceCancel {
		due := time.Now().Add(e.cfg.CancelRequeueDelay)
		if err := e.broker.EnqueueDelayed(ctx, job, due); err != nil {
			return jobs.OutcomeFailedRetry, err
		}
		e.logger.Info("cancel delayed while group is processing",
			slog.String("workflow_id", p.WorkflowID),
			slog.String("group", p.Group))
		return jobs.OutcomeSuccess, nil
	}

	var groupSpec scheduler.GroupSpec
	if err := json.Unmarshal(group.Spec, &groupSpec); err != nil {
		return jobs.OutcomeFailedNoRetry,
			fmt.Errorf("failed to parse spec of group %s/%s: %w", p.WorkflowID, p.Group, err)
	}

	if p.Status.IsCancellation() && p.Task == "" {
		if outcome, err := e.cancelGroupTasks(ctx, p); outcome != jobs.OutcomeSuccess {
			return outcome, err
		}
	} else {
		outcome, stale, err := e.applyTaskEvent(ctx, wf, group, &groupSpec, p)
		if outcome != jobs.OutcomeSuccess {
			return outcome, err
		}
		if stale {
			// An out-of-order or duplicate observation; nothing moved.
			return jobs.OutcomeSuccess, nil
		}
	}

	return e.settleGroup(ctx, wf, group, &groupSpec, p)
}

// cancelGroupTasks applies a group-wide cancellation status to every
// unfinished task of the latest generation.
func (e *Engine) cancelGroupTasks(ctx context.Context, p *jobs.UpdateGroup) (jobs.Outcome, error) {
	tasks, err := e.db.ListGroupTasks(ctx, p.WorkflowID, p.Group)
	if err != nil {
		return jobs.OutcomeFailedRetry, err
	}
	for _, t := range tasks {
		if t.Status.Finished() {
			continue
		}
		_, err := e.db.UpdateTaskStatus(ctx,
			p.WorkflowID, t.Name, t.RetryID, p.Status, exitCodeFor(p.Status), p.Message)
		if err != nil {
			return jobs.OutcomeFailedRetry, err
		}
	}
	return jobs.OutcomeSuccess, nil
}

// applyTaskEvent records one task's status change and runs the propagation
// rules. Returns stale=true when the state-machine guard rejected the write.
func (e *Engine) applyTaskEvent(
	ctx context.Context,
	wf *store.Workflow,
	group *store.Group,
	groupSpec *scheduler.GroupSpec,
	p *jobs.UpdateGroup,
) (jobs.Outcome, bool, error) {
	task, err := e.db.GetTask(ctx, p.WorkflowID, p.Task, int(p.RetryID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return jobs.OutcomeFailedNoRetry, false, err
		}
		return jobs.OutcomeFailedRetry, false, err
	}

	// Exit actions never run for ignored non-lead results: rewriting one to
	// RESCHEDULED would leave a terminal row with no retry to supersede it.
	result := scheduler.ApplyResult{Status: p.Status}
	if p.Status.Finished() && !p.Status.IsCancellation() &&
		(task.Lead || !groupSpec.IgnoreNonleadStatus) {
		pool, err := e.db.GetPool(ctx, wf.Pool)
		if err != nil {
			return jobs.OutcomeFailedRetry, false, err
		}
		actions, err := parseTaskExitActions(task.ExitActions)
		if err != nil {
			// Validated at submit; a bad row should not block the result.
			e.logger.Error("ignoring unparsable exit actions",
				slog.String("workflow_id", p.WorkflowID),
				slog.String("task", p.Task),
				slog.String("error", err.Error()))
		} else {
			result = actions.Apply(p.Status, p.ExitCode, p.RetryID,
				int32(e.cfg.MaxRetryPerTask), pool.RetrySupported)
		}
	}

	message := p.Message
	if result.Note != "" {
		if message != "" {
			message += " "
		}
		message += result.Note
	}

	changed, err := e.db.UpdateTaskStatus(ctx,
		p.WorkflowID, p.Task, int(p.RetryID), result.Status, p.ExitCode, message)
	if err != nil {
		return jobs.OutcomeFailedRetry, false, err
	}
	if !changed {
		return jobs.OutcomeSuccess, true, nil
	}

	if !result.Status.Finished() {
		return jobs.OutcomeSuccess, false, nil
	}

	members := make([]string, 0, len(groupSpec.Tasks))
	for _, t := range groupSpec.Tasks {
		members = append(members, t.Name)
	}

	if task.Lead {
		if groupSpec.Barrier && len(members) > 1 {
			if err := e.broker.WipeBarrier(ctx,
				wf.UUID, p.Group, int(p.RetryID), members); err != nil {
				return jobs.OutcomeFailedRetry, false, err
			}
		}
		if result.Status == state.StatusRescheduled {
			if err := e.rescheduleTask(ctx, wf, task, members, p); err != nil {
				return jobs.OutcomeFailedRetry, false, err
			}
		} else {
			if err := e.propagateToPeers(ctx, p.WorkflowID, p.Group, p.Task, result.Status); err != nil {
				return jobs.OutcomeFailedRetry, false, err
			}
		}
		return jobs.OutcomeSuccess, false, nil
	}

	// Non-lead result.
	if groupSpec.Barrier && len(members) > 1 && !result.Status.IsCancellation() {
		if err := e.broker.ArriveAtBarrier(ctx,
			wf.UUID, p.Group, int(p.RetryID), p.Task, members); err != nil {
			return jobs.OutcomeFailedRetry, false, err
		}
	}
	if groupSpec.IgnoreNonleadStatus {
		return jobs.OutcomeSuccess, false, nil
	}
	if result.Status == state.StatusRescheduled {
		if err := e.rescheduleTask(ctx, wf, task, members, p); err != nil {
			return jobs.OutcomeFailedRetry, false, err
		}
	} else if result.Status.Failed() {
		if err := e.propagateToPeers(ctx, p.WorkflowID, p.Group, p.Task, result.Status); err != nil {
			return jobs.OutcomeFailedRetry, false, err
		}
	}
	return jobs.OutcomeSuccess, false, nil
}

// rescheduleTask inserts the next retry row, enqueues the RescheduleTask
// follow-on, and pushes restart tokens to the surviving peers.
func (e *Engine) rescheduleTask(
	ctx context.Context,
	wf *store.Workflow,
	task *store.Task,
	members []string,
	p *jobs.UpdateGroup,
) error {
	newRetry := int(p.RetryID) + 1
	row := &store.Task{
		UUID:             jobs.NewUUID(),
		WorkflowID:       task.WorkflowID,
		GroupName:        task.GroupName,
		Name:             task.Name,
		RetryID:          newRetry,
		Status:           state.StatusProcessing,
		Lead:             task.Lead,
		RefreshTokenHash: task.RefreshTokenHash,
		ExitActions:      task.ExitActions,
		Secrets:          task.Secrets,
	}
	if err := e.db.InsertTasks(ctx, []*store.Task{row}); err != nil {
		// The unique constraint rejects the second of two concurrent
		// reschedules; the first one owns the follow-on jobs.
		e.logger.Warn("retry row already exists",
			slog.String("workflow_id", task.WorkflowID),
			slog.String("task", task.Name),
			slog.Int("retry_id", newRetry),
			slog.String("error", err.Error()))
		return nil
	}

	if err := e.broker.Enqueue(ctx, jobs.New(&jobs.RescheduleTask{
		WorkflowID: p.WorkflowID,
		Group:      p.Group,
		Task:       task.Name,
		NewRetryID: int32(newRetry),
		User:       wf.User,
	})); err != nil {
		return err
	}

	for _, member := range members {
		if member == task.Name {
			continue
		}
		if err := e.broker.PushTaskAction(ctx,
			wf.UUID, p.Group, int(p.RetryID), member, restartAction); err != nil {
			return err
		}
	}
	return nil
}

// propagateToPeers applies the lead's result (or a non-lead failure) to every
// unfinished sibling of the latest generation.
func (e *Engine) propagateToPeers(ctx context.Context, workflowID, group, source string, status state.Status) error {
	peerStatus := state.PeerStatus(status)
	tasks, err := e.db.ListGroupTasks(ctx, workflowID, group)
	if err != nil {
		return err
	}
	message := fmt.Sprintf("Propagated from task %s.", source)
	for _, t := range tasks {
		if t.Name == source || t.Status.Finished() {
			continue
		}
		_, err := e.db.UpdateTaskStatus(ctx,
			workflowID, t.Name, t.RetryID, peerStatus, exitCodeFor(peerStatus), message)
		if err != nil {
			return err
		}
	}
	return nil
}

// settleGroup recomputes the group and workflow aggregates and fans out
// cleanup and downstream work.
func (e *Engine) settleGroup(
	ctx context.Context,
	wf *store.Workflow,
	group *store.Group,
	groupSpec *scheduler.GroupSpec,
	p *jobs.UpdateGroup,
) (jobs.Outcome, error) {
	tasks, err := e.db.ListGroupTasks(ctx, wf.ID, group.Name)
	if err != nil {
		return jobs.OutcomeFailedRetry, err
	}
	agg := state.AggregateTasks(store.TaskViews(tasks), groupSpec.IgnoreNonleadStatus)

	groupFinished := false
	if agg != state.StatusUnknown && agg != group.Status {
		changed, err := e.db.UpdateGroupStatus(ctx, wf.ID, group.Name, agg)
		if err != nil {
			return jobs.OutcomeFailedRetry, err
		}
		groupFinished = changed && agg.Finished()
	}

	if outcome, err := e.settleWorkflow(ctx, wf, p); outcome != jobs.OutcomeSuccess {
		return outcome, err
	}

	if groupFinished || p.ForceCancel {
		if err := e.enqueueGroupCleanup(ctx, wf, group, groupSpec, agg, tasks); err != nil {
			return jobs.OutcomeFailedRetry, err
		}
	}

	if groupFinished {
		if agg == state.StatusCompleted {
			unlocked, err := e.db.RemoveUpstreamAndListUnlocked(ctx,
				wf.ID, group.Name, group.Downstream)
			if err != nil {
				return jobs.OutcomeFailedRetry, err
			}
			for _, name := range unlocked {
				if err := e.dispatchGroup(ctx, wf, name); err != nil {
					return jobs.OutcomeFailedRetry, err
				}
			}
		} else if agg.Failed() {
			for _, name := range group.Downstream {
				err := e.broker.Enqueue(ctx, jobs.New(&jobs.UpdateGroup{
					WorkflowID: wf.ID,
					Group:      name,
					Status:     state.StatusFailedUpstream,
					ExitCode:   state.ExitCodeFailedUpstream,
					Message:    fmt.Sprintf("Upstream group %s failed.", group.Name),
				}))
				if err != nil {
					return jobs.OutcomeFailedRetry, err
				}
			}
		}
	}

	return jobs.OutcomeSuccess, nil
}

// settleWorkflow writes the workflow aggregate: the PENDING→RUNNING flip arms
// the execution timeout, a terminal flip records the failure message and the
// finish event.
func (e *Engine) settleWorkflow(ctx context.Context, wf *store.Workflow, p *jobs.UpdateGroup) (jobs.Outcome, error) {
	groups, err := e.db.ListGroups(ctx, wf.ID)
	if err != nil {
		return jobs.OutcomeFailedRetry, err
	}
	statuses := make([]state.Status, len(groups))
	for i, g := range groups {
		statuses[i] = g.Status
	}
	agg := state.AggregateGroups(statuses)

	switch {
	case agg == state.StatusRunning && wf.Status == state.StatusPending:
		changed, err := e.db.UpdateWorkflowStatus(ctx, wf.ID, state.StatusRunning)
		if err != nil {
			return jobs.OutcomeFailedRetry, err
		}
		if changed {
			check := jobs.New(&jobs.CheckRunTimeout{WorkflowID: wf.ID})
			if err := e.broker.EnqueueDelayed(ctx, check, time.Now().Add(wf.ExecTimeout)); err != nil {
				return jobs.OutcomeFailedRetry, err
			}
		}

	case agg.Finished():
		fresh, err := e.db.UpdateWorkflowStatus(ctx, wf.ID, agg)
		if err != nil {
			return jobs.OutcomeFailedRetry, err
		}
		if fresh {
			if agg.Failed() && p.Message != "" {
				if err := e.db.SetWorkflowFailureMessage(ctx, wf.ID, p.Message); err != nil {
					return jobs.OutcomeFailedRetry, err
				}
			}
			if p.Status != state.StatusFailedUpstream {
				event := fmt.Sprintf("workflow finished with status %s", agg)
				if err := e.broker.AppendWorkflowEvent(ctx, wf.ID, event); err != nil {
					return jobs.OutcomeFailedRetry, err
				}
			}
			e.logger.InfoContext(ctx, "workflow finished",
				slog.String("workflow_id", wf.ID),
				slog.String("status", string(agg)),
				slog.String("user", wf.User))
		}
	}
	return jobs.OutcomeSuccess, nil
}

// enqueueGroupCleanup fires the backend job that removes the group's cluster
// objects; on a failed group it also names the lead task for error-log
// extraction.
func (e *Engine) enqueueGroupCleanup(
	ctx context.Context,
	wf *store.Workflow,
	group *store.Group,
	groupSpec *scheduler.GroupSpec,
	agg state.Status,
	tasks []*store.Task,
) error {
	retryID := 0
	for _, t := range tasks {
		if t.RetryID > retryID {
			retryID = t.RetryID
		}
	}
	errorLogTask := ""
	if agg.Failed() {
		errorLogTask = groupSpec.LeadTask()
	}
	cleanup := jobs.New(&jobs.CleanupGroup{
		WorkflowID:   wf.ID,
		Group:        group.Name,
		Backend:      wf.Backend,
		Labels:       renderer.GroupLabels(wf.ID, group.Name),
		ErrorLogTask: errorLogTask,
		RetryID:      int32(retryID),
	})
	cleanup.Backend = wf.Backend
	return e.broker.Enqueue(ctx, cleanup)
}

// handleRescheduleTask fans a retry into its backend jobs: cleanup of the
// superseded pod generation, then a re-create carrying the new retry id.
func (e *Engine) handleRescheduleTask(ctx context.Context, p *jobs.RescheduleTask) (jobs.Outcome, error) {
	wf, err := e.db.GetWorkflow(ctx, p.WorkflowID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return jobs.OutcomeFailedNoRetry, err
		}
		return jobs.OutcomeFailedRetry, err
	}

	cleanup := jobs.New(&jobs.CleanupGroup{
		WorkflowID: p.WorkflowID,
		Group:      p.Group,
		Backend:    wf.Backend,
		Labels:     renderer.GroupLabels(p.WorkflowID, p.Group),
		RetryID:    p.NewRetryID - 1,
	})
	cleanup.Backend = wf.Backend
	if err := e.broker.Enqueue(ctx, cleanup); err != nil {
		return jobs.OutcomeFailedRetry, err
	}

	create := jobs.New(&jobs.CreateGroup{
		WorkflowID: p.WorkflowID,
		Group:      p.Group,
		User:       p.User,
		Backend:    wf.Backend,
		RetryID:    p.NewRetryID,
	})
	create.Backend = wf.Backend
	create.HighPriority = wf.Priority == state.PriorityHigh
	if err := e.broker.Enqueue(ctx, create); err != nil {
		return jobs.OutcomeFailedRetry, err
	}
	return jobs.OutcomeSuccess, nil
}

// handleCancelWorkflow records who cancelled and fans UpdateGroup jobs over
// the unfinished groups. The workflow row gets its cancel status directly so
// timeout cancellations surface as FAILED_*_TIMEOUT rather than plain FAILED.
func (e *Engine) handleCancelWorkflow(ctx context.Context, p *jobs.CancelWorkflow) (jobs.Outcome, error) {
	wf, err := e.db.GetWorkflow(ctx, p.WorkflowID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return jobs.OutcomeFailedNoRetry, err
		}
		return jobs.OutcomeFailedRetry, err
	}
	if wf.Status.Finished() && !p.Force {
		return jobs.OutcomeSuccess, nil
	}

	if err := e.db.SetWorkflowCancelledBy(ctx, p.WorkflowID, p.User); err != nil {
		return jobs.OutcomeFailedRetry, err
	}

	message := fmt.Sprintf("Cancelled by %s.", p.User)
	groups, err := e.db.ListGroups(ctx, p.WorkflowID)
	if err != nil {
		return jobs.OutcomeFailedRetry, err
	}
	for _, g := range groups {
		if g.Status.Finished() && !p.Force {
			continue
		}
		err := e.broker.Enqueue(ctx, jobs.New(&jobs.UpdateGroup{
			WorkflowID:  p.WorkflowID,
			Group:       g.Name,
			Status:      p.TaskStatus,
			ExitCode:    exitCodeFor(p.TaskStatus),
			Message:     message,
			ForceCancel: p.Force,
		}))
		if err != nil {
			return jobs.OutcomeFailedRetry, err
		}
	}

	// First terminal writer wins; the later aggregate write is a no-op.
	fresh, err := e.db.UpdateWorkflowStatus(ctx, p.WorkflowID, p.WorkflowStatus)
	if err != nil {
		return jobs.OutcomeFailedRetry, err
	}
	if fresh {
		event := fmt.Sprintf("workflow cancelled by %s with status %s", p.User, p.WorkflowStatus)
		if err := e.broker.AppendWorkflowEvent(ctx, p.WorkflowID, event); err != nil {
			return jobs.OutcomeFailedRetry, err
		}
	}
	return jobs.OutcomeSuccess, nil
}

func parseTaskExitActions(raw []byte) (*scheduler.ExitActions, error) {
	var fields map[string]string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
	}
	return scheduler.ParseExitActions(fields)
}

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

	"go.corp.nvidia.com/osmo/service/compute/filestore"
	"go.corp.nvidia.com/osmo/service/compute/jobs"
	"go.corp.nvidia.com/osmo/service/compute/renderer"
	"go.corp.nvidia.com/osmo/service/compute/scheduler"
	"go.corp.nvidia.com/osmo/service/compute/state"
	"go.corp.nvidia.com/osmo/service/compute/store"
)

// The engine is also the frontend half of the backend jobs: the agent worker
// channel calls PrepareExecute before sending a job to the cluster, Execute
// once the agent reports success, and HandleFailure when the job is beyond
// retry.

// PrepareExecute renders a CreateGroup's pod specs just before dispatch.
// Returning (false, nil) rejects the job: the group moved on (cancelled or
// already re-created) and the agent must not see it.
func (e *Engine) PrepareExecute(ctx context.Context, job *jobs.Job) (bool, error) {
	switch p := job.Payload.(type) {
	case *jobs.CreateGroup:
		return e.prepareCreateGroup(ctx, p)
	default:
		return true, nil
	}
}

func (e *Engine) prepareCreateGroup(ctx context.Context, p *jobs.CreateGroup) (bool, error) {
	group, err := e.db.GetGroup(ctx, p.WorkflowID, p.Group)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if group.Status.Finished() {
		// A cancel or failure finished the group while the job sat queued.
		return false, nil
	}

	wf, err := e.db.GetWorkflow(ctx, p.WorkflowID)
	if err != nil {
		return false, err
	}
	backend, err := e.db.GetBackend(ctx, wf.Backend)
	if err != nil {
		return false, err
	}

	var groupSpec scheduler.GroupSpec
	if err := json.Unmarshal(group.Spec, &groupSpec); err != nil {
		e.logger.Error("failed to parse group spec for render",
			slog.String("workflow_id", p.WorkflowID),
			slog.String("group", p.Group),
			slog.String("error", err.Error()))
		return false, nil
	}

	tasks, err := e.db.ListGroupTasks(ctx, p.WorkflowID, p.Group)
	if err != nil {
		return false, err
	}
	taskUUIDs := make(map[string]string, len(tasks))
	for _, t := range tasks {
		taskUUIDs[t.Name] = t.UUID
	}

	queue := scheduler.GangQueue(backend.K8sNamespace, wf.Pool)
	manifests, err := e.renderer.RenderGroup(&renderer.GroupRender{
		WorkflowID:   wf.ID,
		WorkflowUUID: wf.UUID,
		Namespace:    backend.K8sNamespace,
		User:         p.User,
		Queue:        queue,
		Group:        &groupSpec,
		RetryID:      int(p.RetryID),
		TaskUUIDs:    taskUUIDs,
	})
	if err != nil {
		// Rendering failures are permanent; the spec will not get better on
		// a retry.
		e.logger.Error("failed to render group",
			slog.String("workflow_id", p.WorkflowID),
			slog.String("group", p.Group),
			slog.String("error", err.Error()))
		return false, nil
	}

	files := make(map[string]string, len(groupSpec.Tasks))
	for i := range groupSpec.Tasks {
		if i >= len(manifests) {
			break
		}
		files[filestore.TaskSpecPath(wf.ID, groupSpec.Tasks[i].Name)] = manifests[i]
	}
	upload := jobs.New(&jobs.UploadWorkflowFiles{WorkflowID: wf.ID, Files: files})
	if err := e.broker.Enqueue(ctx, upload); err != nil {
		return false, err
	}

	p.K8sResources = manifests
	p.Queue = queue
	return true, nil
}

// Execute finalizes a backend job the agent completed.
func (e *Engine) Execute(ctx context.Context, job *jobs.Job) error {
	switch p := job.Payload.(type) {
	case *jobs.CreateGroup:
		return e.markGroupScheduling(ctx, p)
	case *jobs.CleanupGroup:
		return e.markGroupCleanedUp(ctx, p.WorkflowID, p.Group)
	default:
		return fmt.Errorf("no executor for job type %s", job.JobType)
	}
}

func (e *Engine) markGroupScheduling(ctx context.Context, p *jobs.CreateGroup) error {
	tasks, err := e.db.ListGroupTasks(ctx, p.WorkflowID, p.Group)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		// The guard only advances PROCESSING rows; finished or newer rows
		// stay put.
		_, err := e.db.UpdateTaskStatus(ctx,
			p.WorkflowID, t.Name, t.RetryID, state.StatusScheduling, 0, "")
		if err != nil {
			return err
		}
	}
	_, err = e.db.UpdateGroupStatus(ctx, p.WorkflowID, p.Group, state.StatusScheduling)
	return err
}

// markGroupCleanedUp records one group's cleanup; the last one enqueues the
// workflow archival exactly once.
func (e *Engine) markGroupCleanedUp(ctx context.Context, workflowID, group string) error {
	marked, allCleaned, err := e.db.SetGroupCleanedUp(ctx, workflowID, group)
	if err != nil {
		return err
	}
	if marked && allCleaned {
		return e.broker.Enqueue(ctx, jobs.New(&jobs.CleanupWorkflow{WorkflowID: workflowID}))
	}
	return nil
}

// HandleFailure routes a permanently failed job into the state machine so the
// workflow cannot wedge.
func (e *Engine) HandleFailure(ctx context.Context, job *jobs.Job, reason string) error {
	switch p := job.Payload.(type) {
	case *jobs.CreateGroup:
		return e.broker.Enqueue(ctx, jobs.New(&jobs.UpdateGroup{
			WorkflowID: p.WorkflowID,
			Group:      p.Group,
			Status:     state.StatusFailedServerError,
			ExitCode:   state.ExitCodeFailedServerError,
			Message:    reason,
		}))

	case *jobs.CleanupGroup:
		// Cluster objects may leak, but the workflow must still finalize.
		e.logger.Error("group cleanup failed",
			slog.String("workflow_id", p.WorkflowID),
			slog.String("group", p.Group),
			slog.String("reason", reason))
		return e.markGroupCleanedUp(ctx, p.WorkflowID, p.Group)

	case *jobs.SubmitWorkflow:
		if err := e.db.SetWorkflowFailureMessage(ctx, p.WorkflowID, reason); err != nil {
			return err
		}
		_, err := e.db.UpdateWorkflowStatus(ctx, p.WorkflowID, state.StatusFailedServerError)
		return err

	default:
		e.logger.Error("job failed permanently",
			slog.String("job_type", string(job.JobType)),
			slog.String("job_id", job.JobID),
			slog.String("reason", reason))
		return nil
	}
}

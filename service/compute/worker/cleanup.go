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
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"go.corp.nvidia.com/osmo/service/compute/filestore"
	"go.corp.nvidia.com/osmo/service/compute/jobs"
	"go.corp.nvidia.com/osmo/service/compute/store"
)

// endFlag terminates live event followers; readers stop when they see it.
const endFlag = "END_FLAG"

const archiveConcurrency = 10

// handleCleanupWorkflow archives the live Redis streams to object storage and
// drops them. Runs once, after the last group reports cleaned up.
func (e *Engine) handleCleanupWorkflow(ctx context.Context, p *jobs.CleanupWorkflow) (jobs.Outcome, error) {
	wf, err := e.db.GetWorkflow(ctx, p.WorkflowID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return jobs.OutcomeFailedNoRetry, err
		}
		return jobs.OutcomeFailedRetry, err
	}

	if wf.Status.Failed() {
		summary := fmt.Sprintf("Workflow finished with status %s. Archived logs: %s",
			wf.Status, filestore.WorkflowLogsPath(wf.ID))
		if wf.FailureMessage != "" {
			summary += " " + wf.FailureMessage
		}
		if err := e.broker.AppendWorkflowEvent(ctx, wf.ID, summary); err != nil {
			return jobs.OutcomeFailedRetry, err
		}
	}
	if err := e.broker.AppendWorkflowEvent(ctx, wf.ID, endFlag); err != nil {
		return jobs.OutcomeFailedRetry, err
	}

	tasks, err := e.db.ListWorkflowTasks(ctx, wf.ID)
	if err != nil {
		return jobs.OutcomeFailedRetry, err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(archiveConcurrency)
	for _, t := range tasks {
		for retry := 0; retry <= t.RetryID; retry++ {
			task, retryID := t.Name, retry
			group.Go(func() error {
				return e.archiveTaskLog(groupCtx, wf.ID, task, retryID)
			})
		}
	}
	if err := group.Wait(); err != nil {
		return jobs.OutcomeFailedRetry, err
	}

	events, err := e.broker.ReadWorkflowEvents(ctx, wf.ID)
	if err != nil {
		return jobs.OutcomeFailedRetry, err
	}
	eventsPath := filestore.WorkflowEventsPath(wf.ID)
	if err := e.files.Write(ctx, eventsPath, []byte(strings.Join(events, "\n"))); err != nil {
		return jobs.OutcomeFailedRetry, err
	}

	logsPath := filestore.WorkflowLogsPath(wf.ID)
	if err := e.db.SetWorkflowArchivePaths(ctx, wf.ID, logsPath, eventsPath); err != nil {
		return jobs.OutcomeFailedRetry, err
	}
	if err := e.broker.DeleteWorkflowStreams(ctx, wf.ID); err != nil {
		return jobs.OutcomeFailedRetry, err
	}

	e.logger.InfoContext(ctx, "workflow archived",
		slog.String("workflow_id", wf.ID),
		slog.String("status", string(wf.Status)),
		slog.Int("tasks", len(tasks)))
	return jobs.OutcomeSuccess, nil
}

// archiveTaskLog copies one retry generation's live log to object storage.
// Generations that never produced output leave no object behind.
func (e *Engine) archiveTaskLog(ctx context.Context, workflowID, task string, retryID int) error {
	lines, err := e.broker.ReadTaskLog(ctx, workflowID, task, retryID, 0)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}
	path := filestore.TaskLogPath(workflowID, task, retryID)
	if err := e.files.Write(ctx, path, []byte(strings.Join(lines, "\n"))); err != nil {
		return fmt.Errorf("failed to archive log %s: %w", path, err)
	}
	return nil
}

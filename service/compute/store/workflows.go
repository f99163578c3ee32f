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

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"go.corp.nvidia.com/osmo/service/compute/state"
)

// Workflow is one row of the workflows table.
type Workflow struct {
	UUID             string
	ID               string
	Status           state.Status
	User             string
	Pool             string
	Backend          string
	Priority         state.Priority
	SubmitTime       time.Time
	StartTime        *time.Time
	EndTime          *time.Time
	QueueTimeout     time.Duration
	ExecTimeout      time.Duration
	CancelledBy      string
	FailureMessage   string
	LogsPath         string
	EventsPath       string
	AppUUID          string
	AppVersion       string
	ParentWorkflowID string
}

const workflowColumns = `workflow_uuid, workflow_id, status, username, pool,
	backend, priority, submit_time, start_time, end_time,
	queue_timeout_sec, exec_timeout_sec, cancelled_by, failure_message,
	logs_path, events_path, app_uuid, app_version, parent_workflow_id`

func scanWorkflow(row pgx.Row) (*Workflow, error) {
	var wf Workflow
	var queueSec, execSec int64
	err := row.Scan(
		&wf.UUID, &wf.ID, &wf.Status, &wf.User, &wf.Pool,
		&wf.Backend, &wf.Priority, &wf.SubmitTime, &wf.StartTime, &wf.EndTime,
		&queueSec, &execSec, &wf.CancelledBy, &wf.FailureMessage,
		&wf.LogsPath, &wf.EventsPath, &wf.AppUUID, &wf.AppVersion,
		&wf.ParentWorkflowID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}
	wf.QueueTimeout = time.Duration(queueSec) * time.Second
	wf.ExecTimeout = time.Duration(execSec) * time.Second
	return &wf, nil
}

// GetWorkflow loads one workflow by its human-readable id.
func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (*Workflow, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE workflow_id = $1`,
		workflowID)
	return scanWorkflow(row)
}

// InsertWorkflowTree atomically inserts the workflow with all its groups and
// tasks. Groups land in SUBMITTING and tasks in WAITING; the submit handler
// flips them to WAITING/PROCESSING afterwards so a concurrent cancel observes
// a consistent tree.
func (s *Store) InsertWorkflowTree(
	ctx context.Context,
	wf *Workflow,
	groups []*Group,
	tasks []*Task,
) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO workflows (workflow_uuid, workflow_id, status, username,
				pool, backend, priority, submit_time,
				queue_timeout_sec, exec_timeout_sec,
				app_uuid, app_version, parent_workflow_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			wf.UUID, wf.ID, wf.Status, wf.User,
			wf.Pool, wf.Backend, wf.Priority, wf.SubmitTime,
			int64(wf.QueueTimeout/time.Second), int64(wf.ExecTimeout/time.Second),
			wf.AppUUID, wf.AppVersion, wf.ParentWorkflowID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert workflow %s: %w", wf.ID, err)
		}

		for _, g := range groups {
			if err := insertGroup(ctx, tx, g); err != nil {
				return err
			}
		}
		for _, t := range tasks {
			if err := insertTask(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

// workflowPredecessors is the workflow-level transition guard.
func workflowPredecessors(target state.Status) []state.Status {
	switch target {
	case state.StatusRunning:
		return []state.Status{state.StatusPending}
	}
	if target.Finished() {
		return []state.Status{state.StatusPending, state.StatusRunning}
	}
	return nil
}

// UpdateWorkflowStatus applies a guarded status transition. The first
// transition to RUNNING records start_time; a terminal transition records
// end_time. Returns false when the write was stale.
func (s *Store) UpdateWorkflowStatus(
	ctx context.Context,
	workflowID string,
	target state.Status,
) (bool, error) {
	allowed := workflowPredecessors(target)
	if allowed == nil {
		return false, fmt.Errorf("status %s is not a valid workflow target", target)
	}

	var cmd string
	if target.Finished() {
		cmd = `UPDATE workflows SET status = $1, end_time = now()
			WHERE workflow_id = $2 AND status = ANY($3) AND end_time IS NULL`
	} else {
		cmd = `UPDATE workflows SET status = $1, start_time = now()
			WHERE workflow_id = $2 AND status = ANY($3) AND start_time IS NULL`
	}

	tag, err := s.pool.Exec(ctx, cmd, target, workflowID, statusStrings(allowed))
	if err != nil {
		return false, fmt.Errorf("failed to update workflow %s status: %w", workflowID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetWorkflowCancelledBy records who requested cancellation. First writer
// wins.
func (s *Store) SetWorkflowCancelledBy(ctx context.Context, workflowID, user string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE workflows SET cancelled_by = $1
		 WHERE workflow_id = $2 AND cancelled_by = ''`,
		user, workflowID)
	if err != nil {
		return fmt.Errorf("failed to set cancelled_by for %s: %w", workflowID, err)
	}
	return nil
}

// SetWorkflowFailureMessage appends to the user-visible failure message.
func (s *Store) SetWorkflowFailureMessage(ctx context.Context, workflowID, message string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE workflows SET failure_message =
			CASE WHEN failure_message = '' THEN $1
			     ELSE failure_message || E'\n' || $1 END
		 WHERE workflow_id = $2`,
		message, workflowID)
	if err != nil {
		return fmt.Errorf("failed to set failure message for %s: %w", workflowID, err)
	}
	return nil
}

// SetWorkflowArchivePaths records the object-storage locations of the
// archived log and event streams.
func (s *Store) SetWorkflowArchivePaths(ctx context.Context, workflowID, logsPath, eventsPath string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE workflows SET logs_path = $1, events_path = $2 WHERE workflow_id = $3`,
		logsPath, eventsPath, workflowID)
	if err != nil {
		return fmt.Errorf("failed to set archive paths for %s: %w", workflowID, err)
	}
	return nil
}

// SetWorkflowQueueTimeout updates the mutable queue timeout. Operators may
// extend it while the workflow is queued; check jobs re-read before acting.
func (s *Store) SetWorkflowQueueTimeout(ctx context.Context, workflowID string, timeout time.Duration) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE workflows SET queue_timeout_sec = $1 WHERE workflow_id = $2`,
		int64(timeout/time.Second), workflowID)
	if err != nil {
		return fmt.Errorf("failed to set queue timeout for %s: %w", workflowID, err)
	}
	return nil
}

// SetWorkflowExecTimeout updates the mutable execution timeout.
func (s *Store) SetWorkflowExecTimeout(ctx context.Context, workflowID string, timeout time.Duration) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE workflows SET exec_timeout_sec = $1 WHERE workflow_id = $2`,
		int64(timeout/time.Second), workflowID)
	if err != nil {
		return fmt.Errorf("failed to set exec timeout for %s: %w", workflowID, err)
	}
	return nil
}

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
	"github.com/jackc/pgx/v5/pgconn"

	"go.corp.nvidia.com/osmo/service/compute/state"
)

// Task is one row of the tasks table. A retry creates a fresh row with the
// same name and an incremented retry id; the previous row stays RESCHEDULED.
type Task struct {
	DBKey            string
	UUID             string
	WorkflowID       string
	GroupName        string
	Name             string
	RetryID          int
	Status           state.Status
	ExitCode         *int32
	Message          string
	Lead             bool
	RefreshTokenHash string
	ExitActions      []byte
	Secrets          []string
	Node             string
	PodIP            string
	EndTime          *time.Time
}

// TaskDBKey builds the primary key for a task retry row.
func TaskDBKey(workflowID string, retryID int, name string) string {
	return fmt.Sprintf("%s:%d:%s", workflowID, retryID, name)
}

const taskColumns = `task_db_key, task_uuid, workflow_id, group_name, name,
	retry_id, status, exit_code, message, lead, refresh_token_hash,
	exit_actions, secrets, node, pod_ip, end_time`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(
		&t.DBKey, &t.UUID, &t.WorkflowID, &t.GroupName, &t.Name,
		&t.RetryID, &t.Status, &t.ExitCode, &t.Message, &t.Lead,
		&t.RefreshTokenHash, &t.ExitActions, &t.Secrets, &t.Node,
		&t.PodIP, &t.EndTime,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	return &t, nil
}

func insertTask(ctx context.Context, tx pgx.Tx, t *Task) error {
	actions := t.ExitActions
	if len(actions) == 0 {
		actions = []byte(`{}`)
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO tasks (task_db_key, task_uuid, workflow_id, group_name,
			name, retry_id, status, lead, refresh_token_hash, exit_actions, secrets)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		TaskDBKey(t.WorkflowID, t.RetryID, t.Name), t.UUID, t.WorkflowID,
		t.GroupName, t.Name, t.RetryID, t.Status, t.Lead,
		t.RefreshTokenHash, actions, t.Secrets,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task %s/%s retry %d: %w",
			t.WorkflowID, t.Name, t.RetryID, err)
	}
	return nil
}

// InsertTasks inserts a batch of task rows in one transaction. Used for
// retry rows; the unique constraint rejects a duplicate retry so two
// concurrent reschedules cannot both create the same row.
func (s *Store) InsertTasks(ctx context.Context, tasks []*Task) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for _, t := range tasks {
			if err := insertTask(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetTask loads a single task retry row.
func (s *Store) GetTask(ctx context.Context, workflowID, name string, retryID int) (*Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_db_key = $1`,
		TaskDBKey(workflowID, retryID, name))
	return scanTask(row)
}

// ListGroupTasks returns the latest retry row of each task in a group.
func (s *Store) ListGroupTasks(ctx context.Context, workflowID, group string) ([]*Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (name) `+taskColumns+` FROM tasks
		 WHERE workflow_id = $1 AND group_name = $2
		 ORDER BY name, retry_id DESC`,
		workflowID, group)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for %s/%s: %w", workflowID, group, err)
	}
	return collectTasks(rows)
}

// ListGroupTaskRetry returns the rows of a specific retry generation.
func (s *Store) ListGroupTaskRetry(ctx context.Context, workflowID, group string, retryID int) ([]*Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE workflow_id = $1 AND group_name = $2 AND retry_id = $3
		 ORDER BY name`,
		workflowID, group, retryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list retry %d tasks for %s/%s: %w",
			retryID, workflowID, group, err)
	}
	return collectTasks(rows)
}

// ListWorkflowTasks returns the latest retry row of every task in the
// workflow.
func (s *Store) ListWorkflowTasks(ctx context.Context, workflowID string) ([]*Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (name) `+taskColumns+` FROM tasks
		 WHERE workflow_id = $1
		 ORDER BY name, retry_id DESC`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for %s: %w", workflowID, err)
	}
	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]*Task, error) {
	defer rows.Close()
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus applies a guarded status transition to one task retry
// row. Terminal targets also record exit code and message. Returns false
// when the write was stale or duplicated.
func (s *Store) UpdateTaskStatus(
	ctx context.Context,
	workflowID, name string,
	retryID int,
	target state.Status,
	exitCode int32,
	message string,
) (bool, error) {
	allowed := state.AllowedPredecessors(target)
	if len(allowed) == 0 {
		return false, fmt.Errorf("status %s is not a valid task target", target)
	}
	column := state.PhaseColumn(target)

	var tag pgconn.CommandTag
	var err error
	if target.Finished() {
		cmd := fmt.Sprintf(
			`UPDATE tasks SET status = $1, exit_code = $2, message = $3, %s = now()
			 WHERE task_db_key = $4 AND status = ANY($5) AND %s IS NULL`,
			column, column)
		tag, err = s.pool.Exec(ctx, cmd, target, exitCode, message,
			TaskDBKey(workflowID, retryID, name), statusStrings(allowed))
	} else {
		cmd := fmt.Sprintf(
			`UPDATE tasks SET status = $1, %s = now()
			 WHERE task_db_key = $2 AND status = ANY($3) AND %s IS NULL`,
			column, column)
		tag, err = s.pool.Exec(ctx, cmd, target,
			TaskDBKey(workflowID, retryID, name), statusStrings(allowed))
	}
	if err != nil {
		return false, fmt.Errorf("failed to update task %s/%s retry %d status: %w",
			workflowID, name, retryID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkGroupTasks applies a terminal status to every unfinished task of a
// retry generation. Used by cancellation paths; already finished rows keep
// their result.
func (s *Store) MarkGroupTasks(
	ctx context.Context,
	workflowID, group string,
	retryID int,
	target state.Status,
	exitCode int32,
	message string,
) (int, error) {
	if !target.Finished() {
		return 0, fmt.Errorf("status %s is not terminal", target)
	}
	active := statusStrings(state.AllowedPredecessors(target))
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $1, exit_code = $2, message = $3, end_time = now()
		 WHERE workflow_id = $4 AND group_name = $5 AND retry_id = $6
		   AND status = ANY($7) AND end_time IS NULL`,
		target, exitCode, message, workflowID, group, retryID, active)
	if err != nil {
		return 0, fmt.Errorf("failed to mark tasks for %s/%s: %w", workflowID, group, err)
	}
	return int(tag.RowsAffected()), nil
}

// SetTaskRuntimeInfo records where the task pod landed.
func (s *Store) SetTaskRuntimeInfo(ctx context.Context, workflowID, name string, retryID int, node, podIP string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tasks SET node = $1, pod_ip = $2 WHERE task_db_key = $3`,
		node, podIP, TaskDBKey(workflowID, retryID, name))
	if err != nil {
		return fmt.Errorf("failed to set runtime info for %s/%s: %w", workflowID, name, err)
	}
	return nil
}

// SetTaskRefreshTokenHash stores the hash of the per-task refresh token.
func (s *Store) SetTaskRefreshTokenHash(ctx context.Context, workflowID, name string, retryID int, hash string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tasks SET refresh_token_hash = $1 WHERE task_db_key = $2`,
		hash, TaskDBKey(workflowID, retryID, name))
	if err != nil {
		return fmt.Errorf("failed to set refresh token for %s/%s: %w", workflowID, name, err)
	}
	return nil
}

// GetTaskSecrets returns the secret names a task declared.
func (s *Store) GetTaskSecrets(ctx context.Context, workflowID, name string, retryID int) ([]string, error) {
	var secrets []string
	err := s.pool.QueryRow(ctx,
		`SELECT secrets FROM tasks WHERE task_db_key = $1`,
		TaskDBKey(workflowID, retryID, name)).Scan(&secrets)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get secrets for %s/%s: %w", workflowID, name, err)
	}
	return secrets, nil
}

// TaskSecretsByUUID returns the secret names of the task with the given
// uuid. The log masker resolves streamed pod logs by uuid, not by key.
func (s *Store) TaskSecretsByUUID(ctx context.Context, taskUUID string) ([]string, error) {
	var secrets []string
	err := s.pool.QueryRow(ctx,
		`SELECT secrets FROM tasks WHERE task_uuid = $1`, taskUUID).Scan(&secrets)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get secrets for task %s: %w", taskUUID, err)
	}
	return secrets, nil
}

// TaskViews converts task rows to the aggregation input.
func TaskViews(tasks []*Task) []state.TaskView {
	views := make([]state.TaskView, len(tasks))
	for i, t := range tasks {
		views[i] = state.TaskView{Status: t.Status, Lead: t.Lead}
	}
	return views
}

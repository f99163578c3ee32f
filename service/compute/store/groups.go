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

// Group is one row of the groups table. RemainingUpstream shrinks as
// upstream groups finish; the group unlocks when it hits zero.
type Group struct {
	UUID              string
	WorkflowID        string
	Name              string
	Status            state.Status
	Spec              []byte
	RemainingUpstream []string
	Downstream        []string
	SchedulerSettings []byte
	CleanedUp         bool
	EndTime           *time.Time
}

const groupColumns = `group_uuid, workflow_id, name, status, spec,
	remaining_upstream, downstream, scheduler_settings, cleaned_up, end_time`

func scanGroup(row pgx.Row) (*Group, error) {
	var g Group
	err := row.Scan(
		&g.UUID, &g.WorkflowID, &g.Name, &g.Status, &g.Spec,
		&g.RemainingUpstream, &g.Downstream, &g.SchedulerSettings,
		&g.CleanedUp, &g.EndTime,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan group: %w", err)
	}
	return &g, nil
}

func insertGroup(ctx context.Context, tx pgx.Tx, g *Group) error {
	spec := g.Spec
	if len(spec) == 0 {
		spec = []byte(`{}`)
	}
	settings := g.SchedulerSettings
	if len(settings) == 0 {
		settings = []byte(`{}`)
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO groups (group_uuid, workflow_id, name, status, spec,
			remaining_upstream, downstream, scheduler_settings)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		g.UUID, g.WorkflowID, g.Name, g.Status, spec,
		g.RemainingUpstream, g.Downstream, settings,
	)
	if err != nil {
		return fmt.Errorf("failed to insert group %s/%s: %w", g.WorkflowID, g.Name, err)
	}
	return nil
}

// GetGroup loads one group by workflow id and name.
func (s *Store) GetGroup(ctx context.Context, workflowID, name string) (*Group, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM groups WHERE workflow_id = $1 AND name = $2`,
		workflowID, name)
	return scanGroup(row)
}

// ListGroups returns all groups of a workflow ordered by name.
func (s *Store) ListGroups(ctx context.Context, workflowID string) ([]*Group, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+groupColumns+` FROM groups WHERE workflow_id = $1 ORDER BY name`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups for %s: %w", workflowID, err)
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// ActivateWorkflowGroups flips a freshly inserted tree from SUBMITTING to
// WAITING. The status guard makes the flip a no-op if a cancel slipped in
// between insert and activation; the caller then observes zero rows and
// abandons the submit.
func (s *Store) ActivateWorkflowGroups(ctx context.Context, workflowID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE groups SET status = $1, waiting_start_time = now()
		 WHERE workflow_id = $2 AND status = $3`,
		state.StatusWaiting, workflowID, state.StatusSubmitting)
	if err != nil {
		return 0, fmt.Errorf("failed to activate groups for %s: %w", workflowID, err)
	}
	return int(tag.RowsAffected()), nil
}

// UpdateGroupStatus applies a guarded group transition. The phase start
// column doubles as an idempotence token: a second writer targeting the same
// phase finds the column set and affects zero rows. Returns false when the
// write was stale.
func (s *Store) UpdateGroupStatus(
	ctx context.Context,
	workflowID, name string,
	target state.Status,
) (bool, error) {
	allowed := state.AllowedPredecessors(target)
	if len(allowed) == 0 {
		return false, fmt.Errorf("status %s is not a valid group target", target)
	}

	column := state.PhaseColumn(target)
	cmd := fmt.Sprintf(
		`UPDATE groups SET status = $1, %s = now()
		 WHERE workflow_id = $2 AND name = $3
		   AND status = ANY($4) AND %s IS NULL`,
		column, column)

	tag, err := s.pool.Exec(ctx, cmd, target, workflowID, name, statusStrings(allowed))
	if err != nil {
		return false, fmt.Errorf("failed to update group %s/%s status: %w", workflowID, name, err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetGroupCleanedUp marks a group cleaned up exactly once. The returned
// flags report whether this call did the marking and whether every group of
// the workflow is now cleaned up, so the caller can fire workflow cleanup
// exactly once.
func (s *Store) SetGroupCleanedUp(ctx context.Context, workflowID, name string) (marked, allCleaned bool, err error) {
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE groups SET cleaned_up = true
			 WHERE workflow_id = $1 AND name = $2 AND cleaned_up = false`,
			workflowID, name)
		if err != nil {
			return fmt.Errorf("failed to mark group %s/%s cleaned up: %w", workflowID, name, err)
		}
		marked = tag.RowsAffected() > 0

		var remaining int
		err = tx.QueryRow(ctx,
			`SELECT count(*) FROM groups WHERE workflow_id = $1 AND cleaned_up = false`,
			workflowID).Scan(&remaining)
		if err != nil {
			return fmt.Errorf("failed to count uncleaned groups for %s: %w", workflowID, err)
		}
		allCleaned = remaining == 0
		return nil
	})
	return marked, allCleaned, err
}

// RemoveUpstreamAndListUnlocked removes a finished group from the
// remaining_upstream set of each of its downstream groups and returns the
// names of downstream groups whose set just became empty. The removal runs
// in one statement so two concurrent upstream finishes cannot both claim the
// unlock.
func (s *Store) RemoveUpstreamAndListUnlocked(
	ctx context.Context,
	workflowID, finished string,
	downstream []string,
) ([]string, error) {
	if len(downstream) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE groups SET remaining_upstream = array_remove(remaining_upstream, $1)
		 WHERE workflow_id = $2 AND name = ANY($3) AND $1 = ANY(remaining_upstream)
		 RETURNING name, remaining_upstream`,
		finished, workflowID, downstream)
	if err != nil {
		return nil, fmt.Errorf("failed to remove upstream %s for %s: %w", finished, workflowID, err)
	}
	defer rows.Close()

	var unlocked []string
	for rows.Next() {
		var name string
		var remaining []string
		if err := rows.Scan(&name, &remaining); err != nil {
			return nil, fmt.Errorf("failed to scan unlocked group: %w", err)
		}
		if len(remaining) == 0 {
			unlocked = append(unlocked, name)
		}
	}
	return unlocked, rows.Err()
}

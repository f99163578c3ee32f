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
	"fmt"
)

// schemaStatements creates the control-plane tables. Kept idempotent so
// integration tests and fresh deployments can apply it directly.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		workflow_uuid   text PRIMARY KEY,
		workflow_id     text UNIQUE NOT NULL,
		status          text NOT NULL,
		username        text NOT NULL,
		pool            text NOT NULL,
		backend         text NOT NULL,
		priority        text NOT NULL DEFAULT 'NORMAL',
		submit_time     timestamptz NOT NULL,
		start_time      timestamptz,
		end_time        timestamptz,
		queue_timeout_sec bigint NOT NULL DEFAULT 0,
		exec_timeout_sec  bigint NOT NULL DEFAULT 0,
		cancelled_by    text NOT NULL DEFAULT '',
		failure_message text NOT NULL DEFAULT '',
		logs_path       text NOT NULL DEFAULT '',
		events_path     text NOT NULL DEFAULT '',
		plugins         jsonb NOT NULL DEFAULT '{}'::jsonb,
		app_uuid        text NOT NULL DEFAULT '',
		app_version     text NOT NULL DEFAULT '',
		parent_workflow_id text NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS groups (
		group_uuid        text PRIMARY KEY,
		workflow_id       text NOT NULL REFERENCES workflows(workflow_id) ON DELETE CASCADE,
		name              text NOT NULL,
		status            text NOT NULL,
		spec              jsonb NOT NULL,
		remaining_upstream text[] NOT NULL DEFAULT '{}',
		downstream        text[] NOT NULL DEFAULT '{}',
		scheduler_settings jsonb NOT NULL DEFAULT '{}'::jsonb,
		cleaned_up        boolean NOT NULL DEFAULT false,
		waiting_start_time      timestamptz,
		processing_start_time   timestamptz,
		scheduling_start_time   timestamptz,
		initializing_start_time timestamptz,
		running_start_time      timestamptz,
		end_time                timestamptz,
		UNIQUE (workflow_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		task_db_key     text PRIMARY KEY,
		task_uuid       text NOT NULL,
		workflow_id     text NOT NULL REFERENCES workflows(workflow_id) ON DELETE CASCADE,
		group_name      text NOT NULL,
		name            text NOT NULL,
		retry_id        integer NOT NULL DEFAULT 0,
		status          text NOT NULL,
		exit_code       integer,
		message         text NOT NULL DEFAULT '',
		lead            boolean NOT NULL DEFAULT false,
		refresh_token_hash text NOT NULL DEFAULT '',
		exit_actions    jsonb NOT NULL DEFAULT '{}'::jsonb,
		secrets         text[] NOT NULL DEFAULT '{}',
		node            text NOT NULL DEFAULT '',
		pod_ip          text NOT NULL DEFAULT '',
		waiting_start_time      timestamptz,
		processing_start_time   timestamptz,
		scheduling_start_time   timestamptz,
		initializing_start_time timestamptz,
		running_start_time      timestamptz,
		end_time                timestamptz,
		UNIQUE (workflow_id, retry_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS backends (
		name            text PRIMARY KEY,
		k8s_uid         text NOT NULL,
		k8s_namespace   text NOT NULL DEFAULT '',
		version         text NOT NULL DEFAULT '',
		last_heartbeat  timestamptz NOT NULL,
		created_date    timestamptz NOT NULL,
		scheduler_settings jsonb NOT NULL DEFAULT '{}'::jsonb,
		node_conditions jsonb NOT NULL DEFAULT '{"rules": {"Ready": "True"}}'::jsonb,
		router_address  text NOT NULL DEFAULT '',
		description     text NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS pools (
		name            text PRIMARY KEY,
		backend         text NOT NULL,
		platforms       text[] NOT NULL DEFAULT '{}',
		default_queue_timeout_sec bigint NOT NULL DEFAULT 0,
		default_exec_timeout_sec  bigint NOT NULL DEFAULT 0,
		gpu_guarantee   text NOT NULL DEFAULT '',
		priority_supported boolean NOT NULL DEFAULT false,
		retry_supported    boolean NOT NULL DEFAULT true,
		action_permissions jsonb NOT NULL DEFAULT '{}'::jsonb,
		maintenance     boolean NOT NULL DEFAULT false
	)`,
	`CREATE TABLE IF NOT EXISTS resources (
		name            text NOT NULL,
		backend         text NOT NULL,
		allocatable     jsonb NOT NULL DEFAULT '{}'::jsonb,
		usage           jsonb NOT NULL DEFAULT '{}'::jsonb,
		labels          jsonb NOT NULL DEFAULT '{}'::jsonb,
		taints          jsonb NOT NULL DEFAULT '[]'::jsonb,
		conditions      text[] NOT NULL DEFAULT '{}',
		available       boolean NOT NULL DEFAULT true,
		updated_at      timestamptz NOT NULL,
		PRIMARY KEY (name, backend)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_workflow_group
		ON tasks (workflow_id, group_name)`,
	`CREATE INDEX IF NOT EXISTS idx_groups_workflow
		ON groups (workflow_id)`,
}

// EnsureSchema applies the control-plane schema idempotently.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

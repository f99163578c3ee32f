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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// heartbeatGrace is how stale a backend heartbeat may be before its pools
// report OFFLINE.
const heartbeatGrace = 3 * time.Minute

// Backend is one registered agent cluster.
type Backend struct {
	Name              string
	K8sUID            string
	K8sNamespace      string
	Version           string
	LastHeartbeat     time.Time
	SchedulerSettings []byte
	NodeConditions    NodeConditions
	RouterAddress     string
	Description       string
}

// NodeConditions is the per-backend policy deciding which k8s node
// conditions make a node schedulable.
type NodeConditions struct {
	Rules  map[string]string `json:"rules"`
	Prefix string            `json:"prefix,omitempty"`
}

// PoolStatus is the derived availability of a pool.
type PoolStatus string

const (
	PoolStatusOnline      PoolStatus = "ONLINE"
	PoolStatusOffline     PoolStatus = "OFFLINE"
	PoolStatusMaintenance PoolStatus = "MAINTENANCE"
)

// Pool is one row of the pools table plus its derived status.
type Pool struct {
	Name                string
	Backend             string
	Platforms           []string
	DefaultQueueTimeout time.Duration
	DefaultExecTimeout  time.Duration
	GPUGuarantee        string
	PrioritySupported   bool
	RetrySupported      bool
	ActionPermissions   []byte
	Maintenance         bool
	Status              PoolStatus
}

// RegisterBackend inserts the backend on first contact or revalidates it on
// reconnect. The insert-or-select CTE resolves the registration race between
// two agents claiming the same name; a k8s_uid mismatch means a different
// cluster owns the name and the registration is rejected. Returns whether
// this call created the row.
func (s *Store) RegisterBackend(ctx context.Context, b *Backend) (created bool, err error) {
	settings := b.SchedulerSettings
	if len(settings) == 0 {
		settings = []byte(`{}`)
	}
	now := time.Now().UTC()

	insertCmd := `
		WITH input_rows(name, k8s_uid, k8s_namespace, version,
			last_heartbeat, created_date, scheduler_settings,
			router_address, description) AS (
			VALUES
				($1::text, $2::text, $3::text, $4::text,
				 $5::timestamptz, $6::timestamptz, $7::jsonb,
				 $8::text, $9::text)
			)
		, new_row AS (
			INSERT INTO backends (name, k8s_uid, k8s_namespace, version,
				last_heartbeat, created_date, scheduler_settings,
				router_address, description)
			SELECT * FROM input_rows
			ON CONFLICT (name) DO NOTHING
			RETURNING k8s_uid, true as is_new
			)
		SELECT k8s_uid, COALESCE(is_new, false) as is_new FROM new_row
		UNION ALL
		SELECT b.k8s_uid, false as is_new FROM input_rows
		JOIN backends b USING (name)
		WHERE NOT EXISTS (SELECT 1 FROM new_row)`

	var existingUID string
	err = s.pool.QueryRow(ctx, insertCmd,
		b.Name, b.K8sUID, b.K8sNamespace, b.Version,
		now, now, settings,
		b.RouterAddress, b.Description,
	).Scan(&existingUID, &created)
	if err != nil {
		return false, fmt.Errorf("failed to register backend %s: %w", b.Name, err)
	}

	if existingUID != b.K8sUID {
		return false, fmt.Errorf(
			"backend %s is already being used by a different cluster (uid: %s)",
			b.Name, existingUID)
	}

	// Namespace and version may change across agent upgrades.
	_, err = s.pool.Exec(ctx,
		`UPDATE backends SET k8s_namespace = $2, version = $3, last_heartbeat = $4
		 WHERE name = $1`,
		b.Name, b.K8sNamespace, b.Version, now)
	if err != nil {
		return created, fmt.Errorf("failed to refresh backend %s: %w", b.Name, err)
	}
	return created, nil
}

// TouchBackendHeartbeat advances the backend heartbeat timestamp.
func (s *Store) TouchBackendHeartbeat(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE backends SET last_heartbeat = now() WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to touch heartbeat for backend %s: %w", name, err)
	}
	return nil
}

// GetBackend loads one backend row.
func (s *Store) GetBackend(ctx context.Context, name string) (*Backend, error) {
	var b Backend
	var conditions []byte
	err := s.pool.QueryRow(ctx,
		`SELECT name, k8s_uid, k8s_namespace, version, last_heartbeat,
			scheduler_settings, node_conditions, router_address, description
		 FROM backends WHERE name = $1`, name).Scan(
		&b.Name, &b.K8sUID, &b.K8sNamespace, &b.Version, &b.LastHeartbeat,
		&b.SchedulerSettings, &conditions, &b.RouterAddress, &b.Description,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get backend %s: %w", name, err)
	}
	if err := json.Unmarshal(conditions, &b.NodeConditions); err != nil {
		return nil, fmt.Errorf("failed to parse node conditions for %s: %w", name, err)
	}
	return &b, nil
}

// UpsertPool creates or replaces a pool definition.
func (s *Store) UpsertPool(ctx context.Context, p *Pool) error {
	permissions := p.ActionPermissions
	if len(permissions) == 0 {
		permissions = []byte(`{}`)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pools (name, backend, platforms,
			default_queue_timeout_sec, default_exec_timeout_sec,
			gpu_guarantee, priority_supported, retry_supported,
			action_permissions, maintenance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (name) DO UPDATE SET
			backend = EXCLUDED.backend,
			platforms = EXCLUDED.platforms,
			default_queue_timeout_sec = EXCLUDED.default_queue_timeout_sec,
			default_exec_timeout_sec = EXCLUDED.default_exec_timeout_sec,
			gpu_guarantee = EXCLUDED.gpu_guarantee,
			priority_supported = EXCLUDED.priority_supported,
			retry_supported = EXCLUDED.retry_supported,
			action_permissions = EXCLUDED.action_permissions,
			maintenance = EXCLUDED.maintenance`,
		p.Name, p.Backend, p.Platforms,
		int64(p.DefaultQueueTimeout/time.Second), int64(p.DefaultExecTimeout/time.Second),
		p.GPUGuarantee, p.PrioritySupported, p.RetrySupported,
		permissions, p.Maintenance)
	if err != nil {
		return fmt.Errorf("failed to upsert pool %s: %w", p.Name, err)
	}
	return nil
}

// SetPoolMaintenance toggles maintenance mode for a pool.
func (s *Store) SetPoolMaintenance(ctx context.Context, name string, maintenance bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE pools SET maintenance = $1 WHERE name = $2`, maintenance, name)
	if err != nil {
		return fmt.Errorf("failed to set maintenance for pool %s: %w", name, err)
	}
	return nil
}

// GetPool loads a pool and derives its status from the owning backend's
// heartbeat and the maintenance flag. A pool in maintenance reports
// MAINTENANCE even while its backend is connected.
func (s *Store) GetPool(ctx context.Context, name string) (*Pool, error) {
	var p Pool
	var queueSec, execSec int64
	var heartbeat *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT p.name, p.backend, p.platforms,
			p.default_queue_timeout_sec, p.default_exec_timeout_sec,
			p.gpu_guarantee, p.priority_supported, p.retry_supported,
			p.action_permissions, p.maintenance, b.last_heartbeat
		 FROM pools p
		 LEFT JOIN backends b ON b.name = p.backend
		 WHERE p.name = $1`, name).Scan(
		&p.Name, &p.Backend, &p.Platforms,
		&queueSec, &execSec,
		&p.GPUGuarantee, &p.PrioritySupported, &p.RetrySupported,
		&p.ActionPermissions, &p.Maintenance, &heartbeat,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get pool %s: %w", name, err)
	}
	p.DefaultQueueTimeout = time.Duration(queueSec) * time.Second
	p.DefaultExecTimeout = time.Duration(execSec) * time.Second
	p.Status = derivePoolStatus(p.Maintenance, heartbeat, time.Now())
	return &p, nil
}

// ListBackendPools returns the pools served by one backend.
func (s *Store) ListBackendPools(ctx context.Context, backend string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name FROM pools WHERE backend = $1 ORDER BY name`, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to list pools for backend %s: %w", backend, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan pool name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func derivePoolStatus(maintenance bool, heartbeat *time.Time, now time.Time) PoolStatus {
	if maintenance {
		return PoolStatusMaintenance
	}
	if heartbeat == nil || now.Sub(*heartbeat) > heartbeatGrace {
		return PoolStatusOffline
	}
	return PoolStatusOnline
}

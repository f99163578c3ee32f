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
	"time"

	"github.com/jackc/pgx/v5"
)

// Resource is one node reported by a backend.
type Resource struct {
	Name        string
	Backend     string
	Allocatable []byte
	Usage       []byte
	Labels      []byte
	Taints      []byte
	Conditions  []string
	Available   bool
	UpdatedAt   time.Time
}

// UpsertResource records the latest observation of a node.
func (s *Store) UpsertResource(ctx context.Context, r *Resource) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO resources (name, backend, allocatable, usage, labels,
			taints, conditions, available, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (name, backend) DO UPDATE SET
			allocatable = EXCLUDED.allocatable,
			usage = EXCLUDED.usage,
			labels = EXCLUDED.labels,
			taints = EXCLUDED.taints,
			conditions = EXCLUDED.conditions,
			available = EXCLUDED.available,
			updated_at = now()`,
		r.Name, r.Backend,
		jsonOrEmpty(r.Allocatable, `{}`), jsonOrEmpty(r.Usage, `{}`),
		jsonOrEmpty(r.Labels, `{}`), jsonOrEmpty(r.Taints, `[]`),
		r.Conditions, r.Available)
	if err != nil {
		return fmt.Errorf("failed to upsert resource %s/%s: %w", r.Backend, r.Name, err)
	}
	return nil
}

// UpdateResourceUsage refreshes only the usage figures of a known node.
// Unknown nodes are ignored; the next full RESOURCE report creates the row.
func (s *Store) UpdateResourceUsage(ctx context.Context, backend, name string, usage []byte) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE resources SET usage = $3, updated_at = now()
		 WHERE backend = $1 AND name = $2`,
		backend, name, jsonOrEmpty(usage, `{}`))
	if err != nil {
		return fmt.Errorf("failed to update usage for resource %s/%s: %w", backend, name, err)
	}
	return nil
}

// PruneResources drops every node of a backend not present in the keep set.
// Called on a NODE_HASH inventory so the table converges after missed
// delete events.
func (s *Store) PruneResources(ctx context.Context, backend string, keep []string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM resources WHERE backend = $1 AND NOT (name = ANY($2))`,
		backend, keep)
	if err != nil {
		return fmt.Errorf("failed to prune resources for backend %s: %w", backend, err)
	}
	return nil
}

// DeleteResource removes a node that left the cluster.
func (s *Store) DeleteResource(ctx context.Context, backend, name string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM resources WHERE backend = $1 AND name = $2`, backend, name)
	if err != nil {
		return fmt.Errorf("failed to delete resource %s/%s: %w", backend, name, err)
	}
	return nil
}

// ReconcileResources replaces the full node set of a backend in one
// transaction. Used when the agent reconnects and replays its inventory;
// nodes absent from the new set are dropped.
func (s *Store) ReconcileResources(ctx context.Context, backend string, resources []*Resource) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		names := make([]string, len(resources))
		for i, r := range resources {
			names[i] = r.Name
		}
		_, err := tx.Exec(ctx,
			`DELETE FROM resources WHERE backend = $1 AND NOT (name = ANY($2))`,
			backend, names)
		if err != nil {
			return fmt.Errorf("failed to prune resources for backend %s: %w", backend, err)
		}
		for _, r := range resources {
			_, err := tx.Exec(ctx,
				`INSERT INTO resources (name, backend, allocatable, usage, labels,
					taints, conditions, available, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
				ON CONFLICT (name, backend) DO UPDATE SET
					allocatable = EXCLUDED.allocatable,
					usage = EXCLUDED.usage,
					labels = EXCLUDED.labels,
					taints = EXCLUDED.taints,
					conditions = EXCLUDED.conditions,
					available = EXCLUDED.available,
					updated_at = now()`,
				r.Name, backend,
				jsonOrEmpty(r.Allocatable, `{}`), jsonOrEmpty(r.Usage, `{}`),
				jsonOrEmpty(r.Labels, `{}`), jsonOrEmpty(r.Taints, `[]`),
				r.Conditions, r.Available)
			if err != nil {
				return fmt.Errorf("failed to reconcile resource %s/%s: %w", backend, r.Name, err)
			}
		}
		return nil
	})
}

// ListResources returns all nodes of a backend.
func (s *Store) ListResources(ctx context.Context, backend string) ([]*Resource, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, backend, allocatable, usage, labels, taints,
			conditions, available, updated_at
		 FROM resources WHERE backend = $1 ORDER BY name`, backend)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources for backend %s: %w", backend, err)
	}
	defer rows.Close()

	var resources []*Resource
	for rows.Next() {
		var r Resource
		err := rows.Scan(&r.Name, &r.Backend, &r.Allocatable, &r.Usage,
			&r.Labels, &r.Taints, &r.Conditions, &r.Available, &r.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		resources = append(resources, &r)
	}
	return resources, rows.Err()
}

func jsonOrEmpty(data []byte, empty string) []byte {
	if len(data) == 0 {
		return []byte(empty)
	}
	return data
}
